// Package dnscheck verifies that published DNS records have propagated.
package dnscheck

import (
	"errors"
	"regexp"
	"strings"
)

// Validation errors
var (
	ErrInvalidDomain    = errors.New("invalid domain name")
	ErrInvalidSelector  = errors.New("invalid DKIM selector")
	ErrInvalidIP        = errors.New("invalid IP address")
	ErrIPv6NotSupported = errors.New("IPv6 addresses are not supported for DNSBL checks")
)

// domainRegex requires at least one dot and an alphabetic TLD
var domainRegex = regexp.MustCompile(`^(?i)([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}$`)

var selectorRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// NormalizeDomain lowercases and trims a domain, dropping a trailing dot
func NormalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// ValidateDomain checks if domain name is valid
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 {
		return ErrInvalidDomain
	}
	if !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateSelector checks if DKIM selector is valid
func ValidateSelector(selector string) error {
	if selector == "" || len(selector) > 63 {
		return ErrInvalidSelector
	}
	if !selectorRegex.MatchString(selector) {
		return ErrInvalidSelector
	}
	return nil
}

// normalizeSpace collapses runs of whitespace for value comparison
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
