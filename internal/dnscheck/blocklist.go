package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"
)

// AddressResolver resolves A records
type AddressResolver interface {
	LookupA(ctx context.Context, name string) ([]string, error)
}

// DNSBLInfo represents a DNS blocklist service
type DNSBLInfo struct {
	Name        string `json:"name"`
	Zone        string `json:"zone"`
	Description string `json:"description"`
}

// DNSBLResult represents a single DNSBL check result
type DNSBLResult struct {
	DNSBL       DNSBLInfo `json:"dnsbl"`
	Listed      bool      `json:"listed"`
	ReturnCodes []string  `json:"return_codes,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// IPCheckResult contains all DNSBL check results for an IP
type IPCheckResult struct {
	IP      string        `json:"ip"`
	Results []DNSBLResult `json:"results"`
	Summary IPSummary     `json:"summary"`
}

// IPSummary contains DNSBL check statistics
type IPSummary struct {
	Clean  int `json:"clean"`
	Listed int `json:"listed"`
	Errors int `json:"errors"`
}

// DefaultDNSBLs are the blocklists mail-server IPs are checked against
var DefaultDNSBLs = []DNSBLInfo{
	{Name: "Spamhaus ZEN", Zone: "zen.spamhaus.org", Description: "Combined Spamhaus blocklist (SBL, XBL, PBL)"},
	{Name: "Barracuda", Zone: "b.barracudacentral.org", Description: "Barracuda Reputation Block List"},
	{Name: "SpamCop", Zone: "bl.spamcop.net", Description: "SpamCop Blocking List"},
	{Name: "UCEPROTECT L1", Zone: "dnsbl-1.uceprotect.net", Description: "UCEPROTECT Level 1"},
	{Name: "PSBL", Zone: "psbl.surriel.com", Description: "Passive Spam Block List"},
	{Name: "Mailspike BL", Zone: "bl.mailspike.net", Description: "Mailspike Blocklist"},
}

// CheckBlocklists checks a mail-server IPv4 address against lists
func CheckBlocklists(ctx context.Context, resolver AddressResolver, ipStr string, lists []DNSBLInfo) (*IPCheckResult, error) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, ErrInvalidIP
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, ErrIPv6NotSupported
	}
	if len(lists) == 0 {
		lists = DefaultDNSBLs
	}

	reversed := fmt.Sprintf("%d.%d.%d.%d", ip4[3], ip4[2], ip4[1], ip4[0])
	result := &IPCheckResult{
		IP:      ipStr,
		Results: make([]DNSBLResult, len(lists)),
	}

	var g errgroup.Group
	g.SetLimit(parallelLookups)
	for i, bl := range lists {
		g.Go(func() error {
			result.Results[i] = checkDNSBL(ctx, resolver, reversed, bl)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range result.Results {
		switch {
		case r.Error != "":
			result.Summary.Errors++
		case r.Listed:
			result.Summary.Listed++
		default:
			result.Summary.Clean++
		}
	}

	return result, nil
}

func checkDNSBL(ctx context.Context, resolver AddressResolver, reversedIP string, dnsbl DNSBLInfo) DNSBLResult {
	result := DNSBLResult{DNSBL: dnsbl}

	addrs, err := resolver.LookupA(ctx, reversedIP+"."+dnsbl.Zone)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return result
		}
		result.Error = fmt.Sprintf("lookup error: %v", err)
		return result
	}

	result.Listed = true
	result.ReturnCodes = addrs
	return result
}
