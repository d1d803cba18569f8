package dnsrecord

import (
	"fmt"
	"strings"
)

// Provider names a DNS hosting control panel with a manual setup guide
type Provider string

const (
	ProviderCloudflare    Provider = "Cloudflare"
	ProviderGoDaddy       Provider = "GoDaddy"
	ProviderNamecheap     Provider = "Namecheap"
	ProviderRoute53       Provider = "AWS Route 53"
	ProviderGoogleDomains Provider = "Google Domains"
)

// Providers lists every provider with a guide, in display order
var Providers = []Provider{
	ProviderCloudflare,
	ProviderGoDaddy,
	ProviderNamecheap,
	ProviderRoute53,
	ProviderGoogleDomains,
}

// Guide holds control-panel steps and pitfalls
type Guide struct {
	Steps []string `json:"steps"`
	Tips  []string `json:"tips"`
}

var guides = map[Provider]Guide{
	ProviderCloudflare: {
		Steps: []string{
			"Open your zone in Cloudflare, then DNS",
			"Add TXT @ with SPF value",
			"Add TXT _dmarc with DMARC value",
			"Add TXT s1._domainkey with DKIM (p=...)",
			"Add TXT s2._domainkey with DKIM (p=...)",
			"Wait for propagation and verify",
		},
		Tips: []string{
			"TTL Auto is fine; the proxied toggle does not apply to TXT",
			"Ensure no existing conflicting SPF/DMARC TXT records",
			"Use BIND zone import for bulk adds",
		},
	},
	ProviderGoDaddy: {
		Steps: []string{
			"Open domain, then DNS Management",
			"Add TXT @, then _dmarc, then DKIM selectors",
			"Save changes and wait for propagation",
		},
		Tips: []string{
			"GoDaddy may auto-append the domain; set host to the exact label",
			"Avoid duplicate SPF; keep a single TXT SPF record",
		},
	},
	ProviderNamecheap: {
		Steps: []string{
			"Domain, then Advanced DNS",
			"Add TXT @, TXT _dmarc, TXT s1._domainkey, TXT s2._domainkey",
			"Save and recheck in 5-10 minutes",
		},
		Tips: []string{
			"Use the TXT Record type; leave TTL default",
			"If using Namecheap email, ensure MX records are unaffected",
		},
	},
	ProviderRoute53: {
		Steps: []string{
			"Hosted zone, then Create record",
			"Create TXT for @ and _dmarc",
			"Create TXT for DKIM selectors",
		},
		Tips: []string{
			"Surround TXT values in quotes in the Route 53 console",
			"Multi-value TXT creates multiple strings; prefer a single combined string",
		},
	},
	ProviderGoogleDomains: {
		Steps: []string{
			"Manage DNS, then Custom records",
			"Add TXT @, TXT _dmarc, TXT s1._domainkey, TXT s2._domainkey",
		},
		Tips: []string{
			"The console may require full host names; verify label handling",
			"Propagation may take up to 1 hour",
		},
	},
}

// GuideFor returns the guide for p
func GuideFor(p Provider) (Guide, bool) {
	g, ok := guides[p]
	return g, ok
}

// ParseProvider matches a provider name case-insensitively
func ParseProvider(s string) (Provider, error) {
	for _, p := range Providers {
		if strings.EqualFold(string(p), s) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown DNS provider %q", s)
}

// Instructions renders manual setup instructions for the set
func Instructions(s RecordSet, p Provider) string {
	lines := []string{
		"Provider: " + string(p),
		"Add the following DNS records:",
		fmt.Sprintf("- TXT %s : %s", s.SPF.Name, s.SPF.Value),
		fmt.Sprintf("- TXT %s : %s", s.DMARC.Name, s.DMARC.Value),
	}
	for _, d := range s.DKIM {
		lines = append(lines, fmt.Sprintf("- TXT %s : %s", d.Name, d.Value))
	}

	if g, ok := guides[p]; ok {
		lines = append(lines, "Steps:")
		for i, step := range g.Steps {
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, step))
		}
		lines = append(lines, "Tips:")
		for _, tip := range g.Tips {
			lines = append(lines, "- "+tip)
		}
	}

	lines = append(lines,
		"Notes:",
		"- Propagation can take up to 24 hours.",
		"- DKIM selectors can be s1/s2; keep as provided.",
		"- For MX/SMTP, configure per your sending provider if needed.",
	)
	return strings.Join(lines, "\n")
}
