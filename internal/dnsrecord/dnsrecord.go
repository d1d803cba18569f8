// Package dnsrecord derives the SPF, DMARC and DKIM TXT records a sending
// domain needs. Everything here is pure: the same inputs always produce
// byte-identical output.
package dnsrecord

import (
	"strings"
)

// DefaultSPFInclude is used when no SPF includes are configured
const DefaultSPFInclude = "_spf.inboxgrove.net"

// AutoTTL asks the DNS host to pick the TTL
const AutoTTL = 1

const (
	apexName  = "@"
	dmarcName = "_dmarc"
)

// Policy is a DMARC p= value
type Policy string

const (
	PolicyNone       Policy = "none"
	PolicyQuarantine Policy = "quarantine"
	PolicyReject     Policy = "reject"
)

// Valid reports whether p is a known DMARC policy
func (p Policy) Valid() bool {
	switch p {
	case PolicyNone, PolicyQuarantine, PolicyReject:
		return true
	}
	return false
}

// DKIMPair is a selector with its bare base64 public key
type DKIMPair struct {
	Selector  string `json:"selector"`
	PublicKey string `json:"public_key"`
}

// Options tune the generated policy records
type Options struct {
	SPFIncludes []string `json:"spf_includes,omitempty"`
	DMARCPolicy Policy   `json:"dmarc_policy,omitempty"`
	RUA         string   `json:"rua,omitempty"`
	RUF         string   `json:"ruf,omitempty"`
}

// Record is a TXT record relative to the zone apex
type Record struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// DKIMRecord is the TXT record for one selector
type DKIMRecord struct {
	Selector string `json:"selector"`
	Name     string `json:"name"`
	Value    string `json:"value"`
}

// RecordSet is the full set of records for a domain
type RecordSet struct {
	Domain string       `json:"domain"`
	SPF    Record       `json:"spf"`
	DMARC  Record       `json:"dmarc"`
	DKIM   []DKIMRecord `json:"dkim"`
}

// Generate builds the record set for domain
func Generate(domain string, pairs []DKIMPair, opts Options) RecordSet {
	includes := opts.SPFIncludes
	if len(includes) == 0 {
		includes = []string{DefaultSPFInclude}
	}
	policy := opts.DMARCPolicy
	if policy == "" {
		policy = PolicyNone
	}

	set := RecordSet{
		Domain: domain,
		SPF:    Record{Name: apexName, Value: SPFValue(includes)},
		DMARC:  Record{Name: dmarcName, Value: DMARCValue(policy, opts.RUA, opts.RUF)},
		DKIM:   make([]DKIMRecord, 0, len(pairs)),
	}

	for _, p := range pairs {
		set.DKIM = append(set.DKIM, DKIMRecord{
			Selector: p.Selector,
			Name:     DKIMName(p.Selector),
			Value:    DKIMValue(p.PublicKey),
		})
	}

	return set
}

// SPFValue returns "v=spf1 include:<i>... mx a ~all"
func SPFValue(includes []string) string {
	parts := make([]string, 0, len(includes)+4)
	parts = append(parts, "v=spf1")
	for _, inc := range includes {
		parts = append(parts, "include:"+inc)
	}
	parts = append(parts, "mx", "a", "~all")
	return strings.Join(parts, " ")
}

// DMARCValue returns the DMARC policy string with strict alignment
func DMARCValue(policy Policy, rua, ruf string) string {
	parts := []string{"v=DMARC1", "p=" + string(policy), "sp=none", "adkim=s", "aspf=s"}
	if rua != "" {
		parts = append(parts, "rua=mailto:"+rua)
	}
	if ruf != "" {
		parts = append(parts, "ruf=mailto:"+ruf)
	}
	return strings.Join(parts, "; ")
}

// DKIMName returns the relative record name for a selector
func DKIMName(selector string) string {
	return selector + "._domainkey"
}

// DKIMValue returns the TXT value publishing a public key
func DKIMValue(publicKey string) string {
	return "v=DKIM1; k=rsa; p=" + publicKey
}

// FQDN expands a relative record name under domain
func FQDN(name, domain string) string {
	if name == "" || name == apexName {
		return domain
	}
	if strings.HasSuffix(name, "."+domain) || name == domain {
		return name
	}
	return name + "." + domain
}

// HostRecord is a record as submitted to a DNS host
type HostRecord struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Content  string `json:"content"`
	TTL      int    `json:"ttl"`
	Priority *int   `json:"priority,omitempty"`
}

// HostRecords converts the set to DNS host inputs, SPF then DMARC then DKIM
func (s RecordSet) HostRecords() []HostRecord {
	records := make([]HostRecord, 0, 2+len(s.DKIM))
	records = append(records,
		HostRecord{Type: "TXT", Name: s.SPF.Name, Content: s.SPF.Value, TTL: AutoTTL},
		HostRecord{Type: "TXT", Name: s.DMARC.Name, Content: s.DMARC.Value, TTL: AutoTTL},
	)
	for _, d := range s.DKIM {
		records = append(records, HostRecord{Type: "TXT", Name: d.Name, Content: d.Value, TTL: AutoTTL})
	}
	return records
}

// Names returns the fully-qualified names a verifier should check:
// apex, _dmarc, then each selector
func (s RecordSet) Names() []string {
	names := []string{FQDN(s.SPF.Name, s.Domain), FQDN(s.DMARC.Name, s.Domain)}
	for _, d := range s.DKIM {
		names = append(names, FQDN(d.Name, s.Domain))
	}
	return names
}

// ExpectedValues maps each fully-qualified name to its expected TXT value
func (s RecordSet) ExpectedValues() map[string]string {
	expected := map[string]string{
		FQDN(s.SPF.Name, s.Domain):   s.SPF.Value,
		FQDN(s.DMARC.Name, s.Domain): s.DMARC.Value,
	}
	for _, d := range s.DKIM {
		expected[FQDN(d.Name, s.Domain)] = d.Value
	}
	return expected
}
