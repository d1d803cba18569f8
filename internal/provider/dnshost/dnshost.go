// Package dnshost creates DNS records at a hosting provider.
package dnshost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/libdns/cloudflare"
	"github.com/libdns/he"

	"github.com/dchatpar/inboxgrove/internal/dnsrecord"
	"github.com/dchatpar/inboxgrove/internal/provider"
	"github.com/dchatpar/inboxgrove/internal/retry"
)

const providerName = "dnshost"

// Supported provider names
const (
	ProviderCloudflare       = "cloudflare"
	ProviderCloudflareLibdns = "cloudflare-libdns"
	ProviderHE               = "he"
)

// ErrZoneNotFound is returned when the provider has no zone for a domain
var ErrZoneNotFound = errors.New("zone not found: add the domain to the DNS host first")

// Record is a record to create
type Record = dnsrecord.HostRecord

// Zone identifies a hosted zone
type Zone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Host is a DNS hosting provider
type Host interface {
	Name() string
	FindZone(ctx context.Context, domain string) (Zone, error)
	CreateRecord(ctx context.Context, zoneID string, r Record) (string, error)
	CreateRecords(ctx context.Context, zoneID string, records []Record) BatchResult
}

// Outcome is the result of creating one record
type Outcome struct {
	Record Record `json:"record"`
	OK     bool   `json:"ok"`
	ID     string `json:"id,omitempty"`
	Status int    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// BatchResult holds one outcome per submitted record, in submission order.
// Partial failure is a normal result.
type BatchResult struct {
	Outcomes []Outcome `json:"outcomes"`
}

// Total returns the number of submitted records
func (b BatchResult) Total() int {
	return len(b.Outcomes)
}

// Succeeded returns the number of created records
func (b BatchResult) Succeeded() int {
	n := 0
	for _, o := range b.Outcomes {
		if o.OK {
			n++
		}
	}
	return n
}

// Failed returns the number of records that were not created
func (b BatchResult) Failed() int {
	return b.Total() - b.Succeeded()
}

// Summary renders "N/M succeeded"
func (b BatchResult) Summary() string {
	return fmt.Sprintf("%d/%d succeeded", b.Succeeded(), b.Total())
}

// Failures describes each failed record
func (b BatchResult) Failures() []string {
	var out []string
	for _, o := range b.Outcomes {
		if !o.OK {
			out = append(out, fmt.Sprintf("%s %s: %s", o.Record.Type, o.Record.Name, o.Error))
		}
	}
	return out
}

// createEach submits records one at a time so each gets its own outcome
func createEach(ctx context.Context, h Host, zoneID string, records []Record) BatchResult {
	result := BatchResult{Outcomes: make([]Outcome, 0, len(records))}

	for _, r := range records {
		id, err := h.CreateRecord(ctx, zoneID, r)
		o := Outcome{Record: r, OK: err == nil, ID: id}
		if err != nil {
			o.Error = provider.Message(err)
			var pe *provider.Error
			if errors.As(err, &pe) {
				o.Status = pe.Status
			}
		}
		result.Outcomes = append(result.Outcomes, o)
	}

	return result
}

// Config selects and configures a provider
type Config struct {
	Provider     string
	APIToken     string
	AccountID    string
	BaseURL      string
	TTL          int
	Timeout      time.Duration
	ZoneCacheTTL time.Duration
	Retry        retry.Config
}

// New builds the configured Host
func New(cfg Config, observer provider.Observer, logger *slog.Logger) (Host, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderCloudflare:
		return NewCloudflare(cfg, observer, logger), nil
	case ProviderCloudflareLibdns:
		return NewLibdns(ProviderCloudflareLibdns, &cloudflare.Provider{APIToken: cfg.APIToken}, time.Second, cfg, observer, logger), nil
	case ProviderHE:
		return NewLibdns(ProviderHE, &he.Provider{APIKey: cfg.APIToken}, 300*time.Second, cfg, observer, logger), nil
	default:
		return nil, fmt.Errorf("unknown DNS host provider: %s", cfg.Provider)
	}
}
