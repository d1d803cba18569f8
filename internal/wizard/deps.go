package wizard

import (
	"context"
	"log/slog"
	"time"

	"github.com/dchatpar/inboxgrove/internal/dkim"
	"github.com/dchatpar/inboxgrove/internal/dnscheck"
	"github.com/dchatpar/inboxgrove/internal/dnsrecord"
	"github.com/dchatpar/inboxgrove/internal/keystore"
	"github.com/dchatpar/inboxgrove/internal/provider/dnshost"
	"github.com/dchatpar/inboxgrove/internal/provider/mta"
	"github.com/dchatpar/inboxgrove/internal/provider/registrar"
)

// DKIM authorities
const (
	AuthorityLocal = "local"
	AuthorityMTA   = "mta"
)

// DefaultMTASelector is the selector the MTA signs with under local authority
const DefaultMTASelector = "mta"

// Registrar searches and buys domains
type Registrar interface {
	CheckAvailability(ctx context.Context, domain string) (*registrar.Availability, error)
	Purchase(ctx context.Context, domain string, years int) (*registrar.PurchaseResult, error)
}

// MTA provisions the mail platform
type MTA interface {
	CreateDomain(ctx context.Context, domain, selector string) (*mta.Domain, error)
	GenerateDKIM(ctx context.Context, domain, selector string, keySize int) (*mta.DKIMKey, error)
	DNSRecords(ctx context.Context, domain string, mailIPs []string) (*mta.DNSRecords, error)
	CreateUser(ctx context.Context, username, password, email string) (*mta.User, error)
	Reload(ctx context.Context) (*mta.ReloadResult, error)
}

// Verifier checks DNS propagation
type Verifier interface {
	Verify(ctx context.Context, names []string, expected map[string]string) dnscheck.Report
}

// KeyStore persists DKIM key pairs
type KeyStore interface {
	Load(ctx context.Context, name string) (*keystore.Bundle, error)
	Put(ctx context.Context, name, selector string, e keystore.Entry) error
}

// Observer receives wizard events for metrics. All methods may be called
// concurrently.
type Observer interface {
	ObserveTransition(from, to string)
	ObserveRecords(succeeded, failed int)
	ObserveLookup(status string)
	ObserveKeyGenerated()
	SetActiveSessions(n int)
}

type nopObserver struct{}

func (nopObserver) ObserveTransition(string, string) {}
func (nopObserver) ObserveRecords(int, int)          {}
func (nopObserver) ObserveLookup(string)             {}
func (nopObserver) ObserveKeyGenerated()             {}
func (nopObserver) SetActiveSessions(int)            {}

// Deps are the collaborators a wizard drives. DNSHost may be nil, in
// which case the operator can only skip the DNS host step.
type Deps struct {
	Registrar Registrar
	DNSHost   dnshost.Host
	MTA       MTA
	Verifier  Verifier
	Keys      KeyStore
	Observer  Observer
	Logger    *slog.Logger
}

// Config controls wizard behaviour
type Config struct {
	Selectors        []string
	PurchaseYears    int
	AutoAdvanceDelay time.Duration // 0 advances immediately
	StepTimeout      time.Duration
	DKIMAuthority    string
	MTASelector      string // MTA signing selector under local authority
	KeyBits          int
	BundleName       string
	Records          dnsrecord.Options

	// MTA deploy settings
	MTAKeySize  int
	MailIPs     []string
	SMTPAddr    string // login check after deploy, empty disables it
	SMTPTimeout time.Duration
}

func (c *Config) setDefaults() {
	if len(c.Selectors) == 0 {
		c.Selectors = []string{"s1", "s2"}
	}
	if c.PurchaseYears == 0 {
		c.PurchaseYears = 1
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = 2 * time.Minute
	}
	if c.DKIMAuthority == "" {
		c.DKIMAuthority = AuthorityLocal
	}
	if c.MTASelector == "" {
		c.MTASelector = DefaultMTASelector
	}
	if c.KeyBits == 0 {
		c.KeyBits = dkim.DefaultKeyBits
	}
	if c.BundleName == "" {
		c.BundleName = "inboxgrove_dkim_bundle"
	}
	if c.MTAKeySize == 0 {
		c.MTAKeySize = 2048
	}
	if c.SMTPTimeout == 0 {
		c.SMTPTimeout = 15 * time.Second
	}
}
