package wizard

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dchatpar/inboxgrove/internal/dnscheck"
	"github.com/dchatpar/inboxgrove/internal/dnsrecord"
	"github.com/dchatpar/inboxgrove/internal/keystore"
	"github.com/dchatpar/inboxgrove/internal/provider"
	"github.com/dchatpar/inboxgrove/internal/provider/dnshost"
	"github.com/dchatpar/inboxgrove/internal/provider/mta"
	"github.com/dchatpar/inboxgrove/internal/provider/registrar"
	"github.com/dchatpar/inboxgrove/internal/retry"
)

type fakeRegistrar struct {
	mu          sync.Mutex
	available   bool
	code        string
	price       string
	orderID     string
	checkErr    error
	purchaseErr error
	checks      int
	purchases   int
	years       int // term of the last purchase

	// when set, CheckAvailability signals started and waits for block
	started chan struct{}
	block   chan struct{}
	once    sync.Once
}

func (f *fakeRegistrar) CheckAvailability(ctx context.Context, domain string) (*registrar.Availability, error) {
	f.mu.Lock()
	f.checks++
	started, block := f.started, f.block
	f.mu.Unlock()

	if block != nil {
		f.once.Do(func() { close(started) })
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if f.checkErr != nil {
		return nil, f.checkErr
	}
	code := f.code
	if code == "" {
		code = "211"
		if f.available {
			code = registrar.DefaultAvailableCode
		}
	}
	return &registrar.Availability{Domain: domain, Available: f.available, Code: code, Price: f.price}, nil
}

func (f *fakeRegistrar) Purchase(ctx context.Context, domain string, years int) (*registrar.PurchaseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purchases++
	f.years = years
	if f.purchaseErr != nil {
		return nil, f.purchaseErr
	}
	return &registrar.PurchaseResult{Domain: domain, OrderID: f.orderID, Years: years}, nil
}

// fakeHost is a DNS host that also answers TXT lookups from the records
// created on it, so verification sees what deploy published.
type fakeHost struct {
	mu      sync.Mutex
	zone    dnshost.Zone
	findErr error
	fail    map[string]bool // record names rejected by CreateRecord
	finds   int
	created []dnshost.Record
}

func (f *fakeHost) Name() string { return "fakehost" }

func (f *fakeHost) FindZone(ctx context.Context, domain string) (dnshost.Zone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	if f.findErr != nil {
		return dnshost.Zone{}, f.findErr
	}
	return f.zone, nil
}

func (f *fakeHost) CreateRecord(ctx context.Context, zoneID string, r dnshost.Record) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[r.Name] {
		return "", provider.Reject("fakehost", "create record", 400, "record rejected")
	}
	f.created = append(f.created, r)
	return fmt.Sprintf("rec-%d", len(f.created)), nil
}

func (f *fakeHost) CreateRecords(ctx context.Context, zoneID string, records []dnshost.Record) dnshost.BatchResult {
	var b dnshost.BatchResult
	for _, r := range records {
		id, err := f.CreateRecord(ctx, zoneID, r)
		o := dnshost.Outcome{Record: r, OK: err == nil, ID: id}
		if err != nil {
			o.Error = provider.Message(err)
		}
		b.Outcomes = append(b.Outcomes, o)
	}
	return b
}

func (f *fakeHost) LookupTXT(ctx context.Context, name string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var values []string
	for _, r := range f.created {
		if r.Type == "TXT" && dnsrecord.FQDN(r.Name, f.zone.Name) == name {
			values = append(values, r.Content)
		}
	}
	if len(values) == 0 {
		return nil, dnscheck.ErrNotFound
	}
	return values, nil
}

func (f *fakeHost) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type fakeMTA struct {
	mu      sync.Mutex
	calls   []string
	records []mta.DNSRecord
	fail    map[string]error
	panicOn string
	block   string // op that waits for its context to end
	started chan struct{}
	once    sync.Once
}

func (f *fakeMTA) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	err := f.fail[op]
	panicOn, block, started := f.panicOn, f.block, f.started
	f.mu.Unlock()

	if panicOn == op {
		panic("fake MTA exploded")
	}
	if block == op {
		if started != nil {
			f.once.Do(func() { close(started) })
		}
		<-ctx.Done()
		return provider.Transport("mta", op, ctx.Err())
	}
	return err
}

func (f *fakeMTA) set(fn func(f *fakeMTA)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeMTA) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeMTA) CreateDomain(ctx context.Context, domain, selector string) (*mta.Domain, error) {
	if err := f.enter(ctx, "create domain"); err != nil {
		return nil, err
	}
	return &mta.Domain{Domain: domain, Selector: selector}, nil
}

func (f *fakeMTA) GenerateDKIM(ctx context.Context, domain, selector string, keySize int) (*mta.DKIMKey, error) {
	if err := f.enter(ctx, "generate dkim"); err != nil {
		return nil, err
	}
	return &mta.DKIMKey{Domain: domain, Selector: selector, PublicKey: "MTAKEY", Algorithm: "rsa-sha256"}, nil
}

func (f *fakeMTA) DNSRecords(ctx context.Context, domain string, mailIPs []string) (*mta.DNSRecords, error) {
	if err := f.enter(ctx, "dns records"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &mta.DNSRecords{Domain: domain, Records: f.records}, nil
}

func (f *fakeMTA) CreateUser(ctx context.Context, username, password, email string) (*mta.User, error) {
	if err := f.enter(ctx, "create user"); err != nil {
		return nil, err
	}
	return &mta.User{Username: username, Email: email}, nil
}

func (f *fakeMTA) Reload(ctx context.Context) (*mta.ReloadResult, error) {
	if err := f.enter(ctx, "reload"); err != nil {
		return nil, err
	}
	return &mta.ReloadResult{Success: true, Message: "reloaded"}, nil
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	succeeded   int
	failed      int
	lookups     map[string]int
	keys        int
	active      int
}

func (o *recordingObserver) ObserveTransition(from, to string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, from+">"+to)
}

func (o *recordingObserver) ObserveRecords(succeeded, failed int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.succeeded += succeeded
	o.failed += failed
}

func (o *recordingObserver) ObserveLookup(status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lookups == nil {
		o.lookups = make(map[string]int)
	}
	o.lookups[status]++
}

func (o *recordingObserver) ObserveKeyGenerated() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.keys++
}

func (o *recordingObserver) SetActiveSessions(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = n
}

const testDomain = "example.com"

func mtaTemplate() []mta.DNSRecord {
	ten := 10
	return []mta.DNSRecord{
		{Type: "A", Name: "mail", Value: "192.0.2.10", TTL: 3600},
		{Type: "MX", Name: "@", Value: "mail.example.com", TTL: 3600, Priority: &ten},
		{Type: "CNAME", Name: "track", Value: "mail.example.com"},
		{Type: "TXT", Name: "@", Value: "v=spf1 ip4:192.0.2.10 ~all"},
		{Type: "TXT", Name: "_dmarc", Value: "v=DMARC1; p=none"},
		{Type: "TXT", Name: "s1._domainkey", Value: "v=DKIM1; k=rsa; p=MTAKEY"},
	}
}

type harness struct {
	reg   *fakeRegistrar
	host  *fakeHost
	mta   *fakeMTA
	keys  *keystore.Store
	obs   *recordingObserver
	cfg   Config
	mgr   *Manager
	noDNS bool
}

type option func(h *harness)

func withConfig(fn func(c *Config)) option {
	return func(h *harness) { fn(&h.cfg) }
}

func withoutDNSHost() option {
	return func(h *harness) { h.noDNS = true }
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()

	keys, err := keystore.Open(filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatalf("keystore.Open() error = %v", err)
	}
	t.Cleanup(func() { keys.Close() })

	h := &harness{
		reg:  &fakeRegistrar{available: true, price: "12.00", orderID: "ORD-1"},
		host: &fakeHost{zone: dnshost.Zone{ID: "zone-1", Name: testDomain}},
		mta:  &fakeMTA{records: mtaTemplate()},
		keys: keys,
		obs:  &recordingObserver{},
		cfg: Config{
			KeyBits:     1024,
			StepTimeout: 5 * time.Second,
			MailIPs:     []string{"192.0.2.10"},
		},
	}
	for _, opt := range opts {
		opt(h)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps := Deps{
		Registrar: h.reg,
		MTA:       h.mta,
		Verifier:  dnscheck.NewVerifier(h.host, dnscheck.Options{Retry: retry.Once()}, logger),
		Keys:      keys,
		Observer:  h.obs,
		Logger:    logger,
	}
	if !h.noDNS {
		deps.DNSHost = h.host
	}
	h.mgr = NewManager(h.cfg, deps)
	t.Cleanup(h.mgr.Close)
	return h
}

func (h *harness) session(t *testing.T) *Wizard {
	t.Helper()
	w, err := h.mgr.Create(context.Background())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return w
}

func mustAdvance(t *testing.T, w *Wizard, want Step) {
	t.Helper()
	got, err := w.Advance()
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if got != want {
		t.Fatalf("Advance() = %s, want %s", got, want)
	}
}

// toDKIM drives a session for an already owned domain to the dkim step,
// connecting the DNS host when connect is true.
func (h *harness) toDKIM(t *testing.T, w *Wizard, connect bool) {
	t.Helper()
	ctx := context.Background()

	h.reg.mu.Lock()
	h.reg.available = false
	h.reg.mu.Unlock()

	if err := w.Search(ctx, testDomain); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	mustAdvance(t, w, StepDNSHostConnect)

	if connect {
		if err := w.ConnectDNSHost(ctx); err != nil {
			t.Fatalf("ConnectDNSHost() error = %v", err)
		}
		mustAdvance(t, w, StepDKIM)
		return
	}
	if _, err := w.SkipDNSHost(); err != nil {
		t.Fatalf("SkipDNSHost() error = %v", err)
	}
}

// toDeploy continues from dkim by generating every selector's key
func (h *harness) toDeploy(t *testing.T, w *Wizard) {
	t.Helper()
	for _, sel := range []string{"s1", "s2"} {
		if err := w.GenerateDKIM(context.Background(), sel); err != nil {
			t.Fatalf("GenerateDKIM(%s) error = %v", sel, err)
		}
	}
	mustAdvance(t, w, StepDeploy)
}

func logContains(s Session, substr string) bool {
	for _, line := range s.Log {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func waitForStep(t *testing.T, w *Wizard, want Step) Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := w.Snapshot()
		if s.Step == want {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("step = %s, want %s; log:\n%s", s.Step, want, strings.Join(s.Log, "\n"))
		}
		time.Sleep(5 * time.Millisecond)
	}
}
