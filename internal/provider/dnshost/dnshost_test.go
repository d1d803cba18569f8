package dnshost

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/libdns/libdns"

	"github.com/dchatpar/inboxgrove/internal/provider"
	"github.com/dchatpar/inboxgrove/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(url string) Config {
	return Config{
		Provider: ProviderCloudflare,
		APIToken: "cf-token",
		BaseURL:  url,
		Timeout:  5 * time.Second,
		Retry:    retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
}

func TestBatchResultSummary(t *testing.T) {
	b := BatchResult{Outcomes: []Outcome{
		{OK: true}, {OK: true}, {OK: false, Record: Record{Type: "TXT", Name: "_dmarc"}, Error: "bad"},
		{OK: true}, {OK: true}, {OK: false, Record: Record{Type: "MX", Name: "@"}, Error: "dup"}, {OK: true},
	}}

	if got := b.Summary(); got != "5/7 succeeded" {
		t.Errorf("Summary() = %q, want 5/7 succeeded", got)
	}
	if b.Failed() != 2 {
		t.Errorf("Failed() = %d, want 2", b.Failed())
	}
	want := []string{"TXT _dmarc: bad", "MX @: dup"}
	if diff := cmp.Diff(want, b.Failures()); diff != "" {
		t.Errorf("Failures() mismatch (-want +got):\n%s", diff)
	}
}

func TestCloudflareFindZone(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer cf-token" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if r.URL.Path != "/zones" {
			t.Errorf("path = %s", r.URL.Path)
		}

		switch r.URL.Query().Get("name") {
		case "acme.com":
			w.Write([]byte(`{"success":true,"errors":[],"result":[{"id":"zone-1","name":"acme.com"}]}`))
		case "forbidden.com":
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"success":false,"errors":[{"code":9109,"message":"Invalid access token"}],"result":null}`))
		default:
			w.Write([]byte(`{"success":true,"errors":[],"result":[]}`))
		}
	}))
	defer server.Close()

	h := NewCloudflare(testConfig(server.URL), nil, testLogger())
	ctx := context.Background()

	zone, err := h.FindZone(ctx, "acme.com")
	if err != nil {
		t.Fatalf("FindZone failed: %v", err)
	}
	if zone.ID != "zone-1" {
		t.Errorf("zone id = %q, want zone-1", zone.ID)
	}

	if _, err := h.FindZone(ctx, "acme.com"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (cached)", calls.Load())
	}

	_, err = h.FindZone(ctx, "unknown.com")
	if !errors.Is(err, ErrZoneNotFound) {
		t.Errorf("err = %v, want ErrZoneNotFound", err)
	}

	_, err = h.FindZone(ctx, "forbidden.com")
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Status != http.StatusForbidden || pe.Message != "Invalid access token" {
		t.Errorf("err = %v, want 403 rejection", err)
	}
}

func TestCloudflareCreateRecords(t *testing.T) {
	var mu sync.Mutex
	var received []recordRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/zones/zone-1/dns_records" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}

		var req recordRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		received = append(received, req)
		mu.Unlock()

		switch {
		case strings.HasPrefix(req.Name, "bad"):
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"success":false,"errors":[{"code":9005,"message":"Content for TXT record is invalid"}]}`))
		case req.Name == "dup":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"success":false,"errors":[{"code":81058,"message":"An identical record already exists."}]}`))
		default:
			w.Write([]byte(`{"success":true,"errors":[],"result":{"id":"rec-` + req.Name + `"}}`))
		}
	}))
	defer server.Close()

	h := NewCloudflare(testConfig(server.URL), nil, testLogger())

	prio := 10
	records := []Record{
		{Type: "TXT", Name: "@", Content: "v=spf1 mx ~all", TTL: 1},
		{Type: "TXT", Name: "bad1", Content: "x"},
		{Type: "MX", Name: "@", Content: "mail.acme.com", TTL: 300, Priority: &prio},
		{Type: "TXT", Name: "dup", Content: "y"},
		{Type: "TXT", Name: "bad2", Content: "z"},
		{Type: "TXT", Name: "_dmarc", Content: "v=DMARC1; p=none"},
		{Type: "A", Name: "mail", Content: "192.0.2.10"},
	}

	result := h.CreateRecords(context.Background(), "zone-1", records)

	if got := result.Summary(); got != "5/7 succeeded" {
		t.Errorf("Summary() = %q, want 5/7 succeeded", got)
	}
	if result.Outcomes[1].Status != http.StatusBadRequest || result.Outcomes[1].Error != "Content for TXT record is invalid" {
		t.Errorf("failed outcome = %+v", result.Outcomes[1])
	}
	if result.Outcomes[0].ID != "rec-@" {
		t.Errorf("id = %q", result.Outcomes[0].ID)
	}

	if len(received) != 7 {
		t.Fatalf("requests = %d, want 7 (rejections are not retried)", len(received))
	}
	if received[1].TTL != 1 {
		t.Errorf("default ttl = %d, want 1", received[1].TTL)
	}
	if received[2].Priority == nil || *received[2].Priority != 10 || received[2].TTL != 300 {
		t.Errorf("MX request = %+v", received[2])
	}
}

func TestCloudflareRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"success":true,"result":{"id":"rec-1"}}`))
	}))
	defer server.Close()

	id, err := NewCloudflare(testConfig(server.URL), nil, testLogger()).
		CreateRecord(context.Background(), "zone-1", Record{Type: "TXT", Name: "@", Content: "x"})
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if id != "rec-1" || calls.Load() != 2 {
		t.Errorf("id = %q calls = %d", id, calls.Load())
	}
}

func TestCloudflareThrottled(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"success":false,"errors":[{"code":10000,"message":"Rate limited"}]}`))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Retry.MaxAttempts = 3
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewCloudflare(cfg, nil, testLogger()).
		CreateRecord(ctx, "zone-1", Record{Type: "TXT", Name: "@", Content: "x"})

	var pe *provider.Error
	if !errors.As(err, &pe) {
		t.Fatalf("CreateRecord() error = %v, want provider.Error", err)
	}
	if pe.Status != http.StatusTooManyRequests || pe.RetryAfter() != time.Minute || pe.Message != "Rate limited" {
		t.Errorf("error = %+v", pe)
	}
	// a one minute hint cannot be honoured inside the deadline
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

type fakeAppender struct {
	mu      sync.Mutex
	zones   []string
	records []libdns.RR
	fail    map[string]bool
}

func (f *fakeAppender) AppendRecords(_ context.Context, zone string, recs []libdns.Record) ([]libdns.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, r := range recs {
		if f.fail[r.RR().Name] {
			return nil, errors.New("record rejected")
		}
		f.zones = append(f.zones, zone)
		f.records = append(f.records, r.RR())
	}
	return recs, nil
}

func TestLibdnsHost(t *testing.T) {
	appender := &fakeAppender{fail: map[string]bool{"s2._domainkey": true}}
	h := NewLibdns(ProviderHE, appender, 300*time.Second, Config{}, nil, testLogger())
	ctx := context.Background()

	zone, err := h.FindZone(ctx, "acme.com")
	if err != nil {
		t.Fatal(err)
	}
	if zone.ID != "acme.com." {
		t.Errorf("zone id = %q, want acme.com.", zone.ID)
	}

	prio := 5
	result := h.CreateRecords(ctx, zone.ID, []Record{
		{Type: "TXT", Name: "@", Content: "v=spf1 mx ~all", TTL: 1},
		{Type: "TXT", Name: "s2._domainkey", Content: "v=DKIM1; p=K"},
		{Type: "MX", Name: "acme.com", Content: "mail.acme.com.", Priority: &prio, TTL: 600},
		{Type: "A", Name: "mail.acme.com", Content: "192.0.2.10", TTL: 600},
	})

	if got := result.Summary(); got != "3/4 succeeded" {
		t.Errorf("Summary() = %q, want 3/4 succeeded", got)
	}

	want := []libdns.RR{
		{Name: "@", TTL: 300 * time.Second, Type: "TXT", Data: "v=spf1 mx ~all"},
		{Name: "@", TTL: 600 * time.Second, Type: "MX", Data: "5 mail.acme.com."},
		{Name: "mail", TTL: 600 * time.Second, Type: "A", Data: "192.0.2.10"},
	}
	if diff := cmp.Diff(want, appender.records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	for _, z := range appender.zones {
		if z != "acme.com." {
			t.Errorf("zone = %q", z)
		}
	}
}

func TestRelativeName(t *testing.T) {
	tests := []struct {
		name, zone, want string
	}{
		{"@", "acme.com.", "@"},
		{"acme.com", "acme.com.", "@"},
		{"_dmarc", "acme.com.", "_dmarc"},
		{"s1._domainkey.acme.com.", "acme.com.", "s1._domainkey"},
		{"Mail.ACME.com", "acme.com.", "Mail"},
	}

	for _, tt := range tests {
		if got := relativeName(tt.name, tt.zone); got != tt.want {
			t.Errorf("relativeName(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{ProviderCloudflare, ProviderCloudflareLibdns, ProviderHE} {
		h, err := New(Config{Provider: name}, nil, testLogger())
		if err != nil {
			t.Errorf("New(%s) failed: %v", name, err)
			continue
		}
		if h.Name() != name {
			t.Errorf("Name() = %q, want %q", h.Name(), name)
		}
	}
	if _, err := New(Config{Provider: "route53"}, nil, testLogger()); err == nil {
		t.Error("expected error for unknown provider")
	}
}
