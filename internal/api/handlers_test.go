package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/crypto/bcrypt"

	"github.com/dchatpar/inboxgrove/internal/config"
	"github.com/dchatpar/inboxgrove/internal/dnscheck"
	"github.com/dchatpar/inboxgrove/internal/keystore"
	"github.com/dchatpar/inboxgrove/internal/metrics"
	"github.com/dchatpar/inboxgrove/internal/provider"
	"github.com/dchatpar/inboxgrove/internal/provider/mta"
	"github.com/dchatpar/inboxgrove/internal/provider/registrar"
	"github.com/dchatpar/inboxgrove/internal/wizard"
)

type stubRegistrar struct {
	available bool
	err       error
	years     int
}

func (s *stubRegistrar) CheckAvailability(ctx context.Context, domain string) (*registrar.Availability, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &registrar.Availability{Domain: domain, Available: s.available, Code: "211"}, nil
}

func (s *stubRegistrar) Purchase(ctx context.Context, domain string, years int) (*registrar.PurchaseResult, error) {
	s.years = years
	return &registrar.PurchaseResult{Domain: domain, OrderID: "ORD-1", Years: years}, nil
}

type stubMTA struct{}

func (stubMTA) CreateDomain(ctx context.Context, domain, selector string) (*mta.Domain, error) {
	return &mta.Domain{Domain: domain}, nil
}

func (stubMTA) GenerateDKIM(ctx context.Context, domain, selector string, keySize int) (*mta.DKIMKey, error) {
	return &mta.DKIMKey{Domain: domain, Selector: selector, PublicKey: "MTAKEY"}, nil
}

func (stubMTA) DNSRecords(ctx context.Context, domain string, mailIPs []string) (*mta.DNSRecords, error) {
	prio := 10
	return &mta.DNSRecords{Domain: domain, Records: []mta.DNSRecord{
		{Type: "MX", Name: "@", Value: "mail." + domain, Priority: &prio},
		{Type: "TXT", Name: "@", Value: "v=spf1 ip4:192.0.2.10 ~all"},
		{Type: "TXT", Name: "_dmarc", Value: "v=DMARC1; p=none"},
		{Type: "TXT", Name: "mta._domainkey", Value: "v=DKIM1; k=rsa; p=MTAKEY"},
	}}, nil
}

func (stubMTA) CreateUser(ctx context.Context, username, password, email string) (*mta.User, error) {
	return &mta.User{Username: username}, nil
}

func (stubMTA) Reload(ctx context.Context) (*mta.ReloadResult, error) {
	return &mta.ReloadResult{Success: true}, nil
}

type stubVerifier struct{}

func (stubVerifier) Verify(ctx context.Context, names []string, expected map[string]string) dnscheck.Report {
	var r dnscheck.Report
	for _, n := range names {
		r.Checks = append(r.Checks, dnscheck.Check{
			Result: dnscheck.Result{Name: n, Status: dnscheck.StatusNotFound},
			Grade:  dnscheck.GradeMissing,
		})
	}
	return r
}

type testServer struct {
	*Server
	reg     *stubRegistrar
	keys    *keystore.Store
	metrics *metrics.Metrics
}

func setupTestServer(t *testing.T, cfg config.ServerConfig) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys, err := keystore.Open(filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatalf("keystore.Open() error = %v", err)
	}
	t.Cleanup(func() { keys.Close() })

	reg := &stubRegistrar{}
	m := metrics.New()
	mgr := wizard.NewManager(wizard.Config{KeyBits: 1024, StepTimeout: 5 * time.Second}, wizard.Deps{
		Registrar: reg,
		MTA:       stubMTA{},
		Verifier:  stubVerifier{},
		Keys:      keys,
		Observer:  m,
		Logger:    logger,
	})
	t.Cleanup(mgr.Close)

	srv := NewServer(&cfg, Options{
		Sessions: mgr,
		Keys:     NewKeyManagement(keys, "inboxgrove_dkim_bundle", logger),
		Metrics:  m,
		Version:  "test",
	}, logger)
	return &testServer{Server: srv, reg: reg, keys: keys, metrics: m}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	return w
}

func decodeSession(t *testing.T, w *httptest.ResponseRecorder) SessionResponse {
	t.Helper()
	var resp SessionResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp
}

func (ts *testServer) createSession(t *testing.T) string {
	t.Helper()
	w := ts.do(t, "POST", "/api/v1/sessions", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("Status = %d, want %d. Body: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	return decodeSession(t, w).ID
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t, config.ServerConfig{APIKey: "secret"})

	w := ts.do(t, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("health = %+v", resp)
	}
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		cfg    config.ServerConfig
		header string
		value  string
		want   int
	}{
		{"no auth configured", config.ServerConfig{}, "", "", http.StatusOK},
		{"no auth", config.ServerConfig{APIKey: "secret-key"}, "", "", http.StatusUnauthorized},
		{"wrong key", config.ServerConfig{APIKey: "secret-key"}, "Authorization", "Bearer wrong-key", http.StatusUnauthorized},
		{"correct key", config.ServerConfig{APIKey: "secret-key"}, "Authorization", "Bearer secret-key", http.StatusOK},
		{"x-api-key header", config.ServerConfig{APIKey: "secret-key"}, "X-API-Key", "secret-key", http.StatusOK},
		{"bcrypt hash", config.ServerConfig{APIKeyHash: string(hash)}, "Authorization", "Bearer hashed-key", http.StatusOK},
		{"bcrypt mismatch", config.ServerConfig{APIKeyHash: string(hash)}, "Authorization", "Bearer other", http.StatusUnauthorized},
		{"hash wins over key", config.ServerConfig{APIKey: "plain", APIKeyHash: string(hash)}, "Authorization", "Bearer plain", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := setupTestServer(t, tt.cfg)
			req := httptest.NewRequest("GET", "/api/v1/sessions", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			ts.Handler().ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestSessionFlow(t *testing.T) {
	ts := setupTestServer(t, config.ServerConfig{})
	id := ts.createSession(t)

	w := ts.do(t, "POST", "/api/v1/sessions/"+id+"/search", `{"domain":"example.com"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("search Status = %d. Body: %s", w.Code, w.Body.String())
	}
	resp := decodeSession(t, w)
	if resp.Domain.Availability != wizard.AvailabilityTaken || !resp.CanAdvance {
		t.Errorf("session = %+v", resp)
	}

	w = ts.do(t, "POST", "/api/v1/sessions/"+id+"/advance", "")
	if w.Code != http.StatusOK {
		t.Fatalf("advance Status = %d. Body: %s", w.Code, w.Body.String())
	}
	if resp := decodeSession(t, w); resp.Step != wizard.StepDNSHostConnect {
		t.Errorf("step = %s", resp.Step)
	}

	// no DNS host is configured in this server
	w = ts.do(t, "POST", "/api/v1/sessions/"+id+"/dns-host", "")
	if w.Code != http.StatusPreconditionFailed {
		t.Errorf("dns-host Status = %d, want %d", w.Code, http.StatusPreconditionFailed)
	}

	w = ts.do(t, "POST", "/api/v1/sessions/"+id+"/dns-host/skip", "")
	if resp := decodeSession(t, w); resp.Step != wizard.StepDKIM || resp.CanAdvance {
		t.Errorf("after skip = %s can_advance %v", resp.Step, resp.CanAdvance)
	}

	w = ts.do(t, "POST", "/api/v1/sessions/"+id+"/dkim/s1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("dkim Status = %d. Body: %s", w.Code, w.Body.String())
	}
	if resp := decodeSession(t, w); resp.DKIM["s1"].PublicKey == "" {
		t.Error("s1 key missing from session")
	}

	w = ts.do(t, "POST", "/api/v1/sessions/"+id+"/advance", "")
	if w.Code != http.StatusConflict {
		t.Errorf("advance with one key Status = %d, want %d", w.Code, http.StatusConflict)
	}

	w = ts.do(t, "POST", "/api/v1/sessions/"+id+"/back", "")
	if resp := decodeSession(t, w); resp.Step != wizard.StepDNSHostConnect {
		t.Errorf("after back = %s", resp.Step)
	}

	w = ts.do(t, "DELETE", "/api/v1/sessions/"+id, "")
	if w.Code != http.StatusNoContent {
		t.Errorf("delete Status = %d", w.Code)
	}
	w = ts.do(t, "GET", "/api/v1/sessions/"+id, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("get deleted Status = %d", w.Code)
	}

	if testutil.CollectAndCount(ts.metrics.APIRequestsTotal) == 0 {
		t.Error("API requests not recorded")
	}
}

func TestStepErrors(t *testing.T) {
	ts := setupTestServer(t, config.ServerConfig{})
	id := ts.createSession(t)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"invalid json", "/search", `{invalid}`, http.StatusBadRequest},
		{"missing domain", "/search", `{}`, http.StatusBadRequest},
		{"invalid domain", "/search", `{"domain":"not a domain"}`, http.StatusBadRequest},
		{"wrong step", "/purchase", "", http.StatusConflict},
		{"cannot advance", "/advance", "", http.StatusConflict},
		{"cannot go back", "/back", "", http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, "POST", "/api/v1/sessions/"+id+tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d. Body: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	w := ts.do(t, "POST", "/api/v1/sessions/missing/search", `{"domain":"example.com"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown session Status = %d", w.Code)
	}
}

func TestProviderErrorStatus(t *testing.T) {
	ts := setupTestServer(t, config.ServerConfig{})
	ts.reg.err = provider.Reject("registrar", "check", 401, "bad credentials")
	id := ts.createSession(t)

	w := ts.do(t, "POST", "/api/v1/sessions/"+id+"/search", `{"domain":"example.com"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusBadGateway)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != "bad credentials" || resp.Step != "search" {
		t.Errorf("error = %+v", resp)
	}
}

func TestRecordsFormats(t *testing.T) {
	ts := setupTestServer(t, config.ServerConfig{})
	id := ts.createSession(t)

	w := ts.do(t, "GET", "/api/v1/sessions/"+id+"/records", "")
	if w.Code != http.StatusConflict {
		t.Errorf("records before search Status = %d", w.Code)
	}

	ts.do(t, "POST", "/api/v1/sessions/"+id+"/search", `{"domain":"example.com"}`)

	tests := []struct {
		format string
		status int
		want   string
	}{
		{"json", http.StatusOK, `"_dmarc"`},
		{"csv", http.StatusOK, "host,type,value,ttl,priority"},
		{"bind", http.StatusOK, "_dmarc.example.com. IN TXT"},
		{"text", http.StatusOK, "Provider: Cloudflare"},
		{"text&provider=godaddy", http.StatusOK, "Provider: GoDaddy"},
		{"text&provider=nowhere", http.StatusBadRequest, "unknown DNS provider"},
		{"xml", http.StatusBadRequest, "format must be"},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			w := ts.do(t, "GET", "/api/v1/sessions/"+id+"/records?format="+tt.format, "")
			if w.Code != tt.status {
				t.Fatalf("Status = %d, want %d", w.Code, tt.status)
			}
			if !strings.Contains(w.Body.String(), tt.want) {
				t.Errorf("body %q does not contain %q", w.Body.String(), tt.want)
			}
		})
	}
}

func TestRecordsBindAfterDeploy(t *testing.T) {
	ts := setupTestServer(t, config.ServerConfig{})
	id := ts.createSession(t)
	base := "/api/v1/sessions/" + id

	for _, path := range []string{"/search", "/advance", "/dns-host/skip", "/dkim/s1", "/dkim/s2", "/advance", "/deploy"} {
		body := ""
		if path == "/search" {
			body = `{"domain":"example.com"}`
		}
		if w := ts.do(t, "POST", base+path, body); w.Code != http.StatusOK {
			t.Fatalf("%s Status = %d. Body: %s", path, w.Code, w.Body.String())
		}
	}

	w := ts.do(t, "GET", base+"/records?format=bind", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	zone := w.Body.String()
	for substr, want := range map[string]int{
		`example.com. IN TXT "v=spf1`:                                   1,
		"_dmarc.example.com. IN TXT":                                    1,
		"s1._domainkey.example.com.":                                    1,
		"s2._domainkey.example.com.":                                    1,
		`mta._domainkey.example.com. IN TXT "v=DKIM1; k=rsa; p=MTAKEY"`: 1,
		"example.com. IN MX 10 mail.example.com.":                       1,
	} {
		if got := strings.Count(zone, substr); got != want {
			t.Errorf("%q appears %d times, want %d\n%s", substr, got, want, zone)
		}
	}

	w = ts.do(t, "GET", base+"/records", "")
	var resp RecordsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Publish) != 6 {
		t.Errorf("publish = %d records, want 6", len(resp.Publish))
	}
}

func TestPurchaseYears(t *testing.T) {
	ts := setupTestServer(t, config.ServerConfig{})
	ts.reg.available = true

	tests := []struct {
		name   string
		body   string
		status int
		years  int
	}{
		{"default term", "", http.StatusOK, 1},
		{"explicit term", `{"years":4}`, http.StatusOK, 4},
		{"term too long", `{"years":20}`, http.StatusBadRequest, 0},
		{"malformed", `{"years":`, http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts.reg.years = 0
			id := ts.createSession(t)
			ts.do(t, "POST", "/api/v1/sessions/"+id+"/search", `{"domain":"example.com"}`)
			ts.do(t, "POST", "/api/v1/sessions/"+id+"/advance", "")

			w := ts.do(t, "POST", "/api/v1/sessions/"+id+"/purchase", tt.body)
			if w.Code != tt.status {
				t.Fatalf("Status = %d, want %d. Body: %s", w.Code, tt.status, w.Body.String())
			}
			if ts.reg.years != tt.years {
				t.Errorf("registrar years = %d, want %d", ts.reg.years, tt.years)
			}
		})
	}
}

func TestDKIMBundleRoutes(t *testing.T) {
	ts := setupTestServer(t, config.ServerConfig{})

	bundle := `{"s1":{"pub":"-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n","priv":"PRIV"}}`
	w := ts.do(t, "POST", "/api/v1/dkim/import", bundle)
	if w.Code != http.StatusOK {
		t.Fatalf("import Status = %d. Body: %s", w.Code, w.Body.String())
	}
	var imp ImportResponse
	if err := json.NewDecoder(w.Body).Decode(&imp); err != nil || imp.Imported != 1 {
		t.Fatalf("import = %+v, %v", imp, err)
	}

	w = ts.do(t, "GET", "/api/v1/dkim", "")
	if !strings.Contains(w.Body.String(), `"dns_value":"v=DKIM1; k=rsa; p=AAAA"`) {
		t.Errorf("list body = %s", w.Body.String())
	}

	w = ts.do(t, "GET", "/api/v1/dkim/export", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"priv": "PRIV"`) {
		t.Errorf("export = %d %s", w.Code, w.Body.String())
	}

	// a new session picks up the imported key
	id := ts.createSession(t)
	w = ts.do(t, "GET", "/api/v1/sessions/"+id, "")
	if resp := decodeSession(t, w); resp.DKIM["s1"].PublicKey != "AAAA" {
		t.Errorf("session keys = %+v", resp.DKIM)
	}

	w = ts.do(t, "DELETE", "/api/v1/dkim/s1", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("delete Status = %d", w.Code)
	}
	w = ts.do(t, "DELETE", "/api/v1/dkim/s1", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete Status = %d", w.Code)
	}

	w = ts.do(t, "POST", "/api/v1/dkim/import", `not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad import Status = %d", w.Code)
	}
}
