// Package mta is a client for the mail-transfer-agent control API.
package mta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dchatpar/inboxgrove/internal/provider"
	"github.com/dchatpar/inboxgrove/internal/retry"
)

const providerName = "mta"

// DefaultSelector is used when a domain is created without one
const DefaultSelector = "default"

// Config holds MTA credentials and call policy
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retry   retry.Config
}

// Domain is a mail domain registered on the MTA
type Domain struct {
	Domain         string `json:"domain"`
	Selector       string `json:"selector"`
	DKIMConfigured bool   `json:"dkim_configured,omitempty"`
}

// DKIMKey is a key generated by the MTA
type DKIMKey struct {
	Domain    string `json:"domain"`
	Selector  string `json:"selector"`
	PublicKey string `json:"public_key"`
	DNSRecord string `json:"dns_record"`
	Algorithm string `json:"algorithm"`
	KeyFile   string `json:"key_file"`
}

// DNSRecord is a record template produced by the MTA
type DNSRecord struct {
	Type     string `json:"record_type"`
	Name     string `json:"name"`
	Value    string `json:"value"`
	TTL      int    `json:"ttl"`
	Priority *int   `json:"priority"`
}

// DNSRecords is the template list for a domain
type DNSRecords struct {
	Domain  string      `json:"domain"`
	Records []DNSRecord `json:"records"`
}

// User is an SMTP user
type User struct {
	Username  string  `json:"username"`
	Email     string  `json:"email"`
	CreatedAt *string `json:"created_at,omitempty"`
}

// ReloadResult is the response of a configuration reload
type ReloadResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type errorResponse struct {
	Detail any    `json:"detail"`
	Error  string `json:"error"`
}

// Client is an MTA API client
type Client struct {
	baseURL    string
	apiKey     string
	retry      retry.Config
	httpClient *http.Client
	observer   provider.Observer
	logger     *slog.Logger
}

// NewClient creates a new MTA API client
func NewClient(cfg Config, observer provider.Observer, logger *slog.Logger) *Client {
	logger = logger.With("component", "mta")
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		retry:      provider.LogRetries(cfg.Retry, logger),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		observer:   observer,
		logger:     logger,
	}
}

// request performs an HTTP request to the MTA API, retrying transient failures
func (c *Client) request(ctx context.Context, op, method, path string, body any, result any) error {
	return retry.Do(ctx, c.retry, provider.Retryable, func() error {
		return c.do(ctx, op, method, path, body, result, true)
	})
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, result any, auth bool) (err error) {
	start := time.Now()
	defer func() { provider.Observe(c.observer, providerName, op, start, err) }()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return provider.Transport(providerName, op, err)
	}

	if auth {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.Transport(providerName, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&errResp)
		return provider.RejectResponse(providerName, op, resp, errResp.message())
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return provider.Transport(providerName, op, fmt.Errorf("decode response: %w", err))
		}
	}

	return nil
}

// message flattens FastAPI-style detail (string or validation list) or error
func (e errorResponse) message() string {
	switch d := e.Detail.(type) {
	case string:
		return d
	case []any:
		var parts []string
		for _, item := range d {
			if m, ok := item.(map[string]any); ok {
				if msg, ok := m["msg"].(string); ok {
					parts = append(parts, msg)
				}
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "; ")
		}
	}
	return e.Error
}

// CreateDomain registers a mail domain
func (c *Client) CreateDomain(ctx context.Context, domain, selector string) (*Domain, error) {
	if selector == "" {
		selector = DefaultSelector
	}

	var resp Domain
	body := map[string]string{"domain": domain, "selector": selector}
	if err := c.request(ctx, "create domain", http.MethodPost, "/api/v1/domains/", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GenerateDKIM asks the MTA to create its own DKIM key for domain
func (c *Client) GenerateDKIM(ctx context.Context, domain, selector string, keySize int) (*DKIMKey, error) {
	if keySize <= 0 {
		keySize = 2048
	}

	var resp DKIMKey
	body := map[string]any{"domain": domain, "selector": selector, "key_size": keySize}
	if err := c.request(ctx, "generate dkim", http.MethodPost, "/api/v1/dkim/generate", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DNSRecords fetches the record templates for domain served from mailIPs
func (c *Client) DNSRecords(ctx context.Context, domain string, mailIPs []string) (*DNSRecords, error) {
	path := "/api/v1/dns/" + url.PathEscape(domain) + "/records"
	if len(mailIPs) > 0 {
		path += "?mail_ips=" + url.QueryEscape(strings.Join(mailIPs, ","))
	}

	var resp DNSRecords
	if err := c.request(ctx, "dns records", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateUser creates an SMTP user with caller-supplied credentials
func (c *Client) CreateUser(ctx context.Context, username, password, email string) (*User, error) {
	var resp User
	body := map[string]string{"username": username, "password": password, "email": email}
	if err := c.request(ctx, "create user", http.MethodPost, "/api/v1/users/", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reload reloads the MTA configuration
func (c *Client) Reload(ctx context.Context) (*ReloadResult, error) {
	var resp ReloadResult
	if err := c.request(ctx, "reload", http.MethodPost, "/api/v1/system/reload", nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success && resp.Message != "" {
		return &resp, &provider.Error{Provider: providerName, Op: "reload", Message: resp.Message}
	}
	return &resp, nil
}

// Health checks server health; it needs no API key
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, "/api/v1/system/health", nil, nil, false)
}

// ListDomains lists mail domains
func (c *Client) ListDomains(ctx context.Context) ([]Domain, error) {
	var resp []Domain
	if err := c.request(ctx, "list domains", http.MethodGet, "/api/v1/domains/", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ListUsers lists SMTP users
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var resp []User
	if err := c.request(ctx, "list users", http.MethodGet, "/api/v1/users/", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}
