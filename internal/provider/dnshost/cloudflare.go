package dnshost

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

	"github.com/patrickmn/go-cache"

	"github.com/dchatpar/inboxgrove/internal/provider"
	"github.com/dchatpar/inboxgrove/internal/retry"
)

// DefaultCloudflareURL is the Cloudflare v4 API root
const DefaultCloudflareURL = "https://api.cloudflare.com/client/v4"

// Cloudflare error codes meaning the record is already present
var duplicateRecordCodes = map[int]bool{81057: true, 81058: true}

// CloudflareHost talks to the Cloudflare v4 REST API
type CloudflareHost struct {
	baseURL    string
	token      string
	accountID  string
	ttl        int
	retry      retry.Config
	httpClient *http.Client
	zones      *cache.Cache
	observer   provider.Observer
	logger     *slog.Logger
}

// NewCloudflare creates a Cloudflare host
func NewCloudflare(cfg Config, observer provider.Observer, logger *slog.Logger) *CloudflareHost {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultCloudflareURL
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 1
	}
	cacheTTL := cfg.ZoneCacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}

	logger = logger.With("component", "dnshost", "provider", ProviderCloudflare)
	return &CloudflareHost{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      cfg.APIToken,
		accountID:  cfg.AccountID,
		ttl:        ttl,
		retry:      provider.LogRetries(cfg.Retry, logger),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		zones:      cache.New(cacheTTL, 2*cacheTTL),
		observer:   observer,
		logger:     logger,
	}
}

type envelope struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result json.RawMessage `json:"result"`
}

type recordRequest struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Content  string `json:"content"`
	TTL      int    `json:"ttl"`
	Priority *int   `json:"priority,omitempty"`
}

// Name implements Host
func (h *CloudflareHost) Name() string {
	return ProviderCloudflare
}

// FindZone implements Host
func (h *CloudflareHost) FindZone(ctx context.Context, domain string) (Zone, error) {
	if z, ok := h.zones.Get(domain); ok {
		return z.(Zone), nil
	}

	q := url.Values{}
	q.Set("name", domain)
	if h.accountID != "" {
		q.Set("account.id", h.accountID)
	}

	var zones []Zone
	err := retry.Do(ctx, h.retry, provider.Retryable, func() error {
		env, err := h.request(ctx, "find zone", http.MethodGet, "/zones?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(env.Result, &zones); err != nil {
			return provider.Transport(providerName, "find zone", fmt.Errorf("decode zones: %w", err))
		}
		return nil
	})
	if err != nil {
		return Zone{}, err
	}

	for _, z := range zones {
		if strings.EqualFold(z.Name, domain) {
			h.zones.Set(domain, z, cache.DefaultExpiration)
			return z, nil
		}
	}

	return Zone{}, &provider.Error{Provider: providerName, Op: "find zone", Message: ErrZoneNotFound.Error(), Err: ErrZoneNotFound}
}

// CreateRecord implements Host
func (h *CloudflareHost) CreateRecord(ctx context.Context, zoneID string, r Record) (string, error) {
	ttl := r.TTL
	if ttl <= 0 {
		ttl = h.ttl
	}
	body := recordRequest{Type: r.Type, Name: r.Name, Content: r.Content, TTL: ttl, Priority: r.Priority}

	var id string
	err := retry.Do(ctx, h.retry, provider.Retryable, func() error {
		env, err := h.request(ctx, "create record", http.MethodPost, "/zones/"+url.PathEscape(zoneID)+"/dns_records", body)
		if err != nil {
			return err
		}
		var created struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(env.Result, &created); err != nil {
			return provider.Transport(providerName, "create record", fmt.Errorf("decode record: %w", err))
		}
		id = created.ID
		return nil
	})
	if err != nil {
		return "", err
	}

	h.logger.Debug("record created", "zone", zoneID, "type", r.Type, "name", r.Name, "id", id)
	return id, nil
}

// CreateRecords implements Host
func (h *CloudflareHost) CreateRecords(ctx context.Context, zoneID string, records []Record) BatchResult {
	return createEach(ctx, h, zoneID, records)
}

func (h *CloudflareHost) request(ctx context.Context, op, method, path string, body any) (env *envelope, err error) {
	start := time.Now()
	defer func() { provider.Observe(h.observer, providerName, op, start, err) }()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reqBody)
	if err != nil {
		return nil, provider.Transport(providerName, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, provider.Transport(providerName, op, err)
	}
	defer resp.Body.Close()

	env = &envelope{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(env); err != nil {
		if resp.StatusCode >= 400 {
			return nil, provider.RejectResponse(providerName, op, resp, "")
		}
		return nil, provider.Transport(providerName, op, fmt.Errorf("decode response: %w", err))
	}

	if env.Success {
		return env, nil
	}

	if len(env.Errors) > 0 && duplicateRecordCodes[env.Errors[0].Code] {
		env.Result = json.RawMessage(`{}`)
		return env, nil
	}

	msg := "Cloudflare API error"
	if len(env.Errors) > 0 && env.Errors[0].Message != "" {
		msg = env.Errors[0].Message
	}
	if resp.StatusCode >= 400 {
		return nil, provider.RejectResponse(providerName, op, resp, msg)
	}
	return nil, provider.Reject(providerName, op, http.StatusBadRequest, msg)
}
