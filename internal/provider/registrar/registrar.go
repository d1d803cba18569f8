// Package registrar talks to an eNom-compatible reseller API over its
// query-string RPC interface.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dchatpar/inboxgrove/internal/provider"
	"github.com/dchatpar/inboxgrove/internal/retry"
)

const providerName = "registrar"

// DefaultAvailableCode is the RRPCode returned for an unregistered domain
const DefaultAvailableCode = "210"

// ErrInvalidDomain is returned when a domain cannot be split into sld and tld
var ErrInvalidDomain = errors.New("domain must have a second-level and top-level part")

// Responses arrive either as {"interface-response":{...}} or {"interface":{"response":{...}}}
var (
	codePaths        = []string{"interface-response.RRPCode", "interface.response.RRPCode", "interface.RRPCode"}
	orderPaths       = []string{"interface-response.OrderID", "interface.response.OrderID", "interface.OrderID"}
	pricePaths       = []string{"interface-response.Prices.Price", "interface.response.Prices.Price", "interface-response.Price", "interface.response.Price"}
	descriptionPaths = []string{"interface-response.responsedescription", "interface.responsedescription", "interface-response.errors.Err1", "interface.errors.Err1", "interface-response.RRPText", "interface.response.RRPText"}
)

// Config holds registrar credentials and call policy
type Config struct {
	URL           string
	UID           string
	Password      string
	APIKey        string
	AvailableCode string
	Timeout       time.Duration
	Retry         retry.Config
}

// Availability is the outcome of an availability check
type Availability struct {
	Domain    string `json:"domain"`
	Available bool   `json:"available"`
	Code      string `json:"code"`
	Price     string `json:"price,omitempty"`
}

// PurchaseResult is a successful purchase
type PurchaseResult struct {
	Domain  string `json:"domain"`
	OrderID string `json:"order_id"`
	Years   int    `json:"years"`
	Message string `json:"message"`
}

// Client is a registrar API client
type Client struct {
	cfg        Config
	httpClient *http.Client
	observer   provider.Observer
	logger     *slog.Logger
}

// New creates a registrar client
func New(cfg Config, observer provider.Observer, logger *slog.Logger) *Client {
	if cfg.AvailableCode == "" {
		cfg.AvailableCode = DefaultAvailableCode
	}
	logger = logger.With("component", "registrar")
	cfg.Retry = provider.LogRetries(cfg.Retry, logger)
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		observer:   observer,
		logger:     logger,
	}
}

// SplitDomain splits a domain at the first dot into sld and tld
func SplitDomain(domain string) (sld, tld string, err error) {
	sld, tld, ok := strings.Cut(domain, ".")
	if !ok || sld == "" || tld == "" {
		return "", "", ErrInvalidDomain
	}
	return sld, tld, nil
}

// CheckAvailability asks whether domain can be registered. An unavailable
// domain is a normal result, not an error.
func (c *Client) CheckAvailability(ctx context.Context, domain string) (*Availability, error) {
	sld, tld, err := SplitDomain(domain)
	if err != nil {
		return nil, err
	}

	params := c.params("check", sld, tld)

	var doc gjson.Result
	err = retry.Do(ctx, c.cfg.Retry, provider.Retryable, func() error {
		var err error
		doc, err = c.call(ctx, "check", params)
		return err
	})
	if err != nil {
		return nil, err
	}

	code := first(doc, codePaths)
	if code == "" {
		return nil, &provider.Error{Provider: providerName, Op: "check", Message: describe(doc, "no availability code in response")}
	}

	avail := &Availability{
		Domain:    domain,
		Code:      code,
		Available: code == c.cfg.AvailableCode,
		Price:     first(doc, pricePaths),
	}
	c.logger.Debug("availability checked", "domain", domain, "code", code, "available", avail.Available)
	return avail, nil
}

// Purchase registers domain for years. It is attempted exactly once.
func (c *Client) Purchase(ctx context.Context, domain string, years int) (*PurchaseResult, error) {
	sld, tld, err := SplitDomain(domain)
	if err != nil {
		return nil, err
	}
	if years < 1 {
		years = 1
	}

	params := c.params("purchase", sld, tld)
	params.Set("NumYears", strconv.Itoa(years))

	doc, err := c.call(ctx, "purchase", params)
	if err != nil {
		return nil, err
	}

	orderID := first(doc, orderPaths)
	if orderID == "" {
		return nil, &provider.Error{Provider: providerName, Op: "purchase", Message: describe(doc, "Purchase failed")}
	}

	c.logger.Info("domain purchased", "domain", domain, "order_id", orderID, "years", years)
	return &PurchaseResult{
		Domain:  domain,
		OrderID: orderID,
		Years:   years,
		Message: "Domain purchased successfully",
	}, nil
}

func (c *Client) params(command, sld, tld string) url.Values {
	pw := c.cfg.Password
	if pw == "" {
		pw = c.cfg.APIKey
	}

	params := url.Values{}
	params.Set("command", command)
	params.Set("uid", c.cfg.UID)
	params.Set("pw", pw)
	params.Set("sld", sld)
	params.Set("tld", tld)
	params.Set("Responsetype", "JSON")
	return params
}

func (c *Client) call(ctx context.Context, op string, params url.Values) (doc gjson.Result, err error) {
	start := time.Now()
	defer func() { provider.Observe(c.observer, providerName, op, start, err) }()

	endpoint := strings.TrimSuffix(c.cfg.URL, "/") + "/interface.asp?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return gjson.Result{}, provider.Transport(providerName, op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, provider.Transport(providerName, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, provider.Transport(providerName, op, err)
	}

	if resp.StatusCode >= 400 {
		msg := ""
		if gjson.ValidBytes(body) {
			msg = describe(gjson.ParseBytes(body), "")
		}
		return gjson.Result{}, provider.RejectResponse(providerName, op, resp, msg)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, provider.Transport(providerName, op, fmt.Errorf("invalid JSON response"))
	}

	return gjson.ParseBytes(body), nil
}

func first(doc gjson.Result, paths []string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func describe(doc gjson.Result, fallback string) string {
	if msg := first(doc, descriptionPaths); msg != "" {
		return msg
	}
	return fallback
}
