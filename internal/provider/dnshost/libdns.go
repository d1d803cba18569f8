package dnshost

import (
	"context"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/libdns/libdns"

	"github.com/dchatpar/inboxgrove/internal/provider"
	"github.com/dchatpar/inboxgrove/internal/retry"
)

// LibdnsHost creates records through any libdns provider. Zone ids are the
// fully-qualified zone names libdns expects.
type LibdnsHost struct {
	name       string
	appender   libdns.RecordAppender
	defaultTTL time.Duration
	timeout    time.Duration
	retry      retry.Config
	observer   provider.Observer
	logger     *slog.Logger
}

// NewLibdns wraps a libdns provider. defaultTTL replaces the automatic TTL marker.
func NewLibdns(name string, appender libdns.RecordAppender, defaultTTL time.Duration, cfg Config, observer provider.Observer, logger *slog.Logger) *LibdnsHost {
	logger = logger.With("component", "dnshost", "provider", name)
	return &LibdnsHost{
		name:       name,
		appender:   appender,
		defaultTTL: defaultTTL,
		timeout:    cfg.Timeout,
		retry:      provider.LogRetries(cfg.Retry, logger),
		observer:   observer,
		logger:     logger,
	}
}

// Name implements Host
func (h *LibdnsHost) Name() string {
	return h.name
}

// FindZone implements Host. libdns providers resolve zones by name on each call.
func (h *LibdnsHost) FindZone(_ context.Context, domain string) (Zone, error) {
	domain = strings.TrimSuffix(domain, ".")
	return Zone{ID: domain + ".", Name: domain}, nil
}

// CreateRecord implements Host
func (h *LibdnsHost) CreateRecord(ctx context.Context, zoneID string, r Record) (string, error) {
	rec, err := h.toLibdns(zoneID, r)
	if err != nil {
		return "", provider.Reject(h.name, "create record", 400, err.Error())
	}

	err = retry.Do(ctx, h.retry, provider.Retryable, func() error {
		return h.append(ctx, zoneID, rec)
	})
	if err != nil {
		return "", err
	}

	h.logger.Debug("record created", "zone", zoneID, "type", r.Type, "name", r.Name)
	return "", nil
}

// CreateRecords implements Host
func (h *LibdnsHost) CreateRecords(ctx context.Context, zoneID string, records []Record) BatchResult {
	return createEach(ctx, h, zoneID, records)
}

func (h *LibdnsHost) append(ctx context.Context, zone string, rec libdns.Record) (err error) {
	start := time.Now()
	defer func() { provider.Observe(h.observer, h.name, "create record", start, err) }()

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	if _, err := h.appender.AppendRecords(ctx, zone, []libdns.Record{rec}); err != nil {
		return provider.Transport(h.name, "create record", err)
	}
	return nil
}

func (h *LibdnsHost) toLibdns(zone string, r Record) (libdns.Record, error) {
	name := relativeName(r.Name, zone)
	ttl := time.Duration(r.TTL) * time.Second
	if r.TTL <= 1 {
		ttl = h.defaultTTL
	}

	switch strings.ToUpper(r.Type) {
	case "TXT":
		return libdns.TXT{Name: name, TTL: ttl, Text: r.Content}, nil
	case "MX":
		pref := uint16(10)
		if r.Priority != nil {
			pref = uint16(*r.Priority)
		}
		return libdns.MX{Name: name, TTL: ttl, Preference: pref, Target: r.Content}, nil
	case "CNAME":
		return libdns.CNAME{Name: name, TTL: ttl, Target: r.Content}, nil
	case "A", "AAAA":
		ip, err := netip.ParseAddr(r.Content)
		if err != nil {
			return nil, err
		}
		return libdns.Address{Name: name, TTL: ttl, IP: ip}, nil
	default:
		return libdns.RR{Name: name, TTL: ttl, Type: strings.ToUpper(r.Type), Data: r.Content}, nil
	}
}

// relativeName converts a record name to the zone-relative form libdns uses
func relativeName(name, zone string) string {
	zone = strings.TrimSuffix(zone, ".")
	name = strings.TrimSuffix(name, ".")

	switch {
	case name == "" || name == "@" || strings.EqualFold(name, zone):
		return "@"
	case strings.HasSuffix(strings.ToLower(name), "."+strings.ToLower(zone)):
		return name[:len(name)-len(zone)-1]
	default:
		return name
	}
}
