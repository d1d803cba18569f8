package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/tidwall/gjson"
)

// ErrNotFound is returned when a name has no records of the requested type
var ErrNotFound = errors.New("no records found")

// DefaultDoHURL is the public resolver used by DoHResolver
const DefaultDoHURL = "https://cloudflare-dns.com/dns-query"

// Resolver looks up TXT records. Implementations return ErrNotFound for a
// genuinely absent record and any other error for a failed lookup.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// DoHResolver queries a DNS-over-HTTPS JSON endpoint
type DoHResolver struct {
	url    string
	client *http.Client
}

// NewDoHResolver creates a resolver for the given endpoint
func NewDoHResolver(endpoint string, timeout time.Duration) *DoHResolver {
	if endpoint == "" {
		endpoint = DefaultDoHURL
	}
	return &DoHResolver{
		url:    endpoint,
		client: &http.Client{Timeout: timeout},
	}
}

// LookupTXT implements Resolver
func (r *DoHResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	q := url.Values{}
	q.Set("name", name)
	q.Set("type", "TXT")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolver returned HTTP %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("resolver returned invalid JSON")
	}

	doc := gjson.ParseBytes(body)
	switch rcode := doc.Get("Status").Int(); rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("resolver returned %s", dns.RcodeToString[int(rcode)])
	}

	var values []string
	doc.Get("Answer").ForEach(func(_, answer gjson.Result) bool {
		if answer.Get("type").Int() != int64(dns.TypeTXT) {
			return true
		}
		if v := unquoteTXT(answer.Get("data").String()); v != "" {
			values = append(values, v)
		}
		return true
	})

	if len(values) == 0 {
		return nil, ErrNotFound
	}
	return values, nil
}

// unquoteTXT turns `"a" "b"` presentation data into "ab"
func unquoteTXT(data string) string {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, `"`) {
		return data
	}

	var b strings.Builder
	inQuote, escaped := false, false
	for _, c := range data {
		switch {
		case escaped:
			b.WriteRune(c)
			escaped = false
		case c == '\\' && inQuote:
			escaped = true
		case c == '"':
			inQuote = !inQuote
		case inQuote:
			b.WriteRune(c)
		}
	}
	return b.String()
}

// WireResolver queries a DNS server directly over UDP, retrying over TCP on truncation
type WireResolver struct {
	server string
	udp    *dns.Client
	tcp    *dns.Client
}

// NewWireResolver creates a resolver for a host:port server
func NewWireResolver(server string, timeout time.Duration) *WireResolver {
	if !strings.Contains(server, ":") {
		server += ":53"
	}
	return &WireResolver{
		server: server,
		udp:    &dns.Client{Net: "udp", Timeout: timeout},
		tcp:    &dns.Client{Net: "tcp", Timeout: timeout},
	}
}

// LookupTXT implements Resolver
func (r *WireResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	answers, err := r.exchange(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}

	var values []string
	for _, rr := range answers {
		if txt, ok := rr.(*dns.TXT); ok {
			if v := strings.Join(txt.Txt, ""); v != "" {
				values = append(values, v)
			}
		}
	}
	if len(values) == 0 {
		return nil, ErrNotFound
	}
	return values, nil
}

// LookupA returns the IPv4 addresses for name
func (r *WireResolver) LookupA(ctx context.Context, name string) ([]string, error) {
	answers, err := r.exchange(ctx, name, dns.TypeA)
	if err != nil {
		return nil, err
	}

	var addrs []string
	for _, rr := range answers {
		if a, ok := rr.(*dns.A); ok {
			addrs = append(addrs, a.A.String())
		}
	}
	if len(addrs) == 0 {
		return nil, ErrNotFound
	}
	return addrs, nil
}

func (r *WireResolver) exchange(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	resp, _, err := r.udp.ExchangeContext(ctx, m, r.server)
	if err == nil && resp.Truncated {
		resp, _, err = r.tcp.ExchangeContext(ctx, m, r.server)
	}
	if err != nil {
		return nil, err
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
		return resp.Answer, nil
	case dns.RcodeNameError:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("server returned %s", dns.RcodeToString[resp.Rcode])
	}
}
