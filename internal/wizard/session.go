package wizard

import (
	"maps"
	"slices"
	"time"

	"github.com/dchatpar/inboxgrove/internal/dnscheck"
	"github.com/dchatpar/inboxgrove/internal/dnsrecord"
	"github.com/dchatpar/inboxgrove/internal/provider/dnshost"
	"github.com/dchatpar/inboxgrove/internal/provider/mta"
)

// Domain is the domain being provisioned
type Domain struct {
	Name         string       `json:"name"`
	Availability Availability `json:"availability"`
	Owned        bool         `json:"owned"`
	Years        int          `json:"years,omitempty"`
	Price        string       `json:"price,omitempty"`
	OrderID      string       `json:"order_id,omitempty"`
}

// DKIMKey is the public half of a locally generated key
type DKIMKey struct {
	Selector  string    `json:"selector"`
	PublicKey string    `json:"public_key"` // bare base64 for p=
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Session is the state of one wizard run. Only the DKIM bundle outlives it.
type Session struct {
	ID        string        `json:"id"`
	Step      Step          `json:"step"`
	Completed map[Step]bool `json:"completed"`
	// History lists every step entered, including backward moves
	History []Step   `json:"history"`
	Log     []string `json:"log"`

	Domain     Domain `json:"domain"`
	UseDNSHost bool   `json:"use_dns_host"`
	DNSHost    string `json:"dns_host,omitempty"`
	ZoneID     string `json:"zone_id,omitempty"`

	Selectors []string           `json:"selectors"`
	DKIM      map[string]DKIMKey `json:"dkim"`
	// MTADKIM is the key the MTA generated for itself during deploy
	MTADKIM *mta.DKIMKey `json:"mta_dkim,omitempty"`

	MTARecords []dnshost.Record `json:"mta_records,omitempty"`
	// Publish is what deploy pushed, or would push, to the DNS host
	Publish    []dnshost.Record     `json:"publish,omitempty"`
	SMTP       *mta.Credential      `json:"smtp,omitempty"`
	Batch      *dnshost.BatchResult `json:"batch,omitempty"`
	DeployDone bool                 `json:"deploy_done"`
	Expected   map[string]string    `json:"expected,omitempty"`
	Report     *dnscheck.Report     `json:"report,omitempty"`
	Busy       bool                 `json:"busy"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

func newSession(id string, selectors []string, now time.Time) *Session {
	return &Session{
		ID:         id,
		Step:       StepSearch,
		Completed:  make(map[Step]bool),
		History:    []Step{StepSearch},
		UseDNSHost: true,
		Selectors:  slices.Clone(selectors),
		DKIM:       make(map[string]DKIMKey),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// HasAllKeys reports whether every selector has a public key
func (s *Session) HasAllKeys() bool {
	for _, sel := range s.Selectors {
		if s.DKIM[sel].PublicKey == "" {
			return false
		}
	}
	return len(s.Selectors) > 0
}

// Visited reports whether step was ever entered
func (s *Session) Visited(step Step) bool {
	return slices.Contains(s.History, step)
}

// DNSHostConnected reports whether records can be pushed automatically
func (s *Session) DNSHostConnected() bool {
	return s.UseDNSHost && s.ZoneID != ""
}

// DKIMPairs returns the local public keys in selector order
func (s *Session) DKIMPairs() []dnsrecord.DKIMPair {
	pairs := make([]dnsrecord.DKIMPair, 0, len(s.Selectors))
	for _, sel := range s.Selectors {
		pairs = append(pairs, dnsrecord.DKIMPair{Selector: sel, PublicKey: s.DKIM[sel].PublicKey})
	}
	return pairs
}

func (s *Session) clone() *Session {
	c := *s
	c.Completed = maps.Clone(s.Completed)
	c.History = slices.Clone(s.History)
	c.Log = slices.Clone(s.Log)
	c.Selectors = slices.Clone(s.Selectors)
	c.DKIM = maps.Clone(s.DKIM)
	c.MTARecords = slices.Clone(s.MTARecords)
	c.Publish = slices.Clone(s.Publish)
	c.Expected = maps.Clone(s.Expected)
	if s.MTADKIM != nil {
		k := *s.MTADKIM
		c.MTADKIM = &k
	}
	if s.SMTP != nil {
		cred := *s.SMTP
		c.SMTP = &cred
	}
	if s.Batch != nil {
		b := dnshost.BatchResult{Outcomes: slices.Clone(s.Batch.Outcomes)}
		c.Batch = &b
	}
	if s.Report != nil {
		r := dnscheck.Report{Checks: slices.Clone(s.Report.Checks)}
		c.Report = &r
	}
	return &c
}
