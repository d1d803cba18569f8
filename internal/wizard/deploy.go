package wizard

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/dchatpar/inboxgrove/internal/dnsrecord"
	"github.com/dchatpar/inboxgrove/internal/provider/dnshost"
	"github.com/dchatpar/inboxgrove/internal/provider/mta"
)

const deploySubSteps = 6

// sub logs progress of deploy sub-step n
func (r *stepRun) sub(n int, format string, args ...any) {
	r.logf("[%d/%d] %s", n, deploySubSteps, fmt.Sprintf(format, args...))
}

func (r *stepRun) subFail(n int, what string, err error) error {
	return r.fail(err, fmt.Sprintf("[%d/%d] %s", n, deploySubSteps, what))
}

// Deploy provisions the MTA and publishes records. Sub-steps run strictly
// in order; the first failure aborts the rest without rolling back. A
// partially failed record batch is reported and does not abort.
func (w *Wizard) Deploy(ctx context.Context) error {
	return w.run(ctx, StepDeploy, func(ctx context.Context, r *stepRun) error {
		snap := r.snap
		if !snap.HasAllKeys() {
			return r.fail(errors.New("DKIM keys are missing"), "deploy")
		}

		domain := snap.Domain.Name
		signing := w.signingSelector(snap)
		r.update(func(s *Session) {
			s.DeployDone = false
			s.Batch = nil
			s.Publish = nil
			s.Expected = nil
		})

		if _, err := w.deps.MTA.CreateDomain(ctx, domain, signing); err != nil {
			return r.subFail(1, "create mail domain", err)
		}
		r.sub(1, "mail domain %s created on MTA", domain)

		mtaKey, err := w.deps.MTA.GenerateDKIM(ctx, domain, signing, w.cfg.MTAKeySize)
		if err != nil {
			return r.subFail(2, "generate DKIM on MTA", err)
		}
		r.update(func(s *Session) {
			k := *mtaKey
			s.MTADKIM = &k
		})
		if w.cfg.DKIMAuthority == AuthorityMTA {
			r.sub(2, "MTA generated DKIM for selector %s, MTA key replaces local %s", signing, signing)
		} else {
			r.sub(2, "MTA generated DKIM for selector %s, published alongside local keys", signing)
		}

		tmpl, err := w.deps.MTA.DNSRecords(ctx, domain, w.cfg.MailIPs)
		if err != nil {
			return r.subFail(3, "fetch DNS records from MTA", err)
		}
		records := hostRecords(tmpl.Records)
		r.update(func(s *Session) {
			s.MTARecords = records
		})
		r.sub(3, "fetched %d DNS record templates from MTA", len(records))

		cred, err := mta.NewCredential(domain)
		if err != nil {
			return r.subFail(4, "create SMTP user", err)
		}
		if _, err := w.deps.MTA.CreateUser(ctx, cred.Username, cred.Password, cred.Email); err != nil {
			return r.subFail(4, "create SMTP user", err)
		}
		r.update(func(s *Session) {
			c := cred
			s.SMTP = &c
		})
		r.sub(4, "SMTP user %s created", cred.Username)

		publish, expected := w.publishable(domain, w.recordSet(snap), records, signing, mtaKey)
		r.update(func(s *Session) {
			s.Publish = publish
			s.Expected = expected
		})
		if snap.DNSHostConnected() && w.deps.DNSHost != nil {
			batch := w.deps.DNSHost.CreateRecords(ctx, snap.ZoneID, publish)
			w.deps.Observer.ObserveRecords(batch.Succeeded(), batch.Failed())
			r.update(func(s *Session) {
				s.Batch = &batch
			})
			r.sub(5, "DNS records on %s: %s", snap.DNSHost, batch.Summary())
			for _, f := range batch.Failures() {
				r.logf("  failed: %s", f)
			}
		} else {
			r.sub(5, "DNS host not connected, add %d records manually", len(publish))
		}

		if _, err := w.deps.MTA.Reload(ctx); err != nil {
			return r.subFail(6, "reload MTA", err)
		}
		r.sub(6, "MTA configuration reloaded")

		if w.cfg.SMTPAddr != "" {
			if err := mta.CheckSMTPLogin(ctx, w.cfg.SMTPAddr, cred.Username, cred.Password, w.cfg.SMTPTimeout); err != nil {
				r.logf("warning: SMTP login check failed: %v", err)
			} else {
				r.logf("SMTP login verified on %s", w.cfg.SMTPAddr)
			}
		}

		r.update(func(s *Session) {
			s.DeployDone = true
			s.Log = append(s.Log, "deploy complete")
		})
		return nil
	})
}

func hostRecords(in []mta.DNSRecord) []dnshost.Record {
	out := make([]dnshost.Record, 0, len(in))
	for _, rec := range in {
		ttl := rec.TTL
		if ttl == 0 {
			ttl = dnsrecord.AutoTTL
		}
		out = append(out, dnshost.Record{
			Type:     strings.ToUpper(rec.Type),
			Name:     rec.Name,
			Content:  rec.Value,
			TTL:      ttl,
			Priority: rec.Priority,
		})
	}
	return out
}

// signingSelector is the selector the MTA signs with. Under MTA authority
// it takes over the first local selector; otherwise it gets its own.
func (w *Wizard) signingSelector(s *Session) string {
	if w.cfg.DKIMAuthority == AuthorityMTA {
		return s.Selectors[0]
	}
	return w.cfg.MTASelector
}

// publishable picks the records pushed to the DNS host and the TXT values
// verification expects. The MTA signing key is always published under its
// selector. With local authority the generated SPF, DMARC and DKIM records
// replace the MTA's own; with MTA authority the MTA template is published
// with the DKIM record taken from the generated MTA key.
func (w *Wizard) publishable(domain string, set dnsrecord.RecordSet, records []dnshost.Record, signing string, mtaKey *mta.DKIMKey) ([]dnshost.Record, map[string]string) {
	dkimName := dnsrecord.DKIMName(signing)
	dkimFQDN := dnsrecord.FQDN(dkimName, domain)
	signed := dnshost.Record{Type: "TXT", Name: dkimName, Content: mtaDKIMValue(mtaKey), TTL: dnsrecord.AutoTTL}

	out := make([]dnshost.Record, 0, len(records)+len(set.DKIM)+3)
	expected := make(map[string]string)

	if w.cfg.DKIMAuthority == AuthorityMTA {
		for _, rec := range records {
			if rec.Type != "TXT" {
				out = append(out, rec)
				continue
			}
			name := recordFQDN(rec, domain)
			if name == dkimFQDN {
				continue
			}
			out = append(out, rec)
			expected[name] = rec.Content
		}
	} else {
		for _, rec := range records {
			if rec.Type == "TXT" && ownedByRecordSet(rec, domain) {
				continue
			}
			out = append(out, rec)
		}
		out = append(out, set.HostRecords()...)
		maps.Copy(expected, set.ExpectedValues())
	}

	out = append(out, signed)
	expected[dkimFQDN] = signed.Content
	return out, expected
}

// mtaDKIMValue is the TXT value for a key the MTA generated
func mtaDKIMValue(k *mta.DKIMKey) string {
	if strings.HasPrefix(k.DNSRecord, "v=DKIM1") {
		return k.DNSRecord
	}
	return dnsrecord.DKIMValue(k.PublicKey)
}

func recordFQDN(rec dnshost.Record, domain string) string {
	return dnsrecord.FQDN(strings.TrimSuffix(rec.Name, "."), domain)
}

func ownedByRecordSet(rec dnshost.Record, domain string) bool {
	name := recordFQDN(rec, domain)
	switch {
	case name == domain:
		return strings.HasPrefix(strings.ToLower(rec.Content), "v=spf1")
	case name == "_dmarc."+domain:
		return true
	default:
		return strings.HasSuffix(name, "._domainkey."+domain)
	}
}
