// Package wizard drives a domain through registrar purchase, DNS host
// connection, DKIM generation, MTA deployment and propagation checks.
package wizard

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dchatpar/inboxgrove/internal/dkim"
	"github.com/dchatpar/inboxgrove/internal/dnscheck"
	"github.com/dchatpar/inboxgrove/internal/dnsrecord"
	"github.com/dchatpar/inboxgrove/internal/keystore"
	"github.com/dchatpar/inboxgrove/internal/provider"
	"github.com/dchatpar/inboxgrove/internal/provider/dnshost"
)

// Wizard runs one session. Step operations are single-flight: a second
// operation while one is in progress fails with ErrBusy.
type Wizard struct {
	mu     sync.Mutex
	sess   *Session
	path   []Step // steps left forward, popped by Back
	gen    uint64 // bumped by Back and Close to discard in-flight results
	cancel context.CancelFunc
	timer  *time.Timer
	closed bool

	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

func newWizard(id string, cfg Config, deps Deps) *Wizard {
	now := time.Now
	return &Wizard{
		sess:   newSession(id, cfg.Selectors, now()),
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With("session", id),
		now:    now,
	}
}

// ID returns the session id
func (w *Wizard) ID() string {
	return w.sess.ID
}

// Snapshot returns a copy of the session state
func (w *Wizard) Snapshot() Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.sess.clone()
}

// CanAdvance evaluates the guard of the current step
func (w *Wizard) CanAdvance() (bool, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ok, reason := canAdvance(w.sess)
	if ok {
		reason = ""
	}
	return ok, reason
}

// loadKeys seeds the session with public keys already in the bundle
func (w *Wizard) loadKeys(ctx context.Context) error {
	bundle, err := w.deps.Keys.Load(ctx, w.cfg.BundleName)
	if err != nil {
		return fmt.Errorf("failed to load DKIM bundle: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for _, sel := range w.cfg.Selectors {
		e, ok := bundle.Keys[sel]
		if !ok || e.Public == "" {
			continue
		}
		w.sess.DKIM[sel] = DKIMKey{
			Selector:  sel,
			PublicKey: dkim.ExtractPublicKeyBase64(e.Public),
			CreatedAt: e.CreatedAt,
		}
		n++
	}
	if n > 0 {
		w.logLocked("loaded %d stored DKIM key(s)", n)
	}
	return nil
}

// Close cancels in-flight work and stops pending auto-advances
func (w *Wizard) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.gen++
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.stopTimerLocked()
}

func (w *Wizard) logLocked(format string, args ...any) {
	w.sess.Log = append(w.sess.Log, fmt.Sprintf(format, args...))
	w.sess.UpdatedAt = w.now()
}

func (w *Wizard) stopTimerLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Wizard) transitionLocked(to Step, forward bool) {
	from := w.sess.Step
	if forward {
		w.sess.Completed[from] = true
		w.path = append(w.path, from)
	}
	w.sess.Step = to
	w.sess.History = append(w.sess.History, to)
	w.logLocked("step: %s -> %s", from, to)

	w.deps.Observer.ObserveTransition(from.String(), to.String())
	w.logger.Info("wizard transition", "from", from.String(), "to", to.String())
}

// Advance moves forward when the current step's guard allows it
func (w *Wizard) Advance() (Step, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return w.sess.Step, ErrClosed
	}
	if w.sess.Busy {
		return w.sess.Step, ErrBusy
	}
	if ok, reason := canAdvance(w.sess); !ok {
		return w.sess.Step, fmt.Errorf("%w from %s: %s", ErrCannotAdvance, w.sess.Step, reason)
	}

	w.stopTimerLocked()
	to := next(w.sess)
	w.transitionLocked(to, true)
	return to, nil
}

// Back returns to the previous step. In-flight work is cancelled and its
// results discarded; side effects already performed stay in place.
func (w *Wizard) Back() (Step, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return w.sess.Step, ErrClosed
	}
	if w.sess.Step == StepComplete || len(w.path) == 0 {
		return w.sess.Step, fmt.Errorf("%w from %s", ErrCannotGoBack, w.sess.Step)
	}

	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.gen++
	w.sess.Busy = false
	w.stopTimerLocked()

	to := w.path[len(w.path)-1]
	w.path = w.path[:len(w.path)-1]
	w.transitionLocked(to, false)
	return to, nil
}

// autoAdvance fires after a successful purchase or verification. It is a
// no-op when the operator navigated or another step started meanwhile.
func (w *Wizard) autoAdvance(gen uint64, from Step) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || gen != w.gen || w.sess.Step != from || w.sess.Busy {
		return
	}
	if ok, _ := canAdvance(w.sess); !ok {
		return
	}
	w.timer = nil
	w.transitionLocked(next(w.sess), true)
}

func (w *Wizard) scheduleAdvance(gen uint64, from Step, delay time.Duration) {
	if delay <= 0 {
		w.autoAdvance(gen, from)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || gen != w.gen {
		return
	}
	w.stopTimerLocked()
	w.timer = time.AfterFunc(delay, func() { w.autoAdvance(gen, from) })
}

// stepRun is the handle a running step uses to touch the session. Updates
// from a superseded generation are dropped.
type stepRun struct {
	w      *Wizard
	gen    uint64
	step   Step
	snap   *Session
	cancel context.CancelFunc

	advance bool
	delay   time.Duration
}

func (r *stepRun) update(fn func(s *Session)) bool {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	if r.gen != r.w.gen || r.w.closed {
		return false
	}
	fn(r.w.sess)
	r.w.sess.UpdatedAt = r.w.now()
	return true
}

func (r *stepRun) logf(format string, args ...any) {
	r.update(func(s *Session) {
		s.Log = append(s.Log, fmt.Sprintf(format, args...))
	})
}

// fail logs a provider failure verbatim and returns err
func (r *stepRun) fail(err error, what string) error {
	r.logf("error: %s: %s", what, provider.Message(err))
	r.w.logger.Warn("step failed", "step", r.step.String(), "op", what, "error", err)
	return err
}

func (r *stepRun) advanceAfter(delay time.Duration) {
	r.advance = true
	r.delay = delay
}

func (w *Wizard) begin(parent context.Context, step Step) (*stepRun, context.Context, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, nil, ErrClosed
	}
	if w.sess.Busy {
		return nil, nil, ErrBusy
	}
	if w.sess.Step != step {
		return nil, nil, fmt.Errorf("%w: %s is not the current step (session is at %s)", ErrWrongStep, step, w.sess.Step)
	}

	ctx, cancel := context.WithTimeout(parent, w.cfg.StepTimeout)
	w.sess.Busy = true
	w.cancel = cancel
	return &stepRun{w: w, gen: w.gen, step: step, snap: w.sess.clone(), cancel: cancel}, ctx, nil
}

// finish clears the busy flag and reports whether the run is still current
func (w *Wizard) finish(r *stepRun) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r.gen != w.gen {
		return false
	}
	w.sess.Busy = false
	w.cancel = nil
	return true
}

// run executes fn as the work of step. Panics are recovered and logged as
// a generic failure so a broken step never takes the session down.
func (w *Wizard) run(parent context.Context, step Step, fn func(ctx context.Context, r *stepRun) error) (err error) {
	r, ctx, err := w.begin(parent, step)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			w.logger.Error("step panicked", "step", step.String(), "panic", p, "stack", string(debug.Stack()))
			r.logf("error: unexpected failure during %s", step)
			err = fmt.Errorf("%w during %s", ErrUnexpected, step)
		}

		r.cancel()
		current := w.finish(r)
		if !current {
			err = ErrStale
			return
		}
		if err == nil && r.advance {
			w.scheduleAdvance(r.gen, step, r.delay)
		}
	}()

	w.logger.Debug("step started", "step", step.String())
	return fn(ctx, r)
}

// Search validates domain and asks the registrar whether it is available.
// A taken domain is assumed to be owned by the operator and skips purchase.
func (w *Wizard) Search(ctx context.Context, domain string) error {
	name := dnscheck.NormalizeDomain(domain)
	if err := dnscheck.ValidateDomain(name); err != nil {
		verr := &ValidationError{Field: "domain", Value: domain, Err: err}
		w.mu.Lock()
		w.logLocked("error: %v", verr)
		w.mu.Unlock()
		return verr
	}

	return w.run(ctx, StepSearch, func(ctx context.Context, r *stepRun) error {
		r.logf("checking availability of %s", name)

		avail, err := w.deps.Registrar.CheckAvailability(ctx, name)
		if err != nil {
			return r.fail(err, "availability check")
		}

		r.update(func(s *Session) {
			s.Domain = Domain{Name: name, Price: avail.Price, Years: w.cfg.PurchaseYears}
			if avail.Available {
				s.Domain.Availability = AvailabilityAvailable
				if avail.Price != "" {
					s.Log = append(s.Log, fmt.Sprintf("%s is available at %s/yr", name, avail.Price))
				} else {
					s.Log = append(s.Log, fmt.Sprintf("%s is available", name))
				}
				return
			}
			s.Domain.Availability = AvailabilityTaken
			s.Log = append(s.Log, fmt.Sprintf("%s is not available (code %s): domain likely owned by operator, purchase will be skipped", name, avail.Code))
		})
		return nil
	})
}

// Registrar purchase terms
const (
	MinPurchaseYears = 1
	MaxPurchaseYears = 10
)

// Purchase buys the searched domain for years, or the configured term when
// years is 0. Success marks it owned and advances after the configured
// delay; failure leaves the step active.
func (w *Wizard) Purchase(ctx context.Context, years int) error {
	if years == 0 {
		years = w.cfg.PurchaseYears
	}
	if years < MinPurchaseYears || years > MaxPurchaseYears {
		return &ValidationError{
			Field: "years",
			Value: strconv.Itoa(years),
			Err:   fmt.Errorf("purchase term must be %d to %d years", MinPurchaseYears, MaxPurchaseYears),
		}
	}

	return w.run(ctx, StepPurchase, func(ctx context.Context, r *stepRun) error {
		d := r.snap.Domain
		if d.Owned {
			return r.fail(errors.New("domain is already owned"), "purchase")
		}

		r.logf("purchasing %s for %d year(s)", d.Name, years)

		res, err := w.deps.Registrar.Purchase(ctx, d.Name, years)
		if err != nil {
			return r.fail(err, "purchase")
		}

		r.update(func(s *Session) {
			s.Domain.Owned = true
			s.Domain.OrderID = res.OrderID
			s.Domain.Years = res.Years
			s.Log = append(s.Log, fmt.Sprintf("purchased %s, order %s", d.Name, res.OrderID))
		})
		r.advanceAfter(w.cfg.AutoAdvanceDelay)
		return nil
	})
}

// AssertOwned records the operator's statement that they already own the domain
func (w *Wizard) AssertOwned() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.sess.Busy {
		return ErrBusy
	}
	if w.sess.Step != StepSearch && w.sess.Step != StepPurchase {
		return fmt.Errorf("%w: ownership can only be asserted during search or purchase", ErrWrongStep)
	}
	if w.sess.Domain.Name == "" {
		return fmt.Errorf("%w: search for a domain first", ErrWrongStep)
	}

	w.sess.Domain.Owned = true
	w.logLocked("ownership of %s asserted by operator", w.sess.Domain.Name)
	return nil
}

// ConnectDNSHost resolves the zone of the domain on the configured DNS host
func (w *Wizard) ConnectDNSHost(ctx context.Context) error {
	return w.run(ctx, StepDNSHostConnect, func(ctx context.Context, r *stepRun) error {
		host := w.deps.DNSHost
		if host == nil {
			return r.fail(ErrNoDNSHost, "dns host")
		}

		zone, err := host.FindZone(ctx, r.snap.Domain.Name)
		if err != nil {
			err = r.fail(err, "zone lookup")
			if errors.Is(err, dnshost.ErrZoneNotFound) {
				r.logf("zone not found: add the domain to the DNS host first")
			}
			return err
		}

		r.update(func(s *Session) {
			s.UseDNSHost = true
			s.DNSHost = host.Name()
			s.ZoneID = zone.ID
			s.Log = append(s.Log, fmt.Sprintf("connected to %s zone %s (%s)", host.Name(), zone.Name, zone.ID))
		})
		return nil
	})
}

// SkipDNSHost opts out of DNS automation and moves straight to dkim.
// Records then have to be added by hand.
func (w *Wizard) SkipDNSHost() (Step, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return w.sess.Step, ErrClosed
	}
	if w.sess.Busy {
		return w.sess.Step, ErrBusy
	}
	if w.sess.Step != StepDNSHostConnect {
		return w.sess.Step, fmt.Errorf("%w: the DNS host can only be skipped at %s", ErrWrongStep, StepDNSHostConnect)
	}

	w.sess.UseDNSHost = false
	w.sess.ZoneID = ""
	w.sess.DNSHost = ""
	w.logLocked("DNS host skipped: records must be added manually")

	to := next(w.sess)
	w.transitionLocked(to, true)
	return to, nil
}

// GenerateDKIM creates a key pair for one selector and persists it at once,
// so a failure on the other selector does not lose this one.
func (w *Wizard) GenerateDKIM(ctx context.Context, selector string) error {
	sel := strings.TrimSpace(selector)
	if err := dnscheck.ValidateSelector(sel); err != nil {
		return &ValidationError{Field: "selector", Value: selector, Err: err}
	}
	if !slices.Contains(w.cfg.Selectors, sel) {
		return &ValidationError{Field: "selector", Value: selector, Err: ErrUnknownSelector}
	}

	return w.run(ctx, StepDKIM, func(ctx context.Context, r *stepRun) error {
		r.logf("generating DKIM key for selector %s", sel)

		kp, err := dkim.GenerateAsync(ctx, sel, w.cfg.KeyBits)
		if err != nil {
			return r.fail(err, "key generation for "+sel)
		}

		now := w.now()
		entry := keystore.Entry{Public: kp.PublicKeyPEM, Private: kp.PrivateKeyPEM, CreatedAt: now}
		if err := w.deps.Keys.Put(ctx, w.cfg.BundleName, sel, entry); err != nil {
			return r.fail(err, "storing key for "+sel)
		}
		w.deps.Observer.ObserveKeyGenerated()

		r.update(func(s *Session) {
			s.DKIM[sel] = DKIMKey{Selector: sel, PublicKey: kp.PublicKeyBase64(), CreatedAt: now}
			s.Log = append(s.Log, fmt.Sprintf("DKIM key generated for selector %s", sel))
		})
		return nil
	})
}

// Verify checks apex, _dmarc and every selector. With a connected DNS host
// and every check matching, the session completes on its own; otherwise
// the operator may re-run or advance anyway.
func (w *Wizard) Verify(ctx context.Context) error {
	return w.run(ctx, StepDNSVerify, func(ctx context.Context, r *stepRun) error {
		set := w.recordSet(r.snap)
		names, expected := set.Names(), set.ExpectedValues()
		if len(r.snap.Expected) > 0 {
			expected = r.snap.Expected
			names = expectedNames(expected, set.Domain)
		}

		report := w.deps.Verifier.Verify(ctx, names, expected)
		matched := 0
		for _, c := range report.Checks {
			w.deps.Observer.ObserveLookup(string(c.Status))
			if c.Grade == dnscheck.GradeMatch {
				matched++
			}
		}
		counts := report.Counts()

		r.update(func(s *Session) {
			s.Report = &report
			s.Log = append(s.Log, fmt.Sprintf("verification: %d/%d found, %d matched, %d lookup errors",
				counts[dnscheck.StatusFound], len(report.Checks), matched, counts[dnscheck.StatusError]))
			for _, c := range report.Checks {
				if c.Grade != dnscheck.GradeMatch {
					s.Log = append(s.Log, fmt.Sprintf("  %s: %s", c.Name, c.Grade))
				}
			}
		})

		if r.snap.DNSHostConnected() && report.AllMatched() {
			r.advanceAfter(0)
		}
		return nil
	})
}

// expectedNames orders the names of deployed expectations apex first,
// then _dmarc, then the rest alphabetically
func expectedNames(expected map[string]string, domain string) []string {
	rank := func(name string) int {
		switch name {
		case domain:
			return 0
		case "_dmarc." + domain:
			return 1
		}
		return 2
	}
	return slices.SortedFunc(maps.Keys(expected), func(a, b string) int {
		if c := cmp.Compare(rank(a), rank(b)); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
}

// RecordSet derives the SPF, DMARC and DKIM records from the session
func (w *Wizard) RecordSet() (dnsrecord.RecordSet, error) {
	snap := w.Snapshot()
	if snap.Domain.Name == "" {
		return dnsrecord.RecordSet{}, fmt.Errorf("%w: no domain selected", ErrWrongStep)
	}
	return w.recordSet(&snap), nil
}

func (w *Wizard) recordSet(s *Session) dnsrecord.RecordSet {
	return dnsrecord.Generate(s.Domain.Name, s.DKIMPairs(), w.cfg.Records)
}
