package dnscheck

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dchatpar/inboxgrove/internal/retry"
)

// Status is the outcome of a single lookup
type Status string

const (
	StatusFound    Status = "found"
	StatusNotFound Status = "not_found"
	// StatusError means the lookup itself failed; the record may or may not exist
	StatusError Status = "error"
)

// Grade compares an observed record with the expected value
type Grade string

const (
	GradeMatch    Grade = "match"
	GradeMismatch Grade = "mismatch"
	GradeMissing  Grade = "not_found"
	GradeUnknown  Grade = "error"
)

const parallelLookups = 4

// Result is one TXT lookup
type Result struct {
	Name   string   `json:"name"`
	Status Status   `json:"status"`
	Values []string `json:"values"`
	Err    string   `json:"error,omitempty"`
}

// Found reports presence; a failed lookup counts as absent
func (r Result) Found() bool {
	return r.Status == StatusFound
}

// Check is a lookup graded against an expected value
type Check struct {
	Result
	Expected string `json:"expected,omitempty"`
	Grade    Grade  `json:"grade,omitempty"`
}

// Report is the outcome of verifying a set of names
type Report struct {
	Checks []Check `json:"checks"`
}

// AllFound reports whether every name resolved
func (r Report) AllFound() bool {
	for _, c := range r.Checks {
		if !c.Found() {
			return false
		}
	}
	return len(r.Checks) > 0
}

// AllMatched reports whether every name with an expectation matched it
func (r Report) AllMatched() bool {
	for _, c := range r.Checks {
		if c.Expected != "" && c.Grade != GradeMatch {
			return false
		}
		if c.Expected == "" && !c.Found() {
			return false
		}
	}
	return len(r.Checks) > 0
}

// Counts tallies checks by status
func (r Report) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, c := range r.Checks {
		counts[c.Status]++
	}
	return counts
}

// Options configures a Verifier
type Options struct {
	Rate     float64 // queries per second, 0 = unlimited
	Parallel bool
	Retry    retry.Config
}

// Verifier runs propagation checks through a Resolver
type Verifier struct {
	resolver Resolver
	limiter  *rate.Limiter
	parallel bool
	retry    retry.Config
	logger   *slog.Logger
}

// NewVerifier creates a verifier
func NewVerifier(resolver Resolver, opts Options, logger *slog.Logger) *Verifier {
	limit := rate.Inf
	burst := 1
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
		burst = int(math.Max(1, math.Ceil(opts.Rate)))
	}

	logger = logger.With("component", "verifier")
	return &Verifier{
		resolver: resolver,
		limiter:  rate.NewLimiter(limit, burst),
		parallel: opts.Parallel,
		retry: opts.Retry.Notify(func(attempt int, delay time.Duration, err error) {
			logger.Debug("retrying TXT lookup", "attempt", attempt, "delay", delay, "error", err)
		}),
		logger: logger,
	}
}

// QueryTXT looks up a single name, retrying failed lookups
func (v *Verifier) QueryTXT(ctx context.Context, name string) Result {
	var values []string

	err := retry.Do(ctx, v.retry, lookupRetryable, func() error {
		if err := v.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		values, err = v.resolver.LookupTXT(ctx, name)
		return err
	})

	switch {
	case err == nil:
		return Result{Name: name, Status: StatusFound, Values: values}
	case errors.Is(err, ErrNotFound):
		return Result{Name: name, Status: StatusNotFound, Values: []string{}}
	default:
		v.logger.Warn("TXT lookup failed", "name", name, "error", err)
		return Result{Name: name, Status: StatusError, Values: []string{}, Err: err.Error()}
	}
}

func lookupRetryable(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Verify checks every name, in order, and grades each against expected[name].
// Names without an expectation are graded on presence only.
func (v *Verifier) Verify(ctx context.Context, names []string, expected map[string]string) Report {
	checks := make([]Check, len(names))

	run := func(i int) {
		res := v.QueryTXT(ctx, names[i])
		checks[i] = grade(res, expected[names[i]])
	}

	if !v.parallel {
		for i := range names {
			run(i)
		}
		return Report{Checks: checks}
	}

	var g errgroup.Group
	g.SetLimit(parallelLookups)
	for i := range names {
		g.Go(func() error {
			run(i)
			return nil
		})
	}
	_ = g.Wait()

	return Report{Checks: checks}
}

func grade(res Result, expected string) Check {
	c := Check{Result: res, Expected: expected}

	switch res.Status {
	case StatusError:
		c.Grade = GradeUnknown
		return c
	case StatusNotFound:
		c.Grade = GradeMissing
		return c
	}

	if expected == "" {
		c.Grade = GradeMatch
		return c
	}

	want := normalizeSpace(expected)
	for _, v := range res.Values {
		if normalizeSpace(v) == want {
			c.Grade = GradeMatch
			return c
		}
	}
	c.Grade = GradeMismatch
	return c
}
