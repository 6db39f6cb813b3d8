package probes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"url-reputation-scorer/features"
)

var (
	// ErrNoRecord means the lookup completed but the answer lacked the field.
	ErrNoRecord = errors.New("no record")
	// ErrBogon means the domain resolved to a non-routable address.
	ErrBogon = errors.New("non-routable address")
)

// Target is what the probes look up. Host is the URL host as written; Domain
// is the normalized lookup domain shared by the WHOIS and ASN probes.
type Target struct {
	Host   string
	Domain string
}

func TargetFor(u features.URL) Target {
	return Target{Host: u.Host, Domain: u.Domain}
}

// Probe is one network lookup producing a single feature.
type Probe interface {
	Feature() features.Name
	Lookup(ctx context.Context, t Target) (float64, error)
}

// Result is the outcome of one probe. A failed result holds the sentinel.
type Result struct {
	Feature features.Name
	Value   float64
	Err     error
	Elapsed time.Duration
}

func (r Result) OK() bool { return r.Err == nil }

// Run executes p under its own timeout. Errors, timeouts and panics are
// turned into a sentinel result and never reach the caller.
func Run(ctx context.Context, p Probe, t Target, timeout time.Duration) (res Result) {
	start := time.Now()
	res.Feature = p.Feature()

	defer func() {
		if rec := recover(); rec != nil {
			res.Err = fmt.Errorf("probe panicked: %v", rec)
		}
		if res.Err != nil {
			res.Value = features.Sentinel
		}
		res.Elapsed = time.Since(start)
		if res.Err != nil {
			log.Debug().Str("component", "probe").Str("feature", string(res.Feature)).
				Str("domain", t.Domain).Err(res.Err).Msg("probe failed")
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		v   float64
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("probe panicked: %v", rec)}
			}
		}()
		v, err := p.Lookup(ctx, t)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		res.Value, res.Err = o.v, o.err
	case <-ctx.Done():
		res.Err = fmt.Errorf("%s: %w", res.Feature, ctx.Err())
	}
	return res
}

// Results holds one Result per probe feature.
type Results map[features.Name]Result

// Values converts results to the assembler's input.
func (r Results) Values() map[features.Name]features.ProbeValue {
	out := make(map[features.Name]features.ProbeValue, len(r))
	for n, res := range r {
		out[n] = features.ProbeValue{Value: res.Value, OK: res.OK()}
	}
	return out
}

// Errors lists the failure message of each failed probe.
func (r Results) Errors() map[string]string {
	out := make(map[string]string)
	for n, res := range r {
		if res.Err != nil {
			out[string(n)] = res.Err.Error()
		}
	}
	return out
}
