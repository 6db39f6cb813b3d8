package probes

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"url-reputation-scorer/features"
)

// Hooks observe probe execution. Both are optional and may be called from
// several goroutines at once.
type Hooks struct {
	OnStart  func(features.Name)
	OnFinish func(Result)
}

// Set runs independent probes concurrently with a per-probe timeout.
type Set struct {
	probes      []Probe
	timeout     time.Duration
	concurrency int
}

func NewSet(timeout time.Duration, concurrency int, probes ...Probe) *Set {
	if concurrency <= 0 {
		concurrency = len(probes)
	}
	return &Set{probes: probes, timeout: timeout, concurrency: concurrency}
}

// Features lists the features the set produces, in registration order.
func (s *Set) Features() []features.Name {
	out := make([]features.Name, len(s.probes))
	for i, p := range s.probes {
		out[i] = p.Feature()
	}
	return out
}

// Run executes every probe against t and returns one result per probe.
// Failures stay inside their own result; Run itself never fails.
func (s *Set) Run(ctx context.Context, t Target, hooks Hooks) Results {
	var (
		mu      sync.Mutex
		results = make(Results, len(s.probes))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, p := range s.probes {
		g.Go(func() error {
			if hooks.OnStart != nil {
				hooks.OnStart(p.Feature())
			}
			res := Run(gctx, p, t, s.timeout)

			mu.Lock()
			results[res.Feature] = res
			mu.Unlock()

			if hooks.OnFinish != nil {
				hooks.OnFinish(res)
			}
			// Never return the probe error: it would cancel gctx for the siblings.
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Options configures the default probe set.
type Options struct {
	DNSServers   []string
	DNSTimeout   time.Duration
	ProbeTimeout time.Duration
	WhoisTimeout time.Duration
	Concurrency  int
	RDAPBaseURL  string
	CymruZone    string
	CymruZone6   string
	CymruWhois   string
}

// NewDefaultSet wires the TTL, ASN, activation and expiration probes.
func NewDefaultSet(opts Options) *Set {
	resolver := NewResolver(opts.DNSServers, opts.DNSTimeout)
	client := NewWhoisClient(opts.WhoisTimeout)
	source := NewWhoisSource(client, &http.Client{Timeout: opts.ProbeTimeout}, opts.RDAPBaseURL, opts.ProbeTimeout)

	log.Info().Str("component", "probe").Strs("dns_servers", resolver.Servers()).
		Dur("timeout", opts.ProbeTimeout).Int("concurrency", opts.Concurrency).Msg("probe set ready")

	return NewSet(opts.ProbeTimeout, opts.Concurrency,
		NewASNProbe(resolver, client).WithZones(opts.CymruZone, opts.CymruZone6, opts.CymruWhois),
		NewActivationProbe(source),
		NewExpirationProbe(source),
		NewTTLProbe(resolver),
	)
}
