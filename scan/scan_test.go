package scan

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"url-reputation-scorer/features"
	"url-reputation-scorer/probes"
	"url-reputation-scorer/scoring"
)

type stubProbe struct {
	name  features.Name
	value float64
	err   error
	delay time.Duration
}

func (p *stubProbe) Feature() features.Name { return p.name }

func (p *stubProbe) Lookup(ctx context.Context, _ probes.Target) (float64, error) {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	return p.value, p.err
}

func healthySet() *probes.Set {
	return probes.NewSet(time.Second, 4,
		&stubProbe{name: features.ASNIP, value: 13335},
		&stubProbe{name: features.TimeDomainActivation, value: 4000},
		&stubProbe{name: features.TimeDomainExpiration, value: 200},
		&stubProbe{name: features.TTLHostname, value: 300},
	)
}

func brokenSet() *probes.Set {
	fail := errors.New("unreachable")
	return probes.NewSet(time.Second, 4,
		&stubProbe{name: features.ASNIP, err: fail},
		&stubProbe{name: features.TimeDomainActivation, err: fail, delay: 5 * time.Millisecond},
		&stubProbe{name: features.TimeDomainExpiration, err: fail},
		&stubProbe{name: features.TTLHostname, err: fail, delay: 2 * time.Millisecond},
	)
}

func testScorer(schema *features.Schema) *scoring.Scorer {
	n := schema.Len()
	scaler := &scoring.StandardScaler{Mean: make([]float64, n), Scale: make([]float64, n)}
	coef := make([]float64, n)
	idx, _ := schema.Index(features.LengthURL)
	coef[idx] = 0.1
	return scoring.NewScorer(schema, scaler, &scoring.Logistic{Coef: coef, Intercept: -5}, scoring.DefaultThresholds())
}

func newScanner(t *testing.T, set ProbeRunner, policy features.Policy, scorer *scoring.Scorer) *Scanner {
	t.Helper()
	schema := features.MustSchema(features.DefaultRevision)
	asm, err := features.NewAssembler(schema, policy, features.DefaultMedians())
	if err != nil {
		t.Fatal(err)
	}
	if scorer == nil {
		scorer = testScorer(schema)
	}
	return New(set, asm, scorer)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) stages() []Stage {
	out := make([]Stage, len(r.events))
	for i, e := range r.events {
		out[i] = e.Stage
	}
	return out
}

func TestScanVerdict(t *testing.T) {
	s := newScanner(t, healthySet(), features.PolicySentinel, nil)

	v, err := s.Scan(context.Background(), "example.com/a/b.html?x=1.2", nil)
	if err != nil {
		t.Fatal(err)
	}
	if v.URL != "http://example.com/a/b.html?x=1.2" {
		t.Errorf("URL = %q", v.URL)
	}
	if v.Label != "Legitimate" {
		t.Errorf("Label = %q", v.Label)
	}
	if v.Confidence < 0 || v.Confidence > 100 || v.Confidence != round2(v.Probability*100) {
		t.Errorf("Confidence = %v for probability %v", v.Confidence, v.Probability)
	}
	if v.ScanID == "" || v.Timestamp == "" {
		t.Errorf("missing id or timestamp: %+v", v)
	}
	if _, err := time.Parse(time.RFC3339, v.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", v.Timestamp, err)
	}
	if len(v.Vector) != 15 || len(v.Features) != 15 || len(v.ScaledFeatures) != 15 {
		t.Errorf("sizes: vector=%d features=%d scaled=%d", len(v.Vector), len(v.Features), len(v.ScaledFeatures))
	}
	if v.Features["asn_ip"] != 13335 || v.Features["qty_slash_url"] != 4 {
		t.Errorf("features = %v", v.Features)
	}
	if v.ProbeErrors != nil {
		t.Errorf("ProbeErrors = %v", v.ProbeErrors)
	}
}

func TestScanAllProbesFailed(t *testing.T) {
	s := newScanner(t, brokenSet(), features.PolicySentinel, nil)
	rec := &recorder{}

	v, err := s.Scan(context.Background(), "http://example.com", rec)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []string{"asn_ip", "time_domain_activation", "time_domain_expiration", "ttl_hostname"} {
		if v.Features[n] != features.Sentinel {
			t.Errorf("%s = %v, want sentinel", n, v.Features[n])
		}
	}
	if len(v.ProbeErrors) != 4 {
		t.Errorf("ProbeErrors = %v", v.ProbeErrors)
	}

	var failed int
	for _, e := range rec.events {
		if e.Stage == StageProbe && e.Err != nil {
			failed++
		}
	}
	if failed != 4 {
		t.Errorf("failed probe events = %d, want 4", failed)
	}
}

func TestScanMedianPolicy(t *testing.T) {
	s := newScanner(t, brokenSet(), features.PolicyMedian, nil)
	v, err := s.Scan(context.Background(), "http://example.com", nil)
	if err != nil {
		t.Fatal(err)
	}
	if v.Features["ttl_hostname"] != features.DefaultMedians()[features.TTLHostname] {
		t.Errorf("ttl = %v, want median", v.Features["ttl_hostname"])
	}
}

func TestScanEventOrder(t *testing.T) {
	s := newScanner(t, healthySet(), features.PolicySentinel, nil)
	rec := &recorder{}
	if _, err := s.Scan(context.Background(), "http://example.com/login", rec); err != nil {
		t.Fatal(err)
	}

	stages := rec.stages()
	if stages[0] != StageParse || stages[1] != StageLexical {
		t.Fatalf("stages = %v", stages)
	}
	if stages[len(stages)-1] != StageComplete {
		t.Errorf("last stage = %v, want complete", stages[len(stages)-1])
	}

	seen := map[features.Name]int{}
	for _, e := range rec.events {
		if e.Stage != StageProbe {
			continue
		}
		if seen[e.Feature] == 0 && !strings.HasPrefix(e.Message, "Querying ") {
			t.Errorf("first event for %s is %q", e.Feature, e.Message)
		}
		seen[e.Feature]++
	}
	if len(seen) != 4 {
		t.Errorf("probe events for %d features, want 4", len(seen))
	}
	for n, c := range seen {
		if c != 2 {
			t.Errorf("%s: %d events, want 2", n, c)
		}
	}
}

func TestScanInvalidURL(t *testing.T) {
	s := newScanner(t, healthySet(), features.PolicySentinel, nil)
	rec := &recorder{}
	_, err := s.Scan(context.Background(), "ftp://example.com", rec)
	if !errors.Is(err, features.ErrInvalidURL) {
		t.Fatalf("err = %v, want ErrInvalidURL", err)
	}
	if len(rec.events) != 1 || rec.events[0].Stage != StageParse || rec.events[0].Err == nil {
		t.Errorf("events = %+v", rec.events)
	}
}

type countingRunner struct {
	calls int
}

func (c *countingRunner) Run(context.Context, probes.Target, probes.Hooks) probes.Results {
	c.calls++
	return probes.Results{}
}

func TestScanModelUnavailable(t *testing.T) {
	schema := features.MustSchema(features.DefaultRevision)
	runner := &countingRunner{}
	s := newScanner(t, runner, features.PolicySentinel, scoring.Unavailable(schema, errors.New("no artifacts")))

	if _, err := s.Scan(context.Background(), "http://example.com", nil); !errors.Is(err, scoring.ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}
	if runner.calls != 0 {
		t.Errorf("probes ran %d times before the model check", runner.calls)
	}

	ex, err := s.Extract(context.Background(), "http://example.com", nil)
	if err != nil {
		t.Fatalf("Extract without model: %v", err)
	}
	if len(ex.Vector) != schema.Len() || ex.Policy != "sentinel" || ex.Domain != "example.com" {
		t.Errorf("extraction = %+v", ex)
	}
}

func TestScanDeterministicVector(t *testing.T) {
	s := newScanner(t, healthySet(), features.PolicySentinel, nil)
	a, err := s.Extract(context.Background(), "https://www.example.com/x-y/z_1.php?a=1&b=2", nil)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := s.Extract(context.Background(), "https://www.example.com/x-y/z_1.php?a=1&b=2", nil)
	for i := range a.Vector {
		if a.Vector[i] != b.Vector[i] {
			t.Fatalf("slot %d differs: %v vs %v", i, a.Vector[i], b.Vector[i])
		}
	}
	if a.ScanID == b.ScanID {
		t.Error("scan ids repeated")
	}
}

func TestObserverFunc(t *testing.T) {
	var got []Stage
	o := serialize(ObserverFunc(func(e Event) { got = append(got, e.Stage) }))
	o.Observe(Event{Stage: StageScore})
	if len(got) != 1 || got[0] != StageScore {
		t.Errorf("got %v", got)
	}
	serialize(nil).Observe(Event{Stage: StageParse})
}
