package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"url-reputation-scorer/features"
	"url-reputation-scorer/probes"
	"url-reputation-scorer/scoring"
)

// ProbeRunner runs the network probes for one target.
type ProbeRunner interface {
	Run(ctx context.Context, t probes.Target, hooks probes.Hooks) probes.Results
}

// Scanner is the URL pipeline: parse, lexical analysis and probes, assembly,
// scoring. It keeps no per-scan state and may be shared.
type Scanner struct {
	probes    ProbeRunner
	assembler *features.Assembler
	scorer    *scoring.Scorer
	now       func() time.Time
}

func New(runner ProbeRunner, assembler *features.Assembler, scorer *scoring.Scorer) *Scanner {
	return &Scanner{probes: runner, assembler: assembler, scorer: scorer, now: time.Now}
}

// Available reports whether Scan can produce verdicts.
func (s *Scanner) Available() error { return s.scorer.Available() }

// Schema is the feature layout of every vector this scanner produces.
func (s *Scanner) Schema() *features.Schema { return s.assembler.Schema() }

// Scan scores raw. Parse and model errors are returned without a partial
// verdict; probe failures are absorbed into the vector.
func (s *Scanner) Scan(ctx context.Context, raw string, obs Observer) (Verdict, error) {
	start := s.now()
	o := serialize(obs)

	if err := s.scorer.Available(); err != nil {
		o.Observe(Event{Stage: StageScore, Message: "Model unavailable", Err: err})
		return Verdict{}, err
	}

	ex, err := s.extract(ctx, raw, o)
	if err != nil {
		return Verdict{}, err
	}

	o.Observe(Event{Stage: StageScore, Message: "Running classifier"})
	res, err := s.scorer.Score(ex.Vector)
	if err != nil {
		o.Observe(Event{Stage: StageScore, Message: "Classification failed", Err: err})
		return Verdict{}, err
	}

	schema := s.assembler.Schema()
	v := Verdict{
		ScanID:         ex.ScanID,
		URL:            ex.URL,
		Label:          res.Label.String(),
		Probability:    res.Probability,
		Confidence:     round2(res.Probability * 100),
		Schema:         schema.Revision(),
		Features:       ex.Features,
		ScaledFeatures: schema.Map(res.Scaled),
		ProbeErrors:    ex.ProbeErrors,
		ElapsedSeconds: round2(s.now().Sub(start).Seconds()),
		Timestamp:      s.now().Format(time.RFC3339),
		Vector:         ex.Vector,
	}

	o.Observe(Event{Stage: StageComplete, Message: fmt.Sprintf("%s (%.2f%%)", v.Label, v.Confidence)})
	log.Info().Str("component", "scan").Str("scan_id", v.ScanID).Str("url", v.URL).
		Str("label", v.Label).Float64("confidence", v.Confidence).
		Int("probe_errors", len(v.ProbeErrors)).Float64("elapsed", v.ElapsedSeconds).Msg("scan completed")
	return v, nil
}

// Extract builds the feature vector for raw without scoring it. It works
// when no model is loaded.
func (s *Scanner) Extract(ctx context.Context, raw string, obs Observer) (Extraction, error) {
	return s.extract(ctx, raw, serialize(obs))
}

func (s *Scanner) extract(ctx context.Context, raw string, o Observer) (Extraction, error) {
	id := uuid.NewString()

	u, err := features.ParseURL(raw)
	if err != nil {
		o.Observe(Event{Stage: StageParse, Message: "Invalid URL", Err: err})
		log.Debug().Str("component", "scan").Str("scan_id", id).Err(err).Msg("parse failed")
		return Extraction{}, err
	}
	o.Observe(Event{Stage: StageParse, Message: "Analyzing " + u.Normalized})

	lexical := features.Analyze(u)
	o.Observe(Event{Stage: StageLexical, Message: fmt.Sprintf("Extracted %d lexical features", len(lexical))})

	results := s.probes.Run(ctx, probes.TargetFor(u), probes.Hooks{
		OnStart: func(n features.Name) {
			o.Observe(Event{Stage: StageProbe, Feature: n, Message: "Querying " + string(n)})
		},
		OnFinish: func(r probes.Result) {
			if r.OK() {
				o.Observe(Event{Stage: StageProbe, Feature: r.Feature, Message: fmt.Sprintf("%s = %g", r.Feature, r.Value)})
				return
			}
			o.Observe(Event{Stage: StageProbe, Feature: r.Feature, Message: string(r.Feature) + " unavailable", Err: r.Err})
		},
	})

	vec, err := s.assembler.Assemble(lexical, results.Values())
	if err != nil {
		o.Observe(Event{Stage: StageAssemble, Message: "Feature assembly failed", Err: err})
		return Extraction{}, err
	}
	schema := s.assembler.Schema()
	o.Observe(Event{Stage: StageAssemble, Message: fmt.Sprintf("Assembled %d features (%s)", schema.Len(), schema.Revision())})

	errs := results.Errors()
	if len(errs) == 0 {
		errs = nil
	}
	return Extraction{
		ScanID:      id,
		URL:         u.Normalized,
		Domain:      u.Domain,
		Schema:      schema.Revision(),
		Policy:      string(s.assembler.Policy()),
		Features:    schema.Map(vec),
		ProbeErrors: errs,
		Vector:      vec,
	}, nil
}
