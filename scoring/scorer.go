package scoring

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"url-reputation-scorer/features"
)

// ErrModelUnavailable is returned by every Score call when the artifacts
// could not be loaded at startup.
var ErrModelUnavailable = errors.New("model unavailable")

// Label is the binary verdict.
type Label int

const (
	Legitimate Label = iota
	Phishing
)

func (l Label) String() string {
	if l == Phishing {
		return "Phishing"
	}
	return "Legitimate"
}

// Thresholds control how a probability becomes a label.
type Thresholds struct {
	Phishing float64 `yaml:"phishing" json:"phishing"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{Phishing: 0.5}
}

// Result is the classifier output for one vector.
type Result struct {
	Label Label
	// Probability is the classifier's confidence in Label.
	Probability float64
	// PhishingProbability is P(phishing) regardless of Label.
	PhishingProbability float64
	Scaled              features.Vector
}

// Scorer applies the normalizer and classifier. It is read-only after
// construction and safe for concurrent use.
type Scorer struct {
	schema     *features.Schema
	normalizer Normalizer
	classifier Classifier
	thresholds Thresholds
	loadErr    error
}

func NewScorer(schema *features.Schema, n Normalizer, c Classifier, th Thresholds) *Scorer {
	s := &Scorer{schema: schema, normalizer: n, classifier: c, thresholds: th}
	if th.Phishing <= 0 || th.Phishing >= 1 {
		s.thresholds = DefaultThresholds()
	}
	if n == nil || c == nil {
		s.loadErr = errors.New("normalizer or classifier missing")
	}
	return s
}

// Unavailable returns a Scorer whose every call fails with reason.
func Unavailable(schema *features.Schema, reason error) *Scorer {
	return &Scorer{schema: schema, loadErr: reason}
}

// Load reads both artifacts from dir. It never fails: a missing or invalid
// artifact yields a Scorer that reports ErrModelUnavailable, so the process
// keeps serving feature extraction.
func Load(dir string, schema *features.Schema, th Thresholds) *Scorer {
	scalerPath := filepath.Join(dir, ScalerFile)
	classifierPath := filepath.Join(dir, ClassifierFile)

	n, err := LoadNormalizer(scalerPath, schema)
	if err != nil {
		log.Warn().Str("component", "model").Str("path", scalerPath).Err(err).Msg("normalizer not loaded, scoring disabled")
		return Unavailable(schema, fmt.Errorf("normalizer: %w", err))
	}
	c, err := LoadClassifier(classifierPath)
	if err != nil {
		log.Warn().Str("component", "model").Str("path", classifierPath).Err(err).Msg("classifier not loaded, scoring disabled")
		return Unavailable(schema, fmt.Errorf("classifier: %w", err))
	}

	log.Info().Str("component", "model").Str("dir", dir).Str("schema", schema.Revision()).
		Float64("threshold", th.Phishing).Msg("model artifacts loaded")
	return NewScorer(schema, n, c, th)
}

// Available reports why scoring is disabled, or nil.
func (s *Scorer) Available() error {
	if s == nil {
		return ErrModelUnavailable
	}
	if s.loadErr != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, s.loadErr)
	}
	return nil
}

func (s *Scorer) Score(v features.Vector) (Result, error) {
	if err := s.Available(); err != nil {
		return Result{}, err
	}
	if err := s.schema.Check(v); err != nil {
		return Result{}, err
	}

	scaled, err := s.normalizer.Transform(v)
	if err != nil {
		return Result{}, fmt.Errorf("normalize: %w", err)
	}
	p, err := s.classifier.PhishingProbability(scaled)
	if err != nil {
		return Result{}, fmt.Errorf("classify: %w", err)
	}

	res := Result{PhishingProbability: p, Scaled: scaled}
	if p >= s.thresholds.Phishing {
		res.Label = Phishing
		res.Probability = p
	} else {
		res.Label = Legitimate
		res.Probability = 1 - p
	}
	return res, nil
}
