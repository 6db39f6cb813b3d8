package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/tidwall/gjson"

	"url-reputation-scorer/features"
)

// Artifact file names inside the model directory.
const (
	ScalerFile     = "scaler.json"
	ClassifierFile = "classifier.json"
)

// Normalizer maps a raw vector into the space the classifier was fit in.
type Normalizer interface {
	Transform(v features.Vector) (features.Vector, error)
}

// Classifier returns the probability that a normalized vector is phishing.
type Classifier interface {
	PhishingProbability(x features.Vector) (float64, error)
}

// StandardScaler applies (x - mean) / scale per feature. A zero scale is
// treated as 1, matching how constant columns are handled at fit time.
type StandardScaler struct {
	FeatureNames []string  `json:"feature_names,omitempty"`
	Mean         []float64 `json:"mean"`
	Scale        []float64 `json:"scale"`
}

func (s *StandardScaler) validate() error {
	if len(s.Mean) == 0 || len(s.Mean) != len(s.Scale) {
		return fmt.Errorf("scaler: mean has %d values, scale has %d", len(s.Mean), len(s.Scale))
	}
	if len(s.FeatureNames) > 0 && len(s.FeatureNames) != len(s.Mean) {
		return fmt.Errorf("scaler: %d feature names for %d columns", len(s.FeatureNames), len(s.Mean))
	}
	return nil
}

func (s *StandardScaler) Transform(v features.Vector) (features.Vector, error) {
	if len(v) != len(s.Mean) {
		return nil, fmt.Errorf("%w: scaler expects %d values, got %d", features.ErrSchemaViolation, len(s.Mean), len(v))
	}
	out := make(features.Vector, len(v))
	for i, x := range v {
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = (x - s.Mean[i]) / scale
	}
	return out, nil
}

// Logistic is a fitted binary logistic regression.
type Logistic struct {
	Coef      []float64 `json:"coef"`
	Intercept float64   `json:"intercept"`
}

func (l *Logistic) PhishingProbability(x features.Vector) (float64, error) {
	if len(x) != len(l.Coef) {
		return 0, fmt.Errorf("%w: classifier expects %d values, got %d", features.ErrSchemaViolation, len(l.Coef), len(x))
	}
	z := l.Intercept
	for i, c := range l.Coef {
		z += c * x[i]
	}
	return 1 / (1 + math.Exp(-z)), nil
}

// Node is one node of a flattened decision tree. Leaves have Left and Right
// set to -1 and carry the phishing probability in Value.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
}

type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t *Tree) predict(x features.Vector) (float64, error) {
	i := 0
	for steps := 0; steps <= len(t.Nodes); steps++ {
		if i < 0 || i >= len(t.Nodes) {
			return 0, fmt.Errorf("tree: node index %d out of range", i)
		}
		n := t.Nodes[i]
		if n.Left == -1 && n.Right == -1 {
			return n.Value, nil
		}
		if n.Feature < 0 || n.Feature >= len(x) {
			return 0, fmt.Errorf("tree: feature index %d out of range", n.Feature)
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return 0, errors.New("tree: cycle detected")
}

// Forest averages the leaf probabilities of its trees.
type Forest struct {
	NFeatures int    `json:"n_features"`
	Trees     []Tree `json:"trees"`
}

func (f *Forest) PhishingProbability(x features.Vector) (float64, error) {
	if f.NFeatures > 0 && len(x) != f.NFeatures {
		return 0, fmt.Errorf("%w: classifier expects %d values, got %d", features.ErrSchemaViolation, f.NFeatures, len(x))
	}
	if len(f.Trees) == 0 {
		return 0, errors.New("forest: no trees")
	}
	var sum float64
	for i := range f.Trees {
		p, err := f.Trees[i].predict(x)
		if err != nil {
			return 0, err
		}
		sum += p
	}
	return sum / float64(len(f.Trees)), nil
}

// LoadNormalizer reads a scaler artifact. When the artifact declares its
// feature order it must match schema.
func LoadNormalizer(path string, schema *features.Schema) (*StandardScaler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s StandardScaler
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("scaler %s: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	if len(s.FeatureNames) > 0 {
		if err := schema.MatchNames(s.FeatureNames); err != nil {
			return nil, err
		}
	} else if len(s.Mean) != schema.Len() {
		return nil, fmt.Errorf("%w: scaler has %d columns, schema %s has %d",
			features.ErrSchemaViolation, len(s.Mean), schema.Revision(), schema.Len())
	}
	return &s, nil
}

// LoadClassifier reads a classifier artifact. The "type" field selects the
// model kind.
func LoadClassifier(path string) (Classifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("classifier %s: invalid json", path)
	}

	kind := strings.ToLower(gjson.GetBytes(data, "type").String())
	model := gjson.GetBytes(data, "model").Raw
	if model == "" {
		return nil, fmt.Errorf("classifier %s: missing model", path)
	}

	switch kind {
	case "logistic", "logistic_regression":
		var l Logistic
		if err := json.Unmarshal([]byte(model), &l); err != nil {
			return nil, fmt.Errorf("classifier %s: %w", path, err)
		}
		if len(l.Coef) == 0 {
			return nil, fmt.Errorf("classifier %s: no coefficients", path)
		}
		return &l, nil
	case "forest", "random_forest":
		var f Forest
		if err := json.Unmarshal([]byte(model), &f); err != nil {
			return nil, fmt.Errorf("classifier %s: %w", path, err)
		}
		if len(f.Trees) == 0 {
			return nil, fmt.Errorf("classifier %s: no trees", path)
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("classifier %s: unsupported type %q", path, kind)
	}
}
