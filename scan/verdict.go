package scan

import (
	"math"

	"url-reputation-scorer/features"
)

// Verdict is the outcome of one scan.
type Verdict struct {
	ScanID         string             `json:"scan_id"`
	URL            string             `json:"url"`
	Label          string             `json:"label"`
	Probability    float64            `json:"probability"`
	Confidence     float64            `json:"confidence"`
	Schema         string             `json:"schema"`
	Features       map[string]float64 `json:"features"`
	ScaledFeatures map[string]float64 `json:"scaled_features"`
	ProbeErrors    map[string]string  `json:"probe_errors,omitempty"`
	ElapsedSeconds float64            `json:"elapsed_seconds"`
	Timestamp      string             `json:"timestamp"`

	Vector features.Vector `json:"-"`
}

// Extraction is a feature vector without a score.
type Extraction struct {
	ScanID      string             `json:"scan_id"`
	URL         string             `json:"url"`
	Domain      string             `json:"domain"`
	Schema      string             `json:"schema"`
	Policy      string             `json:"policy"`
	Features    map[string]float64 `json:"features"`
	ProbeErrors map[string]string  `json:"probe_errors,omitempty"`

	Vector features.Vector `json:"-"`
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
