package features

import (
	"fmt"
	"strings"
)

// Policy selects the value substituted for a probe feature that failed.
type Policy string

const (
	// PolicySentinel substitutes -1. Used by interactive scans.
	PolicySentinel Policy = "sentinel"
	// PolicyMedian substitutes the feature's median over the training set.
	// Used by single-shot scans.
	PolicyMedian Policy = "median"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicySentinel, "":
		return PolicySentinel, nil
	case PolicyMedian:
		return PolicyMedian, nil
	default:
		return "", fmt.Errorf("unknown default policy %q", s)
	}
}

// Medians maps probe features to their substitution values under PolicyMedian.
type Medians map[Name]float64

// DefaultMedians are the training-set medians shipped with the reference
// model. Override them in config when the model is refit.
func DefaultMedians() Medians {
	return Medians{
		ASNIP:                16509,
		TimeDomainActivation: 2186,
		TimeDomainExpiration: 260,
		TTLHostname:          3599,
	}
}

// ProbeValue is a probe outcome as seen by the assembler.
type ProbeValue struct {
	Value float64
	OK    bool
}

// Assembler merges lexical and probe outputs into a schema-ordered vector.
// It holds no per-call state and is safe for concurrent use.
type Assembler struct {
	schema  *Schema
	policy  Policy
	medians Medians
}

// NewAssembler checks that policy can fill every probe slot of schema.
func NewAssembler(schema *Schema, policy Policy, medians Medians) (*Assembler, error) {
	if schema == nil {
		return nil, fmt.Errorf("%w: nil schema", ErrSchemaViolation)
	}
	a := &Assembler{schema: schema, policy: policy, medians: Medians{}}
	for k, v := range medians {
		a.medians[k] = v
	}

	switch policy {
	case PolicySentinel:
	case PolicyMedian:
		for _, n := range schema.ProbeNames() {
			if _, ok := a.medians[n]; !ok {
				return nil, fmt.Errorf("%w: no median for %q", ErrSchemaViolation, n)
			}
		}
	default:
		return nil, fmt.Errorf("unknown default policy %q", policy)
	}
	return a, nil
}

func (a *Assembler) Schema() *Schema { return a.schema }

func (a *Assembler) Policy() Policy { return a.policy }

// Default is the substitution value for a failed probe feature.
func (a *Assembler) Default(n Name) float64 {
	if a.policy == PolicyMedian {
		if v, ok := a.medians[n]; ok {
			return v
		}
	}
	return Sentinel
}

// Assemble fills every schema slot in order. Lexical slots must be present in
// lexical; probe slots that are absent or not OK get the policy default.
// Extra entries in either input are ignored.
func (a *Assembler) Assemble(lexical Partial, probes map[Name]ProbeValue) (Vector, error) {
	vec := make(Vector, 0, a.schema.Len())

	for _, f := range a.schema.fields {
		switch f.Source {
		case SourceLexical:
			v, ok := lexical[f.Name]
			if !ok {
				return nil, fmt.Errorf("%w: lexical feature %q missing", ErrSchemaViolation, f.Name)
			}
			vec = append(vec, v)
		case SourceProbe:
			pv, ok := probes[f.Name]
			if ok && pv.OK {
				vec = append(vec, pv.Value)
			} else {
				vec = append(vec, a.Default(f.Name))
			}
		default:
			return nil, fmt.Errorf("%w: slot %q has unknown source %d", ErrSchemaViolation, f.Name, f.Source)
		}
	}

	if err := a.schema.Check(vec); err != nil {
		panic(err)
	}
	return vec, nil
}
