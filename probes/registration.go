package probes

import (
	"context"
	"fmt"
	"math"
	"time"

	"url-reputation-scorer/features"
)

// ActivationProbe reports how many days ago the domain was registered.
type ActivationProbe struct {
	source *WhoisSource
	now    func() time.Time
}

func NewActivationProbe(s *WhoisSource) *ActivationProbe {
	return &ActivationProbe{source: s, now: time.Now}
}

func (p *ActivationProbe) Feature() features.Name { return features.TimeDomainActivation }

func (p *ActivationProbe) Lookup(ctx context.Context, t Target) (float64, error) {
	invoked := p.now()
	rec, err := p.source.Lookup(ctx, t.Domain)
	if err != nil {
		return features.Sentinel, err
	}
	if rec.Created.IsZero() {
		return features.Sentinel, fmt.Errorf("%s creation date: %w", t.Domain, ErrNoRecord)
	}
	return clampDays(daysBetween(rec.Created, invoked)), nil
}

// ExpirationProbe reports how many days remain until the registration
// lapses. Lapsed registrations report 0.
type ExpirationProbe struct {
	source *WhoisSource
	now    func() time.Time
}

func NewExpirationProbe(s *WhoisSource) *ExpirationProbe {
	return &ExpirationProbe{source: s, now: time.Now}
}

func (p *ExpirationProbe) Feature() features.Name { return features.TimeDomainExpiration }

func (p *ExpirationProbe) Lookup(ctx context.Context, t Target) (float64, error) {
	invoked := p.now()
	rec, err := p.source.Lookup(ctx, t.Domain)
	if err != nil {
		return features.Sentinel, err
	}
	if rec.Expires.IsZero() {
		return features.Sentinel, fmt.Errorf("%s expiration date: %w", t.Domain, ErrNoRecord)
	}
	return clampDays(daysBetween(invoked, rec.Expires)), nil
}

// daysBetween counts whole days from a to b, flooring like a calendar
// difference does.
func daysBetween(a, b time.Time) float64 {
	return math.Floor(b.Sub(a).Hours() / 24)
}

// clampDays keeps successful values at 0 or above so they never collide with
// features.Sentinel. A lapsed registration or a creation date after now
// counts as 0 days.
func clampDays(d float64) float64 {
	return math.Max(0, d)
}
