package probes

import (
	"context"

	"url-reputation-scorer/features"
)

// TTLProbe reports the time-to-live of the host's A record set.
type TTLProbe struct {
	resolver *Resolver
}

func NewTTLProbe(r *Resolver) *TTLProbe {
	return &TTLProbe{resolver: r}
}

func (p *TTLProbe) Feature() features.Name { return features.TTLHostname }

func (p *TTLProbe) Lookup(ctx context.Context, t Target) (float64, error) {
	_, ttl, err := p.resolver.LookupA(ctx, t.Host)
	if err != nil {
		return features.Sentinel, err
	}
	return float64(ttl), nil
}
