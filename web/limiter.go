package web

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type clientState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a per-client token bucket keyed by remote IP.
type Limiter struct {
	mu         sync.Mutex
	clients    map[string]*clientState
	rps        rate.Limit
	burst      int
	expiration time.Duration
	enabled    bool
	now        func() time.Time
}

// NewLimiter returns a limiter allowing rps sustained requests per client
// with the given burst. A disabled limiter allows everything.
func NewLimiter(enabled bool, rps float64, burst int, expiration time.Duration) *Limiter {
	if expiration <= 0 {
		expiration = 10 * time.Minute
	}
	return &Limiter{
		clients:    make(map[string]*clientState),
		rps:        rate.Limit(rps),
		burst:      burst,
		expiration: expiration,
		enabled:    enabled,
		now:        time.Now,
	}
}

// Allow consumes one token for client.
func (l *Limiter) Allow(client string) bool {
	if l == nil || !l.enabled {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st, ok := l.clients[client]
	if !ok {
		st = &clientState{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[client] = st
	}
	st.lastSeen = now
	return st.limiter.AllowN(now, 1)
}

// StartCleanup removes idle clients until ctx is done.
func (l *Limiter) StartCleanup(ctx context.Context) {
	if l == nil || !l.enabled {
		return
	}
	ticker := time.NewTicker(l.expiration / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for ip, st := range l.clients {
		if now.Sub(st.lastSeen) > l.expiration {
			delete(l.clients, ip)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Str("component", "web").Int("removed", removed).Msg("idle client limiters cleaned up")
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
