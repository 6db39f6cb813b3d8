package probes

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const fallbackDNSServer = "8.8.8.8:53"

// Resolver sends plain DNS queries and keeps record TTLs, which the net
// package resolver discards.
type Resolver struct {
	udp     *dns.Client
	tcp     *dns.Client
	servers []string
}

// NewResolver queries servers in order. With no servers it uses the system
// resolv.conf and falls back to a public resolver.
func NewResolver(servers []string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if len(servers) == 0 {
		servers = systemServers()
	}
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		normalized = append(normalized, s)
	}
	if len(normalized) == 0 {
		normalized = []string{fallbackDNSServer}
	}

	return &Resolver{
		udp:     &dns.Client{Net: "udp", Timeout: timeout},
		tcp:     &dns.Client{Net: "tcp", Timeout: timeout},
		servers: normalized,
	}
}

func systemServers() []string {
	cc, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cc.Servers) == 0 {
		return []string{fallbackDNSServer}
	}
	out := make([]string, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		out = append(out, net.JoinHostPort(s, cc.Port))
	}
	return out
}

func (r *Resolver) Servers() []string { return r.servers }

// LookupA returns the A records of name and the TTL of the first one.
// CNAME chains in the answer are followed by the upstream resolver.
func (r *Resolver) LookupA(ctx context.Context, name string) ([]net.IP, uint32, error) {
	resp, err := r.exchange(ctx, name, dns.TypeA)
	if err != nil {
		return nil, 0, err
	}

	var (
		ips []net.IP
		ttl uint32
	)
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			if len(ips) == 0 {
				ttl = a.Hdr.Ttl
			}
			ips = append(ips, a.A)
		}
	}
	if len(ips) == 0 {
		return nil, 0, fmt.Errorf("%s A: %w", name, ErrNoRecord)
	}
	return ips, ttl, nil
}

// LookupTXT returns the TXT strings of name, each record's chunks joined.
func (r *Resolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	resp, err := r.exchange(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s TXT: %w", name, ErrNoRecord)
	}
	return out, nil
}

func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, _, err := r.udp.ExchangeContext(ctx, msg, server)
		if err == nil && resp != nil && resp.Truncated {
			resp, _, err = r.tcp.ExchangeContext(ctx, msg, server)
		}
		if err != nil {
			lastErr = err
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
			return resp, nil
		case dns.RcodeNameError:
			return nil, fmt.Errorf("%s %s: NXDOMAIN: %w", name, dns.TypeToString[qtype], ErrNoRecord)
		default:
			lastErr = fmt.Errorf("%s %s: rcode %s from %s", name, dns.TypeToString[qtype], dns.RcodeToString[resp.Rcode], server)
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no dns servers configured")
	}
	return nil, lastErr
}
