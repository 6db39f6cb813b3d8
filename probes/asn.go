package probes

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/yl2chen/cidranger"

	"url-reputation-scorer/features"
)

const (
	DefaultCymruZone  = "origin.asn.cymru.com"
	DefaultCymruZone6 = "origin6.asn.cymru.com"
	DefaultCymruWhois = "whois.cymru.com"
)

// bogonRanges are never announced on the public internet, so a registry
// lookup for them is pointless.
var bogonRanges = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::/128",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
	"2001:db8::/32",
}

func newBogonRanger() cidranger.Ranger {
	ranger := cidranger.NewPCTrieRanger()
	for _, cidr := range bogonRanges {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		_ = ranger.Insert(cidranger.NewBasicRangerEntry(*network))
	}
	return ranger
}

// ASNProbe resolves the domain and maps its first address to the
// originating autonomous system using Team Cymru's IP-to-ASN service: the
// DNS interface first, the WHOIS interface as fallback.
type ASNProbe struct {
	resolver  *Resolver
	whois     WhoisQuerier
	bogons    cidranger.Ranger
	zone      string
	zone6     string
	whoisHost string
}

func NewASNProbe(r *Resolver, w WhoisQuerier) *ASNProbe {
	return &ASNProbe{
		resolver:  r,
		whois:     w,
		bogons:    newBogonRanger(),
		zone:      DefaultCymruZone,
		zone6:     DefaultCymruZone6,
		whoisHost: DefaultCymruWhois,
	}
}

// WithZones overrides the Cymru DNS zones and WHOIS host.
func (p *ASNProbe) WithZones(zone, zone6, whoisHost string) *ASNProbe {
	if zone != "" {
		p.zone = zone
	}
	if zone6 != "" {
		p.zone6 = zone6
	}
	if whoisHost != "" {
		p.whoisHost = whoisHost
	}
	return p
}

func (p *ASNProbe) Feature() features.Name { return features.ASNIP }

func (p *ASNProbe) Lookup(ctx context.Context, t Target) (float64, error) {
	ips, _, err := p.resolver.LookupA(ctx, t.Domain)
	if err != nil {
		return features.Sentinel, err
	}
	ip := pickIP(ips)

	if bogon, _ := p.bogons.Contains(ip); bogon {
		return features.Sentinel, fmt.Errorf("%s resolves to %s: %w", t.Domain, ip, ErrBogon)
	}

	asn, err := p.viaDNS(ctx, ip)
	if err == nil {
		return float64(asn), nil
	}
	log.Debug().Str("component", "asn").Str("ip", ip.String()).Err(err).Msg("cymru dns lookup failed, trying whois")

	if p.whois == nil {
		return features.Sentinel, err
	}
	asn, err = p.viaWhois(ctx, ip)
	if err != nil {
		return features.Sentinel, err
	}
	return float64(asn), nil
}

func pickIP(ips []net.IP) net.IP {
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4
		}
	}
	return ips[0]
}

func (p *ASNProbe) viaDNS(ctx context.Context, ip net.IP) (int, error) {
	name := cymruQueryName(ip, p.zone, p.zone6)
	txts, err := p.resolver.LookupTXT(ctx, name)
	if err != nil {
		return 0, err
	}
	return parseCymruTXT(txts[0])
}

func (p *ASNProbe) viaWhois(ctx context.Context, ip net.IP) (int, error) {
	raw, err := queryWhois(ctx, p.whois, ip.String(), p.whoisHost)
	if err != nil {
		return 0, err
	}
	return parseCymruWhois(raw)
}

// cymruQueryName builds the reversed-address query name: 1.2.3.4 becomes
// 4.3.2.1.<zone>, IPv6 addresses are reversed nibble by nibble.
func cymruQueryName(ip net.IP, zone, zone6 string) string {
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.%d.%s", v4[3], v4[2], v4[1], v4[0], zone)
	}
	v6 := ip.To16()
	var b strings.Builder
	const hexDigits = "0123456789abcdef"
	for i := len(v6) - 1; i >= 0; i-- {
		b.WriteByte(hexDigits[v6[i]&0x0f])
		b.WriteByte('.')
		b.WriteByte(hexDigits[v6[i]>>4])
		b.WriteByte('.')
	}
	b.WriteString(zone6)
	return b.String()
}

// parseCymruTXT reads "15169 | 8.8.8.0/24 | US | arin | 2014-03-14". When a
// prefix is announced by several origins the first one is used.
func parseCymruTXT(txt string) (int, error) {
	first, _, _ := strings.Cut(txt, "|")
	fields := strings.Fields(first)
	if len(fields) == 0 {
		return 0, fmt.Errorf("cymru txt %q: %w", txt, ErrNoRecord)
	}
	return parseASN(fields[0])
}

// parseCymruWhois reads the verbose-less table answer:
//
//	AS      | IP               | AS Name
//	15169   | 8.8.8.8          | GOOGLE, US
func parseCymruWhois(raw string) (int, error) {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "AS ") || strings.HasPrefix(line, "Bulk mode") {
			continue
		}
		first, _, ok := strings.Cut(line, "|")
		if !ok {
			continue
		}
		return parseASN(strings.TrimSpace(first))
	}
	return 0, fmt.Errorf("cymru whois: %w", ErrNoRecord)
}

func parseASN(s string) (int, error) {
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "AS")
	if s == "" || s == "NA" {
		return 0, fmt.Errorf("asn %q: %w", s, ErrNoRecord)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("asn %q: %w", s, ErrNoRecord)
	}
	return n, nil
}
