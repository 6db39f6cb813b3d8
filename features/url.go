package features

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// ErrInvalidURL is wrapped by every ParseError.
var ErrInvalidURL = errors.New("invalid url")

// ParseError reports a URL that cannot be scanned.
type ParseError struct {
	Input  string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid url %q: %s: %v", e.Input, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid url %q: %s", e.Input, e.Reason)
}

func (e *ParseError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidURL, e.Err}
	}
	return []error{ErrInvalidURL}
}

// URL is a candidate URL split into the segments the analyzers work on.
// Path and Query are sliced from the normalized input as written: neither
// percent-decoded nor re-escaped.
type URL struct {
	Raw        string
	Normalized string
	Scheme     string
	Host       string
	Path       string
	Query      string
	// Domain is the lookup domain shared by the WHOIS and ASN probes.
	Domain string
}

// schemePrefix matches a scheme only at the start, so a URL carried in the
// query of a schemeless input does not count.
var schemePrefix = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*://`)

// NormalizeURL trims the input and prefixes http:// when no scheme is given.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !schemePrefix.MatchString(raw) {
		raw = "http://" + raw
	}
	return raw
}

// ParseURL normalizes and validates raw. Only http and https URLs with a host
// are accepted.
func ParseURL(raw string) (URL, error) {
	normalized := NormalizeURL(raw)
	if normalized == "" {
		return URL{}, &ParseError{Input: raw, Reason: "empty input"}
	}

	u, err := url.Parse(normalized)
	if err != nil {
		return URL{}, &ParseError{Input: raw, Reason: "malformed", Err: err}
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return URL{}, &ParseError{Input: raw, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}

	host := u.Hostname()
	if host == "" {
		return URL{}, &ParseError{Input: raw, Reason: "missing host"}
	}
	if strings.ContainsAny(host, " \t/\\") {
		return URL{}, &ParseError{Input: raw, Reason: "invalid host"}
	}

	return URL{
		Raw:        raw,
		Normalized: normalized,
		Scheme:     scheme,
		Host:       strings.ToLower(strings.TrimSuffix(host, ".")),
		Path:       rawPath(normalized),
		Query:      u.RawQuery,
		Domain:     DeriveDomain(host),
	}, nil
}

// rawPath returns the path of a normalized URL exactly as typed: everything
// after the authority up to the first '?' or '#'.
func rawPath(normalized string) string {
	rest := normalized
	if loc := schemePrefix.FindStringIndex(rest); loc != nil {
		rest = rest[loc[1]:]
	}
	i := strings.IndexAny(rest, "/?#")
	if i < 0 || rest[i] != '/' {
		return ""
	}
	rest = rest[i:]
	if j := strings.IndexAny(rest, "?#"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

// DeriveDomain lowercases host, drops a trailing dot and a leading "www."
// label, and converts internationalized names to their ASCII form.
func DeriveDomain(host string) string {
	d := strings.ToLower(strings.TrimSpace(host))
	d = strings.TrimSuffix(d, ".")

	if rest, ok := strings.CutPrefix(d, "www."); ok && strings.Contains(rest, ".") {
		d = rest
	}

	if net.ParseIP(d) != nil {
		return d
	}
	if ascii, err := idna.Lookup.ToASCII(d); err == nil && ascii != "" {
		d = ascii
	}
	return d
}

// RegistrableDomain returns the eTLD+1 of domain, or domain itself when it
// has no registrable parent (IP literals, bare suffixes).
func RegistrableDomain(domain string) string {
	if net.ParseIP(domain) != nil {
		return domain
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil || etld1 == "" {
		return domain
	}
	return strings.ToLower(etld1)
}
