package probes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	whois "github.com/likexian/whois"
	parser "github.com/likexian/whois-parser"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"url-reputation-scorer/features"
)

const DefaultRDAPBaseURL = "https://rdap.org"

// WhoisQuerier is satisfied by *whois.Client.
type WhoisQuerier interface {
	Whois(query string, servers ...string) (string, error)
}

// NewWhoisClient returns a likexian whois client bounded by timeout.
func NewWhoisClient(timeout time.Duration) *whois.Client {
	c := whois.NewClient()
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return c
}

// queryWhois runs a blocking whois query and gives up when ctx is done.
func queryWhois(ctx context.Context, c WhoisQuerier, query string, servers ...string) (string, error) {
	type answer struct {
		raw string
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		raw, err := c.Whois(query, servers...)
		ch <- answer{raw, err}
	}()
	select {
	case a := <-ch:
		return a.raw, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// DomainRecord holds the registration dates of a domain. Zero times mean the
// registry did not report the field.
type DomainRecord struct {
	Domain  string
	Created time.Time
	Expires time.Time
	Source  string
}

// WhoisSource looks up domain registration dates over WHOIS with an RDAP
// fallback. Concurrent lookups of the same domain share one round-trip, so
// the activation and expiration probes of a scan cost a single query.
type WhoisSource struct {
	client   WhoisQuerier
	http     *http.Client
	rdapBase string
	timeout  time.Duration
	group    singleflight.Group
}

// NewWhoisSource builds a source. An empty rdapBase disables the RDAP
// fallback; timeout bounds one complete lookup including fallbacks.
func NewWhoisSource(client WhoisQuerier, httpClient *http.Client, rdapBase string, timeout time.Duration) *WhoisSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 6 * time.Second}
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &WhoisSource{
		client:   client,
		http:     httpClient,
		rdapBase: strings.TrimSuffix(rdapBase, "/"),
		timeout:  timeout,
	}
}

// Lookup returns the registration record of domain. The shared lookup runs
// under the source's own timeout so one caller giving up does not fail the
// others waiting on it.
func (s *WhoisSource) Lookup(ctx context.Context, domain string) (DomainRecord, error) {
	ch := s.group.DoChan(domain, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		return s.lookup(lctx, domain)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return DomainRecord{}, res.Err
		}
		return res.Val.(DomainRecord), nil
	case <-ctx.Done():
		return DomainRecord{}, ctx.Err()
	}
}

func (s *WhoisSource) lookup(ctx context.Context, domain string) (DomainRecord, error) {
	rec, whoisErr := s.fromWhois(ctx, domain)

	// Subdomains usually have no WHOIS record of their own.
	if rec.Created.IsZero() && rec.Expires.IsZero() {
		if parent := features.RegistrableDomain(domain); parent != domain {
			log.Debug().Str("component", "whois").Str("domain", domain).Str("parent", parent).Msg("retrying with registrable domain")
			if prec, err := s.fromWhois(ctx, parent); err == nil || !prec.Created.IsZero() || !prec.Expires.IsZero() {
				rec, whoisErr = prec, err
			}
		}
	}

	if (rec.Created.IsZero() || rec.Expires.IsZero()) && s.rdapBase != "" {
		rdap, err := s.fromRDAP(ctx, features.RegistrableDomain(domain))
		if err != nil {
			log.Debug().Str("component", "whois").Str("domain", domain).Err(err).Msg("rdap fallback failed")
		} else {
			if rec.Created.IsZero() {
				rec.Created = rdap.Created
			}
			if rec.Expires.IsZero() {
				rec.Expires = rdap.Expires
			}
			if rec.Source == "" {
				rec.Source = rdap.Source
			} else {
				rec.Source += "+rdap"
			}
		}
	}

	if rec.Created.IsZero() && rec.Expires.IsZero() {
		if whoisErr != nil {
			return DomainRecord{}, whoisErr
		}
		return DomainRecord{}, fmt.Errorf("%s registration dates: %w", domain, ErrNoRecord)
	}
	rec.Domain = domain
	return rec, nil
}

func (s *WhoisSource) fromWhois(ctx context.Context, domain string) (DomainRecord, error) {
	if s.client == nil {
		return DomainRecord{}, errors.New("whois client not configured")
	}
	raw, err := queryWhois(ctx, s.client, domain)
	if err != nil {
		return DomainRecord{}, fmt.Errorf("whois %s: %w", domain, err)
	}
	return parseWhois(domain, raw)
}

func parseWhois(domain, raw string) (DomainRecord, error) {
	info, err := parser.Parse(raw)
	if err != nil {
		if errors.Is(err, parser.ErrNotFoundDomain) {
			return DomainRecord{}, fmt.Errorf("whois %s: %w", domain, ErrNoRecord)
		}
		return DomainRecord{}, fmt.Errorf("whois %s: %w", domain, err)
	}
	if info.Domain == nil {
		return DomainRecord{}, fmt.Errorf("whois %s: no domain section: %w", domain, ErrNoRecord)
	}

	rec := DomainRecord{Domain: domain, Source: "whois"}
	rec.Created, _ = parseDate(info.Domain.CreatedDate)
	rec.Expires, _ = parseDate(info.Domain.ExpirationDate)
	return rec, nil
}

func (s *WhoisSource) fromRDAP(ctx context.Context, domain string) (DomainRecord, error) {
	url := s.rdapBase + "/domain/" + domain
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return DomainRecord{}, err
	}
	req.Header.Set("Accept", "application/rdap+json, application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return DomainRecord{}, fmt.Errorf("rdap %s: %w", domain, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return DomainRecord{}, fmt.Errorf("rdap %s: %w", domain, ErrNoRecord)
	}
	if resp.StatusCode != http.StatusOK {
		return DomainRecord{}, fmt.Errorf("rdap %s: %s", domain, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return DomainRecord{}, fmt.Errorf("rdap %s: %w", domain, err)
	}
	return parseRDAP(domain, body)
}

func parseRDAP(domain string, body []byte) (DomainRecord, error) {
	if !gjson.ValidBytes(body) {
		return DomainRecord{}, fmt.Errorf("rdap %s: invalid json", domain)
	}
	rec := DomainRecord{Domain: domain, Source: "rdap"}
	rec.Created, _ = parseDate(gjson.GetBytes(body, `events.#(eventAction=="registration").eventDate`).String())
	rec.Expires, _ = parseDate(gjson.GetBytes(body, `events.#(eventAction=="expiration").eventDate`).String())
	if rec.Created.IsZero() && rec.Expires.IsZero() {
		return DomainRecord{}, fmt.Errorf("rdap %s: no registration events: %w", domain, ErrNoRecord)
	}
	return rec, nil
}

var dateLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05-07",
	"2006-01-02",
	"02-Jan-2006",
	"02-Jan-2006 15:04:05 MST",
	"2006.01.02",
	"2006.01.02 15:04:05",
	"2006/01/02",
	"02.01.2006",
	"02/01/2006",
	"January 2 2006",
	"Mon Jan 2 15:04:05 MST 2006",
}

// parseDate parses a registry date. When the field lists several dates the
// first one is used.
func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if first, _, ok := strings.Cut(s, "\n"); ok {
		s = strings.TrimSpace(first)
	}
	if first, _, ok := strings.Cut(s, ","); ok && len(strings.TrimSpace(first)) >= 8 {
		s = strings.TrimSpace(first)
	}

	for _, l := range dateLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
