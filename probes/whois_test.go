package probes

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"url-reputation-scorer/features"
)

const verisignAnswer = `   Domain Name: EXAMPLE.COM
   Registry Domain ID: 2336799_DOMAIN_COM-VRSN
   Registrar WHOIS Server: whois.iana.org
   Registrar URL: http://res-dom.iana.org
   Updated Date: 2024-08-14T07:01:34Z
   Creation Date: 1995-08-14T04:00:00Z
   Registry Expiry Date: 2025-08-13T04:00:00Z
   Registrar: RESERVED-Internet Assigned Numbers Authority
   Registrar IANA ID: 376
   Domain Status: clientDeleteProhibited https://icann.org/epp#clientDeleteProhibited
   Name Server: A.IANA-SERVERS.NET
   Name Server: B.IANA-SERVERS.NET
   DNSSEC: signedDelegation
>>> Last update of whois database: 2024-09-01T00:00:00Z <<<
`

const rdapAnswer = `{
  "objectClassName": "domain",
  "ldhName": "example.org",
  "events": [
    {"eventAction": "last changed", "eventDate": "2024-01-01T00:00:00Z"},
    {"eventAction": "registration", "eventDate": "2020-03-01T12:00:00Z"},
    {"eventAction": "expiration", "eventDate": "2026-03-01T12:00:00Z"}
  ]
}`

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1995-08-14T04:00:00Z", "1995-08-14"},
		{"2021-06-01 10:11:12", "2021-06-01"},
		{"14-Aug-1995", "1995-08-14"},
		{"2010.07.20", "2010-07-20"},
		{"2019-02-03T00:00:00Z, 2019-02-04T00:00:00Z", "2019-02-03"},
		{"2019-02-03\n2020-01-01", "2019-02-03"},
	}
	for _, tt := range tests {
		got, ok := parseDate(tt.in)
		if !ok {
			t.Errorf("parseDate(%q) failed", tt.in)
			continue
		}
		if got.Format("2006-01-02") != tt.want {
			t.Errorf("parseDate(%q) = %s, want %s", tt.in, got.Format("2006-01-02"), tt.want)
		}
	}
	for _, bad := range []string{"", "soon", "31/31/2020"} {
		if _, ok := parseDate(bad); ok {
			t.Errorf("parseDate(%q) succeeded", bad)
		}
	}
}

func TestParseWhois(t *testing.T) {
	rec, err := parseWhois("example.com", verisignAnswer)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Created.Format("2006-01-02") != "1995-08-14" {
		t.Errorf("Created = %v", rec.Created)
	}
	if rec.Expires.Format("2006-01-02") != "2025-08-13" {
		t.Errorf("Expires = %v", rec.Expires)
	}
}

func TestParseRDAP(t *testing.T) {
	rec, err := parseRDAP("example.org", []byte(rdapAnswer))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Created.Format("2006-01-02") != "2020-03-01" || rec.Expires.Format("2006-01-02") != "2026-03-01" {
		t.Errorf("got %+v", rec)
	}
	if _, err := parseRDAP("x", []byte(`{"events": []}`)); !errors.Is(err, ErrNoRecord) {
		t.Errorf("no events: err = %v", err)
	}
}

func TestWhoisSourceRDAPFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/domain/example.org" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/rdap+json")
		_, _ = w.Write([]byte(rdapAnswer))
	}))
	defer srv.Close()

	src := NewWhoisSource(&fakeWhois{err: errors.New("connection refused")}, srv.Client(), srv.URL, time.Second)
	rec, err := src.Lookup(context.Background(), "login.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Source != "rdap" || rec.Created.IsZero() || rec.Expires.IsZero() {
		t.Errorf("got %+v", rec)
	}
}

func TestWhoisSourceNoData(t *testing.T) {
	src := NewWhoisSource(&fakeWhois{err: errors.New("connection refused")}, nil, "", time.Second)
	if _, err := src.Lookup(context.Background(), "example.com"); err == nil {
		t.Fatal("expected error")
	}
}

func TestWhoisSourceCoalesces(t *testing.T) {
	w := &fakeWhois{
		answer:  verisignAnswer,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	src := NewWhoisSource(w, nil, "", 2*time.Second)

	errs := make(chan error, 2)
	lookup := func() {
		_, err := src.Lookup(context.Background(), "example.com")
		errs <- err
	}
	go lookup()
	<-w.started
	go lookup()
	time.Sleep(50 * time.Millisecond)
	close(w.release)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	if n := w.calls.Load(); n != 1 {
		t.Errorf("whois queried %d times, want 1", n)
	}
}

func TestRegistrationProbes(t *testing.T) {
	src := NewWhoisSource(&fakeWhois{answer: verisignAnswer}, nil, "", time.Second)
	now := func() time.Time { return time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC) }

	act := NewActivationProbe(src)
	act.now = now
	exp := NewExpirationProbe(src)
	exp.now = now

	target := Target{Host: "www.example.com", Domain: "example.com"}

	age, err := act.Lookup(context.Background(), target)
	if err != nil {
		t.Fatal(err)
	}
	want := daysBetween(time.Date(1995, 8, 14, 4, 0, 0, 0, time.UTC), now())
	if age != want {
		t.Errorf("activation = %v, want %v", age, want)
	}

	left, err := exp.Lookup(context.Background(), target)
	if err != nil {
		t.Fatal(err)
	}
	if left != 11 {
		t.Errorf("expiration = %v, want 11", left)
	}

	now2 := func() time.Time { return time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC) }
	exp.now = now2
	if left, err := exp.Lookup(context.Background(), target); err != nil || left != 0 {
		t.Errorf("lapsed registration = %v, %v; want 0", left, err)
	}
}

func TestRegistrationProbesStayOffSentinel(t *testing.T) {
	// verisignAnswer expires 2025-08-13T04:00:00Z and was created 1995-08-14T04:00:00Z.
	src := NewWhoisSource(&fakeWhois{answer: verisignAnswer}, nil, "", time.Second)
	target := Target{Host: "example.com", Domain: "example.com"}

	exp := NewExpirationProbe(src)
	exp.now = func() time.Time { return time.Date(2025, 8, 13, 20, 0, 0, 0, time.UTC) }
	res := Run(context.Background(), exp, target, time.Second)
	if !res.OK() || res.Value != 0 {
		t.Errorf("lapsed hours ago: %+v, want 0", res)
	}

	act := NewActivationProbe(src)
	act.now = func() time.Time { return time.Date(1995, 8, 13, 0, 0, 0, 0, time.UTC) }
	res = Run(context.Background(), act, target, time.Second)
	if !res.OK() || res.Value != 0 {
		t.Errorf("created in the future: %+v, want 0", res)
	}
}

func TestRegistrationProbeFailure(t *testing.T) {
	src := NewWhoisSource(&fakeWhois{err: errors.New("timeout")}, nil, "", time.Second)
	res := Run(context.Background(), NewActivationProbe(src), Target{Domain: "example.com"}, time.Second)
	if res.OK() || res.Value != features.Sentinel {
		t.Errorf("got %+v", res)
	}
}

func TestDaysBetween(t *testing.T) {
	a := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if d := daysBetween(a, a.Add(47*time.Hour)); d != 1 {
		t.Errorf("47h = %v days, want 1", d)
	}
	if d := daysBetween(a, a.Add(-time.Hour)); d != -1 {
		t.Errorf("-1h = %v days, want -1", d)
	}
}
