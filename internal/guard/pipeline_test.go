package guard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bodegaops/gatekeeper/internal/testutil"
)

type stubGuard struct {
	name    string
	verdict Verdict
	err     error
	calls   int
}

func (g *stubGuard) Name() string { return g.name }

func (g *stubGuard) Check(ctx context.Context, req *RequestInfo) (Verdict, error) {
	g.calls++
	return g.verdict, g.err
}

func serve(t *testing.T, p *Pipeline, r *http.Request) (*httptest.ResponseRecorder, *int) {
	t.Helper()

	downstream := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downstream++
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	p.Middleware(next).ServeHTTP(rec, r)
	return rec, &downstream
}

func TestPipeline_FirstDenyTerminates(t *testing.T) {
	allow := &stubGuard{name: "a", verdict: Allow()}
	deny := &stubGuard{name: "b", verdict: Deny(http.StatusForbidden, map[string]any{"error": "no"})}
	after := &stubGuard{name: "c", verdict: Allow()}

	p := NewPipeline(nil, nil, testutil.TestLoggerSilent())
	p.Use(allow, FailOpen)
	p.Use(deny, FailOpen)
	p.Use(after, FailOpen)

	r := httptest.NewRequest("GET", "/x", nil)
	r.RemoteAddr = "203.0.113.9:1234"
	rec, downstream := serve(t, p, r)

	if rec.Code != http.StatusForbidden {
		t.Errorf("got status %d, want 403", rec.Code)
	}
	if after.calls != 0 {
		t.Error("guard after the denial should not run")
	}
	if *downstream != 0 {
		t.Error("downstream handler should not run on deny")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("got content type %q", ct)
	}
}

func TestPipeline_AllAllowReachesDownstream(t *testing.T) {
	p := NewPipeline(nil, nil, testutil.TestLoggerSilent())
	p.Use(&stubGuard{name: "a", verdict: Allow()}, FailOpen)

	r := httptest.NewRequest("GET", "/x", nil)
	r.RemoteAddr = "203.0.113.9:1234"
	rec, downstream := serve(t, p, r)

	if rec.Code != http.StatusNoContent || *downstream != 1 {
		t.Errorf("request should pass through (status=%d downstream=%d)", rec.Code, *downstream)
	}
}

func TestPipeline_FailurePolicies(t *testing.T) {
	t.Run("fail-open continues", func(t *testing.T) {
		broken := &stubGuard{name: "broken", err: errors.New("boom")}
		p := NewPipeline(nil, nil, testutil.TestLoggerSilent())
		p.Use(broken, FailOpen)

		r := httptest.NewRequest("GET", "/x", nil)
		r.RemoteAddr = "203.0.113.9:1234"
		rec, downstream := serve(t, p, r)

		if rec.Code != http.StatusNoContent || *downstream != 1 {
			t.Errorf("fail-open guard error should not block (status=%d)", rec.Code)
		}
	})

	t.Run("propagate denies", func(t *testing.T) {
		broken := &stubGuard{name: "broken", err: errors.New("boom")}
		p := NewPipeline(nil, nil, testutil.TestLoggerSilent())
		p.Use(broken, Propagate)

		r := httptest.NewRequest("GET", "/x", nil)
		r.RemoteAddr = "203.0.113.9:1234"
		rec, downstream := serve(t, p, r)

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("got status %d, want 503", rec.Code)
		}
		if *downstream != 0 {
			t.Error("propagated guard error should terminate the request")
		}
	})
}

func TestPipeline_WhitelistBypassesGuards(t *testing.T) {
	deny := &stubGuard{name: "deny", verdict: Deny(http.StatusForbidden, nil)}
	p := NewPipeline([]string{"203.0.113.9"}, nil, testutil.TestLoggerSilent())
	p.Use(deny, FailOpen)

	r := httptest.NewRequest("GET", "/x", nil)
	r.RemoteAddr = "203.0.113.9:1234"
	rec, downstream := serve(t, p, r)

	if rec.Code != http.StatusNoContent || *downstream != 1 {
		t.Errorf("whitelisted IP should bypass guards (status=%d)", rec.Code)
	}
	if deny.calls != 0 {
		t.Error("guards should not run for whitelisted IPs")
	}
}

func TestParseRequest(t *testing.T) {
	t.Run("json body fields", func(t *testing.T) {
		body := `{"name":"ok","website":"http://spam.biz","count":3,"nested":{"x":1}}`
		r := httptest.NewRequest("POST", "/submit", strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
		r.RemoteAddr = "203.0.113.9:1234"

		info := ParseRequest(r, "fp")
		if info.IP != "203.0.113.9" {
			t.Errorf("got IP %q", info.IP)
		}
		if info.BodyFields["website"] != "http://spam.biz" {
			t.Errorf("got fields %+v", info.BodyFields)
		}
		if info.BodyFields["count"] != "3" {
			t.Errorf("numeric field should keep its literal: %+v", info.BodyFields)
		}
		if _, ok := info.BodyFields["nested"]; ok {
			t.Error("nested objects should be skipped")
		}

		// Body must be replayable for downstream handlers.
		buf := make([]byte, len(body))
		n, _ := r.Body.Read(buf)
		if string(buf[:n]) != body {
			t.Error("body not restored after peek")
		}
	})

	t.Run("form body fields", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/submit", strings.NewReader("a=1&website=spam"))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		r.RemoteAddr = "203.0.113.9:1234"

		info := ParseRequest(r, "")
		if info.BodyFields["website"] != "spam" {
			t.Errorf("got fields %+v", info.BodyFields)
		}
	})

	t.Run("GET has no body fields", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/x", nil)
		r.RemoteAddr = "203.0.113.9:1234"
		if info := ParseRequest(r, ""); info.BodyFields != nil {
			t.Errorf("got fields %+v", info.BodyFields)
		}
	})
}
