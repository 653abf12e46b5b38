package oracle

import (
	"testing"
	"time"
)

func TestMatchesVPNKeyword(t *testing.T) {
	tests := []struct {
		isp  string
		want bool
	}{
		{"", false},
		{"Comcast Cable Communications", false},
		{"NordVPN S.A.", true},
		{"DigitalOcean LLC", true},
		{"Hetzner Online GmbH", true},
		{"Amazon AWS", true},
		{"Some Cloud Hosting Ltd", true},
		{"Telmex", false},
	}
	for _, tt := range tests {
		if got := matchesVPNKeyword(tt.isp); got != tt.want {
			t.Errorf("matchesVPNKeyword(%q) = %v, want %v", tt.isp, got, tt.want)
		}
	}
}

func TestLookupAbuseScoreWithoutKey(t *testing.T) {
	c := NewClient("", time.Second)

	verdict, err := c.LookupAbuseScore(t.Context(), "203.0.113.1")
	if err != nil {
		t.Fatalf("LookupAbuseScore: %v", err)
	}
	if verdict != (GeoVerdict{}) {
		t.Errorf("verdict = %+v, want zero", verdict)
	}
}

func TestLookupsFailFastOnTimeout(t *testing.T) {
	c := NewClient("some-key", time.Nanosecond)
	ctx := t.Context()

	if _, err := c.LookupGeo(ctx, "203.0.113.1"); err == nil {
		t.Error("LookupGeo: expected a timeout error")
	}
	if _, err := c.LookupAbuseScore(ctx, "203.0.113.1"); err == nil {
		t.Error("LookupAbuseScore: expected a timeout error")
	}
	if _, err := c.LookupTor(ctx, "203.0.113.1"); err == nil {
		t.Error("LookupTor: expected a timeout error")
	}
}

func TestNewClientDefaultTimeout(t *testing.T) {
	c := NewClient("", 0)
	if c.httpClient.Timeout != defaultLookupTimeout {
		t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, defaultLookupTimeout)
	}
}
