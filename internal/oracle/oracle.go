// Package oracle wraps the external IP intelligence services the gateway
// consults: ip-api.com for country/ISP/proxy signals, AbuseIPDB for abuse
// scores, and the Tor project's exit list. All lookups are best-effort:
// a timeout or non-200 answer yields the zero verdict, never an error the
// pipeline would act on.
package oracle

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	ipAPIURL             = "http://ip-api.com/json/%s?fields=status,countryCode,country,isp,proxy,hosting"
	abuseIPDBURL         = "https://api.abuseipdb.com/api/v2/check?ipAddress=%s&maxAgeInDays=90"
	torExitURL           = "https://check.torproject.org/cgi-bin/TorBulkExitList.py?ip=%s"
	defaultLookupTimeout = 3 * time.Second
)

// ISP substrings that mark an address as hosted/VPN infrastructure.
var vpnKeywords = []string{
	"vpn", "proxy", "hosting", "datacenter", "server", "cloud",
	"nordvpn", "expressvpn", "surfshark", "cyberghost",
	"private internet access", "tunnelbear", "windscribe", "protonvpn",
	"purevpn", "ipvanish", "hidemyass",
	"digitalocean", "aws", "azure", "google cloud", "vultr",
	"linode", "hetzner", "ovh", "contabo", "scaleway",
}

// GeoVerdict is the outcome of an IP intelligence lookup for one address.
// The zero value is the fail-open verdict: unknown country, zero score,
// nothing flagged.
type GeoVerdict struct {
	Country     string `json:"country,omitempty"`     // ISO 3166-1 alpha-2
	CountryName string `json:"countryName,omitempty"`
	ISP         string `json:"isp,omitempty"`
	Score       int    `json:"score,omitempty"` // AbuseIPDB confidence 0..100
	UsageType   string `json:"usageType,omitempty"`
	VPN         bool   `json:"vpn,omitempty"`
	Proxy       bool   `json:"proxy,omitempty"`
	Tor         bool   `json:"tor,omitempty"`
}

// Client performs the outbound lookups with a bounded timeout.
type Client struct {
	httpClient   *http.Client
	abuseIPDBKey string
}

// NewClient creates an oracle client. timeout bounds each individual
// lookup; zero uses the default. An empty AbuseIPDB key disables abuse
// score lookups (score stays 0).
func NewClient(abuseIPDBKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		abuseIPDBKey: abuseIPDBKey,
	}
}

type ipAPIResponse struct {
	Status      string `json:"status"`
	CountryCode string `json:"countryCode"`
	Country     string `json:"country"`
	ISP         string `json:"isp"`
	Proxy       bool   `json:"proxy"`
	Hosting     bool   `json:"hosting"`
}

// LookupGeo resolves country and VPN/proxy signals for an IP via
// ip-api.com. Any failure returns the zero verdict and the error for
// logging only; callers must treat it as "no signal".
func (c *Client) LookupGeo(ctx context.Context, ip string) (GeoVerdict, error) {
	var verdict GeoVerdict

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(ipAPIURL, ip), nil)
	if err != nil {
		return verdict, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return verdict, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return verdict, fmt.Errorf("ip-api status %d", resp.StatusCode)
	}

	var data ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return verdict, err
	}
	if data.Status != "success" {
		return verdict, fmt.Errorf("ip-api lookup failed for %s", ip)
	}

	verdict.Country = strings.ToUpper(data.CountryCode)
	verdict.CountryName = data.Country
	verdict.ISP = data.ISP
	verdict.Proxy = data.Proxy
	verdict.VPN = data.Hosting || matchesVPNKeyword(data.ISP)

	return verdict, nil
}

type abuseIPDBResponse struct {
	Data struct {
		AbuseConfidenceScore int    `json:"abuseConfidenceScore"`
		UsageType            string `json:"usageType"`
		ISP                  string `json:"isp"`
		CountryCode          string `json:"countryCode"`
	} `json:"data"`
}

// LookupAbuseScore resolves the AbuseIPDB confidence score for an IP.
// Without an API key it reports 0 immediately.
func (c *Client) LookupAbuseScore(ctx context.Context, ip string) (GeoVerdict, error) {
	var verdict GeoVerdict
	if c.abuseIPDBKey == "" {
		return verdict, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(abuseIPDBURL, ip), nil)
	if err != nil {
		return verdict, err
	}
	req.Header.Set("Key", c.abuseIPDBKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return verdict, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return verdict, fmt.Errorf("abuseipdb status %d", resp.StatusCode)
	}

	var data abuseIPDBResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return verdict, err
	}

	verdict.Score = data.Data.AbuseConfidenceScore
	verdict.UsageType = data.Data.UsageType
	verdict.ISP = data.Data.ISP
	verdict.Country = strings.ToUpper(data.Data.CountryCode)

	return verdict, nil
}

// LookupTor reports whether the IP is a known Tor exit node.
func (c *Client) LookupTor(ctx context.Context, ip string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(torExitURL, ip), nil)
	if err != nil {
		return false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("tor exit list status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == ip {
			return true, nil
		}
	}
	return false, scanner.Err()
}

func matchesVPNKeyword(isp string) bool {
	if isp == "" {
		return false
	}
	lower := strings.ToLower(isp)
	for _, kw := range vpnKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
