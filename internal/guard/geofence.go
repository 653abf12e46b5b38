package guard

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bodegaops/gatekeeper/internal/cache"
	"github.com/bodegaops/gatekeeper/internal/events"
	"github.com/bodegaops/gatekeeper/internal/geoip"
	"github.com/bodegaops/gatekeeper/internal/model"
	"github.com/bodegaops/gatekeeper/internal/oracle"
)

// GeofenceConfig holds the country policy. Countries are ISO 3166-1
// alpha-2 codes. With neither list configured the guard is inert.
type GeofenceConfig struct {
	// AllowedCountries only denies under Strict; without it the list is
	// advisory and only BlockedCountries deny.
	AllowedCountries []string
	BlockedCountries []string
	Strict           bool
}

// GeofenceGuard denies requests by origin country. The local MaxMind
// database is the first-choice resolver; the remote oracle is the
// fallback, cached for 30 minutes by the injected cache. Private
// addresses and unresolvable countries always pass.
type GeofenceGuard struct {
	cfg     GeofenceConfig
	allowed map[string]bool
	blocked map[string]bool
	geo     *geoip.Lookup
	oracle  *oracle.Client
	cache   *cache.TypedCache[string]
	events  *events.Service
	logger  *slog.Logger
}

// NewGeofenceGuard creates the geofence guard. geo may be nil when no
// local database is configured; countries may be nil to run uncached.
func NewGeofenceGuard(cfg GeofenceConfig, geo *geoip.Lookup, oc *oracle.Client, countries *cache.TypedCache[string], ev *events.Service, logger *slog.Logger) *GeofenceGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeofenceGuard{
		cfg:     cfg,
		allowed: countrySet(cfg.AllowedCountries),
		blocked: countrySet(cfg.BlockedCountries),
		geo:     geo,
		oracle:  oc,
		cache:   countries,
		events:  ev,
		logger:  logger,
	}
}

func countrySet(codes []string) map[string]bool {
	set := make(map[string]bool, len(codes))
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" {
			set[c] = true
		}
	}
	return set
}

func (g *GeofenceGuard) Name() string { return "geofence" }

func (g *GeofenceGuard) enabled() bool {
	return len(g.blocked) > 0 || (g.cfg.Strict && len(g.allowed) > 0)
}

func (g *GeofenceGuard) Check(ctx context.Context, req *RequestInfo) (Verdict, error) {
	if !g.enabled() || geoip.IsPrivateAddr(req.IP) {
		return Allow(), nil
	}

	country := g.resolveCountry(ctx, req.IP)
	if country == "" || country == geoip.LocalCountry {
		return Allow(), nil
	}

	if g.blocked[country] {
		return g.deny(ctx, req, country, "deny-list"), nil
	}
	if g.cfg.Strict && len(g.allowed) > 0 && !g.allowed[country] {
		return g.deny(ctx, req, country, "not on allow-list"), nil
	}

	return Allow(), nil
}

func (g *GeofenceGuard) resolveCountry(ctx context.Context, ip string) string {
	if g.geo != nil && g.geo.Enabled() {
		if country := g.geo.Country(ip); country != "" {
			return country
		}
	}

	if g.cache == nil {
		v, err := g.oracle.LookupGeo(ctx, ip)
		if err != nil {
			g.logger.Warn("country lookup failed, allowing", "ip", ip, "error", err)
			return ""
		}
		return v.Country
	}

	country, err := g.cache.GetOrSet(ctx, "country:"+ip, func() (*string, error) {
		v, err := g.oracle.LookupGeo(ctx, ip)
		if err != nil {
			return nil, err
		}
		return &v.Country, nil
	})
	if err != nil {
		g.logger.Warn("country lookup failed, allowing", "ip", ip, "error", err)
		return ""
	}
	return *country
}

func (g *GeofenceGuard) deny(ctx context.Context, req *RequestInfo, country, rule string) Verdict {
	g.events.Log(ctx, req.IP, model.EventGeofenceBlocked, map[string]any{
		"country": country,
		"rule":    rule,
		"path":    req.Path,
	}, nil)
	return Deny(http.StatusForbidden, deniedPayload)
}
