package guard

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bodegaops/gatekeeper/internal/blocklist"
	"github.com/bodegaops/gatekeeper/internal/cache"
	"github.com/bodegaops/gatekeeper/internal/events"
	"github.com/bodegaops/gatekeeper/internal/geoip"
	"github.com/bodegaops/gatekeeper/internal/model"
	"github.com/bodegaops/gatekeeper/internal/oracle"
)

// Abuse score policy. Scores come from AbuseIPDB (0..100): below
// scoreFlag is clean, [scoreFlag, scoreBlock) is logged, scoreBlock and
// up escalates into a durable block.
const (
	scoreFlag  = 25
	scoreBlock = 75

	reputationBlockDuration = 7 * 24 * time.Hour
	vpnBlockDuration        = 24 * time.Hour
	proxyBlockDuration      = time.Hour
)

// ReputationConfig selects which reputation signals deny requests.
type ReputationConfig struct {
	ScoreEnabled bool
	BlockVPN     bool
	BlockProxy   bool
	BlockTor     bool
}

// Enabled reports whether any signal is in use.
func (c ReputationConfig) Enabled() bool {
	return c.ScoreEnabled || c.BlockVPN || c.BlockProxy || c.BlockTor
}

// ReputationGuard gates requests on external IP intelligence. Every
// oracle failure resolves to allow; a high abuse score escalates the
// transient signal into a 7-day blocklist entry.
type ReputationGuard struct {
	cfg      ReputationConfig
	oracle   *oracle.Client
	cache    *cache.TypedCache[oracle.GeoVerdict]
	blocks   *blocklist.Store
	events   *events.Service
	notifier Notifier
	logger   *slog.Logger
}

// NewReputationGuard creates the reputation guard. verdicts caches
// oracle results (24h TTL configured by the caller); notifier may be nil.
func NewReputationGuard(cfg ReputationConfig, oc *oracle.Client, verdicts *cache.TypedCache[oracle.GeoVerdict], blocks *blocklist.Store, ev *events.Service, notifier Notifier, logger *slog.Logger) *ReputationGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReputationGuard{
		cfg:      cfg,
		oracle:   oc,
		cache:    verdicts,
		blocks:   blocks,
		events:   ev,
		notifier: notifier,
		logger:   logger,
	}
}

func (g *ReputationGuard) Name() string { return "reputation" }

func (g *ReputationGuard) Check(ctx context.Context, req *RequestInfo) (Verdict, error) {
	if !g.cfg.Enabled() || geoip.IsPrivateAddr(req.IP) {
		return Allow(), nil
	}

	verdict, err := g.cache.GetOrSet(ctx, "reputation:"+req.IP, func() (*oracle.GeoVerdict, error) {
		return g.lookup(ctx, req.IP)
	})
	if err != nil {
		// Oracle trouble is not a guard failure; no signal means allow.
		g.logger.Warn("reputation lookup failed, allowing",
			"ip", req.IP, "error", err)
		return Allow(), nil
	}

	if g.cfg.ScoreEnabled && verdict.Score >= scoreBlock {
		return g.escalate(ctx, req, model.EventReputationBlocked,
			fmt.Sprintf("Abuse score %d", verdict.Score),
			reputationBlockDuration, map[string]any{
				"score":      verdict.Score,
				"usage_type": verdict.UsageType,
			}), nil
	}
	if g.cfg.ScoreEnabled && verdict.Score >= scoreFlag {
		g.events.Log(ctx, req.IP, model.EventReputationFlagged, map[string]any{
			"score": verdict.Score,
		}, nil)
	}

	switch {
	case g.cfg.BlockTor && verdict.Tor:
		return g.escalate(ctx, req, model.EventTorDetected,
			"Tor exit node", vpnBlockDuration, map[string]any{
				"isp": verdict.ISP,
			}), nil
	case g.cfg.BlockVPN && verdict.VPN:
		return g.escalate(ctx, req, model.EventVPNDetected,
			"VPN or hosting provider", vpnBlockDuration, map[string]any{
				"isp": verdict.ISP,
			}), nil
	case g.cfg.BlockProxy && verdict.Proxy:
		return g.escalate(ctx, req, model.EventProxyDetected,
			"Open proxy", proxyBlockDuration, map[string]any{
				"isp": verdict.ISP,
			}), nil
	}

	return Allow(), nil
}

// lookup gathers every configured signal for one address. Individual
// oracle failures leave their part of the verdict at the zero (clean)
// value; the combined verdict is cached only when at least one oracle
// answered, so a total outage is retried instead of cached as clean.
func (g *ReputationGuard) lookup(ctx context.Context, ip string) (*oracle.GeoVerdict, error) {
	var combined oracle.GeoVerdict
	answered := false

	if g.cfg.ScoreEnabled {
		v, err := g.oracle.LookupAbuseScore(ctx, ip)
		if err != nil {
			g.logger.Warn("abuse score lookup failed", "ip", ip, "error", err)
		} else {
			combined.Score = v.Score
			combined.UsageType = v.UsageType
			if combined.Country == "" {
				combined.Country = v.Country
			}
			answered = true
		}
	}

	if g.cfg.BlockVPN || g.cfg.BlockProxy {
		v, err := g.oracle.LookupGeo(ctx, ip)
		if err != nil {
			g.logger.Warn("geo/VPN lookup failed", "ip", ip, "error", err)
		} else {
			combined.Country = v.Country
			combined.CountryName = v.CountryName
			combined.ISP = v.ISP
			combined.VPN = v.VPN
			combined.Proxy = v.Proxy
			answered = true
		}
	}

	if g.cfg.BlockTor {
		tor, err := g.oracle.LookupTor(ctx, ip)
		if err != nil {
			g.logger.Warn("tor exit list lookup failed", "ip", ip, "error", err)
		} else {
			combined.Tor = tor
			answered = true
		}
	}

	if !answered {
		return nil, fmt.Errorf("no reputation oracle reachable for %s", ip)
	}
	return &combined, nil
}

func (g *ReputationGuard) escalate(ctx context.Context, req *RequestInfo, eventType, reason string, d time.Duration, details map[string]any) Verdict {
	if err := g.blocks.BlockFor(ctx, req.IP, reason, d); err != nil {
		g.logger.Error("failed to store reputation block", "ip", req.IP, "error", err)
	}

	g.events.Log(ctx, req.IP, eventType, details, nil)
	if g.notifier != nil {
		withIP := map[string]any{"ip": req.IP}
		for k, v := range details {
			withIP[k] = v
		}
		g.notifier.NotifyAdmins(ctx, eventType, withIP)
	}

	return Deny(http.StatusForbidden, deniedPayload)
}
