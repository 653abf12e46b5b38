package guard

import (
	"context"
	"net/http"
	"time"

	"github.com/bodegaops/gatekeeper/internal/blocklist"
	"github.com/bodegaops/gatekeeper/internal/cache"
	"github.com/bodegaops/gatekeeper/internal/events"
	"github.com/bodegaops/gatekeeper/internal/model"
)

// blockCacheTTL bounds how long a block decision is served from cache
// before the store is consulted again. Unblocking an IP takes effect
// within this window at the latest.
const blockCacheTTL = 5 * time.Minute

var deniedPayload = map[string]any{"error": "Access denied"}

// BlockDecisionKey is the cache key for an IP's cached block decision.
// Admin unblock deletes this key so the lift takes effect immediately.
func BlockDecisionKey(ip string) string {
	return "blocked:" + ip
}

// BlocklistGuard denies requests from addresses on the static blacklist
// or in the durable blocklist store. It is the only guard whose storage
// errors propagate: the store is local, and a broken store must not read
// as "everyone is fine".
type BlocklistGuard struct {
	store     *blocklist.Store
	cache     *cache.TypedCache[model.BlockedIP]
	blacklist map[string]bool
	events    *events.Service
}

// NewBlocklistGuard creates the blocklist guard. decisions may be nil to
// run uncached.
func NewBlocklistGuard(store *blocklist.Store, decisions *cache.TypedCache[model.BlockedIP], staticBlacklist []string, ev *events.Service) *BlocklistGuard {
	bl := make(map[string]bool, len(staticBlacklist))
	for _, ip := range staticBlacklist {
		if ip != "" {
			bl[ip] = true
		}
	}
	return &BlocklistGuard{store: store, cache: decisions, blacklist: bl, events: ev}
}

func (g *BlocklistGuard) Name() string { return "blocklist" }

func (g *BlocklistGuard) Check(ctx context.Context, req *RequestInfo) (Verdict, error) {
	if g.blacklist[req.IP] {
		g.events.Log(ctx, req.IP, model.EventBlockedBlacklist, map[string]any{
			"path": req.Path,
		}, nil)
		return Deny(http.StatusForbidden, deniedPayload), nil
	}

	if g.cache != nil {
		if entry, ok := g.cache.Get(ctx, BlockDecisionKey(req.IP)); ok {
			if entry.Active(time.Now().UTC()) {
				g.events.Log(ctx, req.IP, model.EventBlockedCached, map[string]any{
					"reason": entry.Reason,
				}, nil)
				return Deny(http.StatusForbidden, deniedPayload), nil
			}
			_ = g.cache.Delete(ctx, BlockDecisionKey(req.IP))
		}
	}

	entry, err := g.store.Lookup(ctx, req.IP)
	if err != nil {
		return Verdict{}, err
	}
	if entry == nil {
		return Allow(), nil
	}

	if g.cache != nil {
		ttl := blockCacheTTL
		if entry.BlockedUntil.Valid {
			if remaining := time.Until(entry.BlockedUntil.Time); remaining < ttl {
				ttl = remaining
			}
		}
		if ttl > 0 {
			_ = g.cache.SetWithTTL(ctx, BlockDecisionKey(req.IP), entry, ttl)
		}
	}

	return Deny(http.StatusForbidden, deniedPayload), nil
}
