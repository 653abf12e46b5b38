package guard

import (
	"context"
	"net/http"
	"time"

	"github.com/bodegaops/gatekeeper/internal/events"
	"github.com/bodegaops/gatekeeper/internal/model"
)

// TimeRestrictionConfig defines when requests are accepted. Disabled by
// default: the guard only runs when Enabled is set explicitly.
type TimeRestrictionConfig struct {
	Enabled bool
	// HourStart..HourEnd is the inclusive allowed hour range in the
	// configured offset's local time.
	HourStart int
	HourEnd   int
	// AllowedDays uses time.Weekday numbering (0=Sunday). Empty means
	// every day.
	AllowedDays []int
	// UTCOffsetHours shifts the clock the policy is evaluated against.
	UTCOffsetHours int
}

// TimeRestrictionGuard denies requests outside the configured service
// window.
type TimeRestrictionGuard struct {
	cfg    TimeRestrictionConfig
	days   map[int]bool
	events *events.Service
	now    func() time.Time
}

// NewTimeRestrictionGuard creates the time restriction guard.
func NewTimeRestrictionGuard(cfg TimeRestrictionConfig, ev *events.Service) *TimeRestrictionGuard {
	days := make(map[int]bool, len(cfg.AllowedDays))
	for _, d := range cfg.AllowedDays {
		days[d] = true
	}
	return &TimeRestrictionGuard{cfg: cfg, days: days, events: ev, now: time.Now}
}

func (g *TimeRestrictionGuard) Name() string { return "time_restriction" }

func (g *TimeRestrictionGuard) Check(ctx context.Context, req *RequestInfo) (Verdict, error) {
	if !g.cfg.Enabled {
		return Allow(), nil
	}

	local := g.now().UTC().Add(time.Duration(g.cfg.UTCOffsetHours) * time.Hour)
	hour := local.Hour()
	day := int(local.Weekday())

	// Start > End is an overnight window, e.g. 22..6 allows 23:00.
	hourOK := hour >= g.cfg.HourStart && hour <= g.cfg.HourEnd
	if g.cfg.HourStart > g.cfg.HourEnd {
		hourOK = hour >= g.cfg.HourStart || hour <= g.cfg.HourEnd
	}
	dayOK := len(g.days) == 0 || g.days[day]
	if hourOK && dayOK {
		return Allow(), nil
	}

	g.events.Log(ctx, req.IP, model.EventTimeRestriction, map[string]any{
		"hour": hour,
		"day":  day,
		"path": req.Path,
	}, nil)
	return Deny(http.StatusForbidden, map[string]any{
		"error": "Access not allowed at this time",
	}), nil
}
