// Package scheduler runs the gateway's periodic maintenance jobs.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bodegaops/gatekeeper/internal/blocklist"
	"github.com/bodegaops/gatekeeper/internal/bruteforce"
	"github.com/bodegaops/gatekeeper/internal/devices"
	"github.com/bodegaops/gatekeeper/internal/events"
	"github.com/bodegaops/gatekeeper/internal/geoip"
)

// eventRetention bounds the audit trail. Old entries only matter for
// forensics and the table grows per-request under attack.
const eventRetention = 90 * 24 * time.Hour

// Scheduler handles periodic cleanup of blocks, ledger rows and sessions.
type Scheduler struct {
	blocks   *blocklist.Store
	ledger   *bruteforce.Ledger
	registry *devices.Registry
	events   *events.Service
	geo      *geoip.Lookup
	cron     *cron.Cron
	logger   *slog.Logger
}

// New creates a new scheduler instance. geo may be nil when no local
// GeoIP database is configured.
func New(blocks *blocklist.Store, ledger *bruteforce.Ledger, registry *devices.Registry, ev *events.Service, geo *geoip.Lookup, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		blocks:   blocks,
		ledger:   ledger,
		registry: registry,
		events:   ev,
		geo:      geo,
		cron:     cron.New(),
		logger:   logger,
	}
}

// Start registers the maintenance jobs and begins the cron loop.
func (s *Scheduler) Start() error {
	// Expired blocks and stale attempt windows, every 5 minutes.
	if _, err := s.cron.AddFunc("*/5 * * * *", s.sweepSecurityState); err != nil {
		return err
	}

	// Idle sessions, hourly.
	if _, err := s.cron.AddFunc("0 * * * *", s.sweepSessions); err != nil {
		return err
	}

	// Audit trail retention, daily at 03:10.
	if _, err := s.cron.AddFunc("10 3 * * *", s.sweepEvents); err != nil {
		return err
	}

	// GeoIP database reload, daily at 04:00. Picks up a replaced .mmdb
	// file without a restart.
	if s.geo != nil && s.geo.Enabled() {
		if _, err := s.cron.AddFunc("0 4 * * *", s.reloadGeoIP); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))
	return nil
}

// Stop gracefully stops the scheduler, waiting for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) sweepSecurityState() {
	ctx := context.Background()

	blocksRemoved, err := s.blocks.PurgeExpired(ctx)
	if err != nil {
		s.logger.Error("purging expired IP blocks", "error", err)
	}

	attemptsRemoved, err := s.ledger.PurgeStale(ctx)
	if err != nil {
		s.logger.Error("purging stale attempt rows", "error", err)
	}

	if blocksRemoved > 0 || attemptsRemoved > 0 {
		s.logger.Info("security state swept",
			"expired_blocks", blocksRemoved,
			"stale_attempts", attemptsRemoved)
	}
}

func (s *Scheduler) sweepSessions() {
	removed, err := s.registry.CleanupStaleSessions(context.Background())
	if err != nil {
		s.logger.Error("cleaning up stale sessions", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("stale sessions removed", "count", removed)
	}
}

func (s *Scheduler) sweepEvents() {
	removed, err := s.events.DeleteOlderThan(context.Background(), eventRetention)
	if err != nil {
		s.logger.Error("pruning security events", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("old security events pruned", "count", removed)
	}
}

func (s *Scheduler) reloadGeoIP() {
	if err := s.geo.Reload(); err != nil {
		s.logger.Error("reloading GeoIP database", "error", err)
		return
	}
	s.logger.Info("GeoIP database reloaded")
}
