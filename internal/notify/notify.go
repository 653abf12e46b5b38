// Package notify fans security events out to administrators: a persisted
// notification row per admin, a real-time emit to connected sessions,
// and a best-effort mobile push. Delivery runs on a small worker pool so
// a slow push provider can never sit inside a guard's decision path.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bodegaops/gatekeeper/internal/model"
)

// Pusher delivers one mobile push message. *ExpoClient is the production
// implementation.
type Pusher interface {
	Send(ctx context.Context, token, title, body string, data map[string]any) error
}

type job struct {
	eventType string
	details   map[string]any
}

// Config holds notifier configuration.
type Config struct {
	Workers int
}

// DefaultConfig returns default notifier configuration.
func DefaultConfig() Config {
	return Config{Workers: 2}
}

// Service is the admin notifier.
type Service struct {
	db      *sql.DB
	hub     *Hub
	pusher  Pusher
	logger  *slog.Logger
	queue   chan job
	workers int
	wg      sync.WaitGroup
	done    chan struct{}
	mu      sync.RWMutex
	running bool
}

// NewService creates the notifier. pusher may be nil to disable mobile
// push entirely.
func NewService(db *sql.DB, hub *Hub, pusher Pusher, logger *slog.Logger, cfg Config) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = NewHub()
	}
	return &Service{
		db:      db,
		hub:     hub,
		pusher:  pusher,
		logger:  logger,
		queue:   make(chan job, 100),
		workers: cfg.Workers,
		done:    make(chan struct{}),
	}
}

// Hub returns the real-time hub for subscription endpoints.
func (s *Service) Hub() *Hub {
	return s.hub
}

// Start launches the delivery workers.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting admin notifier", "workers", s.workers)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
}

// Stop drains the workers and waits for in-flight deliveries.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	s.logger.Info("admin notifier stopped")
}

// NotifyAdmins queues a security event for delivery to every
// administrator. Fire-and-forget: a full queue drops the event with a
// warning rather than blocking the caller.
func (s *Service) NotifyAdmins(ctx context.Context, eventType string, details map[string]any) {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	if !running {
		s.logger.Warn("notifier not running, dropping event", "event_type", eventType)
		return
	}

	copied := make(map[string]any, len(details))
	for k, v := range details {
		copied[k] = v
	}

	select {
	case s.queue <- job{eventType: eventType, details: copied}:
	default:
		s.logger.Warn("notification queue full, dropping event", "event_type", eventType)
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case j := <-s.queue:
			s.deliver(context.WithoutCancel(ctx), j)
		}
	}
}

// deliver fans one event out to all admins. Every per-admin and
// per-channel failure is logged and skipped so one broken delivery never
// starves the rest.
func (s *Service) deliver(ctx context.Context, j job) {
	admins, err := s.adminIDs(ctx)
	if err != nil {
		s.logger.Error("failed to resolve administrators", "error", err)
		return
	}
	if len(admins) == 0 {
		return
	}

	tmpl := templateFor(j.eventType)
	title := tmpl.title
	message := tmpl.message(j.details)

	payload := make(map[string]any, len(j.details)+2)
	for k, v := range j.details {
		payload[k] = v
	}
	payload["eventType"] = j.eventType
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal notification data", "error", err)
		data = []byte("{}")
	}

	for _, adminID := range admins {
		n := model.Notification{
			UserID:     adminID,
			Title:      title,
			Message:    message,
			Type:       tmpl.severity,
			AdminOnly:  true,
			ReplyToken: uuid.NewString(),
			Data:       string(data),
			CreatedAt:  time.Now().UTC(),
		}

		if err := s.persist(ctx, &n); err != nil {
			s.logger.Error("failed to persist notification",
				"user_id", adminID, "event_type", j.eventType, "error", err)
		}

		s.hub.Emit(adminID, n)

		if s.pusher != nil {
			s.push(ctx, adminID, title, message, payload)
		}
	}
}

func (s *Service) persist(ctx context.Context, n *model.Notification) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (user_id, titulo, mensaje, tipo, admin_only, reply_token, data, created_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
	`, n.UserID, n.Title, n.Message, n.Type, n.ReplyToken, n.Data, n.CreatedAt)
	if err != nil {
		return err
	}
	n.ID, err = res.LastInsertId()
	return err
}

func (s *Service) push(ctx context.Context, userID int64, title, message string, data map[string]any) {
	tokens, err := s.pushTokens(ctx, userID)
	if err != nil {
		s.logger.Error("failed to load push tokens", "user_id", userID, "error", err)
		return
	}

	for _, token := range tokens {
		if err := s.pusher.Send(ctx, token, title, message, data); err != nil {
			s.logger.Warn("push delivery failed",
				"user_id", userID, "error", err)
		}
	}
}

// adminIDs resolves the current administrator set: the admin role or any
// admin-scoped permission.
func (s *Service) adminIDs(ctx context.Context) ([]int64, error) {
	placeholders := strings.Repeat("?,", len(model.AdminPermissions))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{model.RoleAdmin}
	for _, p := range model.AdminPermissions {
		args = append(args, p)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM users
		WHERE active = 1 AND (
			role = ?
			OR id IN (SELECT user_id FROM user_permissions WHERE perm IN (`+placeholders+`))
		)
	`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Service) pushTokens(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token FROM push_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}
