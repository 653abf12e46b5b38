// Package auth implements the authentication flow the gateway protects:
// password login with lockout accounting, session issuance, and device
// registration. It is the sole writer of sessions and devices and the
// sole caller of lockout clearing on success.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/bodegaops/gatekeeper/internal/bruteforce"
	"github.com/bodegaops/gatekeeper/internal/devices"
	"github.com/bodegaops/gatekeeper/internal/events"
	"github.com/bodegaops/gatekeeper/internal/model"
)

// Sentinel errors surfaced to the login handler.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRateLimited        = errors.New("too many login requests")
)

// LockedError reports an active lockout and how long it still holds.
type LockedError struct {
	MinutesLeft int
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("locked out, try again in %d minutes", e.MinutesLeft)
}

// Config holds authentication tunables.
type Config struct {
	// LoginRPS/LoginBurst shape the per-IP login rate limiter.
	LoginRPS   float64
	LoginBurst int
	// DetectDeviceChanges enables the distinct-device look-back on login.
	DetectDeviceChanges bool
	// MaxLimiterEntries bounds the limiter cache before it is reset.
	MaxLimiterEntries int
}

// DefaultConfig returns the stock auth configuration.
func DefaultConfig() Config {
	return Config{
		LoginRPS:            0.5,
		LoginBurst:          5,
		DetectDeviceChanges: true,
		MaxLimiterEntries:   10000,
	}
}

// LoginRequest carries one login attempt.
type LoginRequest struct {
	Login       string
	Password    string
	IP          string
	UserAgent   string
	Fingerprint string
}

// LoginResult is a successful login.
type LoginResult struct {
	Token      string
	User       *model.User
	Suspicious bool
}

// Service is the authentication service.
type Service struct {
	db         *sql.DB
	ledger     *bruteforce.Ledger
	registry   *devices.Registry
	events     *events.Service
	logger     *slog.Logger
	ipLimiters *limiterCache[string]
	cfg        Config
}

// NewService creates the authentication service.
func NewService(db *sql.DB, ledger *bruteforce.Ledger, registry *devices.Registry, ev *events.Service, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LoginRPS <= 0 {
		cfg.LoginRPS = 0.5
	}
	if cfg.LoginBurst <= 0 {
		cfg.LoginBurst = 5
	}
	if cfg.MaxLimiterEntries <= 0 {
		cfg.MaxLimiterEntries = 10000
	}
	return &Service{
		db:         db,
		ledger:     ledger,
		registry:   registry,
		events:     ev,
		logger:     logger,
		ipLimiters: newLimiterCache[string](cfg.LoginRPS, cfg.LoginBurst),
		cfg:        cfg,
	}
}

// Login authenticates a user. Order matters: the cheap in-memory rate
// limit first, then the lockout ledger, then the password itself. A
// failure is recorded against both the IP and the account so either
// class can lock independently.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if !s.ipLimiters.get(req.IP).Allow() {
		return nil, ErrRateLimited
	}
	if s.ipLimiters.clearIfExceeds(s.cfg.MaxLimiterEntries) {
		s.logger.Warn("login limiter cache reset", "max_entries", s.cfg.MaxLimiterEntries)
	}

	ipID := bruteforce.IPIdentifier(req.IP)
	acctID := bruteforce.AccountIdentifier(req.Login)

	if res := s.ledger.CheckLock(ctx, ipID); res.Locked {
		return nil, &LockedError{MinutesLeft: res.MinutesLeft}
	}
	if res := s.ledger.CheckLock(ctx, acctID); res.Locked {
		return nil, &LockedError{MinutesLeft: res.MinutesLeft}
	}

	user, err := s.userByLogin(ctx, req.Login)
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}

	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		return nil, s.recordFailure(ctx, req, ipID, acctID, user)
	}

	if _, err := s.ledger.ClearAttempts(ctx, acctID); err != nil {
		s.logger.Error("failed to clear account attempts", "error", err)
	}
	if _, err := s.ledger.ClearAttempts(ctx, ipID); err != nil {
		s.logger.Error("failed to clear IP attempts", "error", err)
	}

	token := uuid.NewString()
	if err := s.registry.CreateSession(ctx, token, user.ID, req.Fingerprint, req.IP); err != nil {
		return nil, fmt.Errorf("issuing session: %w", err)
	}
	if err := s.registry.RegisterDevice(ctx, user.ID, req.Fingerprint, req.UserAgent, req.IP); err != nil {
		// Device bookkeeping is telemetry, not a gate.
		s.logger.Error("failed to register device", "user_id", user.ID, "error", err)
	}

	suspicious := false
	if s.cfg.DetectDeviceChanges {
		suspicious = s.registry.DetectSuspiciousActivity(ctx, user.ID, req.IP)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = ? WHERE id = ?`,
		time.Now().UTC(), user.ID); err != nil {
		s.logger.Error("failed to stamp last login", "user_id", user.ID, "error", err)
	}

	s.events.Log(ctx, req.IP, model.EventLoginSuccess, map[string]any{
		"fingerprint": req.Fingerprint,
	}, &user.ID)

	return &LoginResult{Token: token, User: user, Suspicious: suspicious}, nil
}

func (s *Service) recordFailure(ctx context.Context, req LoginRequest, ipID, acctID string, user *model.User) error {
	var userID *int64
	if user != nil {
		userID = &user.ID
	}
	s.events.Log(ctx, req.IP, model.EventLoginFailed, map[string]any{
		"identifier": acctID,
	}, userID)

	ipRes := s.ledger.RecordFailedAttempt(ctx, ipID, req.IP)
	acctRes := s.ledger.RecordFailedAttempt(ctx, acctID, req.IP)

	if ipRes.Locked {
		return &LockedError{MinutesLeft: ipRes.MinutesLeft}
	}
	if acctRes.Locked {
		return &LockedError{MinutesLeft: acctRes.MinutesLeft}
	}
	return ErrInvalidCredentials
}

// Authenticate resolves a bearer token to its user and refreshes the
// session's activity stamp. Refresh failures are logged, never fatal.
func (s *Service) Authenticate(ctx context.Context, token, ip string) (*model.User, *model.UserSession, error) {
	if token == "" {
		return nil, nil, ErrInvalidCredentials
	}

	session, err := s.registry.Session(ctx, token)
	if err != nil {
		return nil, nil, fmt.Errorf("loading session: %w", err)
	}
	if session == nil {
		return nil, nil, ErrInvalidCredentials
	}

	user, err := s.userByID(ctx, session.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading user: %w", err)
	}
	if user == nil || !user.Active {
		return nil, nil, ErrInvalidCredentials
	}

	if _, err := s.registry.RefreshSession(ctx, token, ip); err != nil {
		s.logger.Warn("failed to refresh session", "error", err)
	}

	return user, session, nil
}

// Logout invalidates one session token.
func (s *Service) Logout(ctx context.Context, token string) error {
	_, err := s.registry.DeleteSession(ctx, token)
	return err
}

// HashPassword hashes a plaintext password for storage.
func HashPassword(plain string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// userByLogin matches a phone number exactly or a username
// case-insensitively. Inactive accounts are invisible.
func (s *Service) userByLogin(ctx context.Context, login string) (*model.User, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return nil, nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, username, password_hash, role, active, created_at, last_login_at
		FROM users
		WHERE active = 1 AND (phone = ? OR LOWER(username) = LOWER(?))
	`, login, login)
	return scanUser(row)
}

func (s *Service) userByID(ctx context.Context, id int64) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, username, password_hash, role, active, created_at, last_login_at
		FROM users WHERE id = ?
	`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Name, &u.Phone, &u.Username, &u.PasswordHash,
		&u.Role, &u.Active, &u.CreatedAt, &u.LastLoginAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
