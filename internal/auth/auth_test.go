package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/bodegaops/gatekeeper/internal/blocklist"
	"github.com/bodegaops/gatekeeper/internal/bruteforce"
	"github.com/bodegaops/gatekeeper/internal/devices"
	"github.com/bodegaops/gatekeeper/internal/events"
	"github.com/bodegaops/gatekeeper/internal/testutil"
)

func newTestService(t *testing.T, cfg Config) (*Service, *sql.DB, func()) {
	t.Helper()

	db, cleanup := testutil.TestDB(t)
	logger := testutil.TestLoggerSilent()
	ev := events.NewService(db, logger)
	ledger := bruteforce.NewLedger(db, bruteforce.DefaultPolicy(), blocklist.NewStore(db), ev, logger)
	registry := devices.NewRegistry(db, nil, ev, 10, logger)
	return NewService(db, ledger, registry, ev, cfg, logger), db, cleanup
}

func seedLoginUser(t *testing.T, db *sql.DB, phone, password string) int64 {
	t.Helper()

	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	res, err := db.Exec(`
		INSERT INTO users (name, phone, password_hash, role, active, created_at)
		VALUES ('Carlos', ?, ?, 'worker', 1, CURRENT_TIMESTAMP)
	`, phone, hash)
	if err != nil {
		t.Fatalf("seeding user: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

func loginReq(login, password string) LoginRequest {
	return LoginRequest{
		Login:       login,
		Password:    password,
		IP:          "198.51.100.7",
		UserAgent:   "test-agent",
		Fingerprint: "fp-1",
	}
}

func fastCfg() Config {
	cfg := DefaultConfig()
	cfg.LoginRPS = 1000
	cfg.LoginBurst = 1000
	return cfg
}

func TestLogin_Success(t *testing.T) {
	svc, db, cleanup := newTestService(t, fastCfg())
	defer cleanup()

	userID := seedLoginUser(t, db, "600112233", "secret-pw")
	ctx := context.Background()

	res, err := svc.Login(ctx, loginReq("600112233", "secret-pw"))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Token == "" {
		t.Error("login should issue a session token")
	}
	if res.User.ID != userID {
		t.Errorf("got user %d, want %d", res.User.ID, userID)
	}

	user, session, err := svc.Authenticate(ctx, res.Token, "198.51.100.7")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if user.ID != userID || session.UserID != userID {
		t.Error("token should resolve to the logged-in user")
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	svc, db, cleanup := newTestService(t, fastCfg())
	defer cleanup()

	seedLoginUser(t, db, "600112233", "secret-pw")

	_, err := svc.Login(context.Background(), loginReq("600112233", "wrong"))
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("got %v, want ErrInvalidCredentials", err)
	}
}

func TestLogin_UnknownUserSameError(t *testing.T) {
	svc, _, cleanup := newTestService(t, fastCfg())
	defer cleanup()

	_, err := svc.Login(context.Background(), loginReq("600999999", "whatever"))
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user must look like a wrong password, got %v", err)
	}
}

func TestLogin_AccountLockout(t *testing.T) {
	svc, db, cleanup := newTestService(t, fastCfg())
	defer cleanup()

	seedLoginUser(t, db, "600112233", "secret-pw")
	ctx := context.Background()

	// Account threshold is 5.
	var lastErr error
	for i := 0; i < 5; i++ {
		_, lastErr = svc.Login(ctx, loginReq("600112233", "wrong"))
	}

	var locked *LockedError
	if !errors.As(lastErr, &locked) {
		t.Fatalf("fifth failure should lock, got %v", lastErr)
	}
	if locked.MinutesLeft != 30 {
		t.Errorf("got %d minutes left, want 30", locked.MinutesLeft)
	}

	// The right password no longer helps while locked.
	_, err := svc.Login(ctx, loginReq("600112233", "secret-pw"))
	if !errors.As(err, &locked) {
		t.Errorf("locked account must reject correct credentials too, got %v", err)
	}
}

func TestLogin_SuccessClearsAttempts(t *testing.T) {
	svc, db, cleanup := newTestService(t, fastCfg())
	defer cleanup()

	seedLoginUser(t, db, "600112233", "secret-pw")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = svc.Login(ctx, loginReq("600112233", "wrong"))
	}
	if _, err := svc.Login(ctx, loginReq("600112233", "secret-pw")); err != nil {
		t.Fatalf("Login: %v", err)
	}

	// The counter restarted: four more failures still do not lock.
	var lastErr error
	for i := 0; i < 4; i++ {
		_, lastErr = svc.Login(ctx, loginReq("600112233", "wrong"))
	}
	var locked *LockedError
	if errors.As(lastErr, &locked) {
		t.Error("successful login should have cleared the failure run")
	}
}

func TestLogin_RateLimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoginRPS = 0.0001
	cfg.LoginBurst = 2

	svc, db, cleanup := newTestService(t, cfg)
	defer cleanup()

	seedLoginUser(t, db, "600112233", "secret-pw")
	ctx := context.Background()

	_, _ = svc.Login(ctx, loginReq("600112233", "wrong"))
	_, _ = svc.Login(ctx, loginReq("600112233", "wrong"))
	_, err := svc.Login(ctx, loginReq("600112233", "secret-pw"))
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("burst exhausted, got %v, want ErrRateLimited", err)
	}
}

func TestAuthenticate_InvalidToken(t *testing.T) {
	svc, _, cleanup := newTestService(t, fastCfg())
	defer cleanup()

	if _, _, err := svc.Authenticate(context.Background(), "nope", "198.51.100.7"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("got %v, want ErrInvalidCredentials", err)
	}
	if _, _, err := svc.Authenticate(context.Background(), "", "198.51.100.7"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("got %v, want ErrInvalidCredentials", err)
	}
}

func TestLogout(t *testing.T) {
	svc, db, cleanup := newTestService(t, fastCfg())
	defer cleanup()

	seedLoginUser(t, db, "600112233", "secret-pw")
	ctx := context.Background()

	res, err := svc.Login(ctx, loginReq("600112233", "secret-pw"))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := svc.Logout(ctx, res.Token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, _, err := svc.Authenticate(ctx, res.Token, "198.51.100.7"); !errors.Is(err, ErrInvalidCredentials) {
		t.Error("token should be dead after logout")
	}
}
