package handler

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bodegaops/gatekeeper/internal/auth"
	"github.com/bodegaops/gatekeeper/internal/blocklist"
	"github.com/bodegaops/gatekeeper/internal/bruteforce"
	"github.com/bodegaops/gatekeeper/internal/cache"
	"github.com/bodegaops/gatekeeper/internal/devices"
	"github.com/bodegaops/gatekeeper/internal/events"
	"github.com/bodegaops/gatekeeper/internal/guard"
	"github.com/bodegaops/gatekeeper/internal/model"
	"github.com/bodegaops/gatekeeper/internal/testutil"
)

type testEnv struct {
	handler   *Handler
	db        *sql.DB
	blocks    *blocklist.Store
	decisions *cache.TypedCache[model.BlockedIP]
	ledger    *bruteforce.Ledger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, cleanup := testutil.TestDB(t)
	t.Cleanup(cleanup)

	logger := testutil.TestLoggerSilent()
	ev := events.NewService(db, logger)
	blocks := blocklist.NewStore(db)
	mem := cache.NewMemoryCache(cache.MemoryCacheOptions{DefaultTTL: time.Minute, MaxSize: 100})
	t.Cleanup(func() { _ = mem.Close() })
	decisions := cache.NewTypedCache[model.BlockedIP](mem, 5*time.Minute)
	ledger := bruteforce.NewLedger(db, bruteforce.DefaultPolicy(), blocks, ev, logger)
	registry := devices.NewRegistry(db, nil, ev, 10, logger)

	cfg := auth.DefaultConfig()
	cfg.LoginRPS = 1000
	cfg.LoginBurst = 1000
	authSvc := auth.NewService(db, ledger, registry, ev, cfg, logger)

	return &testEnv{
		handler:   New(db, blocks, decisions, ledger, ev, registry, authSvc, nil, logger),
		db:        db,
		blocks:    blocks,
		decisions: decisions,
		ledger:    ledger,
	}
}

func seedAccount(t *testing.T, db *sql.DB, phone, password, role string) int64 {
	t.Helper()

	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	res, err := db.Exec(`
		INSERT INTO users (name, phone, password_hash, role, active, created_at)
		VALUES ('Maria', ?, ?, ?, 1, CURRENT_TIMESTAMP)
	`, phone, hash, role)
	if err != nil {
		t.Fatalf("seeding user: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

func doJSON(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "203.0.113.9:4567"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return out
}

// loginAs seeds a user and returns a live session token.
func loginAs(t *testing.T, env *testEnv, role string) string {
	t.Helper()

	phone := fmt.Sprintf("555%07d", time.Now().UnixNano()%10000000)
	seedAccount(t, env.db, phone, "secret-pass-1", role)

	rec := doJSON(t, env.handler.Routes(), http.MethodPost, "/auth/login", "",
		fmt.Sprintf(`{"login":%q,"password":"secret-pass-1"}`, phone))
	if rec.Code != http.StatusOK {
		t.Fatalf("login returned %d: %s", rec.Code, rec.Body.String())
	}
	token, _ := decodeBody(t, rec)["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}
	return token
}

func TestLoginEndpoint(t *testing.T) {
	env := newTestEnv(t)
	r := env.handler.Routes()
	seedAccount(t, env.db, "5551234567", "correct-horse", "worker")

	t.Run("success", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodPost, "/auth/login", "",
			`{"login":"5551234567","password":"correct-horse"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
		}
		body := decodeBody(t, rec)
		if body["token"] == "" || body["token"] == nil {
			t.Error("expected a session token")
		}
		user, ok := body["user"].(map[string]any)
		if !ok || user["phone"] != "5551234567" {
			t.Errorf("unexpected user payload: %v", body["user"])
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodPost, "/auth/login", "",
			`{"login":"5551234567","password":"wrong"}`)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodPost, "/auth/login", "", `{"login":"5551234567"}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("lockout returns 429", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			doJSON(t, r, http.MethodPost, "/auth/login", "",
				`{"login":"5559999999","password":"wrong"}`)
		}
		rec := doJSON(t, r, http.MethodPost, "/auth/login", "",
			`{"login":"5559999999","password":"wrong"}`)
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("status = %d, want 429: %s", rec.Code, rec.Body.String())
		}
		body := decodeBody(t, rec)
		errObj, _ := body["error"].(map[string]any)
		if errObj["code"] != "locked_out" {
			t.Errorf("error code = %v, want locked_out", errObj["code"])
		}
	})
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	env := newTestEnv(t)
	r := env.handler.Routes()

	rec := doJSON(t, r, http.MethodGet, "/security/blocked-ips", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: status = %d, want 401", rec.Code)
	}

	workerToken := loginAs(t, env, "worker")
	rec = doJSON(t, r, http.MethodGet, "/security/blocked-ips", workerToken, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("worker: status = %d, want 403", rec.Code)
	}

	adminToken := loginAs(t, env, model.RoleAdmin)
	rec = doJSON(t, r, http.MethodGet, "/security/blocked-ips", adminToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("admin: status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestBlockAndUnblockIP(t *testing.T) {
	env := newTestEnv(t)
	r := env.handler.Routes()
	token := loginAs(t, env, model.RoleAdmin)
	ctx := t.Context()

	rec := doJSON(t, r, http.MethodPost, "/security/block-ip", token,
		`{"ip":"198.51.100.40","reason":"scanner","durationMinutes":60}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("block: status = %d: %s", rec.Code, rec.Body.String())
	}

	entry, err := env.blocks.Lookup(ctx, "198.51.100.40")
	if err != nil || entry == nil {
		t.Fatalf("Lookup after block: entry=%v err=%v", entry, err)
	}
	if !entry.BlockedUntil.Valid {
		t.Error("expected a temporary block")
	}

	rec = doJSON(t, r, http.MethodGet, "/security/blocked-ips", token, "")
	body := decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Errorf("blocked-ips count = %v, want 1", body["count"])
	}

	rec = doJSON(t, r, http.MethodDelete, "/security/blocked-ips/198.51.100.40", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unblock: status = %d: %s", rec.Code, rec.Body.String())
	}
	entry, err = env.blocks.Lookup(ctx, "198.51.100.40")
	if err != nil {
		t.Fatalf("Lookup after unblock: %v", err)
	}
	if entry != nil {
		t.Error("entry should be gone after unblock")
	}

	rec = doJSON(t, r, http.MethodDelete, "/security/blocked-ips/198.51.100.40", token, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unblock missing: status = %d, want 404", rec.Code)
	}

	var manualBlocks int
	err = env.db.QueryRow(
		`SELECT COUNT(*) FROM security_events WHERE event_type = ?`, model.EventManualBlock,
	).Scan(&manualBlocks)
	if err != nil {
		t.Fatalf("counting events: %v", err)
	}
	if manualBlocks != 1 {
		t.Errorf("MANUAL_BLOCK events = %d, want 1", manualBlocks)
	}
}

func TestUnblockDropsCachedDecision(t *testing.T) {
	env := newTestEnv(t)
	r := env.handler.Routes()
	token := loginAs(t, env, model.RoleAdmin)
	ctx := t.Context()

	const ip = "198.51.100.77"
	rec := doJSON(t, r, http.MethodPost, "/security/block-ip", token,
		`{"ip":"`+ip+`","reason":"scanner","durationMinutes":60}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("block: status = %d: %s", rec.Code, rec.Body.String())
	}

	// A guard evaluation would have cached the deny decision by now.
	entry, err := env.blocks.Lookup(ctx, ip)
	if err != nil || entry == nil {
		t.Fatalf("Lookup after block: entry=%v err=%v", entry, err)
	}
	if err := env.decisions.Set(ctx, guard.BlockDecisionKey(ip), entry); err != nil {
		t.Fatalf("seeding decision cache: %v", err)
	}

	rec = doJSON(t, r, http.MethodDelete, "/security/blocked-ips/"+ip, token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unblock: status = %d: %s", rec.Code, rec.Body.String())
	}

	if cached, ok := env.decisions.Get(ctx, guard.BlockDecisionKey(ip)); ok {
		t.Errorf("decision cache still holds %+v after unblock", cached)
	}
}

func TestBlockIPValidation(t *testing.T) {
	env := newTestEnv(t)
	r := env.handler.Routes()
	token := loginAs(t, env, model.RoleAdmin)

	rec := doJSON(t, r, http.MethodPost, "/security/block-ip", token, `{"reason":"no ip"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestBruteForceAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)
	r := env.handler.Routes()
	token := loginAs(t, env, model.RoleAdmin)
	ctx := t.Context()

	for i := 0; i < 3; i++ {
		env.ledger.RecordFailedAttempt(ctx, "account:5550001111", "192.0.2.8")
	}
	for i := 0; i < 2; i++ {
		env.ledger.RecordFailedAttempt(ctx, "ip:192.0.2.8", "192.0.2.8")
	}

	rec := doJSON(t, r, http.MethodGet, "/security/brute-force-attempts", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(2) {
		t.Errorf("attempts count = %v, want 2", body["count"])
	}

	rec = doJSON(t, r, http.MethodDelete, "/security/brute-force-attempts/account:5550001111", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("clear one: status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := env.ledger.CheckLock(ctx, "account:5550001111"); got.Attempts != 0 {
		t.Errorf("attempts after clear = %d, want 0", got.Attempts)
	}

	rec = doJSON(t, r, http.MethodDelete, "/security/brute-force-attempts", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("clear all: status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, r, http.MethodGet, "/security/brute-force-attempts", token, "")
	if body := decodeBody(t, rec); body["count"] != float64(0) {
		t.Errorf("attempts after clear all = %v, want 0", body["count"])
	}
}

func TestBlockedAccountsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	r := env.handler.Routes()
	token := loginAs(t, env, model.RoleAdmin)
	ctx := t.Context()

	// Lock an account, leave an IP lock out of the account view.
	for i := 0; i < 5; i++ {
		env.ledger.RecordFailedAttempt(ctx, "account:5550002222", "192.0.2.9")
	}
	for i := 0; i < 10; i++ {
		env.ledger.RecordFailedAttempt(ctx, "ip:192.0.2.9", "192.0.2.9")
	}

	rec := doJSON(t, r, http.MethodGet, "/security/blocked-accounts", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Fatalf("locked accounts = %v, want 1: %s", body["count"], rec.Body.String())
	}
	accounts := body["accounts"].([]any)
	first := accounts[0].(map[string]any)
	if first["identifier"] != "account:5550002222" {
		t.Errorf("identifier = %v", first["identifier"])
	}
}

func TestEventsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	r := env.handler.Routes()
	token := loginAs(t, env, model.RoleAdmin)

	rec := doJSON(t, r, http.MethodGet, "/security/events?limit=5", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	// Login success events from loginAs are already recorded.
	if body := decodeBody(t, rec); body["count"] == float64(0) {
		t.Error("expected at least one event")
	}

	rec = doJSON(t, r, http.MethodGet, "/security/events?limit=5000", token, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized limit: status = %d, want 400", rec.Code)
	}
}

func TestUserDevicesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	r := env.handler.Routes()
	token := loginAs(t, env, model.RoleAdmin)

	userID := testutil.SeedUser(t, env.db, "Pedro", "5550003333", "worker")
	rec := doJSON(t, r, http.MethodGet, fmt.Sprintf("/security/users/%d/devices", userID), token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["count"] != float64(0) {
		t.Errorf("devices = %v, want 0", body["count"])
	}

	rec = doJSON(t, r, http.MethodGet, "/security/users/abc/devices", token, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: status = %d, want 400", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	r := env.handler.Routes()
	token := loginAs(t, env, model.RoleAdmin)
	ctx := t.Context()

	if err := env.blocks.BlockFor(ctx, "192.0.2.77", "test", time.Hour); err != nil {
		t.Fatalf("BlockFor: %v", err)
	}

	rec := doJSON(t, r, http.MethodGet, "/security/stats", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["blocked_ips"] != float64(1) {
		t.Errorf("blocked_ips = %v, want 1", body["blocked_ips"])
	}
	if body["active_sessions"].(float64) < 1 {
		t.Errorf("active_sessions = %v, want >= 1", body["active_sessions"])
	}
	if _, ok := body["events_24h"].(map[string]any); !ok {
		t.Errorf("events_24h missing: %v", body)
	}
}

func TestMyIP(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.handler.Routes(), http.MethodGet, "/my-ip", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["ip"] != "203.0.113.9" {
		t.Errorf("ip = %v, want 203.0.113.9", body["ip"])
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	env := newTestEnv(t)
	r := env.handler.Routes()
	token := loginAs(t, env, model.RoleAdmin)

	rec := doJSON(t, r, http.MethodPost, "/auth/logout", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("logout: status = %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodGet, "/security/blocked-ips", token, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("after logout: status = %d, want 401", rec.Code)
	}
}

func TestRegisterPushToken(t *testing.T) {
	env := newTestEnv(t)
	r := env.handler.Routes()
	token := loginAs(t, env, "worker")

	rec := doJSON(t, r, http.MethodPost, "/push/register", token,
		`{"token":"ExponentPushToken[abc123]"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	// Re-registering the same token is idempotent.
	rec = doJSON(t, r, http.MethodPost, "/push/register", token,
		`{"token":"ExponentPushToken[abc123]"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat: status = %d: %s", rec.Code, rec.Body.String())
	}

	var n int
	if err := env.db.QueryRow(`SELECT COUNT(*) FROM push_tokens`).Scan(&n); err != nil {
		t.Fatalf("counting tokens: %v", err)
	}
	if n != 1 {
		t.Errorf("push_tokens rows = %d, want 1", n)
	}
}
