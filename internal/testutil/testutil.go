// Package testutil provides shared test helpers for the gatekeeper project.
package testutil

import (
	"database/sql"
	"log/slog"
	"os"
	"testing"

	"github.com/bodegaops/gatekeeper/internal/store"
)

// TestLogger creates a silent test logger that only outputs warnings and errors.
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

// TestLoggerSilent creates a completely silent test logger (error level only).
func TestLoggerSilent() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// TestDB creates a temporary test database with all migrations applied.
// Returns the database and a cleanup function that should be deferred.
func TestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "gatekeeper-test-*.db")
	if err != nil {
		t.Fatalf("creating temp file: %v", err)
	}
	dbPath := f.Name()
	_ = f.Close()

	db, err := store.NewDB(dbPath)
	if err != nil {
		_ = os.Remove(dbPath)
		t.Fatalf("NewDB: %v", err)
	}

	if err := store.Migrate(db); err != nil {
		_ = db.Close()
		_ = os.Remove(dbPath)
		t.Fatalf("Migrate: %v", err)
	}

	return db, func() {
		_ = db.Close()
		_ = os.Remove(dbPath)
	}
}

// SeedUser inserts a user row and returns its id.
func SeedUser(t *testing.T, db *sql.DB, name, phone, role string) int64 {
	t.Helper()

	res, err := db.Exec(`
		INSERT INTO users (name, phone, password_hash, role, active, created_at)
		VALUES (?, ?, 'x', ?, 1, CURRENT_TIMESTAMP)
	`, name, phone, role)
	if err != nil {
		t.Fatalf("seeding user: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("seeded user id: %v", err)
	}
	return id
}
