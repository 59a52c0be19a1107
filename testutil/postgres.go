package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Coke3a/stream-catch/db"
)

// SetupTestDB creates a test database connection and runs migrations.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// CreateUser inserts an active user row and returns its id.
func CreateUser(t *testing.T, database *sql.DB) string {
	t.Helper()
	id := uuid.New().String()
	if _, err := database.Exec(`INSERT INTO app_users (id, status) VALUES ($1,'active')`, id); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return id
}

// CreatePlan inserts an active plan and returns its id.
func CreatePlan(t *testing.T, database *sql.DB, priceMinor, durationDays int) string {
	t.Helper()
	id := uuid.New().String()
	if _, err := database.Exec(
		`INSERT INTO plans (id, name, price_minor, duration_days, is_active) VALUES ($1,$2,$3,$4,TRUE)`,
		id, fmt.Sprintf("plan-%s", id[:8]), priceMinor, durationDays); err != nil {
		t.Fatalf("failed to create plan: %v", err)
	}
	return id
}

// CreateLiveAccount inserts a live account and returns its id.
func CreateLiveAccount(t *testing.T, database *sql.DB) string {
	t.Helper()
	id := uuid.New().String()
	if _, err := database.Exec(
		`INSERT INTO live_accounts (id, platform, account_id, status) VALUES ($1,'twitch',$2,'active')`,
		id, "acct-"+id[:8]); err != nil {
		t.Fatalf("failed to create live account: %v", err)
	}
	return id
}

// CreateRecording inserts a recording in the given status and returns its id.
func CreateRecording(t *testing.T, database *sql.DB, liveAccountID, status string) string {
	t.Helper()
	id := uuid.New().String()
	key := fmt.Sprintf("twitch/acct/%s", id)
	if _, err := database.Exec(`
		INSERT INTO recordings (id, live_account_id, recording_key, started_at, status)
		VALUES ($1,$2,$3,NOW(),$4)`, id, liveAccountID, key, status); err != nil {
		t.Fatalf("failed to create recording: %v", err)
	}
	return id
}

// Follow inserts an active follow row.
func Follow(t *testing.T, database *sql.DB, userID, liveAccountID string) {
	t.Helper()
	if _, err := database.Exec(
		`INSERT INTO follows (user_id, live_account_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
		userID, liveAccountID); err != nil {
		t.Fatalf("failed to create follow: %v", err)
	}
}
