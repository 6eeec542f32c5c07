// Package testutil holds helpers for tests that need a real PostgreSQL.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"github.com/Harvey-AU/podcore/internal/db"
)

// LoadTestEnv loads TEST_DATABASE_URL from .env.test when the environment
// does not already provide it.
func LoadTestEnv(t *testing.T) {
	t.Helper()

	if os.Getenv("TEST_DATABASE_URL") != "" {
		return
	}

	envPath := findEnvTestFile()
	if envPath == "" {
		return
	}

	envMap, err := godotenv.Read(envPath)
	if err != nil {
		t.Logf("Warning: failed to read %s: %v", envPath, err)
		return
	}
	if url, ok := envMap["TEST_DATABASE_URL"]; ok {
		t.Setenv("TEST_DATABASE_URL", url)
	}
}

// OpenTestDB connects to TEST_DATABASE_URL with a freshly reset schema. The
// test is skipped when no database is configured, and the pool is closed at
// cleanup. Tests sharing the database must not run in parallel.
func OpenTestDB(t *testing.T) *db.DB {
	t.Helper()
	LoadTestEnv(t)

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := db.New(ctx, &db.Config{DatabaseURL: url, AppName: "podcore-test"})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	t.Cleanup(func() { _ = pg.Close() })

	if err := pg.ResetSchema(ctx); err != nil {
		t.Fatalf("failed to reset schema: %v", err)
	}
	return pg
}

// findEnvTestFile searches for .env.test in the current and parent directories
func findEnvTestFile() string {
	dir, _ := os.Getwd()

	for range 5 {
		envPath := filepath.Join(dir, ".env.test")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
