// Command migrate-json-to-postgres migrates a JSON ledger file into Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"driftcast/internal/ledger"
)

func main() {
	jsonPath := flag.String("json", "data/ledger.json", "path to the JSON ledger file to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DRIFTCAST_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, DRIFTCAST_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	snapshot, err := ledger.LoadSnapshotFromJSON(*jsonPath)
	if err != nil {
		logger.Error("failed to load JSON ledger", "error", err)
		os.Exit(1)
	}
	counts := snapshot.Counts()
	logger.Info("loaded JSON ledger", "path", *jsonPath, "lives", counts.Lives, "sessions", counts.Sessions)

	ctx := context.Background()
	store, err := ledger.NewPostgres(ctx, ledger.PostgresConfig{DSN: dsn})
	if err != nil {
		logger.Error("failed to open postgres ledger", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close(context.Background())
	}()

	if err := ledger.ImportSnapshotToPostgres(ctx, store, snapshot); err != nil {
		logger.Error("failed to import ledger snapshot", "error", err)
		os.Exit(1)
	}

	if err := verifyCounts(ctx, dsn, counts); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	logger.Info("migration completed", "lives", counts.Lives, "sessions", counts.Sessions, "replay_videos", counts.ReplayVideos)
}

func verifyCounts(ctx context.Context, dsn string, counts ledger.SnapshotCounts) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	checks := []struct {
		name     string
		query    string
		expected int
	}{
		{"lives", "SELECT COUNT(*) FROM lives", counts.Lives},
		{"sessions", "SELECT COUNT(*) FROM sessions", counts.Sessions},
		{"replay_videos", "SELECT COUNT(*) FROM replay_videos", counts.ReplayVideos},
	}

	for _, check := range checks {
		var actual int
		if err := pool.QueryRow(ctx, check.query).Scan(&actual); err != nil {
			return fmt.Errorf("query %s: %w", check.name, err)
		}
		if actual < check.expected {
			return fmt.Errorf("mismatch for %s: expected at least %d, got %d", check.name, check.expected, actual)
		}
	}
	return nil
}
