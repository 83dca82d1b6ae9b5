// README: Test helper that provides a migrated, empty Postgres database.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"dispatch/internal/infra"
)

// New returns a pool on a freshly truncated schema. It uses DISPATCH_TEST_DSN
// when set, starts a container when DISPATCH_TEST_CONTAINERS=1, and skips the
// test otherwise.
func New(t testing.TB) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("DISPATCH_TEST_DSN")
	if dsn == "" {
		if os.Getenv("DISPATCH_TEST_CONTAINERS") != "1" {
			t.Skip("DISPATCH_TEST_DSN not set; skipping DB-backed test")
		}
		dsn = startContainer(t)
	}

	if err := infra.Migrate(dsn, nil); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(db.Close)

	if _, err := db.Exec(ctx, `TRUNCATE TABLE order_state_events, orders, agents, pricing_tiers, location_snapshots, shops RESTART IDENTITY`); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return db
}

func startContainer(t testing.TB) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("dispatch"),
		postgres.WithUsername("dispatch"),
		postgres.WithPassword("dispatch"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("container dsn: %v", err)
	}
	return dsn
}
