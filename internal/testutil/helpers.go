package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"SolvencyLedger/internal/persistence"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

const postgresImage = "postgres:16-alpine"

// Tables lists every table the migrations create, children first.
var Tables = []string{
	"event_log.journal",
	"event_log.events",
	"event_log.snapshots",
	"projections.balances",
	"projections.stability_deposits",
	"projections.positions",
	"projections.stability_pool",
	"projections.redistribution",
	"projections.epoch_scale_sums",
	"projections.watermark",
}

// RequireIntegration skips the test if not running integration tests.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("skipping integration test (set INTEGRATION_TEST=1 to run)")
	}
}

// SetupTestDB returns a migrated database. It uses TEST_POSTGRES_DSN when
// set and starts a postgres container otherwise. Tables are truncated
// when the test ends.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	RequireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		dsn = startContainer(ctx, t)
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx), "test postgres not reachable")

	require.NoError(t, persistence.NewMigrator(db, zerolog.Nop()).Up(ctx))
	truncateAll(t, db)

	t.Cleanup(func() {
		truncateAll(t, db)
		_ = db.Close()
	})
	return db
}

func startContainer(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tcpostgres.Run(ctx, postgresImage,
		tcpostgres.WithDatabase("solvency_test"),
		tcpostgres.WithUsername("solvency"),
		tcpostgres.WithPassword("solvency"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func truncateAll(t *testing.T, db *sql.DB) {
	t.Helper()
	for _, table := range Tables {
		if _, err := db.Exec(fmt.Sprintf("TRUNCATE %s CASCADE", table)); err != nil {
			t.Logf("truncate %s: %v", table, err)
		}
	}
}
