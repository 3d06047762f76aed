package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStore wraps a Store with test cleanup functionality.
type TestStore struct {
	*Store
	pool      *pgxpool.Pool
	container testcontainers.Container
}

// NewTestStore creates a new Store connected to a migrated test database.
// It uses TEST_DATABASE_URL when set; otherwise it starts a throwaway Postgres
// container. The test is skipped when neither is available.
func NewTestStore(t *testing.T) *TestStore {
	t.Helper()

	if os.Getenv("SKIP_DB_TESTS") != "" {
		t.Skip("Skipping database test (SKIP_DB_TESTS is set)")
	}

	ctx := context.Background()
	ts := &TestStore{}

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)

		container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("agrosettle_test"),
			tcpostgres.WithUsername("test"),
			tcpostgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			t.Skipf("Skipping database test: cannot start postgres container: %v", err)
		}
		ts.container = container

		dbURL, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			ts.terminate(t)
			t.Fatalf("failed to get container connection string: %v", err)
		}
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		ts.terminate(t)
		t.Skipf("Skipping database test: cannot connect to test database: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		ts.terminate(t)
		t.Skipf("Skipping database test: cannot ping test database: %v", err)
	}

	if _, err := RunMigrations(ctx, pool); err != nil {
		pool.Close()
		ts.terminate(t)
		t.Fatalf("failed to migrate test database: %v", err)
	}

	ts.Store = NewStore(pool)
	ts.pool = pool
	t.Cleanup(ts.Close)
	t.Cleanup(func() { ts.terminate(t) })

	return ts
}

// Close closes the database connection pool.
func (ts *TestStore) Close() {
	if ts.pool != nil {
		ts.pool.Close()
	}
}

func (ts *TestStore) terminate(t *testing.T) {
	if ts.container == nil {
		return
	}
	if err := ts.container.Terminate(context.Background()); err != nil {
		t.Logf("failed to terminate postgres container: %v", err)
	}
	ts.container = nil
}

// Cleanup removes all data from test tables.
// Call this in tests to ensure clean state between test cases.
func (ts *TestStore) Cleanup(t *testing.T) {
	t.Helper()

	ctx := context.Background()
	_, err := ts.pool.Exec(ctx, "TRUNCATE TABLE transactions, investments, users, farms CASCADE")
	if err != nil {
		t.Fatalf("failed to cleanup test database: %v", err)
	}
}

// MustExec executes a SQL statement and fails the test if it errors.
// Useful for setting up test fixtures.
func (ts *TestStore) MustExec(t *testing.T, query string, args ...interface{}) {
	t.Helper()

	ctx := context.Background()
	_, err := ts.pool.Exec(ctx, query, args...)
	if err != nil {
		t.Fatalf("failed to execute query: %v\nQuery: %s", err, query)
	}
}
