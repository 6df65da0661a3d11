package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jensholdgaard/player-auction/internal/store"
	"github.com/jensholdgaard/player-auction/internal/store/postgres"
)

// newTestDB starts a Postgres container, applies the embedded migrations and
// returns a connected *sqlx.DB. The container is terminated when the test
// ends.
func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("auctiond_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}

	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		t.Fatalf("connecting to test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := postgres.Migrate(ctx, db); err != nil {
		t.Fatalf("applying migrations: %v", err)
	}

	return db
}

func newAuction(id, prefix string) *store.Auction {
	return &store.Auction{
		ID:          id,
		Name:        "Draft " + id,
		Sport:       "football",
		AdminCode:   prefix + "ADMIN1",
		BidderCode:  prefix + "BIDDR1",
		VisitorCode: prefix + "VISIT1",
	}
}
