// Package testutil holds helpers shared by the Postgres-backed store tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/watchmarket/migrations"
)

// PGTest returns a migrated database for an integration test and empties
// every table when the test finishes.
//
// The database comes from POSTGRES_URL. With PGTEST_CONTAINER=1 and no URL,
// one postgres container is started for the whole test binary. Otherwise
// the test is skipped.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" && os.Getenv("PGTEST_CONTAINER") == "1" {
		dsn = sharedContainer(t)
	}
	if dsn == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: ping: %v", err)
	}
	if err := applySchema(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: migrate: %v", err)
	}

	t.Cleanup(func() {
		if err := truncate(context.Background(), db); err != nil {
			t.Logf("pgtest: truncate: %v", err)
		}
		_ = db.Close()
	})
	return db
}

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

func applySchema(ctx context.Context, db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

var container struct {
	once sync.Once
	dsn  string
	err  error
}

func sharedContainer(t *testing.T) string {
	t.Helper()
	container.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		c, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("watchmarket"),
			postgres.WithUsername("watchmarket"),
			postgres.WithPassword("watchmarket"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			container.err = fmt.Errorf("start postgres: %w", err)
			return
		}
		if container.dsn, container.err = c.ConnectionString(ctx, "sslmode=disable"); container.err != nil {
			_ = testcontainers.TerminateContainer(c)
		}
	})
	if container.err != nil {
		t.Fatalf("pgtest: %v", container.err)
	}
	return container.dsn
}

// truncate empties every table in the public schema except goose's own.
func truncate(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename <> 'goose_db_version'`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	var list string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if list != "" {
			list += ", "
		}
		list += pq.QuoteIdentifier(name)
	}
	if err := rows.Err(); err != nil || list == "" {
		return err
	}
	_, err = db.ExecContext(ctx, "TRUNCATE "+list+" CASCADE")
	return err
}
