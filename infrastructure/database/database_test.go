package database

import (
	"context"
	"io"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/shellhost/shellhost/infrastructure/logging"
)

func mockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	pool := sqlx.NewDb(raw, "postgres")
	logger := logging.New("db-test", logging.Config{Level: "error", Output: io.Discard})
	return NewFromPool(pool, logger), mock
}

func TestHealthCheckPings(t *testing.T) {
	db, mock := mockDB(t)
	defer db.Close()

	mock.ExpectPing()
	if err := db.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStatsShape(t *testing.T) {
	db, _ := mockDB(t)
	defer db.Close()

	stats := db.Stats()
	for _, key := range []string{"open_connections", "in_use", "idle", "wait_count"} {
		if _, ok := stats[key]; !ok {
			t.Fatalf("missing stats key %q", key)
		}
	}
}

func TestQueryThroughPool(t *testing.T) {
	db, mock := mockDB(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"name"}).AddRow("alpha")
	mock.ExpectQuery("SELECT name FROM modules").WillReturnRows(rows)

	var name string
	if err := db.GetContext(context.Background(), &name, "SELECT name FROM modules LIMIT 1"); err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if name != "alpha" {
		t.Fatalf("name = %q", name)
	}
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(context.Background(), Config{}, nil); err == nil {
		t.Fatal("New() accepted empty DSN")
	}
}
