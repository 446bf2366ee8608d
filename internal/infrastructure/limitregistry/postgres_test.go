package limitregistry

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/erfianugrah/edgevidcache/internal/domain/repository"
)

func TestRegistry_ObserveMaxDurationUpserts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("create mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec("INSERT INTO duration_limits").
		WithArgs("videos/a.mp4", 10, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	r := NewRegistry(mock)
	if err := r.ObserveMaxDuration(context.Background(), "videos/a.mp4", 10); err != nil {
		t.Fatalf("observe failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRegistry_MaxDurationNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("create mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery("SELECT max_seconds FROM duration_limits").
		WithArgs("videos/missing.mp4").
		WillReturnError(pgx.ErrNoRows)

	r := NewRegistry(mock)
	_, ok, err := r.MaxDuration(context.Background(), "videos/missing.mp4")
	if err != nil {
		t.Fatalf("expected no error on not-found, got %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for a missing row")
	}
}

func TestRegistry_MaxDurationFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("create mock pool: %v", err)
	}
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"max_seconds"}).AddRow(30)
	mock.ExpectQuery("SELECT max_seconds FROM duration_limits").
		WithArgs("videos/a.mp4").
		WillReturnRows(rows)

	r := NewRegistry(mock)
	seconds, ok, err := r.MaxDuration(context.Background(), "videos/a.mp4")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if !ok || seconds != 30 {
		t.Fatalf("expected (30, true), got (%d, %v)", seconds, ok)
	}
}

var _ repository.LimitRegistry = (*Registry)(nil)

func TestRegistry_ObserveMaxDurationPropagatesError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("create mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec("INSERT INTO duration_limits").
		WillReturnError(errors.New("connection reset"))

	r := NewRegistry(mock)
	if err := r.ObserveMaxDuration(context.Background(), "a.mp4", 5); err == nil {
		t.Fatalf("expected propagated error")
	}
}
