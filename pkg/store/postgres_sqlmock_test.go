package store

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests exercise the Postgres backend's compare-and-swap append
// logic against a mocked driver, the same way the teacher's
// pkg/budget/postgres_store_test.go isolates SQL wiring from a live
// database.

func TestPostgresAppendFirstHop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	p := NewPostgresFromDB(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT last_hop, last_receipt_hash FROM heads WHERE trace_id = $1 FOR UPDATE")).
		WithArgs("trace-1").
		WillReturnRows(sqlmock.NewRows([]string{"last_hop", "last_receipt_hash"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO receipts")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO heads")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	r := &Receipt{TraceID: "trace-1", ReceiptHash: "h1", Policy: map[string]any{}}
	err = p.Append(ctx, r, "")
	assert.NoError(t, err)
	assert.Equal(t, 1, r.Hop)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendConflictOnStaleExpectedPrev(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	p := NewPostgresFromDB(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT last_hop, last_receipt_hash FROM heads WHERE trace_id = $1 FOR UPDATE")).
		WithArgs("trace-1").
		WillReturnRows(sqlmock.NewRows([]string{"last_hop", "last_receipt_hash"}).AddRow(1, "h1"))
	mock.ExpectRollback()

	r := &Receipt{TraceID: "trace-1", ReceiptHash: "h2", Policy: map[string]any{}}
	err = p.Append(ctx, r, "stale-hash")
	assert.ErrorIs(t, err, ErrChainConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendSucceedsOnMatchingExpectedPrev(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	p := NewPostgresFromDB(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT last_hop, last_receipt_hash FROM heads WHERE trace_id = $1 FOR UPDATE")).
		WithArgs("trace-1").
		WillReturnRows(sqlmock.NewRows([]string{"last_hop", "last_receipt_hash"}).AddRow(1, "h1"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO receipts")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO heads")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	r := &Receipt{TraceID: "trace-1", ReceiptHash: "h2", Policy: map[string]any{}}
	err = p.Append(ctx, r, "h1")
	assert.NoError(t, err)
	assert.Equal(t, 2, r.Hop)
	assert.NoError(t, mock.ExpectationsWereMet())
}
