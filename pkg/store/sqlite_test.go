package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/mcclellann/microloan/pkg/loanerr"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSQLiteStore(t *testing.T) Storage {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "microloan_test.db")
	s, err := NewSQLiteStore(dbFile, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStorageContract(t, newTestSQLiteStore)
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	dbFile := filepath.Join(t.TempDir(), "reopen.db")

	s, err := NewSQLiteStore(dbFile, nil)
	require.NoError(t, err)
	app := newTestApplication("B-1", "APP-20260301-REOPEN")
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error { return tx.CreateApplication(ctx, app) }))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dbFile, nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		got, err := tx.GetApplication(ctx, app.ID)
		require.NoError(t, err)
		assert.True(t, got.MonthlyIncome.Equal(dec("5000")))
		return nil
	}))
}

func TestWithConnOptions(t *testing.T) {
	const defaults = "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	assert.Equal(t, "loans.db?"+defaults, withConnOptions("loans.db"))
	assert.Equal(t, "file:loans.db?cache=shared&"+defaults, withConnOptions("file:loans.db?cache=shared"))
	assert.Equal(t, "loans.db?_txlock=exclusive&_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000",
		withConnOptions("loans.db?_txlock=exclusive"))
}

// Foreign keys must hold on every pooled connection, not only the first one.
func TestSQLiteStore_ForeignKeysOnEveryConnection(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "fk.db"), nil)
	require.NoError(t, err)
	defer s.Close()
	s.db.SetMaxOpenConns(4)

	conns := make([]*sql.Conn, 0, 4)
	for i := 0; i < 4; i++ {
		conn, err := s.db.Conn(ctx)
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	for _, conn := range conns {
		var enabled int
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&enabled))
		assert.Equal(t, 1, enabled)
		conn.Close()
	}

	orphan := newTestLoan(newTestApplication("B-1", "APP-ORPHAN"), "MC-ORPHAN")
	err = s.WithTx(ctx, func(tx Tx) error { return tx.CreateLoan(ctx, orphan) })
	assert.Error(t, err)
}

func TestSQLiteStore_MigratesOlderSchema(t *testing.T) {
	ctx := context.Background()
	dbFile := filepath.Join(t.TempDir(), "old.db")

	db, err := sql.Open("sqlite3", dbFile)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE payment_schedule (
		id TEXT PRIMARY KEY, loan_id TEXT NOT NULL, installment_number INTEGER NOT NULL, due_date TEXT NOT NULL,
		principal_amount TEXT NOT NULL, interest_amount TEXT NOT NULL, total_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL DEFAULT '0', principal_paid TEXT NOT NULL DEFAULT '0',
		interest_paid TEXT NOT NULL DEFAULT '0', penalty_paid TEXT NOT NULL DEFAULT '0', status TEXT NOT NULL,
		days_overdue INTEGER NOT NULL DEFAULT 0, paid_date TEXT)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := NewSQLiteStore(dbFile, nil)
	require.NoError(t, err)
	defer s.Close()

	rows, err := s.db.QueryContext(ctx, "SELECT "+scheduleColumns+" FROM payment_schedule")
	require.NoError(t, err)
	require.NoError(t, rows.Close())

	// A second open must tolerate the columns already being there.
	require.NoError(t, s.migrate())
}

func TestSQLiteStore_UpdateLoanVersionMismatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := newSQLiteStoreWithDB(db, zap.NewNop())
	loan := newTestLoan(newTestApplication("B-1", "APP-1"), "MC-1")
	loan.Version = 3

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE loans SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = s.WithTx(context.Background(), func(tx Tx) error { return tx.UpdateLoan(context.Background(), loan) })
	assert.ErrorIs(t, err, loanerr.ErrConcurrency)
	assert.Equal(t, "VersionMismatch", loanerr.CodeOf(err))
	assert.Equal(t, 3, loan.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_DuplicateReceiptNumber(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := newSQLiteStoreWithDB(db, zap.NewNop())
	payment := &models.Payment{ID: uuid.New(), LoanID: uuid.New(), ReceiptNumber: "PAY-20260301-AAAAAA",
		Amount: dec("10"), Status: models.PaymentStatusPending, Method: models.PaymentMethodCash,
		PaymentDate: models.NewDate(2026, 3, 1)}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO payments").
		WillReturnError(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique})
	mock.ExpectRollback()

	err = s.WithTx(context.Background(), func(tx Tx) error { return tx.CreatePayment(context.Background(), payment) })
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_CommitOnSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := newSQLiteStoreWithDB(db, zap.NewNop())
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").WithArgs("B-1", "draft", "submitted", "under_review").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectCommit()

	var count int
	err = s.WithTx(context.Background(), func(tx Tx) error {
		var err error
		count, err = tx.CountActiveApplications(context.Background(), "B-1")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
