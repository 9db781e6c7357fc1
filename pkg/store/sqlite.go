package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens the database and initializes the schema. Connection
// pragmas travel in the DSN so every pooled connection gets them. Write
// transactions take the database lock up front (_txlock=immediate) so that two
// operations on the same loan never interleave.
func NewSQLiteStore(dataSourceName string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", withConnOptions(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not migrate schema: %w", err)
	}
	logger.Info("database connection established and schema initialized", zap.String("dsn", dataSourceName))
	return s, nil
}

// newSQLiteStoreWithDB wraps an already opened handle; the schema is assumed to exist.
func newSQLiteStoreWithDB(db *sql.DB, logger *zap.Logger) *SQLiteStore {
	return &SQLiteStore{db: db, logger: logger}
}

// connOptions are go-sqlite3 DSN parameters applied to each new connection.
var connOptions = []struct{ key, value string }{
	{"_foreign_keys", "on"},
	{"_journal_mode", "WAL"},
	{"_busy_timeout", "5000"},
	{"_txlock", "immediate"},
}

// withConnOptions appends the connection options the caller did not set.
func withConnOptions(dsn string) string {
	for _, opt := range connOptions {
		if strings.Contains(dsn, opt.key+"=") {
			continue
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + opt.key + "=" + opt.value
	}
	return dsn
}

// initSchema creates the tables if they don't already exist.
// Decimal fields are TEXT so no precision is lost; calendar dates are TEXT YYYY-MM-DD.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS savings_accounts (
		id TEXT PRIMARY KEY,
		holder_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		balance TEXT NOT NULL DEFAULT '0',
		blocked_balance TEXT NOT NULL DEFAULT '0',
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS loan_applications (
		id TEXT PRIMARY KEY,
		application_number TEXT NOT NULL UNIQUE,
		borrower_id TEXT NOT NULL,
		loan_type TEXT NOT NULL,
		requested_amount TEXT NOT NULL,
		requested_duration_months INTEGER NOT NULL,
		currency TEXT NOT NULL,
		interest_rate TEXT NOT NULL DEFAULT '0',
		purpose TEXT NOT NULL DEFAULT '',
		monthly_income TEXT NOT NULL,
		monthly_expenses TEXT NOT NULL DEFAULT '0',
		existing_debts TEXT NOT NULL DEFAULT '0',
		collateral_value TEXT NOT NULL DEFAULT '0',
		approved_amount TEXT NOT NULL DEFAULT '0',
		debt_to_income_ratio TEXT NOT NULL,
		status TEXT NOT NULL,
		guarantee_account_id TEXT NOT NULL DEFAULT '',
		blocked_guarantee_amount TEXT NOT NULL DEFAULT '0',
		blocked_escrow_account_id TEXT NOT NULL DEFAULT '',
		branch_id TEXT NOT NULL DEFAULT '',
		branch_name TEXT NOT NULL DEFAULT '',
		loan_officer_id TEXT NOT NULL DEFAULT '',
		loan_officer_name TEXT NOT NULL DEFAULT '',
		rejection_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		submitted_at DATETIME,
		reviewed_at DATETIME,
		approved_at DATETIME,
		rejected_at DATETIME,
		cancelled_at DATETIME,
		version INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_loan_applications_borrower ON loan_applications(borrower_id, status);
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		loan_number TEXT NOT NULL UNIQUE,
		application_id TEXT NOT NULL UNIQUE,
		borrower_id TEXT NOT NULL,
		loan_type TEXT NOT NULL,
		currency TEXT NOT NULL,
		principal_amount TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		duration_months INTEGER NOT NULL,
		installment_amount TEXT NOT NULL,
		total_amount_due TEXT NOT NULL,
		amount_paid TEXT NOT NULL DEFAULT '0',
		principal_paid TEXT NOT NULL DEFAULT '0',
		interest_paid TEXT NOT NULL DEFAULT '0',
		penalties_paid TEXT NOT NULL DEFAULT '0',
		outstanding_principal TEXT NOT NULL,
		outstanding_interest TEXT NOT NULL,
		outstanding_penalties TEXT NOT NULL DEFAULT '0',
		outstanding_balance TEXT NOT NULL,
		credit_balance TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		days_overdue INTEGER NOT NULL DEFAULT 0,
		installments_paid INTEGER NOT NULL DEFAULT 0,
		installments_remaining INTEGER NOT NULL DEFAULT 0,
		guarantee_amount TEXT NOT NULL DEFAULT '0',
		guarantee_account_id TEXT NOT NULL DEFAULT '',
		guarantee_released INTEGER NOT NULL DEFAULT 0,
		default_reason TEXT NOT NULL DEFAULT '',
		branch_id TEXT NOT NULL DEFAULT '',
		branch_name TEXT NOT NULL DEFAULT '',
		loan_officer_id TEXT NOT NULL DEFAULT '',
		loan_officer_name TEXT NOT NULL DEFAULT '',
		disbursement_date TEXT,
		first_installment_date TEXT,
		maturity_date TEXT,
		last_payment_date TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		FOREIGN KEY(application_id) REFERENCES loan_applications(id)
	);
	CREATE INDEX IF NOT EXISTS idx_loans_status ON loans(status);
	CREATE TABLE IF NOT EXISTS payment_schedule (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		installment_number INTEGER NOT NULL,
		due_date TEXT NOT NULL,
		principal_amount TEXT NOT NULL,
		interest_amount TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL DEFAULT '0',
		principal_paid TEXT NOT NULL DEFAULT '0',
		interest_paid TEXT NOT NULL DEFAULT '0',
		penalty_paid TEXT NOT NULL DEFAULT '0',
		penalty_accrued TEXT NOT NULL DEFAULT '0',
		penalty_accrued_to TEXT,
		status TEXT NOT NULL,
		days_overdue INTEGER NOT NULL DEFAULT 0,
		paid_date TEXT,
		UNIQUE(loan_id, installment_number),
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		receipt_number TEXT NOT NULL UNIQUE,
		amount TEXT NOT NULL,
		principal_amount TEXT NOT NULL DEFAULT '0',
		interest_amount TEXT NOT NULL DEFAULT '0',
		penalty_amount TEXT NOT NULL DEFAULT '0',
		excess_amount TEXT NOT NULL DEFAULT '0',
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		method TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		recorded_by TEXT NOT NULL DEFAULT '',
		confirmed_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		confirmed_at DATETIME,
		cancelled_at DATETIME,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE INDEX IF NOT EXISTS idx_payments_loan ON payments(loan_id);
	CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status, payment_date);
	CREATE TABLE IF NOT EXISTS application_documents (
		id TEXT PRIMARY KEY,
		application_id TEXT NOT NULL,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		storage_key TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		uploaded_by TEXT NOT NULL DEFAULT '',
		uploaded_at DATETIME NOT NULL,
		verified INTEGER NOT NULL DEFAULT 0,
		verified_by TEXT NOT NULL DEFAULT '',
		verified_at DATETIME,
		FOREIGN KEY(application_id) REFERENCES loan_applications(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// columnMigrations adds columns introduced after a table first shipped.
var columnMigrations = []struct{ table, column string }{
	{"loan_applications", "approved_amount TEXT NOT NULL DEFAULT '0'"},
	{"payment_schedule", "penalty_accrued TEXT NOT NULL DEFAULT '0'"},
	{"payment_schedule", "penalty_accrued_to TEXT"},
}

// migrate brings databases created by older builds up to the current schema.
func (s *SQLiteStore) migrate() error {
	for _, m := range columnMigrations {
		_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", m.table, m.column))
		if err != nil && !isDuplicateColumnError(err) {
			return fmt.Errorf("failed to add column %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

// isDuplicateColumnError checks if the error indicates a duplicate column.
func isDuplicateColumnError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "duplicate column name")
}

// WithTx runs fn inside a database transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&sqliteTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	tx *sql.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

// isUniqueViolation checks if the error is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func checkAffected(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}

const applicationColumns = `id, application_number, borrower_id, loan_type, requested_amount, requested_duration_months, currency, interest_rate, purpose, monthly_income, monthly_expenses, existing_debts, collateral_value, approved_amount, debt_to_income_ratio, status, guarantee_account_id, blocked_guarantee_amount, blocked_escrow_account_id, branch_id, branch_name, loan_officer_id, loan_officer_name, rejection_reason, created_at, updated_at, submitted_at, reviewed_at, approved_at, rejected_at, cancelled_at, version`

func scanApplication(row rowScanner) (*models.LoanApplication, error) {
	var a models.LoanApplication
	var submitted, reviewed, approved, rejected, cancelled sql.NullTime
	err := row.Scan(&a.ID, &a.ApplicationNumber, &a.BorrowerID, &a.LoanType, &a.RequestedAmount, &a.RequestedDurationMonths,
		&a.Currency, &a.InterestRate, &a.Purpose, &a.MonthlyIncome, &a.MonthlyExpenses, &a.ExistingDebts, &a.CollateralValue,
		&a.ApprovedAmount, &a.DebtToIncomeRatio, &a.Status, &a.GuaranteeAccountID, &a.BlockedGuaranteeAmount, &a.BlockedEscrowAccountID,
		&a.BranchID, &a.BranchName, &a.LoanOfficerID, &a.LoanOfficerName, &a.RejectionReason, &a.CreatedAt, &a.UpdatedAt,
		&submitted, &reviewed, &approved, &rejected, &cancelled, &a.Version)
	if err != nil {
		return nil, err
	}
	a.SubmittedAt = timePtr(submitted)
	a.ReviewedAt = timePtr(reviewed)
	a.ApprovedAt = timePtr(approved)
	a.RejectedAt = timePtr(rejected)
	a.CancelledAt = timePtr(cancelled)
	return &a, nil
}

func (t *sqliteTx) CreateApplication(ctx context.Context, a *models.LoanApplication) error {
	a.Version = 1
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO loan_applications (`+applicationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.ApplicationNumber, a.BorrowerID, a.LoanType, a.RequestedAmount, a.RequestedDurationMonths,
		a.Currency, a.InterestRate, a.Purpose, a.MonthlyIncome, a.MonthlyExpenses, a.ExistingDebts, a.CollateralValue,
		a.ApprovedAmount, a.DebtToIncomeRatio, a.Status, a.GuaranteeAccountID, a.BlockedGuaranteeAmount, a.BlockedEscrowAccountID,
		a.BranchID, a.BranchName, a.LoanOfficerID, a.LoanOfficerName, a.RejectionReason, a.CreatedAt, a.UpdatedAt,
		nullableTime(a.SubmittedAt), nullableTime(a.ReviewedAt), nullableTime(a.ApprovedAt), nullableTime(a.RejectedAt),
		nullableTime(a.CancelledAt), a.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create application: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetApplication(ctx context.Context, id uuid.UUID) (*models.LoanApplication, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM loan_applications WHERE id = ?`, id.String())
	a, err := scanApplication(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, applicationNotFound(id)
		}
		return nil, fmt.Errorf("failed to get application: %w", err)
	}
	return a, nil
}

func (t *sqliteTx) UpdateApplication(ctx context.Context, a *models.LoanApplication) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE loan_applications SET loan_type = ?, requested_amount = ?, requested_duration_months = ?, currency = ?,
		interest_rate = ?, purpose = ?, monthly_income = ?, monthly_expenses = ?, existing_debts = ?, collateral_value = ?,
		approved_amount = ?, debt_to_income_ratio = ?, status = ?, guarantee_account_id = ?, blocked_guarantee_amount = ?, blocked_escrow_account_id = ?,
		branch_id = ?, branch_name = ?, loan_officer_id = ?, loan_officer_name = ?, rejection_reason = ?, updated_at = ?,
		submitted_at = ?, reviewed_at = ?, approved_at = ?, rejected_at = ?, cancelled_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		a.LoanType, a.RequestedAmount, a.RequestedDurationMonths, a.Currency,
		a.InterestRate, a.Purpose, a.MonthlyIncome, a.MonthlyExpenses, a.ExistingDebts, a.CollateralValue,
		a.ApprovedAmount, a.DebtToIncomeRatio, a.Status, a.GuaranteeAccountID, a.BlockedGuaranteeAmount, a.BlockedEscrowAccountID,
		a.BranchID, a.BranchName, a.LoanOfficerID, a.LoanOfficerName, a.RejectionReason, a.UpdatedAt,
		nullableTime(a.SubmittedAt), nullableTime(a.ReviewedAt), nullableTime(a.ApprovedAt), nullableTime(a.RejectedAt),
		nullableTime(a.CancelledAt), a.ID.String(), a.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update application: %w", err)
	}
	if err := checkAffected(result, versionConflict("application", a.ID)); err != nil {
		return err
	}
	a.Version++
	return nil
}

func (t *sqliteTx) ListApplications(ctx context.Context, filter ApplicationFilter) ([]*models.LoanApplication, error) {
	query := `SELECT ` + applicationColumns + ` FROM loan_applications WHERE 1 = 1`
	var args []any
	if filter.BorrowerID != "" {
		query += ` AND borrower_id = ?`
		args = append(args, filter.BorrowerID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.BranchID != "" {
		query += ` AND branch_id = ?`
		args = append(args, filter.BranchID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	defer rows.Close()

	var apps []*models.LoanApplication
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan application row: %w", err)
		}
		apps = append(apps, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return apps, nil
}

func (t *sqliteTx) CountActiveApplications(ctx context.Context, borrowerID string) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM loan_applications WHERE borrower_id = ? AND status IN (?, ?, ?)`,
		borrowerID, models.ApplicationStatusDraft, models.ApplicationStatusSubmitted, models.ApplicationStatusUnderReview,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active applications: %w", err)
	}
	return count, nil
}

const loanColumns = `id, loan_number, application_id, borrower_id, loan_type, currency, principal_amount, interest_rate, duration_months, installment_amount, total_amount_due, amount_paid, principal_paid, interest_paid, penalties_paid, outstanding_principal, outstanding_interest, outstanding_penalties, outstanding_balance, credit_balance, status, days_overdue, installments_paid, installments_remaining, guarantee_amount, guarantee_account_id, guarantee_released, default_reason, branch_id, branch_name, loan_officer_id, loan_officer_name, disbursement_date, first_installment_date, maturity_date, last_payment_date, created_at, updated_at, version`

func scanLoan(row rowScanner) (*models.Loan, error) {
	var l models.Loan
	err := row.Scan(&l.ID, &l.LoanNumber, &l.ApplicationID, &l.BorrowerID, &l.LoanType, &l.Currency, &l.PrincipalAmount,
		&l.InterestRate, &l.DurationMonths, &l.InstallmentAmount, &l.TotalAmountDue, &l.AmountPaid, &l.PrincipalPaid,
		&l.InterestPaid, &l.PenaltiesPaid, &l.OutstandingPrincipal, &l.OutstandingInterest, &l.OutstandingPenalties,
		&l.OutstandingBalance, &l.CreditBalance, &l.Status, &l.DaysOverdue, &l.InstallmentsPaid, &l.InstallmentsRemaining,
		&l.GuaranteeAmount, &l.GuaranteeAccountID, &l.GuaranteeReleased, &l.DefaultReason, &l.BranchID, &l.BranchName,
		&l.LoanOfficerID, &l.LoanOfficerName, &l.DisbursementDate, &l.FirstInstallmentDate, &l.MaturityDate,
		&l.LastPaymentDate, &l.CreatedAt, &l.UpdatedAt, &l.Version)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (t *sqliteTx) CreateLoan(ctx context.Context, l *models.Loan) error {
	l.Version = 1
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID.String(), l.LoanNumber, l.ApplicationID.String(), l.BorrowerID, l.LoanType, l.Currency, l.PrincipalAmount,
		l.InterestRate, l.DurationMonths, l.InstallmentAmount, l.TotalAmountDue, l.AmountPaid, l.PrincipalPaid,
		l.InterestPaid, l.PenaltiesPaid, l.OutstandingPrincipal, l.OutstandingInterest, l.OutstandingPenalties,
		l.OutstandingBalance, l.CreditBalance, l.Status, l.DaysOverdue, l.InstallmentsPaid, l.InstallmentsRemaining,
		l.GuaranteeAmount, l.GuaranteeAccountID, l.GuaranteeReleased, l.DefaultReason, l.BranchID, l.BranchName,
		l.LoanOfficerID, l.LoanOfficerName, l.DisbursementDate, l.FirstInstallmentDate, l.MaturityDate,
		l.LastPaymentDate, l.CreatedAt, l.UpdatedAt, l.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	l, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, loanNotFound(id)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return l, nil
}

func (t *sqliteTx) GetLoanByApplication(ctx context.Context, applicationID uuid.UUID) (*models.Loan, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE application_id = ?`, applicationID.String())
	l, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, loanNotFound(applicationID)
		}
		return nil, fmt.Errorf("failed to get loan for application: %w", err)
	}
	return l, nil
}

// UpdateLoan updates an existing loan guarded by its version.
func (t *sqliteTx) UpdateLoan(ctx context.Context, l *models.Loan) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE loans SET principal_amount = ?, interest_rate = ?, duration_months = ?, installment_amount = ?,
		total_amount_due = ?, amount_paid = ?, principal_paid = ?, interest_paid = ?, penalties_paid = ?,
		outstanding_principal = ?, outstanding_interest = ?, outstanding_penalties = ?, outstanding_balance = ?,
		credit_balance = ?, status = ?, days_overdue = ?, installments_paid = ?, installments_remaining = ?,
		guarantee_amount = ?, guarantee_account_id = ?, guarantee_released = ?, default_reason = ?,
		disbursement_date = ?, first_installment_date = ?, maturity_date = ?, last_payment_date = ?, updated_at = ?,
		version = version + 1
		WHERE id = ? AND version = ?`,
		l.PrincipalAmount, l.InterestRate, l.DurationMonths, l.InstallmentAmount,
		l.TotalAmountDue, l.AmountPaid, l.PrincipalPaid, l.InterestPaid, l.PenaltiesPaid,
		l.OutstandingPrincipal, l.OutstandingInterest, l.OutstandingPenalties, l.OutstandingBalance,
		l.CreditBalance, l.Status, l.DaysOverdue, l.InstallmentsPaid, l.InstallmentsRemaining,
		l.GuaranteeAmount, l.GuaranteeAccountID, l.GuaranteeReleased, l.DefaultReason,
		l.DisbursementDate, l.FirstInstallmentDate, l.MaturityDate, l.LastPaymentDate, l.UpdatedAt,
		l.ID.String(), l.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	if err := checkAffected(result, versionConflict("loan", l.ID)); err != nil {
		return err
	}
	l.Version++
	return nil
}

func (t *sqliteTx) ListLoans(ctx context.Context, statuses ...models.LoanStatus) ([]*models.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans`
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, s)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

const scheduleColumns = `id, loan_id, installment_number, due_date, principal_amount, interest_amount, total_amount, paid_amount, principal_paid, interest_paid, penalty_paid, penalty_accrued, penalty_accrued_to, status, days_overdue, paid_date`

func (t *sqliteTx) CreateScheduleEntries(ctx context.Context, entries []*models.ScheduleEntry) error {
	stmt, err := t.tx.PrepareContext(ctx,
		`INSERT INTO payment_schedule (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare schedule insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		_, err := stmt.ExecContext(ctx, e.ID.String(), e.LoanID.String(), e.InstallmentNumber, e.DueDate,
			e.PrincipalAmount, e.InterestAmount, e.TotalAmount, e.PaidAmount, e.PrincipalPaid, e.InterestPaid,
			e.PenaltyPaid, e.PenaltyAccrued, e.PenaltyAccruedTo, e.Status, e.DaysOverdue, e.PaidDate)
		if err != nil {
			return fmt.Errorf("failed to create schedule entry %d: %w", e.InstallmentNumber, err)
		}
	}
	return nil
}

func (t *sqliteTx) GetSchedule(ctx context.Context, loanID uuid.UUID) ([]*models.ScheduleEntry, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM payment_schedule WHERE loan_id = ? ORDER BY due_date ASC, installment_number ASC`,
		loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var entries []*models.ScheduleEntry
	for rows.Next() {
		var e models.ScheduleEntry
		if err := rows.Scan(&e.ID, &e.LoanID, &e.InstallmentNumber, &e.DueDate, &e.PrincipalAmount, &e.InterestAmount,
			&e.TotalAmount, &e.PaidAmount, &e.PrincipalPaid, &e.InterestPaid, &e.PenaltyPaid, &e.PenaltyAccrued, &e.PenaltyAccruedTo, &e.Status,
			&e.DaysOverdue, &e.PaidDate); err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for loan schedule: %w", err)
	}
	return entries, nil
}

func (t *sqliteTx) UpdateScheduleEntry(ctx context.Context, e *models.ScheduleEntry) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE payment_schedule SET paid_amount = ?, principal_paid = ?, interest_paid = ?, penalty_paid = ?,
		penalty_accrued = ?, penalty_accrued_to = ?, status = ?, days_overdue = ?, paid_date = ? WHERE id = ?`,
		e.PaidAmount, e.PrincipalPaid, e.InterestPaid, e.PenaltyPaid, e.PenaltyAccrued, e.PenaltyAccruedTo,
		e.Status, e.DaysOverdue, e.PaidDate, e.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update schedule entry: %w", err)
	}
	return checkAffected(result, loanNotFound(e.LoanID))
}

const paymentColumns = `id, loan_id, receipt_number, amount, principal_amount, interest_amount, penalty_amount, excess_amount, currency, status, method, payment_date, reference, notes, recorded_by, confirmed_by, created_at, updated_at, confirmed_at, cancelled_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	var confirmed, cancelled sql.NullTime
	err := row.Scan(&p.ID, &p.LoanID, &p.ReceiptNumber, &p.Amount, &p.PrincipalAmount, &p.InterestAmount,
		&p.PenaltyAmount, &p.ExcessAmount, &p.Currency, &p.Status, &p.Method, &p.PaymentDate, &p.Reference, &p.Notes,
		&p.RecordedBy, &p.ConfirmedBy, &p.CreatedAt, &p.UpdatedAt, &confirmed, &cancelled)
	if err != nil {
		return nil, err
	}
	p.ConfirmedAt = timePtr(confirmed)
	p.CancelledAt = timePtr(cancelled)
	return &p, nil
}

func (t *sqliteTx) CreatePayment(ctx context.Context, p *models.Payment) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.LoanID.String(), p.ReceiptNumber, p.Amount, p.PrincipalAmount, p.InterestAmount,
		p.PenaltyAmount, p.ExcessAmount, p.Currency, p.Status, p.Method, p.PaymentDate, p.Reference, p.Notes,
		p.RecordedBy, p.ConfirmedBy, p.CreatedAt, p.UpdatedAt, nullableTime(p.ConfirmedAt), nullableTime(p.CancelledAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id.String())
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, paymentNotFound(id)
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// UpdatePayment persists status and allocation changes. Amount is immutable and never rewritten.
func (t *sqliteTx) UpdatePayment(ctx context.Context, p *models.Payment) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE payments SET principal_amount = ?, interest_amount = ?, penalty_amount = ?, excess_amount = ?,
		status = ?, notes = ?, confirmed_by = ?, updated_at = ?, confirmed_at = ?, cancelled_at = ? WHERE id = ?`,
		p.PrincipalAmount, p.InterestAmount, p.PenaltyAmount, p.ExcessAmount, p.Status, p.Notes, p.ConfirmedBy,
		p.UpdatedAt, nullableTime(p.ConfirmedAt), nullableTime(p.CancelledAt), p.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return checkAffected(result, paymentNotFound(p.ID))
}

func (t *sqliteTx) ListPayments(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE loan_id = ? ORDER BY created_at ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get payments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for loan payments: %w", err)
	}
	return payments, nil
}

func (t *sqliteTx) SearchPayments(ctx context.Context, filter PaymentFilter) ([]*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE 1 = 1`
	var args []any
	if filter.LoanID != uuid.Nil {
		query += ` AND loan_id = ?`
		args = append(args, filter.LoanID.String())
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Method != "" {
		query += ` AND method = ?`
		args = append(args, filter.Method)
	}
	if !filter.From.IsZero() {
		query += ` AND payment_date >= ?`
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		query += ` AND payment_date <= ?`
		args = append(args, filter.To)
	}
	query += ` ORDER BY payment_date ASC, created_at ASC`

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for payments: %w", err)
	}
	return payments, nil
}

const documentColumns = `id, application_id, type, name, storage_key, content_type, size, uploaded_by, uploaded_at, verified, verified_by, verified_at`

func scanDocument(row rowScanner) (*models.ApplicationDocument, error) {
	var d models.ApplicationDocument
	var verifiedAt sql.NullTime
	err := row.Scan(&d.ID, &d.ApplicationID, &d.Type, &d.Name, &d.StorageKey, &d.ContentType, &d.Size,
		&d.UploadedBy, &d.UploadedAt, &d.Verified, &d.VerifiedBy, &verifiedAt)
	if err != nil {
		return nil, err
	}
	d.VerifiedAt = timePtr(verifiedAt)
	return &d, nil
}

func (t *sqliteTx) CreateDocument(ctx context.Context, d *models.ApplicationDocument) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO application_documents (`+documentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID.String(), d.ApplicationID.String(), d.Type, d.Name, d.StorageKey, d.ContentType, d.Size,
		d.UploadedBy, d.UploadedAt, d.Verified, d.VerifiedBy, nullableTime(d.VerifiedAt))
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetDocument(ctx context.Context, id uuid.UUID) (*models.ApplicationDocument, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM application_documents WHERE id = ?`, id.String())
	d, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, documentNotFound(id)
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return d, nil
}

func (t *sqliteTx) UpdateDocument(ctx context.Context, d *models.ApplicationDocument) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE application_documents SET verified = ?, verified_by = ?, verified_at = ? WHERE id = ?`,
		d.Verified, d.VerifiedBy, nullableTime(d.VerifiedAt), d.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	return checkAffected(result, documentNotFound(d.ID))
}

func (t *sqliteTx) ListDocuments(ctx context.Context, applicationID uuid.UUID) ([]*models.ApplicationDocument, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM application_documents WHERE application_id = ? ORDER BY uploaded_at ASC`,
		applicationID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*models.ApplicationDocument
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for documents: %w", err)
	}
	return docs, nil
}

func (t *sqliteTx) CreateSavingsAccount(ctx context.Context, a *models.SavingsAccount) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO savings_accounts (id, holder_id, currency, balance, blocked_balance, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.HolderID, a.Currency, a.Balance, a.BlockedBalance, a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create savings account: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetSavingsAccount(ctx context.Context, id string) (*models.SavingsAccount, error) {
	var a models.SavingsAccount
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, holder_id, currency, balance, blocked_balance, updated_at FROM savings_accounts WHERE id = ?`, id,
	).Scan(&a.ID, &a.HolderID, &a.Currency, &a.Balance, &a.BlockedBalance, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, accountNotFound(id)
		}
		return nil, fmt.Errorf("failed to get savings account: %w", err)
	}
	return &a, nil
}

func (t *sqliteTx) DepositFunds(ctx context.Context, accountID string, amount decimal.Decimal) error {
	a, err := t.GetSavingsAccount(ctx, accountID)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx,
		`UPDATE savings_accounts SET balance = ?, updated_at = ? WHERE id = ?`, a.Balance.Add(amount), time.Now().UTC(), accountID)
	if err != nil {
		return fmt.Errorf("failed to deposit funds: %w", err)
	}
	return checkAffected(result, accountNotFound(accountID))
}

func (t *sqliteTx) setBlockedBalance(ctx context.Context, id string, blocked decimal.Decimal) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE savings_accounts SET blocked_balance = ?, updated_at = ? WHERE id = ?`, blocked, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update blocked balance: %w", err)
	}
	return checkAffected(result, accountNotFound(id))
}

func (t *sqliteTx) BlockFunds(ctx context.Context, accountID string, amount decimal.Decimal) error {
	a, err := t.GetSavingsAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if a.Available().LessThan(amount) {
		return insufficientFunds(accountID, a.Available(), amount)
	}
	return t.setBlockedBalance(ctx, accountID, a.BlockedBalance.Add(amount))
}

func (t *sqliteTx) ReleaseFunds(ctx context.Context, accountID string, amount decimal.Decimal) error {
	a, err := t.GetSavingsAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if a.BlockedBalance.LessThan(amount) {
		return releaseExceedsBlocked(accountID, a.BlockedBalance, amount)
	}
	return t.setBlockedBalance(ctx, accountID, a.BlockedBalance.Sub(amount))
}
