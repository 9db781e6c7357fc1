package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/loanerr"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/shopspring/decimal"
)

// ErrDuplicate is returned when a unique number (application, loan, receipt) already exists.
var ErrDuplicate = errors.New("duplicate key")

// ApplicationFilter narrows ListApplications. Zero fields do not filter.
type ApplicationFilter struct {
	BorrowerID string
	Status     models.ApplicationStatus
	BranchID   string
}

// PaymentFilter narrows SearchPayments. Zero fields do not filter; From and
// To bound the payment date inclusively.
type PaymentFilter struct {
	LoanID uuid.UUID
	Status models.PaymentStatus
	Method models.PaymentMethod
	From   models.Date
	To     models.Date
}

// Matches reports whether p passes every set field of the filter.
func (f PaymentFilter) Matches(p *models.Payment) bool {
	switch {
	case f.LoanID != uuid.Nil && p.LoanID != f.LoanID:
		return false
	case f.Status != "" && p.Status != f.Status:
		return false
	case f.Method != "" && p.Method != f.Method:
		return false
	case !f.From.IsZero() && p.PaymentDate.Before(f.From):
		return false
	case !f.To.IsZero() && p.PaymentDate.After(f.To):
		return false
	}
	return true
}

// Tx is a unit of work. Every read and write of one engine operation goes
// through the same Tx so that the whole operation commits or rolls back together.
type Tx interface {
	CreateApplication(ctx context.Context, app *models.LoanApplication) error
	GetApplication(ctx context.Context, id uuid.UUID) (*models.LoanApplication, error)
	// UpdateApplication fails with a concurrency error unless app.Version matches
	// the stored version; on success app.Version is incremented.
	UpdateApplication(ctx context.Context, app *models.LoanApplication) error
	ListApplications(ctx context.Context, filter ApplicationFilter) ([]*models.LoanApplication, error)
	CountActiveApplications(ctx context.Context, borrowerID string) (int, error)

	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	GetLoanByApplication(ctx context.Context, applicationID uuid.UUID) (*models.Loan, error)
	// UpdateLoan has the same optimistic version check as UpdateApplication.
	UpdateLoan(ctx context.Context, loan *models.Loan) error
	ListLoans(ctx context.Context, statuses ...models.LoanStatus) ([]*models.Loan, error)

	CreateScheduleEntries(ctx context.Context, entries []*models.ScheduleEntry) error
	// GetSchedule returns the loan's installments ordered by due date.
	GetSchedule(ctx context.Context, loanID uuid.UUID) ([]*models.ScheduleEntry, error)
	UpdateScheduleEntry(ctx context.Context, entry *models.ScheduleEntry) error

	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	UpdatePayment(ctx context.Context, payment *models.Payment) error
	ListPayments(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error)
	// SearchPayments returns matching payments ordered by payment date.
	SearchPayments(ctx context.Context, filter PaymentFilter) ([]*models.Payment, error)

	CreateDocument(ctx context.Context, doc *models.ApplicationDocument) error
	GetDocument(ctx context.Context, id uuid.UUID) (*models.ApplicationDocument, error)
	UpdateDocument(ctx context.Context, doc *models.ApplicationDocument) error
	ListDocuments(ctx context.Context, applicationID uuid.UUID) ([]*models.ApplicationDocument, error)

	CreateSavingsAccount(ctx context.Context, account *models.SavingsAccount) error
	GetSavingsAccount(ctx context.Context, id string) (*models.SavingsAccount, error)
	// DepositFunds credits amount to the account balance.
	DepositFunds(ctx context.Context, accountID string, amount decimal.Decimal) error
	// BlockFunds moves amount from available to blocked balance, failing with
	// an insufficient-funds error when the available balance is short.
	BlockFunds(ctx context.Context, accountID string, amount decimal.Decimal) error
	// ReleaseFunds returns amount from blocked to available balance.
	ReleaseFunds(ctx context.Context, accountID string, amount decimal.Decimal) error
}

// Storage defines the persistence backend of the engine.
type Storage interface {
	// WithTx runs fn in a transaction, committing when fn returns nil and
	// rolling back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

func applicationNotFound(id uuid.UUID) error {
	return loanerr.NotFound("ApplicationNotFound", "application %s not found", id)
}

func loanNotFound(id uuid.UUID) error {
	return loanerr.NotFound("LoanNotFound", "loan %s not found", id)
}

func paymentNotFound(id uuid.UUID) error {
	return loanerr.NotFound("PaymentNotFound", "payment %s not found", id)
}

func documentNotFound(id uuid.UUID) error {
	return loanerr.NotFound("DocumentNotFound", "document %s not found", id)
}

func accountNotFound(id string) error {
	return loanerr.NotFound("AccountNotFound", "savings account %s not found", id)
}

func versionConflict(entity string, id uuid.UUID) error {
	return loanerr.Concurrency("VersionMismatch", "%s %s was modified by another process", entity, id)
}

func insufficientFunds(accountID string, available, amount decimal.Decimal) error {
	return loanerr.InsufficientFunds("InsufficientFunds",
		"savings account %s has %s available, %s required", accountID, available.StringFixed(2), amount.StringFixed(2))
}

func releaseExceedsBlocked(accountID string, blocked, amount decimal.Decimal) error {
	return loanerr.StateConflict("ReleaseExceedsBlocked",
		"savings account %s has %s blocked, cannot release %s", accountID, blocked.StringFixed(2), amount.StringFixed(2))
}
