package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Currency string

const (
	CurrencyHTG Currency = "HTG"
	CurrencyUSD Currency = "USD"
)

type LoanType string

const (
	LoanTypeCommercial   LoanType = "commercial"
	LoanTypeAgricultural LoanType = "agricultural"
	LoanTypePersonal     LoanType = "personal"
	LoanTypeEmergency    LoanType = "emergency"
)

type ApplicationStatus string

const (
	ApplicationStatusDraft       ApplicationStatus = "draft"
	ApplicationStatusSubmitted   ApplicationStatus = "submitted"
	ApplicationStatusUnderReview ApplicationStatus = "under_review"
	ApplicationStatusApproved    ApplicationStatus = "approved"
	ApplicationStatusRejected    ApplicationStatus = "rejected"
	ApplicationStatusCancelled   ApplicationStatus = "cancelled"
)

// ActiveApplicationStatuses count toward a borrower's concurrent application limit.
var ActiveApplicationStatuses = []ApplicationStatus{
	ApplicationStatusDraft,
	ApplicationStatusSubmitted,
	ApplicationStatusUnderReview,
}

// IsTerminal reports whether no further transitions are possible.
func (s ApplicationStatus) IsTerminal() bool {
	switch s {
	case ApplicationStatusApproved, ApplicationStatusRejected, ApplicationStatusCancelled:
		return true
	}
	return false
}

type LoanStatus string

const (
	LoanStatusApproved  LoanStatus = "approved"
	LoanStatusActive    LoanStatus = "active"
	LoanStatusOverdue   LoanStatus = "overdue"
	LoanStatusCompleted LoanStatus = "completed"
	LoanStatusDefaulted LoanStatus = "defaulted"
)

// AcceptsPayments reports whether repayments may be recorded against the loan.
func (s LoanStatus) AcceptsPayments() bool {
	return s == LoanStatusActive || s == LoanStatusOverdue || s == LoanStatusDefaulted
}

type InstallmentStatus string

const (
	InstallmentStatusPending   InstallmentStatus = "pending"
	InstallmentStatusPartial   InstallmentStatus = "partial"
	InstallmentStatusCompleted InstallmentStatus = "completed"
	InstallmentStatusOverdue   InstallmentStatus = "overdue"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

type PaymentMethod string

const (
	PaymentMethodCash         PaymentMethod = "cash"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
	PaymentMethodMobileMoney  PaymentMethod = "mobile_money"
	PaymentMethodCheck        PaymentMethod = "check"
	PaymentMethodCard         PaymentMethod = "card"
)

type DocumentType string

const (
	DocumentTypeIDCard               DocumentType = "id_card"
	DocumentTypeProofOfIncome        DocumentType = "proof_of_income"
	DocumentTypeBusinessRegistration DocumentType = "business_registration"
	DocumentTypeBankStatements       DocumentType = "bank_statements"
	DocumentTypeCollateralDocument   DocumentType = "collateral_document"
	DocumentTypeReferenceLetter      DocumentType = "reference_letter"
	DocumentTypePhotos               DocumentType = "photos"
	DocumentTypeOther                DocumentType = "other"
)

// RequiredDocumentTypes must be present and verified before an application is ready for review.
var RequiredDocumentTypes = []DocumentType{DocumentTypeIDCard, DocumentTypeProofOfIncome}

type LoanApplication struct {
	ID                      uuid.UUID         `json:"id"`
	ApplicationNumber       string            `json:"application_number"`
	BorrowerID              string            `json:"borrower_id"`
	LoanType                LoanType          `json:"loan_type"`
	RequestedAmount         decimal.Decimal   `json:"requested_amount"`
	RequestedDurationMonths int               `json:"requested_duration_months"`
	Currency                Currency          `json:"currency"`
	InterestRate            decimal.Decimal   `json:"interest_rate"` // Annual; zero means the product default applies
	Purpose                 string            `json:"purpose"`
	MonthlyIncome           decimal.Decimal   `json:"monthly_income"`
	MonthlyExpenses         decimal.Decimal   `json:"monthly_expenses"`
	ExistingDebts           decimal.Decimal   `json:"existing_debts"`
	CollateralValue         decimal.Decimal   `json:"collateral_value"`
	ApprovedAmount          decimal.Decimal   `json:"approved_amount"` // Zero until approved
	DebtToIncomeRatio       decimal.Decimal   `json:"debt_to_income_ratio"`
	Status                  ApplicationStatus `json:"status"`
	GuaranteeAccountID      string            `json:"guarantee_account_id"`      // Savings account offered as collateral
	BlockedGuaranteeAmount  decimal.Decimal   `json:"blocked_guarantee_amount"`  // Zero when no funds are held for this application
	BlockedEscrowAccountID  string            `json:"blocked_escrow_account_id"` // Empty when no funds are held for this application
	BranchID                string            `json:"branch_id"`
	BranchName              string            `json:"branch_name"`
	LoanOfficerID           string            `json:"loan_officer_id"`
	LoanOfficerName         string            `json:"loan_officer_name"`
	RejectionReason         string            `json:"rejection_reason,omitempty"`
	CreatedAt               time.Time         `json:"created_at"`
	UpdatedAt               time.Time         `json:"updated_at"`
	SubmittedAt             *time.Time        `json:"submitted_at,omitempty"`
	ReviewedAt              *time.Time        `json:"reviewed_at,omitempty"`
	ApprovedAt              *time.Time        `json:"approved_at,omitempty"`
	RejectedAt              *time.Time        `json:"rejected_at,omitempty"`
	CancelledAt             *time.Time        `json:"cancelled_at,omitempty"`
	Version                 int               `json:"version"`
}

// HasEscrow reports whether guarantee funds are currently held for the application.
func (a *LoanApplication) HasEscrow() bool {
	return a.BlockedEscrowAccountID != "" && a.BlockedGuaranteeAmount.IsPositive()
}

type Loan struct {
	ID                    uuid.UUID       `json:"id"`
	LoanNumber            string          `json:"loan_number"`
	ApplicationID         uuid.UUID       `json:"application_id"`
	BorrowerID            string          `json:"borrower_id"`
	LoanType              LoanType        `json:"loan_type"`
	Currency              Currency        `json:"currency"`
	PrincipalAmount       decimal.Decimal `json:"principal_amount"`
	InterestRate          decimal.Decimal `json:"interest_rate"`
	DurationMonths        int             `json:"duration_months"`
	InstallmentAmount     decimal.Decimal `json:"installment_amount"`
	TotalAmountDue        decimal.Decimal `json:"total_amount_due"`
	AmountPaid            decimal.Decimal `json:"amount_paid"`
	PrincipalPaid         decimal.Decimal `json:"principal_paid"`
	InterestPaid          decimal.Decimal `json:"interest_paid"`
	PenaltiesPaid         decimal.Decimal `json:"penalties_paid"`
	OutstandingPrincipal  decimal.Decimal `json:"outstanding_principal"`
	OutstandingInterest   decimal.Decimal `json:"outstanding_interest"`
	OutstandingPenalties  decimal.Decimal `json:"outstanding_penalties"`
	OutstandingBalance    decimal.Decimal `json:"outstanding_balance"`
	CreditBalance         decimal.Decimal `json:"credit_balance"` // Overpayments kept under the credit policy
	Status                LoanStatus      `json:"status"`
	DaysOverdue           int             `json:"days_overdue"`
	InstallmentsPaid      int             `json:"installments_paid"`
	InstallmentsRemaining int             `json:"installments_remaining"`
	GuaranteeAmount       decimal.Decimal `json:"guarantee_amount"`
	GuaranteeAccountID    string          `json:"guarantee_account_id"`
	GuaranteeReleased     bool            `json:"guarantee_released"`
	DefaultReason         string          `json:"default_reason,omitempty"`
	BranchID              string          `json:"branch_id"`
	BranchName            string          `json:"branch_name"`
	LoanOfficerID         string          `json:"loan_officer_id"`
	LoanOfficerName       string          `json:"loan_officer_name"`
	DisbursementDate      Date            `json:"disbursement_date"`
	FirstInstallmentDate  Date            `json:"first_installment_date"`
	MaturityDate          Date            `json:"maturity_date"`
	LastPaymentDate       Date            `json:"last_payment_date"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	Version               int             `json:"version"`
}

// HasGuaranteeHeld reports whether collateral funds are still blocked for the loan.
func (l *Loan) HasGuaranteeHeld() bool {
	return !l.GuaranteeReleased && l.GuaranteeAccountID != "" && l.GuaranteeAmount.IsPositive()
}

// RecomputeBalance sets OutstandingBalance to the sum of its three components.
func (l *Loan) RecomputeBalance() {
	l.OutstandingBalance = l.OutstandingPrincipal.Add(l.OutstandingInterest).Add(l.OutstandingPenalties)
}

// ZeroOutstanding clears every outstanding component.
func (l *Loan) ZeroOutstanding() {
	l.OutstandingPrincipal = decimal.Zero
	l.OutstandingInterest = decimal.Zero
	l.OutstandingPenalties = decimal.Zero
	l.OutstandingBalance = decimal.Zero
}

type ScheduleEntry struct {
	ID                uuid.UUID         `json:"id"`
	LoanID            uuid.UUID         `json:"loan_id"`
	InstallmentNumber int               `json:"installment_number"`
	DueDate           Date              `json:"due_date"`
	PrincipalAmount   decimal.Decimal   `json:"principal_amount"`
	InterestAmount    decimal.Decimal   `json:"interest_amount"`
	TotalAmount       decimal.Decimal   `json:"total_amount"`
	PaidAmount        decimal.Decimal   `json:"paid_amount"`
	PrincipalPaid     decimal.Decimal   `json:"principal_paid"`
	InterestPaid      decimal.Decimal   `json:"interest_paid"`
	PenaltyPaid       decimal.Decimal   `json:"penalty_paid"`
	PenaltyAccrued    decimal.Decimal   `json:"penalty_accrued"`    // Late charges assessed so far
	PenaltyAccruedTo  Date              `json:"penalty_accrued_to"` // Day through which PenaltyAccrued is counted
	Status            InstallmentStatus `json:"status"`
	DaysOverdue       int               `json:"days_overdue"`
	PaidDate          Date              `json:"paid_date"`
}

// Unpaid is what remains of the installment's principal and interest.
func (e *ScheduleEntry) Unpaid() decimal.Decimal {
	u := e.TotalAmount.Sub(e.PaidAmount)
	if u.IsNegative() {
		return decimal.Zero
	}
	return u
}

// PenaltyOwed is the accrued late charge not yet paid.
func (e *ScheduleEntry) PenaltyOwed() decimal.Decimal {
	owed := e.PenaltyAccrued.Sub(e.PenaltyPaid)
	if owed.IsNegative() {
		return decimal.Zero
	}
	return owed
}

// IsOpen reports whether the installment still awaits money.
func (e *ScheduleEntry) IsOpen() bool {
	return e.Status != InstallmentStatusCompleted
}

type Payment struct {
	ID              uuid.UUID       `json:"id"`
	LoanID          uuid.UUID       `json:"loan_id"`
	ReceiptNumber   string          `json:"receipt_number"`
	Amount          decimal.Decimal `json:"amount"`
	PrincipalAmount decimal.Decimal `json:"principal_amount"`
	InterestAmount  decimal.Decimal `json:"interest_amount"`
	PenaltyAmount   decimal.Decimal `json:"penalty_amount"`
	ExcessAmount    decimal.Decimal `json:"excess_amount"`
	Currency        Currency        `json:"currency"`
	Status          PaymentStatus   `json:"status"`
	Method          PaymentMethod   `json:"payment_method"`
	PaymentDate     Date            `json:"payment_date"`
	Reference       string          `json:"reference,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	RecordedBy      string          `json:"recorded_by"`
	ConfirmedBy     string          `json:"confirmed_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ConfirmedAt     *time.Time      `json:"confirmed_at,omitempty"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
}

type ApplicationDocument struct {
	ID            uuid.UUID    `json:"id"`
	ApplicationID uuid.UUID    `json:"application_id"`
	Type          DocumentType `json:"type"`
	Name          string       `json:"name"`
	StorageKey    string       `json:"storage_key"`
	ContentType   string       `json:"content_type"`
	Size          int64        `json:"size"`
	UploadedBy    string       `json:"uploaded_by"`
	UploadedAt    time.Time    `json:"uploaded_at"`
	Verified      bool         `json:"verified"`
	VerifiedBy    string       `json:"verified_by,omitempty"`
	VerifiedAt    *time.Time   `json:"verified_at,omitempty"`
}

// SavingsAccount holds the customer funds a guarantee is blocked against.
type SavingsAccount struct {
	ID             string          `json:"id"`
	HolderID       string          `json:"holder_id"`
	Currency       Currency        `json:"currency"`
	Balance        decimal.Decimal `json:"balance"`
	BlockedBalance decimal.Decimal `json:"blocked_balance"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Available is the part of the balance not held as collateral.
func (a *SavingsAccount) Available() decimal.Decimal {
	return a.Balance.Sub(a.BlockedBalance)
}
