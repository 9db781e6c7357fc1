package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Views are the typed projections returned by the API. Money is rendered as
// fixed two-decimal strings and rates as four-decimal strings.

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func rate(d decimal.Decimal) string { return d.StringFixed(4) }

type ApplicationView struct {
	ID                      string     `json:"id"`
	ApplicationNumber       string     `json:"application_number"`
	BorrowerID              string     `json:"borrower_id"`
	LoanType                string     `json:"loan_type"`
	RequestedAmount         string     `json:"requested_amount"`
	RequestedDurationMonths int        `json:"requested_duration_months"`
	ApprovedAmount          string     `json:"approved_amount,omitempty"`
	Currency                string     `json:"currency"`
	InterestRate            string     `json:"interest_rate"`
	DebtToIncomeRatio       string     `json:"debt_to_income_ratio"`
	Status                  string     `json:"status"`
	GuaranteeBlocked        bool       `json:"guarantee_blocked"`
	BlockedGuaranteeAmount  string     `json:"blocked_guarantee_amount"`
	BlockedEscrowAccountID  string     `json:"blocked_escrow_account_id,omitempty"`
	BranchName              string     `json:"branch_name"`
	LoanOfficerName         string     `json:"loan_officer_name"`
	RejectionReason         string     `json:"rejection_reason,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	SubmittedAt             *time.Time `json:"submitted_at,omitempty"`
	ApprovedAt              *time.Time `json:"approved_at,omitempty"`
}

func approvedAmount(a *LoanApplication) string {
	if !a.ApprovedAmount.IsPositive() {
		return ""
	}
	return money(a.ApprovedAmount)
}

func NewApplicationView(a *LoanApplication) ApplicationView {
	return ApplicationView{
		ID:                      a.ID.String(),
		ApplicationNumber:       a.ApplicationNumber,
		BorrowerID:              a.BorrowerID,
		LoanType:                string(a.LoanType),
		RequestedAmount:         money(a.RequestedAmount),
		RequestedDurationMonths: a.RequestedDurationMonths,
		ApprovedAmount:          approvedAmount(a),
		Currency:                string(a.Currency),
		InterestRate:            rate(a.InterestRate),
		DebtToIncomeRatio:       rate(a.DebtToIncomeRatio),
		Status:                  string(a.Status),
		GuaranteeBlocked:        a.HasEscrow(),
		BlockedGuaranteeAmount:  money(a.BlockedGuaranteeAmount),
		BlockedEscrowAccountID:  a.BlockedEscrowAccountID,
		BranchName:              a.BranchName,
		LoanOfficerName:         a.LoanOfficerName,
		RejectionReason:         a.RejectionReason,
		CreatedAt:               a.CreatedAt,
		SubmittedAt:             a.SubmittedAt,
		ApprovedAt:              a.ApprovedAt,
	}
}

type LoanView struct {
	ID                    string `json:"id"`
	LoanNumber            string `json:"loan_number"`
	ApplicationID         string `json:"application_id"`
	BorrowerID            string `json:"borrower_id"`
	Status                string `json:"status"`
	Currency              string `json:"currency"`
	PrincipalAmount       string `json:"principal_amount"`
	InterestRate          string `json:"interest_rate"`
	DurationMonths        int    `json:"duration_months"`
	InstallmentAmount     string `json:"installment_amount"`
	TotalAmountDue        string `json:"total_amount_due"`
	AmountPaid            string `json:"amount_paid"`
	OutstandingPrincipal  string `json:"outstanding_principal"`
	OutstandingInterest   string `json:"outstanding_interest"`
	OutstandingPenalties  string `json:"outstanding_penalties"`
	OutstandingBalance    string `json:"outstanding_balance"`
	CreditBalance         string `json:"credit_balance"`
	DaysOverdue           int    `json:"days_overdue"`
	InstallmentsPaid      int    `json:"installments_paid"`
	InstallmentsRemaining int    `json:"installments_remaining"`
	GuaranteeAmount       string `json:"guarantee_amount"`
	GuaranteeHeld         bool   `json:"guarantee_held"`
	DisbursementDate      string `json:"disbursement_date,omitempty"`
	FirstInstallmentDate  string `json:"first_installment_date"`
	MaturityDate          string `json:"maturity_date"`
	BranchName            string `json:"branch_name"`
}

func NewLoanView(l *Loan) LoanView {
	return LoanView{
		ID:                    l.ID.String(),
		LoanNumber:            l.LoanNumber,
		ApplicationID:         l.ApplicationID.String(),
		BorrowerID:            l.BorrowerID,
		Status:                string(l.Status),
		Currency:              string(l.Currency),
		PrincipalAmount:       money(l.PrincipalAmount),
		InterestRate:          rate(l.InterestRate),
		DurationMonths:        l.DurationMonths,
		InstallmentAmount:     money(l.InstallmentAmount),
		TotalAmountDue:        money(l.TotalAmountDue),
		AmountPaid:            money(l.AmountPaid),
		OutstandingPrincipal:  money(l.OutstandingPrincipal),
		OutstandingInterest:   money(l.OutstandingInterest),
		OutstandingPenalties:  money(l.OutstandingPenalties),
		OutstandingBalance:    money(l.OutstandingBalance),
		CreditBalance:         money(l.CreditBalance),
		DaysOverdue:           l.DaysOverdue,
		InstallmentsPaid:      l.InstallmentsPaid,
		InstallmentsRemaining: l.InstallmentsRemaining,
		GuaranteeAmount:       money(l.GuaranteeAmount),
		GuaranteeHeld:         l.HasGuaranteeHeld(),
		DisbursementDate:      l.DisbursementDate.String(),
		FirstInstallmentDate:  l.FirstInstallmentDate.String(),
		MaturityDate:          l.MaturityDate.String(),
		BranchName:            l.BranchName,
	}
}

type ScheduleEntryView struct {
	InstallmentNumber int    `json:"installment_number"`
	DueDate           string `json:"due_date"`
	PrincipalAmount   string `json:"principal_amount"`
	InterestAmount    string `json:"interest_amount"`
	TotalAmount       string `json:"total_amount"`
	PaidAmount        string `json:"paid_amount"`
	PenaltyOwed       string `json:"penalty_owed"`
	Status            string `json:"status"`
	DaysOverdue       int    `json:"days_overdue"`
	PaidDate          string `json:"paid_date,omitempty"`
}

func NewScheduleEntryView(e *ScheduleEntry) ScheduleEntryView {
	return ScheduleEntryView{
		InstallmentNumber: e.InstallmentNumber,
		DueDate:           e.DueDate.String(),
		PrincipalAmount:   money(e.PrincipalAmount),
		InterestAmount:    money(e.InterestAmount),
		TotalAmount:       money(e.TotalAmount),
		PaidAmount:        money(e.PaidAmount),
		PenaltyOwed:       money(e.PenaltyOwed()),
		Status:            string(e.Status),
		DaysOverdue:       e.DaysOverdue,
		PaidDate:          e.PaidDate.String(),
	}
}

type PaymentView struct {
	ID              string `json:"id"`
	LoanID          string `json:"loan_id"`
	ReceiptNumber   string `json:"receipt_number"`
	Amount          string `json:"amount"`
	PrincipalAmount string `json:"principal_amount"`
	InterestAmount  string `json:"interest_amount"`
	PenaltyAmount   string `json:"penalty_amount"`
	ExcessAmount    string `json:"excess_amount"`
	Status          string `json:"status"`
	Method          string `json:"payment_method"`
	PaymentDate     string `json:"payment_date"`
	Reference       string `json:"reference,omitempty"`
}

func NewPaymentView(p *Payment) PaymentView {
	return PaymentView{
		ID:              p.ID.String(),
		LoanID:          p.LoanID.String(),
		ReceiptNumber:   p.ReceiptNumber,
		Amount:          money(p.Amount),
		PrincipalAmount: money(p.PrincipalAmount),
		InterestAmount:  money(p.InterestAmount),
		PenaltyAmount:   money(p.PenaltyAmount),
		ExcessAmount:    money(p.ExcessAmount),
		Status:          string(p.Status),
		Method:          string(p.Method),
		PaymentDate:     p.PaymentDate.String(),
		Reference:       p.Reference,
	}
}

type AccountView struct {
	ID             string    `json:"id"`
	HolderID       string    `json:"holder_id"`
	Currency       string    `json:"currency"`
	Balance        string    `json:"balance"`
	BlockedBalance string    `json:"blocked_balance"`
	Available      string    `json:"available"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func NewAccountView(a *SavingsAccount) AccountView {
	return AccountView{
		ID:             a.ID,
		HolderID:       a.HolderID,
		Currency:       string(a.Currency),
		Balance:        money(a.Balance),
		BlockedBalance: money(a.BlockedBalance),
		Available:      money(a.Available()),
		UpdatedAt:      a.UpdatedAt,
	}
}
