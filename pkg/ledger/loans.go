package ledger

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/events"
	"github.com/mcclellann/microloan/pkg/loanerr"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LoanSummary is a loan with the state of its schedule as of today.
type LoanSummary struct {
	Loan                *models.Loan          `json:"loan"`
	NextInstallment     *models.ScheduleEntry `json:"next_installment,omitempty"`
	OverdueInstallments int                   `json:"overdue_installments"`
	PenaltiesDue        decimal.Decimal       `json:"penalties_due"`
	PayoffAmount        decimal.Decimal       `json:"payoff_amount"`
}

func loanStatusConflict(loan *models.Loan, op string) error {
	return loanerr.StateConflict("InvalidLoanStatus",
		"cannot %s loan %s in status %s", op, loan.LoanNumber, loan.Status)
}

// DisburseLoan activates an approved loan. A zero date means today. The
// guarantee stays blocked until the loan completes.
func (l *Ledger) DisburseLoan(ctx context.Context, id uuid.UUID, date models.Date) (*models.Loan, error) {
	if date.IsZero() {
		date = l.today()
	}
	var loan *models.Loan
	err := l.withTx(ctx, func(tx store.Tx, ob *outbox) error {
		var err error
		loan, err = tx.GetLoan(ctx, id)
		if err != nil {
			return err
		}
		if loan.Status != models.LoanStatusApproved {
			return loanStatusConflict(loan, "disburse")
		}
		loan.Status = models.LoanStatusActive
		loan.DisbursementDate = date
		loan.UpdatedAt = l.now()
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		ob.add(events.LoanDisbursed, loan.ID, map[string]string{
			"loan_number":       loan.LoanNumber,
			"principal_amount":  money(loan.PrincipalAmount),
			"disbursement_date": date.String(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("loan disbursed", zap.String("loan_number", loan.LoanNumber), zap.String("date", date.String()))
	return loan, nil
}

// MarkDefault writes the loan off as defaulted. Only a disbursed loan that is
// Active or Overdue can default.
func (l *Ledger) MarkDefault(ctx context.Context, id uuid.UUID, reason string) (*models.Loan, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, loanerr.Validation("ReasonRequired", "a default reason is required")
	}
	var loan *models.Loan
	err := l.withTx(ctx, func(tx store.Tx, ob *outbox) error {
		var err error
		loan, err = tx.GetLoan(ctx, id)
		if err != nil {
			return err
		}
		if loan.Status != models.LoanStatusActive && loan.Status != models.LoanStatusOverdue {
			return loanStatusConflict(loan, "default")
		}
		loan.Status = models.LoanStatusDefaulted
		loan.DefaultReason = reason
		loan.UpdatedAt = l.now()
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		ob.add(events.LoanDefaulted, loan.ID, map[string]string{
			"loan_number":         loan.LoanNumber,
			"reason":              reason,
			"outstanding_balance": money(loan.OutstandingBalance),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Warn("loan defaulted", zap.String("loan_number", loan.LoanNumber), zap.String("reason", reason))
	return loan, nil
}

// RehabilitateLoan returns a defaulted loan to Active.
func (l *Ledger) RehabilitateLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	var loan *models.Loan
	err := l.withTx(ctx, func(tx store.Tx, ob *outbox) error {
		var err error
		loan, err = tx.GetLoan(ctx, id)
		if err != nil {
			return err
		}
		if loan.Status != models.LoanStatusDefaulted {
			return loanStatusConflict(loan, "rehabilitate")
		}
		loan.Status = models.LoanStatusActive
		loan.DefaultReason = ""
		loan.UpdatedAt = l.now()
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		ob.add(events.LoanRehabilitated, loan.ID, map[string]string{"loan_number": loan.LoanNumber})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

// completeLoan closes a fully repaid loan and releases its guarantee. The
// caller persists the loan.
func (l *Ledger) completeLoan(ctx context.Context, tx store.Tx, loan *models.Loan, ob *outbox) error {
	loan.Status = models.LoanStatusCompleted
	loan.ZeroOutstanding()
	loan.DaysOverdue = 0
	loan.InstallmentsPaid = loan.InstallmentsPaid + loan.InstallmentsRemaining
	loan.InstallmentsRemaining = 0
	if err := l.releaseLoanGuarantee(ctx, tx, loan, ob); err != nil {
		return err
	}
	ob.add(events.LoanCompleted, loan.ID, map[string]string{
		"loan_number": loan.LoanNumber,
		"amount_paid": money(loan.AmountPaid),
	})
	l.logger.Info("loan completed", zap.String("loan_number", loan.LoanNumber))
	return nil
}

func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	var loan *models.Loan
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		var err error
		loan, err = tx.GetLoan(ctx, id)
		return err
	})
	return loan, err
}

func (l *Ledger) GetSchedule(ctx context.Context, loanID uuid.UUID) ([]*models.ScheduleEntry, error) {
	var entries []*models.ScheduleEntry
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetLoan(ctx, loanID); err != nil {
			return err
		}
		var err error
		entries, err = tx.GetSchedule(ctx, loanID)
		return err
	})
	return entries, err
}

// ListLoans returns loans in any of the given statuses, or all loans.
func (l *Ledger) ListLoans(ctx context.Context, statuses ...models.LoanStatus) ([]*models.Loan, error) {
	var loans []*models.Loan
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		var err error
		loans, err = tx.ListLoans(ctx, statuses...)
		return err
	})
	return loans, err
}

// LoanSummary reports the next installment, overdue count and payoff amount
// without modifying the loan.
func (l *Ledger) LoanSummary(ctx context.Context, id uuid.UUID) (LoanSummary, error) {
	var loan *models.Loan
	var entries []*models.ScheduleEntry
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if loan, err = tx.GetLoan(ctx, id); err != nil {
			return err
		}
		entries, err = tx.GetSchedule(ctx, id)
		return err
	})
	if err != nil {
		return LoanSummary{}, err
	}

	today := l.today()
	s := LoanSummary{Loan: loan, PenaltiesDue: decimal.Zero, PayoffAmount: decimal.Zero}
	if loan.Status == models.LoanStatusCompleted {
		return s, nil
	}
	for _, e := range entries {
		if !e.IsOpen() {
			continue
		}
		if s.NextInstallment == nil {
			s.NextInstallment = e
		}
		if e.DueDate.Before(today) {
			s.OverdueInstallments++
		}
	}
	l.accrueSchedule(entries, today)
	s.PenaltiesDue = l.outstandingPenalties(entries)
	s.PayoffAmount = loan.OutstandingPrincipal.Add(loan.OutstandingInterest).Add(s.PenaltiesDue)
	return s, nil
}

// ListOverdueLoans returns Overdue loans at least minDays late, latest first.
func (l *Ledger) ListOverdueLoans(ctx context.Context, minDays int) ([]*models.Loan, error) {
	loans, err := l.ListLoans(ctx, models.LoanStatusOverdue)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Loan, 0, len(loans))
	for _, loan := range loans {
		if loan.DaysOverdue >= minDays {
			out = append(out, loan)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DaysOverdue > out[j].DaysOverdue })
	return out, nil
}

// daysLate is how many days after the due date today falls, never negative.
func daysLate(due, today models.Date) int {
	if !due.Before(today) {
		return 0
	}
	return today.DaysSince(due)
}
