package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/events"
	"github.com/mcclellann/microloan/pkg/loanerr"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EarlyPayoffInput describes how the borrower settles the loan.
type EarlyPayoffInput struct {
	Method      models.PaymentMethod `json:"payment_method" validate:"required,oneof=cash bank_transfer mobile_money check card"`
	PaymentDate models.Date          `json:"payment_date"`
	Reference   string               `json:"reference" validate:"max=100"`
	Notes       string               `json:"notes" validate:"max=500"`
	RecordedBy  string               `json:"recorded_by" validate:"required,max=64"`
}

// EarlyPayoff settles the whole outstanding balance, penalties included, in a
// single completed payment and closes the loan.
func (l *Ledger) EarlyPayoff(ctx context.Context, loanID uuid.UUID, input EarlyPayoffInput) (*models.Payment, *models.Loan, error) {
	if err := l.validateInput(input); err != nil {
		return nil, nil, err
	}
	date := input.PaymentDate
	if date.IsZero() {
		date = l.today()
	}

	var payment *models.Payment
	var loan *models.Loan
	err := l.withTx(ctx, func(tx store.Tx, ob *outbox) error {
		var err error
		loan, err = tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.Status != models.LoanStatusActive && loan.Status != models.LoanStatusOverdue {
			return loanStatusConflict(loan, "pay off")
		}
		entries, err := tx.GetSchedule(ctx, loan.ID)
		if err != nil {
			return err
		}

		l.accrueSchedule(entries, l.today())
		penalty := decimal.Zero
		for _, e := range entries {
			due := l.penaltyDue(e)
			e.PenaltyPaid = e.PenaltyPaid.Add(due)
			penalty = penalty.Add(due)
		}
		principal, interest := loan.OutstandingPrincipal, loan.OutstandingInterest
		payoff := principal.Add(interest).Add(penalty)
		if !payoff.IsPositive() {
			return loanerr.StateConflict("NothingOutstanding", "loan %s has no outstanding balance", loan.LoanNumber)
		}

		for _, e := range entries {
			if !e.IsOpen() {
				continue
			}
			e.PaidAmount = e.TotalAmount
			e.PrincipalPaid = e.PrincipalAmount
			e.InterestPaid = e.InterestAmount
			e.Status = models.InstallmentStatusCompleted
			e.PaidDate = date
			e.DaysOverdue = 0
		}
		for _, e := range entries {
			if err := tx.UpdateScheduleEntry(ctx, e); err != nil {
				return err
			}
		}

		now := l.now()
		payment = &models.Payment{
			ID:              uuid.New(),
			LoanID:          loan.ID,
			Amount:          payoff,
			PrincipalAmount: principal,
			InterestAmount:  interest,
			PenaltyAmount:   penalty,
			ExcessAmount:    decimal.Zero,
			Currency:        loan.Currency,
			Status:          models.PaymentStatusCompleted,
			Method:          input.Method,
			PaymentDate:     date,
			Reference:       input.Reference,
			Notes:           input.Notes,
			RecordedBy:      input.RecordedBy,
			ConfirmedBy:     input.RecordedBy,
			ConfirmedAt:     &now,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := l.allocateNumber(paymentPrefix, func(number string) error {
			payment.ReceiptNumber = number
			return tx.CreatePayment(ctx, payment)
		}); err != nil {
			return fmt.Errorf("failed to store payoff payment: %w", err)
		}

		loan.AmountPaid = loan.AmountPaid.Add(payoff)
		loan.PrincipalPaid = loan.PrincipalPaid.Add(principal)
		loan.InterestPaid = loan.InterestPaid.Add(interest)
		loan.PenaltiesPaid = loan.PenaltiesPaid.Add(penalty)
		loan.LastPaymentDate = date
		if err := l.completeLoan(ctx, tx, loan, ob); err != nil {
			return err
		}
		loan.UpdatedAt = now
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}

		ob.add(events.EarlyPayoffProcessed, loan.ID, map[string]string{
			"loan_number":    loan.LoanNumber,
			"receipt_number": payment.ReceiptNumber,
			"amount":         money(payoff),
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	l.logger.Info("early payoff processed",
		zap.String("loan_number", loan.LoanNumber),
		zap.String("amount", money(payment.Amount)))
	return payment, loan, nil
}
