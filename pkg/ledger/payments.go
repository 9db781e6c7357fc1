package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/amortization"
	"github.com/mcclellann/microloan/pkg/events"
	"github.com/mcclellann/microloan/pkg/loanerr"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RecordPaymentInput describes money received against a loan.
type RecordPaymentInput struct {
	Amount      decimal.Decimal      `json:"amount"`
	Method      models.PaymentMethod `json:"payment_method" validate:"required,oneof=cash bank_transfer mobile_money check card"`
	PaymentDate models.Date          `json:"payment_date"`
	Reference   string               `json:"reference" validate:"max=100"`
	Notes       string               `json:"notes" validate:"max=500"`
	RecordedBy  string               `json:"recorded_by" validate:"required,max=64"`
}

// Receipt is the printable proof of a confirmed payment.
type Receipt struct {
	ReceiptNumber      string               `json:"receipt_number"`
	LoanNumber         string               `json:"loan_number"`
	BorrowerID         string               `json:"borrower_id"`
	Currency           models.Currency      `json:"currency"`
	Amount             decimal.Decimal      `json:"amount"`
	PrincipalAmount    decimal.Decimal      `json:"principal_amount"`
	InterestAmount     decimal.Decimal      `json:"interest_amount"`
	PenaltyAmount      decimal.Decimal      `json:"penalty_amount"`
	ExcessAmount       decimal.Decimal      `json:"excess_amount"`
	Method             models.PaymentMethod `json:"payment_method"`
	PaymentDate        models.Date          `json:"payment_date"`
	ConfirmedBy        string               `json:"confirmed_by"`
	ConfirmedAt        *time.Time           `json:"confirmed_at"`
	OutstandingBalance decimal.Decimal      `json:"outstanding_balance"`
	BranchName         string               `json:"branch_name"`
}

// allocation is how one payment splits over a loan.
type allocation struct {
	penalty   decimal.Decimal
	interest  decimal.Decimal
	principal decimal.Decimal
	excess    decimal.Decimal
	touched   []*models.ScheduleEntry
}

func (a allocation) applied() decimal.Decimal {
	return a.penalty.Add(a.interest).Add(a.principal)
}

func paymentStatusConflict(p *models.Payment, op string) error {
	return loanerr.StateConflict("InvalidPaymentStatus",
		"cannot %s payment %s in status %s", op, p.ReceiptNumber, p.Status)
}

// RecordPayment registers a pending payment. Loan balances do not move until
// the payment is confirmed.
func (l *Ledger) RecordPayment(ctx context.Context, loanID uuid.UUID, input RecordPaymentInput) (*models.Payment, error) {
	if err := l.validateInput(input); err != nil {
		return nil, err
	}
	if !input.Amount.IsPositive() {
		return nil, loanerr.Validation("InvalidAmount", "payment amount must be positive")
	}
	date := input.PaymentDate
	if date.IsZero() {
		date = l.today()
	}

	var payment *models.Payment
	err := l.withTx(ctx, func(tx store.Tx, ob *outbox) error {
		loan, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if !loan.Status.AcceptsPayments() {
			return loanStatusConflict(loan, "record payments for")
		}
		now := l.now()
		payment = &models.Payment{
			ID:              uuid.New(),
			LoanID:          loan.ID,
			Amount:          amortization.Round(input.Amount),
			PrincipalAmount: decimal.Zero,
			InterestAmount:  decimal.Zero,
			PenaltyAmount:   decimal.Zero,
			ExcessAmount:    decimal.Zero,
			Currency:        loan.Currency,
			Status:          models.PaymentStatusPending,
			Method:          input.Method,
			PaymentDate:     date,
			Reference:       input.Reference,
			Notes:           input.Notes,
			RecordedBy:      input.RecordedBy,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := l.allocateNumber(paymentPrefix, func(number string) error {
			payment.ReceiptNumber = number
			return tx.CreatePayment(ctx, payment)
		}); err != nil {
			return fmt.Errorf("failed to store payment: %w", err)
		}
		ob.add(events.PaymentRecorded, payment.ID, map[string]string{
			"receipt_number": payment.ReceiptNumber,
			"loan_number":    loan.LoanNumber,
			"amount":         money(payment.Amount),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// ConfirmPayment applies a pending payment to the loan: late penalties
// first, then each installment's interest and principal in due-date order.
func (l *Ledger) ConfirmPayment(ctx context.Context, paymentID uuid.UUID, confirmedBy string) (*models.Payment, *models.Loan, error) {
	if strings.TrimSpace(confirmedBy) == "" {
		return nil, nil, loanerr.Validation("ConfirmerRequired", "confirmedBy is required")
	}
	var payment *models.Payment
	var loan *models.Loan
	err := l.withTx(ctx, func(tx store.Tx, ob *outbox) error {
		var err error
		payment, err = tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status != models.PaymentStatusPending {
			return paymentStatusConflict(payment, "confirm")
		}
		loan, err = tx.GetLoan(ctx, payment.LoanID)
		if err != nil {
			return err
		}
		if !loan.Status.AcceptsPayments() {
			return loanStatusConflict(loan, "apply payments to")
		}
		entries, err := tx.GetSchedule(ctx, loan.ID)
		if err != nil {
			return err
		}

		today := l.today()
		quoted := loan.OutstandingBalance
		dirty := newEntrySet(l.accrueSchedule(entries, today)...)
		waived, forgiven := l.waiveAboveQuote(payment.Amount, quoted, loan, entries)
		dirty.add(forgiven...)

		alloc := l.allocate(payment.Amount, entries, payment.PaymentDate)
		if alloc.excess.IsPositive() && l.opts.OverpaymentPolicy == OverpaymentReject {
			return loanerr.StateConflict("Overpayment",
				"payment %s exceeds the amount owed on loan %s by %s",
				payment.ReceiptNumber, loan.LoanNumber, money(alloc.excess))
		}

		dirty.add(alloc.touched...)
		for _, e := range dirty.entries {
			if err := tx.UpdateScheduleEntry(ctx, e); err != nil {
				return err
			}
		}

		if waived.IsPositive() {
			l.logger.Info("late charges waived to settle at quoted balance",
				zap.String("loan_number", loan.LoanNumber),
				zap.String("quoted_balance", money(quoted)),
				zap.String("waived", money(waived)))
		}
		l.applyAllocation(loan, entries, alloc, payment.PaymentDate, today)
		if alloc.excess.IsPositive() && l.opts.OverpaymentPolicy == OverpaymentCredit {
			loan.CreditBalance = loan.CreditBalance.Add(alloc.excess)
		}

		if !loan.OutstandingPrincipal.IsPositive() && !loan.OutstandingInterest.IsPositive() {
			if err := l.completeLoan(ctx, tx, loan, ob); err != nil {
				return err
			}
		} else if loan.Status == models.LoanStatusOverdue && loan.DaysOverdue == 0 {
			loan.Status = models.LoanStatusActive
		}
		loan.UpdatedAt = l.now()
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}

		now := l.now()
		payment.PenaltyAmount = alloc.penalty
		payment.InterestAmount = alloc.interest
		payment.PrincipalAmount = alloc.principal
		payment.ExcessAmount = alloc.excess
		payment.Status = models.PaymentStatusCompleted
		payment.ConfirmedBy = confirmedBy
		payment.ConfirmedAt = &now
		payment.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return err
		}
		ob.add(events.PaymentConfirmed, payment.ID, map[string]string{
			"receipt_number": payment.ReceiptNumber,
			"loan_number":    loan.LoanNumber,
			"amount":         money(payment.Amount),
			"penalty":        money(alloc.penalty),
			"interest":       money(alloc.interest),
			"principal":      money(alloc.principal),
			"excess":         money(alloc.excess),
			"waived":         money(waived),
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	l.logger.Info("payment confirmed",
		zap.String("receipt_number", payment.ReceiptNumber),
		zap.String("loan_number", loan.LoanNumber),
		zap.String("loan_status", string(loan.Status)),
		zap.String("outstanding_balance", money(loan.OutstandingBalance)))
	return payment, loan, nil
}

// entrySet collects schedule entries to persist, each once, in first-seen order.
type entrySet struct {
	seen    map[uuid.UUID]bool
	entries []*models.ScheduleEntry
}

func newEntrySet(entries ...*models.ScheduleEntry) *entrySet {
	s := &entrySet{seen: make(map[uuid.UUID]bool)}
	s.add(entries...)
	return s
}

func (s *entrySet) add(entries ...*models.ScheduleEntry) {
	for _, e := range entries {
		if !s.seen[e.ID] {
			s.seen[e.ID] = true
			s.entries = append(s.entries, e)
		}
	}
}

// waiveAboveQuote lets a payment settle the loan at its last reported
// balance. When the amount covers the quoted balance but not the balance
// after today's accrual, the late charges accrued since the quote are
// forgiven down to the amount paid, latest installments first. It returns the
// waived amount and the entries it changed.
func (l *Ledger) waiveAboveQuote(amount, quoted decimal.Decimal, loan *models.Loan, entries []*models.ScheduleEntry) (decimal.Decimal, []*models.ScheduleEntry) {
	if !quoted.IsPositive() || amount.LessThan(quoted) {
		return decimal.Zero, nil
	}
	fresh := loan.OutstandingPrincipal.Add(loan.OutstandingInterest).Add(l.outstandingPenalties(entries))
	if amount.GreaterThanOrEqual(fresh) {
		return decimal.Zero, nil
	}

	remaining := fresh.Sub(amount)
	var changed []*models.ScheduleEntry
	for i := len(entries) - 1; i >= 0 && remaining.IsPositive(); i-- {
		e := entries[i]
		take := minDecimal(remaining, l.penaltyDue(e))
		if !take.IsPositive() {
			continue
		}
		e.PenaltyAccrued = e.PenaltyAccrued.Sub(take)
		remaining = remaining.Sub(take)
		changed = append(changed, e)
	}
	return fresh.Sub(amount).Sub(remaining), changed
}

// allocate runs the waterfall over entries sorted by due date, mutating the
// entries it pays. Late charges must already be accrued. Nothing is persisted.
func (l *Ledger) allocate(amount decimal.Decimal, entries []*models.ScheduleEntry, paidOn models.Date) allocation {
	a := allocation{penalty: decimal.Zero, interest: decimal.Zero, principal: decimal.Zero, excess: decimal.Zero}
	remaining := amount
	touched := make(map[uuid.UUID]bool)
	touch := func(e *models.ScheduleEntry) {
		if !touched[e.ID] {
			touched[e.ID] = true
			a.touched = append(a.touched, e)
		}
	}

	for _, e := range entries {
		if !remaining.IsPositive() {
			break
		}
		due := l.penaltyDue(e)
		if !due.IsPositive() {
			continue
		}
		take := minDecimal(remaining, due)
		e.PenaltyPaid = e.PenaltyPaid.Add(take)
		a.penalty = a.penalty.Add(take)
		remaining = remaining.Sub(take)
		touch(e)
	}

	for _, e := range entries {
		if !remaining.IsPositive() {
			break
		}
		if !e.IsOpen() {
			continue
		}
		interestLeft := e.InterestAmount.Sub(e.InterestPaid)
		principalLeft := e.PrincipalAmount.Sub(e.PrincipalPaid)
		touch(e)
		if remaining.GreaterThanOrEqual(e.Unpaid()) {
			a.interest = a.interest.Add(interestLeft)
			a.principal = a.principal.Add(principalLeft)
			remaining = remaining.Sub(e.Unpaid())
			e.InterestPaid = e.InterestAmount
			e.PrincipalPaid = e.PrincipalAmount
			e.PaidAmount = e.TotalAmount
			e.Status = models.InstallmentStatusCompleted
			e.PaidDate = paidOn
			e.DaysOverdue = 0
			continue
		}
		toInterest := minDecimal(remaining, interestLeft)
		toPrincipal := remaining.Sub(toInterest)
		e.InterestPaid = e.InterestPaid.Add(toInterest)
		e.PrincipalPaid = e.PrincipalPaid.Add(toPrincipal)
		e.PaidAmount = e.PaidAmount.Add(remaining)
		e.Status = models.InstallmentStatusPartial
		a.interest = a.interest.Add(toInterest)
		a.principal = a.principal.Add(toPrincipal)
		remaining = decimal.Zero
	}

	a.excess = remaining
	return a
}

// applyAllocation folds a confirmed allocation into the loan aggregates.
func (l *Ledger) applyAllocation(loan *models.Loan, entries []*models.ScheduleEntry, a allocation, paidOn, today models.Date) {
	loan.AmountPaid = loan.AmountPaid.Add(a.applied())
	loan.PenaltiesPaid = loan.PenaltiesPaid.Add(a.penalty)
	loan.InterestPaid = loan.InterestPaid.Add(a.interest)
	loan.PrincipalPaid = loan.PrincipalPaid.Add(a.principal)
	loan.OutstandingInterest = clampZero(loan.OutstandingInterest.Sub(a.interest))
	loan.OutstandingPrincipal = clampZero(loan.OutstandingPrincipal.Sub(a.principal))
	loan.OutstandingPenalties = l.outstandingPenalties(entries)
	loan.RecomputeBalance()

	paid := 0
	loan.DaysOverdue = 0
	for _, e := range entries {
		if !e.IsOpen() {
			paid++
			continue
		}
		if loan.DaysOverdue == 0 && e.DueDate.Before(today) {
			loan.DaysOverdue = daysLate(e.DueDate, today)
		}
	}
	loan.InstallmentsPaid = paid
	loan.InstallmentsRemaining = len(entries) - paid
	if a.applied().IsPositive() {
		loan.LastPaymentDate = paidOn
	}
}

func clampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// CancelPayment voids a payment that has not been confirmed.
func (l *Ledger) CancelPayment(ctx context.Context, paymentID uuid.UUID, reason string) (*models.Payment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, loanerr.Validation("ReasonRequired", "a cancellation reason is required")
	}
	var payment *models.Payment
	err := l.withTx(ctx, func(tx store.Tx, ob *outbox) error {
		var err error
		payment, err = tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status != models.PaymentStatusPending {
			return paymentStatusConflict(payment, "cancel")
		}
		now := l.now()
		payment.Status = models.PaymentStatusCancelled
		payment.CancelledAt = &now
		payment.UpdatedAt = now
		if payment.Notes == "" {
			payment.Notes = "cancelled: " + reason
		} else {
			payment.Notes = payment.Notes + "\ncancelled: " + reason
		}
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return err
		}
		ob.add(events.PaymentCancelled, payment.ID, map[string]string{
			"receipt_number": payment.ReceiptNumber,
			"reason":         reason,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

func (l *Ledger) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment *models.Payment
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		var err error
		payment, err = tx.GetPayment(ctx, id)
		return err
	})
	return payment, err
}

func (l *Ledger) ListPayments(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	var payments []*models.Payment
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetLoan(ctx, loanID); err != nil {
			return err
		}
		var err error
		payments, err = tx.ListPayments(ctx, loanID)
		return err
	})
	return payments, err
}

// SearchPayments lists payments across loans matching filter, oldest payment date first.
func (l *Ledger) SearchPayments(ctx context.Context, filter store.PaymentFilter) ([]*models.Payment, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, loanerr.Validation("InvalidDateRange", "date range ends %s before it starts %s", filter.To, filter.From)
	}
	var payments []*models.Payment
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		var err error
		payments, err = tx.SearchPayments(ctx, filter)
		return err
	})
	return payments, err
}

// ListPendingPayments returns payments awaiting confirmation, the cashier's queue.
func (l *Ledger) ListPendingPayments(ctx context.Context) ([]*models.Payment, error) {
	return l.SearchPayments(ctx, store.PaymentFilter{Status: models.PaymentStatusPending})
}

// Receipt builds the receipt of a completed payment.
func (l *Ledger) Receipt(ctx context.Context, paymentID uuid.UUID) (*Receipt, error) {
	var payment *models.Payment
	var loan *models.Loan
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if payment, err = tx.GetPayment(ctx, paymentID); err != nil {
			return err
		}
		loan, err = tx.GetLoan(ctx, payment.LoanID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusCompleted {
		return nil, loanerr.StateConflict("PaymentNotCompleted",
			"payment %s has no receipt in status %s", payment.ReceiptNumber, payment.Status)
	}
	return &Receipt{
		ReceiptNumber:      payment.ReceiptNumber,
		LoanNumber:         loan.LoanNumber,
		BorrowerID:         loan.BorrowerID,
		Currency:           payment.Currency,
		Amount:             payment.Amount,
		PrincipalAmount:    payment.PrincipalAmount,
		InterestAmount:     payment.InterestAmount,
		PenaltyAmount:      payment.PenaltyAmount,
		ExcessAmount:       payment.ExcessAmount,
		Method:             payment.Method,
		PaymentDate:        payment.PaymentDate,
		ConfirmedBy:        payment.ConfirmedBy,
		ConfirmedAt:        payment.ConfirmedAt,
		OutstandingBalance: loan.OutstandingBalance,
		BranchName:         loan.BranchName,
	}, nil
}
