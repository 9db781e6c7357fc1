package ledger

import (
	"context"
	"fmt"

	"github.com/mcclellann/microloan/pkg/amortization"
	"github.com/mcclellann/microloan/pkg/events"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GuaranteeAmount is the collateral blocked for a requested amount of the given loan type.
func (l *Ledger) GuaranteeAmount(loanType models.LoanType, requested decimal.Decimal) decimal.Decimal {
	rate := l.opts.GuaranteeRate
	if p, ok := l.product(loanType); ok && p.GuaranteeRate.IsPositive() {
		rate = p.GuaranteeRate
	}
	return amortization.Round(requested.Mul(rate))
}

// blockGuarantee reserves the guarantee on the application's savings account
// and records the escrow link. It never blocks twice for the same application.
func (l *Ledger) blockGuarantee(ctx context.Context, tx store.Tx, app *models.LoanApplication, ob *outbox) error {
	if app.HasEscrow() {
		return nil
	}
	amount := l.GuaranteeAmount(app.LoanType, app.RequestedAmount)
	if err := tx.BlockFunds(ctx, app.GuaranteeAccountID, amount); err != nil {
		return fmt.Errorf("failed to block guarantee for %s: %w", app.ApplicationNumber, err)
	}
	app.BlockedGuaranteeAmount = amount
	app.BlockedEscrowAccountID = app.GuaranteeAccountID
	ob.add(events.GuaranteeBlocked, app.ID, map[string]string{
		"application_number": app.ApplicationNumber,
		"account_id":         app.GuaranteeAccountID,
		"amount":             money(amount),
	})
	return nil
}

// releaseApplicationGuarantee returns the held funds and clears the escrow
// link, so a second call is a no-op.
func (l *Ledger) releaseApplicationGuarantee(ctx context.Context, tx store.Tx, app *models.LoanApplication, ob *outbox) error {
	if !app.HasEscrow() {
		return nil
	}
	accountID, amount := app.BlockedEscrowAccountID, app.BlockedGuaranteeAmount
	if err := tx.ReleaseFunds(ctx, accountID, amount); err != nil {
		return fmt.Errorf("failed to release guarantee for %s: %w", app.ApplicationNumber, err)
	}
	app.BlockedEscrowAccountID = ""
	app.BlockedGuaranteeAmount = decimal.Zero
	ob.add(events.GuaranteeReleased, app.ID, map[string]string{
		"application_number": app.ApplicationNumber,
		"account_id":         accountID,
		"amount":             money(amount),
	})
	l.logger.Info("guarantee released for application",
		zap.String("application_number", app.ApplicationNumber), zap.String("amount", money(amount)))
	return nil
}

// releaseLoanGuarantee returns the funds transferred to the loan on approval.
func (l *Ledger) releaseLoanGuarantee(ctx context.Context, tx store.Tx, loan *models.Loan, ob *outbox) error {
	if !loan.HasGuaranteeHeld() {
		return nil
	}
	if err := tx.ReleaseFunds(ctx, loan.GuaranteeAccountID, loan.GuaranteeAmount); err != nil {
		return fmt.Errorf("failed to release guarantee for loan %s: %w", loan.LoanNumber, err)
	}
	loan.GuaranteeReleased = true
	ob.add(events.GuaranteeReleased, loan.ID, map[string]string{
		"loan_number": loan.LoanNumber,
		"account_id":  loan.GuaranteeAccountID,
		"amount":      money(loan.GuaranteeAmount),
	})
	l.logger.Info("guarantee released for loan",
		zap.String("loan_number", loan.LoanNumber), zap.String("amount", money(loan.GuaranteeAmount)))
	return nil
}
