package ledger

import (
	"context"
	"errors"
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

// CreateApplicationInput carries a new loan request.
type CreateApplicationInput struct {
	BorrowerID              string          `json:"borrower_id" validate:"required,max=64"`
	LoanType                models.LoanType `json:"loan_type" validate:"required,oneof=commercial agricultural personal emergency"`
	RequestedAmount         decimal.Decimal `json:"requested_amount"`
	RequestedDurationMonths int             `json:"requested_duration_months" validate:"required,min=1,max=120"`
	Currency                models.Currency `json:"currency" validate:"required,oneof=HTG USD"`
	InterestRate            decimal.Decimal `json:"interest_rate"`
	Purpose                 string          `json:"purpose" validate:"max=500"`
	MonthlyIncome           decimal.Decimal `json:"monthly_income"`
	MonthlyExpenses         decimal.Decimal `json:"monthly_expenses"`
	ExistingDebts           decimal.Decimal `json:"existing_debts"`
	CollateralValue         decimal.Decimal `json:"collateral_value"`
	GuaranteeAccountID      string          `json:"guarantee_account_id" validate:"max=64"`
	BranchID                string          `json:"branch_id" validate:"max=64"`
	LoanOfficerID           string          `json:"loan_officer_id" validate:"max=64"`
}

// UpdateApplicationInput changes a Draft application. Nil fields are kept.
type UpdateApplicationInput struct {
	RequestedAmount         *decimal.Decimal `json:"requested_amount"`
	RequestedDurationMonths *int             `json:"requested_duration_months" validate:"omitempty,min=1,max=120"`
	InterestRate            *decimal.Decimal `json:"interest_rate"`
	Purpose                 *string          `json:"purpose" validate:"omitempty,max=500"`
	MonthlyIncome           *decimal.Decimal `json:"monthly_income"`
	MonthlyExpenses         *decimal.Decimal `json:"monthly_expenses"`
	ExistingDebts           *decimal.Decimal `json:"existing_debts"`
	CollateralValue         *decimal.Decimal `json:"collateral_value"`
	GuaranteeAccountID      *string          `json:"guarantee_account_id" validate:"omitempty,max=64"`
}

// checkAmounts validates the money fields struct tags cannot express.
func checkAmounts(requested, rate, income, expenses, debts, collateral decimal.Decimal) error {
	if !requested.IsPositive() {
		return loanerr.Validation("InvalidAmount", "requested amount must be positive")
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return loanerr.Validation("InvalidInterestRate", "interest rate must be between 0 and 1")
	}
	if !income.IsPositive() {
		return loanerr.Validation("InvalidIncome", "monthly income must be positive")
	}
	if expenses.IsNegative() || debts.IsNegative() || collateral.IsNegative() {
		return loanerr.Validation("InvalidAmount", "expenses, debts and collateral cannot be negative")
	}
	return nil
}

// DebtToIncomeRatio is existingDebts / monthlyIncome to four places.
func DebtToIncomeRatio(existingDebts, monthlyIncome decimal.Decimal) decimal.Decimal {
	if !monthlyIncome.IsPositive() {
		return decimal.Zero
	}
	return existingDebts.Div(monthlyIncome).Round(4)
}

// interestRate is the application's own rate, or the product default when unset.
func (l *Ledger) interestRate(app *models.LoanApplication) (decimal.Decimal, bool) {
	if app.InterestRate.IsPositive() {
		return app.InterestRate, true
	}
	p, ok := l.product(app.LoanType)
	if !ok {
		return decimal.Zero, false
	}
	return p.DefaultInterestRate, true
}

// checkInstallments rejects an amount too small to spread over the term: every
// installment of the plan must ask for at least one cent.
func checkInstallments(amount, annualRate decimal.Decimal, months int) error {
	for _, inst := range amortization.GenerateSchedule(amount, annualRate, months, time.Time{}) {
		if !inst.Total.IsPositive() {
			return loanerr.Validation("AmountTooSmall",
				"%s cannot be repaid in %d monthly installments of at least 0.01", money(amount), months)
		}
	}
	return nil
}

// checkTerms runs checkInstallments at the rate the application would be approved at.
func (l *Ledger) checkTerms(app *models.LoanApplication, amount decimal.Decimal) error {
	rate, _ := l.interestRate(app)
	return checkInstallments(amount, rate, app.RequestedDurationMonths)
}

func (l *Ledger) checkDebtRatio(ratio decimal.Decimal) error {
	if ratio.GreaterThan(l.opts.MaxDebtToIncome) {
		return loanerr.Validation("DebtRatioExceeded",
			"debt-to-income ratio %s exceeds the maximum of %s", ratio.StringFixed(4), l.opts.MaxDebtToIncome.StringFixed(2))
	}
	return nil
}

func applicationStatusConflict(app *models.LoanApplication, op string) error {
	return loanerr.StateConflict("InvalidApplicationStatus",
		"cannot %s application %s in status %s", op, app.ApplicationNumber, app.Status)
}

// CreateApplication registers a loan request. When a guarantee account is given
// and the guarantee can be blocked the application is submitted straight away;
// otherwise it stays in Draft without escrow.
func (l *Ledger) CreateApplication(ctx context.Context, input CreateApplicationInput) (*models.LoanApplication, error) {
	if err := l.validateInput(input); err != nil {
		return nil, err
	}
	if err := checkAmounts(input.RequestedAmount, input.InterestRate, input.MonthlyIncome,
		input.MonthlyExpenses, input.ExistingDebts, input.CollateralValue); err != nil {
		return nil, err
	}
	ratio := DebtToIncomeRatio(input.ExistingDebts, input.MonthlyIncome)
	if err := l.checkDebtRatio(ratio); err != nil {
		return nil, err
	}

	branchName := l.directory.BranchName(ctx, input.BranchID)
	officerName := l.directory.EmployeeName(ctx, input.LoanOfficerID)

	now := l.now()
	app := &models.LoanApplication{
		ID:                      uuid.New(),
		BorrowerID:              input.BorrowerID,
		LoanType:                input.LoanType,
		RequestedAmount:         amortization.Round(input.RequestedAmount),
		RequestedDurationMonths: input.RequestedDurationMonths,
		Currency:                input.Currency,
		InterestRate:            input.InterestRate,
		Purpose:                 input.Purpose,
		MonthlyIncome:           amortization.Round(input.MonthlyIncome),
		MonthlyExpenses:         amortization.Round(input.MonthlyExpenses),
		ExistingDebts:           amortization.Round(input.ExistingDebts),
		CollateralValue:         amortization.Round(input.CollateralValue),
		DebtToIncomeRatio:       ratio,
		Status:                  models.ApplicationStatusDraft,
		GuaranteeAccountID:      input.GuaranteeAccountID,
		BlockedGuaranteeAmount:  decimal.Zero,
		BranchID:                input.BranchID,
		BranchName:              branchName,
		LoanOfficerID:           input.LoanOfficerID,
		LoanOfficerName:         officerName,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := l.checkTerms(app, app.RequestedAmount); err != nil {
		return nil, err
	}

	err := l.withTx(ctx, func(tx store.Tx, ob *outbox) error {
		active, err := tx.CountActiveApplications(ctx, input.BorrowerID)
		if err != nil {
			return fmt.Errorf("failed to count active applications: %w", err)
		}
		if active >= l.opts.MaxActiveApplications {
			return loanerr.BusinessRule("TooManyActiveApplications",
				"borrower %s already has %d active applications", input.BorrowerID, active)
		}

		var blockEvents outbox
		blockEvents.at = ob.at
		if app.GuaranteeAccountID != "" {
			err := l.blockGuarantee(ctx, tx, app, &blockEvents)
			switch {
			case err == nil:
				app.Status = models.ApplicationStatusSubmitted
				app.SubmittedAt = &now
			case errors.Is(err, loanerr.ErrInsufficientFunds), errors.Is(err, loanerr.ErrNotFound):
				l.logger.Warn("guarantee not blocked, application stays in draft",
					zap.String("borrower_id", app.BorrowerID),
					zap.String("account_id", app.GuaranteeAccountID),
					zap.Error(err))
			default:
				return err
			}
		}

		if err := l.allocateNumber(applicationPrefix, func(number string) error {
			app.ApplicationNumber = number
			return tx.CreateApplication(ctx, app)
		}); err != nil {
			return fmt.Errorf("failed to store application: %w", err)
		}

		ob.add(events.ApplicationCreated, app.ID, map[string]string{
			"application_number": app.ApplicationNumber,
			"borrower_id":        app.BorrowerID,
			"requested_amount":   money(app.RequestedAmount),
		})
		for _, e := range blockEvents.events {
			e.Attributes["application_number"] = app.ApplicationNumber
			ob.events = append(ob.events, e)
		}
		if app.Status == models.ApplicationStatusSubmitted {
			ob.add(events.ApplicationSubmitted, app.ID, map[string]string{"application_number": app.ApplicationNumber})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("application created",
		zap.String("application_number", app.ApplicationNumber),
		zap.String("status", string(app.Status)))
	return app, nil
}

// UpdateApplication edits a Draft application and recomputes its debt ratio.
func (l *Ledger) UpdateApplication(ctx context.Context, id uuid.UUID, input UpdateApplicationInput) (*models.LoanApplication, error) {
	if err := l.validateInput(input); err != nil {
		return nil, err
	}
	var app *models.LoanApplication
	err := l.withTx(ctx, func(tx store.Tx, ob *outbox) error {
		var err error
		app, err = tx.GetApplication(ctx, id)
		if err != nil {
			return err
		}
		if app.Status != models.ApplicationStatusDraft {
			return applicationStatusConflict(app, "update")
		}

		if input.RequestedAmount != nil {
			app.RequestedAmount = amortization.Round(*input.RequestedAmount)
		}
		if input.RequestedDurationMonths != nil {
			app.RequestedDurationMonths = *input.RequestedDurationMonths
		}
		if input.InterestRate != nil {
			app.InterestRate = *input.InterestRate
		}
		if input.Purpose != nil {
			app.Purpose = *input.Purpose
		}
		if input.MonthlyIncome != nil {
			app.MonthlyIncome = amortization.Round(*input.MonthlyIncome)
		}
		if input.MonthlyExpenses != nil {
			app.MonthlyExpenses = amortization.Round(*input.MonthlyExpenses)
		}
		if input.ExistingDebts != nil {
			app.ExistingDebts = amortization.Round(*input.ExistingDebts)
		}
		if input.CollateralValue != nil {
			app.CollateralValue = amortization.Round(*input.CollateralValue)
		}
		if input.GuaranteeAccountID != nil {
			app.GuaranteeAccountID = *input.GuaranteeAccountID
		}

		if err := checkAmounts(app.RequestedAmount, app.InterestRate, app.MonthlyIncome,
			app.MonthlyExpenses, app.ExistingDebts, app.CollateralValue); err != nil {
			return err
		}
		if err := l.checkTerms(app, app.RequestedAmount); err != nil {
			return err
		}
		app.DebtToIncomeRatio = DebtToIncomeRatio(app.ExistingDebts, app.MonthlyIncome)
		if err := l.checkDebtRatio(app.DebtToIncomeRatio); err != nil {
			return err
		}
		app.UpdatedAt = l.now()
		return tx.UpdateApplication(ctx, app)
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// SubmitApplication moves a Draft application to Submitted. The guarantee must
// be blocked at this point; insufficient funds fail the submission.
func (l *Ledger) SubmitApplication(ctx context.Context, id uuid.UUID) (*models.LoanApplication, error) {
	var app *models.LoanApplication
	err := l.withTx(ctx, func(tx store.Tx, ob *outbox) error {
		var err error
		app, err = tx.GetApplication(ctx, id)
		if err != nil {
			return err
		}
		if app.Status != models.ApplicationStatusDraft {
			return applicationStatusConflict(app, "submit")
		}
		app.DebtToIncomeRatio = DebtToIncomeRatio(app.ExistingDebts, app.MonthlyIncome)
		if err := l.checkDebtRatio(app.DebtToIncomeRatio); err != nil {
			return err
		}
		if !app.HasEscrow() {
			if app.GuaranteeAccountID == "" {
				return loanerr.Validation("GuaranteeAccountRequired",
					"application %s has no guarantee account", app.ApplicationNumber)
			}
			if err := l.blockGuarantee(ctx, tx, app, ob); err != nil {
				return err
			}
		}

		now := l.now()
		app.Status = models.ApplicationStatusSubmitted
		app.SubmittedAt = &now
		app.UpdatedAt = now
		if err := tx.UpdateApplication(ctx, app); err != nil {
			return err
		}
		ob.add(events.ApplicationSubmitted, app.ID, map[string]string{"application_number": app.ApplicationNumber})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// ReviewApplication moves a Submitted application to UnderReview.
func (l *Ledger) ReviewApplication(ctx context.Context, id uuid.UUID) (*models.LoanApplication, error) {
	var app *models.LoanApplication
	err := l.withTx(ctx, func(tx store.Tx, ob *outbox) error {
		var err error
		app, err = tx.GetApplication(ctx, id)
		if err != nil {
			return err
		}
		if app.Status != models.ApplicationStatusSubmitted {
			return applicationStatusConflict(app, "review")
		}
		now := l.now()
		app.Status = models.ApplicationStatusUnderReview
		app.ReviewedAt = &now
		app.UpdatedAt = now
		if err := tx.UpdateApplication(ctx, app); err != nil {
			return err
		}
		ob.add(events.ApplicationReviewed, app.ID, map[string]string{"application_number": app.ApplicationNumber})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// ApproveApplication approves a Submitted or UnderReview application and
// creates its loan and repayment schedule. The loan waits for disbursement.
// approvedAmount may lower the principal below the requested amount; zero
// approves the amount requested.
func (l *Ledger) ApproveApplication(ctx context.Context, id uuid.UUID, approvedAmount decimal.Decimal) (*models.LoanApplication, *models.Loan, error) {
	if approvedAmount.IsNegative() {
		return nil, nil, loanerr.Validation("InvalidApprovedAmount", "approved amount cannot be negative")
	}
	var app *models.LoanApplication
	var loan *models.Loan
	err := l.withTx(ctx, func(tx store.Tx, ob *outbox) error {
		var err error
		app, err = tx.GetApplication(ctx, id)
		if err != nil {
			return err
		}
		if app.Status != models.ApplicationStatusSubmitted && app.Status != models.ApplicationStatusUnderReview {
			return applicationStatusConflict(app, "approve")
		}
		existing, err := tx.GetLoanByApplication(ctx, app.ID)
		switch {
		case err == nil:
			return loanerr.StateConflict("LoanAlreadyExists",
				"application %s already has loan %s", app.ApplicationNumber, existing.LoanNumber)
		case !errors.Is(err, loanerr.ErrNotFound):
			return err
		}

		amount := app.RequestedAmount
		if approvedAmount.IsPositive() {
			amount = amortization.Round(approvedAmount)
		}
		if amount.GreaterThan(app.RequestedAmount) {
			return loanerr.Validation("ApprovedAmountExceedsRequested",
				"approved amount %s exceeds the requested %s", money(amount), money(app.RequestedAmount))
		}

		rate, ok := l.interestRate(app)
		if !ok {
			return loanerr.BusinessRule("MissingProductRate",
				"no interest rate for application %s and no default for %s loans", app.ApplicationNumber, app.LoanType)
		}
		if err := checkInstallments(amount, rate, app.RequestedDurationMonths); err != nil {
			return err
		}

		now := l.now()
		app.ApprovedAmount = amount
		var entries []*models.ScheduleEntry
		loan, entries, err = l.newLoan(app, rate, now)
		if err != nil {
			return err
		}

		if err := l.allocateNumber(loanPrefix, func(number string) error {
			loan.LoanNumber = number
			return tx.CreateLoan(ctx, loan)
		}); err != nil {
			return fmt.Errorf("failed to store loan: %w", err)
		}
		if err := tx.CreateScheduleEntries(ctx, entries); err != nil {
			return fmt.Errorf("failed to store schedule: %w", err)
		}

		app.Status = models.ApplicationStatusApproved
		app.ApprovedAt = &now
		app.UpdatedAt = now
		if err := tx.UpdateApplication(ctx, app); err != nil {
			return err
		}
		ob.add(events.ApplicationApproved, app.ID, map[string]string{
			"application_number": app.ApplicationNumber,
			"loan_number":        loan.LoanNumber,
			"principal_amount":   money(loan.PrincipalAmount),
			"requested_amount":   money(app.RequestedAmount),
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	l.logger.Info("application approved",
		zap.String("application_number", app.ApplicationNumber),
		zap.String("loan_number", loan.LoanNumber),
		zap.String("principal_amount", money(loan.PrincipalAmount)))
	return app, loan, nil
}

// newLoan builds the loan for an approved application over its approved
// amount. The first installment falls due one month after approval.
func (l *Ledger) newLoan(app *models.LoanApplication, annualRate decimal.Decimal, approvedAt time.Time) (*models.Loan, []*models.ScheduleEntry, error) {
	first := models.DateOf(approvedAt).AddMonths(1)
	principal := app.ApprovedAmount
	plan := amortization.GenerateSchedule(principal, annualRate, app.RequestedDurationMonths, first.Time())
	if len(plan) == 0 {
		return nil, nil, loanerr.Validation("InvalidTerms", "application %s cannot be amortized", app.ApplicationNumber)
	}

	totalInterest := decimal.Zero
	for _, inst := range plan {
		totalInterest = totalInterest.Add(inst.Interest)
	}
	loan := &models.Loan{
		ID:                    uuid.New(),
		ApplicationID:         app.ID,
		BorrowerID:            app.BorrowerID,
		LoanType:              app.LoanType,
		Currency:              app.Currency,
		PrincipalAmount:       principal,
		InterestRate:          annualRate,
		DurationMonths:        app.RequestedDurationMonths,
		InstallmentAmount:     amortization.MonthlyPayment(principal, amortization.MonthlyRate(annualRate), app.RequestedDurationMonths),
		TotalAmountDue:        principal.Add(totalInterest),
		AmountPaid:            decimal.Zero,
		PrincipalPaid:         decimal.Zero,
		InterestPaid:          decimal.Zero,
		PenaltiesPaid:         decimal.Zero,
		OutstandingPrincipal:  principal,
		OutstandingInterest:   totalInterest,
		OutstandingPenalties:  decimal.Zero,
		CreditBalance:         decimal.Zero,
		Status:                models.LoanStatusApproved,
		InstallmentsRemaining: len(plan),
		GuaranteeAmount:       decimal.Zero,
		BranchID:              app.BranchID,
		BranchName:            app.BranchName,
		LoanOfficerID:         app.LoanOfficerID,
		LoanOfficerName:       app.LoanOfficerName,
		FirstInstallmentDate:  first,
		MaturityDate:          models.DateOf(plan[len(plan)-1].DueDate),
		CreatedAt:             approvedAt,
		UpdatedAt:             approvedAt,
	}
	if app.HasEscrow() {
		loan.GuaranteeAmount = app.BlockedGuaranteeAmount
		loan.GuaranteeAccountID = app.BlockedEscrowAccountID
	}
	loan.RecomputeBalance()

	entries := make([]*models.ScheduleEntry, 0, len(plan))
	for _, inst := range plan {
		entries = append(entries, &models.ScheduleEntry{
			ID:                uuid.New(),
			LoanID:            loan.ID,
			InstallmentNumber: inst.Number,
			DueDate:           models.DateOf(inst.DueDate),
			PrincipalAmount:   inst.Principal,
			InterestAmount:    inst.Interest,
			TotalAmount:       inst.Total,
			PaidAmount:        decimal.Zero,
			PrincipalPaid:     decimal.Zero,
			InterestPaid:      decimal.Zero,
			PenaltyPaid:       decimal.Zero,
			Status:            models.InstallmentStatusPending,
		})
	}
	return loan, entries, nil
}

// RejectApplication closes a non-terminal application and returns its guarantee.
func (l *Ledger) RejectApplication(ctx context.Context, id uuid.UUID, reason string) (*models.LoanApplication, error) {
	return l.closeApplication(ctx, id, reason, models.ApplicationStatusRejected)
}

// CancelApplication withdraws a non-terminal application and returns its guarantee.
func (l *Ledger) CancelApplication(ctx context.Context, id uuid.UUID, reason string) (*models.LoanApplication, error) {
	return l.closeApplication(ctx, id, reason, models.ApplicationStatusCancelled)
}

func (l *Ledger) closeApplication(ctx context.Context, id uuid.UUID, reason string, to models.ApplicationStatus) (*models.LoanApplication, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, loanerr.Validation("ReasonRequired", "a reason is required")
	}
	var app *models.LoanApplication
	err := l.withTx(ctx, func(tx store.Tx, ob *outbox) error {
		var err error
		app, err = tx.GetApplication(ctx, id)
		if err != nil {
			return err
		}
		if app.Status.IsTerminal() {
			op := "reject"
			if to == models.ApplicationStatusCancelled {
				op = "cancel"
			}
			return applicationStatusConflict(app, op)
		}
		if err := l.releaseApplicationGuarantee(ctx, tx, app, ob); err != nil {
			return err
		}

		now := l.now()
		app.Status = to
		app.RejectionReason = reason
		app.UpdatedAt = now
		eventType := events.ApplicationRejected
		if to == models.ApplicationStatusCancelled {
			app.CancelledAt = &now
			eventType = events.ApplicationCancelled
		} else {
			app.RejectedAt = &now
		}
		if err := tx.UpdateApplication(ctx, app); err != nil {
			return err
		}
		ob.add(eventType, app.ID, map[string]string{
			"application_number": app.ApplicationNumber,
			"reason":             reason,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

func (l *Ledger) GetApplication(ctx context.Context, id uuid.UUID) (*models.LoanApplication, error) {
	var app *models.LoanApplication
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		var err error
		app, err = tx.GetApplication(ctx, id)
		return err
	})
	return app, err
}

func (l *Ledger) ListApplications(ctx context.Context, filter store.ApplicationFilter) ([]*models.LoanApplication, error) {
	var apps []*models.LoanApplication
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		var err error
		apps, err = tx.ListApplications(ctx, filter)
		return err
	})
	return apps, err
}
