package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/amortization"
	"github.com/mcclellann/microloan/pkg/events"
	"github.com/mcclellann/microloan/pkg/loanerr"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OpenAccountInput opens a savings account that can hold loan guarantees.
// An empty ID gets a generated SAV number.
type OpenAccountInput struct {
	ID             string          `json:"id" validate:"max=64"`
	HolderID       string          `json:"holder_id" validate:"required,max=64"`
	Currency       models.Currency `json:"currency" validate:"required,oneof=HTG USD"`
	InitialDeposit decimal.Decimal `json:"initial_deposit"`
}

// DepositInput credits money to a savings account.
type DepositInput struct {
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference" validate:"max=100"`
	DepositedBy string          `json:"deposited_by" validate:"required,max=64"`
}

// accountAggregateID gives string-keyed accounts a stable id for events.
func accountAggregateID(accountID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(accountID))
}

// OpenSavingsAccount creates an account with an optional opening balance.
func (l *Ledger) OpenSavingsAccount(ctx context.Context, input OpenAccountInput) (*models.SavingsAccount, error) {
	if err := l.validateInput(input); err != nil {
		return nil, err
	}
	if input.InitialDeposit.IsNegative() {
		return nil, loanerr.Validation("InvalidAmount", "initial deposit cannot be negative")
	}

	account := &models.SavingsAccount{
		ID:             input.ID,
		HolderID:       input.HolderID,
		Currency:       input.Currency,
		Balance:        amortization.Round(input.InitialDeposit),
		BlockedBalance: decimal.Zero,
		UpdatedAt:      l.now(),
	}
	err := l.withTx(ctx, func(tx store.Tx, ob *outbox) error {
		if account.ID != "" {
			if err := tx.CreateSavingsAccount(ctx, account); err != nil {
				if errors.Is(err, store.ErrDuplicate) {
					return loanerr.StateConflict("AccountExists", "savings account %s already exists", account.ID)
				}
				return err
			}
		} else if err := l.allocateNumber(accountPrefix, func(number string) error {
			account.ID = number
			return tx.CreateSavingsAccount(ctx, account)
		}); err != nil {
			return fmt.Errorf("failed to store savings account: %w", err)
		}
		ob.add(events.AccountOpened, accountAggregateID(account.ID), map[string]string{
			"account_id": account.ID,
			"holder_id":  account.HolderID,
			"balance":    money(account.Balance),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("savings account opened",
		zap.String("account_id", account.ID),
		zap.String("holder_id", account.HolderID))
	return account, nil
}

// Deposit adds money to an account's available balance.
func (l *Ledger) Deposit(ctx context.Context, accountID string, input DepositInput) (*models.SavingsAccount, error) {
	if err := l.validateInput(input); err != nil {
		return nil, err
	}
	if !input.Amount.IsPositive() {
		return nil, loanerr.Validation("InvalidAmount", "deposit amount must be positive")
	}
	amount := amortization.Round(input.Amount)

	var account *models.SavingsAccount
	err := l.withTx(ctx, func(tx store.Tx, ob *outbox) error {
		if err := tx.DepositFunds(ctx, accountID, amount); err != nil {
			return err
		}
		var err error
		account, err = tx.GetSavingsAccount(ctx, accountID)
		if err != nil {
			return err
		}
		ob.add(events.FundsDeposited, accountAggregateID(accountID), map[string]string{
			"account_id":   accountID,
			"amount":       money(amount),
			"reference":    input.Reference,
			"deposited_by": input.DepositedBy,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (l *Ledger) GetSavingsAccount(ctx context.Context, id string) (*models.SavingsAccount, error) {
	var account *models.SavingsAccount
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		var err error
		account, err = tx.GetSavingsAccount(ctx, id)
		return err
	})
	return account, err
}
