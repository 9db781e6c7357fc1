package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Storage. Transactions are serialised and work
// on a copy of the data that replaces the live copy on commit.
type MemoryStore struct {
	mu   sync.Mutex
	data *memoryData
}

type memoryData struct {
	applications map[uuid.UUID]models.LoanApplication
	loans        map[uuid.UUID]models.Loan
	schedule     map[uuid.UUID]models.ScheduleEntry
	payments     map[uuid.UUID]models.Payment
	documents    map[uuid.UUID]models.ApplicationDocument
	accounts     map[string]models.SavingsAccount
	numbers      map[string]struct{}
}

func newMemoryData() *memoryData {
	return &memoryData{
		applications: make(map[uuid.UUID]models.LoanApplication),
		loans:        make(map[uuid.UUID]models.Loan),
		schedule:     make(map[uuid.UUID]models.ScheduleEntry),
		payments:     make(map[uuid.UUID]models.Payment),
		documents:    make(map[uuid.UUID]models.ApplicationDocument),
		accounts:     make(map[string]models.SavingsAccount),
		numbers:      make(map[string]struct{}),
	}
}

func (d *memoryData) clone() *memoryData {
	c := newMemoryData()
	for k, v := range d.applications {
		c.applications[k] = v
	}
	for k, v := range d.loans {
		c.loans[k] = v
	}
	for k, v := range d.schedule {
		c.schedule[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.documents {
		c.documents[k] = v
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k := range d.numbers {
		c.numbers[k] = struct{}{}
	}
	return c
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemoryData()}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{data: m.data.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	m.data = tx.data
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

type memoryTx struct {
	data *memoryData
}

func (t *memoryTx) claimNumber(kind, number string) error {
	key := kind + ":" + number
	if _, ok := t.data.numbers[key]; ok {
		return ErrDuplicate
	}
	t.data.numbers[key] = struct{}{}
	return nil
}

func (t *memoryTx) CreateApplication(ctx context.Context, app *models.LoanApplication) error {
	if err := t.claimNumber("application", app.ApplicationNumber); err != nil {
		return err
	}
	app.Version = 1
	t.data.applications[app.ID] = *app
	return nil
}

func (t *memoryTx) GetApplication(ctx context.Context, id uuid.UUID) (*models.LoanApplication, error) {
	app, ok := t.data.applications[id]
	if !ok {
		return nil, applicationNotFound(id)
	}
	return &app, nil
}

func (t *memoryTx) UpdateApplication(ctx context.Context, app *models.LoanApplication) error {
	current, ok := t.data.applications[app.ID]
	if !ok {
		return applicationNotFound(app.ID)
	}
	if current.Version != app.Version {
		return versionConflict("application", app.ID)
	}
	app.Version++
	t.data.applications[app.ID] = *app
	return nil
}

func (t *memoryTx) ListApplications(ctx context.Context, filter ApplicationFilter) ([]*models.LoanApplication, error) {
	var out []*models.LoanApplication
	for _, a := range t.data.applications {
		if filter.BorrowerID != "" && a.BorrowerID != filter.BorrowerID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.BranchID != "" && a.BranchID != filter.BranchID {
			continue
		}
		a := a
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (t *memoryTx) CountActiveApplications(ctx context.Context, borrowerID string) (int, error) {
	count := 0
	for _, a := range t.data.applications {
		if a.BorrowerID != borrowerID {
			continue
		}
		for _, s := range models.ActiveApplicationStatuses {
			if a.Status == s {
				count++
				break
			}
		}
	}
	return count, nil
}

func (t *memoryTx) CreateLoan(ctx context.Context, loan *models.Loan) error {
	if err := t.claimNumber("loan", loan.LoanNumber); err != nil {
		return err
	}
	loan.Version = 1
	t.data.loans[loan.ID] = *loan
	return nil
}

func (t *memoryTx) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	loan, ok := t.data.loans[id]
	if !ok {
		return nil, loanNotFound(id)
	}
	return &loan, nil
}

func (t *memoryTx) GetLoanByApplication(ctx context.Context, applicationID uuid.UUID) (*models.Loan, error) {
	for _, l := range t.data.loans {
		if l.ApplicationID == applicationID {
			l := l
			return &l, nil
		}
	}
	return nil, loanNotFound(applicationID)
}

func (t *memoryTx) UpdateLoan(ctx context.Context, loan *models.Loan) error {
	current, ok := t.data.loans[loan.ID]
	if !ok {
		return loanNotFound(loan.ID)
	}
	if current.Version != loan.Version {
		return versionConflict("loan", loan.ID)
	}
	loan.Version++
	t.data.loans[loan.ID] = *loan
	return nil
}

func (t *memoryTx) ListLoans(ctx context.Context, statuses ...models.LoanStatus) ([]*models.Loan, error) {
	var out []*models.Loan
	for _, l := range t.data.loans {
		if len(statuses) > 0 && !containsStatus(statuses, l.Status) {
			continue
		}
		l := l
		out = append(out, &l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func containsStatus(statuses []models.LoanStatus, s models.LoanStatus) bool {
	for _, want := range statuses {
		if want == s {
			return true
		}
	}
	return false
}

func (t *memoryTx) CreateScheduleEntries(ctx context.Context, entries []*models.ScheduleEntry) error {
	for _, e := range entries {
		t.data.schedule[e.ID] = *e
	}
	return nil
}

func (t *memoryTx) GetSchedule(ctx context.Context, loanID uuid.UUID) ([]*models.ScheduleEntry, error) {
	var out []*models.ScheduleEntry
	for _, e := range t.data.schedule {
		if e.LoanID == loanID {
			e := e
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].InstallmentNumber < out[j].InstallmentNumber
		}
		return out[i].DueDate.Before(out[j].DueDate)
	})
	return out, nil
}

func (t *memoryTx) UpdateScheduleEntry(ctx context.Context, entry *models.ScheduleEntry) error {
	if _, ok := t.data.schedule[entry.ID]; !ok {
		return loanNotFound(entry.LoanID)
	}
	t.data.schedule[entry.ID] = *entry
	return nil
}

func (t *memoryTx) CreatePayment(ctx context.Context, payment *models.Payment) error {
	if err := t.claimNumber("receipt", payment.ReceiptNumber); err != nil {
		return err
	}
	t.data.payments[payment.ID] = *payment
	return nil
}

func (t *memoryTx) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	p, ok := t.data.payments[id]
	if !ok {
		return nil, paymentNotFound(id)
	}
	return &p, nil
}

func (t *memoryTx) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	if _, ok := t.data.payments[payment.ID]; !ok {
		return paymentNotFound(payment.ID)
	}
	t.data.payments[payment.ID] = *payment
	return nil
}

func (t *memoryTx) ListPayments(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	var out []*models.Payment
	for _, p := range t.data.payments {
		if p.LoanID == loanID {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memoryTx) SearchPayments(ctx context.Context, filter PaymentFilter) ([]*models.Payment, error) {
	var out []*models.Payment
	for _, p := range t.data.payments {
		if filter.Matches(&p) {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PaymentDate.Equal(out[j].PaymentDate) {
			return out[i].PaymentDate.Before(out[j].PaymentDate)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *memoryTx) CreateDocument(ctx context.Context, doc *models.ApplicationDocument) error {
	t.data.documents[doc.ID] = *doc
	return nil
}

func (t *memoryTx) GetDocument(ctx context.Context, id uuid.UUID) (*models.ApplicationDocument, error) {
	d, ok := t.data.documents[id]
	if !ok {
		return nil, documentNotFound(id)
	}
	return &d, nil
}

func (t *memoryTx) UpdateDocument(ctx context.Context, doc *models.ApplicationDocument) error {
	if _, ok := t.data.documents[doc.ID]; !ok {
		return documentNotFound(doc.ID)
	}
	t.data.documents[doc.ID] = *doc
	return nil
}

func (t *memoryTx) ListDocuments(ctx context.Context, applicationID uuid.UUID) ([]*models.ApplicationDocument, error) {
	var out []*models.ApplicationDocument
	for _, d := range t.data.documents {
		if d.ApplicationID == applicationID {
			d := d
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.Before(out[j].UploadedAt) })
	return out, nil
}

func (t *memoryTx) CreateSavingsAccount(ctx context.Context, account *models.SavingsAccount) error {
	if _, ok := t.data.accounts[account.ID]; ok {
		return ErrDuplicate
	}
	t.data.accounts[account.ID] = *account
	return nil
}

func (t *memoryTx) GetSavingsAccount(ctx context.Context, id string) (*models.SavingsAccount, error) {
	a, ok := t.data.accounts[id]
	if !ok {
		return nil, accountNotFound(id)
	}
	return &a, nil
}

func (t *memoryTx) DepositFunds(ctx context.Context, accountID string, amount decimal.Decimal) error {
	a, ok := t.data.accounts[accountID]
	if !ok {
		return accountNotFound(accountID)
	}
	a.Balance = a.Balance.Add(amount)
	t.data.accounts[accountID] = a
	return nil
}

func (t *memoryTx) BlockFunds(ctx context.Context, accountID string, amount decimal.Decimal) error {
	a, ok := t.data.accounts[accountID]
	if !ok {
		return accountNotFound(accountID)
	}
	if a.Available().LessThan(amount) {
		return insufficientFunds(accountID, a.Available(), amount)
	}
	a.BlockedBalance = a.BlockedBalance.Add(amount)
	t.data.accounts[accountID] = a
	return nil
}

func (t *memoryTx) ReleaseFunds(ctx context.Context, accountID string, amount decimal.Decimal) error {
	a, ok := t.data.accounts[accountID]
	if !ok {
		return accountNotFound(accountID)
	}
	if a.BlockedBalance.LessThan(amount) {
		return releaseExceedsBlocked(accountID, a.BlockedBalance, amount)
	}
	a.BlockedBalance = a.BlockedBalance.Sub(amount)
	t.data.accounts[accountID] = a
	return nil
}
