package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/mcclellann/microloan/pkg/events"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanOverdue(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	late := testLoan("MC-LATE", "80", "100")
	env.seedLoan(t, late,
		testEntry(1, today().AddDays(-10), "40", "50"),
		testEntry(2, today().AddMonths(1), "40", "50"),
	)
	onTime := testLoan("MC-ONTIME", "80", "100")
	env.seedLoan(t, onTime, testEntry(1, today().AddDays(5), "80", "100"))
	defaulted := testLoan("MC-DEFAULTED", "80", "100")
	defaulted.Status = models.LoanStatusDefaulted
	env.seedLoan(t, defaulted, testEntry(1, today().AddDays(-40), "80", "100"))

	report, err := env.ledger.ScanOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.MarkedOverdue)
	assert.Equal(t, 1, report.EntriesMarked)
	assert.Empty(t, report.Failed)

	got, err := env.ledger.GetLoan(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusOverdue, got.Status)
	assert.Equal(t, 10, got.DaysOverdue)
	assertDecimal(t, "1.50", got.OutstandingPenalties)
	assertDecimal(t, "181.50", got.OutstandingBalance)

	entries := env.schedule(t, late.ID)
	assert.Equal(t, models.InstallmentStatusOverdue, entries[0].Status)
	assert.Equal(t, 10, entries[0].DaysOverdue)
	assert.Equal(t, models.InstallmentStatusPending, entries[1].Status)

	got, err = env.ledger.GetLoan(ctx, onTime.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusActive, got.Status)
	assert.Equal(t, 1, got.Version, "untouched loans are not rewritten")

	got, err = env.ledger.GetLoan(ctx, defaulted.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusDefaulted, got.Status)

	assert.Equal(t, []events.Type{events.LoanOverdue}, env.recorder.Types())
}

func TestScanOverdue_IdempotentPerDay(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	loan := testLoan("MC-LATE", "80", "100")
	env.seedLoan(t, loan, testEntry(1, today().AddDays(-3), "80", "100"))

	_, err := env.ledger.ScanOverdue(ctx)
	require.NoError(t, err)
	first, err := env.ledger.GetLoan(ctx, loan.ID)
	require.NoError(t, err)

	report, err := env.ledger.ScanOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.MarkedOverdue)
	assert.Equal(t, 0, report.EntriesMarked)

	second, err := env.ledger.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.Len(t, env.recorder.Events(), 1)
}

func TestScanOverdue_NextDayRefreshesDays(t *testing.T) {
	ctx := context.Background()
	now := testNow
	env := newTestEnv(t, WithClock(func() time.Time { return now }))
	loan := testLoan("MC-LATE", "80", "100")
	env.seedLoan(t, loan, testEntry(1, today().AddDays(-3), "80", "100"))

	_, err := env.ledger.ScanOverdue(ctx)
	require.NoError(t, err)

	now = now.AddDate(0, 0, 1)
	report, err := env.ledger.ScanOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.MarkedOverdue)
	assert.Equal(t, 0, report.EntriesMarked)

	got, err := env.ledger.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.DaysOverdue)
	assert.Equal(t, 4, env.schedule(t, loan.ID)[0].DaysOverdue)
	// 0.90 for the first three days, 0.30 for the fourth
	assertDecimal(t, "1.20", got.OutstandingPenalties)
	assert.Equal(t, models.DateOf(now), env.schedule(t, loan.ID)[0].PenaltyAccruedTo)
}

func TestScanOverdue_RevertsWhenNothingLate(t *testing.T) {
	env := newTestEnv(t)
	loan := testLoan("MC-CAUGHT-UP", "40", "50")
	loan.Status = models.LoanStatusOverdue
	loan.DaysOverdue = 12
	paid := testEntry(1, today().AddDays(-12), "40", "50")
	paid.Status = models.InstallmentStatusCompleted
	paid.PaidAmount = paid.TotalAmount
	env.seedLoan(t, loan, paid, testEntry(2, today().AddMonths(1), "40", "50"))

	report, err := env.ledger.ScanOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reverted)

	got, err := env.ledger.GetLoan(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusActive, got.Status)
	assert.Equal(t, 0, got.DaysOverdue)
}

func TestScanOverdue_CancelledContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.ledger.ScanOverdue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
