package ledger

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/events"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/store"
	"go.uber.org/zap"
)

// ScanReport summarizes one overdue pass.
type ScanReport struct {
	Scanned       int         `json:"scanned"`
	MarkedOverdue int         `json:"marked_overdue"`
	Reverted      int         `json:"reverted"`
	EntriesMarked int         `json:"entries_marked"`
	Failed        []uuid.UUID `json:"failed,omitempty"`
}

// ScanOverdue marks late installments and loans. Each loan is updated in its
// own transaction; a failing loan is logged and skipped. Running it twice on
// the same day changes nothing the second time.
func (l *Ledger) ScanOverdue(ctx context.Context) (ScanReport, error) {
	loans, err := l.ListLoans(ctx, models.LoanStatusActive, models.LoanStatusOverdue)
	if err != nil {
		return ScanReport{}, fmt.Errorf("failed to list loans for overdue scan: %w", err)
	}

	var report ScanReport
	today := l.today()
	for _, candidate := range loans {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		err := l.withTx(ctx, func(tx store.Tx, ob *outbox) error {
			return l.scanLoan(ctx, tx, candidate.ID, today, &report, ob)
		})
		if err != nil {
			report.Failed = append(report.Failed, candidate.ID)
			l.logger.Error("overdue scan failed for loan",
				zap.String("loan_number", candidate.LoanNumber), zap.Error(err))
		}
	}

	l.logger.Info("overdue scan finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("marked_overdue", report.MarkedOverdue),
		zap.Int("reverted", report.Reverted),
		zap.Int("entries_marked", report.EntriesMarked),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

func (l *Ledger) scanLoan(ctx context.Context, tx store.Tx, id uuid.UUID, today models.Date, report *ScanReport, ob *outbox) error {
	loan, err := tx.GetLoan(ctx, id)
	if err != nil {
		return err
	}
	if loan.Status != models.LoanStatusActive && loan.Status != models.LoanStatusOverdue {
		return nil
	}
	entries, err := tx.GetSchedule(ctx, loan.ID)
	if err != nil {
		return err
	}

	entriesMarked, err := l.refreshOverdueEntries(ctx, tx, entries, today)
	if err != nil {
		return err
	}

	before := *loan
	l.refreshLoanOverdue(loan, entries, today)

	switch {
	case before.Status == models.LoanStatusActive && loan.Status == models.LoanStatusOverdue:
		report.MarkedOverdue++
		ob.add(events.LoanOverdue, loan.ID, map[string]string{
			"loan_number":  loan.LoanNumber,
			"days_overdue": strconv.Itoa(loan.DaysOverdue),
		})
	case before.Status == models.LoanStatusOverdue && loan.Status == models.LoanStatusActive:
		report.Reverted++
	}
	report.EntriesMarked += entriesMarked

	if before.Status == loan.Status && before.DaysOverdue == loan.DaysOverdue &&
		before.OutstandingPenalties.Equal(loan.OutstandingPenalties) {
		return nil
	}
	loan.UpdatedAt = l.now()
	return tx.UpdateLoan(ctx, loan)
}

// refreshOverdueEntries accrues late charges and marks open installments
// past their due date as Overdue with their days-late count. It returns how
// many entries became Overdue.
func (l *Ledger) refreshOverdueEntries(ctx context.Context, tx store.Tx, entries []*models.ScheduleEntry, today models.Date) (int, error) {
	marked := 0
	for _, e := range entries {
		if !e.IsOpen() || !e.DueDate.Before(today) {
			continue
		}
		accrued := l.accruePenalty(e, today)
		days := daysLate(e.DueDate, today)
		if !accrued && e.Status == models.InstallmentStatusOverdue && e.DaysOverdue == days {
			continue
		}
		if e.Status != models.InstallmentStatusOverdue {
			marked++
		}
		e.Status = models.InstallmentStatusOverdue
		e.DaysOverdue = days
		if err := tx.UpdateScheduleEntry(ctx, e); err != nil {
			return marked, err
		}
	}
	return marked, nil
}

// refreshLoanOverdue derives the loan's overdue days, penalties and
// Active/Overdue status from its schedule. Entries must already be accrued
// through today.
func (l *Ledger) refreshLoanOverdue(loan *models.Loan, entries []*models.ScheduleEntry, today models.Date) {
	days := 0
	for _, e := range entries {
		if e.IsOpen() && e.DueDate.Before(today) {
			days = daysLate(e.DueDate, today)
			break
		}
	}
	loan.DaysOverdue = days
	loan.OutstandingPenalties = l.outstandingPenalties(entries)
	loan.RecomputeBalance()

	switch {
	case days > 0 && loan.Status == models.LoanStatusActive:
		loan.Status = models.LoanStatusOverdue
	case days == 0 && loan.Status == models.LoanStatusOverdue:
		loan.Status = models.LoanStatusActive
	}
}
