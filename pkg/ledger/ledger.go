package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/amortization"
	"github.com/mcclellann/microloan/pkg/directory"
	"github.com/mcclellann/microloan/pkg/docstore"
	"github.com/mcclellann/microloan/pkg/events"
	"github.com/mcclellann/microloan/pkg/loanerr"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	numberSuffixLen     = 6
	numberAlphabet      = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	maxNumberAttempts   = 5
	applicationPrefix   = "APP"
	loanPrefix          = "MC"
	paymentPrefix       = "PAY"
	accountPrefix       = "SAV"
	riskScoreBase       = 500
	riskScoreMin        = 300
	riskScoreMax        = 850
	riskLowThreshold    = 650
	riskMediumThreshold = 450
)

// OverpaymentPolicy decides what happens to money left after every installment is paid.
type OverpaymentPolicy string

const (
	// OverpaymentAbsorb drops the excess, recording it on the payment only.
	OverpaymentAbsorb OverpaymentPolicy = "absorb"
	// OverpaymentReject refuses to confirm a payment larger than what is owed.
	OverpaymentReject OverpaymentPolicy = "reject"
	// OverpaymentCredit keeps the excess as a credit balance on the loan.
	OverpaymentCredit OverpaymentPolicy = "credit"
)

// Product is the pricing of one loan type.
type Product struct {
	DefaultInterestRate decimal.Decimal
	GuaranteeRate       decimal.Decimal
}

// Options are the lending rules applied by the Ledger.
type Options struct {
	MaxDebtToIncome       decimal.Decimal
	MaxActiveApplications int
	MonthlyPenaltyRate    decimal.Decimal
	GuaranteeRate         decimal.Decimal // used for loan types without a product entry
	OverpaymentPolicy     OverpaymentPolicy
	Products              map[models.LoanType]Product
}

// DefaultOptions returns the standard lending rules.
func DefaultOptions() Options {
	guarantee := decimal.RequireFromString("0.15")
	return Options{
		MaxDebtToIncome:       decimal.RequireFromString("0.40"),
		MaxActiveApplications: 3,
		MonthlyPenaltyRate:    decimal.RequireFromString("0.05"),
		GuaranteeRate:         guarantee,
		OverpaymentPolicy:     OverpaymentAbsorb,
		Products: map[models.LoanType]Product{
			models.LoanTypeCommercial:   {DefaultInterestRate: decimal.RequireFromString("0.18"), GuaranteeRate: guarantee},
			models.LoanTypeAgricultural: {DefaultInterestRate: decimal.RequireFromString("0.15"), GuaranteeRate: guarantee},
			models.LoanTypePersonal:     {DefaultInterestRate: decimal.RequireFromString("0.20"), GuaranteeRate: guarantee},
			models.LoanTypeEmergency:    {DefaultInterestRate: decimal.RequireFromString("0.24"), GuaranteeRate: guarantee},
		},
	}
}

// Ledger handles the business logic for applications, loans and payments.
type Ledger struct {
	storage   store.Storage
	opts      Options
	logger    *zap.Logger
	sink      events.Sink
	directory *directory.Resolver
	docs      docstore.Store
	validate  *validator.Validate
	now       func() time.Time

	randMu  sync.Mutex
	randSrc *rand.Rand // suffixes for application, loan and receipt numbers
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithOptions(o Options) Option {
	return func(l *Ledger) { l.opts = o }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithEventSink(sink events.Sink) Option {
	return func(l *Ledger) { l.sink = sink }
}

func WithDirectory(r *directory.Resolver) Option {
	return func(l *Ledger) { l.directory = r }
}

func WithDocumentStore(d docstore.Store) Option {
	return func(l *Ledger) { l.docs = d }
}

// WithClock overrides the time source; tests use it to pin "today".
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithRandSource(src rand.Source) Option {
	return func(l *Ledger) { l.randSrc = rand.New(src) }
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage:  s,
		opts:     DefaultOptions(),
		logger:   zap.NewNop(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
		randSrc:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.sink == nil {
		l.sink = events.NewLogSink(l.logger)
	}
	if l.directory == nil {
		l.directory = directory.NewResolver(nil, nil, 0, l.logger)
	}
	if l.docs == nil {
		l.docs = docstore.NewMemoryStore()
	}
	return l
}

// today is the current calendar date in the ledger's clock.
func (l *Ledger) today() models.Date {
	return models.DateOf(l.now())
}

// outbox collects the events of one transaction.
type outbox struct {
	events []events.Event
	at     time.Time
}

func (o *outbox) add(t events.Type, aggregateID uuid.UUID, attrs map[string]string) {
	o.events = append(o.events, events.New(t, aggregateID, o.at, attrs))
}

// withTx runs fn in a storage transaction and publishes the collected events
// once it has committed. Publish failures are logged, never returned.
func (l *Ledger) withTx(ctx context.Context, fn func(tx store.Tx, ob *outbox) error) error {
	var ob *outbox
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		ob = &outbox{at: l.now()}
		return fn(tx, ob)
	})
	if err != nil {
		return err
	}
	for _, e := range ob.events {
		if perr := l.sink.Publish(ctx, e); perr != nil {
			l.logger.Warn("failed to publish event",
				zap.String("event_type", string(e.Type)),
				zap.String("aggregate_id", e.AggregateID.String()),
				zap.Error(perr))
		}
	}
	return nil
}

// newNumber builds PREFIX-YYYYMMDD-XXXXXX with a random suffix.
func (l *Ledger) newNumber(prefix string, at time.Time) string {
	l.randMu.Lock()
	defer l.randMu.Unlock()
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('-')
	b.WriteString(at.Format("20060102"))
	b.WriteByte('-')
	for i := 0; i < numberSuffixLen; i++ {
		b.WriteByte(numberAlphabet[l.randSrc.Intn(len(numberAlphabet))])
	}
	return b.String()
}

// allocateNumber calls create with fresh numbers until one is not taken.
func (l *Ledger) allocateNumber(prefix string, create func(number string) error) error {
	var err error
	for attempt := 1; attempt <= maxNumberAttempts; attempt++ {
		number := l.newNumber(prefix, l.now())
		if err = create(number); err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return err
		}
		l.logger.Debug("number collision, retrying", zap.String("number", number), zap.Int("attempt", attempt))
	}
	return fmt.Errorf("could not allocate a unique %s number after %d attempts: %w", prefix, maxNumberAttempts, err)
}

// validateInput runs struct-tag validation and maps failures to a ValidationError.
func (l *Ledger) validateInput(input any) error {
	if err := l.validate.Struct(input); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return loanerr.Wrap(loanerr.Validation("InvalidInput",
				"field %s failed %s validation", fe.Field(), fe.Tag()), err)
		}
		return loanerr.Wrap(loanerr.Validation("InvalidInput", "invalid input"), err)
	}
	return nil
}

func (l *Ledger) product(t models.LoanType) (Product, bool) {
	p, ok := l.opts.Products[t]
	return p, ok
}

func (l *Ledger) penaltyRate() decimal.Decimal {
	return l.opts.MonthlyPenaltyRate
}

// accruePenalty assesses the late charge on the entry's current unpaid
// amount for the days since it was last assessed, through today. Charges
// already assessed are never recomputed, so a partial payment lowers only the
// base of future accrual. It reports whether the entry changed.
func (l *Ledger) accruePenalty(e *models.ScheduleEntry, today models.Date) bool {
	if !e.IsOpen() || !e.DueDate.Before(today) {
		return false
	}
	from := e.DueDate
	if e.PenaltyAccruedTo.After(from) {
		from = e.PenaltyAccruedTo
	}
	days := today.DaysSince(from)
	if days <= 0 {
		return false
	}
	e.PenaltyAccrued = e.PenaltyAccrued.Add(amortization.Penalty(e.Unpaid(), l.penaltyRate(), days))
	e.PenaltyAccruedTo = today
	return true
}

// accrueSchedule brings every entry's late charge up to today and returns the
// entries that changed.
func (l *Ledger) accrueSchedule(entries []*models.ScheduleEntry, today models.Date) []*models.ScheduleEntry {
	var changed []*models.ScheduleEntry
	for _, e := range entries {
		if l.accruePenalty(e, today) {
			changed = append(changed, e)
		}
	}
	return changed
}

// penaltyDue is the assessed late charge an entry still owes.
func (l *Ledger) penaltyDue(e *models.ScheduleEntry) decimal.Decimal {
	return e.PenaltyOwed()
}

// outstandingPenalties sums penaltyDue over the schedule.
func (l *Ledger) outstandingPenalties(entries []*models.ScheduleEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(l.penaltyDue(e))
	}
	return total
}

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

func money(d decimal.Decimal) string {
	return d.StringFixed(amortization.CurrencyPlaces)
}
