// Package amortization computes fixed-installment (annuity) repayment figures.
// All functions are pure and never fail: invalid inputs produce zero values.
package amortization

import (
	"time"

	"github.com/shopspring/decimal"
)

// CurrencyPlaces is the number of decimal places every currency amount is rounded to.
const CurrencyPlaces = 2

var (
	one          = decimal.NewFromInt(1)
	monthsInYear = decimal.NewFromInt(12)
	daysInMonth  = decimal.NewFromInt(30)
)

// Installment is one line of a generated payment schedule.
type Installment struct {
	Number           int
	DueDate          time.Time
	Principal        decimal.Decimal
	Interest         decimal.Decimal
	Total            decimal.Decimal
	RemainingBalance decimal.Decimal
}

// Summary describes the cost of a loan over its full term.
type Summary struct {
	Principal          decimal.Decimal `json:"principal"`
	MonthlyPayment     decimal.Decimal `json:"monthly_payment"`
	TotalInterest      decimal.Decimal `json:"total_interest"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	AnnualInterestRate decimal.Decimal `json:"annual_interest_rate"`
	DurationMonths     int             `json:"duration_months"`
	EffectiveRate      decimal.Decimal `json:"effective_rate"`
}

// Round rounds a currency amount half away from zero.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(CurrencyPlaces)
}

// MonthlyRate converts an annual nominal rate to a monthly rate.
func MonthlyRate(annualRate decimal.Decimal) decimal.Decimal {
	return annualRate.Div(monthsInYear)
}

// MonthlyPayment returns the fixed installment for an annuity loan.
// A zero rate splits the principal evenly.
func MonthlyPayment(principal, monthlyRate decimal.Decimal, months int) decimal.Decimal {
	if months <= 0 || !principal.IsPositive() {
		return decimal.Zero
	}
	n := decimal.NewFromInt(int64(months))
	if !monthlyRate.IsPositive() {
		return Round(principal.Div(n))
	}

	factor := one.Add(monthlyRate).Pow(n)
	payment := principal.Mul(monthlyRate).Mul(factor).Div(factor.Sub(one))
	return Round(payment)
}

// TotalInterest returns the interest paid over the whole term at the rounded installment.
func TotalInterest(principal, monthlyRate decimal.Decimal, months int) decimal.Decimal {
	payment := MonthlyPayment(principal, monthlyRate, months)
	total := payment.Mul(decimal.NewFromInt(int64(months))).Sub(principal)
	if total.IsNegative() {
		return decimal.Zero
	}
	return Round(total)
}

// RemainingBalance returns the principal still owed after paymentsMade installments.
func RemainingBalance(principal, monthlyRate decimal.Decimal, months, paymentsMade int) decimal.Decimal {
	if months <= 0 || paymentsMade >= months || !principal.IsPositive() {
		return decimal.Zero
	}
	if paymentsMade < 0 {
		paymentsMade = 0
	}

	var remaining decimal.Decimal
	if !monthlyRate.IsPositive() {
		perMonth := principal.Div(decimal.NewFromInt(int64(months)))
		remaining = principal.Sub(perMonth.Mul(decimal.NewFromInt(int64(paymentsMade))))
	} else {
		fn := one.Add(monthlyRate).Pow(decimal.NewFromInt(int64(months)))
		fp := one.Add(monthlyRate).Pow(decimal.NewFromInt(int64(paymentsMade)))
		remaining = principal.Mul(fn.Sub(fp)).Div(fn.Sub(one))
	}

	if remaining.IsNegative() {
		return decimal.Zero
	}
	return Round(remaining)
}

// GenerateSchedule builds the installment plan. The first installment falls due on
// startDate and each following one a calendar month later. The final installment
// repays the exact remaining balance so the principal column sums to principal.
func GenerateSchedule(principal, annualRate decimal.Decimal, months int, startDate time.Time) []Installment {
	if months <= 0 || !principal.IsPositive() {
		return nil
	}

	principal = Round(principal)
	rate := MonthlyRate(annualRate)
	if rate.IsNegative() {
		rate = decimal.Zero
	}
	payment := MonthlyPayment(principal, rate, months)

	schedule := make([]Installment, 0, months)
	remaining := principal
	for i := 1; i <= months; i++ {
		interest := Round(remaining.Mul(rate))
		principalPart := payment.Sub(interest)
		if i == months || principalPart.GreaterThan(remaining) {
			principalPart = remaining
		}
		if principalPart.IsNegative() {
			principalPart = decimal.Zero
		}
		remaining = remaining.Sub(principalPart)

		schedule = append(schedule, Installment{
			Number:           i,
			DueDate:          startDate.AddDate(0, i-1, 0),
			Principal:        principalPart,
			Interest:         interest,
			Total:            principalPart.Add(interest),
			RemainingBalance: remaining,
		})
	}
	return schedule
}

// Summarize computes the headline figures shown when quoting a loan.
func Summarize(principal, annualRate decimal.Decimal, months int) Summary {
	rate := MonthlyRate(annualRate)
	payment := MonthlyPayment(principal, rate, months)
	interest := TotalInterest(principal, rate, months)

	effective := decimal.Zero
	if principal.IsPositive() && months > 0 {
		years := decimal.NewFromInt(int64(months)).Div(monthsInYear)
		effective = interest.Div(principal).Div(years).Round(4)
	}

	return Summary{
		Principal:          principal,
		MonthlyPayment:     payment,
		TotalInterest:      interest,
		TotalAmount:        principal.Add(interest),
		AnnualInterestRate: annualRate,
		DurationMonths:     months,
		EffectiveRate:      effective,
	}
}

// Penalty is the late charge on an unpaid amount: a flat monthly rate applied per day late.
func Penalty(unpaid, monthlyPenaltyRate decimal.Decimal, daysLate int) decimal.Decimal {
	if daysLate <= 0 || !unpaid.IsPositive() || !monthlyPenaltyRate.IsPositive() {
		return decimal.Zero
	}
	daily := monthlyPenaltyRate.Div(daysInMonth)
	return Round(unpaid.Mul(daily).Mul(decimal.NewFromInt(int64(daysLate))))
}
