package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/shopspring/decimal"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskAssessment is an indicative credit score for an application.
type RiskAssessment struct {
	Score          int       `json:"score"`
	Level          RiskLevel `json:"level"`
	Factors        []string  `json:"factors"`
	Recommendation string    `json:"recommendation"`
}

var (
	highDebtRatio = decimal.RequireFromString("0.40")
	lowDebtRatio  = decimal.RequireFromString("0.20")
	highIncome    = decimal.NewFromInt(50000)
	lowIncome     = decimal.NewFromInt(15000)
)

// AssessRisk scores the application from its debt ratio, income, verified
// documents and security.
func (l *Ledger) AssessRisk(ctx context.Context, applicationID uuid.UUID) (RiskAssessment, error) {
	var app *models.LoanApplication
	var docs []*models.ApplicationDocument
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if app, err = tx.GetApplication(ctx, applicationID); err != nil {
			return err
		}
		docs, err = tx.ListDocuments(ctx, applicationID)
		return err
	})
	if err != nil {
		return RiskAssessment{}, err
	}
	verified := 0
	for _, d := range docs {
		if d.Verified {
			verified++
		}
	}
	return scoreApplication(app, verified), nil
}

func scoreApplication(app *models.LoanApplication, verifiedDocs int) RiskAssessment {
	score := riskScoreBase
	factors := []string{}

	switch {
	case app.DebtToIncomeRatio.GreaterThan(highDebtRatio):
		score -= 100
		factors = append(factors, "High Debt-to-Income Ratio")
	case app.DebtToIncomeRatio.LessThan(lowDebtRatio):
		score += 50
		factors = append(factors, "Low Debt-to-Income Ratio")
	}

	switch {
	case app.MonthlyIncome.GreaterThan(highIncome):
		score += 75
		factors = append(factors, "High Income")
	case app.MonthlyIncome.LessThan(lowIncome):
		score -= 75
		factors = append(factors, "Low Income")
	}

	switch {
	case verifiedDocs >= 3:
		score += 25
		factors = append(factors, "Complete Documentation")
	case verifiedDocs < 2:
		score -= 50
		factors = append(factors, "Incomplete Documentation")
	}

	if app.CollateralValue.IsPositive() || app.HasEscrow() {
		score += 50
		factors = append(factors, "Security Provided")
	}

	score = max(riskScoreMin, min(riskScoreMax, score))

	a := RiskAssessment{Score: score, Factors: factors}
	switch {
	case score >= riskLowThreshold:
		a.Level = RiskLow
		a.Recommendation = "Approve with standard terms"
	case score >= riskMediumThreshold:
		a.Level = RiskMedium
		a.Recommendation = "Approve with enhanced monitoring or require additional security"
	default:
		a.Level = RiskHigh
		a.Recommendation = "Consider rejection or require significant additional security"
	}
	return a
}
