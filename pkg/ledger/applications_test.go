package ledger

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/directory"
	"github.com/mcclellann/microloan/pkg/docstore"
	"github.com/mcclellann/microloan/pkg/events"
	"github.com/mcclellann/microloan/pkg/loanerr"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func validApplication(accountID string) CreateApplicationInput {
	return CreateApplicationInput{
		BorrowerID:              "B-100",
		LoanType:                models.LoanTypeCommercial,
		RequestedAmount:         dec("10000"),
		RequestedDurationMonths: 12,
		Currency:                models.CurrencyHTG,
		InterestRate:            dec("0.18"),
		Purpose:                 "market stall inventory",
		MonthlyIncome:           dec("5000"),
		MonthlyExpenses:         dec("2000"),
		ExistingDebts:           dec("1000"),
		GuaranteeAccountID:      accountID,
		BranchID:                "BR-1",
		LoanOfficerID:           "E-7",
	}
}

func TestCreateApplication_BlocksGuaranteeAndSubmits(t *testing.T) {
	src := directory.StaticSource{
		Branches:  map[string]string{"BR-1": "Petion-Ville"},
		Employees: map[string]string{},
	}
	env := newTestEnv(t, WithDirectory(directory.NewResolver(src, nil, 0, zap.NewNop())))
	env.seedAccount(t, "SAV-1", "5000", "0")

	app, err := env.ledger.CreateApplication(context.Background(), validApplication("SAV-1"))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(app.ApplicationNumber, "APP-20260315-"))
	assert.Equal(t, models.ApplicationStatusSubmitted, app.Status)
	assert.NotNil(t, app.SubmittedAt)
	assertDecimal(t, "0.2", app.DebtToIncomeRatio)
	assertDecimal(t, "1500", app.BlockedGuaranteeAmount)
	assert.Equal(t, "SAV-1", app.BlockedEscrowAccountID)
	assert.Equal(t, "Petion-Ville", app.BranchName)
	assert.Equal(t, "Employee E-7", app.LoanOfficerName)

	assertDecimal(t, "1500", env.account(t, "SAV-1").BlockedBalance)
	assert.Equal(t, []events.Type{events.ApplicationCreated, events.GuaranteeBlocked, events.ApplicationSubmitted},
		env.recorder.Types())
	assert.Equal(t, app.ApplicationNumber, env.recorder.Events()[1].Attributes["application_number"])
}

func TestCreateApplication_InsufficientFundsStaysDraft(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "SAV-1", "1000", "0")

	app, err := env.ledger.CreateApplication(context.Background(), validApplication("SAV-1"))
	require.NoError(t, err)

	assert.Equal(t, models.ApplicationStatusDraft, app.Status)
	assert.False(t, app.HasEscrow())
	assert.Empty(t, app.BlockedEscrowAccountID)
	assertDecimal(t, "0", env.account(t, "SAV-1").BlockedBalance)
	assert.Equal(t, []events.Type{events.ApplicationCreated}, env.recorder.Types())
}

func TestCreateApplication_UnknownAccountStaysDraft(t *testing.T) {
	env := newTestEnv(t)
	app, err := env.ledger.CreateApplication(context.Background(), validApplication("SAV-404"))
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationStatusDraft, app.Status)
}

func TestCreateApplication_DebtRatioExceeded(t *testing.T) {
	env := newTestEnv(t)
	in := validApplication("")
	in.ExistingDebts = dec("2500")

	_, err := env.ledger.CreateApplication(context.Background(), in)
	require.Error(t, err)
	assert.ErrorIs(t, err, loanerr.ErrValidation)
	assert.Equal(t, "DebtRatioExceeded", loanerr.CodeOf(err))
}

func TestCreateApplication_InputValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]func(*CreateApplicationInput){
		"missing borrower": func(in *CreateApplicationInput) { in.BorrowerID = "" },
		"unknown type":     func(in *CreateApplicationInput) { in.LoanType = "mortgage" },
		"zero duration":    func(in *CreateApplicationInput) { in.RequestedDurationMonths = 0 },
		"bad currency":     func(in *CreateApplicationInput) { in.Currency = "EUR" },
		"zero amount":      func(in *CreateApplicationInput) { in.RequestedAmount = dec("0") },
		"zero income":      func(in *CreateApplicationInput) { in.MonthlyIncome = dec("0") },
		"rate above one":   func(in *CreateApplicationInput) { in.InterestRate = dec("1.5") },
		"negative debts":   func(in *CreateApplicationInput) { in.ExistingDebts = dec("-1") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := validApplication("")
			mutate(&in)
			_, err := env.ledger.CreateApplication(context.Background(), in)
			assert.ErrorIs(t, err, loanerr.ErrValidation)
		})
	}
}

func TestCreateApplication_TooManyActive(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		_, err := env.ledger.CreateApplication(context.Background(), validApplication(""))
		require.NoError(t, err)
	}
	_, err := env.ledger.CreateApplication(context.Background(), validApplication(""))
	assert.ErrorIs(t, err, loanerr.ErrBusinessRule)
	assert.Equal(t, "TooManyActiveApplications", loanerr.CodeOf(err))

	other := validApplication("")
	other.BorrowerID = "B-200"
	_, err = env.ledger.CreateApplication(context.Background(), other)
	assert.NoError(t, err)
}

func TestSubmitApplication(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedAccount(t, "SAV-POOR", "100", "0")
	env.seedAccount(t, "SAV-RICH", "9000", "0")

	app, err := env.ledger.CreateApplication(ctx, validApplication(""))
	require.NoError(t, err)
	require.Equal(t, models.ApplicationStatusDraft, app.Status)

	_, err = env.ledger.SubmitApplication(ctx, app.ID)
	assert.Equal(t, "GuaranteeAccountRequired", loanerr.CodeOf(err))

	poor := "SAV-POOR"
	_, err = env.ledger.UpdateApplication(ctx, app.ID, UpdateApplicationInput{GuaranteeAccountID: &poor})
	require.NoError(t, err)
	_, err = env.ledger.SubmitApplication(ctx, app.ID)
	assert.ErrorIs(t, err, loanerr.ErrInsufficientFunds)

	rich := "SAV-RICH"
	_, err = env.ledger.UpdateApplication(ctx, app.ID, UpdateApplicationInput{GuaranteeAccountID: &rich})
	require.NoError(t, err)
	app, err = env.ledger.SubmitApplication(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationStatusSubmitted, app.Status)
	assertDecimal(t, "1500", env.account(t, "SAV-RICH").BlockedBalance)
	assertDecimal(t, "0", env.account(t, "SAV-POOR").BlockedBalance)

	_, err = env.ledger.SubmitApplication(ctx, app.ID)
	assert.ErrorIs(t, err, loanerr.ErrStateConflict)
	assertDecimal(t, "1500", env.account(t, "SAV-RICH").BlockedBalance)
}

func TestUpdateApplication(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	app, err := env.ledger.CreateApplication(ctx, validApplication(""))
	require.NoError(t, err)

	debts := dec("500")
	months := 18
	app, err = env.ledger.UpdateApplication(ctx, app.ID, UpdateApplicationInput{
		ExistingDebts:           &debts,
		RequestedDurationMonths: &months,
	})
	require.NoError(t, err)
	assertDecimal(t, "0.1", app.DebtToIncomeRatio)
	assert.Equal(t, 18, app.RequestedDurationMonths)

	tooMuch := dec("4000")
	_, err = env.ledger.UpdateApplication(ctx, app.ID, UpdateApplicationInput{ExistingDebts: &tooMuch})
	assert.Equal(t, "DebtRatioExceeded", loanerr.CodeOf(err))

	got, err := env.ledger.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	assertDecimal(t, "500", got.ExistingDebts)
}

func TestApproveApplication_CreatesLoanAndSchedule(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedAccount(t, "SAV-1", "5000", "0")

	app, err := env.ledger.CreateApplication(ctx, validApplication("SAV-1"))
	require.NoError(t, err)
	app, err = env.ledger.ReviewApplication(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationStatusUnderReview, app.Status)

	app, loan, err := env.ledger.ApproveApplication(ctx, app.ID, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationStatusApproved, app.Status)
	assertDecimal(t, "10000", app.ApprovedAmount)
	assert.True(t, app.HasEscrow(), "application keeps the escrow link for audit")

	assert.True(t, strings.HasPrefix(loan.LoanNumber, "MC-20260315-"))
	assert.Equal(t, models.LoanStatusApproved, loan.Status)
	assertDecimal(t, "916.80", loan.InstallmentAmount)
	assert.Equal(t, "2026-04-15", loan.FirstInstallmentDate.String())
	assert.Equal(t, "2027-03-15", loan.MaturityDate.String())
	assertDecimal(t, "1500", loan.GuaranteeAmount)
	assert.Equal(t, "SAV-1", loan.GuaranteeAccountID)
	assert.False(t, loan.GuaranteeReleased)
	assert.Equal(t, 12, loan.InstallmentsRemaining)

	entries := env.schedule(t, loan.ID)
	require.Len(t, entries, 12)
	principal := dec("0")
	interest := dec("0")
	for i, e := range entries {
		assert.Equal(t, i+1, e.InstallmentNumber)
		assert.Equal(t, models.InstallmentStatusPending, e.Status)
		principal = principal.Add(e.PrincipalAmount)
		interest = interest.Add(e.InterestAmount)
	}
	assertDecimal(t, "10000", principal)
	assert.True(t, loan.OutstandingInterest.Equal(interest))
	assert.True(t, loan.TotalAmountDue.Equal(principal.Add(interest)))
	assert.True(t, loan.OutstandingBalance.Equal(loan.TotalAmountDue))

	_, _, err = env.ledger.ApproveApplication(ctx, app.ID, decimal.Zero)
	assert.ErrorIs(t, err, loanerr.ErrStateConflict)
	_, err = env.ledger.CancelApplication(ctx, app.ID, "changed mind")
	assert.ErrorIs(t, err, loanerr.ErrStateConflict)
	assertDecimal(t, "1500", env.account(t, "SAV-1").BlockedBalance)
}

func TestApproveApplication_UsesProductDefaultRate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedAccount(t, "SAV-1", "5000", "0")
	in := validApplication("SAV-1")
	in.LoanType = models.LoanTypePersonal
	in.InterestRate = dec("0")

	app, err := env.ledger.CreateApplication(ctx, in)
	require.NoError(t, err)
	_, loan, err := env.ledger.ApproveApplication(ctx, app.ID, decimal.Zero)
	require.NoError(t, err)
	assertDecimal(t, "0.20", loan.InterestRate)
}

func TestApproveApplication_ApprovedAmount(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedAccount(t, "SAV-1", "5000", "0")
	app, err := env.ledger.CreateApplication(ctx, validApplication("SAV-1"))
	require.NoError(t, err)

	for _, tt := range []struct {
		amount string
		code   string
	}{
		{amount: "-1", code: "InvalidApprovedAmount"},
		{amount: "10000.01", code: "ApprovedAmountExceedsRequested"},
		{amount: "0.05", code: "AmountTooSmall"},
	} {
		_, _, err := env.ledger.ApproveApplication(ctx, app.ID, dec(tt.amount))
		assert.ErrorIs(t, err, loanerr.ErrValidation, tt.amount)
		assert.Equal(t, tt.code, loanerr.CodeOf(err), tt.amount)
	}
	got, err := env.ledger.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationStatusSubmitted, got.Status)

	app, loan, err := env.ledger.ApproveApplication(ctx, app.ID, dec("8000"))
	require.NoError(t, err)
	assertDecimal(t, "8000", app.ApprovedAmount)
	assertDecimal(t, "10000", app.RequestedAmount)
	assertDecimal(t, "8000", loan.PrincipalAmount)
	assertDecimal(t, "8000", loan.OutstandingPrincipal)
	assertDecimal(t, "733.44", loan.InstallmentAmount)

	principal := decimal.Zero
	interest := decimal.Zero
	for _, e := range env.schedule(t, loan.ID) {
		principal = principal.Add(e.PrincipalAmount)
		interest = interest.Add(e.InterestAmount)
	}
	assertDecimal(t, "8000", principal)
	assert.True(t, loan.TotalAmountDue.Equal(principal.Add(interest)))

	view := models.NewApplicationView(app)
	assert.Equal(t, "8000.00", view.ApprovedAmount)
}

func TestApproveApplication_LoanAlreadyExists(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedAccount(t, "SAV-1", "5000", "0")
	app, err := env.ledger.CreateApplication(ctx, validApplication("SAV-1"))
	require.NoError(t, err)

	// A loan written for the application by an earlier, interrupted approval.
	orphan := testLoan("MC-20260315-ORPHAN", "10000", "1000")
	orphan.ApplicationID = app.ID
	orphan.Status = models.LoanStatusApproved
	env.seedLoan(t, orphan)

	_, _, err = env.ledger.ApproveApplication(ctx, app.ID, decimal.Zero)
	assert.Equal(t, "LoanAlreadyExists", loanerr.CodeOf(err))
	assert.ErrorIs(t, err, loanerr.ErrStateConflict)

	loans, err := env.ledger.ListLoans(ctx)
	require.NoError(t, err)
	assert.Len(t, loans, 1)
}

func TestCreateApplication_AmountTooSmallForTerm(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	in := validApplication("")
	in.RequestedAmount = dec("0.10")
	_, err := env.ledger.CreateApplication(ctx, in)
	assert.Equal(t, "AmountTooSmall", loanerr.CodeOf(err))

	in.RequestedAmount = dec("1")
	app, err := env.ledger.CreateApplication(ctx, in)
	require.NoError(t, err)

	tiny := dec("0.10")
	_, err = env.ledger.UpdateApplication(ctx, app.ID, UpdateApplicationInput{RequestedAmount: &tiny})
	assert.Equal(t, "AmountTooSmall", loanerr.CodeOf(err))
	months := 3
	_, err = env.ledger.UpdateApplication(ctx, app.ID, UpdateApplicationInput{RequestedAmount: &tiny, RequestedDurationMonths: &months})
	require.NoError(t, err)
}

func TestCheckInstallments(t *testing.T) {
	assert.NoError(t, checkInstallments(dec("10000"), dec("0.18"), 12))
	assert.NoError(t, checkInstallments(dec("0.12"), dec("0"), 12))
	assert.Equal(t, "AmountTooSmall", loanerr.CodeOf(checkInstallments(dec("0.05"), dec("0"), 12)))
	assert.Equal(t, "AmountTooSmall", loanerr.CodeOf(checkInstallments(dec("1.80"), dec("0"), 120)))
}

func TestReviewApplication_RequiresSubmitted(t *testing.T) {
	env := newTestEnv(t)
	app, err := env.ledger.CreateApplication(context.Background(), validApplication(""))
	require.NoError(t, err)
	_, err = env.ledger.ReviewApplication(context.Background(), app.ID)
	assert.ErrorIs(t, err, loanerr.ErrStateConflict)
	_, _, err = env.ledger.ApproveApplication(context.Background(), app.ID, decimal.Zero)
	assert.ErrorIs(t, err, loanerr.ErrStateConflict)
}

func TestRejectApplication_ReleasesGuaranteeOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedAccount(t, "SAV-1", "5000", "200")

	app, err := env.ledger.CreateApplication(ctx, validApplication("SAV-1"))
	require.NoError(t, err)
	assertDecimal(t, "1700", env.account(t, "SAV-1").BlockedBalance)

	_, err = env.ledger.RejectApplication(ctx, app.ID, "  ")
	assert.Equal(t, "ReasonRequired", loanerr.CodeOf(err))

	app, err = env.ledger.RejectApplication(ctx, app.ID, "insufficient cash flow")
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationStatusRejected, app.Status)
	assert.Equal(t, "insufficient cash flow", app.RejectionReason)
	assert.NotNil(t, app.RejectedAt)
	assert.False(t, app.HasEscrow())
	assertDecimal(t, "200", env.account(t, "SAV-1").BlockedBalance)

	_, err = env.ledger.CancelApplication(ctx, app.ID, "again")
	assert.ErrorIs(t, err, loanerr.ErrStateConflict)
	assertDecimal(t, "200", env.account(t, "SAV-1").BlockedBalance)

	assert.Contains(t, env.recorder.Types(), events.GuaranteeReleased)
	assert.Equal(t, events.ApplicationRejected, env.recorder.Types()[len(env.recorder.Events())-1])
}

func TestCancelApplication_Draft(t *testing.T) {
	env := newTestEnv(t)
	app, err := env.ledger.CreateApplication(context.Background(), validApplication(""))
	require.NoError(t, err)
	app, err = env.ledger.CancelApplication(context.Background(), app.ID, "borrower withdrew")
	require.NoError(t, err)
	assert.Equal(t, models.ApplicationStatusCancelled, app.Status)
	assert.NotNil(t, app.CancelledAt)

	apps, err := env.ledger.ListApplications(context.Background(), store.ApplicationFilter{BorrowerID: "B-100"})
	require.NoError(t, err)
	assert.Len(t, apps, 1)
}

func TestGetApplication_NotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.ledger.GetApplication(context.Background(), uuid.New())
	assert.ErrorIs(t, err, loanerr.ErrNotFound)
}

func TestDocumentsAndReadiness(t *testing.T) {
	ctx := context.Background()
	docs := docstore.NewMemoryStore()
	env := newTestEnv(t, WithDocumentStore(docs))
	app, err := env.ledger.CreateApplication(ctx, validApplication(""))
	require.NoError(t, err)

	r, err := env.ledger.CheckApplicationReadiness(ctx, app.ID)
	require.NoError(t, err)
	assert.False(t, r.Ready)
	assert.Equal(t, []models.DocumentType{models.DocumentTypeIDCard, models.DocumentTypeProofOfIncome}, r.Missing)

	doc, err := env.ledger.AttachDocument(ctx, app.ID, AttachDocumentInput{
		Type:        models.DocumentTypeIDCard,
		Name:        "../id.png",
		ContentType: "image/png",
		UploadedBy:  "E-7",
		Data:        []byte("png"),
	})
	require.NoError(t, err)
	assert.Equal(t, "applications/"+app.ID.String()+"/"+doc.ID.String()+"/id.png", doc.StorageKey)
	data, ct, err := docs.Get(doc.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))
	assert.Equal(t, "image/png", ct)

	r, err = env.ledger.CheckApplicationReadiness(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.DocumentType{models.DocumentTypeProofOfIncome}, r.Missing)
	assert.Equal(t, []models.DocumentType{models.DocumentTypeIDCard}, r.Unverified)

	_, err = env.ledger.VerifyDocument(ctx, doc.ID, "E-7")
	require.NoError(t, err)
	_, err = env.ledger.VerifyDocument(ctx, doc.ID, "E-7")
	assert.ErrorIs(t, err, loanerr.ErrStateConflict)

	_, err = env.ledger.AttachDocument(ctx, app.ID, AttachDocumentInput{
		Type: models.DocumentTypeProofOfIncome, Name: "payslip.pdf", UploadedBy: "E-7", Data: []byte("pdf"),
	})
	require.NoError(t, err)
	list, err := env.ledger.ListDocuments(ctx, app.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, d := range list {
		if d.Type == models.DocumentTypeProofOfIncome {
			_, err = env.ledger.VerifyDocument(ctx, d.ID, "E-8")
			require.NoError(t, err)
		}
	}

	r, err = env.ledger.CheckApplicationReadiness(ctx, app.ID)
	require.NoError(t, err)
	assert.True(t, r.Ready)
}

func TestAttachDocument_RejectsClosedApplication(t *testing.T) {
	ctx := context.Background()
	docs := docstore.NewMemoryStore()
	env := newTestEnv(t, WithDocumentStore(docs))
	app, err := env.ledger.CreateApplication(ctx, validApplication(""))
	require.NoError(t, err)
	_, err = env.ledger.CancelApplication(ctx, app.ID, "withdrawn")
	require.NoError(t, err)

	_, err = env.ledger.AttachDocument(ctx, app.ID, AttachDocumentInput{
		Type: models.DocumentTypeOther, Name: "note.txt", UploadedBy: "E-7", Data: []byte("x"),
	})
	assert.ErrorIs(t, err, loanerr.ErrStateConflict)

	_, err = env.ledger.AttachDocument(ctx, app.ID, AttachDocumentInput{
		Type: models.DocumentTypeOther, Name: "empty.txt", UploadedBy: "E-7",
	})
	assert.Equal(t, "EmptyDocument", loanerr.CodeOf(err))
}

func TestScoreApplication(t *testing.T) {
	strong := &models.LoanApplication{
		DebtToIncomeRatio: dec("0.10"),
		MonthlyIncome:     dec("60000"),
		CollateralValue:   dec("20000"),
	}
	a := scoreApplication(strong, 3)
	assert.Equal(t, 700, a.Score)
	assert.Equal(t, RiskLow, a.Level)
	assert.Equal(t, "Approve with standard terms", a.Recommendation)
	assert.Contains(t, a.Factors, "Security Provided")

	weak := &models.LoanApplication{
		DebtToIncomeRatio: dec("0.50"),
		MonthlyIncome:     dec("10000"),
		CollateralValue:   dec("0"),
	}
	a = scoreApplication(weak, 0)
	assert.Equal(t, 300, a.Score)
	assert.Equal(t, RiskHigh, a.Level)
	assert.Contains(t, a.Factors, "High Debt-to-Income Ratio")

	middling := &models.LoanApplication{
		DebtToIncomeRatio: dec("0.30"),
		MonthlyIncome:     dec("20000"),
		CollateralValue:   dec("0"),
	}
	a = scoreApplication(middling, 2)
	assert.Equal(t, 500, a.Score)
	assert.Equal(t, RiskMedium, a.Level)
}

func TestAssessRisk(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedAccount(t, "SAV-1", "5000", "0")
	app, err := env.ledger.CreateApplication(ctx, validApplication("SAV-1"))
	require.NoError(t, err)

	a, err := env.ledger.AssessRisk(ctx, app.ID)
	require.NoError(t, err)
	// ratio 0.2 is neither high nor low; income 5000 is low; no documents; escrow held.
	assert.Equal(t, 425, a.Score)
	assert.Equal(t, RiskHigh, a.Level)
}
