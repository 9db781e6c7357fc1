package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/mcclellann/microloan/pkg/amortization"
	"github.com/mcclellann/microloan/pkg/config"
	"github.com/mcclellann/microloan/pkg/ledger"
	"github.com/mcclellann/microloan/pkg/loanerr"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testAPI struct {
	router  http.Handler
	storage *store.MemoryStore
}

func setupTestServer(t *testing.T) *testAPI {
	t.Helper()
	s := store.NewMemoryStore()
	require.NoError(t, s.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateSavingsAccount(context.Background(), &models.SavingsAccount{
			ID:       "SAV-1",
			HolderID: "B-100",
			Currency: models.CurrencyHTG,
			Balance:  decimal.NewFromInt(5000),
		})
	}))
	l := ledger.NewLedger(s)
	return &testAPI{router: NewServer(l, s, zap.NewNop()).routes(), storage: s}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

func applicationRequest() map[string]any {
	return map[string]any{
		"borrower_id":               "B-100",
		"loan_type":                 "commercial",
		"requested_amount":          "10000",
		"requested_duration_months": 12,
		"currency":                  "HTG",
		"interest_rate":             "0.18",
		"purpose":                   "market stall inventory",
		"monthly_income":            "5000",
		"monthly_expenses":          "2000",
		"existing_debts":            "1000",
		"guarantee_account_id":      "SAV-1",
	}
}

func (a *testAPI) approvedLoan(t *testing.T) models.LoanView {
	t.Helper()
	rr := a.do(t, "POST", "/applications", applicationRequest())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	app := decode[models.ApplicationView](t, rr)

	rr = a.do(t, "POST", "/applications/"+app.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	approved := decode[struct {
		Application models.ApplicationView `json:"application"`
		Loan        models.LoanView        `json:"loan"`
	}](t, rr)
	return approved.Loan
}

func TestAPI_ApplicationFlow(t *testing.T) {
	api := setupTestServer(t)

	rr := api.do(t, "POST", "/applications", applicationRequest())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	app := decode[models.ApplicationView](t, rr)
	assert.Equal(t, "submitted", app.Status)
	assert.Equal(t, "1500.00", app.BlockedGuaranteeAmount)
	assert.Equal(t, "0.2000", app.DebtToIncomeRatio)

	rr = api.do(t, "GET", "/applications/"+app.ID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = api.do(t, "GET", "/applications?borrower_id=B-100&status=submitted", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]models.ApplicationView](t, rr), 1)

	rr = api.do(t, "POST", "/applications/"+app.ID+"/review", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "under_review", decode[models.ApplicationView](t, rr).Status)

	rr = api.do(t, "GET", "/applications/"+app.ID+"/risk", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	risk := decode[ledger.RiskAssessment](t, rr)
	assert.NotEmpty(t, risk.Level)

	rr = api.do(t, "POST", "/applications/"+app.ID+"/reject", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	body := decode[errorBody](t, rr)
	assert.Equal(t, "VALIDATION", body.Error.Kind)
	assert.Equal(t, "ReasonRequired", body.Error.Code)

	rr = api.do(t, "POST", "/applications/"+app.ID+"/reject", map[string]string{"reason": "insufficient history"})
	require.Equal(t, http.StatusOK, rr.Code)
	rejected := decode[models.ApplicationView](t, rr)
	assert.Equal(t, "rejected", rejected.Status)
	assert.Equal(t, "insufficient history", rejected.RejectionReason)

	rr = api.do(t, "POST", "/applications/"+app.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "STATE_CONFLICT", decode[errorBody](t, rr).Error.Kind)
}

func TestAPI_UpdateDraftApplication(t *testing.T) {
	api := setupTestServer(t)
	req := applicationRequest()
	delete(req, "guarantee_account_id")

	rr := api.do(t, "POST", "/applications", req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	app := decode[models.ApplicationView](t, rr)
	assert.Equal(t, "draft", app.Status)

	rr = api.do(t, "PATCH", "/applications/"+app.ID, map[string]any{"requested_amount": "8000"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "8000.00", decode[models.ApplicationView](t, rr).RequestedAmount)

	rr = api.do(t, "POST", "/applications/"+app.ID+"/submit", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "GuaranteeAccountRequired", decode[errorBody](t, rr).Error.Code)

	rr = api.do(t, "POST", "/applications/"+app.ID+"/cancel", map[string]string{"reason": "borrower withdrew"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "cancelled", decode[models.ApplicationView](t, rr).Status)
}

func TestAPI_Documents(t *testing.T) {
	api := setupTestServer(t)
	rr := api.do(t, "POST", "/applications", applicationRequest())
	require.Equal(t, http.StatusCreated, rr.Code)
	app := decode[models.ApplicationView](t, rr)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("type", "id_card"))
	require.NoError(t, mw.WriteField("uploaded_by", "E-7"))
	fw, err := mw.CreateFormFile("file", "passport.pdf")
	require.NoError(t, err)
	_, err = fw.Write([]byte("%PDF-1.4 test"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/applications/"+app.ID+"/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr = httptest.NewRecorder()
	api.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	doc := decode[models.ApplicationDocument](t, rr)
	assert.Equal(t, models.DocumentType("id_card"), doc.Type)

	rr = api.do(t, "POST", "/documents/"+doc.ID.String()+"/verify", map[string]string{"verified_by": "E-9"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = api.do(t, "POST", "/documents/"+doc.ID.String()+"/verify", map[string]string{"verified_by": "E-9"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = api.do(t, "GET", "/applications/"+app.ID+"/documents", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]models.ApplicationDocument](t, rr), 1)

	rr = api.do(t, "GET", "/applications/"+app.ID+"/readiness", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	readiness := decode[ledger.Readiness](t, rr)
	assert.NotContains(t, readiness.Missing, models.DocumentType("id_card"))

	rr = api.do(t, "POST", "/applications/"+app.ID+"/documents", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_LoanAndPayments(t *testing.T) {
	api := setupTestServer(t)
	loan := api.approvedLoan(t)
	assert.Equal(t, "approved", loan.Status)
	assert.Equal(t, "916.80", loan.InstallmentAmount)

	rr := api.do(t, "POST", "/loans/"+loan.ID+"/payments", map[string]any{
		"amount": "916.80", "payment_method": "cash", "recorded_by": "E-7",
	})
	assert.Equal(t, http.StatusConflict, rr.Code, "approved loans wait for disbursement")

	rr = api.do(t, "POST", "/loans/"+loan.ID+"/disburse", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "active", decode[models.LoanView](t, rr).Status)

	rr = api.do(t, "GET", "/loans/"+loan.ID+"/schedule", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]models.ScheduleEntryView](t, rr), 12)

	rr = api.do(t, "POST", "/loans/"+loan.ID+"/payments", map[string]any{
		"amount": "916.80", "payment_method": "cash", "recorded_by": "E-7",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	payment := decode[models.PaymentView](t, rr)
	assert.Equal(t, "pending", payment.Status)

	rr = api.do(t, "GET", "/payments/"+payment.ID+"/receipt", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = api.do(t, "POST", "/payments/"+payment.ID+"/confirm", map[string]string{"confirmed_by": "E-9"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	confirmed := decode[struct {
		Payment models.PaymentView `json:"payment"`
		Loan    models.LoanView    `json:"loan"`
	}](t, rr)
	assert.Equal(t, "completed", confirmed.Payment.Status)
	assert.Equal(t, "150.00", confirmed.Payment.InterestAmount)
	assert.Equal(t, "766.80", confirmed.Payment.PrincipalAmount)
	assert.Equal(t, 1, confirmed.Loan.InstallmentsPaid)

	rr = api.do(t, "GET", "/payments/"+payment.ID+"/receipt", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	receipt := decode[ledger.Receipt](t, rr)
	assert.Equal(t, payment.ReceiptNumber, receipt.ReceiptNumber)

	rr = api.do(t, "GET", "/loans/"+loan.ID+"/payments", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]models.PaymentView](t, rr), 1)

	rr = api.do(t, "GET", "/loans/"+loan.ID+"/summary", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = api.do(t, "GET", "/loans?status=active", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]models.LoanView](t, rr), 1)

	rr = api.do(t, "GET", "/loans/overdue?min_days=1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[[]models.LoanView](t, rr))

	rr = api.do(t, "POST", "/loans/"+loan.ID+"/payoff", map[string]any{"payment_method": "bank_transfer", "recorded_by": "E-7"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	payoff := decode[struct {
		Payment models.PaymentView `json:"payment"`
		Loan    models.LoanView    `json:"loan"`
	}](t, rr)
	assert.Equal(t, "completed", payoff.Loan.Status)
	assert.Equal(t, "0.00", payoff.Loan.OutstandingBalance)
	assert.False(t, payoff.Loan.GuaranteeHeld)
}

func TestAPI_DefaultAndRehabilitate(t *testing.T) {
	api := setupTestServer(t)
	loan := api.approvedLoan(t)
	require.Equal(t, http.StatusOK, api.do(t, "POST", "/loans/"+loan.ID+"/disburse", map[string]string{"date": "2026-03-10"}).Code)

	rr := api.do(t, "POST", "/loans/"+loan.ID+"/default", map[string]string{"reason": "business closed"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "defaulted", decode[models.LoanView](t, rr).Status)

	rr = api.do(t, "POST", "/loans/"+loan.ID+"/rehabilitate", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "active", decode[models.LoanView](t, rr).Status)
}

func TestAPI_DefaultRequiresDisbursedLoan(t *testing.T) {
	api := setupTestServer(t)
	loan := api.approvedLoan(t)

	rr := api.do(t, "POST", "/loans/"+loan.ID+"/default", map[string]string{"reason": "never collected"})
	assert.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())
	assert.Equal(t, "STATE_CONFLICT", decode[errorBody](t, rr).Error.Kind)

	rr = api.do(t, "GET", "/loans/"+loan.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "approved", decode[models.LoanView](t, rr).Status)
}

func TestAPI_ApproveWithLowerAmount(t *testing.T) {
	api := setupTestServer(t)
	rr := api.do(t, "POST", "/applications", applicationRequest())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	app := decode[models.ApplicationView](t, rr)

	rr = api.do(t, "POST", "/applications/"+app.ID+"/approve", map[string]string{"approved_amount": "12000"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "ApprovedAmountExceedsRequested", decode[errorBody](t, rr).Error.Code)

	rr = api.do(t, "POST", "/applications/"+app.ID+"/approve", map[string]string{"approved_amount": "8000"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	approved := decode[struct {
		Application models.ApplicationView `json:"application"`
		Loan        models.LoanView        `json:"loan"`
	}](t, rr)
	assert.Equal(t, "10000.00", approved.Application.RequestedAmount)
	assert.Equal(t, "8000.00", approved.Application.ApprovedAmount)
	assert.Equal(t, "8000.00", approved.Loan.PrincipalAmount)
	assert.Equal(t, "733.44", approved.Loan.InstallmentAmount)
}

func TestAPI_AccountFundsGuarantee(t *testing.T) {
	api := setupTestServer(t)

	rr := api.do(t, "POST", "/accounts", map[string]any{"id": "SAV-2", "holder_id": "B-200", "currency": "HTG"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "0.00", decode[models.AccountView](t, rr).Balance)

	rr = api.do(t, "POST", "/accounts", map[string]any{"id": "SAV-2", "holder_id": "B-200", "currency": "HTG"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "AccountExists", decode[errorBody](t, rr).Error.Code)

	req := applicationRequest()
	req["borrower_id"] = "B-200"
	req["guarantee_account_id"] = "SAV-2"
	rr = api.do(t, "POST", "/applications", req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	app := decode[models.ApplicationView](t, rr)
	assert.Equal(t, "draft", app.Status)

	rr = api.do(t, "POST", "/applications/"+app.ID+"/submit", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "INSUFFICIENT_FUNDS", decode[errorBody](t, rr).Error.Kind)

	rr = api.do(t, "POST", "/accounts/SAV-2/deposits", map[string]any{"amount": "2000", "deposited_by": "E-7"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "2000.00", decode[models.AccountView](t, rr).Balance)

	rr = api.do(t, "POST", "/accounts/SAV-404/deposits", map[string]any{"amount": "10", "deposited_by": "E-7"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = api.do(t, "POST", "/applications/"+app.ID+"/submit", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "submitted", decode[models.ApplicationView](t, rr).Status)

	rr = api.do(t, "GET", "/accounts/SAV-2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	account := decode[models.AccountView](t, rr)
	assert.Equal(t, "1500.00", account.BlockedBalance)
	assert.Equal(t, "500.00", account.Available)
}

func TestAPI_SearchPayments(t *testing.T) {
	api := setupTestServer(t)
	loan := api.approvedLoan(t)
	require.Equal(t, http.StatusOK, api.do(t, "POST", "/loans/"+loan.ID+"/disburse", nil).Code)

	record := func(amount, method string) models.PaymentView {
		rr := api.do(t, "POST", "/loans/"+loan.ID+"/payments", map[string]any{
			"amount": amount, "payment_method": method, "recorded_by": "E-7",
		})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		return decode[models.PaymentView](t, rr)
	}
	cash := record("100", "cash")
	record("200", "mobile_money")
	rr := api.do(t, "POST", "/payments/"+cash.ID+"/confirm", map[string]string{"confirmed_by": "E-9"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = api.do(t, "GET", "/payments/pending", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	pending := decode[[]models.PaymentView](t, rr)
	require.Len(t, pending, 1)
	assert.Equal(t, "mobile_money", pending[0].Method)

	cases := map[string]int{
		"/payments":                                2,
		"/payments?status=completed":               1,
		"/payments?method=cash&loan_id=" + loan.ID: 1,
		"/payments?loan_id=" + uuid.NewString():    0,
		"/payments?from=2000-01-01&to=2999-12-31":  2,
		"/payments?from=2999-01-01":                0,
		"/payments?status=pending&method=cash":     0,
	}
	for path, want := range cases {
		rr = api.do(t, "GET", path, nil)
		require.Equal(t, http.StatusOK, rr.Code, path)
		assert.Len(t, decode[[]models.PaymentView](t, rr), want, path)
	}

	bad := map[string]string{
		"/payments?from=2026-02-01&to=2026-01-01": "InvalidDateRange",
		"/payments?from=yesterday":                "InvalidDate",
		"/payments?loan_id=42":                    "InvalidID",
	}
	for path, code := range bad {
		rr = api.do(t, "GET", path, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, path)
		assert.Equal(t, code, decode[errorBody](t, rr).Error.Code, path)
	}
}

func TestAPI_CancelPayment(t *testing.T) {
	api := setupTestServer(t)
	loan := api.approvedLoan(t)
	require.Equal(t, http.StatusOK, api.do(t, "POST", "/loans/"+loan.ID+"/disburse", nil).Code)

	rr := api.do(t, "POST", "/loans/"+loan.ID+"/payments", map[string]any{
		"amount": "100", "payment_method": "mobile_money", "recorded_by": "E-7",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	payment := decode[models.PaymentView](t, rr)

	rr = api.do(t, "POST", "/payments/"+payment.ID+"/cancel", map[string]string{"reason": "bounced"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "cancelled", decode[models.PaymentView](t, rr).Status)

	rr = api.do(t, "POST", "/payments/"+payment.ID+"/confirm", map[string]string{"confirmed_by": "E-9"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = api.do(t, "GET", "/loans/"+loan.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "0.00", decode[models.LoanView](t, rr).AmountPaid)
}

func TestAPI_BadRequests(t *testing.T) {
	api := setupTestServer(t)

	rr := api.do(t, "GET", "/applications/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "InvalidID", decode[errorBody](t, rr).Error.Code)

	rr = api.do(t, "GET", "/loans/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decode[errorBody](t, rr).Error.Kind)

	req := httptest.NewRequest("POST", "/applications", bytes.NewBufferString("{not json"))
	rr = httptest.NewRecorder()
	api.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = api.do(t, "GET", "/loans/overdue?min_days=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_Calculator(t *testing.T) {
	api := setupTestServer(t)

	rr := api.do(t, "GET", "/calculator?principal=10000&rate=0.18&months=12", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	summary := decode[amortization.Summary](t, rr)
	assert.True(t, summary.MonthlyPayment.Equal(decimal.RequireFromString("916.80")), summary.MonthlyPayment.String())
	assert.Equal(t, 12, summary.DurationMonths)

	rr = api.do(t, "GET", "/calculator?principal=10000&rate=0.18&months=0", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_OverdueScan(t *testing.T) {
	api := setupTestServer(t)
	api.approvedLoan(t)

	rr := api.do(t, "POST", "/admin/overdue-scan", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	report := decode[ledger.ScanReport](t, rr)
	assert.Equal(t, 0, report.MarkedOverdue)
}

func TestStatusFor(t *testing.T) {
	cases := map[loanerr.Kind]int{
		loanerr.KindValidation:        http.StatusBadRequest,
		loanerr.KindNotFound:          http.StatusNotFound,
		loanerr.KindStateConflict:     http.StatusConflict,
		loanerr.KindConcurrency:       http.StatusConflict,
		loanerr.KindInsufficientFunds: http.StatusUnprocessableEntity,
		loanerr.KindBusinessRule:      http.StatusUnprocessableEntity,
		loanerr.Kind("other"):         http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(kind), kind)
	}
}

func TestWriteError_Internal(t *testing.T) {
	s := NewServer(nil, nil, nil)
	rr := httptest.NewRecorder()
	s.writeError(rr, httptest.NewRequest("GET", "/loans", nil), errors.New("disk on fire"))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	body := decode[errorBody](t, rr)
	assert.Equal(t, "InternalError", body.Error.Code)
	assert.NotContains(t, body.Error.Message, "disk")
}

func TestLedgerOptions(t *testing.T) {
	opts := ledgerOptions(config.LoanConfig{
		MaxDebtToIncome:       0.35,
		MaxActiveApplications: 2,
		MonthlyPenaltyRate:    0.03,
		GuaranteeRate:         0.10,
		OverpaymentPolicy:     "credit",
		Products: map[string]config.ProductConfig{
			"personal": {DefaultInterestRate: 0.22, GuaranteeRate: 0.2},
		},
	})
	assert.True(t, opts.MaxDebtToIncome.Equal(decimal.RequireFromString("0.35")))
	assert.Equal(t, 2, opts.MaxActiveApplications)
	assert.Equal(t, ledger.OverpaymentCredit, opts.OverpaymentPolicy)
	assert.True(t, opts.Products[models.LoanTypePersonal].DefaultInterestRate.Equal(decimal.RequireFromString("0.22")))
	assert.True(t, opts.Products[models.LoanTypeCommercial].DefaultInterestRate.Equal(decimal.RequireFromString("0.18")))
}

type closeCountingStore struct {
	store.Storage
	closed int
}

func (s *closeCountingStore) Close() error {
	s.closed++
	return s.Storage.Close()
}

func TestServer_CloseReleasesStorage(t *testing.T) {
	s := &closeCountingStore{Storage: store.NewMemoryStore()}
	server := NewServer(ledger.NewLedger(s), s, nil)
	require.NoError(t, server.Close())
	assert.Equal(t, 1, s.closed)

	assert.NoError(t, NewServer(nil, nil, nil).Close())
}
