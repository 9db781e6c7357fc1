package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/microloan/pkg/amortization"
	"github.com/mcclellann/microloan/pkg/ledger"
	"github.com/mcclellann/microloan/pkg/loanerr"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxUploadSize = 12 << 20

// Server exposes the ledger over HTTP.
type Server struct {
	ledger  *ledger.Ledger
	storage store.Storage
	logger  *zap.Logger
}

func NewServer(l *ledger.Ledger, s store.Storage, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{ledger: l, storage: s, logger: logger}
}

// Close releases the storage once the HTTP server has drained.
func (s *Server) Close() error {
	if s.storage == nil {
		return nil
	}
	return s.storage.Close()
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/applications", s.createApplicationHandler).Methods("POST")
	router.HandleFunc("/applications", s.listApplicationsHandler).Methods("GET")
	router.HandleFunc("/applications/{id}", s.getApplicationHandler).Methods("GET")
	router.HandleFunc("/applications/{id}", s.updateApplicationHandler).Methods("PATCH")
	router.HandleFunc("/applications/{id}/submit", s.submitApplicationHandler).Methods("POST")
	router.HandleFunc("/applications/{id}/review", s.reviewApplicationHandler).Methods("POST")
	router.HandleFunc("/applications/{id}/approve", s.approveApplicationHandler).Methods("POST")
	router.HandleFunc("/applications/{id}/reject", s.rejectApplicationHandler).Methods("POST")
	router.HandleFunc("/applications/{id}/cancel", s.cancelApplicationHandler).Methods("POST")
	router.HandleFunc("/applications/{id}/risk", s.assessRiskHandler).Methods("GET")
	router.HandleFunc("/applications/{id}/readiness", s.readinessHandler).Methods("GET")
	router.HandleFunc("/applications/{id}/documents", s.listDocumentsHandler).Methods("GET")
	router.HandleFunc("/applications/{id}/documents", s.attachDocumentHandler).Methods("POST")
	router.HandleFunc("/documents/{id}/verify", s.verifyDocumentHandler).Methods("POST")

	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans/overdue", s.listOverdueLoansHandler).Methods("GET")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/summary", s.loanSummaryHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/schedule", s.scheduleHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/disburse", s.disburseLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/default", s.markDefaultHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/rehabilitate", s.rehabilitateLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/payments", s.recordPaymentHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/payments", s.listPaymentsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payoff", s.earlyPayoffHandler).Methods("POST")

	router.HandleFunc("/payments", s.searchPaymentsHandler).Methods("GET")
	router.HandleFunc("/payments/pending", s.pendingPaymentsHandler).Methods("GET")
	router.HandleFunc("/payments/{id}", s.getPaymentHandler).Methods("GET")
	router.HandleFunc("/payments/{id}/confirm", s.confirmPaymentHandler).Methods("POST")
	router.HandleFunc("/payments/{id}/cancel", s.cancelPaymentHandler).Methods("POST")
	router.HandleFunc("/payments/{id}/receipt", s.receiptHandler).Methods("GET")

	router.HandleFunc("/accounts", s.openAccountHandler).Methods("POST")
	router.HandleFunc("/accounts/{id}", s.getAccountHandler).Methods("GET")
	router.HandleFunc("/accounts/{id}/deposits", s.depositHandler).Methods("POST")

	router.HandleFunc("/calculator", s.calculatorHandler).Methods("GET")
	router.HandleFunc("/admin/overdue-scan", s.overdueScanHandler).Methods("POST")
	return router
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func statusFor(kind loanerr.Kind) int {
	switch kind {
	case loanerr.KindValidation:
		return http.StatusBadRequest
	case loanerr.KindNotFound:
		return http.StatusNotFound
	case loanerr.KindStateConflict, loanerr.KindConcurrency:
		return http.StatusConflict
	case loanerr.KindInsufficientFunds, loanerr.KindBusinessRule:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var body errorBody
	var le *loanerr.Error
	if errors.As(err, &le) {
		body.Error.Kind = string(le.Kind)
		body.Error.Code = le.Code
		body.Error.Message = le.Message
		writeJSON(w, statusFor(le.Kind), body)
		return
	}
	s.logger.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	body.Error.Kind = "INTERNAL"
	body.Error.Code = "InternalError"
	body.Error.Message = "internal server error"
	writeJSON(w, http.StatusInternalServerError, body)
}

func badRequest(code, format string, args ...any) error {
	return loanerr.Validation(code, format, args...)
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, badRequest("InvalidID", "invalid id %q", mux.Vars(r)["id"])
	}
	return id, nil
}

// decodeJSON reads an optional JSON body; an empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("InvalidJSON", "invalid request body: %v", err)
	}
	return nil
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) createApplicationHandler(w http.ResponseWriter, r *http.Request) {
	var req ledger.CreateApplicationInput
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	app, err := s.ledger.CreateApplication(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.NewApplicationView(app))
}

func (s *Server) listApplicationsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	apps, err := s.ledger.ListApplications(r.Context(), store.ApplicationFilter{
		BorrowerID: q.Get("borrower_id"),
		Status:     models.ApplicationStatus(q.Get("status")),
		BranchID:   q.Get("branch_id"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]models.ApplicationView, 0, len(apps))
	for _, a := range apps {
		views = append(views, models.NewApplicationView(a))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getApplicationHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	app, err := s.ledger.GetApplication(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewApplicationView(app))
}

func (s *Server) updateApplicationHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req ledger.UpdateApplicationInput
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	app, err := s.ledger.UpdateApplication(r.Context(), id, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewApplicationView(app))
}

// applicationTransition serves the body-less application state changes.
func (s *Server) applicationTransition(fn func(*Server, *http.Request, uuid.UUID) (*models.LoanApplication, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		app, err := fn(s, r, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, models.NewApplicationView(app))
	}
}

func (s *Server) submitApplicationHandler(w http.ResponseWriter, r *http.Request) {
	s.applicationTransition(func(s *Server, r *http.Request, id uuid.UUID) (*models.LoanApplication, error) {
		return s.ledger.SubmitApplication(r.Context(), id)
	})(w, r)
}

func (s *Server) reviewApplicationHandler(w http.ResponseWriter, r *http.Request) {
	s.applicationTransition(func(s *Server, r *http.Request, id uuid.UUID) (*models.LoanApplication, error) {
		return s.ledger.ReviewApplication(r.Context(), id)
	})(w, r)
}

func (s *Server) rejectApplicationHandler(w http.ResponseWriter, r *http.Request) {
	s.applicationTransition(func(s *Server, r *http.Request, id uuid.UUID) (*models.LoanApplication, error) {
		var req reasonRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		return s.ledger.RejectApplication(r.Context(), id, req.Reason)
	})(w, r)
}

func (s *Server) cancelApplicationHandler(w http.ResponseWriter, r *http.Request) {
	s.applicationTransition(func(s *Server, r *http.Request, id uuid.UUID) (*models.LoanApplication, error) {
		var req reasonRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		return s.ledger.CancelApplication(r.Context(), id, req.Reason)
	})(w, r)
}

type approveRequest struct {
	ApprovedAmount decimal.Decimal `json:"approved_amount"`
}

func (s *Server) approveApplicationHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	app, loan, err := s.ledger.ApproveApplication(r.Context(), id, req.ApprovedAmount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"application": models.NewApplicationView(app),
		"loan":        models.NewLoanView(loan),
	})
}

func (s *Server) assessRiskHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	assessment, err := s.ledger.AssessRisk(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assessment)
}

func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	readiness, err := s.ledger.CheckApplicationReadiness(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, readiness)
}

func (s *Server) listDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	docs, err := s.ledger.ListDocuments(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

// attachDocumentHandler takes a multipart form with "file", "type" and "uploaded_by".
func (s *Server) attachDocumentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		s.writeError(w, r, badRequest("InvalidUpload", "invalid multipart upload: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, badRequest("FileRequired", "a file field is required"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, r, badRequest("InvalidUpload", "failed to read upload: %v", err))
		return
	}

	doc, err := s.ledger.AttachDocument(r.Context(), id, ledger.AttachDocumentInput{
		Type:        models.DocumentType(r.FormValue("type")),
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		UploadedBy:  r.FormValue("uploaded_by"),
		Data:        data,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) verifyDocumentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		VerifiedBy string `json:"verified_by"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	doc, err := s.ledger.VerifyDocument(r.Context(), id, req.VerifiedBy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func loanViews(loans []*models.Loan) []models.LoanView {
	views := make([]models.LoanView, 0, len(loans))
	for _, l := range loans {
		views = append(views, models.NewLoanView(l))
	}
	return views
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	var statuses []models.LoanStatus
	for _, st := range r.URL.Query()["status"] {
		statuses = append(statuses, models.LoanStatus(st))
	}
	loans, err := s.ledger.ListLoans(r.Context(), statuses...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loanViews(loans))
}

func (s *Server) listOverdueLoansHandler(w http.ResponseWriter, r *http.Request) {
	minDays := 0
	if v := r.URL.Query().Get("min_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, badRequest("InvalidMinDays", "min_days must be a non-negative integer"))
			return
		}
		minDays = n
	}
	loans, err := s.ledger.ListOverdueLoans(r.Context(), minDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loanViews(loans))
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, err := s.ledger.GetLoan(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewLoanView(loan))
}

func (s *Server) loanSummaryHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	summary, err := s.ledger.LoanSummary(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{
		"loan":                 models.NewLoanView(summary.Loan),
		"overdue_installments": summary.OverdueInstallments,
		"penalties_due":        summary.PenaltiesDue.StringFixed(2),
		"payoff_amount":        summary.PayoffAmount.StringFixed(2),
	}
	if summary.NextInstallment != nil {
		resp["next_installment"] = models.NewScheduleEntryView(summary.NextInstallment)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.ledger.GetSchedule(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]models.ScheduleEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, models.NewScheduleEntryView(e))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) loanTransition(fn func(*http.Request, uuid.UUID) (*models.Loan, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		loan, err := fn(r, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, models.NewLoanView(loan))
	}
}

func (s *Server) disburseLoanHandler(w http.ResponseWriter, r *http.Request) {
	s.loanTransition(func(r *http.Request, id uuid.UUID) (*models.Loan, error) {
		var req struct {
			Date models.Date `json:"date"`
		}
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		return s.ledger.DisburseLoan(r.Context(), id, req.Date)
	})(w, r)
}

func (s *Server) markDefaultHandler(w http.ResponseWriter, r *http.Request) {
	s.loanTransition(func(r *http.Request, id uuid.UUID) (*models.Loan, error) {
		var req reasonRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		return s.ledger.MarkDefault(r.Context(), id, req.Reason)
	})(w, r)
}

func (s *Server) rehabilitateLoanHandler(w http.ResponseWriter, r *http.Request) {
	s.loanTransition(func(r *http.Request, id uuid.UUID) (*models.Loan, error) {
		return s.ledger.RehabilitateLoan(r.Context(), id)
	})(w, r)
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req ledger.RecordPaymentInput
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	payment, err := s.ledger.RecordPayment(r.Context(), id, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.NewPaymentView(payment))
}

func paymentViews(payments []*models.Payment) []models.PaymentView {
	views := make([]models.PaymentView, 0, len(payments))
	for _, p := range payments {
		views = append(views, models.NewPaymentView(p))
	}
	return views
}

func (s *Server) listPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payments, err := s.ledger.ListPayments(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentViews(payments))
}

// paymentFilter reads /payments?loan_id=&status=&method=&from=&to= query parameters.
func paymentFilter(r *http.Request) (store.PaymentFilter, error) {
	q := r.URL.Query()
	filter := store.PaymentFilter{
		Status: models.PaymentStatus(q.Get("status")),
		Method: models.PaymentMethod(q.Get("method")),
	}
	if v := q.Get("loan_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return filter, badRequest("InvalidID", "invalid loan_id %q", v)
		}
		filter.LoanID = id
	}
	for _, bound := range []struct {
		name string
		dst  *models.Date
	}{{"from", &filter.From}, {"to", &filter.To}} {
		v := q.Get(bound.name)
		if v == "" {
			continue
		}
		d, err := models.ParseDate(v)
		if err != nil {
			return filter, badRequest("InvalidDate", "%s must be a YYYY-MM-DD date", bound.name)
		}
		*bound.dst = d
	}
	return filter, nil
}

func (s *Server) searchPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := paymentFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payments, err := s.ledger.SearchPayments(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentViews(payments))
}

func (s *Server) pendingPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	payments, err := s.ledger.ListPendingPayments(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentViews(payments))
}

func (s *Server) earlyPayoffHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req ledger.EarlyPayoffInput
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	payment, loan, err := s.ledger.EarlyPayoff(r.Context(), id, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"payment": models.NewPaymentView(payment),
		"loan":    models.NewLoanView(loan),
	})
}

func (s *Server) getPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payment, err := s.ledger.GetPayment(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewPaymentView(payment))
}

func (s *Server) confirmPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		ConfirmedBy string `json:"confirmed_by"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	payment, loan, err := s.ledger.ConfirmPayment(r.Context(), id, req.ConfirmedBy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"payment": models.NewPaymentView(payment),
		"loan":    models.NewLoanView(loan),
	})
}

func (s *Server) cancelPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req reasonRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	payment, err := s.ledger.CancelPayment(r.Context(), id, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewPaymentView(payment))
}

func (s *Server) receiptHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	receipt, err := s.ledger.Receipt(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) openAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req ledger.OpenAccountInput
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := s.ledger.OpenSavingsAccount(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.NewAccountView(account))
}

// Account ids are branch-issued strings, not uuids.
func (s *Server) getAccountHandler(w http.ResponseWriter, r *http.Request) {
	account, err := s.ledger.GetSavingsAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewAccountView(account))
}

func (s *Server) depositHandler(w http.ResponseWriter, r *http.Request) {
	var req ledger.DepositInput
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := s.ledger.Deposit(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewAccountView(account))
}

// calculatorHandler quotes a loan: /calculator?principal=10000&rate=0.18&months=12
func (s *Server) calculatorHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	principal, err := decimal.NewFromString(q.Get("principal"))
	if err != nil || !principal.IsPositive() {
		s.writeError(w, r, badRequest("InvalidPrincipal", "principal must be a positive number"))
		return
	}
	rate, err := decimal.NewFromString(q.Get("rate"))
	if err != nil || rate.IsNegative() {
		s.writeError(w, r, badRequest("InvalidInterestRate", "rate must be a non-negative number"))
		return
	}
	months, err := strconv.Atoi(q.Get("months"))
	if err != nil || months < 1 || months > 120 {
		s.writeError(w, r, badRequest("InvalidDuration", "months must be between 1 and 120"))
		return
	}
	writeJSON(w, http.StatusOK, amortization.Summarize(principal, rate, months))
}

func (s *Server) overdueScanHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.ScanOverdue(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
