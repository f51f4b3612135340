package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/microloan/pkg/apperr"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Server adapts the engines to JSON over HTTP. Authentication happens
// upstream; the gateway passes the caller in X-User-ID or X-Admin-ID.
type Server struct {
	app    *App
	logger *zap.Logger
}

func NewServer(app *App) *Server {
	return &Server{app: app, logger: app.logger.Named("http")}
}

type ctxKey int

const (
	userKey ctxKey = iota
	adminKey
)

func userID(r *http.Request) uuid.UUID {
	id, _ := r.Context().Value(userKey).(uuid.UUID)
	return id
}

func adminID(r *http.Request) string {
	id, _ := r.Context().Value(adminKey).(string)
	return id
}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get("X-User-ID"))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing or invalid X-User-ID"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, id)))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Admin-ID"))
		if id == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing X-Admin-ID"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey, id)))
	})
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	router.HandleFunc("/users", s.registerHandler).Methods("POST")
	if s.app.cfg.Metrics.Addr == "" {
		router.Handle("/metrics", s.app.metrics.Handler()).Methods("GET")
	}

	me := router.NewRoute().Subrouter()
	me.Use(s.requireUser)
	me.HandleFunc("/me", s.getProfileHandler).Methods("GET")
	me.HandleFunc("/me/bank", s.updateBankHandler).Methods("PUT")
	me.HandleFunc("/me/kyc", s.submitKYCHandler).Methods("POST")
	me.HandleFunc("/me/credit-check", s.payCreditCheckHandler).Methods("POST")
	me.HandleFunc("/wallet", s.getWalletHandler).Methods("GET")
	me.HandleFunc("/wallet/deposits", s.depositHandler).Methods("POST")
	me.HandleFunc("/wallet/transactions", s.listTransactionsHandler).Methods("GET")
	me.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	me.HandleFunc("/loans", s.applyLoanHandler).Methods("POST")
	me.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	me.HandleFunc("/loans/{id}/extend", s.extendLoanHandler).Methods("POST")
	me.HandleFunc("/loans/{id}/payments", s.recordPaymentHandler).Methods("POST")
	me.HandleFunc("/withdrawals", s.listWithdrawalsHandler).Methods("GET")
	me.HandleFunc("/withdrawals", s.requestWithdrawalHandler).Methods("POST")

	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/loans", s.adminListLoansHandler).Methods("GET")
	admin.HandleFunc("/loans/{id}/approve", s.approveLoanHandler).Methods("POST")
	admin.HandleFunc("/loans/{id}/reject", s.rejectLoanHandler).Methods("POST")
	admin.HandleFunc("/withdrawals", s.adminListWithdrawalsHandler).Methods("GET")
	admin.HandleFunc("/withdrawals/{id}/approve", s.approveWithdrawalHandler).Methods("POST")
	admin.HandleFunc("/withdrawals/{id}/reject", s.rejectWithdrawalHandler).Methods("POST")
	admin.HandleFunc("/users/{id}/kyc", s.reviewKYCHandler).Methods("POST")
	admin.HandleFunc("/users/{id}/credit-limit", s.setCreditLimitHandler).Methods("PUT")
	admin.HandleFunc("/users/{id}/reconcile", s.reconcileHandler).Methods("GET")
	admin.HandleFunc("/sweep", s.sweepHandler).Methods("POST")
	return router
}

type errorBody struct {
	Error  string        `json:"error"`
	Reason apperr.Reason `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	body := errorBody{Error: apperr.PublicMessage(err)}
	var rej *apperr.RejectionError
	if errors.As(err, &rej) {
		body.Reason = rej.Reason
	}
	writeJSON(w, status, body)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validationf("invalid request body: %v", err)
	}
	return nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, apperr.Validationf("invalid id %q", mux.Vars(r)["id"])
	}
	return id, nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) registerHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Phone string `json:"phone"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.app.accounts.Register(r.Context(), req.Name, req.Phone)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) getProfileHandler(w http.ResponseWriter, r *http.Request) {
	user, err := s.app.accounts.Get(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) updateBankHandler(w http.ResponseWriter, r *http.Request) {
	var bank models.BankDetails
	if err := decode(r, &bank); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.app.accounts.UpdateBankDetails(r.Context(), userID(r), bank)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) submitKYCHandler(w http.ResponseWriter, r *http.Request) {
	user, err := s.app.accounts.SubmitKYC(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) payCreditCheckHandler(w http.ResponseWriter, r *http.Request) {
	user, tx, err := s.app.accounts.PayCreditCheckFee(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user, "transaction": tx})
}

func (s *Server) getWalletHandler(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.app.ledger.GetWallet(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallet": wallet, "available": wallet.Available()})
}

func (s *Server) depositHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount          decimal.Decimal `json:"amount"`
		PaymentMethod   string          `json:"payment_method"`
		ReferenceNumber string          `json:"reference_number"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tx, err := s.app.ledger.Deposit(r.Context(), userID(r), req.Amount, req.PaymentMethod, req.ReferenceNumber)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) listTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TransactionFilter{Type: models.TransactionType(q.Get("type"))}
	if filter.Type != "" && !filter.Type.Valid() {
		s.writeError(w, r, apperr.Validationf("unknown transaction type %q", filter.Type))
		return
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				s.writeError(w, r, apperr.Validationf("invalid %s %q", name, v))
				return
			}
			*dst = n
		}
	}
	txs, err := s.app.ledger.History(r.Context(), userID(r), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) applyLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount  decimal.Decimal    `json:"amount"`
		Term    int                `json:"term"`
		Purpose models.LoanPurpose `json:"purpose"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, err := s.app.loans.Apply(r.Context(), userID(r), req.Amount, req.Term, req.Purpose)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.app.loans.ListForUser(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, err := s.app.loans.Get(r.Context(), loanID)
	if err == nil && loan.UserID != userID(r) {
		err = apperr.NotFoundf("loan %s", loanID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) extendLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, tx, err := s.app.loans.Extend(r.Context(), loanID, userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loan": loan, "transaction": tx})
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, tx, err := s.app.loans.Repay(r.Context(), loanID, userID(r), req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"loan": loan, "transaction": tx})
}

func (s *Server) requestWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	wr, err := s.app.withdrawals.Request(r.Context(), userID(r), req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wr)
}

func (s *Server) listWithdrawalsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := s.app.withdrawals.ListForUser(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) adminListLoansHandler(w http.ResponseWriter, r *http.Request) {
	var statuses []models.LoanStatus
	for _, st := range strings.Split(r.URL.Query().Get("status"), ",") {
		if st = strings.TrimSpace(st); st != "" {
			statuses = append(statuses, models.LoanStatus(st))
		}
	}
	if len(statuses) == 0 {
		statuses = []models.LoanStatus{models.LoanStatusPending}
	}
	loans, err := s.app.loans.ListByStatus(r.Context(), statuses...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) approveLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, tx, err := s.app.loans.Approve(r.Context(), loanID, adminID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loan": loan, "transaction": tx})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) rejectLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, err := s.app.loans.Reject(r.Context(), loanID, adminID(r), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) adminListWithdrawalsHandler(w http.ResponseWriter, r *http.Request) {
	status := models.WithdrawalStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.WithdrawalStatusPending
	}
	list, err := s.app.withdrawals.ListByStatus(r.Context(), status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) approveWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	wr, tx, err := s.app.withdrawals.Approve(r.Context(), id, adminID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawal": wr, "transaction": tx})
}

func (s *Server) rejectWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	wr, err := s.app.withdrawals.Reject(r.Context(), id, adminID(r), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

func (s *Server) reviewKYCHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Approve bool   `json:"approve"`
		Note    string `json:"note"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.app.accounts.ReviewKYC(r.Context(), id, adminID(r), req.Approve, req.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) setCreditLimitHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		CreditLimit decimal.Decimal `json:"credit_limit"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.app.accounts.SetCreditLimit(r.Context(), id, adminID(r), req.CreditLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.app.ledger.Reconcile(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) sweepHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.app.sweeper.RunAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
