package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jpark-fin/bankops/internal/domain"
	"github.com/jpark-fin/bankops/internal/service"
	"github.com/jpark-fin/bankops/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bankops_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bankops_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Handler exposes the account, transfer and ledger engines over HTTP.
type Handler struct {
	accounts  *service.AccountService
	transfers *service.TransferEngine
	ledger    *service.LedgerEngine
	logger    zerolog.Logger
}

func NewHandler(accounts *service.AccountService, transfers *service.TransferEngine, ledger *service.LedgerEngine, logger zerolog.Logger) *Handler {
	return &Handler{
		accounts:  accounts,
		transfers: transfers,
		ledger:    ledger,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Register mounts all /api/v1 routes on the router.
func (h *Handler) Register(r *mux.Router) {
	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/accounts", h.CreateAccountHandler).Methods("POST")
	v1.HandleFunc("/accounts", h.ListAccountsHandler).Methods("GET")
	v1.HandleFunc("/accounts/summary", h.AccountSummaryHandler).Methods("GET")
	v1.HandleFunc("/accounts/{number}", h.GetAccountHandler).Methods("GET")
	v1.HandleFunc("/accounts/{number}", h.UpdateAccountHandler).Methods("PATCH")
	v1.HandleFunc("/accounts/{number}/transactions", h.ListTransactionsHandler).Methods("GET")

	v1.HandleFunc("/transfers", h.CreateTransferHandler).Methods("POST")
	v1.HandleFunc("/transfers/{id}", h.GetTransferHandler).Methods("GET")

	v1.HandleFunc("/ledger/entries", h.PostEntryHandler).Methods("POST")
	v1.HandleFunc("/ledger/entries/{id}/reverse", h.ReverseEntryHandler).Methods("POST")
	v1.HandleFunc("/ledger/accounts/{id}/entries", h.ListEntriesHandler).Methods("GET")
	v1.HandleFunc("/ledger/accounts/{id}/balance", h.GetBalanceHandler).Methods("GET")
	v1.HandleFunc("/ledger/accounts/{id}/summary", h.LedgerSummaryHandler).Methods("GET")
	v1.HandleFunc("/ledger/accounts/{id}/reconcile", h.ReconcileHandler).Methods("GET")
	v1.HandleFunc("/ledger/accounts/{id}/adjust", h.AdjustBalanceHandler).Methods("POST")
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

type createAccountRequest struct {
	AccountName    string             `json:"account_name"`
	AccountType    domain.AccountType `json:"account_type"`
	InitialBalance decimal.Decimal    `json:"initial_balance"`
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorID(w, r, "POST", "/accounts")
	if !ok {
		return
	}

	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/accounts")
		return
	}

	account, err := h.accounts.CreateAccount(r.Context(), service.CreateAccountInput{
		OwnerID:        actor,
		AccountName:    req.AccountName,
		AccountType:    req.AccountType,
		InitialBalance: req.InitialBalance,
	})
	if err != nil {
		h.respondDomainError(w, err, "POST", "/accounts")
		return
	}
	respondWithJSON(w, http.StatusCreated, account, "POST", "/accounts")
}

func (h *Handler) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorID(w, r, "GET", "/accounts")
	if !ok {
		return
	}

	accounts, err := h.accounts.ListAccounts(r.Context(), actor)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/accounts")
		return
	}
	respondWithJSON(w, http.StatusOK, accounts, "GET", "/accounts")
}

func (h *Handler) AccountSummaryHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorID(w, r, "GET", "/accounts/summary")
	if !ok {
		return
	}

	summary, err := h.accounts.Summary(r.Context(), actor)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/accounts/summary")
		return
	}
	respondWithJSON(w, http.StatusOK, summary, "GET", "/accounts/summary")
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	number := mux.Vars(r)["number"]

	account, err := h.accounts.GetAccount(r.Context(), number)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/accounts/{number}")
		return
	}
	respondWithJSON(w, http.StatusOK, account, "GET", "/accounts/{number}")
}

type updateAccountRequest struct {
	AccountName  *string          `json:"account_name"`
	DailyLimit   *decimal.Decimal `json:"daily_limit"`
	MonthlyLimit *decimal.Decimal `json:"monthly_limit"`
}

func (h *Handler) UpdateAccountHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorID(w, r, "PATCH", "/accounts/{number}")
	if !ok {
		return
	}
	number := mux.Vars(r)["number"]

	var req updateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "PATCH", "/accounts/{number}")
		return
	}

	account, err := h.accounts.UpdateAccount(r.Context(), number, actor, service.UpdateAccountInput{
		AccountName:  req.AccountName,
		DailyLimit:   req.DailyLimit,
		MonthlyLimit: req.MonthlyLimit,
	})
	if err != nil {
		h.respondDomainError(w, err, "PATCH", "/accounts/{number}")
		return
	}
	respondWithJSON(w, http.StatusOK, account, "PATCH", "/accounts/{number}")
}

func (h *Handler) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	number := mux.Vars(r)["number"]
	limit, offset := pagination(r)

	txns, err := h.accounts.Transactions(r.Context(), number, limit, offset)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/accounts/{number}/transactions")
		return
	}
	respondWithJSON(w, http.StatusOK, txns, "GET", "/accounts/{number}/transactions")
}

func (h *Handler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/transfers"))
	defer timer.ObserveDuration()

	actor, ok := h.actorID(w, r, "POST", "/transfers")
	if !ok {
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		respondWithError(w, http.StatusBadRequest, "Missing Idempotency-Key header", "POST", "/transfers")
		return
	}

	var req domain.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/transfers")
		return
	}
	req.IdempotencyKey = idempotencyKey
	req.ActorID = actor

	result, replayed, err := h.transfers.Transfer(r.Context(), req)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/transfers")
		return
	}

	// A replay answers 200, a fresh execution 201. Bodies are identical.
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	respondWithJSON(w, status, result, "POST", "/transfers")
}

func (h *Handler) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	transactionID := mux.Vars(r)["id"]

	txn, err := h.accounts.Transaction(r.Context(), transactionID)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/transfers/{id}")
		return
	}
	respondWithJSON(w, http.StatusOK, txn, "GET", "/transfers/{id}")
}

type postEntryRequest struct {
	TransactionID string           `json:"transaction_id"`
	AccountID     int64            `json:"account_id"`
	AccountNumber string           `json:"account_number"`
	EntryType     domain.EntryType `json:"entry_type"`
	Amount        decimal.Decimal  `json:"amount"`
	Description   string           `json:"description"`
	ReferenceID   string           `json:"reference_id"`
}

func (h *Handler) PostEntryHandler(w http.ResponseWriter, r *http.Request) {
	var req postEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/ledger/entries")
		return
	}

	entry, err := h.ledger.PostEntry(r.Context(), service.PostEntryInput{
		TransactionID: req.TransactionID,
		AccountID:     req.AccountID,
		AccountNumber: req.AccountNumber,
		EntryType:     req.EntryType,
		Amount:        req.Amount,
		Description:   req.Description,
		ReferenceID:   req.ReferenceID,
	})
	if err != nil {
		h.respondDomainError(w, err, "POST", "/ledger/entries")
		return
	}
	respondWithJSON(w, http.StatusCreated, entry, "POST", "/ledger/entries")
}

type reverseEntryRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) ReverseEntryHandler(w http.ResponseWriter, r *http.Request) {
	entryID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid entry id", "POST", "/ledger/entries/{id}/reverse")
		return
	}

	var req reverseEntryRequest
	if r.Body != nil {
		// Body is optional; decode errors on an empty body are ignored.
		json.NewDecoder(r.Body).Decode(&req)
	}

	reversal, err := h.ledger.ReverseEntry(r.Context(), entryID, req.Reason, r.Header.Get("X-Actor-ID"))
	if err != nil {
		h.respondDomainError(w, err, "POST", "/ledger/entries/{id}/reverse")
		return
	}
	respondWithJSON(w, http.StatusCreated, reversal, "POST", "/ledger/entries/{id}/reverse")
}

func (h *Handler) ListEntriesHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid account id", "GET", "/ledger/accounts/{id}/entries")
		return
	}

	limit, offset := pagination(r)
	filter := store.EntryFilter{
		EntryType: domain.EntryType(r.URL.Query().Get("entry_type")),
		Status:    domain.EntryStatus(r.URL.Query().Get("status")),
		Limit:     limit,
		Offset:    offset,
	}

	entries, err := h.ledger.Entries(r.Context(), accountID, filter)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/ledger/accounts/{id}/entries")
		return
	}
	respondWithJSON(w, http.StatusOK, entries, "GET", "/ledger/accounts/{id}/entries")
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid account id", "GET", "/ledger/accounts/{id}/balance")
		return
	}

	balance, err := h.ledger.Balance(r.Context(), accountID)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/ledger/accounts/{id}/balance")
		return
	}
	respondWithJSON(w, http.StatusOK, balance, "GET", "/ledger/accounts/{id}/balance")
}

func (h *Handler) LedgerSummaryHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid account id", "GET", "/ledger/accounts/{id}/summary")
		return
	}

	summary, err := h.ledger.Summary(r.Context(), accountID)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/ledger/accounts/{id}/summary")
		return
	}
	respondWithJSON(w, http.StatusOK, summary, "GET", "/ledger/accounts/{id}/summary")
}

func (h *Handler) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid account id", "GET", "/ledger/accounts/{id}/reconcile")
		return
	}

	report, err := h.ledger.Reconcile(r.Context(), accountID)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/ledger/accounts/{id}/reconcile")
		return
	}
	respondWithJSON(w, http.StatusOK, report, "GET", "/ledger/accounts/{id}/reconcile")
}

type adjustBalanceRequest struct {
	AccountNumber string          `json:"account_number"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description"`
}

func (h *Handler) AdjustBalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid account id", "POST", "/ledger/accounts/{id}/adjust")
		return
	}

	var req adjustBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/ledger/accounts/{id}/adjust")
		return
	}

	balance, err := h.ledger.AdjustBalance(r.Context(), service.AdjustmentInput{
		AccountID:     accountID,
		AccountNumber: req.AccountNumber,
		Amount:        req.Amount,
		Description:   req.Description,
	})
	if err != nil {
		h.respondDomainError(w, err, "POST", "/ledger/accounts/{id}/adjust")
		return
	}
	respondWithJSON(w, http.StatusOK, balance, "POST", "/ledger/accounts/{id}/adjust")
}

// actorID reads the authenticated caller from the X-Actor-ID header. Auth
// proper lives at the gateway; the service only needs the resolved id.
func (h *Handler) actorID(w http.ResponseWriter, r *http.Request, method, endpoint string) (int64, bool) {
	raw := r.Header.Get("X-Actor-ID")
	if raw == "" {
		respondWithError(w, http.StatusUnauthorized, "Missing X-Actor-ID header", method, endpoint)
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusUnauthorized, "Invalid X-Actor-ID header", method, endpoint)
		return 0, false
	}
	return id, true
}

func (h *Handler) respondDomainError(w http.ResponseWriter, err error, method, endpoint string) {
	code := statusForError(err)
	if code == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
		respondWithError(w, code, "Internal Server Error", method, endpoint)
		return
	}
	respondWithError(w, code, err.Error(), method, endpoint)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrMissingIdempotency):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRequestInProgress):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInactiveAccount),
		errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrLimitExceeded),
		errors.Is(err, domain.ErrSelfTransfer),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrNotReversible):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrLockTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func respondWithError(w http.ResponseWriter, code int, message, method, endpoint string) {
	respondWithJSON(w, code, map[string]string{"error": message}, method, endpoint)
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
