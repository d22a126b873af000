/**
 * @description
 * This file contains the HTTP handlers for the payments core's wallet endpoints:
 * transfers, withdrawals, batches, balances, fees, history and beneficiaries.
 * Handlers parse requests, call the application service and write the response.
 * They are the bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - github.com/go-playground/validator/v10: payload validation from struct tags.
 * - internal/app, internal/domain: service logic, models and the error taxonomy.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/transfa/payments-core/internal/app"
	"github.com/transfa/payments-core/internal/domain"
)

const (
	maxRequestBodyBytes = 1 << 20
	defaultPageSize     = 20
	maxPageSize         = 100
)

// Service is the application surface the handlers call. *app.Service implements it.
type Service interface {
	ResolveInternalUserID(ctx context.Context, clerkUserID string) (uuid.UUID, error)
	Fees() app.FeeSchedule
	GetAccountBalance(ctx context.Context, userID uuid.UUID) (*domain.AccountBalance, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Transaction, error)
	GetTransaction(ctx context.Context, userID, transactionID uuid.UUID) (*domain.Transaction, error)

	ProcessP2PTransfer(ctx context.Context, senderID uuid.UUID, req domain.P2PTransferRequest) (*domain.Transaction, error)
	ProcessWithdrawal(ctx context.Context, userID uuid.UUID, req domain.WithdrawalRequest) (*domain.Transaction, error)
	ProcessBulkP2PTransfer(ctx context.Context, senderID uuid.UUID, req domain.BulkP2PTransferRequest) (*domain.BulkP2PTransferResult, error)
	GetTransferBatch(ctx context.Context, senderID, batchID uuid.UUID) (*domain.TransferBatch, []domain.TransferBatchItem, error)

	ListBeneficiaries(ctx context.Context, userID uuid.UUID) ([]domain.Beneficiary, error)
	GetDefaultBeneficiary(ctx context.Context, userID uuid.UUID) (*domain.Beneficiary, error)
	SetDefaultBeneficiary(ctx context.Context, userID, beneficiaryID uuid.UUID) error

	CreatePaymentRequest(ctx context.Context, creatorID uuid.UUID, payload domain.CreatePaymentRequestPayload) (*domain.PaymentRequest, error)
	ListPaymentRequests(ctx context.Context, creatorID uuid.UUID, opts domain.PaymentRequestListOptions) ([]domain.PaymentRequest, error)
	GetPaymentRequest(ctx context.Context, creatorID, requestID uuid.UUID) (*domain.PaymentRequest, error)
	DeletePaymentRequest(ctx context.Context, creatorID, requestID uuid.UUID) error
	ListIncomingPaymentRequests(ctx context.Context, recipientID uuid.UUID, opts domain.PaymentRequestListOptions) ([]domain.PaymentRequest, error)
	GetIncomingPaymentRequest(ctx context.Context, recipientID, requestID uuid.UUID) (*domain.PaymentRequest, error)
	DeclineIncomingPaymentRequest(ctx context.Context, recipientID, requestID uuid.UUID, payload domain.DeclineIncomingPaymentRequestPayload) (*domain.PaymentRequest, error)
	PayIncomingPaymentRequest(ctx context.Context, payerID, requestID uuid.UUID, payload domain.PayIncomingPaymentRequestPayload) (*domain.PayIncomingPaymentRequestResult, error)

	CreateTransferList(ctx context.Context, ownerID uuid.UUID, payload domain.CreateTransferListPayload) (*domain.TransferList, error)
	ListTransferLists(ctx context.Context, ownerID uuid.UUID, opts domain.TransferListListOptions) ([]domain.TransferListSummary, error)
	GetTransferList(ctx context.Context, ownerID, listID uuid.UUID) (*domain.TransferList, error)
	UpdateTransferList(ctx context.Context, ownerID, listID uuid.UUID, payload domain.UpdateTransferListPayload) (*domain.TransferList, error)
	ToggleTransferListMember(ctx context.Context, ownerID, listID uuid.UUID, payload domain.ToggleTransferListMemberPayload) (*domain.ToggleTransferListMemberResult, error)
	DeleteTransferList(ctx context.Context, ownerID, listID uuid.UUID) error

	SetTransactionPIN(ctx context.Context, userID uuid.UUID, payload domain.SetTransactionPINPayload) error
	ProcessSubscriptionFee(ctx context.Context, userID uuid.UUID, amount int64, reason string) (*domain.Transaction, error)

	CreateMoneyDrop(ctx context.Context, creatorID uuid.UUID, req domain.CreateMoneyDropRequest) (*domain.CreateMoneyDropResponse, error)
	GetMoneyDropDetails(ctx context.Context, dropID uuid.UUID) (*domain.MoneyDropDetails, error)
	ClaimMoneyDrop(ctx context.Context, claimantID, dropID uuid.UUID, req domain.ClaimMoneyDropRequest, idempotencyKey string) (*domain.ClaimMoneyDropResponse, error)

	ListNotifications(ctx context.Context, userID uuid.UUID, opts domain.NotificationListOptions) ([]domain.InAppNotification, error)
	GetNotificationUnreadCounts(ctx context.Context, userID uuid.UUID) (*domain.NotificationUnreadCounts, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID uuid.UUID) error
	MarkAllNotificationsRead(ctx context.Context, userID uuid.UUID, category *string) (int64, error)
}

// SettlementEventApplier applies one settlement callback.
type SettlementEventApplier interface {
	HandleEvent(ctx context.Context, event domain.TransferStatusEvent) error
}

// ExpirySweeper closes expired money drops on demand.
type ExpirySweeper interface {
	RunMoneyDropExpiry(ctx context.Context) (int, error)
}

// TransactionHandlers holds the application service that handlers will use.
type TransactionHandlers struct {
	service  Service
	events   SettlementEventApplier
	sweeper  ExpirySweeper
	validate *validator.Validate
	logger   *zap.Logger
}

// NewTransactionHandlers creates a new instance of TransactionHandlers. events and
// sweeper may be nil, which disables the matching internal routes.
func NewTransactionHandlers(service Service, events SettlementEventApplier, sweeper ExpirySweeper, logger *zap.Logger) *TransactionHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return &TransactionHandlers{
		service:  service,
		events:   events,
		sweeper:  sweeper,
		validate: validate,
		logger:   logger.With(zap.String("component", "api")),
	}
}

// transferInitiationResponse is returned once a transfer has been accepted. It keeps
// the field names the mobile client reads.
type transferInitiationResponse struct {
	TransactionID     string  `json:"transaction_id"`
	Status            string  `json:"status"`
	Message           string  `json:"message"`
	Amount            int64   `json:"amount,omitempty"`
	Fee               int64   `json:"fee,omitempty"`
	ExternalRef       *string `json:"external_ref,omitempty"`
	TransferType      string  `json:"transfer_type,omitempty"`
	FailureReason     *string `json:"failure_reason,omitempty"`
	ExternalSessionID *string `json:"external_session_id,omitempty"`
	ExternalReason    *string `json:"external_reason,omitempty"`
}

type bulkTransferInitiationResponse struct {
	BatchID                 string                          `json:"batch_id"`
	Status                  string                          `json:"status"`
	Message                 string                          `json:"message"`
	TotalAmount             int64                           `json:"total_amount"`
	TotalFee                int64                           `json:"total_fee"`
	SuccessCount            int                             `json:"success_count"`
	FailureCount            int                             `json:"failure_count"`
	SuccessfulTransfers     []transferInitiationResponse    `json:"successful_transfers"`
	FailedTransfers         []domain.BulkP2PTransferFailure `json:"failed_transfers"`
	SuccessfulTransactionID []string                        `json:"successful_transaction_ids"`
}

func buildTransferInitiationResponse(tx *domain.Transaction) transferInitiationResponse {
	message := "Transfer initiated"
	switch tx.Status {
	case domain.TransactionStatusCompleted:
		message = "Transfer completed"
	case domain.TransactionStatusFailed:
		message = "Transfer failed"
	}
	return transferInitiationResponse{
		TransactionID:     tx.ID.String(),
		Status:            tx.Status,
		Message:           message,
		Amount:            tx.Amount,
		Fee:               tx.Fee,
		ExternalRef:       tx.ExternalRef,
		TransferType:      tx.TransferType,
		FailureReason:     tx.FailureReason,
		ExternalSessionID: tx.ExternalSessionID,
		ExternalReason:    tx.ExternalReason,
	}
}

// P2PTransferHandler handles requests for peer-to-peer transfers.
func (h *TransactionHandlers) P2PTransferHandler(w http.ResponseWriter, r *http.Request) {
	senderID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	var req domain.P2PTransferRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	tx, err := h.service.ProcessP2PTransfer(r.Context(), senderID, req)
	if err != nil {
		h.writeServiceError(w, "p2p_transfer", err)
		return
	}
	h.logger.Info("transfer accepted",
		zap.String("endpoint", "p2p_transfer"),
		zap.String("sender_id", senderID.String()),
		zap.String("transaction_id", tx.ID.String()),
		zap.String("status", tx.Status),
	)
	h.writeJSON(w, http.StatusCreated, buildTransferInitiationResponse(tx))
}

// WithdrawalHandler moves funds to a saved beneficiary.
func (h *TransactionHandlers) WithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	var req domain.WithdrawalRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	tx, err := h.service.ProcessWithdrawal(r.Context(), userID, req)
	if err != nil {
		h.writeServiceError(w, "withdrawal", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, buildTransferInitiationResponse(tx))
}

// SetTransactionPINHandler sets or changes the caller's transaction PIN. Changing an
// existing PIN needs current_pin.
func (h *TransactionHandlers) SetTransactionPINHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	var payload domain.SetTransactionPINPayload
	if !h.decodeAndValidate(w, r, &payload) {
		return
	}
	if err := h.service.SetTransactionPIN(r.Context(), userID, payload); err != nil {
		h.writeServiceError(w, "set_transaction_pin", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BulkP2PTransferHandler handles requests for multi-recipient peer-to-peer transfers.
func (h *TransactionHandlers) BulkP2PTransferHandler(w http.ResponseWriter, r *http.Request) {
	senderID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	var req domain.BulkP2PTransferRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.ProcessBulkP2PTransfer(r.Context(), senderID, req)
	if err != nil {
		h.writeServiceError(w, "bulk_p2p_transfer", err)
		return
	}

	response := bulkTransferInitiationResponse{
		BatchID:                 result.Batch.ID.String(),
		Status:                  result.Batch.Status,
		Message:                 bulkTransferMessage(result.Batch.Status),
		TotalAmount:             result.Batch.TotalAmount,
		TotalFee:                result.Batch.TotalFee,
		SuccessCount:            result.Batch.SuccessCount,
		FailureCount:            result.Batch.FailureCount,
		SuccessfulTransfers:     make([]transferInitiationResponse, 0, len(result.Successful)),
		FailedTransfers:         result.Failed,
		SuccessfulTransactionID: make([]string, 0, len(result.Successful)),
	}
	for _, tx := range result.Successful {
		response.SuccessfulTransfers = append(response.SuccessfulTransfers, buildTransferInitiationResponse(tx))
		response.SuccessfulTransactionID = append(response.SuccessfulTransactionID, tx.ID.String())
	}
	h.writeJSON(w, http.StatusCreated, response)
}

func bulkTransferMessage(status string) string {
	switch status {
	case domain.TransferBatchStatusCompleted:
		return "All transfers completed"
	case domain.TransferBatchStatusPartialFailed:
		return "Some transfers failed"
	case domain.TransferBatchStatusFailed:
		return "All transfers failed"
	default:
		return "Transfers are processing"
	}
}

// GetTransferBatchHandler returns one batch with its items.
func (h *TransactionHandlers) GetTransferBatchHandler(w http.ResponseWriter, r *http.Request) {
	senderID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	batchID, ok := h.pathUUID(w, r, "id", "Invalid batch ID")
	if !ok {
		return
	}

	batch, items, err := h.service.GetTransferBatch(r.Context(), senderID, batchID)
	if err != nil {
		h.writeServiceError(w, "get_transfer_batch", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"batch": batch, "items": items})
}

// GetAccountBalanceHandler returns the caller's primary wallet balance.
func (h *TransactionHandlers) GetAccountBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	balance, err := h.service.GetAccountBalance(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "get_balance", err)
		return
	}
	h.writeJSON(w, http.StatusOK, balance)
}

// GetFeesHandler returns the configured fee schedule.
func (h *TransactionHandlers) GetFeesHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.service.Fees())
}

// GetTransactionHistoryHandler lists the caller's transactions, newest first.
func (h *TransactionHandlers) GetTransactionHistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	limit, offset, ok := h.pagination(w, r)
	if !ok {
		return
	}

	items, err := h.service.ListTransactions(r.Context(), userID, limit, offset)
	if err != nil {
		h.writeServiceError(w, "list_transactions", err)
		return
	}
	h.writeJSON(w, http.StatusOK, items)
}

// GetTransactionByIDHandler returns one transaction the caller took part in.
func (h *TransactionHandlers) GetTransactionByIDHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	transactionID, ok := h.pathUUID(w, r, "id", "Invalid transaction ID format")
	if !ok {
		return
	}

	tx, err := h.service.GetTransaction(r.Context(), userID, transactionID)
	if err != nil {
		h.writeServiceError(w, "get_transaction", err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

// ListBeneficiariesHandler lists the caller's saved payout accounts.
func (h *TransactionHandlers) ListBeneficiariesHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	items, err := h.service.ListBeneficiaries(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "list_beneficiaries", err)
		return
	}
	h.writeJSON(w, http.StatusOK, items)
}

// GetDefaultBeneficiaryHandler returns the caller's default payout account.
func (h *TransactionHandlers) GetDefaultBeneficiaryHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	beneficiary, err := h.service.GetDefaultBeneficiary(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "get_default_beneficiary", err)
		return
	}
	h.writeJSON(w, http.StatusOK, beneficiary)
}

// SetDefaultBeneficiaryHandler changes the caller's default payout account.
func (h *TransactionHandlers) SetDefaultBeneficiaryHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r)
	if !ok {
		return
	}
	var req domain.SetDefaultBeneficiaryRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	if err := h.service.SetDefaultBeneficiary(r.Context(), userID, req.BeneficiaryID); err != nil {
		h.writeServiceError(w, "set_default_beneficiary", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "Default beneficiary updated"})
}

// resolveUser maps the authenticated subject to the internal user id. It writes the
// error response itself and reports whether the handler may continue.
func (h *TransactionHandlers) resolveUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	clerkUserID, ok := GetClerkUserID(r.Context())
	if !ok || clerkUserID == "" {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return uuid.Nil, false
	}
	userID, err := h.service.ResolveInternalUserID(r.Context(), clerkUserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "User not found")
			return uuid.Nil, false
		}
		h.writeServiceError(w, "resolve_user", err)
		return uuid.Nil, false
	}
	return userID, true
}

func (h *TransactionHandlers) pathUUID(w http.ResponseWriter, r *http.Request, param, message string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, param)))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, message)
		return uuid.Nil, false
	}
	return id, true
}

// decodeAndValidate reads a JSON body into dst and checks its validate tags. An empty
// body decodes to the zero value so optional payloads work.
func (h *TransactionHandlers) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "Invalid request body"
	}
	fe := fieldErrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "gt", "min":
		return fmt.Sprintf("%s must be greater than %s", field, minParam(fe))
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

func minParam(fe validator.FieldError) string {
	if fe.Tag() == "min" {
		if n, err := strconv.Atoi(fe.Param()); err == nil {
			return strconv.Itoa(n - 1)
		}
	}
	return fe.Param()
}

func (h *TransactionHandlers) pagination(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), defaultPageSize)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid limit")
		return 0, 0, false
	}
	offset, err := parseOptionalPositiveInt(r.URL.Query().Get("offset"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid offset")
		return 0, 0, false
	}
	if limit == 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	return limit, offset, true
}

func parseOptionalPositiveInt(raw string, defaultValue int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("must be >= 0")
	}
	return value, nil
}

// writeServiceError maps the error taxonomy onto HTTP statuses. Unknown errors are
// logged and never echoed.
func (h *TransactionHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	var rateLimited *app.RateLimitError
	if errors.As(err, &rateLimited) {
		w.Header().Set("Retry-After", retryAfterSeconds(rateLimited.RetryAfter))
	}
	var locked *app.LockoutError
	if errors.As(err, &locked) {
		w.Header().Set("Retry-After", retryAfterSeconds(time.Until(locked.LockedUntil)))
	}

	status := statusForError(err)
	log := h.logger.With(zap.String("endpoint", endpoint), zap.Int("status", status), zap.Error(err))
	if status == http.StatusInternalServerError {
		log.Error("request failed")
		h.writeError(w, status, "Internal server error")
		return
	}
	log.Info("request rejected")
	h.writeError(w, status, app.PublicMessage(err))
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrLocked):
		return http.StatusLocked
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// writeJSON is a helper for writing JSON responses.
func (h *TransactionHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, data)
}

// writeError is a helper for writing JSON error responses.
func (h *TransactionHandlers) writeError(w http.ResponseWriter, status int, message string) {
	writeJSONError(w, status, message)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
