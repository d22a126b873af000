package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/transfa/payments-core/internal/app"
	"github.com/transfa/payments-core/internal/domain"
)

const testInternalKey = "internal-secret"

// stubService implements Service by embedding it; calls to methods a test did not
// override panic, which fails the test loudly.
type stubService struct {
	Service
	userID uuid.UUID

	claimErr     error
	claimKey     string
	payResult    *domain.PayIncomingPaymentRequestResult
	listOpts     domain.PaymentRequestListOptions
	notifOpts    domain.NotificationListOptions
	p2pCalls     int
	markCategory *string
	payPayload   domain.PayIncomingPaymentRequestPayload
	pinErr       error
	listPayload  domain.CreateTransferListPayload
	listErr      error
	feeUserID    uuid.UUID
	feeAmount    int64
}

func (s *stubService) ResolveInternalUserID(ctx context.Context, clerkUserID string) (uuid.UUID, error) {
	if clerkUserID == "user_unknown" {
		return uuid.Nil, fmt.Errorf("%w: user not found", domain.ErrNotFound)
	}
	return s.userID, nil
}

func (s *stubService) ProcessP2PTransfer(ctx context.Context, senderID uuid.UUID, req domain.P2PTransferRequest) (*domain.Transaction, error) {
	s.p2pCalls++
	return &domain.Transaction{ID: uuid.New(), SenderID: senderID, Amount: req.Amount, Fee: 500, Status: domain.TransactionStatusPending}, nil
}

func (s *stubService) ClaimMoneyDrop(ctx context.Context, claimantID, dropID uuid.UUID, req domain.ClaimMoneyDropRequest, idempotencyKey string) (*domain.ClaimMoneyDropResponse, error) {
	s.claimKey = idempotencyKey
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	return &domain.ClaimMoneyDropResponse{Message: "Claimed", AmountClaimed: 1_000, TransactionID: uuid.NewString()}, nil
}

func (s *stubService) PayIncomingPaymentRequest(ctx context.Context, payerID, requestID uuid.UUID, payload domain.PayIncomingPaymentRequestPayload) (*domain.PayIncomingPaymentRequestResult, error) {
	s.payPayload = payload
	return s.payResult, nil
}

func (s *stubService) SetTransactionPIN(ctx context.Context, userID uuid.UUID, payload domain.SetTransactionPINPayload) error {
	return s.pinErr
}

func (s *stubService) CreateTransferList(ctx context.Context, ownerID uuid.UUID, payload domain.CreateTransferListPayload) (*domain.TransferList, error) {
	s.listPayload = payload
	if s.listErr != nil {
		return nil, s.listErr
	}
	return &domain.TransferList{ID: uuid.New(), OwnerID: ownerID, Name: payload.Name, MemberCount: len(payload.MemberUsernames)}, nil
}

func (s *stubService) ProcessSubscriptionFee(ctx context.Context, userID uuid.UUID, amount int64, reason string) (*domain.Transaction, error) {
	s.feeUserID = userID
	s.feeAmount = amount
	return &domain.Transaction{ID: uuid.New(), SenderID: userID, Amount: 100_000, Type: domain.TransactionTypeSubscriptionFee, Status: domain.TransactionStatusCompleted}, nil
}

func (s *stubService) ListIncomingPaymentRequests(ctx context.Context, recipientID uuid.UUID, opts domain.PaymentRequestListOptions) ([]domain.PaymentRequest, error) {
	s.listOpts = opts
	return []domain.PaymentRequest{}, nil
}

func (s *stubService) ListNotifications(ctx context.Context, userID uuid.UUID, opts domain.NotificationListOptions) ([]domain.InAppNotification, error) {
	s.notifOpts = opts
	return []domain.InAppNotification{}, nil
}

func (s *stubService) MarkAllNotificationsRead(ctx context.Context, userID uuid.UUID, category *string) (int64, error) {
	s.markCategory = category
	return 4, nil
}

func (s *stubService) GetAccountBalance(ctx context.Context, userID uuid.UUID) (*domain.AccountBalance, error) {
	return nil, errors.New("connection reset by peer")
}

type stubEvents struct {
	err    error
	events []domain.TransferStatusEvent
}

func (s *stubEvents) HandleEvent(ctx context.Context, event domain.TransferStatusEvent) error {
	s.events = append(s.events, event)
	return s.err
}

type stubSweeper struct{ closed int }

func (s *stubSweeper) RunMoneyDropExpiry(ctx context.Context) (int, error) {
	return s.closed, nil
}

// fakeAuth trusts the Authorization header as the subject.
func fakeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subject == "" {
			writeJSONError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clerkUserIDKey, subject)))
	})
}

func newTestRouter(t *testing.T, svc Service, events SettlementEventApplier, sweeper ExpirySweeper) http.Handler {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := NewTransactionHandlers(svc, events, sweeper, logger)
	return NewRouter(h, RouterConfig{
		InternalAPIKey: testInternalKey,
		Logger:         logger,
		authMiddleware: fakeAuth,
	})
}

func doRequest(t *testing.T, router http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

var asUser = map[string]string{"Authorization": "Bearer user_1"}

func TestP2PTransferHandler_ValidatesPayload(t *testing.T) {
	svc := &stubService{userID: uuid.New()}
	router := newTestRouter(t, svc, nil, nil)

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"missing recipient", `{"amount": 100}`, "recipient_username is required"},
		{"zero amount", `{"recipient_username": "bob", "amount": 0}`, "amount is required"},
		{"negative amount", `{"recipient_username": "bob", "amount": -5}`, "amount must be greater than 0"},
		{"malformed json", `{"recipient_username":`, "Invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPost, "/transactions/p2p", tt.body, asUser)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.message, decodeBody(t, rec)["error"])
		})
	}
	assert.Zero(t, svc.p2pCalls)
}

func TestP2PTransferHandler_Accepted(t *testing.T) {
	svc := &stubService{userID: uuid.New()}
	router := newTestRouter(t, svc, nil, nil)

	rec := doRequest(t, router, http.MethodPost, "/transactions/p2p", `{"recipient_username":"bob","amount":2500}`, asUser)

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "Transfer initiated", body["message"])
	assert.EqualValues(t, 2500, body["amount"])
}

func TestResolveUser_UnknownSubject(t *testing.T) {
	router := newTestRouter(t, &stubService{}, nil, nil)

	rec := doRequest(t, router, http.MethodPost, "/transactions/p2p", `{"recipient_username":"bob","amount":1}`,
		map[string]string{"Authorization": "Bearer user_unknown"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "User not found", decodeBody(t, rec)["error"])
}

func TestUnexpectedErrorsAreNotEchoed(t *testing.T) {
	router := newTestRouter(t, &stubService{userID: uuid.New()}, nil, nil)

	rec := doRequest(t, router, http.MethodGet, "/transactions/balance", "", asUser)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", decodeBody(t, rec)["error"])
}

func TestClaimMoneyDropHandler_RateLimitedSetsRetryAfter(t *testing.T) {
	svc := &stubService{userID: uuid.New(), claimErr: &app.RateLimitError{RetryAfter: 30 * time.Second}}
	router := newTestRouter(t, svc, nil, nil)

	rec := doRequest(t, router, http.MethodPost, "/transactions/money-drops/"+uuid.NewString()+"/claim", "",
		map[string]string{"Authorization": "Bearer user_1", "Idempotency-Key": " claim-1 "})

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, "too many requests, retry in 30s", decodeBody(t, rec)["error"])
	assert.Equal(t, "claim-1", svc.claimKey)
}

func TestClaimMoneyDropHandler_LegacyIdempotencyHeader(t *testing.T) {
	svc := &stubService{userID: uuid.New()}
	router := newTestRouter(t, svc, nil, nil)

	rec := doRequest(t, router, http.MethodPost, "/transactions/money-drops/"+uuid.NewString()+"/claim", `{"password":"pw"}`,
		map[string]string{"Authorization": "Bearer user_1", "X-Idempotency-Key": "legacy"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "legacy", svc.claimKey)
}

func TestClaimMoneyDropHandler_InvalidDropID(t *testing.T) {
	router := newTestRouter(t, &stubService{userID: uuid.New()}, nil, nil)

	rec := doRequest(t, router, http.MethodPost, "/transactions/money-drops/not-a-uuid/claim", "", asUser)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid money drop ID format", decodeBody(t, rec)["error"])
}

func TestPayIncomingPaymentRequestHandler_PendingIsAccepted(t *testing.T) {
	svc := &stubService{
		userID: uuid.New(),
		payResult: &domain.PayIncomingPaymentRequestResult{
			Request:     &domain.PaymentRequest{Status: domain.PaymentRequestStatusProcessing},
			Transaction: &domain.Transaction{Status: domain.TransactionStatusPending},
		},
	}
	router := newTestRouter(t, svc, nil, nil)

	rec := doRequest(t, router, http.MethodPost, "/transactions/payment-requests/incoming/"+uuid.NewString()+"/pay", "", asUser)

	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/transactions/payment-requests/incoming/"+uuid.NewString()+"/pay", `{"transaction_pin":"2468"}`, asUser)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "2468", svc.payPayload.TransactionPIN)
}

func TestSetTransactionPINHandler(t *testing.T) {
	svc := &stubService{userID: uuid.New()}
	router := newTestRouter(t, svc, nil, nil)

	rec := doRequest(t, router, http.MethodPut, "/transactions/pin", `{"pin":"1234"}`, asUser)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, router, http.MethodPut, "/transactions/pin", `{"pin":"12ab"}`, asUser)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.pinErr = &app.LockoutError{LockedUntil: time.Now().Add(time.Minute), Secret: "PIN"}
	rec = doRequest(t, router, http.MethodPut, "/transactions/pin", `{"pin":"1234","current_pin":"0000"}`, asUser)
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestCreateTransferListHandler(t *testing.T) {
	svc := &stubService{userID: uuid.New()}
	router := newTestRouter(t, svc, nil, nil)

	rec := doRequest(t, router, http.MethodPost, "/transactions/transfer-lists", `{"name":"Rent","member_usernames":["bob","carol"]}`, asUser)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"bob", "carol"}, svc.listPayload.MemberUsernames)
	assert.EqualValues(t, 2, decodeBody(t, rec)["member_count"])

	rec = doRequest(t, router, http.MethodPost, "/transactions/transfer-lists", `{"name":"Rent","member_usernames":[]}`, asUser)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.listErr = fmt.Errorf("%w: a transfer list with this name already exists", domain.ErrConflict)
	rec = doRequest(t, router, http.MethodPost, "/transactions/transfer-lists", `{"name":"Rent","member_usernames":["bob"]}`, asUser)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/transactions/transfer-lists/not-a-uuid", "", asUser)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubscriptionFeeHandler(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(t, svc, nil, nil)
	key := map[string]string{internalKeyHeader: testInternalKey}
	userID := uuid.New()

	rec := doRequest(t, router, http.MethodPost, "/transactions/internal/subscription-fees", `{"user_id":"`+userID.String()+`"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/transactions/internal/subscription-fees", `{"user_id":"`+userID.String()+`"}`, key)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, userID, svc.feeUserID)
	assert.Zero(t, svc.feeAmount)

	rec = doRequest(t, router, http.MethodPost, "/transactions/internal/subscription-fees", `{"user_id":"nope"}`, key)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListIncomingPaymentRequests_Filters(t *testing.T) {
	svc := &stubService{userID: uuid.New()}
	router := newTestRouter(t, svc, nil, nil)

	rec := doRequest(t, router, http.MethodGet, "/transactions/payment-requests/incoming?status=PENDING&q=%20rent%20&limit=500", "", asUser)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.PaymentRequestListOptions{Limit: maxPageSize, Search: "rent", Status: "pending"}, svc.listOpts)

	rec = doRequest(t, router, http.MethodGet, "/transactions/payment-requests/incoming?type=group", "", asUser)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/transactions/payment-requests/incoming?offset=-1", "", asUser)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotificationHandlers(t *testing.T) {
	svc := &stubService{userID: uuid.New()}
	router := newTestRouter(t, svc, nil, nil)

	rec := doRequest(t, router, http.MethodGet, "/transactions/notifications?category=money_drop&status=unread", "", asUser)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "money_drop", svc.notifOpts.Category)
	assert.Equal(t, "unread", svc.notifOpts.Status)
	assert.Equal(t, defaultPageSize, svc.notifOpts.Limit)

	rec = doRequest(t, router, http.MethodGet, "/transactions/notifications?category=billing", "", asUser)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/transactions/notifications/read-all", "", asUser)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, svc.markCategory)
	assert.EqualValues(t, 4, decodeBody(t, rec)["updated"])

	rec = doRequest(t, router, http.MethodPost, "/transactions/notifications/read-all", `{"category":"request"}`, asUser)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.markCategory)
	assert.Equal(t, "request", *svc.markCategory)

	rec = doRequest(t, router, http.MethodPost, "/transactions/notifications/read-all", `{"category":"billing"}`, asUser)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInternalRoutes_RequireKey(t *testing.T) {
	events := &stubEvents{}
	router := newTestRouter(t, &stubService{}, events, &stubSweeper{closed: 3})
	body := `{"transfer_id":"ref-1","status":"successful"}`

	rec := doRequest(t, router, http.MethodPost, "/transactions/internal/settlement-events", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/transactions/internal/settlement-events", body,
		map[string]string{internalKeyHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, events.events)

	rec = doRequest(t, router, http.MethodPost, "/transactions/internal/settlement-events", body,
		map[string]string{internalKeyHeader: testInternalKey})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, events.events, 1)
	assert.Equal(t, "ref-1", events.events[0].ExternalRef)

	rec = doRequest(t, router, http.MethodPost, "/transactions/internal/money-drops/expire", "",
		map[string]string{internalKeyHeader: testInternalKey})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, decodeBody(t, rec)["closed"])
}

func TestInternalRoutes_ClosedWithoutConfiguredKey(t *testing.T) {
	h := NewTransactionHandlers(&stubService{}, &stubEvents{}, nil, zaptest.NewLogger(t))
	router := NewRouter(h, RouterConfig{authMiddleware: fakeAuth})

	rec := doRequest(t, router, http.MethodPost, "/transactions/internal/money-drops/expire", "",
		map[string]string{internalKeyHeader: ""})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSettlementEventHandler_Errors(t *testing.T) {
	events := &stubEvents{err: fmt.Errorf("%w: missing transfer id", app.ErrInvalidSettlementEvent)}
	router := newTestRouter(t, &stubService{}, events, nil)
	key := map[string]string{internalKeyHeader: testInternalKey}

	rec := doRequest(t, router, http.MethodPost, "/transactions/internal/settlement-events", `{"status":"failed"}`, key)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "transfer_id is required", decodeBody(t, rec)["error"])

	rec = doRequest(t, router, http.MethodPost, "/transactions/internal/settlement-events", `{"transfer_id":" ","status":"failed"}`, key)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid settlement event", decodeBody(t, rec)["error"])

	events.err = errors.New("database is down")
	rec = doRequest(t, router, http.MethodPost, "/transactions/internal/settlement-events", `{"transfer_id":"ref-2","status":"failed"}`, key)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	events.err = fmt.Errorf("%w: ref-3", app.ErrUnknownSettlementReference)
	rec = doRequest(t, router, http.MethodPost, "/transactions/internal/settlement-events", `{"transfer_id":"ref-3","status":"successful"}`, key)
	assert.Equal(t, http.StatusNotFound, rec.Code, "the sender retries until the reference is stored")

	rec = doRequest(t, router, http.MethodPost, "/transactions/internal/money-drops/expire", "", key)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: gone", domain.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: short", domain.ErrInsufficientFunds), http.StatusPaymentRequired},
		{fmt.Errorf("%w: twice", domain.ErrConflict), http.StatusConflict},
		{fmt.Errorf("%w: declined", domain.ErrInvalidState), http.StatusConflict},
		{&app.LockoutError{LockedUntil: time.Now().Add(time.Minute)}, http.StatusLocked},
		{&app.RateLimitError{RetryAfter: time.Second}, http.StatusTooManyRequests},
		{fmt.Errorf("%w: breaker open", domain.ErrUpstream), http.StatusBadGateway},
		{fmt.Errorf("%w: bad", domain.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("%w: nope", domain.ErrForbidden), http.StatusForbidden},
		{fmt.Errorf("%w: set a transaction PIN first", domain.ErrPreconditionFailed), http.StatusPreconditionFailed},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForError(tt.err), tt.err.Error())
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, "1", retryAfterSeconds(0))
	assert.Equal(t, "1", retryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, "3", retryAfterSeconds(2100*time.Millisecond))
}
