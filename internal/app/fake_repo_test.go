package app

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/transfa/payments-core/internal/domain"
	"github.com/transfa/payments-core/internal/store"
	"github.com/transfa/payments-core/pkg/settlementclient"
)

// memRepo is an in-memory Repository covering the ledger paths the service drives.
// Methods a test does not need fall through to the embedded nil interface.
type memRepo struct {
	store.Repository

	mu            sync.Mutex
	users         map[uuid.UUID]*domain.User
	clerk         map[string]uuid.UUID
	accounts      map[uuid.UUID]*domain.Account
	primary       map[uuid.UUID]uuid.UUID
	pools         map[uuid.UUID]uuid.UUID
	beneficiaries map[uuid.UUID]*domain.Beneficiary
	txs           map[uuid.UUID]*domain.Transaction
	requests      map[uuid.UUID]*domain.PaymentRequest
	drops         map[uuid.UUID]*domain.MoneyDrop
	claims        map[[2]uuid.UUID]uuid.UUID
	attempts      map[[2]uuid.UUID]*domain.MoneyDropPasswordAttemptState
	idempotency   map[string]*memIdempotency
	batches       map[uuid.UUID]*domain.TransferBatch
	batchItems    map[uuid.UUID]*domain.TransferBatchItem
	notifications []domain.InAppNotification
	dedupe        map[string]bool
	credentials   map[uuid.UUID]*domain.UserSecurityCredential
	lists         map[uuid.UUID]*domain.TransferList

	createTransactionErr error
	settleErr            error
	notificationErr      error
	// markCompletedFailures makes the next N batch item completions fail.
	markCompletedFailures int
}

type memIdempotency struct {
	dropID   uuid.UUID
	hash     string
	status   string
	response *domain.ClaimMoneyDropResponse
}

func newMemRepo() *memRepo {
	return &memRepo{
		users:         map[uuid.UUID]*domain.User{},
		clerk:         map[string]uuid.UUID{},
		accounts:      map[uuid.UUID]*domain.Account{},
		primary:       map[uuid.UUID]uuid.UUID{},
		pools:         map[uuid.UUID]uuid.UUID{},
		beneficiaries: map[uuid.UUID]*domain.Beneficiary{},
		txs:           map[uuid.UUID]*domain.Transaction{},
		requests:      map[uuid.UUID]*domain.PaymentRequest{},
		drops:         map[uuid.UUID]*domain.MoneyDrop{},
		claims:        map[[2]uuid.UUID]uuid.UUID{},
		attempts:      map[[2]uuid.UUID]*domain.MoneyDropPasswordAttemptState{},
		idempotency:   map[string]*memIdempotency{},
		batches:       map[uuid.UUID]*domain.TransferBatch{},
		batchItems:    map[uuid.UUID]*domain.TransferBatchItem{},
		dedupe:        map[string]bool{},
		credentials:   map[uuid.UUID]*domain.UserSecurityCredential{},
		lists:         map[uuid.UUID]*domain.TransferList{},
	}
}

func (r *memRepo) addUser(username string, balance int64) *domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	user := &domain.User{ID: uuid.New(), Username: username, AllowSending: true}
	r.users[user.ID] = user
	r.clerk["user_"+username] = user.ID
	account := &domain.Account{
		ID:                uuid.New(),
		UserID:            user.ID,
		AccountType:       domain.AccountTypePrimary,
		ExternalAccountID: "ext-" + username,
		Balance:           balance,
	}
	r.accounts[account.ID] = account
	r.primary[user.ID] = account.ID
	return user
}

func (r *memRepo) balance(userID uuid.UUID) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accounts[r.primary[userID]].Balance
}

func (r *memRepo) poolBalance(userID uuid.UUID) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.pools[userID]
	if !ok {
		return 0
	}
	return r.accounts[id].Balance
}

func (r *memRepo) tx(id uuid.UUID) domain.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.txs[id]
}

func (r *memRepo) notificationTypes(userID uuid.UUID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notifications {
		if n.UserID == userID {
			out = append(out, n.Type)
		}
	}
	return out
}

func (r *memRepo) FindUserIDByClerkUserID(_ context.Context, clerkUserID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.clerk[clerkUserID]
	if !ok {
		return "", store.ErrUserNotFound
	}
	return id.String(), nil
}

func (r *memRepo) FindUserByUsername(_ context.Context, username string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Username, strings.TrimSpace(username)) {
			copied := *u
			return &copied, nil
		}
	}
	return nil, store.ErrUserNotFound
}

func (r *memRepo) FindUserByID(_ context.Context, userID uuid.UUID) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (r *memRepo) FindAccountByUserID(_ context.Context, userID uuid.UUID) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.primary[userID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	copied := *r.accounts[id]
	return &copied, nil
}

func (r *memRepo) EnsureMoneyDropAccount(_ context.Context, userID uuid.UUID) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.pools[userID]; ok {
		copied := *r.accounts[id]
		return &copied, nil
	}
	account := &domain.Account{ID: uuid.New(), UserID: userID, AccountType: domain.AccountTypeMoneyDrop}
	r.accounts[account.ID] = account
	r.pools[userID] = account.ID
	copied := *account
	return &copied, nil
}

func (r *memRepo) DebitWallet(_ context.Context, userID uuid.UUID, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if amount <= 0 {
		return store.ErrInvalidAmount
	}
	account := r.accounts[r.primary[userID]]
	if account == nil {
		return store.ErrAccountNotFound
	}
	if account.Balance < amount {
		return store.ErrInsufficientFunds
	}
	account.Balance -= amount
	return nil
}

func (r *memRepo) CreditWallet(_ context.Context, userID uuid.UUID, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	account := r.accounts[r.primary[userID]]
	if account == nil {
		return store.ErrAccountNotFound
	}
	account.Balance += amount
	return nil
}

func (r *memRepo) FindBeneficiaryByID(_ context.Context, beneficiaryID uuid.UUID, userID uuid.UUID) (*domain.Beneficiary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.beneficiaries[beneficiaryID]
	if !ok || b.UserID != userID {
		return nil, store.ErrBeneficiaryNotFound
	}
	copied := *b
	return &copied, nil
}

func (r *memRepo) FindOrCreateDefaultBeneficiary(_ context.Context, userID uuid.UUID) (*domain.Beneficiary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.beneficiaries {
		if b.UserID == userID && b.IsDefault {
			copied := *b
			return &copied, nil
		}
	}
	return nil, store.ErrBeneficiaryNotFound
}

func (r *memRepo) CreateTransaction(_ context.Context, tx *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createTransactionErr != nil {
		return r.createTransactionErr
	}
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	copied := *tx
	r.txs[tx.ID] = &copied
	return nil
}

func (r *memRepo) FindTransactionByID(_ context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[transactionID]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	copied := *tx
	return &copied, nil
}

func (r *memRepo) FindTransactionByExternalRef(_ context.Context, externalRef string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range r.txs {
		if tx.ExternalRef != nil && *tx.ExternalRef == externalRef {
			copied := *tx
			return &copied, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (r *memRepo) UpdateTransactionMetadata(_ context.Context, transactionID uuid.UUID, m store.UpdateTransactionMetadataParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[transactionID]
	if !ok {
		return store.ErrTransactionNotFound
	}
	if m.Status != nil {
		tx.Status = *m.Status
	}
	if m.ExternalRef != nil {
		tx.ExternalRef = m.ExternalRef
	}
	if m.TransferType != nil {
		tx.TransferType = *m.TransferType
	}
	if m.FailureReason != nil {
		tx.FailureReason = m.FailureReason
	}
	if m.ExternalSessionID != nil {
		tx.ExternalSessionID = m.ExternalSessionID
	}
	if m.ExternalReason != nil {
		tx.ExternalReason = m.ExternalReason
	}
	return nil
}

func (r *memRepo) MarkTransactionFailed(_ context.Context, transactionID uuid.UUID, externalRef *string, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[transactionID]
	if !ok || tx.Status != domain.TransactionStatusPending {
		return false, nil
	}
	tx.Status = domain.TransactionStatusFailed
	tx.FailureReason = &reason
	if externalRef != nil {
		tx.ExternalRef = externalRef
	}
	return true, nil
}

func (r *memRepo) SettleTransaction(_ context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settleErr != nil {
		return nil, r.settleErr
	}
	tx, ok := r.txs[transactionID]
	if !ok || tx.Status != domain.TransactionStatusPending {
		return nil, store.ErrTransactionNotPending
	}
	source := r.accounts[tx.SourceAccountID]
	destination := r.accounts[*tx.DestinationAccountID]
	if source.Balance < tx.Amount+tx.Fee {
		return nil, store.ErrInsufficientFunds
	}
	source.Balance -= tx.Amount + tx.Fee
	destination.Balance += tx.Amount
	tx.Status = domain.TransactionStatusCompleted
	copied := *tx
	return &copied, nil
}

func (r *memRepo) CompleteReservedTransaction(_ context.Context, transactionID uuid.UUID, externalRef *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[transactionID]
	if !ok || tx.Status != domain.TransactionStatusPending {
		return false, nil
	}
	tx.Status = domain.TransactionStatusCompleted
	if externalRef != nil {
		tx.ExternalRef = externalRef
	}
	if tx.DestinationAccountID != nil {
		r.accounts[*tx.DestinationAccountID].Balance += tx.Amount
	}
	return true, nil
}

func (r *memRepo) RefundReservedTransaction(_ context.Context, transactionID uuid.UUID, externalRef *string, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[transactionID]
	if !ok || tx.Status != domain.TransactionStatusPending {
		return false, nil
	}
	tx.Status = domain.TransactionStatusFailed
	tx.FailureReason = &reason
	if externalRef != nil {
		tx.ExternalRef = externalRef
	}
	r.accounts[tx.SourceAccountID].Balance += tx.Amount + tx.Fee
	return true, nil
}

func (r *memRepo) CreateTransferBatchWithItems(_ context.Context, batch *domain.TransferBatch, items []domain.TransferBatchItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *batch
	r.batches[batch.ID] = &copied
	for i := range items {
		item := items[i]
		r.batchItems[item.ID] = &item
	}
	return nil
}

func (r *memRepo) MarkTransferBatchItemCompleted(_ context.Context, itemID uuid.UUID, transactionID uuid.UUID, fee int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markCompletedFailures > 0 {
		r.markCompletedFailures--
		return errors.New("conn busy")
	}
	item, ok := r.batchItems[itemID]
	if !ok {
		return store.ErrTransferBatchItemNotFound
	}
	item.Status = domain.TransferBatchItemStatusCompleted
	item.TransactionID = &transactionID
	item.Fee = fee
	return nil
}

func (r *memRepo) MarkTransferBatchItemFailed(_ context.Context, itemID uuid.UUID, failureReason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.batchItems[itemID]
	if !ok {
		return store.ErrTransferBatchItemNotFound
	}
	item.Status = domain.TransferBatchItemStatusFailed
	item.FailureReason = &failureReason
	return nil
}

func (r *memRepo) FinalizeTransferBatch(_ context.Context, batchID uuid.UUID) (*domain.TransferBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch, ok := r.batches[batchID]
	if !ok {
		return nil, store.ErrTransferBatchNotFound
	}
	var success, failure, pending int
	var amount, fee int64
	for _, item := range r.batchItems {
		if item.BatchID != batchID {
			continue
		}
		switch item.Status {
		case domain.TransferBatchItemStatusCompleted:
			success++
			amount += item.Amount
			fee += item.Fee
		case domain.TransferBatchItemStatusFailed:
			failure++
		default:
			pending++
		}
	}
	batch.SuccessCount, batch.FailureCount = success, failure
	batch.TotalAmount, batch.TotalFee = amount, fee
	batch.Status = domain.DeriveBatchStatus(success, failure, pending)
	copied := *batch
	return &copied, nil
}

func (r *memRepo) GetTransferBatch(_ context.Context, batchID uuid.UUID, senderID uuid.UUID) (*domain.TransferBatch, []domain.TransferBatchItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch, ok := r.batches[batchID]
	if !ok || batch.SenderID != senderID {
		return nil, nil, store.ErrTransferBatchNotFound
	}
	var items []domain.TransferBatchItem
	for _, item := range r.batchItems {
		if item.BatchID == batchID {
			items = append(items, *item)
		}
	}
	copied := *batch
	return &copied, items, nil
}

func (r *memRepo) CreatePaymentRequest(_ context.Context, req *domain.PaymentRequest) (*domain.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *req
	r.requests[req.ID] = &copied
	out := copied
	return &out, nil
}

func (r *memRepo) ClaimIncomingPaymentRequestForPayment(_ context.Context, requestID uuid.UUID, payerID uuid.UUID, staleAfter time.Duration) (*domain.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok || !memPayable(req, payerID) {
		return nil, store.ErrPaymentRequestNotReady
	}
	stale := req.Status == domain.PaymentRequestStatusProcessing && req.ProcessingStarted != nil &&
		time.Since(*req.ProcessingStarted) > staleAfter
	if req.Status != domain.PaymentRequestStatusPending && !stale {
		return nil, store.ErrPaymentRequestNotReady
	}
	now := time.Now()
	req.Status = domain.PaymentRequestStatusProcessing
	req.PayerUserID = &payerID
	req.ProcessingStarted = &now
	req.SettledTxID = nil
	copied := *req
	return &copied, nil
}

func memPayable(req *domain.PaymentRequest, payerID uuid.UUID) bool {
	if req.CreatorID == payerID || req.DeletedAt != nil {
		return false
	}
	if req.RequestType == domain.PaymentRequestTypeGeneral {
		return true
	}
	return req.RecipientUserID != nil && *req.RecipientUserID == payerID
}

func memHeldBy(req *domain.PaymentRequest, payerID uuid.UUID) bool {
	return req.Status == domain.PaymentRequestStatusProcessing && req.PayerUserID != nil && *req.PayerUserID == payerID
}

func (r *memRepo) GetIncomingPaymentRequestByID(_ context.Context, requestID uuid.UUID, payerID uuid.UUID) (*domain.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok || !memPayable(req, payerID) {
		return nil, store.ErrPaymentRequestNotFound
	}
	copied := *req
	return &copied, nil
}

func (r *memRepo) AttachProcessingPaymentRequestSettlementTransaction(_ context.Context, requestID uuid.UUID, payerID uuid.UUID, settledTransactionID uuid.UUID) (*domain.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok || !memHeldBy(req, payerID) {
		return nil, store.ErrPaymentRequestNotReady
	}
	req.SettledTxID = &settledTransactionID
	copied := *req
	return &copied, nil
}

func (r *memRepo) MarkPaymentRequestFulfilled(_ context.Context, requestID uuid.UUID, payerID uuid.UUID, settledTransactionID uuid.UUID) (*domain.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok || !memHeldBy(req, payerID) {
		return nil, store.ErrPaymentRequestNotReady
	}
	req.Status = domain.PaymentRequestStatusFulfilled
	req.FulfilledByUserID = &payerID
	req.SettledTxID = &settledTransactionID
	req.ProcessingStarted = nil
	copied := *req
	return &copied, nil
}

func (r *memRepo) MarkPaymentRequestFulfilledBySettlementTransaction(_ context.Context, settledTransactionID uuid.UUID) (*domain.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range r.requests {
		if req.SettledTxID != nil && *req.SettledTxID == settledTransactionID && req.Status == domain.PaymentRequestStatusProcessing {
			req.Status = domain.PaymentRequestStatusFulfilled
			req.FulfilledByUserID = req.PayerUserID
			req.ProcessingStarted = nil
			copied := *req
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *memRepo) ReleasePaymentRequestFromProcessing(_ context.Context, requestID uuid.UUID, payerID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if ok && memHeldBy(req, payerID) {
		req.Status = domain.PaymentRequestStatusPending
		req.PayerUserID = nil
		req.SettledTxID = nil
		req.ProcessingStarted = nil
	}
	return nil
}

func (r *memRepo) ReleasePaymentRequestFromProcessingBySettlementTransaction(_ context.Context, settledTransactionID uuid.UUID) (*domain.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range r.requests {
		if req.SettledTxID != nil && *req.SettledTxID == settledTransactionID && req.Status == domain.PaymentRequestStatusProcessing {
			req.Status = domain.PaymentRequestStatusPending
			req.PayerUserID = nil
			req.SettledTxID = nil
			req.ProcessingStarted = nil
			copied := *req
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *memRepo) DeclineIncomingPaymentRequest(_ context.Context, requestID uuid.UUID, recipientID uuid.UUID, reason *string) (*domain.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok || req.RecipientUserID == nil || *req.RecipientUserID != recipientID || req.Status != domain.PaymentRequestStatusPending {
		return nil, store.ErrPaymentRequestNotReady
	}
	req.Status = domain.PaymentRequestStatusDeclined
	req.DeclinedReason = reason
	copied := *req
	return &copied, nil
}

func (r *memRepo) DeletePaymentRequest(_ context.Context, requestID uuid.UUID, creatorID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok || req.CreatorID != creatorID || req.DeletedAt != nil {
		return false, nil
	}
	now := time.Now()
	req.DeletedAt = &now
	return true, nil
}

func (r *memRepo) CreateInAppNotification(_ context.Context, item domain.InAppNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notificationErr != nil {
		return r.notificationErr
	}
	if item.DedupeKey != nil {
		if r.dedupe[*item.DedupeKey] {
			return nil
		}
		r.dedupe[*item.DedupeKey] = true
	}
	r.notifications = append(r.notifications, item)
	return nil
}

func (r *memRepo) CreateMoneyDrop(_ context.Context, drop *domain.MoneyDrop, fee int64) (*domain.MoneyDrop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := drop.AmountPerClaim * int64(drop.TotalClaimsAllowed)
	funding := r.accounts[drop.FundingSourceAccountID]
	if funding.Balance < total+fee {
		return nil, store.ErrInsufficientFunds
	}
	funding.Balance -= total + fee
	r.accounts[drop.MoneyDropAccountID].Balance += total
	copied := *drop
	copied.Status = domain.MoneyDropStatusActive
	r.drops[drop.ID] = &copied
	out := copied
	return &out, nil
}

func (r *memRepo) FindMoneyDropByID(_ context.Context, dropID uuid.UUID) (*domain.MoneyDrop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	drop, ok := r.drops[dropID]
	if !ok {
		return nil, store.ErrMoneyDropNotFound
	}
	copied := *drop
	return &copied, nil
}

func (r *memRepo) ClaimMoneyDropAtomic(_ context.Context, dropID, claimantID, claimantAccountID, moneyDropAccountID uuid.UUID, amount int64) (uuid.UUID, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	drop, ok := r.drops[dropID]
	if !ok {
		return uuid.Nil, 0, store.ErrMoneyDropNotFound
	}
	switch {
	case drop.ClaimsMadeCount >= drop.TotalClaimsAllowed:
		return uuid.Nil, 0, store.ErrMoneyDropFullyClaimed
	case drop.Status != domain.MoneyDropStatusActive:
		return uuid.Nil, 0, store.ErrMoneyDropNotActive
	case !time.Now().Before(drop.ExpiryTimestamp):
		return uuid.Nil, 0, store.ErrMoneyDropExpired
	}
	key := [2]uuid.UUID{dropID, claimantID}
	if _, ok := r.claims[key]; ok {
		return uuid.Nil, 0, store.ErrMoneyDropAlreadyClaimed
	}
	drop.ClaimsMadeCount++
	txID := uuid.New()
	r.claims[key] = txID
	r.txs[txID] = &domain.Transaction{
		ID:                   txID,
		SenderID:             drop.CreatorID,
		RecipientID:          &claimantID,
		SourceAccountID:      moneyDropAccountID,
		DestinationAccountID: &claimantAccountID,
		MoneyDropID:          &dropID,
		Type:                 domain.TransactionTypeMoneyDropClaim,
		Category:             domain.CategoryMoneyDrop,
		Status:               domain.TransactionStatusPending,
		Amount:               amount,
	}
	return txID, drop.ClaimsMadeCount, nil
}

func (r *memRepo) FindExpiredActiveMoneyDrops(_ context.Context, now time.Time, limit int) ([]domain.MoneyDrop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.MoneyDrop
	for _, drop := range r.drops {
		if drop.Status == domain.MoneyDropStatusActive &&
			(!drop.ExpiryTimestamp.After(now) || drop.ClaimsMadeCount >= drop.TotalClaimsAllowed) {
			out = append(out, *drop)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiryTimestamp.Before(out[j].ExpiryTimestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) FinalizeMoneyDrop(_ context.Context, dropID uuid.UUID, now time.Time) (*domain.MoneyDropFinalization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	drop, ok := r.drops[dropID]
	if !ok {
		return nil, store.ErrMoneyDropNotFound
	}
	if drop.Status != domain.MoneyDropStatusActive {
		return nil, store.ErrMoneyDropNotActive
	}
	status := ""
	switch {
	case drop.ClaimsMadeCount >= drop.TotalClaimsAllowed:
		status = domain.MoneyDropStatusCompleted
	case !now.Before(drop.ExpiryTimestamp):
		status = domain.MoneyDropStatusExpired
	default:
		return nil, store.ErrMoneyDropStillOpen
	}
	result := &domain.MoneyDropFinalization{DropID: drop.ID, CreatorID: drop.CreatorID, Status: status}
	remainder := drop.AmountPerClaim * int64(drop.RemainingClaims())
	pool := r.accounts[drop.MoneyDropAccountID]
	if remainder > pool.Balance {
		remainder = pool.Balance
	}
	if remainder > 0 {
		pool.Balance -= remainder
		r.accounts[drop.FundingSourceAccountID].Balance += remainder
		refundID := uuid.New()
		result.RefundAmount = remainder
		result.TransactionID = &refundID
	}
	drop.Status = status
	return result, nil
}

func (r *memRepo) GetMoneyDropPasswordClaimAttemptState(_ context.Context, dropID uuid.UUID, claimantID uuid.UUID) (*domain.MoneyDropPasswordAttemptState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.attempts[[2]uuid.UUID{dropID, claimantID}]
	if !ok {
		return &domain.MoneyDropPasswordAttemptState{}, nil
	}
	copied := *state
	return &copied, nil
}

func (r *memRepo) RecordMoneyDropPasswordClaimFailure(_ context.Context, dropID uuid.UUID, claimantID uuid.UUID, maxAttempts int, lockoutDuration time.Duration) (*domain.MoneyDropPasswordAttemptState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]uuid.UUID{dropID, claimantID}
	state, ok := r.attempts[key]
	if !ok {
		state = &domain.MoneyDropPasswordAttemptState{}
		r.attempts[key] = state
	}
	if state.LockedUntil != nil && !state.LockedUntil.After(time.Now()) {
		state.FailedAttempts = 0
		state.LockedUntil = nil
	}
	state.FailedAttempts++
	if maxAttempts > 0 && lockoutDuration > 0 && state.FailedAttempts >= maxAttempts {
		until := time.Now().Add(lockoutDuration)
		state.LockedUntil = &until
	}
	copied := *state
	return &copied, nil
}

func (r *memRepo) ResetMoneyDropPasswordClaimFailures(_ context.Context, dropID uuid.UUID, claimantID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, [2]uuid.UUID{dropID, claimantID})
	return nil
}

func (r *memRepo) AcquireMoneyDropClaimIdempotency(_ context.Context, dropID uuid.UUID, claimantID uuid.UUID, key string, requestHash string, ttl time.Duration, staleWindow time.Duration) (*domain.MoneyDropClaimIdempotencyResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := claimantID.String() + "|" + key
	row, ok := r.idempotency[id]
	if !ok {
		r.idempotency[id] = &memIdempotency{dropID: dropID, hash: requestHash, status: "processing"}
		return &domain.MoneyDropClaimIdempotencyResult{Acquired: true}, nil
	}
	if row.dropID != dropID || row.hash != requestHash {
		return nil, store.ErrMoneyDropClaimIdempotencyConflict
	}
	if row.status == "completed" && row.response != nil {
		cached := *row.response
		return &domain.MoneyDropClaimIdempotencyResult{CachedResponse: &cached}, nil
	}
	return nil, store.ErrMoneyDropClaimIdempotencyInProgress
}

func (r *memRepo) CompleteMoneyDropClaimIdempotency(_ context.Context, dropID uuid.UUID, claimantID uuid.UUID, key string, claimTransactionID uuid.UUID, response domain.ClaimMoneyDropResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.idempotency[claimantID.String()+"|"+key]
	if !ok {
		return nil
	}
	// Round-trip through JSON like the JSONB column does.
	raw, err := json.Marshal(response)
	if err != nil {
		return err
	}
	var stored domain.ClaimMoneyDropResponse
	if err := json.Unmarshal(raw, &stored); err != nil {
		return err
	}
	row.status = "completed"
	row.response = &stored
	return nil
}

func (r *memRepo) ReleaseMoneyDropClaimIdempotency(_ context.Context, dropID uuid.UUID, claimantID uuid.UUID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := claimantID.String() + "|" + key
	if row, ok := r.idempotency[id]; ok && row.status == "processing" {
		delete(r.idempotency, id)
	}
	return nil
}

func (r *memRepo) GetUserSecurityCredentialByUserID(_ context.Context, userID uuid.UUID) (*domain.UserSecurityCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	credential, ok := r.credentials[userID]
	if !ok {
		return nil, store.ErrTransactionPINNotSet
	}
	copied := *credential
	return &copied, nil
}

func (r *memRepo) UpsertTransactionPIN(_ context.Context, userID uuid.UUID, pinHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credentials[userID] = &domain.UserSecurityCredential{UserID: userID, TransactionPINHash: pinHash}
	return nil
}

func (r *memRepo) RecordFailedTransactionPINAttempt(_ context.Context, userID uuid.UUID, maxAttempts int, lockoutDuration time.Duration) (*domain.UserSecurityCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	credential, ok := r.credentials[userID]
	if !ok {
		return nil, store.ErrTransactionPINNotSet
	}
	now := time.Now()
	if credential.LockedUntil != nil && !credential.LockedUntil.After(now) {
		credential.FailedAttempts = 0
		credential.LockedUntil = nil
	}
	credential.FailedAttempts++
	if maxAttempts > 0 && credential.FailedAttempts >= maxAttempts {
		until := now.Add(lockoutDuration)
		credential.LockedUntil = &until
	}
	copied := *credential
	return &copied, nil
}

func (r *memRepo) ResetTransactionPINFailureState(_ context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	credential, ok := r.credentials[userID]
	if !ok {
		return store.ErrTransactionPINNotSet
	}
	credential.FailedAttempts = 0
	credential.LockedUntil = nil
	return nil
}

func (r *memRepo) memListMembers(memberIDs []uuid.UUID) []domain.TransferListMember {
	members := make([]domain.TransferListMember, 0, len(memberIDs))
	for _, id := range memberIDs {
		members = append(members, domain.TransferListMember{UserID: id, Username: r.users[id].Username, CreatedAt: time.Now()})
	}
	return members
}

func (r *memRepo) memListNameTaken(ownerID, listID uuid.UUID, name string) bool {
	for _, list := range r.lists {
		if list.OwnerID == ownerID && list.ID != listID && strings.EqualFold(list.Name, name) {
			return true
		}
	}
	return false
}

func copyTransferList(list *domain.TransferList) *domain.TransferList {
	copied := *list
	copied.Members = append([]domain.TransferListMember(nil), list.Members...)
	copied.MemberCount = len(copied.Members)
	return &copied
}

func (r *memRepo) CreateTransferList(_ context.Context, list *domain.TransferList, memberIDs []uuid.UUID) (*domain.TransferList, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.memListNameTaken(list.OwnerID, list.ID, list.Name) {
		return nil, store.ErrTransferListNameTaken
	}
	stored := *list
	stored.Members = r.memListMembers(memberIDs)
	stored.CreatedAt, stored.UpdatedAt = time.Now(), time.Now()
	r.lists[stored.ID] = &stored
	return copyTransferList(&stored), nil
}

func (r *memRepo) ListTransferListsByOwner(_ context.Context, ownerID uuid.UUID, _ domain.TransferListListOptions) ([]domain.TransferListSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.TransferListSummary
	for _, list := range r.lists {
		if list.OwnerID != ownerID {
			continue
		}
		summary := domain.TransferListSummary{ID: list.ID, OwnerID: list.OwnerID, Name: list.Name, MemberCount: len(list.Members)}
		for _, m := range list.Members {
			summary.MemberUsernames = append(summary.MemberUsernames, m.Username)
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *memRepo) GetTransferListByID(_ context.Context, ownerID, listID uuid.UUID) (*domain.TransferList, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, ok := r.lists[listID]
	if !ok || list.OwnerID != ownerID {
		return nil, store.ErrTransferListNotFound
	}
	return copyTransferList(list), nil
}

func (r *memRepo) UpdateTransferList(_ context.Context, ownerID, listID uuid.UUID, name string, memberIDs []uuid.UUID) (*domain.TransferList, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, ok := r.lists[listID]
	if !ok || list.OwnerID != ownerID {
		return nil, store.ErrTransferListNotFound
	}
	if r.memListNameTaken(ownerID, listID, name) {
		return nil, store.ErrTransferListNameTaken
	}
	list.Name = name
	list.Members = r.memListMembers(memberIDs)
	list.UpdatedAt = time.Now()
	return copyTransferList(list), nil
}

func (r *memRepo) ToggleTransferListMember(_ context.Context, ownerID, listID, memberID uuid.UUID, maxMembers int) (*domain.TransferList, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, ok := r.lists[listID]
	if !ok || list.OwnerID != ownerID {
		return nil, false, store.ErrTransferListNotFound
	}
	for i, m := range list.Members {
		if m.UserID == memberID {
			if len(list.Members) <= 1 {
				return nil, false, store.ErrTransferListLastMember
			}
			list.Members = append(list.Members[:i:i], list.Members[i+1:]...)
			return copyTransferList(list), false, nil
		}
	}
	if maxMembers > 0 && len(list.Members) >= maxMembers {
		return nil, false, store.ErrTransferListFull
	}
	list.Members = append(list.Members, r.memListMembers([]uuid.UUID{memberID})...)
	return copyTransferList(list), true, nil
}

func (r *memRepo) DeleteTransferList(_ context.Context, ownerID, listID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, ok := r.lists[listID]
	if !ok || list.OwnerID != ownerID {
		return false, nil
	}
	delete(r.lists, listID)
	return true, nil
}

// fakeGateway answers every transfer with a fixed status or error.
type fakeGateway struct {
	mu       sync.Mutex
	status   string
	err      error
	requests []settlementclient.TransferRequest
}

func (g *fakeGateway) InitiateTransfer(_ context.Context, req settlementclient.TransferRequest) (*settlementclient.TransferResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	return &settlementclient.TransferResult{ID: "ref-" + req.Reference, Status: g.status}, nil
}

// recordingPublisher keeps the routing keys of published events.
type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(_ context.Context, _, routingKey string, _ interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}
