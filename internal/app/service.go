/**
 * @description
 * This file contains the core of the payments service. The `Service` struct orchestrates
 * every money movement, coordinating the ledger repository, the settlement gateway and
 * the event publisher.
 *
 * Key features:
 * - Holds the fee schedule and the claim-hardening knobs resolved from config.
 * - Exposes read models: balance, beneficiaries and transaction history.
 * - Publishes domain events best-effort; a broker outage never fails a money path.
 *
 * @dependencies
 * - github.com/google/uuid: identifiers.
 * - github.com/shopspring/decimal: percentage fees.
 * - go.uber.org/zap: structured logging.
 * - internal/domain, internal/store: models and data access.
 * - pkg/settlementclient, pkg/rabbitmq: settlement rail and message broker.
 */

package app

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/transfa/payments-core/internal/domain"
	"github.com/transfa/payments-core/internal/store"
	"github.com/transfa/payments-core/pkg/rabbitmq"
	"github.com/transfa/payments-core/pkg/settlementclient"
)

const (
	defaultPaymentRequestStaleAfter = 5 * time.Minute
	defaultBulkTransferMaxItems     = 10
	defaultSubscriptionFee          = 100000
	defaultIdempotencyTTL           = 24 * time.Hour
	defaultIdempotencyStaleWindow   = 2 * time.Minute
	moneyDropClaimRateLimitScope    = "money_drop_claim"
	maxUsernameLength               = 64
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9._]*[a-z0-9])?$`)

// SettlementGateway moves money on the external rail.
type SettlementGateway interface {
	InitiateTransfer(ctx context.Context, req settlementclient.TransferRequest) (*settlementclient.TransferResult, error)
}

// ServiceConfig carries the fee schedule and tuning values the service needs.
type ServiceConfig struct {
	P2PFee                        int64
	MoneyDropFee                  int64
	MoneyDropFeePercent           decimal.Decimal
	BulkTransferMaxItems          int
	SubscriptionFee               int64
	PaymentRequestClaimStaleAfter time.Duration
	EventsExchange                string
}

// FeeSchedule is the public view of the configured fees.
type FeeSchedule struct {
	P2PFee              int64  `json:"p2p_fee"`
	WithdrawalFee       int64  `json:"withdrawal_fee"`
	MoneyDropFee        int64  `json:"money_drop_fee"`
	MoneyDropFeePercent string `json:"money_drop_fee_percent"`
}

// Service provides the core business logic for payments.
type Service struct {
	repo      store.Repository
	gateway   SettlementGateway
	publisher rabbitmq.Publisher
	notifier  *Notifier
	cfg       ServiceConfig
	logger    *zap.Logger
	now       func() time.Time

	claimLimiter         ClaimRateLimiter
	claimRateLimit       int
	lockout              LockoutPolicy
	idempotencyTTL       time.Duration
	idempotencyStaleness time.Duration

	pinRequired bool
	pinLockout  LockoutPolicy
}

// NewService creates a new payments service instance.
func NewService(repo store.Repository, gateway SettlementGateway, publisher rabbitmq.Publisher, cfg ServiceConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	}
	if cfg.BulkTransferMaxItems <= 0 {
		cfg.BulkTransferMaxItems = defaultBulkTransferMaxItems
	}
	if cfg.PaymentRequestClaimStaleAfter <= 0 {
		cfg.PaymentRequestClaimStaleAfter = defaultPaymentRequestStaleAfter
	}
	if cfg.SubscriptionFee <= 0 {
		cfg.SubscriptionFee = defaultSubscriptionFee
	}
	if cfg.P2PFee < 0 {
		cfg.P2PFee = 0
	}
	if cfg.MoneyDropFee < 0 {
		cfg.MoneyDropFee = 0
	}

	return &Service{
		repo:                 repo,
		gateway:              gateway,
		publisher:            publisher,
		notifier:             NewNotifier(repo, logger),
		cfg:                  cfg,
		logger:               logger.With(zap.String("component", "payments_service")),
		now:                  time.Now,
		idempotencyTTL:       defaultIdempotencyTTL,
		idempotencyStaleness: defaultIdempotencyStaleWindow,
	}
}

// ConfigureMoneyDropHardening sets the claim throttle, the password lockout policy and
// the idempotency windows. Non-positive windows keep the defaults.
func (s *Service) ConfigureMoneyDropHardening(claimRateLimitPerMinute int, lockout LockoutPolicy, idempotencyTTL, staleWindow time.Duration) {
	if claimRateLimitPerMinute < 0 {
		claimRateLimitPerMinute = 0
	}
	s.claimRateLimit = claimRateLimitPerMinute
	s.lockout = lockout
	if idempotencyTTL > 0 {
		s.idempotencyTTL = idempotencyTTL
	}
	if staleWindow > 0 {
		s.idempotencyStaleness = staleWindow
	}
}

// SetClaimRateLimiter installs the limiter used for money-drop claims.
func (s *Service) SetClaimRateLimiter(limiter ClaimRateLimiter) {
	s.claimLimiter = limiter
}

// Fees returns the configured fee schedule.
func (s *Service) Fees() FeeSchedule {
	return FeeSchedule{
		P2PFee:              s.cfg.P2PFee,
		WithdrawalFee:       s.cfg.P2PFee,
		MoneyDropFee:        s.cfg.MoneyDropFee,
		MoneyDropFeePercent: s.cfg.MoneyDropFeePercent.String(),
	}
}

// ResolveInternalUserID converts an identity-provider subject (e.g. "user_abc123") into
// the internal user id the repositories operate on.
func (s *Service) ResolveInternalUserID(ctx context.Context, clerkUserID string) (uuid.UUID, error) {
	raw, err := s.repo.FindUserIDByClerkUserID(ctx, strings.TrimSpace(clerkUserID))
	if err != nil {
		return uuid.Nil, translate(err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, notFound("user not found")
	}
	return id, nil
}

// GetAccountBalance returns the ledger balance of the user's primary account.
func (s *Service) GetAccountBalance(ctx context.Context, userID uuid.UUID) (*domain.AccountBalance, error) {
	account, err := s.repo.FindAccountByUserID(ctx, userID)
	if err != nil {
		return nil, translate(err)
	}
	return &domain.AccountBalance{
		AccountID: account.ID,
		Balance:   account.Balance,
		Currency:  "NGN",
	}, nil
}

func (s *Service) ListBeneficiaries(ctx context.Context, userID uuid.UUID) ([]domain.Beneficiary, error) {
	items, err := s.repo.FindBeneficiariesByUserID(ctx, userID)
	if err != nil {
		return nil, translate(err)
	}
	if items == nil {
		items = []domain.Beneficiary{}
	}
	return items, nil
}

func (s *Service) GetDefaultBeneficiary(ctx context.Context, userID uuid.UUID) (*domain.Beneficiary, error) {
	item, err := s.repo.FindOrCreateDefaultBeneficiary(ctx, userID)
	if err != nil {
		return nil, translate(err)
	}
	return item, nil
}

func (s *Service) SetDefaultBeneficiary(ctx context.Context, userID, beneficiaryID uuid.UUID) error {
	if beneficiaryID == uuid.Nil {
		return invalidInput("beneficiary_id is required")
	}
	return translate(s.repo.SetDefaultBeneficiary(ctx, userID, beneficiaryID))
}

// ListTransactions returns the user's transactions, sent or received, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	items, err := s.repo.ListTransactionsByUserID(ctx, userID, limit, offset)
	if err != nil {
		return nil, translate(err)
	}
	if items == nil {
		items = []domain.Transaction{}
	}
	return items, nil
}

// GetTransaction returns one transaction the user sent or received.
func (s *Service) GetTransaction(ctx context.Context, userID, transactionID uuid.UUID) (*domain.Transaction, error) {
	tx, err := s.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, translate(err)
	}
	if tx.SenderID != userID && (tx.RecipientID == nil || *tx.RecipientID != userID) {
		return nil, notFound("transaction not found")
	}
	return tx, nil
}

func (s *Service) publish(ctx context.Context, routingKey string, body interface{}) {
	if err := s.publisher.Publish(ctx, s.cfg.EventsExchange, routingKey, body); err != nil {
		s.logger.Warn("event publish failed",
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)
	}
}

func (s *Service) publishTransaction(ctx context.Context, tx *domain.Transaction) {
	routingKey := domain.EventTransactionCompleted
	if tx.Status == domain.TransactionStatusFailed {
		routingKey = domain.EventTransactionFailed
	}
	event := domain.TransactionEvent{
		TransactionID: tx.ID.String(),
		SenderID:      tx.SenderID.String(),
		Type:          tx.Type,
		Status:        tx.Status,
		Amount:        tx.Amount,
		Fee:           tx.Fee,
		OccurredAt:    s.now().UTC(),
	}
	if tx.RecipientID != nil {
		event.RecipientID = tx.RecipientID.String()
	}
	if tx.FailureReason != nil {
		event.Reason = *tx.FailureReason
	}
	s.publish(ctx, routingKey, event)
}

// moneyDropFee is the fixed fee plus the percentage of the total, rounded up to the
// next minor unit.
func (s *Service) moneyDropFee(total int64) int64 {
	fee := s.cfg.MoneyDropFee
	if s.cfg.MoneyDropFeePercent.IsPositive() {
		percent := decimal.NewFromInt(total).
			Mul(s.cfg.MoneyDropFeePercent).
			Div(decimal.NewFromInt(100)).
			Ceil()
		fee += percent.IntPart()
	}
	return fee
}

// normalizeAndValidateUsernameInput lowercases and trims a username and rejects
// anything outside letters, digits, dots and inner underscores.
func normalizeAndValidateUsernameInput(raw string) (string, error) {
	username := strings.ToLower(strings.TrimSpace(raw))
	if username == "" {
		return "", invalidInput("username is required")
	}
	if len(username) > maxUsernameLength || !usernamePattern.MatchString(username) {
		return "", invalidInput("username is invalid")
	}
	return username, nil
}

// findRecipient resolves a username typed by a client.
func (s *Service) findRecipient(ctx context.Context, raw string) (*domain.User, error) {
	username, err := normalizeAndValidateUsernameInput(raw)
	if err != nil {
		return nil, err
	}
	user, err := s.repo.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, translate(err)
	}
	return user, nil
}

func stringPtr(value string) *string {
	return &value
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
