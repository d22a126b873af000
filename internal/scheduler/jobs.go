/**
 * @description
 * Scheduled job implementations for the payments core: closing money drops that
 * expired or ran out of claims, and purging expired claim idempotency rows.
 */
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/transfa/payments-core/internal/metrics"
)

const (
	moneyDropExpiryJob  = "money_drop_expiry"
	idempotencyPurgeJob = "claim_idempotency_purge"

	defaultExpiryBatchSize = 100
	// maxExpiryPasses bounds a single run; anything left over waits for the next tick.
	maxExpiryPasses   = 20
	defaultJobTimeout = 2 * time.Minute
)

// MoneyDropMaintainer is the slice of the service the jobs drive.
type MoneyDropMaintainer interface {
	FinalizeExpiredMoneyDrops(ctx context.Context, limit int) (int, error)
	PurgeExpiredClaimIdempotency(ctx context.Context) (int64, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	service   MoneyDropMaintainer
	logger    *zap.Logger
	batchSize int
	timeout   time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(service MoneyDropMaintainer, logger *zap.Logger) *Jobs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Jobs{
		service:   service,
		logger:    logger.With(zap.String("component", "scheduler")),
		batchSize: defaultExpiryBatchSize,
		timeout:   defaultJobTimeout,
	}
}

// ProcessMoneyDropExpiry closes expired and fully claimed drops in batches and
// refunds what is left in their pools.
func (j *Jobs) ProcessMoneyDropExpiry() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	total, err := j.RunMoneyDropExpiry(ctx)
	metrics.RecordScheduledJob(moneyDropExpiryJob, err)
	if err != nil {
		j.logger.Error("money drop expiry job failed", zap.Int("closed", total), zap.Error(err))
		return
	}
	if total > 0 {
		j.logger.Info("money drop expiry job finished", zap.Int("closed", total))
	}
}

// RunMoneyDropExpiry is the body of ProcessMoneyDropExpiry. It is also used by the
// internal endpoint that triggers a sweep on demand.
func (j *Jobs) RunMoneyDropExpiry(ctx context.Context) (int, error) {
	total := 0
	for pass := 0; pass < maxExpiryPasses; pass++ {
		closed, err := j.service.FinalizeExpiredMoneyDrops(ctx, j.batchSize)
		total += closed
		if err != nil {
			return total, err
		}
		if closed < j.batchSize {
			return total, nil
		}
	}
	j.logger.Warn("money drop expiry backlog remains after max passes", zap.Int("closed", total))
	return total, nil
}

// PurgeClaimIdempotency removes claim idempotency rows past their expiry.
func (j *Jobs) PurgeClaimIdempotency() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	purged, err := j.service.PurgeExpiredClaimIdempotency(ctx)
	metrics.RecordScheduledJob(idempotencyPurgeJob, err)
	if err != nil {
		j.logger.Error("claim idempotency purge failed", zap.Error(err))
		return
	}
	j.logger.Info("claim idempotency purge finished", zap.Int64("purged", purged))
}
