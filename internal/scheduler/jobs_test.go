package scheduler

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"
)

type maintainerStub struct {
	batches   []int
	calls     int
	limits    []int
	finalErr  error
	purged    int64
	purgeErr  error
	purgeRuns int
}

func (s *maintainerStub) FinalizeExpiredMoneyDrops(ctx context.Context, limit int) (int, error) {
	s.limits = append(s.limits, limit)
	if s.calls >= len(s.batches) {
		s.calls++
		return 0, s.finalErr
	}
	closed := s.batches[s.calls]
	s.calls++
	return closed, nil
}

func (s *maintainerStub) PurgeExpiredClaimIdempotency(ctx context.Context) (int64, error) {
	s.purgeRuns++
	return s.purged, s.purgeErr
}

func newTestJobs(t *testing.T, service MoneyDropMaintainer) *Jobs {
	jobs := NewJobs(service, zaptest.NewLogger(t))
	jobs.batchSize = 2
	return jobs
}

func TestRunMoneyDropExpiry_DrainsFullBatches(t *testing.T) {
	stub := &maintainerStub{batches: []int{2, 2, 1}}
	jobs := newTestJobs(t, stub)

	total, err := jobs.RunMoneyDropExpiry(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected 5 drops closed, got %d", total)
	}
	if stub.calls != 3 {
		t.Fatalf("expected 3 passes, got %d", stub.calls)
	}
	for _, limit := range stub.limits {
		if limit != 2 {
			t.Fatalf("expected batch size 2, got %d", limit)
		}
	}
}

func TestRunMoneyDropExpiry_StopsOnError(t *testing.T) {
	stub := &maintainerStub{batches: []int{2}, finalErr: errors.New("db down")}
	jobs := newTestJobs(t, stub)

	total, err := jobs.RunMoneyDropExpiry(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if total != 2 {
		t.Fatalf("expected the first batch to count, got %d", total)
	}
	if stub.calls != 2 {
		t.Fatalf("expected no pass after the error, got %d calls", stub.calls)
	}
}

func TestRunMoneyDropExpiry_BoundsPasses(t *testing.T) {
	batches := make([]int, maxExpiryPasses+5)
	for i := range batches {
		batches[i] = 2
	}
	stub := &maintainerStub{batches: batches}
	jobs := newTestJobs(t, stub)

	total, err := jobs.RunMoneyDropExpiry(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.calls != maxExpiryPasses {
		t.Fatalf("expected %d passes, got %d", maxExpiryPasses, stub.calls)
	}
	if total != 2*maxExpiryPasses {
		t.Fatalf("unexpected total %d", total)
	}
}

func TestJobEntryPointsSwallowErrors(t *testing.T) {
	stub := &maintainerStub{finalErr: errors.New("boom"), purgeErr: errors.New("boom")}
	jobs := newTestJobs(t, stub)

	jobs.ProcessMoneyDropExpiry()
	jobs.PurgeClaimIdempotency()

	if stub.purgeRuns != 1 {
		t.Fatalf("expected one purge run, got %d", stub.purgeRuns)
	}
}

func TestSchedulerStart_SkipsEmptyAndInvalidSchedules(t *testing.T) {
	jobs := newTestJobs(t, &maintainerStub{})
	s := NewScheduler(jobs, zaptest.NewLogger(t), Config{
		MoneyDropExpirySchedule:  "@every 1m",
		IdempotencyPurgeSchedule: "not a schedule",
	})

	registered := s.Start()
	<-s.Stop().Done()

	if registered != 1 {
		t.Fatalf("expected one registered job, got %d", registered)
	}

	s = NewScheduler(jobs, zaptest.NewLogger(t), Config{})
	if got := s.Start(); got != 0 {
		t.Fatalf("expected no jobs, got %d", got)
	}
	<-s.Stop().Done()
}
