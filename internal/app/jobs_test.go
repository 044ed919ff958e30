package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type sweeperStub struct {
	batches []int
	err     error
	calls   int
	limits  []int
}

func (s *sweeperStub) SweepExpired(ctx context.Context, limit int) (int, error) {
	s.limits = append(s.limits, limit)
	if s.calls >= len(s.batches) {
		s.calls++
		return 0, s.err
	}
	n := s.batches[s.calls]
	s.calls++
	return n, nil
}

type purgerStub struct {
	cutoff time.Time
	purged int64
	err    error
}

func (p *purgerStub) PurgePublishedOutbox(ctx context.Context, publishedBefore time.Time) (int64, error) {
	p.cutoff = publishedBefore
	return p.purged, p.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExpireStalePendingTransactions_DrainsFullBatches(t *testing.T) {
	sweeper := &sweeperStub{batches: []int{expirySweepBatchSize, expirySweepBatchSize, 7}}
	jobs := NewJobs(sweeper, &purgerStub{}, time.Hour, discardLogger())

	jobs.ExpireStalePendingTransactions()

	if sweeper.calls != 3 {
		t.Fatalf("expected three sweep batches, got %d", sweeper.calls)
	}
	for _, limit := range sweeper.limits {
		if limit != expirySweepBatchSize {
			t.Fatalf("unexpected batch size %d", limit)
		}
	}
}

func TestExpireStalePendingTransactions_StopsOnError(t *testing.T) {
	sweeper := &sweeperStub{err: errors.New("db down")}
	jobs := NewJobs(sweeper, &purgerStub{}, time.Hour, discardLogger())

	jobs.ExpireStalePendingTransactions()

	if sweeper.calls != 1 {
		t.Fatalf("expected the sweep to stop after an error, got %d calls", sweeper.calls)
	}
}

func TestPurgePublishedOutbox_UsesRetentionWindow(t *testing.T) {
	purger := &purgerStub{purged: 12}
	jobs := NewJobs(&sweeperStub{}, purger, 48*time.Hour, discardLogger())
	now := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	jobs.now = func() time.Time { return now }

	jobs.PurgePublishedOutbox()

	if want := now.Add(-48 * time.Hour); !purger.cutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, purger.cutoff)
	}
}

func TestNewJobs_DefaultsRetention(t *testing.T) {
	jobs := NewJobs(&sweeperStub{}, &purgerStub{}, 0, discardLogger())
	if jobs.outboxRetention != 72*time.Hour {
		t.Fatalf("expected 72h default retention, got %s", jobs.outboxRetention)
	}
}

func TestScheduler_RejectsInvalidSchedule(t *testing.T) {
	jobs := NewJobs(&sweeperStub{}, &purgerStub{}, time.Hour, discardLogger())
	scheduler := NewScheduler(jobs, discardLogger(), "not a schedule", "0 3 * * *")
	if err := scheduler.Start(); err == nil {
		scheduler.Stop()
		t.Fatal("expected an invalid expiry schedule to be rejected")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	jobs := NewJobs(&sweeperStub{}, &purgerStub{}, time.Hour, discardLogger())
	scheduler := NewScheduler(jobs, discardLogger(), "@every 1h", "0 3 * * *")
	if err := scheduler.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-scheduler.Stop().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
