package cron

import (
	"context"
	"errors"
	"testing"
)

type fakeSweeper struct {
	expired int
	err     error
	batch   int
}

func (f *fakeSweeper) ExpireLapsed(_ context.Context, batchSize int) (int, error) {
	f.batch = batchSize
	return f.expired, f.err
}

func TestGraceSweepJobRunsManager(t *testing.T) {
	sweeper := &fakeSweeper{expired: 3}
	job, err := NewGraceSweepJob(GraceSweepJobParams{
		Logger:    testLogger(),
		Manager:   sweeper,
		BatchSize: 42,
	})
	if err != nil {
		t.Fatalf("construct job: %v", err)
	}
	if job.Name() != "grace-sweep" {
		t.Fatalf("unexpected job name %q", job.Name())
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sweeper.batch != 42 {
		t.Fatalf("expected batch 42, got %d", sweeper.batch)
	}
}

func TestGraceSweepJobPropagatesErrors(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("boom")}
	job, err := NewGraceSweepJob(GraceSweepJobParams{Logger: testLogger(), Manager: sweeper})
	if err != nil {
		t.Fatalf("construct job: %v", err)
	}
	if err := job.Run(context.Background()); err == nil {
		t.Fatalf("expected error from sweep")
	}
}
