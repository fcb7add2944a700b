package cron

import (
	"context"
	"fmt"

	"github.com/printventory/printventory-backend/pkg/logger"
)

const defaultSweepBatch = 500

type graceSweeper interface {
	ExpireLapsed(ctx context.Context, batchSize int) (int, error)
}

// GraceSweepJobParams configures the grace window sweep.
type GraceSweepJobParams struct {
	Logger    *logger.Logger
	Manager   graceSweeper
	BatchSize int
}

// NewGraceSweepJob builds the job that expires lapsed downgrade windows.
func NewGraceSweepJob(params GraceSweepJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Manager == nil {
		return nil, fmt.Errorf("grace manager required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	return &graceSweepJob{
		logg:  params.Logger,
		mgr:   params.Manager,
		batch: batch,
	}, nil
}

type graceSweepJob struct {
	logg  *logger.Logger
	mgr   graceSweeper
	batch int
}

func (j *graceSweepJob) Name() string { return "grace-sweep" }

func (j *graceSweepJob) Run(ctx context.Context) error {
	expired, err := j.mgr.ExpireLapsed(ctx, j.batch)
	j.logg.Info(j.logg.WithField(ctx, "expired", expired), "grace sweep finished")
	return err
}
