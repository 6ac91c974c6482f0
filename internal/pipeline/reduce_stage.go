package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/joseph-ayodele/secateur/constants"
	"github.com/joseph-ayodele/secateur/internal/cache"
	"github.com/joseph-ayodele/secateur/internal/common"
	"github.com/joseph-ayodele/secateur/internal/entity"
	"github.com/joseph-ayodele/secateur/internal/normalize"
	"github.com/joseph-ayodele/secateur/internal/storage"
)

type ReduceStage struct {
	Logger  *slog.Logger
	Status  *cache.StatusTracker
	Sources storage.BlobStore
	Results storage.BlobStore
	Engine  *normalize.Engine
}

func NewReduceStage(
	logger *slog.Logger,
	status *cache.StatusTracker,
	sources, results storage.BlobStore,
	engine *normalize.Engine,
) *ReduceStage {
	if logger == nil {
		logger = slog.Default()
	}
	if engine == nil {
		engine = normalize.NewEngine(logger)
	}
	return &ReduceStage{
		Logger:  logger,
		Status:  status,
		Sources: sources,
		Results: results,
		Engine:  engine,
	}
}

// Run produces the artifact for job unless one already exists. The artifact
// is committed before the status becomes COMPLETE.
func (s *ReduceStage) Run(ctx context.Context, job entity.Descriptor) error {
	logger := s.Logger.With("job_id", job.JobID, "source_id", job.SourceID)

	if !job.ForceReduce {
		exists, err := s.Results.Exists(ctx, job.JobID)
		if err != nil {
			logger.Error("reduce.cache_check.failed", "error", err)
			s.fail(ctx, job.JobID, "result store unavailable")
			return fmt.Errorf("%w: %v", common.ErrIO, err)
		}
		if exists {
			logger.Info("reduce.cache_hit")
			return s.Status.Set(ctx, job.JobID, constants.StageComplete)
		}
	}

	if err := s.Status.Set(ctx, job.JobID, constants.StageReducing); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	res, err := s.reduce(ctx, job)
	if err != nil {
		logger.Error("reduce.failed", "error", err)
		s.fail(ctx, job.JobID, err.Error())
		return err
	}
	logger.Info("reduce.ok",
		"encoding", res.Encoding,
		"delimiter", string(res.Dialect.Delimiter),
		"rows_read", res.RowsRead,
		"rows_written", res.RowsWritten,
	)
	return s.Status.Set(ctx, job.JobID, constants.StageComplete)
}

func (s *ReduceStage) reduce(ctx context.Context, job entity.Descriptor) (normalize.Result, error) {
	src, err := s.Sources.Open(ctx, job.SourceID)
	if errors.Is(err, storage.ErrNotFound) {
		return normalize.Result{}, fmt.Errorf("%w: source document %s", common.ErrNotFound, job.SourceID)
	}
	if err != nil {
		return normalize.Result{}, fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	defer src.Close()

	w, err := s.Results.Create(ctx, job.JobID)
	if err != nil {
		return normalize.Result{}, fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	res, err := s.Engine.Reduce(ctx, src, w, normalize.Options{Filters: job.Filters, NoHeaders: job.NoHeaders})
	if err != nil {
		_ = w.Abort()
		return res, fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	if err := w.Commit(); err != nil {
		return res, fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	return res, nil
}

func (s *ReduceStage) fail(ctx context.Context, jobID, reason string) {
	_ = s.Status.Fail(context.WithoutCancel(ctx), jobID, reason)
}
