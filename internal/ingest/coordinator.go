// Package ingest is the intake side of the pipeline: it turns a raw
// submission into a job and decides whether any work has to be scheduled.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joseph-ayodele/secateur/constants"
	"github.com/joseph-ayodele/secateur/internal/async"
	"github.com/joseph-ayodele/secateur/internal/cache"
	"github.com/joseph-ayodele/secateur/internal/common"
	"github.com/joseph-ayodele/secateur/internal/entity"
	"github.com/joseph-ayodele/secateur/internal/utils"
)

// Coordinator computes job identities and publishes fetch requests.
type Coordinator struct {
	status *cache.StatusTracker
	bus    async.Publisher
	logger *slog.Logger
}

func NewCoordinator(status *cache.StatusTracker, bus async.Publisher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{status: status, bus: bus, logger: logger}
}

// SubmitQuery parses raw and submits it.
func (c *Coordinator) SubmitQuery(ctx context.Context, raw string) (string, error) {
	req, err := ParseQuery(raw)
	if err != nil {
		c.logger.Warn("intake.rejected", "request_id", common.RequestIDFromContext(ctx), "error", err)
		return "", err
	}
	return c.Submit(ctx, req)
}

// Submit returns the job id for req, publishing a fetch request when the job
// is unknown, failed, or forced. It never waits for the pipeline.
func (c *Coordinator) Submit(ctx context.Context, req Request) (string, error) {
	job := entity.Descriptor{
		URL:           req.URL,
		Filters:       req.Filters,
		JobID:         utils.JobID(req.Raw),
		SourceID:      utils.SourceID(req.URL),
		ForceDownload: req.ForceDownload,
		ForceReduce:   req.ForceReduce,
		NoHeaders:     req.NoHeaders,
	}
	logger := c.logger.With("job_id", job.JobID, "request_id", common.RequestIDFromContext(ctx))

	forced := job.ForceDownload || job.ForceReduce
	if !forced {
		rec, ok, err := c.status.Get(ctx, job.JobID)
		if err != nil {
			return "", common.NewAppError("STATUS_UNAVAILABLE", "failed to read job status", fmt.Errorf("%w: %v", common.ErrInternal, err))
		}
		if ok && rec.Stage != constants.StageFailed {
			logger.Debug("intake.known_job", "stage", rec.Stage)
			return job.JobID, nil
		}
	}

	if err := c.bus.Publish(ctx, async.TopicFetch, job); err != nil {
		logger.Error("intake.publish.failed", "error", err)
		return "", common.NewAppError("PUBLISH_FAILED", "failed to schedule job", fmt.Errorf("%w: %v", common.ErrInternal, err))
	}
	logger.Info("intake.scheduled", "url", job.URL, "filters", len(job.Filters), "forced", forced)
	return job.JobID, nil
}
