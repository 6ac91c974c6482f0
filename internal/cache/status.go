package cache

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/joseph-ayodele/secateur/constants"
	"github.com/joseph-ayodele/secateur/internal/entity"
)

// Recorder receives every status write. The job-event ledger implements it.
type Recorder interface {
	Record(ctx context.Context, jobID string, stage constants.Stage, reason string) error
}

// StatusTracker reads and writes job status records with a fixed TTL.
type StatusTracker struct {
	store    KeyValueStore
	ttl      time.Duration
	recorder Recorder
	logger   *slog.Logger
}

// NewStatusTracker builds a tracker. recorder may be nil.
func NewStatusTracker(store KeyValueStore, ttl time.Duration, recorder Recorder, logger *slog.Logger) *StatusTracker {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = constants.DefaultStatusTTLSeconds * time.Second
	}
	return &StatusTracker{store: store, ttl: ttl, recorder: recorder, logger: logger}
}

// Get returns the current record; ok is false when the job is unknown.
func (t *StatusTracker) Get(ctx context.Context, jobID string) (entity.StatusRecord, bool, error) {
	v, ok, err := t.store.Get(ctx, statusKey(jobID))
	if err != nil || !ok {
		return entity.StatusRecord{Stage: constants.StageUnknown}, false, err
	}
	rec := DecodeStatus(v)
	return rec, rec.Stage != constants.StageUnknown, nil
}

// Set writes stage for jobID and refreshes its TTL.
func (t *StatusTracker) Set(ctx context.Context, jobID string, stage constants.Stage) error {
	return t.write(ctx, jobID, entity.StatusRecord{Stage: stage})
}

// Fail marks the current attempt as failed.
func (t *StatusTracker) Fail(ctx context.Context, jobID, reason string) error {
	return t.write(ctx, jobID, entity.StatusRecord{Stage: constants.StageFailed, Reason: reason})
}

func (t *StatusTracker) write(ctx context.Context, jobID string, rec entity.StatusRecord) error {
	if err := t.store.Set(ctx, statusKey(jobID), EncodeStatus(rec), t.ttl); err != nil {
		t.logger.Error("status.write.failed", "job_id", jobID, "stage", rec.Stage, "error", err)
		return err
	}
	t.logger.Debug("status.write", "job_id", jobID, "stage", rec.Stage)
	if t.recorder != nil {
		if err := t.recorder.Record(ctx, jobID, rec.Stage, rec.Reason); err != nil {
			t.logger.Warn("status.ledger.failed", "job_id", jobID, "stage", rec.Stage, "error", err)
		}
	}
	return nil
}

// EncodeStatus renders a record as "STAGE" or "FAILED:reason".
func EncodeStatus(rec entity.StatusRecord) string {
	if rec.Stage == constants.StageFailed && rec.Reason != "" {
		return string(rec.Stage) + ":" + rec.Reason
	}
	return string(rec.Stage)
}

// DecodeStatus is the inverse of EncodeStatus.
func DecodeStatus(v string) entity.StatusRecord {
	stage, reason, _ := strings.Cut(v, ":")
	return entity.StatusRecord{Stage: constants.ParseStage(stage), Reason: reason}
}
