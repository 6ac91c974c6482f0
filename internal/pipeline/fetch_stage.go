// Package pipeline holds the event-driven stages that turn a job into an
// artifact: fetch downloads the source once per URL, reduce filters it once
// per job.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/joseph-ayodele/secateur/constants"
	"github.com/joseph-ayodele/secateur/internal/async"
	"github.com/joseph-ayodele/secateur/internal/cache"
	"github.com/joseph-ayodele/secateur/internal/common"
	"github.com/joseph-ayodele/secateur/internal/entity"
	"github.com/joseph-ayodele/secateur/internal/storage"
	"github.com/joseph-ayodele/secateur/internal/utils"
)

type FetchStage struct {
	Logger    *slog.Logger
	Status    *cache.StatusTracker
	Sources   storage.BlobStore
	Client    *http.Client
	Bus       async.Publisher
	ChunkSize int
}

func NewFetchStage(
	logger *slog.Logger,
	status *cache.StatusTracker,
	sources storage.BlobStore,
	client *http.Client,
	bus async.Publisher,
	chunkSize int,
) *FetchStage {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	if chunkSize <= 0 {
		chunkSize = constants.DefaultFetchChunkSize
	}
	return &FetchStage{
		Logger:    logger,
		Status:    status,
		Sources:   sources,
		Client:    client,
		Bus:       bus,
		ChunkSize: chunkSize,
	}
}

// Run makes sure the source document for job exists, downloading it unless
// it is cached, then hands the job to the reduce stage.
func (s *FetchStage) Run(ctx context.Context, job entity.Descriptor) error {
	logger := s.Logger.With("job_id", job.JobID, "source_id", job.SourceID)

	if err := utils.ValidateSourceURL(job.URL); err != nil {
		logger.Error("fetch.malformed_url", "url", job.URL, "error", err)
		s.fail(ctx, job.JobID, "malformed url")
		return fmt.Errorf("%w: %v", common.ErrMalformedURL, err)
	}

	if !job.ForceDownload {
		exists, err := s.Sources.Exists(ctx, job.SourceID)
		if err != nil {
			logger.Error("fetch.cache_check.failed", "error", err)
			s.fail(ctx, job.JobID, "source store unavailable")
			return fmt.Errorf("%w: %v", common.ErrIO, err)
		}
		if exists {
			logger.Info("fetch.cache_hit")
			return s.handOff(ctx, job)
		}
	}

	if err := s.Status.Set(ctx, job.JobID, constants.StageFetching); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	n, err := s.download(ctx, job)
	if err != nil {
		logger.Error("fetch.failed", "url", job.URL, "error", err)
		s.fail(ctx, job.JobID, err.Error())
		return err
	}
	logger.Info("fetch.ok", "url", job.URL, "bytes", n)
	return s.handOff(ctx, job)
}

// download streams the response body into a staged blob and commits it only
// after the whole body has been read.
func (s *FetchStage) download(ctx context.Context, job entity.Descriptor) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrMalformedURL, err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("%w: unexpected status %s", common.ErrNetwork, resp.Status)
	}

	w, err := s.Sources.Create(ctx, job.SourceID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	body := &bodyReader{r: resp.Body}
	n, err := io.CopyBuffer(w, body, make([]byte, s.ChunkSize))
	if err != nil {
		_ = w.Abort()
		if body.err != nil {
			return n, fmt.Errorf("%w: %v", common.ErrNetwork, body.err)
		}
		return n, fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	if err := w.Commit(); err != nil {
		return n, fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	return n, nil
}

func (s *FetchStage) handOff(ctx context.Context, job entity.Descriptor) error {
	if err := s.Bus.Publish(ctx, async.TopicReduce, job); err != nil {
		s.Logger.Error("fetch.publish.failed", "job_id", job.JobID, "error", err)
		s.fail(ctx, job.JobID, "failed to schedule reduce")
		return fmt.Errorf("publish reduce: %w", err)
	}
	return nil
}

// fail records a terminal failure. It outlives ctx so a timed-out attempt is
// still reported.
func (s *FetchStage) fail(ctx context.Context, jobID, reason string) {
	_ = s.Status.Fail(context.WithoutCancel(ctx), jobID, reason)
}

// bodyReader remembers read errors so they can be told apart from write errors.
type bodyReader struct {
	r   io.Reader
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF {
		b.err = err
	}
	return n, err
}
