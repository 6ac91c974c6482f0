package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/joseph-ayodele/secateur/internal/cache"
	"github.com/joseph-ayodele/secateur/internal/common"
	"github.com/joseph-ayodele/secateur/internal/entity"
	"github.com/joseph-ayodele/secateur/internal/ingest"
	"github.com/joseph-ayodele/secateur/internal/storage"
)

// EventLister reads the job-event ledger.
type EventLister interface {
	List(ctx context.Context, jobID string) ([]entity.JobEvent, error)
}

const fetchChunkSize = 32 << 10

type JobsService struct {
	intake  *ingest.Coordinator
	status  *cache.StatusTracker
	results storage.BlobStore
	history EventLister
	logger  *slog.Logger
}

// NewJobsService wires the front-end. history may be nil when no ledger is configured.
func NewJobsService(intake *ingest.Coordinator, st *cache.StatusTracker, results storage.BlobStore, history EventLister, logger *slog.Logger) *JobsService {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobsService{intake: intake, status: st, results: results, history: history, logger: logger}
}

func (s *JobsService) Submit(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	raw := strings.TrimPrefix(req.GetValue(), "?")
	if raw == "" {
		return nil, common.InvalidArgumentError("query is required")
	}
	jobID, err := s.intake.SubmitQuery(ctx, raw)
	if err != nil {
		return nil, common.ToStatus(err)
	}
	return wrapperspb.String(jobID), nil
}

func (s *JobsService) Status(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	jobID, err := jobIDFrom(req)
	if err != nil {
		return nil, err
	}
	rec, _, err := s.status.Get(ctx, jobID)
	if err != nil {
		s.logger.Error("status lookup failed", "job_id", jobID, "error", err)
		return nil, common.InternalErrorf("status lookup failed for job %s", jobID)
	}
	return structpb.NewStruct(map[string]any{
		"job_id":   jobID,
		"stage":    string(rec.Stage),
		"progress": rec.Stage.Progress(),
		"reason":   rec.Reason,
	})
}

// Fetch streams the artifact whenever it exists, regardless of status: a
// record may have expired long after the artifact was written.
func (s *JobsService) Fetch(req *wrapperspb.StringValue, stream FetchStream) error {
	jobID, err := jobIDFrom(req)
	if err != nil {
		return err
	}
	ctx := stream.Context()
	rc, err := s.results.Open(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return common.NotFoundError("no artifact for job " + jobID)
	}
	if err != nil {
		s.logger.Error("artifact open failed", "job_id", jobID, "error", err)
		return common.InternalErrorf("artifact unavailable for job %s", jobID)
	}
	defer rc.Close()

	buf := make([]byte, fetchChunkSize)
	var sent int64
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			if serr := stream.Send(wrapperspb.Bytes(buf[:n])); serr != nil {
				return serr
			}
			sent += int64(n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.logger.Error("artifact read failed", "job_id", jobID, "error", err)
			return common.InternalErrorf("artifact read failed for job %s", jobID)
		}
	}
	s.logger.Debug("artifact served", "job_id", jobID, "bytes", sent)
	return nil
}

func (s *JobsService) History(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if s.history == nil {
		return nil, status.Error(codes.Unimplemented, "job history requires a ledger")
	}
	jobID, err := jobIDFrom(req)
	if err != nil {
		return nil, err
	}
	events, err := s.history.List(ctx, jobID)
	if err != nil {
		s.logger.Error("history lookup failed", "job_id", jobID, "error", err)
		return nil, common.InternalErrorf("history lookup failed for job %s", jobID)
	}
	list := make([]any, 0, len(events))
	for _, e := range events {
		list = append(list, map[string]any{
			"stage":  string(e.Stage),
			"reason": e.Reason,
			"at":     e.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return structpb.NewStruct(map[string]any{"job_id": jobID, "events": list})
}

func jobIDFrom(req *wrapperspb.StringValue) (string, error) {
	id := strings.TrimSpace(req.GetValue())
	if id == "" {
		return "", common.InvalidArgumentError("job_id is required")
	}
	if err := storage.ValidateKey(id); err != nil {
		return "", common.InvalidArgumentErrorf("invalid job_id %q", id)
	}
	return id, nil
}

// RequestIDInterceptor tags each call with the caller's x-request-id, or a
// fresh one, and logs the outcome.
func RequestIDInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		id := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get("x-request-id"); len(v) > 0 {
				id = v[0]
			}
		}
		if id == "" {
			id = uuid.NewString()
		}
		ctx = common.WithRequestID(ctx, id)
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc call",
			"method", info.FullMethod,
			"request_id", id,
			"code", status.Code(err).String(),
			"duration", time.Since(start),
		)
		return resp, err
	}
}
