package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/secateur/constants"
	"github.com/joseph-ayodele/secateur/internal/common"
	"github.com/joseph-ayodele/secateur/internal/entity"
)

const jobEventsTable = "job_events"

// JobEventRepository is the append-only job-event ledger.
type JobEventRepository interface {
	Record(ctx context.Context, jobID string, stage constants.Stage, reason string) error
	List(ctx context.Context, jobID string) ([]entity.JobEvent, error)
}

type jobEventRepo struct {
	db  *DB
	log *slog.Logger
	now func() time.Time
}

func NewJobEventRepository(db *DB, log *slog.Logger) JobEventRepository {
	if log == nil {
		log = slog.Default()
	}
	return &jobEventRepo{db: db, log: log, now: time.Now}
}

func (r *jobEventRepo) Record(ctx context.Context, jobID string, stage constants.Stage, reason string) error {
	query, args := entsql.Dialect(r.db.Dialect).
		Insert(jobEventsTable).
		Columns("job_id", "stage", "reason", "created_at").
		Values(jobID, string(stage), reason, r.now().UTC().UnixNano()).
		Query()
	if err := r.db.Driver.Exec(ctx, query, args, nil); err != nil {
		r.log.Error("job_event insert failed", "job_id", jobID, "stage", stage, "err", err)
		return fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	return nil
}

func (r *jobEventRepo) List(ctx context.Context, jobID string) ([]entity.JobEvent, error) {
	b := entsql.Dialect(r.db.Dialect)
	query, args := b.Select("id", "job_id", "stage", "reason", "created_at").
		From(b.Table(jobEventsTable)).
		Where(entsql.EQ("job_id", jobID)).
		OrderBy("id").
		Query()

	var rows entsql.Rows
	if err := r.db.Driver.Query(ctx, query, args, &rows); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	defer rows.Close()

	var events []entity.JobEvent
	for rows.Next() {
		var (
			e       entity.JobEvent
			stage   string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.JobID, &stage, &e.Reason, &created); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrDatabase, err)
		}
		e.Stage = constants.ParseStage(stage)
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	return events, nil
}
