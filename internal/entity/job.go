package entity

import (
	"time"

	"github.com/joseph-ayodele/secateur/constants"
)

// Filter is a (column, value) predicate. Column is a field name in headered
// mode and a 1-based position in headerless mode.
type Filter struct {
	Column string `json:"column"`
	Value  string `json:"value"`
}

// Descriptor carries everything a stage needs to process one job.
type Descriptor struct {
	URL           string   `json:"url"`
	Filters       []Filter `json:"filters"`
	JobID         string   `json:"job_id"`
	SourceID      string   `json:"source_id"`
	ForceDownload bool     `json:"force_download"`
	ForceReduce   bool     `json:"force_reduce"`
	NoHeaders     bool     `json:"no_headers"`
}

// StatusRecord is the decoded value of a status-store entry.
type StatusRecord struct {
	Stage  constants.Stage
	Reason string
}

// JobEvent is one row of the job-event ledger.
type JobEvent struct {
	ID        int64
	JobID     string
	Stage     constants.Stage
	Reason    string
	CreatedAt time.Time
}
