package constants

// Stage is the status value stored for a job in the status store.
type Stage string

// Stable values (store these exact strings).
const (
	StageUnknown  Stage = "UNKNOWN"  // no record: never started, or evicted by TTL
	StageFetching Stage = "FETCHING" // source download in progress
	StageReducing Stage = "REDUCING" // normalization in progress
	StageComplete Stage = "COMPLETE" // result artifact published
	StageFailed   Stage = "FAILED"   // terminal failure for this attempt
)

// Progress is the coarse client-facing view of a stage.
func (s Stage) Progress() string {
	switch s {
	case StageFetching, StageReducing:
		return "in-progress"
	case StageComplete:
		return "complete"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseStage maps a stored value back to a Stage. Unrecognised values are unknown.
func ParseStage(v string) Stage {
	switch s := Stage(v); s {
	case StageFetching, StageReducing, StageComplete, StageFailed:
		return s
	default:
		return StageUnknown
	}
}
