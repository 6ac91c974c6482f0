package pipeline

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/joseph-ayodele/secateur/internal/async"
)

// Role selects which parts of the pipeline a process runs.
type Role string

const (
	RoleAll    Role = "all"
	RoleIntake Role = "intake"
	RoleFetch  Role = "fetch"
	RoleReduce Role = "reduce"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAll, RoleIntake, RoleFetch, RoleReduce:
		return r, nil
	case "":
		return RoleAll, nil
	default:
		return "", fmt.Errorf("unknown role %q (want all, intake, fetch or reduce)", s)
	}
}

func (r Role) ServesIntake() bool { return r == RoleAll || r == RoleIntake }
func (r Role) Fetches() bool      { return r == RoleAll || r == RoleFetch }
func (r Role) Reduces() bool      { return r == RoleAll || r == RoleReduce }

// Runner subscribes the stages a role needs to the bus.
type Runner struct {
	Logger *slog.Logger
	Bus    async.Bus
	Fetch  *FetchStage
	Reduce *ReduceStage
}

func NewRunner(logger *slog.Logger, bus async.Bus, fetch *FetchStage, reduce *ReduceStage) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{Logger: logger, Bus: bus, Fetch: fetch, Reduce: reduce}
}

// Start subscribes the stages for role. Consumption continues until the bus
// is shut down.
func (r *Runner) Start(role Role) error {
	if role.Fetches() {
		if r.Fetch == nil {
			return fmt.Errorf("role %s needs a fetch stage", role)
		}
		if err := r.Bus.Subscribe(async.TopicFetch, r.Fetch.Run); err != nil {
			return fmt.Errorf("subscribe fetch: %w", err)
		}
	}
	if role.Reduces() {
		if r.Reduce == nil {
			return fmt.Errorf("role %s needs a reduce stage", role)
		}
		if err := r.Bus.Subscribe(async.TopicReduce, r.Reduce.Run); err != nil {
			return fmt.Errorf("subscribe reduce: %w", err)
		}
	}
	r.Logger.Info("pipeline.started", "role", role)
	return nil
}
