package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gazette-cli/internal/model"
)

// Refusal reasons for stages that must not start.
const (
	ReasonAlreadyDone    = "already done"
	ReasonAlreadyRunning = "already running"
	ReasonAlreadyFailed  = "already failed for this run date"
)

// RunDateLayout is the calendar run-date format.
const RunDateLayout = "2006-01-02"

// Config tunes dependency polling.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	MaxWait      time.Duration `yaml:"max_wait" mapstructure:"max_wait"`
	StallAfter   time.Duration `yaml:"stall_after" mapstructure:"stall_after"`
	Timezone     string        `yaml:"timezone" mapstructure:"timezone"`
}

// Decision is the answer to a scheduler asking whether a stage may run.
type Decision struct {
	CanProceed bool   `json:"can_proceed"`
	Reason     string `json:"reason,omitempty"`
	RunID      int64  `json:"run_id,omitempty"`
}

func refuse(reason string) Decision {
	return Decision{Reason: reason}
}

// Clock abstracts time for the polling loop.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// Coordinator decides whether a stage may start for a run date. The durable
// stage record is the only lock; no state is held in memory between calls.
type Coordinator struct {
	store Store
	defs  *Definitions
	cfg   Config
	loc   *time.Location
	clock Clock
	log   *zap.Logger
}

// NewCoordinator creates a Coordinator. Zero durations fall back to a 30s
// poll interval and a 2h maximum wait.
func NewCoordinator(store Store, defs *Definitions, cfg Config, opts ...Option) (*Coordinator, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 2 * time.Hour
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return nil, eris.Wrapf(err, "stage: load timezone %s", cfg.Timezone)
		}
	}
	if defs == nil {
		defs = DefaultDefinitions()
	}

	c := &Coordinator{
		store: store,
		defs:  defs,
		cfg:   cfg,
		loc:   loc,
		clock: realClock{},
		log:   zap.L().With(zap.String("component", "stage_coordinator")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RunDate formats t as a calendar run date in loc.
func RunDate(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(RunDateLayout)
}

// Today returns the current run date in the coordinator's time zone.
func (c *Coordinator) Today() string {
	return RunDate(c.clock.Now(), c.loc)
}

// Definitions returns the pipelines the coordinator gates.
func (c *Coordinator) Definitions() *Definitions {
	return c.defs
}

// TryStart applies the entry contract for stage on runDate. Refusals are
// returned as decisions, not errors; errors mean the store or context failed.
func (c *Coordinator) TryStart(ctx context.Context, stage, runDate string) (Decision, error) {
	deps, ok := c.defs.Lookup(stage)
	if !ok {
		return Decision{}, eris.Wrapf(ErrUnknownStage, "%q", stage)
	}
	if _, err := time.Parse(RunDateLayout, runDate); err != nil {
		return Decision{}, eris.Wrapf(err, "stage: invalid run date %q", runDate)
	}
	log := c.log.With(zap.String("stage", stage), zap.String("run_date", runDate))

	existing, err := c.store.Get(ctx, stage, runDate)
	if err != nil {
		return Decision{}, err
	}
	if existing != nil {
		switch existing.Status {
		case model.StageCompleted:
			return refuse(ReasonAlreadyDone), nil
		case model.StageRunning:
			return refuse(ReasonAlreadyRunning), nil
		default:
			return refuse(ReasonAlreadyFailed), nil
		}
	}

	for _, dep := range deps {
		reason, err := c.awaitDependency(ctx, log, dep, runDate)
		if err != nil {
			return Decision{}, err
		}
		if reason != "" {
			log.Info("stage: start refused", zap.String("reason", reason))
			return refuse(reason), nil
		}
	}

	id, inserted, err := c.store.InsertRunning(ctx, stage, runDate, c.clock.Now())
	if err != nil {
		return Decision{}, err
	}
	if !inserted {
		return refuse(ReasonAlreadyRunning), nil
	}
	log.Info("stage: started", zap.Int64("run_id", id))
	return Decision{CanProceed: true, RunID: id}, nil
}

// awaitDependency polls until dep completes. It returns a non-empty refusal
// reason when dep failed or did not complete within MaxWait.
func (c *Coordinator) awaitDependency(ctx context.Context, log *zap.Logger, dep, runDate string) (string, error) {
	deadline := c.clock.Now().Add(c.cfg.MaxWait)
	stalled := false
	polls := 0

	for {
		run, err := c.store.Get(ctx, dep, runDate)
		if err != nil {
			return "", err
		}
		polls++

		state := "not started"
		if run != nil {
			switch run.Status {
			case model.StageCompleted:
				return "", nil
			case model.StageFailed:
				return fmt.Sprintf("dependency %s failed", dep), nil
			case model.StageRunning:
				state = "running"
				if c.cfg.StallAfter > 0 && c.clock.Now().Sub(run.StartedAt) > c.cfg.StallAfter {
					state = fmt.Sprintf("stalled, running since %s", run.StartedAt.UTC().Format(time.RFC3339))
					if !stalled {
						stalled = true
						log.Warn("stage: dependency appears stalled",
							zap.String("dependency", dep),
							zap.Time("dependency_started_at", run.StartedAt),
						)
					}
				}
			}
		}

		if !c.clock.Now().Before(deadline) {
			return fmt.Sprintf("timed out after %s waiting for dependency %s (%s)", c.cfg.MaxWait, dep, state), nil
		}
		if polls == 1 {
			log.Info("stage: waiting for dependency", zap.String("dependency", dep), zap.String("state", state))
		}
		if err := c.clock.Sleep(ctx, c.cfg.PollInterval); err != nil {
			return "", eris.Wrapf(err, "stage: waiting for %s", dep)
		}
	}
}

// Complete marks a run completed with its summary.
func (c *Coordinator) Complete(ctx context.Context, runID int64, summary map[string]any) error {
	if err := c.store.Complete(ctx, runID, summary, c.clock.Now()); err != nil {
		return err
	}
	c.log.Info("stage: completed", zap.Int64("run_id", runID))
	return nil
}

// Fail marks a run failed with the errors that caused it.
func (c *Coordinator) Fail(ctx context.Context, runID int64, errs []string) error {
	if err := c.store.Fail(ctx, runID, errs, c.clock.Now()); err != nil {
		return err
	}
	c.log.Warn("stage: failed", zap.Int64("run_id", runID), zap.Strings("errors", errs))
	return nil
}

// Status lists all runs for runDate.
func (c *Coordinator) Status(ctx context.Context, runDate string) ([]model.StageRun, error) {
	return c.store.List(ctx, runDate)
}
