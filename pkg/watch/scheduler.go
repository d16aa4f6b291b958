// Package watch runs crawl cycles on a schedule and persists what each
// step last did.
package watch

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/orchestrate"
	"github.com/Sriram-PR/crawldb/pkg/segment"
)

// Scheduler runs a crawl cycle every interval, and sooner when fetched
// segments are waiting to be applied.
type Scheduler struct {
	orch         *orchestrate.Orchestrator
	steps        []orchestrate.Step
	segmentsDir  string
	interval     time.Duration
	clk          clock.Clock
	log          *logrus.Entry
	stateManager *StateManager

	mu     sync.Mutex // Serializes cycles
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a new watch scheduler
func NewScheduler(comp *orchestrate.Components, steps []orchestrate.Step, interval time.Duration, log *logrus.Entry) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	if len(steps) == 0 {
		steps = orchestrate.DefaultSteps
	}

	return &Scheduler{
		orch:         orchestrate.NewOrchestrator(comp, false, log),
		steps:        steps,
		segmentsDir:  comp.Config.SegmentsDir,
		interval:     interval,
		clk:          comp.Clock,
		log:          log.WithField("component", "watch"),
		stateManager: NewStateManager(comp.Config.StateDir, comp.Clock),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// State returns the scheduler's state manager
func (s *Scheduler) State() *StateManager { return s.stateManager }

// Run starts the watch scheduler and blocks until stopped
func (s *Scheduler) Run() error {
	// Load existing state
	if err := s.stateManager.Load(); err != nil {
		s.log.Warnf("Failed to load watch state: %v (starting fresh)", err)
	}

	s.log.Infof("Starting watch mode: steps %v every %s", s.steps, FormatInterval(s.interval))
	s.logSchedule()

	// Run initial cycle if it is due
	s.RunDue(s.ctx)

	tick := s.calculateTickInterval()
	for {
		select {
		case <-s.ctx.Done():
			s.log.Info("Watch scheduler shutting down...")
			return nil
		case <-s.clk.After(tick):
			s.RunDue(s.ctx)
		}
	}
}

// Stop stops the watch scheduler; a running cycle is interrupted and rolled back
func (s *Scheduler) Stop() {
	s.log.Info("Stopping watch scheduler...")
	s.cancel()
}

// RunDue runs one cycle when it is due and reports whether it ran.
func (s *Scheduler) RunDue(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	reason := s.dueReason()
	if reason == "" {
		s.logNextRun()
		return false
	}
	s.log.Infof("Running crawl cycle (%s)", reason)

	results, err := s.orch.RunCycle(ctx, s.steps...)
	for _, r := range results {
		state := StepState{
			LastRunTime:    s.clk.Now(),
			LastRunSuccess: r.Success,
			Skipped:        r.Skipped,
			Segments:       r.Segments,
		}
		if r.Counters != nil {
			state.Counters = r.Counters.Snapshot()
		}
		if r.Error != nil {
			state.ErrorMessage = r.Error.Error()
		}
		s.stateManager.UpdateStepState(string(r.Step), state)
	}
	if err != nil {
		s.log.Errorf("Crawl cycle finished with errors: %v", err)
	}
	s.stateManager.RecordCycle()

	// Save state
	if err := s.stateManager.Save(); err != nil {
		s.log.Errorf("Failed to save watch state: %v", err)
	}

	s.logNextRun()
	return true
}

// dueReason explains why a cycle should run now, or returns "".
func (s *Scheduler) dueReason() string {
	if s.stateManager.ShouldRun(s.interval) {
		return "interval elapsed"
	}
	if !slices.Contains(s.steps, orchestrate.StepUpdate) {
		return ""
	}
	pending, err := segment.Pending(s.segmentsDir)
	if err != nil {
		s.log.Warnf("Cannot list segments: %v", err)
		return ""
	}
	if len(pending) > 0 {
		return fmt.Sprintf("%d fetched segments waiting", len(pending))
	}
	return ""
}

// calculateTickInterval returns how often to check for due cycles
func (s *Scheduler) calculateTickInterval() time.Duration {
	// Check at least every minute, or every 1/10th of the interval
	checkInterval := s.interval / 10
	if checkInterval < time.Minute {
		checkInterval = time.Minute
	}
	if checkInterval > 10*time.Minute {
		checkInterval = 10 * time.Minute
	}
	return checkInterval
}

// logSchedule logs the current schedule
func (s *Scheduler) logSchedule() {
	s.log.Info("Watch schedule:")
	states := s.stateManager.GetAllStepStates()
	for _, step := range s.steps {
		state, exists := states[string(step)]
		if !exists {
			s.log.Infof("  %s: never run", step)
			continue
		}
		status := "success"
		switch {
		case !state.LastRunSuccess:
			status = "failed"
		case state.Skipped:
			status = "skipped"
		}
		s.log.Infof("  %s: last run %v (%s)", step, state.LastRunTime.Format(time.RFC3339), status)
	}
	s.logNextRun()
}

// logNextRun logs when the next run will occur
func (s *Scheduler) logNextRun() {
	next := s.stateManager.GetNextRunTime(s.interval)
	until := next.Sub(s.clk.Now())
	if until < 0 {
		until = 0
	}
	s.log.Infof("Next cycle in %v (at %s)", until.Round(time.Second), next.Format("15:04:05"))
}

// GetStatus returns the current status of the watched cycle
func (s *Scheduler) GetStatus() Status {
	return Status{
		Steps:       s.stateManager.GetAllStepStates(),
		Cycles:      s.stateManager.Cycles(),
		NextRunTime: s.stateManager.GetNextRunTime(s.interval),
		Interval:    s.interval,
	}
}

// Status contains the status of the watched cycle
type Status struct {
	Steps       map[string]StepState
	Cycles      int64
	NextRunTime time.Time
	Interval    time.Duration
}

// FormatInterval formats a duration for display
func FormatInterval(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		if mins > 0 {
			return fmt.Sprintf("%dh%dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	if hours > 0 {
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	return fmt.Sprintf("%dd", days)
}

// ParseInterval parses a duration string with support for days
func ParseInterval(s string) (time.Duration, error) {
	// Try standard parsing first
	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	// Check for day suffix
	var days int
	var remaining string
	n, _ := fmt.Sscanf(s, "%dd%s", &days, &remaining)
	if n >= 1 {
		d = time.Duration(days) * 24 * time.Hour
		if remaining != "" {
			extra, err := time.ParseDuration(remaining)
			if err != nil {
				return 0, fmt.Errorf("invalid interval format: %s", s)
			}
			d += extra
		}
		return d, nil
	}

	return 0, fmt.Errorf("invalid interval format: %s (examples: 30m, 1h, 24h, 7d)", s)
}
