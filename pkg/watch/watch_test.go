package watch

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/config"
	"github.com/Sriram-PR/crawldb/pkg/orchestrate"
	"github.com/Sriram-PR/crawldb/pkg/segment"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParseInterval(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"1h", time.Hour, false},
		{"24h", 24 * time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"1d12h", 36 * time.Hour, false},
		{"2d6h", 54 * time.Hour, false},
		{"invalid", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseInterval(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseInterval(%q) expected error, got nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Errorf("ParseInterval(%q) unexpected error: %v", tt.input, err)
				return
			}
			if got != tt.expected {
				t.Errorf("ParseInterval(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFormatInterval(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{time.Hour, "1h"},
		{90 * time.Minute, "1h30m"},
		{24 * time.Hour, "1d"},
		{36 * time.Hour, "1d12h"},
		{7 * 24 * time.Hour, "7d"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			got := FormatInterval(tt.input)
			if got != tt.expected {
				t.Errorf("FormatInterval(%v) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestStateManager(t *testing.T) {
	tmpDir := t.TempDir()
	clk := testclock.NewClock(t0)
	sm := NewStateManager(tmpDir, clk)

	if err := sm.Load(); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if !sm.ShouldRun(time.Hour) {
		t.Error("ShouldRun() should return true before the first cycle")
	}

	sm.UpdateStepState("generate", StepState{LastRunSuccess: true, Segments: []string{"seg-1"}})
	sm.RecordCycle()

	if sm.ShouldRun(time.Hour) {
		t.Error("ShouldRun() should return false immediately after a cycle")
	}
	clk.Advance(time.Hour)
	if !sm.ShouldRun(time.Hour) {
		t.Error("ShouldRun() should return true once the interval has elapsed")
	}

	state, ok := sm.GetStepState("generate")
	if !ok {
		t.Fatal("GetStepState() should return true for a recorded step")
	}
	if !state.LastRunTime.Equal(t0) {
		t.Errorf("LastRunTime = %v, want %v", state.LastRunTime, t0)
	}

	if err := sm.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, stateFileName)); os.IsNotExist(err) {
		t.Error("State file should exist after Save()")
	}
	if _, err := os.Stat(filepath.Join(tmpDir, stateFileName+".tmp")); !os.IsNotExist(err) {
		t.Error("Temp state file should be renamed away")
	}

	sm2 := NewStateManager(tmpDir, clk)
	if err := sm2.Load(); err != nil {
		t.Fatalf("Load() from saved state failed: %v", err)
	}
	state2, ok := sm2.GetStepState("generate")
	if !ok {
		t.Fatal("GetStepState() should return true after Load()")
	}
	if len(state2.Segments) != 1 || state2.Segments[0] != "seg-1" {
		t.Errorf("Loaded Segments = %v, want [seg-1]", state2.Segments)
	}
	if sm2.Cycles() != 1 {
		t.Errorf("Loaded Cycles = %d, want 1", sm2.Cycles())
	}
}

func TestStateManagerLoadCorrupt(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, stateFileName), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := NewStateManager(tmpDir, nil).Load(); err == nil {
		t.Error("Load() should fail on a corrupt state file")
	}
}

func TestStateManagerGetAllStepStates(t *testing.T) {
	sm := NewStateManager(t.TempDir(), testclock.NewClock(t0))
	_ = sm.Load()

	sm.UpdateStepState("update", StepState{LastRunSuccess: true, Skipped: true})
	sm.UpdateStepState("dedup", StepState{LastRunSuccess: false, ErrorMessage: "locked"})
	sm.UpdateStepState("generate", StepState{LastRunSuccess: true})

	states := sm.GetAllStepStates()
	if len(states) != 3 {
		t.Errorf("GetAllStepStates() returned %d states, want 3", len(states))
	}
	if !states["update"].Skipped {
		t.Error("update should be marked skipped")
	}
	if states["dedup"].ErrorMessage != "locked" {
		t.Errorf("dedup ErrorMessage = %q, want 'locked'", states["dedup"].ErrorMessage)
	}

	// The returned map is a copy.
	delete(states, "update")
	if _, ok := sm.GetStepState("update"); !ok {
		t.Error("deleting from the returned map should not affect the manager")
	}
}

func TestStateManagerGetNextRunTime(t *testing.T) {
	clk := testclock.NewClock(t0)
	sm := NewStateManager(t.TempDir(), clk)
	_ = sm.Load()

	if got := sm.GetNextRunTime(time.Hour); !got.Equal(t0) {
		t.Errorf("GetNextRunTime() before any cycle = %v, want now (%v)", got, t0)
	}

	sm.RecordCycle()
	clk.Advance(10 * time.Minute)
	if got, want := sm.GetNextRunTime(time.Hour), t0.Add(time.Hour); !got.Equal(want) {
		t.Errorf("GetNextRunTime() = %v, want %v", got, want)
	}
}

func TestCalculateTickInterval(t *testing.T) {
	tests := []struct {
		interval time.Duration
		expected time.Duration
	}{
		{time.Minute, time.Minute},
		{30 * time.Minute, 3 * time.Minute},
		{24 * time.Hour, 10 * time.Minute},
	}
	for _, tt := range tests {
		s := &Scheduler{interval: tt.interval}
		if got := s.calculateTickInterval(); got != tt.expected {
			t.Errorf("calculateTickInterval(%v) = %v, want %v", tt.interval, got, tt.expected)
		}
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *orchestrate.Components, *testclock.Clock) {
	t.Helper()
	root := t.TempDir()
	cfg := &config.AppConfig{
		CrawlDBDir:  filepath.Join(root, "crawldb"),
		SegmentsDir: filepath.Join(root, "segments"),
		StateDir:    filepath.Join(root, "state"),
		StagingDir:  filepath.Join(root, "staging"),
		NumWorkers:  2,
	}
	if _, err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	log := logrus.NewEntry(logger)

	clk := testclock.NewClock(t0)
	comp, err := orchestrate.NewComponents(cfg, clk, log)
	if err != nil {
		t.Fatalf("NewComponents() failed: %v", err)
	}
	_, err = comp.Injector(comp.InjectOptions()).Inject(context.Background(),
		[]io.Reader{strings.NewReader("http://a.com/\nhttp://b.com/\n")}, false)
	if err != nil {
		t.Fatalf("Inject() failed: %v", err)
	}
	return NewScheduler(comp, nil, time.Hour, log), comp, clk
}

func TestSchedulerRunDue(t *testing.T) {
	s, comp, clk := newTestScheduler(t)
	ctx := context.Background()

	if !s.RunDue(ctx) {
		t.Fatal("first RunDue() should run a cycle")
	}
	gen, ok := s.State().GetStepState(string(orchestrate.StepGenerate))
	if !ok || !gen.LastRunSuccess {
		t.Fatalf("generate state = %+v, want a successful run", gen)
	}
	if len(gen.Segments) != 1 {
		t.Fatalf("generate created %d segments, want 1", len(gen.Segments))
	}
	if upd, _ := s.State().GetStepState(string(orchestrate.StepUpdate)); !upd.Skipped {
		t.Error("update should be skipped when nothing was fetched")
	}

	if s.RunDue(ctx) {
		t.Error("RunDue() should not run again before the interval with nothing pending")
	}

	// A fetched segment makes the next cycle due early.
	segDir := gen.Segments[0]
	var lines []string
	for _, u := range []string{"http://a.com/", "http://b.com/"} {
		b, err := json.Marshal(segment.Outcome{URL: u, Status: "success", FetchTime: t0, Content: u})
		if err != nil {
			t.Fatal(err)
		}
		lines = append(lines, string(b))
	}
	if err := os.WriteFile(filepath.Join(segDir, segment.OutcomesFile), []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Minute)
	if !s.RunDue(ctx) {
		t.Fatal("RunDue() should run when a fetched segment is pending")
	}
	upd, _ := s.State().GetStepState(string(orchestrate.StepUpdate))
	if !upd.LastRunSuccess || len(upd.Segments) != 1 {
		t.Errorf("update state = %+v, want one applied segment", upd)
	}
	if !segment.IsApplied(segDir) {
		t.Error("segment should be marked applied")
	}
	if upd.Counters == nil {
		t.Error("update counters should be recorded")
	}

	if s.RunDue(ctx) {
		t.Error("applied segments should not trigger another cycle")
	}
	clk.Advance(time.Hour)
	if !s.RunDue(ctx) {
		t.Error("RunDue() should run once the interval has elapsed")
	}

	status := s.GetStatus()
	if status.Cycles != 3 {
		t.Errorf("Cycles = %d, want 3", status.Cycles)
	}

	// State is persisted after every cycle.
	sm := NewStateManager(comp.Config.StateDir, clk)
	if err := sm.Load(); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if sm.Cycles() != 3 {
		t.Errorf("persisted Cycles = %d, want 3", sm.Cycles())
	}
}

func TestSchedulerStop(t *testing.T) {
	s, _, clk := newTestScheduler(t)

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	// Run blocks on the clock once the initial cycle is done.
	if err := clk.WaitAdvance(time.Minute, 5*time.Second, 1); err != nil {
		t.Fatalf("scheduler never waited on the clock: %v", err)
	}
	s.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after Stop()")
	}
}
