package watch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/clock"
)

const stateFileName = "watch_state.json"

// StepState contains the last run information for a cycle step
type StepState struct {
	LastRunTime    time.Time                   `json:"last_run_time"`
	LastRunSuccess bool                        `json:"last_run_success"`
	Skipped        bool                        `json:"skipped,omitempty"`
	Segments       []string                    `json:"segments,omitempty"`
	Counters       map[string]map[string]int64 `json:"counters,omitempty"`
	ErrorMessage   string                      `json:"error_message,omitempty"`
}

// WatchState contains the persistent state for the watch scheduler
type WatchState struct {
	Steps         map[string]StepState `json:"steps"`
	LastCycleTime time.Time            `json:"last_cycle_time"`
	Cycles        int64                `json:"cycles"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// StateManager handles persisting and loading watch state
type StateManager struct {
	stateDir  string
	statePath string
	clk       clock.Clock
	state     WatchState
	mu        sync.RWMutex
}

// NewStateManager creates a new state manager. clk may be nil for the wall clock.
func NewStateManager(stateDir string, clk clock.Clock) *StateManager {
	if clk == nil {
		clk = clock.WallClock
	}
	return &StateManager{
		stateDir:  stateDir,
		statePath: filepath.Join(stateDir, stateFileName),
		clk:       clk,
		state: WatchState{
			Steps: make(map[string]StepState),
		},
	}
}

// Load loads the state from disk
func (m *StateManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			// No state file yet, start fresh
			m.state = WatchState{
				Steps: make(map[string]StepState),
			}
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}

	if err := json.Unmarshal(data, &m.state); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}

	if m.state.Steps == nil {
		m.state.Steps = make(map[string]StepState)
	}

	return nil
}

// Save writes the state to disk through a temp file and rename.
func (m *StateManager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.UpdatedAt = m.clk.Now()

	// Ensure state directory exists
	if err := os.MkdirAll(m.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := m.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, m.statePath); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	return nil
}

// GetStepState returns the state for a specific step
func (m *StateManager) GetStepState(step string) (StepState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.state.Steps[step]
	return state, ok
}

// UpdateStepState stores the outcome of one step run
func (m *StateManager) UpdateStepState(step string, state StepState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state.LastRunTime.IsZero() {
		state.LastRunTime = m.clk.Now()
	}
	m.state.Steps[step] = state
}

// RecordCycle notes that a cycle finished.
func (m *StateManager) RecordCycle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.LastCycleTime = m.clk.Now()
	m.state.Cycles++
}

// Cycles returns how many cycles have been recorded
func (m *StateManager) Cycles() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Cycles
}

// ShouldRun checks if a cycle is due based on the interval
func (m *StateManager) ShouldRun(interval time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state.LastCycleTime.IsZero() {
		// Never run before, should run now
		return true
	}

	// Check if enough time has passed since last run
	return m.clk.Now().Sub(m.state.LastCycleTime) >= interval
}

// GetNextRunTime returns when the next cycle is due
func (m *StateManager) GetNextRunTime(interval time.Duration) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state.LastCycleTime.IsZero() {
		return m.clk.Now()
	}

	return m.state.LastCycleTime.Add(interval)
}

// GetAllStepStates returns all step states
func (m *StateManager) GetAllStepStates() map[string]StepState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Return a copy
	result := make(map[string]StepState, len(m.state.Steps))
	for k, v := range m.state.Steps {
		result[k] = v
	}
	return result
}
