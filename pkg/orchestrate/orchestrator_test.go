package orchestrate

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/crawldb/pkg/config"
	"github.com/Sriram-PR/crawldb/pkg/models"
	"github.com/Sriram-PR/crawldb/pkg/segment"
	"github.com/Sriram-PR/crawldb/pkg/utils"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testComponents(t *testing.T, mutate func(*config.AppConfig)) (*Components, *testclock.Clock) {
	t.Helper()
	root := t.TempDir()
	cfg := &config.AppConfig{
		CrawlDBDir:  filepath.Join(root, "crawldb"),
		SegmentsDir: filepath.Join(root, "segments"),
		StateDir:    filepath.Join(root, "state"),
		StagingDir:  filepath.Join(root, "staging"),
		NumWorkers:  2,
		Partition:   config.PartitionConfig{Seed: 11},
	}
	if mutate != nil {
		mutate(cfg)
	}
	_, err := cfg.Validate()
	require.NoError(t, err)

	clk := testclock.NewClock(t0)
	comp, err := NewComponents(cfg, clk, testLogger())
	require.NoError(t, err)
	return comp, clk
}

func inject(t *testing.T, comp *Components, lines ...string) {
	t.Helper()
	_, err := comp.Injector(comp.InjectOptions()).Inject(context.Background(),
		[]io.Reader{strings.NewReader(strings.Join(lines, "\n"))}, false)
	require.NoError(t, err)
}

func TestParseSteps(t *testing.T) {
	steps, err := ParseSteps(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultSteps, steps)

	steps, err = ParseSteps([]string{"Generate", " update "})
	require.NoError(t, err)
	assert.Equal(t, []Step{StepGenerate, StepUpdate}, steps)

	_, err = ParseSteps([]string{"fetch"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch")
}

func TestNewComponents_UsesConfiguredPolicies(t *testing.T) {
	comp, _ := testComponents(t, func(c *config.AppConfig) {
		c.Schedule.Class = "adaptive"
		c.Scoring.Class = "none"
		c.Signature.Class = "text-profile"
		c.Partition.Mode = "domain"
	})
	assert.Equal(t, "none", comp.Scoring.Name())
	assert.Equal(t, "text-profile", comp.Signature.Name())
	assert.Equal(t, "domain", string(comp.Partitioner.Mode()))
	assert.Equal(t, uint64(11), comp.Partitioner.Seed())
	assert.True(t, comp.Merge.AdditionsAllowed())
	assert.Equal(t, float32(1), comp.InjectOptions().Score)
}

func TestRunCycle_GenerateThenApplyFetchedSegment(t *testing.T) {
	comp, clk := testComponents(t, nil)
	inject(t, comp, "http://a.com/", "http://b.com/")
	orch := NewOrchestrator(comp, false, testLogger())

	results, err := orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Skipped, "no segments to apply yet")
	assert.True(t, results[1].Success)
	require.Len(t, results[2].Segments, 1)
	assert.False(t, Failed(results))

	segDir := results[2].Segments[0]
	fetchTime := t0.Add(time.Hour)
	var lines []string
	for _, u := range []string{"http://a.com/", "http://b.com/"} {
		b, err := json.Marshal(segment.Outcome{URL: u, Status: "success", FetchTime: fetchTime, Content: "same body"})
		require.NoError(t, err)
		lines = append(lines, string(b))
	}
	require.NoError(t, os.WriteFile(filepath.Join(segDir, segment.OutcomesFile), []byte(strings.Join(lines, "\n")+"\n"), 0644))

	clk.Advance(2 * time.Hour)
	results, err = orch.RunCycle(context.Background(), StepUpdate, StepDedup)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []string{segDir}, results[0].Segments)
	assert.True(t, segment.IsApplied(segDir))

	reader := comp.Reader()
	a, found, err := reader.Get("http://a.com/")
	require.NoError(t, err)
	require.True(t, found)
	b, found, err := reader.Get("http://b.com/")
	require.NoError(t, err)
	require.True(t, found)

	// Same content: the shorter URL survives, the other is marked duplicate.
	statuses := []models.Status{a.Status, b.Status}
	assert.Contains(t, statuses, models.StatusDBFetched)
	assert.Contains(t, statuses, models.StatusDBDuplicate)
}

func TestRunCycle_AggregatesStepFailures(t *testing.T) {
	comp, _ := testComponents(t, nil)
	inject(t, comp, "http://a.com/")

	lock, err := comp.DB.Lock("other", false)
	require.NoError(t, err)

	results, err := NewOrchestrator(comp, false, testLogger()).RunCycle(context.Background(), StepDedup, StepGenerate)
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrCycleAborted)
	assert.ErrorIs(t, err, utils.ErrLocked)
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.True(t, Failed(results))

	require.NoError(t, lock.Release())
	results, err = NewOrchestrator(comp, false, testLogger()).RunCycle(context.Background(), StepGenerate)
	require.NoError(t, err)
	assert.Len(t, results[0].Segments, 1)
}

func TestRunCycle_CanceledContext(t *testing.T) {
	comp, _ := testComponents(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := NewOrchestrator(comp, false, testLogger()).RunCycle(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
}
