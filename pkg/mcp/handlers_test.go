package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/crawldb/pkg/config"
	"github.com/Sriram-PR/crawldb/pkg/orchestrate"
)

func newTestServer(t *testing.T, seeds ...string) *Server {
	t.Helper()
	root := t.TempDir()
	cfg := &config.AppConfig{
		CrawlDBDir:  filepath.Join(root, "crawldb"),
		SegmentsDir: filepath.Join(root, "segments"),
		StateDir:    filepath.Join(root, "state"),
		StagingDir:  filepath.Join(root, "staging"),
		NumWorkers:  2,
	}
	_, err := cfg.Validate()
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	comp, err := orchestrate.NewComponents(cfg, testclock.NewClock(t0), logrus.NewEntry(logger))
	require.NoError(t, err)

	if len(seeds) > 0 {
		_, err = comp.Injector(comp.InjectOptions()).Inject(context.Background(),
			[]io.Reader{strings.NewReader(strings.Join(seeds, "\n"))}, false)
		require.NoError(t, err)
	}

	s, err := NewServer(&ServerConfig{Components: comp, Transport: "stdio", Logger: logger})
	require.NoError(t, err)
	return s
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

// decode returns the JSON payload of a successful tool result.
func decode(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotNil(t, res)
	require.False(t, res.IsError, "tool returned an error: %s", resultText(t, res))
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	return out
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestNewServer_RequiresComponents(t *testing.T) {
	_, err := NewServer(&ServerConfig{})
	require.Error(t, err)
}

func TestRun_UnknownTransport(t *testing.T) {
	s := newTestServer(t)
	s.cfg.Transport = "carrier-pigeon"
	err := s.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
}

func TestHandleStats(t *testing.T) {
	ctx := context.Background()

	empty := newTestServer(t)
	res, err := empty.handleStats(ctx, callRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, float64(0), decode(t, res)["total"])

	s := newTestServer(t, "http://a.com/", "http://b.com/")
	res, err = s.handleStats(ctx, callRequest(nil))
	require.NoError(t, err)
	out := decode(t, res)
	assert.Equal(t, float64(2), out["total"])
	assert.Equal(t, float64(2), out["by_status"].(map[string]any)["db_unfetched"])
}

func TestHandleGetRecord(t *testing.T) {
	s := newTestServer(t, "http://a.com/")
	ctx := context.Background()

	res, err := s.handleGetRecord(ctx, callRequest(map[string]any{"url": "http://a.com/"}))
	require.NoError(t, err)
	out := decode(t, res)
	assert.Equal(t, true, out["found"])
	assert.Equal(t, "db_unfetched", out["record"].(map[string]any)["status"])

	res, err = s.handleGetRecord(ctx, callRequest(map[string]any{"url": "http://missing.com/"}))
	require.NoError(t, err)
	assert.Equal(t, false, decode(t, res)["found"])

	res, err = s.handleGetRecord(ctx, callRequest(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleListURLs(t *testing.T) {
	s := newTestServer(t, "http://a.com/", "http://b.com/", "http://c.com/")
	ctx := context.Background()

	res, err := s.handleListURLs(ctx, callRequest(map[string]any{"max_results": float64(2)}))
	require.NoError(t, err)
	out := decode(t, res)
	assert.Len(t, out["urls"], 2)
	assert.Equal(t, float64(3), out["total"])
	assert.Equal(t, true, out["truncated"])

	res, err = s.handleListURLs(ctx, callRequest(map[string]any{"status": "db_fetched"}))
	require.NoError(t, err)
	out = decode(t, res)
	assert.Empty(t, out["urls"])
	assert.Equal(t, "db_fetched", out["status"])

	res, err = s.handleListURLs(ctx, callRequest(map[string]any{"status": "fetch_success"}))
	require.NoError(t, err)
	assert.True(t, res.IsError, "fetch statuses are never stored")
}

func waitForJob(t *testing.T, s *Server, jobID string) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		job = s.jobManager.GetJob(jobID)
		return job != nil && !job.active()
	}, 10*time.Second, 10*time.Millisecond)
	return job
}

func TestHandleRunStep_GenerateThenListSegments(t *testing.T) {
	s := newTestServer(t, "http://a.com/", "http://b.com/")
	ctx := context.Background()

	res, err := s.handleRunStep(ctx, callRequest(map[string]any{"step": "generate"}))
	require.NoError(t, err)
	out := decode(t, res)
	assert.Equal(t, "started", out["status"])
	jobID := out["job_id"].(string)

	job := waitForJob(t, s, jobID)
	assert.Equal(t, JobStatusCompleted, job.Status, job.ErrorMessage)
	require.Len(t, job.Segments, 1)

	res, err = s.handleGetJobStatus(ctx, callRequest(map[string]any{"job_id": jobID}))
	require.NoError(t, err)
	status := decode(t, res)
	assert.Equal(t, "completed", status["status"])
	assert.Contains(t, status, "counters")

	res, err = s.handleListSegments(ctx, callRequest(nil))
	require.NoError(t, err)
	segs := decode(t, res)
	assert.Equal(t, float64(1), segs["total"])

	// Nothing was fetched yet.
	res, err = s.handleListSegments(ctx, callRequest(map[string]any{"pending_only": true}))
	require.NoError(t, err)
	assert.Equal(t, float64(0), decode(t, res)["total"])
}

func TestHandleRunStep_Cycle(t *testing.T) {
	s := newTestServer(t, "http://a.com/")

	res, err := s.handleRunStep(context.Background(), callRequest(map[string]any{"step": "cycle"}))
	require.NoError(t, err)
	job := waitForJob(t, s, decode(t, res)["job_id"].(string))
	assert.Equal(t, JobStatusCompleted, job.Status, job.ErrorMessage)
	assert.Equal(t, "cycle", job.Step)
}

func TestHandleRunStep_Errors(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleRunStep(ctx, callRequest(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleRunStep(ctx, callRequest(map[string]any{"step": "fetch"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "fetch")
}

func TestHandleRunStep_AlreadyRunning(t *testing.T) {
	s := newTestServer(t)
	existing, err := s.jobManager.CreateJob("dedup", false)
	require.NoError(t, err)

	res, err := s.handleRunStep(context.Background(), callRequest(map[string]any{"step": "dedup"}))
	require.NoError(t, err)
	out := decode(t, res)
	assert.Equal(t, "already_running", out["status"])
	assert.Equal(t, existing.ID, out["job_id"])
}

func TestHandleJobStatusAndCancel(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleGetJobStatus(ctx, callRequest(map[string]any{"job_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	job, err := s.jobManager.CreateJob("update", false)
	require.NoError(t, err)
	res, err = s.handleCancelJob(ctx, callRequest(map[string]any{"job_id": job.ID}))
	require.NoError(t, err)
	assert.Equal(t, true, decode(t, res)["cancelled"])

	res, err = s.handleCancelJob(ctx, callRequest(map[string]any{"job_id": job.ID}))
	require.NoError(t, err)
	assert.Equal(t, false, decode(t, res)["cancelled"])

	require.NoError(t, s.Shutdown(ctx))
}

func TestFirstLines(t *testing.T) {
	buf := bytes.NewBufferString("a\n\nb\nc\n")
	assert.Equal(t, []string{"a", "b"}, firstLines(buf, 2))
	assert.Empty(t, firstLines(bytes.NewBufferString(""), 5))
}

func TestFormatJSON(t *testing.T) {
	assert.JSONEq(t, `{"a": 1}`, formatJSON(map[string]int{"a": 1}))
	assert.Contains(t, formatJSON(make(chan int)), "error")
}
