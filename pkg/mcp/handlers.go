package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Sriram-PR/crawldb/pkg/crawldb"
	"github.com/Sriram-PR/crawldb/pkg/models"
	"github.com/Sriram-PR/crawldb/pkg/orchestrate"
	"github.com/Sriram-PR/crawldb/pkg/segment"
)

// stepCycle runs every default step in order.
const stepCycle = "cycle"

const (
	defaultMaxURLs = 100
	maxMaxURLs     = 1000
)

// handleStats handles the crawldb_stats tool
func (s *Server) handleStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.comp.Reader().Stats(ctx)
	if errors.Is(err, os.ErrNotExist) {
		return mcp.NewToolResultText(formatJSON(map[string]interface{}{
			"total":   0,
			"message": "crawl database is empty",
		})), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stats failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(stats)), nil
}

// handleGetRecord handles the get_record tool
func (s *Server) handleGetRecord(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url := request.GetString("url", "")
	if url == "" {
		return mcp.NewToolResultError("url parameter is required"), nil
	}

	rec, found, err := s.comp.Reader().Get(url)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return mcp.NewToolResultError(fmt.Sprintf("lookup failed: %v", err)), nil
	}
	if !found {
		return mcp.NewToolResultText(formatJSON(map[string]interface{}{
			"url":   url,
			"found": false,
		})), nil
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"url":    url,
		"found":  true,
		"record": rec,
	})), nil
}

// handleListURLs handles the list_urls tool
func (s *Server) handleListURLs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := models.StatusUnset
	if name := request.GetString("status", ""); name != "" {
		st, ok := models.ParseStatus(strings.ToLower(name))
		if !ok || !st.IsDB() {
			return mcp.NewToolResultError(fmt.Sprintf("status '%s' is not a crawl database status (known: %v)", name, models.DBStatuses())), nil
		}
		status = st
	}
	maxResults := request.GetInt("max_results", defaultMaxURLs)
	if maxResults <= 0 {
		maxResults = defaultMaxURLs
	}
	if maxResults > maxMaxURLs {
		maxResults = maxMaxURLs
	}

	var buf bytes.Buffer
	total, err := s.comp.Reader().Dump(ctx, &buf, crawldb.FormatURLs, status)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return mcp.NewToolResultError(fmt.Sprintf("listing failed: %v", err)), nil
	}

	urls := firstLines(&buf, maxResults)
	result := map[string]interface{}{
		"urls":      urls,
		"total":     total,
		"truncated": total > int64(len(urls)),
	}
	if status != models.StatusUnset {
		result["status"] = status.String()
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleListSegments handles the list_segments tool
func (s *Server) handleListSegments(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	all, err := segment.List(s.comp.Config.SegmentsDir)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("listing segments failed: %v", err)), nil
	}

	pendingOnly := request.GetBool("pending_only", false)
	segments := make([]segment.Info, 0, len(all))
	for _, info := range all {
		if pendingOnly && (!info.Fetched || info.Applied) {
			continue
		}
		segments = append(segments, info)
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"segments_dir": s.comp.Config.SegmentsDir,
		"segments":     segments,
		"total":        len(segments),
	})), nil
}

// handleRunStep handles the run_step tool
func (s *Server) handleRunStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := strings.ToLower(strings.TrimSpace(request.GetString("step", "")))
	if name == "" {
		return mcp.NewToolResultError("step parameter is required"), nil
	}
	force := request.GetBool("force", false)

	var steps []orchestrate.Step
	if name != stepCycle {
		parsed, err := orchestrate.ParseSteps([]string{name})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		steps = parsed
	}

	if s.jobManager.IsRunning(name) {
		existingJob := s.jobManager.GetJobByStep(name)
		return mcp.NewToolResultText(formatJSON(map[string]interface{}{
			"status":  "already_running",
			"message": "This step is already running",
			"job_id":  existingJob.ID,
			"step":    name,
		})), nil
	}

	job, err := s.jobManager.CreateJob(name, force)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create job: %v", err)), nil
	}

	go s.runStepJob(job.ID, steps, force)

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"status":  "started",
		"message": "Step started successfully",
		"job_id":  job.ID,
		"step":    name,
		"force":   force,
	})), nil
}

// handleGetJobStatus handles the get_job_status tool
func (s *Server) handleGetJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	job := s.jobManager.GetJob(jobID)
	if job == nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}

	result := map[string]interface{}{
		"job_id":     job.ID,
		"step":       job.Step,
		"status":     job.Status,
		"started_at": job.StartedAt.Format(time.RFC3339),
		"force":      job.Force,
	}
	if !job.CompletedAt.IsZero() {
		result["completed_at"] = job.CompletedAt.Format(time.RFC3339)
		result["duration_seconds"] = job.CompletedAt.Sub(job.StartedAt).Seconds()
	}
	if len(job.Counters) > 0 {
		result["counters"] = job.Counters
	}
	if len(job.Segments) > 0 {
		result["segments"] = job.Segments
	}
	if job.ErrorMessage != "" {
		result["error_message"] = job.ErrorMessage
	}

	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleCancelJob handles the cancel_job tool
func (s *Server) handleCancelJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}
	if s.jobManager.GetJob(jobID) == nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"job_id":    jobID,
		"cancelled": s.jobManager.CancelJob(jobID),
	})), nil
}

// runStepJob runs the steps of a job in the background. A nil steps slice
// runs the whole cycle.
func (s *Server) runStepJob(jobID string, steps []orchestrate.Step, force bool) {
	s.jobManager.UpdateStatus(jobID, JobStatusRunning, "")
	jobCtx := s.jobManager.GetContext(jobID)

	results, err := orchestrate.NewOrchestrator(s.comp, force, s.log).RunCycle(jobCtx, steps...)

	counters := make(map[string]map[string]int64)
	var segments []string
	for _, r := range results {
		if r.Counters != nil {
			for group, names := range r.Counters.Snapshot() {
				counters[string(r.Step)+"."+group] = names
			}
		}
		segments = append(segments, r.Segments...)
	}
	s.jobManager.SetResult(jobID, counters, segments)

	if err != nil {
		s.log.Errorf("Job %s failed: %v", jobID, err)
		s.jobManager.UpdateStatus(jobID, JobStatusFailed, err.Error())
		return
	}
	s.log.Infof("Job %s completed", jobID)
	s.jobManager.UpdateStatus(jobID, JobStatusCompleted, "")
}

// firstLines returns up to n non-empty lines from buf.
func firstLines(buf *bytes.Buffer, n int) []string {
	lines := make([]string, 0, n)
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() && len(lines) < n {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// formatJSON formats data as an indented JSON string
func formatJSON(data interface{}) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
