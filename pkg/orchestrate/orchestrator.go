// Package orchestrate wires crawldb components from configuration and runs
// the update, dedup and generate steps as one crawl cycle.
package orchestrate

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/batch"
	"github.com/Sriram-PR/crawldb/pkg/metrics"
	"github.com/Sriram-PR/crawldb/pkg/segment"
)

// Step names one job of a crawl cycle.
type Step string

const (
	StepUpdate   Step = "update"
	StepDedup    Step = "dedup"
	StepGenerate Step = "generate"
)

// DefaultSteps is the order a full cycle runs in.
var DefaultSteps = []Step{StepUpdate, StepDedup, StepGenerate}

// ParseSteps resolves step names. An empty list yields DefaultSteps.
func ParseSteps(names []string) ([]Step, error) {
	if len(names) == 0 {
		return append([]Step(nil), DefaultSteps...), nil
	}
	steps := make([]Step, 0, len(names))
	for _, n := range names {
		s := Step(strings.ToLower(strings.TrimSpace(n)))
		switch s {
		case StepUpdate, StepDedup, StepGenerate:
			steps = append(steps, s)
		default:
			return nil, fmt.Errorf("step '%s' not found. Available steps: %v", n, DefaultSteps)
		}
	}
	return steps, nil
}

// StepResult contains the result of running a single step
type StepResult struct {
	Step     Step
	Success  bool
	Skipped  bool // Nothing to do, e.g. no pending segments
	Error    error
	Counters *batch.Counters
	Segments []string // update: segments applied, generate: segments created
	Duration time.Duration
}

// Orchestrator runs cycle steps against one set of components.
type Orchestrator struct {
	comp  *Components
	force bool // Break stale locks
	log   *logrus.Entry
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(comp *Components, force bool, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{comp: comp, force: force, log: log.WithField("component", "orchestrate")}
}

// RunCycle runs steps in order (DefaultSteps when none are given). Every
// step is atomic on its own, so a failed step does not stop the ones after
// it; their errors are aggregated in the returned error. A canceled context
// stops the cycle.
func (o *Orchestrator) RunCycle(ctx context.Context, steps ...Step) ([]StepResult, error) {
	if len(steps) == 0 {
		steps = DefaultSteps
	}
	start := o.comp.Clock.Now()
	o.log.Infof("Starting crawl cycle: %v", steps)

	var (
		results []StepResult
		errs    *multierror.Error
	)
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("cycle interrupted before %s: %w", step, err))
			break
		}
		r := o.RunStep(ctx, step)
		results = append(results, r)
		if r.Error != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", step, r.Error))
		}
	}

	o.logSummary(results, o.comp.Clock.Now().Sub(start))
	return results, errs.ErrorOrNil()
}

// RunStep runs one step and records its metrics.
func (o *Orchestrator) RunStep(ctx context.Context, step Step) StepResult {
	start := o.comp.Clock.Now()
	result := StepResult{Step: step}

	switch step {
	case StepUpdate:
		o.runUpdate(ctx, &result)
	case StepDedup:
		result.Counters, result.Error = o.comp.DedupJob().Run(ctx, o.force)
	case StepGenerate:
		res, err := o.comp.Generator(GenerateOptions(o.comp.Config, o.log)).Generate(ctx, o.force)
		result.Error = err
		if res != nil {
			result.Counters = res.Counters
			result.Segments = res.Segments
			result.Skipped = err == nil && len(res.Segments) == 0
		}
	default:
		result.Error = fmt.Errorf("unknown step %q", step)
	}

	result.Duration = o.comp.Clock.Now().Sub(start)
	result.Success = result.Error == nil
	if !result.Skipped {
		metrics.ObserveCycle(string(step), result.Duration, result.Error)
	}
	if result.Counters != nil {
		result.Counters.Publish(string(step))
		result.Counters.Log(o.log.WithField("step", step))
	}
	if result.Error != nil {
		o.log.Errorf("Step %s failed: %v", step, result.Error)
	}
	return result
}

func (o *Orchestrator) runUpdate(ctx context.Context, result *StepResult) {
	pending, err := segment.Pending(o.comp.Config.SegmentsDir)
	if err != nil {
		result.Error = err
		return
	}
	if len(pending) == 0 {
		o.log.Info("No fetched segments waiting, skipping update")
		result.Skipped = true
		return
	}
	result.Counters, result.Error = o.comp.Updater().Update(ctx, pending, o.force)
	if result.Error == nil {
		result.Segments = pending
	}
}

// logSummary logs a summary of all step results
func (o *Orchestrator) logSummary(results []StepResult, total time.Duration) {
	o.log.Info("============================================")
	o.log.Infof("Crawl cycle completed in %v", total)

	failCount := 0
	for _, r := range results {
		status := "SUCCESS"
		switch {
		case !r.Success:
			status = "FAILED"
			failCount++
		case r.Skipped:
			status = "SKIPPED"
		}
		o.log.Infof("  %s: %s in %v (%d segments)", r.Step, status, r.Duration, len(r.Segments))
		if r.Error != nil {
			o.log.Infof("    Error: %v", r.Error)
		}
	}

	o.log.Info("--------------------------------------------")
	o.log.Infof("Total: %d steps (%d failed)", len(results), failCount)
	o.log.Info("============================================")
}

// Failed reports whether any result carries an error.
func Failed(results []StepResult) bool {
	return slices.ContainsFunc(results, func(r StepResult) bool { return r.Error != nil })
}
