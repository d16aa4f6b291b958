package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/Sriram-PR/crawldb/pkg/utils"
)

// ErrSkipInstall may be returned by a CycleFunc that decided the installed
// store needs no change. The output is discarded and Cycle returns nil.
var ErrSkipInstall = errors.New("skip install")

// CycleFunc writes a complete new store into out. It may read the current
// store through current, which is nil when nothing is installed yet.
type CycleFunc func(current *RecordStore, out *Output) error

// Cycle runs fn under the crawldb lock and installs its output only when fn
// succeeds. On any failure the output is deleted, the lock released, the
// installed store left as it was, and the returned error wraps
// ErrCycleAborted together with the cause and any cleanup errors.
func (c *CrawlDB) Cycle(job string, force bool, fn CycleFunc) (err error) {
	lock, err := c.Lock(job, force)
	if err != nil {
		return abort(job, err)
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			if err == nil {
				err = relErr
			} else {
				err = multierror.Append(err, relErr)
			}
		}
	}()

	var current *RecordStore
	if c.HasCurrent() {
		current, err = c.OpenCurrent(true)
		if err != nil {
			return abort(job, err)
		}
	}
	closeCurrent := func() error {
		if current == nil {
			return nil
		}
		cerr := current.Close()
		current = nil
		return cerr
	}

	out, err := c.NewOutput()
	if err != nil {
		return abort(job, multierror.Append(err, closeCurrent()).ErrorOrNil())
	}

	stopGC := c.startGC(out)
	runErr := fn(current, out)
	stopGC()
	if errors.Is(runErr, ErrSkipInstall) {
		if cleanErr := multierror.Append(nil, closeCurrent(), out.Discard()).ErrorOrNil(); cleanErr != nil {
			return abort(job, cleanErr)
		}
		c.log.Debugf("%s left the installed store unchanged", job)
		return nil
	}
	if runErr != nil {
		result := multierror.Append(runErr, closeCurrent(), out.Discard())
		return abort(job, result.ErrorOrNil())
	}
	if cerr := closeCurrent(); cerr != nil {
		return abort(job, multierror.Append(cerr, out.Discard()).ErrorOrNil())
	}
	if ierr := out.Install(); ierr != nil {
		return abort(job, multierror.Append(ierr, out.Discard()).ErrorOrNil())
	}
	return nil
}

// startGC runs value-log GC on out until the returned func is called.
func (c *CrawlDB) startGC(out *Output) (stop func()) {
	if c.gcInterval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		out.Store().RunGC(ctx, c.gcInterval)
	}()
	return func() {
		cancel()
		<-done
	}
}

func abort(job string, cause error) error {
	if errors.Is(cause, utils.ErrCycleAborted) {
		return cause
	}
	return fmt.Errorf("%w: %s: %w", utils.ErrCycleAborted, job, cause)
}
