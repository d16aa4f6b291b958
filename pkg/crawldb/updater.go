// Package crawldb runs the cycles that change the crawl database (update
// and inject) and reads it back (stats, get, dump).
package crawldb

import (
	"context"
	"errors"
	"fmt"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/batch"
	"github.com/Sriram-PR/crawldb/pkg/merge"
	"github.com/Sriram-PR/crawldb/pkg/models"
	"github.com/Sriram-PR/crawldb/pkg/segment"
	"github.com/Sriram-PR/crawldb/pkg/seqfile"
	"github.com/Sriram-PR/crawldb/pkg/signature"
	"github.com/Sriram-PR/crawldb/pkg/storage"
	"github.com/Sriram-PR/crawldb/pkg/urlfilter"
	"github.com/Sriram-PR/crawldb/pkg/utils"
)

const (
	// UpdateJob labels update cycles in locks, logs and metrics.
	UpdateJob = "update"
	// UpdateCounterGroup holds the input-side update counters.
	UpdateCounterGroup = "CrawlDB update"
)

// Updater merges fetch outcomes from segments into the crawl database.
type Updater struct {
	db         *storage.CrawlDB
	engine     *merge.Engine
	filter     *urlfilter.Chain
	ingester   *segment.Ingester
	stagingDir string
	workers    int
	clk        clock.Clock
	log        *logrus.Entry
}

// NewUpdater creates an Updater. filter may be nil; sig fingerprints raw
// content found in outcomes.jsonl.
func NewUpdater(db *storage.CrawlDB, engine *merge.Engine, filter *urlfilter.Chain, sig signature.Calculator,
	stagingDir string, workers int, clk clock.Clock, logger *logrus.Entry) *Updater {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Updater{
		db:         db,
		engine:     engine,
		filter:     filter,
		ingester:   &segment.Ingester{Signature: sig, Now: clk.Now},
		stagingDir: stagingDir,
		workers:    workers,
		clk:        clk,
		log:        logger.WithField("component", "updater"),
	}
}

// Update folds segments into the crawl database as one cycle. Either every
// segment is applied and a new store installed, or the installed store is
// left untouched and the error wraps utils.ErrCycleAborted.
func (u *Updater) Update(ctx context.Context, segments []string, force bool) (*batch.Counters, error) {
	counters := batch.NewCounters()
	var applied []string
	for _, s := range segments {
		if segment.IsApplied(s) {
			u.log.Warnf("Segment %s was already applied, skipping", s)
			counters.Inc(UpdateCounterGroup, "segments_skipped")
			continue
		}
		applied = append(applied, s)
	}

	u.log.Infof("CrawlDB update: %d segments, additions allowed: %v", len(applied), u.engine.AdditionsAllowed())
	err := u.db.Cycle(UpdateJob, force, func(current *storage.RecordStore, out *storage.Output) error {
		return u.run(ctx, current, applied, out, counters)
	})
	if err != nil {
		return counters, err
	}

	now := u.clk.Now()
	for _, s := range applied {
		if err := segment.MarkApplied(s, now); err != nil {
			u.log.Warnf("Merged %s but could not mark it applied: %v", s, err)
		}
	}
	return counters, nil
}

func (u *Updater) run(ctx context.Context, current *storage.RecordStore, segments []string, out *storage.Output, counters *batch.Counters) error {
	st, err := batch.NewStaging(u.stagingDir, UpdateJob, u.log)
	if err != nil {
		return err
	}
	defer st.Close()

	if current != nil {
		malformed, err := current.Scan(ctx, func(url string, rec *models.CrawlRecord) error {
			counters.Inc(UpdateCounterGroup, "old")
			return stage(st, url, rec)
		})
		if err != nil {
			return fmt.Errorf("staging installed records: %w", err)
		}
		counters.Add(UpdateCounterGroup, "malformed", int64(malformed))
	}

	ingester := *u.ingester
	ingester.OnBad = func(source string, err error) {
		u.log.Warnf("Skipping unreadable input in %s: %v (%s)", source, err, utils.CategorizeError(err))
		counters.Inc(UpdateCounterGroup, "malformed")
	}
	for _, segDir := range segments {
		err := ingester.Ingest(ctx, segDir, func(url string, rec *models.CrawlRecord) error {
			key, err := u.filter.Apply(url)
			if err != nil {
				u.log.Debugf("Dropping %s: %v", url, err)
				counters.Inc(UpdateCounterGroup, "filtered")
				return nil
			}
			counters.Inc(UpdateCounterGroup, "inputs")
			return stage(st, key, rec)
		})
		if err != nil {
			return fmt.Errorf("reading segment %s: %w", segDir, err)
		}
	}

	w := out.Store().NewWriter()
	err = batch.Run(ctx, st, u.workers, func(_ context.Context, url string, values [][]byte) error {
		inputs := make([]merge.Input, 0, len(values))
		for _, v := range values {
			_, rec, err := seqfile.DecodeEntry(v)
			if err != nil {
				return err
			}
			in, err := merge.Classify(rec)
			if err != nil {
				u.log.Debugf("Ignoring input for %s: %v", url, err)
				counters.Inc(UpdateCounterGroup, "unknown_status")
				continue
			}
			inputs = append(inputs, in)
		}
		result, ok := u.engine.Reduce(url, inputs, counters)
		if !ok {
			return nil
		}
		return w.Write(url, result)
	})
	if err != nil {
		w.Cancel()
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	u.log.Infof("CrawlDB update wrote %d records", w.Written())
	return nil
}

// stage writes (url, rec) into st. URLs that cannot be used as a group key
// are dropped.
func stage(st *batch.Staging, url string, rec *models.CrawlRecord) error {
	value, err := seqfile.EncodeEntry(url, rec)
	if err != nil {
		return err
	}
	if err := st.Add(url, value); err != nil && !errors.Is(err, utils.ErrParsing) {
		return err
	}
	return nil
}
