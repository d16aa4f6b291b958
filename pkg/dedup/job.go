package dedup

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/batch"
	"github.com/Sriram-PR/crawldb/pkg/merge"
	"github.com/Sriram-PR/crawldb/pkg/models"
	"github.com/Sriram-PR/crawldb/pkg/seqfile"
	"github.com/Sriram-PR/crawldb/pkg/storage"
)

// JobName labels dedup cycles in locks, logs and metrics.
const JobName = "dedup"

// Fold-back value tags.
const (
	tagOriginal byte = 'o'
	tagMarker   byte = 'd'
)

// Job runs deduplication over a crawl database as one locked cycle: the
// first pass groups eligible records by signature and picks survivors, the
// second rewrites the whole store with duplicate markers folded in.
type Job struct {
	db         *storage.CrawlDB
	engine     *Engine
	stagingDir string
	workers    int
	log        *logrus.Entry
}

// NewJob creates a dedup job over db.
func NewJob(db *storage.CrawlDB, engine *Engine, stagingDir string, workers int, logger *logrus.Entry) *Job {
	return &Job{
		db:         db,
		engine:     engine,
		stagingDir: stagingDir,
		workers:    workers,
		log:        logger.WithField("component", "dedup"),
	}
}

// Run executes the job. force breaks a stale lock.
func (j *Job) Run(ctx context.Context, force bool) (*batch.Counters, error) {
	counters := batch.NewCounters()
	if !j.db.HasCurrent() {
		j.log.Info("Crawl database is empty, nothing to deduplicate")
		return counters, nil
	}
	err := j.db.Cycle(JobName, force, func(current *storage.RecordStore, out *storage.Output) error {
		if current == nil {
			return nil
		}
		return j.run(ctx, current, out, counters)
	})
	if err != nil {
		return counters, err
	}
	j.log.Infof("Deduplication finished: %d duplicates in %d groups",
		counters.Get(CounterGroup, "duplicates"), counters.Get(CounterGroup, "groups"))
	return counters, nil
}

func (j *Job) run(ctx context.Context, current *storage.RecordStore, out *storage.Output, counters *batch.Counters) error {
	groups, err := batch.NewStaging(j.stagingDir, JobName+"-groups", j.log)
	if err != nil {
		return err
	}
	defer groups.Close()
	fold, err := batch.NewStaging(j.stagingDir, JobName+"-fold", j.log)
	if err != nil {
		return err
	}
	defer fold.Close()

	// Pass 1: group by signature key, emit markers for losers.
	malformed, err := current.Scan(ctx, func(url string, rec *models.CrawlRecord) error {
		key, ok, err := j.engine.Key(url, rec)
		if err != nil {
			j.log.Debugf("Skipping %s for dedup: %v", url, err)
			counters.Inc(CounterGroup, "skipped")
			return nil
		}
		if !ok {
			return nil
		}
		value, err := seqfile.EncodeEntry(url, rec)
		if err != nil {
			return err
		}
		return groups.Add(key, value)
	})
	if err != nil {
		return fmt.Errorf("dedup scan: %w", err)
	}
	counters.Add(CounterGroup, "malformed", int64(malformed))

	err = batch.Run(ctx, groups, j.workers, func(_ context.Context, key string, values [][]byte) error {
		if len(values) < 2 {
			return nil
		}
		cands := make([]Candidate, 0, len(values))
		for _, v := range values {
			url, rec, err := seqfile.DecodeEntry(v)
			if err != nil {
				return err
			}
			cands = append(cands, Candidate{URL: url, Record: rec})
		}
		_, dups := j.engine.Resolve(cands)
		counters.Inc(CounterGroup, "groups")
		for _, d := range dups {
			marked := d.Record.Clone()
			marked.Status = models.StatusDBDuplicate
			if err := j.addFold(fold, tagMarker, d.URL, marked); err != nil {
				return err
			}
			counters.Inc(CounterGroup, "duplicates")
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Pass 2: fold markers back over every record of the store.
	_, err = current.Scan(ctx, func(url string, rec *models.CrawlRecord) error {
		return j.addFold(fold, tagOriginal, url, rec)
	})
	if err != nil {
		return fmt.Errorf("dedup fold scan: %w", err)
	}

	w := out.Store().NewWriter()
	err = batch.Run(ctx, fold, j.workers, func(_ context.Context, url string, values [][]byte) error {
		var chosen []byte
		for _, v := range values {
			if len(v) == 0 {
				continue
			}
			if v[0] == tagMarker || chosen == nil {
				chosen = v
			}
			if v[0] == tagMarker {
				break
			}
		}
		if chosen == nil {
			return nil
		}
		_, rec, err := seqfile.DecodeEntry(chosen[1:])
		if err != nil {
			return err
		}
		counters.Inc(merge.StatusCounterGroup, rec.Status.String())
		return w.Write(url, rec)
	})
	if err != nil {
		w.Cancel()
		return err
	}
	return w.Flush()
}

func (j *Job) addFold(st *batch.Staging, tag byte, url string, rec *models.CrawlRecord) error {
	value, err := seqfile.AppendEntry([]byte{tag}, url, rec)
	if err != nil {
		return err
	}
	return st.Add(url, value)
}
