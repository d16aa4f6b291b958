// Package generate selects the URLs due for fetching and writes them out as
// fetch-list segments, partitioned so that one fetcher owns each host.
package generate

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/batch"
	"github.com/Sriram-PR/crawldb/pkg/models"
	"github.com/Sriram-PR/crawldb/pkg/partition"
	"github.com/Sriram-PR/crawldb/pkg/schedule"
	"github.com/Sriram-PR/crawldb/pkg/scoring"
	"github.com/Sriram-PR/crawldb/pkg/segment"
	"github.com/Sriram-PR/crawldb/pkg/seqfile"
	"github.com/Sriram-PR/crawldb/pkg/storage"
	"github.com/Sriram-PR/crawldb/pkg/urlfilter"
	"github.com/Sriram-PR/crawldb/pkg/utils"
)

const (
	// JobName labels generate cycles in locks, logs and metrics.
	JobName = "generate"
	// CounterGroup holds the selection counters.
	CounterGroup = "Generator"
)

var errSelectionFull = errors.New("all segments full")

// Options tunes selection.
type Options struct {
	TopN           int64          // Per segment, 0 = unlimited
	MaxCount       int            // Per host or domain and segment, ≤ 0 = unlimited
	CountMode      partition.Mode // ModeHost or ModeDomain
	MaxNumSegments int
	NumFetchers    int           // Partitions per segment
	Delay          time.Duration // Grace period before a generated URL may be selected again
	UpdateCrawlDB  bool          // Stamp selected records with the generate time
	MinScore       *float32      // nil = no threshold
	MaxInterval    time.Duration // 0 = no limit
	RestrictStatus models.Status // StatusUnset = any
}

// DefaultOptions returns the stock selection settings.
func DefaultOptions() Options {
	return Options{
		MaxCount:       -1,
		CountMode:      partition.ModeHost,
		MaxNumSegments: 1,
		NumFetchers:    1,
		Delay:          7 * 24 * time.Hour,
		UpdateCrawlDB:  true,
	}
}

// Policies are the collaborators a Generator consults.
type Policies struct {
	Schedule    schedule.Schedule
	Scoring     scoring.Filter
	Partitioner *partition.Partitioner
	Filter      *urlfilter.Chain // nil accepts every URL
	Clock       clock.Clock
}

// Result describes one generate run.
type Result struct {
	Segments []string // Segment directory paths, in segment order
	Selected int64
	Counters *batch.Counters
}

// Generator is the frontier selector.
type Generator struct {
	db          *storage.CrawlDB
	segmentsDir string
	stagingDir  string
	opts        Options
	pol         Policies
	log         *logrus.Entry
}

// New creates a Generator writing segments under segmentsDir.
func New(db *storage.CrawlDB, segmentsDir, stagingDir string, opts Options, pol Policies, logger *logrus.Entry) *Generator {
	if pol.Clock == nil {
		pol.Clock = clock.WallClock
	}
	if pol.Scoring == nil {
		pol.Scoring = scoring.Noop{}
	}
	if pol.Partitioner == nil {
		pol.Partitioner = partition.New(partition.Options{Mode: partition.ModeHost}, logger)
	}
	if opts.NumFetchers < 1 {
		opts.NumFetchers = 1
	}
	if opts.MaxNumSegments < 1 {
		opts.MaxNumSegments = 1
	}
	if opts.CountMode != partition.ModeDomain {
		opts.CountMode = partition.ModeHost
	}
	return &Generator{
		db:          db,
		segmentsDir: segmentsDir,
		stagingDir:  stagingDir,
		opts:        opts,
		pol:         pol,
		log:         logger.WithField("component", "generate"),
	}
}

// Generate selects due URLs into new segments. Selecting nothing is not an
// error: the result then holds no segments.
func (g *Generator) Generate(ctx context.Context, force bool) (*Result, error) {
	res := &Result{Counters: batch.NewCounters()}
	if !g.db.HasCurrent() {
		g.log.Info("Crawl database is empty, nothing to generate")
		return res, nil
	}
	now := g.pol.Clock.Now()
	g.log.Infof("Generator: starting at %s, topN=%d maxCount=%d segments=%d fetchers=%d",
		now.UTC().Format(time.RFC3339), g.opts.TopN, g.opts.MaxCount, g.opts.MaxNumSegments, g.opts.NumFetchers)

	err := g.db.Cycle(JobName, force, func(current *storage.RecordStore, out *storage.Output) error {
		if current == nil {
			return storage.ErrSkipInstall
		}
		return g.run(ctx, now, current, out, res)
	})
	if err != nil {
		for _, p := range res.Segments {
			if rmErr := os.RemoveAll(p); rmErr != nil {
				g.log.Warnf("Failed to remove partial segment %s: %v", p, rmErr)
			}
		}
		res.Segments = nil
		return res, err
	}
	if res.Selected == 0 {
		g.log.Warn("Generator: 0 records selected for fetching")
	} else {
		g.log.Infof("Generator: selected %d records into %d segments", res.Selected, len(res.Segments))
	}
	return res, nil
}

func (g *Generator) run(ctx context.Context, now time.Time, current *storage.RecordStore, out *storage.Output, res *Result) error {
	curTime := now.UnixMilli()
	counters := res.Counters

	candidates, err := batch.NewStaging(g.stagingDir, JobName+"-select", g.log)
	if err != nil {
		return err
	}
	defer candidates.Close()

	malformed, err := current.Scan(ctx, func(url string, rec *models.CrawlRecord) error {
		sortValue, ok := g.eligible(url, rec, curTime, counters)
		if !ok {
			return nil
		}
		value, err := seqfile.EncodeEntry(url, rec)
		if err != nil {
			return err
		}
		return candidates.AddSorted(descendingKey(sortValue), value)
	})
	if err != nil {
		return fmt.Errorf("selecting candidates: %w", err)
	}
	counters.Add(CounterGroup, "malformed", int64(malformed))

	selected, err := batch.NewStaging(g.stagingDir, JobName+"-partition", g.log)
	if err != nil {
		return err
	}
	defer selected.Close()

	quota := NewQuota(g.opts.MaxCount, g.opts.MaxNumSegments, g.opts.TopN)
	err = candidates.Scan(ctx, func(_, value []byte) error {
		if quota.Full() {
			return errSelectionFull
		}
		url, rec, err := seqfile.DecodeEntry(value)
		if err != nil {
			return err
		}
		host, err := partition.HostKey(url, g.opts.CountMode)
		if err != nil {
			g.log.Debugf("Generator: skipping %s: %v", url, err)
			counters.Inc(CounterGroup, "malformed_url")
			return nil
		}
		seg := quota.Assign(host)
		if seg == 0 {
			counters.Inc(CounterGroup, "quota_dropped")
			return nil
		}
		part := g.pol.Partitioner.Partition(ctx, url, g.opts.NumFetchers)
		rec.Meta().Put(models.MetaGenerateTime, models.IntValue(curTime))
		entry, err := seqfile.EncodeEntry(url, rec)
		if err != nil {
			return err
		}
		return selected.AddSorted(partitionKey(seg, part, url), entry)
	})
	if err != nil && !errors.Is(err, errSelectionFull) {
		return err
	}

	sizes := quota.Sizes()
	for _, n := range sizes {
		res.Selected += n
	}
	counters.Add(CounterGroup, "selected", res.Selected)
	if res.Selected == 0 {
		return storage.ErrSkipInstall
	}

	if err := g.writeSegments(ctx, now, selected, sizes, res); err != nil {
		return err
	}
	if !g.opts.UpdateCrawlDB {
		return storage.ErrSkipInstall
	}
	return g.mark(ctx, curTime, current, out, selected)
}

// eligible applies every selection filter and returns the sort value.
func (g *Generator) eligible(url string, rec *models.CrawlRecord, curTime int64, counters *batch.Counters) (float32, bool) {
	if g.pol.Filter != nil {
		if _, err := g.pol.Filter.Apply(url); err != nil {
			counters.Inc(CounterGroup, "filtered")
			return 0, false
		}
	}
	if v, ok := rec.Metadata.Get(models.MetaGenerateTime); ok {
		if t, ok := v.Int(); ok && t+g.opts.Delay.Milliseconds() > curTime {
			counters.Inc(CounterGroup, "already_generated")
			return 0, false
		}
	}
	if g.opts.RestrictStatus != models.StatusUnset && rec.Status != g.opts.RestrictStatus {
		counters.Inc(CounterGroup, "status_rejected")
		return 0, false
	}
	// ShouldFetch may pull a far-future record back to curTime. That repair
	// reaches the fetch list only; marking rewrites the stored record.
	if !g.pol.Schedule.ShouldFetch(url, rec, curTime) {
		counters.Inc(CounterGroup, "schedule_rejected")
		return 0, false
	}
	if g.opts.MaxInterval > 0 && int64(rec.FetchInterval) > int64(g.opts.MaxInterval/time.Second) {
		counters.Inc(CounterGroup, "interval_rejected")
		return 0, false
	}
	sortValue := g.pol.Scoring.GeneratorSortValue(url, rec, 1.0)
	if g.opts.MinScore != nil && sortValue < *g.opts.MinScore {
		counters.Inc(CounterGroup, "score_rejected")
		return 0, false
	}
	return sortValue, true
}

// writeSegments creates one segment per non-empty quota segment and writes
// its fetch list.
func (g *Generator) writeSegments(ctx context.Context, now time.Time, selected *batch.Staging, sizes []int64, res *Result) error {
	paths := make(map[int]string)
	for i, n := range sizes {
		if n == 0 {
			continue
		}
		name := segment.NewName(g.segmentsDir, now)
		path, err := segment.Create(g.segmentsDir, segment.Manifest{
			Name:          name,
			Generated:     g.pol.Clock.Now().UTC(),
			CurTime:       now.UTC(),
			URLs:          n,
			PartitionMode: string(g.pol.Partitioner.Mode()),
			Seed:          g.pol.Partitioner.Seed(),
		})
		if err != nil {
			return err
		}
		paths[i+1] = path
		res.Segments = append(res.Segments, path)
	}

	var (
		writer  *segment.FetchListWriter
		current int
	)
	finish := func() error {
		if writer == nil {
			return nil
		}
		if err := writer.Close(); err != nil {
			return err
		}
		m, err := segment.ReadManifest(paths[current])
		if err != nil {
			return err
		}
		m.Partitions = writer.Partitions()
		g.log.Infof("Generator: segment %s holds %d URLs in %d partitions", m.Name, writer.Count(), m.Partitions)
		return segment.WriteManifest(paths[current], m)
	}

	err := selected.Scan(ctx, func(key, value []byte) error {
		seg, part := decodePartitionKey(key)
		if seg != current {
			if err := finish(); err != nil {
				return err
			}
			writer, current = segment.NewFetchListWriter(paths[seg]), seg
		}
		url, rec, err := seqfile.DecodeEntry(value)
		if err != nil {
			return err
		}
		return writer.Append(part, url, rec)
	})
	if err != nil {
		if writer != nil {
			writer.Close()
		}
		return err
	}
	return finish()
}

// mark copies the installed store into out and stamps every selected
// record with the generate time.
func (g *Generator) mark(ctx context.Context, curTime int64, current *storage.RecordStore, out *storage.Output, selected *batch.Staging) error {
	w := out.Store().NewWriter()
	if _, err := current.Scan(ctx, func(url string, rec *models.CrawlRecord) error {
		return w.Write(url, rec)
	}); err != nil {
		w.Cancel()
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	w = out.Store().NewWriter()
	err := selected.Scan(ctx, func(_, value []byte) error {
		url, _, err := seqfile.DecodeEntry(value)
		if err != nil {
			return err
		}
		rec, found, err := current.Get(url)
		if err != nil || !found {
			return err
		}
		rec.Meta().Put(models.MetaGenerateTime, models.IntValue(curTime))
		return w.Write(url, rec)
	})
	if err != nil {
		w.Cancel()
		return err
	}
	return w.Flush()
}

// descendingKey orders float values from largest to smallest under byte
// comparison. NaN sorts last.
func descendingKey(v float32) []byte {
	if math.IsNaN(float64(v)) {
		v = float32(math.Inf(-1))
	}
	bits := math.Float32bits(v)
	if bits&(1<<31) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 31
	}
	return binary.BigEndian.AppendUint32(nil, ^bits)
}

// partitionKey orders the fetch list by segment, partition, then URL hash,
// which interleaves the hosts sharing a partition.
func partitionKey(seg, part int, url string) []byte {
	key := make([]byte, 0, 14)
	key = binary.BigEndian.AppendUint16(key, uint16(seg))
	key = binary.BigEndian.AppendUint32(key, uint32(part))
	return binary.BigEndian.AppendUint64(key, utils.HashString(url))
}

func decodePartitionKey(key []byte) (seg, part int) {
	return int(binary.BigEndian.Uint16(key[0:2])), int(binary.BigEndian.Uint32(key[2:6]))
}
