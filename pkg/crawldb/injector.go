package crawldb

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/batch"
	"github.com/Sriram-PR/crawldb/pkg/merge"
	"github.com/Sriram-PR/crawldb/pkg/models"
	"github.com/Sriram-PR/crawldb/pkg/schedule"
	"github.com/Sriram-PR/crawldb/pkg/scoring"
	"github.com/Sriram-PR/crawldb/pkg/seqfile"
	"github.com/Sriram-PR/crawldb/pkg/storage"
	"github.com/Sriram-PR/crawldb/pkg/urlfilter"
	"github.com/Sriram-PR/crawldb/pkg/utils"
)

const (
	// InjectJob labels inject cycles in locks, logs and metrics.
	InjectJob = "inject"
	// InjectCounterGroup holds the injector counters.
	InjectCounterGroup = "injector"
)

// Seed-line keys with a special meaning.
const (
	SeedKeyScore         = "nutch.score"
	SeedKeyInterval      = "nutch.fetchInterval"
	SeedKeyFixedInterval = "nutch.fetchInterval.fixed"
)

// Seed is one parsed seed line.
type Seed struct {
	URL      string
	Score    *float32
	Interval *int32 // Seconds
	Fixed    bool   // Interval came from nutch.fetchInterval.fixed
	Metadata [][2]string
}

// ParseSeedLine parses "url [<TAB>key=value]...". Blank lines and lines
// starting with '#' yield ok == false. Unparseable values of the special
// keys are reported through warn and ignored.
func ParseSeedLine(line string, warn func(format string, args ...interface{})) (seed Seed, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Seed{}, false
	}
	fields := strings.Split(line, "\t")
	seed.URL = strings.TrimSpace(fields[0])
	if seed.URL == "" {
		return Seed{}, false
	}
	for _, f := range fields[1:] {
		key, value, found := strings.Cut(strings.TrimSpace(f), "=")
		if !found || key == "" {
			continue
		}
		switch key {
		case SeedKeyScore:
			s, err := strconv.ParseFloat(value, 32)
			if err != nil {
				warn("seed %s: bad %s %q", seed.URL, key, value)
				continue
			}
			score := float32(s)
			seed.Score = &score
		case SeedKeyInterval, SeedKeyFixedInterval:
			n, err := strconv.ParseFloat(value, 64)
			if err != nil || n < 0 {
				warn("seed %s: bad %s %q", seed.URL, key, value)
				continue
			}
			var tmp models.CrawlRecord
			tmp.SetFetchIntervalSeconds(n)
			seed.Interval = &tmp.FetchInterval
			seed.Fixed = key == SeedKeyFixedInterval
		default:
			seed.Metadata = append(seed.Metadata, [2]string{key, value})
		}
	}
	return seed, true
}

// InjectOptions tune how seeds meet existing records.
type InjectOptions struct {
	Score     float32 // Default score for seeds without nutch.score
	Overwrite bool    // Replace existing records with the seed
	Update    bool    // Fold seed metadata, score and interval into existing records
}

// Injector adds seed URLs to the crawl database.
type Injector struct {
	db         *storage.CrawlDB
	opts       InjectOptions
	interval   int32 // Default interval handed out by the schedule
	schedule   schedule.Schedule
	scoring    scoring.Filter
	filter     *urlfilter.Chain
	stagingDir string
	workers    int
	clk        clock.Clock
	log        *logrus.Entry
}

// NewInjector creates an Injector.
func NewInjector(db *storage.CrawlDB, opts InjectOptions, sched schedule.Schedule, scorer scoring.Filter,
	filter *urlfilter.Chain, stagingDir string, workers int, clk clock.Clock, logger *logrus.Entry) *Injector {
	if clk == nil {
		clk = clock.WallClock
	}
	if scorer == nil {
		scorer = scoring.Noop{}
	}
	var probe models.CrawlRecord
	sched.InitializeSchedule("", &probe)
	return &Injector{
		db:         db,
		opts:       opts,
		interval:   probe.FetchInterval,
		schedule:   sched,
		scoring:    scorer,
		filter:     filter,
		stagingDir: stagingDir,
		workers:    workers,
		clk:        clk,
		log:        logger.WithField("component", "injector"),
	}
}

// Inject reads seed lines from every source and merges them into the crawl
// database in one cycle.
func (in *Injector) Inject(ctx context.Context, sources []io.Reader, force bool) (*batch.Counters, error) {
	counters := batch.NewCounters()
	err := in.db.Cycle(InjectJob, force, func(current *storage.RecordStore, out *storage.Output) error {
		return in.run(ctx, current, sources, out, counters)
	})
	if err != nil {
		return counters, err
	}
	in.log.Infof("Injector: total urls injected after normalization and filtering: %d",
		counters.Get(InjectCounterGroup, "urls_injected"))
	in.log.Infof("Injector: total urls rejected by filters: %d", counters.Get(InjectCounterGroup, "urls_filtered"))
	in.log.Infof("Injector: total urls merged with existing records: %d", counters.Get(InjectCounterGroup, "urls_merged"))
	return counters, nil
}

func (in *Injector) run(ctx context.Context, current *storage.RecordStore, sources []io.Reader, out *storage.Output, counters *batch.Counters) error {
	st, err := batch.NewStaging(in.stagingDir, InjectJob, in.log)
	if err != nil {
		return err
	}
	defer st.Close()

	curTime := in.clk.Now().UnixMilli()
	for i, src := range sources {
		scanner := bufio.NewScanner(src)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			if err := ctx.Err(); err != nil {
				return err
			}
			seed, ok := ParseSeedLine(scanner.Text(), in.log.Warnf)
			if !ok {
				continue
			}
			url, err := in.filter.Apply(seed.URL)
			if err != nil {
				in.log.Debugf("Dropping seed %s: %v", seed.URL, err)
				counters.Inc(InjectCounterGroup, "urls_filtered")
				continue
			}
			if err := stage(st, url, in.seedRecord(url, seed, curTime)); err != nil {
				return err
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("%w: reading seed source %d: %w", utils.ErrParsing, i, err)
		}
	}

	if current != nil {
		if _, err := current.Scan(ctx, func(url string, rec *models.CrawlRecord) error {
			return stage(st, url, rec)
		}); err != nil {
			return fmt.Errorf("staging installed records: %w", err)
		}
	}

	w := out.Store().NewWriter()
	err = batch.Run(ctx, st, in.workers, func(_ context.Context, url string, values [][]byte) error {
		var old, injected *models.CrawlRecord
		for _, v := range values {
			_, rec, err := seqfile.DecodeEntry(v)
			if err != nil {
				return err
			}
			if rec.Status == models.StatusInjected {
				if injected == nil {
					counters.Inc(InjectCounterGroup, "urls_injected")
				} else {
					counters.Inc(InjectCounterGroup, "urls_injected_duplicate")
				}
				injected = rec
			} else {
				old = rec
			}
		}
		result := in.combine(url, old, injected)
		if old != nil && injected != nil {
			counters.Inc(InjectCounterGroup, "urls_merged")
		}
		counters.Inc(merge.StatusCounterGroup, result.Status.String())
		return w.Write(url, result)
	})
	if err != nil {
		w.Cancel()
		return err
	}
	return w.Flush()
}

// seedRecord builds the injected stub for one seed.
func (in *Injector) seedRecord(url string, seed Seed, curTime int64) *models.CrawlRecord {
	rec := &models.CrawlRecord{Status: models.StatusInjected, FetchTime: curTime, Score: in.opts.Score}
	in.schedule.InitializeSchedule(url, rec)
	rec.FetchTime = curTime
	if seed.Score != nil {
		rec.Score = *seed.Score
	}
	if seed.Interval != nil {
		rec.FetchInterval = *seed.Interval
		if seed.Fixed {
			rec.Meta().Put(models.MetaFixedInterval, models.FloatValue(float64(*seed.Interval)))
		}
	}
	for _, kv := range seed.Metadata {
		rec.Meta().Put(kv[0], models.TextValue(kv[1]))
	}
	in.scoring.InjectedScore(url, rec)
	return rec
}

// combine resolves a seed against the record already installed for url.
func (in *Injector) combine(url string, old, injected *models.CrawlRecord) *models.CrawlRecord {
	switch {
	case injected == nil:
		return old
	case old == nil || in.opts.Overwrite:
		injected.Status = models.StatusDBUnfetched
		return injected
	case in.opts.Update:
		result := old.Clone()
		result.Meta().PutAll(injected.Metadata)
		if injected.Score != in.opts.Score {
			result.Score = injected.Score
		}
		if injected.FetchInterval != in.interval {
			result.FetchInterval = injected.FetchInterval
		}
		in.log.Debugf("Updated existing record for %s from seed", url)
		return result
	}
	return old
}
