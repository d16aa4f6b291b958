package orchestrate

import (
	"fmt"
	"strings"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/config"
	"github.com/Sriram-PR/crawldb/pkg/crawldb"
	"github.com/Sriram-PR/crawldb/pkg/dedup"
	"github.com/Sriram-PR/crawldb/pkg/generate"
	"github.com/Sriram-PR/crawldb/pkg/merge"
	"github.com/Sriram-PR/crawldb/pkg/models"
	"github.com/Sriram-PR/crawldb/pkg/partition"
	"github.com/Sriram-PR/crawldb/pkg/schedule"
	"github.com/Sriram-PR/crawldb/pkg/scoring"
	"github.com/Sriram-PR/crawldb/pkg/signature"
	"github.com/Sriram-PR/crawldb/pkg/storage"
	"github.com/Sriram-PR/crawldb/pkg/urlfilter"
	"github.com/Sriram-PR/crawldb/pkg/utils"
)

// Components holds every collaborator built from one validated AppConfig.
// Jobs are created on demand so each run gets fresh counters.
type Components struct {
	Config      *config.AppConfig
	Clock       clock.Clock
	DB          *storage.CrawlDB
	Schedule    schedule.Schedule
	Scoring     scoring.Filter
	Signature   signature.Calculator
	Partitioner *partition.Partitioner
	Merge       *merge.Engine
	Dedup       *dedup.Engine

	updateFilter   *urlfilter.Chain
	generateFilter *urlfilter.Chain
	injectFilter   *urlfilter.Chain
	log            *logrus.Entry
}

// NewComponents wires the policies named in cfg. cfg must have been
// validated. clk may be nil for the wall clock.
func NewComponents(cfg *config.AppConfig, clk clock.Clock, log *logrus.Entry) (*Components, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	c := &Components{Config: cfg, Clock: clk, log: log}

	db, err := storage.OpenCrawlDB(cfg.CrawlDBDir, config.BoolOr(cfg.PreserveBackup, true), log)
	if err != nil {
		return nil, err
	}
	db.SetGCInterval(cfg.BadgerGCInterval)
	c.DB = db

	c.Schedule, err = schedule.New(cfg.Schedule.Class, ScheduleOptions(cfg), clk, log)
	if err != nil {
		return nil, fmt.Errorf("building fetch schedule: %w", err)
	}
	c.Scoring = scoring.NewOrDefault(cfg.Scoring.Class, log)
	c.Signature, err = signature.New(cfg.Signature.Class, signature.Options{
		MinTokenLen: cfg.Signature.MinTokenLen,
		QuantRate:   cfg.Signature.QuantRate,
	})
	if err != nil {
		return nil, err
	}

	partOpts := partition.Options{
		Mode:   partition.ParseMode(cfg.Partition.Mode, log),
		Seed:   cfg.Partition.Seed,
		Lookup: partition.DefaultLookup,
	}
	if cfg.Generate.Normalize {
		partOpts.Normalize = func(rawURL string) (string, error) {
			normalized, _, err := urlfilter.ParseAndNormalize(rawURL)
			return normalized, err
		}
	}
	c.Partitioner = partition.New(partOpts, log)

	c.Merge = merge.New(merge.Config{
		RetryMax:         cfg.Update.RetryMax,
		MaxInlinks:       cfg.Update.MaxInlinks,
		AdditionsAllowed: config.BoolOr(cfg.Update.AdditionsAllowed, true),
		ParseMetaKeys:    cfg.Update.ParseMetaKeys,
		MaxInterval:      cfg.Schedule.MaxInterval,
	}, c.Schedule, c.Scoring, log)

	order, err := dedup.ParseOrder(cfg.Dedup.CompareOrder)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrConfigValidation, err)
	}
	c.Dedup = dedup.New(dedup.ParseGroupMode(cfg.Dedup.Group, log), order)

	filterOpts := func(normalize, filter bool) urlfilter.Options {
		return urlfilter.Options{Normalize: normalize, Filter: filter, Allow: cfg.URLFilter.Allow, Deny: cfg.URLFilter.Deny}
	}
	if c.updateFilter, err = urlfilter.FromOptions(filterOpts(cfg.Update.Normalize, cfg.Update.Filter), log); err != nil {
		return nil, err
	}
	if c.generateFilter, err = urlfilter.FromOptions(filterOpts(cfg.Generate.Normalize, cfg.Generate.Filter), log); err != nil {
		return nil, err
	}
	// Seeds are always normalized and filtered.
	if c.injectFilter, err = urlfilter.FromOptions(filterOpts(true, true), log); err != nil {
		return nil, err
	}
	return c, nil
}

// ScheduleOptions maps the schedule section onto policy options.
func ScheduleOptions(cfg *config.AppConfig) schedule.Options {
	s := cfg.Schedule
	return schedule.Options{
		DefaultInterval: s.DefaultInterval,
		MaxInterval:     s.MaxInterval,
		Adaptive: schedule.AdaptiveOptions{
			IncRate:       s.Adaptive.IncRate,
			DecRate:       s.Adaptive.DecRate,
			MinInterval:   s.Adaptive.MinInterval,
			MaxInterval:   s.Adaptive.MaxInterval,
			SyncDelta:     config.BoolOr(s.Adaptive.SyncDelta, true),
			SyncDeltaRate: s.Adaptive.SyncDeltaRate,
		},
		MimeRatesFile: s.MimeRatesFile,
		MimeRates:     s.MimeRates,
	}
}

// GenerateOptions maps the generate section onto generator options.
func GenerateOptions(cfg *config.AppConfig, log *logrus.Entry) generate.Options {
	g := cfg.Generate
	opts := generate.Options{
		TopN:           g.TopN,
		MaxCount:       g.MaxCount,
		CountMode:      partition.ParseMode(g.CountMode, log),
		MaxNumSegments: g.MaxNumSegments,
		NumFetchers:    g.NumFetchers,
		Delay:          g.Delay,
		UpdateCrawlDB:  config.BoolOr(g.UpdateCrawlDB, true),
		MinScore:       g.MinScore,
		MaxInterval:    g.MaxInterval,
	}
	if g.RestrictStatus != "" {
		if st, ok := models.ParseStatus(strings.ToLower(g.RestrictStatus)); ok {
			opts.RestrictStatus = st
		}
	}
	return opts
}

// Updater returns an update job.
func (c *Components) Updater() *crawldb.Updater {
	return crawldb.NewUpdater(c.DB, c.Merge, c.updateFilter, c.Signature,
		c.Config.StagingDir, c.Config.NumWorkers, c.Clock, c.log)
}

// Injector returns an inject job using the inject section, with overrides
// applied by the caller.
func (c *Components) Injector(opts crawldb.InjectOptions) *crawldb.Injector {
	return crawldb.NewInjector(c.DB, opts, c.Schedule, c.Scoring, c.injectFilter,
		c.Config.StagingDir, c.Config.NumWorkers, c.Clock, c.log)
}

// InjectOptions returns the configured inject options.
func (c *Components) InjectOptions() crawldb.InjectOptions {
	return crawldb.InjectOptions{
		Score:     config.Float32Or(c.Config.Inject.Score, config.DefaultInjectScore),
		Overwrite: c.Config.Inject.Overwrite,
		Update:    c.Config.Inject.Update,
	}
}

// Generator returns a generate job with the given options.
func (c *Components) Generator(opts generate.Options) *generate.Generator {
	return generate.New(c.DB, c.Config.SegmentsDir, c.Config.StagingDir, opts, generate.Policies{
		Schedule:    c.Schedule,
		Scoring:     c.Scoring,
		Partitioner: c.Partitioner,
		Filter:      c.generateFilter,
		Clock:       c.Clock,
	}, c.log)
}

// DedupJob returns a dedup job.
func (c *Components) DedupJob() *dedup.Job {
	return dedup.NewJob(c.DB, c.Dedup, c.Config.StagingDir, c.Config.NumWorkers, c.log)
}

// Reader returns a reader over the installed store.
func (c *Components) Reader() *crawldb.Reader {
	return crawldb.NewReader(c.DB, c.log)
}
