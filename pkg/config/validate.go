package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/Sriram-PR/crawldb/pkg/dedup"
	"github.com/Sriram-PR/crawldb/pkg/models"
	"github.com/Sriram-PR/crawldb/pkg/schedule"
	"github.com/Sriram-PR/crawldb/pkg/scoring"
	"github.com/Sriram-PR/crawldb/pkg/signature"
	"github.com/Sriram-PR/crawldb/pkg/urlfilter"
	"github.com/Sriram-PR/crawldb/pkg/utils"
)

// Defaults applied by Validate.
const (
	DefaultCrawlDBDir     = "./crawl/crawldb"
	DefaultSegmentsDir    = "./crawl/segments"
	DefaultStateDir       = "./crawl/state"
	DefaultNumWorkers     = 4
	DefaultInjectScore    = float32(1.0)
	DefaultWatchInterval  = time.Hour
	defaultGCInterval     = 10 * time.Minute
	defaultInterval       = 30 * 24 * time.Hour
	defaultMaxInterval    = 90 * 24 * time.Hour
	defaultGenerateDelay  = 7 * 24 * time.Hour
	defaultAdaptiveRate   = 0.2
	defaultAdaptiveMin    = 60 * time.Second
	defaultAdaptiveMax    = 365 * 24 * time.Hour
	defaultRetryMax       = 3
	defaultMaxInlinks     = 10000
	defaultMinTokenLen    = 2
	defaultQuantRate      = 0.01
	defaultScheduleClass  = "default"
	defaultScoringClass   = "opic"
	defaultSignatureClass = "md5"
)

// WatchSteps lists the steps a watch cycle may run, in execution order.
var WatchSteps = []string{"update", "dedup", "generate"}

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// Directories
	if c.CrawlDBDir == "" {
		warnings = append(warnings, fmt.Sprintf("crawldb_dir is empty, defaulting to '%s'", DefaultCrawlDBDir))
		c.CrawlDBDir = DefaultCrawlDBDir
	}
	if c.SegmentsDir == "" {
		warnings = append(warnings, fmt.Sprintf("segments_dir is empty, defaulting to '%s'", DefaultSegmentsDir))
		c.SegmentsDir = DefaultSegmentsDir
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.StagingDir == "" {
		c.StagingDir = os.TempDir()
	}

	// NumWorkers
	if c.NumWorkers <= 0 {
		warnings = append(warnings, fmt.Sprintf("num_workers should be > 0, defaulting to %d", DefaultNumWorkers))
		c.NumWorkers = DefaultNumWorkers
	}

	if c.PreserveBackup == nil {
		c.PreserveBackup = boolPtr(true)
	}

	// BadgerGCInterval
	if c.BadgerGCInterval < 0 {
		warnings = append(warnings, "badger_gc_interval cannot be negative, defaulting to 10m")
		c.BadgerGCInterval = 0
	}
	if c.BadgerGCInterval == 0 {
		c.BadgerGCInterval = defaultGCInterval
	}

	if err := c.validateSchedule(&warnings); err != nil {
		return warnings, err
	}
	c.validateUpdate(&warnings)
	if err := c.validateGenerate(&warnings); err != nil {
		return warnings, err
	}

	// Partition mode
	switch strings.ToLower(c.Partition.Mode) {
	case "":
		c.Partition.Mode = "host"
	case "host", "domain", "ip":
		c.Partition.Mode = strings.ToLower(c.Partition.Mode)
	case "byhost", "bydomain", "byip":
		c.Partition.Mode = strings.TrimPrefix(strings.ToLower(c.Partition.Mode), "by")
	default:
		warnings = append(warnings, fmt.Sprintf("partition.mode '%s' is unknown, defaulting to 'host'", c.Partition.Mode))
		c.Partition.Mode = "host"
	}

	// Dedup
	switch dedup.GroupMode(strings.ToLower(c.Dedup.Group)) {
	case "", dedup.GroupNone:
		c.Dedup.Group = string(dedup.GroupNone)
	case dedup.GroupHost, dedup.GroupDomain:
		c.Dedup.Group = strings.ToLower(c.Dedup.Group)
	default:
		warnings = append(warnings, fmt.Sprintf("dedup.group '%s' is unknown, defaulting to 'none'", c.Dedup.Group))
		c.Dedup.Group = string(dedup.GroupNone)
	}
	if len(c.Dedup.CompareOrder) == 0 {
		for _, crit := range dedup.DefaultOrder() {
			c.Dedup.CompareOrder = append(c.Dedup.CompareOrder, string(crit))
		}
	} else if _, err := dedup.ParseOrder(c.Dedup.CompareOrder); err != nil {
		return warnings, fmt.Errorf("%w: dedup.compare_order: %w", utils.ErrConfigValidation, err)
	}

	// Inject
	if c.Inject.Score == nil {
		score := DefaultInjectScore
		c.Inject.Score = &score
	}
	if c.Inject.Overwrite && c.Inject.Update {
		warnings = append(warnings, "inject.overwrite and inject.update are both set, overwrite wins")
	}

	// Pluggable classes
	c.Scoring.Class = checkClass(&warnings, "scoring.class", c.Scoring.Class, defaultScoringClass, scoring.Names())
	c.Signature.Class = checkClass(&warnings, "signature.class", c.Signature.Class, defaultSignatureClass, signature.Names())
	if c.Signature.MinTokenLen <= 0 {
		c.Signature.MinTokenLen = defaultMinTokenLen
	}
	if c.Signature.QuantRate <= 0 {
		c.Signature.QuantRate = defaultQuantRate
	}

	// URL filter patterns must compile even when filtering is disabled
	if _, err := urlfilter.NewRegexFilter(c.URLFilter.Allow, c.URLFilter.Deny); err != nil {
		return warnings, fmt.Errorf("%w: urlfilter: %w", utils.ErrConfigValidation, err)
	}

	// Watch
	if c.Watch.Interval < 0 {
		warnings = append(warnings, "watch.interval cannot be negative, defaulting to 1h")
		c.Watch.Interval = 0
	}
	if c.Watch.Interval == 0 {
		c.Watch.Interval = DefaultWatchInterval
	}
	if len(c.Watch.Steps) == 0 {
		c.Watch.Steps = append([]string(nil), WatchSteps...)
	}
	for _, s := range c.Watch.Steps {
		if !slices.Contains(WatchSteps, s) {
			return warnings, fmt.Errorf("%w: watch.steps: unknown step %q (want one of %v)", utils.ErrConfigValidation, s, WatchSteps)
		}
	}

	return warnings, nil
}

// validateSchedule applies schedule defaults.
func (c *AppConfig) validateSchedule(warnings *[]string) error {
	s := &c.Schedule
	s.Class = checkClass(warnings, "schedule.class", s.Class, defaultScheduleClass, schedule.Names())

	if s.DefaultInterval <= 0 {
		s.DefaultInterval = defaultInterval
	}
	if s.MaxInterval <= 0 {
		s.MaxInterval = defaultMaxInterval
	}
	if s.MaxInterval < s.DefaultInterval {
		*warnings = append(*warnings, fmt.Sprintf(
			"schedule.max_interval (%v) < schedule.default_interval (%v), every record will be refetched on each generate",
			s.MaxInterval, s.DefaultInterval))
	}

	a := &s.Adaptive
	a.IncRate = checkRate(warnings, "schedule.adaptive.inc_rate", a.IncRate)
	a.DecRate = checkRate(warnings, "schedule.adaptive.dec_rate", a.DecRate)
	a.SyncDeltaRate = checkRate(warnings, "schedule.adaptive.sync_delta_rate", a.SyncDeltaRate)
	if a.MinInterval <= 0 {
		a.MinInterval = defaultAdaptiveMin
	}
	if a.MaxInterval <= 0 {
		a.MaxInterval = defaultAdaptiveMax
	}
	if a.MinInterval > a.MaxInterval {
		return fmt.Errorf("%w: schedule.adaptive.min_interval (%v) > max_interval (%v)",
			utils.ErrConfigValidation, a.MinInterval, a.MaxInterval)
	}
	if a.SyncDelta == nil {
		a.SyncDelta = boolPtr(true)
	}

	if s.Class == "mime-adaptive" && s.MimeRatesFile == "" && len(s.MimeRates) == 0 {
		*warnings = append(*warnings, "schedule.class is 'mime-adaptive' but no mime rates are configured, adaptive rates apply to every type")
	}
	return nil
}

// validateUpdate applies update-cycle defaults.
func (c *AppConfig) validateUpdate(warnings *[]string) {
	u := &c.Update
	if u.RetryMax < 0 {
		*warnings = append(*warnings, fmt.Sprintf("update.retry_max cannot be negative, defaulting to %d", defaultRetryMax))
	}
	if u.RetryMax <= 0 {
		u.RetryMax = defaultRetryMax
	}
	if u.MaxInlinks <= 0 {
		u.MaxInlinks = defaultMaxInlinks
	}
	if u.AdditionsAllowed == nil {
		u.AdditionsAllowed = boolPtr(true)
	}
}

// validateGenerate applies generator defaults.
func (c *AppConfig) validateGenerate(warnings *[]string) error {
	g := &c.Generate
	if g.TopN < 0 {
		*warnings = append(*warnings, "generate.top_n cannot be negative, setting to 0 (unlimited)")
		g.TopN = 0
	}
	if g.MaxCount == 0 {
		g.MaxCount = -1
	}
	switch strings.ToLower(g.CountMode) {
	case "":
		g.CountMode = "host"
	case "host", "domain":
		g.CountMode = strings.ToLower(g.CountMode)
	default:
		*warnings = append(*warnings, fmt.Sprintf("generate.count_mode '%s' is unknown, defaulting to 'host'", g.CountMode))
		g.CountMode = "host"
	}
	if g.MaxNumSegments <= 0 {
		g.MaxNumSegments = 1
	}
	if g.NumFetchers <= 0 {
		g.NumFetchers = 1
	}
	if g.Delay < 0 {
		*warnings = append(*warnings, "generate.delay cannot be negative, defaulting to 168h")
		g.Delay = 0
	}
	if g.Delay == 0 {
		g.Delay = defaultGenerateDelay
	}
	if g.UpdateCrawlDB == nil {
		g.UpdateCrawlDB = boolPtr(true)
	}
	if g.MaxInterval < 0 {
		*warnings = append(*warnings, "generate.max_interval cannot be negative, disabling the limit")
		g.MaxInterval = 0
	}
	if g.RestrictStatus != "" {
		st, ok := models.ParseStatus(strings.ToLower(g.RestrictStatus))
		if !ok || !st.IsDB() {
			return fmt.Errorf("%w: generate.restrict_status %q is not a database status", utils.ErrConfigValidation, g.RestrictStatus)
		}
	}
	return nil
}

// checkClass returns name when it is one of known, otherwise def with a warning.
func checkClass(warnings *[]string, key, name, def string, known []string) string {
	if name == "" {
		return def
	}
	if slices.Contains(known, name) {
		return name
	}
	*warnings = append(*warnings, fmt.Sprintf("%s '%s' is unknown (known: %s), defaulting to '%s'",
		key, name, strings.Join(known, ", "), def))
	return def
}

// checkRate keeps rates inside (0, 1).
func checkRate(warnings *[]string, key string, rate float64) float64 {
	if rate == 0 {
		return defaultAdaptiveRate
	}
	if rate < 0 || rate >= 1 {
		*warnings = append(*warnings, fmt.Sprintf("%s (%g) must be in (0, 1), defaulting to %g", key, rate, defaultAdaptiveRate))
		return defaultAdaptiveRate
	}
	return rate
}

func boolPtr(b bool) *bool { return &b }
