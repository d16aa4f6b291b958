package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/crawldb/pkg/schedule"
)

// AppConfig holds the global application configuration
type AppConfig struct {
	CrawlDBDir       string          `yaml:"crawldb_dir"`
	SegmentsDir      string          `yaml:"segments_dir"`
	StateDir         string          `yaml:"state_dir"`
	StagingDir       string          `yaml:"staging_dir,omitempty"` // Scratch space for external sorts, defaults to the OS temp dir
	NumWorkers       int             `yaml:"num_workers"`
	PreserveBackup   *bool           `yaml:"preserve_backup,omitempty"` // Keep the previous store as old/ after install
	BadgerGCInterval time.Duration   `yaml:"badger_gc_interval,omitempty"`
	MetricsAddr      string          `yaml:"metrics_addr,omitempty"`
	Schedule         ScheduleConfig  `yaml:"schedule"`
	Update           UpdateConfig    `yaml:"update"`
	Generate         GenerateConfig  `yaml:"generate"`
	Partition        PartitionConfig `yaml:"partition"`
	Dedup            DedupConfig     `yaml:"dedup"`
	Inject           InjectConfig    `yaml:"inject"`
	Scoring          ScoringConfig   `yaml:"scoring"`
	Signature        SignatureConfig `yaml:"signature"`
	URLFilter        URLFilterConfig `yaml:"urlfilter"`
	Watch            WatchConfig     `yaml:"watch,omitempty"`
}

// ScheduleConfig selects and tunes the fetch schedule.
type ScheduleConfig struct {
	Class           string                    `yaml:"class"`
	DefaultInterval time.Duration             `yaml:"default_interval"`
	MaxInterval     time.Duration             `yaml:"max_interval"`
	Adaptive        AdaptiveConfig            `yaml:"adaptive,omitempty"`
	MimeRatesFile   string                    `yaml:"mime_rates_file,omitempty"`
	MimeRates       map[string]schedule.Rates `yaml:"mime_rates,omitempty"`
}

// AdaptiveConfig tunes the adaptive and mime-adaptive schedules.
type AdaptiveConfig struct {
	IncRate       float64       `yaml:"inc_rate"`
	DecRate       float64       `yaml:"dec_rate"`
	MinInterval   time.Duration `yaml:"min_interval"`
	MaxInterval   time.Duration `yaml:"max_interval"`
	SyncDelta     *bool         `yaml:"sync_delta,omitempty"`
	SyncDeltaRate float64       `yaml:"sync_delta_rate"`
}

// UpdateConfig tunes the update cycle.
type UpdateConfig struct {
	RetryMax         int      `yaml:"retry_max"`
	MaxInlinks       int      `yaml:"max_inlinks"`
	AdditionsAllowed *bool    `yaml:"additions_allowed,omitempty"` // nil = true
	ParseMetaKeys    []string `yaml:"parse_meta_keys,omitempty"`
	Normalize        bool     `yaml:"normalize"`
	Filter           bool     `yaml:"filter"`
}

// GenerateConfig tunes fetch-list generation.
type GenerateConfig struct {
	TopN           int64         `yaml:"top_n"`
	MaxCount       int           `yaml:"max_count"` // Per host/domain and segment, <= 0 = unlimited
	CountMode      string        `yaml:"count_mode"`
	MaxNumSegments int           `yaml:"max_num_segments"`
	NumFetchers    int           `yaml:"num_fetchers"`
	Delay          time.Duration `yaml:"delay"`
	UpdateCrawlDB  *bool         `yaml:"update_crawldb,omitempty"` // nil = true
	MinScore       *float32      `yaml:"min_score,omitempty"`      // nil = no threshold
	MaxInterval    time.Duration `yaml:"max_interval,omitempty"`
	RestrictStatus string        `yaml:"restrict_status,omitempty"`
	Normalize      bool          `yaml:"normalize"`
	Filter         bool          `yaml:"filter"`
}

// PartitionConfig selects how fetch lists are split between fetchers.
type PartitionConfig struct {
	Mode string `yaml:"mode"`
	Seed uint64 `yaml:"seed,omitempty"` // 0 = random per run
}

// DedupConfig tunes duplicate detection.
type DedupConfig struct {
	Group        string   `yaml:"group"`
	CompareOrder []string `yaml:"compare_order,omitempty"`
}

// InjectConfig tunes seed injection.
type InjectConfig struct {
	Score     *float32 `yaml:"score,omitempty"` // nil = 1.0
	Overwrite bool     `yaml:"overwrite"`
	Update    bool     `yaml:"update"`
}

// ScoringConfig selects the scoring filter.
type ScoringConfig struct {
	Class string `yaml:"class"`
}

// SignatureConfig selects the content fingerprint.
type SignatureConfig struct {
	Class       string  `yaml:"class"`
	MinTokenLen int     `yaml:"min_token_len,omitempty"`
	QuantRate   float64 `yaml:"quant_rate,omitempty"`
}

// URLFilterConfig holds the regex lists used when filtering is enabled.
type URLFilterConfig struct {
	Allow []string `yaml:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty"`
}

// WatchConfig drives the periodic cycle runner.
type WatchConfig struct {
	Interval time.Duration `yaml:"interval,omitempty"`
	Steps    []string      `yaml:"steps,omitempty"` // Subset of update, dedup, generate
}

// Load reads and decodes the YAML file at path. Defaults are not applied;
// call Validate for that.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// BoolOr dereferences an optional setting.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// Float32Or dereferences an optional setting.
func Float32Or(p *float32, def float32) float32 {
	if p == nil {
		return def
	}
	return *p
}
