package schedule

import (
	"fmt"
	"sort"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/utils"
)

// AdaptiveOptions tunes the adaptive policies.
type AdaptiveOptions struct {
	IncRate       float64
	DecRate       float64
	MinInterval   time.Duration
	MaxInterval   time.Duration
	SyncDelta     bool
	SyncDeltaRate float64
}

// Options is everything a policy factory may need.
type Options struct {
	DefaultInterval time.Duration
	MaxInterval     time.Duration
	Adaptive        AdaptiveOptions
	MimeRatesFile   string
	MimeRates       map[string]Rates
}

// DefaultOptions returns the stock configuration.
func DefaultOptions() Options {
	return Options{
		DefaultInterval: 30 * 24 * time.Hour,
		MaxInterval:     90 * 24 * time.Hour,
		Adaptive: AdaptiveOptions{
			IncRate:       0.2,
			DecRate:       0.2,
			MinInterval:   60 * time.Second,
			MaxInterval:   365 * 24 * time.Hour,
			SyncDelta:     true,
			SyncDeltaRate: 0.2,
		},
	}
}

// Factory constructs a policy.
type Factory func(opts Options, clk clock.Clock, log *logrus.Entry) (Schedule, error)

var registry = map[string]Factory{
	"default": func(o Options, c clock.Clock, l *logrus.Entry) (Schedule, error) {
		return NewDefault(o, c, l), nil
	},
	"adaptive": func(o Options, c clock.Clock, l *logrus.Entry) (Schedule, error) {
		return NewAdaptive(o, c, l), nil
	},
	"mime-adaptive": func(o Options, c clock.Clock, l *logrus.Entry) (Schedule, error) {
		m, err := NewMimeAdaptive(o, c, l)
		if err != nil {
			return nil, err
		}
		return m, nil
	},
}

// New builds the named policy.
func New(name string, opts Options, clk clock.Clock, log *logrus.Entry) (Schedule, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: fetch schedule %q (known: %v)", utils.ErrUnknownPolicy, name, Names())
	}
	return f(opts, clk, log)
}

// Names lists the registered policy identifiers.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
