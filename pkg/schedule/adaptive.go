package schedule

import (
	"math"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/models"
)

// Rates is the interval growth/shrink pair applied on not-modified and
// modified outcomes.
type Rates struct {
	Inc float64 `yaml:"inc_rate"`
	Dec float64 `yaml:"dec_rate"`
}

// Adaptive shrinks the interval when content changed and grows it when it
// did not, optionally pulling the next fetch toward the observed change time.
//
// Rates above roughly 0.4 can make the interval oscillate; that is a tuning
// hazard and is left to configuration.
type Adaptive struct {
	base
	rates         Rates
	minInterval   float64 // seconds
	maxInterval   float64 // seconds
	syncDelta     bool
	syncDeltaRate float64
}

// NewAdaptive creates the adaptive policy from opts.Adaptive.
func NewAdaptive(opts Options, clk clock.Clock, log *logrus.Entry) *Adaptive {
	a := opts.Adaptive
	lo, hi := a.MinInterval.Seconds(), a.MaxInterval.Seconds()
	if lo > hi {
		if log != nil {
			log.Warnf("adaptive min_interval %v > max_interval %v, swapping", a.MinInterval, a.MaxInterval)
		}
		lo, hi = hi, lo
	}
	if log != nil && (a.IncRate > 0.4 || a.DecRate > 0.4) {
		log.Warnf("adaptive rates inc=%.2f dec=%.2f exceed 0.4; intervals may oscillate", a.IncRate, a.DecRate)
	}
	return &Adaptive{
		base:          newBase(opts, clk, log),
		rates:         Rates{Inc: a.IncRate, Dec: a.DecRate},
		minInterval:   lo,
		maxInterval:   hi,
		syncDelta:     a.SyncDelta,
		syncDeltaRate: a.SyncDeltaRate,
	}
}

func (a *Adaptive) SetFetchSchedule(_ string, rec *models.CrawlRecord, _, _, fetchTime, modifiedTime int64, state ChangeState) {
	a.adapt(rec, fetchTime, modifiedTime, state, a.rates)
}

// adapt is the adaptive algorithm parameterized by rates so MimeAdaptive can
// substitute per-type values without mutating shared state.
func (a *Adaptive) adapt(rec *models.CrawlRecord, fetchTime, modifiedTime int64, state ChangeState, rates Rates) {
	a.setFetchSchedule(rec)

	interval := float64(rec.FetchInterval)
	if interval == 0 {
		interval = float64(a.defaultInterval)
	}
	refTime := fetchTime

	if fixed, ok := fixedInterval(rec); ok {
		interval = fixed
	} else {
		if modifiedTime <= 0 {
			modifiedTime = fetchTime
		}
		switch state {
		case ChangeModified:
			interval *= 1.0 - rates.Dec
			modifiedTime = fetchTime
		case ChangeNotModified:
			interval *= 1.0 + rates.Inc
		}
		if a.syncDelta {
			delta := float64((fetchTime - modifiedTime) / millisPerSecond)
			if delta > interval {
				interval = delta
			}
			refTime = fetchTime - int64(math.Round(delta*a.syncDeltaRate*millisPerSecond))
		}
		if interval < a.minInterval {
			interval = a.minInterval
		} else if interval > a.maxInterval {
			interval = a.maxInterval
		}
	}

	rec.SetFetchIntervalSeconds(interval)
	rec.FetchTime = refTime + int64(math.Round(interval*millisPerSecond))
	rec.ModifiedTime = modifiedTime
}

// MinInterval returns the lower clamp.
func (a *Adaptive) MinInterval() time.Duration {
	return time.Duration(a.minInterval * float64(time.Second))
}

// MaxInterval returns the upper clamp.
func (a *Adaptive) MaxInterval() time.Duration {
	return time.Duration(a.maxInterval * float64(time.Second))
}
