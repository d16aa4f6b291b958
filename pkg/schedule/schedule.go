// Package schedule computes when a URL should be fetched next.
//
// Every policy mutates the record it is handed and has no other side
// effects; policies are safe for concurrent use across records.
package schedule

import (
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/models"
)

// ChangeState describes what a fetch revealed about the content.
type ChangeState int

const (
	ChangeUnknown ChangeState = iota
	ChangeModified
	ChangeNotModified
)

// String implements fmt.Stringer for logging
func (c ChangeState) String() string {
	switch c {
	case ChangeModified:
		return "modified"
	case ChangeNotModified:
		return "not_modified"
	}
	return "unknown"
}

const (
	millisPerSecond = 1000
	retryDelay      = 24 * time.Hour
)

// Schedule is the fetch-schedule policy contract. Times are epoch millis,
// intervals are seconds.
type Schedule interface {
	// InitializeSchedule sets up a record that was just promoted from a link
	// or injection stub.
	InitializeSchedule(url string, rec *models.CrawlRecord)

	// SetFetchSchedule is called after a successful fetch and sets the new
	// interval and next fetch time.
	SetFetchSchedule(url string, rec *models.CrawlRecord, prevFetchTime, prevModifiedTime, fetchTime, modifiedTime int64, state ChangeState)

	// SetPageGoneSchedule backs off a page that looks permanently gone but
	// still schedules a recheck.
	SetPageGoneSchedule(url string, rec *models.CrawlRecord, prevFetchTime, prevModifiedTime, fetchTime int64)

	// SetPageRetrySchedule pushes fetchTime one day out after a transient
	// failure and counts the retry.
	SetPageRetrySchedule(url string, rec *models.CrawlRecord, prevFetchTime, prevModifiedTime, fetchTime int64)

	// CalculateLastFetchTime estimates when the record was last fetched.
	CalculateLastFetchTime(rec *models.CrawlRecord) int64

	// ShouldFetch reports eligibility at curTime. Records scheduled further
	// out than the maximum interval are pulled back and become eligible.
	ShouldFetch(url string, rec *models.CrawlRecord, curTime int64) bool

	// ForceRefetch resets the record to unfetched. With asap the record is
	// due immediately.
	ForceRefetch(url string, rec *models.CrawlRecord, asap bool)
}

// base holds the behavior shared by every policy.
type base struct {
	clk             clock.Clock
	log             *logrus.Entry
	defaultInterval int32 // seconds
	maxInterval     int32 // seconds
}

func newBase(opts Options, clk clock.Clock, log *logrus.Entry) base {
	if clk == nil {
		clk = clock.WallClock
	}
	return base{
		clk:             clk,
		log:             log,
		defaultInterval: durationSeconds(opts.DefaultInterval),
		maxInterval:     durationSeconds(opts.MaxInterval),
	}
}

func (b *base) now() int64 { return b.clk.Now().UnixMilli() }

func (b *base) InitializeSchedule(_ string, rec *models.CrawlRecord) {
	rec.FetchTime = b.now()
	rec.FetchInterval = b.defaultInterval
	rec.RetriesSinceFetch = 0
}

// setFetchSchedule is the common prologue of every SetFetchSchedule.
func (b *base) setFetchSchedule(rec *models.CrawlRecord) {
	rec.RetriesSinceFetch = 0
}

func (b *base) SetPageGoneSchedule(_ string, rec *models.CrawlRecord, _, _, fetchTime int64) {
	interval := float64(rec.FetchInterval) * 1.5
	if interval < float64(b.maxInterval) {
		rec.SetFetchIntervalSeconds(interval)
	} else {
		rec.SetFetchIntervalSeconds(float64(b.maxInterval) * 0.9)
	}
	rec.FetchTime = fetchTime + int64(rec.FetchInterval)*millisPerSecond
}

func (b *base) SetPageRetrySchedule(_ string, rec *models.CrawlRecord, _, _, fetchTime int64) {
	rec.FetchTime = fetchTime + retryDelay.Milliseconds()
	if rec.RetriesSinceFetch < 255 {
		rec.RetriesSinceFetch++
	}
}

func (b *base) CalculateLastFetchTime(rec *models.CrawlRecord) int64 {
	if rec.Status == models.StatusDBUnfetched {
		return 0
	}
	return rec.FetchTime - int64(rec.FetchInterval)*millisPerSecond
}

func (b *base) ShouldFetch(url string, rec *models.CrawlRecord, curTime int64) bool {
	if rec.FetchTime-curTime > int64(b.maxInterval)*millisPerSecond {
		if rec.FetchInterval > b.maxInterval {
			rec.SetFetchIntervalSeconds(float64(b.maxInterval) * 0.9)
		}
		if b.log != nil {
			b.log.Debugf("Pulling back %s: fetchTime %d is beyond max interval from %d", url, rec.FetchTime, curTime)
		}
		rec.FetchTime = curTime
	}
	return rec.FetchTime <= curTime
}

func (b *base) ForceRefetch(_ string, rec *models.CrawlRecord, asap bool) {
	if rec.FetchInterval > b.maxInterval {
		rec.SetFetchIntervalSeconds(float64(b.maxInterval) * 0.9)
	}
	rec.Status = models.StatusDBUnfetched
	rec.RetriesSinceFetch = 0
	_ = rec.SetSignature(nil)
	rec.ModifiedTime = 0
	if asap {
		rec.FetchTime = b.now()
	}
}

// fixedInterval returns the per-record interval override, if any.
func fixedInterval(rec *models.CrawlRecord) (float64, bool) {
	v, ok := rec.Metadata.Get(models.MetaFixedInterval)
	if !ok {
		return 0, false
	}
	f, ok := v.Float()
	if !ok || f <= 0 {
		return 0, false
	}
	return f, true
}

func durationSeconds(d time.Duration) int32 {
	s := d / time.Second
	if s > 1<<31-1 {
		return 1<<31 - 1
	}
	return int32(s)
}
