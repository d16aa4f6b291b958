// Package merge folds every input known for one URL (the installed record,
// fetch outcomes, discovered links, signature and parse-metadata stubs)
// into the single record written back to the crawl database.
package merge

import (
	"encoding/hex"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/batch"
	"github.com/Sriram-PR/crawldb/pkg/models"
	"github.com/Sriram-PR/crawldb/pkg/schedule"
	"github.com/Sriram-PR/crawldb/pkg/scoring"
	"github.com/Sriram-PR/crawldb/pkg/signature"
)

// StatusCounterGroup is the counter group holding one tally per emitted
// database status.
const StatusCounterGroup = "CrawlDB status"

// Config holds the reducer settings.
type Config struct {
	RetryMax         int           // Retries before a page is declared gone
	MaxInlinks       int           // Link stubs kept per URL
	AdditionsAllowed bool          // Accept URLs the database has never seen
	ParseMetaKeys    []string      // Parse metadata keys copied into records
	MaxInterval      time.Duration // Intervals beyond this force a refetch
}

// DefaultConfig returns the reducer defaults.
func DefaultConfig() Config {
	return Config{
		RetryMax:         3,
		MaxInlinks:       10000,
		AdditionsAllowed: true,
		MaxInterval:      90 * 24 * time.Hour,
	}
}

// Engine is the per-URL reducer. It holds no per-URL state and is safe for
// concurrent use across URLs.
type Engine struct {
	cfg         Config
	maxInterval int32
	parseKeys   map[string]struct{}
	schedule    schedule.Schedule
	scoring     scoring.Filter
	log         *logrus.Entry
}

// New creates an Engine around the given policies.
func New(cfg Config, sched schedule.Schedule, scorer scoring.Filter, log *logrus.Entry) *Engine {
	if scorer == nil {
		scorer = scoring.Noop{}
	}
	keys := make(map[string]struct{}, len(cfg.ParseMetaKeys))
	for _, k := range cfg.ParseMetaKeys {
		keys[k] = struct{}{}
	}
	maxInterval := int32(1<<31 - 1)
	if s := cfg.MaxInterval / time.Second; s > 0 && s < 1<<31-1 {
		maxInterval = int32(s)
	}
	return &Engine{
		cfg:         cfg,
		maxInterval: maxInterval,
		parseKeys:   keys,
		schedule:    sched,
		scoring:     scorer,
		log:         log.WithField("component", "merge"),
	}
}

// AdditionsAllowed reports whether URLs unknown to the database are kept.
func (e *Engine) AdditionsAllowed() bool { return e.cfg.AdditionsAllowed }

// group collects the inputs of one URL.
type group struct {
	old, fetch *models.CrawlRecord
	links      *inlinks
	sig        []byte
	sigSet     bool
	parseMeta  *models.Metadata
}

func (e *Engine) collect(inputs []Input) group {
	g := group{links: newInlinks(e.cfg.MaxInlinks)}
	for _, in := range inputs {
		switch v := in.(type) {
		case OldState:
			if g.old == nil || v.Record.FetchTime > g.old.FetchTime {
				g.old = v.Record
			}
		case FetchOutcome:
			if g.fetch == nil || v.Record.FetchTime > g.fetch.FetchTime {
				g.fetch = v.Record
			}
		case LinkStub:
			g.links.add(v.Record)
		case SignatureStub:
			g.sig = v.Signature
			g.sigSet = true
		case ParseMetaStub:
			v.Metadata.Range(func(k string, val models.Value) bool {
				if _, ok := e.parseKeys[k]; ok {
					if g.parseMeta == nil {
						g.parseMeta = models.NewMetadata()
					}
					g.parseMeta.Put(k, val)
				}
				return true
			})
		}
	}
	return g
}

// Reduce merges the inputs of url and returns the record to persist, or
// false when nothing is written for this URL. Counters may be nil.
func (e *Engine) Reduce(url string, inputs []Input, counters *batch.Counters) (*models.CrawlRecord, bool) {
	g := e.collect(inputs)
	links := g.links.sorted()

	if g.old == nil && !e.cfg.AdditionsAllowed {
		return nil, false
	}

	fetch := g.fetch
	if fetch == nil && len(links) > 0 {
		fetch = links[0]
	}

	if fetch == nil {
		if g.old == nil {
			sig := "null"
			if g.sigSet {
				sig = hex.EncodeToString(g.sig)
			}
			e.log.WithField("url", url).Warnf("Missing fetch and old value, signature=%s", sig)
			return nil, false
		}
		if g.sigSet {
			e.log.WithField("url", url).Warn("Lone signature stub without a fetch outcome")
		}
		counters.Inc(StatusCounterGroup, g.old.Status.String())
		return g.old, true
	}

	sig := fetch.Signature()
	if g.sigSet {
		sig = g.sig
	}

	var prevFetchTime, prevModifiedTime int64
	if g.old != nil {
		prevFetchTime = g.old.FetchTime
		prevModifiedTime = g.old.ModifiedTime
	}

	result := fetch.Clone()
	if g.old != nil {
		meta := g.old.Metadata.Clone()
		if meta == nil {
			meta = models.NewMetadata()
		}
		meta.PutAll(fetch.Metadata)
		if meta.Len() > 0 || fetch.Metadata != nil {
			result.Metadata = meta
		}
		if g.old.ModifiedTime > 0 && fetch.ModifiedTime == 0 {
			result.ModifiedTime = g.old.ModifiedTime
		}
	}

	switch fetch.Status {
	case models.StatusLinked:
		if g.old != nil {
			result = g.old.Clone()
		} else {
			e.schedule.InitializeSchedule(url, result)
			result.Status = models.StatusDBUnfetched
			e.scoring.InitialScore(url, result)
		}

	case models.StatusFetchSuccess, models.StatusFetchRedirTemp, models.StatusFetchRedirPerm, models.StatusFetchNotModified:
		e.inheritUnset(result, g.old)
		if g.parseMeta != nil {
			result.Meta().PutAll(g.parseMeta)
		}

		change := schedule.ChangeUnknown
		switch fetch.Status {
		case models.StatusFetchNotModified:
			change = schedule.ChangeNotModified
		case models.StatusFetchSuccess:
			// Only plain successes are signature-compared; redirects never are.
			if g.old != nil && g.old.Signature() != nil && sig != nil {
				if signature.Compare(g.old.Signature(), sig) != 0 {
					change = schedule.ChangeModified
				} else {
					change = schedule.ChangeNotModified
				}
			}
		}

		e.schedule.SetFetchSchedule(url, result, prevFetchTime, prevModifiedTime, fetch.FetchTime, fetch.ModifiedTime, change)

		if change == schedule.ChangeNotModified {
			result.Status = models.StatusDBNotModified
			result.ModifiedTime = prevModifiedTime
			if g.old != nil {
				_ = result.SetSignature(g.old.Signature())
			}
		} else {
			switch fetch.Status {
			case models.StatusFetchSuccess:
				result.Status = models.StatusDBFetched
			case models.StatusFetchRedirPerm:
				result.Status = models.StatusDBRedirPerm
			case models.StatusFetchRedirTemp:
				result.Status = models.StatusDBRedirTemp
			}
			e.setSignature(url, result, sig)
		}

		if result.FetchInterval > e.maxInterval {
			e.schedule.ForceRefetch(url, result, false)
		}

	case models.StatusFetchRetry:
		e.inheritUnset(result, g.old)
		if g.old != nil {
			_ = result.SetSignature(g.old.Signature())
			if g.old.RetriesSinceFetch > result.RetriesSinceFetch {
				result.RetriesSinceFetch = g.old.RetriesSinceFetch
			}
		}
		e.schedule.SetPageRetrySchedule(url, result, prevFetchTime, prevModifiedTime, fetch.FetchTime)
		if int(result.RetriesSinceFetch) < e.cfg.RetryMax {
			result.Status = models.StatusDBUnfetched
		} else {
			result.Status = models.StatusDBGone
			e.schedule.SetPageGoneSchedule(url, result, prevFetchTime, prevModifiedTime, fetch.FetchTime)
		}

	case models.StatusFetchGone:
		e.inheritUnset(result, g.old)
		if g.old != nil {
			_ = result.SetSignature(g.old.Signature())
		}
		result.Status = models.StatusDBGone
		e.schedule.SetPageGoneSchedule(url, result, prevFetchTime, prevModifiedTime, fetch.FetchTime)
	}

	e.scoring.UpdateDBScore(url, g.old, result, links)

	result.Metadata.Delete(models.MetaGenerateTime)
	counters.Inc(StatusCounterGroup, result.Status.String())
	return result, true
}

// inheritUnset fills fields a fetcher may leave empty from the old record.
func (e *Engine) inheritUnset(result, old *models.CrawlRecord) {
	if old == nil {
		return
	}
	if result.FetchInterval <= 0 {
		result.FetchInterval = old.FetchInterval
	}
	if result.Score == 0 {
		result.Score = old.Score
	}
}

func (e *Engine) setSignature(url string, rec *models.CrawlRecord, sig []byte) {
	if err := rec.SetSignature(sig); err != nil {
		e.log.WithField("url", url).Warnf("Dropping signature: %v", err)
		_ = rec.SetSignature(nil)
	}
}
