// Package scoring is the seam where link analysis plugs into the crawl
// database: it assigns scores to new URLs, folds inlink contributions into
// existing ones and turns scores into generator sort values.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/models"
	"github.com/Sriram-PR/crawldb/pkg/utils"
)

// Filter adjusts record scores at the points where the crawl database
// creates or merges records.
type Filter interface {
	Name() string
	// InjectedScore runs on every seed record after the injector set its score.
	InjectedScore(url string, rec *models.CrawlRecord)
	// InitialScore runs when a discovered link is first promoted to a record.
	InitialScore(url string, rec *models.CrawlRecord)
	// UpdateDBScore folds the inlinks collected for url into result.
	// old is nil for URLs new to the database.
	UpdateDBScore(url string, old, result *models.CrawlRecord, inlinks []*models.CrawlRecord)
	// GeneratorSortValue returns the value the generator sorts on, descending.
	GeneratorSortValue(url string, rec *models.CrawlRecord, initSort float32) float32
}

// OPIC approximates on-line page importance: a new page starts with no
// cash and accumulates the score carried by each inlink.
type OPIC struct{}

func (OPIC) Name() string { return "opic" }

func (OPIC) InjectedScore(string, *models.CrawlRecord) {}

func (OPIC) InitialScore(_ string, rec *models.CrawlRecord) {
	rec.Score = 0
}

func (OPIC) UpdateDBScore(_ string, old, result *models.CrawlRecord, inlinks []*models.CrawlRecord) {
	var adjust float32
	for _, in := range inlinks {
		if in == nil || isBad(in.Score) {
			continue
		}
		adjust += in.Score
	}
	base := result.Score
	if old != nil {
		base = old.Score
	}
	result.Score = base + adjust
}

func (OPIC) GeneratorSortValue(_ string, rec *models.CrawlRecord, initSort float32) float32 {
	return rec.Score * initSort
}

// Noop leaves scores exactly as the injector and fetcher set them.
type Noop struct{}

func (Noop) Name() string                              { return "none" }
func (Noop) InjectedScore(string, *models.CrawlRecord) {}
func (Noop) InitialScore(string, *models.CrawlRecord)  {}

func (Noop) UpdateDBScore(string, *models.CrawlRecord, *models.CrawlRecord, []*models.CrawlRecord) {
}

func (Noop) GeneratorSortValue(_ string, rec *models.CrawlRecord, initSort float32) float32 {
	return rec.Score * initSort
}

func isBad(f float32) bool {
	return math.IsNaN(float64(f)) || math.IsInf(float64(f), 0)
}

var registry = map[string]func() Filter{
	"opic": func() Filter { return OPIC{} },
	"none": func() Filter { return Noop{} },
}

// New returns the scoring filter registered under name.
func New(name string) (Filter, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: scoring filter %q", utils.ErrUnknownPolicy, name)
	}
	return factory(), nil
}

// NewOrDefault resolves name, warning and falling back to opic when unknown.
func NewOrDefault(name string, log *logrus.Entry) Filter {
	f, err := New(name)
	if err != nil {
		if log != nil {
			log.Warnf("%v; using opic", err)
		}
		return OPIC{}
	}
	return f
}

// Names lists registered filters, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
