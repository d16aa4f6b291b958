// Package dedup marks fetched pages whose content signature matches a
// better-ranked page as duplicates.
package dedup

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/models"
	"github.com/Sriram-PR/crawldb/pkg/partition"
	"github.com/Sriram-PR/crawldb/pkg/utils"
)

// CounterGroup holds the dedup job counters.
const CounterGroup = "Dedup"

// GroupMode widens the duplicate key with the URL's host or domain.
type GroupMode string

const (
	GroupNone   GroupMode = "none"
	GroupHost   GroupMode = "host"
	GroupDomain GroupMode = "domain"
)

// ParseGroupMode resolves a configured group name; unknown names fall back
// to none with a warning.
func ParseGroupMode(name string, log *logrus.Entry) GroupMode {
	switch GroupMode(strings.ToLower(strings.TrimSpace(name))) {
	case "", GroupNone:
		return GroupNone
	case GroupHost:
		return GroupHost
	case GroupDomain:
		return GroupDomain
	}
	if log != nil {
		log.Warnf("Unknown dedup group %q, using %q", name, GroupNone)
	}
	return GroupNone
}

// Criterion is one step of the survivor comparison.
type Criterion string

const (
	ByScore     Criterion = "score"
	ByFetchTime Criterion = "fetch_time"
	ByURLLength Criterion = "url_length"
)

// DefaultOrder is score, then fetch time, then URL length.
func DefaultOrder() []Criterion {
	return []Criterion{ByScore, ByFetchTime, ByURLLength}
}

// ParseOrder resolves criterion names. An empty list yields DefaultOrder.
func ParseOrder(names []string) ([]Criterion, error) {
	if len(names) == 0 {
		return DefaultOrder(), nil
	}
	seen := make(map[Criterion]bool, len(names))
	order := make([]Criterion, 0, len(names))
	for _, n := range names {
		c := Criterion(strings.ToLower(strings.TrimSpace(n)))
		switch c {
		case ByScore, ByFetchTime, ByURLLength:
		case "fetchtime":
			c = ByFetchTime
		case "urllength":
			c = ByURLLength
		default:
			return nil, fmt.Errorf("%w: dedup compare criterion %q", utils.ErrUnknownPolicy, n)
		}
		if !seen[c] {
			seen[c] = true
			order = append(order, c)
		}
	}
	return order, nil
}

// Candidate is one record competing in a duplicate group.
type Candidate struct {
	URL    string
	Record *models.CrawlRecord
}

// Engine decides duplicate keys and survivors. It is stateless and safe
// for concurrent use.
type Engine struct {
	group GroupMode
	order []Criterion
}

// New creates an Engine. A nil order means DefaultOrder.
func New(group GroupMode, order []Criterion) *Engine {
	if len(order) == 0 {
		order = DefaultOrder()
	}
	return &Engine{group: group, order: order}
}

// Eligible reports whether rec takes part in deduplication: fetched or
// not-modified pages that carry a non-empty signature.
func Eligible(rec *models.CrawlRecord) bool {
	if rec == nil || len(rec.Signature()) == 0 {
		return false
	}
	return rec.Status == models.StatusDBFetched || rec.Status == models.StatusDBNotModified
}

// Key returns the duplicate group key of an eligible record. ok is false
// for records that do not take part.
func (e *Engine) Key(url string, rec *models.CrawlRecord) (key string, ok bool, err error) {
	if !Eligible(rec) {
		return "", false, nil
	}
	key = hex.EncodeToString(rec.Signature())
	switch e.group {
	case GroupHost:
		h, err := partition.HostKey(url, partition.ModeHost)
		if err != nil {
			return "", false, err
		}
		key += "|" + h
	case GroupDomain:
		d, err := partition.HostKey(url, partition.ModeDomain)
		if err != nil {
			return "", false, err
		}
		key += "|" + d
	}
	return key, true, nil
}

// Better reports whether a should survive over b.
func (e *Engine) Better(a, b Candidate) bool {
	for _, c := range e.order {
		switch c {
		case ByScore:
			if a.Record.Score != b.Record.Score {
				return a.Record.Score > b.Record.Score
			}
		case ByFetchTime:
			if a.Record.FetchTime != b.Record.FetchTime {
				return a.Record.FetchTime > b.Record.FetchTime
			}
		case ByURLLength:
			if len(a.URL) != len(b.URL) {
				return len(a.URL) < len(b.URL)
			}
		}
	}
	if len(a.URL) != len(b.URL) {
		return len(a.URL) < len(b.URL)
	}
	return a.URL < b.URL
}

// Resolve keeps exactly one candidate and returns the rest as duplicates,
// comparing pairwise in input order.
func (e *Engine) Resolve(cands []Candidate) (Candidate, []Candidate) {
	if len(cands) == 0 {
		return Candidate{}, nil
	}
	keep := cands[0]
	var dups []Candidate
	for _, c := range cands[1:] {
		if e.Better(c, keep) {
			dups = append(dups, keep)
			keep = c
		} else {
			dups = append(dups, c)
		}
	}
	return keep, dups
}
