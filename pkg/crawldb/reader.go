package crawldb

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/metrics"
	"github.com/Sriram-PR/crawldb/pkg/models"
	"github.com/Sriram-PR/crawldb/pkg/storage"
	"github.com/Sriram-PR/crawldb/pkg/utils"
)

// Dump formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatURLs = "urls"
)

// Stats summarizes the installed store.
type Stats struct {
	Total       int64            `json:"total"`
	ByStatus    map[string]int64 `json:"by_status"`
	ByRetry     map[int]int64    `json:"by_retry"`
	MinScore    float32          `json:"min_score"`
	MaxScore    float32          `json:"max_score"`
	AvgScore    float64          `json:"avg_score"`
	MinInterval int32            `json:"min_interval"`
	MaxInterval int32            `json:"max_interval"`
	AvgInterval float64          `json:"avg_interval"`
	Malformed   int              `json:"malformed"`
}

// WriteTo renders the stats in the classic readdb layout.
func (s *Stats) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "TOTAL urls:\t%d\n", s.Total)
	retries := make([]int, 0, len(s.ByRetry))
	for r := range s.ByRetry {
		retries = append(retries, r)
	}
	sort.Ints(retries)
	for _, r := range retries {
		fmt.Fprintf(&b, "retry %d:\t%d\n", r, s.ByRetry[r])
	}
	if s.Total > 0 {
		fmt.Fprintf(&b, "min score:\t%g\n", s.MinScore)
		fmt.Fprintf(&b, "avg score:\t%.3f\n", s.AvgScore)
		fmt.Fprintf(&b, "max score:\t%g\n", s.MaxScore)
		fmt.Fprintf(&b, "min interval:\t%s\n", time.Duration(s.MinInterval)*time.Second)
		fmt.Fprintf(&b, "avg interval:\t%s\n", time.Duration(s.AvgInterval*float64(time.Second)).Round(time.Second))
		fmt.Fprintf(&b, "max interval:\t%s\n", time.Duration(s.MaxInterval)*time.Second)
	}
	for _, st := range models.DBStatuses() {
		if n, ok := s.ByStatus[st.String()]; ok {
			fmt.Fprintf(&b, "status %d (%s):\t%d\n", byte(st), st, n)
		}
	}
	if s.Malformed > 0 {
		fmt.Fprintf(&b, "malformed:\t%d\n", s.Malformed)
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// Reader answers queries against the installed store. Every call opens
// current/ read-only, so readers never see a store that is being written.
type Reader struct {
	db  *storage.CrawlDB
	log *logrus.Entry
}

// NewReader creates a Reader over db.
func NewReader(db *storage.CrawlDB, logger *logrus.Entry) *Reader {
	return &Reader{db: db, log: logger.WithField("component", "reader")}
}

func (r *Reader) open() (*storage.RecordStore, error) {
	return r.db.OpenCurrent(true)
}

// Stats scans the whole store. The per-status counts are also published
// to the records gauge.
func (r *Reader) Stats(ctx context.Context) (*Stats, error) {
	store, err := r.open()
	if err != nil {
		return nil, err
	}
	defer store.Close()

	s := &Stats{ByStatus: map[string]int64{}, ByRetry: map[int]int64{}}
	var scoreSum, intervalSum float64
	s.MinScore, s.MaxScore = math.MaxFloat32, -math.MaxFloat32
	s.MinInterval, s.MaxInterval = math.MaxInt32, 0
	s.Malformed, err = store.Scan(ctx, func(_ string, rec *models.CrawlRecord) error {
		s.Total++
		s.ByStatus[rec.Status.String()]++
		s.ByRetry[int(rec.RetriesSinceFetch)]++
		scoreSum += float64(rec.Score)
		intervalSum += float64(rec.FetchInterval)
		s.MinScore = min(s.MinScore, rec.Score)
		s.MaxScore = max(s.MaxScore, rec.Score)
		s.MinInterval = min(s.MinInterval, rec.FetchInterval)
		s.MaxInterval = max(s.MaxInterval, rec.FetchInterval)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.Total == 0 {
		s.MinScore, s.MaxScore, s.MinInterval = 0, 0, 0
	} else {
		s.AvgScore = scoreSum / float64(s.Total)
		s.AvgInterval = intervalSum / float64(s.Total)
	}
	metrics.SetRecordCounts(s.ByStatus)
	return s, nil
}

// Get returns the record stored for url.
func (r *Reader) Get(url string) (*models.CrawlRecord, bool, error) {
	store, err := r.open()
	if err != nil {
		return nil, false, err
	}
	defer store.Close()
	return store.Get(url)
}

type dumpLine struct {
	URL    string              `json:"url"`
	Record *models.CrawlRecord `json:"record"`
}

// Dump writes every record, or only those with status when it is set, to
// w in the given format (json lines, csv or bare urls).
func (r *Reader) Dump(ctx context.Context, w io.Writer, format string, status models.Status) (int64, error) {
	store, err := r.open()
	if err != nil {
		return 0, err
	}
	defer store.Close()

	var (
		write func(url string, rec *models.CrawlRecord) error
		flush = func() error { return nil }
	)
	switch strings.ToLower(format) {
	case "", FormatJSON:
		enc := json.NewEncoder(w)
		write = func(url string, rec *models.CrawlRecord) error {
			return enc.Encode(dumpLine{URL: url, Record: rec})
		}
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"url", "status", "fetch_time", "retries", "interval", "score", "modified_time", "signature", "metadata"}); err != nil {
			return 0, err
		}
		write = func(url string, rec *models.CrawlRecord) error {
			return cw.Write(csvRow(url, rec))
		}
		flush = func() error {
			cw.Flush()
			return cw.Error()
		}
	case FormatURLs:
		write = func(url string, _ *models.CrawlRecord) error {
			_, err := fmt.Fprintln(w, url)
			return err
		}
	default:
		return 0, fmt.Errorf("%w: dump format %q (want json, csv or urls)", utils.ErrParsing, format)
	}

	var n int64
	malformed, err := store.Scan(ctx, func(url string, rec *models.CrawlRecord) error {
		if status != models.StatusUnset && rec.Status != status {
			return nil
		}
		n++
		return write(url, rec)
	})
	if err != nil {
		return n, err
	}
	if malformed > 0 {
		r.log.Warnf("Dump skipped %d malformed records", malformed)
	}
	return n, flush()
}

func csvRow(url string, rec *models.CrawlRecord) []string {
	sig := ""
	if rec.HasSignature() {
		sig = hex.EncodeToString(rec.Signature())
	}
	modified := ""
	if rec.ModifiedTime != 0 {
		modified = time.UnixMilli(rec.ModifiedTime).UTC().Format(time.RFC3339)
	}
	meta := ""
	if rec.Metadata.Len() > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err == nil {
			meta = string(b)
		}
	}
	return []string{
		url,
		rec.Status.String(),
		time.UnixMilli(rec.FetchTime).UTC().Format(time.RFC3339),
		strconv.Itoa(int(rec.RetriesSinceFetch)),
		strconv.Itoa(int(rec.FetchInterval)),
		strconv.FormatFloat(float64(rec.Score), 'g', -1, 32),
		modified,
		sig,
		meta,
	}
}
