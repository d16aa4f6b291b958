package segment

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Sriram-PR/crawldb/pkg/models"
	"github.com/Sriram-PR/crawldb/pkg/seqfile"
	"github.com/Sriram-PR/crawldb/pkg/signature"
	"github.com/Sriram-PR/crawldb/pkg/utils"
)

const maxOutcomeLine = 32 << 20

// Outlink is a link discovered on a fetched page.
type Outlink struct {
	URL      string            `json:"url"`
	Score    float32           `json:"score,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Outcome is one line of outcomes.jsonl as delivered by an external fetcher.
type Outcome struct {
	URL          string            `json:"url"`
	Status       string            `json:"status"`
	FetchTime    time.Time         `json:"fetch_time"`
	ModifiedTime time.Time         `json:"modified_time"`
	Signature    string            `json:"signature,omitempty"` // Hex
	Content      string            `json:"content,omitempty"`
	Text         string            `json:"text,omitempty"`
	ContentType  string            `json:"content_type,omitempty"`
	Retries      uint8             `json:"retries,omitempty"`
	Outlinks     []Outlink         `json:"outlinks,omitempty"`
	ParseMeta    map[string]string `json:"parse_meta,omitempty"`
}

// Entry is one merge input read from a segment.
type Entry struct {
	URL    string
	Record *models.CrawlRecord
}

// ParseFetchStatus accepts both short names ("success", "redir_perm") and
// full status names ("fetch_success").
func ParseFetchStatus(name string) (models.Status, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if !strings.HasPrefix(n, "fetch_") {
		n = "fetch_" + n
	}
	if n == "fetch_not_modified" {
		n = "fetch_notmodified"
	}
	s, ok := models.ParseStatus(n)
	if !ok || !s.IsFetch() {
		return models.StatusUnset, fmt.Errorf("%w: fetch status %q", utils.ErrUnknownStatus, name)
	}
	return s, nil
}

// Entries converts the outcome into a fetch record followed by one link stub
// per outlink and a parse-metadata stub when parse_meta is present. calc
// fingerprints content when no explicit signature is given; now stands in
// for a missing fetch_time.
func (o *Outcome) Entries(calc signature.Calculator, now time.Time) ([]Entry, error) {
	if o.URL == "" {
		return nil, fmt.Errorf("%w: outcome without url", utils.ErrMalformedRecord)
	}
	status, err := ParseFetchStatus(o.Status)
	if err != nil {
		return nil, err
	}
	fetchTime := o.FetchTime
	if fetchTime.IsZero() {
		fetchTime = now
	}
	rec := &models.CrawlRecord{
		Status:            status,
		FetchTime:         fetchTime.UnixMilli(),
		RetriesSinceFetch: o.Retries,
	}
	if !o.ModifiedTime.IsZero() {
		rec.ModifiedTime = o.ModifiedTime.UnixMilli()
	}
	if o.ContentType != "" {
		rec.Meta().Put(models.MetaContentType, models.TextValue(o.ContentType))
	}

	var sig []byte
	switch {
	case o.Signature != "":
		sig, err = hex.DecodeString(o.Signature)
		if err != nil {
			return nil, fmt.Errorf("%w: signature of %s: %w", utils.ErrMalformedRecord, o.URL, err)
		}
	case calc != nil && status == models.StatusFetchSuccess && (o.Content != "" || o.Text != ""):
		sig = calc.Calculate(o.URL, []byte(o.Content), o.Text)
	}
	if sig != nil {
		if err := rec.SetSignature(sig); err != nil {
			return nil, err
		}
	}

	entries := []Entry{{URL: o.URL, Record: rec}}
	for _, l := range o.Outlinks {
		if l.URL == "" {
			continue
		}
		link := &models.CrawlRecord{Status: models.StatusLinked, FetchTime: rec.FetchTime, Score: l.Score}
		putText(link.Meta(), l.Metadata)
		entries = append(entries, Entry{URL: l.URL, Record: link})
	}
	if len(o.ParseMeta) > 0 {
		pm := &models.CrawlRecord{Status: models.StatusParseMeta, FetchTime: rec.FetchTime}
		putText(pm.Meta(), o.ParseMeta)
		entries = append(entries, Entry{URL: o.URL, Record: pm})
	}
	return entries, nil
}

// putText adds kv to m in key order.
func putText(m *models.Metadata, kv map[string]string) {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.Put(k, models.TextValue(kv[k]))
	}
}

// Ingester reads every fetch outcome of a segment.
type Ingester struct {
	Signature signature.Calculator
	Now       func() time.Time

	// OnBad receives records and lines that could not be decoded; they are
	// skipped either way.
	OnBad func(source string, err error)
}

// Ingest calls fn for every merge input in segDir: crawl_fetch parts, then
// crawl_parse parts, then outcomes.jsonl.
func (in *Ingester) Ingest(ctx context.Context, segDir string, fn func(url string, rec *models.CrawlRecord) error) error {
	for _, sub := range []string{FetchDir, ParseDir} {
		parts, err := seqfile.Parts(filepath.Join(segDir, sub))
		if err != nil {
			return err
		}
		for _, p := range parts {
			if err := ctx.Err(); err != nil {
				return err
			}
			source := filepath.Join(filepath.Base(segDir), sub, filepath.Base(p))
			err := seqfile.ForEach(p, fn, func(de *seqfile.DecodeError) {
				in.bad(source, de)
			})
			if err != nil {
				return err
			}
		}
	}
	return in.ingestJSONL(ctx, filepath.Join(segDir, OutcomesFile), fn)
}

func (in *Ingester) ingestJSONL(ctx context.Context, path string, fn func(url string, rec *models.CrawlRecord) error) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: opening outcomes: %w", utils.ErrFilesystem, err)
	}
	defer f.Close()

	now := time.Now
	if in.Now != nil {
		now = in.Now
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxOutcomeLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		source := fmt.Sprintf("%s:%d", filepath.Base(path), lineNo)
		var o Outcome
		if err := json.Unmarshal([]byte(line), &o); err != nil {
			in.bad(source, fmt.Errorf("%w: JSON outcome: %w", utils.ErrParsing, err))
			continue
		}
		entries, err := o.Entries(in.Signature, now())
		if err != nil {
			in.bad(source, err)
			continue
		}
		for _, e := range entries {
			if err := fn(e.URL, e.Record); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: reading %s: %w", utils.ErrFilesystem, path, err)
	}
	return nil
}

func (in *Ingester) bad(source string, err error) {
	if in.OnBad != nil {
		in.OnBad(source, err)
	}
}
