// Package sitemap turns local sitemap files into injector seed lines.
// Priority becomes the seed score, changefreq the fetch interval and lastmod
// is kept as seed metadata.
package sitemap

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/crawldb"
	"github.com/Sriram-PR/crawldb/pkg/utils"
)

// LastModKey is the seed metadata key lastmod is stored under.
const LastModKey = "sitemap.lastmod"

// maxIndexDepth bounds nested sitemap indexes.
const maxIndexDepth = 3

// --- XML Structs for Sitemap Parsing ---

// XMLURL represents a <url> element in a sitemap
type XMLURL struct {
	Loc        string `xml:"loc"`
	LastMod    string `xml:"lastmod,omitempty"`
	ChangeFreq string `xml:"changefreq,omitempty"`
	Priority   string `xml:"priority,omitempty"`
}

// XMLURLSet represents a <urlset> element in a sitemap
type XMLURLSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []XMLURL `xml:"url"`
}

// XMLSitemap represents a <sitemap> element in a sitemap index file
type XMLSitemap struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod,omitempty"`
}

// XMLSitemapIndex represents a <sitemapindex> element
type XMLSitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Sitemaps []XMLSitemap `xml:"sitemap"`
}

// Entry is one page listed in a sitemap.
type Entry struct {
	URL      string
	LastMod  string
	Interval time.Duration // Zero when changefreq is absent or unknown
	Priority *float32
}

// SeedLine renders e in the injector's seed format.
func (e Entry) SeedLine() string {
	var b strings.Builder
	b.WriteString(e.URL)
	if e.Priority != nil {
		fmt.Fprintf(&b, "\t%s=%s", crawldb.SeedKeyScore, strconv.FormatFloat(float64(*e.Priority), 'f', -1, 32))
	}
	if e.Interval > 0 {
		fmt.Fprintf(&b, "\t%s=%d", crawldb.SeedKeyInterval, int64(e.Interval/time.Second))
	}
	if e.LastMod != "" {
		fmt.Fprintf(&b, "\t%s=%s", LastModKey, e.LastMod)
	}
	return b.String()
}

// ChangeFreqInterval maps a changefreq value to a fetch interval.
func ChangeFreqInterval(freq string) (time.Duration, bool) {
	const day = 24 * time.Hour
	switch strings.ToLower(strings.TrimSpace(freq)) {
	case "always", "hourly":
		return time.Hour, true
	case "daily":
		return day, true
	case "weekly":
		return 7 * day, true
	case "monthly":
		return 30 * day, true
	case "yearly", "never":
		return 365 * day, true
	}
	return 0, false
}

// Reader walks sitemap files on disk. Index entries pointing at local files
// (relative paths or file:// URLs) are followed; remote ones are skipped.
type Reader struct {
	log *logrus.Entry
}

// NewReader creates a sitemap reader.
func NewReader(logger *logrus.Entry) *Reader {
	return &Reader{log: logger.WithField("component", "sitemap")}
}

// Read calls fn for every page listed in the sitemap at path.
func (r *Reader) Read(ctx context.Context, path string, fn func(Entry) error) error {
	return r.read(ctx, path, 0, map[string]bool{}, fn)
}

// Seeds reads every sitemap in paths and returns their pages as seed lines.
func (r *Reader) Seeds(ctx context.Context, paths []string) (io.Reader, int, error) {
	var (
		buf bytes.Buffer
		n   int
	)
	for _, p := range paths {
		err := r.Read(ctx, p, func(e Entry) error {
			buf.WriteString(e.SeedLine())
			buf.WriteByte('\n')
			n++
			return nil
		})
		if err != nil {
			return nil, n, err
		}
	}
	r.log.Infof("Read %d sitemap URLs from %d files", n, len(paths))
	return &buf, n, nil
}

func (r *Reader) read(ctx context.Context, path string, depth int, seen map[string]bool, fn func(Entry) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: sitemap path %s: %w", utils.ErrFilesystem, path, err)
	}
	if seen[abs] {
		r.log.Debugf("Sitemap %s already read, skipping", path)
		return nil
	}
	seen[abs] = true

	data, err := readFile(abs)
	if err != nil {
		return err
	}

	var index XMLSitemapIndex
	if errIndex := xml.Unmarshal(data, &index); errIndex == nil {
		if depth >= maxIndexDepth {
			r.log.Warnf("Sitemap index %s nested deeper than %d, skipping", path, maxIndexDepth)
			return nil
		}
		r.log.Debugf("Sitemap index %s lists %d sitemaps", path, len(index.Sitemaps))
		for _, sm := range index.Sitemaps {
			child, ok := r.localChild(abs, sm.Loc)
			if !ok {
				continue
			}
			if err := r.read(ctx, child, depth+1, seen, fn); err != nil {
				return err
			}
		}
		return nil
	}

	var urlSet XMLURLSet
	if errURLSet := xml.Unmarshal(data, &urlSet); errURLSet != nil {
		return fmt.Errorf("%w: %s is neither a sitemap nor a sitemap index: %w", utils.ErrParsing, path, errURLSet)
	}
	for _, u := range urlSet.URLs {
		e, ok := r.entry(path, u)
		if !ok {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// entry validates one <url> element.
func (r *Reader) entry(source string, u XMLURL) (Entry, bool) {
	loc := strings.TrimSpace(u.Loc)
	parsed, err := url.Parse(loc)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		r.log.Warnf("Sitemap %s: skipping invalid loc %q", source, u.Loc)
		return Entry{}, false
	}

	e := Entry{URL: loc, LastMod: strings.TrimSpace(u.LastMod)}
	if u.ChangeFreq != "" {
		if d, ok := ChangeFreqInterval(u.ChangeFreq); ok {
			e.Interval = d
		} else {
			r.log.Debugf("Sitemap %s: unknown changefreq %q for %s", source, u.ChangeFreq, loc)
		}
	}
	if p := strings.TrimSpace(u.Priority); p != "" {
		v, err := strconv.ParseFloat(p, 32)
		if err != nil || v < 0 || v > 1 {
			r.log.Debugf("Sitemap %s: ignoring priority %q for %s", source, u.Priority, loc)
		} else {
			f := float32(v)
			e.Priority = &f
		}
	}
	return e, true
}

// localChild resolves an index entry against the index file location.
func (r *Reader) localChild(indexPath, loc string) (string, bool) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return "", false
	}
	u, err := url.Parse(loc)
	switch {
	case err != nil:
		r.log.Warnf("Sitemap index %s: invalid loc %q", indexPath, loc)
		return "", false
	case u.Scheme == "file":
		return u.Path, true
	case u.Scheme != "":
		r.log.Warnf("Sitemap index %s: remote sitemap %s is not fetched, skipping", indexPath, loc)
		return "", false
	case filepath.IsAbs(loc):
		return loc, true
	default:
		return filepath.Join(filepath.Dir(indexPath), loc), true
	}
}

// readFile reads path, transparently decompressing gzip.
func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sitemap: %w", utils.ErrFilesystem, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var src io.Reader = br
	if magic, _ := br.Peek(2); len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip sitemap %s: %w", utils.ErrParsing, path, err)
		}
		defer gz.Close()
		src = gz
	}
	data, err := io.ReadAll(src)
	if err != nil {
		if errors.Is(err, gzip.ErrChecksum) || errors.Is(err, gzip.ErrHeader) {
			return nil, fmt.Errorf("%w: gzip sitemap %s: %w", utils.ErrParsing, path, err)
		}
		return nil, fmt.Errorf("%w: read sitemap %s: %w", utils.ErrFilesystem, path, err)
	}
	return data, nil
}
