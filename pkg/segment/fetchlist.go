package segment

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"github.com/Sriram-PR/crawldb/pkg/models"
	"github.com/Sriram-PR/crawldb/pkg/seqfile"
)

// FetchListWriter writes the crawl_generate partitions of one segment.
// Partition files are created on first use.
type FetchListWriter struct {
	dir    string
	parts  map[int]*seqfile.Writer
	count  int64
	nparts int // Survives Close
}

// NewFetchListWriter writes into segDir/crawl_generate.
func NewFetchListWriter(segDir string) *FetchListWriter {
	return &FetchListWriter{dir: filepath.Join(segDir, GenerateDir), parts: make(map[int]*seqfile.Writer)}
}

// Append adds url to partition part.
func (w *FetchListWriter) Append(part int, url string, rec *models.CrawlRecord) error {
	sw, ok := w.parts[part]
	if !ok {
		var err error
		sw, err = seqfile.Create(filepath.Join(w.dir, seqfile.PartName(part)))
		if err != nil {
			return err
		}
		w.parts[part] = sw
		w.nparts++
	}
	if err := sw.Append(url, rec); err != nil {
		return err
	}
	w.count++
	return nil
}

// Count returns the number of entries written.
func (w *FetchListWriter) Count() int64 { return w.count }

// Partitions returns how many partition files were created.
func (w *FetchListWriter) Partitions() int { return w.nparts }

// Close closes every partition file.
func (w *FetchListWriter) Close() error {
	var result *multierror.Error
	for _, sw := range w.parts {
		result = multierror.Append(result, sw.Close())
	}
	w.parts = map[int]*seqfile.Writer{}
	return result.ErrorOrNil()
}

// ReadFetchList calls fn for every entry of the segment's fetch list,
// partition by partition.
func ReadFetchList(ctx context.Context, segDir string, fn func(url string, rec *models.CrawlRecord) error) error {
	parts, err := seqfile.Parts(filepath.Join(segDir, GenerateDir))
	if err != nil {
		return err
	}
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := seqfile.ForEach(p, fn, nil); err != nil {
			return fmt.Errorf("fetch list %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}
