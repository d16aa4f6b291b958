package storage

import (
	"context"
	"time"

	"github.com/Sriram-PR/crawldb/pkg/models"
)

// RecordReader gives read access to an installed crawl database.
type RecordReader interface {
	// Get returns the record for url, or found=false when it is absent
	Get(url string) (rec *models.CrawlRecord, found bool, err error)

	// Scan calls fn for every record in key order. Undecodable values are
	// logged, counted in malformed and skipped
	Scan(ctx context.Context, fn func(url string, rec *models.CrawlRecord) error) (malformed int, err error)

	// Count returns the number of keys
	Count() (int, error)
}

// RecordWriter receives the output of a cycle
type RecordWriter interface {
	// Write queues rec under url. Safe for concurrent use
	Write(url string, rec *models.CrawlRecord) error

	// Flush commits all queued writes
	Flush() error
}

// StoreAdmin handles lifecycle and administrative operations
type StoreAdmin interface {
	// RunGC runs periodic garbage collection. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database connection
	Close() error
}
