package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/log"
	"github.com/Sriram-PR/crawldb/pkg/models"
	"github.com/Sriram-PR/crawldb/pkg/utils"
)

const recordKeyPrefix = "rec:" // Prefix for crawl record keys in DB

// RecordStore keeps one encoded CrawlRecord per URL in BadgerDB
type RecordStore struct {
	db       *badger.DB
	path     string
	readOnly bool
	log      *logrus.Entry
}

// OpenRecordStore opens (creating when writable) the badger directory at path
func OpenRecordStore(path string, readOnly bool, logger *logrus.Entry) (*RecordStore, error) {
	if !readOnly {
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("%w: cannot create store directory %s: %w", utils.ErrFilesystem, path, err)
		}
	}

	badgerLogger := log.NewQuietBadgerAdapter(logger.WithField("component", "badgerdb"))
	opts := badger.DefaultOptions(path).
		WithLogger(badgerLogger).
		WithNumVersionsToKeep(1). // Only the latest state per URL matters
		WithReadOnly(readOnly)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, path, err)
	}
	logger.Debugf("Opened record store at %s (read-only: %v)", path, readOnly)
	return &RecordStore{db: db, path: path, readOnly: readOnly, log: logger}, nil
}

// Path returns the store directory
func (s *RecordStore) Path() string { return s.path }

func recordKey(url string) []byte { return []byte(recordKeyPrefix + url) }

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
func (s *RecordStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// Get implements RecordReader
func (s *RecordStore) Get(url string) (*models.CrawlRecord, bool, error) {
	var rec *models.CrawlRecord
	key := recordKey(url)

	err := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting key '%s': %w", utils.ErrDatabase, string(key), errGet)
		}
		return item.Value(func(val []byte) error {
			decoded, errDecode := models.DecodeRecord(val)
			if errDecode != nil {
				return fmt.Errorf("decoding record for %s: %w", url, errDecode)
			}
			rec = decoded
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return rec, rec != nil, nil
}

// Put stores a single record. Cycles use a Writer instead
func (s *RecordStore) Put(url string, rec *models.CrawlRecord) error {
	val, err := rec.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encoding record for %s: %w", url, err)
	}
	err = s.dbUpdate(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(recordKey(url), val))
	})
	if err != nil {
		return fmt.Errorf("%w: failed setting record for '%s': %w", utils.ErrDatabase, url, err)
	}
	return nil
}

// Delete removes the record for url if present
func (s *RecordStore) Delete(url string) error {
	err := s.dbUpdate(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(url))
	})
	if err != nil {
		return fmt.Errorf("%w: failed deleting '%s': %w", utils.ErrDatabase, url, err)
	}
	return nil
}

// Scan implements RecordReader
func (s *RecordStore) Scan(ctx context.Context, fn func(url string, rec *models.CrawlRecord) error) (int, error) {
	malformed := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Prefix = []byte(recordKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			item := it.Item()
			url := string(item.Key()[len(recordKeyPrefix):])
			var rec *models.CrawlRecord
			errValue := item.Value(func(val []byte) error {
				decoded, errDecode := models.DecodeRecord(val)
				if errDecode != nil {
					s.log.WithField("url", url).Warnf("Skipping undecodable record (%s): %v", utils.CategorizeError(errDecode), errDecode)
					malformed++
					return nil
				}
				rec = decoded
				return nil
			})
			if errValue != nil {
				return fmt.Errorf("%w: reading value for '%s': %w", utils.ErrDatabase, url, errValue)
			}
			if rec == nil {
				continue
			}
			if err := fn(url, rec); err != nil {
				return err
			}
		}
		return nil
	})
	return malformed, err
}

// Count implements RecordReader with a key-only scan
func (s *RecordStore) Count() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(recordKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: counting keys: %w", utils.ErrDatabase, err)
	}
	return count, nil
}

// Writer batches record writes; Flush must be called before Close
type Writer struct {
	wb      *badger.WriteBatch
	written atomic.Int64
}

// NewWriter returns a batched writer over the store
func (s *RecordStore) NewWriter() *Writer {
	return &Writer{wb: s.db.NewWriteBatch()}
}

// Write implements RecordWriter
func (w *Writer) Write(url string, rec *models.CrawlRecord) error {
	val, err := rec.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encoding record for %s: %w", url, err)
	}
	if err := w.wb.Set(recordKey(url), val); err != nil {
		return fmt.Errorf("%w: batching record for '%s': %w", utils.ErrDatabase, url, err)
	}
	w.written.Add(1)
	return nil
}

// Flush implements RecordWriter
func (w *Writer) Flush() error {
	if err := w.wb.Flush(); err != nil {
		return fmt.Errorf("%w: flushing write batch: %w", utils.ErrDatabase, err)
	}
	return nil
}

// Cancel drops queued writes
func (w *Writer) Cancel() { w.wb.Cancel() }

// Written returns how many records were queued
func (w *Writer) Written() int64 { return w.written.Load() }

// RunGC runs BadgerDB's garbage collection periodically
func (s *RecordStore) RunGC(ctx context.Context, interval time.Duration) {
	if s.readOnly {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Minute // Default interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Debug("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				s.log.Debug("DB GC: Database is nil or closed, skipping GC cycle.")
				continue
			}
			var err error
			// Loop GC until it returns ErrNoRewrite or another error
			for {
				err = s.db.RunValueLogGC(0.5)
				if err != nil {
					break
				}
			}
			if errors.Is(err, badger.ErrNoRewrite) {
				s.log.Debug("BadgerDB GC finished (no rewrite needed).")
			} else {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}

		case <-ctx.Done():
			s.log.Debugf("Stopping BadgerDB garbage collection goroutine: %v", ctx.Err())
			return
		}
	}
}

// Close implements StoreAdmin
func (s *RecordStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing record store %s: %v", s.path, err)
			return fmt.Errorf("%w: closing %s: %w", utils.ErrDatabase, s.path, err)
		}
		s.log.Debugf("Record store %s closed.", s.path)
	}
	return nil
}
