// Package batch is the local batch substrate the crawl jobs run on: an
// on-disk external sort that groups values by key, a bounded worker pool
// that reduces each group independently, and named job counters.
package batch

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/log"
	"github.com/Sriram-PR/crawldb/pkg/utils"
)

const (
	groupSep = 0x00
	seqLen   = 8
)

// Staging spills values into a scratch badger database so that they can be
// read back in key order without holding them in memory. Keys written with
// Add are grouped; keys written with AddSorted are only ordered.
type Staging struct {
	db     *badger.DB
	dir    string
	log    *logrus.Entry
	mu     sync.Mutex
	wb     *badger.WriteBatch
	sealed bool
	seq    atomic.Uint64
}

// NewStaging creates a scratch database under baseDir (the OS temp dir when
// empty), creating baseDir if needed. The scratch directory is removed by Close.
func NewStaging(baseDir, job string, logger *logrus.Entry) (*Staging, error) {
	if baseDir != "" {
		if err := os.MkdirAll(baseDir, 0755); err != nil {
			return nil, fmt.Errorf("%w: creating staging dir: %w", utils.ErrFilesystem, err)
		}
	}
	dir, err := os.MkdirTemp(baseDir, "crawldb-"+utils.SanitizeFilename(job)+"-")
	if err != nil {
		return nil, fmt.Errorf("%w: creating staging dir: %w", utils.ErrFilesystem, err)
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(log.NewQuietBadgerAdapter(logger.WithField("component", "staging"))).
		WithNumVersionsToKeep(1).
		WithSyncWrites(false).
		WithDetectConflicts(false)
	db, err := badger.Open(opts)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: opening staging db: %w", utils.ErrDatabase, err)
	}
	return &Staging{db: db, dir: dir, log: logger, wb: db.NewWriteBatch()}, nil
}

// Dir returns the scratch directory.
func (s *Staging) Dir() string { return s.dir }

// Len returns how many values were staged.
func (s *Staging) Len() int64 { return int64(s.seq.Load()) }

func (s *Staging) put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return fmt.Errorf("%w: staging already flushed", utils.ErrDatabase)
	}
	if err := s.wb.Set(key, append([]byte(nil), value...)); err != nil {
		return fmt.Errorf("%w: staging value: %w", utils.ErrDatabase, err)
	}
	return nil
}

func (s *Staging) appendSeq(key []byte) []byte {
	var tail [seqLen]byte
	binary.BigEndian.PutUint64(tail[:], s.seq.Add(1))
	return append(key, tail[:]...)
}

// Add stages value under groupKey. Values of one group come back together,
// in insertion order. Safe for concurrent use.
func (s *Staging) Add(groupKey string, value []byte) error {
	if strings.IndexByte(groupKey, groupSep) >= 0 {
		return fmt.Errorf("%w: group key %q contains a NUL byte", utils.ErrParsing, groupKey)
	}
	key := make([]byte, 0, len(groupKey)+1+seqLen)
	key = append(key, groupKey...)
	key = append(key, groupSep)
	return s.put(s.appendSeq(key), value)
}

// AddSorted stages value under an arbitrary ordering key. Equal sort keys
// keep insertion order.
func (s *Staging) AddSorted(sortKey []byte, value []byte) error {
	key := make([]byte, 0, len(sortKey)+seqLen)
	key = append(key, sortKey...)
	return s.put(s.appendSeq(key), value)
}

// Flush commits staged values. After Flush, Add fails and reads may begin.
func (s *Staging) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return nil
	}
	s.sealed = true
	if err := s.wb.Flush(); err != nil {
		return fmt.Errorf("%w: flushing staging: %w", utils.ErrDatabase, err)
	}
	return nil
}

// Groups calls fn once per group key, in ascending key order.
func (s *Staging) Groups(ctx context.Context, fn func(key string, values [][]byte) error) error {
	if err := s.Flush(); err != nil {
		return err
	}
	var (
		current string
		values  [][]byte
		started bool
	)
	err := s.iterate(ctx, func(key, value []byte) error {
		if len(key) < seqLen+1 || key[len(key)-seqLen-1] != groupSep {
			return fmt.Errorf("%w: staging key %q was not written by Add", utils.ErrMalformedRecord, key)
		}
		group := string(key[:len(key)-seqLen-1])
		if started && group != current {
			if err := fn(current, values); err != nil {
				return err
			}
			values = nil
		}
		current, started = group, true
		values = append(values, value)
		return nil
	})
	if err != nil {
		return err
	}
	if started {
		return fn(current, values)
	}
	return nil
}

// Scan calls fn for every staged value in key order. The sort key passed to
// fn excludes the insertion sequence.
func (s *Staging) Scan(ctx context.Context, fn func(sortKey, value []byte) error) error {
	if err := s.Flush(); err != nil {
		return err
	}
	return s.iterate(ctx, func(key, value []byte) error {
		return fn(key[:len(key)-seqLen], value)
	})
}

func (s *Staging) iterate(ctx context.Context, fn func(key, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("%w: reading staged value: %w", utils.ErrDatabase, err)
			}
			if err := fn(bytes.Clone(item.Key()), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close drops the scratch database and its directory.
func (s *Staging) Close() error {
	s.mu.Lock()
	if !s.sealed {
		s.wb.Cancel()
		s.sealed = true
	}
	s.mu.Unlock()
	closeErr := s.db.Close()
	rmErr := os.RemoveAll(s.dir)
	if err := errors.Join(closeErr, rmErr); err != nil {
		return fmt.Errorf("%w: closing staging %s: %w", utils.ErrFilesystem, s.dir, err)
	}
	return nil
}
