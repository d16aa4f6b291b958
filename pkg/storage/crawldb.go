package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/utils"
)

const (
	currentDir = "current"
	oldDir     = "old"
	lockFile   = ".locked"
	tmpPrefix  = "tmp-"
)

// CrawlDB is the on-disk home of a crawl database:
//
//	<root>/current/   installed store, the only one readers open
//	<root>/old/       previous store, kept when backups are preserved
//	<root>/tmp-<id>/  output of a running cycle
//	<root>/.locked    held by the cycle that is writing
type CrawlDB struct {
	root           string
	preserveBackup bool
	gcInterval     time.Duration // Value-log GC period for cycle outputs, 0 = off
	log            *logrus.Entry
}

// OpenCrawlDB prepares root, creating it when missing.
func OpenCrawlDB(root string, preserveBackup bool, logger *logrus.Entry) (*CrawlDB, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create crawldb directory %s: %w", utils.ErrFilesystem, root, err)
	}
	return &CrawlDB{root: root, preserveBackup: preserveBackup, log: logger.WithField("crawldb", root)}, nil
}

// SetGCInterval enables periodic badger value-log GC on the output of
// every cycle while it is being written.
func (c *CrawlDB) SetGCInterval(d time.Duration) { c.gcInterval = d }

func (c *CrawlDB) Root() string        { return c.root }
func (c *CrawlDB) CurrentPath() string { return filepath.Join(c.root, currentDir) }
func (c *CrawlDB) OldPath() string     { return filepath.Join(c.root, oldDir) }

// HasCurrent reports whether a store has been installed.
func (c *CrawlDB) HasCurrent() bool {
	info, err := os.Stat(c.CurrentPath())
	return err == nil && info.IsDir()
}

// OpenCurrent opens the installed store. It fails with os.ErrNotExist
// (wrapped in ErrFilesystem) when nothing has been installed yet.
func (c *CrawlDB) OpenCurrent(readOnly bool) (*RecordStore, error) {
	if !c.HasCurrent() {
		return nil, fmt.Errorf("%w: no installed store under %s: %w", utils.ErrFilesystem, c.root, os.ErrNotExist)
	}
	return OpenRecordStore(c.CurrentPath(), readOnly, c.log)
}

// LockInfo is written into the lock file.
type LockInfo struct {
	Owner    string    `json:"owner"`
	PID      int       `json:"pid"`
	Job      string    `json:"job"`
	Acquired time.Time `json:"acquired"`
}

// Lock is a held crawldb lock.
type Lock struct {
	path string
	info LockInfo
	log  *logrus.Entry
}

// Info returns what was written into the lock file.
func (l *Lock) Info() LockInfo { return l.info }

// Lock takes the exclusive cycle lock. With force, a lock left by a dead
// run is removed first. Stale tmp-* outputs are cleaned once it is held.
func (c *CrawlDB) Lock(job string, force bool) (*Lock, error) {
	path := filepath.Join(c.root, lockFile)
	if force {
		if err := os.Remove(path); err == nil {
			c.log.Warnf("Removed existing lock file %s (forced)", path)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			holder := readLockInfo(path)
			return nil, fmt.Errorf("%w: %s held by %s (job %s, pid %d, since %s)", utils.ErrLocked,
				path, holder.Owner, holder.Job, holder.PID, holder.Acquired.Format(time.RFC3339))
		}
		return nil, fmt.Errorf("%w: creating lock %s: %w", utils.ErrFilesystem, path, err)
	}
	info := LockInfo{Owner: uuid.NewString(), PID: os.Getpid(), Job: job, Acquired: time.Now().UTC()}
	encodeErr := json.NewEncoder(f).Encode(info)
	closeErr := f.Close()
	if err := errors.Join(encodeErr, closeErr); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%w: writing lock %s: %w", utils.ErrFilesystem, path, err)
	}

	lock := &Lock{path: path, info: info, log: c.log}
	c.cleanStaleOutputs()
	c.log.WithField("owner", info.Owner).Debugf("Acquired crawldb lock for %s", job)
	return lock, nil
}

func readLockInfo(path string) LockInfo {
	var info LockInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info
	}
	_ = json.Unmarshal(data, &info)
	return info
}

// Release removes the lock file. Releasing twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: releasing lock: %w", utils.ErrFilesystem, err)
	}
	return nil
}

// cleanStaleOutputs removes tmp-* directories left by aborted runs. Only
// called while the lock is held.
func (c *CrawlDB) cleanStaleOutputs() {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), tmpPrefix) {
			p := filepath.Join(c.root, e.Name())
			if err := os.RemoveAll(p); err != nil {
				c.log.Warnf("Failed to remove stale output %s: %v", p, err)
				continue
			}
			c.log.Infof("Removed stale output %s", p)
		}
	}
}

// Output is a fresh store a cycle writes into before installing it.
type Output struct {
	db    *CrawlDB
	path  string
	store *RecordStore
	done  bool
}

// NewOutput creates tmp-<uuid>/ and opens a writable store in it.
func (c *CrawlDB) NewOutput() (*Output, error) {
	path := filepath.Join(c.root, tmpPrefix+uuid.NewString())
	store, err := OpenRecordStore(path, false, c.log)
	if err != nil {
		os.RemoveAll(path)
		return nil, err
	}
	return &Output{db: c, path: path, store: store}, nil
}

// Store returns the store being written.
func (o *Output) Store() *RecordStore { return o.store }

// Path returns the output directory.
func (o *Output) Path() string { return o.path }

// Install closes the output and swaps it in as current. The previous
// current becomes old/, which is dropped unless backups are preserved.
func (o *Output) Install() error {
	if o.done {
		return fmt.Errorf("%w: output %s already finished", utils.ErrFilesystem, o.path)
	}
	if err := o.store.Close(); err != nil {
		return err
	}
	o.done = true

	c := o.db
	current, old := c.CurrentPath(), c.OldPath()
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("%w: removing previous backup: %w", utils.ErrFilesystem, err)
	}
	hadCurrent := c.HasCurrent()
	if hadCurrent {
		if err := os.Rename(current, old); err != nil {
			return fmt.Errorf("%w: moving current aside: %w", utils.ErrFilesystem, err)
		}
	}
	if err := os.Rename(o.path, current); err != nil {
		if hadCurrent {
			if rbErr := os.Rename(old, current); rbErr != nil {
				c.log.Errorf("Failed to restore %s after install error: %v", current, rbErr)
			}
		}
		return fmt.Errorf("%w: installing %s: %w", utils.ErrFilesystem, o.path, err)
	}
	if hadCurrent && !c.preserveBackup {
		if err := os.RemoveAll(old); err != nil {
			c.log.Warnf("Installed new store but failed to drop backup %s: %v", old, err)
		}
	}
	c.log.Infof("Installed new crawldb store from %s", filepath.Base(o.path))
	return nil
}

// Discard closes and deletes the output. Safe after Install.
func (o *Output) Discard() error {
	if o.done {
		return nil
	}
	o.done = true
	closeErr := o.store.Close()
	if err := os.RemoveAll(o.path); err != nil {
		return fmt.Errorf("%w: removing output %s: %w", utils.ErrFilesystem, o.path, err)
	}
	return closeErr
}
