package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/crawldb/pkg/models"
	"github.com/Sriram-PR/crawldb/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newTestStore(t *testing.T) *RecordStore {
	t.Helper()
	store, err := OpenRecordStore(t.TempDir(), false, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRecord(status models.Status, score float32) *models.CrawlRecord {
	rec := &models.CrawlRecord{Status: status, FetchTime: 1700000000000, FetchInterval: 3600, Score: score}
	rec.Meta().Put(models.MetaContentType, models.TextValue("text/html"))
	return rec
}

func TestRecordStore_PutGet(t *testing.T) {
	store := newTestStore(t)

	_, found, err := store.Get("http://example.com/")
	require.NoError(t, err)
	assert.False(t, found)

	rec := sampleRecord(models.StatusDBFetched, 1.5)
	require.NoError(t, rec.SetSignature([]byte{1, 2, 3}))
	require.NoError(t, store.Put("http://example.com/", rec))

	got, found, err := store.Get("http://example.com/")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rec.Equal(got), "got %s", got)

	require.NoError(t, store.Delete("http://example.com/"))
	_, found, err = store.Get("http://example.com/")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRecordStore_PutRejectsAuxiliaryGarbage(t *testing.T) {
	store := newTestStore(t)
	err := store.Put("http://example.com/", &models.CrawlRecord{Status: models.Status(0x99)})
	assert.True(t, errors.Is(err, utils.ErrUnknownStatus))
}

func TestRecordStore_ScanSkipsMalformed(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put("http://a.example.com/", sampleRecord(models.StatusDBUnfetched, 1)))
	require.NoError(t, store.Put("http://b.example.com/", sampleRecord(models.StatusDBFetched, 2)))

	// A value from a future layout version and a truncated one
	require.NoError(t, store.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recordKey("http://c.example.com/"), []byte{99, 1, 2}); err != nil {
			return err
		}
		return txn.Set(recordKey("http://d.example.com/"), []byte{7, 2, 0, 0})
	}))

	var urls []string
	malformed, err := store.Scan(context.Background(), func(url string, rec *models.CrawlRecord) error {
		urls = append(urls, url)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, malformed)
	assert.Equal(t, []string{"http://a.example.com/", "http://b.example.com/"}, urls)

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestRecordStore_ScanStopsOnError(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put("http://a/", sampleRecord(models.StatusDBUnfetched, 1)))
	require.NoError(t, store.Put("http://b/", sampleRecord(models.StatusDBUnfetched, 1)))

	stop := errors.New("stop")
	calls := 0
	_, err := store.Scan(context.Background(), func(string, *models.CrawlRecord) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Scan(ctx, func(string, *models.CrawlRecord) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriter_Concurrent(t *testing.T) {
	store := newTestStore(t)
	w := store.NewWriter()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				url := "http://example.com/" + string(rune('a'+i)) + "/" + string(rune('a'+j))
				assert.NoError(t, w.Write(url, sampleRecord(models.StatusDBUnfetched, float32(j))))
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, w.Flush())
	assert.Equal(t, int64(200), w.Written())

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 200, count)
}

func TestCrawlDB_InstallAndBackup(t *testing.T) {
	root := filepath.Join(t.TempDir(), "crawldb")
	db, err := OpenCrawlDB(root, true, testLogger())
	require.NoError(t, err)
	assert.False(t, db.HasCurrent())

	_, err = db.OpenCurrent(true)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	// First install
	out, err := db.NewOutput()
	require.NoError(t, err)
	require.NoError(t, out.Store().Put("http://a/", sampleRecord(models.StatusDBUnfetched, 1)))
	require.NoError(t, out.Install())
	assert.True(t, db.HasCurrent())
	assert.NoDirExists(t, out.Path())

	// Second install moves the first aside
	out, err = db.NewOutput()
	require.NoError(t, err)
	require.NoError(t, out.Store().Put("http://b/", sampleRecord(models.StatusDBFetched, 2)))
	require.NoError(t, out.Install())
	assert.DirExists(t, db.OldPath())
	require.NoError(t, out.Discard(), "discard after install is a no-op")

	current, err := db.OpenCurrent(true)
	require.NoError(t, err)
	defer current.Close()
	_, found, err := current.Get("http://b/")
	require.NoError(t, err)
	assert.True(t, found)
	_, found, err = current.Get("http://a/")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCrawlDB_InstallDropsBackupWhenNotPreserved(t *testing.T) {
	db, err := OpenCrawlDB(t.TempDir(), false, testLogger())
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		out, err := db.NewOutput()
		require.NoError(t, err)
		require.NoError(t, out.Install())
	}
	assert.NoDirExists(t, db.OldPath())
	assert.True(t, db.HasCurrent())
}

func TestCrawlDB_DiscardLeavesCurrent(t *testing.T) {
	db, err := OpenCrawlDB(t.TempDir(), true, testLogger())
	require.NoError(t, err)
	out, err := db.NewOutput()
	require.NoError(t, err)
	require.NoError(t, out.Store().Put("http://keep/", sampleRecord(models.StatusDBFetched, 1)))
	require.NoError(t, out.Install())

	out, err = db.NewOutput()
	require.NoError(t, err)
	require.NoError(t, out.Store().Put("http://partial/", sampleRecord(models.StatusDBFetched, 1)))
	require.NoError(t, out.Discard())
	assert.NoDirExists(t, out.Path())

	current, err := db.OpenCurrent(true)
	require.NoError(t, err)
	defer current.Close()
	count, err := current.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCrawlDB_Lock(t *testing.T) {
	db, err := OpenCrawlDB(t.TempDir(), true, testLogger())
	require.NoError(t, err)

	lock, err := db.Lock("update", false)
	require.NoError(t, err)
	assert.NotEmpty(t, lock.Info().Owner)

	_, err = db.Lock("generate", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrLocked))
	assert.Contains(t, err.Error(), "job update")

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())

	lock2, err := db.Lock("generate", false)
	require.NoError(t, err)

	forced, err := db.Lock("inject", true)
	require.NoError(t, err, "force replaces a held lock")
	require.NoError(t, forced.Release())
	require.NoError(t, lock2.Release())
}

func TestCrawlDB_LockCleansStaleOutputs(t *testing.T) {
	db, err := OpenCrawlDB(t.TempDir(), true, testLogger())
	require.NoError(t, err)
	stale := filepath.Join(db.Root(), "tmp-crashed")
	require.NoError(t, os.MkdirAll(stale, 0755))

	lock, err := db.Lock("update", false)
	require.NoError(t, err)
	defer lock.Release()
	assert.NoDirExists(t, stale)
}

func TestCrawlDB_CycleInstallsOnSuccess(t *testing.T) {
	db, err := OpenCrawlDB(t.TempDir(), true, testLogger())
	require.NoError(t, err)

	err = db.Cycle("inject", false, func(current *RecordStore, out *Output) error {
		assert.Nil(t, current, "nothing installed yet")
		return out.Store().Put("http://a/", sampleRecord(models.StatusDBUnfetched, 1))
	})
	require.NoError(t, err)

	err = db.Cycle("update", false, func(current *RecordStore, out *Output) error {
		require.NotNil(t, current)
		w := out.Store().NewWriter()
		_, err := current.Scan(context.Background(), func(url string, rec *models.CrawlRecord) error {
			rec.Status = models.StatusDBFetched
			return w.Write(url, rec)
		})
		if err != nil {
			return err
		}
		return w.Flush()
	})
	require.NoError(t, err)

	store, err := db.OpenCurrent(true)
	require.NoError(t, err)
	defer store.Close()
	rec, found, err := store.Get("http://a/")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.StatusDBFetched, rec.Status)
}

func TestCrawlDB_CycleAbortLeavesStateUntouched(t *testing.T) {
	db, err := OpenCrawlDB(t.TempDir(), true, testLogger())
	require.NoError(t, err)
	require.NoError(t, db.Cycle("inject", false, func(_ *RecordStore, out *Output) error {
		return out.Store().Put("http://a/", sampleRecord(models.StatusDBUnfetched, 1))
	}))

	boom := errors.New("substrate failure")
	var outPath string
	err = db.Cycle("update", false, func(_ *RecordStore, out *Output) error {
		outPath = out.Path()
		require.NoError(t, out.Store().Put("http://partial/", sampleRecord(models.StatusDBFetched, 1)))
		return boom
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrCycleAborted))
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, "CycleAborted_Unknown", utils.CategorizeError(err))
	assert.NoDirExists(t, outPath)

	// Lock released, current untouched
	lock, err := db.Lock("check", false)
	require.NoError(t, err)
	require.NoError(t, lock.Release())

	store, err := db.OpenCurrent(true)
	require.NoError(t, err)
	defer store.Close()
	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCrawlDB_CycleLocked(t *testing.T) {
	db, err := OpenCrawlDB(t.TempDir(), true, testLogger())
	require.NoError(t, err)
	lock, err := db.Lock("update", false)
	require.NoError(t, err)
	defer lock.Release()

	called := false
	err = db.Cycle("generate", false, func(*RecordStore, *Output) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.True(t, errors.Is(err, utils.ErrLocked))
	assert.Equal(t, "CycleAborted_Store_Locked", utils.CategorizeError(err))
}

func TestCrawlDB_CycleSkipInstall(t *testing.T) {
	db, err := OpenCrawlDB(t.TempDir(), true, testLogger())
	require.NoError(t, err)
	require.NoError(t, db.Cycle("inject", false, func(_ *RecordStore, out *Output) error {
		return out.Store().Put("http://a/", sampleRecord(models.StatusDBUnfetched, 1))
	}))

	var outPath string
	err = db.Cycle("generate", false, func(_ *RecordStore, out *Output) error {
		outPath = out.Path()
		return ErrSkipInstall
	})
	require.NoError(t, err)
	assert.NoDirExists(t, outPath)
	assert.NoDirExists(t, db.OldPath(), "nothing was swapped")

	lock, err := db.Lock("check", false)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestCrawlDB_CycleWithGC(t *testing.T) {
	db, err := OpenCrawlDB(t.TempDir(), false, testLogger())
	require.NoError(t, err)
	db.SetGCInterval(time.Millisecond)

	err = db.Cycle("inject", false, func(_ *RecordStore, out *Output) error {
		time.Sleep(5 * time.Millisecond)
		return out.Store().Put("http://a/", sampleRecord(models.StatusDBUnfetched, 1))
	})
	require.NoError(t, err)

	store, err := db.OpenCurrent(true)
	require.NoError(t, err)
	defer store.Close()
	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
