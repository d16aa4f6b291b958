// Package seqfile reads and writes part files of (url, record) pairs.
//
// A file starts with a magic line followed by length-delimited entries.
// Each entry is a small protobuf-wire message: field 1 holds the URL and
// field 2 the binary-encoded CrawlRecord. Unknown fields are skipped so
// later writers can add to an entry without breaking older readers.
package seqfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Sriram-PR/crawldb/pkg/models"
	"github.com/Sriram-PR/crawldb/pkg/utils"
)

const (
	magic = "CRAWLSEQ1\n"

	fieldURL    protowire.Number = 1
	fieldRecord protowire.Number = 2

	maxEntrySize = 16 << 20
)

// PartName returns the conventional name of part n.
func PartName(n int) string { return fmt.Sprintf("part-%05d", n) }

// Writer appends entries to one part file.
type Writer struct {
	f     *os.File
	w     *bufio.Writer
	buf   []byte
	count int
}

// Create truncates or creates path, making parent directories as needed.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %w", utils.ErrFilesystem, filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: creating %s: %w", utils.ErrFilesystem, path, err)
	}
	w := &Writer{f: f, w: bufio.NewWriter(f)}
	if _, err := w.w.WriteString(magic); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: writing header to %s: %w", utils.ErrFilesystem, path, err)
	}
	return w, nil
}

// Append encodes rec and writes it under url.
func (w *Writer) Append(url string, rec *models.CrawlRecord) error {
	body, err := AppendEntry(w.buf[:0], url, rec)
	if err != nil {
		return err
	}
	frame := protowire.AppendVarint(nil, uint64(len(body)))
	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}
	if _, err := w.w.Write(body); err != nil {
		return fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}
	w.buf = body
	w.count++
	return nil
}

// Count returns how many entries were appended.
func (w *Writer) Count() int { return w.count }

// Close flushes, syncs and closes the file.
func (w *Writer) Close() error {
	flushErr := w.w.Flush()
	syncErr := w.f.Sync()
	closeErr := w.f.Close()
	if err := errors.Join(flushErr, syncErr, closeErr); err != nil {
		return fmt.Errorf("%w: closing %s: %w", utils.ErrFilesystem, w.f.Name(), err)
	}
	return nil
}

// DecodeError reports an entry whose framing was intact but whose record
// could not be decoded. Readers may skip it and continue.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("entry %q: %v", e.URL, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// Reader iterates the entries of one part file.
type Reader struct {
	f    *os.File
	r    *bufio.Reader
	path string
}

// Open opens path and checks its header.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", utils.ErrFilesystem, path, err)
	}
	r := &Reader{f: f, r: bufio.NewReader(f), path: path}
	head := make([]byte, len(magic))
	if _, err := io.ReadFull(r.r, head); err != nil || string(head) != magic {
		f.Close()
		return nil, fmt.Errorf("%w: %s is not a sequence file", utils.ErrMalformedRecord, path)
	}
	return r, nil
}

// Next returns the next entry, io.EOF at the end. A *DecodeError leaves the
// reader positioned on the following entry; any other error is fatal.
func (r *Reader) Next() (string, *models.CrawlRecord, error) {
	n, err := binary.ReadUvarint(r.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", nil, io.EOF
		}
		return "", nil, fmt.Errorf("%w: %s: reading frame length: %w", utils.ErrMalformedRecord, r.path, err)
	}
	if n > maxEntrySize {
		return "", nil, fmt.Errorf("%w: %s: frame of %d bytes", utils.ErrMalformedRecord, r.path, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return "", nil, fmt.Errorf("%w: %s: truncated frame: %w", utils.ErrMalformedRecord, r.path, err)
	}

	url, rec, err := DecodeEntry(body)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			return url, nil, err
		}
		return "", nil, fmt.Errorf("%s: %w", r.path, err)
	}
	return url, rec, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error { return r.f.Close() }

// ForEach streams every entry of path to fn. Entries that fail to decode are
// handed to onBad (which may be nil) and skipped.
func ForEach(path string, fn func(url string, rec *models.CrawlRecord) error, onBad func(err *DecodeError)) error {
	r, err := Open(path)
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		url, rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		var de *DecodeError
		if errors.As(err, &de) {
			if onBad != nil {
				onBad(de)
			}
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(url, rec); err != nil {
			return err
		}
	}
}

// Parts lists the part-* files in dir in name order. A missing dir yields
// no parts and no error.
func Parts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: listing %s: %w", utils.ErrFilesystem, dir, err)
	}
	var parts []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "part-") {
			parts = append(parts, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(parts)
	return parts, nil
}
