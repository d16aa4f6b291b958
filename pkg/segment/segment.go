// Package segment manages segment directories: the fetch lists written by
// the generator and the fetch outcomes read back by the update cycle.
//
//	<segments>/<yyyyMMddHHmmss>/
//	    segment.yaml         manifest
//	    crawl_generate/      fetch list, one seqfile per fetcher partition
//	    crawl_fetch/         fetch outcome records (seqfiles)
//	    crawl_parse/         link, signature and parse-metadata stubs (seqfiles)
//	    outcomes.jsonl       fetch outcomes as JSON lines
//	    .applied             written once the segment is merged into the crawl database
package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/crawldb/pkg/utils"
)

const (
	NameLayout   = "20060102150405"
	ManifestFile = "segment.yaml"
	GenerateDir  = "crawl_generate"
	FetchDir     = "crawl_fetch"
	ParseDir     = "crawl_parse"
	OutcomesFile = "outcomes.jsonl"
	AppliedFile  = ".applied"
)

// Manifest describes a generated segment.
type Manifest struct {
	Name          string    `yaml:"name"`
	Generated     time.Time `yaml:"generated"`
	CurTime       time.Time `yaml:"cur_time"`
	URLs          int64     `yaml:"urls"`
	Partitions    int       `yaml:"partitions"`
	PartitionMode string    `yaml:"partition_mode"`
	Seed          uint64    `yaml:"seed"`
}

// Info summarizes one segment directory.
type Info struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Generated time.Time `json:"generated"`
	URLs      int64     `json:"urls"`
	Fetched   bool      `json:"fetched"`
	Applied   bool      `json:"applied"`
}

// NewName returns a fresh segment name for now under dir. When a segment of
// the same second exists a numeric suffix is appended.
func NewName(dir string, now time.Time) string {
	base := now.UTC().Format(NameLayout)
	name := base
	for i := 1; exists(filepath.Join(dir, name)); i++ {
		name = fmt.Sprintf("%s-%d", base, i)
	}
	return name
}

// Create makes the segment directory and writes its manifest.
func Create(dir string, m Manifest) (string, error) {
	path := filepath.Join(dir, m.Name)
	if err := os.MkdirAll(filepath.Join(path, GenerateDir), 0755); err != nil {
		return "", fmt.Errorf("%w: creating segment %s: %w", utils.ErrFilesystem, path, err)
	}
	if err := WriteManifest(path, m); err != nil {
		return "", err
	}
	return path, nil
}

// WriteManifest (re)writes segment.yaml.
func WriteManifest(segDir string, m Manifest) error {
	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(segDir, ManifestFile), data, 0644); err != nil {
		return fmt.Errorf("%w: writing manifest: %w", utils.ErrFilesystem, err)
	}
	return nil
}

// ReadManifest loads segment.yaml. Segments produced elsewhere may lack
// one; that yields a manifest holding only the directory name.
func ReadManifest(segDir string) (Manifest, error) {
	m := Manifest{Name: filepath.Base(segDir)}
	data, err := os.ReadFile(filepath.Join(segDir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("%w: reading manifest: %w", utils.ErrFilesystem, err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: manifest %s: %w", utils.ErrParsing, segDir, err)
	}
	return m, nil
}

// HasFetchOutput reports whether fetch outcomes have been delivered.
func HasFetchOutput(segDir string) bool {
	return exists(filepath.Join(segDir, FetchDir)) ||
		exists(filepath.Join(segDir, ParseDir)) ||
		exists(filepath.Join(segDir, OutcomesFile))
}

// IsApplied reports whether the segment was already merged.
func IsApplied(segDir string) bool {
	return exists(filepath.Join(segDir, AppliedFile))
}

// MarkApplied records that the segment was merged at t.
func MarkApplied(segDir string, t time.Time) error {
	if err := os.WriteFile(filepath.Join(segDir, AppliedFile), []byte(t.UTC().Format(time.RFC3339)+"\n"), 0644); err != nil {
		return fmt.Errorf("%w: marking segment applied: %w", utils.ErrFilesystem, err)
	}
	return nil
}

// List returns every segment under dir, oldest name first. A missing dir
// yields no segments.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: listing segments: %w", utils.ErrFilesystem, err)
	}
	var out []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		m, err := ReadManifest(path)
		if err != nil {
			return nil, err
		}
		out = append(out, Info{
			Name:      e.Name(),
			Path:      path,
			Generated: m.Generated,
			URLs:      m.URLs,
			Fetched:   HasFetchOutput(path),
			Applied:   IsApplied(path),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Pending returns the paths of fetched segments not yet applied.
func Pending(dir string) ([]string, error) {
	all, err := List(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, s := range all {
		if s.Fetched && !s.Applied {
			paths = append(paths, s.Path)
		}
	}
	return paths, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
