package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a config rooted in a temp dir and returns its path.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	content := `
crawldb_dir: "` + filepath.Join(dir, "crawldb") + `"
segments_dir: "` + filepath.Join(dir, "segments") + `"
state_dir: "` + filepath.Join(dir, "state") + `"
staging_dir: "` + filepath.Join(dir, "staging") + `"
num_workers: 2
` + extra
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))
	return cfgPath
}

func opts(cfgPath string) *commonOpts {
	return &commonOpts{configFile: cfgPath, logLevel: "error"}
}

func writeSeeds(t *testing.T, lines ...string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "seeds.txt")
	require.NoError(t, os.WriteFile(p, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	return p
}

func TestDoValidate_Valid(t *testing.T) {
	cfgPath := writeConfig(t, `
schedule:
  class: adaptive
partition:
  mode: host
`)
	var stdout, stderr bytes.Buffer
	exitCode := doValidate(cfgPath, &stdout, &stderr)

	assert.Equal(t, 0, exitCode, stderr.String())
	assert.Contains(t, stdout.String(), "OK: schedule = adaptive")
	assert.Contains(t, stdout.String(), "OK: partition = host")
	assert.Contains(t, stdout.String(), "Configuration valid")
	assert.NotContains(t, stdout.String(), "WARN")
}

func TestDoValidate_UnknownClassWarns(t *testing.T) {
	cfgPath := writeConfig(t, `
scoring:
  class: pagerank
`)
	var stdout, stderr bytes.Buffer
	exitCode := doValidate(cfgPath, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "WARN:")
	assert.Contains(t, stdout.String(), "pagerank")
	assert.Contains(t, stdout.String(), "OK: scoring = opic")
}

func TestDoValidate_Fatal(t *testing.T) {
	cfgPath := writeConfig(t, `
generate:
  restrict_status: fetch_success
`)
	var stdout, stderr bytes.Buffer
	exitCode := doValidate(cfgPath, &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "ERROR")
}

func TestDoValidate_ConfigNotFound(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := doValidate("/nonexistent/config.yaml", &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "read config")
}

func TestDoInject_ThenReaders(t *testing.T) {
	cfgPath := writeConfig(t, "")
	seeds := writeSeeds(t, "http://a.com/", "http://b.com/\tnutch.score=2.5", "not a url")

	var stdout, stderr bytes.Buffer
	exitCode := doInject(opts(cfgPath), []string{seeds}, injectOverrides{}, false, nil, &stdout, &stderr)
	require.Equal(t, 0, exitCode, stderr.String())
	assert.Contains(t, stdout.String(), "injector/urls_injected=2")

	t.Run("stats", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		require.Equal(t, 0, doStats(opts(cfgPath), false, &stdout, &stderr), stderr.String())
		assert.Contains(t, stdout.String(), "TOTAL urls:\t2")
		assert.Contains(t, stdout.String(), "db_unfetched")

		stdout.Reset()
		require.Equal(t, 0, doStats(opts(cfgPath), true, &stdout, &stderr))
		assert.Contains(t, stdout.String(), `"total": 2`)
	})

	t.Run("get", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		require.Equal(t, 0, doGet(opts(cfgPath), "http://b.com/", &stdout, &stderr), stderr.String())
		assert.Contains(t, stdout.String(), `"score": 2.5`)

		stdout.Reset()
		assert.Equal(t, 1, doGet(opts(cfgPath), "http://missing.com/", &stdout, &stderr))
		assert.Contains(t, stdout.String(), "not found")
	})

	t.Run("dump", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		require.Equal(t, 0, doDump(opts(cfgPath), "urls", "db_unfetched", "", &stdout, &stderr), stderr.String())
		assert.ElementsMatch(t, []string{"http://a.com/", "http://b.com/"}, strings.Fields(stdout.String()))

		out := filepath.Join(t.TempDir(), "dump.csv")
		require.Equal(t, 0, doDump(opts(cfgPath), "csv", "", out, &stdout, &stderr))
		data, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 3)

		assert.Equal(t, 1, doDump(opts(cfgPath), "urls", "fetch_success", "", &stdout, &stderr))
		assert.Equal(t, 1, doDump(opts(cfgPath), "xml", "", "", &stdout, &stderr))
	})
}

func TestDoInject_Overrides(t *testing.T) {
	cfgPath := writeConfig(t, "")
	seeds := writeSeeds(t, "http://a.com/")
	var stdout, stderr bytes.Buffer

	score := float32(4)
	require.Equal(t, 0, doInject(opts(cfgPath), []string{seeds}, injectOverrides{score: &score}, false, nil, &stdout, &stderr), stderr.String())

	stdout.Reset()
	require.Equal(t, 0, doGet(opts(cfgPath), "http://a.com/", &stdout, &stderr))
	assert.Contains(t, stdout.String(), `"score": 4`)
}

func TestDoInject_Stdin(t *testing.T) {
	cfgPath := writeConfig(t, "")
	var stdout, stderr bytes.Buffer
	exitCode := doInject(opts(cfgPath), []string{"-"}, injectOverrides{}, false,
		strings.NewReader("http://a.com/\n"), &stdout, &stderr)
	require.Equal(t, 0, exitCode, stderr.String())
	assert.Contains(t, stdout.String(), "injector/urls_injected=1")
}

func TestDoInject_MissingSeedFile(t *testing.T) {
	cfgPath := writeConfig(t, "")
	var stdout, stderr bytes.Buffer
	exitCode := doInject(opts(cfgPath), []string{"/nonexistent/seeds.txt"}, injectOverrides{}, false, nil, &stdout, &stderr)
	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "open seeds")
}

func TestDoInject_Sitemap(t *testing.T) {
	cfgPath := writeConfig(t, "")
	sm := filepath.Join(t.TempDir(), "sitemap.xml")
	require.NoError(t, os.WriteFile(sm, []byte(`<urlset>
  <url><loc>http://a.com/</loc><priority>0.8</priority><changefreq>daily</changefreq></url>
  <url><loc>http://b.com/</loc></url>
</urlset>`), 0644))

	var stdout, stderr bytes.Buffer
	exitCode := doInject(opts(cfgPath), []string{sm}, injectOverrides{sitemaps: true}, false, nil, &stdout, &stderr)
	require.Equal(t, 0, exitCode, stderr.String())
	assert.Contains(t, stdout.String(), "Read 2 URLs from sitemaps")
	assert.Contains(t, stdout.String(), "injector/urls_injected=2")

	stdout.Reset()
	require.Equal(t, 0, doGet(opts(cfgPath), "http://a.com/", &stdout, &stderr))
	assert.Contains(t, stdout.String(), `"score": 0.8`)
	assert.Contains(t, stdout.String(), `"fetch_interval": 86400`)

	stdout.Reset()
	bad := writeSeeds(t, "http://a.com/")
	assert.Equal(t, 1, doInject(opts(cfgPath), []string{bad}, injectOverrides{sitemaps: true}, false, nil, &stdout, &stderr))
}

func TestDoStats_Empty(t *testing.T) {
	cfgPath := writeConfig(t, "")
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, doStats(opts(cfgPath), false, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "empty")
}

func TestDoSteps_GenerateThenSegments(t *testing.T) {
	cfgPath := writeConfig(t, "")
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, doInject(opts(cfgPath), []string{writeSeeds(t, "http://a.com/", "http://b.com/")},
		injectOverrides{}, false, nil, &stdout, &stderr), stderr.String())

	stdout.Reset()
	topN := int64(1)
	exitCode := doSteps(opts(cfgPath), []string{"generate"}, generateOverrides{topN: &topN}, false, &stdout, &stderr)
	require.Equal(t, 0, exitCode, stderr.String())
	assert.Contains(t, stdout.String(), "generate: ok")
	assert.Contains(t, stdout.String(), "segment ")

	stdout.Reset()
	require.Equal(t, 0, doSegments(opts(cfgPath), false, &stdout, &stderr))
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "NAME")
	fields := strings.Fields(lines[1])
	assert.Equal(t, "1", fields[1], "topN caps the segment")

	stdout.Reset()
	require.Equal(t, 0, doSegments(opts(cfgPath), true, &stdout, &stderr))
	assert.Len(t, strings.Split(strings.TrimSpace(stdout.String()), "\n"), 1, "nothing fetched yet")

	stdout.Reset()
	require.Equal(t, 0, doUpdate(opts(cfgPath), nil, false, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "update: skipped")
}

func TestDoSteps_Cycle(t *testing.T) {
	cfgPath := writeConfig(t, "")
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, doSteps(opts(cfgPath), nil, generateOverrides{}, false, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), "update: skipped")
	assert.Contains(t, stdout.String(), "dedup: ok")
	assert.Contains(t, stdout.String(), "generate: skipped")

	assert.Equal(t, 1, doSteps(opts(cfgPath), []string{"fetch"}, generateOverrides{}, false, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "step 'fetch' not found")
}

func TestOpenSeedSources(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("http://a.com/\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("http://b.com/\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("http://h.com/\n"), 0644))

	readers, closeAll, err := openSeedSources([]string{dir, "-"}, strings.NewReader("http://c.com/\n"))
	require.NoError(t, err)
	defer closeAll()
	require.Len(t, readers, 3)

	var all bytes.Buffer
	for _, r := range readers {
		_, err := io.Copy(&all, r)
		require.NoError(t, err)
	}
	assert.Equal(t, "http://a.com/\nhttp://b.com/\nhttp://c.com/\n", all.String())
}

func TestDoMcpServer_UnknownTransport(t *testing.T) {
	cfgPath := writeConfig(t, "")
	var stdout, stderr bytes.Buffer
	exitCode := doMcpServer(cfgPath, "carrier-pigeon", 0, "error", &stdout, &stderr)
	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "unknown transport")
}

func TestDoMcpServer_InvalidLogLevel(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := doMcpServer("config.yaml", "stdio", 0, "chatty", &stdout, &stderr)
	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "Invalid log level")
}

func TestPrintUsageTo(t *testing.T) {
	var buf bytes.Buffer
	printUsageTo(&buf)
	out := buf.String()
	for _, cmd := range []string{"inject", "update", "dedup", "generate", "cycle", "watch", "stats", "get", "dump", "validate", "mcp-server", "version"} {
		assert.Contains(t, out, cmd)
	}
}
