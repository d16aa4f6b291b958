package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/Sriram-PR/crawldb/pkg/config"
	"github.com/Sriram-PR/crawldb/pkg/crawldb"
	"github.com/Sriram-PR/crawldb/pkg/metrics"
	"github.com/Sriram-PR/crawldb/pkg/models"
	"github.com/Sriram-PR/crawldb/pkg/orchestrate"
	"github.com/Sriram-PR/crawldb/pkg/segment"
	"github.com/Sriram-PR/crawldb/pkg/sitemap"
	"github.com/Sriram-PR/crawldb/pkg/watch"
)

// fail prints err and returns the failure exit code.
func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

// --- inject ---

// injectOverrides carries inject flags that were set explicitly.
type injectOverrides struct {
	score     *float32
	overwrite *bool
	update    *bool
	sitemaps  bool // Arguments are sitemap files, not seed lists
}

func runInject(args []string) {
	fs := newFlagSet("inject", "<seed file|dir|->...", "Add seed URLs (one per line, optional tab-separated key=value metadata).")
	o := addCommonFlags(fs)
	score := fs.Float64("score", 0, "Initial score for new seeds (overrides inject.score)")
	overwrite := fs.Bool("overwrite", false, "Replace existing records with the injected ones")
	update := fs.Bool("update", false, "Update score and interval of existing records from seed metadata")
	sitemaps := fs.Bool("sitemap", false, "Treat arguments as local sitemap or sitemap index files")
	force := fs.Bool("force", false, "Break a stale crawl database lock")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Error: at least one seed file, directory or '-' is required")
		fs.Usage()
		os.Exit(1)
	}

	ov := injectOverrides{sitemaps: *sitemaps}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "score":
			s := float32(*score)
			ov.score = &s
		case "overwrite":
			ov.overwrite = overwrite
		case "update":
			ov.update = update
		}
	})

	os.Exit(doInject(o, fs.Args(), ov, *force, os.Stdin, os.Stdout, os.Stderr))
}

// doInject injects seeds from paths ("-" reads stdin).
func doInject(o *commonOpts, paths []string, ov injectOverrides, force bool, stdin io.Reader, stdout, stderr io.Writer) int {
	comp, log, err := setup(o, stderr, nil)
	if err != nil {
		return fail(stderr, err)
	}

	ctx, stop := signalContext(log)
	defer stop()

	var sources []io.Reader
	if ov.sitemaps {
		seeds, n, err := sitemap.NewReader(logEntry(log, "inject")).Seeds(ctx, paths)
		if err != nil {
			return fail(stderr, err)
		}
		fmt.Fprintf(stdout, "Read %d URLs from sitemaps\n", n)
		sources = []io.Reader{seeds}
	} else {
		var closeAll func()
		sources, closeAll, err = openSeedSources(paths, stdin)
		if err != nil {
			return fail(stderr, err)
		}
		defer closeAll()
	}

	opts := comp.InjectOptions()
	if ov.score != nil {
		opts.Score = *ov.score
	}
	if ov.overwrite != nil {
		opts.Overwrite = *ov.overwrite
	}
	if ov.update != nil {
		opts.Update = *ov.update
	}

	start := time.Now()
	counters, err := comp.Injector(opts).Inject(ctx, sources, force)
	metrics.ObserveCycle("inject", time.Since(start), err)
	if counters != nil {
		counters.Publish("inject")
		fmt.Fprintln(stdout, counters.String())
	}
	if err != nil {
		return fail(stderr, err)
	}
	return 0
}

// openSeedSources opens seed files; a directory contributes every regular
// file in it, in name order.
func openSeedSources(paths []string, stdin io.Reader) ([]io.Reader, func(), error) {
	var (
		readers []io.Reader
		files   []*os.File
	)
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	open := func(p string) error {
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open seeds: %w", err)
		}
		files = append(files, f)
		readers = append(readers, f)
		return nil
	}

	for _, p := range paths {
		if p == "-" {
			readers = append(readers, stdin)
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open seeds: %w", err)
		}
		if !info.IsDir() {
			if err := open(p); err != nil {
				closeAll()
				return nil, nil, err
			}
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("read seed dir: %w", err)
		}
		for _, e := range entries {
			if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
				if err := open(filepath.Join(p, e.Name())); err != nil {
					closeAll()
					return nil, nil, err
				}
			}
		}
	}
	return readers, closeAll, nil
}

// --- update ---

func runUpdate(args []string) {
	fs := newFlagSet("update", "[segment dir...]", "Merge fetched segments into the crawl database. Without arguments every fetched, unapplied segment is merged.")
	o := addCommonFlags(fs)
	force := fs.Bool("force", false, "Break a stale crawl database lock")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doUpdate(o, fs.Args(), *force, os.Stdout, os.Stderr))
}

func doUpdate(o *commonOpts, segments []string, force bool, stdout, stderr io.Writer) int {
	comp, log, err := setup(o, stderr, nil)
	if err != nil {
		return fail(stderr, err)
	}
	ctx, stop := signalContext(log)
	defer stop()

	if len(segments) == 0 {
		results, err := orchestrate.NewOrchestrator(comp, force, logEntry(log, "update")).RunCycle(ctx, orchestrate.StepUpdate)
		printResults(stdout, results)
		if err != nil {
			return fail(stderr, err)
		}
		return 0
	}

	start := time.Now()
	counters, err := comp.Updater().Update(ctx, segments, force)
	metrics.ObserveCycle(string(orchestrate.StepUpdate), time.Since(start), err)
	if counters != nil {
		counters.Publish(string(orchestrate.StepUpdate))
		fmt.Fprintln(stdout, counters.String())
	}
	if err != nil {
		return fail(stderr, err)
	}
	return 0
}

// --- dedup / generate / cycle ---

// generateOverrides carries generate flags that were set explicitly.
type generateOverrides struct {
	topN        *int64
	maxCount    *int
	segments    *int
	numFetchers *int
}

func (g generateOverrides) apply(c *config.AppConfig) {
	if g.topN != nil {
		c.Generate.TopN = *g.topN
	}
	if g.maxCount != nil {
		c.Generate.MaxCount = *g.maxCount
	}
	if g.segments != nil {
		c.Generate.MaxNumSegments = *g.segments
	}
	if g.numFetchers != nil {
		c.Generate.NumFetchers = *g.numFetchers
	}
}

func runSteps(name string, args []string) {
	summary := map[string]string{
		"dedup":    "Mark pages with identical content signatures as duplicates.",
		"generate": "Select due URLs into new fetch segments.",
		"cycle":    "Run update, dedup and generate in order. A failed step does not stop the others.",
	}[name]
	fs := newFlagSet(name, "", summary)
	o := addCommonFlags(fs)
	force := fs.Bool("force", false, "Break a stale crawl database lock")
	steps := ""
	if name == "cycle" {
		fs.StringVar(&steps, "steps", "", "Comma-separated steps to run (default: update,dedup,generate)")
	}
	var ov generateOverrides
	var (
		topN        int64
		maxCount    int
		numSegments int
		numFetchers int
	)
	if name != "dedup" {
		fs.Int64Var(&topN, "topN", 0, "Maximum URLs per segment")
		fs.IntVar(&maxCount, "maxCount", 0, "Maximum URLs per host or domain per segment (-1 = unlimited)")
		fs.IntVar(&numSegments, "segments", 0, "Maximum number of segments to generate")
		fs.IntVar(&numFetchers, "numFetchers", 0, "Number of fetch list partitions per segment")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "topN":
			ov.topN = &topN
		case "maxCount":
			ov.maxCount = &maxCount
		case "segments":
			ov.segments = &numSegments
		case "numFetchers":
			ov.numFetchers = &numFetchers
		}
	})

	var stepNames []string
	switch name {
	case "cycle":
		for _, s := range strings.Split(steps, ",") {
			if s = strings.TrimSpace(s); s != "" {
				stepNames = append(stepNames, s)
			}
		}
	default:
		stepNames = []string{name}
	}
	os.Exit(doSteps(o, stepNames, ov, *force, os.Stdout, os.Stderr))
}

// doSteps runs the named steps as one cycle. No names runs every step.
func doSteps(o *commonOpts, stepNames []string, ov generateOverrides, force bool, stdout, stderr io.Writer) int {
	steps, err := orchestrate.ParseSteps(stepNames)
	if err != nil {
		return fail(stderr, err)
	}
	comp, log, err := setup(o, stderr, ov.apply)
	if err != nil {
		return fail(stderr, err)
	}
	ctx, stop := signalContext(log)
	defer stop()

	results, err := orchestrate.NewOrchestrator(comp, force, logEntry(log, "cycle")).RunCycle(ctx, steps...)
	printResults(stdout, results)
	if err != nil {
		return fail(stderr, err)
	}
	return 0
}

func printResults(w io.Writer, results []orchestrate.StepResult) {
	for _, r := range results {
		status := "ok"
		switch {
		case r.Error != nil:
			status = "FAILED"
		case r.Skipped:
			status = "skipped"
		}
		fmt.Fprintf(w, "%s: %s\n", r.Step, status)
		for _, seg := range r.Segments {
			fmt.Fprintf(w, "  segment %s\n", seg)
		}
		if r.Counters != nil {
			if s := r.Counters.String(); s != "" {
				fmt.Fprintf(w, "  %s\n", s)
			}
		}
	}
}

// --- watch ---

func runWatch(args []string) {
	fs := newFlagSet("watch", "", "Run crawl cycles on a schedule. A cycle also starts early when fetched segments are waiting.")
	o := addCommonFlags(fs)
	interval := fs.String("interval", "", "Cycle interval, e.g. 30m, 6h, 1d (overrides watch.interval)")
	steps := fs.String("steps", "", "Comma-separated steps per cycle (overrides watch.steps)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doWatch(o, *interval, *steps, os.Stderr))
}

func doWatch(o *commonOpts, intervalStr, stepsStr string, stderr io.Writer) int {
	var interval time.Duration
	if intervalStr != "" {
		d, err := watch.ParseInterval(intervalStr)
		if err != nil {
			return fail(stderr, err)
		}
		interval = d
	}

	comp, log, err := setup(o, stderr, func(c *config.AppConfig) {
		if interval > 0 {
			c.Watch.Interval = interval
		}
		if stepsStr != "" {
			c.Watch.Steps = strings.Split(stepsStr, ",")
		}
	})
	if err != nil {
		return fail(stderr, err)
	}
	steps, err := orchestrate.ParseSteps(comp.Config.Watch.Steps)
	if err != nil {
		return fail(stderr, err)
	}

	scheduler := watch.NewScheduler(comp, steps, comp.Config.Watch.Interval, logEntry(log, "watch"))
	ctx, stop := signalContext(log)
	defer stop()
	go func() {
		<-ctx.Done()
		scheduler.Stop()
	}()

	if err := scheduler.Run(); err != nil {
		return fail(stderr, err)
	}
	log.Info("Watch mode stopped.")
	return 0
}

// --- readers ---

func runStats(args []string) {
	fs := newFlagSet("stats", "", "Print crawl database statistics.")
	o := addCommonFlags(fs)
	asJSON := fs.Bool("json", false, "Print statistics as JSON")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doStats(o, *asJSON, os.Stdout, os.Stderr))
}

func doStats(o *commonOpts, asJSON bool, stdout, stderr io.Writer) int {
	comp, log, err := setup(o, stderr, nil)
	if err != nil {
		return fail(stderr, err)
	}
	ctx, stop := signalContext(log)
	defer stop()

	stats, err := comp.Reader().Stats(ctx)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(stdout, "Crawl database is empty.")
		return 0
	}
	if err != nil {
		return fail(stderr, err)
	}
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(stats); err != nil {
			return fail(stderr, err)
		}
		return 0
	}
	if _, err := stats.WriteTo(stdout); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func runGet(args []string) {
	fs := newFlagSet("get", "<url>", "Print the record stored for one URL.")
	o := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	os.Exit(doGet(o, fs.Arg(0), os.Stdout, os.Stderr))
}

func doGet(o *commonOpts, url string, stdout, stderr io.Writer) int {
	comp, _, err := setup(o, stderr, nil)
	if err != nil {
		return fail(stderr, err)
	}
	rec, found, err := comp.Reader().Get(url)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fail(stderr, err)
	}
	if !found {
		fmt.Fprintf(stdout, "URL: %s\nnot found\n", url)
		return 1
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "URL: %s\n%s\n", url, b)
	return 0
}

func runDump(args []string) {
	fs := newFlagSet("dump", "", "Dump records from the crawl database.")
	o := addCommonFlags(fs)
	format := fs.String("format", crawldb.FormatJSON, "Output format: json, csv or urls")
	status := fs.String("status", "", "Only dump records with this status, e.g. db_unfetched")
	out := fs.String("out", "", "Write to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doDump(o, *format, *status, *out, os.Stdout, os.Stderr))
}

func doDump(o *commonOpts, format, statusName, outPath string, stdout, stderr io.Writer) int {
	status := models.StatusUnset
	if statusName != "" {
		st, ok := models.ParseStatus(strings.ToLower(statusName))
		if !ok || !st.IsDB() {
			return fail(stderr, fmt.Errorf("status '%s' is not a crawl database status (known: %v)", statusName, models.DBStatuses()))
		}
		status = st
	}

	comp, log, err := setup(o, stderr, nil)
	if err != nil {
		return fail(stderr, err)
	}

	w := stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fail(stderr, err)
		}
		w = f
		defer func() {
			if cerr := f.Close(); cerr != nil {
				log.Errorf("Closing %s: %v", outPath, cerr)
			}
		}()
	}

	ctx, stop := signalContext(log)
	defer stop()
	n, err := comp.Reader().Dump(ctx, w, format, status)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fail(stderr, err)
	}
	log.Infof("Dumped %d records", n)
	return 0
}

func runSegments(args []string) {
	fs := newFlagSet("segments", "", "List segments under segments_dir.")
	o := addCommonFlags(fs)
	pending := fs.Bool("pending", false, "Only list fetched segments that are not yet applied")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doSegments(o, *pending, os.Stdout, os.Stderr))
}

func doSegments(o *commonOpts, pendingOnly bool, stdout, stderr io.Writer) int {
	comp, _, err := setup(o, stderr, nil)
	if err != nil {
		return fail(stderr, err)
	}
	infos, err := segment.List(comp.Config.SegmentsDir)
	if err != nil {
		return fail(stderr, err)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tURLS\tGENERATED\tFETCHED\tAPPLIED")
	for _, info := range infos {
		if pendingOnly && (!info.Fetched || info.Applied) {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%t\t%t\n", info.Name, info.URLs, info.Generated.Format(time.RFC3339), info.Fetched, info.Applied)
	}
	if err := tw.Flush(); err != nil {
		return fail(stderr, err)
	}
	return 0
}

// --- validate ---

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: crawldb validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doValidate(*configFile, os.Stdout, os.Stderr))
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	policies := map[string]string{
		"schedule":  appCfg.Schedule.Class,
		"scoring":   appCfg.Scoring.Class,
		"signature": appCfg.Signature.Class,
		"partition": appCfg.Partition.Mode,
		"dedup":     appCfg.Dedup.Group,
	}
	keys := make([]string, 0, len(policies))
	for k := range policies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(stdout, "OK: %s = %s\n", k, policies[k])
	}

	var errs *multierror.Error
	for _, dir := range []string{appCfg.CrawlDBDir, appCfg.SegmentsDir, appCfg.StateDir} {
		if info, err := os.Stat(dir); err == nil && !info.IsDir() {
			errs = multierror.Append(errs, fmt.Errorf("%s exists and is not a directory", dir))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}
