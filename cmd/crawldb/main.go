package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawldb/pkg/config"
	applog "github.com/Sriram-PR/crawldb/pkg/log"
	"github.com/Sriram-PR/crawldb/pkg/metrics"
	"github.com/Sriram-PR/crawldb/pkg/orchestrate"
)

const version = "0.4.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "inject":
		runInject(os.Args[2:])
	case "update":
		runUpdate(os.Args[2:])
	case "dedup", "generate", "cycle":
		runSteps(os.Args[1], os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "get":
		runGet(os.Args[2:])
	case "dump":
		runDump(os.Args[2:])
	case "segments":
		runSegments(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "mcp-server":
		runMcpServer(os.Args[2:])
	case "version":
		fmt.Printf("crawldb %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `crawldb - Crawl state database for a batch web crawler

Usage:
  crawldb <command> [options]

Commands:
  inject      Add seed URLs to the crawl database
  update      Merge fetched segments into the crawl database
  dedup       Mark duplicate pages by content signature
  generate    Select due URLs into new fetch segments
  cycle       Run update, dedup and generate in order
  watch       Run crawl cycles on a schedule
  stats       Print crawl database statistics
  get         Print the record stored for one URL
  dump        Dump records as json, csv or urls
  segments    List segments and their state
  validate    Validate configuration file
  mcp-server  Start MCP server for AI tool integration
  version     Show version info

Run 'crawldb <command> -h' for command-specific help.`)
}

// commonOpts are the flags every database command accepts.
type commonOpts struct {
	configFile  string
	logLevel    string
	metricsAddr string
}

func addCommonFlags(fs *flag.FlagSet) *commonOpts {
	o := &commonOpts{}
	fs.StringVar(&o.configFile, "config", "config.yaml", "Path to config file")
	fs.StringVar(&o.logLevel, "loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides metrics_addr)")
	return o
}

// newFlagSet creates a flag set with a usage banner.
func newFlagSet(name, args, summary string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: crawldb %s [options] %s\n\n%s\n\nOptions:\n", name, args, summary)
		fs.PrintDefaults()
	}
	return fs
}

// setupLogger creates the command logger writing to out.
func setupLogger(logLevelStr string, out io.Writer) *logrus.Logger {
	log, err := applog.NewLogger(logLevelStr, out)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", logLevelStr, err)
	}
	return log
}

// setup loads and validates the config, applies mutate and wires the
// components. Logs go to stderr.
func setup(o *commonOpts, stderr io.Writer, mutate func(*config.AppConfig)) (*orchestrate.Components, *logrus.Logger, error) {
	log := setupLogger(o.logLevel, stderr)

	log.Infof("Loading configuration from %s", o.configFile)
	appCfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, log, err
	}
	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return nil, log, err
	}
	if mutate != nil {
		mutate(appCfg)
	}
	if o.metricsAddr != "" {
		appCfg.MetricsAddr = o.metricsAddr
	}
	logAppConfig(appCfg, log)
	startMetrics(appCfg.MetricsAddr, log)

	comp, err := orchestrate.NewComponents(appCfg, nil, logrus.NewEntry(log))
	if err != nil {
		return nil, log, err
	}
	return comp, log, nil
}

// startMetrics serves the Prometheus handler if addr is non-empty.
func startMetrics(addr string, log *logrus.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	go func() {
		log.Infof("Serving metrics at http://%s/metrics", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("Metrics server error: %v", err)
		}
	}()
}

// signalContext returns a context canceled on SIGINT or SIGTERM. A second
// signal, or a stuck shutdown, forces exit.
func signalContext(log *logrus.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Interrupting; the running step will roll back...", sig)
			cancel()
		case <-ctx.Done():
			return
		}
		select {
		case sig := <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// logAppConfig logs the effective configuration at info level.
func logAppConfig(c *config.AppConfig, log *logrus.Logger) {
	log.Info("--- Effective Configuration ---")
	log.Infof("Crawl DB: %s", c.CrawlDBDir)
	log.Infof("Segments: %s", c.SegmentsDir)
	log.Infof("State: %s", c.StateDir)
	log.Infof("Workers: %d", c.NumWorkers)
	log.Infof("Schedule: %s (default %v, max %v)", c.Schedule.Class, c.Schedule.DefaultInterval, c.Schedule.MaxInterval)
	log.Infof("Scoring: %s, Signature: %s", c.Scoring.Class, c.Signature.Class)
	log.Infof("Partition: %s (seed %d)", c.Partition.Mode, c.Partition.Seed)
	log.Infof("Generate: topN=%d maxCount=%d countMode=%s segments=%d fetchers=%d",
		c.Generate.TopN, c.Generate.MaxCount, c.Generate.CountMode, c.Generate.MaxNumSegments, c.Generate.NumFetchers)
	log.Infof("Update: retryMax=%d maxInlinks=%d additions=%t",
		c.Update.RetryMax, c.Update.MaxInlinks, config.BoolOr(c.Update.AdditionsAllowed, true))
	log.Infof("Dedup: group=%s order=%v", c.Dedup.Group, c.Dedup.CompareOrder)
	log.Info("-------------------------------")
}

// logEntry returns a logger entry tagged with the running command.
func logEntry(log *logrus.Logger, cmd string) *logrus.Entry {
	return log.WithField("cmd", cmd)
}
