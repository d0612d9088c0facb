package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/PentesterFlow/MarketInsights/internal/errors"
	"github.com/PentesterFlow/MarketInsights/internal/gatekeeper"
	"github.com/PentesterFlow/MarketInsights/internal/logger"
	"github.com/PentesterFlow/MarketInsights/internal/metrics"
	"github.com/PentesterFlow/MarketInsights/internal/model"
	"github.com/PentesterFlow/MarketInsights/internal/output"
	"github.com/PentesterFlow/MarketInsights/internal/progress"
	"github.com/PentesterFlow/MarketInsights/internal/server"
	"github.com/PentesterFlow/MarketInsights/internal/shutdown"
	"github.com/PentesterFlow/MarketInsights/pkg/insights"
)

var (
	version = "1.0.0"

	// Global flags
	configFile string
	envFile    string
	verbose    bool
	debug      bool
	logFile    string

	// Scrape flags
	maxProducts int
	maxPages    int
	noDetails   bool
	headless    bool
	proxy       string
	baseURL     string

	// Persistence flags
	storeDriver string
	storePath   string
	cacheDriver string

	// Analyze flags
	noQueue    bool
	format     string
	outputFile string
	stream     bool
	noProgress bool
	remote     string

	// Serve flags
	addr       string
	queueLimit int

	// History flags
	historyLimit int

	// Config flags
	force bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "insights",
		Short: "Market Insights - marketplace entry difficulty analysis",
		Long: `Market Insights scrapes marketplace search results for a product keyword
and scores how hard the market is to enter: competition, listing quality,
review barrier, saturation, price gaps and recurring title keywords.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	analyzeCmd := &cobra.Command{
		Use:   "analyze [keyword]",
		Short: "Analyze the market for a keyword",
		Long:  "Scrape (or reuse stored) listings for a keyword and print the market report.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAnalyze,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long:  "Serve analyses over HTTP with a WebSocket progress stream per ticket.",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	historyCmd := &cobra.Command{
		Use:   "history [keyword]",
		Short: "List stored reports for a keyword",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runHistory,
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}

	configInitCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigInit,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file with connection settings")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Debug mode")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write JSON logs to this file (rotated)")
	rootCmd.PersistentFlags().StringVar(&storeDriver, "store", "bolt", "Store driver (bolt, postgres, memory)")
	rootCmd.PersistentFlags().StringVar(&storePath, "db", "insights.db", "Bolt database path")
	rootCmd.PersistentFlags().StringVar(&cacheDriver, "cache", "memory", "Report cache driver (redis, memory, none)")

	// Analyze flags
	analyzeCmd.Flags().IntVarP(&maxProducts, "max-products", "m", 100, "Maximum listings to collect")
	analyzeCmd.Flags().IntVar(&maxPages, "max-pages", 1, "Maximum result pages to read")
	analyzeCmd.Flags().BoolVar(&noDetails, "no-details", false, "Skip product detail pages")
	analyzeCmd.Flags().BoolVar(&headless, "headless", true, "Run Chrome headless")
	analyzeCmd.Flags().StringVar(&proxy, "proxy", "", "Proxy for the browser (e.g. http://host:port)")
	analyzeCmd.Flags().StringVar(&baseURL, "site", "", "Marketplace base URL")
	analyzeCmd.Flags().BoolVar(&noQueue, "no-queue", false, "Fail instead of waiting when an analysis is running")
	analyzeCmd.Flags().StringVarP(&format, "format", "f", "text", "Output format (text, json, yaml)")
	analyzeCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default: stdout)")
	analyzeCmd.Flags().BoolVar(&stream, "stream", false, "Write progress events to the output as they arrive")
	analyzeCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")
	analyzeCmd.Flags().StringVar(&remote, "server", "", "Submit to a running insights server instead of scraping locally")

	// Serve flags
	serveCmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	serveCmd.Flags().IntVar(&queueLimit, "queue-limit", 0, "Maximum waiting analyses (0 = unbounded)")

	// History flags
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Number of reports to list")
	historyCmd.Flags().StringVarP(&format, "format", "f", "text", "Output format (text, json, yaml)")

	// Config flags
	configInitCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var insightErr *errors.InsightError
		if stderrors.As(err, &insightErr) {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", insightErr.Remedy())
		}
		os.Exit(1)
	}
}

// loadConfig builds the configuration: defaults or the config file, then the
// environment, then flags the user set explicitly.
func loadConfig(cmd *cobra.Command) (*insights.Config, error) {
	config := insights.DefaultConfig()
	if configFile != "" {
		fileConfig, err := insights.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		config = fileConfig
	}

	if err := godotenv.Load(envFile); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	config.ApplyEnv(os.LookupEnv)

	flags := cmd.Flags()
	if flags.Changed("store") {
		config.Store.Driver = storeDriver
	}
	if flags.Changed("db") {
		config.Store.Path = storePath
	}
	if flags.Changed("cache") {
		config.Cache.Driver = cacheDriver
	}
	if flags.Changed("log-file") {
		config.Log.File.Path = logFile
	}
	if flags.Lookup("max-products") != nil && flags.Changed("max-products") {
		config.Scrape.MaxProducts = maxProducts
	}
	if flags.Lookup("max-pages") != nil && flags.Changed("max-pages") {
		config.Scrape.MaxPages = maxPages
	}
	if flags.Lookup("no-details") != nil && flags.Changed("no-details") {
		config.Scrape.FetchDetails = !noDetails
	}
	if flags.Lookup("headless") != nil && flags.Changed("headless") {
		config.Browser.Headless = headless
	}
	if flags.Lookup("proxy") != nil && flags.Changed("proxy") {
		config.Browser.Proxy = proxy
	}
	if flags.Lookup("site") != nil && flags.Changed("site") {
		config.Scrape.BaseURL = baseURL
	}
	if flags.Lookup("format") != nil && flags.Changed("format") {
		config.Output.Format = format
	}
	if flags.Lookup("output") != nil && flags.Changed("output") {
		config.Output.FilePath = outputFile
	}
	if flags.Lookup("stream") != nil && flags.Changed("stream") {
		config.Output.Stream = stream
	}
	if flags.Lookup("addr") != nil && flags.Changed("addr") {
		config.Server.Addr = addr
	}
	if flags.Lookup("queue-limit") != nil && flags.Changed("queue-limit") {
		config.Gatekeeper.QueueLimit = queueLimit
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// newLogger creates the process logger. quiet lowers the level to warnings
// so log lines do not tear the progress bar.
func newLogger(config *insights.Config, quiet bool) *logger.Logger {
	level, err := logger.ParseLevel(config.Log.Level)
	if err != nil || config.Log.Level == "" {
		level = logger.InfoLevel
	}
	switch {
	case debug:
		level = logger.DebugLevel
	case verbose:
		level = logger.InfoLevel
	case quiet && level < logger.WarnLevel:
		level = logger.WarnLevel
	}

	log := logger.New(logger.Config{
		Level:  level,
		Pretty: config.Log.Pretty,
		Output: os.Stderr,
		File:   config.Log.File,
	})
	logger.SetGlobal(log)
	return log
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	keyword := strings.TrimSpace(strings.Join(args, " "))

	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	showProgress := !noProgress && !verbose && !debug && !config.Output.Stream
	log := newLogger(config, showProgress)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, closeOut, err := openOutput(config.Output.FilePath)
	if err != nil {
		return err
	}
	defer closeOut()
	writer := output.NewWriter(out, config.Output)

	display := progress.New(os.Stderr)
	if showProgress {
		display.Start(keyword)
	}
	onEvent := func(ev model.ProgressEvent) {
		display.Observe(ev)
		if config.Output.Stream && !ev.Terminal() {
			if err := writer.WriteEvent(ev); err != nil {
				log.WithError(err).Warnf("writing event failed")
			}
		}
	}

	var report *model.Report
	opts := gatekeeper.SubmitOptions{NoQueue: noQueue}
	if remote != "" {
		report, err = analyzeRemote(ctx, remote, keyword, opts, onEvent)
	} else {
		report, err = analyzeLocal(ctx, config, log, keyword, opts, onEvent)
	}
	display.Stop()

	if err != nil {
		if showProgress {
			display.PrintSummary(nil, errors.ToFailure(err, keyword))
		}
		return err
	}

	if err := writer.WriteReport(report); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	if showProgress && config.Output.FilePath != "" {
		display.PrintSummary(report, nil)
	}
	return nil
}

func analyzeLocal(ctx context.Context, config *insights.Config, log *logger.Logger, keyword string, opts gatekeeper.SubmitOptions, onEvent func(model.ProgressEvent)) (*model.Report, error) {
	svc, err := insights.New(
		insights.WithConfig(config),
		insights.WithLogger(log),
		insights.WithMetrics(metrics.Global()),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			log.WithError(err).Warnf("closing service failed")
		}
		log.StatsEvent(svc.Metrics().Snapshot().Summary())
	}()

	return svc.RunAnalysis(ctx, keyword, opts, onEvent)
}

func analyzeRemote(ctx context.Context, baseURL, keyword string, opts gatekeeper.SubmitOptions, onEvent func(model.ProgressEvent)) (*model.Report, error) {
	client, err := server.NewClient(baseURL)
	if err != nil {
		return nil, err
	}
	ticket, err := client.Submit(ctx, keyword, opts)
	if err != nil {
		return nil, err
	}
	return client.Watch(ctx, ticket.ID, onEvent)
}

func runServe(cmd *cobra.Command, args []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger(config, false)

	svc, err := insights.New(
		insights.WithConfig(config),
		insights.WithLogger(log),
		insights.WithMetrics(metrics.Global()),
	)
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		Addr:        config.Server.Addr,
		AllowOrigin: config.Server.AllowOrigin,
	}, svc, log)

	handler := shutdown.New(shutdown.Config{
		Timeout: config.Server.ShutdownTimeout,
		Logger:  log,
	})
	handler.RegisterFunc("metrics", func() {
		log.StatsEvent(svc.Metrics().Snapshot().Summary())
	})
	handler.Register("service", svc.Close)
	handler.RegisterDrainer("http", srv)

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.WithError(err).Errorf("server stopped")
			handler.Trigger()
		}
	}()

	result := handler.Wait(context.Background())
	if errs := result.Errors(); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	keyword := strings.TrimSpace(strings.Join(args, " "))

	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger(config, true)

	svc, err := insights.New(
		insights.WithConfig(config),
		insights.WithLogger(log),
	)
	if err != nil {
		return err
	}
	defer svc.Close(context.Background())

	reports, err := svc.History(cmd.Context(), keyword, historyLimit)
	if err != nil {
		return err
	}

	writer := output.NewWriter(os.Stdout, config.Output)
	if err := writer.WriteHistory(reports); err != nil {
		return err
	}
	return writer.Flush()
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := "insights.yaml"
	if len(args) == 1 {
		path = args[0]
	}

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := insights.DefaultConfig().SaveToFile(path); err != nil {
		return err
	}
	fmt.Printf("Wrote default configuration to %s\n", path)
	return nil
}

// openOutput returns stdout or the created file and its closer.
func openOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, func() { f.Close() }, nil
}
