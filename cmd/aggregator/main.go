// Market data aggregator CLI.
// Streams trades, tickers and order books from several crypto exchanges,
// normalizes them onto canonical symbols and serves them over HTTP.
//
// Usage:
//
//	aggregator serve --config aggregator.yaml
//	aggregator markets --format table
//	aggregator chart BTC-USDT 1h 24
//	aggregator watch ETH-USDT 30s
//
// For detailed help on any command, use: aggregator help <command>
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/johnayoung/go-market-aggregator/internal/aggregator"
	"github.com/johnayoung/go-market-aggregator/internal/api"
	"github.com/johnayoung/go-market-aggregator/internal/cache"
	"github.com/johnayoung/go-market-aggregator/internal/config"
	"github.com/johnayoung/go-market-aggregator/internal/logger"
	"github.com/johnayoung/go-market-aggregator/internal/metrics"
	"github.com/johnayoung/go-market-aggregator/internal/publisher"
)

// CLI version information
const (
	Version       = "1.0.0"
	AppName       = "aggregator"
	ConfigFile    = "aggregator.yaml"
	ConfigEnvVar  = "AGGREGATOR_CONFIG"
	shutdownGrace = 10 * time.Second
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

var (
	// errUsage marks failures caused by bad arguments.
	errUsage = errors.New("usage error")
	// errConnection marks failures to reach an upstream service.
	errConnection = errors.New("connection error")
)

// CLI holds the components shared by every command.
type CLI struct {
	config  *config.AppConfig
	logs    *logger.LoggerManager
	logger  *slog.Logger
	metrics *metrics.MetricsCollector
	cache   cache.Cache
	stdout  io.Writer
	stderr  io.Writer
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// run dispatches one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return ExitUsageError
	}

	command := args[0]
	args = args[1:]

	switch command {
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "%s version %s\n", AppName, Version)
		return ExitSuccess
	case "help", "--help", "-h":
		if len(args) > 0 {
			printCommandHelp(stdout, args[0])
		} else {
			printUsage(stdout)
		}
		return ExitSuccess
	case "serve", "markets", "chart", "watch":
	default:
		fmt.Fprintf(stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage(stderr)
		return ExitUsageError
	}

	configPath, rest, err := extractConfigFlag(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsageError
	}
	if wantsHelp(rest) {
		printCommandHelp(stdout, command)
		return ExitSuccess
	}

	cli := &CLI{stdout: stdout, stderr: stderr}
	if err := cli.initialize(ctx, configPath); err != nil {
		fmt.Fprintf(stderr, "Error: Failed to initialize CLI: %v\n", err)
		return ExitConfigError
	}
	defer cli.close()

	switch command {
	case "serve":
		err = cli.handleServe(ctx, rest)
	case "markets":
		err = cli.handleMarkets(ctx, rest)
	case "chart":
		err = cli.handleChart(ctx, rest)
	case "watch":
		err = cli.handleWatch(ctx, rest)
	}
	return cli.exitCode(command, err)
}

func (cli *CLI) exitCode(command string, err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, errUsage):
		fmt.Fprintf(cli.stderr, "Error: %v\n\n", err)
		printCommandHelp(cli.stderr, command)
		return ExitUsageError
	case errors.Is(err, context.Canceled):
		cli.logger.Info("interrupted", "command", command)
		return ExitInterrupt
	case errors.Is(err, errConnection):
		cli.logger.Error("connection failed", "command", command, "error", err)
		return ExitConnectionErr
	default:
		cli.logger.Error("command failed", "command", command, "error", err)
		return ExitDataError
	}
}

// initialize loads configuration and builds logging, metrics and the cache.
func (cli *CLI) initialize(ctx context.Context, configPath string) error {
	if configPath == "" {
		configPath = os.Getenv(ConfigEnvVar)
	}
	if configPath == "" {
		configPath = ConfigFile
	}

	cfg, err := config.NewConfigManager(configPath, slog.New(slog.NewTextHandler(io.Discard, nil))).LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cli.config = cfg

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	cli.logs = logs
	cli.logger = logs.GetLogger()
	slog.SetDefault(cli.logger)

	cli.metrics = metrics.NewMetricsCollector(cfg.Metrics, logs)

	c, err := cache.New(ctx, cfg.Cache)
	if err != nil {
		// The cache is an optimization; run without it.
		cli.logger.Warn("snapshot cache unavailable, continuing without it", "type", cfg.Cache.Type, "error", err)
		c = nil
	}
	cli.cache = c
	return nil
}

func (cli *CLI) close() {
	if cli.cache != nil {
		_ = cli.cache.Close()
	}
	if cli.logs != nil {
		_ = cli.logs.Close()
	}
}

// buildManager wires a Manager from the loaded configuration. sink may be nil.
func (cli *CLI) buildManager(sink aggregator.EventSink) (*aggregator.Manager, error) {
	b := aggregator.NewBuilder().
		WithConfig(cli.config).
		WithLogger(cli.logger).
		WithMetrics(cli.metrics)
	if cli.cache != nil {
		b = b.WithCache(cli.cache)
	}
	if sink != nil {
		b = b.WithSink(sink)
	}
	return b.Build()
}

// handleServe runs the manager, API, publisher and metrics until ctx is done.
func (cli *CLI) handleServe(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("%w: unexpected argument %q", errUsage, args[0])
	}

	var pub *publisher.Publisher
	var sink aggregator.EventSink
	if cli.config.Publisher.Enabled {
		p, err := publisher.Dial(cli.config.Publisher, cli.metrics, cli.logger)
		if err != nil {
			return fmt.Errorf("%w: %v", errConnection, err)
		}
		p.Start(ctx)
		pub, sink = p, p
	}

	manager, err := cli.buildManager(sink)
	if err != nil {
		return err
	}

	cli.metrics.RegisterCollector(manager)
	cli.metrics.RegisterHealthChecker(manager)
	if err := cli.metrics.Start(ctx); err != nil {
		return err
	}

	if err := manager.Start(ctx); err != nil {
		return err
	}

	var server *api.Server
	var serverErr <-chan error
	if cli.config.API.Enabled {
		server = api.NewServer(cli.config.API, manager, cli.metrics, cli.logger)
		serverErr = server.Start()
	}

	fmt.Fprintf(cli.stdout, "Aggregating %s. Press Ctrl+C to stop.\n", strings.Join(manager.VenueNames(), ", "))

	var runErr error
	select {
	case <-ctx.Done():
		cli.logger.Info("shutdown signal received")
	case err, ok := <-serverErr:
		if ok && err != nil {
			runErr = fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			cli.logger.Warn("api shutdown incomplete", "error", err)
		}
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		cli.logger.Warn("manager shutdown incomplete", "error", err)
	}
	if pub != nil {
		if err := pub.Close(shutdownCtx); err != nil {
			cli.logger.Warn("publisher shutdown incomplete", "error", err)
		}
	}
	if err := cli.metrics.Stop(shutdownCtx); err != nil {
		cli.logger.Warn("metrics shutdown incomplete", "error", err)
	}
	return runErr
}

// handleMarkets prints one snapshot across every venue.
func (cli *CLI) handleMarkets(ctx context.Context, args []string) error {
	flags, err := parseOutputFlags(args)
	if err != nil {
		return err
	}
	if len(flags.Positional) > 0 {
		return fmt.Errorf("%w: unexpected argument %q", errUsage, flags.Positional[0])
	}

	manager, err := cli.buildManager(nil)
	if err != nil {
		return err
	}
	defer manager.Disconnect()

	pairs, err := manager.GetMarketData(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", errConnection, err)
	}
	return writePairs(cli.stdout, pairs, flags.Format)
}

// handleChart prints history for chart <symbol> [interval] [limit].
func (cli *CLI) handleChart(ctx context.Context, args []string) error {
	flags, err := parseOutputFlags(args)
	if err != nil {
		return err
	}
	req, err := parseChartArgs(flags.Positional, cli.config.Candles.DefaultInterval, cli.config.Snapshot.DefaultChartLimit)
	if err != nil {
		return err
	}

	manager, err := cli.buildManager(nil)
	if err != nil {
		return err
	}
	if flags.Follow {
		return cli.followChart(ctx, manager, req, flags.Format)
	}
	defer manager.Disconnect()

	history, err := manager.GetChartData(ctx, req.Symbol, req.Interval, req.Limit)
	if err != nil {
		return err
	}
	return writeCandles(cli.stdout, history, flags.Format)
}

// followChart prints history, then the live tail candle at most once per second.
func (cli *CLI) followChart(ctx context.Context, manager *aggregator.Manager, req *ChartRequest, format string) error {
	if format != "table" {
		return fmt.Errorf("%w: --follow only supports table output", errUsage)
	}
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = manager.Stop(stopCtx)
	}()

	view, err := aggregator.OpenChart(ctx, manager, req.Symbol, req.Interval, req.Limit)
	if err != nil {
		return err
	}
	defer view.Close()

	if err := writeCandles(cli.stdout, view.Candles(), format); err != nil {
		return err
	}

	throttle := time.NewTicker(time.Second)
	defer throttle.Stop()
	dirty := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-view.Updates():
			dirty = true
		case <-throttle.C:
			if !dirty {
				continue
			}
			dirty = false
			if last, ok := view.Last(); ok {
				writeCandleRow(cli.stdout, last)
			}
		}
	}
}

// handleWatch streams one pair to stdout for watch <symbol> [duration].
func (cli *CLI) handleWatch(ctx context.Context, args []string) error {
	symbol, duration, err := parseWatchArgs(args)
	if err != nil {
		return err
	}

	manager, err := cli.buildManager(nil)
	if err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = manager.Stop(stopCtx)
	}()

	view, err := aggregator.WatchPair(manager, symbol)
	if err != nil {
		return err
	}
	defer view.Close()

	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	fmt.Fprintf(cli.stdout, "Watching %s. Press Ctrl+C to stop.\n", symbol)
	throttle := time.NewTicker(time.Second)
	defer throttle.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil
			}
			return ctx.Err()
		case <-view.Updates():
			dirty = true
		case <-throttle.C:
			if dirty {
				writeSnapshot(cli.stdout, view.Snapshot())
				dirty = false
			}
		}
	}
}

// extractConfigFlag removes --config/-c from args.
func extractConfigFlag(args []string) (string, []string, error) {
	var path string
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--config requires a value")
			}
			path = args[i+1]
			i++
		default:
			rest = append(rest, args[i])
		}
	}
	return path, rest, nil
}

func wantsHelp(args []string) bool {
	for _, a := range args {
		if a == "--help" || a == "-h" {
			return true
		}
	}
	return false
}

// OutputFlags are shared by markets and chart.
type OutputFlags struct {
	Format     string
	Follow     bool
	Positional []string
}

func parseOutputFlags(args []string) (*OutputFlags, error) {
	flags := &OutputFlags{Format: "table"}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--format", "-f":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%w: --format requires a value", errUsage)
			}
			flags.Format = strings.ToLower(args[i+1])
			i++
		case "--follow":
			flags.Follow = true
		default:
			if strings.HasPrefix(args[i], "-") {
				return nil, fmt.Errorf("%w: unknown flag: %s", errUsage, args[i])
			}
			flags.Positional = append(flags.Positional, args[i])
		}
	}
	switch flags.Format {
	case "table", "json", "csv":
	default:
		return nil, fmt.Errorf("%w: unsupported format %q (table, json, csv)", errUsage, flags.Format)
	}
	return flags, nil
}

// ChartRequest is the parsed form of chart arguments.
type ChartRequest struct {
	Symbol   string
	Interval string
	Limit    int
}

func parseChartArgs(args []string, defaultInterval string, defaultLimit int) (*ChartRequest, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: symbol is required", errUsage)
	}
	if len(args) > 3 {
		return nil, fmt.Errorf("%w: too many arguments", errUsage)
	}
	req := &ChartRequest{Symbol: strings.ToUpper(args[0]), Interval: defaultInterval, Limit: defaultLimit}
	if len(args) > 1 {
		req.Interval = args[1]
	}
	if len(args) > 2 {
		limit, err := strconv.Atoi(args[2])
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("%w: invalid limit %q", errUsage, args[2])
		}
		req.Limit = limit
	}
	return req, nil
}

func parseWatchArgs(args []string) (string, time.Duration, error) {
	if len(args) == 0 {
		return "", 0, fmt.Errorf("%w: symbol is required", errUsage)
	}
	if len(args) > 2 {
		return "", 0, fmt.Errorf("%w: too many arguments", errUsage)
	}
	var duration time.Duration
	if len(args) == 2 {
		d, err := time.ParseDuration(args[1])
		if err != nil || d <= 0 {
			return "", 0, fmt.Errorf("%w: invalid duration %q", errUsage, args[1])
		}
		duration = d
	}
	return strings.ToUpper(args[0]), duration, nil
}
