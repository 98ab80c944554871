package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/go-market-aggregator/internal/aggregator"
	"github.com/johnayoung/go-market-aggregator/internal/models"
)

func writeJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// writePairs formats a market snapshot as table, json or csv.
func writePairs(w io.Writer, pairs []models.TradingPair, format string) error {
	switch format {
	case "json":
		return writeJSON(w, pairs)
	case "csv":
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"exchange", "symbol", "price", "change_24h", "volume_24h", "high_24h", "low_24h"})
		for _, p := range pairs {
			_ = cw.Write([]string{
				p.Exchange, p.Symbol, p.Price.String(),
				strconv.FormatFloat(p.Change24h, 'f', 2, 64),
				p.Volume24h.String(), p.High24h.String(), p.Low24h.String(),
			})
		}
		cw.Flush()
		return cw.Error()
	}

	fmt.Fprintf(w, "%-10s %-12s %-16s %-9s %-18s\n", "Exchange", "Symbol", "Price", "24h %", "Volume 24h")
	fmt.Fprintln(w, strings.Repeat("-", 68))
	for _, p := range pairs {
		fmt.Fprintf(w, "%-10s %-12s %-16s %-9s %-18s\n",
			p.Exchange,
			p.Symbol,
			truncateDecimal(p.Price.String(), 16),
			fmt.Sprintf("%+.2f", p.Change24h),
			truncateDecimal(p.Volume24h.String(), 18))
	}
	fmt.Fprintf(w, "\n%d pairs\n", len(pairs))
	return nil
}

// writeCandles formats chart history as table, json or csv.
func writeCandles(w io.Writer, candles []models.Candle, format string) error {
	switch format {
	case "json":
		return writeJSON(w, candles)
	case "csv":
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"time", "open", "high", "low", "close", "volume"})
		for _, c := range candles {
			_ = cw.Write([]string{
				time.Unix(c.Time, 0).UTC().Format(time.RFC3339),
				c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(),
				volumeString(c),
			})
		}
		cw.Flush()
		return cw.Error()
	}

	fmt.Fprintf(w, "%-17s %-12s %-12s %-12s %-12s %-14s\n", "Time", "Open", "High", "Low", "Close", "Volume")
	fmt.Fprintln(w, strings.Repeat("-", 84))
	for _, c := range candles {
		writeCandleRow(w, c)
	}
	return nil
}

func writeCandleRow(w io.Writer, c models.Candle) {
	fmt.Fprintf(w, "%-17s %-12s %-12s %-12s %-12s %-14s\n",
		time.Unix(c.Time, 0).UTC().Format("2006-01-02 15:04"),
		truncateDecimal(c.Open.String(), 12),
		truncateDecimal(c.High.String(), 12),
		truncateDecimal(c.Low.String(), 12),
		truncateDecimal(c.Close.String(), 12),
		truncateDecimal(volumeString(c), 14))
}

// writeSnapshot prints one line per PairView refresh.
func writeSnapshot(w io.Writer, snap aggregator.PairSnapshot) {
	line := fmt.Sprintf("%s  %s %s  price=%s  24h=%+.2f%%  vol=%s",
		time.Now().UTC().Format("15:04:05"), snap.Symbol, trendArrow(snap), snap.Price.String(),
		snap.Change24h, snap.Volume24h.String())
	if snap.OrderBook != nil {
		if bid, ok := snap.OrderBook.BestBid(); ok {
			line += "  bid=" + bid.Price.String()
		}
		if ask, ok := snap.OrderBook.BestAsk(); ok {
			line += "  ask=" + ask.Price.String()
		}
	}
	if len(snap.Trades) > 0 {
		last := snap.Trades[0]
		line += fmt.Sprintf("  last=%s %s@%s", strings.ToLower(string(last.Side)), last.Amount.String(), last.Price.String())
	}
	fmt.Fprintln(w, line)
}

func trendArrow(snap aggregator.PairSnapshot) string {
	switch {
	case snap.Change24h > 0:
		return "▲"
	case snap.Change24h < 0:
		return "▼"
	default:
		return "•"
	}
}

func volumeString(c models.Candle) string {
	if !c.Volume.Valid {
		return ""
	}
	return c.Volume.Decimal.String()
}

// truncateDecimal truncates decimal string to specified length
func truncateDecimal(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// printUsage prints the main usage information
func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s - Crypto market data aggregator v%s

USAGE:
    %s <command> [options]

COMMANDS:
    serve       Stream every venue and serve the HTTP/websocket API
    markets     Print a ticker snapshot from every venue
    chart       Print historical candles for a symbol
    watch       Stream live price, trades and order book for a symbol
    version     Show version information
    help        Show help for a command

GLOBAL OPTIONS:
    --config, -c <path>   Configuration file, JSON or YAML (default: %s)
    --help, -h            Show help information

EXAMPLES:
    # Run the aggregator with the API on :8080
    %s serve --config aggregator.yaml

    # Print the current snapshot as JSON
    %s markets --format json

    # Last 24 hourly candles for BTC-USDT
    %s chart BTC-USDT 1h 24

    # Watch ETH-USDT for 30 seconds
    %s watch ETH-USDT 30s

CONFIGURATION:
    Configuration can be provided via:
    - Config file: %s (or $%s)
    - Environment variables (e.g., ENABLED_VENUES=binance,kraken, LOG_LEVEL=debug)

For detailed help on any command, use: %s help <command>
`, AppName, Version, AppName, ConfigFile, AppName, AppName, AppName, AppName, ConfigFile, ConfigEnvVar, AppName)
}

// printCommandHelp prints detailed help for a specific command
func printCommandHelp(w io.Writer, command string) {
	switch command {
	case "serve":
		fmt.Fprintf(w, `%s serve - Run the aggregator

USAGE:
    %s serve [--config <path>]

Connects to every enabled venue, maintains rolling candles and order books,
and serves /api/v1 until SIGINT or SIGTERM. When enabled in configuration it
also publishes events to RabbitMQ and exposes metrics.
`, AppName, AppName)
	case "markets":
		fmt.Fprintf(w, `%s markets - Print a snapshot of every pair

USAGE:
    %s markets [--format table|json|csv]

Venues that fail are left out. The command fails only when every venue fails.
`, AppName, AppName)
	case "chart":
		fmt.Fprintf(w, `%s chart - Print historical candles

USAGE:
    %s chart <symbol> [interval] [limit] [--format table|json|csv] [--follow]

ARGUMENTS:
    symbol      Canonical symbol, e.g. BTC-USDT
    interval    1m, 5m, 15m, 1h, 4h or 1d (default: configured default interval)
    limit       Number of candles (default: configured chart limit)

OPTIONS:
    --follow    Keep streaming and print the live candle once per second.
                The interval must be one the aggregator maintains.
`, AppName, AppName)
	case "watch":
		fmt.Fprintf(w, `%s watch - Stream one pair to stdout

USAGE:
    %s watch <symbol> [duration]

Prints at most one line per second. Runs until Ctrl+C or for duration (e.g. 30s, 5m).
`, AppName, AppName)
	default:
		printUsage(w)
	}
}
