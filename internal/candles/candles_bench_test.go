package candles

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// BenchmarkBuilderApply measures trade folding across the default interval set.
// Target: >100k trades/second per symbol.
func BenchmarkBuilderApply(b *testing.B) {
	builder, err := NewBuilder([]string{"1m", "5m", "15m", "1h", "4h", "1d"}, DefaultCapacity, createTestLogger(), nil)
	if err != nil {
		b.Fatalf("builder: %v", err)
	}
	price := decimal.RequireFromString("43000.25")
	volume := decimal.NewNullDecimal(decimal.RequireFromString("0.01"))

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		// one trade every 250ms so buckets roll over and the window is trimmed
		if _, err := builder.Apply("BTC-USDT", baseMs+int64(i)*250, price, volume); err != nil {
			b.Fatalf("apply: %v", err)
		}
	}

	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "trades/sec")
}

func BenchmarkSeriesCandles(b *testing.B) {
	series := NewSeries(time.Minute, DefaultCapacity)
	price := decimal.RequireFromString("100")
	for i := 0; i < DefaultCapacity; i++ {
		if _, err := series.Apply(baseMs+int64(i)*60_000, price, decimal.NullDecimal{}); err != nil {
			b.Fatalf("seed: %v", err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if len(series.Candles()) != DefaultCapacity {
			b.Fatal("window size changed")
		}
	}
}
