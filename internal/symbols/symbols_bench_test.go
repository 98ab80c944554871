package symbols

import "testing"

func BenchmarkNormalize(b *testing.B) {
	n := NewNormalizer(nil, nil)
	natives := []string{"BTCUSDT", "XBT/USD", "ETH-USD", "solusdt", "XDG/EUR"}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = n.Normalize(natives[i%len(natives)])
	}
}
