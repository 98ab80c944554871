// Package symbols maps venue-native instrument identifiers such as BTCUSDT,
// BTC-USD or XBT/USD onto the canonical BASE-QUOTE form.
package symbols

import (
	"sort"
	"strings"
)

// DefaultBaseAliases are asset codes that some venues spell differently.
var DefaultBaseAliases = map[string]string{
	"XBT": "BTC",
	"XDG": "DOGE",
}

// DefaultQuoteAliases fold USD-quoted markets onto their USDT counterparts so
// the same instrument lines up across venues.
var DefaultQuoteAliases = map[string]string{
	"USD": "USDT",
}

// DefaultQuotes are quote assets recognized when a native symbol has no separator.
var DefaultQuotes = []string{
	"USDT", "USDC", "BUSD", "FDUSD", "USD", "EUR", "GBP", "JPY", "TRY",
	"BTC", "XBT", "ETH", "BNB",
}

// Normalizer is a pure, deterministic mapping from native identifiers to
// canonical symbols. It never fails: unknown identifiers pass through uppercased.
type Normalizer struct {
	baseAliases  map[string]string
	quoteAliases map[string]string
	quotes       []string
}

// NewNormalizer creates a normalizer. Nil maps fall back to the defaults; pass an
// empty map to disable a class of aliasing.
func NewNormalizer(baseAliases, quoteAliases map[string]string) *Normalizer {
	if baseAliases == nil {
		baseAliases = DefaultBaseAliases
	}
	if quoteAliases == nil {
		quoteAliases = DefaultQuoteAliases
	}

	n := &Normalizer{
		baseAliases:  upperKeys(baseAliases),
		quoteAliases: upperKeys(quoteAliases),
		quotes:       append([]string(nil), DefaultQuotes...),
	}

	// longest first so USDT wins over USD
	sort.SliceStable(n.quotes, func(i, j int) bool { return len(n.quotes[i]) > len(n.quotes[j]) })
	return n
}

// Normalize returns the canonical BASE-QUOTE form of a native identifier.
func (n *Normalizer) Normalize(native string) string {
	s := strings.ToUpper(strings.TrimSpace(native))
	if s == "" {
		return s
	}

	if base, quote, ok := splitOnSeparator(s); ok {
		return n.join(base, quote)
	}

	if base, quote, ok := n.splitOnQuote(s); ok {
		return n.join(base, quote)
	}

	return s
}

// Split returns the canonical base and quote assets of a native identifier.
// The quote is empty when none could be determined.
func (n *Normalizer) Split(native string) (base, quote string) {
	canonical := n.Normalize(native)
	if i := strings.LastIndex(canonical, "-"); i > 0 {
		return canonical[:i], canonical[i+1:]
	}
	return canonical, ""
}

func (n *Normalizer) join(base, quote string) string {
	if alias, ok := n.baseAliases[base]; ok {
		base = alias
	}
	if alias, ok := n.baseAliases[quote]; ok {
		quote = alias
	}
	if alias, ok := n.quoteAliases[quote]; ok {
		quote = alias
	}
	return base + "-" + quote
}

func (n *Normalizer) splitOnQuote(s string) (string, string, bool) {
	for _, q := range n.quotes {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return s[:len(s)-len(q)], q, true
		}
	}
	return "", "", false
}

func splitOnSeparator(s string) (string, string, bool) {
	for _, sep := range []string{"-", "/", "_", ":"} {
		if i := strings.Index(s, sep); i > 0 && i < len(s)-1 {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func upperKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = strings.ToUpper(v)
	}
	return out
}
