package symbol_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderfox/marketfeed/internal/symbol"
)

func TestResolve_FallbackTableBothDirections(t *testing.T) {
	svc := symbol.New("")

	id, ok := svc.Resolve("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", id)

	id, ok = svc.Resolve("BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", id)
}

func TestResolve_UnknownSymbolFails(t *testing.T) {
	svc := symbol.New("")
	_, ok := svc.Resolve("NOTASYMBOL")
	assert.False(t, ok)
}

func TestSuggestions_ExactCaseInsensitiveMatchWins(t *testing.T) {
	svc := symbol.New("")
	suggestions := svc.Suggestions("btcusdt", 5)
	require.NotEmpty(t, suggestions)
	assert.Equal(t, "BTCUSDT", suggestions[0])
}

func TestSuggestions_PatternMatchFallsBackToQuote(t *testing.T) {
	svc := symbol.New("")
	suggestions := svc.Suggestions("ZZZUSDT", 3)
	require.NotEmpty(t, suggestions)
	for _, s := range suggestions {
		assert.Contains(t, s, "USDT")
	}
}

func TestSuggestions_RespectsMaxCount(t *testing.T) {
	svc := symbol.New("")
	suggestions := svc.Suggestions("USDT", 2)
	assert.LessOrEqual(t, len(suggestions), 2)
}
