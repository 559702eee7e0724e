package serialize_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderfox/marketfeed/internal/serialize"
)

type samplePayload struct {
	Symbol string
	Bids   [][2]float64
	Asks   [][2]float64
}

func sample() samplePayload {
	return samplePayload{
		Symbol: "BTCUSDT",
		Bids:   [][2]float64{{100, 1}, {99, 2}, {98, 3}},
		Asks:   [][2]float64{{101, 1}, {102, 2}, {103, 3}},
	}
}

func TestSerializeDeserialize_RoundTripsForEveryPair(t *testing.T) {
	formats := []serialize.Format{serialize.FormatText, serialize.FormatBinary}
	compressions := []serialize.Compression{serialize.CompressionNone, serialize.CompressionDeflateWrap, serialize.CompressionDeflateRaw}

	for _, f := range formats {
		for _, c := range compressions {
			data, headers, err := serialize.Serialize(sample(), f, c)
			require.NoError(t, err)

			var out samplePayload
			err = serialize.Deserialize(data, headers, &out)
			require.NoError(t, err)
			assert.Equal(t, sample(), out)
		}
	}
}

func TestBenchmark_SelectsLowestScoringPair(t *testing.T) {
	results, err := serialize.Benchmark(sample(), 5)
	require.NoError(t, err)
	require.Len(t, results, 6)

	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i-1].Score, results[i].Score)
	}

	format, compression, err := serialize.SelectPreferred(sample(), 5)
	require.NoError(t, err)
	assert.Equal(t, results[0].Format, format)
	assert.Equal(t, results[0].Compression, compression)
}
