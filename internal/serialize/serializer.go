// Package serialize implements the pluggable wire serializer (spec
// §4.8): {text,binary} formats crossed with {none,deflate-wrap,
// deflate-raw} compressions, plus the benchmark harness that picks a
// default pair. Grounded on original_source's message_serialization_
// service.py (format/compression cross product, 0.6*time+0.4*size
// scoring) and the teacher's use of klauspost/compress (pulled in
// transitively via the observability stack; promoted to a direct
// dependency here since this is the first component that actually
// calls it) for the two deflate variants.
package serialize

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
)

// Format selects the wire encoding.
type Format string

const (
	FormatText   Format = "text"   // JSON
	FormatBinary Format = "binary" // gob
)

// Compression selects the compression layer.
type Compression string

const (
	CompressionNone        Compression = "none"
	CompressionDeflateWrap Compression = "deflate-wrap" // zlib (has a checksum wrapper)
	CompressionDeflateRaw  Compression = "deflate-raw"  // raw DEFLATE, no wrapper
)

// Headers describes the wire framing the receiver needs to decode a
// payload it didn't already know the format/compression of.
type Headers struct {
	Format      Format
	Compression Compression
}

// Serialize encodes value with fmt+comp and returns the bytes plus the
// headers a receiver needs to reverse the operation.
func Serialize(value interface{}, f Format, c Compression) ([]byte, Headers, error) {
	raw, err := encode(value, f)
	if err != nil {
		return nil, Headers{}, fmt.Errorf("encode: %w", err)
	}

	compressed, err := compress(raw, c)
	if err != nil {
		return nil, Headers{}, fmt.Errorf("compress: %w", err)
	}

	return compressed, Headers{Format: f, Compression: c}, nil
}

// Deserialize reverses Serialize given the headers it was encoded with.
func Deserialize(data []byte, h Headers, out interface{}) error {
	raw, err := decompress(data, h.Compression)
	if err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	if err := decode(raw, h.Format, out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func encode(value interface{}, f Format) ([]byte, error) {
	switch f {
	case FormatBinary:
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(value); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return json.Marshal(value)
	}
}

func decode(data []byte, f Format, out interface{}) error {
	switch f {
	case FormatBinary:
		return gob.NewDecoder(bytes.NewReader(data)).Decode(out)
	default:
		return json.Unmarshal(data, out)
	}
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionDeflateWrap:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionDeflateRaw:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return data, nil
	}
}

func decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionDeflateWrap:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionDeflateRaw:
		r := flate.NewReader(bytes.NewReader(data))
		defer r.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return data, nil
	}
}

// BenchmarkResult records one format/compression pair's measured cost,
// mirroring the Python original's SerializationBenchmark dataclass
// (spec "Supplemented features" #6).
type BenchmarkResult struct {
	Format          Format
	Compression     Compression
	SerializeMs     float64
	DeserializeMs   float64
	SizeBytes       int
	Score           float64
}

var allFormats = []Format{FormatText, FormatBinary}
var allCompressions = []Compression{CompressionNone, CompressionDeflateWrap, CompressionDeflateRaw}

// Benchmark runs iterations of serialize+deserialize for payload across
// every format/compression pair and returns all results ordered by
// ascending score, where score = 0.6*total_time_ms + 0.4*size_kb (spec
// §4.8).
func Benchmark(payload interface{}, iterations int) ([]BenchmarkResult, error) {
	if iterations <= 0 {
		iterations = 1000
	}

	results := make([]BenchmarkResult, 0, len(allFormats)*len(allCompressions))

	for _, f := range allFormats {
		for _, c := range allCompressions {
			// warm-up
			data, headers, err := Serialize(payload, f, c)
			if err != nil {
				return nil, fmt.Errorf("benchmark warm-up %s/%s: %w", f, c, err)
			}

			serializeStart := time.Now()
			for i := 0; i < iterations; i++ {
				if _, _, err := Serialize(payload, f, c); err != nil {
					return nil, err
				}
			}
			serializeElapsed := time.Since(serializeStart)

			var out json.RawMessage
			deserializeStart := time.Now()
			for i := 0; i < iterations; i++ {
				_ = Deserialize(data, headers, &out)
			}
			deserializeElapsed := time.Since(deserializeStart)

			serializeMs := float64(serializeElapsed.Microseconds()) / 1000 / float64(iterations)
			deserializeMs := float64(deserializeElapsed.Microseconds()) / 1000 / float64(iterations)
			sizeKB := float64(len(data)) / 1024

			results = append(results, BenchmarkResult{
				Format:        f,
				Compression:   c,
				SerializeMs:   serializeMs,
				DeserializeMs: deserializeMs,
				SizeBytes:     len(data),
				Score:         0.6*(serializeMs+deserializeMs) + 0.4*sizeKB,
			})
		}
	}

	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score < results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}

	return results, nil
}

// SelectPreferred runs Benchmark and returns the lowest-scoring pair.
func SelectPreferred(payload interface{}, iterations int) (Format, Compression, error) {
	results, err := Benchmark(payload, iterations)
	if err != nil {
		return "", "", err
	}
	if len(results) == 0 {
		return FormatText, CompressionNone, nil
	}
	return results[0].Format, results[0].Compression, nil
}
