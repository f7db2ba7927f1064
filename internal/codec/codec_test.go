package codec

import (
	"bytes"
	"testing"
)

var sample = bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 64)

func TestRoundTripAllAlgorithms(t *testing.T) {
	for _, alg := range []Algorithm{None, GZIP, LZ4, ZSTD, SNAPPY} {
		compressed, err := Compress(alg, 6, sample)
		if err != nil {
			t.Fatalf("%s: Compress failed: %v", alg, err)
		}
		got, err := Decompress(alg, compressed)
		if err != nil {
			t.Fatalf("%s: Decompress failed: %v", alg, err)
		}
		if !bytes.Equal(got, sample) {
			t.Fatalf("%s: round trip mismatch (%d vs %d bytes)", alg, len(got), len(sample))
		}
	}
}

func TestCompressionShrinksRepetitiveInput(t *testing.T) {
	for _, alg := range []Algorithm{GZIP, LZ4, ZSTD, SNAPPY} {
		compressed, err := Compress(alg, 6, sample)
		if err != nil {
			t.Fatalf("%s: Compress failed: %v", alg, err)
		}
		if len(compressed) >= len(sample) {
			t.Fatalf("%s: no compression achieved: %d >= %d", alg, len(compressed), len(sample))
		}
	}
}

func TestParse(t *testing.T) {
	for _, alg := range []Algorithm{None, GZIP, LZ4, ZSTD, SNAPPY} {
		got, ok := Parse(alg.String())
		if !ok || got != alg {
			t.Fatalf("Parse(%q) = %v, %v", alg.String(), got, ok)
		}
	}
	if _, ok := Parse("brotli"); ok {
		t.Fatal("unknown algorithm should not parse")
	}
}

func TestUnsupportedAlgorithm(t *testing.T) {
	if _, err := Compress(Algorithm(99), 1, sample); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
	if _, err := Decompress(Algorithm(99), sample); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
}
