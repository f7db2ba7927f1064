// Package codec implements payload compression for the send and delivery
// paths. The algorithm identifier travels with the message in a header
// property so consumers decompress transparently.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a compression codec.
type Algorithm uint32

const (
	None Algorithm = iota
	GZIP
	LZ4
	ZSTD
	SNAPPY
)

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case GZIP:
		return "gzip"
	case LZ4:
		return "lz4"
	case ZSTD:
		return "zstd"
	case SNAPPY:
		return "snappy"
	default:
		return "unknown"
	}
}

// Parse maps a property value back to an algorithm.
func Parse(s string) (Algorithm, bool) {
	switch s {
	case "none", "":
		return None, true
	case "gzip":
		return GZIP, true
	case "lz4":
		return LZ4, true
	case "zstd":
		return ZSTD, true
	case "snappy":
		return SNAPPY, true
	}
	return None, false
}

// zstd's encoder and decoder are goroutine-safe once built, so a single
// shared pair serves all queues.
var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdInit() {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
}

// Compress returns the compressed form of data. Level applies to GZIP and
// LZ4: GZIP uses its default level when level is outside 1-9, LZ4 clamps
// level into 1-9 and ignores levels <= 0. ZSTD and SNAPPY use their
// library defaults.
func Compress(alg Algorithm, level int, data []byte) ([]byte, error) {
	switch alg {
	case None:
		return data, nil
	case GZIP:
		if level < gzip.BestSpeed || level > gzip.BestCompression {
			level = gzip.DefaultCompression
		}
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, level)
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
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if level > 0 {
			_ = w.Apply(lz4.CompressionLevelOption(lz4Level(level)))
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case ZSTD:
		zstdInit()
		if zstdErr != nil {
			return nil, zstdErr
		}
		return zstdEnc.EncodeAll(data, nil), nil
	case SNAPPY:
		return snappy.Encode(nil, data), nil
	default:
		return nil, fmt.Errorf("codec: unsupported algorithm %d", alg)
	}
}

// Decompress reverses Compress for the given algorithm.
func Decompress(alg Algorithm, data []byte) ([]byte, error) {
	switch alg {
	case None:
		return data, nil
	case GZIP:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case LZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	case ZSTD:
		zstdInit()
		if zstdErr != nil {
			return nil, zstdErr
		}
		return zstdDec.DecodeAll(data, nil)
	case SNAPPY:
		return snappy.Decode(nil, data)
	default:
		return nil, fmt.Errorf("codec: unsupported algorithm %d", alg)
	}
}

// lz4Level maps the 1-9 config range onto lz4's level constants.
func lz4Level(level int) lz4.CompressionLevel {
	switch {
	case level <= 1:
		return lz4.Fast
	case level >= 9:
		return lz4.Level9
	default:
		return lz4.CompressionLevel(1 << (8 + level))
	}
}
