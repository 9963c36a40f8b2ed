package a12

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is the representation of a video payload on the wire.
type Codec byte

const (
	CodecRaw  Codec = 0
	CodecZstd Codec = 1
	CodecLZ4  Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecRaw:
		return "raw"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("codec(%d)", byte(c))
	}
}

// ParseCodec maps a config name to a Codec.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "", "raw":
		return CodecRaw, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return 0, fmt.Errorf("unknown video codec %q", s)
	}
}

var errIncompressible = errors.New("incompressible")

// zstd.Encoder and zstd.Decoder are safe for concurrent use, so all
// connections share one of each.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("a12: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(MaxPayloadSize),
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("a12: zstd decoder initialization failed: " + err.Error())
	}
}

// compress encodes pixels with c, returning the codec actually used.
// Output that would not be smaller than the input is sent raw.
func compress(c Codec, pixels []byte) (Codec, []byte) {
	var out []byte
	var err error
	switch c {
	case CodecZstd:
		out, err = compressZstd(pixels)
	case CodecLZ4:
		out, err = compressLZ4(pixels)
	default:
		return CodecRaw, pixels
	}
	if err != nil {
		return CodecRaw, pixels
	}
	return c, out
}

func decompress(c Codec, data []byte, size int) ([]byte, error) {
	switch c {
	case CodecRaw:
		if len(data) != size {
			return nil, fmt.Errorf("raw frame is %d bytes, expected %d", len(data), size)
		}
		return data, nil
	case CodecZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	case CodecLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported video codec %v", c)
	}
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}
