// Package codec frames device blocks for object-backed storage.
//
// A framed block carries the compression algorithm, a CRC32-Castagnoli
// checksum of the raw payload and both lengths, so a block read back from a
// remote store can be verified before it is handed to the buffer cache.
//
// Frame layout (little endian):
//
//	[0]     Compression
//	[1:5]   CRC32C(raw)
//	[5:9]   raw length
//	[9:13]  stored length (0 = payload stored uncompressed)
//	[13:]   payload
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/kcore/internal/hash"
)

// Compression selects the block compression algorithm.
type Compression uint8

const (
	// None stores blocks verbatim.
	None Compression = 0
	// LZ4 is fast block compression, good for hot devices.
	LZ4 Compression = 1
	// ZSTD compresses better, good for cold or remote devices.
	ZSTD Compression = 2
)

const headerSize = 13

var (
	// ErrChecksum is returned when a decoded block does not match its checksum.
	ErrChecksum = errors.New("codec: block checksum mismatch")
	// ErrCorrupt is returned for frames that cannot be parsed.
	ErrCorrupt = errors.New("codec: corrupt block frame")
)

// ParseCompression maps a configuration name to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return ZSTD, nil
	default:
		return None, fmt.Errorf("codec: unknown compression %q", name)
	}
}

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case ZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// ZSTD encoder/decoder pools for efficiency
var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) {
	zstdEncoderPool.Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

// Encode frames raw with the given compression. Blocks that do not shrink by
// at least 10% are stored uncompressed.
func Encode(raw []byte, c Compression) ([]byte, error) {
	var payload []byte
	switch c {
	case None:
	case LZ4:
		compressed := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("codec: lz4: %w", err)
		}
		payload = compressed[:n] // n == 0 means incompressible
	case ZSTD:
		enc := getZstdEncoder()
		payload = enc.EncodeAll(raw, nil)
		putZstdEncoder(enc)
	default:
		return nil, fmt.Errorf("codec: unknown compression %d", c)
	}

	stored := uint32(len(payload))
	if len(payload) == 0 || float64(len(payload)) > float64(len(raw))*0.9 {
		payload = raw
		stored = 0
	}

	out := make([]byte, headerSize+len(payload))
	out[0] = byte(c)
	binary.LittleEndian.PutUint32(out[1:], hash.CRC32C(raw))
	binary.LittleEndian.PutUint32(out[5:], uint32(len(raw))) //nolint:gosec // blocks are far below 4 GiB
	binary.LittleEndian.PutUint32(out[9:], stored)
	copy(out[headerSize:], payload)
	return out, nil
}

// Decode unpacks a frame into dst, which must be exactly the raw length.
func Decode(frame, dst []byte) error {
	if len(frame) < headerSize {
		return ErrCorrupt
	}
	c := Compression(frame[0])
	sum := binary.LittleEndian.Uint32(frame[1:])
	rawLen := binary.LittleEndian.Uint32(frame[5:])
	stored := binary.LittleEndian.Uint32(frame[9:])
	payload := frame[headerSize:]

	if int(rawLen) != len(dst) {
		return fmt.Errorf("%w: raw length %d, want %d", ErrCorrupt, rawLen, len(dst))
	}

	switch {
	case stored == 0:
		if len(payload) != int(rawLen) {
			return ErrCorrupt
		}
		copy(dst, payload)
	case int(stored) != len(payload):
		return ErrCorrupt
	case c == LZ4:
		n, err := lz4.UncompressBlock(payload, dst)
		if err != nil {
			return fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
		}
		if n != len(dst) {
			return fmt.Errorf("%w: lz4 size mismatch", ErrCorrupt)
		}
	case c == ZSTD:
		dec := getZstdDecoder()
		decoded, err := dec.DecodeAll(payload, dst[:0])
		putZstdDecoder(dec)
		if err != nil {
			return fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		if len(decoded) != len(dst) {
			return fmt.Errorf("%w: zstd size mismatch", ErrCorrupt)
		}
	default:
		return fmt.Errorf("%w: compression %d", ErrCorrupt, c)
	}

	if hash.CRC32C(dst) != sum {
		return ErrChecksum
	}
	return nil
}
