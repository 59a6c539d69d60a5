/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar  6 13:27:31 2019 mstenber
 * Last modified: Mon May 13 09:44:28 2019 mstenber
 * Edit time:     102 min
 *
 */

// codec library is responsible for transforming block payloads
// between their plaintext and on-disk compressed forms. Codecs are
// pure byte-in/byte-out; whether the compressed form is actually used
// is decided by the section writer, which falls back to storing the
// plaintext when compression does not shrink the payload.
package codec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
)

// CompressionType enumerates the on-disk compression identifiers.
// LZMA and BROTLI are reserved wire values; no codec is registered
// for them and reading a section using one fails.
type CompressionType uint16

const (
	CompressionNone CompressionType = iota
	CompressionLz4
	CompressionLz4hc
	CompressionZstd
	CompressionLzma
	CompressionBrotli
	CompressionSnappy
)

func (self CompressionType) String() string {
	switch self {
	case CompressionNone:
		return "null"
	case CompressionLz4:
		return "lz4"
	case CompressionLz4hc:
		return "lz4hc"
	case CompressionZstd:
		return "zstd"
	case CompressionLzma:
		return "lzma"
	case CompressionBrotli:
		return "brotli"
	case CompressionSnappy:
		return "snappy"
	}
	return fmt.Sprintf("compression-%d", uint16(self))
}

// Codec
//
// Single transformation of block payloads. DecodeBytes is given the
// uncompressed size from the section header as some block formats
// need a pre-sized target buffer.
type Codec interface {
	EncodeBytes(data []byte) (ret []byte, err error)
	DecodeBytes(data []byte, uncompressedSize int) (ret []byte, err error)
}

// NullCodec stores payloads as-is.
type NullCodec struct{}

func (self NullCodec) EncodeBytes(data []byte) ([]byte, error) {
	return data, nil
}

func (self NullCodec) DecodeBytes(data []byte, uncompressedSize int) ([]byte, error) {
	if uncompressedSize >= 0 && len(data) != uncompressedSize {
		return nil, errors.Errorf("null codec size mismatch: %d != %d", len(data), uncompressedSize)
	}
	return data, nil
}

// Lz4Codec is the LZ4 block codec; HC selects the high-compression
// variant on encode (decode is shared).
type Lz4Codec struct {
	HC bool
}

func (self *Lz4Codec) EncodeBytes(data []byte) (ret []byte, err error) {
	rd := make([]byte, len(data))
	var n int
	if self.HC {
		n, err = lz4.CompressBlockHC(data, rd, 0)
	} else {
		n, err = lz4.CompressBlock(data, rd, 0)
	}
	if err != nil {
		return
	}
	if n == 0 {
		// Incompressible; hand back something longer than the
		// input so the section writer falls back to NONE.
		ret = append(rd[:0], data...)
		ret = append(ret, 0)
		return
	}
	ret = rd[:n]
	return
}

func (self *Lz4Codec) DecodeBytes(data []byte, uncompressedSize int) (ret []byte, err error) {
	ret = make([]byte, uncompressedSize)
	var n int
	n, err = lz4.UncompressBlock(data, ret, 0)
	if err != nil {
		return
	}
	ret = ret[:n]
	return
}

// ZstdCodec wraps klauspost's zstd. Level is the zstd level (1..19);
// 0 means the library default.
type ZstdCodec struct {
	Level int

	enc *zstd.Encoder
	dec *zstd.Decoder
}

func (self *ZstdCodec) EncodeBytes(data []byte) (ret []byte, err error) {
	if self.enc == nil {
		level := zstd.SpeedDefault
		if self.Level > 0 {
			level = zstd.EncoderLevelFromZstd(self.Level)
		}
		self.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
		if err != nil {
			return
		}
	}
	ret = self.enc.EncodeAll(data, nil)
	return
}

func (self *ZstdCodec) DecodeBytes(data []byte, uncompressedSize int) (ret []byte, err error) {
	if self.dec == nil {
		self.dec, err = zstd.NewReader(nil)
		if err != nil {
			return
		}
	}
	ret, err = self.dec.DecodeAll(data, make([]byte, 0, uncompressedSize))
	return
}

// SnappyCodec is the snappy block codec.
type SnappyCodec struct{}

func (self SnappyCodec) EncodeBytes(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (self SnappyCodec) DecodeBytes(data []byte, uncompressedSize int) ([]byte, error) {
	return snappy.Decode(nil, data)
}

// ForCompression returns the codec for an on-disk compression type.
func ForCompression(ct CompressionType) (Codec, error) {
	switch ct {
	case CompressionNone:
		return NullCodec{}, nil
	case CompressionLz4:
		return &Lz4Codec{}, nil
	case CompressionLz4hc:
		return &Lz4Codec{HC: true}, nil
	case CompressionZstd:
		return &ZstdCodec{}, nil
	case CompressionSnappy:
		return SnappyCodec{}, nil
	}
	return nil, errors.Errorf("unsupported compression: %v", ct)
}

// ForString parses a compressor spec of the form "name" or
// "name:key=value", e.g. "zstd:level=1". Returns the codec and the
// compression type it emits under.
func ForString(spec string) (Codec, CompressionType, error) {
	name := spec
	var args string
	if i := strings.IndexByte(spec, ':'); i >= 0 {
		name, args = spec[:i], spec[i+1:]
	}
	switch name {
	case "null", "none", "":
		return NullCodec{}, CompressionNone, nil
	case "lz4":
		return &Lz4Codec{}, CompressionLz4, nil
	case "lz4hc":
		return &Lz4Codec{HC: true}, CompressionLz4hc, nil
	case "snappy":
		return SnappyCodec{}, CompressionSnappy, nil
	case "zstd":
		level := 0
		for _, kv := range strings.Split(args, ",") {
			if kv == "" {
				continue
			}
			k, v, _ := strings.Cut(kv, "=")
			if k != "level" {
				return nil, 0, errors.Errorf("unknown zstd option: %s", k)
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, 0, errors.Wrap(err, "zstd level")
			}
			level = n
		}
		return &ZstdCodec{Level: level}, CompressionZstd, nil
	}
	return nil, 0, errors.Errorf("unknown compressor: %s", name)
}
