/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar 15 09:02:44 2019 mstenber
 * Last modified: Thu May 30 10:44:21 2019 mstenber
 * Edit time:     93 min
 *
 */

// image implements the on-disk container: a little-endian sequence
// of sections, each carrying a magic, a format version, a 64-byte
// header (type, compression, number, sizes, checksum) and the
// payload bytes.
package image

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/fingon/go-dwarfs/codec"
)

type SectionType uint16

const (
	SectionBlock            SectionType = 0
	SectionMetadataV2Schema SectionType = 7
	SectionMetadataV2       SectionType = 8
)

func (self SectionType) String() string {
	switch self {
	case SectionBlock:
		return "BLOCK"
	case SectionMetadataV2Schema:
		return "METADATA_V2_SCHEMA"
	case SectionMetadataV2:
		return "METADATA_V2"
	}
	return "?"
}

const (
	magic = "DWARFS"

	versionMajor = 2
	versionMinor = 3

	// magic + major + minor
	preambleSize = 8

	headerSize = 64

	// full per-section overhead before the payload
	SectionOverhead = preambleSize + headerSize
)

// Header is the fixed 64-byte section header. The checksum is xxh64
// over the header bytes after the checksum field plus the payload.
type Header struct {
	Checksum         uint64
	Type             SectionType
	Compression      codec.CompressionType
	Flags            uint32
	Number           uint64
	Length           uint64
	UncompressedSize uint64
}

func (self *Header) encode() [headerSize]byte {
	var b [headerSize]byte
	binary.LittleEndian.PutUint64(b[0:], self.Checksum)
	binary.LittleEndian.PutUint16(b[8:], uint16(self.Type))
	binary.LittleEndian.PutUint16(b[10:], uint16(self.Compression))
	binary.LittleEndian.PutUint32(b[12:], self.Flags)
	binary.LittleEndian.PutUint64(b[16:], self.Number)
	binary.LittleEndian.PutUint64(b[24:], self.Length)
	binary.LittleEndian.PutUint64(b[32:], self.UncompressedSize)
	return b
}

func decodeHeader(b []byte) Header {
	return Header{
		Checksum:         binary.LittleEndian.Uint64(b[0:]),
		Type:             SectionType(binary.LittleEndian.Uint16(b[8:])),
		Compression:      codec.CompressionType(binary.LittleEndian.Uint16(b[10:])),
		Flags:            binary.LittleEndian.Uint32(b[12:]),
		Number:           binary.LittleEndian.Uint64(b[16:]),
		Length:           binary.LittleEndian.Uint64(b[24:]),
		UncompressedSize: binary.LittleEndian.Uint64(b[32:]),
	}
}

func checksum(headerTail, payload []byte) uint64 {
	d := xxhash.New()
	d.Write(headerTail)
	d.Write(payload)
	return d.Sum64()
}

// encodeSection produces the full on-disk bytes of one section.
func encodeSection(h Header, payload []byte) []byte {
	h.Length = uint64(len(payload))
	hb := h.encode()
	hb2 := hb // checksum over header minus the checksum field itself
	binary.LittleEndian.PutUint64(hb2[0:], 0)
	h.Checksum = checksum(hb2[8:], payload)
	hb = h.encode()

	out := make([]byte, 0, SectionOverhead+len(payload))
	out = append(out, magic...)
	out = append(out, versionMajor, versionMinor)
	out = append(out, hb[:]...)
	out = append(out, payload...)
	return out
}

// parseSection reads one section starting at data[off]. Returns the
// header, the payload slice (borrowed) and the offset just past the
// section.
func parseSection(data []byte, off int) (Header, []byte, int, error) {
	if len(data)-off < SectionOverhead {
		return Header{}, nil, 0, errors.New("truncated section header")
	}
	if string(data[off:off+len(magic)]) != magic {
		return Header{}, nil, 0, errors.New("bad section magic")
	}
	if data[off+6] != versionMajor {
		return Header{}, nil, 0, errors.Errorf("unsupported image version %d.%d", data[off+6], data[off+7])
	}
	hb := data[off+preambleSize : off+SectionOverhead]
	h := decodeHeader(hb)
	if h.Length > uint64(len(data)-off-SectionOverhead) {
		return Header{}, nil, 0, errors.New("section payload extends past image")
	}
	end := off + SectionOverhead + int(h.Length)
	payload := data[off+SectionOverhead : end]

	var tail [headerSize]byte
	copy(tail[:], hb)
	binary.LittleEndian.PutUint64(tail[0:], 0)
	if checksum(tail[8:], payload) != h.Checksum {
		return Header{}, nil, 0, errors.Errorf("checksum mismatch in section %d (%v)", h.Number, h.Type)
	}
	return h, payload, end, nil
}
