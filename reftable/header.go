// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT

package reftable

import (
	"bytes"
	"encoding/binary"

	rtbinary "github.com/antgroup/reftable/modules/binary"
)

// magic is the 4-byte signature every reftable file starts with.
const magic = "REFT"

const (
	// headerSizeV1 is magic(4) + version(1) + block_size(3) + min_update_index(8)
	// + max_update_index(8).
	headerSizeV1 = 24
	// headerSizeV2 additionally carries a 4-byte hash id.
	headerSizeV2 = 28

	// footerSizeV1 repeats the header (24) and adds ref_index_offset(8),
	// obj_offset_and_len(8), obj_index_offset(8), log_offset(8),
	// log_index_offset(8) and a trailing CRC-32(4).
	footerSizeV1 = headerSizeV1 + 8 + 8 + 8 + 8 + 8 + 4
	// footerSizeV2 is the same shape over the larger header.
	footerSizeV2 = headerSizeV2 + 8 + 8 + 8 + 8 + 8 + 4
)

// headerSize returns the on-disk header length for version.
func headerSize(version uint8) int {
	if version >= 2 {
		return headerSizeV2
	}
	return headerSizeV1
}

// footerSize returns the on-disk footer length for version.
func footerSize(version uint8) int {
	if version >= 2 {
		return footerSizeV2
	}
	return footerSizeV1
}

// fileHeader is the decoded form of a reftable file header, repeated
// verbatim at the start of the footer (spec.md §3).
type fileHeader struct {
	Version        uint8
	BlockSize      uint32
	MinUpdateIndex uint64
	MaxUpdateIndex uint64
	HashID         HashID // version 2 only; version 1 implies HashSHA1
}

// encode writes the header fields in on-disk order using modules/binary's
// big-endian field writers (the same helpers the teacher's writers use for
// fixed-width fields), through a bytes.Buffer that never fails a Write.
func (h fileHeader) encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.WriteByte(h.Version)
	buf.Write(encodeUint24(h.BlockSize))
	_ = rtbinary.WriteUint64(&buf, h.MinUpdateIndex)
	_ = rtbinary.WriteUint64(&buf, h.MaxUpdateIndex)
	if h.Version >= 2 {
		_ = rtbinary.WriteUint32(&buf, uint32(h.HashID))
	}
	return buf.Bytes()
}

func decodeHeader(b []byte) (fileHeader, error) {
	var h fileHeader
	if len(b) < headerSizeV1 {
		return h, newFormatError("header: truncated, got %d bytes", len(b))
	}
	if string(b[0:4]) != magic {
		return h, newFormatError("header: bad magic %q", b[0:4])
	}
	h.Version = b[4]
	if h.Version != 1 && h.Version != 2 {
		return h, newFormatError("header: unsupported version %d", h.Version)
	}
	need := headerSize(h.Version)
	if len(b) < need {
		return h, newFormatError("header: truncated version %d header, got %d bytes", h.Version, len(b))
	}
	h.BlockSize = getUint24(b[5:8])
	h.MinUpdateIndex = binary.BigEndian.Uint64(b[8:16])
	h.MaxUpdateIndex = binary.BigEndian.Uint64(b[16:24])
	if h.Version >= 2 {
		h.HashID = HashID(binary.BigEndian.Uint32(b[24:28]))
	} else {
		h.HashID = HashSHA1
	}
	if !h.HashID.valid() {
		return h, newFormatError("header: unsupported hash id %#x", uint32(h.HashID))
	}
	return h, nil
}

// fileFooter repeats fileHeader and adds the section offset table plus the
// CRC guarding the whole footer.
type fileFooter struct {
	fileHeader
	RefIndexOffset uint64
	ObjOffset      uint64 // high bits of the combined obj_offset_and_len field
	ObjIDLen       uint8  // low 5 bits of the combined field
	ObjIndexOffset uint64
	LogOffset      uint64
	LogIndexOffset uint64
}

func (f fileFooter) encode() []byte {
	var buf bytes.Buffer
	buf.Write(f.fileHeader.encode())
	_ = rtbinary.WriteUint64(&buf, f.RefIndexOffset)
	_ = rtbinary.WriteUint64(&buf, (f.ObjOffset<<5)|uint64(f.ObjIDLen&0x1f))
	_ = rtbinary.WriteUint64(&buf, f.ObjIndexOffset)
	_ = rtbinary.WriteUint64(&buf, f.LogOffset)
	_ = rtbinary.WriteUint64(&buf, f.LogIndexOffset)
	crc := footerCRC(buf.Bytes())
	_ = rtbinary.WriteUint32(&buf, crc)
	return buf.Bytes()
}

func decodeFooter(b []byte, version uint8) (fileFooter, error) {
	var f fileFooter
	want := footerSize(version)
	if len(b) != want {
		return f, newFormatError("footer: expected %d bytes for version %d, got %d", want, version, len(b))
	}
	hdrLen := headerSize(version)
	hdr, err := decodeHeader(b[:hdrLen])
	if err != nil {
		return f, newFormatError("footer header: %v", err)
	}
	f.fileHeader = hdr
	gotCRC := footerCRC(b[:len(b)-4])
	wantCRC := binary.BigEndian.Uint32(b[len(b)-4:])
	if gotCRC != wantCRC {
		return f, newFormatError("footer: crc mismatch: got %#x, want %#x", gotCRC, wantCRC)
	}
	rest := b[hdrLen : len(b)-4]
	if len(rest) != 40 {
		return f, newFormatError("footer: unexpected section table length %d", len(rest))
	}
	f.RefIndexOffset = binary.BigEndian.Uint64(rest[0:8])
	objField := binary.BigEndian.Uint64(rest[8:16])
	f.ObjOffset = objField >> 5
	f.ObjIDLen = uint8(objField & 0x1f)
	f.ObjIndexOffset = binary.BigEndian.Uint64(rest[16:24])
	f.LogOffset = binary.BigEndian.Uint64(rest[24:32])
	f.LogIndexOffset = binary.BigEndian.Uint64(rest[32:40])
	return f, nil
}
