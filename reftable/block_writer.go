// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT

package reftable

import (
	"bytes"
	"encoding/binary"

	"github.com/klauspost/compress/zlib"
)

// restartEntrySize is the fixed on-disk width of one restart offset: enough
// to index any position within a 2^24-1 byte block.
const restartEntrySize = 3

// blockHeaderSize is the 1-byte type tag plus the 3-byte block-length field
// every block starts with.
const blockHeaderSize = 4

// blockWriter accumulates prefix-compressed records into a single block,
// matching the restart/prefix-compression scheme of
// modules/git/reftable/reftable.go's block layout, generalized to variable
// (self-describing) block lengths rather than that reader's fixed-stride
// assumption: spec.md requires next-block offsets be derived from each
// block's own length field, since a compressed log block's on-disk size
// differs from table_block_size.
type blockWriter struct {
	kind            byte
	blockSize       int
	headerOff       int
	restartInterval int
	ctx             recordCodecCtx

	buf      []byte // buf[0:4] reserved for the header, filled in at finish
	restarts []int  // entry offsets within buf, counted from buf[0]
	nEntries int
	lastKey  []byte
	firstKey []byte
}

func newBlockWriter(kind byte, blockSize, headerOff int, restartInterval int, ctx recordCodecCtx) *blockWriter {
	return &blockWriter{
		kind:            kind,
		blockSize:       blockSize,
		headerOff:       headerOff,
		restartInterval: restartInterval,
		ctx:             ctx,
		buf:             make([]byte, blockHeaderSize),
	}
}

func (w *blockWriter) empty() bool { return w.nEntries == 0 }

// add encodes record and appends it to the block. It returns added=false,
// without modifying the block, if doing so would overflow the configured
// block size; the caller must finish this block and start a new one.
func (w *blockWriter) add(record Record) (added bool, err error) {
	key := record.Key()
	isRestart := w.nEntries%w.restartInterval == 0

	var sharedLen int
	if !isRestart {
		sharedLen = commonPrefixLen(w.lastKey, key)
	}
	suffix := key[sharedLen:]

	valBuf, extra, err := record.encodeValue(nil, w.ctx)
	if err != nil {
		return false, err
	}
	suffixField := (uint64(len(suffix)) << 3) | uint64(extra&0x7)

	entryLen := uvarintSize(uint64(sharedLen)) + uvarintSize(suffixField) + len(suffix) + len(valBuf)
	prospectiveRestarts := len(w.restarts)
	if isRestart {
		prospectiveRestarts++
	}
	overhead := 2 + restartEntrySize*prospectiveRestarts
	budget := w.blockSize - w.headerOff
	if len(w.buf)+entryLen+overhead > budget {
		if w.empty() {
			return false, newAPIError("record for key %q does not fit in an empty %d-byte block", key, w.blockSize)
		}
		return false, nil
	}

	if isRestart {
		w.restarts = append(w.restarts, len(w.buf))
	}
	w.buf = putUvarint(w.buf, uint64(sharedLen))
	w.buf = putUvarint(w.buf, suffixField)
	w.buf = append(w.buf, suffix...)
	w.buf = append(w.buf, valBuf...)

	if w.firstKey == nil {
		w.firstKey = append([]byte(nil), key...)
	}
	w.lastKey = append(w.lastKey[:0], key...)
	w.nEntries++
	return true, nil
}

// finish emits the restart array, restart count and (for log blocks) zlib
// compression, and writes the block type and final on-disk length into the
// reserved header bytes. It returns the complete on-disk bytes for this
// block, starting at its own type tag.
func (w *blockWriter) finish() ([]byte, error) {
	body := w.buf // includes the 4 reserved header bytes + records
	restartStart := len(body)
	for _, r := range w.restarts {
		body = putUint24(body, uint32(r))
	}
	var cnt [2]byte
	binary.BigEndian.PutUint16(cnt[:], uint16(len(w.restarts)))
	body = append(body, cnt[:]...)

	if w.kind == blockTypeLog && restartStart > blockHeaderSize {
		compressed, err := compressLogBody(body[blockHeaderSize:restartStart])
		if err != nil {
			return nil, newFormatError("compress log block: %v", err)
		}
		out := make([]byte, 0, blockHeaderSize+len(compressed)+len(body)-restartStart)
		out = append(out, body[:blockHeaderSize]...)
		out = append(out, compressed...)
		out = append(out, body[restartStart:]...)
		body = out
	}

	if len(body) > maxBlockSize {
		return nil, newAPIError("block grew to %d bytes, exceeds max %d", len(body), maxBlockSize)
	}
	body[0] = w.kind
	copy(body[1:4], encodeUint24(uint32(len(body))))
	return body, nil
}

func encodeUint24(v uint32) []byte {
	return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
}

func compressLogBody(body []byte) ([]byte, error) {
	var out bytes.Buffer
	zw := zlib.NewWriter(&out)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// commonPrefixLen returns the length of the longest common prefix of a and b.
func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
