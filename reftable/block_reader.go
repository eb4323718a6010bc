// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT

package reftable

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zlib"
)

// blockReader parses the fixed framing of one on-disk block: its type tag,
// restart table, and (for log blocks) decompresses the body into an owned
// buffer. It generalizes modules/git/reftable/reftable.go's block/
// parseRefBlock pair from ref-only, whole-file-in-memory parsing to all four
// block kinds over a single borrowed-or-owned buffer.
type blockReader struct {
	kind          byte
	data          []byte // on-disk bytes of the block, starting at the type tag (decompressed for log blocks)
	restartOff    int    // offset within data where the restart array begins
	restartCount  int
	fullBlockSize int // on-disk size, pre-decompression
	ctx           recordCodecCtx
}

// newBlockReader parses raw, the bytes of one block beginning headerOff
// bytes before the block's own type tag (nonzero only for the very first
// block in a file, which shares its block-sized slot with the file header).
// tableBlockSize is the table's configured block size, the upper bound on a
// log block's decompressed size.
func newBlockReader(raw []byte, headerOff int, tableBlockSize uint32, ctx recordCodecCtx) (*blockReader, error) {
	if len(raw) < headerOff+blockHeaderSize {
		return nil, newFormatError("block: truncated header")
	}
	kind := raw[headerOff]
	blockLen := int(getUint24(raw[headerOff+1 : headerOff+4]))
	if blockLen < blockHeaderSize || headerOff+blockLen > len(raw) {
		return nil, newFormatError("block: length %d exceeds available %d bytes", blockLen, len(raw)-headerOff)
	}
	onDisk := raw[headerOff : headerOff+blockLen]

	br := &blockReader{kind: kind, fullBlockSize: blockLen, ctx: ctx}

	if kind == blockTypeLog {
		decompressed, err := decompressLogBlock(onDisk, tableBlockSize)
		if err != nil {
			return nil, err
		}
		br.data = decompressed
	} else {
		br.data = onDisk
	}

	if len(br.data) < 2 {
		return nil, newFormatError("block: too short for restart count")
	}
	br.restartCount = int(binary.BigEndian.Uint16(br.data[len(br.data)-2:]))
	br.restartOff = len(br.data) - 2 - restartEntrySize*br.restartCount
	if br.restartOff < blockHeaderSize || br.restartOff > len(br.data)-2 {
		return nil, newFormatError("block: restart array inconsistent (count=%d, len=%d)", br.restartCount, len(br.data))
	}
	return br, nil
}

// decompressLogBlock inflates the zlib-compressed payload between the
// 4-byte header and the restart array, returning a fresh buffer with the
// header and restart array copied through unmodified. The buffer is sized to
// the inflated contents; a result larger than tableBlockSize (when nonzero)
// is a format error.
func decompressLogBlock(data []byte, tableBlockSize uint32) ([]byte, error) {
	if len(data) < blockHeaderSize+2 {
		return nil, newFormatError("log block: too short")
	}
	restartCount := int(binary.BigEndian.Uint16(data[len(data)-2:]))
	restartOff := len(data) - 2 - restartEntrySize*restartCount
	if restartOff < blockHeaderSize || restartOff > len(data)-2 {
		return nil, newFormatError("log block: restart array inconsistent")
	}
	zr, err := zlib.NewReader(bytes.NewReader(data[blockHeaderSize:restartOff]))
	if err != nil {
		return nil, newFormatError("log block: zlib: %v", err)
	}
	defer zr.Close()
	inflated, err := io.ReadAll(zr)
	if err != nil {
		return nil, newFormatError("log block: inflate: %v", err)
	}

	out := make([]byte, 0, blockHeaderSize+len(inflated)+2+restartEntrySize*restartCount)
	out = append(out, data[:blockHeaderSize]...)
	out = append(out, inflated...)
	out = append(out, data[restartOff:]...)
	if tableBlockSize != 0 && len(out) > int(tableBlockSize) {
		return nil, newFormatError("log block: decompressed size %d exceeds table block size %d", len(out), tableBlockSize)
	}
	return out, nil
}

func (b *blockReader) Type() byte { return b.kind }

func (b *blockReader) FullBlockSize() int { return b.fullBlockSize }

// decodeEntry decodes the prefix-compressed framing of the record starting
// at pos, returning its key, extra bits, and the offset of the byte just
// past the suffix (i.e. where the value begins).
func decodeEntry(data []byte, pos, limit int, lastKey []byte) (key []byte, extra uint8, valueStart int, err error) {
	pos, shared, err := getUvarint(data, pos, limit)
	if err != nil {
		return nil, 0, 0, newFormatError("block: shared len: %v", err)
	}
	pos, suffixField, err := getUvarint(data, pos, limit)
	if err != nil {
		return nil, 0, 0, newFormatError("block: suffix len: %v", err)
	}
	extra = uint8(suffixField & 0x7)
	suffixLen := int(suffixField >> 3)
	if shared > uint64(len(lastKey)) {
		return nil, 0, 0, newFormatError("block: shared prefix %d exceeds previous key length %d", shared, len(lastKey))
	}
	if pos+suffixLen > limit {
		return nil, 0, 0, newFormatError("block: suffix runs past restart array")
	}
	key = append([]byte(nil), lastKey[:shared]...)
	key = append(key, data[pos:pos+suffixLen]...)
	return key, extra, pos + suffixLen, nil
}

// firstKey decodes just the key of the block's first record, without
// building a full iterator. Used by linear seek to inspect a candidate
// block's coverage before committing to it.
func (b *blockReader) firstKey() ([]byte, error) {
	if blockHeaderSize >= b.restartOff {
		return nil, newFormatError("block: empty block has no first key")
	}
	key, _, _, err := decodeEntry(b.data, blockHeaderSize, b.restartOff, nil)
	return key, err
}

// restartKey decodes the full key stored at restart index i.
func (b *blockReader) restartKey(i int) ([]byte, error) {
	off := int(getUint24(b.data[b.restartOff+restartEntrySize*i:]))
	key, _, _, err := decodeEntry(b.data, off, b.restartOff, nil)
	return key, err
}

// start returns an iterator positioned at the first record of the block.
func (b *blockReader) start() *blockIter {
	return &blockIter{block: b, nextOff: blockHeaderSize}
}

// seek positions the returned iterator so that its next next() call yields
// the first record with key >= want, binary-searching the restart array for
// a starting point and then scanning linearly (spec.md §4.4). The tie-break
// is "largest restart whose key <= want"; restarts fully encode their key so
// the comparison is direct.
func (b *blockReader) seek(want []byte) (*blockIter, error) {
	lo, hi := 0, b.restartCount-1
	bestOff := blockHeaderSize
	for lo <= hi {
		mid := (lo + hi) / 2
		key, err := b.restartKey(mid)
		if err != nil {
			return nil, err
		}
		if compareKeys(key, want) <= 0 {
			bestOff = int(getUint24(b.data[b.restartOff+restartEntrySize*mid:]))
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}

	it := &blockIter{block: b, nextOff: bestOff}
	for {
		save := *it
		rec, err := newRecord(b.kind)
		if err != nil {
			return nil, err
		}
		ok, err := it.next(rec, b.ctx)
		if err != nil {
			return nil, err
		}
		if !ok || compareKeys(rec.Key(), want) >= 0 {
			*it = save
			return it, nil
		}
	}
}

// blockIter walks records of a single block in order. It is not
// thread-safe, and once its owning blockReader's buffer is returned to the
// BlockSource it must not be used further.
type blockIter struct {
	block   *blockReader
	lastKey []byte
	nextOff int
}

// next decodes the next record of the block into rec. It returns ok=false,
// err=nil when the block is exhausted; a non-nil error signals malformed
// framing.
func (it *blockIter) next(rec Record, ctx recordCodecCtx) (ok bool, err error) {
	if it.nextOff >= it.block.restartOff {
		return false, nil
	}
	key, extra, valueStart, err := decodeEntry(it.block.data, it.nextOff, it.block.restartOff, it.lastKey)
	if err != nil {
		return false, err
	}
	if err := rec.decodeKey(key); err != nil {
		return false, err
	}
	consumed, err := rec.decodeValue(it.block.data[valueStart:it.block.restartOff], extra, ctx)
	if err != nil {
		return false, err
	}
	it.lastKey = key
	it.nextOff = valueStart + consumed
	return true, nil
}
