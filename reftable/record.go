// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT

package reftable

import (
	"bytes"
	"encoding/binary"
)

// Block type tags, written as the first byte of every block (spec.md §3).
const (
	blockTypeRef   byte = 'r'
	blockTypeObj   byte = 'o'
	blockTypeLog   byte = 'l'
	blockTypeIndex byte = 'i'
)

// RefValueKind selects which fields of a RefRecord carry its value, encoded
// as the block record's 3-bit "extra" field.
type RefValueKind uint8

const (
	// RefValueDeletion marks the ref as removed as of UpdateIndex.
	RefValueDeletion RefValueKind = 0
	// RefValueObject carries a single object id in Target.
	RefValueObject RefValueKind = 1
	// RefValuePeeled carries an object id and its peeled tag target.
	RefValuePeeled RefValueKind = 2
	// RefValueSymref carries a symbolic target name in SymrefTarget.
	RefValueSymref RefValueKind = 3
)

// recordCodecCtx carries the per-table parameters record encode/decode needs
// beyond the bytes themselves.
type recordCodecCtx struct {
	hashSize       int
	minUpdateIndex uint64
}

// Record is the common shape every block record (ref, log, obj, index)
// implements: a key used for ordering/seeking, a kind tag, a deletion flag,
// and the value-side of the codec. Key derivation and comparison always
// happen over raw bytes.
type Record interface {
	Kind() byte
	Key() []byte
	IsDeletion() bool

	encodeValue(buf []byte, ctx recordCodecCtx) ([]byte, uint8, error)
	// decodeValue parses a value out of the front of data and reports how
	// many bytes it consumed: block values are not individually length
	// framed, so the block iterator relies on this to find the next record.
	decodeValue(data []byte, extra uint8, ctx recordCodecCtx) (int, error)
	// decodeKey populates the record's key-derived fields from a raw key
	// produced by the block iterator's prefix-compression decode. For most
	// kinds the key simply *is* the field (RefName, Prefix, LastKey); the
	// log record's key additionally embeds the complemented update_index,
	// which decodeKey must invert (see LogRecord.Key).
	decodeKey(key []byte) error
}

// newRecord returns a zero-value record of the given block type, used by the
// block iterator to decode into.
func newRecord(kind byte) (Record, error) {
	switch kind {
	case blockTypeRef:
		return &RefRecord{}, nil
	case blockTypeLog:
		return &LogRecord{}, nil
	case blockTypeObj:
		return &ObjRecord{}, nil
	case blockTypeIndex:
		return &IndexRecord{}, nil
	default:
		return nil, newFormatError("unknown block type %q", kind)
	}
}

// RefRecord is a ref_name -> value binding as of UpdateIndex.
type RefRecord struct {
	RefName      string
	UpdateIndex  uint64
	Value        RefValueKind
	Target       []byte // RefValueObject, RefValuePeeled
	PeeledTarget []byte // RefValuePeeled only
	SymrefTarget string // RefValueSymref only
}

func (r *RefRecord) Kind() byte      { return blockTypeRef }
func (r *RefRecord) Key() []byte     { return []byte(r.RefName) }
func (r *RefRecord) IsDeletion() bool { return r.Value == RefValueDeletion }

func (r *RefRecord) decodeKey(key []byte) error {
	r.RefName = string(key)
	return nil
}

func (r *RefRecord) encodeValue(buf []byte, ctx recordCodecCtx) ([]byte, uint8, error) {
	if r.UpdateIndex < ctx.minUpdateIndex {
		return nil, 0, newAPIError("ref %q update_index %d below table min %d", r.RefName, r.UpdateIndex, ctx.minUpdateIndex)
	}
	buf = putUvarint(buf, r.UpdateIndex-ctx.minUpdateIndex)
	switch r.Value {
	case RefValueDeletion:
	case RefValueObject:
		if len(r.Target) != ctx.hashSize {
			return nil, 0, newAPIError("ref %q target has wrong length %d, want %d", r.RefName, len(r.Target), ctx.hashSize)
		}
		buf = append(buf, r.Target...)
	case RefValuePeeled:
		if len(r.Target) != ctx.hashSize || len(r.PeeledTarget) != ctx.hashSize {
			return nil, 0, newAPIError("ref %q peeled value has wrong length", r.RefName)
		}
		buf = append(buf, r.Target...)
		buf = append(buf, r.PeeledTarget...)
	case RefValueSymref:
		buf = putUvarint(buf, uint64(len(r.SymrefTarget)))
		buf = append(buf, r.SymrefTarget...)
	default:
		return nil, 0, newAPIError("ref %q has unknown value kind %d", r.RefName, r.Value)
	}
	return buf, uint8(r.Value), nil
}

func (r *RefRecord) decodeValue(data []byte, extra uint8, ctx recordCodecCtx) (int, error) {
	delta, rest, err := readVarintSlice(data)
	if err != nil {
		return 0, newFormatError("ref %q: update index: %v", r.RefName, err)
	}
	r.UpdateIndex = ctx.minUpdateIndex + delta
	r.Value = RefValueKind(extra)
	switch r.Value {
	case RefValueDeletion:
		r.Target = nil
		r.PeeledTarget = nil
		r.SymrefTarget = ""
	case RefValueObject:
		if len(rest) < ctx.hashSize {
			return 0, newFormatError("ref %q: truncated object id", r.RefName)
		}
		r.Target = append([]byte(nil), rest[:ctx.hashSize]...)
		rest = rest[ctx.hashSize:]
	case RefValuePeeled:
		if len(rest) < 2*ctx.hashSize {
			return 0, newFormatError("ref %q: truncated peeled value", r.RefName)
		}
		r.Target = append([]byte(nil), rest[:ctx.hashSize]...)
		r.PeeledTarget = append([]byte(nil), rest[ctx.hashSize:2*ctx.hashSize]...)
		rest = rest[2*ctx.hashSize:]
	case RefValueSymref:
		size, rest2, err := readVarintSlice(rest)
		if err != nil {
			return 0, newFormatError("ref %q: symref length: %v", r.RefName, err)
		}
		if uint64(len(rest2)) < size {
			return 0, newFormatError("ref %q: truncated symref target", r.RefName)
		}
		r.SymrefTarget = string(rest2[:size])
		rest = rest2[size:]
	default:
		return 0, newFormatError("ref %q: unknown value type %d", r.RefName, extra)
	}
	return len(data) - len(rest), nil
}

// LogRecord is one reflog entry: the update that moved RefName from OldID to
// NewID at UpdateIndex. A Tombstone entry carries no payload and marks that
// the log for RefName was truncated as of UpdateIndex.
type LogRecord struct {
	RefName     string
	UpdateIndex uint64
	Tombstone   bool
	OldID       []byte
	NewID       []byte
	Name        string
	Email       string
	TimeSeconds int64
	TZMinutes   int16
	Message     string
}

func (l *LogRecord) Kind() byte      { return blockTypeLog }
func (l *LogRecord) IsDeletion() bool { return l.Tombstone }

// Key returns ref_name || '\0' || big-endian(^update_index): ordering by raw
// key bytes then yields, for one ref, strictly decreasing update_index.
func (l *LogRecord) Key() []byte {
	return logKey(l.RefName, l.UpdateIndex)
}

func logKey(refName string, updateIndex uint64) []byte {
	key := make([]byte, 0, len(refName)+9)
	key = append(key, refName...)
	key = append(key, 0)
	var suffix [8]byte
	binary.BigEndian.PutUint64(suffix[:], ^updateIndex)
	return append(key, suffix[:]...)
}

// decodeKey splits a log key back into RefName and UpdateIndex: the NUL
// byte separates the ref name from the trailing 8-byte complemented
// update_index (see Key/logKey).
func (l *LogRecord) decodeKey(key []byte) error {
	i := len(key) - 9
	if i < 0 || key[i] != 0 {
		return newFormatError("log record: malformed key %q", key)
	}
	l.RefName = string(key[:i])
	l.UpdateIndex = ^binary.BigEndian.Uint64(key[i+1:])
	return nil
}

func (l *LogRecord) encodeValue(buf []byte, ctx recordCodecCtx) ([]byte, uint8, error) {
	if l.Tombstone {
		return buf, 0, nil
	}
	if len(l.OldID) != ctx.hashSize || len(l.NewID) != ctx.hashSize {
		return nil, 0, newAPIError("log %q has object ids of the wrong length", l.RefName)
	}
	buf = append(buf, l.OldID...)
	buf = append(buf, l.NewID...)
	buf = putUvarint(buf, uint64(len(l.Name)))
	buf = append(buf, l.Name...)
	buf = putUvarint(buf, uint64(len(l.Email)))
	buf = append(buf, l.Email...)
	buf = putUvarint(buf, uint64(l.TimeSeconds))
	var tz [2]byte
	binary.BigEndian.PutUint16(tz[:], uint16(l.TZMinutes))
	buf = append(buf, tz[:]...)
	buf = putUvarint(buf, uint64(len(l.Message)))
	buf = append(buf, l.Message...)
	return buf, 1, nil
}

func (l *LogRecord) decodeValue(data []byte, extra uint8, ctx recordCodecCtx) (int, error) {
	if extra == 0 {
		l.Tombstone = true
		l.OldID, l.NewID = nil, nil
		l.Name, l.Email, l.Message = "", "", ""
		l.TimeSeconds, l.TZMinutes = 0, 0
		return 0, nil
	}
	l.Tombstone = false
	if len(data) < 2*ctx.hashSize {
		return 0, newFormatError("log %q: truncated object ids", l.RefName)
	}
	l.OldID = append([]byte(nil), data[:ctx.hashSize]...)
	l.NewID = append([]byte(nil), data[ctx.hashSize:2*ctx.hashSize]...)
	rest := data[2*ctx.hashSize:]

	nameLen, rest, err := readVarintSlice(rest)
	if err != nil {
		return 0, newFormatError("log %q: name length: %v", l.RefName, err)
	}
	if uint64(len(rest)) < nameLen {
		return 0, newFormatError("log %q: truncated name", l.RefName)
	}
	l.Name = string(rest[:nameLen])
	rest = rest[nameLen:]

	emailLen, rest, err := readVarintSlice(rest)
	if err != nil {
		return 0, newFormatError("log %q: email length: %v", l.RefName, err)
	}
	if uint64(len(rest)) < emailLen {
		return 0, newFormatError("log %q: truncated email", l.RefName)
	}
	l.Email = string(rest[:emailLen])
	rest = rest[emailLen:]

	timeSeconds, rest, err := readVarintSlice(rest)
	if err != nil {
		return 0, newFormatError("log %q: time: %v", l.RefName, err)
	}
	l.TimeSeconds = int64(timeSeconds)

	if len(rest) < 2 {
		return 0, newFormatError("log %q: truncated tz", l.RefName)
	}
	l.TZMinutes = int16(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]

	msgLen, rest, err := readVarintSlice(rest)
	if err != nil {
		return 0, newFormatError("log %q: message length: %v", l.RefName, err)
	}
	if uint64(len(rest)) < msgLen {
		return 0, newFormatError("log %q: truncated message", l.RefName)
	}
	l.Message = string(rest[:msgLen])
	rest = rest[msgLen:]
	return len(data) - len(rest), nil
}

// ObjRecord is a reverse index entry mapping a hash_prefix to the sorted
// byte offsets of the ref blocks whose refs point at an object with that
// prefix. A zero-length Offsets with a non-empty Prefix is the "too many
// refs" sentinel (spec.md §4.2/§9): RefsFor falls back to a linear scan
// rather than trusting the index for that prefix.
type ObjRecord struct {
	Prefix  []byte
	Offsets []uint64
}

func (o *ObjRecord) Kind() byte      { return blockTypeObj }
func (o *ObjRecord) Key() []byte     { return o.Prefix }
func (o *ObjRecord) IsDeletion() bool { return false }

func (o *ObjRecord) decodeKey(key []byte) error {
	o.Prefix = append([]byte(nil), key...)
	return nil
}

func (o *ObjRecord) encodeValue(buf []byte, ctx recordCodecCtx) ([]byte, uint8, error) {
	buf = putUvarint(buf, uint64(len(o.Offsets)))
	var prev uint64
	for i, off := range o.Offsets {
		if i > 0 && off <= prev {
			return nil, 0, newAPIError("obj record offsets not strictly increasing")
		}
		if i == 0 {
			buf = putUvarint(buf, off)
		} else {
			buf = putUvarint(buf, off-prev)
		}
		prev = off
	}
	return buf, 0, nil
}

func (o *ObjRecord) decodeValue(data []byte, extra uint8, ctx recordCodecCtx) (int, error) {
	count, rest, err := readVarintSlice(data)
	if err != nil {
		return 0, newFormatError("obj record: count: %v", err)
	}
	if count == 0 {
		o.Offsets = nil
		return len(data) - len(rest), nil
	}
	offsets := make([]uint64, 0, count)
	var prev uint64
	for i := uint64(0); i < count; i++ {
		var delta uint64
		delta, rest, err = readVarintSlice(rest)
		if err != nil {
			return 0, newFormatError("obj record: offset %d: %v", i, err)
		}
		var off uint64
		if i == 0 {
			off = delta
		} else {
			off = prev + delta
		}
		offsets = append(offsets, off)
		prev = off
	}
	o.Offsets = offsets
	return len(data) - len(rest), nil
}

// IndexRecord maps the largest key contained in a child block to that
// child's byte offset, used to descend a per-section index (spec.md §3/§4.7).
type IndexRecord struct {
	LastKey []byte
	Offset  uint64
}

func (i *IndexRecord) Kind() byte      { return blockTypeIndex }
func (i *IndexRecord) Key() []byte     { return i.LastKey }
func (i *IndexRecord) IsDeletion() bool { return false }

func (i *IndexRecord) decodeKey(key []byte) error {
	i.LastKey = append([]byte(nil), key...)
	return nil
}

func (i *IndexRecord) encodeValue(buf []byte, ctx recordCodecCtx) ([]byte, uint8, error) {
	return putUvarint(buf, i.Offset), 0, nil
}

func (i *IndexRecord) decodeValue(data []byte, extra uint8, ctx recordCodecCtx) (int, error) {
	off, rest, err := readVarintSlice(data)
	if err != nil {
		return 0, newFormatError("index record: offset: %v", err)
	}
	i.Offset = off
	return len(data) - len(rest), nil
}

// compareKeys orders two keys lexicographically, matching the raw-byte
// comparison every block and section invariant in spec.md §3 relies on.
func compareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}
