// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT

package reftable

import (
	"errors"
	"io"
	"sort"
	"strings"
	"syscall"
)

// defaultObjIDLen is the number of leading object-id bytes the obj section
// indexes by. spec.md's config list (§9) does not expose this as a tunable,
// so the writer picks a fixed width; collisions beyond maxObjOffsetsPerEntry
// degrade to the "too many refs" sentinel (spec.md §4.2/§9) rather than
// growing the prefix.
const defaultObjIDLen = 2

// maxObjOffsetsPerEntry bounds how many ref-block offsets one obj entry may
// list before the writer gives up and falls back to the empty-offsets
// sentinel for that prefix.
const maxObjOffsetsPerEntry = 256

// writerSection tracks which section of the fixed ref/obj/log write order
// (spec.md §4.7) the Writer currently accepts records for.
type writerSection int

const (
	sectionRef writerSection = iota
	sectionLog
	sectionDone
)

// Writer assembles a single reftable file: header, the three sections in
// fixed order (ref, obj, log), their optional per-section indexes, and the
// footer. It is the inverse of Reader, grounded on the same
// modules/git/reftable header/footer shapes and block_writer.go's
// prefix-compression.
type Writer struct {
	sink io.Writer
	opts WriterOptions
	ctx  recordCodecCtx

	header fileHeader
	offset int64

	firstBlockPending bool
	section           writerSection

	curKind       byte
	curBlock      *blockWriter
	curBlockStart int64
	lastKey       []byte

	refEntries []IndexRecord
	objEntries []IndexRecord
	logEntries []IndexRecord

	objSectionStart int64
	logSectionStart int64
	refIndexOffset  uint64
	objIndexOffset  uint64

	objBuilder map[string][]uint64
	objPrefixes []string // insertion order is irrelevant; sorted lazily at finalize

	closed bool
}

// NewWriter creates a Writer over sink. The file header is written
// immediately; sink should be empty and positioned at its start.
func NewWriter(sink io.Writer, opts WriterOptions) (*Writer, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	header := fileHeader{
		Version:        opts.Version,
		BlockSize:      opts.BlockSize,
		MinUpdateIndex: opts.MinUpdateIndex,
		MaxUpdateIndex: opts.MaxUpdateIndex,
		HashID:         opts.HashID,
	}
	hdrBytes := header.encode()
	if _, err := sink.Write(hdrBytes); err != nil {
		return nil, wrapWriteError(err)
	}
	return &Writer{
		sink:   sink,
		opts:   opts,
		ctx:    recordCodecCtx{hashSize: opts.HashID.Size(), minUpdateIndex: opts.MinUpdateIndex},
		header: header,
		offset: int64(len(hdrBytes)),

		firstBlockPending: true,
		objBuilder:        make(map[string][]uint64),
	}, nil
}

func wrapWriteError(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return newOutOfSpaceError("%v", err)
	}
	return newIOError("write", err)
}

// newBlockWriterFor starts a block writer for kind, charging the file
// header's bytes against the very first block's budget (spec.md's
// header_off convention; see block_writer.go).
func (w *Writer) newBlockWriterFor(kind byte) *blockWriter {
	headerOff := 0
	if w.firstBlockPending {
		headerOff = headerSize(w.header.Version)
		w.firstBlockPending = false
	}
	return newBlockWriter(kind, int(w.opts.BlockSize), headerOff, w.opts.RestartInterval, w.ctx)
}

// flushBlock writes bw's finished bytes to the sink and advances w.offset.
// It returns the file offset the block started at.
func (w *Writer) flushBlock(bw *blockWriter) (int64, error) {
	start := w.offset
	encoded, err := bw.finish()
	if err != nil {
		return 0, err
	}
	if _, err := w.sink.Write(encoded); err != nil {
		return 0, wrapWriteError(err)
	}
	w.offset += int64(len(encoded))
	return start, nil
}

// addToCurrentSection appends record to the in-progress block of the given
// kind, flushing and starting a new block on overflow.
func (w *Writer) addToCurrentSection(kind byte, rec Record, entries *[]IndexRecord) error {
	if w.curBlock == nil || w.curKind != kind {
		if w.curBlock != nil {
			if err := w.finishCurrentBlock(entries); err != nil {
				return err
			}
		}
		w.curKind = kind
		w.curBlockStart = w.offset
		w.curBlock = w.newBlockWriterFor(kind)
	}
	ok, err := w.curBlock.add(rec)
	if err != nil {
		return err
	}
	if !ok {
		if err := w.finishCurrentBlock(entries); err != nil {
			return err
		}
		w.curBlockStart = w.offset
		w.curBlock = w.newBlockWriterFor(kind)
		ok, err := w.curBlock.add(rec)
		if err != nil {
			return err
		}
		if !ok {
			return newAPIError("record for key %q does not fit in an empty block", rec.Key())
		}
	}
	return nil
}

func (w *Writer) finishCurrentBlock(entries *[]IndexRecord) error {
	if w.curBlock == nil || w.curBlock.empty() {
		w.curBlock = nil
		return nil
	}
	lastKey := append([]byte(nil), w.curBlock.lastKey...)
	start, err := w.flushBlock(w.curBlock)
	if err != nil {
		return err
	}
	*entries = append(*entries, IndexRecord{LastKey: lastKey, Offset: uint64(start)})
	w.curBlock = nil
	return nil
}

// AddRef appends a ref record. Records must arrive in strictly increasing
// ref_name order (spec.md §4.7); update_index must lie within the writer's
// declared [min, max].
func (w *Writer) AddRef(rec *RefRecord) error {
	if w.closed {
		return newAPIError("writer is closed")
	}
	if w.section != sectionRef {
		return newAPIError("ref records must be added before log records")
	}
	if w.opts.MaxUpdateIndex != 0 && rec.UpdateIndex > w.opts.MaxUpdateIndex {
		return newAPIError("ref %q update_index %d exceeds table max %d", rec.RefName, rec.UpdateIndex, w.opts.MaxUpdateIndex)
	}
	if rec.UpdateIndex < w.opts.MinUpdateIndex {
		return newAPIError("ref %q update_index %d below table min %d", rec.RefName, rec.UpdateIndex, w.opts.MinUpdateIndex)
	}
	key := rec.Key()
	if w.lastKey != nil && compareKeys(key, w.lastKey) <= 0 {
		return newAPIError("ref records out of order: %q does not follow %q", key, w.lastKey)
	}
	w.lastKey = append(w.lastKey[:0], key...)

	if err := w.addToCurrentSection(blockTypeRef, rec, &w.refEntries); err != nil {
		return err
	}
	w.indexObjForRef(rec)
	return nil
}

// indexObjForRef records (hash_prefix(value), block_offset) for every object
// id a ref's value carries, feeding the obj section built at finalization
// (spec.md §4.7). w.curBlockStart is the start of the ref block rec was just
// appended to, kept current by addToCurrentSection.
func (w *Writer) indexObjForRef(rec *RefRecord) {
	switch rec.Value {
	case RefValueObject:
		w.addObjEntry(rec.Target, uint64(w.curBlockStart))
	case RefValuePeeled:
		w.addObjEntry(rec.Target, uint64(w.curBlockStart))
		w.addObjEntry(rec.PeeledTarget, uint64(w.curBlockStart))
	}
}

func (w *Writer) addObjEntry(target []byte, blockStart uint64) {
	n := defaultObjIDLen
	if n > len(target) {
		n = len(target)
	}
	prefix := string(target[:n])
	offs := w.objBuilder[prefix]
	if len(offs) == 0 {
		w.objPrefixes = append(w.objPrefixes, prefix)
	}
	if len(offs) > 0 && offs[len(offs)-1] == blockStart {
		return // same ref block already indexed under this prefix
	}
	w.objBuilder[prefix] = append(offs, blockStart)
}

// ensureLogSection finalizes the ref and obj sections the first time a log
// record is added, enforcing the fixed ref/obj/log write order.
func (w *Writer) ensureLogSection() error {
	if w.section == sectionRef {
		if err := w.finishCurrentBlock(&w.refEntries); err != nil {
			return err
		}
		if err := w.finalizeObjSection(); err != nil {
			return err
		}
		w.section = sectionLog
		w.lastKey = nil
	}
	return nil
}

// AddLog appends a log record. Records must arrive in strictly increasing
// key order, i.e. for a given ref, in decreasing update_index (spec.md §3).
func (w *Writer) AddLog(rec *LogRecord) error {
	if w.closed {
		return newAPIError("writer is closed")
	}
	if w.section == sectionDone {
		return newAPIError("writer is closed")
	}
	if err := w.ensureLogSection(); err != nil {
		return err
	}
	if !w.opts.ExactLogMessage && !rec.Tombstone {
		rec.Message = normalizeLogMessage(rec.Message)
	}
	key := rec.Key()
	if w.lastKey != nil && compareKeys(key, w.lastKey) <= 0 {
		return newAPIError("log records out of order: %q does not follow %q", key, w.lastKey)
	}
	w.lastKey = append(w.lastKey[:0], key...)
	if w.logSectionStart == 0 {
		w.logSectionStart = w.offset
	}
	return w.addToCurrentSection(blockTypeLog, rec, &w.logEntries)
}

// normalizeLogMessage applies the writer's default log message shape: only
// the first line survives, and the result always ends with exactly one
// newline. Writers that need to store a message verbatim (e.g. replaying an
// existing table's bytes unchanged) should set WriterOptions.ExactLogMessage
// instead of relying on this.
func normalizeLogMessage(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg + "\n"
}

// finalizeObjSection writes the ref index (if any), then the obj data blocks
// (built from every ref added so far) and their index, if any object was
// indexed, so that each index directly follows its own section's blocks.
func (w *Writer) finalizeObjSection() error {
	var err error
	if w.refIndexOffset, err = w.finishIndex(w.refEntries); err != nil {
		return err
	}
	if len(w.objPrefixes) == 0 {
		return nil
	}
	sort.Strings(w.objPrefixes)
	w.objSectionStart = w.offset
	for _, prefix := range w.objPrefixes {
		offsets := w.objBuilder[prefix]
		rec := &ObjRecord{Prefix: []byte(prefix)}
		if len(offsets) <= maxObjOffsetsPerEntry {
			sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
			rec.Offsets = offsets
		} // else: leave Offsets nil, the "too many refs" sentinel (spec.md §4.2/§9)
		if err := w.addToCurrentSection(blockTypeObj, rec, &w.objEntries); err != nil {
			return err
		}
	}
	if err := w.finishCurrentBlock(&w.objEntries); err != nil {
		return err
	}
	w.objIndexOffset, err = w.finishIndex(w.objEntries)
	return err
}

// writeIndexLevel writes one layer of index blocks over entries, returning
// the (last_key, offset) pairs describing the index blocks just written so
// the caller can build the next layer up (spec.md §4.7's "may nest through
// the same mechanism").
func (w *Writer) writeIndexLevel(entries []IndexRecord) ([]IndexRecord, error) {
	var next []IndexRecord
	var cur *blockWriter
	flush := func() error {
		if cur == nil || cur.empty() {
			return nil
		}
		lastKey := append([]byte(nil), cur.lastKey...)
		start, err := w.flushBlock(cur)
		if err != nil {
			return err
		}
		next = append(next, IndexRecord{LastKey: lastKey, Offset: uint64(start)})
		cur = nil
		return nil
	}
	for i := range entries {
		e := entries[i]
		if cur == nil {
			cur = w.newBlockWriterFor(blockTypeIndex)
		}
		ok, err := cur.add(&e)
		if err != nil {
			return nil, err
		}
		if !ok {
			if err := flush(); err != nil {
				return nil, err
			}
			cur = w.newBlockWriterFor(blockTypeIndex)
			ok2, err2 := cur.add(&e)
			if err2 != nil {
				return nil, err2
			}
			if !ok2 {
				return nil, newAPIError("index record for key %q does not fit in an empty block", e.LastKey)
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return next, nil
}

// finishIndex collapses entries into nested index blocks until exactly one
// remains, returning its offset, or 0 if entries describes zero or one data
// block (no index is worth building).
func (w *Writer) finishIndex(entries []IndexRecord) (uint64, error) {
	if len(entries) <= 1 {
		return 0, nil
	}
	level := entries
	for len(level) > 1 {
		next, err := w.writeIndexLevel(level)
		if err != nil {
			return 0, err
		}
		level = next
	}
	return level[0].Offset, nil
}

// Close finalizes whichever sections remain, writes every pending index,
// and writes the footer. A second call returns an *APIError.
func (w *Writer) Close() error {
	if w.closed {
		return newAPIError("writer already closed")
	}
	w.closed = true

	if w.section == sectionRef {
		if err := w.finishCurrentBlock(&w.refEntries); err != nil {
			return err
		}
		if err := w.finalizeObjSection(); err != nil {
			return err
		}
		w.section = sectionLog
	}
	if err := w.finishCurrentBlock(&w.logEntries); err != nil {
		return err
	}

	logIdxOff, err := w.finishIndex(w.logEntries)
	if err != nil {
		return err
	}

	var objIDLen uint8
	if w.objSectionStart != 0 {
		objIDLen = defaultObjIDLen
	}
	footer := fileFooter{
		fileHeader:     w.header,
		RefIndexOffset: w.refIndexOffset,
		ObjOffset:      uint64(w.objSectionStart),
		ObjIDLen:       objIDLen,
		ObjIndexOffset: w.objIndexOffset,
		LogOffset:      uint64(w.logSectionStart),
		LogIndexOffset: logIdxOff,
	}
	encoded := footer.encode()
	if _, err := w.sink.Write(encoded); err != nil {
		return wrapWriteError(err)
	}
	w.offset += int64(len(encoded))

	if s, ok := w.sink.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			return newIOError("sync", err)
		}
	}
	return nil
}
