// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT

package reftable

import "bytes"

// Reader opens and parses a single reftable file. It generalizes
// modules/git/reftable/reftable.go's ParseTable/Table (header/footer parse,
// CRC check) with section-presence detection, linear and indexed seek, and
// typed iterators for all three sections (spec.md §4.5).
type Reader struct {
	name string
	src  BlockSource

	footer fileFooter
	ctx    recordCodecCtx

	footerOffset int64
	sec          sectionBounds
}

// sectionBounds records the byte ranges of each section's data and index
// blocks, derived once from the footer's offset fields (spec.md §3's file
// shape: ref, then obj, then log, then footer; each data run may be followed
// by its own index run).
type sectionBounds struct {
	refStart, refEnd       int64
	refIdxStart, refIdxEnd int64
	refIdxPresent          bool

	objPresent             bool
	objStart, objEnd       int64
	objIdxStart, objIdxEnd int64
	objIdxPresent          bool

	logPresent             bool
	logStart, logEnd       int64
	logIdxStart, logIdxEnd int64
	logIdxPresent          bool
}

// firstNonZero returns the first nonzero value in vs, or fallback if all are
// zero.
func firstNonZero(fallback int64, vs ...int64) int64 {
	for _, v := range vs {
		if v != 0 {
			return v
		}
	}
	return fallback
}

// NewReader opens a reftable over src. name is an opaque label (typically
// the file's basename) used only for diagnostics and Stack bookkeeping.
func NewReader(src BlockSource, name string) (*Reader, error) {
	size := src.Size()
	probeLen := int64(headerSizeV2 + 1)
	if probeLen > size {
		probeLen = size
	}
	probeBlock, err := src.ReadBlock(0, probeLen)
	if err != nil {
		return nil, err
	}
	hdr, err := decodeHeader(probeBlock.Data())
	src.ReturnBlock(probeBlock)
	if err != nil {
		return nil, err
	}

	fSize := int64(footerSize(hdr.Version))
	footerOffset := size - fSize
	if footerOffset < int64(headerSize(hdr.Version)) {
		return nil, newFormatError("reftable: file too short for version %d footer", hdr.Version)
	}
	footerBlock, err := src.ReadBlock(footerOffset, fSize)
	if err != nil {
		return nil, err
	}
	footer, err := decodeFooter(footerBlock.Data(), hdr.Version)
	src.ReturnBlock(footerBlock)
	if err != nil {
		return nil, err
	}
	if footer.fileHeader != hdr {
		return nil, newFormatError("reftable: footer header does not match file header (truncated or corrupt?)")
	}

	r := &Reader{
		name:         name,
		src:          src,
		footer:       footer,
		footerOffset: footerOffset,
		ctx: recordCodecCtx{
			hashSize:       footer.HashID.Size(),
			minUpdateIndex: footer.MinUpdateIndex,
		},
	}
	r.computeSections()
	return r, nil
}

func (r *Reader) computeSections() {
	f := r.footer
	s := sectionBounds{}

	s.refStart = int64(headerSize(f.Version))
	s.refEnd = firstNonZero(r.footerOffset, int64(f.RefIndexOffset), int64(f.ObjOffset), int64(f.LogOffset))
	s.refIdxPresent = f.RefIndexOffset != 0
	if s.refIdxPresent {
		s.refIdxStart = int64(f.RefIndexOffset)
		s.refIdxEnd = firstNonZero(r.footerOffset, int64(f.ObjOffset), int64(f.LogOffset))
	}

	s.objPresent = f.ObjOffset != 0
	if s.objPresent {
		s.objStart = int64(f.ObjOffset)
		s.objEnd = firstNonZero(r.footerOffset, int64(f.ObjIndexOffset), int64(f.LogOffset))
		s.objIdxPresent = f.ObjIndexOffset != 0
		if s.objIdxPresent {
			s.objIdxStart = int64(f.ObjIndexOffset)
			s.objIdxEnd = firstNonZero(r.footerOffset, int64(f.LogOffset))
		}
	}

	s.logPresent = f.LogOffset != 0
	if s.logPresent {
		s.logStart = int64(f.LogOffset)
		s.logEnd = firstNonZero(r.footerOffset, int64(f.LogIndexOffset))
		s.logIdxPresent = f.LogIndexOffset != 0
		if s.logIdxPresent {
			s.logIdxStart = int64(f.LogIndexOffset)
			s.logIdxEnd = r.footerOffset
		}
	}

	r.sec = s
}

// Name returns the opaque label passed to NewReader.
func (r *Reader) Name() string { return r.name }

// MinUpdateIndex returns the table's declared minimum update_index.
func (r *Reader) MinUpdateIndex() uint64 { return r.footer.MinUpdateIndex }

// MaxUpdateIndex returns the table's declared maximum update_index.
func (r *Reader) MaxUpdateIndex() uint64 { return r.footer.MaxUpdateIndex }

// HashID returns the hash algorithm this table's object ids use.
func (r *Reader) HashID() HashID { return r.footer.HashID }

// Close releases the underlying BlockSource. Any iterator still open on this
// Reader must not be used afterward.
func (r *Reader) Close() error {
	return r.src.Close()
}

// acquireBlockAt reads the block whose type tag sits at absolute file offset
// off. The very first block of the whole file shares its block-sized slot
// with the file header (spec.md's block writer generalizes the header_off
// convention), so that one case reads from file offset 0 with a nonzero
// headerOff instead.
func (r *Reader) acquireBlockAt(off int64) (*blockReader, *Block, error) {
	headerOff := 0
	readOff := off
	if off == int64(headerSize(r.footer.Version)) {
		headerOff = int(off)
		readOff = 0
	}
	length := int64(r.footer.BlockSize)
	if readOff+length > r.footerOffset {
		length = r.footerOffset - readOff
	}
	if length <= 0 {
		return nil, nil, newFormatError("reftable: block at %d has no room before footer", off)
	}
	blk, err := r.src.ReadBlock(readOff, length)
	if err != nil {
		return nil, nil, err
	}
	br, err := newBlockReader(blk.Data(), headerOff, r.footer.BlockSize, r.ctx)
	if err != nil {
		r.src.ReturnBlock(blk)
		return nil, nil, err
	}
	return br, blk, nil
}

// linearSeek positions at the block within [start, end) most likely to hold
// want: it walks block-by-block, inspecting each block's first key, and
// stops at the last block whose first key is <= want (spec.md §4.5). Blocks
// rejected along the way have their buffers returned immediately. want==nil
// means "from the very start of the section".
func (r *Reader) linearSeek(start, end int64, tag byte, want []byte) (*blockIter, *blockReader, *Block, int64, error) {
	var candReader *blockReader
	var candBlock *Block
	var candOff int64
	off := start
	for off < end {
		br, blk, err := r.acquireBlockAt(off)
		if err != nil {
			if candBlock != nil {
				r.src.ReturnBlock(candBlock)
			}
			return nil, nil, nil, 0, err
		}
		if br.Type() != tag {
			r.src.ReturnBlock(blk)
			break
		}
		stop := false
		if want != nil {
			fk, err := br.firstKey()
			if err != nil {
				r.src.ReturnBlock(blk)
				if candBlock != nil {
					r.src.ReturnBlock(candBlock)
				}
				return nil, nil, nil, 0, err
			}
			stop = compareKeys(fk, want) > 0
		}
		if stop {
			if candReader == nil {
				candReader, candBlock, candOff = br, blk, off
			} else {
				r.src.ReturnBlock(blk)
			}
			break
		}
		if candBlock != nil {
			r.src.ReturnBlock(candBlock)
		}
		candReader, candBlock, candOff = br, blk, off
		off += int64(br.FullBlockSize())
	}
	if candReader == nil {
		return nil, nil, nil, 0, nil
	}
	var it *blockIter
	var err error
	if want != nil {
		it, err = candReader.seek(want)
	} else {
		it = candReader.start()
	}
	if err != nil {
		r.src.ReturnBlock(candBlock)
		return nil, nil, nil, 0, err
	}
	return it, candReader, candBlock, candOff, nil
}

// seekIndexed descends a per-section index (possibly nested) to find the
// leaf data block that should hold want, per spec.md §4.5's "Indexed seek".
func (r *Reader) seekIndexed(idxStart, idxEnd int64, dataTag byte, want []byte) (*blockIter, *blockReader, *Block, int64, error) {
	it, _, blk, _, err := r.linearSeek(idxStart, idxEnd, blockTypeIndex, want)
	if err != nil {
		return nil, nil, nil, 0, err
	}
	if it == nil {
		return nil, nil, nil, 0, nil
	}
	curBlk := blk
	for {
		var idxRec IndexRecord
		ok, err := it.next(&idxRec, r.ctx)
		if err != nil {
			r.src.ReturnBlock(curBlk)
			return nil, nil, nil, 0, err
		}
		if !ok {
			r.src.ReturnBlock(curBlk)
			return nil, nil, nil, 0, nil
		}
		childOff := int64(idxRec.Offset)
		childBR, childBlk, err := r.acquireBlockAt(childOff)
		if err != nil {
			r.src.ReturnBlock(curBlk)
			return nil, nil, nil, 0, err
		}
		r.src.ReturnBlock(curBlk)

		if childBR.Type() == blockTypeIndex {
			childIt, err := childBR.seek(want)
			if err != nil {
				r.src.ReturnBlock(childBlk)
				return nil, nil, nil, 0, err
			}
			it, curBlk = childIt, childBlk
			continue
		}
		if childBR.Type() != dataTag {
			r.src.ReturnBlock(childBlk)
			return nil, nil, nil, 0, newFormatError("reftable: index points at block of type %q, want %q", childBR.Type(), dataTag)
		}
		leafIt, err := childBR.seek(want)
		if err != nil {
			r.src.ReturnBlock(childBlk)
			return nil, nil, nil, 0, err
		}
		return leafIt, childBR, childBlk, childOff, nil
	}
}

// refCursor abstracts how a RefIterator/LogIterator fetches its next raw
// record: either a contiguous run of same-typed blocks (blockSectionCursor)
// or an explicit, pre-resolved list of block offsets (offsetListCursor, used
// by the obj-indexed path of RefsFor).
type refCursor interface {
	advance(rec Record) (bool, error)
	close()
}

// blockSectionCursor walks a contiguous run of same-typed data blocks,
// advancing to the next physical block once the current one is exhausted.
// It is shared by RefIterator and LogIterator.
type blockSectionCursor struct {
	reader     *Reader
	tag        byte
	sectionEnd int64

	cur       *blockIter
	curReader *blockReader
	curBlock  *Block
	curOff    int64
	closed    bool
}

func (c *blockSectionCursor) advance(rec Record) (bool, error) {
	for {
		if c.closed {
			return false, newAPIError("iterator used after close")
		}
		if c.cur == nil {
			return false, nil
		}
		ok, err := c.cur.next(rec, c.reader.ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		nextOff := c.curOff + int64(c.curReader.FullBlockSize())
		c.reader.src.ReturnBlock(c.curBlock)
		c.curBlock, c.curReader, c.cur = nil, nil, nil
		if nextOff >= c.sectionEnd {
			return false, nil
		}
		br, blk, err := c.reader.acquireBlockAt(nextOff)
		if err != nil {
			return false, err
		}
		if br.Type() != c.tag {
			c.reader.src.ReturnBlock(blk)
			return false, nil
		}
		c.curReader, c.curBlock, c.curOff = br, blk, nextOff
		c.cur = br.start()
	}
}

// close returns any block still held. Calling it more than once, or on a
// cursor that already drained its section, is a no-op (spec.md §8's
// "Idempotent return" property).
func (c *blockSectionCursor) close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.curBlock != nil {
		c.reader.src.ReturnBlock(c.curBlock)
		c.curBlock, c.curReader, c.cur = nil, nil, nil
	}
}

func newSectionCursor(r *Reader, tag byte, sectionEnd int64, it *blockIter, br *blockReader, blk *Block, off int64) *blockSectionCursor {
	if it == nil {
		return &blockSectionCursor{reader: r, tag: tag, sectionEnd: sectionEnd}
	}
	return &blockSectionCursor{reader: r, tag: tag, sectionEnd: sectionEnd, cur: it, curReader: br, curBlock: blk, curOff: off}
}

// offsetListCursor visits an explicit, caller-supplied list of ref-block
// offsets in order, scanning each fully. It backs RefsFor when the obj index
// resolved a concrete set of candidate blocks (spec.md §4.5).
type offsetListCursor struct {
	reader   *Reader
	offsets  []uint64
	idx      int
	cur      *blockIter
	curBlock *Block
	closed   bool
}

func (c *offsetListCursor) advance(rec Record) (bool, error) {
	for {
		if c.closed {
			return false, newAPIError("iterator used after close")
		}
		if c.cur == nil {
			if c.idx >= len(c.offsets) {
				return false, nil
			}
			off := int64(c.offsets[c.idx])
			c.idx++
			br, blk, err := c.reader.acquireBlockAt(off)
			if err != nil {
				return false, err
			}
			if br.Type() != blockTypeRef {
				c.reader.src.ReturnBlock(blk)
				continue
			}
			c.curBlock = blk
			c.cur = br.start()
		}
		ok, err := c.cur.next(rec, c.reader.ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			c.reader.src.ReturnBlock(c.curBlock)
			c.curBlock, c.cur = nil, nil
			continue
		}
		return true, nil
	}
}

func (c *offsetListCursor) close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.curBlock != nil {
		c.reader.src.ReturnBlock(c.curBlock)
		c.curBlock, c.cur = nil, nil
	}
}

// RefIterator yields RefRecords in ascending ref_name order.
type RefIterator struct {
	cursor refCursor
	filter func(*RefRecord) bool
}

// Next decodes the next matching record into rec. It returns ok=false,
// err=nil at end of iteration.
func (it *RefIterator) Next(rec *RefRecord) (bool, error) {
	for {
		ok, err := it.cursor.advance(rec)
		if err != nil || !ok {
			return ok, err
		}
		if it.filter == nil || it.filter(rec) {
			return true, nil
		}
	}
}

// Close releases the iterator's borrowed block, if any.
func (it *RefIterator) Close() { it.cursor.close() }

// LogIterator yields LogRecords; for a single ref, in strictly decreasing
// update_index order (spec.md §5).
type LogIterator struct {
	cursor refCursor
}

func (it *LogIterator) Next(rec *LogRecord) (bool, error) {
	return it.cursor.advance(rec)
}

func (it *LogIterator) Close() { it.cursor.close() }

// SeekRef positions at the first ref with ref_name >= name.
func (r *Reader) SeekRef(name string) (*RefIterator, error) {
	want := []byte(name)
	if r.sec.refEnd <= r.sec.refStart {
		return &RefIterator{cursor: newSectionCursor(r, blockTypeRef, r.sec.refEnd, nil, nil, nil, 0)}, nil
	}
	var it *blockIter
	var br *blockReader
	var blk *Block
	var off int64
	var err error
	if r.sec.refIdxPresent {
		it, br, blk, off, err = r.seekIndexed(r.sec.refIdxStart, r.sec.refIdxEnd, blockTypeRef, want)
	} else {
		it, br, blk, off, err = r.linearSeek(r.sec.refStart, r.sec.refEnd, blockTypeRef, want)
	}
	if err != nil {
		return nil, err
	}
	return &RefIterator{cursor: newSectionCursor(r, blockTypeRef, r.sec.refEnd, it, br, blk, off)}, nil
}

// seekLogKey is the shared implementation of SeekLog and SeekLogAt: both
// reduce to finding the first log key >= logKey(name, updateIndex) (see
// spec.md §6's newest-first key ordering).
func (r *Reader) seekLogKey(name string, updateIndex uint64) (*LogIterator, error) {
	if !r.sec.logPresent || r.sec.logEnd <= r.sec.logStart {
		return &LogIterator{cursor: newSectionCursor(r, blockTypeLog, r.sec.logEnd, nil, nil, nil, 0)}, nil
	}
	want := logKey(name, updateIndex)
	var it *blockIter
	var br *blockReader
	var blk *Block
	var off int64
	var err error
	if r.sec.logIdxPresent {
		it, br, blk, off, err = r.seekIndexed(r.sec.logIdxStart, r.sec.logIdxEnd, blockTypeLog, want)
	} else {
		it, br, blk, off, err = r.linearSeek(r.sec.logStart, r.sec.logEnd, blockTypeLog, want)
	}
	if err != nil {
		return nil, err
	}
	return &LogIterator{cursor: newSectionCursor(r, blockTypeLog, r.sec.logEnd, it, br, blk, off)}, nil
}

// SeekLog positions at the newest log entry for name.
func (r *Reader) SeekLog(name string) (*LogIterator, error) {
	return r.seekLogKey(name, ^uint64(0))
}

// SeekLogAt positions at the newest log entry for name whose update_index is
// <= updateIndex.
func (r *Reader) SeekLogAt(name string, updateIndex uint64) (*LogIterator, error) {
	return r.seekLogKey(name, updateIndex)
}

// refsForFilter builds the double-check predicate RefsFor always applies:
// even when the obj index selected this block directly, the record's value
// must actually equal oid (spec.md §4.5).
func refsForFilter(oid []byte) func(*RefRecord) bool {
	return func(rec *RefRecord) bool {
		switch rec.Value {
		case RefValueObject, RefValuePeeled:
			return bytes.Equal(rec.Target, oid)
		default:
			return false
		}
	}
}

// linearRefsFor scans the whole ref section, filtering by value. It backs
// RefsFor whenever no obj index is available (spec.md §4.5).
func (r *Reader) linearRefsFor(filter func(*RefRecord) bool) (*RefIterator, error) {
	if r.sec.refEnd <= r.sec.refStart {
		return &RefIterator{cursor: newSectionCursor(r, blockTypeRef, r.sec.refEnd, nil, nil, nil, 0), filter: filter}, nil
	}
	it, br, blk, off, err := r.linearSeek(r.sec.refStart, r.sec.refEnd, blockTypeRef, nil)
	if err != nil {
		return nil, err
	}
	return &RefIterator{cursor: newSectionCursor(r, blockTypeRef, r.sec.refEnd, it, br, blk, off), filter: filter}, nil
}

// RefsFor returns every ref whose value equals oid, using the obj index
// when present and falling back to a filtered linear scan of the whole ref
// section otherwise (spec.md §4.5).
func (r *Reader) RefsFor(oid []byte) (*RefIterator, error) {
	filter := refsForFilter(oid)
	if !r.sec.objPresent || !r.sec.objIdxPresent {
		return r.linearRefsFor(filter)
	}

	prefixLen := int(r.footer.ObjIDLen)
	if prefixLen > len(oid) {
		prefixLen = len(oid)
	}
	prefix := oid[:prefixLen]

	it, _, blk, _, err := r.seekIndexed(r.sec.objIdxStart, r.sec.objIdxEnd, blockTypeObj, prefix)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return &RefIterator{cursor: newSectionCursor(r, blockTypeRef, r.sec.refEnd, nil, nil, nil, 0), filter: filter}, nil
	}
	var objRec ObjRecord
	ok, err := it.next(&objRec, r.ctx)
	r.src.ReturnBlock(blk)
	if err != nil {
		return nil, err
	}
	if !ok || !bytes.Equal(objRec.Prefix, prefix) {
		return &RefIterator{cursor: newSectionCursor(r, blockTypeRef, r.sec.refEnd, nil, nil, nil, 0), filter: filter}, nil
	}
	if len(objRec.Offsets) == 0 {
		// "Too many refs" sentinel (spec.md §4.2/§9): fall back to a linear
		// scan of the whole ref section instead of trusting this prefix.
		return r.linearRefsFor(filter)
	}

	return &RefIterator{cursor: &offsetListCursor{reader: r, offsets: objRec.Offsets}, filter: filter}, nil
}
