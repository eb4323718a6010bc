// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT

package reftable

import "github.com/emirpasic/gods/trees/binaryheap"

// recordSource adapts a single-table RefIterator/LogIterator to the
// record-agnostic shape mergeCore needs to drive its heap.
type recordSource interface {
	next(rec Record) (bool, error)
	close()
}

type refSource struct{ it *RefIterator }

func (s refSource) next(rec Record) (bool, error) { return s.it.Next(rec.(*RefRecord)) }
func (s refSource) close()                        { s.it.Close() }

type logSource struct{ it *LogIterator }

func (s logSource) next(rec Record) (bool, error) { return s.it.Next(rec.(*LogRecord)) }
func (s logSource) close()                        { s.it.Close() }

// heapEntry is one live candidate record, tagged with the index of the
// stack table (higher = newer) it came from.
type heapEntry struct {
	idx int
	rec Record
}

// mergeCore implements the priority-queue k-way merge of spec.md §4.6,
// grounded on the max-heap pattern of
// modules/zeta/object/commit_walker_ctime.go's commitIteratorByCTime
// (github.com/emirpasic/gods/trees/binaryheap with a custom comparator),
// generalized from a single-source commit walk to an N-way merge over
// per-table sub-iterators with shadowing.
type mergeCore struct {
	srcs              []recordSource
	heap              *binaryheap.Heap
	suppressDeletions bool
	newEmpty          func() Record
	closed            bool
}

func newMergeCore(srcs []recordSource, suppressDeletions bool, newEmpty func() Record) (*mergeCore, error) {
	m := &mergeCore{srcs: srcs, suppressDeletions: suppressDeletions, newEmpty: newEmpty}
	m.heap = binaryheap.NewWith(m.compare)
	for i := range srcs {
		if err := m.refill(i); err != nil {
			m.close()
			return nil, err
		}
	}
	return m, nil
}

// compare orders heap entries by (key, -idx): smallest key first, and among
// equal keys the entry from the newest (highest-index) table first, so that
// it shadows older tables' records for the same key.
func (m *mergeCore) compare(a, b any) int {
	ea, eb := a.(*heapEntry), b.(*heapEntry)
	if c := compareKeys(ea.rec.Key(), eb.rec.Key()); c != 0 {
		return c
	}
	return eb.idx - ea.idx
}

func (m *mergeCore) refill(idx int) error {
	rec := m.newEmpty()
	ok, err := m.srcs[idx].next(rec)
	if err != nil {
		return err
	}
	if ok {
		m.heap.Push(&heapEntry{idx: idx, rec: rec})
	}
	return nil
}

// next implements spec.md §4.6 steps 1-4: pop the smallest-key entry,
// refill its source, drain (and refill) every other entry sharing that key
// so only the newest survives, then emit unless it's a suppressed deletion.
func (m *mergeCore) next(out Record) (bool, error) {
	if m.closed {
		return false, newAPIError("merged iterator used after close")
	}
	for {
		top, ok := m.heap.Pop()
		if !ok {
			return false, nil
		}
		e := top.(*heapEntry)
		key := e.rec.Key()
		if err := m.refill(e.idx); err != nil {
			return false, err
		}
		for {
			peeked, ok2 := m.heap.Peek()
			if !ok2 {
				break
			}
			e2 := peeked.(*heapEntry)
			if compareKeys(e2.rec.Key(), key) > 0 {
				break
			}
			m.heap.Pop()
			if err := m.refill(e2.idx); err != nil {
				return false, err
			}
		}
		if m.suppressDeletions && e.rec.IsDeletion() {
			continue
		}
		if err := assignRecord(out, e.rec); err != nil {
			return false, err
		}
		return true, nil
	}
}

// close releases every sub-iterator's borrowed blocks. It is idempotent.
func (m *mergeCore) close() {
	if m.closed {
		return
	}
	m.closed = true
	for _, s := range m.srcs {
		s.close()
	}
}

func assignRecord(dst, src Record) error {
	switch d := dst.(type) {
	case *RefRecord:
		s, ok := src.(*RefRecord)
		if !ok {
			return newAPIError("merged reader: record kind mismatch")
		}
		*d = *s
	case *LogRecord:
		s, ok := src.(*LogRecord)
		if !ok {
			return newAPIError("merged reader: record kind mismatch")
		}
		*d = *s
	default:
		return newAPIError("merged reader: unsupported output record type")
	}
	return nil
}

// MergedRefIterator is the unified, shadowed view of SeekRef results across
// every table in a stack, ordered oldest (index 0) to newest.
type MergedRefIterator struct{ core *mergeCore }

// NewMergedRefIterator merges its, which must already be positioned (e.g. by
// Reader.SeekRef) and ordered oldest to newest. Closing the returned
// iterator closes every element of its.
func NewMergedRefIterator(its []*RefIterator, opts ReadOptions) (*MergedRefIterator, error) {
	srcs := make([]recordSource, len(its))
	for i, it := range its {
		srcs[i] = refSource{it: it}
	}
	core, err := newMergeCore(srcs, opts.SuppressDeletions, func() Record { return &RefRecord{} })
	if err != nil {
		return nil, err
	}
	return &MergedRefIterator{core: core}, nil
}

func (it *MergedRefIterator) Next(rec *RefRecord) (bool, error) { return it.core.next(rec) }
func (it *MergedRefIterator) Close()                            { it.core.close() }


// MergedLogIterator is the unified, shadowed view of SeekLog(At) results
// across every table in a stack, ordered oldest (index 0) to newest.
type MergedLogIterator struct{ core *mergeCore }

// NewMergedLogIterator merges its, which must already be positioned and
// ordered oldest to newest. Closing the returned iterator closes every
// element of its.
func NewMergedLogIterator(its []*LogIterator, opts ReadOptions) (*MergedLogIterator, error) {
	srcs := make([]recordSource, len(its))
	for i, it := range its {
		srcs[i] = logSource{it: it}
	}
	core, err := newMergeCore(srcs, opts.SuppressDeletions, func() Record { return &LogRecord{} })
	if err != nil {
		return nil, err
	}
	return &MergedLogIterator{core: core}, nil
}

func (it *MergedLogIterator) Next(rec *LogRecord) (bool, error) { return it.core.next(rec) }
func (it *MergedLogIterator) Close()                            { it.core.close() }
