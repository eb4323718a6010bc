// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT

package reftable

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Name is the structured form of a reftable file's name: the update_index
// range it covers plus a random disambiguating suffix. Adapted from
// modules/git/reftable/reftable.go's Name/ParseName, which decode the same
// "0x<min>-0x<max>-<suffix>.ref" convention used by git's reftable backend.
type Name struct {
	MinUpdateIndex uint64
	MaxUpdateIndex uint64
	Suffix         string
}

// String renders the canonical on-disk filename for n.
func (n Name) String() string {
	return fmt.Sprintf("0x%012x-0x%012x-%s.ref", n.MinUpdateIndex, n.MaxUpdateIndex, n.Suffix)
}

var nameRegex = regexp.MustCompile(`^0x([[:xdigit:]]{12,16})-0x([[:xdigit:]]{12,16})-([0-9a-zA-Z]{8})\.ref$`)

// ParseName parses a reftable file's basename back into a Name.
func ParseName(fileName string) (Name, error) {
	m := nameRegex.FindStringSubmatch(fileName)
	if m == nil {
		return Name{}, newFormatError("reftable name %q malformed", fileName)
	}
	minIdx, err := strconv.ParseUint(m[1], 16, 64)
	if err != nil {
		return Name{}, newFormatError("reftable name %q: min update index: %v", fileName, err)
	}
	maxIdx, err := strconv.ParseUint(m[2], 16, 64)
	if err != nil {
		return Name{}, newFormatError("reftable name %q: max update index: %v", fileName, err)
	}
	return Name{MinUpdateIndex: minIdx, MaxUpdateIndex: maxIdx, Suffix: m[3]}, nil
}

// ReadTablesList reads dir's "tables.list" file, which names the tables
// making up a stack in oldest-to-newest order, one per line.
func ReadTablesList(dir string) ([]Name, error) {
	path := filepath.Join(dir, "tables.list")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newNotExistError(path, err)
		}
		return nil, newIOError("read "+path, err)
	}
	trimmed := strings.TrimRight(string(data), "\n")
	if trimmed == "" {
		return nil, nil
	}
	lines := strings.Split(trimmed, "\n")
	names := make([]Name, len(lines))
	for i, line := range lines {
		n, err := ParseName(strings.TrimSpace(line))
		if err != nil {
			return nil, err
		}
		names[i] = n
	}
	return names, nil
}

// Stack is an ordered, in-memory view of the tables named by a directory's
// tables.list: one opened *Reader per table, oldest first. It carries just
// enough bookkeeping to drive MergedRefIterator/MergedLogIterator over the
// whole stack; compaction, locking and tables.list rewriting are a
// Non-goal (spec.md §1) and are not implemented here.
type Stack struct {
	names   []Name
	readers []*Reader
}

// OpenStack opens every table named in dir's tables.list, in order. If any
// table fails to open, every table already opened is closed before
// returning the error.
func OpenStack(dir string) (*Stack, error) {
	names, err := ReadTablesList(dir)
	if err != nil {
		return nil, err
	}
	readers := make([]*Reader, 0, len(names))
	for _, n := range names {
		fileName := n.String()
		src, err := NewFileBlockSource(filepath.Join(dir, fileName))
		if err != nil {
			closeReaders(readers)
			return nil, err
		}
		r, err := NewReader(src, fileName)
		if err != nil {
			_ = src.Close()
			closeReaders(readers)
			return nil, err
		}
		readers = append(readers, r)
	}
	return &Stack{names: names, readers: readers}, nil
}

func closeReaders(readers []*Reader) {
	for _, r := range readers {
		_ = r.Close()
	}
}

// Readers returns the stack's opened tables, oldest first. The slice is
// owned by Stack and must not be modified.
func (s *Stack) Readers() []*Reader { return s.readers }

// Close closes every table in the stack, returning the first error
// encountered (after attempting to close the rest).
func (s *Stack) Close() error {
	var firstErr error
	for _, r := range s.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SeekRef returns the stack-wide, shadowed view of refs with ref_name >=
// name across every table.
func (s *Stack) SeekRef(name string, opts ReadOptions) (*MergedRefIterator, error) {
	its := make([]*RefIterator, 0, len(s.readers))
	for _, r := range s.readers {
		it, err := r.SeekRef(name)
		if err != nil {
			closeRefIterators(its)
			return nil, err
		}
		its = append(its, it)
	}
	merged, err := NewMergedRefIterator(its, opts)
	if err != nil {
		closeRefIterators(its)
		return nil, err
	}
	return merged, nil
}

// RefsFor returns the stack-wide, shadowed view of every ref whose value
// equals oid.
func (s *Stack) RefsFor(oid []byte, opts ReadOptions) (*MergedRefIterator, error) {
	its := make([]*RefIterator, 0, len(s.readers))
	for _, r := range s.readers {
		it, err := r.RefsFor(oid)
		if err != nil {
			closeRefIterators(its)
			return nil, err
		}
		its = append(its, it)
	}
	merged, err := NewMergedRefIterator(its, opts)
	if err != nil {
		closeRefIterators(its)
		return nil, err
	}
	return merged, nil
}

func closeRefIterators(its []*RefIterator) {
	for _, it := range its {
		it.Close()
	}
}

// seekLog is shared by SeekLog and SeekLogAt.
func (s *Stack) seekLog(name string, updateIndex uint64, at bool, opts ReadOptions) (*MergedLogIterator, error) {
	its := make([]*LogIterator, 0, len(s.readers))
	for _, r := range s.readers {
		var it *LogIterator
		var err error
		if at {
			it, err = r.SeekLogAt(name, updateIndex)
		} else {
			it, err = r.SeekLog(name)
		}
		if err != nil {
			closeLogIterators(its)
			return nil, err
		}
		its = append(its, it)
	}
	merged, err := NewMergedLogIterator(its, opts)
	if err != nil {
		closeLogIterators(its)
		return nil, err
	}
	return merged, nil
}

// SeekLog returns the stack-wide, shadowed view of name's log, newest first.
func (s *Stack) SeekLog(name string, opts ReadOptions) (*MergedLogIterator, error) {
	return s.seekLog(name, 0, false, opts)
}

// SeekLogAt is like SeekLog but starts at the newest entry with update_index
// <= updateIndex.
func (s *Stack) SeekLogAt(name string, updateIndex uint64, opts ReadOptions) (*MergedLogIterator, error) {
	return s.seekLog(name, updateIndex, true, opts)
}

func closeLogIterators(its []*LogIterator) {
	for _, it := range its {
		it.Close()
	}
}
