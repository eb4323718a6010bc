// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT

// Package reftable implements the reftable binary format: an append-only,
// sorted, block-structured file format for storing git references, their
// peeled values, and their reflog history.
//
// A single table is opened with NewReader and read through its Seek*
// methods. A repository's reference database is typically represented as an
// ordered Stack of tables covering disjoint update-index ranges;
// MergedRefIterator and MergedLogIterator present the stack as one sorted,
// shadowed view.
//
// This package only implements the on-disk format and the readers/writer
// required to produce and consume it. Ref-store semantics, locking,
// compaction scheduling, and any network or CLI surface built on top of a
// reftable-backed ref store are out of scope.
package reftable
