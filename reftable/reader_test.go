// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT

package reftable

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingBlockSource wraps a BlockSource and counts ReadBlock calls, used
// to check that indexed seek costs O(log N) block reads rather than a full
// section scan (spec.md §8 S3).
type countingBlockSource struct {
	BlockSource
	reads int
}

func (c *countingBlockSource) ReadBlock(off, length int64) (*Block, error) {
	c.reads++
	return c.BlockSource.ReadBlock(off, length)
}

// distinctOID returns a hash-sized object id whose first two bytes alone
// distinguish i from any other value in [0, 65536), so that each ref in a
// large fixture lands under its own obj-index prefix (defaultObjIDLen == 2).
func distinctOID(i int) []byte {
	id := make([]byte, 20)
	id[0] = byte(i >> 8)
	id[1] = byte(i)
	id[19] = 0xEE
	return id
}

// buildLargeTable writes n refs, each pointing at its own distinct object
// id, with a small block size so both the ref section and the obj section
// span many blocks and get real indexes.
func buildLargeTable(t *testing.T, n int) []byte {
	t.Helper()
	opts := WriterOptions{BlockSize: minBlockSize + 128, RestartInterval: 4, MaxUpdateIndex: 1}
	var buf bytes.Buffer
	w, err := NewWriter(&buf, opts)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, w.AddRef(&RefRecord{
			RefName:     fmt.Sprintf("refs/heads/branch-%05d", i),
			UpdateIndex: 1,
			Value:       RefValueObject,
			Target:      distinctOID(i),
		}))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// TestRefsForUsesObjIndex exercises spec.md §8 S6: a table whose obj section
// is indexed resolves RefsFor(oid) straight to the owning ref block instead
// of scanning the whole ref section.
func TestRefsForUsesObjIndex(t *testing.T) {
	data := buildLargeTable(t, 500)

	r, err := NewReader(NewMemoryBlockSource(data), "t")
	require.NoError(t, err)
	defer r.Close()
	require.True(t, r.sec.objPresent, "expected an obj section to be written")
	require.True(t, r.sec.objIdxPresent, "expected an obj index to be built over this many distinct prefixes")

	want := 321
	it, err := r.RefsFor(distinctOID(want))
	require.NoError(t, err)
	defer it.Close()

	var got RefRecord
	ok, err := it.Next(&got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("refs/heads/branch-%05d", want), got.RefName)
	assert.Equal(t, distinctOID(want), got.Target)

	ok, err = it.Next(&got)
	require.NoError(t, err)
	assert.False(t, ok, "each distinct object id should resolve to exactly one ref")
}

// TestSeekRefIndexedReadsAreLogarithmic checks that seeking a large indexed
// ref section costs far fewer block reads than a linear scan of every data
// block would (spec.md §8 S3's "O(log N) block reads" property, approximated
// here as "much less than N").
func TestSeekRefIndexedReadsAreLogarithmic(t *testing.T) {
	const n = 2000
	data := buildLargeTable(t, n)

	counting := &countingBlockSource{BlockSource: NewMemoryBlockSource(data)}
	r, err := NewReader(counting, "t")
	require.NoError(t, err)
	defer r.Close()
	require.True(t, r.sec.refIdxPresent, "expected a ref index over this many blocks")

	counting.reads = 0
	it, err := r.SeekRef("refs/heads/branch-01500")
	require.NoError(t, err)
	defer it.Close()

	var got RefRecord
	ok, err := it.Next(&got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "refs/heads/branch-01500", got.RefName)

	// A linear scan of n/restart-ish data blocks would cost on the order of
	// hundreds of reads; an indexed descent costs a small constant number of
	// index levels plus one leaf.
	assert.Less(t, counting.reads, 20, "expected indexed seek, not a linear scan (%d reads)", counting.reads)
}

// TestSeekRefNoMatchReturnsEmptyIterator exercises spec.md §8 property 2's
// end-of-iteration case: seeking past every key yields ok=false, not an
// error.
func TestSeekRefNoMatchReturnsEmptyIterator(t *testing.T) {
	data := writeTable(t, WriterOptions{}, []*RefRecord{
		{RefName: "refs/heads/a", UpdateIndex: 0, Value: RefValueObject, Target: oid(1)},
	}, nil)
	r, err := NewReader(NewMemoryBlockSource(data), "t")
	require.NoError(t, err)
	defer r.Close()

	it, err := r.SeekRef("zzz-does-not-exist")
	require.NoError(t, err)
	defer it.Close()
	var got RefRecord
	ok, err := it.Next(&got)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestNewReaderRejectsEmptySource checks that NewReader fails on a
// zero-length source: the header probe is clipped to the source size, comes
// back empty, and header decoding rejects it.
func TestNewReaderRejectsEmptySource(t *testing.T) {
	_, err := NewReader(NewMemoryBlockSource(nil), "t")
	assert.Error(t, err)
}

// TestNewReaderDetectsFooterCorruption exercises spec.md §8 S4 end-to-end
// through NewReader rather than decodeFooter directly.
func TestNewReaderDetectsFooterCorruption(t *testing.T) {
	data := writeTable(t, WriterOptions{}, []*RefRecord{
		{RefName: "refs/heads/a", UpdateIndex: 0, Value: RefValueObject, Target: oid(1)},
	}, nil)
	corrupt := append([]byte(nil), data...)
	corrupt[len(corrupt)-1] ^= 0xFF

	_, err := NewReader(NewMemoryBlockSource(corrupt), "t")
	require.Error(t, err)
	assert.True(t, IsFormatError(err))
}
