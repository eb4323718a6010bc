// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT

package reftable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sha1Ctx = recordCodecCtx{hashSize: 20, minUpdateIndex: 0}

func roundTripValue(t *testing.T, rec, out Record, ctx recordCodecCtx) {
	t.Helper()
	buf, extra, err := rec.encodeValue(nil, ctx)
	require.NoError(t, err)
	require.NoError(t, out.decodeKey(rec.Key()))
	n, err := out.decodeValue(buf, extra, ctx)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
}

func TestRefRecordRoundTrip(t *testing.T) {
	cases := []*RefRecord{
		{RefName: "refs/heads/main", UpdateIndex: 5, Value: RefValueDeletion},
		{RefName: "refs/heads/main", UpdateIndex: 5, Value: RefValueObject, Target: oid(7)},
		{RefName: "refs/tags/v1", UpdateIndex: 9, Value: RefValuePeeled, Target: oid(1), PeeledTarget: oid(2)},
		{RefName: "HEAD", UpdateIndex: 1, Value: RefValueSymref, SymrefTarget: "refs/heads/main"},
	}
	for _, rec := range cases {
		var got RefRecord
		roundTripValue(t, rec, &got, sha1Ctx)
		assert.Equal(t, *rec, got)
	}
}

func TestLogRecordKeyEmbedsComplementedUpdateIndex(t *testing.T) {
	newer := (&LogRecord{RefName: "refs/heads/a", UpdateIndex: 10}).Key()
	older := (&LogRecord{RefName: "refs/heads/a", UpdateIndex: 5}).Key()
	// ordering by raw key bytes must put the newer update_index first.
	assert.True(t, compareKeys(newer, older) < 0)

	var decoded LogRecord
	require.NoError(t, decoded.decodeKey(newer))
	assert.Equal(t, "refs/heads/a", decoded.RefName)
	assert.EqualValues(t, 10, decoded.UpdateIndex)
}

func TestLogRecordRoundTrip(t *testing.T) {
	cases := []*LogRecord{
		{RefName: "refs/heads/a", UpdateIndex: 1, Tombstone: true},
		{
			RefName: "refs/heads/a", UpdateIndex: 2,
			OldID: oid(1), NewID: oid(2),
			Name: "Jane Doe", Email: "jane@example.com",
			TimeSeconds: 1700000000, TZMinutes: -420,
			Message: "push",
		},
	}
	for _, rec := range cases {
		var got LogRecord
		roundTripValue(t, rec, &got, sha1Ctx)
		assert.Equal(t, *rec, got)
	}
}

func TestObjRecordRoundTrip(t *testing.T) {
	rec := &ObjRecord{Prefix: []byte{0xAB, 0xCD}, Offsets: []uint64{128, 4096, 4096 + 64}}
	var got ObjRecord
	roundTripValue(t, rec, &got, sha1Ctx)
	assert.Equal(t, rec.Offsets, got.Offsets)
	assert.Equal(t, rec.Prefix, got.Prefix)
}

// TestObjRecordEmptyOffsetsSentinel verifies the "too many refs" sentinel
// (spec.md §4.2/§9): an ObjRecord with zero offsets still round-trips its
// prefix, and decodes back to a nil/empty Offsets slice.
func TestObjRecordEmptyOffsetsSentinel(t *testing.T) {
	rec := &ObjRecord{Prefix: []byte{0x01, 0x02}}
	var got ObjRecord
	roundTripValue(t, rec, &got, sha1Ctx)
	assert.Empty(t, got.Offsets)
	assert.Equal(t, rec.Prefix, got.Prefix)
}

func TestObjRecordOffsetsMustBeIncreasing(t *testing.T) {
	rec := &ObjRecord{Prefix: []byte{0x01}, Offsets: []uint64{10, 10}}
	_, _, err := rec.encodeValue(nil, sha1Ctx)
	assert.True(t, IsAPIError(err))
}

func TestIndexRecordRoundTrip(t *testing.T) {
	rec := &IndexRecord{LastKey: []byte("refs/heads/zzz"), Offset: 123456}
	var got IndexRecord
	roundTripValue(t, rec, &got, sha1Ctx)
	assert.Equal(t, rec.Offset, got.Offset)
	assert.Equal(t, rec.LastKey, got.LastKey)
}
