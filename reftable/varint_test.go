// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT

package reftable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUvarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 2, 127, 128, 129, 16383, 16384, 1 << 20, 1<<63 - 1}
	for _, v := range values {
		buf := putUvarint(nil, v)
		assert.Equal(t, uvarintSize(v), len(buf), "uvarintSize(%d)", v)
		pos, got, err := getUvarint(buf, 0, len(buf))
		require.NoError(t, err)
		assert.Equal(t, len(buf), pos)
		assert.Equal(t, v, got)
	}
}

func TestUvarintTruncated(t *testing.T) {
	buf := putUvarint(nil, 1<<20)
	_, _, err := getUvarint(buf, 0, len(buf)-1)
	assert.Error(t, err)
	assert.True(t, IsFormatError(err))
}

func TestUint24RoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 255, 65536, 1<<24 - 1} {
		buf := encodeUint24(v)
		require.Len(t, buf, 3)
		assert.Equal(t, v, getUint24(buf))
	}
}

func TestReadVarintSliceConsumesOnlyItsOwnBytes(t *testing.T) {
	buf := putUvarint(nil, 42)
	buf = append(buf, 0xAB, 0xCD)
	val, rest, err := readVarintSlice(buf)
	require.NoError(t, err)
	assert.EqualValues(t, 42, val)
	assert.Equal(t, []byte{0xAB, 0xCD}, rest)
}
