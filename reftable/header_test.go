// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT

package reftable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTripV1(t *testing.T) {
	h := fileHeader{Version: 1, BlockSize: 4096, MinUpdateIndex: 5, MaxUpdateIndex: 42, HashID: HashSHA1}
	buf := h.encode()
	require.Len(t, buf, headerSizeV1)
	got, err := decodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestHeaderRoundTripV2(t *testing.T) {
	h := fileHeader{Version: 2, BlockSize: 65536, MinUpdateIndex: 1, MaxUpdateIndex: 1, HashID: HashSHA256}
	buf := h.encode()
	require.Len(t, buf, headerSizeV2)
	got, err := decodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestHeaderBadMagic(t *testing.T) {
	h := fileHeader{Version: 1, BlockSize: 4096, HashID: HashSHA1}
	buf := h.encode()
	buf[0] = 'X'
	_, err := decodeHeader(buf)
	assert.True(t, IsFormatError(err))
}

func TestFooterRoundTrip(t *testing.T) {
	f := fileFooter{
		fileHeader:     fileHeader{Version: 1, BlockSize: 4096, MinUpdateIndex: 1, MaxUpdateIndex: 9, HashID: HashSHA1},
		RefIndexOffset: 1000,
		ObjOffset:      2000,
		ObjIDLen:       2,
		ObjIndexOffset: 3000,
		LogOffset:      4000,
		LogIndexOffset: 5000,
	}
	buf := f.encode()
	require.Len(t, buf, footerSizeV1)

	// The first headerSize bytes of a footer must decode identically to the
	// standalone header (spec.md's footer-repeats-header contract).
	hdr, err := decodeHeader(buf[:headerSizeV1])
	require.NoError(t, err)
	assert.Equal(t, f.fileHeader, hdr)

	got, err := decodeFooter(buf, 1)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestFooterCRCMismatchFails(t *testing.T) {
	f := fileFooter{fileHeader: fileHeader{Version: 1, BlockSize: 4096, HashID: HashSHA1}}
	buf := f.encode()
	buf[len(buf)-1] ^= 0xFF // flip a bit in the trailing CRC word
	_, err := decodeFooter(buf, 1)
	assert.True(t, IsFormatError(err))
}

func TestFooterBodyBitFlipFailsCRC(t *testing.T) {
	f := fileFooter{fileHeader: fileHeader{Version: 1, BlockSize: 4096, HashID: HashSHA1}, LogOffset: 123}
	buf := f.encode()
	buf[10] ^= 0x01 // flip a bit inside the footer body, before the CRC word
	_, err := decodeFooter(buf, 1)
	assert.True(t, IsFormatError(err))
}
