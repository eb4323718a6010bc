// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT

package reftable

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameRoundTrip(t *testing.T) {
	n := Name{MinUpdateIndex: 1, MaxUpdateIndex: 0xabc, Suffix: "abcd1234"}
	s := n.String()
	got, err := ParseName(s)
	require.NoError(t, err)
	assert.Equal(t, n, got)
}

func TestParseNameRejectsMalformed(t *testing.T) {
	_, err := ParseName("not-a-reftable-name")
	assert.True(t, IsFormatError(err))
}

func writeTableFile(t *testing.T, dir string, n Name, refs []*RefRecord) {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, WriterOptions{MinUpdateIndex: n.MinUpdateIndex, MaxUpdateIndex: n.MaxUpdateIndex})
	require.NoError(t, err)
	for _, r := range refs {
		require.NoError(t, w.AddRef(r))
	}
	require.NoError(t, w.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, n.String()), buf.Bytes(), 0o644))
}

func TestOpenStackSeekRefAcrossTables(t *testing.T) {
	dir := t.TempDir()

	older := Name{MinUpdateIndex: 1, MaxUpdateIndex: 1, Suffix: "aaaaaaaa"}
	newer := Name{MinUpdateIndex: 2, MaxUpdateIndex: 2, Suffix: "bbbbbbbb"}

	writeTableFile(t, dir, older, []*RefRecord{
		{RefName: "refs/heads/a", UpdateIndex: 1, Value: RefValueObject, Target: oid(1)},
		{RefName: "refs/heads/b", UpdateIndex: 1, Value: RefValueObject, Target: oid(2)},
	})
	writeTableFile(t, dir, newer, []*RefRecord{
		{RefName: "refs/heads/a", UpdateIndex: 2, Value: RefValueObject, Target: oid(9)},
	})

	listPath := filepath.Join(dir, "tables.list")
	require.NoError(t, os.WriteFile(listPath, []byte(older.String()+"\n"+newer.String()+"\n"), 0o644))

	stack, err := OpenStack(dir)
	require.NoError(t, err)
	defer stack.Close()
	require.Len(t, stack.Readers(), 2)

	it, err := stack.SeekRef("", ReadOptions{})
	require.NoError(t, err)
	defer it.Close()

	var got RefRecord
	ok, err := it.Next(&got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "refs/heads/a", got.RefName)
	assert.Equal(t, oid(9), got.Target) // newer table shadows the older value

	ok, err = it.Next(&got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "refs/heads/b", got.RefName)

	ok, err = it.Next(&got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenStackMissingDirectory(t *testing.T) {
	_, err := OpenStack(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.True(t, IsNotExistError(err))
}
