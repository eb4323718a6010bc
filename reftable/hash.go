// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT

package reftable

// HashID identifies the object-id hash algorithm a table stores. It is the
// 32-bit value written into a version-2 header/footer; version-1 tables omit
// it and always imply HashSHA1.
type HashID uint32

const (
	// HashUnknown is the zero value; decodeHeader never returns it.
	HashUnknown HashID = 0
	// HashSHA1 is the hash id for SHA-1 object ids (0x73686131 = "sha1").
	HashSHA1 HashID = 0x73686131
	// HashSHA256 is the hash id for SHA-256 object ids (0x73323536 = "s256").
	HashSHA256 HashID = 0x73323536
)

// Size returns the raw (binary) length of an object id under this hash, in
// bytes: 20 for SHA-1, 32 for SHA-256.
func (h HashID) Size() int {
	switch h {
	case HashSHA256:
		return 32
	default:
		// HashSHA1 and HashUnknown (version 1 implies SHA-1).
		return 20
	}
}

func (h HashID) String() string {
	switch h {
	case HashSHA1:
		return "sha1"
	case HashSHA256:
		return "sha256"
	default:
		return "unknown"
	}
}

func (h HashID) valid() bool {
	return h == HashSHA1 || h == HashSHA256
}

// ZeroOID returns the all-zero object id for this hash's size. Deletion
// records do not use it: their decoded Target is nil.
func (h HashID) ZeroOID() []byte {
	return make([]byte, h.Size())
}
