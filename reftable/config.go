// Copyright (c) 2016-present GitLab Inc.
// SPDX-License-Identifier: MIT

package reftable

// defaultBlockSize is used when WriterOptions.BlockSize is zero.
const defaultBlockSize = 4096

// defaultRestartInterval is used when WriterOptions.RestartInterval is zero.
const defaultRestartInterval = 16

// minBlockSize is header size (v2) + footer size (v2): nothing written with a
// smaller block size could hold both.
const minBlockSize = headerSizeV2 + footerSizeV2

// maxBlockSize is the largest size representable in the 24-bit block-length
// field.
const maxBlockSize = 1<<24 - 1

// WriterOptions configures a Writer. All fields are optional; zero values
// fall back to the documented defaults.
type WriterOptions struct {
	// Version selects the on-disk header/footer layout: 1 or 2. Zero means 1
	// unless HashID requires version 2 (anything but SHA-1).
	Version uint8
	// BlockSize bounds the size of every block in every section. Must be
	// between minBlockSize and maxBlockSize once defaulted. Default 4096.
	BlockSize uint32
	// RestartInterval controls how often a block records a full (uncompressed)
	// key as a binary-search landmark. Default 16.
	RestartInterval int
	// HashID selects the object-id hash. Default HashSHA1.
	HashID HashID
	// MinUpdateIndex and MaxUpdateIndex bound every ref record's update_index.
	MinUpdateIndex uint64
	MaxUpdateIndex uint64
	// ExactLogMessage disables the writer's usual log message normalization
	// (truncate to the first line, ensure exactly one trailing newline).
	// When false (the default), AddLog rewrites LogRecord.Message before
	// encoding it; when true, the caller's bytes are stored verbatim.
	ExactLogMessage bool
}

func (o WriterOptions) withDefaults() (WriterOptions, error) {
	if o.BlockSize == 0 {
		o.BlockSize = defaultBlockSize
	}
	if o.BlockSize < minBlockSize || o.BlockSize > maxBlockSize {
		return o, newAPIError("block size %d out of range [%d, %d]", o.BlockSize, minBlockSize, maxBlockSize)
	}
	if o.RestartInterval == 0 {
		o.RestartInterval = defaultRestartInterval
	}
	if o.HashID == HashUnknown {
		o.HashID = HashSHA1
	}
	if !o.HashID.valid() {
		return o, newAPIError("unsupported hash id %#x", uint32(o.HashID))
	}
	if o.Version == 0 {
		o.Version = 1
		if o.HashID != HashSHA1 {
			o.Version = 2
		}
	}
	if o.Version != 1 && o.Version != 2 {
		return o, newAPIError("unsupported version %d", o.Version)
	}
	if o.Version == 1 && o.HashID != HashSHA1 {
		return o, newAPIError("version 1 tables only support sha1, requested hash id %s", o.HashID)
	}
	if o.MaxUpdateIndex != 0 && o.MaxUpdateIndex < o.MinUpdateIndex {
		return o, newAPIError("max_update_index %d less than min_update_index %d", o.MaxUpdateIndex, o.MinUpdateIndex)
	}
	return o, nil
}

// ReadOptions configures how a MergedRefIterator or MergedLogIterator
// reconciles overlapping keys across a stack.
type ReadOptions struct {
	// SuppressDeletions, when true, hides the surviving record for a key if
	// it is a deletion (tombstone) rather than emitting it. Lookup-style
	// merged reads want this set; compaction wants it cleared so tombstones
	// keep shadowing older tables until they themselves age out.
	SuppressDeletions bool
}
