package model

import (
	"fmt"
)

// KeyHash is the 32-bit signed hash of a record key.
// The hash function is supplied by the caller; the table only requires
// that it never produce the hashoffsets empty-slot sentinel.
type KeyHash int32

// Column is the dense index of a topic within a table's fixed topic list.
type Column int

// FileSelector picks one of the two physical data files of a topic.
type FileSelector uint8

const (
	// SelectorSnapshot addresses the snapshot file of a topic.
	SelectorSnapshot FileSelector = 0
	// SelectorPost addresses the post-events file of a topic.
	// Tombstones are always appended here.
	SelectorPost FileSelector = 1
)

// String returns a string representation of the FileSelector.
func (f FileSelector) String() string {
	switch f {
	case SelectorSnapshot:
		return "snapshot"
	case SelectorPost:
		return "post"
	default:
		return fmt.Sprintf("FileSelector(%d)", uint8(f))
	}
}

// Entry is a resolved point-read result.
// Timestamp is negative when the record was written without one.
type Entry struct {
	Value     []byte
	Timestamp int64
}
