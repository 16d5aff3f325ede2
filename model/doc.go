// Package model defines core types shared across logtable packages.
//
// # Identity Types
//
//   - KeyHash: 32-bit signed hash of a record key
//   - Column: dense index of a topic within a table's topic list
//   - FileSelector: snapshot (0) or post (1) data file of a topic
//   - MixedOffset: (FileSelector, 31-bit raw offset) packed into an int32
//
// # Data Types
//
//   - Entry: resolved point-read result (value bytes plus timestamp)
//
// The mixed-offset codec lives here because both the in-memory index and
// the per-topic value caches store packed offsets.
package model
