// Package state provides the durable key/value stores and the session list
// kept in them.
package state

import "github.com/user/rollcall/internal/types"

// Compile-time interface compliance checks.
var _ types.KVStore = (*FileKV)(nil)
var _ types.KVStore = (*SQLiteKV)(nil)
var _ types.KVStore = (*MemKV)(nil)
