// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package accountkey defines the opaque account identifier used throughout
// the remote account cloning engine.
package accountkey

import (
	"encoding/hex"
	"fmt"
)

// Size is the length in bytes of a Key.
const Size = 32

// Key is an opaque 32-byte account identifier. It is comparable and may be
// used directly as a map key; equality and hashing are by value.
type Key [Size]byte

// Zero is the default, all-zero Key.
var Zero Key

// FromBytes copies b into a new Key. It panics if len(b) != Size, mirroring
// the teacher's fixed-size-hash constructors (see core/types hash helpers).
func FromBytes(b []byte) Key {
	if len(b) != Size {
		panic(fmt.Sprintf("accountkey: expected %d bytes, got %d", Size, len(b)))
	}
	var k Key
	copy(k[:], b)
	return k
}

// Bytes returns a copy of the key's underlying bytes.
func (k Key) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, k[:])
	return b
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k == Zero
}

// String renders the key as a hex string prefixed with "0x", matching the
// teacher's common.Hash.String() convention.
func (k Key) String() string {
	return "0x" + hex.EncodeToString(k[:])
}
