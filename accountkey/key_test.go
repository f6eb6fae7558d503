// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accountkey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromBytesRoundTrip(t *testing.T) {
	raw := make([]byte, Size)
	for i := range raw {
		raw[i] = byte(i)
	}
	k := FromBytes(raw)
	require.Equal(t, raw, k.Bytes())
	require.False(t, k.IsZero())
}

func TestZeroKey(t *testing.T) {
	require.True(t, Zero.IsZero())
	require.Equal(t, "0x"+"0000000000000000000000000000000000000000000000000000000000000000"[:64], Zero.String())
}

func TestFromBytesPanicsOnWrongLength(t *testing.T) {
	require.Panics(t, func() {
		FromBytes([]byte{1, 2, 3})
	})
}

func TestKeyAsMapKey(t *testing.T) {
	a := FromBytes(make([]byte, Size))
	b := a
	m := map[Key]int{a: 1}
	m[b] = 2
	require.Len(t, m, 1)
	require.Equal(t, 2, m[a])
}
