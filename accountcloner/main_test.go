// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accountcloner

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain uses goleak to verify tests in this package do not leak
// unexpected goroutines: every Engine spawned here must have its run loop
// and any in-flight completeClone tasks actually wound down by e.Stop.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
