// SPDX-License-Identifier: GPL-3.0-or-later

package wiretrace

import (
	"context"
	"io"
)

// Runner is an owned state machine that executes one protocol at one
// layer of a step's transport stack.
//
// A runner used as the byte carrier for a higher-level runner is a
// transport: its reads and writes move the upper layer's bytes while
// the runner records its own trace.
//
// Lifecycle: Start must be invoked exactly once before any Read or
// Write. Finish is terminal; it records the layer's output into the
// shared [*StepOutput] and releases the wrapped inner transport so the
// caller can finish it too. Collecting a whole stack is:
//
//	for r := top; r != nil; r = r.Finish(out) {
//	}
//
// Dropping a started runner without calling Finish aborts the
// operation without producing output.
type Runner interface {
	io.Reader
	io.Writer

	// Start makes the layer ready for I/O, starting inner transports
	// bottom-up. The sizeHint is the number of bytes the layer above
	// intends to write, used to place end-offset pauses and to
	// pre-reserve buffers; negative means unknown.
	Start(ctx context.Context, sizeHint int) error

	// Finish stops the layer, records its output into out, and
	// returns the wrapped inner transport, or nil for the leaf.
	Finish(out *StepOutput) Runner
}
