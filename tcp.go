// SPDX-License-Identifier: GPL-3.0-or-later

package wiretrace

import (
	"context"
	"io"
	"time"

	"github.com/bassosimone/runtimex"
)

// tcpState tracks the [*TCPRunner] lifecycle.
type tcpState int

const (
	tcpPending = tcpState(iota)
	tcpStarted
	tcpStartFailed
	tcpComplete
)

// NewTCPRunner returns a new [*TCPRunner] layered above inner.
//
// The runner exclusively owns inner from construction to Finish.
func NewTCPRunner(cfg *Config, logger SLogger, plan *TCPPlan, inner Runner) *TCPRunner {
	return &TCPRunner{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
		inner:         inner,
		out:           &TCPOutput{Plan: plan, Errors: []Error{}},
		plan:          plan,
		startTime:     time.Time{},
		state:         tcpPending,
		tee:           nil,
	}
}

// TCPRunner is the byte-stream face of the TCP transport, layered
// above [*RawTCPRunner]. It records the bytes actually moved in each
// direction and the layer duration.
//
// Start is a barrier: it must be invoked before any Read or Write and
// is responsible for waking the inner transport.
type TCPRunner struct {
	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time

	inner     Runner
	out       *TCPOutput
	plan      *TCPPlan
	startTime time.Time
	state     tcpState
	tee       *Tee
}

var _ Runner = &TCPRunner{}

// Start implements [Runner].
func (r *TCPRunner) Start(ctx context.Context, sizeHint int) error {
	runtimex.Assert(r.state == tcpPending)
	r.startTime = r.TimeNow()
	if err := r.inner.Start(ctx, sizeHint); err != nil {
		r.state = tcpStartFailed
		return err
	}
	r.tee = NewTee(r.inner)
	r.state = tcpStarted
	return nil
}

// Read implements [Runner].
func (r *TCPRunner) Read(p []byte) (int, error) {
	runtimex.Assert(r.state == tcpStarted)
	return r.tee.Read(p)
}

// Write implements [Runner].
func (r *TCPRunner) Write(p []byte) (int, error) {
	runtimex.Assert(r.state == tcpStarted)
	return r.tee.Write(p)
}

// Execute runs the TCP step body when this runner is the top of the
// stack: it writes the plan body and reads until the peer closes.
func (r *TCPRunner) Execute(ctx context.Context) {
	if err := r.Start(ctx, len(r.plan.Body)); err != nil {
		return
	}
	if !r.plan.Body.IsEmpty() {
		if _, err := r.Write(r.plan.Body); err != nil {
			r.out.Errors = append(r.out.Errors, errorOutput(err))
			return
		}
	}
	if _, err := io.Copy(io.Discard, readerFunc(r.Read)); err != nil {
		r.out.Errors = append(r.out.Errors, errorOutput(err))
	}
}

// Finish implements [Runner].
func (r *TCPRunner) Finish(out *StepOutput) Runner {
	if r.tee != nil {
		_, writes, reads := r.tee.IntoParts()
		r.out.Sent = MaybeUtf8(writes)
		r.out.Received = MaybeUtf8(reads)
	}
	if r.state == tcpStarted || r.state == tcpStartFailed {
		r.out.Duration = Duration(r.TimeNow().Sub(r.startTime))
	}
	r.state = tcpComplete
	out.TCP = r.out
	return r.inner
}

// readerFunc adapts a read method to [io.Reader].
type readerFunc func(p []byte) (int, error)

// Read implements [io.Reader].
func (f readerFunc) Read(p []byte) (int, error) {
	return f(p)
}
