// SPDX-License-Identifier: GPL-3.0-or-later

package wiretrace

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
)

// rawTCPState tracks the [*RawTCPRunner] lifecycle.
type rawTCPState int

const (
	rawTCPPending = rawTCPState(iota)
	rawTCPStarted
	rawTCPStartFailed
	rawTCPComplete
)

// NewRawTCPRunner returns a new [*RawTCPRunner].
//
// The cfg argument contains the common configuration for wiretrace
// operations. The logger argument is the [SLogger] to use for
// structured logging. The plan argument carries the resolved
// destination.
func NewRawTCPRunner(cfg *Config, logger SLogger, plan *RawTCPPlan) *RawTCPRunner {
	return &RawTCPRunner{
		Dialer:        cfg.Dialer,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Resolver:      cfg.Resolver,
		TimeNow:       cfg.TimeNow,
		conn:          nil,
		out:           &RawTCPOutput{Plan: plan, Errors: []Error{}},
		plan:          plan,
		startTime:     time.Time{},
		state:         rawTCPPending,
	}
}

// RawTCPRunner is the lowest transport of a stack: it resolves the
// destination host and opens a TCP connection to it.
//
// On the common path the runner is an identity transport above the OS
// socket. Synthetic segment mode ([RawTCPPlan.Segments]) is declared in
// the plan model but not implemented; executing it fails with a
// configuration error.
//
// All exported fields are safe to modify after construction but before
// first use.
type RawTCPRunner struct {
	// Dialer is the [Dialer] used to open the connection.
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// Resolver resolves the destination host.
	Resolver Resolver

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time

	conn      net.Conn
	out       *RawTCPOutput
	plan      *RawTCPPlan
	startTime time.Time
	state     rawTCPState
}

var _ Runner = &RawTCPRunner{}

// Start implements [Runner]: it resolves the destination and dials.
//
// Resolution and connect failures surface as typed errors with kind
// "resolve" and "connect"; the runner transitions to a start-failed
// state and Finish still emits an output carrying the failure.
func (r *RawTCPRunner) Start(ctx context.Context, sizeHint int) error {
	runtimex.Assert(r.state == rawTCPPending)
	r.startTime = r.TimeNow()

	addrs, err := r.Resolver.LookupHost(ctx, r.plan.DestHost)
	if err != nil {
		return r.startFailed(&Error{Kind: "resolve", Message: err.Error()})
	}
	if len(addrs) == 0 {
		return r.startFailed(&Error{Kind: "resolve", Message: "no addresses for " + r.plan.DestHost})
	}
	endpoint := netip.AddrPortFrom(addrs[0], r.plan.DestPort)

	connectOp := &ConnectFunc{
		Dialer:        r.Dialer,
		ErrClassifier: r.ErrClassifier,
		Logger:        r.Logger,
		Network:       "tcp",
		TimeNow:       r.TimeNow,
	}
	observeOp := &ObserveConnFunc{
		ErrClassifier: r.ErrClassifier,
		Logger:        r.Logger,
		TimeNow:       r.TimeNow,
	}
	dialPipe := Compose4(
		NewEndpointFunc(endpoint), Func[netip.AddrPort, net.Conn](connectOp),
		Func[net.Conn, net.Conn](observeOp), Func[net.Conn, net.Conn](NewCancelWatchFunc()))

	conn, err := dialPipe.Call(ctx, Unit{})
	if err != nil {
		return r.startFailed(&Error{Kind: "connect", Message: err.Error()})
	}

	connected := r.TimeNow()
	r.conn = conn
	r.state = rawTCPStarted
	r.out.LocalAddr = safeconn.LocalAddr(conn)
	r.out.RemoteAddr = safeconn.RemoteAddr(conn)
	r.out.ConnectDuration = durationPtr(connected.Sub(r.startTime))
	return nil
}

// startFailed records the error and moves to the failed state.
func (r *RawTCPRunner) startFailed(err *Error) error {
	r.out.Errors = append(r.out.Errors, *err)
	r.state = rawTCPStartFailed
	return err
}

// Read implements [Runner].
func (r *RawTCPRunner) Read(p []byte) (int, error) {
	runtimex.Assert(r.state == rawTCPStarted)
	return r.conn.Read(p)
}

// Write implements [Runner].
func (r *RawTCPRunner) Write(p []byte) (int, error) {
	runtimex.Assert(r.state == rawTCPStarted)
	return r.conn.Write(p)
}

// Execute runs the raw-TCP step body when this runner is the top of
// the stack. The common path has nothing to send; declared synthetic
// segments are rejected.
func (r *RawTCPRunner) Execute(ctx context.Context) {
	if err := r.Start(ctx, -1); err != nil {
		return
	}
	if len(r.plan.Segments) > 0 {
		r.out.Errors = append(r.out.Errors, Error{
			Kind:    "configuration",
			Message: "synthetic tcp segments are not supported",
		})
	}
}

// Finish implements [Runner]: it closes the socket, records the
// output, and returns nil since this is the leaf transport.
func (r *RawTCPRunner) Finish(out *StepOutput) Runner {
	if r.conn != nil {
		r.conn.Close()
	}
	if r.state == rawTCPStarted || r.state == rawTCPStartFailed {
		r.out.Duration = Duration(r.TimeNow().Sub(r.startTime))
	}
	r.state = rawTCPComplete
	out.RawTCP = r.out
	return nil
}
