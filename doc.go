// SPDX-License-Identifier: GPL-3.0-or-later

// Package wiretrace executes plans of protocol steps and records a
// byte-accurate trace of each step's request and response.
//
// # Core Model
//
// A [Plan] is an ordered list of [Step] values. Each step describes one
// protocol operation (HTTP/1.1, TLS, TCP, or raw TCP) with fully resolved
// parameters. The [Executor] runs steps strictly in order; each run
// produces a [*StepOutput] recording what was sent, what was received,
// precise monotonic timing, and any errors, at every layer of the
// transport stack used by the step.
//
// Internally each step builds a stack of runners, lowest first:
//
//	RawTCPRunner -> TCPRunner [-> TLSRunner] -> HTTP1Runner
//
// Every layer both transports bytes for the layer above and records its
// own trace. Finishing a runner releases its output together with the
// wrapped inner transport, so the stack of records is collected
// outside-in into a single [*StepOutput].
//
// # Byte Capture and Pauses
//
// Two decorators do the recording work:
//
//   - [Tee] copies every byte read and written through a stream.
//   - [PauseStream] suspends I/O at declared byte offsets for declared
//     durations and records the achieved pause lengths.
//
// Protocol runners place these decorators at the transport boundary and
// swap pause groups between phases (request header, request body,
// response header, response body) via [PauseStream.Reset].
//
// # Composition Primitives
//
// Low-level dialing reuses the compositional core:
//
//	type Func[A, B any] interface {
//		Call(ctx context.Context, input A) (B, error)
//	}
//
// [ConnectFunc], [ObserveConnFunc], and [CancelWatchFunc] are chained
// via [Compose2] and friends to establish, observe, and context-bind
// the leaf TCP connection of a stack.
//
// # Observability
//
// All operations support structured logging via [SLogger] (compatible
// with [log/slog]). By default logging is disabled. Dialing, connection
// close, TLS handshakes, and DNS exchanges emit span events (*Start/*Done
// pairs) with t/t0, err, and errClass fields, plus localAddr, remoteAddr,
// and protocol where a socket is involved; per-I/O events are at Debug
// level. The HTTP/1 runner emits httpRequestStart and httpResponseHeader
// events; the TCP runner emits no events of its own. Error classification
// for the errClass field is configurable via [ErrClassifier].
//
// Use [NewSpanID] to generate a unique, time-ordered identifier
// (UUIDv7). The [Executor] generates one per step and logs it on that
// step's stepStart and stepDone events; the logger handed to the step's
// runners is not tagged with it.
//
// # Timeout and Context Philosophy
//
// This package is context-transparent: operations never modify the
// context they receive. The caller controls timeouts externally via
// [context.WithTimeout] or [signal.NotifyContext]. Runners bind the
// context lifecycle to the leaf connection with [CancelWatchFunc], so
// cancellation closes the connection and fails in-flight I/O. Pause
// suspensions honor context cancellation as well.
//
// # Design Boundaries
//
// The following are out of scope and belong to higher-level packages:
// parsing the plan query language, CLI surface, serializing the final
// trace for the user, expression interpolation of step inputs, HTTP/2
// and HTTP/3, proxying, retries, and connection reuse across steps.
package wiretrace
