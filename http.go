// SPDX-License-Identifier: GPL-3.0-or-later

package wiretrace

import (
	"context"
)

// httpDefaultALPN is what we advertise until HTTP/2 support exists.
var httpDefaultALPN = []MaybeUtf8{MaybeUtf8("http/1.1")}

// NewHTTPRunner returns a new [*HTTPRunner] for the given plan.
//
// The transport stack is chosen from the URL scheme: always raw TCP
// and TCP, with TLS added for https. The HTTP version is currently
// always HTTP/1.1; ALPN dispatch to other versions is where HTTP/2
// support would slot in.
func NewHTTPRunner(cfg *Config, logger SLogger, plan *HTTPPlan) (*HTTPRunner, error) {
	port, err := plan.port()
	if err != nil {
		return nil, &Error{Kind: "configuration", Message: err.Error()}
	}
	host := plan.URL.Hostname()

	var transport Runner
	transport = NewRawTCPRunner(cfg, logger, &RawTCPPlan{
		DestHost: host,
		DestPort: port,
	})
	transport = NewTCPRunner(cfg, logger, &TCPPlan{
		Host: host,
		Port: port,
	}, transport)
	if plan.URL.Scheme == "https" {
		transport = NewTLSRunner(cfg, logger, &TLSPlan{
			Host: host,
			Port: port,
			ALPN: httpDefaultALPN,
		}, transport)
	}

	versioned := plan
	if versioned.VersionString.IsEmpty() {
		clone := *plan
		clone.VersionString = MaybeUtf8("HTTP/1.1")
		versioned = &clone
	}
	return &HTTPRunner{
		h1: NewHTTP1Runner(cfg, logger, versioned, transport),
	}, nil
}

// HTTPRunner dispatches an HTTP step to the appropriate version runner
// over the appropriate transport stack.
//
// Start propagates the size hint down through each transport so layers
// can place end-offset pauses and pre-reserve buffers, and starts the
// stack bottom-up. Finish peels the stack outside-in into a single
// [*StepOutput].
type HTTPRunner struct {
	h1 *HTTP1Runner
}

var _ Runner = &HTTPRunner{}

// Start implements [Runner].
func (r *HTTPRunner) Start(ctx context.Context, sizeHint int) error {
	return r.h1.Start(ctx, sizeHint)
}

// Read implements [Runner].
func (r *HTTPRunner) Read(p []byte) (int, error) {
	return r.h1.Read(p)
}

// Write implements [Runner].
func (r *HTTPRunner) Write(p []byte) (int, error) {
	return r.h1.Write(p)
}

// Execute drives the whole exchange.
func (r *HTTPRunner) Execute(ctx context.Context) {
	r.h1.Execute(ctx)
}

// Finish implements [Runner]: delegating to the version runner, whose
// inner transport the caller keeps peeling.
func (r *HTTPRunner) Finish(out *StepOutput) Runner {
	inner := r.h1.Finish(out)
	out.HTTP.Protocol = "HTTP/1.1"
	return inner
}
