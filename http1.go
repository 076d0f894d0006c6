// SPDX-License-Identifier: GPL-3.0-or-later

package wiretrace

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/bassosimone/runtimex"
)

// http1State tracks the [*HTTP1Runner] lifecycle. Transitions consume
// the previous state; the invalid sentinel exists only to make a
// half-applied transition detectable and is never observable through
// the exported API.
type http1State int

const (
	http1Pending = http1State(iota)
	http1StartFailed
	http1SendingHeader
	http1SendingBody
	http1ReceivingHeader
	http1ReceivingBody
	http1Complete
	http1Invalid
)

// NewHTTP1Runner returns a new [*HTTP1Runner] layered above inner.
//
// The request header is computed up front in a single allocation; the
// runner exclusively owns inner from construction to Finish.
func NewHTTP1Runner(cfg *Config, logger SLogger, plan *HTTPPlan, inner Runner) *HTTP1Runner {
	return &HTTP1Runner{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
		header:        computeHeader(plan),
		inner:         inner,
		out:           &HTTPOutput{Plan: plan, Errors: []Error{}},
		plan:          plan,
		state:         http1Pending,
	}
}

// HTTP1Runner is the HTTP/1.1 request/response state machine over a
// lower transport.
//
// As a step (top of stack), Execute drives the whole exchange. As a
// transport for a higher layer the runner exposes byte-stream
// semantics where writes carry the request body and reads yield the
// decoded response body; the header is sent during Start and parsed on
// the read path.
type HTTP1Runner struct {
	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time

	header []byte
	inner  Runner
	out    *HTTPOutput
	plan   *HTTPPlan
	ps     *PauseStream
	state  http1State

	// Time stamps; the zero value means not yet recorded. Some are
	// set lazily by whichever side reaches the event first, so every
	// subtraction below guards against the unset case.
	startTime      time.Time
	reqHeaderStart time.Time
	reqBodyStart   time.Time
	reqEnd         time.Time
	respStart      time.Time
	respHeaderEnd  time.Time
	firstRead      time.Time
	endTime        time.Time

	respHeaderBuf []byte
	reqBodyBuf    []byte
	respBodyBuf   []byte
	pendingBody   []byte

	// bodyRemaining counts down a declared Content-Length; -1 means
	// read until EOF.
	bodyRemaining int64
}

var _ Runner = &HTTP1Runner{}

// computeHeader builds the request header in a single allocation:
// request line, declared headers in order with duplicates preserved,
// the Content-Length policy result, and the terminating CRLF.
func computeHeader(plan *HTTPPlan) []byte {
	method := plan.Method
	if method.IsEmpty() {
		method = MaybeUtf8("GET")
	}
	version := plan.VersionString
	if version.IsEmpty() {
		version = MaybeUtf8("HTTP/1.1")
	}
	path := plan.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	query := plan.URL.RawQuery

	size := len(method) + 1 + len(path) + 1 + len(version) + 2
	if query != "" {
		size += 1 + len(query)
	}
	for _, h := range plan.Headers {
		size += len(h.Name) + 2 + len(h.Value) + 2
	}
	contentLength := ""
	switch plan.AddContentLength {
	case AddContentLengthAlways:
		contentLength = strconv.Itoa(len(plan.Body))
	case AddContentLengthAuto:
		if len(plan.Body) > 0 && !plan.hasHeaderFold("content-length") {
			contentLength = strconv.Itoa(len(plan.Body))
		}
	}
	if contentLength != "" {
		size += len("Content-Length: ") + len(contentLength) + 2
	}
	size += 2

	buf := make([]byte, 0, size)
	buf = append(buf, method...)
	buf = append(buf, ' ')
	buf = append(buf, path...)
	if query != "" {
		buf = append(buf, '?')
		buf = append(buf, query...)
	}
	buf = append(buf, ' ')
	buf = append(buf, version...)
	buf = append(buf, "\r\n"...)
	for _, h := range plan.Headers {
		buf = append(buf, h.Name...)
		buf = append(buf, ": "...)
		buf = append(buf, h.Value...)
		buf = append(buf, "\r\n"...)
	}
	if contentLength != "" {
		buf = append(buf, "Content-Length: "...)
		buf = append(buf, contentLength...)
		buf = append(buf, "\r\n"...)
	}
	buf = append(buf, "\r\n"...)
	return buf
}

// recordError appends a kind-tagged error to the output.
func (r *HTTP1Runner) recordError(err error) {
	r.out.Errors = append(r.out.Errors, errorOutput(err))
}

// Start implements [Runner]: it starts the transport stack below,
// sends the request header through a [PauseStream] carrying the
// request_headers pause group, then swaps in the request_body group.
//
// When sizeHint is negative the request_body.end pause point cannot be
// placed; if the plan declares one the operation fails with a
// configuration error.
func (r *HTTP1Runner) Start(ctx context.Context, sizeHint int) error {
	runtimex.Assert(r.state == http1Pending)
	r.bodyRemaining = -1

	innerHint := len(r.header)
	if sizeHint > 0 {
		innerHint += sizeHint
	}
	if err := r.inner.Start(ctx, innerHint); err != nil {
		r.recordError(err)
		r.state = http1StartFailed
		return err
	}

	r.ps = NewPauseStream(ctx, r.inner, []PauseSpec{
		{Plan: r.plan.Pause.RequestHeaders.Start, GroupOffset: 0},
		{Plan: r.plan.Pause.RequestHeaders.End, GroupOffset: int64(len(r.header))},
	}, nil, r.TimeNow)

	r.state = http1SendingHeader
	r.startTime = r.TimeNow()
	r.reqHeaderStart = r.startTime
	r.logRequestStart()
	if _, err := r.ps.Write(r.header); err != nil {
		r.recordError(err)
		r.state = http1StartFailed
		return err
	}

	var bodyPauses []PauseSpec
	if sizeHint >= 0 {
		bodyPauses = []PauseSpec{
			{Plan: r.plan.Pause.RequestBody.Start, GroupOffset: 0},
			{Plan: r.plan.Pause.RequestBody.End, GroupOffset: int64(sizeHint)},
		}
	} else {
		if len(r.plan.Pause.RequestBody.End) > 0 {
			err := &Error{
				Kind:    "configuration",
				Message: "http1.pause.request_body.end requires a size hint",
			}
			r.recordError(err)
			r.state = http1StartFailed
			return err
		}
		bodyPauses = []PauseSpec{
			{Plan: r.plan.Pause.RequestBody.Start, GroupOffset: 0},
		}
	}
	headerObs, _ := r.ps.Reset(bodyPauses, nil)
	r.out.Pause.RequestHeaders.Start = headerObs[0]
	r.out.Pause.RequestHeaders.End = headerObs[1]

	r.state = http1SendingBody
	r.out.Request = &HTTPRequestOutput{
		URL:           r.plan.URL.String(),
		Method:        r.plan.Method,
		VersionString: r.plan.VersionString,
		Headers:       r.plan.Headers,
		Body:          MaybeUtf8{},
	}
	return nil
}

// Write implements [Runner]: it sends request body bytes and records
// exactly what left this layer.
func (r *HTTP1Runner) Write(p []byte) (int, error) {
	runtimex.Assert(r.state == http1SendingBody)
	n, err := r.ps.Write(p)
	if n > 0 {
		if r.reqBodyStart.IsZero() {
			r.reqBodyStart = r.TimeNow()
		}
		r.reqBodyBuf = append(r.reqBodyBuf, p[:n]...)
	}
	return n, err
}

// finishSend collects the request-body pause observations and turns
// the stream around into the receiving direction.
func (r *HTTP1Runner) finishSend() {
	runtimex.Assert(r.state == http1SendingBody)
	bodyObs, _ := r.ps.Reset(nil, []PauseSpec{
		{Plan: r.plan.Pause.ResponseHeaders.Start, GroupOffset: 0},
	})
	r.out.Pause.RequestBody.Start = bodyObs[0]
	if len(bodyObs) > 1 {
		r.out.Pause.RequestBody.End = bodyObs[1]
	}
	if r.reqEnd.IsZero() {
		r.reqEnd = r.TimeNow()
	}
	r.state = http1ReceivingHeader
}

// Read implements [Runner]: it parses the response header on the read
// path and yields decoded body bytes to the caller. Header bytes and
// body bytes arriving in the same transport read are split at the
// exact boundary the parser reports.
func (r *HTTP1Runner) Read(p []byte) (int, error) {
	if r.state == http1SendingBody {
		r.finishSend()
	}
	switch r.state {
	case http1ReceivingHeader:
		return r.readHeader(p)
	case http1ReceivingBody:
		return r.readBody(p)
	default:
		panic(fmt.Sprintf("wiretrace: http1 read in invalid state %d", r.state))
	}
}

// readHeader accumulates transport reads into the header buffer,
// invoking the permissive parser after each read, until the header is
// complete; leftover bytes beyond the boundary are the first body
// bytes.
func (r *HTTP1Runner) readHeader(p []byte) (int, error) {
	if r.respStart.IsZero() {
		r.respStart = r.TimeNow()
	}
	tmp := make([]byte, len(p)+1)
	for {
		n, err := r.ps.Read(tmp)
		if n > 0 {
			if r.firstRead.IsZero() {
				r.firstRead = r.TimeNow()
			}
			if r.out.Response == nil {
				r.out.Response = &HTTPResponseOutput{}
			}
			r.respHeaderBuf = append(r.respHeaderBuf, tmp[:n]...)
			if len(r.respHeaderBuf) > http1MaxHeaderBytes {
				return 0, &Error{Kind: "io", Message: "response header too large"}
			}
		}
		if err != nil {
			if err == io.EOF {
				return 0, &Error{Kind: "io", Message: "unexpected EOF: header incomplete"}
			}
			return 0, err
		}

		hdr, complete, perr := parseHTTP1Header(r.respHeaderBuf)
		if perr != nil {
			return 0, &Error{Kind: "io", Message: perr.Error()}
		}
		if !complete {
			continue
		}

		r.respHeaderEnd = r.TimeNow()
		statusCode := hdr.StatusCode
		r.out.Response.Protocol = MaybeUtf8(hdr.Protocol)
		r.out.Response.StatusCode = &statusCode
		r.out.Response.StatusReason = MaybeUtf8(hdr.Reason)
		r.out.Response.Headers = hdr.Headers
		r.bodyRemaining = hdr.contentLength()
		r.logResponseHeader(hdr)

		for _, v := range r.plan.Pause.ResponseHeaders.End {
			elapsed, serr := sleepContext(r.ps.ctx, v.Duration.Std(), r.TimeNow)
			r.out.Pause.ResponseHeaders.End = append(r.out.Pause.ResponseHeaders.End,
				PauseValueOutput{Duration: Duration(elapsed), Offset: int64(hdr.BodyStart)})
			if serr != nil {
				return 0, serr
			}
		}
		_, headerObs := r.ps.Reset(nil, []PauseSpec{
			{Plan: r.plan.Pause.ResponseBody.Start, GroupOffset: 0},
		})
		r.out.Pause.ResponseHeaders.Start = headerObs[0]
		r.state = http1ReceivingBody

		remaining := r.respHeaderBuf[hdr.BodyStart:]
		r.respHeaderBuf = r.respHeaderBuf[:hdr.BodyStart]
		r.enterBody(remaining)
		return r.readBody(p)
	}
}

// enterBody records the first body bytes observed together with the
// header and marks the body phase as entered.
func (r *HTTP1Runner) enterBody(leftover []byte) {
	if r.out.Response.Body == nil {
		empty := MaybeUtf8{}
		r.out.Response.Body = &empty
	}
	r.respBodyBuf = append(r.respBodyBuf, leftover...)
	if r.bodyRemaining >= 0 {
		r.bodyRemaining -= int64(len(leftover))
	}
	r.pendingBody = leftover
}

// readBody yields decoded body bytes, serving buffered leftover bytes
// first, then reading from the transport until EOF or until the
// declared Content-Length is exhausted.
func (r *HTTP1Runner) readBody(p []byte) (int, error) {
	if len(r.pendingBody) > 0 {
		n := copy(p, r.pendingBody)
		r.pendingBody = r.pendingBody[n:]
		return n, nil
	}
	if r.bodyRemaining == 0 {
		return 0, io.EOF
	}
	if r.respStart.IsZero() {
		r.respStart = r.TimeNow()
	}
	if r.bodyRemaining > 0 && int64(len(p)) > r.bodyRemaining {
		p = p[:r.bodyRemaining]
	}
	n, err := r.ps.Read(p)
	if n > 0 {
		r.respBodyBuf = append(r.respBodyBuf, p[:n]...)
		if r.bodyRemaining > 0 {
			r.bodyRemaining -= int64(n)
		}
	}
	return n, err
}

// Execute drives the whole exchange when this runner is the top of the
// stack: send header and body, then read the response to completion.
// The plan body length doubles as the size hint so end-offset pauses
// can be placed.
func (r *HTTP1Runner) Execute(ctx context.Context) {
	if err := r.Start(ctx, len(r.plan.Body)); err != nil {
		return
	}
	if !r.plan.Body.IsEmpty() {
		if _, err := r.Write(r.plan.Body); err != nil {
			r.recordError(err)
			return
		}
	}
	r.finishSend()
	r.respStart = r.TimeNow()
	if _, err := io.Copy(io.Discard, readerFunc(r.Read)); err != nil {
		r.recordError(err)
	}
	r.endTime = r.TimeNow()
}

// Finish implements [Runner]: it computes the timing fields, records
// the composite output, and returns the inner transport.
func (r *HTTP1Runner) Finish(out *StepOutput) Runner {
	r.complete()
	out.HTTP = r.out
	return r.inner
}

// complete collects leftover pause observations, stamps the end time,
// and fills every duration field whose start and end markers were both
// recorded.
func (r *HTTP1Runner) complete() {
	switch r.state {
	case http1SendingHeader, http1SendingBody:
		writesObs, _ := r.ps.Reset(nil, nil)
		if r.state == http1SendingHeader {
			r.out.Pause.RequestHeaders.Start = writesObs[0]
			r.out.Pause.RequestHeaders.End = writesObs[1]
		} else {
			r.out.Pause.RequestBody.Start = writesObs[0]
			if len(writesObs) > 1 {
				r.out.Pause.RequestBody.End = writesObs[1]
			}
		}
	case http1ReceivingHeader:
		_, readsObs := r.ps.Reset(nil, nil)
		r.out.Pause.ResponseHeaders.Start = readsObs[0]
	case http1ReceivingBody:
		_, readsObs := r.ps.Reset(nil, nil)
		r.out.Pause.ResponseBody.Start = readsObs[0]
	case http1Pending, http1StartFailed, http1Complete:
		r.state = http1Complete
		return
	case http1Invalid:
		panic("wiretrace: http1 runner in invalid state")
	}
	r.state = http1Complete

	if r.endTime.IsZero() {
		r.endTime = r.TimeNow()
	}
	end := r.endTime

	if req := r.out.Request; req != nil {
		reqEnd := r.reqEnd
		if reqEnd.IsZero() {
			reqEnd = end
		}
		req.Duration = Duration(reqEnd.Sub(r.startTime))
		if !r.reqBodyStart.IsZero() {
			respStart := r.respStart
			if respStart.IsZero() {
				respStart = end
			}
			req.BodyDuration = durationPtr(respStart.Sub(r.reqBodyStart))
		}
		if !r.reqHeaderStart.IsZero() {
			req.TimeToFirstByte = durationPtr(r.reqHeaderStart.Sub(r.startTime))
		}
		req.Body = MaybeUtf8(r.reqBodyBuf)
	}

	if resp := r.out.Response; resp != nil {
		if resp.Body != nil {
			body := MaybeUtf8(r.respBodyBuf)
			resp.Body = &body
		}
		if !r.respStart.IsZero() {
			resp.Duration = Duration(end.Sub(r.respStart))
			if !r.respHeaderEnd.IsZero() {
				resp.HeaderDuration = durationPtr(r.respHeaderEnd.Sub(r.respStart))
			}
			if !r.firstRead.IsZero() {
				resp.TimeToFirstByte = durationPtr(r.firstRead.Sub(r.respStart))
			}
		}
	}

	r.out.Duration = Duration(end.Sub(r.startTime))
}

func (r *HTTP1Runner) logRequestStart() {
	r.Logger.Info(
		"httpRequestStart",
		slog.String("httpMethod", r.out.Plan.Method.String()),
		slog.String("httpUrl", r.plan.URL.String()),
		slog.Int("httpHeaderSize", len(r.header)),
		slog.Time("t", r.startTime),
	)
}

func (r *HTTP1Runner) logResponseHeader(hdr *http1Header) {
	r.Logger.Info(
		"httpResponseHeader",
		slog.Int("httpResponseStatusCode", int(hdr.StatusCode)),
		slog.String("httpProtocol", string(hdr.Protocol)),
		slog.Int("httpHeaderCount", len(hdr.Headers)),
		slog.Time("t0", r.respStart),
		slog.Time("t", r.respHeaderEnd),
	)
}
