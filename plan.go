// SPDX-License-Identifier: GPL-3.0-or-later

package wiretrace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// Plan is an ordered sequence of protocol steps with fully resolved
// parameters. Producing plans from the textual query language is out
// of scope for this package; consumers hand complete values to
// [NewExecutor].
type Plan struct {
	Steps []Step `json:"steps"`
}

// Step is a single protocol operation in a plan.
//
// Exactly one of the body fields must be set. A step with an empty
// Name executes normally but its output is not addressable by later
// steps.
type Step struct {
	Name   string      `json:"name,omitempty"`
	HTTP   *HTTPPlan   `json:"http,omitempty"`
	TCP    *TCPPlan    `json:"tcp,omitempty"`
	TLS    *TLSPlan    `json:"tls,omitempty"`
	RawTCP *RawTCPPlan `json:"raw_tcp,omitempty"`
}

// kind returns the protocol kind of the step body, or an empty
// string when no body (or more than one) is set.
func (s *Step) kind() ProtocolKind {
	var (
		kind  ProtocolKind
		count int
	)
	if s.HTTP != nil {
		kind, count = ProtocolHTTP, count+1
	}
	if s.TCP != nil {
		kind, count = ProtocolTCP, count+1
	}
	if s.TLS != nil {
		kind, count = ProtocolTLS, count+1
	}
	if s.RawTCP != nil {
		kind, count = ProtocolRawTCP, count+1
	}
	if count != 1 {
		return ""
	}
	return kind
}

// AddContentLength selects the Content-Length emission policy for
// HTTP/1 requests.
type AddContentLength string

// AddContentLength policies.
const (
	// AddContentLengthNever never emits a Content-Length header.
	AddContentLengthNever = AddContentLength("never")

	// AddContentLengthAlways appends a Content-Length header even when
	// the user headers already contain one.
	AddContentLengthAlways = AddContentLength("always")

	// AddContentLengthAuto appends a Content-Length header only when a
	// body is present and no user header with the case-insensitive name
	// content-length exists.
	AddContentLengthAuto = AddContentLength("auto")
)

// HeaderPair is an ordered name/value pair of on-wire bytes.
//
// It serializes as a two-element JSON array so that duplicate names
// and declaration order survive round trips.
type HeaderPair struct {
	Name  MaybeUtf8
	Value MaybeUtf8
}

// MarshalJSON implements [json.Marshaler].
func (h HeaderPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]MaybeUtf8{h.Name, h.Value})
}

// UnmarshalJSON implements [json.Unmarshaler].
func (h *HeaderPair) UnmarshalJSON(data []byte) error {
	var pair [2]MaybeUtf8
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	h.Name, h.Value = pair[0], pair[1]
	return nil
}

// HTTP1PauseSpec declares the pause points of an HTTP/1 exchange.
type HTTP1PauseSpec struct {
	RequestHeaders  PausePoints `json:"request_headers,omitzero"`
	RequestBody     PausePoints `json:"request_body,omitzero"`
	ResponseHeaders PausePoints `json:"response_headers,omitzero"`
	ResponseBody    PausePoints `json:"response_body,omitzero"`
}

// HTTPPlan is the fully resolved parameter set of an HTTP step.
type HTTPPlan struct {
	// URL is the request URL. The scheme must be http or https and
	// the host must be present.
	URL *url.URL

	// Method is the request method as opaque bytes. Empty means GET.
	Method MaybeUtf8

	// VersionString is the protocol version token emitted on the
	// request line. Empty means HTTP/1.1.
	VersionString MaybeUtf8

	// AddContentLength selects the Content-Length policy. The zero
	// value behaves like [AddContentLengthNever].
	AddContentLength AddContentLength

	// Headers are emitted in order, duplicates allowed.
	Headers []HeaderPair

	// Body is the request body.
	Body MaybeUtf8

	// Pause declares where to suspend the exchange.
	Pause HTTP1PauseSpec
}

// httpPlanWire is the JSON shape of [HTTPPlan]; the URL travels as a
// string.
type httpPlanWire struct {
	URL              string         `json:"url"`
	Method           MaybeUtf8      `json:"method,omitempty"`
	VersionString    MaybeUtf8      `json:"version_string,omitempty"`
	AddContentLength AddContentLength `json:"add_content_length,omitempty"`
	Headers          []HeaderPair   `json:"headers,omitempty"`
	Body             MaybeUtf8      `json:"body,omitempty"`
	Pause            HTTP1PauseSpec `json:"pause,omitzero"`
}

// MarshalJSON implements [json.Marshaler].
func (p *HTTPPlan) MarshalJSON() ([]byte, error) {
	var rawURL string
	if p.URL != nil {
		rawURL = p.URL.String()
	}
	return json.Marshal(httpPlanWire{
		URL:              rawURL,
		Method:           p.Method,
		VersionString:    p.VersionString,
		AddContentLength: p.AddContentLength,
		Headers:          p.Headers,
		Body:             p.Body,
		Pause:            p.Pause,
	})
}

// UnmarshalJSON implements [json.Unmarshaler].
func (p *HTTPPlan) UnmarshalJSON(data []byte) error {
	var wire httpPlanWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	parsed, err := url.Parse(wire.URL)
	if err != nil {
		return err
	}
	p.URL = parsed
	p.Method = wire.Method
	p.VersionString = wire.VersionString
	p.AddContentLength = wire.AddContentLength
	p.Headers = wire.Headers
	p.Body = wire.Body
	p.Pause = wire.Pause
	return nil
}

// hasHeaderFold reports whether the plan declares a header whose name
// matches the given one case-insensitively.
func (p *HTTPPlan) hasHeaderFold(name string) bool {
	for _, h := range p.Headers {
		if bytes.EqualFold(h.Name, []byte(name)) {
			return true
		}
	}
	return false
}

// port returns the URL port or the scheme default.
func (p *HTTPPlan) port() (uint16, error) {
	if raw := p.URL.Port(); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid port in url: %q", raw)
		}
		return uint16(n), nil
	}
	switch p.URL.Scheme {
	case "http":
		return 80, nil
	case "https":
		return 443, nil
	default:
		return 0, fmt.Errorf("url is missing port")
	}
}

// TCPPlan is the fully resolved parameter set of a TCP step or of the
// TCP layer inside a larger stack.
type TCPPlan struct {
	Host string    `json:"host"`
	Port uint16    `json:"port"`
	Body MaybeUtf8 `json:"body,omitempty"`
}

// TLSPause is a named pause honored by the TLS layer.
//
// Known names are "open" (immediately after the handshake) and
// "request_body" (immediately after the application body has been
// flushed). Unknown names are ignored.
type TLSPause struct {
	After    string   `json:"after"`
	Duration Duration `json:"duration"`
}

// TLSPlan is the fully resolved parameter set of a TLS step or of the
// TLS layer inside a larger stack.
type TLSPlan struct {
	// Host is the server name used for SNI and validation.
	Host string `json:"host"`

	// Port is the destination port.
	Port uint16 `json:"port"`

	// ALPN lists the protocols to advertise, in order.
	ALPN []MaybeUtf8 `json:"alpn,omitempty"`

	// Body is written only when TLS is the top-level step.
	Body MaybeUtf8 `json:"body,omitempty"`

	// Pause declares named pauses.
	Pause []TLSPause `json:"pause,omitempty"`
}

// TCPSegment is a synthetic segment for raw-TCP plans. Segments are
// declared in the model but the common path never emits them.
type TCPSegment struct {
	Payload MaybeUtf8 `json:"payload,omitempty"`
}

// RawTCPPlan is the fully resolved parameter set of the leaf transport.
type RawTCPPlan struct {
	DestHost string `json:"dest_host"`
	DestPort uint16 `json:"dest_port"`

	// ISN and Window configure synthetic segment emission; they are
	// echoed in outputs but unused on the common path.
	ISN    uint32 `json:"isn,omitempty"`
	Window uint16 `json:"window,omitempty"`

	// Segments drive synthetic packet mode, which is an extension
	// point this package does not implement.
	Segments []TCPSegment `json:"segments,omitempty"`
}

// validate checks the structural constraints the executor relies on:
// exactly one body per step, unique step names, well-formed HTTP URLs,
// and pause points that can actually be placed.
func (p *Plan) validate() error {
	seen := make(map[string]bool)
	for idx := range p.Steps {
		step := &p.Steps[idx]
		kind := step.kind()
		if kind == "" {
			return fmt.Errorf("step %d: exactly one protocol body required", idx)
		}
		if step.Name != "" {
			if seen[step.Name] {
				return fmt.Errorf("step %d: duplicate step name %q", idx, step.Name)
			}
			seen[step.Name] = true
		}
		if kind != ProtocolHTTP {
			continue
		}
		plan := step.HTTP
		if plan.URL == nil || plan.URL.Hostname() == "" {
			return fmt.Errorf("step %d: url is missing host", idx)
		}
		if plan.URL.Scheme != "http" && plan.URL.Scheme != "https" {
			return fmt.Errorf("step %d: unsupported url scheme %q", idx, plan.URL.Scheme)
		}
		if _, err := plan.port(); err != nil {
			return fmt.Errorf("step %d: %w", idx, err)
		}
		if len(plan.Pause.ResponseBody.End) > 0 {
			return fmt.Errorf("step %d: http1.pause.response_body.end is unsupported", idx)
		}
	}
	return nil
}
