// SPDX-License-Identifier: GPL-3.0-or-later

package wiretrace

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolKind tags step bodies and outputs.
type ProtocolKind string

// Protocol kinds.
const (
	ProtocolHTTP   = ProtocolKind("http")
	ProtocolTCP    = ProtocolKind("tcp")
	ProtocolTLS    = ProtocolKind("tls")
	ProtocolRawTCP = ProtocolKind("raw_tcp")
)

// Error is a kind-tagged error recorded in step outputs.
//
// Kinds are flat: "configuration", "resolve", "connect", "tls", "io".
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// errorKind extracts the kind of a typed [*Error], defaulting to "io"
// for untagged errors from established connections.
func errorKind(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return "io"
}

// errorOutput converts an error into the recorded form.
func errorOutput(err error) Error {
	return Error{Kind: errorKind(err), Message: err.Error()}
}

// PausePointsOutput records the achieved pauses of one phase.
type PausePointsOutput struct {
	Start []PauseValueOutput `json:"start,omitempty"`
	End   []PauseValueOutput `json:"end,omitempty"`
}

// HTTP1PauseOutput mirrors [HTTP1PauseSpec] with recorded values.
type HTTP1PauseOutput struct {
	RequestHeaders  PausePointsOutput `json:"request_headers,omitzero"`
	RequestBody     PausePointsOutput `json:"request_body,omitzero"`
	ResponseHeaders PausePointsOutput `json:"response_headers,omitzero"`
	ResponseBody    PausePointsOutput `json:"response_body,omitzero"`
}

// HTTPRequestOutput records what was actually sent for an HTTP step.
//
// The byte buffer behind Body is append-only while the step runs and
// reflects exactly what left the top-of-stack layer.
type HTTPRequestOutput struct {
	URL             string       `json:"url"`
	Method          MaybeUtf8    `json:"method,omitempty"`
	VersionString   MaybeUtf8    `json:"version_string,omitempty"`
	Headers         []HeaderPair `json:"headers,omitempty"`
	Body            MaybeUtf8    `json:"body"`
	Duration        Duration     `json:"duration"`
	BodyDuration    *Duration    `json:"body_duration,omitempty"`
	TimeToFirstByte *Duration    `json:"time_to_first_byte,omitempty"`
}

// HTTPResponseOutput records what was received for an HTTP step.
//
// Headers and StatusCode are present only after the header has been
// fully parsed; Body is present once the body phase has been entered.
type HTTPResponseOutput struct {
	Protocol        MaybeUtf8    `json:"protocol,omitempty"`
	StatusCode      *uint16      `json:"status_code,omitempty"`
	StatusReason    MaybeUtf8    `json:"status_reason,omitempty"`
	Headers         []HeaderPair `json:"headers,omitempty"`
	Body            *MaybeUtf8   `json:"body,omitempty"`
	Duration        Duration     `json:"duration"`
	HeaderDuration  *Duration    `json:"header_duration,omitempty"`
	TimeToFirstByte *Duration    `json:"time_to_first_byte,omitempty"`
}

// HTTPOutput is the composite record of an HTTP step.
type HTTPOutput struct {
	Plan     *HTTPPlan           `json:"plan"`
	Request  *HTTPRequestOutput  `json:"request,omitempty"`
	Response *HTTPResponseOutput `json:"response,omitempty"`
	Errors   []Error             `json:"errors"`
	Protocol string              `json:"protocol,omitempty"`
	Duration Duration            `json:"duration"`
	Pause    HTTP1PauseOutput    `json:"pause,omitzero"`
}

// TCPOutput records the byte-stream layer of a step: the bytes actually
// moved in each direction and the layer duration.
type TCPOutput struct {
	Plan     *TCPPlan  `json:"plan"`
	Sent     MaybeUtf8 `json:"sent"`
	Received MaybeUtf8 `json:"received"`
	Errors   []Error   `json:"errors"`
	Duration Duration  `json:"duration"`
}

// TLSPauseOutput records an achieved named TLS pause.
type TLSPauseOutput struct {
	After    string   `json:"after"`
	Duration Duration `json:"duration"`
}

// TLSOutput records the TLS layer of a step.
type TLSOutput struct {
	Plan              *TLSPlan         `json:"plan"`
	Version           TLSVersion       `json:"version,omitzero"`
	ALPN              MaybeUtf8        `json:"alpn,omitempty"`
	PeerCertificates  []MaybeUtf8      `json:"peer_certificates,omitempty"`
	Sent              MaybeUtf8        `json:"sent"`
	Received          MaybeUtf8        `json:"received"`
	Errors            []Error          `json:"errors"`
	Duration          Duration         `json:"duration"`
	HandshakeDuration *Duration        `json:"handshake_duration,omitempty"`
	Pause             []TLSPauseOutput `json:"pause,omitempty"`
}

// RawTCPOutput records the leaf transport of a step.
type RawTCPOutput struct {
	Plan            *RawTCPPlan `json:"plan"`
	LocalAddr       string      `json:"local_addr,omitempty"`
	RemoteAddr      string      `json:"remote_addr,omitempty"`
	Errors          []Error     `json:"errors"`
	Duration        Duration    `json:"duration"`
	ConnectDuration *Duration   `json:"connect_duration,omitempty"`
}

// StepOutput is the recorded trace of a single step across every layer
// of its transport stack. The Kind field names the top-of-stack record;
// lower layers appear as they are reached.
type StepOutput struct {
	Kind   ProtocolKind
	Name   string
	HTTP   *HTTPOutput
	TLS    *TLSOutput
	TCP    *TCPOutput
	RawTCP *RawTCPOutput
}

// topErrors returns the errors of the top-of-stack record.
func (so *StepOutput) topErrors() []Error {
	switch so.Kind {
	case ProtocolHTTP:
		if so.HTTP != nil {
			return so.HTTP.Errors
		}
	case ProtocolTLS:
		if so.TLS != nil {
			return so.TLS.Errors
		}
	case ProtocolTCP:
		if so.TCP != nil {
			return so.TCP.Errors
		}
	case ProtocolRawTCP:
		if so.RawTCP != nil {
			return so.RawTCP.Errors
		}
	}
	return nil
}

// The wire structs flatten the top-of-stack record into the step
// object, matching the externally observable schema: the top record's
// fields appear beside kind and name, lower layers nest beneath their
// own keys.

type stepOutputHTTPWire struct {
	Kind ProtocolKind `json:"kind"`
	Name string       `json:"name,omitempty"`
	*HTTPOutput
	TLS    *TLSOutput    `json:"tls,omitempty"`
	TCP    *TCPOutput    `json:"tcp,omitempty"`
	RawTCP *RawTCPOutput `json:"raw_tcp,omitempty"`
}

type stepOutputTLSWire struct {
	Kind ProtocolKind `json:"kind"`
	Name string       `json:"name,omitempty"`
	*TLSOutput
	TCP    *TCPOutput    `json:"tcp,omitempty"`
	RawTCP *RawTCPOutput `json:"raw_tcp,omitempty"`
}

type stepOutputTCPWire struct {
	Kind ProtocolKind `json:"kind"`
	Name string       `json:"name,omitempty"`
	*TCPOutput
	RawTCP *RawTCPOutput `json:"raw_tcp,omitempty"`
}

type stepOutputRawTCPWire struct {
	Kind ProtocolKind `json:"kind"`
	Name string       `json:"name,omitempty"`
	*RawTCPOutput
}

// MarshalJSON implements [json.Marshaler].
func (so *StepOutput) MarshalJSON() ([]byte, error) {
	switch so.Kind {
	case ProtocolHTTP:
		return json.Marshal(stepOutputHTTPWire{
			Kind: so.Kind, Name: so.Name, HTTPOutput: so.HTTP,
			TLS: so.TLS, TCP: so.TCP, RawTCP: so.RawTCP,
		})
	case ProtocolTLS:
		return json.Marshal(stepOutputTLSWire{
			Kind: so.Kind, Name: so.Name, TLSOutput: so.TLS,
			TCP: so.TCP, RawTCP: so.RawTCP,
		})
	case ProtocolTCP:
		return json.Marshal(stepOutputTCPWire{
			Kind: so.Kind, Name: so.Name, TCPOutput: so.TCP, RawTCP: so.RawTCP,
		})
	case ProtocolRawTCP:
		return json.Marshal(stepOutputRawTCPWire{
			Kind: so.Kind, Name: so.Name, RawTCPOutput: so.RawTCP,
		})
	default:
		return nil, fmt.Errorf("unknown step output kind: %q", so.Kind)
	}
}

// UnmarshalJSON implements [json.Unmarshaler].
func (so *StepOutput) UnmarshalJSON(data []byte) error {
	var probe struct {
		Kind ProtocolKind `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	switch probe.Kind {
	case ProtocolHTTP:
		wire := stepOutputHTTPWire{HTTPOutput: &HTTPOutput{}}
		if err := json.Unmarshal(data, &wire); err != nil {
			return err
		}
		*so = StepOutput{
			Kind: wire.Kind, Name: wire.Name, HTTP: wire.HTTPOutput,
			TLS: wire.TLS, TCP: wire.TCP, RawTCP: wire.RawTCP,
		}
	case ProtocolTLS:
		wire := stepOutputTLSWire{TLSOutput: &TLSOutput{}}
		if err := json.Unmarshal(data, &wire); err != nil {
			return err
		}
		*so = StepOutput{
			Kind: wire.Kind, Name: wire.Name, TLS: wire.TLSOutput,
			TCP: wire.TCP, RawTCP: wire.RawTCP,
		}
	case ProtocolTCP:
		wire := stepOutputTCPWire{TCPOutput: &TCPOutput{}}
		if err := json.Unmarshal(data, &wire); err != nil {
			return err
		}
		*so = StepOutput{Kind: wire.Kind, Name: wire.Name, TCP: wire.TCPOutput, RawTCP: wire.RawTCP}
	case ProtocolRawTCP:
		wire := stepOutputRawTCPWire{RawTCPOutput: &RawTCPOutput{}}
		if err := json.Unmarshal(data, &wire); err != nil {
			return err
		}
		*so = StepOutput{Kind: wire.Kind, Name: wire.Name, RawTCP: wire.RawTCPOutput}
	default:
		return fmt.Errorf("unknown step output kind: %q", probe.Kind)
	}
	return nil
}
