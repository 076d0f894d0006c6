// SPDX-License-Identifier: GPL-3.0-or-later

package wiretrace

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/bassosimone/runtimex"
	"golang.org/x/net/idna"
)

// TLSEngine is the engine used to create a new [TLSConn].
type TLSEngine interface {
	// Client builds a new client [TLSConn].
	Client(conn net.Conn, config *tls.Config) TLSConn

	// Name returns the engine name.
	Name() string

	// Parrot returns the configured parrot or an empty string.
	Parrot() string
}

// TLSEngineStdlib implements [TLSEngine] for the standard library.
//
// The zero value is ready to use.
type TLSEngineStdlib struct{}

var _ TLSEngine = TLSEngineStdlib{}

// Client implements [TLSEngine].
//
// This function uses [tls.Client] to build a new [*tls.Conn].
func (TLSEngineStdlib) Client(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Client(conn, config)
}

// Name implements [TLSEngine].
//
// This function returns "stdlib".
func (TLSEngineStdlib) Name() string {
	return "stdlib"
}

// Parrot implements [TLSEngine].
//
// This function returns "".
func (TLSEngineStdlib) Parrot() string {
	return ""
}

// TLSConn abstracts over [*tls.Conn].
//
// By using an abstraction we allow for alternative TLS implementations.
type TLSConn interface {
	// ConnectionState returns the connection state.
	ConnectionState() tls.ConnectionState

	// HandshakeContext performs the handshake unless interrupted by the context.
	HandshakeContext(ctx context.Context) error

	// Embedding Conn means we can use this type as a [net.Conn].
	net.Conn
}

// TLSVersion is the negotiated protocol version of a TLS connection.
//
// The value is the on-wire version number; well-known versions render
// as closed-enum names (SSL2, SSL3, TLS1_0 through TLS1_3, DTLS1_0,
// DTLS1_2, DTLS1_3) and anything else renders as Other(n).
type TLSVersion uint16

// Known TLS versions.
const (
	TLSVersionSSL2    = TLSVersion(0x0002)
	TLSVersionSSL3    = TLSVersion(0x0300)
	TLSVersionTLS1_0  = TLSVersion(0x0301)
	TLSVersionTLS1_1  = TLSVersion(0x0302)
	TLSVersionTLS1_2  = TLSVersion(0x0303)
	TLSVersionTLS1_3  = TLSVersion(0x0304)
	TLSVersionDTLS1_0 = TLSVersion(0xfeff)
	TLSVersionDTLS1_2 = TLSVersion(0xfefd)
	TLSVersionDTLS1_3 = TLSVersion(0xfefc)
)

// tlsVersionNames maps well-known versions to their rendering.
var tlsVersionNames = map[TLSVersion]string{
	TLSVersionSSL2:    "SSL2",
	TLSVersionSSL3:    "SSL3",
	TLSVersionTLS1_0:  "TLS1_0",
	TLSVersionTLS1_1:  "TLS1_1",
	TLSVersionTLS1_2:  "TLS1_2",
	TLSVersionTLS1_3:  "TLS1_3",
	TLSVersionDTLS1_0: "DTLS1_0",
	TLSVersionDTLS1_2: "DTLS1_2",
	TLSVersionDTLS1_3: "DTLS1_3",
}

// String renders the version name.
func (v TLSVersion) String() string {
	if name, ok := tlsVersionNames[v]; ok {
		return name
	}
	return fmt.Sprintf("Other(%d)", uint16(v))
}

// MarshalJSON implements [json.Marshaler].
func (v TLSVersion) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalJSON implements [json.Unmarshaler].
func (v *TLSVersion) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for version, name := range tlsVersionNames {
		if name == s {
			*v = version
			return nil
		}
	}
	inner, ok := strings.CutPrefix(s, "Other(")
	if !ok || !strings.HasSuffix(inner, ")") {
		return fmt.Errorf("unknown TLS version: %q", s)
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(inner, ")"), 10, 16)
	if err != nil {
		return fmt.Errorf("unknown TLS version: %q", s)
	}
	*v = TLSVersion(n)
	return nil
}

// tlsState tracks the [*TLSRunner] lifecycle.
type tlsState int

const (
	tlsPending = tlsState(iota)
	tlsHandshaking
	tlsEstablished
	tlsClosed
	tlsFailed
)

// NewTLSRunner returns a new [*TLSRunner] layered above inner.
//
// The runner exclusively owns inner from construction to Finish.
func NewTLSRunner(cfg *Config, logger SLogger, plan *TLSPlan, inner Runner) *TLSRunner {
	return &TLSRunner{
		Engine:        TLSEngineStdlib{},
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		RootCAs:       cfg.RootCAs,
		TimeNow:       cfg.TimeNow,
		inner:         inner,
		out:           &TLSOutput{Plan: plan, Errors: []Error{}},
		plan:          plan,
		startTime:     time.Time{},
		state:         tlsPending,
		tconn:         nil,
		tee:           nil,
	}
}

// TLSRunner performs the TLS client handshake and carries the
// encrypted record layer over a lower transport.
//
// On Start it sets SNI from the plan host, advertises the plan ALPN in
// order, validates the server certificate against the configured trust
// store, and completes the handshake. After the handshake the
// connection is wrapped in a [Tee] so the plaintext flowing to the
// layer above is captured in both directions.
type TLSRunner struct {
	// Engine is the [TLSEngine] used to handshake.
	Engine TLSEngine

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// RootCAs optionally replaces the trust store; nil means the
	// system roots.
	RootCAs *x509.CertPool

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time

	ctx       context.Context
	inner     Runner
	out       *TLSOutput
	plan      *TLSPlan
	startTime time.Time
	state     tlsState
	tconn     TLSConn
	tee       *Tee
}

var _ Runner = &TLSRunner{}

// tlsConfig builds the handshake configuration from the plan.
func (r *TLSRunner) tlsConfig() *tls.Config {
	serverName := r.plan.Host
	if ascii, err := idna.Lookup.ToASCII(serverName); err == nil {
		serverName = ascii
	}
	alpn := make([]string, 0, len(r.plan.ALPN))
	for _, proto := range r.plan.ALPN {
		alpn = append(alpn, proto.String())
	}
	return &tls.Config{
		NextProtos: alpn,
		RootCAs:    r.RootCAs,
		ServerName: serverName,
		Time:       r.TimeNow,
	}
}

// Start implements [Runner]: it starts the inner transport and then
// performs the handshake. Handshake failures surface as typed errors
// with kind "tls"; the certificate that caused a validation failure is
// still captured in the output.
func (r *TLSRunner) Start(ctx context.Context, sizeHint int) error {
	runtimex.Assert(r.state == tlsPending)
	r.ctx = ctx
	r.startTime = r.TimeNow()
	if err := r.inner.Start(ctx, sizeHint); err != nil {
		r.state = tlsFailed
		return err
	}

	config := r.tlsConfig()
	conn := &runnerConn{r: r.inner}
	tconn := r.Engine.Client(conn, config)
	r.state = tlsHandshaking

	t0 := r.TimeNow()
	deadline, _ := ctx.Deadline()
	r.logHandshakeStart(t0, deadline, config)
	err := tconn.HandshakeContext(ctx)
	state := tconn.ConnectionState()
	r.logHandshakeDone(t0, deadline, config, err, state)

	r.out.PeerCertificates = peerCerts(state, err)
	if err != nil {
		r.state = tlsFailed
		terr := &Error{Kind: "tls", Message: err.Error()}
		r.out.Errors = append(r.out.Errors, *terr)
		return terr
	}

	r.tconn = tconn
	r.out.Version = TLSVersion(state.Version)
	r.out.ALPN = MaybeUtf8(state.NegotiatedProtocol)
	r.out.HandshakeDuration = durationPtr(r.TimeNow().Sub(t0))
	r.state = tlsEstablished
	r.tee = NewTee(tconn)
	r.pauseAfter("open")
	return nil
}

// pauseAfter honors the named pause if the plan declares it; unknown
// names in the plan are ignored by never being asked for.
func (r *TLSRunner) pauseAfter(name string) {
	for _, p := range r.plan.Pause {
		if p.After != name {
			continue
		}
		elapsed, err := sleepContext(r.ctx, p.Duration.Std(), r.TimeNow)
		r.out.Pause = append(r.out.Pause, TLSPauseOutput{After: name, Duration: Duration(elapsed)})
		if err != nil {
			return
		}
	}
}

// Read implements [Runner].
func (r *TLSRunner) Read(p []byte) (int, error) {
	runtimex.Assert(r.state == tlsEstablished)
	return r.tee.Read(p)
}

// Write implements [Runner].
func (r *TLSRunner) Write(p []byte) (int, error) {
	runtimex.Assert(r.state == tlsEstablished)
	return r.tee.Write(p)
}

// Execute runs the TLS step body when this runner is the top of the
// stack: it writes the plan body, honors the request_body pause, and
// reads until the peer closes.
func (r *TLSRunner) Execute(ctx context.Context) {
	if err := r.Start(ctx, len(r.plan.Body)); err != nil {
		return
	}
	if !r.plan.Body.IsEmpty() {
		if _, err := r.Write(r.plan.Body); err != nil {
			r.out.Errors = append(r.out.Errors, errorOutput(err))
			return
		}
	}
	r.pauseAfter("request_body")
	if _, err := io.Copy(io.Discard, readerFunc(r.Read)); err != nil {
		r.out.Errors = append(r.out.Errors, errorOutput(err))
	}
}

// Finish implements [Runner].
func (r *TLSRunner) Finish(out *StepOutput) Runner {
	if r.tee != nil {
		_, writes, reads := r.tee.IntoParts()
		r.out.Sent = MaybeUtf8(writes)
		r.out.Received = MaybeUtf8(reads)
	}
	if r.state != tlsPending {
		r.out.Duration = Duration(r.TimeNow().Sub(r.startTime))
	}
	r.state = tlsClosed
	out.TLS = r.out
	return r.inner
}

func (r *TLSRunner) logHandshakeStart(t0 time.Time, deadline time.Time, config *tls.Config) {
	r.Logger.Info(
		"tlsHandshakeStart",
		slog.Time("deadline", deadline),
		slog.Time("t", t0),
		slog.String("tlsEngineName", r.Engine.Name()),
		slog.String("tlsParrot", r.Engine.Parrot()),
		slog.Any("tlsOfferedProtocols", config.NextProtos),
		slog.String("tlsServerName", config.ServerName),
		slog.Bool("tlsSkipVerify", config.InsecureSkipVerify),
	)
}

func (r *TLSRunner) logHandshakeDone(
	t0 time.Time, deadline time.Time, config *tls.Config, err error, state tls.ConnectionState) {
	r.Logger.Info(
		"tlsHandshakeDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", r.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", r.TimeNow()),
		slog.String("tlsCipherSuite", tls.CipherSuiteName(state.CipherSuite)),
		slog.String("tlsEngineName", r.Engine.Name()),
		slog.String("tlsParrot", r.Engine.Parrot()),
		slog.String("tlsNegotiatedProtocol", state.NegotiatedProtocol),
		slog.Any("tlsOfferedProtocols", config.NextProtos),
		slog.String("tlsServerName", config.ServerName),
		slog.Bool("tlsSkipVerify", config.InsecureSkipVerify),
		slog.String("tlsVersion", tls.VersionName(state.Version)),
	)
}

// peerCerts extracts the DER certificate chain from the connection
// state, or from the verification error when the handshake failed
// because of a bad certificate.
func peerCerts(state tls.ConnectionState, err error) (out []MaybeUtf8) {
	// 1. Check whether the error is a known certificate error and extract
	// the certificate using `errors.As` for additional robustness.
	var x509HostnameError x509.HostnameError
	if errors.As(err, &x509HostnameError) {
		// Test case: https://wrong.host.badssl.com/
		out = append(out, MaybeUtf8(x509HostnameError.Certificate.Raw))
		return
	}

	var x509UnknownAuthorityError x509.UnknownAuthorityError
	if errors.As(err, &x509UnknownAuthorityError) {
		// Test case: https://self-signed.badssl.com/
		out = append(out, MaybeUtf8(x509UnknownAuthorityError.Cert.Raw))
		return
	}

	var x509CertificateInvalidError x509.CertificateInvalidError
	if errors.As(err, &x509CertificateInvalidError) {
		// Test case: https://expired.badssl.com/
		out = append(out, MaybeUtf8(x509CertificateInvalidError.Cert.Raw))
		return
	}

	// 2. Otherwise extract certificates from the connection state.
	for _, cert := range state.PeerCertificates {
		out = append(out, MaybeUtf8(cert.Raw))
	}
	return
}

// runnerConn adapts a [Runner] to [net.Conn] so the TLS engine can use
// the transport stack as its byte carrier. Deadlines are not supported;
// cancellation is handled at the leaf by [CancelWatchFunc].
type runnerConn struct {
	r Runner
}

var _ net.Conn = &runnerConn{}

// Read implements [net.Conn].
func (c *runnerConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Write implements [net.Conn].
func (c *runnerConn) Write(p []byte) (int, error) {
	return c.r.Write(p)
}

// Close implements [net.Conn]. Closing happens at the leaf when the
// stack is finished, so this is a no-op.
func (c *runnerConn) Close() error {
	return nil
}

// LocalAddr implements [net.Conn].
func (c *runnerConn) LocalAddr() net.Addr {
	return &net.TCPAddr{}
}

// RemoteAddr implements [net.Conn].
func (c *runnerConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{}
}

// SetDeadline implements [net.Conn].
func (c *runnerConn) SetDeadline(t time.Time) error {
	return nil
}

// SetReadDeadline implements [net.Conn].
func (c *runnerConn) SetReadDeadline(t time.Time) error {
	return nil
}

// SetWriteDeadline implements [net.Conn].
func (c *runnerConn) SetWriteDeadline(t time.Time) error {
	return nil
}
