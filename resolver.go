// SPDX-License-Identifier: GPL-3.0-or-later

package wiretrace

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/minest"
	"github.com/bassosimone/safeconn"
	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// Resolver resolves a domain name into IP addresses.
//
// By making runners depend on an abstract implementation we allow for
// unit testing and for alternative resolution strategies.
type Resolver interface {
	LookupHost(ctx context.Context, domain string) ([]netip.Addr, error)
}

// ResolverFunc adapts a function to the [Resolver] interface.
type ResolverFunc func(ctx context.Context, domain string) ([]netip.Addr, error)

var _ Resolver = ResolverFunc(nil)

// LookupHost implements [Resolver].
func (f ResolverFunc) LookupHost(ctx context.Context, domain string) ([]netip.Addr, error) {
	return f(ctx, domain)
}

// resolverUnusedDialer is a [Dialer] that panics if DialContext is
// called. The DNS transport uses a pre-established connection and must
// never dial; this sentinel catches programming errors.
type resolverUnusedDialer struct{}

var _ Dialer = resolverUnusedDialer{}

// DialContext implements [Dialer] and always panics.
func (resolverUnusedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	panic("wiretrace: DNS transport must not dial; this is a programming error")
}

// NewDNSOverUDPResolver returns a new [*DNSOverUDPResolver].
//
// The cfg argument contains the common configuration for wiretrace
// operations. Note that [NewConfig] already wires a resolver; use this
// constructor to attach a logger or custom name servers.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewDNSOverUDPResolver(cfg *Config, logger SLogger) *DNSOverUDPResolver {
	return &DNSOverUDPResolver{
		Dialer:        cfg.Dialer,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Servers:       systemNameServers(),
		TimeNow:       cfg.TimeNow,
	}
}

// DNSOverUDPResolver resolves A and AAAA records over DNS-over-UDP.
//
// Each lookup performs one exchange per query type, and each exchange
// dials a fresh UDP connection to the first configured server, emitting
// dnsQuery and dnsResponse wire observations.
//
// All fields are safe to modify after construction but before first
// use. Fields must not be mutated concurrently with calls to
// [DNSOverUDPResolver.LookupHost].
type DNSOverUDPResolver struct {
	// Dialer is the [Dialer] used to open UDP connections.
	//
	// Set by [NewDNSOverUDPResolver] from [Config.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewDNSOverUDPResolver] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewDNSOverUDPResolver] to the user-provided logger.
	Logger SLogger

	// Servers lists the DNS servers to use, in order.
	//
	// Set by [NewDNSOverUDPResolver] from /etc/resolv.conf, falling
	// back to 8.8.8.8:53 when that yields no usable server.
	Servers []netip.AddrPort

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewDNSOverUDPResolver] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Resolver = &DNSOverUDPResolver{}

// systemNameServers loads the name servers configured in
// /etc/resolv.conf, falling back to 8.8.8.8:53 when none is usable.
func systemNameServers() []netip.AddrPort {
	var out []netip.AddrPort
	if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
		for _, server := range conf.Servers {
			if addr, err := netip.ParseAddr(server); err == nil {
				out = append(out, netip.AddrPortFrom(addr, 53))
			}
		}
	}
	if len(out) == 0 {
		out = append(out, netip.AddrPortFrom(netip.AddrFrom4([4]byte{8, 8, 8, 8}), 53))
	}
	return out
}

// LookupHost implements [Resolver].
//
// Literal IP addresses short circuit without any network activity.
// Otherwise the domain is IDNA-normalized and resolved via one A and
// one AAAA exchange, with A records first in the result.
func (r *DNSOverUDPResolver) LookupHost(ctx context.Context, domain string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(domain); err == nil {
		return []netip.Addr{addr}, nil
	}
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return nil, fmt.Errorf("invalid domain %q: %w", domain, err)
	}

	var (
		addrs   []netip.Addr
		lastErr error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, err := r.exchange(ctx, ascii, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		addrs = append(addrs, found...)
	}
	if len(addrs) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, fmt.Errorf("no addresses for %q", domain)
	}
	return addrs, nil
}

// exchange performs a single DNS-over-UDP exchange for the given
// query type and returns the parsed addresses.
func (r *DNSOverUDPResolver) exchange(ctx context.Context, domain string, qtype uint16) ([]netip.Addr, error) {
	// 1. Dial a fresh UDP connection to the first server
	server := r.Servers[0]
	conn, err := r.Dialer.DialContext(ctx, "udp", server.String())
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// 2. Create the log context
	t0 := r.TimeNow()
	deadline, _ := ctx.Deadline()
	var rqr []byte
	lc := &dnsExchangeLogContext{
		ErrClassifier: r.ErrClassifier,
		LocalAddr:     safeconn.LocalAddr(conn),
		Logger:        r.Logger,
		Protocol:      safeconn.Network(conn),
		RemoteAddr:    safeconn.RemoteAddr(conn),
		TimeNow:       r.TimeNow,
	}

	// 3. Create the transport
	//
	// Note: we're not going to dial again, so let's use a dialer that
	// panics if we attempt to dial (programmer error).
	txp := minest.NewDNSOverUDPTransport(resolverUnusedDialer{}, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))

	// 4. Set observers for raw messages
	txp.ObserveRawQuery = lc.makeQueryObserver(t0, &rqr)
	txp.ObserveRawResponse = lc.makeResponseObserver(t0, &rqr)

	// 5. Execute with logging
	query := dnscodec.NewQuery(domain, qtype)
	lc.logStart(t0, deadline)
	resp, err := txp.ExchangeWithConn(ctx, conn, query)
	lc.logDone(t0, deadline, err)
	if err != nil {
		return nil, err
	}

	// 6. Extract the records we asked for
	var records []string
	switch qtype {
	case dns.TypeA:
		records, err = resp.RecordsA()
	default:
		records, err = resp.RecordsAAAA()
	}
	if err != nil {
		return nil, err
	}
	var addrs []netip.Addr
	for _, record := range records {
		if addr, err := netip.ParseAddr(record); err == nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs, nil
}

// dnsExchangeLogContext holds common logging state for the resolver's
// DNS exchanges.
type dnsExchangeLogContext struct {
	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// LocalAddr is the local address of the connection.
	LocalAddr string

	// Logger is the SLogger to use.
	Logger SLogger

	// Protocol is the network protocol (e.g., "udp").
	Protocol string

	// RemoteAddr is the remote address of the connection.
	RemoteAddr string

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time
}

// logStart logs the start of a DNS exchange.
func (lc *dnsExchangeLogContext) logStart(t0 time.Time, deadline time.Time) {
	lc.Logger.Info(
		"dnsExchangeStart",
		slog.Time("deadline", deadline),
		slog.String("localAddr", lc.LocalAddr),
		slog.String("protocol", lc.Protocol),
		slog.String("remoteAddr", lc.RemoteAddr),
		slog.String("serverProtocol", "udp"),
		slog.Time("t", t0),
	)
}

// logDone logs the completion of a DNS exchange.
func (lc *dnsExchangeLogContext) logDone(t0 time.Time, deadline time.Time, err error) {
	lc.Logger.Info(
		"dnsExchangeDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", lc.ErrClassifier.Classify(err)),
		slog.String("localAddr", lc.LocalAddr),
		slog.String("protocol", lc.Protocol),
		slog.String("remoteAddr", lc.RemoteAddr),
		slog.String("serverProtocol", "udp"),
		slog.Time("t0", t0),
		slog.Time("t", lc.TimeNow()),
	)
}

// makeQueryObserver returns an observer function for raw DNS queries.
//
// The rqr pointer captures the raw query for correlation with the
// response observer.
func (lc *dnsExchangeLogContext) makeQueryObserver(t0 time.Time, rqr *[]byte) func([]byte) {
	return func(rawQuery []byte) {
		lc.Logger.Info(
			"dnsQuery",
			slog.Any("dnsRawQuery", rawQuery),
			slog.String("localAddr", lc.LocalAddr),
			slog.String("protocol", lc.Protocol),
			slog.String("remoteAddr", lc.RemoteAddr),
			slog.String("serverProtocol", "udp"),
			slog.Time("t", t0),
		)
		*rqr = rawQuery
	}
}

// makeResponseObserver returns an observer function for raw DNS
// responses. The rqr pointer should be the same one passed to
// makeQueryObserver, correlating the response with its query.
func (lc *dnsExchangeLogContext) makeResponseObserver(t0 time.Time, rqr *[]byte) func([]byte) {
	return func(rawResp []byte) {
		lc.Logger.Info(
			"dnsResponse",
			slog.Any("dnsRawQuery", *rqr),
			slog.Any("dnsRawResponse", rawResp),
			slog.String("localAddr", lc.LocalAddr),
			slog.String("protocol", lc.Protocol),
			slog.String("remoteAddr", lc.RemoteAddr),
			slog.String("serverProtocol", "udp"),
			slog.Time("t0", t0),
			slog.Time("t", lc.TimeNow()),
		)
	}
}
