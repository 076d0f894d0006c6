// SPDX-License-Identifier: GPL-3.0-or-later

package wiretrace

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"
)

// readFixtureRequest consumes a full HTTP/1 request (header plus any
// Content-Length body) from the connection and returns it.
func readFixtureRequest(conn net.Conn) ([]byte, bool) {
	buf := make([]byte, 4096)
	var req []byte
	for !bytes.Contains(req, []byte("\r\n\r\n")) {
		n, err := conn.Read(buf)
		req = append(req, buf[:n]...)
		if err != nil {
			return req, false
		}
	}
	headerEnd := bytes.Index(req, []byte("\r\n\r\n")) + 4
	want := 0
	for _, line := range bytes.Split(req[:headerEnd], []byte("\r\n")) {
		name, value, ok := bytes.Cut(line, []byte(":"))
		if ok && bytes.EqualFold(name, []byte("content-length")) {
			want, _ = strconv.Atoi(string(bytes.TrimSpace(value)))
		}
	}
	for len(req)-headerEnd < want {
		n, err := conn.Read(buf)
		req = append(req, buf[:n]...)
		if err != nil {
			return req, false
		}
	}
	return req, true
}

// serveFixture accepts connections, reads one request each, records it,
// and answers with the canned response bytes.
func serveFixture(ln net.Listener, response string, requests chan<- []byte) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			req, ok := readFixtureRequest(c)
			if requests != nil {
				requests <- req
			}
			if !ok {
				return
			}
			c.Write([]byte(response))
		}(conn)
	}
}

// startHTTPFixture starts a plain TCP server answering every request
// with the given raw response. It returns the host:port address and a
// channel carrying the raw request bytes seen by the server.
func startHTTPFixture(t *testing.T, response string) (string, <-chan []byte) {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	requests := make(chan []byte, 16)
	go serveFixture(ln, response, requests)
	return ln.Addr().String(), requests
}

// newSelfSignedCert generates an ECDSA certificate for 127.0.0.1 and
// returns the server keypair plus a pool trusting it.
func newSelfSignedCert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "wiretrace test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		IsCA:         true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	return cert, pool
}

// startHTTPSFixture starts a TLS server answering every request with
// the given raw response and returns the address, the trusted pool,
// and the request channel.
func startHTTPSFixture(t *testing.T, response string) (string, *x509.CertPool, <-chan []byte) {
	t.Helper()
	cert, pool := newSelfSignedCert(t)
	inner, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	ln := tls.NewListener(inner, &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"http/1.1"},
	})
	t.Cleanup(func() { ln.Close() })
	requests := make(chan []byte, 16)
	go serveFixture(ln, response, requests)
	return ln.Addr().String(), pool, requests
}

// mustParseURL parses a URL or fails the test.
func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

// mustPort extracts the numeric port of a URL or fails the test.
func mustPort(t *testing.T, u *url.URL) uint16 {
	t.Helper()
	n, err := strconv.ParseUint(u.Port(), 10, 16)
	require.NoError(t, err)
	return uint16(n)
}
