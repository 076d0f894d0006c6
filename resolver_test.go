// SPDX-License-Identifier: GPL-3.0-or-later

package wiretrace

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/bassosimone/netstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewDNSOverUDPResolver populates all fields from Config and the
// provided logger.
func TestNewDNSOverUDPResolver(t *testing.T) {
	cfg := NewConfig()
	resolver := NewDNSOverUDPResolver(cfg, DefaultSLogger())

	require.NotNil(t, resolver)
	assert.NotNil(t, resolver.Dialer)
	assert.NotNil(t, resolver.ErrClassifier)
	assert.NotNil(t, resolver.Logger)
	assert.NotNil(t, resolver.TimeNow)
	assert.NotEmpty(t, resolver.Servers)
}

// Literal IP addresses short circuit without network activity.
func TestDNSOverUDPResolverLiteralIP(t *testing.T) {
	cfg := NewConfig()
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			panic("must not dial for literal addresses")
		},
	}
	resolver := NewDNSOverUDPResolver(cfg, DefaultSLogger())

	addrs, err := resolver.LookupHost(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), addrs[0])

	addrs, err = resolver.LookupHost(context.Background(), "::1")
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.True(t, addrs[0].Is6())
}

// An invalid domain fails before any exchange.
func TestDNSOverUDPResolverInvalidDomain(t *testing.T) {
	cfg := NewConfig()
	resolver := NewDNSOverUDPResolver(cfg, DefaultSLogger())

	_, err := resolver.LookupHost(context.Background(), "exa mple.com")

	require.Error(t, err)
}

// ResolverFunc adapts plain functions.
func TestResolverFunc(t *testing.T) {
	want := []netip.Addr{netip.MustParseAddr("10.0.0.1")}
	resolver := ResolverFunc(func(ctx context.Context, domain string) ([]netip.Addr, error) {
		assert.Equal(t, "example.com", domain)
		return want, nil
	})

	got, err := resolver.LookupHost(context.Background(), "example.com")

	require.NoError(t, err)
	assert.Equal(t, want, got)
}
