// SPDX-License-Identifier: GPL-3.0-or-later

package wiretrace

import (
	"crypto/x509"
	"net"
	"time"
)

// Config holds common configuration for wiretrace operations.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used to establish leaf TCP connections and the UDP
	// connections used by [*DNSOverUDPResolver].
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// Resolver resolves destination hostnames before dialing.
	//
	// Set by [NewConfig] to a [*DNSOverUDPResolver] using the
	// name servers configured in /etc/resolv.conf.
	Resolver Resolver

	// RootCAs optionally replaces the trust store used to validate
	// TLS server certificates.
	//
	// Left nil by [NewConfig], which means the system roots.
	RootCAs *x509.CertPool

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	cfg := &Config{
		Dialer:        &net.Dialer{},
		ErrClassifier: DefaultErrClassifier,
		Resolver:      nil,
		RootCAs:       nil,
		TimeNow:       time.Now,
	}
	cfg.Resolver = NewDNSOverUDPResolver(cfg, DefaultSLogger())
	return cfg
}
