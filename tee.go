// SPDX-License-Identifier: GPL-3.0-or-later

package wiretrace

import "io"

// Tee wraps a byte stream and records every byte read and every byte
// written through it.
//
// The writes buffer contains exactly the bytes the caller passed into
// successful writes, in call order, irrespective of how lower layers
// later framed them. The reads buffer contains exactly the bytes the
// caller consumed from the stream; bytes buffered below but not yet
// delivered are not in it.
type Tee struct {
	inner  io.ReadWriter
	reads  []byte
	writes []byte
}

// NewTee wraps inner in a recording [*Tee].
func NewTee(inner io.ReadWriter) *Tee {
	return &Tee{inner: inner}
}

// Read implements [io.Reader].
func (t *Tee) Read(p []byte) (int, error) {
	n, err := t.inner.Read(p)
	t.reads = append(t.reads, p[:n]...)
	return n, err
}

// Write implements [io.Writer].
func (t *Tee) Write(p []byte) (int, error) {
	n, err := t.inner.Write(p)
	t.writes = append(t.writes, p[:n]...)
	return n, err
}

// IntoParts consumes the Tee and yields the wrapped stream together
// with the recorded write-side and read-side captures.
func (t *Tee) IntoParts() (inner io.ReadWriter, writes, reads []byte) {
	inner, writes, reads = t.inner, t.writes, t.reads
	t.inner, t.writes, t.reads = nil, nil, nil
	return
}
