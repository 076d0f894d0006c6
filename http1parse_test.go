// SPDX-License-Identifier: GPL-3.0-or-later

package wiretrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A complete header parses with the exact body boundary.
func TestParseHTTP1HeaderComplete(t *testing.T) {
	raw := []byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")

	hdr, complete, err := parseHTTP1Header(raw)

	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, "HTTP/1.1", string(hdr.Protocol))
	assert.Equal(t, uint16(200), hdr.StatusCode)
	assert.Equal(t, "OK", string(hdr.Reason))
	require.Len(t, hdr.Headers, 1)
	assert.Equal(t, "Content-Length", hdr.Headers[0].Name.String())
	assert.Equal(t, "5", hdr.Headers[0].Value.String())
	assert.Equal(t, []byte("hello"), raw[hdr.BodyStart:])
	assert.Equal(t, int64(5), hdr.contentLength())
}

// A partial header asks for more data without error; growing the
// buffer converges on the same boundary.
func TestParseHTTP1HeaderIncremental(t *testing.T) {
	full := []byte("HTTP/1.1 204 No Content\r\nServer: x\r\n\r\n")
	for cut := 0; cut < len(full); cut++ {
		hdr, complete, err := parseHTTP1Header(full[:cut])
		require.NoError(t, err, "cut=%d", cut)
		assert.False(t, complete, "cut=%d", cut)
		assert.Nil(t, hdr, "cut=%d", cut)
	}

	hdr, complete, err := parseHTTP1Header(full)
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, len(full), hdr.BodyStart)
	assert.Equal(t, uint16(204), hdr.StatusCode)
}

// Bare LF line endings are accepted.
func TestParseHTTP1HeaderPermissiveLF(t *testing.T) {
	raw := []byte("HTTP/1.0 301 Moved\nLocation: /new\n\nrest")

	hdr, complete, err := parseHTTP1Header(raw)

	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, "HTTP/1.0", string(hdr.Protocol))
	assert.Equal(t, "/new", hdr.Headers[0].Value.String())
	assert.Equal(t, []byte("rest"), raw[hdr.BodyStart:])
}

// Header order and duplicate names are preserved byte for byte.
func TestParseHTTP1HeaderOrderAndDuplicates(t *testing.T) {
	raw := []byte("HTTP/1.1 200 OK\r\nSet-Cookie: a=1\r\nX-Thing: Zz\r\nSet-Cookie: b=2\r\n\r\n")

	hdr, complete, err := parseHTTP1Header(raw)

	require.NoError(t, err)
	require.True(t, complete)
	require.Len(t, hdr.Headers, 3)
	assert.Equal(t, "Set-Cookie", hdr.Headers[0].Name.String())
	assert.Equal(t, "a=1", hdr.Headers[0].Value.String())
	assert.Equal(t, "X-Thing", hdr.Headers[1].Name.String())
	assert.Equal(t, "Set-Cookie", hdr.Headers[2].Name.String())
	assert.Equal(t, "b=2", hdr.Headers[2].Value.String())
}

// A reason phrase is optional.
func TestParseHTTP1HeaderNoReason(t *testing.T) {
	hdr, complete, err := parseHTTP1Header([]byte("HTTP/1.1 404\r\n\r\n"))

	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, uint16(404), hdr.StatusCode)
	assert.Empty(t, hdr.Reason)
}

// Garbage instead of a status line fails.
func TestParseHTTP1HeaderGarbage(t *testing.T) {
	_, _, err := parseHTTP1Header([]byte("HELLO\r\n\r\n"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid status line")
}

// A header line without a colon fails.
func TestParseHTTP1HeaderMalformedHeader(t *testing.T) {
	_, _, err := parseHTTP1Header([]byte("HTTP/1.1 200 OK\r\nnocolonhere\r\n\r\n"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed header line")
}

// A non-numeric status code fails.
func TestParseHTTP1HeaderBadStatusCode(t *testing.T) {
	_, _, err := parseHTTP1Header([]byte("HTTP/1.1 abc OK\r\n\r\n"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid status code")
}

// contentLength handles absent and malformed values.
func TestHTTP1HeaderContentLength(t *testing.T) {
	hdr := &http1Header{Headers: []HeaderPair{
		{Name: MaybeUtf8("X"), Value: MaybeUtf8("y")},
	}}
	assert.Equal(t, int64(-1), hdr.contentLength())

	hdr.Headers = append(hdr.Headers, HeaderPair{
		Name: MaybeUtf8("CONTENT-length"), Value: MaybeUtf8(" 42 "),
	})
	assert.Equal(t, int64(42), hdr.contentLength())

	hdr.Headers[1].Value = MaybeUtf8("nope")
	assert.Equal(t, int64(-1), hdr.contentLength())
}
