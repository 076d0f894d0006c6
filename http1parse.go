// SPDX-License-Identifier: GPL-3.0-or-later

package wiretrace

import (
	"bytes"
	"fmt"
	"strconv"
)

// http1MaxHeaderBytes bounds the response header accumulator.
const http1MaxHeaderBytes = 64 * 1024

// http1Header is a parsed HTTP/1 response header.
type http1Header struct {
	// Protocol is the version token from the status line (e.g. "HTTP/1.1").
	Protocol []byte

	// StatusCode is the parsed status code.
	StatusCode uint16

	// Reason is the reason phrase, possibly empty.
	Reason []byte

	// Headers preserves name/value bytes and order exactly as received.
	Headers []HeaderPair

	// BodyStart is the offset of the first body byte in the parsed buffer.
	BodyStart int
}

// contentLength returns the value of the first case-insensitive
// Content-Length header, or -1 when absent or unparsable.
func (h *http1Header) contentLength() int64 {
	for _, pair := range h.Headers {
		if !bytes.EqualFold(pair.Name, []byte("content-length")) {
			continue
		}
		n, err := strconv.ParseInt(string(bytes.TrimSpace(pair.Value)), 10, 64)
		if err != nil || n < 0 {
			return -1
		}
		return n
	}
	return -1
}

// parseHTTP1Header incrementally parses a response header from the
// accumulated buffer.
//
// The parser is deliberately permissive: lines may end with LF alone,
// the reason phrase is optional, and header values keep their bytes
// untouched apart from the leading-space trim after the colon. It
// returns (nil, false, nil) when more data is needed; reparsing a
// grown buffer never changes an already-determined header/body
// boundary.
func parseHTTP1Header(buf []byte) (*http1Header, bool, error) {
	rest := buf
	line, rest, ok := cutLine(rest)
	if !ok {
		return nil, false, nil
	}

	proto, tail, _ := bytes.Cut(line, []byte(" "))
	if !bytes.HasPrefix(proto, []byte("HTTP/")) {
		return nil, false, fmt.Errorf("invalid status line: %q", line)
	}
	codeBytes, reason, _ := bytes.Cut(tail, []byte(" "))
	code, err := strconv.ParseUint(string(codeBytes), 10, 16)
	if err != nil {
		return nil, false, fmt.Errorf("invalid status code: %q", codeBytes)
	}

	hdr := &http1Header{
		Protocol:   proto,
		StatusCode: uint16(code),
		Reason:     reason,
	}
	for {
		line, tail, ok := cutLine(rest)
		if !ok {
			return nil, false, nil
		}
		rest = tail
		if len(line) == 0 {
			hdr.BodyStart = len(buf) - len(rest)
			return hdr, true, nil
		}
		name, value, found := bytes.Cut(line, []byte(":"))
		if !found {
			return nil, false, fmt.Errorf("malformed header line: %q", line)
		}
		hdr.Headers = append(hdr.Headers, HeaderPair{
			Name:  MaybeUtf8(name),
			Value: MaybeUtf8(bytes.TrimLeft(value, " \t")),
		})
	}
}

// cutLine splits off the next line, accepting both CRLF and bare LF
// endings. The returned line excludes the terminator.
func cutLine(buf []byte) (line, rest []byte, ok bool) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		return nil, buf, false
	}
	line = buf[:idx]
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line, buf[idx+1:], true
}
