// SPDX-License-Identifier: GPL-3.0-or-later

package wiretrace

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStream is an in-memory io.ReadWriter backed by two buffers.
type memStream struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func newMemStream(input []byte) *memStream {
	return &memStream{in: bytes.NewReader(input)}
}

func (s *memStream) Read(p []byte) (int, error) {
	return s.in.Read(p)
}

func (s *memStream) Write(p []byte) (int, error) {
	return s.out.Write(p)
}

// A write pause at a mid-stream offset suspends for at least the
// planned duration and records the achieved duration at that offset.
func TestPauseStreamWriteOffset(t *testing.T) {
	inner := newMemStream(nil)
	ps := NewPauseStream(context.Background(), inner, []PauseSpec{
		{Plan: []PauseValue{{Duration: Duration(30 * time.Millisecond)}}, GroupOffset: 5},
	}, nil, time.Now)

	t0 := time.Now()
	n, err := ps.Write([]byte("hello world"))
	elapsed := time.Since(t0)

	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, "hello world", inner.out.String())
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)

	writes, _ := ps.Reset(nil, nil)
	require.Len(t, writes, 1)
	require.Len(t, writes[0], 1)
	assert.Equal(t, int64(5), writes[0][0].Offset)
	assert.GreaterOrEqual(t, writes[0][0].Duration.Std(), 30*time.Millisecond)
}

// A pause at the exact end offset fires once the final byte has been
// delivered, still within the same write call.
func TestPauseStreamWriteEndOffset(t *testing.T) {
	inner := newMemStream(nil)
	header := []byte("GET / HTTP/1.1\r\n\r\n")
	ps := NewPauseStream(context.Background(), inner, []PauseSpec{
		{Plan: []PauseValue{{Duration: Duration(25 * time.Millisecond)}}, GroupOffset: int64(len(header))},
	}, nil, time.Now)

	t0 := time.Now()
	_, err := ps.Write(header)
	elapsed := time.Since(t0)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
	assert.Equal(t, header, inner.out.Bytes())
}

// Zero-duration pauses are no-ops but still recorded.
func TestPauseStreamZeroDuration(t *testing.T) {
	inner := newMemStream(nil)
	ps := NewPauseStream(context.Background(), inner, []PauseSpec{
		{Plan: []PauseValue{{Duration: 0}}, GroupOffset: 0},
	}, nil, time.Now)

	_, err := ps.Write([]byte("x"))
	require.NoError(t, err)

	writes, _ := ps.Reset(nil, nil)
	require.Len(t, writes[0], 1)
	assert.Equal(t, int64(0), writes[0][0].Offset)
}

// Read-side pauses fire in offset order without byte loss.
func TestPauseStreamReadPauses(t *testing.T) {
	inner := newMemStream([]byte("0123456789"))
	ps := NewPauseStream(context.Background(), inner, nil, []PauseSpec{
		{Plan: []PauseValue{{Duration: Duration(10 * time.Millisecond)}}, GroupOffset: 4},
	}, time.Now)

	got, err := io.ReadAll(readerFunc(ps.Read))

	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))

	_, reads := ps.Reset(nil, nil)
	require.Len(t, reads, 1)
	require.Len(t, reads[0], 1)
	assert.Equal(t, int64(4), reads[0][0].Offset)
}

// Reset returns the observations grouped per installed spec and
// restarts the byte counter for the next phase.
func TestPauseStreamResetEpochs(t *testing.T) {
	inner := newMemStream(nil)
	ps := NewPauseStream(context.Background(), inner, []PauseSpec{
		{Plan: []PauseValue{{Duration: 0}}, GroupOffset: 0},
		{Plan: []PauseValue{{Duration: 0}}, GroupOffset: 3},
	}, nil, time.Now)

	_, err := ps.Write([]byte("abc"))
	require.NoError(t, err)

	writes, _ := ps.Reset([]PauseSpec{
		{Plan: []PauseValue{{Duration: 0}}, GroupOffset: 2},
	}, nil)
	require.Len(t, writes, 2)
	assert.Equal(t, int64(0), writes[0][0].Offset)
	assert.Equal(t, int64(3), writes[1][0].Offset)

	// New epoch: the counter restarts at zero.
	_, err = ps.Write([]byte("de"))
	require.NoError(t, err)
	writes, _ = ps.Reset(nil, nil)
	require.Len(t, writes, 1)
	assert.Equal(t, int64(2), writes[0][0].Offset)
	assert.Equal(t, "abcde", inner.out.String())
}

// Cancelling the context interrupts a pending pause.
func TestPauseStreamContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inner := newMemStream(nil)
	ps := NewPauseStream(ctx, inner, []PauseSpec{
		{Plan: []PauseValue{{Duration: Duration(10 * time.Second)}}, GroupOffset: 0},
	}, nil, time.Now)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	t0 := time.Now()
	_, err := ps.Write([]byte("x"))

	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(t0), 5*time.Second)
}
