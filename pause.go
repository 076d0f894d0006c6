// SPDX-License-Identifier: GPL-3.0-or-later

package wiretrace

import (
	"context"
	"io"
	"sort"
	"time"
)

// PauseValue describes a single planned pause within a phase.
type PauseValue struct {
	// Duration is how long to suspend.
	Duration Duration `json:"duration"`

	// Offset is the byte count within the phase at which the
	// pause fires, relative to the owning pause point.
	Offset int64 `json:"offset,omitempty"`
}

// PausePoints groups the pauses declared at the start and at the
// end of a protocol phase.
type PausePoints struct {
	Start []PauseValue `json:"start,omitempty"`
	End   []PauseValue `json:"end,omitempty"`
}

// PauseValueOutput records a pause that actually happened.
type PauseValueOutput struct {
	// Duration is the achieved pause duration.
	Duration Duration `json:"duration"`

	// Offset is the absolute byte offset within the phase at
	// which the pause fired.
	Offset int64 `json:"offset"`
}

// PauseSpec binds a list of planned pauses to an absolute byte offset
// within the current epoch of a [*PauseStream] direction.
//
// Each planned value fires at GroupOffset + value.Offset. Offsets must
// be monotonically nondecreasing across the specs of one direction.
type PauseSpec struct {
	// Plan is the list of planned pauses for this point.
	Plan []PauseValue

	// GroupOffset anchors the point within the stream direction.
	GroupOffset int64
}

// pendingPause is a flattened, scheduled pause.
type pendingPause struct {
	at       int64
	duration time.Duration
	group    int
}

// pauseDirection tracks one direction (reads or writes) of a
// [*PauseStream]: the cumulative byte counter for the current epoch,
// the scheduled pauses, and the observations recorded so far.
type pauseDirection struct {
	count    int64
	pending  []pendingPause
	observed [][]PauseValueOutput
}

// install replaces the direction's schedule and restarts the epoch.
func (pd *pauseDirection) install(specs []PauseSpec) {
	pd.count = 0
	pd.pending = nil
	pd.observed = make([][]PauseValueOutput, len(specs))
	for group, spec := range specs {
		for _, value := range spec.Plan {
			pd.pending = append(pd.pending, pendingPause{
				at:       spec.GroupOffset + value.Offset,
				duration: value.Duration.Std(),
				group:    group,
			})
		}
	}
	sort.SliceStable(pd.pending, func(i, j int) bool {
		return pd.pending[i].at < pd.pending[j].at
	})
}

// nextBoundary returns the offset of the first unfired pause beyond the
// current counter, or -1 when none remains.
func (pd *pauseDirection) nextBoundary() int64 {
	if len(pd.pending) == 0 {
		return -1
	}
	return pd.pending[0].at
}

// PauseStream wraps a byte stream and injects timed pauses at declared
// byte offsets on the read and write sides, recording the achieved
// pause durations.
//
// Before completing a read (or write) that would advance the cumulative
// byte counter of that direction past a scheduled offset, the stream
// first moves bytes up to exactly that offset, then suspends for at
// least the planned duration, then continues. Pauses never cause byte
// loss or reordering; a zero-duration pause is a no-op but is still
// recorded.
//
// Suspension yields to the runtime timer and honors cancellation of the
// context passed to [NewPauseStream].
type PauseStream struct {
	ctx     context.Context
	inner   io.ReadWriter
	reads   pauseDirection
	timeNow func() time.Time
	writes  pauseDirection
}

// NewPauseStream wraps inner with the given write-side and read-side
// pause schedules. The timeNow function measures achieved durations
// and is configurable for testing.
func NewPauseStream(ctx context.Context, inner io.ReadWriter,
	writes, reads []PauseSpec, timeNow func() time.Time) *PauseStream {
	ps := &PauseStream{
		ctx:     ctx,
		inner:   inner,
		reads:   pauseDirection{},
		timeNow: timeNow,
		writes:  pauseDirection{},
	}
	ps.writes.install(writes)
	ps.reads.install(reads)
	return ps
}

// Reset atomically replaces the pending pause schedules of both
// directions and returns the observations accumulated so far, grouped
// per spec in the order the specs were installed. Byte counters restart
// from zero: protocol layers use this to switch pause groups between
// phases.
func (ps *PauseStream) Reset(writes, reads []PauseSpec) (writesOut, readsOut [][]PauseValueOutput) {
	writesOut = ps.writes.observed
	readsOut = ps.reads.observed
	ps.writes.install(writes)
	ps.reads.install(reads)
	return
}

// Inner returns the wrapped stream.
func (ps *PauseStream) Inner() io.ReadWriter {
	return ps.inner
}

// fire sleeps for every pending pause scheduled at or before the
// direction's current counter and records the achieved durations.
func (ps *PauseStream) fire(pd *pauseDirection) error {
	for len(pd.pending) > 0 && pd.pending[0].at <= pd.count {
		next := pd.pending[0]
		pd.pending = pd.pending[1:]
		elapsed, err := sleepContext(ps.ctx, next.duration, ps.timeNow)
		pd.observed[next.group] = append(pd.observed[next.group], PauseValueOutput{
			Duration: Duration(elapsed),
			Offset:   next.at,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Write implements [io.Writer].
func (ps *PauseStream) Write(p []byte) (int, error) {
	total := 0
	for {
		if err := ps.fire(&ps.writes); err != nil {
			return total, err
		}
		if len(p) == 0 {
			return total, nil
		}
		chunk := p
		if bound := ps.writes.nextBoundary(); bound >= 0 {
			if room := bound - ps.writes.count; int64(len(chunk)) > room {
				chunk = chunk[:room]
			}
		}
		n, err := ps.inner.Write(chunk)
		ps.writes.count += int64(n)
		total += n
		p = p[n:]
		if err != nil {
			return total, err
		}
	}
}

// Read implements [io.Reader].
func (ps *PauseStream) Read(p []byte) (int, error) {
	if err := ps.fire(&ps.reads); err != nil {
		return 0, err
	}
	if bound := ps.reads.nextBoundary(); bound >= 0 {
		if room := bound - ps.reads.count; room > 0 && int64(len(p)) > room {
			p = p[:room]
		}
	}
	n, err := ps.inner.Read(p)
	ps.reads.count += int64(n)
	if err != nil {
		return n, err
	}
	if err := ps.fire(&ps.reads); err != nil {
		return n, err
	}
	return n, nil
}

// sleepContext suspends for the given duration, yielding to the runtime
// timer, and returns the elapsed time. It returns early with the
// context error when the context is done first.
func sleepContext(ctx context.Context, d time.Duration, timeNow func() time.Time) (time.Duration, error) {
	t0 := timeNow()
	if d <= 0 {
		return timeNow().Sub(t0), nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return timeNow().Sub(t0), nil
	case <-ctx.Done():
		return timeNow().Sub(t0), ctx.Err()
	}
}
