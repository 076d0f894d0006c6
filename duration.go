// SPDX-License-Identifier: GPL-3.0-or-later

package wiretrace

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a [time.Duration] that serializes as an ISO-8601 duration.
//
// Encoding uses the time designators only (PT1H2M3.000004S) and
// preserves microsecond precision on round trip. Durations in recorded
// traces are measured with the monotonic clock and are never negative.
type Duration time.Duration

// Std returns the duration as a [time.Duration].
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String returns the ISO-8601 rendering of the duration.
func (d Duration) String() string {
	micros := time.Duration(d).Microseconds()
	if micros <= 0 {
		return "PT0S"
	}
	var sb strings.Builder
	sb.WriteString("PT")
	hours := micros / 3_600_000_000
	micros -= hours * 3_600_000_000
	mins := micros / 60_000_000
	micros -= mins * 60_000_000
	secs := micros / 1_000_000
	micros -= secs * 1_000_000
	if hours > 0 {
		fmt.Fprintf(&sb, "%dH", hours)
	}
	if mins > 0 {
		fmt.Fprintf(&sb, "%dM", mins)
	}
	if secs > 0 || micros > 0 || (hours == 0 && mins == 0) {
		if micros > 0 {
			frac := strings.TrimRight(fmt.Sprintf("%06d", micros), "0")
			fmt.Fprintf(&sb, "%d.%sS", secs, frac)
		} else {
			fmt.Fprintf(&sb, "%dS", secs)
		}
	}
	return sb.String()
}

// ParseDuration parses an ISO-8601 duration restricted to the
// time designators (hours, minutes, seconds).
func ParseDuration(s string) (Duration, error) {
	rest, ok := strings.CutPrefix(s, "PT")
	if !ok {
		return 0, fmt.Errorf("invalid ISO-8601 duration: %q", s)
	}
	if rest == "" {
		return 0, fmt.Errorf("invalid ISO-8601 duration: %q", s)
	}
	var total time.Duration
	for rest != "" {
		idx := strings.IndexAny(rest, "HMS")
		if idx < 0 {
			return 0, fmt.Errorf("invalid ISO-8601 duration: %q", s)
		}
		value, designator := rest[:idx], rest[idx]
		rest = rest[idx+1:]
		switch designator {
		case 'H':
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid ISO-8601 duration: %q", s)
			}
			total += time.Duration(n) * time.Hour
		case 'M':
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid ISO-8601 duration: %q", s)
			}
			total += time.Duration(n) * time.Minute
		case 'S':
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid ISO-8601 duration: %q", s)
			}
			total += time.Duration(f * float64(time.Second))
		}
	}
	// Round to microseconds so parse(format(d)) is exact.
	return Duration(total.Round(time.Microsecond)), nil
}

// MarshalJSON implements [json.Marshaler].
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements [json.Unmarshaler].
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// durationPtr converts a [time.Duration] into an optional [Duration].
func durationPtr(d time.Duration) *Duration {
	v := Duration(d)
	return &v
}
