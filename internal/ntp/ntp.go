// Package ntp converts between wall clock time and 64-bit NTP timestamps.
//
// Timestamps use the RFC 2030 convention for the 2036 rollover: when the most
// significant bit of the seconds field is set the value counts from
// 1900-01-01, otherwise it counts from 2036-02-07T06:28:16Z (era 1).
// Wall clock values before 1968-01-20 are not representable.
package ntp

import (
	"math"
	"time"
)

const (
	// unix epoch expressed in milliseconds since 1900-01-01
	unixEpochMillis int64 = 2208988800000
	// unix time in milliseconds at which the 32-bit seconds field wraps
	eraOneMillis int64 = 2085978496000

	eraZeroBit = 0x80000000
)

// FromMillis converts unix time in milliseconds to an NTP timestamp.
func FromMillis(ms int64) uint64 {
	base := ms - eraOneMillis
	if ms < eraOneMillis {
		base = ms + unixEpochMillis
	}

	seconds := uint64(base / 1000)
	fraction := (uint64(base%1000) << 32) / 1000

	return seconds<<32 | fraction
}

// ToMillis converts an NTP timestamp to unix time in milliseconds.
// The fractional part is rounded to the nearest millisecond.
func ToMillis(ts uint64) int64 {
	seconds := int64(ts >> 32)
	fraction := int64(math.Round(1000.0 * float64(ts&0xFFFFFFFF) / (1 << 32)))

	if seconds&eraZeroBit != 0 {
		return seconds*1000 + fraction - unixEpochMillis
	}
	return eraOneMillis + seconds*1000 + fraction
}

// Encode converts t to an NTP timestamp with sub-millisecond precision.
func Encode(t time.Time) uint64 {
	ns := t.UnixNano()
	base := ns - eraOneMillis*int64(time.Millisecond)
	if ns < eraOneMillis*int64(time.Millisecond) {
		base = ns + unixEpochMillis*int64(time.Millisecond)
	}

	seconds := uint64(base / int64(time.Second))
	fraction := uint64(math.Round(float64(base%int64(time.Second)) * (1 << 32) / float64(time.Second)))
	if fraction > 0xFFFFFFFF {
		fraction = 0xFFFFFFFF
	}

	return seconds<<32 | fraction
}

// Decode converts an NTP timestamp back to wall clock time.
func Decode(ts uint64) time.Time {
	seconds := int64(ts >> 32)
	nanos := int64(math.Round(float64(ts&0xFFFFFFFF) * float64(time.Second) / (1 << 32)))

	if seconds&eraZeroBit != 0 {
		return time.Unix(seconds-unixEpochMillis/1000, nanos)
	}
	return time.Unix(eraOneMillis/1000+seconds, nanos)
}

// Seconds returns the integer NTP seconds for t, as used by SDP "t=" lines.
func Seconds(t time.Time) uint64 {
	return FromMillis(t.UnixMilli()) >> 32
}
