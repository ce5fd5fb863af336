// Package devtime implements the radio's 32-bit device-time counter and
// its modular (wrap-safe) arithmetic.
//
// DeviceTime32 is the upper 32 bits of the DW1000's 40-bit system-time
// counter: it advances roughly every 4.0064 ns and wraps after about 17
// seconds. Because it wraps, ordering between two timestamps is only
// well defined within half the wrap period of each other; comparisons
// below are implemented with the same signed-subtraction trick the spec
// prescribes rather than plain integer comparison.
package devtime

import "time"

// tickNum/tickDen is the nominal radio tick period in nanoseconds
// (~4.0064ns), expressed as a rational approximation to avoid floating point drift
// in repeated conversions.
const (
	tickNum = 40064
	tickDen = 10000
)

// T is a device-time value: the upper 32 bits of the radio's 40-bit
// system-time counter.
type T uint32

// MaxForward is approximately half the wrap period; a deadline more than
// this far ahead of "now" cannot be reliably scheduled (spec.md §3).
const MaxForward = T(1 << 31)

// Sub returns t - u, interpreted modularly: the result is the signed
// difference that would make (int32)(t-u) meaningful, returned as a
// time.Duration at the nominal tick rate.
func (t T) Sub(u T) time.Duration {
	diff := int32(t - u)
	return time.Duration(diff) * tickNum * time.Nanosecond / tickDen
}

// After reports whether t is ordered after u, i.e. (int32)(t-u) > 0.
func (t T) After(u T) bool {
	return int32(t-u) > 0
}

// Before reports whether t is ordered before u.
func (t T) Before(u T) bool {
	return int32(t-u) < 0
}

// Add returns t advanced by d, truncating toward zero to a whole tick.
func (t T) Add(d time.Duration) T {
	ticks := int64(d) * tickDen / tickNum
	return t + T(int32(ticks))
}

// AddTicks returns t advanced by ticks device-time units directly
// (positive or negative), used throughout tsm/ctf/crystal/weaver where
// durations are already expressed as raw tick counts rather than
// time.Duration.
func (t T) AddTicks(ticks int32) T {
	return t + T(uint32(ticks))
}

// FromNanoseconds converts a nanosecond count to a tick count.
func FromNanoseconds(ns int64) int32 {
	return int32(ns * tickDen / tickNum)
}

// ToNanoseconds converts a tick count to nanoseconds.
func ToNanoseconds(ticks int32) int64 {
	return int64(ticks) * tickNum / tickDen
}

// Reachable reports whether deadline lies within MaxForward of now, i.e.
// whether it is safe to arm a radio operation for that deadline (spec.md
// §3: "Each operation's deadline must lie within ~half the wrap period
// of now").
func Reachable(now, deadline T) bool {
	delta := deadline - now
	return delta < MaxForward
}
