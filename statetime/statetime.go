// Package statetime implements the passive statetime monitor (component
// C): it integrates per-state dwell times over six energy buckets using
// a co-running radio-to-MCU tick ratio estimator, per spec.md §4.3.
package statetime

import "sort"

// MonitorState mirrors the three states the monitor itself tracks
// between a scheduling call and its completion.
type MonitorState int

const (
	Idle MonitorState = iota
	ScheduledRx
	ScheduledTx
)

// Bucket identifies one of the six energy-accounting buckets.
type Bucket int

const (
	BucketIdle Bucket = iota
	BucketRxPreambleHunt
	BucketRxPreamble
	BucketRxData
	BucketTxPreamble
	BucketTxData
	numBuckets
)

// Totals holds the accumulated device-time (in ticks) attributed to
// each bucket.
type Totals [numBuckets]int64

// Monitor accumulates dwell times and estimates the MCU-to-radio tick
// ratio with a bounded median filter (spec.md §4.3, §9 DESIGN NOTES).
type Monitor struct {
	state MonitorState
	total Totals

	// samples holds the most recent MCU-ticks-per-radio-tick ratio
	// observations (scaled by 1e6 for integer precision), used as a
	// 9-sample median window.
	samples    [9]int64
	sampleLen  int
	sampleNext int
}

// NewMonitor returns a Monitor in the Idle state with an empty ratio
// window.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// ResetEpoch clears the ratio estimator between epochs, so stale
// samples from a prior synchronization context never bias the next
// epoch's conversions (spec.md §9 supplemented feature).
func (m *Monitor) ResetEpoch() {
	m.sampleLen = 0
	m.sampleNext = 0
}

// AddRatioSample records a new MCU-ticks-per-radio-tick observation,
// scaled by 1e6. Callers provide one whenever a well-defined MCU
// timestamp of a radio event is known: on RXRFTO, on RXPTO without
// RXPREJ, and on TXFRS of a frame whose length is known (spec.md §4.3).
func (m *Monitor) AddRatioSample(scaledRatio int64) {
	m.samples[m.sampleNext] = scaledRatio
	m.sampleNext = (m.sampleNext + 1) % len(m.samples)
	if m.sampleLen < len(m.samples) {
		m.sampleLen++
	}
}

// Ratio returns the median of the current sample window, or 0 if no
// samples have been recorded yet.
func (m *Monitor) Ratio() int64 {
	if m.sampleLen == 0 {
		return 0
	}
	tmp := append([]int64(nil), m.samples[:m.sampleLen]...)
	sort.Slice(tmp, func(i, j int) bool { return tmp[i] < tmp[j] })
	return tmp[len(tmp)/2]
}

// TicksToNS converts an MCU tick count to device-time nanoseconds using
// the current ratio estimate (spec.md §9: "expose as a pure function
// ticks_to_ns(ticks, sample_window)"). Returns 0 if no ratio is known
// yet.
func TicksToNS(ticks int64, scaledRatio int64) int64 {
	if scaledRatio == 0 {
		return 0
	}
	return ticks * scaledRatio / 1_000_000
}

// PreambleDurationNS returns TxTime(plen, 0 bytes, onlyPreamble=true):
// the nominal preamble-only transmit duration, in nanoseconds, for a
// preamble of plen symbols at the given symbol period.
func PreambleDurationNS(plen int, symbolPeriodPS int64) int64 {
	return int64(plen) * symbolPeriodPS / 1000
}

// PayloadDurationNS returns TxTime(plen, frameLen) - preambleDurationNS:
// the portion of the total frame airtime attributable to the payload
// (SFD, PHR and data), in nanoseconds.
func PayloadDurationNS(totalFrameNS, preambleNS int64) int64 {
	d := totalFrameNS - preambleNS
	if d < 0 {
		d = 0
	}
	return d
}

// EnterScheduledRx transitions the monitor to ScheduledRx, attributing
// the time since the last transition to the current state's bucket
// (BucketIdle when idle).
func (m *Monitor) EnterScheduledRx(elapsedTicks int64) {
	m.account(elapsedTicks)
	m.state = ScheduledRx
}

// EnterScheduledTx transitions the monitor to ScheduledTx.
func (m *Monitor) EnterScheduledTx(elapsedTicks int64) {
	m.account(elapsedTicks)
	m.state = ScheduledTx
}

// account attributes the elapsed ticks since the last transition to
// whatever bucket corresponds to the current state before the
// transition; Idle while genuinely idle.
func (m *Monitor) account(elapsedTicks int64) {
	switch m.state {
	case Idle:
		m.total[BucketIdle] += elapsedTicks
	case ScheduledRx:
		m.total[BucketRxPreambleHunt] += elapsedTicks
	case ScheduledTx:
		m.total[BucketTxPreamble] += elapsedTicks
	}
}

// CompleteRx attributes a completed RX's dwell time across the
// preamble-hunt, preamble and data buckets given the radio's reported
// breakdown (all in ticks), and returns the monitor to Idle.
func (m *Monitor) CompleteRx(huntTicks, preambleTicks, dataTicks int64) {
	m.total[BucketRxPreambleHunt] += huntTicks
	m.total[BucketRxPreamble] += preambleTicks
	m.total[BucketRxData] += dataTicks
	m.state = Idle
}

// CompleteTx attributes a completed TX's dwell time across the
// preamble and data buckets, and returns the monitor to Idle.
func (m *Monitor) CompleteTx(preambleTicks, dataTicks int64) {
	m.total[BucketTxPreamble] += preambleTicks
	m.total[BucketTxData] += dataTicks
	m.state = Idle
}

// Totals returns the accumulated per-bucket dwell times.
func (m *Monitor) Totals() Totals {
	return m.total
}

// Sum returns the sum of all six buckets, which spec.md §8 property 10
// requires to equal the length of the monitored interval within the
// resolution of the ratio estimator.
func (t Totals) Sum() int64 {
	var s int64
	for _, v := range t {
		s += v
	}
	return s
}
