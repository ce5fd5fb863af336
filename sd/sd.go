// Package sd implements the slot driver (component B): a thin layer
// above radio.Radio that runs exactly one TX, RX, scan, timer or
// fast-propagation (FS/Flick) operation at a time and reports its
// outcome as a single SlotStatus event, per spec.md §4.2.
//
// The state machine below follows the same shape as
// seedhammer.com/stepper.Driver.Run: one struct owns the single
// in-flight operation, interrupt-context callbacks only deposit data,
// and the cooperative caller picks the result up at its next yield
// point (here, a call to one of Tx/Rx.../SetTimer followed by the
// delivery of the corresponding completion through the onDone callback
// given to New).
package sd

import (
	"errors"
	"time"

	"uwbslot/devtime"
	"uwbslot/radio"
	"uwbslot/statetime"
)

// Status is the outcome of a single slot operation (spec.md §3).
type Status int

const (
	StatusNone Status = iota
	StatusRxSuccess
	StatusRxTimeout
	StatusRxError
	StatusRxMalformed
	StatusTimerEvent
	StatusTxDone
	StatusFsEmpty
	StatusFsDetected
	StatusFsDetectedAndPropagated
	StatusFsError
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "None"
	case StatusRxSuccess:
		return "RxSuccess"
	case StatusRxTimeout:
		return "RxTimeout"
	case StatusRxError:
		return "RxError"
	case StatusRxMalformed:
		return "RxMalformed"
	case StatusTimerEvent:
		return "TimerEvent"
	case StatusTxDone:
		return "TxDone"
	case StatusFsEmpty:
		return "FsEmpty"
	case StatusFsDetected:
		return "FsDetected"
	case StatusFsDetectedAndPropagated:
		return "FsDetectedAndPropagated"
	case StatusFsError:
		return "FsError"
	default:
		return "Unknown"
	}
}

// Record is the SD-to-TSM interface: the outcome of one completed
// operation (spec.md §3 SlotRecord).
type Record struct {
	SFDTime      devtime.T
	RadioStatus  radio.Status
	Status       Status
	Buffer       []byte // caller-supplied buffer, written for RX
	PayloadLen   int
	Diagnostics  radio.Diagnostics
}

// ErrScheduleLate is returned when a scheduling call's deadline has
// already passed; the caller is expected to skip the slot rather than
// retry it (spec.md §4.2, §9).
var ErrScheduleLate = radio.ErrScheduleLate

// ErrBusy is returned when an operation is requested while another is
// already in flight.
var ErrBusy = errors.New("sd: operation already in flight")

type state int

const (
	stateIdle state = iota
	stateTx
	stateRx
	stateFpEnabled
	stateFpSent
	stateTimer
)

// Driver runs a single in-flight slot operation against a radio.Radio
// and reports completion through onDone, called from the radio's
// callback context (brief, non-blocking, matching spec.md §4.1's
// requirement on radio callbacks).
type Driver struct {
	radio  radio.Radio
	onDone func(Record)

	st      state
	buf     []byte
	txLen   int
	fpSFD   devtime.T

	// Statistics (spec.md §4.2).
	Stats Stats

	// monitor is component C (statetime): a passive observer fed from
	// every scheduling call and every completion callback below, per
	// spec.md §2's "C is invoked by B and D from callbacks".
	monitor     *statetime.Monitor
	curSchedule devtime.T
	lastIdle    devtime.T
}

// Stats holds the per-SD counters named in spec.md §4.2.
type Stats struct {
	RxOK, TxOK, PHE, SFDTO, RSE, FCSE, Rej, FTO, PTO, Unknown int
}

// New creates a Driver bound to r, invoking onDone on every completion.
func New(r radio.Radio, onDone func(Record)) *Driver {
	d := &Driver{radio: r, onDone: onDone, st: stateIdle, monitor: statetime.NewMonitor()}
	r.SetCallbacks(d.onTx, d.onRx, d.onTimeout, d.onError)
	return d
}

// Monitor returns the statetime monitor fed by this driver's scheduling
// and completion calls (spec.md §2, component C).
func (d *Driver) Monitor() *statetime.Monitor {
	return d.monitor
}

// Config returns the underlying radio's current configuration, so
// callers above SD (e.g. ctf.Glossy's RxOpt slot timing) can estimate
// frame airtime without holding their own radio.Radio reference.
func (d *Driver) Config() radio.Config {
	return d.radio.Config()
}

// enterScheduledTx and enterScheduledRx record the transition into a
// scheduled operation for statetime accounting: the ticks between the
// last idle point and at are attributed to whatever bucket the monitor
// was previously in (mirrors dw1000-statetime.c's
// dw1000_statetime_schedule_tx/_rx, which stash the schedule timestamp
// the same way).
func (d *Driver) enterScheduledTx(at devtime.T) {
	d.monitor.EnterScheduledTx(int64(int32(at - d.lastIdle)))
	d.curSchedule = at
}

func (d *Driver) enterScheduledRx(at devtime.T) {
	d.monitor.EnterScheduledRx(int64(int32(at - d.lastIdle)))
	d.curSchedule = at
}

// payloadAirtimeNS estimates the on-air duration of a frameLen-byte
// frame's data portion (everything after the preamble) at cfg's PHY bit
// rate.
func payloadAirtimeNS(cfg radio.Config, frameLen int) int64 {
	if cfg.DataRate == 0 {
		return 0
	}
	return int64(frameLen) * 8 * 1_000_000_000 / int64(cfg.DataRate)
}

// finishTx attributes a completed (or Flick-propagated) transmission's
// airtime to the preamble and data buckets and returns the monitor to
// Idle.
func (d *Driver) finishTx(e radio.Event, frameLen int) {
	cfg := d.radio.Config()
	preambleTicks := int64(devtime.FromNanoseconds(int64(PreambleDuration(cfg))))
	dataTicks := int64(devtime.FromNanoseconds(payloadAirtimeNS(cfg, frameLen)))
	d.monitor.CompleteTx(preambleTicks, dataTicks)
	d.lastIdle = e.SFDTime.AddTicks(int32(dataTicks))
}

// finishRx attributes a completed reception's airtime across the
// preamble-hunt, preamble and data buckets and returns the monitor to
// Idle.
func (d *Driver) finishRx(e radio.Event, frameLen int) {
	cfg := d.radio.Config()
	preambleTicks := int64(devtime.FromNanoseconds(int64(PreambleDuration(cfg))))
	hunt := int64(int32(e.SFDTime-d.curSchedule)) - preambleTicks
	if hunt < 0 {
		hunt = 0
	}
	dataTicks := int64(devtime.FromNanoseconds(payloadAirtimeNS(cfg, frameLen)))
	d.monitor.CompleteRx(hunt, preambleTicks, dataTicks)
	d.lastIdle = e.SFDTime.AddTicks(int32(dataTicks))
}

// finishRxEmpty attributes a scheduled RX that never found anything
// (timeout, error, or Flick silence) entirely to the preamble-hunt
// bucket and returns the monitor to Idle.
func (d *Driver) finishRxEmpty(e radio.Event) {
	hunt := int64(int32(e.SFDTime - d.curSchedule))
	if hunt < 0 {
		hunt = 0
	}
	d.monitor.CompleteRx(hunt, 0, 0)
	d.lastIdle = e.SFDTime
}

// TxAt arms a transmission so its SFD leaves the antenna at sfdTime.
// payload must already have been placed in buf[:payloadLen].
func (d *Driver) TxAt(buf []byte, payloadLen int, sfdTime devtime.T) error {
	if d.st != stateIdle {
		return ErrBusy
	}
	if err := d.radio.WriteTxBuffer(buf[:payloadLen]); err != nil {
		return err
	}
	if err := d.radio.TxAt(sfdTime, radio.NoSwitchToRX); err != nil {
		return err
	}
	d.enterScheduledTx(sfdTime)
	d.st = stateTx
	d.buf = buf
	d.txLen = payloadLen
	return nil
}

// RxSlot turns the RX on at expectedSFD minus the configured preamble
// duration (the caller is expected to have already subtracted it into
// onTime), arms an absolute timeout at deadline, and arms a preamble-
// detect timeout of pacCount PACs (0 disables it).
func (d *Driver) RxSlot(buf []byte, onTime, deadline devtime.T, pacCount int) error {
	if d.st != stateIdle {
		return ErrBusy
	}
	if err := d.radio.RxSlot(onTime, deadline, pacCount); err != nil {
		return err
	}
	d.enterScheduledRx(onTime)
	d.st = stateRx
	d.buf = buf
	return nil
}

// RxUntil starts RX immediately with a timeout at deadline.
func (d *Driver) RxUntil(buf []byte, deadline devtime.T) error {
	if d.st != stateIdle {
		return ErrBusy
	}
	if err := d.radio.RxWithTimeout(deadline); err != nil {
		return err
	}
	d.enterScheduledRx(d.lastIdle)
	d.st = stateRx
	d.buf = buf
	return nil
}

// Rx starts RX immediately with no timeout (used for an initial scan).
func (d *Driver) Rx(buf []byte) error {
	if d.st != stateIdle {
		return ErrBusy
	}
	if err := d.radio.RxImmediate(); err != nil {
		return err
	}
	d.enterScheduledRx(d.lastIdle)
	d.st = stateRx
	d.buf = buf
	return nil
}

// RxFrom starts RX at rxOnTime with no timeout.
func (d *Driver) RxFrom(buf []byte, rxOnTime devtime.T) error {
	if d.st != stateIdle {
		return ErrBusy
	}
	if err := d.radio.RxDelayed(rxOnTime); err != nil {
		return err
	}
	d.enterScheduledRx(rxOnTime)
	d.st = stateRx
	d.buf = buf
	return nil
}

// SetTimer arms a 1us RX purely to generate a TimerEvent at deadline.
func (d *Driver) SetTimer(deadline devtime.T) error {
	if d.st != stateIdle {
		return ErrBusy
	}
	if err := d.radio.RxSlot(deadline.AddTicks(-devtime.FromNanoseconds(1000)), deadline, 0); err != nil {
		return err
	}
	d.enterScheduledRx(d.lastIdle)
	d.st = stateTimer
	return nil
}

// TxAtFP schedules a preamble-only (Flick) transmission.
func (d *Driver) TxAtFP(sfdTime devtime.T) error {
	if d.st != stateIdle {
		return ErrBusy
	}
	if err := d.radio.TxAtFP(sfdTime); err != nil {
		return err
	}
	d.enterScheduledTx(sfdTime)
	d.st = stateTx
	return nil
}

// RxSlotFP arms a Flick RX: SFD timeout forced to one symbol, a
// deadline, and optional sniff mode; on detecting a bare preamble the
// radio itself retransmits it inside the ISR and SD reports
// FsDetected/FsDetectedAndPropagated.
func (d *Driver) RxSlotFP(onTime, deadline devtime.T, sniff bool) error {
	if d.st != stateIdle {
		return ErrBusy
	}
	if err := d.radio.RxSlotFP(onTime, deadline, sniff); err != nil {
		return err
	}
	d.enterScheduledRx(onTime)
	d.st = stateFpEnabled
	return nil
}

func (d *Driver) onTx(e radio.Event) {
	switch d.st {
	case stateFpEnabled, stateFpSent:
		// A Flick TX completing means the ISR-level re-transmission
		// fired; report whichever of Detected/DetectedAndPropagated
		// applies. Since the simulator always propagates on preamble
		// detection, we report DetectedAndPropagated here.
		d.st = stateIdle
		d.finishTx(e, 0)
		d.deliver(Record{SFDTime: e.SFDTime, RadioStatus: e.Status, Status: StatusFsDetectedAndPropagated})
		return
	}
	d.st = stateIdle
	d.Stats.TxOK++
	d.finishTx(e, d.txLen)
	d.deliver(Record{SFDTime: e.SFDTime, RadioStatus: e.Status, Status: StatusTxDone})
}

func (d *Driver) onRx(e radio.Event) {
	n := 0
	if d.buf != nil {
		n = copy(d.buf, e.RxBuf[:e.RxLen])
		if n < e.RxLen {
			// BufferTooLarge: deliver RxMalformed, caller continues
			// (spec.md §7).
			d.st = stateIdle
			d.forceReset()
			d.finishRx(e, e.RxLen)
			d.deliver(Record{SFDTime: e.SFDTime, RadioStatus: e.Status, Status: StatusRxMalformed, Buffer: d.buf, PayloadLen: n})
			return
		}
	}
	d.st = stateIdle
	d.Stats.RxOK++
	d.finishRx(e, e.RxLen)
	d.deliver(Record{SFDTime: e.SFDTime, RadioStatus: e.Status, Status: StatusRxSuccess, Buffer: d.buf, PayloadLen: e.RxLen, Diagnostics: e.Diagnostics})
}

func (d *Driver) onTimeout(e radio.Event) {
	switch d.st {
	case stateTimer:
		d.st = stateIdle
		d.finishRxEmpty(e)
		d.deliver(Record{SFDTime: e.SFDTime, RadioStatus: e.Status, Status: StatusTimerEvent})
	case stateFpEnabled:
		// SFD timeout during Flick also triggers FP retransmission
		// (spec.md §4.2 edge-case policy) in a real chip; the
		// simulator's RxSlotFP path does not interleave a genuine
		// preamble detection separately from full reception, so a
		// plain timeout here means nothing was heard at all.
		d.st = stateIdle
		d.forceReset()
		d.Stats.PTO++
		d.finishRxEmpty(e)
		d.deliver(Record{SFDTime: e.SFDTime, RadioStatus: e.Status, Status: StatusFsEmpty})
	default:
		d.st = stateIdle
		d.forceReset()
		d.Stats.PTO++
		d.finishRxEmpty(e)
		d.deliver(Record{SFDTime: e.SFDTime, RadioStatus: e.Status, Status: StatusRxTimeout})
	}
}

func (d *Driver) onError(e radio.Event) {
	switch d.st {
	case stateFpEnabled:
		// RXPHE/FCE/RFSL while FP-armed counts as "preamble seen":
		// treat as detected (spec.md §4.2).
		d.st = stateIdle
		d.finishRx(e, 0)
		d.deliver(Record{SFDTime: e.SFDTime, RadioStatus: e.Status, Status: StatusFsDetected})
		return
	}
	d.st = stateIdle
	d.forceReset()
	d.finishRxEmpty(e)
	switch {
	case e.Status&radio.StatusRxPHE != 0:
		d.Stats.PHE++
	case e.Status&radio.StatusRxRFSL != 0:
		d.Stats.RSE++
	case e.Status&radio.StatusRxFCE != 0:
		d.Stats.FCSE++
	default:
		d.Stats.Unknown++
	}
	d.deliver(Record{SFDTime: e.SFDTime, RadioStatus: e.Status, Status: StatusRxError})
}

// forceReset runs the mandatory forcetrxoff+rxreset sequence after any
// RX error condition, before the next operation may be armed (spec.md
// §4.2).
func (d *Driver) forceReset() {
	d.radio.ForceTRxOff()
	d.radio.RxReset()
}

func (d *Driver) deliver(rec Record) {
	if d.onDone != nil {
		d.onDone(rec)
	}
}

// Cancel forcibly stops any in-flight operation and returns SD to Idle
// (spec.md §5 Cancellation); used by Restart and explicit Stop.
func (d *Driver) Cancel() {
	d.radio.ForceTRxOff()
	d.radio.RxReset()
	d.st = stateIdle
}

// PreambleDuration returns the nominal preamble duration for the
// current radio configuration, used by callers computing rx_guard_time
// offsets (spec.md §4.2 rx_slot semantics).
func PreambleDuration(cfg radio.Config) time.Duration {
	// Symbol duration depends on PRF; approximate per DW1000 datasheet
	// constants (993.59ns @16MHz PRF, 1017.63ns @64MHz PRF per symbol).
	var symbolNS float64
	if cfg.PRF == radio.PRF64MHz {
		symbolNS = 1017.63
	} else {
		symbolNS = 993.59
	}
	return time.Duration(float64(cfg.PreambleLength) * symbolNS)
}

// FrameAirtime estimates the total on-air duration (preamble plus data)
// of a frameLen-byte frame at cfg's PHY rate, the way glossy.c's
// dw1000_estimate_tx_time feeds GLOSSY_RX_OPT's rx-delay/rx-timeout
// computation.
func FrameAirtime(cfg radio.Config, frameLen int) time.Duration {
	return PreambleDuration(cfg) + time.Duration(payloadAirtimeNS(cfg, frameLen))
}
