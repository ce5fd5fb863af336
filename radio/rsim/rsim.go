// Package rsim is an in-process software simulator of the radio
// abstraction, used by tests and cmd/uwbslot-sim to exercise sd, tsm and
// the protocol engines without hardware. It plays the role
// seedhammer.com/driver/mjolnir's Simulator plays for the engraver: a
// goroutine that answers scheduling requests against a virtual clock and
// delivers completion callbacks the way a real interrupt would.
package rsim

import (
	"sync"
	"time"

	"uwbslot/devtime"
	"uwbslot/radio"
)

// Medium couples any number of Radios together: a TX scheduled on one
// Radio is delivered, stamped with its own SFD time and with no
// propagation delay, to every other Radio that has an RX operation armed
// when the TX fires; the RX-on time of that operation is not checked.
// There is no collision model: if two nodes TX in overlapping windows, a
// listener simply receives whichever frame fires first while its RX is
// armed, which is sufficient to exercise Glossy/
// Crystal/Weaver's own validation and hear-the-first-copy rules.
type Medium struct {
	mu    sync.Mutex
	nodes map[*Radio]struct{}
}

// NewMedium creates an empty shared medium.
func NewMedium() *Medium {
	return &Medium{nodes: make(map[*Radio]struct{})}
}

func (m *Medium) join(r *Radio) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[r] = struct{}{}
}

func (m *Medium) leave(r *Radio) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, r)
}

func (m *Medium) transmit(from *Radio, sfd devtime.T, payload []byte) {
	m.mu.Lock()
	recipients := make([]*Radio, 0, len(m.nodes))
	for r := range m.nodes {
		if r != from {
			recipients = append(recipients, r)
		}
	}
	m.mu.Unlock()
	for _, r := range recipients {
		r.deliver(sfd, payload)
	}
}

type opKind int

const (
	opNone opKind = iota
	opTx
	opTxFP
	opRx
	opRxDelayed
	opRxTimeout
	opRxSlot
	opRxSlotFP
)

// Radio is a simulated transceiver. The zero value is not usable; use
// New.
type Radio struct {
	medium *Medium
	cfg    radio.Config

	mu      sync.Mutex
	op      opKind
	onTime  devtime.T
	deadline devtime.T
	hasDL   bool
	pacCnt  int
	sniff   bool
	rxAfter time.Duration
	txBuf   []byte
	rxBuf   []byte
	rxLen   int
	sfd     devtime.T
	diag    radio.Diagnostics

	preambleSeen bool

	txCB, rxCB, toCB, errCB radio.Callback

	clock  func() devtime.T
	timers []*simTimer

	rxOK, txOK, phe, sfdto, rse, fcse, rej, fto, pto, unknown int
}

type simTimer struct {
	at devtime.T
	fn func()
}

// New creates a simulated radio attached to medium, using clock as the
// virtual device-time source (tests typically drive a manual clock;
// cmd/uwbslot-sim uses a real-time-derived one).
func New(medium *Medium, clock func() devtime.T) *Radio {
	r := &Radio{medium: medium, clock: clock}
	medium.join(r)
	return r
}

// Close removes the radio from its medium.
func (r *Radio) Close() {
	r.medium.leave(r)
}

func (r *Radio) Configure(cfg radio.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	return nil
}

func (r *Radio) Config() radio.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

func (r *Radio) SetCallbacks(tx, rx, to, err radio.Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txCB, r.rxCB, r.toCB, r.errCB = tx, rx, to, err
}

func (r *Radio) WriteTxBuffer(buf []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txBuf = append(r.txBuf[:0], buf...)
	return nil
}

func (r *Radio) TxAt(sfd devtime.T, rxAfter time.Duration) error {
	r.mu.Lock()
	now := r.clock()
	if !devtime.Reachable(now, sfd) || sfd.Before(now) {
		r.mu.Unlock()
		return radio.ErrScheduleLate
	}
	r.op = opTx
	r.rxAfter = rxAfter
	payload := append([]byte(nil), r.txBuf...)
	r.mu.Unlock()
	r.scheduleAt(sfd, func() { r.completeTx(sfd, payload) })
	return nil
}

func (r *Radio) TxAtFP(sfd devtime.T) error {
	r.mu.Lock()
	now := r.clock()
	if !devtime.Reachable(now, sfd) || sfd.Before(now) {
		r.mu.Unlock()
		return radio.ErrScheduleLate
	}
	r.op = opTxFP
	r.mu.Unlock()
	r.scheduleAt(sfd, func() { r.completeTx(sfd, []byte{0, 0, 0}) })
	return nil
}

func (r *Radio) completeTx(sfd devtime.T, payload []byte) {
	r.mu.Lock()
	r.txOK++
	r.sfd = sfd
	cb := r.txCB
	rxAfter := r.rxAfter
	r.op = opNone
	r.mu.Unlock()
	r.medium.transmit(r, sfd, payload)
	if rxAfter >= 0 {
		r.RxDelayed(sfd.Add(rxAfter))
	}
	if cb != nil {
		cb(radio.Event{Status: radio.StatusTxFRS, SFDTime: sfd})
	}
}

func (r *Radio) RxImmediate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.op = opRx
	r.hasDL = false
	r.preambleSeen = false
	return nil
}

func (r *Radio) RxDelayed(onTime devtime.T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.op = opRxDelayed
	r.onTime = onTime
	r.hasDL = false
	r.preambleSeen = false
	return nil
}

func (r *Radio) RxWithTimeout(deadline devtime.T) error {
	r.mu.Lock()
	now := r.clock()
	if !devtime.Reachable(now, deadline) {
		r.mu.Unlock()
		return radio.ErrScheduleLate
	}
	r.op = opRxTimeout
	r.deadline = deadline
	r.hasDL = true
	r.preambleSeen = false
	r.mu.Unlock()
	r.scheduleAt(deadline, func() { r.timeoutFire(false) })
	return nil
}

func (r *Radio) RxSlot(onTime, deadline devtime.T, pacCount int) error {
	r.mu.Lock()
	now := r.clock()
	if !devtime.Reachable(now, deadline) {
		r.mu.Unlock()
		return radio.ErrScheduleLate
	}
	r.op = opRxSlot
	r.onTime = onTime
	r.deadline = deadline
	r.hasDL = true
	r.pacCnt = pacCount
	r.preambleSeen = false
	r.mu.Unlock()
	r.scheduleAt(deadline, func() { r.timeoutFire(false) })
	return nil
}

func (r *Radio) RxSlotFP(onTime, deadline devtime.T, sniff bool) error {
	r.mu.Lock()
	now := r.clock()
	if !devtime.Reachable(now, deadline) {
		r.mu.Unlock()
		return radio.ErrScheduleLate
	}
	r.op = opRxSlotFP
	r.onTime = onTime
	r.deadline = deadline
	r.hasDL = true
	r.sniff = sniff
	r.preambleSeen = false
	r.mu.Unlock()
	r.scheduleAt(deadline, func() { r.timeoutFire(true) })
	return nil
}

func (r *Radio) timeoutFire(isFP bool) {
	r.mu.Lock()
	if r.op == opNone {
		r.mu.Unlock()
		return // a reception already landed and cancelled this timer
	}
	seen := r.preambleSeen
	r.op = opNone
	if isFP && seen {
		r.fto++
	} else {
		r.pto++
	}
	cb := r.toCB
	r.mu.Unlock()
	if cb != nil {
		status := radio.StatusRxRFTO
		if isFP {
			status = radio.StatusRxPTO
		}
		cb(radio.Event{Status: status})
	}
}

func (r *Radio) deliver(sfd devtime.T, payload []byte) {
	r.mu.Lock()
	switch r.op {
	case opRx, opRxDelayed, opRxTimeout, opRxSlot:
	case opRxSlotFP:
		// FS: any preamble arrival triggers immediate propagation,
		// garbled or not (spec.md §4.2 edge-case policy).
		r.preambleSeen = true
		r.op = opNone
		r.sfd = sfd
		r.mu.Unlock()
		r.propagateFP(sfd)
		return
	default:
		r.mu.Unlock()
		return
	}
	r.op = opNone
	r.sfd = sfd
	r.rxBuf = append(r.rxBuf[:0], payload...)
	r.rxLen = len(payload)
	r.rxOK++
	r.diag = radio.Diagnostics{
		MaxGrowthCIR:      4096,
		RXPACCAdjusted:    64,
		FirstPathAmp1:     100,
		FirstPathAmp2:     90,
		FirstPathAmp3:     80,
		CarrierIntegrator: 0,
	}
	diag := r.diag
	cb := r.rxCB
	r.mu.Unlock()
	if cb != nil {
		cb(radio.Event{Status: radio.StatusRxDFR | radio.StatusRxFCG, SFDTime: sfd, RxBuf: payload, RxLen: len(payload), Diagnostics: diag})
	}
}

func (r *Radio) propagateFP(sfd devtime.T) {
	r.mu.Lock()
	cb := r.txCB
	r.mu.Unlock()
	r.medium.transmit(r, sfd, []byte{0, 0, 0})
	if cb != nil {
		cb(radio.Event{Status: radio.StatusTxFRS, SFDTime: sfd})
	}
}

func (r *Radio) ForceTRxOff() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.op = opNone
}

func (r *Radio) RxReset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.op = opNone
	r.preambleSeen = false
}

func (r *Radio) ReadRxBuffer(buf []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := copy(buf, r.rxBuf[:r.rxLen])
	return n, nil
}

func (r *Radio) ReadSFDTime() devtime.T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sfd
}

func (r *Radio) ReadDiagnostics() radio.Diagnostics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.diag
}

// Stats returns the SD-level counters (spec.md §4.2).
func (r *Radio) Stats() (rxok, txok, phe, sfdto, rse, fcse, rej, fto, pto, unknown int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rxOK, r.txOK, r.phe, r.sfdto, r.rse, r.fcse, r.rej, r.fto, r.pto, r.unknown
}

// scheduleAt arranges for fn to run once the virtual clock reaches at.
// Tests drive time with a Clock (clock.go); cmd/uwbslot-sim uses
// WallClock, whose Run loop polls and fires due timers.
func (r *Radio) scheduleAt(at devtime.T, fn func()) {
	r.mu.Lock()
	r.timers = append(r.timers, &simTimer{at: at, fn: fn})
	r.mu.Unlock()
}

// Tick advances the radio's notion of "due" and fires any timers whose
// deadline has arrived according to now. Call this after every change
// to the driving clock.
func (r *Radio) Tick(now devtime.T) {
	for {
		r.mu.Lock()
		idx := -1
		for i, t := range r.timers {
			if !t.at.After(now) {
				idx = i
				break
			}
		}
		if idx < 0 {
			r.mu.Unlock()
			return
		}
		t := r.timers[idx]
		r.timers = append(r.timers[:idx], r.timers[idx+1:]...)
		r.mu.Unlock()
		t.fn()
	}
}
