package ctf

import (
	"bytes"

	"uwbslot/devtime"
	"uwbslot/radio"
	"uwbslot/sd"
)

// Config is the standalone Glossy flood configuration (spec.md §4.5,
// §6: "Glossy: {version, dynamic_slot_estimate: bool, rx_opt: bool}").
type Config struct {
	Version      Version
	MaxNTx       uint8
	SlotDuration int32 // ticks between successive relay transmissions

	// DynamicSlotEstimate enables a running average of the observed
	// TX-to-RX/RX-to-TX interval (glossy.c's GLOSSY_DYNAMIC_SLOT_ESTIMATE):
	// once at least one such interval has been observed, the initiator's
	// recovered Tref is corrected using the average instead of the
	// static per-packet-length SlotDuration.
	DynamicSlotEstimate bool

	// RxOpt enables glossy.c's GLOSSY_RX_OPT: instead of turning RX on
	// immediately after a TX and waiting out the full slot, RX is
	// delayed until shortly before the next relay's expected airtime and
	// given a tight timeout, shortening the receiver's duty cycle.
	RxOpt bool
}

// rxOptGuard is the fixed guard time (GLOSSY_RX_OPT_GUARD_UUS in
// glossy.c) added on both ends of an RxOpt-narrowed RX window to absorb
// clock drift and scheduling jitter.
var rxOptGuard = devtime.FromNanoseconds(10_000)

// FloodContext is the outcome state a Glossy flood accumulates, handed
// to the completion callback (spec.md §4.5 "FloodContext").
type FloodContext struct {
	Tref            devtime.T
	RelayCntFirstRx uint8
	NTx             int
	NRx             int
	Mismatches      int
}

// Glossy runs one flood instance directly over an sd.Driver: a single
// node either originates the flood (StartInitiator) or joins it
// (StartForwarder), relaying the packet exactly once per slot until its
// own transmission budget (MaxNTx) is exhausted.
//
// Like sd.Driver and tsm.Manager this is a single in-flight state
// machine driven by sd's completion callback; there is no Glossy-level
// goroutine.
type Glossy struct {
	sd    *sd.Driver
	now   func() devtime.T
	cfg   Config

	buf         []byte
	hdr         Header
	haveHeader  bool
	payloadLen  int
	ctx         FloodContext
	listenTries int
	trefBaseSFD devtime.T

	// Dynamic slot-duration estimation state (glossy.c's
	// GLOSSY_DYNAMIC_SLOT_ESTIMATE): a running average of the ticks
	// between consecutive TX/RX events whose relay counts are adjacent.
	haveLastTx, haveLastRx bool
	tsLastTx, tsLastRx     devtime.T
	relayCntLastTx         uint8
	relayCntLastRx         uint8
	pendingTxRelayCnt      uint8
	slotSum                int64
	nSlots                 int

	onDone func(FloodContext, []byte, bool)
}

// New creates a Glossy flood runner bound to radio r.
func New(r radio.Radio, cfg Config, now func() devtime.T) *Glossy {
	g := &Glossy{now: now, cfg: cfg}
	g.sd = sd.New(r, g.onSlotDone)
	return g
}

// StartInitiator originates a flood: payload is transmitted at sfdTime
// with RelayCnt 0. done is invoked once the flood completes locally.
func (g *Glossy) StartInitiator(sfdTime devtime.T, initiatorID uint16, sync bool, payload []byte, done func(FloodContext, []byte, bool)) error {
	g.onDone = done
	g.ctx = FloodContext{Tref: sfdTime}
	g.trefBaseSFD = sfdTime
	g.resetSlotEstimate()
	g.hdr = Header{InitiatorID: initiatorID, Version: g.cfg.Version, Sync: sync, RelayCnt: 0, MaxNTx: g.cfg.MaxNTx}
	g.haveHeader = true
	g.payloadLen = len(payload)
	g.buf = make([]byte, HeaderSize+len(payload))
	g.hdr.Encode(g.buf)
	copy(g.buf[HeaderSize:], payload)
	g.pendingTxRelayCnt = 0
	if err := g.sd.TxAt(g.buf, len(g.buf), sfdTime); err != nil {
		return err
	}
	g.ctx.NTx = 1
	return nil
}

// StartForwarder joins a flood it did not originate: it scans for the
// first transmission until scanDeadline. maxPayloadLen bounds the
// receive buffer.
func (g *Glossy) StartForwarder(scanDeadline devtime.T, maxPayloadLen int, done func(FloodContext, []byte, bool)) error {
	g.onDone = done
	g.ctx = FloodContext{}
	g.resetSlotEstimate()
	g.haveHeader = false
	g.listenTries = 0
	g.buf = make([]byte, HeaderSize+maxPayloadLen)
	return g.sd.RxUntil(g.buf, scanDeadline)
}

// resetSlotEstimate clears the dynamic slot-estimation running average
// at the start of each flood instance.
func (g *Glossy) resetSlotEstimate() {
	g.haveLastTx = false
	g.haveLastRx = false
	g.slotSum = 0
	g.nSlots = 0
}

// addSlot folds one observed TX/RX (or RX/TX) interval into the running
// average (glossy.c's add_slot).
func (g *Glossy) addSlot(delta int32) {
	g.slotSum += int64(delta)
	g.nSlots++
}

// estimatedSlotDuration returns the dynamic running-average slot
// duration if DynamicSlotEstimate is enabled and at least one interval
// has been observed, falling back to the static configured SlotDuration
// otherwise (glossy.c's glossy_stop: "it wasn't possible to estimate any
// slot or the dynamic slot estimation is not set").
func (g *Glossy) estimatedSlotDuration() int32 {
	if g.cfg.DynamicSlotEstimate && g.nSlots > 0 {
		return int32(g.slotSum / int64(g.nSlots))
	}
	return g.cfg.SlotDuration
}

// Cancel aborts an in-flight flood.
func (g *Glossy) Cancel() {
	g.sd.Cancel()
}

func (g *Glossy) onSlotDone(rec sd.Record) {
	switch rec.Status {
	case sd.StatusTxDone:
		g.afterTx(rec)
	case sd.StatusRxSuccess:
		g.afterRx(rec)
	default:
		// Timeout, RX error or malformed frame.
		if !g.haveHeader {
			g.finish(false)
			return
		}
		g.relisten()
	}
}

func (g *Glossy) afterTx(rec sd.Record) {
	if g.hdr.Sync && g.haveLastRx && g.pendingTxRelayCnt == g.relayCntLastRx+1 {
		g.addSlot(int32(rec.SFDTime - g.tsLastRx))
	}
	g.tsLastTx, g.relayCntLastTx, g.haveLastTx = rec.SFDTime, g.pendingTxRelayCnt, true

	if g.cfg.Version == VersionTxOnly || g.ctx.NTx >= int(g.cfg.MaxNTx) {
		g.finish(true)
		return
	}
	g.relistenAfterTx(rec.SFDTime)
}

func (g *Glossy) afterRx(rec sd.Record) {
	hdr, ok := Decode(rec.Buffer)
	if !ok || rec.PayloadLen < HeaderSize {
		if !g.haveHeader {
			g.finish(false)
			return
		}
		g.relisten()
		return
	}
	payload := rec.Buffer[HeaderSize:rec.PayloadLen]

	if g.haveHeader {
		if !g.hdr.Matches(hdr) || !bytes.Equal(payload, g.buf[HeaderSize:HeaderSize+g.payloadLen]) {
			// Disagreement with an already-stored flood: ignore and
			// keep listening (spec.md §4.5 validation rules).
			g.ctx.Mismatches++
			g.relisten()
			return
		}
	} else {
		g.hdr = hdr
		g.haveHeader = true
		g.payloadLen = len(payload)
		copy(g.buf[HeaderSize:], payload)
		g.ctx.RelayCntFirstRx = hdr.RelayCnt
		g.trefBaseSFD = rec.SFDTime
		g.ctx.Tref = rec.SFDTime.AddTicks(-int32(hdr.RelayCnt) * g.cfg.SlotDuration)
	}

	if hdr.Sync && g.haveLastTx && hdr.RelayCnt == g.relayCntLastTx+1 {
		g.addSlot(int32(rec.SFDTime - g.tsLastTx))
	}
	g.tsLastRx, g.relayCntLastRx, g.haveLastRx = rec.SFDTime, hdr.RelayCnt, true

	g.ctx.NRx++
	g.listenTries = 0

	ownRelay := hdr.RelayCnt + 1
	if int(ownRelay) > int(g.cfg.MaxNTx) || g.ctx.NTx >= int(g.cfg.MaxNTx) {
		g.finish(true)
		return
	}
	relayHdr := hdr
	relayHdr.RelayCnt = ownRelay
	relayHdr.Encode(g.buf)
	txAt := rec.SFDTime.AddTicks(g.cfg.SlotDuration)
	g.pendingTxRelayCnt = ownRelay
	if err := g.sd.TxAt(g.buf, HeaderSize+g.payloadLen, txAt); err != nil {
		g.finish(true)
		return
	}
	g.ctx.NTx++
}

// relisten re-arms RX for up to two more slot periods after a miss or a
// mismatch, bounded so a flood that has truly ended does not leave the
// receiver listening forever.
func (g *Glossy) relisten() {
	if g.ctx.NTx >= int(g.cfg.MaxNTx) {
		g.finish(g.haveHeader)
		return
	}
	g.listenTries++
	if g.listenTries > int(g.cfg.MaxNTx)+2 {
		g.finish(g.haveHeader)
		return
	}
	deadline := g.now().AddTicks(g.cfg.SlotDuration * 2)
	if err := g.sd.RxUntil(g.buf, deadline); err != nil {
		g.finish(g.haveHeader)
	}
}

// relistenAfterTx re-arms RX right after a TX completes. With RxOpt
// disabled it behaves like relisten: turn RX on immediately and wait out
// up to two slot periods (glossy.c's "no rx after tx delay" branch of
// glossy_get_rx_delay_uus). With RxOpt enabled (GLOSSY_RX_OPT) it instead
// delays turning RX on until shortly before the next relay's expected
// airtime and arms a timeout just wide enough to cover it, shortening
// the receive duty cycle.
func (g *Glossy) relistenAfterTx(txSFD devtime.T) {
	if g.ctx.NTx >= int(g.cfg.MaxNTx) {
		g.finish(g.haveHeader)
		return
	}
	g.listenTries++
	if g.listenTries > int(g.cfg.MaxNTx)+2 {
		g.finish(g.haveHeader)
		return
	}
	if !g.cfg.RxOpt {
		deadline := txSFD.AddTicks(g.cfg.SlotDuration * 2)
		if err := g.sd.RxUntil(g.buf, deadline); err != nil {
			g.finish(g.haveHeader)
		}
		return
	}

	frameLen := HeaderSize + g.payloadLen
	airtime := devtime.FromNanoseconds(int64(sd.FrameAirtime(g.sd.Config(), frameLen)))
	delay := g.cfg.SlotDuration - airtime - rxOptGuard
	if delay < 0 {
		delay = 0
	}
	onTime := txSFD.AddTicks(delay)
	deadline := onTime.AddTicks(airtime + 2*rxOptGuard)
	if err := g.sd.RxSlot(g.buf, onTime, deadline, 0); err != nil {
		g.finish(g.haveHeader)
	}
}

func (g *Glossy) finish(ok bool) {
	var payload []byte
	if g.haveHeader {
		payload = append([]byte(nil), g.buf[HeaderSize:HeaderSize+g.payloadLen]...)
		g.ctx.Tref = g.trefBaseSFD.AddTicks(-int32(g.ctx.RelayCntFirstRx) * g.estimatedSlotDuration())
	}
	if g.onDone != nil {
		g.onDone(g.ctx, payload, ok && g.haveHeader)
	}
}
