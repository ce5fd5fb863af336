package ctf

import (
	"bytes"

	"uwbslot/sd"
	"uwbslot/tsm"
)

// TSMFlood hosts a Glossy flood as a sub-protothread of a tsm.Manager
// schedule, bounded by MaxLen TSM slots (spec.md §4.6/§4.7: Crystal and
// Weaver invoke Glossy-TSM this way to distribute one value to, or
// collect one value from, every node in a single bounded burst).
//
// Unlike the standalone Glossy in glossy.go, a hosted flood does not
// arm the radio itself: the surrounding tsm.Manager already paces the
// schedule by its SlotDurationTicks, so one Glossy-TSM round consumes
// exactly one TSM slot rather than computing its own SFD offsets. Step
// is called from the host engine's own EngineFunc in place of running
// its regular per-slot logic while the flood is active.
type TSMFlood struct {
	cfg           Config
	initiator     bool
	initiatorID   uint16
	sync          bool
	maxPayloadLen int
	maxLen        int

	step       int
	hdr        Header
	haveHeader bool
	buf        []byte
	payloadLen int

	ctx  FloodContext
	done bool
	ok   bool
}

// NewInitiatorFlood creates a bounded sub-protothread that originates a
// flood with the given payload.
func NewInitiatorFlood(cfg Config, initiatorID uint16, sync bool, payload []byte, maxLen int) *TSMFlood {
	f := &TSMFlood{cfg: cfg, initiator: true, initiatorID: initiatorID, sync: sync, maxLen: maxLen}
	f.hdr = Header{InitiatorID: initiatorID, Version: cfg.Version, Sync: sync, RelayCnt: 0, MaxNTx: cfg.MaxNTx}
	f.haveHeader = true
	f.payloadLen = len(payload)
	f.buf = make([]byte, HeaderSize+len(payload))
	f.hdr.Encode(f.buf)
	copy(f.buf[HeaderSize:], payload)
	return f
}

// NewForwarderFlood creates a bounded sub-protothread that joins a
// flood initiated elsewhere.
func NewForwarderFlood(cfg Config, maxPayloadLen, maxLen int) *TSMFlood {
	f := &TSMFlood{cfg: cfg, initiator: false, maxPayloadLen: maxPayloadLen, maxLen: maxLen}
	f.buf = make([]byte, HeaderSize+maxPayloadLen)
	return f
}

// Done reports whether the flood has finished, successfully or not.
func (f *TSMFlood) Done() bool { return f.done }

// Result returns the received/relayed payload, the final flood context
// and whether the flood was observed at all. Valid only once Done.
func (f *TSMFlood) Result() ([]byte, FloodContext, bool) {
	var payload []byte
	if f.haveHeader {
		payload = append([]byte(nil), f.buf[HeaderSize:HeaderSize+f.payloadLen]...)
	}
	return payload, f.ctx, f.ok
}

// Step advances the sub-protothread by one TSM slot, given the outcome
// of the previous one, and returns the NextAction to arm. The caller
// must invoke it once per slot, starting with a zero-value
// tsm.PrevAction, until Done() reports true.
func (f *TSMFlood) Step(prev tsm.PrevAction) tsm.NextAction {
	if f.step == 0 {
		f.step++
		if f.initiator {
			f.ctx.NTx = 1
			return tsm.NextAction{Action: tsm.ActionTx, Buffer: f.buf, PayloadLen: f.payloadLen}
		}
		return tsm.NextAction{Action: tsm.ActionRx, Buffer: f.buf}
	}
	f.step++

	switch prev.Status {
	case sd.StatusRxSuccess:
		return f.afterRx(prev)
	case sd.StatusNone:
		// Scheduling failure for our own previous TX/RX: treat like a
		// miss and keep going within budget.
	}
	// TxDone falls through here too: whether to relay again or finish
	// is decided the same way as any other "nothing new happened"
	// outcome once the header is already known, except TxDone always
	// means this node's own budget just consumed one unit.

	if prev.Status == sd.StatusTxDone && (f.cfg.Version == VersionTxOnly || f.ctx.NTx >= int(f.cfg.MaxNTx)) {
		return f.finish(true)
	}
	if f.step > f.maxLen {
		return f.finish(f.haveHeader)
	}
	if !f.haveHeader && f.step > f.maxLen/2+1 {
		// Gave up waiting for the first copy well before the hard
		// bound, so later stages of the host protocol still get a
		// chance to act on the miss this epoch.
		return f.finish(false)
	}
	return tsm.NextAction{Action: tsm.ActionRx, Buffer: f.buf}
}

func (f *TSMFlood) afterRx(prev tsm.PrevAction) tsm.NextAction {
	hdr, ok := Decode(prev.Buffer)
	if !ok || prev.PayloadLen < HeaderSize {
		if f.step > f.maxLen {
			return f.finish(f.haveHeader)
		}
		return tsm.NextAction{Action: tsm.ActionRx, Buffer: f.buf}
	}
	payload := prev.Buffer[HeaderSize:prev.PayloadLen]

	if f.haveHeader {
		if !f.hdr.Matches(hdr) || !bytes.Equal(payload, f.buf[HeaderSize:HeaderSize+f.payloadLen]) {
			f.ctx.Mismatches++
			if f.step > f.maxLen {
				return f.finish(true)
			}
			return tsm.NextAction{Action: tsm.ActionRx, Buffer: f.buf}
		}
	} else {
		f.hdr = hdr
		f.haveHeader = true
		f.payloadLen = len(payload)
		copy(f.buf[HeaderSize:], payload)
		f.ctx.RelayCntFirstRx = hdr.RelayCnt
	}
	f.ctx.NRx++

	ownRelay := hdr.RelayCnt + 1
	if int(ownRelay) > int(f.cfg.MaxNTx) || f.ctx.NTx >= int(f.cfg.MaxNTx) || f.step > f.maxLen {
		return f.finish(true)
	}
	relayHdr := hdr
	relayHdr.RelayCnt = ownRelay
	relayHdr.Encode(f.buf)
	f.ctx.NTx++
	return tsm.NextAction{Action: tsm.ActionTx, Buffer: f.buf, PayloadLen: f.payloadLen}
}

func (f *TSMFlood) finish(ok bool) tsm.NextAction {
	f.done = true
	f.ok = ok && f.haveHeader
	return tsm.NextAction{Action: tsm.ActionNone}
}
