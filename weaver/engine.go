package weaver

import (
	"strconv"

	"uwbslot/deployment"
	"uwbslot/internal/fastrand"
	"uwbslot/pktpool"
	"uwbslot/ringlog"
	"uwbslot/sd"
	"uwbslot/tsm"
)

// WeaverSinkTerminationCount is how many consecutive quiet sub-slots
// (no novel originator heard) the sink tolerates before ending a
// collection run (spec.md §4.7 "Sink thread").
const WeaverSinkTerminationCount = 40

// Hooks lets the host application supply originator data and observe
// sink-side arrivals without the engine depending on a particular
// application shape.
type Hooks struct {
	// OwnPacket returns this node's pending uplink payload, if any. It
	// is polled once per active sub-slot while the sink's ACK bitmap
	// lacks this node and the pool holds no entry of its own.
	OwnPacket func() (payload []byte, ok bool)
	// OnSinkReceive is called on the sink whenever a distinct
	// originator_id is heard (spec.md §4.7 "reported to the app in the
	// 'IN' log").
	OnSinkReceive func(originatorID uint16, payload []byte)
	// Log receives the exit-reason line written when the engine stops.
	// No per-slot status line is produced.
	Log func(line string)
}

// Engine runs the Weaver peer or sink state machine (spec.md §4.7) as
// a tsm.EngineFunc: bootstrap via RX until a valid packet or a scan
// fallback, then an active phase alternating TX-like and RX-like
// sub-slots by hop parity, driving a round-robin pktpool.Pool, a
// global-ACK cycle and local-ACK suppression.
type Engine struct {
	cfg    Config
	table  deployment.Table
	ownID  uint16
	isSink bool
	hooks  Hooks

	pool *pktpool.Pool
	rng  *fastrand.Source

	bootstrapped     bool
	nodeDist         int
	nodeAcked        deployment.Bitmap
	lastHeardOrigID  uint16
	missedBootstraps int
	scanning         bool

	globalAckCounter int
	seqno            uint16
	subSlot          int
	silentTx         bool

	consecutiveRxErrors int
	terminationCounter  int
	terminationCap      int
	sinkQuietSlots      int

	sleeping         bool
	sleepTxRemaining int

	minislot int32
	buf      []byte
}

// New creates a Weaver engine. ownID == cfg.SinkID makes it the sink.
func New(cfg Config, table deployment.Table, ownID uint16, hooks Hooks) *Engine {
	e := &Engine{
		cfg:   cfg,
		table: table,
		ownID: ownID,
		isSink: ownID == cfg.SinkID,
		hooks: hooks,
		pool:  pktpool.New(),
		rng:   fastrand.New(uint32(ownID)*2654435761 + 1),
	}
	if e.isSink {
		e.bootstrapped = true
		e.nodeDist = 0
	} else {
		e.nodeDist = int(UnbootstrappedHop)
	}
	e.buf = make([]byte, HeaderSize+cfg.ExtraPayloadLen)
	e.resetTerminationCounter()
	return e
}

// EngineFunc returns the tsm.EngineFunc driving this engine.
func (e *Engine) EngineFunc() tsm.EngineFunc {
	return e.step
}

// NodeDist returns the node's current hop distance from the sink.
func (e *Engine) NodeDist() int { return e.nodeDist }

// PoolLen returns the number of live pool entries.
func (e *Engine) PoolLen() int { return e.pool.Len() }

// Bootstrapped reports whether the node has joined the collection
// grid.
func (e *Engine) Bootstrapped() bool { return e.bootstrapped }

func (e *Engine) step(prev tsm.PrevAction) tsm.NextAction {
	e.minislot = int32(prev.MinislotIdx)
	if !e.bootstrapped {
		return e.stepBootstrap(prev)
	}
	return e.stepActive(prev)
}

// stepBootstrap runs a peer's RX-only bootstrap loop: listen until a
// valid, strong-enough packet is heard, adopting its hop distance and
// ACK bitmap, or fall back to a continuous scan after missing too many
// tries (spec.md §4.7 step 1).
func (e *Engine) stepBootstrap(prev tsm.PrevAction) tsm.NextAction {
	if prev.Status == sd.StatusRxSuccess {
		if hdr, payload, ok := Decode(prev.Buffer); ok && prev.Diagnostics.RxPowerOK() {
			e.acceptPacket(hdr, payload)
			if hdr.IsBootstrapped() {
				e.bootstrapped = true
				e.missedBootstraps = 0
				e.scanning = false
				return e.decideActive()
			}
		}
	}

	if prev.Action != tsm.ActionNone {
		e.missedBootstraps++
		if e.missedBootstraps >= WeaverMissedBootstrapBeforeScan {
			e.scanning = true
		}
	}

	if e.scanning {
		return tsm.NextAction{Action: tsm.ActionScan, Buffer: e.buf}
	}
	return tsm.NextAction{Action: tsm.ActionRx, Buffer: e.buf}
}

// stepActive runs one sub-slot of the active collection grid: ingest
// the previous sub-slot's outcome, then either sleep, terminate, or
// arm the next TX-like/RX-like sub-slot according to hop parity
// (spec.md §4.7 steps 2-5).
func (e *Engine) stepActive(prev tsm.PrevAction) tsm.NextAction {
	e.ingest(prev)
	return e.decideActive()
}

// decideActive picks the next sub-slot action from the engine's
// current state, without folding in any new slot outcome: used both
// by stepActive (after ingest) and by stepBootstrap's first active
// slot, whose triggering packet was already folded in directly.
func (e *Engine) decideActive() tsm.NextAction {
	e.maybeOwnPacket()

	if !e.isSink && e.nodeAcked == deployment.Sleep && !e.sleeping {
		e.sleeping = true
		e.sleepTxRemaining = e.cfg.SleepNtx
	}
	if e.sleeping {
		return e.stepSleep()
	}

	if e.consecutiveRxErrors >= e.cfg.MaxRxConsecutiveErrors {
		return e.stepTerminate("too many consecutive RX errors")
	}
	if e.isSink {
		if e.sinkQuietSlots >= WeaverSinkTerminationCount {
			return e.stepTerminate("no novel originators heard")
		}
	} else if e.terminationCounter >= e.terminationCap {
		return e.stepTerminate("termination counter exhausted")
	}

	e.subSlot++
	parity := (e.nodeDist + e.subSlot) % 2
	if parity == 0 && !e.silentTx {
		return e.txSubSlot()
	}
	e.silentTx = false
	return e.rxSubSlot()
}

// ingest folds the outcome of the just-completed sub-slot into the
// engine's state: pool updates, ACK-bitmap merges, hop-distance
// refinement and termination-counter bookkeeping.
func (e *Engine) ingest(prev tsm.PrevAction) {
	e.terminationCounter++
	if e.isSink {
		e.sinkQuietSlots++
	}

	switch prev.Status {
	case sd.StatusRxSuccess:
		e.consecutiveRxErrors = 0
		if hdr, payload, ok := Decode(prev.Buffer); ok {
			e.acceptPacket(hdr, payload)
		}
	case sd.StatusTxDone:
		e.pool.Advance()
		e.globalAckCounter = (e.globalAckCounter + 1) % globalAckWrap(e.cfg.GlobalAckPeriod)
		e.seqno++
	case sd.StatusNone:
	default:
		e.consecutiveRxErrors++
	}
}

// acceptPacket folds one decoded Weaver packet into pool, ACK bitmap
// and hop-distance state, regardless of whether it arrived during
// bootstrap or the active phase.
func (e *Engine) acceptPacket(hdr Header, payload []byte) {
	e.lastHeardOrigID = hdr.OriginatorID
	e.nodeAcked |= deployment.Bitmap(hdr.SinkAcked)
	e.pool.RemoveAcked(func(id uint16) bool { return e.table.Has(e.nodeAcked, id) })
	e.suppressOnCloserMention(hdr)

	if hdr.IsBootstrapped() {
		if d := int(hdr.HopCounter) + 1; d < e.nodeDist {
			e.nodeDist = d
			e.resetTerminationCounter()
		}
	}

	if hdr.IsBeacon() {
		return
	}

	if e.isSink {
		if !e.table.Has(e.nodeAcked, hdr.OriginatorID) {
			e.nodeAcked = e.table.Flag(e.nodeAcked, hdr.OriginatorID)
			if e.hooks.OnSinkReceive != nil {
				e.hooks.OnSinkReceive(hdr.OriginatorID, payload)
			}
			e.sinkQuietSlots = 0
			e.resetTerminationCounter()
		}
		return
	}

	if hdr.OriginatorID == e.ownID || e.table.Has(e.nodeAcked, hdr.OriginatorID) {
		return
	}
	data := append([]byte(nil), payload...)
	deadline := e.minislot + localAckSuppressionInterval(e.nodeDist, e.globalAckCounter, e.cfg.GlobalAckPeriod)
	if e.pool.Put(pktpool.Packet{OriginatorID: hdr.OriginatorID, Data: data}, deadline) {
		e.resetTerminationCounter()
	}
}

// suppressOnCloserMention implements spec.md §4.7 step 4, local ACK
// suppression: hearing a packet from a neighbor strictly closer to the
// sink that mentions either its own originator_id (hdr.OriginatorID, the
// packet it is currently forwarding) or its last_heard_originator_id
// means that originator's data is already propagating ahead of us, so
// any matching entry in our own pool (including one for our own
// originator ID) is pushed out to a suppression deadline instead of
// being retransmitted immediately.
func (e *Engine) suppressOnCloserMention(hdr Header) {
	if e.isSink || !hdr.IsBootstrapped() || int(hdr.HopCounter) >= e.nodeDist {
		return
	}
	deadline := e.minislot + localAckSuppressionInterval(e.nodeDist, e.globalAckCounter, e.cfg.GlobalAckPeriod)
	if e.pool.Has(hdr.OriginatorID) {
		e.pool.SetDeadline(hdr.OriginatorID, deadline)
	}
	if hdr.LastHeardOriginatorID != hdr.OriginatorID && e.pool.Has(hdr.LastHeardOriginatorID) {
		e.pool.SetDeadline(hdr.LastHeardOriginatorID, deadline)
	}
}

// maybeOwnPacket gives this node's own pending uplink payload, if any,
// a pool entry exactly like one created on reception of a neighbor's
// packet (spec.md §3: "created on first reception ... or on app-driven
// 'I am originator' for self"), so it competes fairly in the same
// round-robin order and is subject to the same local-ACK suppression as
// any relayed entry, instead of bypassing the pool entirely.
func (e *Engine) maybeOwnPacket() {
	if e.isSink || e.hooks.OwnPacket == nil {
		return
	}
	if e.table.Has(e.nodeAcked, e.ownID) || e.pool.Has(e.ownID) {
		return
	}
	payload, ok := e.hooks.OwnPacket()
	if !ok {
		return
	}
	data := append([]byte(nil), payload...)
	if e.pool.Put(pktpool.Packet{OriginatorID: e.ownID, Data: data}, e.minislot) {
		e.resetTerminationCounter()
	}
}

// txSubSlot builds and arms the next TX: forward the highest-priority
// pool entry in round-robin order (this node's own pending data, put in
// the pool by maybeOwnPacket, competes there like any relayed entry),
// else a header-only beacon carrying the ACK bitmap and hop distance
// (spec.md §4.7 step 2, TX sub-slot).
func (e *Engine) txSubSlot() tsm.NextAction {
	originator := SinkBeaconID
	var payload []byte
	if pkt, ok := e.pool.Head(e.minislot); ok {
		originator, payload = pkt.OriginatorID, pkt.Data
	}

	hdr := Header{
		OriginatorID:          originator,
		LastHeardOriginatorID: e.lastHeardOrigID,
		HopCounter:            uint8(e.nodeDist),
		SinkAcked:             uint64(e.nodeAcked),
		Seqno:                 e.seqno,
	}
	total := HeaderSize + len(payload)
	if total > len(e.buf) {
		payload = payload[:len(e.buf)-HeaderSize]
		total = len(e.buf)
	}
	Encode(e.buf, hdr, payload)

	jitter := uint16(e.rng.Intn(MaxJitterMult)) * uint16(JitterStep)
	return tsm.NextAction{Action: tsm.ActionTx, TxDelay: jitter, Buffer: e.buf, PayloadLen: total}
}

func (e *Engine) rxSubSlot() tsm.NextAction {
	return tsm.NextAction{Action: tsm.ActionRx, Buffer: e.buf}
}

// stepSleep forwards the sink's sleep order for SleepNtx sub-slots,
// then stops (spec.md §4.7 step 5, sleep-order propagation).
func (e *Engine) stepSleep() tsm.NextAction {
	if e.sleepTxRemaining <= 0 {
		return e.stepTerminate("sleep order propagated")
	}
	e.sleepTxRemaining--
	return e.txSubSlot()
}

func (e *Engine) stepTerminate(reason string) tsm.NextAction {
	if e.hooks.Log != nil {
		e.hooks.Log(ringlog.ExitReason(e.roleName(), strconv.Itoa(int(e.seqno)), reason))
	}
	return tsm.NextAction{Action: tsm.ActionStop}
}

func (e *Engine) roleName() string {
	if e.isSink {
		return "sink"
	}
	return "peer"
}

// resetTerminationCounter zeroes the no-novelty counter and
// recomputes its cap from the current hop distance: nodes further
// from the sink need a longer quiet window before giving up, since a
// global ACK or fresh data takes longer to reach them (spec.md §4.7
// step 5).
func (e *Engine) resetTerminationCounter() {
	e.terminationCounter = 0
	cap := 2*globalAckWrap(e.cfg.GlobalAckPeriod) + 3*(e.cfg.SinkRadius+e.nodeDist) + 3*e.cfg.BootRedundancy + e.cfg.TerminationWait
	if cap < 1 {
		cap = 1
	}
	e.terminationCap = cap
}
