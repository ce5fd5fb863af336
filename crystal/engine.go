package crystal

import (
	"fmt"

	"uwbslot/ctf"
	"uwbslot/deployment"
	"uwbslot/ringlog"
	"uwbslot/tsm"
)

// EpochContext is the per-epoch Crystal state (spec.md §3
// "EpochContext (Crystal)").
type EpochContext struct {
	Epoch                             uint16
	ReceivedBitmap                    deployment.Bitmap
	AckBitmap                         deployment.Bitmap
	LastAckFlags                      uint8
	CumulativeFailedSynchronizations  int
	NNoAckEpochs                      int
}

// Hooks lets the host application observe and drive Crystal without
// the engine depending on any particular application shape.
type Hooks struct {
	// PreS builds the sink's sync-flood payload (sink only).
	PreS func(epoch uint16) []byte
	// PreT returns this peer's pending uplink payload, if any (peer
	// only). haveData false means the peer has nothing to send this
	// round.
	PreT func(epoch uint16) (payload []byte, haveData bool)
	// BetweenTA is called by the sink after each T slot with the
	// originator and payload it just heard (ok false on a miss).
	BetweenTA func(epoch uint16, src uint16, payload []byte, ok bool)
	// Log receives one line per significant epoch event (sink
	// termination, peer sleep, etc), mirroring ringlog's style.
	Log func(line string)
}

type phase int

const (
	phaseNone phase = iota
	phaseS
	phaseT
	phaseA
)

// sinkVirtualID is the fixed originator id a Crystal sink uses to frame
// its own SYNC/ACK floods; it never appears in the deployment table
// as a data originator.
const sinkVirtualID = 0xFFFF

// Engine runs the Crystal sink or peer state machine described in
// spec.md §4.6 as a tsm.EngineFunc, using ctf.TSMFlood for the S, T and
// A phases.
type Engine struct {
	cfg   Config
	ownID uint16
	table deployment.Table
	hooks Hooks

	ctx   EpochContext
	ph    phase
	flood *ctf.TSMFlood

	nTA               int
	nEmptyTs          int
	nReceptionErrors  int
	nReceptionErrorsA int
	nNoAcks           int
	iTx               bool

	consecutiveFailedSync int
	stopSending           bool
	terminateAfterA       bool

	started bool
}

// New creates a Crystal engine. table maps originator node IDs to
// bitmap positions for received_bitmap/ack_bitmap bookkeeping.
func New(cfg Config, table deployment.Table, ownID uint16, hooks Hooks) *Engine {
	return &Engine{cfg: cfg, table: table, ownID: ownID, hooks: hooks}
}

// EngineFunc returns the tsm.EngineFunc driving this engine.
func (e *Engine) EngineFunc() tsm.EngineFunc {
	return e.step
}

// Epoch returns the engine's current epoch number.
func (e *Engine) Epoch() uint16 { return e.ctx.Epoch }

// Context returns a snapshot of the current EpochContext.
func (e *Engine) Context() EpochContext { return e.ctx }

// Stats returns the running counters for the current epoch, useful for
// logging and tests.
func (e *Engine) Stats() (nTA, nEmptyTs, nNoAcks int) {
	return e.nTA, e.nEmptyTs, e.nNoAcks
}

func (e *Engine) log(line string) {
	if e.hooks.Log != nil {
		e.hooks.Log(line)
	}
}

func (e *Engine) step(prev tsm.PrevAction) tsm.NextAction {
	if e.flood != nil {
		na := e.flood.Step(prev)
		if !e.flood.Done() {
			return na
		}
		payload, _, ok := e.flood.Result()
		completed := e.ph
		e.flood = nil
		e.ph = phaseNone
		return e.afterPhase(completed, payload, ok)
	}
	return e.startEpoch()
}

func (e *Engine) startEpoch() tsm.NextAction {
	if !e.started {
		e.started = true
	} else if !e.cfg.IsSink {
		// Epoch number for a peer is only known once synchronized; it
		// is updated on a successful S reception in afterPhase.
	} else {
		e.ctx.Epoch++
	}
	e.ctx.ReceivedBitmap = 0
	e.nTA = 0
	e.nEmptyTs = 0
	e.nReceptionErrors = 0
	e.nReceptionErrorsA = 0
	e.nNoAcks = 0
	e.terminateAfterA = false

	if e.cfg.IsSink {
		payload := e.sinkPreS()
		buf := make([]byte, SyncHeaderSize+len(payload))
		EncodeSync(buf, e.ctx.Epoch)
		copy(buf[SyncHeaderSize:], payload)
		e.flood = ctf.NewInitiatorFlood(e.ctfConfig(e.cfg.NtxS), sinkVirtualID, true, buf, int(e.cfg.NtxS))
	} else {
		e.flood = ctf.NewForwarderFlood(e.ctfConfig(e.cfg.NtxS), e.cfg.PldsS+SyncHeaderSize, int(e.cfg.NtxS)+NSilentEpochsToStopSending)
	}
	e.ph = phaseS
	return e.flood.Step(tsm.PrevAction{})
}

func (e *Engine) sinkPreS() []byte {
	if e.hooks.PreS != nil {
		return e.hooks.PreS(e.ctx.Epoch)
	}
	return nil
}

func (e *Engine) afterPhase(ph phase, payload []byte, ok bool) tsm.NextAction {
	switch ph {
	case phaseS:
		if !e.cfg.IsSink {
			if ok {
				if epoch, sok := DecodeSync(payload); sok {
					e.ctx.Epoch = epoch
					e.consecutiveFailedSync = 0
					e.stopSending = false
				}
			} else {
				e.consecutiveFailedSync++
				if e.consecutiveFailedSync >= NSilentEpochsToStopSending {
					e.stopSending = true
				}
			}
		}
		return e.startT()
	case phaseT:
		return e.afterT(payload, ok)
	case phaseA:
		return e.afterA(payload, ok)
	}
	return tsm.NextAction{Action: tsm.ActionRestart, RestartInterval: e.cfg.PeriodTicks}
}

func (e *Engine) startT() tsm.NextAction {
	e.nTA++
	if e.cfg.IsSink {
		e.flood = ctf.NewForwarderFlood(e.ctfConfig(e.cfg.NtxT), e.cfg.PldsT+DataHeaderSize, int(e.cfg.NtxT))
		e.ph = phaseT
		return e.flood.Step(tsm.PrevAction{})
	}

	var payload []byte
	haveData := false
	if e.hooks.PreT != nil {
		payload, haveData = e.hooks.PreT(e.ctx.Epoch)
	}
	e.iTx = haveData && !e.stopSending
	if e.iTx {
		buf := make([]byte, DataHeaderSize+len(payload))
		EncodeData(buf, e.ownID)
		copy(buf[DataHeaderSize:], payload)
		e.flood = ctf.NewInitiatorFlood(e.ctfConfig(e.cfg.NtxT), e.ownID, false, buf, int(e.cfg.NtxT))
	} else {
		e.flood = ctf.NewForwarderFlood(e.ctfConfig(e.cfg.NtxT), e.cfg.PldsT+DataHeaderSize, int(e.cfg.NtxT))
	}
	e.ph = phaseT
	return e.flood.Step(tsm.PrevAction{})
}

func (e *Engine) afterT(payload []byte, ok bool) tsm.NextAction {
	if e.cfg.IsSink {
		if ok {
			if src, dok := DecodeData(payload); dok {
				e.ctx.ReceivedBitmap = e.table.Flag(e.ctx.ReceivedBitmap, src)
				e.ctx.LastAckFlags = AckFlagAck
				e.nEmptyTs = 0
				if e.hooks.BetweenTA != nil {
					e.hooks.BetweenTA(e.ctx.Epoch, src, payload[DataHeaderSize:], true)
				}
			} else {
				e.nEmptyTs++
				e.ctx.LastAckFlags = AckFlagNack
				if e.hooks.BetweenTA != nil {
					e.hooks.BetweenTA(e.ctx.Epoch, 0, nil, false)
				}
			}
		} else {
			e.nEmptyTs++
			e.nReceptionErrors++
			e.ctx.LastAckFlags = AckFlagNack
			if e.hooks.BetweenTA != nil {
				e.hooks.BetweenTA(e.ctx.Epoch, 0, nil, false)
			}
		}
		return e.startA()
	}

	if !e.iTx {
		if ok {
			if src, dok := DecodeData(payload); dok {
				e.ctx.ReceivedBitmap = e.table.Flag(e.ctx.ReceivedBitmap, src)
				e.nEmptyTs = 0
			} else {
				e.nEmptyTs++
			}
		} else {
			e.nEmptyTs++
		}
	}
	return e.startA()
}

func (e *Engine) startA() tsm.NextAction {
	if e.cfg.IsSink {
		terminate := e.nEmptyTs >= e.cfg.R || e.nReceptionErrors >= e.cfg.X || e.nTA >= e.maxTAsDyn()-1
		bitmap := e.ctx.ReceivedBitmap
		out := deployment.Bitmap(0)
		if terminate {
			out = deployment.Sleep
			reason := "max TAs"
			if e.nEmptyTs >= e.cfg.R {
				reason = "max empty ts"
			} else if e.nReceptionErrors >= e.cfg.X {
				reason = "max reception errors"
			}
			e.log(exitReasonLine("sink", e.ctx.Epoch, reason))
		} else {
			out = bitmap
		}
		e.ctx.AckBitmap = out
		buf := make([]byte, AckHeaderSize)
		EncodeAck(buf, AckPacket{Epoch: e.ctx.Epoch, Flags: e.ctx.LastAckFlags, AckBitmap: uint64(out)})
		e.flood = ctf.NewInitiatorFlood(e.ctfConfig(e.cfg.NtxA), sinkVirtualID, false, buf, int(e.cfg.NtxA))
		e.terminateAfterA = terminate
		e.ph = phaseA
		return e.flood.Step(tsm.PrevAction{})
	}

	e.flood = ctf.NewForwarderFlood(e.ctfConfig(e.cfg.NtxA), AckHeaderSize, int(e.cfg.NtxA))
	e.ph = phaseA
	return e.flood.Step(tsm.PrevAction{})
}

func (e *Engine) afterA(payload []byte, ok bool) tsm.NextAction {
	if e.cfg.IsSink {
		if e.terminateAfterA {
			return tsm.NextAction{Action: tsm.ActionRestart, RestartInterval: e.cfg.PeriodTicks}
		}
		return e.startT()
	}

	if ok {
		if ack, aok := DecodeAck(payload); aok {
			e.ctx.AckBitmap |= deployment.Bitmap(ack.AckBitmap)
			if ack.Flags&AckFlagAck != 0 {
				e.nNoAcks = 0
			} else {
				e.nNoAcks++
			}
			if IsSleepOrder(uint64(e.ctx.AckBitmap)) {
				e.log(exitReasonLine("peer", e.ctx.Epoch, "sleep order"))
				return tsm.NextAction{Action: tsm.ActionRestart, RestartInterval: e.cfg.PeriodTicks}
			}
		} else {
			e.nNoAcks++
		}
	} else {
		e.nNoAcks++
		e.nReceptionErrorsA++
	}

	if e.peerShouldTerminate() {
		return tsm.NextAction{Action: tsm.ActionRestart, RestartInterval: e.cfg.PeriodTicks}
	}
	return e.startT()
}

func (e *Engine) peerShouldTerminate() bool {
	if e.nTA >= e.maxTAsDyn() {
		return true
	}
	if e.iTx && e.nNoAcks >= e.cfg.Z {
		return true
	}
	if !e.iTx && e.nNoAcks >= e.cfg.Y && e.nEmptyTs >= e.cfg.Y {
		return true
	}
	if e.cfg.Xa > 0 && e.nReceptionErrorsA >= e.cfg.Xa {
		return true
	}
	return false
}

// maxTAsDyn bounds the number of TA rounds per epoch by both the
// compile-time cap and the period/slot-duration ratio (spec.md §4.6:
// "Up to CRYSTAL_MAX_TAS TA rounds per epoch, bounded dynamically from
// period / slot duration").
func (e *Engine) maxTAsDyn() int {
	perTA := 3 * int(e.cfg.SlotDurationTicks) // roughly one T + one A slot pair, plus margin
	if perTA <= 0 {
		return CrystalMaxTAs
	}
	dyn := int(e.cfg.PeriodTicks) / perTA
	if dyn <= 0 {
		dyn = 1
	}
	if dyn > CrystalMaxTAs {
		dyn = CrystalMaxTAs
	}
	return dyn
}

func (e *Engine) ctfConfig(maxNTx uint8) ctf.Config {
	return ctf.Config{Version: ctf.VersionStandard, MaxNTx: maxNTx, SlotDuration: e.cfg.SlotDurationTicks}
}

func exitReasonLine(who string, epoch uint16, reason string) string {
	return ringlog.ExitReason(who, fmt.Sprintf("%d", epoch), reason)
}
