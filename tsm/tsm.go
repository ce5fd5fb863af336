// Package tsm implements the Time-Slot Manager (component D): it owns
// the epoch reference time, the logic-slot and minislot indices, frames
// every TX with the TSM header and validates it on RX, and drives a
// cooperative per-slot callback protocol through the PrevAction /
// NextAction exchange (spec.md §4.4).
//
// Like sd.Driver, the Manager is a single in-flight-operation state
// machine; unlike sd it additionally owns a "continuation" concept for
// Restart, which the spec describes as tail-recursive re-entry of the
// engine callback. That is implemented here as a plain loop rather than
// actual recursion, to keep stack depth bounded across long-running
// deployments.
package tsm

import (
	"uwbslot/devtime"
	"uwbslot/radio"
	"uwbslot/sd"
)

// Action is the slot operation an engine requests for the next slot.
type Action int

const (
	ActionNone Action = iota
	ActionTx
	ActionRx
	ActionScan
	ActionRestart
	ActionStop
	ActionEvent   // FS TX
	ActionEventFp // FS RX-and-propagate
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "None"
	case ActionTx:
		return "Tx"
	case ActionRx:
		return "Rx"
	case ActionScan:
		return "Scan"
	case ActionRestart:
		return "Restart"
	case ActionStop:
		return "Stop"
	case ActionEvent:
		return "Event"
	case ActionEventFp:
		return "EventFp"
	default:
		return "Unknown"
	}
}

// PrevAction is handed to the engine callback describing the outcome of
// the previous slot (spec.md §4.4).
type PrevAction struct {
	Action       Action
	Status       sd.Status
	RadioStatus  radio.Status
	Buffer       []byte
	PayloadLen   int
	Diagnostics  radio.Diagnostics
	MinislotIdx  int64
	LogicSlotIdx int64

	// Remote* are valid only when Status == sd.StatusRxSuccess: the
	// peer's reported indices, recovered from the TSM header of the
	// last RX.
	HasRemote           bool
	RemoteMinislotIdx   int64
	RemoteLogicSlotIdx  int64
	remoteTref          devtime.T
}

// TSMDefaultRxGuard is the sentinel NextAction.RxGuardTime value meaning
// "use the configured default guard time" (and therefore derive the
// preamble-detect timeout from the current radio configuration, rather
// than disabling it for this slot; spec.md §4.4 point 5).
const TSMDefaultRxGuard int32 = -1

// NextAction is the engine's request for the upcoming slot (spec.md
// §4.4). Zero value means: no-op action, progress one logic slot (and
// the configured minislot grouping), no sync, no TX delay, default RX
// guard.
type NextAction struct {
	Action              Action
	ProgressLogicSlots  int
	ProgressMinislots   int
	AcceptSync          bool
	TxDelay             uint16
	RxGuardTime         int32
	RestartInterval     int32
	MinislotsToUse      int
	MaxFsFloodDuration  int32
	Buffer              []byte
	PayloadLen          int
	SniffFP             bool
}

// EngineFunc is the per-slot callback the engine supplies. It is called
// once per completed slot operation (and once at epoch start with
// LogicSlotIdx == -1), and must return exactly one NextAction (spec.md
// §4.4 invariant 1).
type EngineFunc func(PrevAction) NextAction

// Config is the TSM configuration surface (spec.md §6).
type Config struct {
	SlotDurationTicks      int32
	RxTimeoutTicks         int32
	DefaultRxGuardTicks    int32
	DefaultMinislotGrouping int
}

// TSM_DEFAULT_RXGUARD names the spec constant used as NextAction's
// implicit default when an engine does not set RxGuardTime explicitly
// (callers should use TSMDefaultRxGuard as the zero-ish sentinel; this
// alias documents the spec name).
const TSM_DEFAULT_RXGUARD = TSMDefaultRxGuard

// Manager runs the cooperative slot schedule described in spec.md §4.4
// over a single sd.Driver.
type Manager struct {
	sd     *sd.Driver
	radio  radio.Radio
	cfg    Config
	engine EngineFunc
	now    func() devtime.T

	tref         devtime.T
	logicSlotIdx int64
	minislotIdx  int64

	stopped    bool
	lastAction Action

	// OnSlot, if set, is invoked with every PrevAction/NextAction pair
	// for logging/replay (ringlog and cmd/uwbslot-sim use this).
	OnSlot func(PrevAction, NextAction)
	// OnRestart is invoked whenever the engine requests Restart, after
	// tref has been advanced, before the engine is re-entered.
	OnRestart func(newTref devtime.T)
}

// New creates a Manager over radio r with the given configuration and
// engine callback. now is used to read the device clock for the
// initial epoch computation.
func New(r radio.Radio, cfg Config, now func() devtime.T, engine EngineFunc) *Manager {
	m := &Manager{radio: r, cfg: cfg, engine: engine, now: now}
	m.sd = sd.New(r, m.onSlotDone)
	return m
}

// Start computes tref = now() + epochInitTicks and runs the first
// engine callback (spec.md §4.4 point 1: logic_slot_idx == -1, status
// == None).
func (m *Manager) Start(epochInitTicks int32) {
	m.tref = m.now().AddTicks(epochInitTicks)
	m.logicSlotIdx = -1
	m.minislotIdx = -1
	m.stopped = false
	m.sd.Monitor().ResetEpoch()
	m.step(PrevAction{Action: ActionNone, Status: sd.StatusNone, LogicSlotIdx: -1, MinislotIdx: -1})
}

// Stopped reports whether the engine has requested Stop.
func (m *Manager) Stopped() bool {
	return m.stopped
}

// Tref returns the current epoch reference time.
func (m *Manager) Tref() devtime.T {
	return m.tref
}

// step is the single re-entrant point: given the outcome of the
// previous operation, ask the engine what to do next and execute it.
// Restart is handled with a loop rather than recursion so a long
// sequence of Restarts (e.g. many consecutive empty epochs) never grows
// the call stack (spec.md §4.4 point 4 describes tail-recursive
// re-entry; this is the stack-safe equivalent).
func (m *Manager) step(prev PrevAction) {
	for {
		na := m.engine(prev)
		if m.OnSlot != nil {
			m.OnSlot(prev, na)
		}

		if na.Action == ActionStop {
			m.sd.Cancel()
			m.stopped = true
			return
		}

		if na.Action == ActionRestart {
			m.tref = m.tref.AddTicks(na.RestartInterval)
			m.logicSlotIdx = -1
			m.minislotIdx = -1
			if m.OnRestart != nil {
				m.OnRestart(m.tref)
			}
			prev = PrevAction{Action: ActionNone, Status: sd.StatusNone, LogicSlotIdx: -1, MinislotIdx: -1}
			continue
		}

		// Adopt peer sync before index progression (spec.md §4.4 point
		// 2a, invariant "sync acceptance happens before index
		// progression").
		if na.AcceptSync && prev.Status == sd.StatusRxSuccess && prev.HasRemote {
			m.tref = prev.remoteTref
			m.logicSlotIdx = prev.RemoteLogicSlotIdx
			m.minislotIdx = prev.RemoteMinislotIdx
			m.sd.Monitor().ResetEpoch()
		}

		progressLogic := na.ProgressLogicSlots
		if progressLogic == 0 {
			progressLogic = 1
		}
		progressMini := na.ProgressMinislots
		if progressMini == 0 {
			progressMini = m.cfg.DefaultMinislotGrouping
			if progressMini == 0 {
				progressMini = 1
			}
		}
		m.logicSlotIdx += int64(progressLogic)
		m.minislotIdx += int64(progressMini)

		m.lastAction = na.Action
		if err := m.execute(na); err != nil {
			// ScheduleLate or similar: no SD completion ever happens
			// for this attempt. Skip the slot and let the engine
			// decide the next one (spec.md §9 "Fallible scheduling":
			// the engine matches Err(ScheduleLate) -> skip, never
			// retry).
			prev = PrevAction{
				Action:       na.Action,
				Status:       sd.StatusNone,
				LogicSlotIdx: m.logicSlotIdx,
				MinislotIdx:  m.minislotIdx,
			}
			continue
		}
		return
	}
}

// execute arms the SD operation requested by na for the current slot
// indices.
func (m *Manager) execute(na NextAction) error {
	slotRef := m.tref.AddTicks(int32(m.minislotIdx) * m.cfg.SlotDurationTicks)
	switch na.Action {
	case ActionNone:
		// No radio activity this slot: arm a pure timer so the engine
		// is re-entered at the slot boundary.
		deadline := slotRef.AddTicks(m.cfg.SlotDurationTicks)
		return m.sd.SetTimer(deadline)

	case ActionTx:
		buf := na.Buffer
		hdr := Header{TxDelay: na.TxDelay, MinislotIdx: uint32(m.minislotIdx), CrcTag: CrcTag}
		hdr.Encode(buf)
		total := HeaderSize + na.PayloadLen
		sfd := slotRef.AddTicks(int32(na.TxDelay))
		return m.sd.TxAt(buf, total, sfd)

	case ActionRx:
		guard := na.RxGuardTime
		if guard == 0 || guard == TSMDefaultRxGuard {
			guard = m.cfg.DefaultRxGuardTicks
		}
		onTime := slotRef.AddTicks(-guard)
		deadline := slotRef.AddTicks(m.cfg.RxTimeoutTicks)
		pacs := 0
		if guard == m.cfg.DefaultRxGuardTicks {
			pacs = defaultPreambleTimeoutPACs(m.radio.Config())
		}
		return m.sd.RxSlot(na.Buffer, onTime, deadline, pacs)

	case ActionScan:
		return m.sd.Rx(na.Buffer)

	case ActionEvent:
		sfd := slotRef.AddTicks(int32(na.TxDelay))
		return m.sd.TxAtFP(sfd)

	case ActionEventFp:
		deadline := slotRef.AddTicks(na.MaxFsFloodDuration)
		return m.sd.RxSlotFP(slotRef, deadline, na.SniffFP)

	default:
		deadline := slotRef.AddTicks(m.cfg.SlotDurationTicks)
		return m.sd.SetTimer(deadline)
	}
}

// onSlotDone is sd's completion callback: it parses the inbound TSM
// header (if any), builds the PrevAction, and re-enters the engine.
func (m *Manager) onSlotDone(rec sd.Record) {
	prev := PrevAction{
		Action:       m.lastAction,
		Status:       rec.Status,
		RadioStatus:  rec.RadioStatus,
		Diagnostics:  rec.Diagnostics,
		MinislotIdx:  m.minislotIdx,
		LogicSlotIdx: m.logicSlotIdx,
	}
	if rec.Status == sd.StatusRxSuccess {
		hdr, ok := Decode(rec.Buffer)
		if !ok || hdr.CrcTag != CrcTag {
			prev.Status = sd.StatusRxMalformed
			prev.Buffer = rec.Buffer
			prev.PayloadLen = rec.PayloadLen
		} else {
			payload := rec.Buffer[HeaderSize:rec.PayloadLen]
			prev.Buffer = payload
			prev.PayloadLen = len(payload)

			grouping := m.cfg.DefaultMinislotGrouping
			if grouping == 0 {
				grouping = 1
			}
			remoteSlotTref := rec.SFDTime.AddTicks(-int32(hdr.TxDelay))
			remoteTref := remoteSlotTref.AddTicks(-int32(hdr.MinislotIdx) * m.cfg.SlotDurationTicks)
			prev.HasRemote = true
			prev.RemoteMinislotIdx = int64(hdr.MinislotIdx)
			prev.RemoteLogicSlotIdx = int64(hdr.MinislotIdx) / int64(grouping)
			prev.remoteTref = remoteTref
		}
	} else {
		prev.Buffer = rec.Buffer
		prev.PayloadLen = rec.PayloadLen
	}
	m.step(prev)
}

// defaultPreambleTimeoutPACs derives the preamble-detect timeout, in
// PAC units, from the current radio configuration (spec.md §9 Open
// Question 3: recomputed on every slot rather than cached, so a runtime
// Configure call is always reflected).
func defaultPreambleTimeoutPACs(cfg radio.Config) int {
	if cfg.PAC == 0 {
		return 0
	}
	return cfg.PreambleLength / cfg.PAC
}
