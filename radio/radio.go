// Package radio abstracts the impulse-UWB transceiver (component A of the
// protocol core): it configures the chip, schedules a single TX or RX
// operation at an absolute device-time deadline, and delivers completion
// through callbacks. Everything below it (SPI, registers, the DW1000's
// bit layout) lives in driver/dw1000 and is out of scope here; everything
// above it (sd, tsm, ...) only ever sees this interface.
package radio

import (
	"errors"
	"time"

	"uwbslot/devtime"
)

// ErrConfigurationInvalid is returned by Configure when an option is out
// of range, or any configuration call is made while the radio is asleep.
var ErrConfigurationInvalid = errors.New("radio: invalid configuration")

// ErrScheduleLate is returned by a scheduling call whose deadline has
// already passed (or is otherwise unreachable, see devtime.Reachable).
var ErrScheduleLate = errors.New("radio: schedule time has passed")

// PRF is the pulse repetition frequency.
type PRF int

const (
	PRF16MHz PRF = 16
	PRF64MHz PRF = 64
)

// DataRate is the PHY bit rate.
type DataRate int

const (
	DataRate110K DataRate = 110_000
	DataRate850K DataRate = 850_000
	DataRate6M8  DataRate = 6_800_000
)

// SFDMode selects the start-of-frame delimiter.
type SFDMode int

const (
	SFDStandard SFDMode = iota
	SFDNonStandard
)

// PHRMode selects the PHY header mode.
type PHRMode int

const (
	PHRStandard PHRMode = iota
	PHRExtended
)

// PreambleLengths lists the symbol counts the chip accepts.
var PreambleLengths = []int{64, 128, 256, 512, 1024, 1536, 2048, 4096}

// PACs lists the preamble acquisition chunk sizes the chip accepts.
var PACs = []int{8, 16, 32, 64}

// Config is the full radio configuration surface (spec.md §6).
type Config struct {
	Channel               int // 1..7, 6 is unused on the DW1000
	PRF                   PRF
	PreambleLength        int
	PAC                   int
	PreambleCode          uint8
	DataRate              DataRate
	SFDMode               SFDMode
	SFDTimeout            uint16
	PHRMode               PHRMode
	TxPower               uint32
	PGDelay               uint8
	RxAntennaDelay15ps    uint16
	TxAntennaDelay15ps    uint16
	SmartTxPower          bool
}

// Validate reports whether the configuration is within range, per the
// enumerations in spec.md §6. It performs no radio I/O.
func (c *Config) Validate() error {
	if c.Channel < 1 || c.Channel > 7 || c.Channel == 6 {
		return ErrConfigurationInvalid
	}
	if c.PRF != PRF16MHz && c.PRF != PRF64MHz {
		return ErrConfigurationInvalid
	}
	ok := false
	for _, l := range PreambleLengths {
		if c.PreambleLength == l {
			ok = true
			break
		}
	}
	if !ok {
		return ErrConfigurationInvalid
	}
	ok = false
	for _, p := range PACs {
		if c.PAC == p {
			ok = true
			break
		}
	}
	if !ok {
		return ErrConfigurationInvalid
	}
	switch c.DataRate {
	case DataRate110K, DataRate850K, DataRate6M8:
	default:
		return ErrConfigurationInvalid
	}
	return nil
}

// Diagnostics carries the per-operation radio readback used by SD,
// statetime and Weaver's RX-power threshold (spec.md §4.7).
type Diagnostics struct {
	MaxGrowthCIR   uint32
	FirstPathAmp1  uint16
	FirstPathAmp2  uint16
	FirstPathAmp3  uint16
	RXPACCAdjusted uint32
	CarrierIntegrator int32
}

// RxPowerOK implements the Weaver hard bootstrap-acceptance threshold:
// (maxGrowthCIR << 16) / rxpacc^2 >= 297.
func (d Diagnostics) RxPowerOK() bool {
	if d.RXPACCAdjusted == 0 {
		return false
	}
	num := uint64(d.MaxGrowthCIR) << 16
	den := uint64(d.RXPACCAdjusted) * uint64(d.RXPACCAdjusted)
	return num/den >= 297
}

// Status are the raw per-operation radio status bits surfaced to SD.
type Status uint32

const (
	StatusTxFRS  Status = 1 << iota // frame sent
	StatusRxDFR                     // data frame ready
	StatusRxFCG                     // frame check good
	StatusRxFCE                     // frame check error
	StatusRxPHE                     // PHY header error
	StatusRxRFSL                    // Reed-Solomon frame sync loss
	StatusRxRFTO                    // RX frame wait timeout
	StatusRxPTO                     // preamble detection timeout
	StatusRxPREJ                    // preamble rejection
	StatusRxOVRR                    // RX overrun
)

// Event is delivered to the callback registered with the radio; it
// corresponds to a single completed or failed operation.
type Event struct {
	Status      Status
	SFDTime     devtime.T // SFD timestamp of the TX/RX, when known
	RxBuf       []byte    // received payload, valid on RxDFR
	RxLen       int
	Diagnostics Diagnostics
}

// Callback is invoked from interrupt context; implementations must be
// brief (spec.md §4.1): they deposit the event and return.
type Callback func(Event)

// NoSwitchToRX indicates TxAt should not automatically switch to RX.
const NoSwitchToRX time.Duration = -1

// Radio is the interface SD programs against. Implementations: the real
// binding in driver/dw1000, and the in-process simulator in radio/rsim.
type Radio interface {
	// Configure applies a full configuration. Must not be called while
	// an operation is in flight.
	Configure(cfg Config) error
	Config() Config

	// SetCallbacks installs the completion handlers. TxCB fires on
	// TxDone, RxCB on a successful reception, TOCB on any RX timeout
	// (frame-wait or preamble-detect), ErrCB on PHE/FCE/RFSL/overrun.
	SetCallbacks(tx, rx, to, err Callback)

	// WriteTxBuffer loads the frame to transmit. The implementations in
	// this module leave auto-FCS enabled throughout TxAt/TxAtFP, so a
	// late write still goes out with a valid FCS.
	WriteTxBuffer(buf []byte) error

	// TxAt schedules transmission so the SFD leaves the antenna at
	// sfd. If rxAfter >= 0, the radio automatically switches to RX
	// rxAfter after TX completes (used by Glossy's "Standard" version
	// to resume listening without an extra scheduling call).
	TxAt(sfd devtime.T, rxAfter time.Duration) error

	// RxImmediate turns RX on now with no timeout.
	RxImmediate() error
	// RxDelayed turns RX on at onTime with no timeout.
	RxDelayed(onTime devtime.T) error
	// RxWithTimeout turns RX on now, with an absolute timeout deadline.
	RxWithTimeout(deadline devtime.T) error
	// RxSlot turns RX on at onTime, arms an absolute timeout at
	// deadline, and a preamble-detect timeout of pacCount PACs (0
	// disables it).
	RxSlot(onTime, deadline devtime.T, pacCount int) error

	// TxAtFP schedules a preamble-only (Flick) transmission.
	TxAtFP(sfd devtime.T) error
	// RxSlotFP arms a Flick RX: SFD timeout forced to one symbol, an
	// absolute deadline, and optional sniff mode.
	RxSlotFP(onTime, deadline devtime.T, sniff bool) error

	// ForceTRxOff aborts any in-flight operation immediately.
	ForceTRxOff()
	// RxReset clears RX state after an error condition; SD calls this
	// after every RX error path before arming the next operation.
	RxReset()

	// ReadRxBuffer copies the last received payload into buf, returning
	// the number of bytes copied.
	ReadRxBuffer(buf []byte) (int, error)
	// ReadSFDTime returns the SFD timestamp of the last TX or RX.
	ReadSFDTime() devtime.T
	// ReadDiagnostics returns the diagnostics of the last RX.
	ReadDiagnostics() Diagnostics
}
