package crystal

import "errors"

// Compile-time protocol constants named in spec.md §4.6/§6; these are
// not runtime-configurable.
const (
	// CrystalMaxTAs bounds the number of TA rounds per epoch regardless
	// of the dynamic cap computed from period/slot duration.
	CrystalMaxTAs = 32
	// NSilentEpochsToStopSending is how many consecutive missed
	// bootstraps a peer tolerates before it stops injecting its own
	// transmissions (it keeps trying to resynchronize).
	NSilentEpochsToStopSending = 3
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("crystal: invalid configuration")

// Config is the Crystal engine configuration surface (spec.md §6).
type Config struct {
	PeriodTicks int32
	IsSink      bool

	NtxS, NtxT, NtxA    uint8
	PldsS, PldsT, PldsA int

	R  int // sink_max_empty_ts
	Y  int // max_silent_tas
	Z  int // max_missing_acks
	X  int // sink_max_rcp_errors_ts: sink-side T-phase reception error cap (startA)
	Xa int // max_rcp_errors_as: peer-side A-phase reception error cap (peerShouldTerminate); 0 disables the check

	ScanDurationEpochs int

	SlotDurationTicks int32

	// CrystalSyncAcks is accepted but not read by the engine. A peer
	// stops injecting its own data after NSilentEpochsToStopSending
	// consecutive missed sync floods whatever this flag says, and a
	// received ACK does not extend that allowance.
	CrystalSyncAcks bool
}

// Validate checks the configuration is internally consistent.
func (c Config) Validate() error {
	if c.PeriodTicks <= 0 || c.SlotDurationTicks <= 0 {
		return ErrInvalidConfig
	}
	if c.NtxS == 0 || c.NtxT == 0 || c.NtxA == 0 {
		return ErrInvalidConfig
	}
	if c.R < 0 || c.Y < 0 || c.Z < 0 || c.X < 0 || c.Xa < 0 {
		return ErrInvalidConfig
	}
	return nil
}
