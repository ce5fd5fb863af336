package weaver

import "errors"

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("weaver: invalid configuration")

// WeaverMissedBootstrapBeforeScan bounds how many ordinary RX slots a
// node may finish without bootstrapping before it falls back to a
// continuous SCAN (spec.md §4.7 step 1). The count is of slots, not of
// epochs.
const WeaverMissedBootstrapBeforeScan = 4

// MaxJitterMult and JitterStep bound the random tx_delay jitter applied
// to every TX sub-slot (spec.md §4.7 step 2, TX sub-slot).
const (
	MaxJitterMult = 8
	JitterStep    = int32(50) // device-time ticks
)

// globalAckWrap is the modulus of the global-ack counter: it
// wraps at 3 * GlobalAckPeriod (spec.md §4.7 step 3).
func globalAckWrap(period int) int {
	return 3 * period
}

// Config is the Weaver engine configuration surface (spec.md §6).
type Config struct {
	SinkID          uint16
	SinkRadius      int
	BootRedundancy  int
	GlobalAckPeriod int
	NOriginators    int

	FSEnable      bool
	MaxFSLatency  int32

	Ntx, Nrx int
	SleepNtx int

	TerminationWait int

	RxPwrThreshold         int // advisory only: radio.Diagnostics.RxPowerOK hardwires the spec's 297 threshold
	MaxRxConsecutiveErrors int // spec default 20

	ExtraPayloadLen int

	SlotDurationTicks int32
}

// Validate checks the configuration is internally consistent.
func (c Config) Validate() error {
	if c.SlotDurationTicks <= 0 || c.GlobalAckPeriod <= 0 {
		return ErrInvalidConfig
	}
	if c.Ntx <= 0 || c.Nrx < 0 {
		return ErrInvalidConfig
	}
	if c.MaxRxConsecutiveErrors <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// localAckSuppressionInterval implements
// WEAVER_LOCAL_ACK_SUPPRESSION_INTERVAL(hop, gack, GACK_PERIOD)
// (spec.md §4.7 step 4): a node farther from the sink needs more time
// before re-announcing, so the suppression window grows with hop
// distance, and it also grows with how far the global-ACK counter still
// has to travel before the next global ACK.
func localAckSuppressionInterval(hop int, gack, gackPeriod int) int32 {
	remaining := gackPeriod - gack%gackPeriod
	return int32(hop+1)*int32(remaining) + int32(hop)
}
