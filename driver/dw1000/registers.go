// Package dw1000 binds the radio.Radio interface to a real DW1000
// transceiver over SPI, the way driver/tmc2209 and driver/st25r3916 bind
// their chips over a bus abstraction: a small register map, a handful of
// read/modify/write helpers, and a Device that owns the in-flight
// operation state radio.Radio describes (spec.md §4.1, §6).
package dw1000

// Register file IDs (DW1000 register map, subset needed by this driver).
const (
	regDevID      = 0x00
	regEUI        = 0x01
	regPANADR     = 0x03
	regSysCfg     = 0x04
	regSysTime    = 0x06
	regTxFCtrl    = 0x08
	regTxBuffer   = 0x09
	regDXTime     = 0x0A
	regRxFWTO     = 0x0C
	regSysCtrl    = 0x0D
	regSysMask    = 0x0E
	regSysStatus  = 0x0F
	regRxFInfo    = 0x10
	regRxBuffer   = 0x11
	regRxFQual    = 0x12
	regRxTTCKI    = 0x13
	regRxTTCKO    = 0x14
	regRxTime     = 0x15
	regTxTime     = 0x17
	regTxAntDelay = 0x18
	regAckRespT   = 0x1A
	regRxSniff    = 0x1D
	regTxPower    = 0x1E
	regChanCtrl   = 0x1F
	regUsrSFD     = 0x21
	regAGCCtrl    = 0x23
	regExtSync    = 0x24
	regAccMem     = 0x25
	regGPIOCtrl   = 0x26
	regDRXConf    = 0x27
	regRFConf     = 0x28
	regTxCal      = 0x2A
	regFSCtrl     = 0x2B
	regAON        = 0x2C
	regOTPIf      = 0x2D
	regLDEIf      = 0x2E
	regDigDiag    = 0x2F
	regPMSC       = 0x36
)

// SYS_STATUS bits read back after every interrupt (spec.md §4.1's
// Status derives straight from these; radio.Status mirrors them 1:1).
const (
	sysStatusIRQS  = 1 << 0
	sysStatusTXFRS = 1 << 7
	sysStatusLDEDone = 1 << 10
	sysStatusRXPHE = 1 << 12
	sysStatusRXDFR = 1 << 13
	sysStatusRXFCG = 1 << 14
	sysStatusRXFCE = 1 << 15
	sysStatusRXRFSL = 1 << 16
	sysStatusRXRFTO = 1 << 17
	sysStatusRXPTO  = 1 << 21
	sysStatusRXOVRR = 1 << 20
	sysStatusRXPREJ = 1 << 29
)

// SYS_CTRL bits used to kick off an operation.
const (
	sysCtrlTxStrt  = 1 << 1
	sysCtrlTxDlys  = 1 << 2
	sysCtrlTRxOff  = 1 << 6
	sysCtrlWaitRx  = 1 << 9
	sysCtrlRxEnab  = 1 << 8
)

// channelPLLCfg holds the per-channel PLL tuning values the DW1000 datasheet tabulates; only the channels spec.md's
// radio.Config allows (1-5, 7) have entries.
var channelPLLCfg = map[int]uint32{
	1: 0x09000407,
	2: 0x08400508,
	3: 0x08401009,
	4: 0x08400508,
	5: 0x0800041D,
	7: 0x0800041D,
}
