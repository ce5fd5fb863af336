package dw1000

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"uwbslot/devtime"
	"uwbslot/radio"
)

// Bus is the minimal SPI transaction primitive Device needs; satisfied
// by periph.io/x/conn/v3/spi.Conn (see host_linux.go) or a fake in
// device_test.go.
type Bus interface {
	Tx(w, r []byte) error
}

// ErrNotConfigured reports a radio that has not been configured. No
// Device method returns it; scheduling calls made before Configure are
// not checked.
var ErrNotConfigured = errors.New("dw1000: radio not configured")

type opState int

const (
	opIdle opState = iota
	opTx
	opRx
	opFpEnabled
	opFpSent
)

// Device implements radio.Radio against a real DW1000 over Bus. One
// goroutine (started by New, fed by the IRQ line) serializes
// every status readback and callback dispatch, so the callbacks
// themselves run outside of SPI-transaction context but still satisfy
// spec.md §4.1's "brief, non-blocking" requirement: the handler below
// does the blocking SPI work, and only the thin radio.Callback passed
// by SD/TSM is expected to be brief.
type Device struct {
	bus Bus
	irq <-chan struct{}

	mu      sync.Mutex
	cfg     radio.Config
	st      opState
	buf     []byte
	txCB, rxCB, toCB, errCB radio.Callback

	lastSFD  devtime.T
	lastDiag radio.Diagnostics
}

// New creates a Device bound to bus, with irq delivering one signal per
// rising edge of the DW1000's interrupt line (see host_linux.go /
// irq_linux.go for the real GPIO-backed producer).
func New(bus Bus, irq <-chan struct{}) *Device {
	d := &Device{bus: bus, irq: irq}
	go d.run()
	return d
}

func (d *Device) run() {
	for range d.irq {
		d.handleIRQ()
	}
}

func (d *Device) handleIRQ() {
	status, err := d.readReg32(regSysStatus)
	if err != nil {
		return
	}
	d.writeReg32(regSysStatus, status) // clear latched bits

	switch {
	case status&sysStatusRXDFR != 0 && status&sysStatusRXFCG != 0:
		d.onRxOK(status)
	case status&(sysStatusRXFCE|sysStatusRXPHE|sysStatusRXRFSL|sysStatusRXOVRR) != 0:
		d.dispatch(d.errCB, status)
	case status&(sysStatusRXRFTO|sysStatusRXPTO) != 0:
		d.dispatch(d.toCB, status)
	case status&sysStatusTXFRS != 0:
		d.onTxOK(status)
	}
}

func (d *Device) onTxOK(status uint32) {
	d.mu.Lock()
	d.st = opIdle
	d.mu.Unlock()
	sfd, _ := d.readTxTime()
	d.lastSFD = sfd
	d.dispatch(d.txCB, status)
}

func (d *Device) onRxOK(status uint32) {
	n, _ := d.readRxLen()
	rxbuf := make([]byte, n)
	d.readRxBuffer(rxbuf)
	sfd, _ := d.readRxTime()
	diag := d.readDiagnostics()

	d.mu.Lock()
	d.st = opIdle
	d.buf = rxbuf
	d.mu.Unlock()

	d.lastSFD = sfd
	d.lastDiag = diag

	if d.rxCB != nil {
		d.rxCB(radio.Event{Status: statusFromBits(status), SFDTime: sfd, RxBuf: rxbuf, RxLen: n, Diagnostics: diag})
	}
}

func (d *Device) dispatch(cb radio.Callback, status uint32) {
	if cb == nil {
		return
	}
	cb(radio.Event{Status: statusFromBits(status), SFDTime: d.lastSFD, Diagnostics: d.lastDiag})
}

func statusFromBits(status uint32) radio.Status {
	var s radio.Status
	if status&sysStatusTXFRS != 0 {
		s |= radio.StatusTxFRS
	}
	if status&sysStatusRXDFR != 0 {
		s |= radio.StatusRxDFR
	}
	if status&sysStatusRXFCG != 0 {
		s |= radio.StatusRxFCG
	}
	if status&sysStatusRXFCE != 0 {
		s |= radio.StatusRxFCE
	}
	if status&sysStatusRXPHE != 0 {
		s |= radio.StatusRxPHE
	}
	if status&sysStatusRXRFSL != 0 {
		s |= radio.StatusRxRFSL
	}
	if status&sysStatusRXRFTO != 0 {
		s |= radio.StatusRxRFTO
	}
	if status&sysStatusRXPTO != 0 {
		s |= radio.StatusRxPTO
	}
	if status&sysStatusRXOVRR != 0 {
		s |= radio.StatusRxOVRR
	}
	if status&sysStatusRXPREJ != 0 {
		s |= radio.StatusRxPREJ
	}
	return s
}

// Configure writes cfg's channel PLL setting (for channels listed in
// channelPLLCfg), TX antenna delay and TX power to the chip and records
// cfg for Config. PRF, preamble length, PAC and data rate are recorded
// but not written to any chip register.
func (d *Device) Configure(cfg radio.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.st != opIdle {
		return errors.New("dw1000: cannot configure while an operation is in flight")
	}
	if pll, ok := channelPLLCfg[cfg.Channel]; ok {
		if err := d.writeReg32(regFSCtrl, pll); err != nil {
			return err
		}
	}
	if err := d.writeReg16(regTxAntDelay, cfg.TxAntennaDelay15ps); err != nil {
		return err
	}
	if err := d.writeReg32(regTxPower, cfg.TxPower); err != nil {
		return err
	}
	d.cfg = cfg
	return nil
}

// Config returns the last configuration applied via Configure.
func (d *Device) Config() radio.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// SetCallbacks installs the completion handlers dispatched from the IRQ
// goroutine.
func (d *Device) SetCallbacks(tx, rx, to, err radio.Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txCB, d.rxCB, d.toCB, d.errCB = tx, rx, to, err
}

// WriteTxBuffer loads buf into the chip's TX_BUFFER and TX_FCTRL
// length field.
func (d *Device) WriteTxBuffer(buf []byte) error {
	if err := d.writeReg(regTxBuffer, buf); err != nil {
		return err
	}
	var fctrl [5]byte
	binary.LittleEndian.PutUint16(fctrl[:2], uint16(len(buf)+2)) // +2 for auto-FCS
	return d.writeReg(regTxFCtrl, fctrl[:])
}

// TxAt arms a delayed transmission so the SFD leaves the antenna at
// sfd. If rxAfter >= 0 it sets the wait-for-RX bit so the receiver turns
// on after TX completes; the rxAfter delay itself is not programmed.
func (d *Device) TxAt(sfd devtime.T, rxAfter time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.st != opIdle {
		return errors.New("dw1000: busy")
	}
	if err := d.writeReg32(regDXTime, uint32(sfd)); err != nil {
		return err
	}
	ctrl := uint32(sysCtrlTxStrt | sysCtrlTxDlys)
	if rxAfter >= 0 {
		ctrl |= sysCtrlWaitRx
	}
	if err := d.writeReg32(regSysCtrl, ctrl); err != nil {
		return err
	}
	d.st = opTx
	return nil
}

// RxImmediate turns RX on now with no timeout.
func (d *Device) RxImmediate() error {
	return d.startRxPAC(0, 0, 0)
}

// RxDelayed turns RX on at onTime with no timeout.
func (d *Device) RxDelayed(onTime devtime.T) error {
	return d.startRxPAC(onTime, 0, 0)
}

// RxWithTimeout turns RX on now with an absolute timeout deadline.
func (d *Device) RxWithTimeout(deadline devtime.T) error {
	return d.startRxPAC(0, deadline, 0)
}

// RxSlot turns RX on at onTime, with an absolute timeout at deadline
// and a preamble-detect timeout of pacCount PACs.
func (d *Device) RxSlot(onTime, deadline devtime.T, pacCount int) error {
	return d.startRxPAC(onTime, deadline, pacCount)
}

func (d *Device) startRxPAC(onTime, deadline devtime.T, pacCount int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.st != opIdle {
		return errors.New("dw1000: busy")
	}
	ctrl := uint32(sysCtrlRxEnab)
	if onTime != 0 {
		if err := d.writeReg32(regDXTime, uint32(onTime)); err != nil {
			return err
		}
		ctrl |= sysCtrlTxDlys
	}
	if deadline != 0 {
		if err := d.writeReg32(regRxFWTO, uint32(deadline)); err != nil {
			return err
		}
	}
	if pacCount > 0 {
		if err := d.writeReg16(regDRXConf, uint16(pacCount)); err != nil {
			return err
		}
	}
	if err := d.writeReg32(regSysCtrl, ctrl); err != nil {
		return err
	}
	d.st = opRx
	return nil
}

// TxAtFP schedules a preamble-only (Flick) transmission.
func (d *Device) TxAtFP(sfd devtime.T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.st != opIdle {
		return errors.New("dw1000: busy")
	}
	if err := d.writeReg32(regDXTime, uint32(sfd)); err != nil {
		return err
	}
	d.st = opFpSent
	return d.writeReg32(regSysCtrl, sysCtrlTxStrt|sysCtrlTxDlys)
}

// RxSlotFP arms a Flick RX.
func (d *Device) RxSlotFP(onTime, deadline devtime.T, sniff bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.st != opIdle {
		return errors.New("dw1000: busy")
	}
	if sniff {
		d.writeReg32(regRxSniff, 1)
	}
	if err := d.writeReg32(regDXTime, uint32(onTime)); err != nil {
		return err
	}
	if err := d.writeReg32(regRxFWTO, uint32(deadline)); err != nil {
		return err
	}
	d.st = opFpEnabled
	return d.writeReg32(regSysCtrl, sysCtrlRxEnab)
}

// ForceTRxOff aborts any in-flight operation immediately.
func (d *Device) ForceTRxOff() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeReg32(regSysCtrl, sysCtrlTRxOff)
	d.st = opIdle
}

// RxReset clears RX state after an error condition.
func (d *Device) RxReset() {
	d.writeReg(regRFConf, []byte{0x00})
	d.writeReg(regRFConf, []byte{0x01})
}

// ReadRxBuffer copies the last received payload into buf.
func (d *Device) ReadRxBuffer(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := copy(buf, d.buf)
	return n, nil
}

// ReadSFDTime returns the SFD timestamp of the last TX or RX.
func (d *Device) ReadSFDTime() devtime.T {
	return d.lastSFD
}

// ReadDiagnostics returns the diagnostics of the last RX.
func (d *Device) ReadDiagnostics() radio.Diagnostics {
	return d.lastDiag
}

func (d *Device) readRxLen() (int, error) {
	v, err := d.readReg32(regRxFInfo)
	if err != nil {
		return 0, err
	}
	return int(v & 0x3FF), nil
}

func (d *Device) readRxBuffer(buf []byte) error {
	return d.readReg(regRxBuffer, buf)
}

func (d *Device) readRxTime() (devtime.T, error) {
	var b [5]byte
	if err := d.readReg(regRxTime, b[:]); err != nil {
		return 0, err
	}
	return ticks40(b), nil
}

func (d *Device) readTxTime() (devtime.T, error) {
	var b [5]byte
	if err := d.readReg(regTxTime, b[:]); err != nil {
		return 0, err
	}
	return ticks40(b), nil
}

// ticks40 extracts the upper 32 bits of the chip's 40-bit system-time
// readback, which is what devtime.T represents (spec.md §3).
func ticks40(b [5]byte) devtime.T {
	var v uint64
	for i := 4; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return devtime.T(uint32(v >> 8))
}

// readDiagnostics gathers the LDE/RF readback used by statetime and
// Weaver's RxPowerOK threshold (spec.md §4.7).
func (d *Device) readDiagnostics() radio.Diagnostics {
	fpAmp1, _ := d.readReg16At(regRxTime, 7)
	fpAmp2, _ := d.readReg16At(regRxFQual, 0)
	fpAmp3, _ := d.readReg16At(regRxFQual, 2)
	pacc, _ := d.readReg16At(regRxFInfo, 2)
	growth, _ := d.readReg32(regRxFQual)
	ci, _ := d.readReg32(regRxTTCKO)
	return radio.Diagnostics{
		MaxGrowthCIR:      growth,
		FirstPathAmp1:     fpAmp1,
		FirstPathAmp2:     fpAmp2,
		FirstPathAmp3:     fpAmp3,
		RXPACCAdjusted:    uint32(pacc),
		CarrierIntegrator: int32(ci),
	}
}

func (d *Device) readReg32(reg byte) (uint32, error) {
	var b [4]byte
	if err := d.readReg(reg, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (d *Device) readReg16At(reg byte, offset int) (uint16, error) {
	buf := make([]byte, offset+2)
	if err := d.readReg(reg, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[offset:]), nil
}

func (d *Device) writeReg32(reg byte, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return d.writeReg(reg, b[:])
}

func (d *Device) writeReg16(reg byte, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return d.writeReg(reg, b[:])
}

func (d *Device) readReg(reg byte, out []byte) error {
	w := make([]byte, len(out)+1)
	w[0] = reg & 0x3F
	r := make([]byte, len(out)+1)
	if err := d.bus.Tx(w, r); err != nil {
		return err
	}
	copy(out, r[1:])
	return nil
}

func (d *Device) writeReg(reg byte, data []byte) error {
	w := make([]byte, len(data)+1)
	w[0] = reg&0x3F | 0x80
	copy(w[1:], data)
	return d.bus.Tx(w, nil)
}
