package tsm

import "encoding/binary"

// HeaderSize is the number of bytes TSM prepends to every packet
// (spec.md §6).
const HeaderSize = 7

// CrcTag is the constant tag every TSM header must carry; a received
// header with a different tag is rejected as RxMalformed.
const CrcTag = 0xAE

// Header is the per-packet framing TSM prepends to every TSM packet
// (spec.md §3, §6).
type Header struct {
	TxDelay     uint16
	MinislotIdx uint32
	CrcTag      uint8
}

// Encode writes h into buf[:HeaderSize] in the wire layout: tx_delay
// (u16 LE), minislot_idx (u32 LE), crc_tag (u8).
func (h Header) Encode(buf []byte) {
	_ = buf[:HeaderSize] // bounds check hint
	binary.LittleEndian.PutUint16(buf[0:2], h.TxDelay)
	binary.LittleEndian.PutUint32(buf[2:6], h.MinislotIdx)
	buf[6] = h.CrcTag
}

// Decode parses a Header from buf[:HeaderSize]. ok is false if buf is
// too short; the caller must separately check h.CrcTag == CrcTag.
func Decode(buf []byte) (h Header, ok bool) {
	if len(buf) < HeaderSize {
		return Header{}, false
	}
	h.TxDelay = binary.LittleEndian.Uint16(buf[0:2])
	h.MinislotIdx = binary.LittleEndian.Uint32(buf[2:6])
	h.CrcTag = buf[6]
	return h, true
}
