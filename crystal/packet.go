// Package crystal implements the Crystal engine (component F,
// spec.md §4.6): a periodic, sink-coordinated S/T/A data-collection
// protocol layered on ctf.TSMFlood and tsm.Manager.
package crystal

import "encoding/binary"

// PacketType is the Crystal packet discriminant (spec.md §6).
type PacketType uint8

const (
	TypeSync PacketType = 0x01
	TypeData PacketType = 0x02
	TypeAck  PacketType = 0x03
)

const (
	// AckFlagNack and AckFlagAck are the two low bits of an ACK
	// packet's flags byte (spec.md §6).
	AckFlagNack = 1 << 0
	AckFlagAck  = 1 << 1
)

// SyncHeaderSize, DataHeaderSize and AckHeaderSize are the per-type
// sub-header sizes, immediately after the 1-byte type (spec.md §6).
const (
	SyncHeaderSize = 1 + 2
	DataHeaderSize = 1 + 2
	AckHeaderSize  = 1 + 2 + 1 + 8
)

// EncodeSync writes a SYNC packet (type, epoch) into buf.
func EncodeSync(buf []byte, epoch uint16) {
	buf[0] = byte(TypeSync)
	binary.LittleEndian.PutUint16(buf[1:3], epoch)
}

// DecodeSync parses a SYNC packet's epoch field.
func DecodeSync(buf []byte) (epoch uint16, ok bool) {
	if len(buf) < SyncHeaderSize || PacketType(buf[0]) != TypeSync {
		return 0, false
	}
	return binary.LittleEndian.Uint16(buf[1:3]), true
}

// EncodeData writes a DATA packet (type, src) into buf.
func EncodeData(buf []byte, src uint16) {
	buf[0] = byte(TypeData)
	binary.LittleEndian.PutUint16(buf[1:3], src)
}

// DecodeData parses a DATA packet's source id.
func DecodeData(buf []byte) (src uint16, ok bool) {
	if len(buf) < DataHeaderSize || PacketType(buf[0]) != TypeData {
		return 0, false
	}
	return binary.LittleEndian.Uint16(buf[1:3]), true
}

// AckPacket is a decoded ACK sub-header.
type AckPacket struct {
	Epoch     uint16
	Flags     uint8
	AckBitmap uint64
}

// EncodeAck writes an ACK packet into buf.
func EncodeAck(buf []byte, p AckPacket) {
	buf[0] = byte(TypeAck)
	binary.LittleEndian.PutUint16(buf[1:3], p.Epoch)
	buf[3] = p.Flags
	binary.LittleEndian.PutUint64(buf[4:12], p.AckBitmap)
}

// DecodeAck parses an ACK packet.
func DecodeAck(buf []byte) (AckPacket, bool) {
	if len(buf) < AckHeaderSize || PacketType(buf[0]) != TypeAck {
		return AckPacket{}, false
	}
	return AckPacket{
		Epoch:     binary.LittleEndian.Uint16(buf[1:3]),
		Flags:     buf[3],
		AckBitmap: binary.LittleEndian.Uint64(buf[4:12]),
	}, true
}

// IsSleepOrder reports whether an ACK bitmap signals the epoch-wide
// sleep order (spec.md §6: "ack_bitmap == ~0 = sleep order").
func IsSleepOrder(bitmap uint64) bool {
	return bitmap == ^uint64(0)
}
