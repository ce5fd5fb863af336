// Package weaver implements the Weaver engine (component G, spec.md
// §4.7): receiver-initiated, many-to-one collection over a round-robin
// packet pool, with a global ACK bitmap cycle and local ACK
// suppression, run directly as a tsm.EngineFunc (no ctf flood is
// involved — every node speaks on its own TA sub-slot grid).
package weaver

import "encoding/binary"

// HeaderSize is the fixed portion of a Weaver packet, before
// ExtraPayload (spec.md §6).
const HeaderSize = 2 + 2 + 1 + 8 + 2 + 2

// SinkBeaconID is the reserved originator_id denoting a header-only
// sink beacon carrying no originator payload.
const SinkBeaconID uint16 = 0xFFFF

// UnbootstrappedHop is the reserved hop_counter value a not-yet-
// bootstrapped node uses; such packets must be ignored for hop-distance
// updates (spec.md §6).
const UnbootstrappedHop uint8 = 0xFF

// Header is the fixed portion of a Weaver wire packet (spec.md §6).
type Header struct {
	OriginatorID         uint16
	LastHeardOriginatorID uint16
	HopCounter           uint8
	SinkAcked            uint64
	Epoch                uint16
	Seqno                uint16
}

// Encode writes h and extra into buf, which must be at least
// HeaderSize+len(extra) bytes.
func Encode(buf []byte, h Header, extra []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], h.OriginatorID)
	binary.LittleEndian.PutUint16(buf[2:4], h.LastHeardOriginatorID)
	buf[4] = h.HopCounter
	binary.LittleEndian.PutUint64(buf[5:13], h.SinkAcked)
	binary.LittleEndian.PutUint16(buf[13:15], h.Epoch)
	binary.LittleEndian.PutUint16(buf[15:17], h.Seqno)
	copy(buf[HeaderSize:], extra)
}

// Decode parses a Header and returns the extra-payload slice (a view
// into buf, not a copy).
func Decode(buf []byte) (Header, []byte, bool) {
	if len(buf) < HeaderSize {
		return Header{}, nil, false
	}
	h := Header{
		OriginatorID:          binary.LittleEndian.Uint16(buf[0:2]),
		LastHeardOriginatorID: binary.LittleEndian.Uint16(buf[2:4]),
		HopCounter:            buf[4],
		SinkAcked:             binary.LittleEndian.Uint64(buf[5:13]),
		Epoch:                 binary.LittleEndian.Uint16(buf[13:15]),
		Seqno:                 binary.LittleEndian.Uint16(buf[15:17]),
	}
	return h, buf[HeaderSize:], true
}

// IsBeacon reports whether h describes a header-only sink beacon.
func (h Header) IsBeacon() bool {
	return h.OriginatorID == SinkBeaconID
}

// IsBootstrapped reports whether h was sent by a node that has itself
// already bootstrapped (hop_counter != 0xFF).
func (h Header) IsBootstrapped() bool {
	return h.HopCounter != UnbootstrappedHop
}
