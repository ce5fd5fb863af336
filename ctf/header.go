// Package ctf implements the concurrent-transmission flood (component
// E, spec.md §4.5): standalone Glossy, a stateful flood driven directly
// over sd, and Glossy-TSM, a cooperative sub-protothread that runs
// inside a tsm slot callback.
//
// The optional 802.15.4 FCF preamble mentioned in spec.md §6 ("Glossy
// packet ... optionally preceded by a standard 802.15.4 FCF header") is
// deliberately not modelled: it is explicitly optional on the wire and
// this core has no 802.15.4 stack to interoperate with (spec.md §1
// Non-goals), so only the Glossy-specific header is framed.
package ctf

import "encoding/binary"

// Version selects whether a node resumes listening after its own TX.
type Version int

const (
	VersionTxOnly Version = iota
	VersionStandard
)

// HeaderSize is the size, in bytes, of the Glossy header (spec.md §6).
const HeaderSize = 5

const (
	versionMask     = 0xC0
	versionTxOnly   = 0x80
	versionStandard = 0x40
	syncMask        = 0x30
	syncFlag        = 0x10
)

// Header is the Glossy packet header (spec.md §6).
type Header struct {
	InitiatorID uint16
	Version     Version
	Sync        bool
	RelayCnt    uint8
	MaxNTx      uint8
}

// Encode writes h into buf[:HeaderSize].
func (h Header) Encode(buf []byte) {
	_ = buf[:HeaderSize]
	binary.LittleEndian.PutUint16(buf[0:2], h.InitiatorID)
	var cfg uint8
	if h.Version == VersionTxOnly {
		cfg |= versionTxOnly
	} else {
		cfg |= versionStandard
	}
	if h.Sync {
		cfg |= syncFlag
	}
	buf[2] = cfg
	buf[3] = h.RelayCnt
	buf[4] = h.MaxNTx
}

// Decode parses a Header from buf[:HeaderSize].
func Decode(buf []byte) (Header, bool) {
	if len(buf) < HeaderSize {
		return Header{}, false
	}
	var h Header
	h.InitiatorID = binary.LittleEndian.Uint16(buf[0:2])
	cfg := buf[2]
	if cfg&versionMask == versionTxOnly {
		h.Version = VersionTxOnly
	} else {
		h.Version = VersionStandard
	}
	h.Sync = cfg&syncMask == syncFlag
	h.RelayCnt = buf[3]
	h.MaxNTx = buf[4]
	return h, true
}

// Matches reports whether two headers describe the same flood
// instance, i.e. agree on everything except RelayCnt (spec.md §4.5
// "received header must not disagree with a header already stored for
// the same flood (initiator, version, sync, N_tx)").
func (h Header) Matches(o Header) bool {
	return h.InitiatorID == o.InitiatorID && h.Version == o.Version && h.Sync == o.Sync && h.MaxNTx == o.MaxNTx
}
