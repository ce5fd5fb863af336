package ctf

import "testing"

func TestHeaderEncodeDecode(t *testing.T) {
	h := Header{InitiatorID: 7, Version: VersionStandard, Sync: true, RelayCnt: 3, MaxNTx: 5}
	buf := make([]byte, HeaderSize)
	h.Encode(buf)
	got, ok := Decode(buf)
	if !ok {
		t.Fatal("decode failed")
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestHeaderMatches(t *testing.T) {
	a := Header{InitiatorID: 1, Version: VersionTxOnly, Sync: false, RelayCnt: 0, MaxNTx: 4}
	b := a
	b.RelayCnt = 2
	if !a.Matches(b) {
		t.Fatal("headers differing only in RelayCnt must match")
	}
	c := a
	c.InitiatorID = 2
	if a.Matches(c) {
		t.Fatal("headers with different initiators must not match")
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	if _, ok := Decode(make([]byte, HeaderSize-1)); ok {
		t.Fatal("Decode must reject a too-short buffer")
	}
}
