package ctf

import (
	"bytes"
	"testing"

	"uwbslot/sd"
	"uwbslot/tsm"
)

// TestTSMFloodInitiatorSingleShot drives an initiator-side sub-
// protothread through a manufactured PrevAction sequence, standing in
// for a hosting tsm.Manager, and checks it finishes within MaxLen.
func TestTSMFloodInitiatorSingleShot(t *testing.T) {
	cfg := Config{Version: VersionTxOnly, MaxNTx: 1, SlotDuration: 1}
	f := NewInitiatorFlood(cfg, 7, false, []byte{9, 9}, 4)

	na := f.Step(tsm.PrevAction{})
	if na.Action != tsm.ActionTx {
		t.Fatalf("first step should request a TX, got %v", na.Action)
	}

	na = f.Step(tsm.PrevAction{Status: sd.StatusTxDone})
	if !f.Done() {
		t.Fatal("TxOnly with MaxNTx=1 should be done after its single TX completes")
	}
	_, ctx, ok := f.Result()
	if !ok {
		t.Fatal("initiator should report ok")
	}
	if ctx.NTx != 1 {
		t.Fatalf("expected NTx=1, got %d", ctx.NTx)
	}
	if na.Action != tsm.ActionNone {
		t.Fatalf("finished flood should request ActionNone, got %v", na.Action)
	}
}

// TestTSMFloodForwarderRelays exercises a forwarder-side sub-
// protothread that hears the flood on its first RX and must relay it
// exactly once.
func TestTSMFloodForwarderRelays(t *testing.T) {
	cfg := Config{Version: VersionStandard, MaxNTx: 3, SlotDuration: 1}
	f := NewForwarderFlood(cfg, 4, 6)

	na := f.Step(tsm.PrevAction{})
	if na.Action != tsm.ActionRx {
		t.Fatalf("first step should request an RX, got %v", na.Action)
	}

	inHdr := Header{InitiatorID: 1, Version: VersionStandard, Sync: false, RelayCnt: 0, MaxNTx: 3}
	buf := make([]byte, HeaderSize+2)
	inHdr.Encode(buf)
	copy(buf[HeaderSize:], []byte{5, 6})

	na = f.Step(tsm.PrevAction{Status: sd.StatusRxSuccess, Buffer: buf, PayloadLen: len(buf)})
	if na.Action != tsm.ActionTx {
		t.Fatalf("a freshly-heard flood with budget remaining must relay, got %v", na.Action)
	}
	relayed, ok := Decode(na.Buffer)
	if !ok || relayed.RelayCnt != 1 {
		t.Fatalf("relay must carry RelayCnt+1, got %+v ok=%v", relayed, ok)
	}
	if !bytes.Equal(na.Buffer[HeaderSize:HeaderSize+na.PayloadLen], []byte{5, 6}) {
		t.Fatal("relayed payload must match the received payload byte-for-byte")
	}
}

// TestTSMFloodBoundedByMaxLen checks that a forwarder which never hears
// anything gives up well before MaxLen TSM slots have elapsed, so the
// hosting protocol is never starved by a dead flood.
func TestTSMFloodBoundedByMaxLen(t *testing.T) {
	cfg := Config{Version: VersionStandard, MaxNTx: 3, SlotDuration: 1}
	maxLen := 6
	f := NewForwarderFlood(cfg, 4, maxLen)

	prev := tsm.PrevAction{}
	steps := 0
	for !f.Done() && steps < maxLen+2 {
		na := f.Step(prev)
		steps++
		prev = tsm.PrevAction{Status: sd.StatusRxTimeout}
		_ = na
	}
	if !f.Done() {
		t.Fatalf("flood did not terminate within %d steps", steps)
	}
	if steps > maxLen {
		t.Fatalf("flood ran for %d steps, exceeding MaxLen=%d", steps, maxLen)
	}
	_, _, ok := f.Result()
	if ok {
		t.Fatal("a forwarder that never heard anything must report !ok")
	}
}
