package weaver

import (
	"testing"

	"uwbslot/deployment"
	"uwbslot/pktpool"
	"uwbslot/radio"
	"uwbslot/sd"
	"uwbslot/tsm"
)

func testConfig() Config {
	return Config{
		SinkID:                 1,
		SinkRadius:             3,
		BootRedundancy:         2,
		GlobalAckPeriod:        20,
		NOriginators:           8,
		Ntx:                    1,
		SleepNtx:               2,
		TerminationWait:        10,
		RxPwrThreshold:         297,
		MaxRxConsecutiveErrors: 5,
		SlotDurationTicks:      50_000,
	}
}

func strongDiagnostics() radio.Diagnostics {
	return radio.Diagnostics{MaxGrowthCIR: 100, RXPACCAdjusted: 10}
}

func weakDiagnostics() radio.Diagnostics {
	return radio.Diagnostics{MaxGrowthCIR: 1, RXPACCAdjusted: 10000}
}

func encodedPacket(t *testing.T, hdr Header, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, HeaderSize+len(payload))
	Encode(buf, hdr, payload)
	return buf
}

func TestPeerBootstrapsFromStrongValidPacket(t *testing.T) {
	tbl := deployment.New([]uint16{1, 2, 3, 4})
	eng := New(testConfig(), tbl, 3, Hooks{})

	hdr := Header{OriginatorID: SinkBeaconID, HopCounter: 2, SinkAcked: 0}
	buf := encodedPacket(t, hdr, nil)

	na := eng.step(tsm.PrevAction{Action: tsm.ActionNone})
	if na.Action != tsm.ActionRx {
		t.Fatalf("first bootstrap action = %v, want Rx", na.Action)
	}

	na = eng.step(tsm.PrevAction{Action: tsm.ActionRx, Status: sd.StatusRxSuccess, Buffer: buf, Diagnostics: strongDiagnostics()})

	if !eng.Bootstrapped() {
		t.Fatal("expected node to be bootstrapped after a strong valid packet")
	}
	if eng.NodeDist() != 3 {
		t.Fatalf("NodeDist() = %d, want 3", eng.NodeDist())
	}
	if na.Action != tsm.ActionTx && na.Action != tsm.ActionRx {
		t.Fatalf("post-bootstrap action = %v, want Tx or Rx", na.Action)
	}
}

func TestPeerIgnoresWeakSignal(t *testing.T) {
	tbl := deployment.New([]uint16{1, 2, 3, 4})
	eng := New(testConfig(), tbl, 3, Hooks{})

	hdr := Header{OriginatorID: SinkBeaconID, HopCounter: 0, SinkAcked: 0}
	buf := encodedPacket(t, hdr, nil)

	eng.step(tsm.PrevAction{Action: tsm.ActionNone})
	eng.step(tsm.PrevAction{Action: tsm.ActionRx, Status: sd.StatusRxSuccess, Buffer: buf, Diagnostics: weakDiagnostics()})

	if eng.Bootstrapped() {
		t.Fatal("a weak-signal packet must not bootstrap the node")
	}
}

func TestPeerFallsBackToScanAfterMissedBootstraps(t *testing.T) {
	tbl := deployment.New([]uint16{1, 2, 3, 4})
	eng := New(testConfig(), tbl, 3, Hooks{})

	na := eng.step(tsm.PrevAction{Action: tsm.ActionNone})
	for i := 0; i < WeaverMissedBootstrapBeforeScan+1; i++ {
		na = eng.step(tsm.PrevAction{Action: tsm.ActionRx, Status: sd.StatusRxTimeout})
	}
	if na.Action != tsm.ActionScan {
		t.Fatalf("action after %d misses = %v, want Scan", WeaverMissedBootstrapBeforeScan, na.Action)
	}
}

func TestSinkReportsNovelOriginator(t *testing.T) {
	tbl := deployment.New([]uint16{1, 5, 6, 7})
	var got uint16
	var gotPayload []byte
	hooks := Hooks{OnSinkReceive: func(id uint16, payload []byte) {
		got = id
		gotPayload = payload
	}}
	eng := New(testConfig(), tbl, 1, hooks)

	hdr := Header{OriginatorID: 5, HopCounter: 1, SinkAcked: 0}
	buf := encodedPacket(t, hdr, []byte("hello"))

	eng.step(tsm.PrevAction{Action: tsm.ActionNone})
	eng.step(tsm.PrevAction{Status: sd.StatusRxSuccess, Buffer: buf, Diagnostics: strongDiagnostics()})

	if got != 5 {
		t.Fatalf("OnSinkReceive id = %d, want 5", got)
	}
	if string(gotPayload) != "hello" {
		t.Fatalf("OnSinkReceive payload = %q, want %q", gotPayload, "hello")
	}
	if !tbl.Has(eng.nodeAcked, 5) {
		t.Fatal("sink must ACK a newly heard originator")
	}
}

func TestPeerQueuesThirdPartyDataForForwarding(t *testing.T) {
	tbl := deployment.New([]uint16{1, 2, 3, 4})
	eng := New(testConfig(), tbl, 2, Hooks{})
	eng.bootstrapped = true
	eng.nodeDist = 1

	hdr := Header{OriginatorID: 4, HopCounter: 2, SinkAcked: 0}
	buf := encodedPacket(t, hdr, []byte("payload"))

	eng.step(tsm.PrevAction{Status: sd.StatusRxSuccess, Buffer: buf, Diagnostics: strongDiagnostics()})

	if eng.PoolLen() != 1 {
		t.Fatalf("PoolLen() = %d, want 1 after hearing an unacked originator's data", eng.PoolLen())
	}
}

func TestPeerDropsAckedOriginatorFromPool(t *testing.T) {
	tbl := deployment.New([]uint16{1, 2, 3, 4})
	eng := New(testConfig(), tbl, 2, Hooks{})
	eng.bootstrapped = true
	eng.nodeDist = 1
	eng.pool.Put(pktpool.Packet{OriginatorID: 4, Data: []byte("stale")}, 0)

	ackHdr := Header{OriginatorID: SinkBeaconID, HopCounter: 0, SinkAcked: uint64(tbl.Flag(0, 4))}
	buf := encodedPacket(t, ackHdr, nil)
	eng.step(tsm.PrevAction{Status: sd.StatusRxSuccess, Buffer: buf, Diagnostics: strongDiagnostics()})

	if eng.PoolLen() != 0 {
		t.Fatalf("PoolLen() = %d, want 0 once the sink has ACKed originator 4", eng.PoolLen())
	}
}

func TestPeerSleepsOnSleepOrderThenStops(t *testing.T) {
	tbl := deployment.New([]uint16{1, 2, 3, 4})
	eng := New(testConfig(), tbl, 2, Hooks{})
	eng.bootstrapped = true
	eng.nodeDist = 1

	sleepHdr := Header{OriginatorID: SinkBeaconID, HopCounter: 0, SinkAcked: uint64(deployment.Sleep)}
	buf := encodedPacket(t, sleepHdr, nil)

	na := eng.step(tsm.PrevAction{Status: sd.StatusRxSuccess, Buffer: buf, Diagnostics: strongDiagnostics()})
	seen := 0
	for na.Action == tsm.ActionTx && seen < testConfig().SleepNtx+1 {
		seen++
		na = eng.step(tsm.PrevAction{Status: sd.StatusTxDone})
	}
	if na.Action != tsm.ActionStop {
		t.Fatalf("final action after propagating sleep = %v, want Stop", na.Action)
	}
}

func TestPeerTerminatesAfterTooManyConsecutiveErrors(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRxConsecutiveErrors = 3
	tbl := deployment.New([]uint16{1, 2, 3, 4})
	eng := New(cfg, tbl, 2, Hooks{})
	eng.bootstrapped = true
	eng.nodeDist = 1

	var na tsm.NextAction
	for i := 0; i < cfg.MaxRxConsecutiveErrors+1; i++ {
		na = eng.step(tsm.PrevAction{Status: sd.StatusRxError})
	}
	if na.Action != tsm.ActionStop {
		t.Fatalf("action after %d consecutive errors = %v, want Stop", cfg.MaxRxConsecutiveErrors, na.Action)
	}
}

func TestPeerOriginatesOwnPacketIntoPool(t *testing.T) {
	tbl := deployment.New([]uint16{1, 2, 3, 4})
	hooks := Hooks{OwnPacket: func() ([]byte, bool) { return []byte("mine"), true }}
	eng := New(testConfig(), tbl, 2, hooks)
	eng.bootstrapped = true
	eng.nodeDist = 1

	na := eng.step(tsm.PrevAction{Status: sd.StatusNone})

	if !eng.pool.Has(2) {
		t.Fatal("own pending payload must be inserted into the pool under the node's own originator ID")
	}
	if na.Action != tsm.ActionTx {
		t.Fatalf("action with a freshly queued own packet = %v, want Tx", na.Action)
	}
}

func TestLocalAckSuppressionOnCloserMention(t *testing.T) {
	tbl := deployment.New([]uint16{1, 2, 3, 4})
	eng := New(testConfig(), tbl, 2, Hooks{})
	eng.bootstrapped = true
	eng.nodeDist = 2
	eng.pool.Put(pktpool.Packet{OriginatorID: 4, Data: []byte("stale")}, 0)

	if _, ok := eng.pool.Head(0); !ok {
		t.Fatal("entry with a past deadline must be immediately transmittable before any suppression")
	}

	// A neighbor strictly closer to the sink (HopCounter 0 < nodeDist 2)
	// reports originator 4 as its last_heard_originator_id: our copy is
	// already propagating ahead of us and should be suppressed.
	hdr := Header{OriginatorID: SinkBeaconID, LastHeardOriginatorID: 4, HopCounter: 0, SinkAcked: 0}
	buf := encodedPacket(t, hdr, nil)
	eng.step(tsm.PrevAction{Status: sd.StatusRxSuccess, Buffer: buf, Diagnostics: strongDiagnostics()})

	if _, ok := eng.pool.Head(0); ok {
		t.Fatal("a closer neighbor mentioning the originator must push the pool entry's deadline into the future")
	}
}

func TestSinkTerminatesAfterQuietRun(t *testing.T) {
	tbl := deployment.New([]uint16{1, 2, 3, 4})
	cfg := testConfig()
	// Keep the consecutive-RX-error stop out of reach so only the quiet
	// run can end the sink.
	cfg.MaxRxConsecutiveErrors = WeaverSinkTerminationCount + 10
	eng := New(cfg, tbl, 1, Hooks{})

	var na tsm.NextAction
	for i := 0; i < WeaverSinkTerminationCount+1; i++ {
		na = eng.step(tsm.PrevAction{Status: sd.StatusRxTimeout})
		if i < WeaverSinkTerminationCount-1 && na.Action == tsm.ActionStop {
			t.Fatalf("sink stopped after only %d quiet slots", i+1)
		}
	}
	if na.Action != tsm.ActionStop {
		t.Fatal("sink must stop once it has heard nothing novel for WeaverSinkTerminationCount slots")
	}
}
