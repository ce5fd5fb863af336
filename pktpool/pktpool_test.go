package pktpool

import "testing"

func TestPutHeadAdvance(t *testing.T) {
	p := New()
	p.Put(Packet{OriginatorID: 1}, 0)
	p.Put(Packet{OriginatorID: 2}, 0)

	seen := map[uint16]bool{}
	for i := 0; i < 2; i++ {
		pkt, ok := p.Head(0)
		if !ok {
			t.Fatal("expected a transmittable entry")
		}
		seen[pkt.OriginatorID] = true
		p.Advance()
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("round robin should visit both originators, saw %v", seen)
	}
}

func TestFutureDeadlineSkipped(t *testing.T) {
	p := New()
	p.Put(Packet{OriginatorID: 1}, 100)
	if _, ok := p.Head(0); ok {
		t.Fatal("entry with a future deadline must be skipped")
	}
	if _, ok := p.Head(100); !ok {
		t.Fatal("entry should become transmittable once its deadline has passed")
	}
}

func TestRemoveOnAck(t *testing.T) {
	p := New()
	p.Put(Packet{OriginatorID: 1}, 0)
	p.Put(Packet{OriginatorID: 2}, 0)
	p.RemoveAcked(func(id uint16) bool { return id == 1 })
	if p.Has(1) {
		t.Fatal("acked originator must be removed")
	}
	if !p.Has(2) {
		t.Fatal("non-acked originator must remain")
	}
	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", p.Len())
	}
}

func TestAtMostOneEntryPerOriginator(t *testing.T) {
	p := New()
	p.Put(Packet{OriginatorID: 1, Data: []byte{1}}, 0)
	p.Put(Packet{OriginatorID: 1, Data: []byte{2}}, 5)
	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", p.Len())
	}
	pkt, ok := p.Head(5)
	if !ok || pkt.Data[0] != 2 {
		t.Fatalf("expected updated packet data, got %+v ok=%v", pkt, ok)
	}
}

func TestCapacity(t *testing.T) {
	p := New()
	for i := 0; i < MaxEntries; i++ {
		if !p.Put(Packet{OriginatorID: uint16(i + 1)}, 0) {
			t.Fatalf("pool rejected entry %d before reaching capacity", i)
		}
	}
	if p.Put(Packet{OriginatorID: 9999}, 0) {
		t.Fatal("pool should reject inserts beyond capacity")
	}
}
