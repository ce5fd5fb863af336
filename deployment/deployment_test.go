package deployment

import "testing"

func TestFlagAckUnmap(t *testing.T) {
	tbl := New([]uint16{1, 2, 3, 4})
	var bm Bitmap
	bm = tbl.Flag(bm, 3)
	if !tbl.Has(bm, 3) {
		t.Fatal("expected bit for id 3 to be set")
	}
	ids := tbl.Unmap(bm)
	if len(ids) != 1 || ids[0] != 3 {
		t.Fatalf("Unmap = %v, want [3]", ids)
	}
}

func TestFlagUnknownIDIsNoop(t *testing.T) {
	tbl := New([]uint16{1, 2})
	bm := tbl.Flag(0, 99)
	if bm != 0 {
		t.Fatalf("flagging an id outside the deployment must be a no-op, got %x", bm)
	}
}

func TestSleepBitmap(t *testing.T) {
	if Sleep != ^Bitmap(0) {
		t.Fatal("Sleep must be all-ones")
	}
}

func TestAll(t *testing.T) {
	tbl := New([]uint16{10, 20, 30})
	all := tbl.All()
	for _, id := range []uint16{10, 20, 30} {
		if !tbl.Has(all, id) {
			t.Fatalf("All() should cover id %d", id)
		}
	}
}
