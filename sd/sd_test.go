package sd

import (
	"testing"
	"time"

	"uwbslot/devtime"
	"uwbslot/radio"
	"uwbslot/radio/rsim"
)

func testConfig() radio.Config {
	return radio.Config{
		Channel:        5,
		PRF:            radio.PRF64MHz,
		PreambleLength: 128,
		PAC:            8,
		DataRate:       radio.DataRate6M8,
	}
}

func TestTxRxSuccess(t *testing.T) {
	medium := rsim.NewMedium()
	clock := rsim.NewClock(medium, 10_000)
	txR := rsim.New(medium, clock.Func())
	rxR := rsim.New(medium, clock.Func())
	defer txR.Close()
	defer rxR.Close()
	txR.Configure(testConfig())
	rxR.Configure(testConfig())

	var got Record
	done := make(chan struct{}, 1)
	rxSD := New(rxR, func(r Record) { got = r; done <- struct{}{} })

	rxBuf := make([]byte, 16)
	if err := rxSD.RxUntil(rxBuf, clock.Now().Add(5*time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	txSD := New(txR, func(Record) {})
	txBuf := make([]byte, 16)
	payload := []byte{9, 9, 9}
	copy(txBuf, payload)
	if err := txSD.TxAt(txBuf, len(payload), clock.Now().Add(time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	clock.Advance(devtime.FromNanoseconds(int64(2 * time.Millisecond)))

	select {
	case <-done:
	default:
		t.Fatal("rx never completed")
	}
	if got.Status != StatusRxSuccess {
		t.Fatalf("status = %v, want RxSuccess", got.Status)
	}
	if got.PayloadLen != len(payload) {
		t.Fatalf("payload len = %d, want %d", got.PayloadLen, len(payload))
	}
}

func TestRxTimeout(t *testing.T) {
	medium := rsim.NewMedium()
	clock := rsim.NewClock(medium, 10_000)
	rxR := rsim.New(medium, clock.Func())
	defer rxR.Close()
	rxR.Configure(testConfig())

	var got Record
	done := make(chan struct{}, 1)
	rxSD := New(rxR, func(r Record) { got = r; done <- struct{}{} })
	buf := make([]byte, 16)
	if err := rxSD.RxUntil(buf, clock.Now().Add(time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	clock.Advance(devtime.FromNanoseconds(int64(2 * time.Millisecond)))
	select {
	case <-done:
	default:
		t.Fatal("rx never completed")
	}
	if got.Status != StatusRxTimeout {
		t.Fatalf("status = %v, want RxTimeout", got.Status)
	}
}

func TestScheduleLateIsRecoverable(t *testing.T) {
	medium := rsim.NewMedium()
	clock := rsim.NewClock(medium, 1_000_000)
	txR := rsim.New(medium, clock.Func())
	defer txR.Close()
	txR.Configure(testConfig())
	txSD := New(txR, func(Record) {})
	buf := make([]byte, 16)
	if err := txSD.TxAt(buf, 10, clock.Now()-1); err != ErrScheduleLate {
		t.Fatalf("got %v, want ErrScheduleLate", err)
	}
	// The driver must remain usable for the next slot.
	if err := txSD.TxAt(buf, 10, clock.Now().Add(time.Millisecond)); err != nil {
		t.Fatalf("next slot after ScheduleLate failed: %v", err)
	}
}
