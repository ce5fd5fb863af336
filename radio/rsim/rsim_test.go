package rsim

import (
	"testing"
	"time"

	"uwbslot/devtime"
	"uwbslot/radio"
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

func TestTxRxRoundTrip(t *testing.T) {
	medium := NewMedium()
	clock := NewClock(medium, 1000)
	tx := New(medium, clock.Func())
	rx := New(medium, clock.Func())
	defer tx.Close()
	defer rx.Close()

	if err := tx.Configure(testConfig()); err != nil {
		t.Fatal(err)
	}
	if err := rx.Configure(testConfig()); err != nil {
		t.Fatal(err)
	}

	var got radio.Event
	rxDone := make(chan struct{}, 1)
	rx.SetCallbacks(nil, func(e radio.Event) {
		got = e
		rxDone <- struct{}{}
	}, nil, nil)

	if err := rx.RxWithTimeout(clock.Now().Add(10 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	payload := []byte{1, 2, 3, 4}
	if err := tx.WriteTxBuffer(payload); err != nil {
		t.Fatal(err)
	}
	sfd := clock.Now().Add(time.Millisecond)
	if err := tx.TxAt(sfd, radio.NoSwitchToRX); err != nil {
		t.Fatal(err)
	}

	clock.Advance(devtime.FromNanoseconds(int64(2 * time.Millisecond)))

	select {
	case <-rxDone:
	default:
		t.Fatal("rx callback never fired")
	}
	if got.RxLen != len(payload) {
		t.Fatalf("RxLen = %d, want %d", got.RxLen, len(payload))
	}
}

func TestScheduleLate(t *testing.T) {
	medium := NewMedium()
	clock := NewClock(medium, 1_000_000)
	tx := New(medium, clock.Func())
	defer tx.Close()
	tx.Configure(testConfig())
	tx.WriteTxBuffer([]byte{1})
	if err := tx.TxAt(clock.Now()-1, radio.NoSwitchToRX); err != radio.ErrScheduleLate {
		t.Fatalf("TxAt in the past: got %v, want ErrScheduleLate", err)
	}
}
