package statetime

import "testing"

func TestRatioMedianOfNine(t *testing.T) {
	m := NewMonitor()
	vals := []int64{10, 20, 30, 40, 50, 60, 70, 80, 90}
	for _, v := range vals {
		m.AddRatioSample(v)
	}
	if got := m.Ratio(); got != 50 {
		t.Fatalf("median of %v = %d, want 50", vals, got)
	}
}

func TestRatioWindowSlides(t *testing.T) {
	m := NewMonitor()
	for i := int64(1); i <= 12; i++ {
		m.AddRatioSample(i)
	}
	// Only the last 9 samples (4..12) should remain; median is 8.
	if got := m.Ratio(); got != 8 {
		t.Fatalf("Ratio() = %d, want 8", got)
	}
}

func TestResetEpochClearsWindow(t *testing.T) {
	m := NewMonitor()
	m.AddRatioSample(100)
	m.ResetEpoch()
	if got := m.Ratio(); got != 0 {
		t.Fatalf("Ratio() after reset = %d, want 0", got)
	}
}

func TestSumEqualsInterval(t *testing.T) {
	m := NewMonitor()
	m.EnterScheduledRx(0)
	m.CompleteRx(10, 20, 30)
	totals := m.Totals()
	if totals.Sum() != 60 {
		t.Fatalf("Sum() = %d, want 60", totals.Sum())
	}
}

func TestPreambleAndPayloadDuration(t *testing.T) {
	total := int64(5000)
	preamble := PreambleDurationNS(128, 8000) // 128 symbols * 8ns
	payload := PayloadDurationNS(total, preamble)
	if preamble+payload != total {
		t.Fatalf("preamble+payload = %d, want %d", preamble+payload, total)
	}
}
