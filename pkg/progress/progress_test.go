package progress

import "testing"

func TestThrottle_FirstAndFinalAlwaysDelivered(t *testing.T) {
	var calls []int64
	th := NewThrottle(func(_ float64, current, _ int64) {
		calls = append(calls, current)
	})

	th.Update(0, 100)
	for i := int64(1); i < 100; i++ {
		th.Update(i, 100)
	}
	th.Done(100, 100)

	if len(calls) < 2 {
		t.Fatalf("expected at least start and end events, got %v", calls)
	}
	if calls[0] != 0 {
		t.Errorf("first event = %d, want 0", calls[0])
	}
	if calls[len(calls)-1] != 100 {
		t.Errorf("last event = %d, want 100", calls[len(calls)-1])
	}
}

func TestThrottle_Nil(t *testing.T) {
	var th *Throttle
	th.Update(1, 2)
	th.Done(2, 2)
	NewThrottle(nil).Done(1, 1)
}

func TestPercent(t *testing.T) {
	if got := Percent(50, 200); got != 25 {
		t.Errorf("Percent = %v, want 25", got)
	}
	if got := Percent(50, 0); got != 0 {
		t.Errorf("Percent with unknown total = %v, want 0", got)
	}
}
