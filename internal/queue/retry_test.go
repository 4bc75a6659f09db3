package queue

import (
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	want := []time.Duration{0, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, time.Minute, time.Minute}
	for attempts, expected := range want {
		if got := p.Delay(attempts); got != expected {
			t.Fatalf("Delay(%d) = %v want %v", attempts, got, expected)
		}
	}
}

func TestRetryPolicyExhausted(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.Exhausted(4) {
		t.Fatal("four attempts should still be retried")
	}
	if !p.Exhausted(5) {
		t.Fatal("five attempts should exhaust the default policy")
	}
	if !(RetryPolicy{}).Exhausted(5) {
		t.Fatal("zero policy falls back to five attempts")
	}
}
