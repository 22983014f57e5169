package mqttbus

import (
	"testing"
	"time"
)

func TestPolicyDoublesUntilCap(t *testing.T) {
	p := NewPolicy()
	now := time.Now()

	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := p.Failed(now)
		if d > p.Cap {
			t.Fatalf("attempt %d: delay %v exceeds cap %v", i, d, p.Cap)
		}
		if d < prev/2 && prev > 0 {
			t.Fatalf("attempt %d: delay %v fell well below previous %v", i, d, prev)
		}
		prev = d
	}
}

func TestPolicyResetsAfterSteadyUptime(t *testing.T) {
	p := NewPolicy()
	now := time.Now()

	for i := 0; i < 5; i++ {
		p.Failed(now)
	}
	if p.attempt == 0 {
		t.Fatal("expected attempt counter to have advanced")
	}

	p.Connected(now)
	later := now.Add(p.Reset + time.Second)
	d := p.Failed(later)
	// Jitter can nudge the delay either side of Initial, but a reset
	// schedule must land nowhere near the doubled pre-reset delays.
	if d > p.Initial*3/2 {
		t.Fatalf("expected reset delay near initial %v, got %v", p.Initial, d)
	}
}
