package mqttbus

import (
	"math/rand"
	"time"
)

// Policy implements the exponential-backoff-with-jitter reconnection
// schedule: initial delay 30s, capped at 10m, reset after 5m of
// continuous uptime.
type Policy struct {
	Initial time.Duration
	Cap     time.Duration
	Reset   time.Duration

	attempt   int
	connectAt time.Time
}

// NewPolicy returns the default reconnection policy.
func NewPolicy() *Policy {
	return &Policy{Initial: 30 * time.Second, Cap: 10 * time.Minute, Reset: 5 * time.Minute}
}

// Connected records a successful connection so a later Failed call can
// tell whether the prior run was steady long enough to reset the
// backoff counter.
func (p *Policy) Connected(now time.Time) { p.connectAt = now }

// Failed advances the schedule and returns the delay to wait before
// the next reconnect attempt. If the connection had been up for at
// least Reset, the attempt counter resets to the initial delay.
func (p *Policy) Failed(now time.Time) time.Duration {
	if !p.connectAt.IsZero() && now.Sub(p.connectAt) >= p.Reset {
		p.attempt = 0
	}
	p.connectAt = time.Time{}
	delay := p.Initial << p.attempt
	if delay <= 0 || delay > p.Cap {
		delay = p.Cap
	}
	p.attempt++

	jitter := time.Duration(rand.Int63n(int64(delay) / 4 + 1))
	d := delay - jitter/2 + time.Duration(rand.Int63n(int64(jitter)+1))
	if d > p.Cap {
		d = p.Cap
	}
	return d
}
