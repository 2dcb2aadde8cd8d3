package rtpsocket

import "time"

const (
	// bound of the media time the sender may still owe to the wall clock
	maxDrift = 500 * time.Millisecond

	pacerWarmup  = 40
	pacerWindow  = 50
	pacerHeadway = 2 * time.Millisecond
)

// pacer turns presentation time deltas into sleep durations so that bursts
// coming out of the encoder leave the socket at roughly real-time rate.
type pacer struct {
	count int
	q     float64
	mean  float64

	debt time.Duration
}

func (p *pacer) push(d time.Duration) {
	if p.count < pacerWarmup {
		// early samples are dominated by encoder start-up
		p.count++
		p.mean = float64(d)
		return
	}
	p.mean = (p.mean*p.q + float64(d)) / (p.q + 1)
	if p.q < pacerWindow {
		p.q++
	}
}

func (p *pacer) average() time.Duration {
	v := time.Duration(p.mean) - pacerHeadway
	if v < 0 {
		return 0
	}
	return v
}

// next returns how long to wait before sending a packet whose presentation
// time is d after the previous one. since is the wall time spent since the
// previous packet left. The sender never runs more than maxDrift ahead of
// the media clock; falling behind or jumping ahead resets the account.
func (p *pacer) next(d time.Duration, since time.Duration) time.Duration {
	if d > 0 {
		p.push(d)
	}

	p.debt += d - since
	if p.debt > maxDrift || p.debt < 0 {
		p.debt = 0
		return 0
	}

	wait := p.average()
	if wait > p.debt {
		wait = p.debt
	}
	p.debt -= wait
	return wait
}
