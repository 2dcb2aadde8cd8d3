package rtpsocket

import (
	"sync"
	"time"
)

const (
	bitrateResolution    = 200 * time.Millisecond
	defaultBitrateWindow = 5 * time.Second
)

// Bitrate estimates the throughput of a stream over a sliding window made of
// fixed-size buckets.
type Bitrate struct {
	sync.Mutex

	TimeNow func() time.Time

	sums    []int64
	elapsed []time.Duration
	index   int
	total   int64
	delta   time.Duration
	last    time.Time
	count   int
}

// NewBitrate allocates an estimator covering window.
func NewBitrate(window time.Duration) *Bitrate {
	size := int(window / bitrateResolution)
	if size < 1 {
		size = 1
	}
	b := &Bitrate{
		TimeNow: time.Now,
		sums:    make([]int64, size),
		elapsed: make([]time.Duration, size),
	}
	return b
}

// Reset empties the window.
func (b *Bitrate) Reset() {
	b.Lock()
	defer b.Unlock()
	for i := range b.sums {
		b.sums[i] = 0
		b.elapsed[i] = 0
	}
	b.index = 0
	b.total = 0
	b.delta = 0
	b.count = 0
	b.last = time.Time{}
}

// Push accounts for length bytes sent now.
func (b *Bitrate) Push(length int) {
	b.Lock()
	defer b.Unlock()

	now := b.TimeNow()
	if b.count > 0 {
		b.delta += now.Sub(b.last)
		b.total += int64(length)
		if b.delta > bitrateResolution {
			b.sums[b.index] = b.total
			b.elapsed[b.index] = b.delta
			b.total = 0
			b.delta = 0
			b.index++
			if b.index >= len(b.sums) {
				b.index = 0
			}
		}
	}
	b.last = now
	b.count++
}

// Average returns the throughput in bits per second over the window.
func (b *Bitrate) Average() int64 {
	b.Lock()
	defer b.Unlock()

	var sum int64
	var elapsed time.Duration
	for i := range b.sums {
		sum += b.sums[i]
		elapsed += b.elapsed[i]
	}
	if elapsed <= 0 {
		return 0
	}
	return sum * 8 * int64(time.Second) / int64(elapsed)
}
