// Package rtcpsender keeps the per-track counters needed to emit RTCP sender
// reports and decides when a report is due.
package rtcpsender

import (
	"sync"
	"time"

	"github.com/pion/rtcp"

	"github.com/bilbercode/live-stream/internal/ntp"
)

// DefaultInterval is the delay between two sender reports.
const DefaultInterval = 3 * time.Second

// PacketLength is the size in bytes of a sender report without reception
// report blocks.
const PacketLength = 28

// Sender accumulates packet and octet counts and builds sender reports.
//
// Update is called once per RTP packet from the goroutine that sends RTP, so
// the counters observe packets in transmission order. A report is produced
// when at least Interval elapsed since the previous one; an Interval of zero
// disables reports.
type Sender struct {
	sync.Mutex

	Interval time.Duration
	TimeNow  func() time.Time

	ssrc        uint32
	packetCount uint32
	octetCount  uint32
	lastReport  time.Time
	elapsed     time.Duration
	lastUpdate  time.Time
}

// New allocates a Sender for the given SSRC.
func New(ssrc uint32, interval time.Duration) *Sender {
	return &Sender{
		Interval: interval,
		TimeNow:  time.Now,
		ssrc:     ssrc,
	}
}

// SetSSRC changes the reported source and resets the counters.
func (s *Sender) SetSSRC(ssrc uint32) {
	s.Lock()
	defer s.Unlock()
	s.ssrc = ssrc
	s.packetCount = 0
	s.octetCount = 0
}

// Reset clears the counters and the report schedule.
func (s *Sender) Reset() {
	s.Lock()
	defer s.Unlock()
	s.packetCount = 0
	s.octetCount = 0
	s.elapsed = 0
	s.lastUpdate = time.Time{}
	s.lastReport = time.Time{}
}

// Update accounts for one sent packet carrying payloadLength octets of
// payload with the given RTP timestamp. It returns a sender report when one
// is due.
func (s *Sender) Update(payloadLength int, rtpTimestamp uint32) *rtcp.SenderReport {
	s.Lock()
	defer s.Unlock()

	s.packetCount++
	s.octetCount += uint32(payloadLength)

	now := s.TimeNow()
	if !s.lastUpdate.IsZero() {
		s.elapsed += now.Sub(s.lastUpdate)
	}
	s.lastUpdate = now

	if s.Interval <= 0 || s.elapsed < s.Interval {
		return nil
	}

	s.elapsed = 0
	s.lastReport = now
	return &rtcp.SenderReport{
		SSRC:        s.ssrc,
		NTPTime:     ntp.Encode(now),
		RTPTime:     rtpTimestamp,
		PacketCount: s.packetCount,
		OctetCount:  s.octetCount,
	}
}

// Stats are the current sender counters.
type Stats struct {
	SSRC        uint32
	PacketCount uint32
	OctetCount  uint32
	LastReport  time.Time
}

// Stats returns a snapshot of the counters.
func (s *Sender) Stats() Stats {
	s.Lock()
	defer s.Unlock()
	return Stats{
		SSRC:        s.ssrc,
		PacketCount: s.packetCount,
		OctetCount:  s.octetCount,
		LastReport:  s.lastReport,
	}
}
