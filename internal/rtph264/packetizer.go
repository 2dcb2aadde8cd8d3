// Package rtph264 splits H.264 access units into RTP payloads (RFC 6184,
// packetization-mode=1).
package rtph264

import (
	"context"
	"fmt"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/bilbercode/live-stream/internal/rtpsocket"
)

// Output is where packets are taken from and handed back to.
type Output interface {
	Acquire(ctx context.Context) (*rtpsocket.Packet, error)
	Enqueue(ctx context.Context, p *rtpsocket.Packet) error
	MaxPayloadSize() int
	Timestamp(pts time.Duration) uint32
}

// Packetizer writes access units to an Output. Each NAL unit goes into a
// single packet when it fits, otherwise into a run of FU-A fragments.
type Packetizer struct {
	out Output
}

// NewPacketizer returns a packetizer writing to out.
func NewPacketizer(out Output) *Packetizer {
	return &Packetizer{out: out}
}

// WriteAnnexB packetizes one Annex-B encoded access unit.
func (p *Packetizer) WriteAnnexB(ctx context.Context, au []byte, pts time.Duration) error {
	var nalus h264.AnnexB
	err := nalus.Unmarshal(au)
	if err != nil {
		return fmt.Errorf("failed to split access unit: %w", err)
	}
	return p.WriteNALUs(ctx, nalus, pts)
}

// WriteNALUs packetizes the NAL units of one access unit. All packets carry
// the same timestamp and only the last one has the marker bit.
func (p *Packetizer) WriteNALUs(ctx context.Context, nalus [][]byte, pts time.Duration) error {
	ts := p.out.Timestamp(pts)

	for i, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		last := i == len(nalus)-1

		var err error
		if len(nalu) <= p.out.MaxPayloadSize() {
			err = p.writeSingle(ctx, nalu, last, ts, pts)
		} else {
			err = p.writeFragmented(ctx, nalu, last, ts, pts)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Packetizer) writeSingle(ctx context.Context, nalu []byte, marker bool, ts uint32, pts time.Duration) error {
	pkt, err := p.out.Acquire(ctx)
	if err != nil {
		return err
	}
	n := copy(pkt.Payload(), nalu)
	pkt.SetPayloadLength(n)
	pkt.SetHeader(marker, ts, pts)
	return p.out.Enqueue(ctx, pkt)
}

func (p *Packetizer) writeFragmented(ctx context.Context, nalu []byte, marker bool, ts uint32, pts time.Duration) error {
	indicator := (nalu[0] & 0x60) | byte(h264.NALUTypeFUA)
	typ := nalu[0] & 0x1F
	body := nalu[1:]
	start := true

	for len(body) > 0 {
		pkt, err := p.out.Acquire(ctx)
		if err != nil {
			return err
		}
		payload := pkt.Payload()

		avail := p.out.MaxPayloadSize() - 2
		le := len(body)
		end := le <= avail
		if !end {
			le = avail
		}

		header := typ
		if start {
			header |= 0x80
		}
		if end {
			header |= 0x40
		}

		payload[0] = indicator
		payload[1] = header
		copy(payload[2:], body[:le])
		pkt.SetPayloadLength(2 + le)
		pkt.SetHeader(marker && end, ts, pts)

		err = p.out.Enqueue(ctx, pkt)
		if err != nil {
			return err
		}

		body = body[le:]
		start = false
	}
	return nil
}
