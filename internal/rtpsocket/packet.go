package rtpsocket

import (
	"fmt"
	"time"

	"github.com/pion/rtp"
)

// HeaderSize is the size of an RTP header without CSRC identifiers.
const HeaderSize = 12

const rtpVersion = 2

// Packet is a reusable buffer holding one RTP packet.
//
// A Packet is obtained with Socket.Acquire, filled by the producer and handed
// back with Socket.Enqueue. It must not be touched after Enqueue: the sender
// goroutine owns it until it is returned to the pool.
type Packet struct {
	buf    []byte
	offset int
	csrc   []uint32
	length int

	marker    bool
	timestamp uint32
	pts       time.Duration
}

// NewPacket allocates a packet able to carry maxPacketSize bytes on the wire.
func NewPacket(maxPacketSize int) *Packet {
	return &Packet{
		buf:    make([]byte, maxPacketSize),
		offset: HeaderSize,
	}
}

func (p *Packet) reset(csrc []uint32) {
	p.csrc = append(p.csrc[:0], csrc...)
	p.offset = HeaderSize + 4*len(p.csrc)
	p.length = 0
	p.marker = false
	p.timestamp = 0
	p.pts = 0
}

// Payload returns the writable payload area of the packet.
func (p *Packet) Payload() []byte {
	return p.buf[p.offset:]
}

// SetPayloadLength sets how many bytes of Payload are in use.
func (p *Packet) SetPayloadLength(n int) {
	p.length = n
}

// PayloadLength returns the number of payload bytes in use.
func (p *Packet) PayloadLength() int {
	return p.length
}

// PayloadBytes returns the payload bytes in use.
func (p *Packet) PayloadBytes() []byte {
	return p.buf[p.offset : p.offset+p.length]
}

// SetHeader records the per-packet header fields chosen by the producer.
// pts is the presentation time of the access unit, used for pacing.
func (p *Packet) SetHeader(marker bool, timestamp uint32, pts time.Duration) {
	p.marker = marker
	p.timestamp = timestamp
	p.pts = pts
}

// Marker reports whether the marker bit is set.
func (p *Packet) Marker() bool {
	return p.marker
}

// Timestamp returns the RTP timestamp.
func (p *Packet) Timestamp() uint32 {
	return p.timestamp
}

// PTS returns the presentation time of the packet.
func (p *Packet) PTS() time.Duration {
	return p.pts
}

// Bytes returns header and payload as they go on the wire.
func (p *Packet) Bytes() []byte {
	return p.buf[:p.offset+p.length]
}

func (p *Packet) writeHeader(payloadType uint8, sequenceNumber uint16, ssrc uint32) error {
	h := rtp.Header{
		Version:        rtpVersion,
		Marker:         p.marker,
		PayloadType:    payloadType,
		SequenceNumber: sequenceNumber,
		Timestamp:      p.timestamp,
		SSRC:           ssrc,
		CSRC:           p.csrc,
	}
	n, err := h.MarshalTo(p.buf)
	if err != nil {
		return fmt.Errorf("failed to write RTP header: %w", err)
	}
	if n != p.offset {
		return fmt.Errorf("unexpected RTP header size %d, expected %d", n, p.offset)
	}
	return nil
}
