// Package rtpsocket sends the RTP packets of one track to its destinations.
//
// A Socket owns a fixed pool of packet buffers. Producers take an empty
// buffer with Acquire, fill it and hand it back with Enqueue; a single sender
// goroutine stamps the sequence number, writes the packet to every
// destination (or to an interleaved RTSP connection) and returns the buffer
// to the pool. The pool bounds memory and stalls producers when the network
// falls behind.
package rtpsocket

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/rtcp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/bilbercode/live-stream/internal/rtcpsender"
)

const (
	// DefaultMTU is the default maximum transmission unit.
	DefaultMTU = 1500
	// DefaultPoolSize is the default number of packet buffers.
	DefaultPoolSize = 300
	// DefaultRTPPort is the destination RTP port used when none was negotiated.
	DefaultRTPPort = 5004
	// DefaultRTCPPort is the destination RTCP port used when none was negotiated.
	DefaultRTCPPort = 5005

	ipUDPOverhead = 28 // IP + UDP = 20 + 8
)

// ErrClosed is returned by operations on a closed socket.
var ErrClosed = errors.New("rtp socket closed")

// Config configures a Socket.
type Config struct {
	MTU             int
	PoolSize        int
	DefaultRTPPort  int
	DefaultRTCPPort int
	ClockRate       uint32
	PayloadType     uint8
	SSRC            uint32
	// CacheSize is the amount of stream buffered before the sender starts
	// draining. Zero disables pacing.
	CacheSize    time.Duration
	TTL          int
	RTCPInterval time.Duration
	ListenIP     net.IP
}

// Destination is a client receiving the track over UDP.
type Destination struct {
	IP       net.IP
	RTPPort  int
	RTCPPort int
	Paused   bool
}

type interleavedOutput struct {
	w           io.Writer
	rtpChannel  uint8
	rtcpChannel uint8
}

// Socket is the RTP transport of a track.
type Socket struct {
	mu sync.Mutex

	conf          Config
	maxPacketSize int

	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn
	rtcp     *rtcpsender.Sender
	bitrate  *Bitrate

	destinations   []*Destination
	output         *interleavedOutput
	frame          []byte
	ssrc           uint32
	csrc           []uint32
	sequenceNumber uint16

	available chan *Packet
	ready     chan *Packet
	terminate chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Open binds the RTP and RTCP sockets on OS-assigned ports and starts the
// sender goroutine.
func Open(conf Config) (*Socket, error) {
	if conf.MTU == 0 {
		conf.MTU = DefaultMTU
	}
	if conf.PoolSize == 0 {
		conf.PoolSize = DefaultPoolSize
	}
	if conf.DefaultRTPPort == 0 {
		conf.DefaultRTPPort = DefaultRTPPort
	}
	if conf.DefaultRTCPPort == 0 {
		conf.DefaultRTCPPort = DefaultRTCPPort
	}
	maxPacketSize := conf.MTU - ipUDPOverhead
	if maxPacketSize <= HeaderSize+2 {
		return nil, fmt.Errorf("MTU %d is too small", conf.MTU)
	}

	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: conf.ListenIP})
	if err != nil {
		return nil, fmt.Errorf("failed to bind RTP socket: %w", err)
	}
	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: conf.ListenIP})
	if err != nil {
		rtpConn.Close()
		return nil, fmt.Errorf("failed to bind RTCP socket: %w", err)
	}

	if conf.TTL > 0 {
		err = ipv4.NewPacketConn(rtpConn).SetMulticastTTL(conf.TTL)
		if err != nil {
			log.WithError(err).Warn("failed to set multicast TTL on RTP socket")
		}
	}

	s := &Socket{
		conf:          conf,
		maxPacketSize: maxPacketSize,
		rtpConn:       rtpConn,
		rtcpConn:      rtcpConn,
		rtcp:          rtcpsender.New(conf.SSRC, conf.RTCPInterval),
		bitrate:       NewBitrate(defaultBitrateWindow),
		frame:         make([]byte, 4+maxPacketSize),
		ssrc:          conf.SSRC,
		available:     make(chan *Packet, conf.PoolSize),
		ready:         make(chan *Packet, conf.PoolSize),
		terminate:     make(chan struct{}),
		done:          make(chan struct{}),
	}

	for i := 0; i < conf.PoolSize; i++ {
		s.available <- NewPacket(maxPacketSize)
	}

	go s.run()

	return s, nil
}

// Close stops the sender goroutine and releases the sockets.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.terminate)
		<-s.done
		err = errors.Join(s.rtpConn.Close(), s.rtcpConn.Close())
	})
	return err
}

// MaxPacketSize returns the largest UDP payload the socket sends.
func (s *Socket) MaxPacketSize() int {
	return s.maxPacketSize
}

// MaxPayloadSize returns the largest RTP payload that fits a packet.
func (s *Socket) MaxPayloadSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxPacketSize - HeaderSize - 4*len(s.csrc)
}

// ClockRate returns the RTP clock rate in Hz.
func (s *Socket) ClockRate() uint32 {
	return s.conf.ClockRate
}

// Timestamp converts a presentation time to the RTP clock.
func (s *Socket) Timestamp(pts time.Duration) uint32 {
	return uint32((pts.Microseconds()*int64(s.conf.ClockRate) + 500000) / 1000000)
}

// SSRC returns the synchronization source identifier.
func (s *Socket) SSRC() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ssrc
}

// SetSSRC changes the synchronization source identifier.
func (s *Socket) SetSSRC(ssrc uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ssrc = ssrc
	s.rtcp.SetSSRC(ssrc)
}

// SetCSRC changes the contributing sources written in packets acquired from
// now on.
func (s *Socket) SetCSRC(csrc []uint32) error {
	if len(csrc) > 15 {
		return fmt.Errorf("at most 15 CSRC identifiers are allowed, got %d", len(csrc))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csrc = append([]uint32(nil), csrc...)
	return nil
}

// SequenceNumber returns the sequence number of the next packet.
func (s *Socket) SequenceNumber() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequenceNumber
}

func (s *Socket) setSequenceNumber(n uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequenceNumber = n
}

// LocalRTPPort returns the local port RTP is sent from.
func (s *Socket) LocalRTPPort() int {
	return s.rtpConn.LocalAddr().(*net.UDPAddr).Port
}

// LocalRTCPPort returns the local port RTCP is sent from.
func (s *Socket) LocalRTCPPort() int {
	return s.rtcpConn.LocalAddr().(*net.UDPAddr).Port
}

// DefaultRTPPort returns the RTP port used for unknown destinations.
func (s *Socket) DefaultRTPPort() int {
	return s.conf.DefaultRTPPort
}

// AddDestination registers a client. Adding a known address replaces its
// ports and resumes it.
func (s *Socket) AddDestination(ip net.IP, rtpPort, rtcpPort int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.find(ip); d != nil {
		d.RTPPort = rtpPort
		d.RTCPPort = rtcpPort
		d.Paused = false
		return
	}
	s.destinations = append(s.destinations, &Destination{
		IP:       append(net.IP(nil), ip...),
		RTPPort:  rtpPort,
		RTCPPort: rtcpPort,
	})
}

// RemoveDestination unregisters a client and reports whether it was known.
func (s *Socket) RemoveDestination(ip net.IP) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.destinations {
		if d.IP.Equal(ip) {
			s.destinations = append(s.destinations[:i], s.destinations[i+1:]...)
			return true
		}
	}
	return false
}

// SetPaused stops or resumes sending to a client without forgetting it.
func (s *Socket) SetPaused(ip net.IP, paused bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.find(ip)
	if d == nil {
		return false
	}
	d.Paused = paused
	return true
}

// RTPPort returns the RTP port recorded for ip, or the default port.
func (s *Socket) RTPPort(ip net.IP) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.find(ip); d != nil {
		return d.RTPPort
	}
	return s.conf.DefaultRTPPort
}

// RTCPPort returns the RTCP port recorded for ip, or the default port.
func (s *Socket) RTCPPort(ip net.IP) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.find(ip); d != nil {
		return d.RTCPPort
	}
	return s.conf.DefaultRTCPPort
}

// Destinations returns a copy of the registered clients in insertion order.
func (s *Socket) Destinations() []Destination {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]Destination, len(s.destinations))
	for i, d := range s.destinations {
		ret[i] = *d
	}
	return ret
}

// Consumers returns how many receivers currently get packets.
func (s *Socket) Consumers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.output != nil {
		return 1
	}
	n := 0
	for _, d := range s.destinations {
		if !d.Paused {
			n++
		}
	}
	return n
}

func (s *Socket) find(ip net.IP) *Destination {
	if ip == nil {
		return nil
	}
	for _, d := range s.destinations {
		if d.IP.Equal(ip) {
			return d
		}
	}
	return nil
}

// SetOutputStream switches the socket to interleaved mode: packets are
// framed with a 4-byte header and written once to w instead of the UDP
// destinations. Writes to w must be safe against concurrent writers of the
// same connection.
func (s *Socket) SetOutputStream(w io.Writer, rtpChannel, rtcpChannel uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = &interleavedOutput{w: w, rtpChannel: rtpChannel, rtcpChannel: rtcpChannel}
}

// ClearOutputStream leaves interleaved mode if w is the current output.
func (s *Socket) ClearOutputStream(w io.Writer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.output == nil || s.output.w != w {
		return false
	}
	s.output = nil
	return true
}

// Interleaved reports whether packets go to an interleaved output stream.
func (s *Socket) Interleaved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output != nil
}

// Bitrate returns the average enqueued bitrate in bits per second.
func (s *Socket) Bitrate() int64 {
	return s.bitrate.Average()
}

// Stats returns the sender report counters.
func (s *Socket) Stats() rtcpsender.Stats {
	return s.rtcp.Stats()
}

// Acquire takes an empty packet from the pool, blocking until one is
// available.
func (s *Socket) Acquire(ctx context.Context) (*Packet, error) {
	select {
	case p := <-s.available:
		s.mu.Lock()
		p.reset(s.csrc)
		s.mu.Unlock()
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.terminate:
		return nil, ErrClosed
	}
}

// Enqueue hands a filled packet to the sender goroutine. Packets leave in
// enqueue order.
func (s *Socket) Enqueue(ctx context.Context, p *Packet) error {
	s.bitrate.Push(HeaderSize + p.length)
	select {
	case s.ready <- p:
		return nil
	case <-ctx.Done():
		s.available <- p
		return ctx.Err()
	case <-s.terminate:
		return ErrClosed
	}
}

func (s *Socket) run() {
	defer close(s.done)

	if s.conf.CacheSize > 0 {
		t := time.NewTimer(s.conf.CacheSize)
		select {
		case <-t.C:
		case <-s.terminate:
			t.Stop()
			return
		}
	}

	var (
		pc       pacer
		first    = true
		lastPTS  time.Duration
		lastSent time.Time
	)

	for {
		select {
		case <-s.terminate:
			return
		case p := <-s.ready:
			if !first && s.conf.CacheSize > 0 {
				wait := pc.next(p.pts-lastPTS, time.Since(lastSent))
				if wait > 0 && !s.sleep(wait) {
					return
				}
			}
			first = false
			lastPTS = p.pts

			s.send(p)
			lastSent = time.Now()
			s.available <- p
		}
	}
}

func (s *Socket) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.terminate:
		return false
	}
}

func (s *Socket) send(p *Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := p.writeHeader(s.conf.PayloadType, s.sequenceNumber, s.ssrc)
	if err != nil {
		sendErrors.WithLabelValues("header").Inc()
		log.WithError(err).Error("dropping RTP packet")
		return
	}
	s.sequenceNumber++

	byts := p.Bytes()
	if s.output != nil {
		s.writeInterleaved(s.output.rtpChannel, byts)
	} else {
		for _, d := range s.destinations {
			if d.Paused {
				continue
			}
			_, err := s.rtpConn.WriteToUDP(byts, &net.UDPAddr{IP: d.IP, Port: d.RTPPort})
			if err != nil {
				sendErrors.WithLabelValues("udp").Inc()
				log.WithError(err).WithField("destination", d.IP.String()).Debug("failed to send RTP packet")
				continue
			}
			packetsSent.Inc()
			bytesSent.Add(float64(len(byts)))
		}
	}

	if sr := s.rtcp.Update(p.length, p.timestamp); sr != nil {
		s.sendReport(sr)
	}
}

func (s *Socket) sendReport(sr *rtcp.SenderReport) {
	byts, err := sr.Marshal()
	if err != nil {
		log.WithError(err).Error("failed to marshal RTCP sender report")
		return
	}

	if s.output != nil {
		s.writeInterleaved(s.output.rtcpChannel, byts)
		reportsSent.Inc()
		return
	}

	for _, d := range s.destinations {
		if d.Paused {
			continue
		}
		_, err := s.rtcpConn.WriteToUDP(byts, &net.UDPAddr{IP: d.IP, Port: d.RTCPPort})
		if err != nil {
			sendErrors.WithLabelValues("rtcp").Inc()
			log.WithError(err).WithField("destination", d.IP.String()).Debug("failed to send RTCP sender report")
			continue
		}
		reportsSent.Inc()
	}
}

// writeInterleaved must be called with mu held.
func (s *Socket) writeInterleaved(channel uint8, payload []byte) {
	frame := s.frame[:4+len(payload)]
	frame[0] = '$'
	frame[1] = channel
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[4:], payload)

	_, err := s.output.w.Write(frame)
	if err != nil {
		sendErrors.WithLabelValues("interleaved").Inc()
		log.WithError(err).Debug("failed to write interleaved frame")
		return
	}
	packetsSent.Inc()
	bytesSent.Add(float64(len(frame)))
}
