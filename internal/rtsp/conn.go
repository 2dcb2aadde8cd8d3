package rtsp

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/live-stream/internal/session"
)

const (
	interleavedMagic = 0x24
	readBufferSize   = 4096
	writeTimeout     = 5 * time.Second
)

// setup is a track a connection has set up in a session.
type setup struct {
	session     *session.Session
	binding     session.Binding
	interleaved bool
	rtpChannel  uint8
	rtcpChannel uint8
}

// conn is the server side of one RTSP connection. Requests are handled one
// at a time in arrival order.
type conn struct {
	// wmu serializes responses and interleaved frames on nc.
	wmu sync.Mutex
	mu  sync.Mutex

	id     string
	nc     net.Conn
	br     *bufio.Reader
	server *server
	remote net.IP
	local  net.IP
	setups []*setup
	logger *log.Entry
}

func newConn(s *server, nc net.Conn) *conn {
	c := &conn{
		id:     uuid.NewString(),
		nc:     nc,
		br:     bufio.NewReaderSize(nc, readBufferSize),
		server: s,
		remote: addrIP(nc.RemoteAddr()),
		local:  addrIP(nc.LocalAddr()),
	}
	c.logger = log.WithFields(log.Fields{
		"conn":   c.id,
		"remote": nc.RemoteAddr().String(),
	})
	return c
}

func addrIP(a net.Addr) net.IP {
	if a == nil {
		return nil
	}
	if v, ok := a.(*net.TCPAddr); ok {
		return v.IP
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// Write sends an interleaved frame. It makes conn the output stream of an
// RTP socket.
func (c *conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.nc.Write(p)
}

func (c *conn) send(response *Response) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	return response.Write(c.nc)
}

func (c *conn) serve(ctx context.Context) error {
	for {
		first, err := c.br.Peek(1)
		if err != nil {
			return err
		}

		if first[0] == interleavedMagic {
			// RTCP receiver reports are not used
			err = c.discardFrame()
			if err != nil {
				return err
			}
			continue
		}

		request, err := readRequest(c.br)
		if err != nil {
			return err
		}

		response := c.server.handleRequest(ctx, request, c)
		if c.server.name != "" {
			response.set(HeaderServer, c.server.name)
		}
		requestsTotal.WithLabelValues(methodLabel(request.Method), fmt.Sprint(response.Code)).Inc()
		c.logger.WithFields(log.Fields{
			"method": request.Method,
			"url":    request.URL,
			"status": response.Code,
		}).Debug("request handled")

		err = c.send(response)
		if err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}
}

func (c *conn) discardFrame() error {
	header := make([]byte, 4)
	_, err := io.ReadFull(c.br, header)
	if err != nil {
		return fmt.Errorf("failed to read interleaved frame header: %w", err)
	}
	length := binary.BigEndian.Uint16(header[2:])
	_, err = c.br.Discard(int(length))
	if err != nil {
		return fmt.Errorf("failed to read interleaved frame payload: %w", err)
	}
	return nil
}

func methodLabel(m Method) string {
	switch m {
	case MethodOptions, MethodDescribe, MethodSetup, MethodPlay, MethodPause,
		MethodTeardown, MethodAnnounce, MethodRecord, MethodGetParameter,
		MethodSetParameter, MethodRedirect:
		return m.String()
	}
	return "OTHER"
}

// addSetup records st, replacing an earlier setup of the same track in the
// same session.
func (c *conn) addSetup(st *setup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, o := range c.setups {
		if o.session == st.session && o.binding.Control == st.binding.Control {
			c.setups[i] = st
			return
		}
	}
	c.setups = append(c.setups, st)
}

func (c *conn) setupsOf(s *session.Session) []*setup {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ret []*setup
	for _, st := range c.setups {
		if st.session == s {
			ret = append(ret, st)
		}
	}
	return ret
}

func (c *conn) removeSetups(s *session.Session) []*setup {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ret, keep []*setup
	for _, st := range c.setups {
		if st.session == s {
			ret = append(ret, st)
		} else {
			keep = append(keep, st)
		}
	}
	c.setups = keep
	return ret
}

func (c *conn) sessions() []*session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ret []*session.Session
	seen := map[*session.Session]bool{}
	for _, st := range c.setups {
		if !seen[st.session] {
			seen[st.session] = true
			ret = append(ret, st.session)
		}
	}
	return ret
}

func (c *conn) resume(st *setup) {
	socket := st.binding.Track.Socket()
	if st.interleaved {
		socket.SetOutputStream(c, st.rtpChannel, st.rtcpChannel)
		return
	}
	socket.SetPaused(c.remote, false)
}

// pause stops delivery to this connection and stops the track once nobody
// receives it.
func (c *conn) pause(st *setup) {
	socket := st.binding.Track.Socket()
	if st.interleaved {
		socket.ClearOutputStream(c)
	} else {
		socket.SetPaused(c.remote, true)
	}
	if socket.Consumers() == 0 {
		st.binding.Track.Stop()
	}
}

// release forgets this connection on the track socket and stops the track
// once nobody receives it.
func (c *conn) release(st *setup) {
	socket := st.binding.Track.Socket()
	if st.interleaved {
		socket.ClearOutputStream(c)
	} else {
		socket.RemoveDestination(c.remote)
	}
	if socket.Consumers() == 0 {
		st.binding.Track.Stop()
	}
}

// teardown releases every track of s set up by this connection and
// unregisters the session.
func (c *conn) teardown(s *session.Session) {
	for _, st := range c.removeSetups(s) {
		c.release(st)
	}
	s.ReleaseTracks()
	if !c.server.registry.RemoveSession(s) {
		c.logger.WithField("session", s.ID()).Debug("session already removed")
	}
}

// close tears down every session the connection set up.
func (c *conn) close() {
	wasStreaming := c.server.registry.IsStreaming()
	for _, s := range c.sessions() {
		c.teardown(s)
	}
	if wasStreaming && !c.server.registry.IsStreaming() {
		c.logger.Info("streaming stopped")
	}
}
