// Package rtsp serves published resources to RTSP clients.
package rtsp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bilbercode/live-stream/internal/auth"
	"github.com/bilbercode/live-stream/internal/rtsp/transport"
	"github.com/bilbercode/live-stream/internal/session"
)

const (
	contentTypeSDP = "application/sdp"

	// highest channel id a `$` frame can carry
	maxChannel = 255
)

type server struct {
	sync.Mutex
	registry *session.Registry
	auth     *auth.Manager
	name     string

	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
	conns    sync.WaitGroup
}

func NewServer(conf Config) Server {
	return newServer(conf)
}

func newServer(conf Config) *server {
	registry := conf.Registry
	if registry == nil {
		registry = session.NewRegistry()
	}
	return &server{
		registry: registry,
		auth:     conf.Auth,
		name:     conf.ServerName,
		done:     make(chan struct{}),
	}
}

func (s *server) Start(ctx context.Context, addr string) error {
	conf := net.ListenConfig{}
	listener, err := conf.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on address %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

func (s *server) Serve(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	s.Lock()
	if s.listener != nil {
		s.Unlock()
		cancel()
		return errors.New("server already started")
	}
	s.listener = l
	s.cancel = cancel
	s.Unlock()

	log.WithField("addr", l.Addr().String()).Info("RTSP server listening")

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-gctx.Done()
		_ = l.Close()
		return nil
	})
	group.Go(func() error {
		defer cancel()
		for {
			nc, err := l.Accept()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("failed to accept connection: %w", err)
			}
			s.conns.Add(1)
			go func() {
				defer s.conns.Done()
				s.handle(gctx, nc)
			}()
		}
	})

	err := group.Wait()
	s.conns.Wait()
	close(s.done)
	return err
}

func (s *server) Addr() net.Addr {
	s.Lock()
	defer s.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting connections, closes the open ones and waits for
// them to be cleaned up.
func (s *server) Close() error {
	s.Lock()
	cancel := s.cancel
	s.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-s.done
	return nil
}

func (s *server) handle(ctx context.Context, nc net.Conn) {
	c := newConn(s, nc)
	connectionsTotal.Inc()
	activeConnections.Inc()
	defer activeConnections.Dec()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = nc.Close()
		case <-stop:
		}
	}()

	c.logger.Debug("connection accepted")
	err := c.serve(ctx)
	close(stop)
	_ = nc.Close()
	c.close()

	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		c.logger.Debug("connection closed")
	default:
		c.logger.WithError(err).Warn("connection dropped")
	}
}

func (s *server) handleRequest(ctx context.Context, request *Request, c *conn) *Response {
	requestURL, err := url.Parse(request.URL)
	if err != nil || requestURL.Scheme != scheme || (requestURL.Host == "" && requestURL.Path == "") {
		return newResponse(request, StatusBadRequest)
	}
	if request.Method == "" || request.Version == "" {
		return newResponse(request, StatusBadRequest)
	}
	if request.Version != protocolVersion {
		return newResponse(request, StatusRTSPVersionNotSupported)
	}

	if request.Method != MethodOptions && s.auth.Enabled() {
		err = s.auth.Check(headerValue(request.Header, HeaderAuthorization))
		if err != nil {
			c.logger.WithError(err).Debug("request rejected")
			response := newResponse(request, StatusUnauthorized)
			response.set(HeaderWWWAuthenticate, s.auth.Challenge())
			return response
		}
	}

	switch request.Method {
	case MethodOptions:
		return s.handleOptions(ctx, request, requestURL)
	case MethodDescribe:
		return s.handleDescribe(ctx, request, requestURL, c)
	case MethodSetup:
		return s.handleSetup(ctx, request, requestURL, c)
	case MethodPlay:
		return s.handlePlay(ctx, request, requestURL, c)
	case MethodPause:
		return s.handlePause(ctx, request, requestURL, c)
	case MethodTeardown:
		return s.handleTeardown(ctx, request, requestURL, c)
	default:
		return s.handleUnsupportedMethod(request)
	}
}

func (s *server) handleOptions(_ context.Context, request *Request, requestURL *url.URL) *Response {
	res := s.registry.FindResource(requestURL.Path)
	if res == nil {
		return newResponse(request, StatusNotFound)
	}
	methods := res.SupportedMethods()
	if len(methods) == 0 {
		for _, m := range ServedMethods {
			methods = append(methods, m.String())
		}
	}
	response := newResponse(request, StatusOK)
	response.set(HeaderPublic, strings.Join(methods, ", "))
	return response
}

func (s *server) handleDescribe(_ context.Context, request *Request, requestURL *url.URL, c *conn) *Response {
	if accept := headerValue(request.Header, HeaderAccept); !strings.Contains(strings.ToLower(accept), contentTypeSDP) {
		return newResponse(request, StatusNotAcceptable)
	}

	res := s.registry.FindResource(requestURL.Path)
	if res == nil {
		return newResponse(request, StatusNotFound)
	}

	body, err := res.SessionDescription(c.local, c.remote)
	if err != nil {
		c.logger.WithError(err).Error("failed to render session description")
		return newResponse(request, StatusInternalServerError)
	}

	base := *requestURL
	base.Path = res.Path() + "/"
	base.RawQuery = ""

	response := newResponse(request, StatusOK)
	response.set(HeaderContentType, contentTypeSDP)
	response.set(HeaderContentBase, base.String())
	response.Body = body
	return response
}

func (s *server) handleSetup(_ context.Context, request *Request, requestURL *url.URL, c *conn) *Response {
	res := s.registry.FindResource(requestURL.Path)
	if res == nil {
		return newResponse(request, StatusNotFound)
	}
	binding, ok := res.Lookup(requestURL.Path)
	if !ok {
		return newResponse(request, StatusAggregateOperationNotAllowed)
	}

	var sess *session.Session
	if id := sessionID(headerValue(request.Header, HeaderSession)); id != "" {
		sess = s.registry.FindSessionByID(id)
		if sess == nil {
			return newResponse(request, StatusSessionNotFound)
		}
		if sess.Path() != res.Path() {
			return newResponse(request, StatusMethodNotValidInThisState)
		}
	}
	created := sess == nil
	if created {
		sess = session.Build(session.Config{Resource: res})
	}

	var opt transport.Option
	if values := request.Header[HeaderTransport]; len(values) > 0 {
		th, err := transport.Parse(values)
		switch {
		case errors.Is(err, transport.ErrUnsupportedTransport):
			return newResponse(request, StatusUnsupportedTransport)
		case err != nil:
			return newResponse(request, StatusBadRequest)
		}
		first, ok := th.First()
		if !ok {
			return newResponse(request, StatusUnsupportedTransport)
		}
		opt = first
	}

	socket := binding.Track.Socket()
	st := &setup{session: sess, binding: binding}
	var reply transport.Option

	if opt != nil && opt.Protocol() == transport.ProtocolTCP {
		index := len(sess.Tracks())
		rtpChannel, rtcpChannel := 2*index, 2*index+1
		if il, ok := opt.Interleaved(); ok {
			rtpChannel, rtcpChannel = il.Channels()
		}
		if rtpChannel > maxChannel || rtcpChannel > maxChannel {
			return newResponse(request, StatusUnsupportedTransport)
		}
		st.interleaved = true
		st.rtpChannel = uint8(rtpChannel)
		st.rtcpChannel = uint8(rtcpChannel)
		socket.SetOutputStream(c, st.rtpChannel, st.rtcpChannel)

		reply = transport.NewOption(
			transport.ProtocolTCP,
			false,
			transport.Interleaved{rtpChannel, rtcpChannel},
			transport.SSRC(socket.SSRC()),
			transport.Mode("play"),
		)
	} else {
		if c.remote == nil {
			return newResponse(request, StatusUnsupportedTransport)
		}
		rtpPort, rtcpPort := socket.RTPPort(c.remote), socket.RTCPPort(c.remote)
		if opt != nil {
			if cp, ok := opt.ClientPort(); ok {
				rtpPort, rtcpPort = cp.Ports()
			}
		}
		socket.AddDestination(c.remote, rtpPort, rtcpPort)

		reply = transport.NewOption(
			transport.ProtocolUDP,
			c.remote.IsMulticast(),
			transport.Destination(c.remote.String()),
			transport.ClientPort{rtpPort, rtcpPort},
			transport.ServerPort{socket.LocalRTPPort(), socket.LocalRTCPPort()},
			transport.SSRC(socket.SSRC()),
			transport.Mode("play"),
		)
	}

	sess.AddTrack(binding)
	if created {
		s.registry.AddSession(sess)
	}
	c.addSetup(st)

	c.logger.WithFields(log.Fields{
		"session":   sess.ID(),
		"track":     binding.Control,
		"transport": reply.String(),
	}).Debug("track set up")

	response := newResponse(request, StatusOK)
	response.set(HeaderTransport, reply.String())
	response.set(HeaderSession, sess.ID())
	response.set(HeaderCacheControl, "no-cache")
	return response
}

// findSession resolves the session of a request by its Session header. When
// the header is absent a session this connection set up on the request path
// wins over the registry's path lookup.
func (s *server) findSession(request *Request, requestURL *url.URL, c *conn) (*session.Session, int) {
	if id := sessionID(headerValue(request.Header, HeaderSession)); id != "" {
		sess := s.registry.FindSessionByID(id)
		if sess == nil {
			return nil, StatusSessionNotFound
		}
		return sess, StatusOK
	}

	paths := []string{requestURL.Path}
	if res := s.registry.FindResource(requestURL.Path); res != nil {
		paths = append(paths, res.Path())
	}
	for _, sess := range c.sessions() {
		for _, p := range paths {
			if sess.Path() == p {
				return sess, StatusOK
			}
		}
	}

	sess := s.registry.FindSession(requestURL.Path)
	if sess == nil {
		if res := s.registry.FindResource(requestURL.Path); res != nil {
			sess = s.registry.FindSession(res.Path())
		}
	}
	if sess == nil {
		return nil, StatusMethodNotValidInThisState
	}
	return sess, StatusOK
}

func (s *server) handlePlay(_ context.Context, request *Request, requestURL *url.URL, c *conn) *Response {
	sess, code := s.findSession(request, requestURL, c)
	if sess == nil {
		return newResponse(request, code)
	}
	tracks := sess.Tracks()
	if len(tracks) == 0 {
		return newResponse(request, StatusMethodNotValidInThisState)
	}

	wasStreaming := s.registry.IsStreaming()
	for _, st := range c.setupsOf(sess) {
		c.resume(st)
	}

	info := make([]string, 0, len(tracks))
	for _, b := range tracks {
		err := b.Track.Start()
		if err != nil {
			c.logger.WithError(err).WithField("track", b.Control).Error("failed to start track")
			return newResponse(request, StatusInternalServerError)
		}
		trackURL := *requestURL
		trackURL.Path = b.Path
		trackURL.RawQuery = ""
		info = append(info, fmt.Sprintf("url=%s;seq=0", trackURL.String()))
	}

	if !wasStreaming && s.registry.IsStreaming() {
		c.logger.WithField("session", sess.ID()).Info("streaming started")
	}

	response := newResponse(request, StatusOK)
	response.set(HeaderRTPInfo, strings.Join(info, ","))
	response.set(HeaderSession, sess.ID())
	response.set(HeaderRange, "npt=now-")
	return response
}

func (s *server) handlePause(_ context.Context, request *Request, requestURL *url.URL, c *conn) *Response {
	sess, code := s.findSession(request, requestURL, c)
	if sess == nil {
		return newResponse(request, code)
	}

	wasStreaming := s.registry.IsStreaming()
	for _, st := range c.setupsOf(sess) {
		c.pause(st)
	}
	if wasStreaming && !s.registry.IsStreaming() {
		c.logger.WithField("session", sess.ID()).Info("streaming stopped")
	}

	response := newResponse(request, StatusOK)
	response.set(HeaderSession, sess.ID())
	return response
}

func (s *server) handleTeardown(_ context.Context, request *Request, requestURL *url.URL, c *conn) *Response {
	sess, code := s.findSession(request, requestURL, c)
	if sess == nil {
		return newResponse(request, code)
	}

	wasStreaming := s.registry.IsStreaming()
	c.teardown(sess)
	if wasStreaming && !s.registry.IsStreaming() {
		c.logger.WithField("session", sess.ID()).Info("streaming stopped")
	}

	response := newResponse(request, StatusOK)
	response.set(HeaderSession, sess.ID())
	return response
}

func (s *server) handleUnsupportedMethod(request *Request) *Response {
	options := make([]string, 0, len(ServedMethods))
	for _, m := range ServedMethods {
		options = append(options, m.String())
	}
	response := newResponse(request, StatusMethodNotAllowed)
	response.set(HeaderAllow, strings.Join(options, ", "))
	return response
}
