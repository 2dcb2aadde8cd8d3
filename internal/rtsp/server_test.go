package rtsp

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bilbercode/live-stream/internal/auth"
	"github.com/bilbercode/live-stream/internal/media"
	"github.com/bilbercode/live-stream/internal/rtpsocket"
	"github.com/bilbercode/live-stream/internal/session"
)

const (
	baseURL  = "rtsp://192.0.2.1:8554/live/cam"
	trackURL = baseURL + "/trackID=0"
)

var (
	localAddr  = &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 8554}
	remoteAddr = &net.TCPAddr{IP: net.IPv4(203, 0, 113, 5), Port: 40000}
)

type idleEncoder struct{}

func (idleEncoder) Start(context.Context, media.VideoQuality) error { return nil }

func (idleEncoder) QueueInput(context.Context, media.Frame) error { return nil }

func (idleEncoder) DequeueOutput(ctx context.Context, _ time.Duration) (media.EncodedUnit, error) {
	<-ctx.Done()
	return media.EncodedUnit{}, ctx.Err()
}

func (idleEncoder) OutputFormat() media.Format { return media.Format{} }

func (idleEncoder) Stop() error { return nil }

type idleSource struct{}

func (idleSource) Open(context.Context) error { return nil }

func (idleSource) ReadFrame(ctx context.Context) (media.Frame, error) {
	<-ctx.Done()
	return media.Frame{}, ctx.Err()
}

func (idleSource) Close() error { return nil }

// addrConn reports fixed addresses for a pipe end.
type addrConn struct {
	net.Conn
	local, remote net.Addr
}

func (c addrConn) LocalAddr() net.Addr { return c.local }

func (c addrConn) RemoteAddr() net.Addr { return c.remote }

type testEnv struct {
	server   *server
	registry *session.Registry
	track    *media.Track
}

func newTestEnv(t *testing.T, manager *auth.Manager) *testEnv {
	t.Helper()
	track, _, err := media.NewH264Track(media.TrackConfig{
		Name:   "video",
		Socket: rtpsocket.Config{ListenIP: net.IPv4(127, 0, 0, 1)},
	}, idleSource{}, idleEncoder{})
	require.NoError(t, err)
	t.Cleanup(func() { track.Close() })

	res, err := session.NewResource(baseURL)
	require.NoError(t, err)
	res.AddMedia("trackID=0", track)
	for _, m := range []Method{MethodDescribe, MethodSetup, MethodPlay} {
		res.AddSupportedMethod(m.String())
	}

	registry := session.NewRegistry()
	registry.Publish(res)

	return &testEnv{
		server:   newServer(Config{Registry: registry, Auth: manager}),
		registry: registry,
		track:    track,
	}
}

// pipe serves one connection over net.Pipe and returns the client end.
func (e *testEnv) pipe(t *testing.T) net.Conn {
	t.Helper()
	a, b := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.server.handle(ctx, addrConn{Conn: a, local: localAddr, remote: remoteAddr})
	}()
	t.Cleanup(func() {
		b.Close()
		cancel()
		<-done
	})
	return b
}

func (e *testEnv) dial(t *testing.T) Client {
	t.Helper()
	cli := NewClient(e.pipe(t))
	t.Cleanup(func() { cli.Close() })
	return cli
}

func do(t *testing.T, cli Client, method Method, url string, header map[string]string) *Response {
	t.Helper()
	request := &Request{Method: method, URL: url, Header: map[string][]string{}}
	for k, v := range header {
		request.Header[k] = []string{v}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	response, err := cli.SendRequest(ctx, request)
	require.NoError(t, err)
	return response
}

func raw(t *testing.T, nc net.Conn, br *bufio.Reader, in string) (*Response, error) {
	t.Helper()
	_ = nc.SetDeadline(time.Now().Add(5 * time.Second))
	_, err := nc.Write([]byte(in))
	if err != nil {
		return nil, err
	}
	return readResponse(br)
}

func TestOptions(t *testing.T) {
	env := newTestEnv(t, nil)
	cli := env.dial(t)

	response := do(t, cli, MethodOptions, baseURL, nil)
	require.Equal(t, StatusOK, response.Code)
	require.Equal(t, "DESCRIBE, SETUP, PLAY", headerValue(response.Header, HeaderPublic))

	response = do(t, cli, MethodOptions, "rtsp://192.0.2.1:8554/missing", nil)
	require.Equal(t, StatusNotFound, response.Code)
}

func TestDescribe(t *testing.T) {
	env := newTestEnv(t, nil)
	cli := env.dial(t)

	response := do(t, cli, MethodDescribe, baseURL, map[string]string{HeaderAccept: "application/sdp"})
	require.Equal(t, StatusOK, response.Code)
	require.Equal(t, "1", response.Sequence)
	require.Equal(t, contentTypeSDP, headerValue(response.Header, HeaderContentType))
	require.Equal(t, baseURL+"/", headerValue(response.Header, HeaderContentBase))

	body := string(response.Body)
	require.Contains(t, body, "v=0\r\n")
	require.Contains(t, body, " IN IP4 192.0.2.1\r\n")
	require.Contains(t, body, "c=IN IP4 203.0.113.5\r\n")
	require.Contains(t, body, "m=video 5004 RTP/AVP 96\r\n")
	require.Contains(t, body, "a=rtpmap:96 H264/90000\r\n")
	require.Contains(t, body, "a=control:trackID=0\r\n")

	response = do(t, cli, MethodDescribe, "rtsp://192.0.2.1:8554/missing", map[string]string{HeaderAccept: "application/sdp"})
	require.Equal(t, StatusNotFound, response.Code)
	require.Equal(t, "2", response.Sequence)

	response = do(t, cli, MethodDescribe, baseURL, map[string]string{HeaderAccept: "text/html"})
	require.Equal(t, StatusNotAcceptable, response.Code)

	response = do(t, cli, MethodDescribe, baseURL, map[string]string{HeaderAccept: "text/html, Application/SDP"})
	require.Equal(t, StatusOK, response.Code)

	response = do(t, cli, MethodDescribe, baseURL, nil)
	require.Equal(t, StatusNotAcceptable, response.Code)
}

func TestSetupPlayPauseTeardown(t *testing.T) {
	env := newTestEnv(t, nil)
	cli := env.dial(t)
	socket := env.track.Socket()

	response := do(t, cli, MethodSetup, trackURL, map[string]string{
		HeaderTransport: "RTP/AVP;unicast;client_port=5000-5001",
	})
	require.Equal(t, StatusOK, response.Code)
	id := headerValue(response.Header, HeaderSession)
	require.NotEmpty(t, id)
	require.Equal(t, "no-cache", headerValue(response.Header, HeaderCacheControl))

	tr := headerValue(response.Header, HeaderTransport)
	require.True(t, strings.HasPrefix(tr, "RTP/AVP/UDP;unicast;destination=203.0.113.5;client_port=5000-5001;server_port="), tr)
	require.Contains(t, tr, ";ssrc=")
	require.True(t, strings.HasSuffix(tr, ";mode=play"), tr)

	require.Equal(t, []rtpsocket.Destination{{
		IP:       net.IPv4(203, 0, 113, 5).To16(),
		RTPPort:  5000,
		RTCPPort: 5001,
	}}, normalizeDestinations(socket.Destinations()))
	require.Len(t, env.registry.Sessions(), 1)

	response = do(t, cli, MethodPlay, baseURL, map[string]string{HeaderSession: id})
	require.Equal(t, StatusOK, response.Code)
	require.Equal(t, id, headerValue(response.Header, HeaderSession))
	require.Equal(t, "url="+trackURL+";seq=0", headerValue(response.Header, HeaderRTPInfo))
	require.True(t, env.track.IsStreaming())

	response = do(t, cli, MethodPause, baseURL, map[string]string{HeaderSession: id})
	require.Equal(t, StatusOK, response.Code)
	require.False(t, env.track.IsStreaming())
	require.True(t, socket.Destinations()[0].Paused)

	response = do(t, cli, MethodPlay, baseURL, map[string]string{HeaderSession: id})
	require.Equal(t, StatusOK, response.Code)
	require.True(t, env.track.IsStreaming())
	require.False(t, socket.Destinations()[0].Paused)

	response = do(t, cli, MethodTeardown, baseURL, map[string]string{HeaderSession: id})
	require.Equal(t, StatusOK, response.Code)
	require.False(t, env.track.IsStreaming())
	require.Empty(t, socket.Destinations())
	require.Empty(t, env.registry.Sessions())

	response = do(t, cli, MethodPlay, baseURL, map[string]string{HeaderSession: id})
	require.Equal(t, StatusSessionNotFound, response.Code)
}

func normalizeDestinations(in []rtpsocket.Destination) []rtpsocket.Destination {
	for i := range in {
		in[i].IP = in[i].IP.To16()
	}
	return in
}

func TestSetupErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	cli := env.dial(t)

	for _, tc := range []struct {
		name   string
		url    string
		header map[string]string
		code   int
	}{
		{"unknown resource", "rtsp://192.0.2.1:8554/missing/trackID=0", nil, StatusNotFound},
		{"aggregate", baseURL, nil, StatusAggregateOperationNotAllowed},
		{"unknown session", trackURL, map[string]string{HeaderSession: "42"}, StatusSessionNotFound},
		{"unsupported transport", trackURL, map[string]string{HeaderTransport: "RTP/SAVP;unicast"}, StatusUnsupportedTransport},
		{"malformed transport", trackURL, map[string]string{HeaderTransport: "RTP/AVP;client_port=a-b"}, StatusBadRequest},
		{"interleaved channel out of range", trackURL, map[string]string{HeaderTransport: "RTP/AVP/TCP;unicast;interleaved=256-257"}, StatusUnsupportedTransport},
	} {
		t.Run(tc.name, func(t *testing.T) {
			response := do(t, cli, MethodSetup, tc.url, tc.header)
			require.Equal(t, tc.code, response.Code)
		})
	}
	require.Empty(t, env.registry.Sessions())
}

func TestPlayWithoutSession(t *testing.T) {
	env := newTestEnv(t, nil)
	cli := env.dial(t)

	response := do(t, cli, MethodPlay, baseURL, nil)
	require.Equal(t, StatusMethodNotValidInThisState, response.Code)

	response = do(t, cli, MethodPause, baseURL, map[string]string{HeaderSession: "1"})
	require.Equal(t, StatusSessionNotFound, response.Code)
}

func TestSetupInterleaved(t *testing.T) {
	env := newTestEnv(t, nil)
	cli := env.dial(t)
	socket := env.track.Socket()

	response := do(t, cli, MethodSetup, trackURL, map[string]string{
		HeaderTransport: "RTP/AVP/TCP;unicast;interleaved=2-3",
	})
	require.Equal(t, StatusOK, response.Code)
	tr := headerValue(response.Header, HeaderTransport)
	require.True(t, strings.HasPrefix(tr, "RTP/AVP/TCP;unicast;interleaved=2-3;ssrc="), tr)
	require.True(t, socket.Interleaved())

	response = do(t, cli, MethodPlay, baseURL, nil)
	require.Equal(t, StatusOK, response.Code)
	require.True(t, env.track.IsStreaming())

	require.NoError(t, cli.Close())
	require.Eventually(t, func() bool {
		return len(env.registry.Sessions()) == 0 && !socket.Interleaved() && !env.track.IsStreaming()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAuthorization(t *testing.T) {
	env := newTestEnv(t, auth.NewManager("user", "pass", ""))
	cli := env.dial(t)

	response := do(t, cli, MethodDescribe, baseURL, nil)
	require.Equal(t, StatusUnauthorized, response.Code)
	require.Equal(t, `Basic realm="servername"`, headerValue(response.Header, HeaderWWWAuthenticate))

	response = do(t, cli, MethodOptions, baseURL, nil)
	require.Equal(t, StatusOK, response.Code)

	response = do(t, cli, MethodDescribe, baseURL, map[string]string{
		HeaderAuthorization: auth.Credentials("user", "pass"),
		HeaderAccept:        "application/sdp",
	})
	require.Equal(t, StatusOK, response.Code)
}

func TestUnsupportedMethod(t *testing.T) {
	env := newTestEnv(t, nil)
	cli := env.dial(t)

	response := do(t, cli, MethodAnnounce, baseURL, nil)
	require.Equal(t, StatusMethodNotAllowed, response.Code)
	require.Equal(t, "OPTIONS, DESCRIBE, SETUP, PLAY, PAUSE, TEARDOWN", headerValue(response.Header, HeaderAllow))
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	nc := env.pipe(t)
	br := bufio.NewReader(nc)

	response, err := raw(t, nc, br, "DESCRIBE http://192.0.2.1/live/cam RTSP/1.0\r\nCSeq: 3\r\n\r\n")
	require.NoError(t, err)
	require.Equal(t, StatusBadRequest, response.Code)
	require.Equal(t, "3", response.Sequence)

	response, err = raw(t, nc, br, "DESCRIBE "+baseURL+" RTSP/2.0\r\nCSeq: 4\r\n\r\n")
	require.NoError(t, err)
	require.Equal(t, StatusRTSPVersionNotSupported, response.Code)

	response, err = raw(t, nc, br, " "+baseURL+" RTSP/1.0\r\nCSeq: 6\r\n\r\n")
	require.NoError(t, err)
	require.Equal(t, StatusBadRequest, response.Code)
	require.Equal(t, "6", response.Sequence)

	response, err = raw(t, nc, br, "OPTIONS "+baseURL+" RTSP/1.0\r\nCSeq: abc\r\n\r\n")
	require.NoError(t, err)
	require.Equal(t, StatusOK, response.Code)
	require.Empty(t, response.Sequence)

	// interleaved frames from the client are skipped
	response, err = raw(t, nc, br, "$\x01\x00\x04abcdOPTIONS "+baseURL+" RTSP/1.0\r\nCSeq: 5\r\n\r\n")
	require.NoError(t, err)
	require.Equal(t, StatusOK, response.Code)
	require.Equal(t, "5", response.Sequence)
}

func TestMalformedRequestLine(t *testing.T) {
	env := newTestEnv(t, nil)
	nc := env.pipe(t)
	br := bufio.NewReader(nc)

	_, err := raw(t, nc, br, "DESCRIBE "+baseURL+"\r\n\r\n")
	require.Error(t, err)
}

func TestServeAndClose(t *testing.T) {
	env := newTestEnv(t, nil)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- env.server.Serve(context.Background(), l)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cli, err := Dial(ctx, l.Addr().String())
	require.NoError(t, err)
	defer cli.Close()

	response := do(t, cli, MethodOptions, baseURL, nil)
	require.Equal(t, StatusOK, response.Code)
	require.Equal(t, l.Addr().String(), env.server.Addr().String())

	require.NoError(t, env.server.Close())
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	<-cli.Done()
}

func TestConnectionCloseTearsDown(t *testing.T) {
	env := newTestEnv(t, nil)
	nc := env.pipe(t)
	cli := NewClient(nc)

	response := do(t, cli, MethodSetup, trackURL, map[string]string{
		HeaderTransport: "RTP/AVP;unicast;client_port=5000-5001",
	})
	require.Equal(t, StatusOK, response.Code)
	id := headerValue(response.Header, HeaderSession)

	response = do(t, cli, MethodPlay, baseURL, map[string]string{HeaderSession: id})
	require.Equal(t, StatusOK, response.Code)
	require.True(t, env.registry.IsStreaming())

	require.NoError(t, cli.Close())
	require.Eventually(t, func() bool {
		return !env.track.IsStreaming() && len(env.registry.Sessions()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Empty(t, env.track.Socket().Destinations())
}

func TestSessionsOfTwoClients(t *testing.T) {
	env := newTestEnv(t, nil)
	socket := env.track.Socket()

	connect := func(ip net.IP) Client {
		a, b := net.Pipe()
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			env.server.handle(ctx, addrConn{Conn: a, local: localAddr, remote: &net.TCPAddr{IP: ip, Port: 40000}})
		}()
		t.Cleanup(func() {
			b.Close()
			cancel()
			<-done
		})
		cli := NewClient(b)
		t.Cleanup(func() { cli.Close() })
		return cli
	}
	first := connect(net.IPv4(203, 0, 113, 5))
	second := connect(net.IPv4(203, 0, 113, 6))

	setup := func(cli Client) string {
		response := do(t, cli, MethodSetup, trackURL, map[string]string{
			HeaderTransport: "RTP/AVP;unicast;client_port=5000-5001",
		})
		require.Equal(t, StatusOK, response.Code)
		return headerValue(response.Header, HeaderSession)
	}
	firstID := setup(first)
	secondID := setup(second)
	require.NotEqual(t, firstID, secondID)

	response := do(t, first, MethodPlay, baseURL, nil)
	require.Equal(t, StatusOK, response.Code)
	require.Equal(t, firstID, headerValue(response.Header, HeaderSession))

	response = do(t, first, MethodTeardown, baseURL, nil)
	require.Equal(t, StatusOK, response.Code)
	require.Equal(t, firstID, headerValue(response.Header, HeaderSession))

	require.Nil(t, env.registry.FindSessionByID(firstID))
	require.NotNil(t, env.registry.FindSessionByID(secondID))
	require.Equal(t, []rtpsocket.Destination{{
		IP:       net.IPv4(203, 0, 113, 6).To16(),
		RTPPort:  5000,
		RTCPPort: 5001,
	}}, normalizeDestinations(socket.Destinations()))
}
