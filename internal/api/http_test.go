package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bilbercode/live-stream/internal/auth"
	"github.com/bilbercode/live-stream/internal/media"
	"github.com/bilbercode/live-stream/internal/rtpsocket"
	"github.com/bilbercode/live-stream/internal/session"
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

func newRegistry(t *testing.T) (*session.Registry, *session.Session) {
	t.Helper()
	track, _, err := media.NewH264Track(media.TrackConfig{
		Name:   "front",
		Socket: rtpsocket.Config{ListenIP: net.IPv4(127, 0, 0, 1)},
	}, idleSource{}, idleEncoder{})
	require.NoError(t, err)
	t.Cleanup(func() { track.Close() })
	track.Socket().AddDestination(net.IPv4(203, 0, 113, 5), 5000, 5001)

	res, err := session.NewResource("rtsp://127.0.0.1:8086/test/live")
	require.NoError(t, err)
	res.AddMedia("trackID=0", track)
	res.AddSupportedMethod("DESCRIBE")

	registry := session.NewRegistry()
	registry.Publish(res)

	s := session.Build(session.Config{Resource: res})
	b, ok := res.Lookup("/test/live/trackID=0")
	require.True(t, ok)
	s.AddTrack(b)
	require.True(t, registry.AddSession(s))
	return registry, s
}

func get(t *testing.T, h http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSessions(t *testing.T) {
	registry, s := newRegistry(t)
	h := NewServer(Config{Registry: registry}).Handler()

	rec := get(t, h, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var sessions []SessionStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	require.Equal(t, s.ID(), sessions[0].ID)
	require.Equal(t, "/test/live", sessions[0].Path)
	require.False(t, sessions[0].Streaming)
	require.Len(t, sessions[0].Tracks, 1)

	track := sessions[0].Tracks[0]
	require.Equal(t, "trackID=0", track.Control)
	require.Equal(t, "front", track.Name)
	require.Equal(t, media.StateIdle.String(), track.State)
	require.Equal(t, []DestinationStatus{{
		Address:  "203.0.113.5",
		RTPPort:  5000,
		RTCPPort: 5001,
	}}, track.Destinations)

	rec = get(t, h, "/sessions/"+s.ID(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, h, "/sessions/1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatus(t *testing.T) {
	registry, _ := newRegistry(t)
	h := NewServer(Config{Registry: registry}).Handler()

	rec := get(t, h, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.False(t, status.Streaming)
	require.Len(t, status.Resources, 1)
	require.Equal(t, "/test/live", status.Resources[0].Path)
	require.Equal(t, []string{"DESCRIBE"}, status.Resources[0].Methods)
	require.Len(t, status.Sessions, 1)
}

func TestMetrics(t *testing.T) {
	registry, _ := newRegistry(t)
	h := NewServer(Config{
		Registry: registry,
		Auth:     auth.NewManager("user", "pass", ""),
	}).Handler()

	rec := get(t, h, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}

func TestAuthorization(t *testing.T) {
	registry, _ := newRegistry(t)
	h := NewServer(Config{
		Registry: registry,
		Auth:     auth.NewManager("user", "pass", "live"),
	}).Handler()

	rec := get(t, h, "/sessions", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, `Basic realm="live"`, rec.Header().Get("WWW-Authenticate"))

	rec = get(t, h, "/sessions", map[string]string{"Authorization": auth.Credentials("user", "pass")})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStart(t *testing.T) {
	registry, _ := newRegistry(t)
	srv := NewServer(Config{Addr: "127.0.0.1:0", Registry: registry})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		// the listener may not be up yet when ctx is cancelled
		if err != nil {
			require.ErrorIs(t, err, context.Canceled)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("API did not stop")
	}
}
