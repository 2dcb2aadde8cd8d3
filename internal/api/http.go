// Package api serves the server status and the Prometheus metrics over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bilbercode/live-stream/internal/auth"
	"github.com/bilbercode/live-stream/internal/session"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	Addr     string
	Registry *session.Registry
	// Auth protects the status endpoints. Metrics stay public.
	Auth *auth.Manager
}

type httpAPI struct {
	addr     string
	registry *session.Registry
	router   *mux.Router
}

func NewServer(conf Config) Server {
	a := &httpAPI{
		addr:     conf.Addr,
		registry: conf.Registry,
		router:   mux.NewRouter(),
	}

	a.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	status := a.router.PathPrefix("/").Subrouter()
	if conf.Auth.Enabled() {
		status.Use(conf.Auth.Middleware)
	}
	status.HandleFunc("/status", a.onStatus).Methods(http.MethodGet)
	status.HandleFunc("/sessions", a.onSessions).Methods(http.MethodGet)
	status.HandleFunc("/sessions/{id}", a.onSession).Methods(http.MethodGet)
	status.HandleFunc("/resources", a.onResources).Methods(http.MethodGet)

	return a
}

func (a *httpAPI) Handler() http.Handler {
	return a.router
}

func (a *httpAPI) Start(ctx context.Context) error {
	conf := net.ListenConfig{}
	listener, err := conf.Listen(ctx, "tcp", a.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on address %s: %w", a.addr, err)
	}

	server := http.Server{Handler: a.router, ReadHeaderTimeout: 10 * time.Second}
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.WithField("addr", listener.Addr().String()).Info("status API listening")
		err := server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})
	return group.Wait()
}

func (a *httpAPI) onStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Status{
		Streaming: a.registry.IsStreaming(),
		Bitrate:   a.registry.Bitrate(),
		Resources: a.resources(),
		Sessions:  a.sessions(),
	})
}

func (a *httpAPI) onSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions())
}

func (a *httpAPI) onSession(w http.ResponseWriter, r *http.Request) {
	s := a.registry.FindSessionByID(mux.Vars(r)["id"])
	if s == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, sessionStatus(s))
}

func (a *httpAPI) onResources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.resources())
}

func (a *httpAPI) sessions() []SessionStatus {
	ret := []SessionStatus{}
	for _, s := range a.registry.Sessions() {
		ret = append(ret, sessionStatus(s))
	}
	return ret
}

func (a *httpAPI) resources() []ResourceStatus {
	ret := []ResourceStatus{}
	for _, res := range a.registry.Resources() {
		rs := ResourceStatus{
			Path:      res.Path(),
			URI:       res.BaseURI(),
			Methods:   res.SupportedMethods(),
			Streaming: res.IsStreaming(),
			Bitrate:   res.Bitrate(),
			Tracks:    []TrackStatus{},
		}
		for _, b := range res.Bindings() {
			rs.Tracks = append(rs.Tracks, trackStatus(b))
		}
		ret = append(ret, rs)
	}
	return ret
}

func sessionStatus(s *session.Session) SessionStatus {
	ss := SessionStatus{
		ID:        s.ID(),
		Path:      s.Path(),
		Created:   s.Created(),
		Streaming: s.IsStreaming(),
		Tracks:    []TrackStatus{},
	}
	for _, b := range s.Tracks() {
		ss.Tracks = append(ss.Tracks, trackStatus(b))
	}
	return ss
}

func trackStatus(b session.Binding) TrackStatus {
	socket := b.Track.Socket()
	stats := socket.Stats()
	ts := TrackStatus{
		Control:      b.Control,
		Name:         b.Track.Name(),
		State:        b.Track.State().String(),
		SSRC:         socket.SSRC(),
		Sequence:     socket.SequenceNumber(),
		Bitrate:      socket.Bitrate(),
		Packets:      stats.PacketCount,
		Octets:       stats.OctetCount,
		Interleaved:  socket.Interleaved(),
		Destinations: []DestinationStatus{},
	}
	for _, d := range socket.Destinations() {
		ts.Destinations = append(ts.Destinations, DestinationStatus{
			Address:  d.IP.String(),
			RTPPort:  d.RTPPort,
			RTCPPort: d.RTCPPort,
			Paused:   d.Paused,
		})
	}
	return ts
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		log.WithError(err).Warn("failed to write API response")
	}
}
