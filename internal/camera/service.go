// Package camera publishes a live H.264 source as an RTSP resource.
package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/live-stream/internal/capture"
	"github.com/bilbercode/live-stream/internal/encoder"
	"github.com/bilbercode/live-stream/internal/media"
	"github.com/bilbercode/live-stream/internal/rtsp"
	"github.com/bilbercode/live-stream/internal/session"
)

const (
	DefaultControl = "trackID=0"

	superviseInterval = 2 * time.Second
)

var (
	cameraErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "camera_errors",
		Namespace: "live_stream",
		Help:      "number of errors the camera has encountered",
	}, []string{"camera"})
	cameraRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "camera_restarts",
		Namespace: "live_stream",
		Help:      "number of camera restarts",
	}, []string{"camera"})
	cameraBitrate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "camera_bitrate_bps",
		Namespace: "live_stream",
		Help:      "average RTP bitrate of the camera",
	}, []string{"camera"})
)

type service struct {
	sync.Mutex
	conf   Config
	cancel context.CancelFunc

	track    *media.Track
	resource *session.Resource
	// wanted is set while clients play the track.
	wanted bool
}

func NewService(conf Config) Service {
	if conf.Control == "" {
		conf.Control = DefaultControl
	}
	if conf.Track.Name == "" {
		conf.Track.Name = "camera"
	}
	return &service{conf: conf}
}

func (s *service) Start(ctx context.Context) error {
	if s.conf.Registry == nil {
		return errors.New("camera service needs a registry")
	}

	s.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.Unlock()

	err := s.publish()
	if err != nil {
		return err
	}
	defer s.unpublish()

	ticker := time.NewTicker(superviseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.supervise()
		}
	}
}

func (s *service) Close() {
	s.Lock()
	defer s.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *service) publish() error {
	name := s.conf.Track.Name
	source := capture.NewSource(s.conf.Capture)
	enc := encoder.NewPassthrough(s.conf.EncoderBuffer)

	track, _, err := media.NewH264Track(s.conf.Track, source, enc)
	if err != nil {
		cameraErrors.WithLabelValues(name).Inc()
		return fmt.Errorf("failed to create track for camera %s: %w", name, err)
	}

	res, err := session.NewResource(s.conf.URI)
	if err != nil {
		_ = track.Close()
		cameraErrors.WithLabelValues(name).Inc()
		return fmt.Errorf("failed to create resource for camera %s: %w", name, err)
	}
	if s.conf.Description != (session.Description{}) {
		res.SetDescription(s.conf.Description)
	}
	res.AddMedia(s.conf.Control, track)
	for _, m := range rtsp.ServedMethods {
		res.AddSupportedMethod(m.String())
	}

	s.Lock()
	s.track = track
	s.resource = res
	s.Unlock()

	s.conf.Registry.Publish(res)
	log.WithFields(log.Fields{
		"camera": name,
		"input":  s.conf.Capture.Path,
	}).Infof("camera feed is now available at `%s`", s.conf.URI)
	return nil
}

func (s *service) unpublish() {
	s.Lock()
	track, res := s.track, s.resource
	s.track, s.resource = nil, nil
	s.Unlock()
	if res == nil {
		return
	}

	s.conf.Registry.Unpublish(res.Path())
	err := track.Close()
	if err != nil {
		log.WithError(err).WithField("camera", s.conf.Track.Name).Warn("failed to close track")
	}
	cameraBitrate.DeleteLabelValues(s.conf.Track.Name)
	log.WithField("camera", s.conf.Track.Name).Info("camera feed removed")
}

// supervise restarts a track that stopped on its own while clients still
// receive it.
func (s *service) supervise() {
	s.Lock()
	defer s.Unlock()
	if s.track == nil {
		return
	}
	name := s.conf.Track.Name
	cameraBitrate.WithLabelValues(name).Set(float64(s.track.Socket().Bitrate()))

	consumers := s.track.Socket().Consumers()
	if s.track.IsStreaming() {
		s.wanted = consumers > 0
		return
	}
	if !s.wanted || consumers == 0 {
		s.wanted = false
		return
	}

	log.WithField("camera", name).Warn("camera stopped with active clients, restarting")
	cameraRestarts.WithLabelValues(name).Inc()
	err := s.track.Start()
	if err != nil {
		cameraErrors.WithLabelValues(name).Inc()
		log.WithError(err).WithField("camera", name).Error("failed to restart camera")
	}
}
