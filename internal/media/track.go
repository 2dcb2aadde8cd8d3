package media

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/sdp/v3"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/live-stream/internal/rtpsocket"
)

const (
	// OutputTimeout bounds the wait of the output worker on the encoder.
	OutputTimeout = 2 * time.Second

	notReadyDelay = 10 * time.Millisecond
)

// State of a track.
type State int

const (
	StateIdle State = iota
	StateConfigured
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfigured:
		return "configured"
	case StateStreaming:
		return "streaming"
	}
	return "unknown"
}

// TrackConfig configures a track and its RTP socket.
type TrackConfig struct {
	Name    string
	Quality VideoQuality
	Socket  rtpsocket.Config
}

// Track is one media stream of a session. It owns an RTP socket, an
// encoder and a Stream, and runs the input and output workers while
// streaming.
type Track struct {
	sync.Mutex

	name    string
	quality VideoQuality
	state   State

	socket  *rtpsocket.Socket
	encoder Encoder
	stream  Stream

	run *run
	// stopping is closed when the Stop in progress has released the run.
	stopping chan struct{}
}

// run is one Start..Stop cycle of the workers.
type run struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTrack returns an idle track.
func NewTrack(name string, quality VideoQuality, socket *rtpsocket.Socket, enc Encoder, stream Stream) *Track {
	return &Track{
		name:    name,
		quality: quality,
		socket:  socket,
		encoder: enc,
		stream:  stream,
	}
}

// NewH264Track opens an RTP socket with a random SSRC and returns an idle
// H.264 track reading from source through enc.
func NewH264Track(conf TrackConfig, source FrameSource, enc Encoder) (*Track, *H264Stream, error) {
	ssrc, err := randUint32()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate SSRC: %w", err)
	}

	sc := conf.Socket
	sc.SSRC = ssrc
	sc.ClockRate = ClockRate
	sc.PayloadType = PayloadType

	socket, err := rtpsocket.Open(sc)
	if err != nil {
		return nil, nil, err
	}

	quality := conf.Quality
	if quality == (VideoQuality{}) {
		quality = DefaultVideoQuality
	}

	stream := NewH264Stream(source, socket)
	return NewTrack(conf.Name, quality, socket, enc, stream), stream, nil
}

func randUint32() (uint32, error) {
	var b [4]byte
	_, err := rand.Read(b[:])
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// Name of the track.
func (t *Track) Name() string {
	return t.name
}

// Socket returns the RTP transport of the track.
func (t *Track) Socket() *rtpsocket.Socket {
	return t.socket
}

// State returns the current state.
func (t *Track) State() State {
	t.Lock()
	defer t.Unlock()
	return t.state
}

// IsStreaming reports whether the workers are running.
func (t *Track) IsStreaming() bool {
	return t.State() == StateStreaming
}

// Quality returns the configured video quality.
func (t *Track) Quality() VideoQuality {
	t.Lock()
	defer t.Unlock()
	return t.quality
}

// MediaDescription returns the SDP media section of the track.
func (t *Track) MediaDescription() *sdp.MediaDescription {
	return t.stream.MediaDescription(t.socket.DefaultRTPPort())
}

// Configure sets the video quality. It fails while the track streams.
func (t *Track) Configure(quality VideoQuality) error {
	t.Lock()
	defer t.Unlock()
	if t.state == StateStreaming {
		return fmt.Errorf("failed to configure track %s: %w", t.name, ErrInvalidState)
	}
	t.quality = quality
	t.state = StateConfigured
	return nil
}

// Start prepares the encoder and the stream and starts the workers. Starting
// a streaming track does nothing. On failure the track is left idle.
func (t *Track) Start() error {
	t.Lock()
	for t.stopping != nil {
		stopping := t.stopping
		t.Unlock()
		<-stopping
		t.Lock()
	}
	defer t.Unlock()

	if t.state == StateStreaming {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	err := t.encoder.Start(ctx, t.quality)
	if err != nil {
		cancel()
		t.state = StateIdle
		return fmt.Errorf("failed to start encoder of track %s: %w", t.name, err)
	}

	err = t.stream.Prepare(ctx, t.encoder)
	if err != nil {
		cancel()
		if serr := t.encoder.Stop(); serr != nil {
			log.WithError(serr).WithField("track", t.name).Warn("failed to stop encoder")
		}
		t.state = StateIdle
		return fmt.Errorf("failed to prepare track %s: %w", t.name, err)
	}

	r := &run{cancel: cancel}
	t.run = r
	t.state = StateStreaming

	r.wg.Add(2)
	go t.runInput(ctx, r)
	go t.runOutput(ctx, r)

	log.WithFields(log.Fields{
		"track":   t.name,
		"width":   t.quality.Width,
		"height":  t.quality.Height,
		"fps":     t.quality.FrameRate,
		"bitrate": t.quality.BitRate,
	}).Info("track started")

	return nil
}

// Stop ends the workers and releases the encoder and the input. Stopping a
// track that is not streaming waits for a Stop in progress and otherwise does
// nothing.
func (t *Track) Stop() {
	t.stopRun(nil)
}

// stopRun stops the workers of r, or of the current run when r is nil. A
// run that already ended is left alone.
func (t *Track) stopRun(r *run) {
	t.Lock()
	if t.state != StateStreaming || (r != nil && t.run != r) {
		stopping := t.stopping
		t.Unlock()
		if r == nil && stopping != nil {
			<-stopping
		}
		return
	}
	t.state = StateIdle
	r = t.run
	t.run = nil
	stopping := make(chan struct{})
	t.stopping = stopping
	t.Unlock()

	defer func() {
		t.Lock()
		t.stopping = nil
		t.Unlock()
		close(stopping)
	}()

	r.cancel()
	r.wg.Wait()

	if err := t.encoder.Stop(); err != nil {
		log.WithError(err).WithField("track", t.name).Warn("failed to stop encoder")
	}
	if err := t.stream.OnRelease(); err != nil {
		log.WithError(err).WithField("track", t.name).Warn("failed to release stream")
	}

	log.WithField("track", t.name).Info("track stopped")
}

// Close stops the track and releases its socket.
func (t *Track) Close() error {
	t.Stop()
	return t.socket.Close()
}

func (t *Track) runInput(ctx context.Context, r *run) {
	defer r.wg.Done()

	timer := time.NewTimer(notReadyDelay)
	defer timer.Stop()

	for ctx.Err() == nil {
		err := t.stream.PullInput(ctx, t.encoder)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotReady):
			timer.Reset(notReadyDelay)
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		case ctx.Err() != nil:
			return
		case errors.Is(err, io.EOF):
			log.WithField("track", t.name).Info("input finished")
			go t.stopRun(r)
			return
		default:
			t.fail(r, fmt.Errorf("failed to pull input: %w", err))
			return
		}
	}
}

func (t *Track) runOutput(ctx context.Context, r *run) {
	defer r.wg.Done()

	for ctx.Err() == nil {
		unit, err := t.encoder.DequeueOutput(ctx, OutputTimeout)
		switch {
		case err == nil:
		case errors.Is(err, ErrTimeout):
			continue
		case errors.Is(err, ErrFormatChanged):
			format := t.encoder.OutputFormat()
			t.stream.OnFormatChanged(format)
			log.WithFields(log.Fields{
				"track": t.name,
				"sps":   len(format.SPS),
				"pps":   len(format.PPS),
			}).Debug("encoder output format changed")
			continue
		case ctx.Err() != nil:
			return
		default:
			t.fail(r, fmt.Errorf("failed to dequeue encoder output: %w", err))
			return
		}

		err = t.stream.EmitEncodedUnit(ctx, unit)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, rtpsocket.ErrClosed) {
				return
			}
			log.WithError(err).WithField("track", t.name).Warn("dropping access unit")
		}
	}
}

func (t *Track) fail(r *run, err error) {
	log.WithError(err).WithField("track", t.name).Error("track failed")
	go t.stopRun(r)
}
