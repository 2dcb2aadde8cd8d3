// Package encoder provides a media.Encoder for input that is already H.264
// encoded.
package encoder

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/live-stream/internal/media"
)

const DefaultBufferSize = 32

// Passthrough forwards Annex-B access units unchanged. It tracks the SPS and
// PPS carried in-band and reports media.ErrFormatChanged before the first
// unit carrying new parameter sets.
type Passthrough struct {
	mu sync.Mutex

	bufferSize int
	units      chan media.EncodedUnit
	held       *media.EncodedUnit
	format     media.Format
	started    bool
}

func NewPassthrough(bufferSize int) *Passthrough {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Passthrough{
		bufferSize: bufferSize,
	}
}

// Start resets the encoder. The quality only matters to real encoders and is
// logged.
func (e *Passthrough) Start(_ context.Context, quality media.VideoQuality) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.units = make(chan media.EncodedUnit, e.bufferSize)
	e.held = nil
	e.format = media.Format{}
	e.started = true

	log.WithFields(log.Fields{
		"width":  quality.Width,
		"height": quality.Height,
		"fps":    quality.FrameRate,
	}).Debug("passthrough encoder started")
	return nil
}

// QueueInput parses frame as an Annex-B access unit and queues it. It blocks
// while the queue is full.
func (e *Passthrough) QueueInput(ctx context.Context, frame media.Frame) error {
	e.mu.Lock()
	units := e.units
	started := e.started
	e.mu.Unlock()
	if !started {
		return media.ErrNotReady
	}

	var au h264.AnnexB
	err := au.Unmarshal(frame.Data)
	if err != nil {
		return fmt.Errorf("failed to parse access unit: %w", err)
	}

	unit := media.EncodedUnit{
		Data:     frame.Data,
		PTS:      frame.PTS.Microseconds(),
		KeyFrame: containsIDR(au),
	}

	select {
	case units <- unit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DequeueOutput returns the next queued unit or media.ErrTimeout after
// timeout. A unit carrying new parameter sets is returned by the call after
// the one reporting media.ErrFormatChanged.
func (e *Passthrough) DequeueOutput(ctx context.Context, timeout time.Duration) (media.EncodedUnit, error) {
	e.mu.Lock()
	if e.held != nil {
		unit := *e.held
		e.held = nil
		e.mu.Unlock()
		return unit, nil
	}
	units := e.units
	started := e.started
	e.mu.Unlock()
	if !started {
		return media.EncodedUnit{}, media.ErrNotReady
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case unit := <-units:
		if e.updateFormat(unit) {
			e.mu.Lock()
			e.held = &unit
			e.mu.Unlock()
			return media.EncodedUnit{}, media.ErrFormatChanged
		}
		return unit, nil
	case <-timer.C:
		return media.EncodedUnit{}, media.ErrTimeout
	case <-ctx.Done():
		return media.EncodedUnit{}, ctx.Err()
	}
}

// updateFormat records the parameter sets of unit and reports whether they
// differ from the current ones.
func (e *Passthrough) updateFormat(unit media.EncodedUnit) bool {
	var au h264.AnnexB
	if err := au.Unmarshal(unit.Data); err != nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	format := e.format
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			format.SPS = nalu
		case h264.NALUTypePPS:
			format.PPS = nalu
		}
	}
	if bytes.Equal(format.SPS, e.format.SPS) && bytes.Equal(format.PPS, e.format.PPS) {
		return false
	}
	if format.SPS == nil || format.PPS == nil {
		// wait for both before announcing
		e.format = format
		return false
	}
	e.format = format

	fields := log.Fields{}
	var sps h264.SPS
	if err := sps.Unmarshal(format.SPS); err != nil {
		log.WithError(err).Warn("failed to parse SPS")
	} else {
		fields["width"] = sps.Width()
		fields["height"] = sps.Height()
		fields["fps"] = sps.FPS()
	}
	log.WithFields(fields).Info("stream format detected")
	return true
}

func (e *Passthrough) OutputFormat() media.Format {
	e.mu.Lock()
	defer e.mu.Unlock()
	return media.Format{
		SPS: append([]byte(nil), e.format.SPS...),
		PPS: append([]byte(nil), e.format.PPS...),
	}
}

func (e *Passthrough) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = false
	e.held = nil
	return nil
}

func containsIDR(au [][]byte) bool {
	for _, nalu := range au {
		if len(nalu) > 0 && h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}
