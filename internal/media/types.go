package media

import (
	"context"
	"errors"
	"time"

	"github.com/pion/sdp/v3"
)

var (
	// ErrNotReady is returned by a FrameSource that has no frame yet. It is
	// transient: the caller retries.
	ErrNotReady = errors.New("input not ready")
	// ErrTimeout is returned by Encoder.DequeueOutput when nothing was
	// produced within the wait.
	ErrTimeout = errors.New("no encoder output")
	// ErrFormatChanged is returned by Encoder.DequeueOutput when new parameter
	// sets are available from Encoder.OutputFormat.
	ErrFormatChanged = errors.New("encoder output format changed")
	// ErrInvalidState is returned by Track.Configure while the track streams.
	ErrInvalidState = errors.New("invalid track state")
)

// VideoQuality is the encoding configuration of a video track.
type VideoQuality struct {
	Width     int
	Height    int
	FrameRate int
	BitRate   int
}

// DefaultVideoQuality is used when a track is created without a quality.
var DefaultVideoQuality = VideoQuality{
	Width:     176,
	Height:    144,
	FrameRate: 20,
	BitRate:   500000,
}

// Frame is one unit of raw input handed to an encoder.
type Frame struct {
	Data []byte
	PTS  time.Duration
}

// EncodedUnit is one Annex-B encoded access unit.
type EncodedUnit struct {
	Data []byte
	// PTS is the presentation time in microseconds.
	PTS      int64
	KeyFrame bool
}

// Format holds the parameter sets of an H.264 stream.
type Format struct {
	SPS []byte
	PPS []byte
}

// FrameSource produces raw input frames.
type FrameSource interface {
	Open(ctx context.Context) error
	// ReadFrame returns ErrNotReady when no frame is available yet and io.EOF
	// when the input is exhausted.
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// Encoder turns raw frames into encoded access units.
type Encoder interface {
	Start(ctx context.Context, quality VideoQuality) error
	QueueInput(ctx context.Context, frame Frame) error
	// DequeueOutput waits at most timeout for an access unit. It returns
	// ErrTimeout when none came and ErrFormatChanged when the parameter sets
	// changed.
	DequeueOutput(ctx context.Context, timeout time.Duration) (EncodedUnit, error)
	OutputFormat() Format
	Stop() error
}

// Stream is the capability a track drives to move media from its input to
// the network.
type Stream interface {
	// Prepare acquires the input side before the workers start.
	Prepare(ctx context.Context, enc Encoder) error
	// PullInput moves one unit of input into enc.
	PullInput(ctx context.Context, enc Encoder) error
	OnFormatChanged(format Format)
	EmitEncodedUnit(ctx context.Context, unit EncodedUnit) error
	// OnRelease releases what Prepare acquired.
	OnRelease() error
	// MediaDescription returns the SDP media section for the stream
	// announced on port.
	MediaDescription(port int) *sdp.MediaDescription
}
