package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/bilbercode/live-stream/internal/rtph264"
)

const (
	// PayloadType is the dynamic RTP payload type of H.264 tracks.
	PayloadType = 96
	// ClockRate is the RTP clock rate of video tracks.
	ClockRate = 90000
	// MimeType of H.264 tracks.
	MimeType = "video/avc"
)

// H264Stream reads frames from a FrameSource and sends the encoded access
// units as RTP packets.
type H264Stream struct {
	mu sync.Mutex

	source     FrameSource
	packetizer *rtph264.Packetizer

	sps string
	pps string
}

// NewH264Stream returns a stream reading from source and writing to out.
func NewH264Stream(source FrameSource, out rtph264.Output) *H264Stream {
	return &H264Stream{
		source:     source,
		packetizer: rtph264.NewPacketizer(out),
	}
}

func (s *H264Stream) Prepare(ctx context.Context, _ Encoder) error {
	err := s.source.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open frame source: %w", err)
	}
	return nil
}

func (s *H264Stream) PullInput(ctx context.Context, enc Encoder) error {
	frame, err := s.source.ReadFrame(ctx)
	if err != nil {
		return err
	}
	return enc.QueueInput(ctx, frame)
}

func (s *H264Stream) OnFormatChanged(format Format) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sps = base64.StdEncoding.EncodeToString(format.SPS)
	s.pps = base64.StdEncoding.EncodeToString(format.PPS)
}

func (s *H264Stream) EmitEncodedUnit(ctx context.Context, unit EncodedUnit) error {
	return s.packetizer.WriteAnnexB(ctx, unit.Data, time.Duration(unit.PTS)*time.Microsecond)
}

func (s *H264Stream) OnRelease() error {
	return s.source.Close()
}

// ParameterSets returns the base64 encoded SPS and PPS, empty until the
// encoder announced its format.
func (s *H264Stream) ParameterSets() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sps, s.pps
}

func (s *H264Stream) MediaDescription(port int) *sdp.MediaDescription {
	fmtp := "packetization-mode=1;"
	if sps, pps := s.ParameterSets(); sps != "" && pps != "" {
		fmtp += "sprop-parameter-sets=" + sps + "," + pps + ";"
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "video",
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	return md.WithCodec(PayloadType, "H264", ClockRate, 0, fmtp)
}
