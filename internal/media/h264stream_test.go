package media

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bilbercode/live-stream/internal/rtpsocket"
)

type nopOutput struct {
	packets []*rtpsocket.Packet
}

func (o *nopOutput) Acquire(context.Context) (*rtpsocket.Packet, error) {
	return rtpsocket.NewPacket(1472), nil
}

func (o *nopOutput) Enqueue(_ context.Context, p *rtpsocket.Packet) error {
	o.packets = append(o.packets, p)
	return nil
}

func (o *nopOutput) MaxPayloadSize() int {
	return 1460
}

func (o *nopOutput) Timestamp(pts time.Duration) uint32 {
	return uint32(pts.Microseconds() * ClockRate / 1000000)
}

func TestH264StreamMediaDescription(t *testing.T) {
	s := NewH264Stream(nil, &nopOutput{})

	md := s.MediaDescription(5004)
	require.Equal(t, "video 5004 RTP/AVP 96", md.MediaName.String())
	rtpmap, ok := md.Attribute("rtpmap")
	require.True(t, ok)
	require.Equal(t, "96 H264/90000", rtpmap)
	fmtp, ok := md.Attribute("fmtp")
	require.True(t, ok)
	require.Equal(t, "96 packetization-mode=1;", fmtp)

	s.OnFormatChanged(Format{SPS: []byte{0x67, 0x42}, PPS: []byte{0x68, 0xce}})
	sps, pps := s.ParameterSets()
	require.Equal(t, "Z0I=", sps)
	require.Equal(t, "aM4=", pps)

	fmtp, _ = s.MediaDescription(5004).Attribute("fmtp")
	require.Equal(t, "96 packetization-mode=1;sprop-parameter-sets=Z0I=,aM4=;", fmtp)
}

func TestH264StreamEmit(t *testing.T) {
	out := &nopOutput{}
	s := NewH264Stream(nil, out)

	err := s.EmitEncodedUnit(context.Background(), EncodedUnit{
		Data: []byte{0, 0, 0, 1, 0x65, 1, 2, 3},
		PTS:  1000000,
	})
	require.NoError(t, err)
	require.Len(t, out.packets, 1)
	require.Equal(t, uint32(90000), out.packets[0].Timestamp())
	require.Equal(t, []byte{0x65, 1, 2, 3}, out.packets[0].PayloadBytes())
}
