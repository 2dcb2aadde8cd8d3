package rtcpsender

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"

	"github.com/bilbercode/live-stream/internal/ntp"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestSenderReportSchedule(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := New(0x11223344, time.Second)
	s.TimeNow = clock.Now

	require.Nil(t, s.Update(100, 1000))
	clock.Advance(500 * time.Millisecond)
	require.Nil(t, s.Update(200, 2000))
	clock.Advance(500 * time.Millisecond)

	sr := s.Update(300, 3000)
	require.NotNil(t, sr)
	require.Equal(t, &rtcp.SenderReport{
		SSRC:        0x11223344,
		NTPTime:     ntp.Encode(clock.now),
		RTPTime:     3000,
		PacketCount: 3,
		OctetCount:  600,
	}, sr)

	clock.Advance(100 * time.Millisecond)
	require.Nil(t, s.Update(10, 4000))
	require.Equal(t, uint32(4), s.Stats().PacketCount)
}

func TestSenderReportDisabled(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s := New(1, 0)
	s.TimeNow = clock.Now

	for i := 0; i < 10; i++ {
		require.Nil(t, s.Update(1, uint32(i)))
		clock.Advance(time.Hour)
	}
}

func TestSenderReportWireFormat(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s := New(0xdeadbeef, time.Millisecond)
	s.TimeNow = clock.Now

	s.Update(1000, 1)
	clock.Advance(time.Second)
	sr := s.Update(500, 90000)
	require.NotNil(t, sr)

	byts, err := sr.Marshal()
	require.NoError(t, err)
	require.Len(t, byts, PacketLength)

	require.Equal(t, byte(0x80), byts[0])
	require.Equal(t, byte(200), byts[1])
	require.Equal(t, uint16(PacketLength/4-1), binary.BigEndian.Uint16(byts[2:4]))
	require.Equal(t, uint32(0xdeadbeef), binary.BigEndian.Uint32(byts[4:8]))
	require.Equal(t, ntp.Encode(clock.now), binary.BigEndian.Uint64(byts[8:16]))
	require.Equal(t, uint32(90000), binary.BigEndian.Uint32(byts[16:20]))
	require.Equal(t, uint32(2), binary.BigEndian.Uint32(byts[20:24]))
	require.Equal(t, uint32(1500), binary.BigEndian.Uint32(byts[24:28]))
}

func TestSetSSRCResetsCounters(t *testing.T) {
	s := New(1, time.Second)
	s.Update(10, 0)
	s.SetSSRC(2)

	st := s.Stats()
	require.Equal(t, uint32(2), st.SSRC)
	require.Zero(t, st.PacketCount)
	require.Zero(t, st.OctetCount)
}
