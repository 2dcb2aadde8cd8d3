package encoder

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bilbercode/live-stream/internal/media"
)

var (
	sps = []byte{
		0x67, 0x64, 0x00, 0x0c, 0xac, 0x3b, 0x50, 0xb0,
		0x4b, 0x42, 0x00, 0x00, 0x03, 0x00, 0x02, 0x00,
		0x00, 0x03, 0x00, 0x3d, 0x08,
	}
	pps   = []byte{0x68, 0xee, 0x3c, 0x80}
	idr   = []byte{0x65, 0x88, 0x84, 0x21}
	slice = []byte{0x41, 0x9a, 0x02, 0x03}
)

func annexB(nalus ...[]byte) []byte {
	var buf bytes.Buffer
	for _, n := range nalus {
		buf.Write([]byte{0, 0, 0, 1})
		buf.Write(n)
	}
	return buf.Bytes()
}

func TestPassthroughNotStarted(t *testing.T) {
	e := NewPassthrough(0)
	ctx := context.Background()

	require.ErrorIs(t, e.QueueInput(ctx, media.Frame{Data: annexB(idr)}), media.ErrNotReady)
	_, err := e.DequeueOutput(ctx, time.Millisecond)
	require.ErrorIs(t, err, media.ErrNotReady)
}

func TestPassthrough(t *testing.T) {
	e := NewPassthrough(4)
	ctx := context.Background()
	require.NoError(t, e.Start(ctx, media.DefaultVideoQuality))

	_, err := e.DequeueOutput(ctx, 10*time.Millisecond)
	require.ErrorIs(t, err, media.ErrTimeout)

	key := annexB(sps, pps, idr)
	require.NoError(t, e.QueueInput(ctx, media.Frame{Data: key, PTS: 0}))
	require.NoError(t, e.QueueInput(ctx, media.Frame{Data: annexB(slice), PTS: 40 * time.Millisecond}))
	require.NoError(t, e.QueueInput(ctx, media.Frame{Data: key, PTS: 80 * time.Millisecond}))

	_, err = e.DequeueOutput(ctx, time.Second)
	require.ErrorIs(t, err, media.ErrFormatChanged)
	require.Equal(t, media.Format{SPS: sps, PPS: pps}, e.OutputFormat())

	unit, err := e.DequeueOutput(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, media.EncodedUnit{Data: key, PTS: 0, KeyFrame: true}, unit)

	unit, err = e.DequeueOutput(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(40000), unit.PTS)
	require.False(t, unit.KeyFrame)

	// same parameter sets again
	unit, err = e.DequeueOutput(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(80000), unit.PTS)
	require.True(t, unit.KeyFrame)

	require.NoError(t, e.Stop())
}

func TestPassthroughFormatChange(t *testing.T) {
	e := NewPassthrough(4)
	ctx := context.Background()
	require.NoError(t, e.Start(ctx, media.DefaultVideoQuality))

	require.NoError(t, e.QueueInput(ctx, media.Frame{Data: annexB(sps, pps, idr)}))
	otherPPS := []byte{0x68, 0xce, 0x3c, 0x80}
	require.NoError(t, e.QueueInput(ctx, media.Frame{Data: annexB(otherPPS, idr)}))

	_, err := e.DequeueOutput(ctx, time.Second)
	require.ErrorIs(t, err, media.ErrFormatChanged)
	_, err = e.DequeueOutput(ctx, time.Second)
	require.NoError(t, err)

	_, err = e.DequeueOutput(ctx, time.Second)
	require.ErrorIs(t, err, media.ErrFormatChanged)
	require.Equal(t, media.Format{SPS: sps, PPS: otherPPS}, e.OutputFormat())
}

func TestPassthroughBackpressure(t *testing.T) {
	e := NewPassthrough(1)
	require.NoError(t, e.Start(context.Background(), media.DefaultVideoQuality))

	require.NoError(t, e.QueueInput(context.Background(), media.Frame{Data: annexB(slice)}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.QueueInput(ctx, media.Frame{Data: annexB(slice)})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPassthroughInvalidInput(t *testing.T) {
	e := NewPassthrough(1)
	require.NoError(t, e.Start(context.Background(), media.DefaultVideoQuality))
	require.Error(t, e.QueueInput(context.Background(), media.Frame{Data: []byte{1, 2, 3}}))
}
