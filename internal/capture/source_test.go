package capture

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bilbercode/live-stream/internal/media"
)

var (
	sps      = []byte{0x67, 0x64, 0x00, 0x0c, 0xac, 0x3b, 0x50, 0xb0}
	pps      = []byte{0x68, 0xee, 0x3c, 0x80}
	idr      = []byte{0x65, 0x88, 0x84, 0x21}
	sliceA   = []byte{0x41, 0x9a, 0x02, 0x03}
	sliceA2  = []byte{0x41, 0x1a, 0x02, 0x03} // second slice of the same picture
	sliceB   = []byte{0x41, 0x9a, 0x04, 0x05}
	shortSC  = []byte{0, 0, 1}
	longSC   = []byte{0, 0, 0, 1}
	testTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func annexB(nalus ...[]byte) []byte {
	var buf bytes.Buffer
	for i, n := range nalus {
		if i%2 == 0 {
			buf.Write(longSC)
		} else {
			buf.Write(shortSC)
		}
		buf.Write(n)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "input.h264")
	require.NoError(t, os.WriteFile(p, data, 0o600))
	return p
}

func TestSplitNALU(t *testing.T) {
	data := append([]byte{0xff, 0xfe}, annexB(sps, pps, idr, sliceA)...)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Split(splitNALU)

	var got [][]byte
	for scanner.Scan() {
		got = append(got, append([]byte(nil), scanner.Bytes()...))
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, [][]byte{sps, pps, idr, sliceA}, got)
}

func TestSplitNALUSmallReads(t *testing.T) {
	data := annexB(sps, pps, idr)
	scanner := bufio.NewScanner(iotestOneByteReader{r: bytes.NewReader(data)})
	scanner.Split(splitNALU)

	var got [][]byte
	for scanner.Scan() {
		got = append(got, append([]byte(nil), scanner.Bytes()...))
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, [][]byte{sps, pps, idr}, got)
}

type iotestOneByteReader struct {
	r io.Reader
}

func (r iotestOneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return r.r.Read(p[:1])
}

func TestReadFrames(t *testing.T) {
	p := writeFile(t, annexB(sps, pps, idr, sliceA, sliceA2, sliceB))

	now := testTime
	src := NewSource(Config{
		Path:      p,
		FrameRate: 25,
		TimeNow:   func() time.Time { return now },
	})
	ctx := context.Background()

	_, err := src.ReadFrame(ctx)
	require.ErrorIs(t, err, media.ErrNotReady)

	require.NoError(t, src.Open(ctx))
	defer src.Close()

	for _, tc := range []struct {
		pts   time.Duration
		nalus [][]byte
	}{
		{0, [][]byte{sps, pps, idr}},
		{40 * time.Millisecond, [][]byte{sliceA, sliceA2}},
		{80 * time.Millisecond, [][]byte{sliceB}},
	} {
		// the clock is advanced so no frame waits
		now = testTime.Add(tc.pts)
		frame, err := src.ReadFrame(ctx)
		require.NoError(t, err)
		require.Equal(t, tc.pts, frame.PTS)

		var buf bytes.Buffer
		for _, n := range tc.nalus {
			buf.Write(longSC)
			buf.Write(n)
		}
		require.Equal(t, buf.Bytes(), frame.Data)
	}

	_, err = src.ReadFrame(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadFrameLoop(t *testing.T) {
	p := writeFile(t, annexB(sps, pps, idr))

	now := testTime
	src := NewSource(Config{
		Path:      p,
		FrameRate: 10,
		Loop:      true,
		TimeNow:   func() time.Time { return now },
	})
	ctx := context.Background()
	require.NoError(t, src.Open(ctx))
	defer src.Close()

	for i := 0; i < 3; i++ {
		now = testTime.Add(time.Duration(i) * 100 * time.Millisecond)
		frame, err := src.ReadFrame(ctx)
		require.NoError(t, err)
		require.Equal(t, time.Duration(i)*100*time.Millisecond, frame.PTS)
		require.Equal(t, annexBLong(sps, pps, idr), frame.Data)
	}
}

func annexBLong(nalus ...[]byte) []byte {
	var buf bytes.Buffer
	for _, n := range nalus {
		buf.Write(longSC)
		buf.Write(n)
	}
	return buf.Bytes()
}

func TestReadFramePacing(t *testing.T) {
	src := NewSource(Config{
		Path:      Stdin,
		FrameRate: 20,
		Input:     bytes.NewReader(annexB(idr, sliceB)),
	})
	ctx := context.Background()
	require.NoError(t, src.Open(ctx))
	defer src.Close()

	start := time.Now()
	_, err := src.ReadFrame(ctx)
	require.NoError(t, err)
	frame, err := src.ReadFrame(ctx)
	require.NoError(t, err)
	require.Equal(t, 50*time.Millisecond, frame.PTS)
	require.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)

	_, err = src.ReadFrame(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadFrameCancelled(t *testing.T) {
	src := NewSource(Config{
		Path:      Stdin,
		FrameRate: 1,
		Input:     bytes.NewReader(annexB(idr, sliceB)),
	})
	require.NoError(t, src.Open(context.Background()))
	defer src.Close()

	_, err := src.ReadFrame(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = src.ReadFrame(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpenMissingFile(t *testing.T) {
	src := NewSource(Config{Path: filepath.Join(t.TempDir(), "missing.h264")})
	require.Error(t, src.Open(context.Background()))
}
