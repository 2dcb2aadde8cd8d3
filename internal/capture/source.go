// Package capture reads a pre-encoded H.264 elementary stream and hands it
// out one access unit at a time at a fixed frame rate.
package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/live-stream/internal/media"
)

const (
	// Stdin selects the standard input as source.
	Stdin = "-"

	DefaultFrameRate = 25

	maxNALUSize = 4 * 1024 * 1024
)

type Config struct {
	// Path of an Annex-B file, or Stdin.
	Path      string
	FrameRate int
	// Loop restarts a file from its beginning when it ends.
	Loop bool
	// Input replaces os.Stdin when Path is Stdin.
	Input io.Reader
	// TimeNow defaults to time.Now.
	TimeNow func() time.Time
}

// Source is a media.FrameSource over an Annex-B byte stream. Each frame holds
// one access unit in Annex-B form.
type Source struct {
	mu sync.Mutex

	conf     Config
	interval time.Duration

	file    *os.File
	scanner *bufio.Scanner
	pending []byte
	opened  bool

	start time.Time
	count int64
}

func NewSource(conf Config) *Source {
	if conf.FrameRate <= 0 {
		conf.FrameRate = DefaultFrameRate
	}
	if conf.TimeNow == nil {
		conf.TimeNow = time.Now
	}
	return &Source{
		conf:     conf,
		interval: time.Second / time.Duration(conf.FrameRate),
	}
}

// Open starts reading. A file is read from its beginning on every Open; the
// standard input continues where the previous reader stopped.
func (s *Source) Open(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conf.Path == Stdin {
		if s.scanner == nil {
			in := s.conf.Input
			if in == nil {
				in = os.Stdin
			}
			s.scanner = newScanner(in)
		}
	} else {
		err := s.openFile()
		if err != nil {
			return err
		}
	}

	s.opened = true
	s.start = s.conf.TimeNow()
	s.count = 0
	return nil
}

func (s *Source) openFile() error {
	if s.file != nil {
		_ = s.file.Close()
	}
	f, err := os.Open(s.conf.Path)
	if err != nil {
		return fmt.Errorf("failed to open input %s: %w", s.conf.Path, err)
	}
	s.file = f
	s.scanner = newScanner(f)
	s.pending = nil
	return nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxNALUSize)
	scanner.Split(splitNALU)
	return scanner
}

// ReadFrame waits until the next frame is due and returns it. The PTS of the
// n-th frame since Open is n frame intervals.
func (s *Source) ReadFrame(ctx context.Context) (media.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return media.Frame{}, media.ErrNotReady
	}

	au, err := s.nextAccessUnit()
	if errors.Is(err, io.EOF) && s.conf.Loop && s.conf.Path != Stdin {
		log.WithField("input", s.conf.Path).Debug("restarting input")
		err = s.openFile()
		if err != nil {
			return media.Frame{}, err
		}
		au, err = s.nextAccessUnit()
	}
	if err != nil {
		return media.Frame{}, err
	}

	data, err := h264.AnnexB(au).Marshal()
	if err != nil {
		return media.Frame{}, fmt.Errorf("failed to encode access unit: %w", err)
	}

	pts := time.Duration(s.count) * s.interval
	s.count++

	wait := s.start.Add(pts).Sub(s.conf.TimeNow())
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return media.Frame{}, ctx.Err()
		}
	}

	return media.Frame{Data: data, PTS: pts}, nil
}

// nextAccessUnit groups NAL units until the first one of the next access
// unit shows up.
func (s *Source) nextAccessUnit() ([][]byte, error) {
	var au [][]byte
	vcl := false

	if s.pending != nil {
		au = append(au, s.pending)
		vcl = isVCL(s.pending)
		s.pending = nil
	}

	for s.scanner.Scan() {
		nalu := s.scanner.Bytes()
		if len(nalu) == 0 {
			continue
		}
		nalu = append([]byte(nil), nalu...)

		if vcl && startsAccessUnit(nalu) {
			s.pending = nalu
			return au, nil
		}
		au = append(au, nalu)
		vcl = vcl || isVCL(nalu)
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	if len(au) == 0 {
		return nil, io.EOF
	}
	return au, nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.scanner = nil
	s.pending = nil
	return err
}

func isVCL(nalu []byte) bool {
	switch h264.NALUType(nalu[0] & 0x1F) {
	case h264.NALUTypeNonIDR, h264.NALUTypeIDR:
		return true
	}
	return false
}

// startsAccessUnit reports whether nalu opens a new access unit once the
// current one holds a slice.
func startsAccessUnit(nalu []byte) bool {
	switch h264.NALUType(nalu[0] & 0x1F) {
	case h264.NALUTypeAccessUnitDelimiter, h264.NALUTypeSPS, h264.NALUTypePPS, h264.NALUTypeSEI:
		return true
	case h264.NALUTypeNonIDR, h264.NALUTypeIDR:
		// first_mb_in_slice is 0
		return len(nalu) > 1 && nalu[1]&0x80 != 0
	}
	return false
}
