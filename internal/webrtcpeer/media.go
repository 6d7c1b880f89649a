package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/nicklaustrup/dungeonchat-sub003/internal/mesh"
)

const (
	frameDuration = 20 * time.Millisecond
	// Opus frames are between 2.5ms and 120ms; anything else in a page's
	// granule delta is treated as a single 20ms frame.
	minFrameDuration = 2500 * time.Microsecond
	maxFrameDuration = 120 * time.Millisecond
)

// opusSilence is a 20ms Opus comfort-noise frame.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

var errNoAudioPages = errors.New("ogg file contains no audio pages")

// AudioSource captures a participant's voice. With File set it plays an
// Ogg/Opus file in a loop; otherwise it sends silence. It is the mesh
// MediaSource of the command-line peer.
type AudioSource struct {
	File     string
	StreamID string
	Logger   *slog.Logger
}

// Acquire opens the source and starts pacing frames onto a new track. A
// missing or unreadable file is the equivalent of a denied microphone.
func (s AudioSource) Acquire(ctx context.Context) (mesh.LocalMedia, error) {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	streamID := s.StreamID
	if streamID == "" {
		streamID = "voice"
	}

	var src *oggSource
	if s.File != "" {
		var err error
		src, err = openOggSource(s.File)
		if err != nil {
			return nil, fmt.Errorf("open audio file: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		if src != nil {
			src.close()
		}
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(OpusCapability, "audio", streamID)
	if err != nil {
		if src != nil {
			src.close()
		}
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	m := &LocalMedia{
		track:  track,
		src:    src,
		log:    log,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go m.pump(pumpCtx)
	return m, nil
}

// LocalMedia is one Opus track fed at real-time pace.
type LocalMedia struct {
	track *webrtc.TrackLocalStaticSample
	src   *oggSource
	log   *slog.Logger
	muted atomic.Bool

	frames atomic.Uint64

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{m.track}
}

func (m *LocalMedia) SetMuted(muted bool) { m.muted.Store(muted) }

func (m *LocalMedia) Muted() bool { return m.muted.Load() }

// Frames returns the number of frames written so far.
func (m *LocalMedia) Frames() uint64 { return m.frames.Load() }

func (m *LocalMedia) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		<-m.done
		if m.src != nil {
			m.src.close()
		}
	})
	return nil
}

func (m *LocalMedia) pump(ctx context.Context) {
	defer close(m.done)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		data, dur := m.nextFrame()
		if err := m.track.WriteSample(media.Sample{Data: data, Duration: dur}); err != nil {
			m.log.Debug("local_media_write_failed", "err", err)
		}
		m.frames.Add(1)
		timer.Reset(dur)
	}
}

// nextFrame keeps reading the file while muted so unmuting resumes at the
// current position rather than where the mute started.
func (m *LocalMedia) nextFrame() ([]byte, time.Duration) {
	if m.src == nil {
		return opusSilence, frameDuration
	}
	data, dur, err := m.src.next()
	if err != nil {
		m.log.Warn("local_media_read_failed", "err", err)
		return opusSilence, frameDuration
	}
	if m.muted.Load() {
		return opusSilence, dur
	}
	return data, dur
}

// oggSource yields Opus pages from an Ogg file, rewinding at the end.
type oggSource struct {
	path        string
	f           *os.File
	r           *oggreader.OggReader
	lastGranule uint64
}

func openOggSource(path string) (*oggSource, error) {
	s := &oggSource{path: path}
	if err := s.rewind(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *oggSource) rewind() error {
	s.close()
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	r, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%s: %w", s.path, err)
	}
	s.f, s.r = f, r
	s.lastGranule = 0
	return nil
}

func (s *oggSource) next() ([]byte, time.Duration, error) {
	rewound := false
	for {
		payload, header, err := s.r.ParseNextPage()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if rewound {
				return nil, 0, errNoAudioPages
			}
			if err := s.rewind(); err != nil {
				return nil, 0, err
			}
			rewound = true
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		if header.GranulePosition == 0 || len(payload) == 0 {
			// OpusTags and other header pages.
			continue
		}

		dur := frameDuration
		if header.GranulePosition > s.lastGranule {
			samples := header.GranulePosition - s.lastGranule
			if d := time.Duration(samples) * time.Second / OpusClockRate; d >= minFrameDuration && d <= maxFrameDuration {
				dur = d
			}
		}
		s.lastGranule = header.GranulePosition
		return payload, dur, nil
	}
}

func (s *oggSource) close() {
	if s.f != nil {
		_ = s.f.Close()
		s.f = nil
		s.r = nil
	}
}
