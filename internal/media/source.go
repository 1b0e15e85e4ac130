// Package media provides the local media state for a headless participant:
// file-backed audio/video sources, the mute gates, screen-share switching,
// and a recorder for remote tracks. Acquisition failures are never fatal; a
// session without media simply joins as an observer.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/sirupsen/logrus"
)

const oggPageDuration = 20 * time.Millisecond

// Source produces one outbound track. Play pumps samples until the context
// ends or the underlying file runs out (with looping disabled); the OnEnded
// hook then fires, which is how screen-share auto-revert is driven.
type Source interface {
	Track() webrtc.TrackLocal
	Play(ctx context.Context)
	SetEnabled(enabled bool)
	OnEnded(fn func())
	Close() error
}

type fileSource struct {
	path    string
	loop    bool
	track   *webrtc.TrackLocalStaticSample
	log     *logrus.Entry
	enabled atomic.Bool

	mu      sync.Mutex
	onEnded func()
	file    *os.File
}

func (s *fileSource) Track() webrtc.TrackLocal { return s.track }

func (s *fileSource) SetEnabled(enabled bool) { s.enabled.Store(enabled) }

func (s *fileSource) OnEnded(fn func()) {
	s.mu.Lock()
	s.onEnded = fn
	s.mu.Unlock()
}

func (s *fileSource) fireEnded() {
	s.mu.Lock()
	fn := s.onEnded
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *fileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// IVFSource streams a VP8 IVF file as a video track.
type IVFSource struct {
	fileSource
}

// NewIVFSource opens an IVF file and prepares a VP8 sample track. The id
// distinguishes camera from screen tracks in the SDP.
func NewIVFSource(path, id string, loop bool, log *logrus.Entry) (*IVFSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open video source: %w", err)
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "liveclass",
	)
	if err != nil {
		file.Close()
		return nil, err
	}
	src := &IVFSource{fileSource{path: path, loop: loop, track: track, log: log, file: file}}
	src.enabled.Store(true)
	return src, nil
}

func (s *IVFSource) Play(ctx context.Context) {
	defer s.fireEnded()
	for {
		s.mu.Lock()
		file := s.file
		s.mu.Unlock()
		if file == nil {
			return
		}

		ivf, header, err := ivfreader.NewWith(file)
		if err != nil {
			s.log.WithError(err).Warn("reading IVF header")
			return
		}

		// Send frames at the file's own timebase.
		interval := time.Millisecond * time.Duration(
			(float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator))*1000,
		)
		ticker := time.NewTicker(interval)

		err = s.pumpFrames(ctx, ivf, ticker)
		ticker.Stop()
		if err != nil || ctx.Err() != nil {
			return
		}
		if !s.loop {
			return
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			s.log.WithError(err).Warn("rewinding video source")
			return
		}
	}
}

func (s *IVFSource) pumpFrames(ctx context.Context, ivf *ivfreader.IVFReader, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			s.log.WithError(err).Warn("reading video frame")
			return err
		}
		if !s.enabled.Load() {
			continue
		}
		if err := s.track.WriteSample(pionmedia.Sample{Data: frame, Duration: time.Second}); err != nil {
			s.log.WithError(err).Warn("writing video sample")
		}
	}
}

// OggSource streams an Ogg/Opus file as an audio track.
type OggSource struct {
	fileSource
}

func NewOggSource(path, id string, loop bool, log *logrus.Entry) (*OggSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio source: %w", err)
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "liveclass",
	)
	if err != nil {
		file.Close()
		return nil, err
	}
	src := &OggSource{fileSource{path: path, loop: loop, track: track, log: log, file: file}}
	src.enabled.Store(true)
	return src, nil
}

func (s *OggSource) Play(ctx context.Context) {
	defer s.fireEnded()
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		file := s.file
		s.mu.Unlock()
		if file == nil {
			return
		}

		ogg, _, err := oggreader.NewWith(file)
		if err != nil {
			s.log.WithError(err).Warn("reading Ogg header")
			return
		}

		err = s.pumpPages(ctx, ogg, ticker)
		if err != nil || ctx.Err() != nil {
			return
		}
		if !s.loop {
			return
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			s.log.WithError(err).Warn("rewinding audio source")
			return
		}
	}
}

func (s *OggSource) pumpPages(ctx context.Context, ogg *oggreader.OggReader, ticker *time.Ticker) error {
	var lastGranule uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		pageData, pageHeader, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			s.log.WithError(err).Warn("reading audio page")
			return err
		}

		sampleCount := float64(pageHeader.GranulePosition - lastGranule)
		lastGranule = pageHeader.GranulePosition
		duration := time.Duration((sampleCount/48000)*1000) * time.Millisecond

		if !s.enabled.Load() {
			continue
		}
		if err := s.track.WriteSample(pionmedia.Sample{Data: pageData, Duration: duration}); err != nil {
			s.log.WithError(err).Warn("writing audio sample")
		}
	}
}
