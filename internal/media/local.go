package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// ErrNoSource is returned when a track is requested but no file is
// configured for it.
var ErrNoSource = errors.New("media: no source configured")

// Config names the files backing the local tracks. Empty paths mean the
// corresponding capability is absent until acquired (or forever).
type Config struct {
	AudioPath  string
	VideoPath  string
	ScreenPath string
	Loop       bool
}

// Local is the session's local media state: which tracks exist, whether they
// are enabled, and which video source (camera or screen) is currently
// outbound. It is mutated only by the session controller.
type Local struct {
	cfg Config
	log *logrus.Entry

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	audio  Source
	camera Source
	screen Source

	audioEnabled bool
	videoEnabled bool
	sharing      bool
}

func NewLocal(cfg Config, log *logrus.Entry) *Local {
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{cfg: cfg, log: log, ctx: ctx, cancel: cancel}
}

// Acquire opens the configured camera and microphone sources. Each failure
// is logged and skipped: the session proceeds with whatever succeeded,
// down to observer mode with no tracks at all.
func (l *Local) Acquire() {
	if _, err := l.AcquireAudio(); err != nil && !errors.Is(err, ErrNoSource) {
		l.log.WithError(err).Warn("audio unavailable, continuing without it")
	}
	if _, err := l.AcquireVideo(); err != nil && !errors.Is(err, ErrNoSource) {
		l.log.WithError(err).Warn("video unavailable, continuing without it")
	}
}

// AcquireAudio opens the microphone source if it is not already present.
func (l *Local) AcquireAudio() (webrtc.TrackLocal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.audio != nil {
		return l.audio.Track(), nil
	}
	if l.cfg.AudioPath == "" {
		return nil, ErrNoSource
	}
	src, err := NewOggSource(l.cfg.AudioPath, "audio", l.cfg.Loop, l.log)
	if err != nil {
		return nil, err
	}
	l.audio = src
	l.audioEnabled = true
	go src.Play(l.ctx)
	return src.Track(), nil
}

// AcquireVideo opens the camera source if it is not already present.
func (l *Local) AcquireVideo() (webrtc.TrackLocal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.camera != nil {
		return l.camera.Track(), nil
	}
	if l.cfg.VideoPath == "" {
		return nil, ErrNoSource
	}
	src, err := NewIVFSource(l.cfg.VideoPath, "video", l.cfg.Loop, l.log)
	if err != nil {
		return nil, err
	}
	l.camera = src
	l.videoEnabled = true
	go src.Play(l.ctx)
	return src.Track(), nil
}

// AudioTrack returns the outbound audio track, or nil.
func (l *Local) AudioTrack() webrtc.TrackLocal {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.audio == nil {
		return nil
	}
	return l.audio.Track()
}

// VideoTrack returns the currently outbound video track: the screen capture
// while sharing, otherwise the camera. Nil when neither exists.
func (l *Local) VideoTrack() webrtc.TrackLocal {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sharing && l.screen != nil {
		return l.screen.Track()
	}
	if l.camera == nil {
		return nil
	}
	return l.camera.Track()
}

// CameraTrack returns the camera track regardless of sharing state, or nil.
func (l *Local) CameraTrack() webrtc.TrackLocal {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.camera == nil {
		return nil
	}
	return l.camera.Track()
}

func (l *Local) HasAudio() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.audio != nil
}

func (l *Local) HasVideo() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.camera != nil
}

// ToggleAudio flips the enabled flag on the existing audio track and
// reports the new state.
func (l *Local) ToggleAudio() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audioEnabled = !l.audioEnabled
	if l.audio != nil {
		l.audio.SetEnabled(l.audioEnabled)
	}
	return l.audioEnabled
}

// ToggleVideo flips the enabled flag on the existing camera track and
// reports the new state. Screen capture is not gated by the camera mute.
func (l *Local) ToggleVideo() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.videoEnabled = !l.videoEnabled
	if l.camera != nil {
		l.camera.SetEnabled(l.videoEnabled)
	}
	return l.videoEnabled
}

func (l *Local) AudioEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.audioEnabled
}

func (l *Local) VideoEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.videoEnabled
}

func (l *Local) Sharing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sharing
}

// StartScreenShare opens the screen source and returns its track. onEnded
// fires when the capture stops on its own (the file ran out), mirroring a
// browser's stop-sharing button; the caller uses it to revert to the camera.
func (l *Local) StartScreenShare(onEnded func()) (webrtc.TrackLocal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sharing {
		return l.screen.Track(), nil
	}
	if l.cfg.ScreenPath == "" {
		return nil, ErrNoSource
	}
	// Screen capture plays once through; reaching the end is the
	// "user stopped sharing from the OS" path.
	src, err := NewIVFSource(l.cfg.ScreenPath, "screen", false, l.log)
	if err != nil {
		return nil, err
	}
	src.OnEnded(onEnded)
	l.screen = src
	l.sharing = true
	go src.Play(l.ctx)
	return src.Track(), nil
}

// StopScreenShare stops the capture track and returns the camera track to
// restore on the senders (nil if there is no camera). Idempotent.
func (l *Local) StopScreenShare() webrtc.TrackLocal {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.sharing {
		if l.camera == nil {
			return nil
		}
		return l.camera.Track()
	}
	l.sharing = false
	if l.screen != nil {
		l.screen.OnEnded(nil)
		l.screen.Close()
		l.screen = nil
	}
	if l.camera == nil {
		return nil
	}
	return l.camera.Track()
}

// Close stops every source. Called once on session teardown.
func (l *Local) Close() {
	l.cancel()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, src := range []Source{l.audio, l.camera, l.screen} {
		if src != nil {
			src.Close()
		}
	}
	l.audio, l.camera, l.screen = nil, nil, nil
}
