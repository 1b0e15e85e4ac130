package media

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newTestLocal(t *testing.T, cfg Config) *Local {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	l := NewLocal(cfg, log.WithField("test", t.Name()))
	t.Cleanup(l.Close)
	return l
}

func TestLocalWithoutSources(t *testing.T) {
	l := newTestLocal(t, Config{})

	// Acquire is best effort; with nothing configured the session runs in
	// observer mode.
	l.Acquire()
	assert.False(t, l.HasAudio())
	assert.False(t, l.HasVideo())
	assert.Nil(t, l.AudioTrack())
	assert.Nil(t, l.VideoTrack())

	_, err := l.AcquireAudio()
	assert.ErrorIs(t, err, ErrNoSource)
	_, err = l.AcquireVideo()
	assert.ErrorIs(t, err, ErrNoSource)
	_, err = l.StartScreenShare(nil)
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestLocalAcquireMissingFile(t *testing.T) {
	l := newTestLocal(t, Config{AudioPath: "does/not/exist.ogg", VideoPath: "does/not/exist.ivf"})

	_, err := l.AcquireAudio()
	assert.Error(t, err)
	_, err = l.AcquireVideo()
	assert.Error(t, err)
	assert.False(t, l.HasAudio())
	assert.False(t, l.HasVideo())
}

func TestToggleFlagsWithoutTracks(t *testing.T) {
	l := newTestLocal(t, Config{})

	// The flags flip even when no track exists yet; they describe intent
	// and are published on the participant document.
	assert.False(t, l.AudioEnabled())
	assert.True(t, l.ToggleAudio())
	assert.False(t, l.ToggleAudio())

	assert.False(t, l.VideoEnabled())
	assert.True(t, l.ToggleVideo())
	assert.True(t, l.VideoEnabled())
}

func TestStopScreenShareWhenNotSharing(t *testing.T) {
	l := newTestLocal(t, Config{})

	assert.False(t, l.Sharing())
	// Stopping an absent capture is a no-op that returns the camera track,
	// nil here because no camera exists.
	assert.Nil(t, l.StopScreenShare())
	assert.False(t, l.Sharing())
}
