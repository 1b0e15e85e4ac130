package mesh

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencampus/liveclass/internal/media"
)

func newTestPeerManager(t *testing.T) *PeerManager {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	entry := log.WithField("test", t.Name())

	api, err := newWebRTCAPI(log)
	require.NoError(t, err)

	local := media.NewLocal(media.Config{}, entry)
	t.Cleanup(local.Close)

	m := NewPeerManager(api, webrtc.Configuration{}, local, entry)
	t.Cleanup(m.CloseAll)
	return m
}

func TestEnsureCreatesOnce(t *testing.T) {
	m := newTestPeerManager(t)

	link, created, err := m.Ensure("remote", true)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, link.Initiator)
	assert.Equal(t, "remote", link.RemoteID)
	assert.Equal(t, 1, m.Len())

	// The second call returns the same link and reports it as existing,
	// whatever role the caller asked for.
	again, created, err := m.Ensure("remote", false)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, link, again)
	assert.Equal(t, 1, m.Len())
}

func TestRemoveIsIdempotent(t *testing.T) {
	m := newTestPeerManager(t)

	_, _, err := m.Ensure("remote", true)
	require.NoError(t, err)
	require.Equal(t, 1, m.Len())

	m.Remove("remote")
	assert.Equal(t, 0, m.Len())

	m.Remove("remote")
	m.Remove("never-existed")
	assert.Equal(t, 0, m.Len())
}

func TestRemoveClosesConnection(t *testing.T) {
	m := newTestPeerManager(t)

	link, _, err := m.Ensure("remote", true)
	require.NoError(t, err)

	m.Remove("remote")
	assert.Equal(t, webrtc.PeerConnectionStateClosed, link.Connection().ConnectionState())

	_, ok := m.Get("remote")
	assert.False(t, ok)
}

func TestReplaceVideoTrackSkipsLinksWithoutSender(t *testing.T) {
	m := newTestPeerManager(t)

	link, _, err := m.Ensure("remote", true)
	require.NoError(t, err)

	// No local video was ever published, so there is nothing to retune;
	// the link still has no sender afterwards.
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "test")
	require.NoError(t, err)
	require.NoError(t, m.ReplaceVideoTrack(track))
	require.Nil(t, link.videoSender)

	// Publishing to such a link goes through the attach path instead, and
	// the caller learns a renegotiation is due.
	added, err := m.AddVideoTrack(track)
	require.NoError(t, err)
	assert.True(t, added)
	assert.NotNil(t, link.videoSender)
}

func TestAddTracksAttachSenders(t *testing.T) {
	m := newTestPeerManager(t)

	link, _, err := m.Ensure("remote", true)
	require.NoError(t, err)
	require.Nil(t, link.audioSender)
	require.Nil(t, link.videoSender)

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
	require.NoError(t, err)
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "test")
	require.NoError(t, err)

	added, err := m.AddAudioTrack(audio)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = m.AddVideoTrack(video)
	require.NoError(t, err)
	assert.True(t, added)
	assert.NotNil(t, link.audioSender)
	assert.NotNil(t, link.videoSender)

	// Re-adding must not stack a second sender on the link.
	added, err = m.AddAudioTrack(audio)
	require.NoError(t, err)
	assert.False(t, added)
	added, err = m.AddVideoTrack(video)
	require.NoError(t, err)
	assert.False(t, added)

	// With a sender in place, screen-share style replacement works without
	// touching the negotiation state.
	state := link.Connection().SignalingState()
	screen, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "test")
	require.NoError(t, err)
	require.NoError(t, m.ReplaceVideoTrack(screen))
	assert.Equal(t, state, link.Connection().SignalingState())
}

func TestEachAndCloseAll(t *testing.T) {
	m := newTestPeerManager(t)

	for _, id := range []string{"a", "b", "c"} {
		_, _, err := m.Ensure(id, true)
		require.NoError(t, err)
	}
	require.Equal(t, 3, m.Len())

	seen := make(map[string]bool)
	m.Each(func(l *PeerLink) { seen[l.RemoteID] = true })
	assert.Len(t, seen, 3)

	m.CloseAll()
	assert.Equal(t, 0, m.Len())
}
