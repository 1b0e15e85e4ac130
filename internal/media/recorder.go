package media

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/sirupsen/logrus"
)

// Recorder writes remote tracks to disk, one file per track: VP8 video to
// IVF, Opus audio to Ogg. Keyframes for late joins come from the interval
// PLI interceptor the engine registers.
type Recorder struct {
	dir string
	log *logrus.Entry
}

func NewRecorder(dir string, log *logrus.Entry) *Recorder {
	return &Recorder{dir: dir, log: log}
}

// HandleTrack starts draining one remote track in the background. Unknown
// codecs are drained and discarded so RTCP keeps flowing.
func (r *Recorder) HandleTrack(peerID string, track *webrtc.TrackRemote) {
	log := r.log.WithFields(logrus.Fields{"peer": peerID, "codec": track.Codec().MimeType})

	name := fmt.Sprintf("%s-%s-%d", peerID, track.Kind(), time.Now().Unix())
	mime := strings.ToLower(track.Codec().MimeType)

	go func() {
		switch mime {
		case strings.ToLower(webrtc.MimeTypeVP8):
			w, err := ivfwriter.New(filepath.Join(r.dir, name+".ivf"))
			if err != nil {
				log.WithError(err).Error("opening video recording")
				r.drain(track)
				return
			}
			defer w.Close()
			log.Info("recording video track")
			r.copyRTP(track, w.WriteRTP, log)
		case strings.ToLower(webrtc.MimeTypeOpus):
			w, err := oggwriter.New(filepath.Join(r.dir, name+".ogg"), 48000, 2)
			if err != nil {
				log.WithError(err).Error("opening audio recording")
				r.drain(track)
				return
			}
			defer w.Close()
			log.Info("recording audio track")
			r.copyRTP(track, w.WriteRTP, log)
		default:
			log.Debug("unsupported codec, draining track")
			r.drain(track)
		}
	}()
}

func (r *Recorder) copyRTP(track *webrtc.TrackRemote, write func(*rtp.Packet) error, log *logrus.Entry) {
	for {
		pkt, _, err := track.ReadRTP()
		if errors.Is(err, io.EOF) {
			log.Info("track ended")
			return
		}
		if err != nil {
			log.WithError(err).Debug("track read failed")
			return
		}
		if err := write(pkt); err != nil {
			log.WithError(err).Error("writing recording")
			return
		}
	}
}

func (r *Recorder) drain(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}
