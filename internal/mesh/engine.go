package mesh

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// newWebRTCAPI builds the shared API factory for every peer connection of a
// session: default codecs, default interceptors, plus a periodic PLI on
// received video so consumers that start mid-stream (e.g. the recorder) get
// keyframes without asking.
func newWebRTCAPI(log *logrus.Logger) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("interval pli: %w", err)
	}
	registry.Add(pli)

	settings := webrtc.SettingEngine{LoggerFactory: loggerFactory{log: log}}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	), nil
}
