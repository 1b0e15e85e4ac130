// classagent joins a room as a headless participant. It publishes media
// from disk (Ogg/Opus audio, IVF/VP8 video), optionally records every
// remote track, and leaves cleanly on SIGINT or when the room ends.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opencampus/liveclass/config"
	"github.com/opencampus/liveclass/internal/media"
	"github.com/opencampus/liveclass/internal/mesh"
	"github.com/opencampus/liveclass/internal/redis"
	"github.com/opencampus/liveclass/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()

	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	if cfg.Agent.RoomID == "" {
		log.Fatal("AGENT_ROOM_ID is required")
	}

	if err := redis.Connect(cfg.Redis); err != nil {
		log.WithError(err).Fatal("connecting to Redis")
	}
	defer redis.Close()

	st := store.NewRedis(redis.GetClient(), log)

	local := media.NewLocal(media.Config{
		AudioPath:  cfg.Agent.AudioPath,
		VideoPath:  cfg.Agent.VideoPath,
		ScreenPath: cfg.Agent.ScreenPath,
		Loop:       cfg.Agent.LoopMedia,
	}, log.WithField("component", "media"))

	var onTrack func(peerID string, track *webrtc.TrackRemote)
	if cfg.Agent.RecordDir != "" {
		rec := media.NewRecorder(cfg.Agent.RecordDir, log.WithField("component", "recorder"))
		onTrack = rec.HandleTrack
	}

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.ICEURLs))
	for _, url := range cfg.ICEURLs {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	if cfg.TURN.PublicIP != "" {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:           []string{fmt.Sprintf("turn:%s:%d", cfg.TURN.PublicIP, cfg.TURN.Port)},
			Username:       cfg.TURN.Username,
			Credential:     cfg.TURN.Password,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := mesh.Join(ctx, st, mesh.Options{
		RoomID:      cfg.Agent.RoomID,
		UserID:      cfg.Agent.UserID,
		DisplayName: cfg.Agent.DisplayName,
		Media:       local,
		ICEServers:  iceServers,
		Logger:      log,
		OnTrack:     onTrack,
	})
	if err != nil {
		log.WithError(err).Fatal("joining room")
	}

	log.WithFields(logrus.Fields{
		"room": cfg.Agent.RoomID,
		"peer": sess.SelfID(),
		"host": sess.IsHost(),
	}).Info("agent joined")

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		leaveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sess.Leave(leaveCtx); err != nil {
			log.WithError(err).Warn("leaving room")
		}
	case <-sess.Done():
		if err := sess.Err(); err != nil {
			log.WithError(err).Error("session ended")
			os.Exit(1)
		}
		log.Info("session ended")
	}
}
