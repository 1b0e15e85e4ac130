// Package turnserver runs an embedded TURN relay so deployments behind
// strict NATs work without standing up coturn separately.
package turnserver

import (
	"fmt"
	"net"
	"strconv"

	"github.com/pion/turn/v3"
	"github.com/sirupsen/logrus"
)

// Config for the embedded relay. PublicIP must be the address peers can
// reach; behind NAT that is the mapped external address.
type Config struct {
	PublicIP string
	Port     int
	Realm    string
	Username string
	Password string
}

// Server wraps a running TURN server.
type Server struct {
	inner *turn.Server
	cfg   Config
	log   *logrus.Entry
}

// Start listens on UDP and serves TURN with static long-term credentials.
func Start(cfg Config, log *logrus.Entry) (*Server, error) {
	if cfg.PublicIP == "" {
		return nil, fmt.Errorf("turn: public IP is required")
	}
	publicIP := net.ParseIP(cfg.PublicIP)
	if publicIP == nil {
		return nil, fmt.Errorf("turn: invalid public IP %q", cfg.PublicIP)
	}

	conn, err := net.ListenPacket("udp4", "0.0.0.0:"+strconv.Itoa(cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("turn: listening on udp/%d: %w", cfg.Port, err)
	}

	key := turn.GenerateAuthKey(cfg.Username, cfg.Realm, cfg.Password)

	s, err := turn.NewServer(turn.ServerConfig{
		Realm: cfg.Realm,
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			if username == cfg.Username {
				return key, true
			}
			return nil, false
		},
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: conn,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: publicIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("turn: starting server: %w", err)
	}

	log.WithFields(logrus.Fields{
		"public_ip": cfg.PublicIP,
		"port":      cfg.Port,
		"realm":     cfg.Realm,
	}).Info("embedded TURN server started")

	return &Server{inner: s, cfg: cfg, log: log}, nil
}

// URL returns the turn: URL clients should put in their ICE server list.
func (s *Server) URL() string {
	return fmt.Sprintf("turn:%s:%d", s.cfg.PublicIP, s.cfg.Port)
}

// Close stops the server and releases the listener.
func (s *Server) Close() error {
	return s.inner.Close()
}
