package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	LogLevel       string
	Redis          RedisConfig
	Postgres       PostgresConfig
	TURN           TURNConfig
	ICEURLs        []string
	Agent          AgentConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// PostgresConfig enables the attendance ledger when DSN is set.
type PostgresConfig struct {
	DSN string
}

// TURNConfig enables the embedded TURN relay when PublicIP is set.
type TURNConfig struct {
	PublicIP string
	Port     int
	Realm    string
	Username string
	Password string
}

// AgentConfig configures the headless classroom agent (cmd/classagent).
// Media paths are optional: an agent without media joins as an observer.
type AgentConfig struct {
	RoomID      string
	UserID      string
	DisplayName string
	AudioPath   string // Ogg/Opus file used as the microphone source
	VideoPath   string // IVF/VP8 file used as the camera source
	ScreenPath  string // IVF/VP8 file used as the screen-share source
	RecordDir   string // when set, remote tracks are written here
	LoopMedia   bool
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	iceStr := getEnv("ICE_URLS", "stun:stun.l.google.com:19302")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
		},
		Postgres: PostgresConfig{
			DSN: getEnv("POSTGRES_DSN", ""),
		},
		TURN: TURNConfig{
			PublicIP: getEnv("TURN_PUBLIC_IP", ""),
			Port:     getEnvInt("TURN_PORT", 3478),
			Realm:    getEnv("TURN_REALM", "liveclass"),
			Username: getEnv("TURN_USERNAME", "liveclass"),
			Password: getEnv("TURN_PASSWORD", ""),
		},
		ICEURLs: strings.Split(iceStr, ","),
		Agent: AgentConfig{
			RoomID:      getEnv("AGENT_ROOM_ID", ""),
			UserID:      getEnv("AGENT_USER_ID", "classagent"),
			DisplayName: getEnv("AGENT_DISPLAY_NAME", "Class Agent"),
			AudioPath:   getEnv("AGENT_AUDIO_FILE", ""),
			VideoPath:   getEnv("AGENT_VIDEO_FILE", ""),
			ScreenPath:  getEnv("AGENT_SCREEN_FILE", ""),
			RecordDir:   getEnv("AGENT_RECORD_DIR", ""),
			LoopMedia:   getEnvBool("AGENT_LOOP_MEDIA", true),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
