// Package config loads the settings of a tabletop process: defaults, then an
// optional TOML file, then environment overrides.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	sessionnet "tabletop/session/internal/net"
	"tabletop/session/internal/net/proto"
	"tabletop/session/internal/net/token"
	"tabletop/session/internal/observability"
	"tabletop/session/internal/sim"
	"tabletop/session/logging"
)

// FileEnv names the environment variable pointing at the TOML file.
const FileEnv = "TABLETOP_CONFIG"

// Mode is what the process does once it is up.
type Mode string

const (
	ModeIdle     Mode = "idle"
	ModeHost     Mode = "host"
	ModeClient   Mode = "client"
	ModeSelfHost Mode = "selfhost"
)

// Transport names the network layer used for sessions.
type Transport string

const (
	TransportQUIC      Transport = "quic"
	TransportWebSocket Transport = "ws"
)

var (
	ErrInvalidMode      = errors.New("config: invalid mode")
	ErrInvalidTransport = errors.New("config: invalid transport")
	ErrInvalidKey       = errors.New("config: session key must be 64 hex characters")
	ErrInvalidColor     = errors.New("config: color must be 6 hex characters")
)

type Config struct {
	Mode          Mode                 `toml:"mode" env:"TABLETOP_MODE"`
	Net           Net                  `toml:"net"`
	Session       Session              `toml:"session"`
	Assets        Assets               `toml:"assets"`
	Logging       Logging              `toml:"logging"`
	Observability observability.Config `toml:"observability"`
	Loop          sim.LoopConfig       `toml:"loop"`
}

type Net struct {
	Transport        Transport     `toml:"transport" env:"TABLETOP_TRANSPORT"`
	BindHost         string        `toml:"bind_host" env:"TABLETOP_BIND_HOST"`
	Port             int           `toml:"port" env:"TABLETOP_PORT"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout" env:"TABLETOP_HANDSHAKE_TIMEOUT"`
	IdleTimeout      time.Duration `toml:"idle_timeout" env:"TABLETOP_IDLE_TIMEOUT"`
	KeepAlive        time.Duration `toml:"keep_alive" env:"TABLETOP_KEEP_ALIVE"`
	Compress         bool          `toml:"compress" env:"TABLETOP_COMPRESS"`
	MaxClients       int           `toml:"max_clients" env:"TABLETOP_MAX_CLIENTS"`
}

// ListenAddr is where a host binds.
func (n Net) ListenAddr() string {
	return fmt.Sprintf("%s:%d", n.BindHost, n.Port)
}

type Session struct {
	// Key is the pre-shared connect key, hex encoded.
	Key              string        `toml:"key" env:"TABLETOP_KEY"`
	ProtocolID       uint64        `toml:"protocol_id" env:"TABLETOP_PROTOCOL_ID"`
	TokenTTL         time.Duration `toml:"token_ttl" env:"TABLETOP_TOKEN_TTL"`
	ClientID         uint64        `toml:"client_id" env:"TABLETOP_CLIENT_ID"`
	Connect          string        `toml:"connect" env:"TABLETOP_CONNECT"`
	PlayerName       string        `toml:"player_name" env:"TABLETOP_PLAYER_NAME"`
	PlayerColor      string        `toml:"player_color" env:"TABLETOP_PLAYER_COLOR"`
	KeyframeInterval uint64        `toml:"keyframe_interval" env:"KEYFRAME_INTERVAL_TICKS"`
	JournalCapacity  int           `toml:"journal_capacity" env:"TABLETOP_JOURNAL_CAPACITY"`
	Decay            float64       `toml:"decay" env:"TABLETOP_DECAY"`
}

// TokenKey decodes Key. An empty key yields the zero key, which only suits
// local play.
func (s Session) TokenKey() (token.Key, error) {
	var key token.Key
	if s.Key == "" {
		return key, nil
	}
	raw, err := hex.DecodeString(s.Key)
	if err != nil || len(raw) != len(key) {
		return key, ErrInvalidKey
	}
	copy(key[:], raw)
	return key, nil
}

// Player builds the announced record from the configured name and color.
func (s Session) Player() (proto.PlayerRecord, error) {
	record := proto.PlayerRecord{Name: strings.TrimSpace(s.PlayerName)}
	if s.PlayerColor == "" {
		return record, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s.PlayerColor, "#"))
	if err != nil || len(raw) != 3 {
		return record, fmt.Errorf("%w: %q", ErrInvalidColor, s.PlayerColor)
	}
	record.Color = proto.Color{raw[0], raw[1], raw[2]}
	return record, nil
}

type Assets struct {
	DefaultTokenImage string        `toml:"default_token_image" env:"TABLETOP_TOKEN_IMAGE"`
	RetryInterval     time.Duration `toml:"retry_interval" env:"TABLETOP_ASSET_RETRY"`
}

type Logging struct {
	Sinks      []string      `toml:"sinks" env:"LOG_SINKS" envSeparator:","`
	Severity   string        `toml:"severity" env:"LOG_SEVERITY"`
	BufferSize int           `toml:"buffer_size" env:"LOG_BUFFER_SIZE"`
	JSONPath   string        `toml:"json_path" env:"LOG_JSON_PATH"`
	Prefix     string        `toml:"prefix" env:"LOG_PREFIX"`
	FlushEvery time.Duration `toml:"flush_interval" env:"LOG_FLUSH_INTERVAL"`
}

// Router converts the section into the event router's config.
func (l Logging) Router() logging.Config {
	cfg := logging.DefaultConfig()
	if len(l.Sinks) > 0 {
		cfg.EnabledSinks = append([]string(nil), l.Sinks...)
	}
	if l.Severity != "" {
		cfg.MinimumSeverity = logging.ParseSeverity(strings.ToLower(l.Severity))
	}
	if l.BufferSize > 0 {
		cfg.BufferSize = l.BufferSize
	}
	if l.FlushEvery > 0 {
		cfg.JSON.FlushInterval = l.FlushEvery
	}
	cfg.JSON.FilePath = l.JSONPath
	cfg.Console.Prefix = l.Prefix
	return cfg
}

func Default() Config {
	return Config{
		Mode: ModeIdle,
		Net: Net{
			Transport:        TransportQUIC,
			BindHost:         "0.0.0.0",
			Port:             sessionnet.DefaultPort,
			HandshakeTimeout: 5 * time.Second,
			IdleTimeout:      10 * time.Second,
			KeepAlive:        2 * time.Second,
			MaxClients:       16,
		},
		Session: Session{
			ProtocolID:       1,
			TokenTTL:         token.DefaultTTL,
			KeyframeInterval: 300,
			JournalCapacity:  8,
		},
		Assets: Assets{
			RetryInterval: 5 * time.Second,
		},
		Logging: Logging{
			Sinks:    []string{logging.SinkConsole},
			Severity: logging.SeverityInfo.String(),
		},
		Observability: observability.DefaultConfig(),
		Loop:          sim.DefaultLoopConfig(),
	}
}

// Load reads the file named by TABLETOP_CONFIG, if any, then the
// environment.
func Load() (Config, error) {
	return LoadFile(os.Getenv(FileEnv))
}

// LoadFile layers path (skipped when empty) and the environment over
// Default. Unknown keys in the file are an error.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("config: unknown keys in %s: %v", path, undecoded)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeIdle, ModeHost, ModeClient, ModeSelfHost:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}
	switch c.Net.Transport {
	case TransportQUIC, TransportWebSocket:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransport, c.Net.Transport)
	}
	if c.Net.Port <= 0 || c.Net.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Net.Port)
	}
	if _, err := c.Session.TokenKey(); err != nil {
		return err
	}
	if _, err := c.Session.Player(); err != nil {
		return err
	}
	if err := c.Logging.Router().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
