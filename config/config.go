// Package config loads dmxlink's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const defaultConfigPath = "~/.config/dmxlink/config.toml"

// Duration decodes TOML strings such as "15s" or "1200ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Queue   QueueConfig   `toml:"queue"`
	Scene   SceneConfig   `toml:"scene"`
	MQTT    MQTTConfig    `toml:"mqtt"`
	ArtNet  ArtNetConfig  `toml:"artnet"`
	Backend BackendConfig `toml:"backend"`
	Monitor MonitorConfig `toml:"monitor"`
	Log     LogConfig     `toml:"log"`
	MCP     MCPConfig     `toml:"mcp"`
}

type ServerConfig struct {
	URL             string   `toml:"url"`
	Token           string   `toml:"token"`
	PingInterval    Duration `toml:"ping_interval"`
	MaxBackoff      Duration `toml:"max_backoff"`
	Discover        bool     `toml:"discover"`
	DiscoverTimeout Duration `toml:"discover_timeout"`
}

type QueueConfig struct {
	ChunkSize int      `toml:"chunk_size"`
	FrameRate int      `toml:"frame_rate"`
	Fallback  Duration `toml:"fallback"`
}

type SceneConfig struct {
	AckTimeout Duration `toml:"ack_timeout"`
}

type MQTTConfig struct {
	Enabled  bool   `toml:"enabled"`
	Broker   string `toml:"broker"`
	ClientID string `toml:"client_id"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Prefix   string `toml:"prefix"`
	QoS      int    `toml:"qos"`
}

type ArtNetConfig struct {
	Enabled bool   `toml:"enabled"`
	IP      string `toml:"ip"`
	MaxFPS  int    `toml:"max_fps"`
}

type BackendConfig struct {
	Addr       string `toml:"addr"`
	Token      string `toml:"token"`
	Advertise  bool   `toml:"advertise"`
	MaxClients int    `toml:"max_clients"`
}

type MonitorConfig struct {
	PollInterval Duration `toml:"poll_interval"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "text"
	File   string `toml:"file"`   // empty logs to stderr
}

type MCPConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Server: ServerConfig{
			URL:             "ws://127.0.0.1:8765/ws",
			PingInterval:    Duration{15 * time.Second},
			MaxBackoff:      Duration{10 * time.Second},
			DiscoverTimeout: Duration{5 * time.Second},
		},
		Queue: QueueConfig{
			ChunkSize: 64,
			FrameRate: 44,
			Fallback:  Duration{20 * time.Millisecond},
		},
		Scene: SceneConfig{AckTimeout: Duration{1200 * time.Millisecond}},
		MQTT: MQTTConfig{
			Broker: "tcp://127.0.0.1:1883",
			Prefix: "dmx",
		},
		ArtNet:  ArtNetConfig{MaxFPS: 44},
		Backend: BackendConfig{Addr: "127.0.0.1:8765", MaxClients: 16},
		Monitor: MonitorConfig{PollInterval: Duration{8 * time.Second}},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads the TOML file at path over the defaults. A missing file is not an
// error. An empty path means ~/.config/dmxlink/config.toml.
func Load(path string) (Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()

	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(bytes, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.Server.URL = strings.TrimSpace(cfg.Server.URL)
	cfg.Server.Token = strings.TrimSpace(cfg.Server.Token)
	cfg.Backend.Token = strings.TrimSpace(cfg.Backend.Token)
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.File != "" {
		cfg.Log.File = mustExpand(cfg.Log.File)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the components cannot run with. Values below a
// component's floor are left to the component to raise.
func (c Config) Validate() error {
	if c.Server.URL == "" && !c.Server.Discover {
		return fmt.Errorf("server.url is required unless server.discover is set")
	}
	if c.Queue.ChunkSize < 0 || c.Queue.ChunkSize > 64 {
		return fmt.Errorf("queue.chunk_size must be at most 64, got %d", c.Queue.ChunkSize)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	if c.ArtNet.Enabled && c.ArtNet.IP == "" {
		return fmt.Errorf("artnet.ip is required when artnet is enabled")
	}
	return nil
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
