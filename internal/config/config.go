package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server" toml:"server"`
	RDP    RDPConfig    `yaml:"rdp" toml:"rdp"`
	Log    LogConfig    `yaml:"log" toml:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" toml:"port"`
	Host           string   `yaml:"host" toml:"host"`
	AuthToken      string   `yaml:"auth_token" toml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	MaxSessions    int      `yaml:"max_sessions" toml:"max_sessions"` // 0 means unlimited
	StaticDir      string   `yaml:"static_dir" toml:"static_dir"`
}

type RDPConfig struct {
	WorkerTick  Duration `yaml:"worker_tick" toml:"worker_tick"`
	DefaultPort int      `yaml:"default_port" toml:"default_port"`
	DialTimeout Duration `yaml:"dial_timeout" toml:"dial_timeout"`
	PollTimeout Duration `yaml:"poll_timeout" toml:"poll_timeout"`
}

type LogConfig struct {
	Level     string `yaml:"level" toml:"level"`
	Timestamp bool   `yaml:"timestamp" toml:"timestamp"`
	NoColor   bool   `yaml:"no_color" toml:"no_color"`
}

// Duration accepts Go duration strings ("100us", "5s") in both YAML and TOML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		RDP: RDPConfig{
			WorkerTick:  Duration(100 * time.Microsecond),
			DefaultPort: 3389,
			DialTimeout: Duration(10 * time.Second),
			PollTimeout: Duration(time.Millisecond),
		},
		Log: LogConfig{
			Level:     "info",
			Timestamp: true,
		},
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return defaultConfig()
}

// Load reads a YAML or TOML file, chosen by extension, over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxSessions < 0 {
		return fmt.Errorf("server.max_sessions must not be negative")
	}
	if c.RDP.DefaultPort <= 0 || c.RDP.DefaultPort > 65535 {
		return fmt.Errorf("rdp.default_port %d out of range", c.RDP.DefaultPort)
	}
	if c.RDP.WorkerTick < 0 {
		return fmt.Errorf("rdp.worker_tick must not be negative")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
