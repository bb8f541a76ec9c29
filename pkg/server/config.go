package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aeolun/wirechat/pkg/kvstore"
	"github.com/aeolun/wirechat/pkg/msgcache"
	"github.com/aeolun/wirechat/pkg/protocol"
	"github.com/aeolun/wirechat/pkg/sessions"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string
	Port         int
	Backlog      int
	HTTPPort     int
	StaticDir    string
	DatabasePath string
	CookieName   string

	RedisAddr      string
	RedisUsername  string
	RedisPassword  string
	RedisDB        int
	RedisOpTimeout time.Duration

	MaxBodyBytes      int
	ReadChunkSize     int
	WriteChunkSize    int
	MessageRateLimit  int // chat messages per minute per realtime connection
	MaxCachedMessages int

	SessionTTL         time.Duration
	SessionMaxAttempts int

	// ForbiddenWords are added to the mask list at Start
	ForbiddenWords []string

	TracingEnabled     bool
	TracingOutput      string // file for exported spans, stderr when empty
	TracingSampleRatio float64
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Host:         "0.0.0.0",
		Port:         9090,
		Backlog:      5,
		HTTPPort:     8080,
		StaticDir:    "web",
		DatabasePath: "~/.wirechat/wirechat.db",
		CookieName:   "chat_cookie",

		RedisAddr:      "127.0.0.1:6379",
		RedisOpTimeout: kvstore.DefaultOpTimeout,

		MaxBodyBytes:      protocol.DefaultMaxBodyBytes,
		ReadChunkSize:     4096,
		WriteChunkSize:    4096,
		MessageRateLimit:  30,
		MaxCachedMessages: msgcache.DefaultMaxEntries,

		SessionTTL:         sessions.DefaultTTL,
		SessionMaxAttempts: sessions.DefaultMaxAttempts,

		TracingSampleRatio: 1,
	}
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server     ServerSection     `toml:"server"`
	Redis      RedisSection      `toml:"redis"`
	Limits     LimitsSection     `toml:"limits"`
	Sessions   SessionsSection   `toml:"sessions"`
	Moderation ModerationSection `toml:"moderation"`
	Tracing    TracingSection    `toml:"tracing"`
}

type ServerSection struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	Backlog      int    `toml:"backlog"`
	HTTPPort     int    `toml:"http_port"`
	StaticDir    string `toml:"static_dir"`
	DatabasePath string `toml:"database_path"`
	CookieName   string `toml:"cookie_name"`
}

type RedisSection struct {
	Addr        string `toml:"addr"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	DB          int    `toml:"db"`
	OpTimeoutMS int    `toml:"op_timeout_ms"`
}

type LimitsSection struct {
	MaxBodyBytes      int `toml:"max_body_bytes"`
	ReadChunk         int `toml:"read_chunk"`
	WriteChunk        int `toml:"write_chunk"`
	MessageRateLimit  int `toml:"message_rate_limit"`
	MaxCachedMessages int `toml:"max_cached_messages"`
}

type SessionsSection struct {
	TTLHours    int `toml:"ttl_hours"`
	MaxAttempts int `toml:"max_attempts"`
}

type ModerationSection struct {
	ForbiddenWords []string `toml:"forbidden_words"`
}

type TracingSection struct {
	Enabled     bool    `toml:"enabled"`
	Output      string  `toml:"output"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	d := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			Host:         d.Host,
			Port:         d.Port,
			Backlog:      d.Backlog,
			HTTPPort:     d.HTTPPort,
			StaticDir:    d.StaticDir,
			DatabasePath: d.DatabasePath,
			CookieName:   d.CookieName,
		},
		Redis: RedisSection{
			Addr:        d.RedisAddr,
			OpTimeoutMS: int(d.RedisOpTimeout / time.Millisecond),
		},
		Limits: LimitsSection{
			MaxBodyBytes:      d.MaxBodyBytes,
			ReadChunk:         d.ReadChunkSize,
			WriteChunk:        d.WriteChunkSize,
			MessageRateLimit:  d.MessageRateLimit,
			MaxCachedMessages: d.MaxCachedMessages,
		},
		Sessions: SessionsSection{
			TTLHours:    int(d.SessionTTL / time.Hour),
			MaxAttempts: d.SessionMaxAttempts,
		},
		Tracing: TracingSection{
			SampleRatio: d.TracingSampleRatio,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// An unwritable location still leaves us with usable defaults
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# wirechat server configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Zero values keep the
// defaults.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if s := strings.TrimSpace(c.Server.Host); s != "" {
		cfg.Host = s
	}
	if c.Server.Port != 0 {
		cfg.Port = c.Server.Port
	}
	if c.Server.Backlog != 0 {
		cfg.Backlog = c.Server.Backlog
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if s := strings.TrimSpace(c.Server.StaticDir); s != "" {
		cfg.StaticDir = s
	}
	if s := strings.TrimSpace(c.Server.DatabasePath); s != "" {
		cfg.DatabasePath = s
	}
	if s := strings.TrimSpace(c.Server.CookieName); s != "" {
		cfg.CookieName = s
	}

	if s := strings.TrimSpace(c.Redis.Addr); s != "" {
		cfg.RedisAddr = s
	}
	if c.Redis.Username != "" {
		cfg.RedisUsername = c.Redis.Username
	}
	if c.Redis.Password != "" {
		cfg.RedisPassword = c.Redis.Password
	}
	if c.Redis.DB != 0 {
		cfg.RedisDB = c.Redis.DB
	}
	if c.Redis.OpTimeoutMS != 0 {
		cfg.RedisOpTimeout = time.Duration(c.Redis.OpTimeoutMS) * time.Millisecond
	}

	if c.Limits.MaxBodyBytes != 0 {
		cfg.MaxBodyBytes = c.Limits.MaxBodyBytes
	}
	if c.Limits.ReadChunk != 0 {
		cfg.ReadChunkSize = c.Limits.ReadChunk
	}
	if c.Limits.WriteChunk != 0 {
		cfg.WriteChunkSize = c.Limits.WriteChunk
	}
	if c.Limits.MessageRateLimit != 0 {
		cfg.MessageRateLimit = c.Limits.MessageRateLimit
	}
	if c.Limits.MaxCachedMessages != 0 {
		cfg.MaxCachedMessages = c.Limits.MaxCachedMessages
	}

	if c.Sessions.TTLHours != 0 {
		cfg.SessionTTL = time.Duration(c.Sessions.TTLHours) * time.Hour
	}
	if c.Sessions.MaxAttempts != 0 {
		cfg.SessionMaxAttempts = c.Sessions.MaxAttempts
	}

	for _, w := range c.Moderation.ForbiddenWords {
		if w = strings.TrimSpace(w); w != "" {
			cfg.ForbiddenWords = append(cfg.ForbiddenWords, w)
		}
	}

	cfg.TracingEnabled = c.Tracing.Enabled
	if s := strings.TrimSpace(c.Tracing.Output); s != "" {
		cfg.TracingOutput = s
	}
	if c.Tracing.SampleRatio != 0 {
		cfg.TracingSampleRatio = c.Tracing.SampleRatio
	}

	return cfg
}

// KVConfig returns the key-value store settings
func (c ServerConfig) KVConfig() kvstore.Config {
	return kvstore.Config{
		Addr:      c.RedisAddr,
		Username:  c.RedisUsername,
		Password:  c.RedisPassword,
		DB:        c.RedisDB,
		OpTimeout: c.RedisOpTimeout,
	}
}

// ListenAddr returns host:port of the chat listener
func (c ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetDatabasePath returns the database path with ~ expanded
func (c ServerConfig) GetDatabasePath() (string, error) {
	return expandHome(c.DatabasePath)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
