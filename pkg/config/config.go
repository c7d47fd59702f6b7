// Package config loads relay settings once at startup from flags, environment,
// an optional .env file, and an optional YAML config file.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chat-relay/pkg/broadcast"
	"github.com/go-go-golems/chat-relay/pkg/completion"
	"github.com/go-go-golems/chat-relay/pkg/transcript"
)

const EnvPrefix = "CHAT_RELAY"

// Overlap policies for a message that arrives while a reply is still pending.
const (
	OverlapQueue  = "queue"
	OverlapAllow  = "allow"
	OverlapReject = "reject"
)

type Settings struct {
	Addr string `mapstructure:"addr"`
	// Port overrides the port part of Addr; it mirrors the PORT variable hosting platforms set.
	Port string `mapstructure:"port"`

	APIKey            string        `mapstructure:"api-key"`
	BaseURL           string        `mapstructure:"base-url"`
	Model             string        `mapstructure:"model"`
	Temperature       float64       `mapstructure:"temperature"`
	MaxTokens         int           `mapstructure:"max-tokens"`
	CompletionTimeout time.Duration `mapstructure:"completion-timeout"`

	MaxTurns        int    `mapstructure:"max-turns"`
	OverlapPolicy   string `mapstructure:"overlap-policy"`
	PersonaFile     string `mapstructure:"persona-file"`
	RelayUserTyping bool   `mapstructure:"relay-user-typing"`

	StaticDir         string        `mapstructure:"static-dir"`
	AllowedOrigins    []string      `mapstructure:"allowed-origins"`
	EnableDebugRoutes bool          `mapstructure:"enable-debug-routes"`
	SendBuffer        int           `mapstructure:"send-buffer"`
	WriteTimeout      time.Duration `mapstructure:"write-timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep-interval"`
	SweepIdle         time.Duration `mapstructure:"sweep-idle"`

	Broadcast broadcast.Settings `mapstructure:",squash"`

	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
}

func Defaults() Settings {
	return Settings{
		Addr:              ":3000",
		BaseURL:           completion.DefaultBaseURL,
		Model:             completion.DefaultModel,
		Temperature:       completion.DefaultTemperature,
		MaxTokens:         completion.DefaultMaxOutputTokens,
		CompletionTimeout: 60 * time.Second,
		MaxTurns:          transcript.DefaultMaxTurns,
		OverlapPolicy:     OverlapQueue,
		AllowedOrigins:    []string{"*"},
		SendBuffer:        64,
		WriteTimeout:      10 * time.Second,
		SweepInterval:     time.Minute,
		SweepIdle:         10 * time.Minute,
		Broadcast:         broadcast.DefaultSettings(),
		LogLevel:          "info",
	}
}

// SetDefaults registers Defaults() on v so config files and env vars see them.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("addr", d.Addr)
	v.SetDefault("port", d.Port)
	v.SetDefault("api-key", d.APIKey)
	v.SetDefault("base-url", d.BaseURL)
	v.SetDefault("model", d.Model)
	v.SetDefault("temperature", d.Temperature)
	v.SetDefault("max-tokens", d.MaxTokens)
	v.SetDefault("completion-timeout", d.CompletionTimeout)
	v.SetDefault("max-turns", d.MaxTurns)
	v.SetDefault("overlap-policy", d.OverlapPolicy)
	v.SetDefault("persona-file", d.PersonaFile)
	v.SetDefault("relay-user-typing", d.RelayUserTyping)
	v.SetDefault("static-dir", d.StaticDir)
	v.SetDefault("allowed-origins", d.AllowedOrigins)
	v.SetDefault("enable-debug-routes", d.EnableDebugRoutes)
	v.SetDefault("send-buffer", d.SendBuffer)
	v.SetDefault("write-timeout", d.WriteTimeout)
	v.SetDefault("sweep-interval", d.SweepInterval)
	v.SetDefault("sweep-idle", d.SweepIdle)
	v.SetDefault("redis-enabled", d.Broadcast.RedisEnabled)
	v.SetDefault("redis-addr", d.Broadcast.RedisAddr)
	v.SetDefault("redis-group", d.Broadcast.RedisGroup)
	v.SetDefault("redis-consumer", d.Broadcast.RedisConsumer)
	v.SetDefault("log-level", d.LogLevel)
	v.SetDefault("log-format", d.LogFormat)
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process environment.
// Missing files are skipped; variables already set are not overridden.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrapf(err, "stat %s", p)
		}
		if err := godotenv.Load(p); err != nil {
			return errors.Wrapf(err, "load %s", p)
		}
	}
	return nil
}

// Load resolves settings from v. configFile, when non-empty, is read as YAML.
func Load(v *viper.Viper, configFile string) (Settings, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("api-key", EnvPrefix+"_API_KEY", "GROK_API_KEY", "OPENAI_API_KEY"); err != nil {
		return Settings{}, errors.Wrap(err, "bind api-key env")
	}
	if err := v.BindEnv("port", EnvPrefix+"_PORT", "PORT"); err != nil {
		return Settings{}, errors.Wrap(err, "bind port env")
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, errors.Wrapf(err, "read config %s", configFile)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode settings")
	}
	s.Addr = ListenAddr(s.Addr, s.Port)
	s.AllowedOrigins = splitOrigins(s.AllowedOrigins)
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// ListenAddr applies port on top of addr's host part.
func ListenAddr(addr, port string) string {
	port = strings.TrimSpace(port)
	if port == "" {
		return addr
	}
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	return host + ":" + port
}

func splitOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		for _, part := range strings.Split(o, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (s Settings) CompletionOptions() completion.Options {
	return completion.Options{
		Model:           s.Model,
		Temperature:     s.Temperature,
		MaxOutputTokens: s.MaxTokens,
	}
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.APIKey) == "" {
		return errors.Errorf("api key is required (set %s_API_KEY or GROK_API_KEY)", EnvPrefix)
	}
	if err := s.CompletionOptions().Validate(); err != nil {
		return errors.Wrap(err, "completion options")
	}
	if s.MaxTurns <= 0 {
		return errors.Errorf("max-turns must be positive, got %d", s.MaxTurns)
	}
	switch s.OverlapPolicy {
	case OverlapQueue, OverlapAllow, OverlapReject:
	default:
		return errors.Errorf("unknown overlap-policy %q (want queue, allow or reject)", s.OverlapPolicy)
	}
	if s.SendBuffer <= 0 {
		return errors.Errorf("send-buffer must be positive, got %d", s.SendBuffer)
	}
	if s.CompletionTimeout < 0 {
		return errors.New("completion-timeout must not be negative")
	}
	if s.Broadcast.RedisEnabled && strings.TrimSpace(s.Broadcast.RedisAddr) == "" {
		return errors.New("redis-addr is required when redis-enabled is set")
	}
	return nil
}
