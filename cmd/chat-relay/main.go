package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chat-relay/pkg/broadcast"
	"github.com/go-go-golems/chat-relay/pkg/completion"
	"github.com/go-go-golems/chat-relay/pkg/config"
	"github.com/go-go-golems/chat-relay/pkg/logging"
	"github.com/go-go-golems/chat-relay/pkg/persona"
	"github.com/go-go-golems/chat-relay/pkg/relay"
	"github.com/go-go-golems/chat-relay/pkg/transcript"
)

var version = "dev"

func main() {
	cobra.CheckErr(newRootCmd().Execute())
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string
	var envFiles []string

	rootCmd := &cobra.Command{
		Use:          "chat-relay",
		Short:        "chat-relay relays a chat widget's websocket messages to an LLM",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env must be loaded before viper reads the environment
			if err := config.LoadDotEnv(envFiles...); err != nil {
				return err
			}
			return logging.Init(logging.Settings{
				Level:  v.GetString("log-level"),
				Format: v.GetString("log-format"),
			})
		},
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "YAML config file")
	pf.StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load (missing files are skipped)")
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.String("log-format", "", "log format (console, json); empty picks console on a terminal")
	cobra.CheckErr(bindFlags(v, pf, "log-level", "log-format"))

	rootCmd.AddCommand(newServeCmd(v, &configFile))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return rootCmd
}

func newServeCmd(v *viper.Viper, configFile *string) *cobra.Command {
	d := config.Defaults()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the websocket relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(v, *configFile)
			if err != nil {
				return err
			}
			if err := logging.Init(logging.Settings{Level: s.LogLevel, Format: s.LogFormat}); err != nil {
				return err
			}
			return runServe(cmd.Context(), s)
		},
	}

	f := cmd.Flags()
	f.String("addr", d.Addr, "HTTP listen address")
	f.String("port", "", "listen port; overrides the port part of --addr")
	f.String("base-url", d.BaseURL, "OpenAI-compatible API base URL")
	f.String("model", d.Model, "completion model")
	f.Float64("temperature", d.Temperature, "sampling temperature")
	f.Int("max-tokens", d.MaxTokens, "maximum tokens per reply")
	f.Duration("completion-timeout", d.CompletionTimeout, "timeout for one completion call (0 disables)")
	f.Int("max-turns", d.MaxTurns, "non-system turns kept per transcript")
	f.String("overlap-policy", d.OverlapPolicy, "what to do with a message sent while a reply is pending: queue, allow, reject")
	f.String("persona-file", "", "YAML persona file (system prompt, fallback, effects)")
	f.Bool("relay-user-typing", d.RelayUserTyping, "re-broadcast client typing events to every connection")
	f.String("static-dir", "", "directory served at / (widget assets)")
	f.StringSlice("allowed-origins", d.AllowedOrigins, "allowed websocket origins; * allows any")
	f.Bool("enable-debug-routes", d.EnableDebugRoutes, "serve /api/debug/* introspection routes")
	f.Int("send-buffer", d.SendBuffer, "outbound frames buffered per connection")
	f.Duration("write-timeout", d.WriteTimeout, "websocket write timeout")
	f.Duration("sweep-interval", d.SweepInterval, "how often orphaned transcripts are swept")
	f.Duration("sweep-idle", d.SweepIdle, "idle time after which an orphaned transcript is swept")
	f.Bool("redis-enabled", d.Broadcast.RedisEnabled, "carry broadcasts over Redis Streams")
	f.String("redis-addr", d.Broadcast.RedisAddr, "Redis address")
	f.String("redis-group", d.Broadcast.RedisGroup, "Redis consumer group (empty fans out to every process)")
	f.String("redis-consumer", d.Broadcast.RedisConsumer, "Redis consumer name (empty generates one)")
	cobra.CheckErr(bindFlags(v, f,
		"addr", "port", "base-url", "model", "temperature", "max-tokens", "completion-timeout",
		"max-turns", "overlap-policy", "persona-file", "relay-user-typing", "static-dir",
		"allowed-origins", "enable-debug-routes", "send-buffer", "write-timeout",
		"sweep-interval", "sweep-idle", "redis-enabled", "redis-addr", "redis-group", "redis-consumer",
	))
	return cmd
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet, names ...string) error {
	for _, name := range names {
		if err := v.BindPFlag(name, fs.Lookup(name)); err != nil {
			return errors.Wrapf(err, "bind flag %s", name)
		}
	}
	return nil
}

func runServe(ctx context.Context, s config.Settings) error {
	p := persona.Default()
	if s.PersonaFile != "" {
		var err error
		p, err = persona.Load(s.PersonaFile)
		if err != nil {
			return err
		}
	}
	policy, err := relay.ParseOverlapPolicy(s.OverlapPolicy)
	if err != nil {
		return err
	}

	client, err := completion.NewClient(completion.Config{BaseURL: s.BaseURL, APIKey: s.APIKey})
	if err != nil {
		return err
	}
	store := transcript.NewInMemoryStore(p.SystemPrompt, s.MaxTurns)

	bus, err := broadcast.NewBus(ctx, s.Broadcast)
	if err != nil {
		return errors.Wrap(err, "create broadcast bus")
	}

	hub, err := relay.NewHub(relay.HubConfig{
		BaseCtx:   ctx,
		Store:     store,
		Completer: client,
		Bus:       bus,
		Persona:   p,
		Session: relay.SessionOptions{
			Completion:        s.CompletionOptions(),
			CompletionTimeout: s.CompletionTimeout,
			OverlapPolicy:     policy,
			RelayUserTyping:   s.RelayUserTyping,
		},
		SendBuffer:   s.SendBuffer,
		WriteTimeout: s.WriteTimeout,
	})
	if err != nil {
		_ = bus.Close()
		return err
	}

	srv, err := relay.NewServer(relay.ServerConfig{
		Addr: s.Addr,
		Hub:  hub,
		Router: relay.RouterOptions{
			StaticDir:         s.StaticDir,
			AllowedOrigins:    s.AllowedOrigins,
			EnableDebugRoutes: s.EnableDebugRoutes,
		},
		Bus:           bus,
		Sweeper:       store,
		SweepInterval: s.SweepInterval,
		SweepIdle:     s.SweepIdle,
	})
	if err != nil {
		_ = bus.Close()
		return err
	}

	log.Info().
		Str("persona", p.Name).
		Str("model", s.Model).
		Str("base_url", s.BaseURL).
		Str("overlap_policy", string(policy)).
		Int("max_turns", s.MaxTurns).
		Msg("chat relay configured")
	return srv.Run(ctx)
}
