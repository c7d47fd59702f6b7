package broadcast

// Settings selects the transport for server-to-all events.
type Settings struct {
	RedisEnabled bool   `mapstructure:"redis-enabled"`
	RedisAddr    string `mapstructure:"redis-addr"`
	// RedisGroup empty means fan-out: every relay process sees every broadcast.
	RedisGroup    string `mapstructure:"redis-group"`
	RedisConsumer string `mapstructure:"redis-consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		RedisAddr: "localhost:6379",
	}
}
