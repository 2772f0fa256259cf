package config

import (
	"net"
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr         string
	RedisHost        string
	RedisPort        string
	ChannelPattern   string
	ChannelPrefix    string
	RelayRetryDelay  time.Duration
	SubscriberBuffer int
	SchemaDir        string
	DataDir          string
}

func Load() Config {
	retrySec := envInt("RELAY_RETRY_SECONDS", 5)
	return Config{
		HTTPAddr:         env("RELAYHUB_HTTP_ADDR", ":3100"),
		RedisHost:        env("REDIS_HOST", "127.0.0.1"),
		RedisPort:        env("REDIS_PORT", "6379"),
		ChannelPattern:   env("RELAY_CHANNEL_PATTERN", "ws_channel:job:*"),
		ChannelPrefix:    env("RELAY_CHANNEL_PREFIX", "ws_channel:"),
		RelayRetryDelay:  time.Duration(retrySec) * time.Second,
		SubscriberBuffer: envInt("WS_SUBSCRIBER_BUFFER", 100),
		SchemaDir:        env("CONFIG_SCHEMA_DIR", "shared/schemas"),
		DataDir:          env("CONFIG_DATA_DIR", "shared/data"),
	}
}

// RedisAddr joins host and port into a dialable address.
func (c Config) RedisAddr() string {
	return net.JoinHostPort(c.RedisHost, c.RedisPort)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
