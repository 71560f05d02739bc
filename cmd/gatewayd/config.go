package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// config is read from the environment.
type config struct {
	// MemberID identifies this process in the cluster. A random id is used
	// when unset.
	MemberID string `env:"MEMBER_ID"`

	ServicesFile  string `env:"SERVICES_FILE,default=services.json"`
	WatchServices bool   `env:"SERVICES_WATCH,default=true"`

	AdminAddr string `env:"ADMIN_ADDR,default=127.0.0.1:9090"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	// IdleTimeout closes sessions without traffic. Zero disables it.
	IdleTimeout time.Duration `env:"IDLE_TIMEOUT,default=5m"`

	// RedisAddr selects the Redis cluster provider. The in-memory provider,
	// which only spans this process, is used when unset.
	RedisAddr string `env:"REDIS_ADDR"`
	KeyPrefix string `env:"CLUSTER_KEY_PREFIX,default=gateway:cluster:"`
}

func loadConfig() (config, error) {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func (c config) logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.LogFormat) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("LOG_FORMAT: unknown format %q", c.LogFormat)
	}
}
