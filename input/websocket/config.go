package websocket

import (
	"strconv"
	"time"

	"github.com/c360/netlistener/network"
)

// Config holds the parsed stream arguments.
type Config struct {
	URL              string
	Subject          string
	BearerToken      string
	HandshakeTimeout time.Duration
	Reconnect        ReconnectConfig
}

// ReconnectConfig controls the dial backoff.
type ReconnectConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultConfig returns the defaults applied before stream arguments.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 45 * time.Second,
		Reconnect: ReconnectConfig{
			InitialInterval: time.Second,
			MaxInterval:     60 * time.Second,
			Multiplier:      2.0,
		},
	}
}

func parseConfig(raw map[string]string) (Config, error) {
	args := network.Args(raw)
	if err := args.Require(componentName, "url"); err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	cfg.URL = args.String("url", "")
	cfg.Subject = args.String("subject", "")
	if cfg.Subject == "" {
		if subjects := args.List("subjects"); len(subjects) > 0 {
			cfg.Subject = subjects[0]
		}
	}
	cfg.BearerToken = args.String("bearerToken", "")
	cfg.HandshakeTimeout = args.Duration("handshakeTimeout", cfg.HandshakeTimeout)
	cfg.Reconnect.InitialInterval = args.Duration("reconnectInitialInterval", cfg.Reconnect.InitialInterval)
	cfg.Reconnect.MaxInterval = args.Duration("reconnectMaxInterval", cfg.Reconnect.MaxInterval)
	if m, err := strconv.ParseFloat(args.String("reconnectMultiplier", ""), 64); err == nil && m >= 1 {
		cfg.Reconnect.Multiplier = m
	}
	return cfg, nil
}

// delay returns the backoff before reconnect attempt n (zero based).
func (r ReconnectConfig) delay(attempt int) time.Duration {
	d := r.InitialInterval
	for j := 0; j < attempt; j++ {
		d = time.Duration(float64(d) * r.Multiplier)
		if d > r.MaxInterval {
			return r.MaxInterval
		}
	}
	return d
}
