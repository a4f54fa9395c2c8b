package session

import (
	"time"

	"github.com/danmuck/evhandl/internal/protocol"
	"github.com/danmuck/evhandl/internal/protocol/frame"
)

// Config defines transport defaults for one BSC session.
type Config struct {
	ConnectTimeout time.Duration
	// HandshakeTimeout bounds the connect and subscribe exchanges only.
	// Zero disables it. The receive loop never has a deadline.
	HandshakeTimeout time.Duration
	MaxMessageBytes  int
	NoDelay          bool
	FlushInterval    time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxMessageBytes:  protocol.MaxMessageBytes,
		NoDelay:          true,
		FlushInterval:    time.Second,
	}
}

// WithDefaults fills unset fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout < 0 {
		c.HandshakeTimeout = 0
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	return c
}

func (c Config) limits() frame.Limits {
	return frame.Limits{MaxPayloadBytes: c.MaxMessageBytes}
}
