package rpc

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/arloliu/go-tes/logger"
)

// ClientConfig represents the configuration of a Client.
type ClientConfig struct {
	// host specifies the host of the remote RPC server.
	host string
	// port specifies the TCP port of the remote RPC server.
	port int

	// dialTimeout defines the timeout for establishing the connection of one call.
	// Defaults to 3 seconds.
	dialTimeout time.Duration

	// callTimeout defines the deadline for writing the request and reading the response of one call.
	// Defaults to 30 seconds.
	callTimeout time.Duration

	// maxResponseSize defines the maximum size of an accepted response.
	// Defaults to 16 MiB.
	maxResponseSize int64

	logger logger.Logger
}

// NewClientConfig creates a client configuration for the server at host:port, applying opts
// over the defaults.
func NewClientConfig(host string, port int, opts ...ClientOption) (*ClientConfig, error) {
	cfg := &ClientConfig{
		dialTimeout:     3 * time.Second,
		callTimeout:     30 * time.Second,
		maxResponseSize: 16 << 20,
		logger:          logger.GetLogger(),
	}

	if host == "" {
		return cfg, errors.New("host is empty")
	}
	cfg.host = host

	if port <= 0 || port > 65535 {
		return cfg, errors.New("port out of range [1, 65535]")
	}
	cfg.port = port

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// Addr returns the "host:port" address of the remote server.
func (cfg *ClientConfig) Addr() string {
	return net.JoinHostPort(cfg.host, strconv.Itoa(cfg.port))
}

// DialTimeout returns the dial timeout.
func (cfg *ClientConfig) DialTimeout() time.Duration { return cfg.dialTimeout }

// CallTimeout returns the per-call deadline.
func (cfg *ClientConfig) CallTimeout() time.Duration { return cfg.callTimeout }

// MaxResponseSize returns the maximum response size in bytes.
func (cfg *ClientConfig) MaxResponseSize() int64 { return cfg.maxResponseSize }

// ClientOption represents a functional option for configuring a ClientConfig.
type ClientOption interface {
	apply(*ClientConfig) error
}

type clientOptFunc struct {
	name      string
	applyFunc func(*ClientConfig) error
}

func (o *clientOptFunc) apply(cfg *ClientConfig) error {
	if cfg == nil {
		return ErrClientConfigNil
	}

	return o.applyFunc(cfg)
}

func newClientOptFunc(name string, f func(*ClientConfig) error) *clientOptFunc {
	return &clientOptFunc{name: name, applyFunc: f}
}

// WithDialTimeout sets the timeout for establishing the connection of each call.
// An error is returned if the timeout is outside the valid range (1ms-60s).
//
// The default value is 3 seconds.
func WithDialTimeout(val time.Duration) ClientOption {
	return newClientOptFunc("WithDialTimeout", func(cfg *ClientConfig) error {
		if val < time.Millisecond || val > 60*time.Second {
			return errors.New("dial timeout out of range [1ms, 60s]")
		}
		cfg.dialTimeout = val

		return nil
	})
}

// WithCallTimeout sets the deadline covering the request write and the response read of each call.
// An error is returned if the timeout is outside the valid range (1ms-10m).
//
// The default value is 30 seconds.
func WithCallTimeout(val time.Duration) ClientOption {
	return newClientOptFunc("WithCallTimeout", func(cfg *ClientConfig) error {
		if val < time.Millisecond || val > 10*time.Minute {
			return errors.New("call timeout out of range [1ms, 10m]")
		}
		cfg.callTimeout = val

		return nil
	})
}

// WithMaxResponseSize sets the maximum size of a response in bytes.
// An error is returned if the size is outside the valid range (1KiB-64MiB).
//
// The default value is 16 MiB.
func WithMaxResponseSize(size int64) ClientOption {
	return newClientOptFunc("WithMaxResponseSize", func(cfg *ClientConfig) error {
		if size < 1<<10 || size > 64<<20 {
			return errors.New("max response size out of range [1KiB, 64MiB]")
		}
		cfg.maxResponseSize = size

		return nil
	})
}

// WithClientLogger sets the logger of the client.
func WithClientLogger(l logger.Logger) ClientOption {
	return newClientOptFunc("WithClientLogger", func(cfg *ClientConfig) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
