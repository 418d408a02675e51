package rpc

import (
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/arloliu/go-tes/logger"
)

// ServerConfig represents the configuration of a Server.
type ServerConfig struct {
	// host specifies the listen host. An empty host listens on all interfaces.
	host string
	// port specifies the listen port. Port 0 selects an ephemeral port.
	port int

	// acceptTimeout defines the timeout for each iteration of accepting a connection.
	// It should be shorter than closeTimeout.
	// Defaults to 1 second.
	acceptTimeout time.Duration

	// idleTimeout defines how long a connection may stay silent before the server drops it.
	// Zero disables the timeout.
	// Defaults to 60 seconds.
	idleTimeout time.Duration

	// readTimeout defines how long the rest of a partially received request may take to
	// arrive. An incomplete request is answered with a JSON parse error and the connection is
	// dropped. Zero leaves partial requests to idleTimeout.
	// Defaults to 10 seconds.
	readTimeout time.Duration

	// closeTimeout defines how long Close waits for the accept task to stop.
	// Defaults to 3 seconds.
	closeTimeout time.Duration

	// maxMessageSize defines the maximum size of a request.
	// Defaults to 16 MiB.
	maxMessageSize int64

	// requestLog receives every request/response pair as a JSON line when set.
	requestLog io.Writer

	logger logger.Logger
}

// NewServerConfig creates a server configuration listening on host:port, applying opts over the defaults.
func NewServerConfig(host string, port int, opts ...ServerOption) (*ServerConfig, error) {
	cfg := &ServerConfig{
		host:           host,
		acceptTimeout:  1 * time.Second,
		idleTimeout:    60 * time.Second,
		readTimeout:    10 * time.Second,
		closeTimeout:   3 * time.Second,
		maxMessageSize: 16 << 20,
		logger:         logger.GetLogger(),
	}

	if port < 0 || port > 65535 {
		return cfg, errors.New("port out of range [0, 65535]")
	}
	cfg.port = port

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.acceptTimeout >= cfg.closeTimeout {
		return cfg, errors.New("accept timeout must be shorter than close timeout")
	}

	return cfg, nil
}

// Addr returns the configured "host:port" listen address.
func (cfg *ServerConfig) Addr() string {
	return net.JoinHostPort(cfg.host, strconv.Itoa(cfg.port))
}

// ServerOption represents a functional option for configuring a ServerConfig.
type ServerOption interface {
	apply(*ServerConfig) error
}

type serverOptFunc struct {
	name      string
	applyFunc func(*ServerConfig) error
}

func (o *serverOptFunc) apply(cfg *ServerConfig) error {
	if cfg == nil {
		return ErrServerConfigNil
	}

	return o.applyFunc(cfg)
}

func newServerOptFunc(name string, f func(*ServerConfig) error) *serverOptFunc {
	return &serverOptFunc{name: name, applyFunc: f}
}

// WithAcceptTimeout sets the timeout of each accept iteration.
// An error is returned if the timeout is outside the valid range (10ms-5s).
//
// The default value is 1 second.
func WithAcceptTimeout(val time.Duration) ServerOption {
	return newServerOptFunc("WithAcceptTimeout", func(cfg *ServerConfig) error {
		if val < 10*time.Millisecond || val > 5*time.Second {
			return errors.New("accept timeout out of range [10ms, 5s]")
		}
		cfg.acceptTimeout = val

		return nil
	})
}

// WithIdleTimeout sets how long a connection may stay silent. Zero disables the timeout.
// An error is returned if the timeout is outside the valid range (0-1h).
//
// The default value is 60 seconds.
func WithIdleTimeout(val time.Duration) ServerOption {
	return newServerOptFunc("WithIdleTimeout", func(cfg *ServerConfig) error {
		if val < 0 || val > time.Hour {
			return errors.New("idle timeout out of range [0, 1h]")
		}
		cfg.idleTimeout = val

		return nil
	})
}

// WithReadTimeout sets how long the rest of a partially received request may take to arrive.
// Zero leaves partial requests to the idle timeout.
// An error is returned if the timeout is outside the valid range (0-10m).
//
// The default value is 10 seconds.
func WithReadTimeout(val time.Duration) ServerOption {
	return newServerOptFunc("WithReadTimeout", func(cfg *ServerConfig) error {
		if val < 0 || val > 10*time.Minute {
			return errors.New("read timeout out of range [0, 10m]")
		}
		cfg.readTimeout = val

		return nil
	})
}

// WithCloseTimeout sets how long Close waits for the server tasks to stop.
// An error is returned if the timeout is outside the valid range (100ms-30s).
//
// The default value is 3 seconds.
func WithCloseTimeout(val time.Duration) ServerOption {
	return newServerOptFunc("WithCloseTimeout", func(cfg *ServerConfig) error {
		if val < 100*time.Millisecond || val > 30*time.Second {
			return errors.New("close timeout out of range [100ms, 30s]")
		}
		cfg.closeTimeout = val

		return nil
	})
}

// WithMaxMessageSize sets the maximum size of a request in bytes.
// An error is returned if the size is outside the valid range (1KiB-64MiB).
//
// The default value is 16 MiB.
func WithMaxMessageSize(size int64) ServerOption {
	return newServerOptFunc("WithMaxMessageSize", func(cfg *ServerConfig) error {
		if size < 1<<10 || size > 64<<20 {
			return errors.New("max message size out of range [1KiB, 64MiB]")
		}
		cfg.maxMessageSize = size

		return nil
	})
}

// WithRequestLog writes every request/response pair to w as JSON lines.
func WithRequestLog(w io.Writer) ServerOption {
	return newServerOptFunc("WithRequestLog", func(cfg *ServerConfig) error {
		if w == nil {
			return errors.New("request log writer is nil")
		}
		cfg.requestLog = w

		return nil
	})
}

// WithServerLogger sets the logger of the server.
func WithServerLogger(l logger.Logger) ServerOption {
	return newServerOptFunc("WithServerLogger", func(cfg *ServerConfig) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
