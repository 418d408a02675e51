package rpc

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-tes/logger"
)

func TestNewClientConfig(t *testing.T) {
	require := require.New(t)

	cfg, err := NewClientConfig("127.0.0.1", 4000)
	require.NoError(err)
	require.Equal("127.0.0.1:4000", cfg.Addr())
	require.Equal(3*time.Second, cfg.DialTimeout())
	require.Equal(30*time.Second, cfg.CallTimeout())
	require.Equal(int64(16<<20), cfg.MaxResponseSize())

	cfg, err = NewClientConfig("::1", 4000, WithDialTimeout(time.Second), WithCallTimeout(time.Minute), WithMaxResponseSize(1<<20))
	require.NoError(err)
	require.Equal("[::1]:4000", cfg.Addr())
	require.Equal(time.Second, cfg.DialTimeout())
	require.Equal(time.Minute, cfg.CallTimeout())
	require.Equal(int64(1<<20), cfg.MaxResponseSize())

	_, err = NewClient(nil)
	require.ErrorIs(err, ErrClientConfigNil)
}

func TestNewClientConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		port    int
		opts    []ClientOption
		wantErr string
	}{
		{name: "empty host", host: "", port: 4000, wantErr: "host is empty"},
		{name: "port zero", host: "localhost", port: 0, wantErr: "port out of range [1, 65535]"},
		{name: "port too large", host: "localhost", port: 70000, wantErr: "port out of range [1, 65535]"},
		{name: "dial timeout", host: "localhost", port: 1, opts: []ClientOption{WithDialTimeout(0)}, wantErr: "dial timeout out of range [1ms, 60s]"},
		{name: "call timeout", host: "localhost", port: 1, opts: []ClientOption{WithCallTimeout(time.Hour)}, wantErr: "call timeout out of range [1ms, 10m]"},
		{name: "max response", host: "localhost", port: 1, opts: []ClientOption{WithMaxResponseSize(10)}, wantErr: "max response size out of range [1KiB, 64MiB]"},
		{name: "nil logger", host: "localhost", port: 1, opts: []ClientOption{WithClientLogger(nil)}, wantErr: "logger is nil"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClientConfig(tt.host, tt.port, tt.opts...)
			require.EqualError(t, err, tt.wantErr)
		})
	}

	require.ErrorIs(t, WithDialTimeout(time.Second).apply(nil), ErrClientConfigNil)
}

func TestNewServerConfig(t *testing.T) {
	require := require.New(t)

	cfg, err := NewServerConfig("", 4000)
	require.NoError(err)
	require.Equal(":4000", cfg.Addr())
	require.Equal(time.Second, cfg.acceptTimeout)
	require.Equal(60*time.Second, cfg.idleTimeout)
	require.Equal(10*time.Second, cfg.readTimeout)
	require.Equal(int64(16<<20), cfg.maxMessageSize)
	require.Nil(cfg.requestLog)

	var buf bytes.Buffer
	l := logger.NewSlogWithWriter(&buf, logger.InfoLevel, false)
	cfg, err = NewServerConfig("127.0.0.1", 0,
		WithAcceptTimeout(100*time.Millisecond),
		WithIdleTimeout(0),
		WithReadTimeout(0),
		WithCloseTimeout(time.Second),
		WithMaxMessageSize(1<<20),
		WithRequestLog(&buf),
		WithServerLogger(l),
	)
	require.NoError(err)
	require.Equal(time.Duration(0), cfg.idleTimeout)
	require.Equal(time.Duration(0), cfg.readTimeout)
	require.Equal(int64(1<<20), cfg.maxMessageSize)
	require.Same(&buf, cfg.requestLog)
	require.Equal(l, cfg.logger)
}

func TestNewServerConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		port    int
		opts    []ServerOption
		wantErr string
	}{
		{name: "negative port", port: -1, wantErr: "port out of range [0, 65535]"},
		{name: "accept timeout", opts: []ServerOption{WithAcceptTimeout(time.Millisecond)}, wantErr: "accept timeout out of range [10ms, 5s]"},
		{name: "idle timeout", opts: []ServerOption{WithIdleTimeout(-time.Second)}, wantErr: "idle timeout out of range [0, 1h]"},
		{name: "read timeout", opts: []ServerOption{WithReadTimeout(time.Hour)}, wantErr: "read timeout out of range [0, 10m]"},
		{name: "close timeout", opts: []ServerOption{WithCloseTimeout(time.Minute)}, wantErr: "close timeout out of range [100ms, 30s]"},
		{name: "max message", opts: []ServerOption{WithMaxMessageSize(1 << 30)}, wantErr: "max message size out of range [1KiB, 64MiB]"},
		{name: "nil request log", opts: []ServerOption{WithRequestLog(nil)}, wantErr: "request log writer is nil"},
		{name: "nil logger", opts: []ServerOption{WithServerLogger(nil)}, wantErr: "logger is nil"},
		{
			name:    "accept not shorter than close",
			opts:    []ServerOption{WithAcceptTimeout(2 * time.Second), WithCloseTimeout(time.Second)},
			wantErr: "accept timeout must be shorter than close timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewServerConfig("127.0.0.1", tt.port, tt.opts...)
			require.EqualError(t, err, tt.wantErr)
		})
	}
}
