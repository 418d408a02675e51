package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Caller is the transport used by everything that talks to a TES server.
type Caller interface {
	// Call invokes method with positional arguments and returns the raw result.
	Call(ctx context.Context, method string, params ...any) (json.RawMessage, error)
	// CallKwargs invokes method with keyword and positional arguments and returns the raw result.
	CallKwargs(ctx context.Context, method string, kwargs map[string]any, params ...any) (json.RawMessage, error)
	// Addr returns the remote address.
	Addr() string
}

// Client is a Caller that opens one TCP connection per call.
//
// Client is safe for concurrent use; calls share no socket state.
type Client struct {
	cfg     *ClientConfig
	addr    string
	dialer  net.Dialer
	metrics ClientMetrics
}

var _ Caller = (*Client)(nil)

// NewClient creates a client with the given configuration.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		return nil, ErrClientConfigNil
	}

	return &Client{
		cfg:    cfg,
		addr:   cfg.Addr(),
		dialer: net.Dialer{Timeout: cfg.dialTimeout},
	}, nil
}

// Addr returns the "host:port" address of the remote server.
func (c *Client) Addr() string { return c.addr }

// Metrics returns the call counters of the client.
func (c *Client) Metrics() *ClientMetrics { return &c.metrics }

// Call invokes method with positional arguments.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return c.CallKwargs(ctx, method, nil, params...)
}

// CallKwargs invokes method with keyword and positional arguments.
//
// It returns a *TransportError when the server cannot be reached or its answer cannot be read,
// and a *RemoteError when the server answers with success set to false.
func (c *Client) CallKwargs(ctx context.Context, method string, kwargs map[string]any, params ...any) (json.RawMessage, error) {
	req, err := NewRequest(method, kwargs, params...)
	if err != nil {
		return nil, err
	}

	data, err := req.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode request %s: %w", method, err)
	}

	c.metrics.incCallCount()
	start := time.Now()

	resp, err := c.roundTrip(ctx, data)
	if err != nil {
		c.metrics.incTransportErrCount()
		c.cfg.logger.Debug("rpc call failed", "method", "CallKwargs", "remote_method", method, "address", c.addr, "error", err)

		return nil, err
	}

	if !resp.Success {
		c.metrics.incRemoteErrCount()
		remoteErr := &RemoteError{Method: method, Message: resp.ErrorMessage()}
		c.cfg.logger.Debug("rpc call rejected", "method", "CallKwargs", "remote_method", method, "error", remoteErr.Message)

		return nil, remoteErr
	}

	c.cfg.logger.Debug("rpc call done", "method", "CallKwargs", "remote_method", method, "elapsed", time.Since(start))

	return resp.Response, nil
}

func (c *Client) roundTrip(ctx context.Context, data []byte) (*Response, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Addr: c.addr, Err: err}
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.cfg.callTimeout)); err != nil {
		return nil, &TransportError{Op: "write", Addr: c.addr, Err: err}
	}

	// ctx deadlines are enforced here so that ctx.Err() is set by the time I/O fails
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(data); err != nil {
		return nil, &TransportError{Op: "write", Addr: c.addr, Err: c.ctxErr(ctx, err)}
	}

	raw, err := newMessageReader(conn, c.cfg.maxResponseSize).ReadMessage()
	if err != nil {
		op := "read"
		if isSyntaxError(err) {
			op = "decode"
		}

		return nil, &TransportError{Op: op, Addr: c.addr, Err: c.ctxErr(ctx, err)}
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &TransportError{Op: "decode", Addr: c.addr, Err: err}
	}

	return &resp, nil
}

// ctxErr prefers the context error over the deadline error it caused.
func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}

	return err
}

// Decode decodes a raw result as T. A null result yields the zero value.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if isNullOrEmpty(raw) {
		return v, nil
	}

	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode result: %w", err)
	}

	return v, nil
}

// CallAs invokes method on c and decodes the result as T.
func CallAs[T any](ctx context.Context, c Caller, method string, params ...any) (T, error) {
	raw, err := c.Call(ctx, method, params...)
	if err != nil {
		var zero T
		return zero, err
	}

	return Decode[T](raw)
}
