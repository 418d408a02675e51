package device

import (
	"context"
	"fmt"

	"github.com/arloliu/go-tes/rpc"
)

// RPCSignal is a signal whose value lives on the remote instrument.
//
// Get calls the get method with the configured arguments. Put calls the set method with the new
// value and returns the value read just before the write.
type RPCSignal[T any] struct {
	name      string
	kind      Kind
	caller    rpc.Caller
	getMethod string
	setMethod string
	getArgs   []any
	readOnly  bool
}

var _ Signal = (*RPCSignal[int])(nil)

// SignalOption configures an RPCSignal.
type SignalOption func(*signalOptions)

type signalOptions struct {
	kind     Kind
	readOnly bool
	getArgs  []any
}

// WithKind sets the kind of the signal. The default is Config.
func WithKind(k Kind) SignalOption {
	return func(o *signalOptions) { o.kind = k }
}

// ReadOnly rejects every write with ErrReadOnly.
func ReadOnly() SignalOption {
	return func(o *signalOptions) { o.readOnly = true }
}

// WithGetArgs sets the positional arguments of the get call.
func WithGetArgs(args ...any) SignalOption {
	return func(o *signalOptions) { o.getArgs = args }
}

// NewRPCSignal creates a signal backed by the attribute accessor method: the method is called
// without arguments to read and with the new value to write.
func NewRPCSignal[T any](name string, caller rpc.Caller, method string, opts ...SignalOption) (*RPCSignal[T], error) {
	return newRPCSignal[T](name, caller, method, method, opts)
}

// NewRPCSignalPair creates a signal backed by the method pair "<method>_get" and "<method>_set".
func NewRPCSignalPair[T any](name string, caller rpc.Caller, method string, opts ...SignalOption) (*RPCSignal[T], error) {
	return newRPCSignal[T](name, caller, method+"_get", method+"_set", opts)
}

func newRPCSignal[T any](name string, caller rpc.Caller, getMethod, setMethod string, opts []SignalOption) (*RPCSignal[T], error) {
	if caller == nil {
		return nil, ErrCallerNil
	}

	o := signalOptions{kind: Config}
	for _, opt := range opts {
		opt(&o)
	}

	return &RPCSignal[T]{
		name:      name,
		kind:      o.kind,
		caller:    caller,
		getMethod: getMethod,
		setMethod: setMethod,
		getArgs:   o.getArgs,
		readOnly:  o.readOnly,
	}, nil
}

func (s *RPCSignal[T]) Name() string { return s.name }

func (s *RPCSignal[T]) Kind() Kind { return s.kind }

// ReadOnly reports whether writes are rejected.
func (s *RPCSignal[T]) ReadOnly() bool { return s.readOnly }

// Source returns the descriptor source, "RPC:<addr>/<get method>".
func (s *RPCSignal[T]) Source() string {
	return fmt.Sprintf("RPC:%s/%s", s.caller.Addr(), s.getMethod)
}

// Get reads the remote value.
func (s *RPCSignal[T]) Get(ctx context.Context) (T, error) {
	v, err := rpc.CallAs[T](ctx, s.caller, s.getMethod, s.getArgs...)
	if err != nil {
		return v, fmt.Errorf("get %s: %w", s.name, err)
	}

	return v, nil
}

// Put writes value and returns the previous value.
func (s *RPCSignal[T]) Put(ctx context.Context, value T) (T, error) {
	var zero T
	if s.readOnly {
		return zero, fmt.Errorf("put %s: %w", s.name, ErrReadOnly)
	}

	old, err := s.Get(ctx)
	if err != nil {
		return zero, err
	}

	if _, err := s.caller.Call(ctx, s.setMethod, value); err != nil {
		return zero, fmt.Errorf("put %s: %w", s.name, err)
	}

	return old, nil
}

func (s *RPCSignal[T]) Read(ctx context.Context) (map[string]Reading, error) {
	v, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}

	return map[string]Reading{s.name: {Value: v, Timestamp: Now()}}, nil
}

func (s *RPCSignal[T]) Describe(ctx context.Context) (map[string]Descriptor, error) {
	v, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}

	desc := Descriptor{
		Source: s.Source(),
		DType:  DataType(v),
		Shape:  DataShape(v),
	}
	if len(s.getArgs) > 0 {
		desc.Extra = map[string]any{"args": s.getArgs}
	}

	return map[string]Descriptor{s.name: desc}, nil
}
