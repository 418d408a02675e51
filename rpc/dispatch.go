package rpc

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-tes/logger"
)

// HandlerFunc implements one remote method.
//
// The returned value is encoded as the "response" field of a successful response. A returned
// error, or a panic, is reported to the caller as a failed response.
type HandlerFunc func(ctx context.Context, params Params, kwargs Kwargs) (any, error)

// Dispatcher routes requests to registered handlers.
//
// The method table is declared explicitly at start-up. Register is safe for concurrent use, but
// servers are expected to register every method before Start.
type Dispatcher struct {
	handlers *xsync.MapOf[string, HandlerFunc]
	logger   logger.Logger
}

// NewDispatcher creates an empty dispatcher. A nil logger selects the package default logger.
func NewDispatcher(l logger.Logger) *Dispatcher {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Dispatcher{
		handlers: xsync.NewMapOf[string, HandlerFunc](),
		logger:   l,
	}
}

// Register adds handler h under name.
// It fails with ErrEmptyMethod, ErrNilHandler or ErrDuplicateMethod.
func (d *Dispatcher) Register(name string, h HandlerFunc) error {
	if name == "" {
		return ErrEmptyMethod
	}

	if h == nil {
		return fmt.Errorf("register %s: %w", name, ErrNilHandler)
	}

	if _, loaded := d.handlers.LoadOrStore(name, h); loaded {
		return fmt.Errorf("register %s: %w", name, ErrDuplicateMethod)
	}

	return nil
}

// MustRegister is like Register but panics on error.
func (d *Dispatcher) MustRegister(name string, h HandlerFunc) {
	if err := d.Register(name, h); err != nil {
		panic(err)
	}
}

// RegisterAttribute registers name as an attribute accessor.
//
// Called without arguments the method returns get(). Called with one argument it decodes the
// argument as T, passes it to set and returns the previous value. A nil set makes the attribute
// read-only.
func RegisterAttribute[T any](d *Dispatcher, name string, get func() T, set func(T)) error {
	if get == nil {
		return fmt.Errorf("register %s: %w", name, ErrNilHandler)
	}

	return d.Register(name, func(_ context.Context, params Params, _ Kwargs) (any, error) {
		switch params.Len() {
		case 0:
			return get(), nil
		case 1:
			if set == nil {
				return nil, fmt.Errorf("attribute %s is read-only", name)
			}

			val, err := Arg[T](params, 0)
			if err != nil {
				return nil, err
			}

			old := get()
			set(val)

			return old, nil
		default:
			return nil, fmt.Errorf("attribute %s takes at most 1 argument, got %d", name, params.Len())
		}
	})
}

// Methods returns the sorted names of all registered methods.
func (d *Dispatcher) Methods() []string {
	names := make([]string, 0, d.handlers.Size())
	d.handlers.Range(func(name string, _ HandlerFunc) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)

	return names
}

// Dispatch calls the handler of req.Method. Handler panics are returned as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (any, error) {
	h, ok := d.handlers.Load(req.Method)
	if !ok {
		return nil, d.unknownMethod(req.Method)
	}

	return d.call(ctx, req.Method, h, Params(req.Params), Kwargs(req.Kwargs))
}

// Handle processes the raw bytes of one request and returns the response to send back.
// It never fails: every problem is turned into a response with Success set to false.
func (d *Dispatcher) Handle(ctx context.Context, data []byte) *Response {
	env, err := decodeEnvelope(data)
	if err != nil {
		return d.failure(err)
	}

	h, ok := d.handlers.Load(*env.Method)
	if !ok {
		return d.failure(d.unknownMethod(*env.Method))
	}

	req, err := env.request()
	if err != nil {
		return d.failure(err)
	}

	result, err := d.call(ctx, req.Method, h, Params(req.Params), Kwargs(req.Kwargs))
	if err != nil {
		return d.failure(err)
	}

	resp, err := NewResultResponse(result)
	if err != nil {
		return d.failure(protocolErrorf("Calling Exception: method=%s: encode result: %v", req.Method, err))
	}

	return resp
}

func (d *Dispatcher) call(ctx context.Context, method string, h HandlerFunc, params Params, kwargs Kwargs) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in rpc handler", "method", "call", "remote_method", method, "panic", r)
			err = protocolErrorf("Calling Exception: method=%s: %v", method, r)
		}
	}()

	result, err = h(ctx, params, kwargs)
	if err != nil {
		return nil, protocolErrorf("Calling Exception: method=%s: %v", method, err)
	}

	return result, nil
}

func (d *Dispatcher) unknownMethod(method string) error {
	return protocolErrorf("Method '%s' does not exist, valid methods are [%s]",
		method, strings.Join(d.Methods(), ", "))
}

func (d *Dispatcher) failure(err error) *Response {
	d.logger.Debug("rpc request failed", "method", "Handle", "error", err)
	return NewErrorResponse(err.Error())
}
