package rpc

import (
	"encoding/json"
	"fmt"
)

// Params holds the positional arguments of a request.
type Params []json.RawMessage

// Len returns the number of positional arguments.
func (p Params) Len() int { return len(p) }

// Decode decodes the i-th argument into v.
func (p Params) Decode(i int, v any) error {
	if i < 0 || i >= len(p) {
		return fmt.Errorf("missing positional argument %d, got %d argument(s)", i, len(p))
	}

	if err := json.Unmarshal(p[i], v); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}

	return nil
}

// Optional decodes the i-th argument into v when it is present and not null.
// It reports whether v was set.
func (p Params) Optional(i int, v any) (bool, error) {
	if i < 0 || i >= len(p) || isNullOrEmpty(p[i]) {
		return false, nil
	}

	if err := p.Decode(i, v); err != nil {
		return false, err
	}

	return true, nil
}

// String returns the i-th argument as a string.
func (p Params) String(i int) (string, error) { return Arg[string](p, i) }

// Int returns the i-th argument as an int.
func (p Params) Int(i int) (int, error) { return Arg[int](p, i) }

// Float returns the i-th argument as a float64.
func (p Params) Float(i int) (float64, error) { return Arg[float64](p, i) }

// Bool returns the i-th argument as a bool.
func (p Params) Bool(i int) (bool, error) { return Arg[bool](p, i) }

// Kwargs holds the keyword arguments of a request.
type Kwargs map[string]json.RawMessage

// Has reports whether the keyword argument key is present.
func (k Kwargs) Has(key string) bool {
	_, ok := k[key]
	return ok
}

// Decode decodes the keyword argument key into v when it is present and not null.
// It reports whether v was set.
func (k Kwargs) Decode(key string, v any) (bool, error) {
	raw, ok := k[key]
	if !ok || isNullOrEmpty(raw) {
		return false, nil
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("keyword argument %q: %w", key, err)
	}

	return true, nil
}

// Arg decodes the i-th positional argument as T.
func Arg[T any](p Params, i int) (T, error) {
	var v T
	err := p.Decode(i, &v)

	return v, err
}

// OptionalArg decodes the i-th positional argument as T, returning def when it is absent or null.
func OptionalArg[T any](p Params, i int, def T) (T, error) {
	var v T
	ok, err := p.Optional(i, &v)
	if err != nil || !ok {
		return def, err
	}

	return v, nil
}

// KwArg decodes the keyword argument key as T, returning def when it is absent or null.
func KwArg[T any](k Kwargs, key string, def T) (T, error) {
	var v T
	ok, err := k.Decode(key, &v)
	if err != nil || !ok {
		return def, err
	}

	return v, nil
}

// Lookup resolves an argument that may be passed either positionally at index i or as the
// keyword argument key. The keyword form wins when both are given.
func Lookup[T any](p Params, i int, k Kwargs, key string, def T) (T, error) {
	if k.Has(key) {
		return KwArg(k, key, def)
	}

	return OptionalArg(p, i, def)
}
