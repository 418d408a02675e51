package device

import (
	"context"
	"reflect"
	"time"
)

// Kind classifies how a signal takes part in reads.
type Kind uint8

const (
	// Normal signals are read on every point.
	Normal Kind = iota
	// Config signals are read once per run.
	Config
	// Omitted signals are not read.
	Omitted
)

func (k Kind) String() string {
	switch k {
	case Normal:
		return "normal"
	case Config:
		return "config"
	case Omitted:
		return "omitted"
	default:
		return "unknown"
	}
}

// Descriptor describes the data of one signal.
type Descriptor struct {
	Source   string         `json:"source"`
	DType    string         `json:"dtype"`
	Shape    []int          `json:"shape"`
	External string         `json:"external,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Reading is one value of a signal with its UNIX epoch timestamp in seconds.
type Reading struct {
	Value     any     `json:"value"`
	Timestamp float64 `json:"timestamp"`
}

// Signal is a named readable value.
type Signal interface {
	Name() string
	Kind() Kind
	Read(ctx context.Context) (map[string]Reading, error)
	Describe(ctx context.Context) (map[string]Descriptor, error)
}

// EpochSeconds returns t as UNIX epoch seconds.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Now returns the current time as UNIX epoch seconds.
func Now() float64 {
	return EpochSeconds(time.Now())
}

// DataType returns the descriptor dtype of v.
func DataType(v any) string {
	if v == nil {
		return "null"
	}

	switch reflect.TypeOf(v).Kind() {
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.String:
		return "string"
	case reflect.Slice, reflect.Array:
		return "array"
	default:
		return "object"
	}
}

// DataShape returns the descriptor shape of v: the lengths of nested slices, empty for scalars.
func DataShape(v any) []int {
	shape := []int{}
	rv := reflect.ValueOf(v)
	for rv.IsValid() && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) {
		shape = append(shape, rv.Len())
		if rv.Len() == 0 {
			break
		}

		rv = rv.Index(0)
		for rv.Kind() == reflect.Interface && !rv.IsNil() {
			rv = rv.Elem()
		}
	}

	return shape
}
