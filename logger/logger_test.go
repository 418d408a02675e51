package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Level
		wantErr bool
	}{
		{name: "debug", input: "debug", want: DebugLevel},
		{name: "upper case", input: "WARN", want: WarnLevel},
		{name: "warning alias", input: "warning", want: WarnLevel},
		{name: "empty is info", input: "", want: InfoLevel},
		{name: "error", input: " error ", want: ErrorLevel},
		{name: "unknown", input: "verbose", want: InfoLevel, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			lv, err := ParseLevel(tt.input)
			if tt.wantErr {
				require.Error(err)
			} else {
				require.NoError(err)
			}
			require.Equal(tt.want, lv)
		})
	}
}

func TestSlogWithWriter(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	l := NewSlogWithWriter(&buf, InfoLevel, false)

	l.Debug("hidden")
	require.Zero(buf.Len())

	l.With("component", "rpc").Info("request", "method", "scan_start")

	var rec map[string]any
	require.NoError(json.Unmarshal(buf.Bytes(), &rec))
	require.Equal("request", rec["msg"])
	require.Equal("rpc", rec["component"])
	require.Equal("scan_start", rec["method"])
	require.Contains(rec, "ts")

	l.SetLevel(DebugLevel)
	require.Equal(DebugLevel, l.Level())
}
