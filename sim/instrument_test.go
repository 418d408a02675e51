package sim

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-tes/logger"
	"github.com/arloliu/go-tes/rpc"
)

func TestMain(m *testing.M) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)

	os.Exit(m.Run())
}

func newTestInstrument(t *testing.T, opts ...Option) (*Instrument, *rpc.Dispatcher) {
	t.Helper()

	inst := NewInstrument("/data/tes", opts...)
	d := rpc.NewDispatcher(nil)
	require.NoError(t, inst.Register(d))

	return inst, d
}

func call(t *testing.T, d *rpc.Dispatcher, input string) (json.RawMessage, bool) {
	t.Helper()

	resp := d.Handle(context.Background(), []byte(input))

	return resp.Response, resp.Success
}

func mustCall(t *testing.T, d *rpc.Dispatcher, input string) json.RawMessage {
	t.Helper()

	raw, ok := call(t, d, input)
	require.True(t, ok, "call %s failed: %s", input, raw)

	return raw
}

func TestInstrument_Register(t *testing.T) {
	require := require.New(t)

	_, d := newTestInstrument(t)
	require.Equal([]string{
		"base_user_output_dir", "calibration_start", "calibration_state", "file_end", "file_start",
		"filename", "get_pfy_output_file", "roi_get", "roi_get_counts", "roi_save_counts", "roi_set",
		"scan_end", "scan_num", "scan_point_end", "scan_point_start", "scan_start", "state",
	}, d.Methods())

	inst := NewInstrument("/data/tes")
	require.Error(inst.Register(d))
}

func TestInstrument_Run(t *testing.T) {
	require := require.New(t)

	inst, d := newTestInstrument(t, WithScanNum(7))

	require.JSONEq(`"no_file"`, string(mustCall(t, d, `{"method":"state"}`)))

	mustCall(t, d, `{"method":"file_start","params":["/data/tes/run1"],"kwargs":{"write_ljh":false,"write_off":true}}`)
	require.Equal(FileOpenState, inst.State())
	require.Equal("/data/tes/run1", inst.Filename())

	_, ok := call(t, d, `{"method":"file_start","params":[null]}`)
	require.False(ok)

	mustCall(t, d, `{"method":"scan_start","params":["mono","eV",7,"s1","sample",{"uid":"abc"},"none"]}`)
	require.Equal(ScanState, inst.State())

	raw := mustCall(t, d, `{"method":"scan_point_start","params":[0,100.5]}`)
	require.JSONEq(`100.5`, string(raw))
	mustCall(t, d, `{"method":"scan_point_end","params":[102.5]}`)

	mustCall(t, d, `{"method":"roi_set","params":[{"tfy":[0,1200],"off":[null,null]}]}`)
	raw = mustCall(t, d, `{"method":"roi_get_counts"}`)
	require.JSONEq(`{"tfy":2400}`, string(raw))
	mustCall(t, d, `{"method":"roi_save_counts"}`)
	require.Equal(1, inst.SavedCounts())

	raw = mustCall(t, d, `{"method":"get_pfy_output_file"}`)
	require.JSONEq(`"/data/tes/scan0007/pfy.npy"`, string(raw))

	mustCall(t, d, `{"method":"scan_end","kwargs":{"try_post_processing":false}}`)
	require.Equal(FileOpenState, inst.State())
	require.Equal(8, inst.ScanNum())

	run, ok := inst.Run()
	require.True(ok)
	require.Equal("mono", run.VarName)
	require.Equal("s1", run.SampleID)
	require.Equal(map[string]any{"uid": "abc"}, run.Extra)
	require.Equal(1, run.Points)
	require.False(run.Calibration)

	mustCall(t, d, `{"method":"file_end"}`)
	require.Equal(NoFileState, inst.State())
	require.Empty(inst.Filename())

	require.Equal([]string{
		"file_start", "file_start", "scan_start", "scan_point_start", "scan_point_end",
		"roi_set", "roi_get_counts", "roi_save_counts", "get_pfy_output_file", "scan_end", "file_end",
	}, inst.Methods())
	require.Len(inst.CallsTo("file_start"), 2)

	inst.ResetHistory()
	require.Empty(inst.History())
}

func TestInstrument_Calibration(t *testing.T) {
	require := require.New(t)

	inst, d := newTestInstrument(t)
	mustCall(t, d, `{"method":"file_start","params":[null]}`)
	require.Contains(inst.Filename(), "/data/tes/")

	mustCall(t, d, `{"method":"calibration_start","params":["mono","eV",0,1,"sample",{},"none","ssrl_10_1_mix"]}`)
	require.Equal("calibrating", inst.CalibrationState())

	run, ok := inst.Run()
	require.True(ok)
	require.True(run.Calibration)
	require.Equal("ssrl_10_1_mix", run.Routine)

	mustCall(t, d, `{"method":"scan_end","params":[false]}`)
	require.Equal("calibrated", inst.CalibrationState())
}

func TestInstrument_InvalidState(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"scan start without file", `{"method":"scan_start","params":["mono","eV",0,1,"sample",{},"none"]}`},
		{"point start without run", `{"method":"scan_point_start","params":[0,1.0]}`},
		{"point end without run", `{"method":"scan_point_end","params":[1.0]}`},
		{"scan end without run", `{"method":"scan_end","params":[false]}`},
		{"file end without file", `{"method":"file_end"}`},
		{"missing argument", `{"method":"scan_point_start","params":[0]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, d := newTestInstrument(t)
			raw, ok := call(t, d, tt.input)
			require.False(t, ok)
			require.Contains(t, string(raw), "Calling Exception")
		})
	}
}

func TestInstrument_ROI(t *testing.T) {
	require := require.New(t)

	_, d := newTestInstrument(t)
	mustCall(t, d, `{"method":"roi_set","params":[{"tfy":[0,1200]}]}`)
	require.JSONEq(`[0,1200]`, string(mustCall(t, d, `{"method":"roi_get","params":["tfy"]}`)))

	mustCall(t, d, `{"method":"roi_set","params":[{"tfy":[null,null]}]}`)
	require.JSONEq(`[null,null]`, string(mustCall(t, d, `{"method":"roi_get","params":["tfy"]}`)))

	raw, ok := call(t, d, `{"method":"roi_get","params":["missing"]}`)
	require.False(ok)
	require.Contains(string(raw), "roi does not exist: missing")

	raw, ok = call(t, d, `{"method":"roi_set","params":[{"bad":[10,1]}]}`)
	require.False(ok)
	require.Contains(string(raw), "low limit 10 above high limit 1")
}

func TestInstrument_Attributes(t *testing.T) {
	require := require.New(t)

	inst, d := newTestInstrument(t)

	require.JSONEq(`0`, string(mustCall(t, d, `{"method":"scan_num","params":[12]}`)))
	require.Equal(12, inst.ScanNum())

	mustCall(t, d, `{"method":"filename","params":["/data/tes/x"]}`)
	require.JSONEq(`"/data/tes/x"`, string(mustCall(t, d, `{"method":"filename"}`)))

	mustCall(t, d, `{"method":"calibration_state","params":[{"lines":3}]}`)
	require.Equal(map[string]any{"lines": float64(3)}, inst.CalibrationState())

	raw, ok := call(t, d, `{"method":"state","params":["scan"]}`)
	require.False(ok)
	require.Contains(string(raw), "attribute state is read-only")
}

func TestInstrument_Options(t *testing.T) {
	require := require.New(t)

	_, d := newTestInstrument(t, WithPointTimestamps(false), WithLogger(logger.NewPermissiveMockLogger()))
	mustCall(t, d, `{"method":"file_start","params":[null]}`)
	mustCall(t, d, `{"method":"scan_start","params":["mono","eV",0,1,"sample",{},"none"]}`)
	require.JSONEq(`null`, string(mustCall(t, d, `{"method":"scan_point_start","params":[0,1.0]}`)))
}

func TestInstrument_FailNext(t *testing.T) {
	require := require.New(t)

	inst, d := newTestInstrument(t)
	inst.FailNext("base_user_output_dir", errors.New("disk offline"))

	raw, ok := call(t, d, `{"method":"base_user_output_dir"}`)
	require.False(ok)
	require.Contains(string(raw), "disk offline")

	require.JSONEq(`"/data/tes"`, string(mustCall(t, d, `{"method":"base_user_output_dir"}`)))
	require.Len(inst.CallsTo("base_user_output_dir"), 2)
}
