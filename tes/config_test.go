package tes

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-tes/logger"
)

func TestNewConfig_Defaults(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConfig()
	require.NoError(err)
	require.Equal(time.Second, cfg.AcquireTime())
	require.False(cfg.Calibration())
	require.Equal(FileModeContinuous, cfg.FileMode())
	require.True(cfg.writeLJH)
	require.True(cfg.writeOFF)
	require.False(cfg.saveROI)
	require.Equal("ssrl_10_1_mix", cfg.calibrationRoutine)
	require.Equal("eV", cfg.varUnit)
	require.Equal("mono", cfg.defaultVarName)
	require.Equal("none", cfg.driftCorrectionPlan)
	require.Equal(5*time.Second, cfg.workerPollInterval)

	rois := cfg.ROIs()
	require.Len(rois, 1)
	require.Equal("tfy", rois[0].Label)
	require.InDelta(0, *rois[0].Low, 1e-9)
	require.InDelta(1200, *rois[0].High, 1e-9)
}

func TestNewConfig_Options(t *testing.T) {
	tests := []struct {
		name   string
		opt    Option
		errMsg string
	}{
		{"acquire time negative", WithAcquireTime(-time.Second), "acquire time out of range [0, 1h]"},
		{"acquire time too long", WithAcquireTime(2 * time.Hour), "acquire time out of range [0, 1h]"},
		{"acquire time zero", WithAcquireTime(0), ""},
		{"file mode", WithFileMode("sometimes"), `invalid file mode "sometimes", should be "continuous" or "start_stop"`},
		{"file mode start stop", WithFileMode(FileModeStartStop), ""},
		{"empty routine", WithCalibrationRoutine(""), "calibration routine is empty"},
		{"empty var name", WithDefaultVarName(""), "default var name is empty"},
		{"instruction queue", WithInstructionQueueSize(0), "instruction queue size out of range [1, 1048576]"},
		{"event queue", WithEventQueueSize(1 << 21), "event queue size out of range [1, 1048576]"},
		{"poll interval", WithWorkerPollInterval(time.Millisecond), "worker poll interval out of range [10ms, 1m]"},
		{"empty roi label", WithROIs(ROI{}), "roi label is empty"},
		{"duplicate roi", WithROIs(ROI{Label: "a"}, ROI{Label: "a"}), `duplicate roi label "a"`},
		{"nil logger", WithLogger(nil), "logger is nil"},
		{"logger", WithLogger(logger.NewPermissiveMockLogger()), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.opt)
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tt.errMsg)
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "tes.toml")
	require.NoError(os.WriteFile(path, []byte(`
acquire_time = 0.5
file_mode = "start_stop"
write_ljh = false
save_roi = true
var_unit = "keV"
worker_poll_interval = 0.25

[[roi]]
label = "tfy"
low = 0.0
high = 1200.0

[[roi]]
label = "off"
`), 0o600))

	cfg, err := LoadConfigFile(path, WithCalibration(true))
	require.NoError(err)
	require.Equal(500*time.Millisecond, cfg.AcquireTime())
	require.Equal(FileModeStartStop, cfg.FileMode())
	require.False(cfg.writeLJH)
	require.True(cfg.writeOFF)
	require.True(cfg.saveROI)
	require.Equal("keV", cfg.varUnit)
	require.Equal(250*time.Millisecond, cfg.workerPollInterval)
	require.True(cfg.Calibration())

	rois := cfg.ROIs()
	require.Len(rois, 2)
	require.True(rois[0].Enabled())
	require.Equal("off", rois[1].Label)
	require.False(rois[1].Enabled())
}

func TestLoadConfigFile_Errors(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	_, err := LoadConfigFile(filepath.Join(dir, "missing.toml"))
	require.ErrorContains(err, "load detector config")

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(os.WriteFile(bad, []byte(`acquire_time = "soon"`), 0o600))
	_, err = LoadConfigFile(bad)
	require.ErrorContains(err, "load detector config")

	invalid := filepath.Join(dir, "invalid.toml")
	require.NoError(os.WriteFile(invalid, []byte(`file_mode = "sometimes"`), 0o600))
	_, err = LoadConfigFile(invalid)
	require.ErrorContains(err, "invalid file mode")
}
