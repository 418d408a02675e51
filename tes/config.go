package tes

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/arloliu/go-tes/logger"
)

// FileMode selects when the detector opens and closes the remote data file.
type FileMode string

const (
	// FileModeContinuous keeps one file open across runs; Stage only opens a file when none is open.
	FileModeContinuous FileMode = "continuous"
	// FileModeStartStop opens a file on Stage and closes it on Unstage.
	FileModeStartStop FileMode = "start_stop"
)

// Config represents the configuration of a Detector.
type Config struct {
	// acquireTime defines how long each triggered point acquires.
	// Defaults to 1 second.
	acquireTime time.Duration

	// calibration selects calibration_start instead of scan_start for the next run.
	// Defaults to false.
	calibration bool

	// fileMode defines the remote file handling of Stage and Unstage.
	// Defaults to FileModeContinuous.
	fileMode FileMode

	// filePath is sent with file_start. An empty path lets the instrument choose.
	filePath string

	// writeLJH and writeOFF select the file formats written by the instrument.
	// Both default to true.
	writeLJH bool
	writeOFF bool

	// saveROI makes every point store its ROI counts with roi_save_counts after
	// scan_point_end. It only applies while OFF files are written.
	// Defaults to false.
	saveROI bool

	// calibrationRoutine is sent with calibration_start.
	// Defaults to "ssrl_10_1_mix".
	calibrationRoutine string

	// varUnit is the unit of the scanned variable.
	// Defaults to "eV".
	varUnit string

	// defaultVarName is the scanned variable used when the run has no motor.
	// Defaults to "mono".
	defaultVarName string

	// driftCorrectionPlan is sent with scan_start and calibration_start.
	// Defaults to "none".
	driftCorrectionPlan string

	// instructionQueueSize and eventQueueSize bound the channels of a fly session.
	// Both default to 1024.
	instructionQueueSize int
	eventQueueSize       int

	// workerPollInterval defines how long the scan worker waits for an instruction before
	// logging that it is idle.
	// Defaults to 5 seconds.
	workerPollInterval time.Duration

	// rois lists the ROI channels of the detector.
	// Defaults to a single enabled "tfy" channel with limits (0, 1200).
	rois []ROI

	logger logger.Logger
}

// NewConfig creates a detector configuration, applying opts over the defaults.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		acquireTime:          time.Second,
		fileMode:             FileModeContinuous,
		writeLJH:             true,
		writeOFF:             true,
		calibrationRoutine:   "ssrl_10_1_mix",
		varUnit:              "eV",
		defaultVarName:       "mono",
		driftCorrectionPlan:  "none",
		instructionQueueSize: 1024,
		eventQueueSize:       1024,
		workerPollInterval:   5 * time.Second,
		rois:                 []ROI{{Label: "tfy", Low: Limit(0), High: Limit(1200)}},
		logger:               logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// AcquireTime returns the acquire time of each point.
func (cfg *Config) AcquireTime() time.Duration { return cfg.acquireTime }

// Calibration reports whether runs start as calibration runs.
func (cfg *Config) Calibration() bool { return cfg.calibration }

// FileMode returns the file mode.
func (cfg *Config) FileMode() FileMode { return cfg.fileMode }

// ROIs returns the configured ROI channels.
func (cfg *Config) ROIs() []ROI {
	rois := make([]ROI, len(cfg.rois))
	copy(rois, cfg.rois)

	return rois
}

// Option represents a functional option for configuring a Config.
type Option interface {
	apply(*Config) error
}

type optFunc struct {
	name      string
	applyFunc func(*Config) error
}

func (o *optFunc) apply(cfg *Config) error {
	if cfg == nil {
		return ErrConfigNil
	}

	return o.applyFunc(cfg)
}

func newOptFunc(name string, f func(*Config) error) *optFunc {
	return &optFunc{name: name, applyFunc: f}
}

// WithAcquireTime sets the acquire time of each point.
// An error is returned if the time is outside the valid range (0-1h).
//
// The default value is 1 second.
func WithAcquireTime(val time.Duration) Option {
	return newOptFunc("WithAcquireTime", func(cfg *Config) error {
		if val < 0 || val > time.Hour {
			return errors.New("acquire time out of range [0, 1h]")
		}
		cfg.acquireTime = val

		return nil
	})
}

// WithCalibration selects calibration runs.
func WithCalibration(enabled bool) Option {
	return newOptFunc("WithCalibration", func(cfg *Config) error {
		cfg.calibration = enabled
		return nil
	})
}

// WithFileMode sets the file mode.
func WithFileMode(mode FileMode) Option {
	return newOptFunc("WithFileMode", func(cfg *Config) error {
		switch mode {
		case FileModeContinuous, FileModeStartStop:
			cfg.fileMode = mode
			return nil
		default:
			return fmt.Errorf("invalid file mode %q, should be %q or %q", mode, FileModeContinuous, FileModeStartStop)
		}
	})
}

// WithFilePath sets the path sent with file_start.
func WithFilePath(path string) Option {
	return newOptFunc("WithFilePath", func(cfg *Config) error {
		cfg.filePath = path
		return nil
	})
}

// WithWriteLJH selects whether the instrument writes LJH files.
func WithWriteLJH(enabled bool) Option {
	return newOptFunc("WithWriteLJH", func(cfg *Config) error {
		cfg.writeLJH = enabled
		return nil
	})
}

// WithWriteOFF selects whether the instrument writes OFF files. ROI counts are only read when
// OFF files are written.
func WithWriteOFF(enabled bool) Option {
	return newOptFunc("WithWriteOFF", func(cfg *Config) error {
		cfg.writeOFF = enabled
		return nil
	})
}

// WithSaveROI selects whether every point asks the instrument to store its ROI counts. It has
// no effect when OFF files are not written.
func WithSaveROI(enabled bool) Option {
	return newOptFunc("WithSaveROI", func(cfg *Config) error {
		cfg.saveROI = enabled
		return nil
	})
}

// WithCalibrationRoutine sets the routine sent with calibration_start.
func WithCalibrationRoutine(routine string) Option {
	return newOptFunc("WithCalibrationRoutine", func(cfg *Config) error {
		if routine == "" {
			return errors.New("calibration routine is empty")
		}
		cfg.calibrationRoutine = routine

		return nil
	})
}

// WithVarUnit sets the unit of the scanned variable.
func WithVarUnit(unit string) Option {
	return newOptFunc("WithVarUnit", func(cfg *Config) error {
		cfg.varUnit = unit
		return nil
	})
}

// WithDefaultVarName sets the scanned variable used when a run has no motor.
func WithDefaultVarName(name string) Option {
	return newOptFunc("WithDefaultVarName", func(cfg *Config) error {
		if name == "" {
			return errors.New("default var name is empty")
		}
		cfg.defaultVarName = name

		return nil
	})
}

// WithInstructionQueueSize sets the capacity of the instruction channel of a fly session.
// An error is returned if the size is outside the valid range (1-1048576).
//
// The default value is 1024.
func WithInstructionQueueSize(size int) Option {
	return newOptFunc("WithInstructionQueueSize", func(cfg *Config) error {
		if size < 1 || size > 1<<20 {
			return errors.New("instruction queue size out of range [1, 1048576]")
		}
		cfg.instructionQueueSize = size

		return nil
	})
}

// WithEventQueueSize sets the capacity of the event channel of a fly session.
// An error is returned if the size is outside the valid range (1-1048576).
//
// The default value is 1024.
func WithEventQueueSize(size int) Option {
	return newOptFunc("WithEventQueueSize", func(cfg *Config) error {
		if size < 1 || size > 1<<20 {
			return errors.New("event queue size out of range [1, 1048576]")
		}
		cfg.eventQueueSize = size

		return nil
	})
}

// WithWorkerPollInterval sets how long the scan worker waits for an instruction before it logs
// that it is idle. An idle worker keeps running.
// An error is returned if the interval is outside the valid range (10ms-1m).
//
// The default value is 5 seconds.
func WithWorkerPollInterval(val time.Duration) Option {
	return newOptFunc("WithWorkerPollInterval", func(cfg *Config) error {
		if val < 10*time.Millisecond || val > time.Minute {
			return errors.New("worker poll interval out of range [10ms, 1m]")
		}
		cfg.workerPollInterval = val

		return nil
	})
}

// WithROIs replaces the configured ROI channels. Labels must be unique and non-empty.
func WithROIs(rois ...ROI) Option {
	return newOptFunc("WithROIs", func(cfg *Config) error {
		seen := make(map[string]struct{}, len(rois))
		for _, roi := range rois {
			if roi.Label == "" {
				return errors.New("roi label is empty")
			}
			if _, ok := seen[roi.Label]; ok {
				return fmt.Errorf("duplicate roi label %q", roi.Label)
			}
			seen[roi.Label] = struct{}{}
		}
		cfg.rois = append([]ROI(nil), rois...)

		return nil
	})
}

// WithLogger sets the logger of the detector.
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", func(cfg *Config) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}

// fileConfig maps the keys of a detector TOML file.
type fileConfig struct {
	AcquireTime          float64         `toml:"acquire_time"`
	Calibration          bool            `toml:"calibration"`
	FileMode             string          `toml:"file_mode"`
	FilePath             string          `toml:"file_path"`
	WriteLJH             bool            `toml:"write_ljh"`
	WriteOFF             bool            `toml:"write_off"`
	SaveROI              bool            `toml:"save_roi"`
	CalibrationRoutine   string          `toml:"calibration_routine"`
	VarUnit              string          `toml:"var_unit"`
	DefaultVarName       string          `toml:"default_var_name"`
	InstructionQueueSize int             `toml:"instruction_queue_size"`
	EventQueueSize       int             `toml:"event_queue_size"`
	WorkerPollInterval   float64         `toml:"worker_poll_interval"`
	ROI                  []roiFileConfig `toml:"roi"`
}

type roiFileConfig struct {
	Label string   `toml:"label"`
	Low   *float64 `toml:"low"`
	High  *float64 `toml:"high"`
}

// LoadConfigFile reads a detector configuration from a TOML file. Keys absent from the file keep
// their defaults; opts are applied after the file.
//
// Durations are given in seconds:
//
//	acquire_time = 0.5
//	file_mode = "start_stop"
//
//	[[roi]]
//	label = "tfy"
//	low = 0.0
//	high = 1200.0
func LoadConfigFile(path string, opts ...Option) (*Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load detector config: %w", err)
	}

	var fileOpts []Option
	if meta.IsDefined("acquire_time") {
		fileOpts = append(fileOpts, WithAcquireTime(seconds(raw.AcquireTime)))
	}
	if meta.IsDefined("calibration") {
		fileOpts = append(fileOpts, WithCalibration(raw.Calibration))
	}
	if meta.IsDefined("file_mode") {
		fileOpts = append(fileOpts, WithFileMode(FileMode(strings.TrimSpace(raw.FileMode))))
	}
	if meta.IsDefined("file_path") {
		fileOpts = append(fileOpts, WithFilePath(strings.TrimSpace(raw.FilePath)))
	}
	if meta.IsDefined("write_ljh") {
		fileOpts = append(fileOpts, WithWriteLJH(raw.WriteLJH))
	}
	if meta.IsDefined("write_off") {
		fileOpts = append(fileOpts, WithWriteOFF(raw.WriteOFF))
	}
	if meta.IsDefined("save_roi") {
		fileOpts = append(fileOpts, WithSaveROI(raw.SaveROI))
	}
	if meta.IsDefined("calibration_routine") {
		fileOpts = append(fileOpts, WithCalibrationRoutine(strings.TrimSpace(raw.CalibrationRoutine)))
	}
	if meta.IsDefined("var_unit") {
		fileOpts = append(fileOpts, WithVarUnit(strings.TrimSpace(raw.VarUnit)))
	}
	if meta.IsDefined("default_var_name") {
		fileOpts = append(fileOpts, WithDefaultVarName(strings.TrimSpace(raw.DefaultVarName)))
	}
	if meta.IsDefined("instruction_queue_size") {
		fileOpts = append(fileOpts, WithInstructionQueueSize(raw.InstructionQueueSize))
	}
	if meta.IsDefined("event_queue_size") {
		fileOpts = append(fileOpts, WithEventQueueSize(raw.EventQueueSize))
	}
	if meta.IsDefined("worker_poll_interval") {
		fileOpts = append(fileOpts, WithWorkerPollInterval(seconds(raw.WorkerPollInterval)))
	}
	if meta.IsDefined("roi") {
		rois := make([]ROI, 0, len(raw.ROI))
		for _, r := range raw.ROI {
			rois = append(rois, ROI{Label: strings.TrimSpace(r.Label), Low: r.Low, High: r.High})
		}
		fileOpts = append(fileOpts, WithROIs(rois...))
	}

	cfg, err := NewConfig(append(fileOpts, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("load detector config %s: %w", path, err)
	}

	return cfg, nil
}

func seconds(v float64) time.Duration {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return -1
	}

	return time.Duration(v * float64(time.Second))
}

func secondsToDuration(v float64) time.Duration {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}

	return time.Duration(v * float64(time.Second))
}
