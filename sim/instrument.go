package sim

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-tes/logger"
	"github.com/arloliu/go-tes/rpc"
)

// State is the file and run state of the instrument.
type State string

const (
	// NoFileState means no data file is open.
	NoFileState State = "no_file"
	// FileOpenState means a data file is open and no run is active.
	FileOpenState State = "file_open"
	// ScanState means a run is active.
	ScanState State = "scan"
)

var (
	// ErrInvalidState indicates a method called in a state that does not allow it.
	ErrInvalidState = errors.New("invalid instrument state")

	// ErrUnknownROI indicates a reference to an ROI label that was never set.
	ErrUnknownROI = errors.New("roi does not exist")
)

// Call is one recorded method call.
type Call struct {
	Method string
	Params rpc.Params
	Kwargs rpc.Kwargs
	Time   time.Time
}

// Run describes the run started by scan_start or calibration_start.
type Run struct {
	VarName             string
	VarUnit             string
	ScanNum             int
	SampleID            any
	SampleName          string
	Extra               map[string]any
	DriftCorrectionPlan string
	Calibration         bool
	Routine             string
	Points              int
}

// Instrument is a simulated TES instrument. It is safe for concurrent use.
type Instrument struct {
	mu               sync.Mutex
	root             string
	state            State
	scanNum          int
	filename         string
	calibrationState any
	writeLJH         bool
	writeOFF         bool
	run              *Run
	pointIndex       int64
	pointStart       float64
	pointDuration    float64
	savedCounts      int
	reportTimestamps bool
	history          []Call
	failures         map[string]error

	rois   *xsync.MapOf[string, [2]*float64]
	logger logger.Logger
}

// Option configures an Instrument.
type Option func(*Instrument)

// WithLogger sets the logger of the instrument.
func WithLogger(l logger.Logger) Option {
	return func(inst *Instrument) {
		if l != nil {
			inst.logger = l
		}
	}
}

// WithScanNum sets the number of the next run.
func WithScanNum(n int) Option {
	return func(inst *Instrument) { inst.scanNum = n }
}

// WithPointTimestamps selects whether scan_point_start returns the recorded timestamp or null.
// Defaults to true.
func WithPointTimestamps(enabled bool) Option {
	return func(inst *Instrument) { inst.reportTimestamps = enabled }
}

// NewInstrument creates an instrument writing its output under root.
func NewInstrument(root string, opts ...Option) *Instrument {
	inst := &Instrument{
		root:             root,
		state:            NoFileState,
		calibrationState: "no_calibration",
		reportTimestamps: true,
		failures:         make(map[string]error),
		rois:             xsync.NewMapOf[string, [2]*float64](),
		logger:           logger.GetLogger(),
	}

	for _, opt := range opts {
		opt(inst)
	}

	return inst
}

// Register registers every instrument method on d.
func (inst *Instrument) Register(d *rpc.Dispatcher) error {
	methods := map[string]rpc.HandlerFunc{
		"file_start":           inst.fileStart,
		"file_end":             inst.fileEnd,
		"scan_start":           inst.scanStart,
		"calibration_start":    inst.calibrationStart,
		"scan_point_start":     inst.scanPointStart,
		"scan_point_end":       inst.scanPointEnd,
		"scan_end":             inst.scanEnd,
		"roi_set":              inst.roiSet,
		"roi_get":              inst.roiGet,
		"roi_get_counts":       inst.roiGetCounts,
		"roi_save_counts":      inst.roiSaveCounts,
		"base_user_output_dir": inst.baseUserOutputDir,
		"get_pfy_output_file":  inst.pfyOutputFile,
	}

	for name, h := range methods {
		if err := d.Register(name, inst.recorded(name, h)); err != nil {
			return err
		}
	}

	attrs := []error{
		rpc.RegisterAttribute(d, "state", inst.State, nil),
		rpc.RegisterAttribute(d, "filename", inst.Filename, inst.setFilename),
		rpc.RegisterAttribute(d, "calibration_state", inst.CalibrationState, inst.setCalibrationState),
		rpc.RegisterAttribute(d, "scan_num", inst.ScanNum, inst.setScanNum),
	}

	return errors.Join(attrs...)
}

// State returns the instrument state.
func (inst *Instrument) State() State {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	return inst.state
}

// Filename returns the open data file, or "".
func (inst *Instrument) Filename() string {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	return inst.filename
}

// CalibrationState returns the calibration state.
func (inst *Instrument) CalibrationState() any {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	return inst.calibrationState
}

// ScanNum returns the number of the next or current run.
func (inst *Instrument) ScanNum() int {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	return inst.scanNum
}

// Run returns the current or latest run.
func (inst *Instrument) Run() (Run, bool) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.run == nil {
		return Run{}, false
	}

	return *inst.run, true
}

// SavedCounts returns how many times roi_save_counts was called.
func (inst *Instrument) SavedCounts() int {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	return inst.savedCounts
}

// History returns every recorded call in arrival order.
func (inst *Instrument) History() []Call {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	return slices.Clone(inst.history)
}

// Methods returns the method names of the recorded calls in arrival order.
func (inst *Instrument) Methods() []string {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	names := make([]string, len(inst.history))
	for i, c := range inst.history {
		names[i] = c.Method
	}

	return names
}

// CallsTo returns the recorded calls of method.
func (inst *Instrument) CallsTo(method string) []Call {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	var calls []Call
	for _, c := range inst.history {
		if c.Method == method {
			calls = append(calls, c)
		}
	}

	return calls
}

// ResetHistory clears the recorded calls.
func (inst *Instrument) ResetHistory() {
	inst.mu.Lock()
	inst.history = nil
	inst.mu.Unlock()
}

// FailNext makes the next call of method fail with err.
func (inst *Instrument) FailNext(method string, err error) {
	inst.mu.Lock()
	inst.failures[method] = err
	inst.mu.Unlock()
}

func (inst *Instrument) recorded(name string, h rpc.HandlerFunc) rpc.HandlerFunc {
	return func(ctx context.Context, params rpc.Params, kwargs rpc.Kwargs) (any, error) {
		inst.mu.Lock()
		inst.history = append(inst.history, Call{Method: name, Params: params, Kwargs: kwargs, Time: time.Now()})
		err, fail := inst.failures[name]
		delete(inst.failures, name)
		inst.mu.Unlock()

		if fail {
			inst.logger.Debug("injected failure", "method", name, "error", err)
			return nil, err
		}

		return h(ctx, params, kwargs)
	}
}

func (inst *Instrument) setFilename(v string) {
	inst.mu.Lock()
	inst.filename = v
	inst.mu.Unlock()
}

func (inst *Instrument) setCalibrationState(v any) {
	inst.mu.Lock()
	inst.calibrationState = v
	inst.mu.Unlock()
}

func (inst *Instrument) setScanNum(v int) {
	inst.mu.Lock()
	inst.scanNum = v
	inst.mu.Unlock()
}

func (inst *Instrument) fileStart(_ context.Context, params rpc.Params, kwargs rpc.Kwargs) (any, error) {
	path, err := rpc.Lookup[string](params, 0, kwargs, "path", "")
	if err != nil {
		return nil, err
	}
	writeLJH, err := rpc.Lookup(params, 1, kwargs, "write_ljh", true)
	if err != nil {
		return nil, err
	}
	writeOFF, err := rpc.Lookup(params, 2, kwargs, "write_off", true)
	if err != nil {
		return nil, err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.state != NoFileState {
		return nil, fmt.Errorf("file_start: %w: %s", ErrInvalidState, inst.state)
	}

	if path == "" {
		path = filepath.Join(inst.root, time.Now().Format("20060102_150405"))
	}

	inst.filename = path
	inst.writeLJH, inst.writeOFF = writeLJH, writeOFF
	inst.state = FileOpenState
	inst.logger.Info("file started", "method", "file_start", "filename", path, "write_ljh", writeLJH, "write_off", writeOFF)

	return nil, nil
}

func (inst *Instrument) fileEnd(context.Context, rpc.Params, rpc.Kwargs) (any, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.state != FileOpenState {
		return nil, fmt.Errorf("file_end: %w: %s", ErrInvalidState, inst.state)
	}

	inst.logger.Info("file ended", "method", "file_end", "filename", inst.filename)
	inst.filename = ""
	inst.state = NoFileState

	return nil, nil
}

func (inst *Instrument) scanStart(_ context.Context, params rpc.Params, _ rpc.Kwargs) (any, error) {
	run, err := decodeRun(params)
	if err != nil {
		return nil, err
	}

	return nil, inst.startRun("scan_start", run)
}

func (inst *Instrument) calibrationStart(_ context.Context, params rpc.Params, _ rpc.Kwargs) (any, error) {
	run, err := decodeRun(params)
	if err != nil {
		return nil, err
	}

	run.Calibration = true
	if run.Routine, err = params.String(7); err != nil {
		return nil, err
	}

	return nil, inst.startRun("calibration_start", run)
}

func decodeRun(params rpc.Params) (*Run, error) {
	run := &Run{}
	targets := []any{&run.VarName, &run.VarUnit, &run.ScanNum, &run.SampleID, &run.SampleName, &run.Extra, &run.DriftCorrectionPlan}
	for i, v := range targets {
		if err := params.Decode(i, v); err != nil {
			return nil, err
		}
	}

	return run, nil
}

func (inst *Instrument) startRun(method string, run *Run) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.state != FileOpenState {
		return fmt.Errorf("%s: %w: %s", method, ErrInvalidState, inst.state)
	}

	inst.run = run
	inst.scanNum = run.ScanNum
	inst.state = ScanState
	if run.Calibration {
		inst.calibrationState = "calibrating"
	}
	inst.logger.Info("run started", "method", method, "scan_num", run.ScanNum, "var_name", run.VarName)

	return nil
}

func (inst *Instrument) scanPointStart(_ context.Context, params rpc.Params, _ rpc.Kwargs) (any, error) {
	index, err := rpc.Arg[int64](params, 0)
	if err != nil {
		return nil, err
	}
	t, err := params.Float(1)
	if err != nil {
		return nil, err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.state != ScanState {
		return nil, fmt.Errorf("scan_point_start: %w: %s", ErrInvalidState, inst.state)
	}

	inst.pointIndex = index
	inst.pointStart = t
	inst.run.Points++

	if !inst.reportTimestamps {
		return nil, nil
	}

	return t, nil
}

func (inst *Instrument) scanPointEnd(_ context.Context, params rpc.Params, _ rpc.Kwargs) (any, error) {
	t, err := params.Float(0)
	if err != nil {
		return nil, err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.state != ScanState {
		return nil, fmt.Errorf("scan_point_end: %w: %s", ErrInvalidState, inst.state)
	}

	inst.pointDuration = max(t-inst.pointStart, 0)

	return nil, nil
}

func (inst *Instrument) scanEnd(_ context.Context, params rpc.Params, kwargs rpc.Kwargs) (any, error) {
	postProcess, err := rpc.Lookup(params, 0, kwargs, "try_post_processing", true)
	if err != nil {
		return nil, err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.state != ScanState {
		return nil, fmt.Errorf("scan_end: %w: %s", ErrInvalidState, inst.state)
	}

	if inst.run.Calibration {
		inst.calibrationState = "calibrated"
	}
	inst.scanNum++
	inst.state = FileOpenState
	inst.logger.Info("run ended", "method", "scan_end", "points", inst.run.Points, "try_post_processing", postProcess)

	return nil, nil
}

func (inst *Instrument) roiSet(_ context.Context, params rpc.Params, _ rpc.Kwargs) (any, error) {
	rois, err := rpc.Arg[map[string][2]*float64](params, 0)
	if err != nil {
		return nil, err
	}

	for label, lims := range rois {
		if lims[0] != nil && lims[1] != nil && *lims[0] > *lims[1] {
			return nil, fmt.Errorf("roi %s: low limit %g above high limit %g", label, *lims[0], *lims[1])
		}
	}

	for label, lims := range rois {
		inst.rois.Store(label, lims)
	}

	return nil, nil
}

func (inst *Instrument) roiGet(_ context.Context, params rpc.Params, _ rpc.Kwargs) (any, error) {
	label, err := params.String(0)
	if err != nil {
		return nil, err
	}

	lims, ok := inst.rois.Load(label)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownROI, label)
	}

	return lims, nil
}

func (inst *Instrument) roiGetCounts(context.Context, rpc.Params, rpc.Kwargs) (any, error) {
	return inst.Counts(), nil
}

// Counts returns the simulated counts of every enabled ROI for the latest point: the window width
// times the point duration in seconds.
func (inst *Instrument) Counts() map[string]float64 {
	inst.mu.Lock()
	duration := inst.pointDuration
	inst.mu.Unlock()

	counts := make(map[string]float64)
	inst.rois.Range(func(label string, lims [2]*float64) bool {
		if lims[0] != nil && lims[1] != nil {
			counts[label] = (*lims[1] - *lims[0]) * duration
		}
		return true
	})

	return counts
}

func (inst *Instrument) roiSaveCounts(context.Context, rpc.Params, rpc.Kwargs) (any, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if !inst.writeOFF {
		return nil, errors.New("roi_save_counts: OFF files are disabled")
	}
	inst.savedCounts++

	return nil, nil
}

func (inst *Instrument) baseUserOutputDir(context.Context, rpc.Params, rpc.Kwargs) (any, error) {
	return inst.root, nil
}

func (inst *Instrument) pfyOutputFile(context.Context, rpc.Params, rpc.Kwargs) (any, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	return filepath.Join(inst.root, fmt.Sprintf("scan%04d", inst.scanNum), "pfy.npy"), nil
}
