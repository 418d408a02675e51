package tes

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-tes/asset"
	"github.com/arloliu/go-tes/device"
	"github.com/arloliu/go-tes/internal/task"
	"github.com/arloliu/go-tes/logger"
	"github.com/arloliu/go-tes/rpc"
)

// ErrDetectorClosed indicates an operation on a closed Detector.
var ErrDetectorClosed = errors.New("detector closed")

// Detector drives a remote TES instrument through an rpc.Caller.
//
// It supports two lifecycles sharing one acquisition session:
//   - fly scans: Kickoff, any number of Trigger and Collect calls, Complete, then a final Collect;
//   - step scans: Stage, Trigger and Read per point, then Unstage.
//
// Triggers run concurrently with each other and with the background scan worker. Lifecycle
// operations are serialized.
type Detector struct {
	name    string
	cfg     *Config
	remote  *Remote
	logger  logger.Logger
	taskMgr *task.Manager

	mu        sync.Mutex // guards sess, scanCtx and lifecycle transitions
	collectMu sync.Mutex // serializes Collect
	state     AtomicAcqState
	sess      *session
	scanCtx   *ScanContext
	closed    atomic.Bool

	cache *asset.Cache
	rois  *xsync.MapOf[string, *ROIChannel]

	lastPointTime atomic.Uint64 // math.Float64bits of the end time of the latest point

	acquireTime      *device.Soft[float64]
	calFlag          *device.Soft[bool]
	filename         *device.RPCSignal[string]
	remoteState      *device.RPCSignal[string]
	calibrationState *device.RPCSignal[any]
	scanNum          *device.RPCSignal[int]
}

// NewDetector creates a detector named name. Its goroutines stop when ctx is canceled or Close
// is called.
func NewDetector(ctx context.Context, name string, caller rpc.Caller, cfg *Config) (*Detector, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}

	remote, err := NewRemote(caller)
	if err != nil {
		return nil, err
	}

	d := &Detector{
		name:        name,
		cfg:         cfg,
		remote:      remote,
		logger:      cfg.logger.With("detector", name),
		cache:       asset.NewCache(),
		rois:        xsync.NewMapOf[string, *ROIChannel](),
		acquireTime: device.NewSoft(name+"_acquire_time", device.Config, cfg.acquireTime.Seconds()),
		calFlag:     device.NewSoft(name+"_cal_flag", device.Config, cfg.calibration),
	}
	d.taskMgr = task.NewManager(ctx, d.logger)

	if d.filename, err = device.NewRPCSignal[string](name+"_filename", caller, "filename"); err != nil {
		return nil, err
	}
	if d.remoteState, err = device.NewRPCSignal[string](name+"_state", caller, "state", device.ReadOnly()); err != nil {
		return nil, err
	}
	if d.calibrationState, err = device.NewRPCSignal[any](name+"_calibration", caller, "calibration_state"); err != nil {
		return nil, err
	}
	if d.scanNum, err = device.NewRPCSignal[int](name+"_scan_num", caller, "scan_num"); err != nil {
		return nil, err
	}

	for _, roi := range cfg.rois {
		ch, err := NewROIChannel(name, roi, remote, d.cache)
		if err != nil {
			return nil, err
		}
		d.rois.Store(roi.Label, ch)
	}

	return d, nil
}

// Name returns the detector name.
func (d *Detector) Name() string { return d.name }

// State returns the acquisition state.
func (d *Detector) State() AcqState { return d.state.Get() }

// Remote returns the typed wrapper of the instrument methods.
func (d *Detector) Remote() *Remote { return d.remote }

// AcquireTime returns the acquire time signal, in seconds.
func (d *Detector) AcquireTime() *device.Soft[float64] { return d.acquireTime }

// CalibrationFlag returns the signal selecting calibration runs.
func (d *Detector) CalibrationFlag() *device.Soft[bool] { return d.calFlag }

// Filename returns the remote filename signal.
func (d *Detector) Filename() *device.RPCSignal[string] { return d.filename }

// RemoteState returns the read-only remote state signal.
func (d *Detector) RemoteState() *device.RPCSignal[string] { return d.remoteState }

// CalibrationState returns the remote calibration state signal.
func (d *Detector) CalibrationState() *device.RPCSignal[any] { return d.calibrationState }

// ScanNum returns the remote scan number signal.
func (d *Detector) ScanNum() *device.RPCSignal[int] { return d.scanNum }

// ConfigSignals returns the signals read once per run.
func (d *Detector) ConfigSignals() []device.Signal {
	return []device.Signal{d.acquireTime, d.calFlag, d.filename, d.remoteState, d.calibrationState, d.scanNum}
}

// ROIChannel returns the channel of label.
func (d *Detector) ROIChannel(label string) (*ROIChannel, bool) {
	return d.rois.Load(label)
}

// ROIChannels returns every channel ordered by label.
func (d *Detector) ROIChannels() []*ROIChannel {
	channels := make([]*ROIChannel, 0, d.rois.Size())
	d.rois.Range(func(_ string, ch *ROIChannel) bool {
		channels = append(channels, ch)
		return true
	})
	slices.SortFunc(channels, func(a, b *ROIChannel) int {
		switch {
		case a.Label() < b.Label():
			return -1
		case a.Label() > b.Label():
			return 1
		default:
			return 0
		}
	})

	return channels
}

func (d *Detector) enabledROIChannels() []*ROIChannel {
	channels := d.ROIChannels()

	return slices.DeleteFunc(channels, func(ch *ROIChannel) bool { return !ch.Enabled() })
}

// SetROI sends limits for label, creating the channel if needed. Nil limits disable it.
func (d *Detector) SetROI(ctx context.Context, label string, low, high *float64) error {
	if label == "" {
		return errors.New("roi label is empty")
	}

	ch, ok := d.rois.Load(label)
	if !ok {
		var err error
		ch, err = NewROIChannel(d.name, ROI{Label: label}, d.remote, d.cache)
		if err != nil {
			return err
		}
		ch, _ = d.rois.LoadOrStore(label, ch)
	}

	return ch.Set(ctx, low, high)
}

// ClearROI disables label by sending null limits.
func (d *Detector) ClearROI(ctx context.Context, label string) error {
	ch, ok := d.rois.Load(label)
	if !ok {
		return ErrUnknownROI
	}

	return ch.Set(ctx, nil, nil)
}

// SyncROIs sends the limits of every channel in one roi_set call.
func (d *Detector) SyncROIs(ctx context.Context) error {
	channels := d.ROIChannels()
	rois := make([]ROI, 0, len(channels))
	for _, ch := range channels {
		rois = append(rois, ch.ROI())
	}

	return d.remote.ROISet(ctx, rois...)
}

// StartLog captures the scan context of the next run from its start document.
// It fails with ErrReentry while a session is open.
func (d *Detector) StartLog(doc StartDocument) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state.HasSession() {
		return &StateError{Op: "start_log", State: d.state.Get(), Err: ErrReentry}
	}

	sc := NewScanContext(doc, d.cfg.defaultVarName)
	d.scanCtx = &sc
	d.logger.Debug("scan context captured", "method", "StartLog", "var_name", sc.VarName, "scan_num", sc.ScanNum)

	return nil
}

// ScanContext returns the captured scan context, if any.
func (d *Detector) ScanContext() (ScanContext, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.scanCtx == nil {
		return ScanContext{}, false
	}

	return *d.scanCtx, true
}

// FileStart opens a data file on the instrument. Unless force is set, nothing is sent when the
// instrument already has a file open.
func (d *Detector) FileStart(ctx context.Context, force bool) error {
	if !force {
		state, err := d.remoteState.Get(ctx)
		if err != nil {
			return err
		}

		if state != "no_file" {
			d.logger.Info("instrument already has a file open, not forcing", "method", "FileStart", "state", state)
			return nil
		}
	}

	return d.remote.FileStart(ctx, d.cfg.filePath, d.cfg.writeLJH, d.cfg.writeOFF)
}

// FileEnd closes the data file on the instrument.
func (d *Detector) FileEnd(ctx context.Context) error {
	return d.remote.FileEnd(ctx)
}

// CollectAssetDocs drains the Resource and Datum documents composed since the last call.
func (d *Detector) CollectAssetDocs() []asset.Document {
	return d.cache.Drain()
}

// Close stops the scan worker and waits for in-flight points.
func (d *Detector) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	d.mu.Lock()
	if d.sess != nil {
		d.sess.markCollected()
	}
	d.mu.Unlock()

	d.taskMgr.Stop()
	d.taskMgr.Wait()

	return nil
}

// openSession moves to Staged with a fresh session. The caller holds d.mu.
func (d *Detector) openSession(op string) (*session, error) {
	if d.closed.Load() {
		return nil, ErrDetectorClosed
	}

	if !d.state.ToStaged() {
		return nil, &StateError{Op: op, State: d.state.Get(), Err: ErrReentry}
	}

	if d.sess != nil {
		d.sess.markCollected()
	}

	d.sess = newSession(d.cfg.instructionQueueSize, d.cfg.eventQueueSize)

	return d.sess, nil
}

// discardSession drops the session and returns to Idle. The caller holds d.mu.
func (d *Detector) discardSession() {
	if d.sess != nil {
		d.sess.markCollected()
		d.sess = nil
	}
	d.state.ToIdle()
}

// resolveScanContext picks the explicit context, then the captured one, then the defaults.
// The caller holds d.mu.
func (d *Detector) resolveScanContext(explicit *ScanContext) ScanContext {
	switch {
	case explicit != nil:
		return explicit.withDefaults(d.cfg.defaultVarName)
	case d.scanCtx != nil:
		return d.scanCtx.withDefaults(d.cfg.defaultVarName)
	default:
		return defaultScanContext(d.cfg.defaultVarName)
	}
}

// startRemoteRun sends calibration_start or scan_start depending on the calibration flag.
func (d *Detector) startRemoteRun(ctx context.Context, sc ScanContext) error {
	if d.calFlag.Get() {
		d.logger.Info("start calibration run", "scan_num", sc.ScanNum, "routine", d.cfg.calibrationRoutine)
		return d.remote.CalibrationStart(ctx, sc, d.cfg.varUnit, d.cfg.driftCorrectionPlan, d.cfg.calibrationRoutine)
	}

	d.logger.Info("start scan run", "scan_num", sc.ScanNum, "var_name", sc.VarName)

	return d.remote.ScanStart(ctx, sc, d.cfg.varUnit, d.cfg.driftCorrectionPlan)
}

// endRemoteRun sends scan_end once per session and resets the calibration flag.
// The caller holds d.mu.
func (d *Detector) endRemoteRun(ctx context.Context, sess *session) error {
	d.calFlag.Put(false)

	if sess.scanEnded {
		return nil
	}

	if err := d.remote.ScanEnd(ctx, false); err != nil {
		return err
	}
	sess.scanEnded = true

	return nil
}

func (d *Detector) setLastPointTime(t float64) {
	d.lastPointTime.Store(math.Float64bits(t))
}

// LastPointTime returns the epoch time the latest point ended, or 0.
func (d *Detector) LastPointTime() float64 {
	return math.Float64frombits(d.lastPointTime.Load())
}
