package tes

import (
	"context"
	"fmt"

	"github.com/arloliu/go-tes/rpc"
)

// Remote wraps the methods of a TES instrument server.
type Remote struct {
	caller rpc.Caller
}

// NewRemote creates a Remote calling through caller.
func NewRemote(caller rpc.Caller) (*Remote, error) {
	if caller == nil {
		return nil, ErrCallerNil
	}

	return &Remote{caller: caller}, nil
}

// Caller returns the underlying caller.
func (r *Remote) Caller() rpc.Caller { return r.caller }

// FileStart opens a data file. An empty path lets the instrument choose the file name.
func (r *Remote) FileStart(ctx context.Context, path string, writeLJH, writeOFF bool) error {
	var pathArg any
	if path != "" {
		pathArg = path
	}

	_, err := r.caller.CallKwargs(ctx, "file_start",
		map[string]any{"write_ljh": writeLJH, "write_off": writeOFF}, pathArg)

	return err
}

// FileEnd closes the data file.
func (r *Remote) FileEnd(ctx context.Context) error {
	_, err := r.caller.Call(ctx, "file_end")
	return err
}

// ScanStart starts a scan run.
func (r *Remote) ScanStart(ctx context.Context, sc ScanContext, varUnit, driftCorrectionPlan string) error {
	_, err := r.caller.Call(ctx, "scan_start",
		sc.VarName, varUnit, sc.ScanNum, sc.SampleID, sc.SampleDesc, sc.Extra, driftCorrectionPlan)

	return err
}

// CalibrationStart starts a calibration run.
func (r *Remote) CalibrationStart(ctx context.Context, sc ScanContext, varUnit, driftCorrectionPlan, routine string) error {
	_, err := r.caller.Call(ctx, "calibration_start",
		sc.VarName, varUnit, sc.ScanNum, sc.SampleID, sc.SampleDesc, sc.Extra, driftCorrectionPlan, routine)

	return err
}

// ScanPointStart starts point index at epoch time t. It returns the timestamp recorded by the
// instrument, if it reported one.
func (r *Remote) ScanPointStart(ctx context.Context, index int64, t float64) (float64, bool, error) {
	ts, err := rpc.CallAs[*float64](ctx, r.caller, "scan_point_start", index, t)
	if err != nil {
		return 0, false, err
	}

	if ts == nil {
		return 0, false, nil
	}

	return *ts, true, nil
}

// ScanPointEnd ends the current point at epoch time t.
func (r *Remote) ScanPointEnd(ctx context.Context, t float64) error {
	_, err := r.caller.Call(ctx, "scan_point_end", t)
	return err
}

// ScanEnd ends the current run.
func (r *Remote) ScanEnd(ctx context.Context, tryPostProcessing bool) error {
	_, err := r.caller.Call(ctx, "scan_end", tryPostProcessing)
	return err
}

// ROISet sends ROI limits. A nil limit pair disables the ROI.
func (r *Remote) ROISet(ctx context.Context, rois ...ROI) error {
	arg := make(map[string][2]*float64, len(rois))
	for _, roi := range rois {
		arg[roi.Label] = [2]*float64{roi.Low, roi.High}
	}

	_, err := r.caller.Call(ctx, "roi_set", arg)

	return err
}

// ROIGet returns the limits of the ROI label.
func (r *Remote) ROIGet(ctx context.Context, label string) (ROI, error) {
	lims, err := rpc.CallAs[[]*float64](ctx, r.caller, "roi_get", label)
	if err != nil {
		return ROI{}, err
	}

	roi := ROI{Label: label}
	switch len(lims) {
	case 0:
	case 2:
		roi.Low, roi.High = lims[0], lims[1]
	default:
		return ROI{}, fmt.Errorf("roi_get %s: expected 2 limits, got %d", label, len(lims))
	}

	return roi, nil
}

// ROIGetCounts returns the counts of every ROI for the latest point.
func (r *Remote) ROIGetCounts(ctx context.Context) (map[string]float64, error) {
	return rpc.CallAs[map[string]float64](ctx, r.caller, "roi_get_counts")
}

// ROISaveCounts asks the instrument to store the ROI counts of the latest point.
func (r *Remote) ROISaveCounts(ctx context.Context) error {
	_, err := r.caller.Call(ctx, "roi_save_counts")
	return err
}

// BaseUserOutputDir returns the root directory of the instrument output.
func (r *Remote) BaseUserOutputDir(ctx context.Context) (string, error) {
	return rpc.CallAs[string](ctx, r.caller, "base_user_output_dir")
}

// PFYOutputFile returns the full path of the partial fluorescence yield file of the run.
func (r *Remote) PFYOutputFile(ctx context.Context) (string, error) {
	return rpc.CallAs[string](ctx, r.caller, "get_pfy_output_file")
}
