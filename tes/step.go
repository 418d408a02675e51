package tes

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/arloliu/go-tes/asset"
	"github.com/arloliu/go-tes/device"
)

// Stage prepares a step scan using the captured scan context. See StageWith.
func (d *Detector) Stage(ctx context.Context) error {
	return d.stage(ctx, nil)
}

// StageWith prepares a step scan with an explicit scan context.
//
// It opens a session, makes sure the instrument has a data file open, starts the remote run,
// composes the Resource of every enabled ROI channel and starts the scan worker, so a staged
// detector can also be completed and collected. Resources are cached only when every channel
// staged. On failure everything done so far is rolled back and the detector returns to Idle.
func (d *Detector) StageWith(ctx context.Context, sc ScanContext) error {
	return d.stage(ctx, &sc)
}

func (d *Detector) stage(ctx context.Context, explicit *ScanContext) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sess, err := d.openSession("stage")
	if err != nil {
		return err
	}

	// start/stop mode opens one file per run
	if err := d.FileStart(ctx, d.cfg.fileMode == FileModeStartStop); err != nil {
		d.discardSession()
		return fmt.Errorf("stage %s: %w", d.name, err)
	}

	if err := d.startRemoteRun(ctx, d.resolveScanContext(explicit)); err != nil {
		d.discardSession()
		return fmt.Errorf("stage %s: %w", d.name, err)
	}

	channels := d.enabledROIChannels()
	resources := make([]*asset.Resource, len(channels))

	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range channels {
		g.Go(func() error {
			res, err := ch.Stage(gctx)
			resources[i] = res

			return err
		})
	}

	err = g.Wait()
	if err == nil {
		err = d.taskMgr.Start("scanWorker", d.scanWorker(sess))
	}

	if err != nil {
		d.rollbackStage(ctx, sess)
		return fmt.Errorf("stage %s: %w", d.name, err)
	}

	// resources reach the cache only once every channel staged
	for _, res := range resources {
		if res != nil {
			d.cache.AppendResource(res)
		}
	}

	d.logger.Debug("staged", "method", "Stage", "resources", len(channels))

	return nil
}

// rollbackStage undoes a partial stage. The caller holds d.mu.
func (d *Detector) rollbackStage(ctx context.Context, sess *session) {
	for _, ch := range d.ROIChannels() {
		ch.Unstage()
	}
	if err := d.endRemoteRun(ctx, sess); err != nil {
		d.logger.Warn("failed to end run after stage error", "method", "Stage", "error", err)
	}
	d.discardSession()
}

// Unstage ends the run and returns to Idle.
//
// It sends scan_end unless the run already ended, closes the data file in start/stop file
// mode, clears the scan context, unstages the ROI channels and resets the calibration flag.
// Unstage on an idle detector does nothing.
func (d *Detector) Unstage(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sess := d.sess
	if sess == nil {
		d.state.ToIdle()
		return nil
	}

	var errs []error
	if err := d.endRemoteRun(ctx, sess); err != nil {
		errs = append(errs, fmt.Errorf("scan end: %w", err))
	}

	if d.cfg.fileMode == FileModeStartStop {
		if err := d.remote.FileEnd(ctx); err != nil {
			errs = append(errs, fmt.Errorf("file end: %w", err))
		}
	}

	for _, ch := range d.ROIChannels() {
		ch.Unstage()
	}

	sess.markCompleted()
	d.scanCtx = nil
	d.discardSession()
	d.logger.Debug("unstaged", "method", "Unstage", "uncollected_docs", d.cache.Len())

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("unstage %s: %w", d.name, err)
	}

	return nil
}

// Read returns the readings of the latest point: the datum reference of every enabled ROI
// channel and, when OFF files are written, the ROI counts keyed "<name>_<label>" and stamped
// with the end time of the latest point.
func (d *Detector) Read(ctx context.Context) (map[string]device.Reading, error) {
	channels := d.enabledROIChannels()
	readings := make(map[string]device.Reading, 2*len(channels))

	for _, ch := range channels {
		refs, err := ch.Reference().Read(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range refs {
			readings[k] = v
		}
	}

	if !d.cfg.writeOFF || len(channels) == 0 {
		return readings, nil
	}

	counts, err := d.remote.ROIGetCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", d.name, err)
	}

	ts := d.LastPointTime()
	for _, ch := range channels {
		count, ok := counts[ch.Label()]
		if !ok {
			return nil, fmt.Errorf("read %s: %w: %s missing from roi counts", d.name, ErrUnknownROI, ch.Label())
		}
		readings[ch.Name()] = device.Reading{Value: count, Timestamp: ts}
	}

	return readings, nil
}

// Describe describes the fields returned by Read.
func (d *Detector) Describe(ctx context.Context) (map[string]device.Descriptor, error) {
	channels := d.enabledROIChannels()
	descs := make(map[string]device.Descriptor, 2*len(channels))

	for _, ch := range channels {
		refs, err := ch.Reference().Describe(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range refs {
			descs[k] = v
		}

		if d.cfg.writeOFF {
			roi := ch.ROI()
			descs[ch.Name()] = device.Descriptor{
				Source: ch.Name(),
				DType:  "number",
				Shape:  []int{},
				Extra:  map[string]any{"llim": roi.Low, "ulim": roi.High},
			}
		}
	}

	return descs, nil
}

// DescribeCollect describes the events returned by Collect, keyed by detector name.
func (d *Detector) DescribeCollect() map[string]map[string]device.Descriptor {
	return map[string]map[string]device.Descriptor{
		d.name: {
			"tfy": {Source: "TES_Detector", DType: "number", Shape: []int{}},
		},
	}
}

// ReadConfiguration reads every configuration signal.
func (d *Detector) ReadConfiguration(ctx context.Context) (map[string]device.Reading, error) {
	readings := make(map[string]device.Reading)
	for _, sig := range d.ConfigSignals() {
		r, err := sig.Read(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range r {
			readings[k] = v
		}
	}

	return readings, nil
}

// DescribeConfiguration describes every configuration signal.
func (d *Detector) DescribeConfiguration(ctx context.Context) (map[string]device.Descriptor, error) {
	descs := make(map[string]device.Descriptor)
	for _, sig := range d.ConfigSignals() {
		desc, err := sig.Describe(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range desc {
			descs[k] = v
		}
	}

	return descs, nil
}
