package tes

import (
	"context"
	"errors"
	"fmt"

	"github.com/arloliu/go-tes/device"
	"github.com/arloliu/go-tes/internal/pool"
	"github.com/arloliu/go-tes/internal/task"
)

// Kickoff starts a fly scan using the captured scan context, or the defaults when none was
// captured. See KickoffWith.
func (d *Detector) Kickoff(ctx context.Context) (*device.Status, error) {
	return d.kickoff(ctx, nil)
}

// KickoffWith starts a fly scan with an explicit scan context.
//
// It opens a fresh session, sends scan_start (or calibration_start when the calibration flag is
// set), starts the scan worker and returns an already finished status. It fails with a
// *StateError wrapping ErrReentry while another session is active. When the remote start fails
// the session is discarded and the detector returns to Idle.
func (d *Detector) KickoffWith(ctx context.Context, sc ScanContext) (*device.Status, error) {
	return d.kickoff(ctx, &sc)
}

func (d *Detector) kickoff(ctx context.Context, explicit *ScanContext) (*device.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sess, err := d.openSession("kickoff")
	if err != nil {
		return nil, err
	}

	if err := d.startRemoteRun(ctx, d.resolveScanContext(explicit)); err != nil {
		d.discardSession()
		return nil, fmt.Errorf("kickoff %s: %w", d.name, err)
	}

	if err := d.taskMgr.Start("scanWorker", d.scanWorker(sess)); err != nil {
		d.discardSession()
		return nil, fmt.Errorf("kickoff %s: %w", d.name, err)
	}

	d.state.ToScanning()
	d.logger.Debug("kickoff accepted", "method", "Kickoff")

	return device.NewFinishedStatus(), nil
}

// Trigger acquires the next point.
//
// It allocates the next data index, composes the datums of the enabled ROI channels and runs
// scan_point_start, the acquire wait and scan_point_end in the background. The returned status
// finishes when the point ends, or fails with the first remote error. Points are not canceled by
// ctx once started; they stop only when the detector is closed.
func (d *Detector) Trigger(ctx context.Context) (*device.Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if d.closed.Load() {
		return nil, ErrDetectorClosed
	}

	d.mu.Lock()
	state := d.state.Get()
	if state != StagedState && state != ScanningState {
		d.mu.Unlock()
		return nil, &StateError{Op: "trigger", State: state, Err: ErrNoSession}
	}
	index := d.sess.nextIndex()
	d.mu.Unlock()

	for _, ch := range d.ROIChannels() {
		ch.Trigger(index)
	}

	st := device.NewStatus()
	err := d.taskMgr.Go(fmt.Sprintf("acquire-%d", index), func(tctx context.Context) {
		d.acquire(tctx, st, index)
	})
	if err != nil {
		return nil, fmt.Errorf("trigger %s: %w", d.name, err)
	}

	return st, nil
}

// acquire runs one point. t1 is the instrument timestamp when scan_point_start reports one and
// the local clock otherwise; t2 is taken after the wait and never precedes t1. With WithSaveROI
// the ROI counts are stored once the point ends.
func (d *Detector) acquire(ctx context.Context, st *device.Status, index int64) {
	t1 := device.Now()
	if ts, ok, err := d.remote.ScanPointStart(ctx, index, t1); err != nil {
		d.logger.Warn("scan point start failed", "method", "acquire", "index", index, "error", err)
		st.Fail(fmt.Errorf("point %d: %w", index, err))

		return
	} else if ok {
		t1 = ts
	}

	acquireTime := secondsToDuration(d.acquireTime.Get())
	if err := pool.Sleep(ctx, acquireTime); err != nil {
		st.Fail(fmt.Errorf("point %d: %w", index, err))
		return
	}

	t2 := max(device.Now(), t1)
	if err := d.remote.ScanPointEnd(ctx, t2); err != nil {
		d.logger.Warn("scan point end failed", "method", "acquire", "index", index, "error", err)
		st.Fail(fmt.Errorf("point %d: %w", index, err))

		return
	}

	if d.cfg.saveROI && d.cfg.writeOFF {
		if err := d.remote.ROISaveCounts(ctx); err != nil {
			d.logger.Warn("roi save counts failed", "method", "acquire", "index", index, "error", err)
			st.Fail(fmt.Errorf("point %d: %w", index, err))

			return
		}
	}

	d.setLastPointTime(t2)
	d.logger.Debug("point acquired", "method", "acquire", "index", index, "t1", t1, "t2", t2)
	st.Finish()
}

// Collect returns the events produced since the previous call.
//
// Every call enqueues the current time as an instruction for the scan worker. After Complete,
// Collect waits until every instruction has produced its event, stops the worker and moves the
// detector to Collected. Events are returned once, in instruction order.
func (d *Detector) Collect(ctx context.Context) ([]Event, error) {
	d.collectMu.Lock()
	defer d.collectMu.Unlock()

	d.mu.Lock()
	state := d.state.Get()
	sess := d.sess
	d.mu.Unlock()

	if (state != ScanningState && state != CompletingState) || sess.isCollected() {
		return nil, &StateError{Op: "collect", State: state, Err: ErrNoSession}
	}

	events, err := sess.enqueue(ctx, device.Now())
	if errors.Is(err, ErrNoSession) {
		// the session was collected or closed while enqueueing
		return events, &StateError{Op: "collect", State: d.State(), Err: ErrNoSession}
	} else if err != nil {
		return events, fmt.Errorf("collect %s: %w", d.name, err)
	}

	if sess.isCompleted() {
		d.logger.Debug("joining instructions", "method", "Collect")

		joined, err := sess.join(ctx)
		events = append(events, joined...)
		if err != nil {
			return events, fmt.Errorf("collect %s: %w", d.name, err)
		}

		sess.markCollected()

		d.mu.Lock()
		if d.sess == sess {
			d.state.ToCollected()
		}
		d.mu.Unlock()
	}

	return append(events, sess.drainEvents()...), nil
}

// Complete ends the fly scan remotely.
//
// It resets the calibration flag, sends scan_end(false), marks the session completed and clears
// the scan context. It fails with a *StateError wrapping ErrNoSession without a session, or
// ErrAlreadyCompleted when the session was already completed.
func (d *Detector) Complete(ctx context.Context) (*device.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := d.state.Get()
	if state == IdleState || d.sess == nil {
		return nil, &StateError{Op: "complete", State: state, Err: ErrNoSession}
	}

	sess := d.sess
	if sess.isCompleted() {
		return nil, &StateError{Op: "complete", State: state, Err: ErrAlreadyCompleted}
	}

	if err := d.endRemoteRun(ctx, sess); err != nil {
		return nil, fmt.Errorf("complete %s: %w", d.name, err)
	}

	sess.markCompleted()
	d.state.ToCompleting()
	d.scanCtx = nil
	d.logger.Debug("acquisition completed", "method", "Complete")

	return sess.completion, nil
}

// Stop marks the current session completed without contacting the instrument.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sess == nil || d.sess.isCompleted() {
		return
	}

	d.sess.markCompleted()
	d.state.ToCompleting()
	d.logger.Info("acquisition stopped", "method", "Stop")
}

// scanWorker turns instructions into events until the session is collected.
func (d *Detector) scanWorker(sess *session) task.LoopFunc {
	return func(ctx context.Context) bool {
		timer := pool.GetTimer(d.cfg.workerPollInterval)
		defer pool.PutTimer(timer)

		select {
		case <-sess.collected:
			d.logger.Debug("scan worker exiting", "method", "scanWorker")
			return false

		case <-ctx.Done():
			return false

		case in := <-sess.instructions:
			ev := Event{
				Time:       device.Now(),
				Data:       map[string]any{"tfy": 1},
				Timestamps: map[string]float64{"tfy": in.ts},
				Seq:        in.seq,
			}

			select {
			case sess.events <- ev:
			case <-sess.collected:
			case <-ctx.Done():
			}
			sess.ack()

			return true

		case <-timer.C:
			d.logger.Debug("scan worker idle", "method", "scanWorker", "interval", d.cfg.workerPollInterval)
			return true
		}
	}
}
