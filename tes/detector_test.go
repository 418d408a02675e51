package tes

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-tes/logger"
	"github.com/arloliu/go-tes/rpc"
	"github.com/arloliu/go-tes/sim"
)

func TestMain(m *testing.M) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)

	os.Exit(m.Run())
}

const testRoot = "/data/tes"

// newTestInstrument serves a simulated instrument on a loopback port and returns a client for it.
func newTestInstrument(t *testing.T, opts ...sim.Option) (*sim.Instrument, *rpc.Client) {
	t.Helper()
	require := require.New(t)

	inst := sim.NewInstrument(testRoot, opts...)
	d := rpc.NewDispatcher(nil)
	require.NoError(inst.Register(d))

	serverCfg, err := rpc.NewServerConfig("127.0.0.1", 0,
		rpc.WithAcceptTimeout(50*time.Millisecond),
		rpc.WithCloseTimeout(time.Second),
	)
	require.NoError(err)

	server, err := rpc.NewServer(context.Background(), serverCfg, d)
	require.NoError(err)
	require.NoError(server.Start())
	t.Cleanup(func() { _ = server.Close() })

	host, portStr, err := net.SplitHostPort(server.Addr())
	require.NoError(err)
	port, err := strconv.Atoi(portStr)
	require.NoError(err)

	clientCfg, err := rpc.NewClientConfig(host, port, rpc.WithCallTimeout(5*time.Second))
	require.NoError(err)
	client, err := rpc.NewClient(clientCfg)
	require.NoError(err)

	return inst, client
}

func newTestDetector(t *testing.T, caller rpc.Caller, opts ...Option) *Detector {
	t.Helper()
	require := require.New(t)

	opts = append([]Option{WithAcquireTime(10 * time.Millisecond)}, opts...)
	cfg, err := NewConfig(opts...)
	require.NoError(err)

	det, err := NewDetector(context.Background(), "tes", caller, cfg)
	require.NoError(err)
	t.Cleanup(func() { _ = det.Close() })

	return det
}

// newFileOpenEnv returns a detector whose instrument already has a data file open.
func newFileOpenEnv(t *testing.T, opts ...Option) (*Detector, *sim.Instrument) {
	t.Helper()

	inst, client := newTestInstrument(t)
	det := newTestDetector(t, client, opts...)
	require.NoError(t, det.FileStart(context.Background(), false))
	inst.ResetHistory()

	return det, inst
}

func floatParam(t *testing.T, c sim.Call, i int) float64 {
	t.Helper()

	v, err := c.Params.Float(i)
	require.NoError(t, err)

	return v
}

func TestDetector_FlyScan(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	det, inst := newFileOpenEnv(t)
	require.Equal(IdleState, det.State())

	st, err := det.Kickoff(ctx)
	require.NoError(err)
	require.True(st.IsDone())
	require.Equal(ScanningState, det.State())

	pointStatus, err := det.Trigger(ctx)
	require.NoError(err)
	require.NoError(pointStatus.Wait(ctx))

	completion, err := det.Complete(ctx)
	require.NoError(err)
	require.NoError(completion.Wait(ctx))
	require.Equal(CompletingState, det.State())

	events, err := det.Collect(ctx)
	require.NoError(err)
	require.Len(events, 1)
	require.Equal(map[string]any{"tfy": 1}, events[0].Data)
	require.Contains(events[0].Timestamps, "tfy")
	require.Positive(events[0].Timestamps["tfy"])
	require.Equal(CollectedState, det.State())

	require.Equal([]string{"scan_start", "scan_point_start", "scan_point_end", "scan_end"}, inst.Methods())

	start := inst.CallsTo("scan_point_start")[0]
	index, err := start.Params.Int(0)
	require.NoError(err)
	require.Equal(0, index)
	t1 := floatParam(t, start, 1)
	t2 := floatParam(t, inst.CallsTo("scan_point_end")[0], 0)
	require.GreaterOrEqual(t2, t1)
	require.Equal(t2, det.LastPointTime())

	postProcess, err := inst.CallsTo("scan_end")[0].Params.Bool(0)
	require.NoError(err)
	require.False(postProcess)

	run, ok := inst.Run()
	require.True(ok)
	require.Equal("mono", run.VarName)
	require.Equal("eV", run.VarUnit)
	require.Equal("none", run.DriftCorrectionPlan)
	require.Equal(1, run.Points)
}

func TestDetector_KickoffTwice(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	det, _ := newFileOpenEnv(t)

	_, err := det.Kickoff(ctx)
	require.NoError(err)

	_, err = det.Kickoff(ctx)
	require.ErrorIs(err, ErrReentry)

	var stateErr *StateError
	require.ErrorAs(err, &stateErr)
	require.Equal("kickoff", stateErr.Op)
	require.Equal(ScanningState, stateErr.State)
	require.Equal(ScanningState, det.State())

	err = det.StartLog(StartDocument{ScanID: 3})
	require.ErrorIs(err, ErrReentry)
}

func TestDetector_CompleteErrors(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	det, inst := newFileOpenEnv(t)

	_, err := det.Complete(ctx)
	require.ErrorIs(err, ErrNoSession)
	require.Empty(inst.Methods())

	_, err = det.Collect(ctx)
	require.ErrorIs(err, ErrNoSession)

	_, err = det.Trigger(ctx)
	require.ErrorIs(err, ErrNoSession)

	_, err = det.Kickoff(ctx)
	require.NoError(err)

	_, err = det.Complete(ctx)
	require.NoError(err)

	_, err = det.Complete(ctx)
	require.ErrorIs(err, ErrAlreadyCompleted)
	require.Len(inst.CallsTo("scan_end"), 1)

	_, err = det.Collect(ctx)
	require.NoError(err)

	_, err = det.Collect(ctx)
	require.ErrorIs(err, ErrNoSession)

	_, err = det.Complete(ctx)
	require.ErrorIs(err, ErrAlreadyCompleted)
}

func TestDetector_KickoffAfterCollected(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	det, inst := newFileOpenEnv(t)

	for range 2 {
		_, err := det.Kickoff(ctx)
		require.NoError(err)
		_, err = det.Complete(ctx)
		require.NoError(err)
		events, err := det.Collect(ctx)
		require.NoError(err)
		require.Len(events, 1)
		require.Equal(CollectedState, det.State())
	}

	require.Len(inst.CallsTo("scan_start"), 2)
	require.Len(inst.CallsTo("scan_end"), 2)
}

func TestDetector_KickoffRemoteFailure(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	det, inst := newFileOpenEnv(t)
	inst.FailNext("scan_start", errors.New("detector busy"))

	_, err := det.Kickoff(ctx)
	require.ErrorIs(err, rpc.ErrCallFailed)

	var remoteErr *rpc.RemoteError
	require.ErrorAs(err, &remoteErr)
	require.Contains(remoteErr.Message, "detector busy")
	require.Equal(IdleState, det.State())

	_, err = det.Kickoff(ctx)
	require.NoError(err)
}

func TestDetector_CollectMultiple(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	det, inst := newFileOpenEnv(t)

	_, err := det.Kickoff(ctx)
	require.NoError(err)

	var events []Event
	for range 3 {
		st, err := det.Trigger(ctx)
		require.NoError(err)
		require.NoError(st.Wait(ctx))

		got, err := det.Collect(ctx)
		require.NoError(err)
		events = append(events, got...)
	}

	_, err = det.Complete(ctx)
	require.NoError(err)

	got, err := det.Collect(ctx)
	require.NoError(err)
	events = append(events, got...)

	require.Len(events, 4)
	for i, ev := range events {
		require.Equal(int64(i), ev.Seq)
	}

	indexes := make(map[int]bool)
	for _, c := range inst.CallsTo("scan_point_start") {
		index, err := c.Params.Int(0)
		require.NoError(err)
		indexes[index] = true
	}
	require.Equal(map[int]bool{0: true, 1: true, 2: true}, indexes)
}

func TestDetector_ConcurrentTriggers(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	det, inst := newFileOpenEnv(t)

	_, err := det.Kickoff(ctx)
	require.NoError(err)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := det.Trigger(ctx)
			if err == nil {
				err = st.Wait(ctx)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(err)
	}
	require.Len(inst.CallsTo("scan_point_start"), 5)
	require.Len(inst.CallsTo("scan_point_end"), 5)
}

func TestDetector_LocalTimestamps(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	inst, client := newTestInstrument(t, sim.WithPointTimestamps(false))
	det := newTestDetector(t, client)
	require.NoError(det.FileStart(ctx, false))

	_, err := det.Kickoff(ctx)
	require.NoError(err)

	before := det.LastPointTime()
	st, err := det.Trigger(ctx)
	require.NoError(err)
	require.NoError(st.Wait(ctx))

	require.Greater(det.LastPointTime(), before)
	t1 := floatParam(t, inst.CallsTo("scan_point_start")[0], 1)
	require.GreaterOrEqual(det.LastPointTime(), t1)
}

func TestDetector_PointFailure(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	det, inst := newFileOpenEnv(t)

	_, err := det.Kickoff(ctx)
	require.NoError(err)

	inst.FailNext("scan_point_end", errors.New("buffer overrun"))
	st, err := det.Trigger(ctx)
	require.NoError(err)

	err = st.Wait(ctx)
	require.ErrorIs(err, rpc.ErrCallFailed)
	require.Contains(err.Error(), "buffer overrun")
	require.Equal(ScanningState, det.State())
}

func TestDetector_Calibration(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	det, inst := newFileOpenEnv(t, WithCalibration(true), WithCalibrationRoutine("ssrl_10_1_mix"))
	require.True(det.CalibrationFlag().Get())

	_, err := det.Kickoff(ctx)
	require.NoError(err)
	_, err = det.Complete(ctx)
	require.NoError(err)
	require.False(det.CalibrationFlag().Get())

	require.Equal([]string{"calibration_start", "scan_end"}, inst.Methods())
	routine, err := inst.CallsTo("calibration_start")[0].Params.String(7)
	require.NoError(err)
	require.Equal("ssrl_10_1_mix", routine)
	require.Equal("calibrated", inst.CalibrationState())

	_, err = det.Collect(ctx)
	require.NoError(err)

	_, err = det.Kickoff(ctx)
	require.NoError(err)
	require.Len(inst.CallsTo("scan_start"), 1)
}

func TestDetector_StartLog(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	det, inst := newFileOpenEnv(t)

	require.NoError(det.StartLog(StartDocument{
		Motors:   []string{"en"},
		Sample:   "Fe2O3",
		SampleID: 42,
		UID:      "run-uid",
		ScanID:   5,
	}))

	sc, ok := det.ScanContext()
	require.True(ok)
	require.Equal("en", sc.VarName)

	_, err := det.Kickoff(ctx)
	require.NoError(err)

	run, ok := inst.Run()
	require.True(ok)
	require.Equal("en", run.VarName)
	require.Equal(5, run.ScanNum)
	require.Equal(float64(42), run.SampleID)
	require.Equal("Fe2O3", run.SampleName)
	require.Equal(map[string]any{"uid": "run-uid"}, run.Extra)

	_, err = det.Complete(ctx)
	require.NoError(err)

	_, ok = det.ScanContext()
	require.False(ok)
}

func TestDetector_KickoffWith(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	det, inst := newFileOpenEnv(t)
	require.NoError(det.StartLog(StartDocument{Motors: []string{"ignored"}}))

	_, err := det.KickoffWith(ctx, ScanContext{VarName: "energy", ScanNum: 9})
	require.NoError(err)

	run, ok := inst.Run()
	require.True(ok)
	require.Equal("energy", run.VarName)
	require.Equal(9, run.ScanNum)
	require.Equal(float64(1), run.SampleID)
	require.Equal("sample", run.SampleName)
	require.Empty(run.Extra)
}

func TestDetector_Stop(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	det, inst := newFileOpenEnv(t)

	_, err := det.Kickoff(ctx)
	require.NoError(err)

	det.Stop()
	require.Equal(CompletingState, det.State())

	events, err := det.Collect(ctx)
	require.NoError(err)
	require.Len(events, 1)
	require.Empty(inst.CallsTo("scan_end"))
}

func TestDetector_WorkerIdle(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	var buf syncBuffer
	l := logger.NewSlogWithWriter(&buf, logger.DebugLevel, false)

	det, _ := newFileOpenEnv(t, WithWorkerPollInterval(10*time.Millisecond), WithLogger(l))

	_, err := det.Kickoff(ctx)
	require.NoError(err)

	require.Eventually(func() bool {
		return strings.Contains(buf.String(), "scan worker idle")
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(ScanningState, det.State())

	_, err = det.Complete(ctx)
	require.NoError(err)
	events, err := det.Collect(ctx)
	require.NoError(err)
	require.Len(events, 1)
}

func TestDetector_Close(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	det, _ := newFileOpenEnv(t)

	_, err := det.Kickoff(ctx)
	require.NoError(err)

	require.NoError(det.Close())
	require.NoError(det.Close())

	_, err = det.Trigger(ctx)
	require.ErrorIs(err, ErrDetectorClosed)

	_, err = det.Kickoff(ctx)
	require.ErrorIs(err, ErrDetectorClosed)

	_, err = det.Collect(ctx)
	var stateErr *StateError
	require.ErrorAs(err, &stateErr)
	require.Equal("collect", stateErr.Op)
	require.Equal(ScanningState, stateErr.State)
	require.ErrorIs(err, ErrNoSession)
}

func TestNewDetector_Errors(t *testing.T) {
	require := require.New(t)

	_, err := NewDetector(context.Background(), "tes", nil, nil)
	require.ErrorIs(err, ErrConfigNil)

	cfg, err := NewConfig()
	require.NoError(err)
	_, err = NewDetector(context.Background(), "tes", nil, cfg)
	require.ErrorIs(err, ErrCallerNil)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}
