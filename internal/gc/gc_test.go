package gc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chainarchive/internal/cell"
	"chainarchive/internal/types"
)

type fakeSweeper struct {
	calls int32
	err   error
}

func (f *fakeSweeper) RunGC(now time.Time, mayDelete cell.MayDeleteState) error {
	atomic.AddInt32(&f.calls, 1)
	return f.err
}

func TestSweepNowInvokesSweeper(t *testing.T) {
	f := &fakeSweeper{}
	m := New(f, time.Hour, nil)
	require.NoError(t, m.SweepNow(time.Unix(1000, 0)))
	require.EqualValues(t, 1, atomic.LoadInt32(&f.calls))

	status := m.Status()
	require.Equal(t, uint64(1), status["run_count"])
}

func TestStartStopRunsOnInterval(t *testing.T) {
	f := &fakeSweeper{}
	m := New(f, 20*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	time.Sleep(100 * time.Millisecond)
	m.Stop()

	require.GreaterOrEqual(t, atomic.LoadInt32(&f.calls), int32(2))
}

func TestStartIsIdempotent(t *testing.T) {
	f := &fakeSweeper{}
	m := New(f, time.Hour, nil)
	ctx := context.Background()
	m.Start(ctx)
	m.Start(ctx)
	m.Stop()
}

func TestMayDeleteDefaultsToAlwaysTrue(t *testing.T) {
	var captured cell.MayDeleteState
	f := &recordingSweeper{capture: &captured}
	m := New(f, time.Hour, nil)
	require.NoError(t, m.SweepNow(time.Now()))
	require.True(t, captured(types.BlockID{}))
}

type recordingSweeper struct {
	capture *cell.MayDeleteState
}

func (r *recordingSweeper) RunGC(now time.Time, mayDelete cell.MayDeleteState) error {
	*r.capture = mayDelete
	return nil
}
