package storage

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alarmProbe struct {
	fired  atomic.Int32
	seen   atomic.Pointer[time.Time]
	engine Engine
}

func (p *alarmProbe) onAlarm() {
	// a handler reading the alarm during dispatch sees none pending
	at, _ := p.engine.GetAlarm(context.Background())
	p.seen.Store(at)
	p.fired.Add(1)
}

func openWithAlarm(t *testing.T, tag string, mock *clock.Mock) (Engine, *alarmProbe) {
	t.Helper()
	probe := &alarmProbe{}
	engine, err := Open(context.Background(), tag, Options{
		Dir:     t.TempDir(),
		Name:    "alarm",
		Clock:   mock,
		OnAlarm: probe.onAlarm,
	})
	require.NoError(t, err)
	probe.engine = engine
	t.Cleanup(func() { engine.Close() })
	return engine, probe
}

func TestAlarmFiresOnceAndClears(t *testing.T) {
	ctx := context.Background()
	for _, tag := range []string{EngineMemory, EngineBolt, EngineSQLite} {
		t.Run(tag, func(t *testing.T) {
			mock := clock.NewMock()
			engine, probe := openWithAlarm(t, tag, mock)

			at := mock.Now().Add(time.Minute)
			require.NoError(t, engine.SetAlarm(ctx, at))

			got, err := engine.GetAlarm(ctx)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, got.Equal(at))

			mock.Add(30 * time.Second)
			assert.Equal(t, int32(0), probe.fired.Load())

			mock.Add(31 * time.Second)
			require.Eventually(t, func() bool { return probe.fired.Load() == 1 }, time.Second, 5*time.Millisecond)
			assert.Nil(t, probe.seen.Load())

			got, err = engine.GetAlarm(ctx)
			require.NoError(t, err)
			assert.Nil(t, got)

			mock.Add(time.Hour)
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, int32(1), probe.fired.Load())
		})
	}
}

func TestSetAlarmReplacesAndDeleteCancels(t *testing.T) {
	ctx := context.Background()
	for _, tag := range []string{EngineMemory, EngineBolt, EngineSQLite} {
		t.Run(tag, func(t *testing.T) {
			mock := clock.NewMock()
			engine, probe := openWithAlarm(t, tag, mock)

			require.NoError(t, engine.SetAlarm(ctx, mock.Now().Add(time.Minute)))
			require.NoError(t, engine.SetAlarm(ctx, mock.Now().Add(time.Hour)))

			mock.Add(2 * time.Minute)
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, int32(0), probe.fired.Load())

			require.NoError(t, engine.DeleteAlarm(ctx))
			got, err := engine.GetAlarm(ctx)
			require.NoError(t, err)
			assert.Nil(t, got)

			mock.Add(2 * time.Hour)
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, int32(0), probe.fired.Load())
		})
	}
}

func TestAlarmInPastIsClampedToNow(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	mock.Add(time.Hour)
	engine, probe := openWithAlarm(t, EngineMemory, mock)

	require.NoError(t, engine.SetAlarm(ctx, mock.Now().Add(-time.Minute)))
	got, err := engine.GetAlarm(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Equal(mock.Now()))

	mock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return probe.fired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStoredAlarmIsRearmedOnReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mock := clock.NewMock()

	first, err := Open(ctx, EngineSQLite, Options{Dir: dir, Name: "rearm", Clock: mock})
	require.NoError(t, err)
	require.NoError(t, first.SetAlarm(ctx, mock.Now().Add(time.Minute)))
	require.NoError(t, first.Close())

	var fired atomic.Int32
	second, err := Open(ctx, EngineSQLite, Options{Dir: dir, Name: "rearm", Clock: mock, OnAlarm: func() { fired.Add(1) }})
	require.NoError(t, err)
	defer second.Close()

	mock.Add(2 * time.Minute)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
}
