package trending

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type blockingRunner struct {
	calls   atomic.Int32
	release chan struct{}
	entered chan struct{}
	once    sync.Once
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{release: make(chan struct{}), entered: make(chan struct{})}
}

func (r *blockingRunner) CalculateTrending(ctx context.Context, payload Payload) (RunResult, error) {
	r.calls.Add(1)
	r.once.Do(func() { close(r.entered) })
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return RunResult{CacheUpdates: len(payload.TargetTypes)}, nil
}

type countingRunner struct {
	calls atomic.Int32
}

func (r *countingRunner) CalculateTrending(context.Context, Payload) (RunResult, error) {
	r.calls.Add(1)
	return RunResult{}, nil
}

func TestSchedulerRejectsInvalidSchedule(t *testing.T) {
	_, err := NewScheduler(SchedulerConfig{Runner: &countingRunner{}, Schedule: "every now and then"})
	assert.Error(t, err)

	_, err = NewScheduler(SchedulerConfig{})
	assert.Error(t, err)
}

func TestSchedulerFiresAndStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	runner := &countingRunner{}
	scheduler, err := NewScheduler(SchedulerConfig{Runner: runner, Schedule: "@every 1s"})
	require.NoError(t, err)

	scheduler.Start(context.Background())
	require.Eventually(t, func() bool { return runner.calls.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	scheduler.Stop()
	scheduler.Stop()
}

func TestSchedulerRunOnceRejectsOverlap(t *testing.T) {
	defer goleak.VerifyNone(t)

	runner := newBlockingRunner()
	scheduler, err := NewScheduler(SchedulerConfig{Runner: runner})
	require.NoError(t, err)

	done := make(chan RunResult, 1)
	go func() {
		result, _ := scheduler.RunOnce(context.Background(), nil)
		done <- result
	}()
	<-runner.entered

	_, err = scheduler.RunOnce(context.Background(), nil)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(runner.release)
	result := <-done
	assert.Equal(t, 4, result.CacheUpdates, "default payload covers every target type")

	_, err = scheduler.RunOnce(context.Background(), &Payload{TargetTypes: nil})
	require.NoError(t, err)
	assert.Equal(t, int32(2), runner.calls.Load())
}

func TestSchedulerRejectsRunsAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	runner := &countingRunner{}
	scheduler, err := NewScheduler(SchedulerConfig{Runner: runner, Schedule: "@every 1h"})
	require.NoError(t, err)

	scheduler.Start(context.Background())
	scheduler.Stop()

	_, err = scheduler.RunOnce(context.Background(), nil)
	assert.ErrorIs(t, err, ErrSchedulerStopped)

	scheduler.Start(context.Background())
	_, err = scheduler.RunOnce(context.Background(), nil)
	assert.ErrorIs(t, err, ErrSchedulerStopped)
	assert.Zero(t, runner.calls.Load())
	scheduler.Stop()
}

func TestSchedulerStopWaitsForRunOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	runner := newBlockingRunner()
	scheduler, err := NewScheduler(SchedulerConfig{Runner: runner})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = scheduler.RunOnce(context.Background(), nil)
	}()
	<-runner.entered

	stopped := make(chan struct{})
	go func() {
		scheduler.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatalf("stop returned while a run was executing")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.release)
	<-done
	<-stopped
}
