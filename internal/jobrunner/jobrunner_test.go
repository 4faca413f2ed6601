package jobrunner_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/concord-run/runner/internal/cmdbuilder"
	"github.com/concord-run/runner/internal/jobrunner"
	"github.com/concord-run/runner/internal/launcher"
	"github.com/concord-run/runner/internal/processpool"
	"github.com/concord-run/runner/internal/runnerjob"
	"github.com/concord-run/runner/logger"
	"github.com/stretchr/testify/require"
)

type fakeLog struct {
	mu      sync.Mutex
	chunks  [][]byte
	deleted bool
}

func (f *fakeLog) Info(string, ...any)  {}
func (f *fakeLog) Error(string, ...any) {}

func (f *fakeLog) Log(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, append([]byte(nil), p...))
	return nil
}

func (f *fakeLog) Run(stop func() bool) error {
	for !stop() {
		time.Sleep(time.Millisecond)
	}
	return nil
}

func (f *fakeLog) Delete() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = true
	return nil
}

type fixedResolver struct{ paths []string }

func (r fixedResolver) Resolve(context.Context, *runnerjob.RunnerJob, []string) ([]string, error) {
	return r.paths, nil
}

type shellBuilder struct{ script string }

func (b shellBuilder) Build(job *runnerjob.RunnerJob, paths []string) (cmdbuilder.Result, error) {
	return cmdbuilder.Result{Argv: []string{"/bin/sh", "-c", b.script}}, nil
}

type countingPostProcessor struct {
	mu    sync.Mutex
	calls []string
}

func (p *countingPostProcessor) Process(instanceID, payloadDir string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, instanceID)
	if _, err := os.Stat(payloadDir); err != nil {
		return err
	}
	return nil
}

func newJob(t *testing.T, instanceID string) *runnerjob.RunnerJob {
	t.Helper()
	payloadDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(payloadDir, "job.txt"), []byte("hi"), 0o644))
	return runnerjob.New(runnerjob.JobRequest{
		InstanceID: instanceID,
		PayloadDir: payloadDir,
		Log:        &fakeLog{},
	})
}

func newRunner(t *testing.T, script string, pool jobrunner.Pool, postProcessors []jobrunner.PostProcessor) *jobrunner.Runner {
	t.Helper()
	return jobrunner.New(
		logger.Discard,
		nil,
		jobrunner.Config{ProcDirRoot: t.TempDir(), TmpDir: t.TempDir()},
		fixedResolver{},
		shellBuilder{script: script},
		pool,
		launcher.New(logger.Discard),
		postProcessors,
	)
}

func TestRunHappyPreforkExitsZeroAndCleansUp(t *testing.T) {
	pool := processpool.New(logger.Discard, nil, processpool.Config{MaxAge: time.Minute, MaxCount: 2})
	pp := &countingPostProcessor{}
	r := newRunner(t, "exit 0", pool, []jobrunner.PostProcessor{pp})

	job := newJob(t, "job-1")
	h, err := r.Run(context.Background(), job)
	require.NoError(t, err)

	require.NoError(t, h.WaitForCompletion())
	require.False(t, h.IsCancelled())
	require.Len(t, pp.calls, 1)
	require.Equal(t, "job-1", pp.calls[0])
	require.True(t, job.Log.(*fakeLog).deleted, "cleanup should delete the process log")
}

func TestRunNonZeroExitSurfacesNonZeroExit(t *testing.T) {
	pool := processpool.New(logger.Discard, nil, processpool.Config{MaxAge: time.Minute, MaxCount: 2})
	r := newRunner(t, "exit 7", pool, nil)

	job := newJob(t, "job-2")
	h, err := r.Run(context.Background(), job)
	require.NoError(t, err)

	err = h.WaitForCompletion()
	require.Error(t, err)
	require.Contains(t, err.Error(), "7")
}

func TestRunOneShotWhenContainerRequested(t *testing.T) {
	pool := processpool.New(logger.Discard, nil, processpool.Config{MaxAge: time.Minute, MaxCount: 2})
	r := newRunner(t, "exit 0", pool, nil)

	job := runnerjob.New(runnerjob.JobRequest{
		InstanceID: "job-3",
		PayloadDir: t.TempDir(),
		Config:     runnerjob.Config{Container: map[string]string{"image": "x"}},
		Log:        &fakeLog{},
	})

	h, err := r.Run(context.Background(), job)
	require.NoError(t, err)
	require.NoError(t, h.WaitForCompletion())
	// A containerized job always takes the one-shot path, so the pool
	// should remain empty throughout.
	require.Equal(t, 0, pool.Len())
}

func TestCancelKillsProcessAndSurfacesInterruption(t *testing.T) {
	pool := processpool.New(logger.Discard, nil, processpool.Config{MaxAge: time.Minute, MaxCount: 2})
	r := newRunner(t, "sleep 30", pool, nil)

	job := newJob(t, "job-4")
	h, err := r.Run(context.Background(), job)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	h.Cancel()

	select {
	case <-waitChan(h):
	case <-time.After(10 * time.Second):
		t.Fatal("job did not complete after cancellation")
	}

	require.True(t, h.IsCancelled())
	require.ErrorContains(t, h.WaitForCompletion(), "execution interrupted")
}

func TestRunLogsPostProcessorFailureToCaller(t *testing.T) {
	buf := logger.NewBuffer()
	pool := processpool.New(logger.Discard, nil, processpool.Config{MaxAge: time.Minute, MaxCount: 2})
	r := jobrunner.New(
		buf,
		nil,
		jobrunner.Config{ProcDirRoot: t.TempDir(), TmpDir: t.TempDir()},
		fixedResolver{},
		shellBuilder{script: "exit 0"},
		pool,
		launcher.New(logger.Discard),
		[]jobrunner.PostProcessor{failingPostProcessor{}},
	)

	job := newJob(t, "job-5")
	h, err := r.Run(context.Background(), job)
	require.NoError(t, err)
	require.ErrorContains(t, h.WaitForCompletion(), "post-processing failed")

	var sawFailure bool
	for _, m := range buf.Messages {
		if strings.Contains(m, "job-5") && strings.Contains(m, "post-processor failed") {
			sawFailure = true
		}
	}
	require.True(t, sawFailure, "expected a post-processor failure message, got %v", buf.Messages)
}

type failingPostProcessor struct{}

func (failingPostProcessor) Process(instanceID, payloadDir string) error {
	return fmt.Errorf("post-processor deliberately failing for %s", instanceID)
}

func waitChan(h *jobrunner.Handle) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		_ = h.WaitForCompletion()
		close(ch)
	}()
	return ch
}
