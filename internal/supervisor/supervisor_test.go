package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	pid     int
	alive   bool
	waitErr error
	waitCh  chan struct{}
}

func (f *fakeProcess) Wait() error {
	<-f.waitCh
	return f.waitErr
}
func (f *fakeProcess) PID() int    { return f.pid }
func (f *fakeProcess) Alive() bool { return f.alive }
func (f *fakeProcess) Kill() error { f.alive = false; return nil }

func fakeStarter(proc *fakeProcess) ProcessStarter {
	return func(ctx context.Context, command, prompt, logPath string) (Process, error) {
		return proc, nil
	}
}

func TestSpawnTracksHandle(t *testing.T) {
	proc := &fakeProcess{pid: 42, alive: true, waitCh: make(chan struct{})}
	s := NewSupervisor(fakeStarter(proc))

	h, err := s.Spawn(context.Background(), "TASK_001", "echo", "hi", "/tmp/does-not-matter.log", time.Minute, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 42, h.Process.PID())

	got, ok := s.Handle("TASK_001")
	assert.True(t, ok)
	assert.Same(t, h, got)
	close(proc.waitCh)
}

func TestCheckHealthDetectsPidDeath(t *testing.T) {
	proc := &fakeProcess{pid: 1, alive: false, waitCh: make(chan struct{})}
	defer close(proc.waitCh)
	h := &Handle{Process: proc, LaunchedAt: time.Now(), done: make(chan struct{})}

	det := h.CheckHealth()
	assert.True(t, det.Detected)
	assert.Equal(t, "pid_alive_check", det.DetectionMethod)
}

func TestCheckHealthDetectsProcessTimeout(t *testing.T) {
	proc := &fakeProcess{pid: 1, alive: true, waitCh: make(chan struct{})}
	defer close(proc.waitCh)
	h := &Handle{
		Process:    proc,
		LaunchedAt: time.Now().Add(-2 * time.Hour),
		Timeout:    time.Hour,
		done:       make(chan struct{}),
	}

	det := h.CheckHealth()
	assert.True(t, det.Detected)
	assert.Equal(t, "process_timeout", det.DetectionMethod)
}

func TestCheckHealthDetectsLogStaleness(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "task.log")
	require.NoError(t, os.WriteFile(logPath, []byte("x"), 0o600))
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(logPath, stale, stale))

	proc := &fakeProcess{pid: 1, alive: true, waitCh: make(chan struct{})}
	defer close(proc.waitCh)
	h := &Handle{
		Process:    proc,
		LaunchedAt: time.Now(),
		LogPath:    logPath,
		MaxStale:   time.Minute,
		done:       make(chan struct{}),
	}

	det := h.CheckHealth()
	assert.True(t, det.Detected)
	assert.Equal(t, "log_staleness", det.DetectionMethod)
}

func TestCheckHealthNoIssue(t *testing.T) {
	proc := &fakeProcess{pid: 1, alive: true, waitCh: make(chan struct{})}
	defer close(proc.waitCh)
	h := &Handle{
		Process:    proc,
		LaunchedAt: time.Now(),
		Timeout:    time.Hour,
		done:       make(chan struct{}),
	}

	det := h.CheckHealth()
	assert.False(t, det.Detected)
}

func TestTrackedTaskIDs(t *testing.T) {
	proc := &fakeProcess{pid: 1, alive: true, waitCh: make(chan struct{})}
	defer close(proc.waitCh)
	s := NewSupervisor(fakeStarter(proc))
	_, err := s.Spawn(context.Background(), "TASK_001", "echo", "hi", "/tmp/x.log", time.Minute, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, []string{"TASK_001"}, s.TrackedTaskIDs())
}
