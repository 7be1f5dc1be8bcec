package sandbox

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/forgeloop/pkg/config"
)

// fakeTransport records every command and answers via a scriptable respond
// function. The default response is a successful empty result.
type fakeTransport struct {
	mu       sync.Mutex
	commands []string
	respond  func(cmd string) (Result, error)
}

func (f *fakeTransport) Run(_ context.Context, command string, _ time.Duration) (Result, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		return respond(command)
	}
	if strings.HasPrefix(command, "docker run") {
		return Result{Stdout: "c0ffee\n"}, nil
	}
	return Result{}, nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

func (f *fakeTransport) find(substr string) string {
	for _, cmd := range f.recorded() {
		if strings.Contains(cmd, substr) {
			return cmd
		}
	}
	return ""
}

func testConfig() *config.SandboxConfig {
	cfg := config.Default().Sandbox
	cfg.ReaperInterval = time.Hour // keep the reaper quiet unless invoked
	return cfg
}

func newTestManager(t *testing.T, cfg *config.SandboxConfig) (*Manager, *fakeTransport) {
	t.Helper()
	transport := &fakeTransport{}
	m := NewManager(cfg, transport)
	t.Cleanup(m.Close)
	return m, transport
}

func TestManager_CreateContainer(t *testing.T) {
	m, transport := newTestManager(t, testConfig())

	container, err := m.CreateContainer(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "c0ffee", container.ID)
	assert.Equal(t, "/workspace/sess-1", container.Workspace)

	runCmd := transport.find("docker run")
	require.NotEmpty(t, runCmd)
	for _, flag := range []string{
		"--cpus=1",
		"--memory=2g",
		"--storage-opt size=10g",
		"--read-only",
		"--tmpfs /tmp:rw,noexec,nosuid,size=1g",
		"--tmpfs /workspace/sess-1:rw,exec,nosuid,size=5g",
		"-w /workspace/sess-1",
		"--cap-drop ALL",
		"--security-opt no-new-privileges",
		"--network none",
		"--label session=sess-1",
		"--label created=",
		"node:20-alpine",
		"sleep infinity",
	} {
		assert.Contains(t, runCmd, flag)
	}

	status := m.Status()
	assert.Equal(t, 1, status.Active)
	assert.Equal(t, 0, status.Queued)
	assert.Equal(t, 1, m.Metrics().Created)
}

func TestManager_CreateContainer_EngineFailure(t *testing.T) {
	m, transport := newTestManager(t, testConfig())
	transport.respond = func(cmd string) (Result, error) {
		if strings.HasPrefix(cmd, "docker run") {
			return Result{Stderr: "docker: permission denied", ExitCode: 126}, nil
		}
		return Result{}, nil
	}

	_, err := m.CreateContainer(context.Background(), "sess-1")
	require.Error(t, err)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, CategoryPermissionDenied, terr.Category)

	// A failed creation must not hold a pool slot.
	assert.Equal(t, 0, m.Status().Active)
	assert.Equal(t, 1, m.Metrics().CreateFailures)
}

func TestManager_ConcurrencyCapAndFIFO(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentContainers = 1
	m, _ := newTestManager(t, cfg)

	_, err := m.CreateContainer(context.Background(), "first")
	require.NoError(t, err)

	secondDone := make(chan error, 1)
	go func() {
		_, err := m.CreateContainer(context.Background(), "second")
		secondDone <- err
	}()

	// The second request queues behind the cap.
	require.Eventually(t, func() bool {
		return m.Status().Queued == 1
	}, time.Second, 5*time.Millisecond)
	select {
	case <-secondDone:
		t.Fatal("second creation should block at the cap")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = m.DestroyContainer(context.Background(), "first", "completed")
	require.NoError(t, err)

	require.NoError(t, <-secondDone)
	status := m.Status()
	assert.Equal(t, 1, status.Active)
	assert.Equal(t, 0, status.Queued)
}

func TestManager_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentContainers = 1
	cfg.CreateQueueCap = 1
	m, _ := newTestManager(t, cfg)

	_, err := m.CreateContainer(context.Background(), "holder")
	require.NoError(t, err)

	go func() {
		_, _ = m.CreateContainer(context.Background(), "queued")
	}()
	require.Eventually(t, func() bool {
		return m.Status().Queued == 1
	}, time.Second, 5*time.Millisecond)

	_, err = m.CreateContainer(context.Background(), "overflow")
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestManager_QueueWaiterCancellation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentContainers = 1
	m, _ := newTestManager(t, cfg)

	_, err := m.CreateContainer(context.Background(), "holder")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	waiterDone := make(chan error, 1)
	go func() {
		_, err := m.CreateContainer(ctx, "cancelled")
		waiterDone <- err
	}()
	require.Eventually(t, func() bool {
		return m.Status().Queued == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-waiterDone, context.Canceled)
	assert.Equal(t, 0, m.Status().Queued)

	// The slot still frees normally afterwards.
	_, err = m.DestroyContainer(context.Background(), "holder", "completed")
	require.NoError(t, err)
	_, err = m.CreateContainer(context.Background(), "next")
	require.NoError(t, err)
}

func TestManager_ExecInContainer(t *testing.T) {
	m, transport := newTestManager(t, testConfig())
	_, err := m.CreateContainer(context.Background(), "sess-1")
	require.NoError(t, err)

	transport.respond = func(cmd string) (Result, error) {
		if strings.Contains(cmd, "docker exec") {
			return Result{Stdout: "boom", ExitCode: 2}, nil
		}
		return Result{}, nil
	}

	res, err := m.ExecInContainer(context.Background(), "sess-1", "node index.js", 0)
	require.NoError(t, err, "non-zero exit is not a transport error")
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "boom", res.Output)

	execCmd := transport.find("docker exec")
	assert.Contains(t, execCmd, "-w '/workspace/sess-1'")
	assert.Contains(t, execCmd, "c0ffee")
}

func TestManager_ExecInContainer_NoContainer(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	_, err := m.ExecInContainer(context.Background(), "ghost", "ls", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_WriteFile(t *testing.T) {
	m, transport := newTestManager(t, testConfig())
	_, err := m.CreateContainer(context.Background(), "sess-1")
	require.NoError(t, err)

	content := "const x = 1;\nconsole.log(x);\n"
	require.NoError(t, m.WriteFile(context.Background(), "sess-1", "src/index.js", content))

	// The payload travels base64-encoded, never shell-quoted raw.
	writeCmd := transport.find("base64 -d")
	require.NotEmpty(t, writeCmd)
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	assert.Contains(t, writeCmd, encoded)
	assert.Contains(t, writeCmd, "/workspace/sess-1/src/index.js")
	assert.Contains(t, writeCmd, "mkdir -p")
	assert.NotContains(t, writeCmd, "console.log")
}

func TestManager_WriteFile_RejectsEscapingPaths(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	_, err := m.CreateContainer(context.Background(), "sess-1")
	require.NoError(t, err)

	for _, p := range []string{
		"../outside.js",
		"src/../../etc/passwd",
		"/etc/passwd",
		"/workspace/other-session/file.js",
	} {
		err := m.WriteFile(context.Background(), "sess-1", p, "data")
		assert.Error(t, err, "path %q must be rejected", p)
	}

	// Absolute paths inside the workspace are fine.
	assert.NoError(t, m.WriteFile(context.Background(), "sess-1", "/workspace/sess-1/ok.js", "data"))
}

func TestManager_CreateSnapshot(t *testing.T) {
	m, transport := newTestManager(t, testConfig())
	_, err := m.CreateContainer(context.Background(), "sess-1")
	require.NoError(t, err)

	transport.respond = func(cmd string) (Result, error) {
		if strings.HasPrefix(cmd, "docker commit") {
			return Result{Stdout: "sha256:abc123\n"}, nil
		}
		return Result{}, nil
	}

	snap, err := m.CreateSnapshot(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(snap.Name, "sandbox-sess-1-"))
	assert.Equal(t, "sha256:abc123", snap.ImageID)
	assert.False(t, snap.Timestamp.IsZero())
}

func TestManager_GetResourceUsage(t *testing.T) {
	m, transport := newTestManager(t, testConfig())
	_, err := m.CreateContainer(context.Background(), "sess-1")
	require.NoError(t, err)

	transport.respond = func(cmd string) (Result, error) {
		if strings.Contains(cmd, "docker stats") {
			return Result{Stdout: "12.5%|256MiB / 2GiB|1.2kB / 0B|4MB / 8MB\n"}, nil
		}
		return Result{}, nil
	}

	usage, err := m.GetResourceUsage(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "12.5%", usage.CPU)
	assert.Equal(t, "256MiB / 2GiB", usage.Memory)
	assert.Equal(t, "1.2kB / 0B", usage.Network)
	assert.Equal(t, "4MB / 8MB", usage.Disk)
	assert.Greater(t, usage.Uptime, time.Duration(0))
}

func TestManager_DestroyContainer_Idempotent(t *testing.T) {
	m, transport := newTestManager(t, testConfig())
	_, err := m.CreateContainer(context.Background(), "sess-1")
	require.NoError(t, err)

	first, err := m.DestroyContainer(context.Background(), "sess-1", "completed")
	require.NoError(t, err)
	assert.True(t, first.OK)
	assert.Greater(t, first.Lifetime, time.Duration(0))

	second, err := m.DestroyContainer(context.Background(), "sess-1", "completed")
	require.NoError(t, err)
	assert.True(t, second.OK)

	// Only one engine-side removal happened.
	removals := 0
	for _, cmd := range transport.recorded() {
		if strings.HasPrefix(cmd, "docker rm -f") {
			removals++
		}
	}
	assert.Equal(t, 1, removals)
	assert.Equal(t, 0, m.Status().Active)
}

func TestManager_CleanupAll(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	for _, id := range []string{"a", "b", "c"} {
		_, err := m.CreateContainer(context.Background(), id)
		require.NoError(t, err)
	}

	result := m.CleanupAll(context.Background())
	assert.Equal(t, CleanupResult{Total: 3, OK: 3}, result)
	assert.Equal(t, 0, m.Status().Active)
	assert.Empty(t, m.Status().Containers)
}

func TestManager_Reaper(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	_, err := m.CreateContainer(context.Background(), "old")
	require.NoError(t, err)
	_, err = m.CreateContainer(context.Background(), "young")
	require.NoError(t, err)

	// Age one container past its budget plus grace.
	m.mu.Lock()
	m.containers["old"].CreatedAt = time.Now().Add(-(m.cfg.MaxExecutionTime + m.cfg.ReaperGrace + time.Minute))
	m.mu.Unlock()

	m.reap()

	status := m.Status()
	require.Len(t, status.Containers, 1)
	assert.Equal(t, "young", status.Containers[0].SessionID)
	assert.Equal(t, 1, m.Metrics().Reaped)
}

func TestManager_HealthCheck(t *testing.T) {
	m, transport := newTestManager(t, testConfig())

	transport.respond = func(cmd string) (Result, error) {
		return Result{Stdout: "27.1.0\n"}, nil
	}
	health := m.HealthCheck(context.Background())
	assert.True(t, health.Healthy)
	assert.Equal(t, "27.1.0", health.EngineVersion)

	transport.respond = func(cmd string) (Result, error) {
		return Result{}, &TransportError{Category: CategorySSHFailed, Op: "dial"}
	}
	health = m.HealthCheck(context.Background())
	assert.False(t, health.Healthy)
	assert.NotEmpty(t, health.Error)
}

func TestResolveWorkspacePath(t *testing.T) {
	workspace := "/workspace/sess-1"

	got, err := resolveWorkspacePath(workspace, "index.js")
	require.NoError(t, err)
	assert.Equal(t, "/workspace/sess-1/index.js", got)

	got, err = resolveWorkspacePath(workspace, "/workspace/sess-1/deep/file.ts")
	require.NoError(t, err)
	assert.Equal(t, "/workspace/sess-1/deep/file.ts", got)

	for _, p := range []string{"../up.js", "a/../../b", "/etc/shadow", "/workspace/sess-2/x"} {
		_, err := resolveWorkspacePath(workspace, p)
		assert.Error(t, err, "path %q", p)
	}
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'plain'", shellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
