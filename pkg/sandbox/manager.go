// Package sandbox manages remote, network-isolated containers in which
// generated code is materialized and validated. All engine operations are
// issued over SSH to the host named in the configuration.
package sandbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/forgeworks/forgeloop/pkg/config"
)

// Container is a live sandbox bound to one session.
type Container struct {
	ID        string
	SessionID string
	Workspace string
	CreatedAt time.Time

	lifetime *time.Timer
}

// ExecResult is the outcome of a command run inside a container. A non-zero
// exit is not an error; only transport failures surface as errors.
type ExecResult struct {
	Success  bool
	Output   string
	ExitCode int
}

// Snapshot records an image commit of a container's filesystem.
type Snapshot struct {
	Name      string    `json:"name"`
	ImageID   string    `json:"image_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ResourceUsage is a point-in-time reading of a container's consumption.
type ResourceUsage struct {
	CPU     string        `json:"cpu"`
	Memory  string        `json:"memory"`
	Network string        `json:"network"`
	Disk    string        `json:"disk"`
	Uptime  time.Duration `json:"uptime"`
}

// DestroyResult reports a container teardown.
type DestroyResult struct {
	OK       bool          `json:"ok"`
	Lifetime time.Duration `json:"lifetime"`
}

// CleanupResult summarizes a cleanupAll sweep.
type CleanupResult struct {
	Total  int `json:"total"`
	OK     int `json:"ok"`
	Failed int `json:"failed"`
}

// Health reports remote engine reachability.
type Health struct {
	Healthy       bool   `json:"healthy"`
	EngineVersion string `json:"engine_version,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ContainerInfo is a status projection of one live container.
type ContainerInfo struct {
	SessionID   string        `json:"session_id"`
	ContainerID string        `json:"container_id"`
	Age         time.Duration `json:"age"`
}

// Status is a snapshot of the pool.
type Status struct {
	Active     int             `json:"active"`
	Queued     int             `json:"queued"`
	Max        int             `json:"max"`
	Containers []ContainerInfo `json:"containers"`
}

// Metrics counts pool activity since process start.
type Metrics struct {
	Created        int `json:"created"`
	CreateFailures int `json:"create_failures"`
	Destroyed      int `json:"destroyed"`
	Reaped         int `json:"reaped"`
}

const sandboxImage = "node:20-alpine"

// Manager owns the container pool: creation with bounded FIFO queueing,
// exec/file operations, snapshots, hard lifetimes and the stale reaper.
type Manager struct {
	cfg       *config.SandboxConfig
	transport Transport

	mu         sync.Mutex
	containers map[string]*Container
	active     int // running containers plus creations holding a slot
	waiters    []chan struct{}
	metrics    Metrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a Manager and starts its stale-container reaper.
func NewManager(cfg *config.SandboxConfig, transport Transport) *Manager {
	m := &Manager{
		cfg:        cfg,
		transport:  transport,
		containers: make(map[string]*Container),
		stopCh:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.reaperLoop()
	return m
}

// Close stops the reaper. Containers are not destroyed; call CleanupAll
// first during shutdown.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// CreateContainer provisions a sandbox for the session. At the concurrency
// cap the request queues FIFO until a slot frees; beyond the queue cap it
// fails fast with ErrQueueFull.
func (m *Manager) CreateContainer(ctx context.Context, sessionID string) (*Container, error) {
	if err := m.acquireSlot(ctx); err != nil {
		return nil, err
	}

	container, err := m.provision(ctx, sessionID)
	if err != nil {
		// A failed creation must not consume a pool slot.
		m.releaseSlot()
		m.mu.Lock()
		m.metrics.CreateFailures++
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.containers[sessionID] = container
	m.metrics.Created++
	m.mu.Unlock()

	// Hard lifetime: the container is destroyed when its budget elapses
	// even if the orchestrator never gets around to it.
	container.lifetime = time.AfterFunc(m.cfg.MaxExecutionTime, func() {
		if _, err := m.DestroyContainer(context.Background(), sessionID, "expired"); err != nil {
			slog.Warn("Lifetime destroy failed", "session_id", sessionID, "error", err)
		}
	})

	slog.Info("Container created",
		"session_id", sessionID, "container_id", container.ID)
	return container, nil
}

// ExecInContainer runs cmd in the session's workspace. timeout == 0 uses
// the default command timeout.
func (m *Manager) ExecInContainer(ctx context.Context, sessionID, cmd string, timeout time.Duration) (ExecResult, error) {
	container, err := m.get(sessionID)
	if err != nil {
		return ExecResult{}, err
	}
	if timeout <= 0 {
		timeout = m.cfg.CommandTimeout
	}

	remote := fmt.Sprintf("docker exec -w %s %s sh -c %s",
		shellQuote(container.Workspace), container.ID, shellQuote(cmd))
	res, err := m.transport.Run(ctx, remote, timeout)
	if err != nil {
		return ExecResult{}, err
	}

	output := res.Stdout
	if res.Stderr != "" {
		output += res.Stderr
	}
	return ExecResult{
		Success:  res.ExitCode == 0,
		Output:   output,
		ExitCode: res.ExitCode,
	}, nil
}

// WriteFile materializes content at a workspace-relative path. Content is
// base64-encoded host-side and decoded in-container so no shell escaping of
// the payload is needed.
func (m *Manager) WriteFile(ctx context.Context, sessionID, filePath, content string) error {
	container, err := m.get(sessionID)
	if err != nil {
		return err
	}

	target, err := resolveWorkspacePath(container.Workspace, filePath)
	if err != nil {
		return err
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	cmd := fmt.Sprintf("mkdir -p %s && printf '%%s' %s | base64 -d > %s",
		shellQuote(path.Dir(target)), shellQuote(encoded), shellQuote(target))

	res, err := m.ExecInContainer(ctx, sessionID, cmd, 0)
	if err != nil {
		return err
	}
	if !res.Success {
		return &TransportError{
			Category: classifyEngineOutput(res.Output),
			Op:       "write " + filePath,
			Output:   res.Output,
		}
	}
	return nil
}

// ReadFile returns the content of a workspace-relative path.
func (m *Manager) ReadFile(ctx context.Context, sessionID, filePath string) (string, error) {
	container, err := m.get(sessionID)
	if err != nil {
		return "", err
	}

	target, err := resolveWorkspacePath(container.Workspace, filePath)
	if err != nil {
		return "", err
	}

	res, err := m.ExecInContainer(ctx, sessionID, "cat "+shellQuote(target), 0)
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", &TransportError{
			Category: classifyEngineOutput(res.Output),
			Op:       "read " + filePath,
			Output:   res.Output,
		}
	}
	return res.Output, nil
}

// ListFiles returns workspace-relative file paths under dir, sorted.
func (m *Manager) ListFiles(ctx context.Context, sessionID, dir string) ([]string, error) {
	container, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		dir = "."
	}
	target, err := resolveWorkspacePath(container.Workspace, dir)
	if err != nil {
		return nil, err
	}

	res, err := m.ExecInContainer(ctx, sessionID,
		"cd "+shellQuote(container.Workspace)+" && find "+shellQuote(target)+" -type f", 0)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, &TransportError{
			Category: classifyEngineOutput(res.Output),
			Op:       "list " + dir,
			Output:   res.Output,
		}
	}

	var files []string
	for _, line := range strings.Split(strings.TrimSpace(res.Output), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, strings.TrimPrefix(line, container.Workspace+"/"))
		}
	}
	sort.Strings(files)
	return files, nil
}

// CreateSnapshot commits the container's filesystem to an image.
func (m *Manager) CreateSnapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	container, err := m.get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}

	now := time.Now()
	name := fmt.Sprintf("sandbox-%s-%d", sessionID, now.UnixMilli())
	res, err := m.transport.Run(ctx,
		fmt.Sprintf("docker commit %s %s", container.ID, name), m.cfg.SnapshotTimeout)
	if err != nil {
		return Snapshot{}, err
	}
	if res.ExitCode != 0 {
		return Snapshot{}, &TransportError{
			Category: classifyEngineOutput(res.Stderr),
			Op:       "snapshot",
			Output:   res.Stderr,
		}
	}

	return Snapshot{
		Name:      name,
		ImageID:   strings.TrimSpace(res.Stdout),
		Timestamp: now,
	}, nil
}

// GetResourceUsage reads live consumption stats for the session's container.
func (m *Manager) GetResourceUsage(ctx context.Context, sessionID string) (ResourceUsage, error) {
	container, err := m.get(sessionID)
	if err != nil {
		return ResourceUsage{}, err
	}

	res, err := m.transport.Run(ctx,
		fmt.Sprintf("docker stats --no-stream --format '{{.CPUPerc}}|{{.MemUsage}}|{{.NetIO}}|{{.BlockIO}}' %s", container.ID),
		m.cfg.CommandTimeout)
	if err != nil {
		return ResourceUsage{}, err
	}
	if res.ExitCode != 0 {
		return ResourceUsage{}, &TransportError{
			Category: classifyEngineOutput(res.Stderr),
			Op:       "stats",
			Output:   res.Stderr,
		}
	}

	usage := ResourceUsage{Uptime: time.Since(container.CreatedAt)}
	parts := strings.Split(strings.TrimSpace(res.Stdout), "|")
	if len(parts) == 4 {
		usage.CPU = strings.TrimSpace(parts[0])
		usage.Memory = strings.TrimSpace(parts[1])
		usage.Network = strings.TrimSpace(parts[2])
		usage.Disk = strings.TrimSpace(parts[3])
	}
	return usage, nil
}

// DestroyContainer tears down the session's container and releases its pool
// slot. Destroying an already-destroyed container is a no-op.
func (m *Manager) DestroyContainer(ctx context.Context, sessionID, reason string) (DestroyResult, error) {
	m.mu.Lock()
	container, ok := m.containers[sessionID]
	if !ok {
		m.mu.Unlock()
		return DestroyResult{OK: true}, nil
	}
	delete(m.containers, sessionID)
	m.metrics.Destroyed++
	if reason == "stale" {
		m.metrics.Reaped++
	}
	m.mu.Unlock()

	if container.lifetime != nil {
		container.lifetime.Stop()
	}

	lifetime := time.Since(container.CreatedAt)
	_, err := m.transport.Run(ctx, "docker rm -f "+container.ID, m.cfg.CommandTimeout)
	// The slot frees regardless of whether the engine-side removal worked;
	// the reaper will catch anything left behind.
	m.releaseSlot()

	if err != nil {
		slog.Warn("Container removal failed",
			"session_id", sessionID, "container_id", container.ID, "reason", reason, "error", err)
		return DestroyResult{OK: false, Lifetime: lifetime}, err
	}

	slog.Info("Container destroyed",
		"session_id", sessionID, "container_id", container.ID,
		"reason", reason, "lifetime", lifetime)
	return DestroyResult{OK: true, Lifetime: lifetime}, nil
}

// CleanupAll destroys every live container. Used during shutdown.
func (m *Manager) CleanupAll(ctx context.Context) CleanupResult {
	m.mu.Lock()
	ids := make([]string, 0, len(m.containers))
	for id := range m.containers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	result := CleanupResult{Total: len(ids)}
	for _, id := range ids {
		if res, err := m.DestroyContainer(ctx, id, "shutdown"); err != nil || !res.OK {
			result.Failed++
		} else {
			result.OK++
		}
	}
	return result
}

// HealthCheck probes the remote engine.
func (m *Manager) HealthCheck(ctx context.Context) Health {
	res, err := m.transport.Run(ctx, "docker version --format '{{.Server.Version}}'", m.cfg.CommandTimeout)
	if err != nil {
		return Health{Healthy: false, Error: err.Error()}
	}
	if res.ExitCode != 0 {
		return Health{Healthy: false, Error: strings.TrimSpace(res.Stderr)}
	}
	return Health{Healthy: true, EngineVersion: strings.TrimSpace(res.Stdout)}
}

// Status returns a snapshot of the pool.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	containers := make([]ContainerInfo, 0, len(m.containers))
	for _, c := range m.containers {
		containers = append(containers, ContainerInfo{
			SessionID:   c.SessionID,
			ContainerID: c.ID,
			Age:         time.Since(c.CreatedAt),
		})
	}
	sort.Slice(containers, func(i, j int) bool {
		return containers[i].SessionID < containers[j].SessionID
	})

	return Status{
		Active:     m.active,
		Queued:     len(m.waiters),
		Max:        m.cfg.MaxConcurrentContainers,
		Containers: containers,
	}
}

// Metrics returns a copy of the pool counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

func (m *Manager) get(sessionID string) (*Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	container, ok := m.containers[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return container, nil
}

// acquireSlot blocks until a pool slot is available, queueing FIFO behind
// earlier requests. Fails fast with ErrQueueFull past the queue cap.
func (m *Manager) acquireSlot(ctx context.Context) error {
	m.mu.Lock()
	if m.active < m.cfg.MaxConcurrentContainers {
		m.active++
		m.mu.Unlock()
		return nil
	}
	if len(m.waiters) >= m.cfg.CreateQueueCap {
		m.mu.Unlock()
		return ErrQueueFull
	}
	ready := make(chan struct{})
	m.waiters = append(m.waiters, ready)
	m.mu.Unlock()

	select {
	case <-ready:
		// The slot was transferred to us by releaseSlot.
		return nil
	case <-ctx.Done():
		m.abandonWaiter(ready)
		return ctx.Err()
	}
}

// releaseSlot frees a slot, handing it to the oldest waiter if any.
func (m *Manager) releaseSlot() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.waiters) > 0 {
		ready := m.waiters[0]
		m.waiters = m.waiters[1:]
		close(ready)
		// active stays unchanged: the slot moved to the waiter.
		return
	}
	m.active--
}

// abandonWaiter removes a cancelled waiter from the queue. If the slot was
// already handed over, it is passed along instead.
func (m *Manager) abandonWaiter(ready chan struct{}) {
	m.mu.Lock()
	for i, w := range m.waiters {
		if w == ready {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			m.mu.Unlock()
			return
		}
	}
	m.mu.Unlock()
	// Not in the queue: releaseSlot already granted us the slot. Give it
	// back so it reaches the next waiter.
	m.releaseSlot()
}

// provision runs docker run with the full hardening profile.
func (m *Manager) provision(ctx context.Context, sessionID string) (*Container, error) {
	now := time.Now()
	workspace := "/workspace/" + sessionID

	args := []string{
		"docker run -d",
		"--name " + shellQuote("sandbox-" + sessionID),
		"--cpus=" + m.cfg.CPULimit,
		"--memory=" + m.cfg.MemoryLimit,
		"--storage-opt size=" + m.cfg.DiskLimit,
		"--read-only",
		"--tmpfs /tmp:rw,noexec,nosuid,size=1g",
		"--tmpfs " + workspace + ":rw,exec,nosuid,size=5g",
		"-w " + workspace,
		"--cap-drop ALL",
		"--security-opt no-new-privileges",
		"--network none",
		fmt.Sprintf("--label session=%s", sessionID),
		fmt.Sprintf("--label created=%d", now.UnixMilli()),
		sandboxImage,
		"sleep infinity",
	}

	res, err := m.transport.Run(ctx, strings.Join(args, " "), m.cfg.CreateTimeout)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, &TransportError{
			Category: classifyEngineOutput(res.Stderr),
			Op:       "create",
			Output:   res.Stderr,
		}
	}

	containerID := strings.TrimSpace(res.Stdout)
	if containerID == "" {
		return nil, &TransportError{Category: CategoryEngineFailed, Op: "create", Output: "no container id returned"}
	}

	return &Container{
		ID:        containerID,
		SessionID: sessionID,
		Workspace: workspace,
		CreatedAt: now,
	}, nil
}

func (m *Manager) reaperLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

// reap force-destroys containers that outlived their budget plus grace.
func (m *Manager) reap() {
	cutoff := time.Now().Add(-(m.cfg.MaxExecutionTime + m.cfg.ReaperGrace))

	m.mu.Lock()
	var stale []string
	for id, c := range m.containers {
		if c.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		slog.Warn("Reaping stale container", "session_id", id)
		if _, err := m.DestroyContainer(context.Background(), id, "stale"); err != nil {
			slog.Error("Reaper destroy failed", "session_id", id, "error", err)
		}
	}
}

// resolveWorkspacePath joins p onto the workspace root, rejecting traversal
// and absolute paths that point outside it.
func resolveWorkspacePath(workspace, p string) (string, error) {
	if strings.Contains(p, "..") {
		return "", fmt.Errorf("path escapes workspace: %s", p)
	}
	if path.IsAbs(p) {
		clean := path.Clean(p)
		if clean != workspace && !strings.HasPrefix(clean, workspace+"/") {
			return "", fmt.Errorf("path outside workspace: %s", p)
		}
		return clean, nil
	}
	return path.Join(workspace, p), nil
}

// shellQuote single-quotes s for safe interpolation into a shell command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
