// Package containerd implements runtime.Adapter against a containerd
// daemon, grounded on the teacher's pkg/runtime/containerd.go (client
// wiring, namespace handling, task lifecycle) and pkg/worker/worker.go
// (the poll-based state-checker idiom), generalised from Warren's
// Container model to Ankaios workload specs and OCI mounts via
// opencontainers/runtime-spec.
package containerd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/ankor/internal/log"
	"github.com/cuemby/ankor/internal/runtime"
	"github.com/cuemby/ankor/internal/workload"
)

const (
	// DefaultNamespace is the containerd namespace all ankor-managed
	// containers live in.
	DefaultNamespace = "ankor"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	instanceNameLabel = "ankor.io/instance-name"
	agentNameLabel    = "ankor.io/agent-name"

	pollInterval    = 2 * time.Second
	stopGracePeriod = 10 * time.Second

	logDir = "/run/ankor/logs"
)

// Config is the rendered RuntimeConfig shape this adapter understands: a
// small YAML document naming the image and optional command/env overrides.
type Config struct {
	Image   string   `yaml:"image"`
	Command []string `yaml:"command,omitempty"`
	Env     []string `yaml:"env,omitempty"`
}

// Runtime implements runtime.Adapter against one containerd daemon.
type Runtime struct {
	client    *containerd.Client
	namespace string
	logger    *log.Logger
}

// New dials a containerd daemon over socketPath.
func New(socketPath, namespace string, logger *log.Logger) (*Runtime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = log.Nop()
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("containerd: connect: %w", err)
	}
	return &Runtime{client: client, namespace: namespace, logger: logger}, nil
}

// Close releases the underlying containerd client connection.
func (r *Runtime) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// Name implements runtime.Adapter.
func (r *Runtime) Name() string { return "containerd" }

func (r *Runtime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// Create implements runtime.Adapter: pulls the image, builds an OCI spec
// carrying the control-interface pipe mount (if any), and starts the task.
func (r *Runtime) Create(ctx context.Context, spec workload.Spec, controlInterfacePath string, sink runtime.StateSink) (string, runtime.StateChecker, error) {
	ctx = r.ctx(ctx)

	var cfg Config
	if err := yaml.Unmarshal([]byte(spec.RuntimeConfig), &cfg); err != nil {
		return "", nil, fmt.Errorf("containerd: invalid runtime_config: %w", err)
	}
	if cfg.Image == "" {
		return "", nil, fmt.Errorf("containerd: runtime_config has no image")
	}

	image, err := r.client.GetImage(ctx, cfg.Image)
	if err != nil {
		image, err = r.client.Pull(ctx, cfg.Image, containerd.WithPullUnpack)
		if err != nil {
			return "", nil, fmt.Errorf("containerd: pull %s: %w", cfg.Image, err)
		}
	}

	id := uuid.New().String()

	opts := []oci.SpecOpts{oci.WithImageConfig(image)}
	if len(cfg.Env) > 0 {
		opts = append(opts, oci.WithEnv(cfg.Env))
	}
	if len(cfg.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(cfg.Command...))
	}

	var mounts []specs.Mount
	for _, f := range spec.Files {
		mounts = append(mounts, specs.Mount{
			Source:      fmt.Sprintf("/run/ankor/%s/%s/files/%s", spec.Agent, id, f.MountPoint),
			Destination: "/" + f.MountPoint,
			Type:        "bind",
			Options:     []string{"rbind", "ro"},
		})
	}
	if controlInterfacePath != "" {
		mounts = append(mounts, specs.Mount{
			Source:      controlInterfacePath,
			Destination: "/run/ankor/control_interface",
			Type:        "bind",
			Options:     []string{"rbind"},
		})
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	container, err := r.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(map[string]string{
			instanceNameLabel: workload.InstanceName{AgentName: spec.Agent, WorkloadName: spec.WorkloadName, ID: id}.String(),
			agentNameLabel:    spec.Agent,
		}),
	)
	if err != nil {
		return "", nil, fmt.Errorf("containerd: create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.LogFile(r.logPath(id)))
	if err != nil {
		return "", nil, fmt.Errorf("containerd: create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return "", nil, fmt.Errorf("containerd: start task: %w", err)
	}

	checker := r.startChecker(id, sink)
	return id, checker, nil
}

// Delete implements runtime.Adapter: graceful SIGTERM, then SIGKILL after
// stopGracePeriod, then task and container removal.
func (r *Runtime) Delete(ctx context.Context, id string) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return nil // already gone
	}

	if task, err := container.Task(ctx, nil); err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, stopGracePeriod)
		if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
			cancel()
			return fmt.Errorf("containerd: kill task: %w", err)
		}
		statusC, err := task.Wait(stopCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("containerd: wait task: %w", err)
		}
		select {
		case <-statusC:
		case <-stopCtx.Done():
			_ = task.Kill(ctx, syscall.SIGKILL)
		}
		cancel()
		if _, err := task.Delete(ctx); err != nil {
			return fmt.Errorf("containerd: delete task: %w", err)
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("containerd: delete container: %w", err)
	}
	return nil
}

// GetWorkloadID implements runtime.Adapter by matching the
// instanceNameLabel this adapter attaches at Create time.
func (r *Runtime) GetWorkloadID(ctx context.Context, name workload.InstanceName) (string, error) {
	ctx = r.ctx(ctx)
	containers, err := r.client.Containers(ctx, fmt.Sprintf("labels.%q==%s", instanceNameLabel, name.String()))
	if err != nil {
		return "", fmt.Errorf("containerd: list containers: %w", err)
	}
	if len(containers) == 0 {
		return "", fmt.Errorf("containerd: no container for instance %s", name)
	}
	return containers[0].ID(), nil
}

// StartStateChecker implements runtime.Adapter.
func (r *Runtime) StartStateChecker(ctx context.Context, id string, spec workload.Spec, sink runtime.StateSink) runtime.StateChecker {
	return r.startChecker(id, sink)
}

// ListReusableWorkloads implements runtime.Adapter by listing containers
// labelled with agentName (§4.8 step 2).
func (r *Runtime) ListReusableWorkloads(ctx context.Context, agentName string) ([]workload.InstanceName, error) {
	ctx = r.ctx(ctx)
	containers, err := r.client.Containers(ctx, fmt.Sprintf("labels.%q==%s", agentNameLabel, agentName))
	if err != nil {
		return nil, fmt.Errorf("containerd: list containers: %w", err)
	}

	var out []workload.InstanceName
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		raw, ok := labels[instanceNameLabel]
		if !ok {
			continue
		}
		name, ok := parseInstanceName(raw)
		if ok {
			out = append(out, name)
		}
	}
	return out, nil
}

func parseInstanceName(s string) (workload.InstanceName, bool) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return workload.InstanceName{}, false
	}
	return workload.InstanceName{AgentName: parts[0], WorkloadName: parts[1], ID: parts[2]}, true
}

// stateChecker polls a containerd task's status on an interval and posts
// changes to its sink (§4.7).
type stateChecker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *stateChecker) Stop() {
	c.cancel()
	<-c.done
}

func (r *Runtime) startChecker(id string, sink runtime.StateSink) *stateChecker {
	ctx, cancel := context.WithCancel(context.Background())
	c := &stateChecker{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		var last workload.ExecutionState

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				state, lost, err := r.pollOnce(id)
				switch {
				case lost:
					state = workload.ExecutionState{Main: workload.StateFailed, Sub: workload.SubLost}
				case err != nil:
					state = workload.ExecutionState{Main: workload.StateFailed, Sub: workload.SubUnknown, AdditionalInfo: err.Error()}
				}

				if state != last {
					sink(state)
					last = state
				}
				if lost {
					return
				}
			}
		}
	}()

	return c
}

func (r *Runtime) pollOnce(id string) (state workload.ExecutionState, lost bool, err error) {
	ctx := r.ctx(context.Background())
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return workload.ExecutionState{}, true, err
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return workload.ExecutionState{Main: workload.StatePending, Sub: workload.SubStarting}, false, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return workload.ExecutionState{}, false, err
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		return workload.ExecutionState{Main: workload.StateRunning, Sub: workload.SubOk}, false, nil
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return workload.ExecutionState{Main: workload.StateSucceeded}, false, nil
		}
		return workload.ExecutionState{Main: workload.StateFailed, Sub: workload.SubExecFailed, AdditionalInfo: fmt.Sprintf("exit code %d", status.ExitStatus)}, false, nil
	default:
		return workload.ExecutionState{Main: workload.StatePending, Sub: workload.SubStarting}, false, nil
	}
}

func (r *Runtime) logPath(id string) string {
	return filepath.Join(logDir, id+".log")
}

// StreamLogs implements runtime.LogStreamer by tailing the combined
// stdout/stderr file captured via cio.LogFile at Create time. since/until
// are not interpreted (spec open question b: unsupported filters return
// everything and leave filtering to the client); tail<=0 reads from the
// start of the file.
func (r *Runtime) StreamLogs(ctx context.Context, id string, follow bool, tail int) (io.ReadCloser, error) {
	f, err := os.Open(r.logPath(id))
	if err != nil {
		return nil, fmt.Errorf("containerd: open log file: %w", err)
	}

	if tail > 0 {
		if err := seekToTailLines(f, tail); err != nil {
			f.Close()
			return nil, err
		}
	}

	if !follow {
		return f, nil
	}
	return &followReader{f: f}, nil
}

// seekToTailLines positions f so reading from it yields (at most) the last
// n lines already written, by scanning backwards in fixed-size chunks.
func seekToTailLines(f *os.File, n int) error {
	const chunk = 4096
	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	var pos, newlines int64
	buf := make([]byte, chunk)

	for pos = size; pos > 0 && newlines <= int64(n); {
		readSize := int64(chunk)
		if pos < readSize {
			readSize = pos
		}
		pos -= readSize
		if _, err := f.ReadAt(buf[:readSize], pos); err != nil {
			return err
		}
		for i := readSize - 1; i >= 0; i-- {
			if buf[i] == '\n' {
				newlines++
				if newlines > int64(n) {
					pos += i + 1
					break
				}
			}
		}
	}
	_, err = f.Seek(pos, io.SeekStart)
	return err
}

// followReader polls the underlying file for new writes, like `tail -f`.
type followReader struct {
	f *os.File
}

func (fr *followReader) Read(p []byte) (int, error) {
	for {
		n, err := fr.f.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func (fr *followReader) Close() error { return fr.f.Close() }
