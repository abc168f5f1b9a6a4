// ABOUTME: Local connector: node slots on the director's own host, executors spawned as child processes.
// ABOUTME: Children run in their own process groups; stop sends SIGTERM to the group, then SIGKILL.
package connectors

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/2389-research/unicorn/core"
)

func init() {
	RegisterDriver("local", func(name string, options map[string]any) (Connector, error) {
		var opts localOptions
		if err := DecodeOptions(options, &opts); err != nil {
			return nil, err
		}
		return newLocalConnector(name, opts)
	})
}

type localOptions struct {
	// ExecutorPath is the executor binary spawned per deployment.
	ExecutorPath string `yaml:"executor_path"`
	// GatewayEndpoint is handed to children via the environment.
	GatewayEndpoint string `yaml:"gateway_endpoint"`
	// WorkDir holds per-executor working directories.
	WorkDir string `yaml:"workdir"`
	// Slots is the number of host slots exposed as nodes. Default 1.
	Slots int `yaml:"slots"`
}

// LocalConnector exposes the director host as a small fleet of node
// slots. StartExecutors spawns one executor process per deployment with
// the gateway coordinates injected through the environment.
type LocalConnector struct {
	name string
	opts localOptions

	mu        sync.Mutex
	processes map[string]*os.Process
}

func newLocalConnector(name string, opts localOptions) (*LocalConnector, error) {
	if opts.ExecutorPath == "" {
		return nil, fmt.Errorf("local connector: executor_path is required")
	}
	if opts.GatewayEndpoint == "" {
		return nil, fmt.Errorf("local connector: gateway_endpoint is required")
	}
	if opts.Slots <= 0 {
		opts.Slots = 1
	}
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(os.TempDir(), "unicorn-local")
	}
	return &LocalConnector{
		name:      name,
		opts:      opts,
		processes: make(map[string]*os.Process),
	}, nil
}

func (l *LocalConnector) Name() string { return l.name }

func (l *LocalConnector) Initialize(context.Context) error {
	if _, err := os.Stat(l.opts.ExecutorPath); err != nil {
		return fmt.Errorf("executor binary: %w", err)
	}
	if err := os.MkdirAll(l.opts.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}
	return nil
}

func (l *LocalConnector) Health(context.Context) error {
	if _, err := os.Stat(l.opts.WorkDir); err != nil {
		return fmt.Errorf("workdir: %w", err)
	}
	return nil
}

// Shutdown stops any executors still running.
func (l *LocalConnector) Shutdown(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, proc := range l.processes {
		killGroup(proc)
		delete(l.processes, id)
	}
	return nil
}

func hostArchitecture() string {
	if runtime.GOARCH == "arm64" {
		return core.ArchLinuxARM64
	}
	return core.ArchLinuxAMD64
}

func (l *LocalConnector) ListNodes(_ context.Context, _ string) ([]core.Node, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	nodes := make([]core.Node, 0, l.opts.Slots)
	for i := 0; i < l.opts.Slots; i++ {
		nodes = append(nodes, core.Node{
			Name:      fmt.Sprintf("%s-%d", host, i),
			Connector: l.name,
			Properties: map[string]string{
				core.PropArchitecture: hostArchitecture(),
			},
		})
	}
	return nodes, nil
}

// Deploy only validates here: local deployments use shell environments,
// so there is no image to distribute.
func (l *LocalConnector) Deploy(_ context.Context, _, _ string, deployments []core.Deployment) map[string]core.Result {
	out := make(map[string]core.Result, len(deployments))
	for _, dep := range deployments {
		if dep.Environment.Type != core.EnvShell {
			out[dep.ExecutorID] = core.Errf("local connector supports shell environments only, got %q", dep.Environment.Type)
			continue
		}
		out[dep.ExecutorID] = core.Ok("deployed")
	}
	return out
}

func (l *LocalConnector) StartExecutors(_ context.Context, _, experimentID string, deployments []core.Deployment) map[string]core.Result {
	out := make(map[string]core.Result, len(deployments))
	for _, dep := range deployments {
		if err := l.spawn(experimentID, dep); err != nil {
			out[dep.ExecutorID] = core.Err(err.Error())
			continue
		}
		out[dep.ExecutorID] = core.Ok("started")
	}
	return out
}

func (l *LocalConnector) spawn(experimentID string, dep core.Deployment) error {
	dir := filepath.Join(l.opts.WorkDir, dep.ExecutorID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create executor dir: %w", err)
	}

	cmd := exec.Command(l.opts.ExecutorPath)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"NETUNICORN_GATEWAY_ENDPOINT="+l.opts.GatewayEndpoint,
		"NETUNICORN_EXPERIMENT_ID="+experimentID,
		"NETUNICORN_EXECUTOR_ID="+dep.ExecutorID,
	)
	// Own process group so stop can take out the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start executor %s: %w", dep.ExecutorID, err)
	}

	l.mu.Lock()
	l.processes[dep.ExecutorID] = cmd.Process
	l.mu.Unlock()

	// Reap the child so it never lingers as a zombie.
	go func() {
		err := cmd.Wait()
		log.Printf("component=connectors.local action=executor_exited executor_id=%s err=%v", dep.ExecutorID, err)
		l.mu.Lock()
		delete(l.processes, dep.ExecutorID)
		l.mu.Unlock()
	}()
	return nil
}

func (l *LocalConnector) StopExecutors(_ context.Context, _ string, requests []StopExecutorRequest) map[string]core.Result {
	out := make(map[string]core.Result, len(requests))
	for _, req := range requests {
		l.mu.Lock()
		proc := l.processes[req.ExecutorID]
		l.mu.Unlock()
		if proc == nil {
			out[req.ExecutorID] = core.Ok("not running")
			continue
		}
		killGroup(proc)
		out[req.ExecutorID] = core.Ok("stopped")
	}
	return out
}

func killGroup(proc *os.Process) {
	pgid, err := syscall.Getpgid(proc.Pid)
	if err != nil {
		_ = proc.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.Sleep(2 * time.Second)
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

// Cleanup removes the per-executor working directories. Safe to call
// repeatedly; missing directories are fine.
func (l *LocalConnector) Cleanup(_ context.Context, _ string, deployments []core.Deployment) error {
	for _, dep := range deployments {
		if dep.ExecutorID == "" {
			continue
		}
		dir := filepath.Join(l.opts.WorkDir, dep.ExecutorID)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove %s: %w", dir, err)
		}
	}
	return nil
}
