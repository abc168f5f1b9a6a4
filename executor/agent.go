// ABOUTME: Executor agent: finds its pipeline, runs it, and reports back to the gateway.
// ABOUTME: State machine LOOKING_FOR_PIPELINE -> EXECUTING -> REPORTING -> FINISHED, FAILED on load or transport failure.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/2389-research/unicorn/core"
)

// LocalPipelineFile is checked before asking the gateway: compiled
// images carry the pipeline baked in at this path.
const LocalPipelineFile = "unicorn.pipeline"

// Agent is one executor process.
type Agent struct {
	cfg    Config
	client *Client

	mu    sync.Mutex
	state core.ExecutorState
}

// NewAgent builds an agent from its configuration.
func NewAgent(cfg Config) *Agent {
	return &Agent{
		cfg:    cfg,
		client: NewClient(cfg.GatewayEndpoint, cfg.ExecutorID),
		state:  core.ExecutorLookingForPipeline,
	}
}

// State returns the agent's current state.
func (a *Agent) State() core.ExecutorState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s core.ExecutorState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
	log.Printf("component=executor action=state executor_id=%s state=%s", a.cfg.ExecutorID, s)
}

// Run drives the agent to a terminal state. The returned error is the
// terminal failure, nil on FINISHED.
func (a *Agent) Run(ctx context.Context) error {
	// Everything the agent logs during the run goes into the report's
	// log bundle as well, so node-side output survives to the user.
	capture := &logCapture{}
	prevOut := log.Writer()
	log.SetOutput(io.MultiWriter(prevOut, capture))
	defer log.SetOutput(prevOut)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	if a.cfg.HeartbeatEnabled {
		go a.heartbeatLoop(heartbeatCtx)
	}

	pipeline, err := a.loadPipeline(ctx)
	if err != nil {
		a.setState(core.ExecutorFailed)
		return fmt.Errorf("load pipeline: %w", err)
	}

	a.setState(core.ExecutorExecuting)
	interpreter := &Interpreter{}
	report := interpreter.Run(ctx, pipeline)

	// The heartbeat stops with the pipeline: a silent executor past
	// this point is the processor's liveness problem only if the
	// report never lands.
	stopHeartbeat()

	if !pipeline.ReportResults {
		log.Printf("component=executor action=report_skipped executor_id=%s reason=report_results_disabled", a.cfg.ExecutorID)
		a.setState(terminalState(report.Ok))
		return nil
	}

	a.setState(core.ExecutorReporting)
	report.Log = append(report.Log, capture.Lines()...)
	body, err := json.Marshal(report)
	if err != nil {
		a.setState(core.ExecutorFailed)
		return fmt.Errorf("encode report: %w", err)
	}
	if err := a.client.PostResult(ctx, body); err != nil {
		a.setState(core.ExecutorFailed)
		return fmt.Errorf("post report: %w", err)
	}

	a.setState(terminalState(report.Ok))
	return nil
}

// logCapture tees log output into memory, split on newlines, so the
// final report can carry the agent's own output.
type logCapture struct {
	mu    sync.Mutex
	lines []string
	buf   []byte
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, p...)
	for {
		i := bytes.IndexByte(c.buf, '\n')
		if i < 0 {
			break
		}
		c.lines = append(c.lines, string(c.buf[:i]))
		c.buf = c.buf[i+1:]
	}
	return len(p), nil
}

// Lines returns the captured output, any trailing partial line included.
func (c *logCapture) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.lines)+1)
	out = append(out, c.lines...)
	if len(c.buf) > 0 {
		out = append(out, string(c.buf))
	}
	return out
}

func terminalState(ok bool) core.ExecutorState {
	if ok {
		return core.ExecutorFinished
	}
	return core.ExecutorFailed
}

// loadPipeline prefers the locally baked blob, then asks the gateway.
func (a *Agent) loadPipeline(ctx context.Context) (*core.Pipeline, error) {
	if blob, err := os.ReadFile(LocalPipelineFile); err == nil && len(blob) > 0 {
		log.Printf("component=executor action=pipeline_loaded executor_id=%s source=file", a.cfg.ExecutorID)
		return core.UnmarshalPipeline(blob)
	}

	blob, err := a.client.FetchPipeline(ctx)
	if err != nil {
		return nil, err
	}
	log.Printf("component=executor action=pipeline_loaded executor_id=%s source=gateway bytes=%d", a.cfg.ExecutorID, len(blob))
	return core.UnmarshalPipeline(blob)
}

// heartbeatLoop posts liveness every interval until cancelled. Failures
// are logged and ignored: the gateway dying briefly must not kill a
// healthy run.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.client.Heartbeat(ctx, a.State()); err != nil && ctx.Err() == nil {
				log.Printf("component=executor action=heartbeat_failed executor_id=%s err=%v", a.cfg.ExecutorID, err)
			}
		}
	}
}
