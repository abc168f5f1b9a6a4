// ABOUTME: Processor: the supervisor loop that advances experiment lifecycles from store state.
// ABOUTME: One logical worker per director; transitions are serialized per experiment within a tick.
package processor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/2389-research/unicorn/core"
	"github.com/2389-research/unicorn/infra"
	"github.com/2389-research/unicorn/metrics"
	"github.com/2389-research/unicorn/store"
)

// Options configures the supervisor loop.
type Options struct {
	// TickInterval between polls. Default 5s.
	TickInterval time.Duration
	// HeartbeatInterval the executors are configured with; the liveness
	// deadline is max(2x this, 60s). Default 30s.
	HeartbeatInterval time.Duration
	// StartWaitTimeout bounds how long a READY experiment may sit
	// unstarted before it is finished with a timeout error. Default 1h.
	StartWaitTimeout time.Duration
}

// Processor advances experiments through their lifecycle.
type Processor struct {
	store *store.Store
	infra *infra.Service
	opts  Options

	now func() time.Time
}

// New constructs the processor.
func New(st *store.Store, inf *infra.Service, opts Options) *Processor {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 5 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.StartWaitTimeout <= 0 {
		opts.StartWaitTimeout = time.Hour
	}
	return &Processor{store: st, infra: inf, opts: opts, now: time.Now}
}

// Run polls until the context is cancelled.
func (p *Processor) Run(ctx context.Context) {
	log.Printf("component=processor action=start tick=%s", p.opts.TickInterval)
	ticker := time.NewTicker(p.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("component=processor action=stopped")
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				log.Printf("component=processor action=tick_failed err=%v", err)
			}
		}
	}
}

// Tick runs one supervision pass over all live experiments.
func (p *Processor) Tick(ctx context.Context) error {
	rows, err := p.store.ListExperimentsInStatus(ctx,
		core.StatusPreparing, core.StatusReady, core.StatusRunning)
	if err != nil {
		return fmt.Errorf("list experiments: %w", err)
	}

	running := 0
	for _, row := range rows {
		switch row.Status {
		case core.StatusPreparing:
			err = p.advancePreparing(ctx, row)
		case core.StatusReady:
			err = p.superviseReady(ctx, row)
		case core.StatusRunning:
			running++
			err = p.superviseRunning(ctx, row)
		}
		if err != nil {
			log.Printf("component=processor action=supervise_failed experiment_id=%s status=%s err=%v",
				row.ID, row.Status, err)
		}
	}
	metrics.RunningExperiments.Set(float64(running))
	return nil
}

// advancePreparing waits for every deployment's compilation to reach a
// terminal status, applies the outcomes, deploys, and moves the
// experiment to READY, or straight to FINISHED when nothing survived.
func (p *Processor) advancePreparing(ctx context.Context, row store.ExperimentRow) error {
	compilations, err := p.store.CompilationsForExperiment(ctx, row.ID)
	if err != nil {
		return fmt.Errorf("list compilations: %w", err)
	}

	exp := row.Experiment
	for _, d := range exp.Deployments {
		if d.CompilationID == "" {
			continue
		}
		c, ok := compilations[d.CompilationID]
		if !ok || !c.Terminal() {
			return nil // still building
		}
	}

	prepared := 0
	for i := range exp.Deployments {
		d := &exp.Deployments[i]
		if d.Error != "" {
			continue // failed at prepare time (e.g. bad architecture)
		}
		c := compilations[d.CompilationID]
		if c.Status == store.CompilationSucceeded {
			d.Prepared = true
			prepared++
		} else {
			d.Error = "compilation failed: " + c.Result
		}
	}

	if prepared > 0 {
		p.infra.Deploy(ctx, row.Username, exp)
		prepared = 0
		for _, d := range exp.Deployments {
			if d.Prepared {
				prepared++
			}
		}
	}

	if err := p.store.UpdateExperimentData(ctx, row.ID, exp); err != nil {
		return fmt.Errorf("update experiment data: %w", err)
	}

	if prepared == 0 {
		if err := p.store.SetExperimentError(ctx, row.ID, aggregateDeploymentErrors(exp)); err != nil {
			return err
		}
		return p.finish(ctx, row.ID, core.StatusPreparing, exp)
	}

	if err := p.store.TransitionExperiment(ctx, row.ID, core.StatusPreparing, core.StatusReady); err != nil {
		return err
	}
	metrics.ExperimentsTotal.WithLabelValues(string(core.StatusReady)).Inc()
	log.Printf("component=processor action=ready experiment_id=%s prepared=%d total=%d",
		row.ID, prepared, len(exp.Deployments))
	return nil
}

func aggregateDeploymentErrors(exp *core.Experiment) string {
	var parts []string
	for _, d := range exp.Deployments {
		if d.Error != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", d.Node.Name, d.Error))
		}
	}
	if len(parts) == 0 {
		return "no deployment could be prepared"
	}
	return "all deployments failed: " + strings.Join(parts, "; ")
}

// superviseReady times out experiments that were prepared but never
// started.
func (p *Processor) superviseReady(ctx context.Context, row store.ExperimentRow) error {
	if p.now().Sub(row.CreatedAt) < p.opts.StartWaitTimeout {
		return nil
	}
	if err := p.store.SetExperimentError(ctx, row.ID,
		fmt.Sprintf("experiment was not started within %s of submission", p.opts.StartWaitTimeout)); err != nil {
		return err
	}
	return p.finish(ctx, row.ID, core.StatusReady, row.Experiment)
}

// superviseRunning enforces liveness deadlines, snapshots results, and
// finishes the experiment once every executor is terminal.
func (p *Processor) superviseRunning(ctx context.Context, row store.ExperimentRow) error {
	executors, err := p.store.ExecutorsForExperiment(ctx, row.ID)
	if err != nil {
		return fmt.Errorf("list executors: %w", err)
	}

	started := row.CreatedAt
	if row.StartedAt != nil {
		started = *row.StartedAt
	}
	envelopes := keepAliveEnvelopes(row.Experiment)

	allFinished := true
	for i := range executors {
		e := &executors[i]
		if e.Finished {
			continue
		}
		if msg := p.livenessViolation(e, started, envelopes[e.ExecutorID]); msg != "" {
			if err := p.store.FinishExecutor(ctx, row.ID, e.ExecutorID, msg); err != nil {
				return fmt.Errorf("finish executor %s: %w", e.ExecutorID, err)
			}
			e.Finished = true
			e.Error = msg
			log.Printf("component=processor action=executor_timed_out experiment_id=%s executor_id=%s err=%q",
				row.ID, e.ExecutorID, msg)
			continue
		}
		allFinished = false
	}

	// Snapshot what we have every tick so partial results are visible
	// while the experiment is still running.
	if err := p.store.SetExecutionResults(ctx, row.ID, executionResults(row.Experiment, executors)); err != nil {
		return fmt.Errorf("snapshot results: %w", err)
	}

	if !allFinished {
		return nil
	}
	return p.finish(ctx, row.ID, core.StatusRunning, row.Experiment)
}

// livenessViolation reports why an executor must be declared dead, or
// "" while it is still within its deadlines.
func (p *Processor) livenessViolation(e *store.ExecutorRow, started time.Time, envelopeMinutes int) string {
	now := p.now()

	if envelopeMinutes > 0 {
		envelope := time.Duration(envelopeMinutes) * time.Minute
		if now.Sub(started) > envelope {
			return fmt.Sprintf("keep-alive envelope of %s exceeded", envelope)
		}
		// Inside an explicit envelope the executor may legitimately go
		// quiet (e.g. a long blocking measurement).
		return ""
	}

	deadline := 2 * p.opts.HeartbeatInterval
	if deadline < time.Minute {
		deadline = time.Minute
	}
	last := started
	if e.Keepalive != nil {
		last = *e.Keepalive
	}
	if now.Sub(last) > deadline {
		return fmt.Sprintf("no heartbeat for more than %s", deadline)
	}
	return ""
}

func keepAliveEnvelopes(exp *core.Experiment) map[string]int {
	out := make(map[string]int)
	for _, d := range exp.Deployments {
		if d.ExecutorID != "" {
			out[d.ExecutorID] = d.KeepAliveTimeoutMinutes
		}
	}
	return out
}

func executionResults(exp *core.Experiment, executors []store.ExecutorRow) []core.DeploymentExecutionResult {
	byID := make(map[string]store.ExecutorRow, len(executors))
	for _, e := range executors {
		byID[e.ExecutorID] = e
	}
	out := make([]core.DeploymentExecutionResult, 0, len(exp.Deployments))
	for _, d := range exp.Deployments {
		res := core.DeploymentExecutionResult{Node: d.Node, ExecutorID: d.ExecutorID, Error: d.Error}
		if e, ok := byID[d.ExecutorID]; ok {
			res.Result = e.Result
			if e.Error != "" {
				res.Error = e.Error
			}
		}
		out = append(out, res)
	}
	return out
}

// finish moves an experiment to FINISHED and runs the terminal
// housekeeping: final result snapshot, connector cleanup, lock release.
// Cleanup failures are logged, never fatal; the transition must land.
func (p *Processor) finish(ctx context.Context, experimentID string, from core.ExperimentStatus, exp *core.Experiment) error {
	if err := p.store.TransitionExperiment(ctx, experimentID, from, core.StatusFinished); err != nil {
		return fmt.Errorf("transition to FINISHED: %w", err)
	}
	metrics.ExperimentsTotal.WithLabelValues(string(core.StatusFinished)).Inc()

	executors, err := p.store.ExecutorsForExperiment(ctx, experimentID)
	if err == nil {
		if err := p.store.SetExecutionResults(ctx, experimentID, executionResults(exp, executors)); err != nil {
			log.Printf("component=processor action=final_snapshot_failed experiment_id=%s err=%v", experimentID, err)
		}
	}

	p.infra.Cleanup(ctx, exp)
	if err := p.store.MarkExperimentCleaned(ctx, experimentID); err != nil {
		log.Printf("component=processor action=mark_cleaned_failed experiment_id=%s err=%v", experimentID, err)
	}
	if err := p.store.ReleaseLocks(ctx, experimentID); err != nil {
		log.Printf("component=processor action=release_locks_failed experiment_id=%s err=%v", experimentID, err)
	}
	log.Printf("component=processor action=finished experiment_id=%s", experimentID)
	return nil
}
