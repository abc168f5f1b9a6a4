// ABOUTME: Stage interpreter: stages run sequentially, tasks within a stage concurrently under a worker cap.
// ABOUTME: Each task sees an immutable snapshot of prior results; a panicking task becomes an Err.
package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/2389-research/unicorn/core"
)

// defaultStageWorkers caps concurrent tasks inside one stage.
const defaultStageWorkers = 8

// Interpreter runs a pipeline's stages and accumulates per-task result
// histories.
type Interpreter struct {
	// StageWorkers caps tasks running concurrently within a stage.
	// Zero means defaultStageWorkers.
	StageWorkers int
}

// Run executes the pipeline. Stages run in order; the first stage with
// any failed task stops the run and the remaining stages are skipped.
// The report maps task name to the history of that name's results.
func (in *Interpreter) Run(ctx context.Context, p *core.Pipeline) core.ExecutionReport {
	workers := in.StageWorkers
	if workers <= 0 {
		workers = defaultStageWorkers
	}

	report := core.ExecutionReport{Ok: true, Results: make(map[string][]core.Result)}
	for i, stage := range p.Stages {
		stageOk := in.runStage(ctx, stage, workers, &report)
		if !stageOk {
			report.Ok = false
			report.Log = append(report.Log, fmt.Sprintf("stage %d failed, skipping %d remaining stages", i, len(p.Stages)-i-1))
			break
		}
		if ctx.Err() != nil {
			report.Ok = false
			report.Log = append(report.Log, "execution cancelled")
			break
		}
	}
	return report
}

func (in *Interpreter) runStage(ctx context.Context, stage core.Stage, workers int, report *core.ExecutionReport) bool {
	// Snapshot once per stage: tasks within a stage do not observe each
	// other, only completed stages.
	prior := core.PriorResults(report.Results).Clone()

	type taskOutcome struct {
		name   string
		result core.Result
	}
	outcomes := make([]taskOutcome, len(stage))

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, spec := range stage {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, spec core.TaskSpec) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = taskOutcome{name: spec.Name, result: runTask(ctx, spec, prior)}
		}(i, spec)
	}
	wg.Wait()

	stageOk := true
	for _, out := range outcomes {
		report.Results[out.name] = append(report.Results[out.name], out.result)
		if !out.result.Successful() {
			stageOk = false
			report.Log = append(report.Log, fmt.Sprintf("task %q failed: %s", out.name, out.result.Error))
		}
	}
	return stageOk
}

// runTask instantiates and runs one task, converting panics into Err so
// a misbehaving task cannot take down the agent.
func runTask(ctx context.Context, spec core.TaskSpec, prior core.PriorResults) (result core.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = core.Errf("task %q panicked: %v\n%s", spec.Name, r, debug.Stack())
		}
	}()

	task, err := core.InstantiateTask(spec)
	if err != nil {
		return core.Err(err.Error())
	}
	return task.Run(ctx, prior)
}
