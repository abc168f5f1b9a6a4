// ABOUTME: Executor agent state machine states and the final execution report wire type.
// ABOUTME: States are piggybacked on heartbeats; the report is posted once to the gateway.
package core

// ExecutorState is the lifecycle state of an executor agent.
type ExecutorState string

const (
	ExecutorLookingForPipeline ExecutorState = "LOOKING_FOR_PIPELINE"
	ExecutorExecuting          ExecutorState = "EXECUTING"
	ExecutorReporting          ExecutorState = "REPORTING"
	ExecutorFinished           ExecutorState = "FINISHED"
	ExecutorFailed             ExecutorState = "FAILED"
)

// Terminal reports whether the executor will make no further progress.
func (s ExecutorState) Terminal() bool {
	return s == ExecutorFinished || s == ExecutorFailed
}

// ExecutionReport is the composite final result an executor posts to
// the gateway: the per-task result histories, the captured log lines,
// and whether every task ended Ok.
type ExecutionReport struct {
	Ok      bool                `json:"ok"`
	Results map[string][]Result `json:"results"`
	Log     []string            `json:"log,omitempty"`
}
