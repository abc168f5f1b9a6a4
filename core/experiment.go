// ABOUTME: Experiment and deployment model plus the monotonic lifecycle status machine.
// ABOUTME: An experiment is a user-named bundle of deployments; each deployment binds one pipeline to one node.
package core

import (
	"fmt"
	"time"
)

// ExperimentStatus is the lifecycle state of an experiment. The
// progression is monotonic: CREATED -> PREPARING -> READY -> RUNNING ->
// FINISHED, with FINISHED absorbing.
type ExperimentStatus string

const (
	StatusUnknown   ExperimentStatus = "UNKNOWN"
	StatusCreated   ExperimentStatus = "CREATED"
	StatusPreparing ExperimentStatus = "PREPARING"
	StatusReady     ExperimentStatus = "READY"
	StatusRunning   ExperimentStatus = "RUNNING"
	StatusFinished  ExperimentStatus = "FINISHED"
)

// Rank returns the position of the status in the lifecycle, with
// UNKNOWN below everything. Used to enforce monotonic transitions.
func (s ExperimentStatus) Rank() int {
	switch s {
	case StatusCreated:
		return 1
	case StatusPreparing:
		return 2
	case StatusReady:
		return 3
	case StatusRunning:
		return 4
	case StatusFinished:
		return 5
	}
	return 0
}

// Terminal reports whether the status is absorbing.
func (s ExperimentStatus) Terminal() bool {
	return s == StatusFinished
}

// CanTransitionTo reports whether moving from s to next preserves the
// monotonic lifecycle order.
func (s ExperimentStatus) CanTransitionTo(next ExperimentStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.Rank() > s.Rank()
}

// Deployment binds one serialized pipeline to one node. ExecutorID is
// filled at start; Error on failure. The keep-alive timeout is the
// outer wall-clock envelope for the executor, in minutes (0 = platform
// default).
type Deployment struct {
	Node                    Node                  `json:"node"`
	Pipeline                []byte                `json:"pipeline"`
	Environment             EnvironmentDefinition `json:"environment"`
	Prepared                bool                  `json:"prepared"`
	ExecutorID              string                `json:"executor_id,omitempty"`
	Error                   string                `json:"error,omitempty"`
	CompilationID           string                `json:"compilation_id,omitempty"`
	KeepAliveTimeoutMinutes int                   `json:"keep_alive_timeout_minutes,omitempty"`
}

// Experiment is a user-named bundle of deployments. Name uniqueness is
// per user; the id is assigned server-side at submission.
type Experiment struct {
	ID          string       `json:"id,omitempty"`
	Name        string       `json:"name"`
	Username    string       `json:"username,omitempty"`
	Deployments []Deployment `json:"deployments"`
}

// Append binds a pipeline to a node and adds the deployment.
func (e *Experiment) Append(node Node, pipeline *Pipeline) error {
	blob, err := pipeline.Marshal()
	if err != nil {
		return err
	}
	e.Deployments = append(e.Deployments, Deployment{
		Node:                    node,
		Pipeline:                blob,
		Environment:             pipeline.Environment,
		KeepAliveTimeoutMinutes: pipeline.KeepAliveTimeoutMinutes,
	})
	return nil
}

// Map binds the same pipeline to every given node.
func (e *Experiment) Map(pipeline *Pipeline, nodes []Node) error {
	for _, node := range nodes {
		if err := e.Append(node, pipeline); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks an experiment at submission time.
func (e *Experiment) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("experiment has no name")
	}
	if len(e.Deployments) == 0 {
		return fmt.Errorf("experiment %q has no deployments", e.Name)
	}
	for i, d := range e.Deployments {
		if d.Node.Name == "" {
			return fmt.Errorf("experiment %q deployment %d has no node name", e.Name, i)
		}
		if d.Node.Connector == "" {
			return fmt.Errorf("experiment %q deployment %d node %q has no connector", e.Name, i, d.Node.Name)
		}
		if len(d.Pipeline) == 0 {
			return fmt.Errorf("experiment %q deployment %d has no pipeline", e.Name, i)
		}
		pipeline, err := UnmarshalPipeline(d.Pipeline)
		if err != nil {
			return fmt.Errorf("experiment %q deployment %d: %w", e.Name, i, err)
		}
		if err := pipeline.Validate(); err != nil {
			return fmt.Errorf("experiment %q deployment %d: %w", e.Name, i, err)
		}
	}
	return nil
}

// DeploymentExecutionResult is the per-deployment outcome surfaced to
// the user: the node, the executor's opaque result blob, and any
// platform-level error. The blob is carried as raw bytes (base64 on
// the wire) so executors may post anything, JSON or not, and get the
// exact same bytes back.
type DeploymentExecutionResult struct {
	Node       Node   `json:"node"`
	ExecutorID string `json:"executor_id,omitempty"`
	Result     []byte `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ExperimentInfo is the status response for one experiment.
type ExperimentInfo struct {
	ID               string                      `json:"id"`
	Name             string                      `json:"name"`
	Username         string                      `json:"username"`
	Status           ExperimentStatus            `json:"status"`
	Error            string                      `json:"error,omitempty"`
	CreatedAt        time.Time                   `json:"created_at"`
	StartedAt        *time.Time                  `json:"started_at,omitempty"`
	Deployments      []Deployment                `json:"deployments"`
	ExecutionResults []DeploymentExecutionResult `json:"execution_results,omitempty"`
}
