// ABOUTME: Connector protocol: the surface a fleet driver implements for the director.
// ABOUTME: Per-item outcomes come back as maps keyed by executor id; connectors never observe executor lifecycle.
package connectors

import (
	"context"

	"github.com/2389-research/unicorn/core"
)

// StopExecutorRequest identifies one executor to stop on its node.
type StopExecutorRequest struct {
	ExecutorID string `json:"executor_id"`
	NodeName   string `json:"node_name"`
}

// Connector translates director intents into fleet-manager actions.
// Deploy and StartExecutors report per-deployment outcomes keyed by
// executor id; a connector only reports whether its own action
// succeeded, never what the executor did afterwards.
type Connector interface {
	// Name returns the registry name the connector was configured under.
	Name() string

	// Initialize prepares the connector for use. A failing connector is
	// skipped at boot.
	Initialize(ctx context.Context) error

	// Health reports whether the backing fleet manager is reachable.
	Health(ctx context.Context) error

	// Shutdown releases connector resources.
	Shutdown(ctx context.Context) error

	// ListNodes enumerates the nodes this connector can deploy to.
	// Access-tag filtering happens in the infrastructure service; the
	// username is a hint for connectors with per-user inventories.
	ListNodes(ctx context.Context, username string) ([]core.Node, error)

	// Deploy distributes compiled environments to the nodes of the
	// given deployments.
	Deploy(ctx context.Context, username, experimentID string, deployments []core.Deployment) map[string]core.Result

	// StartExecutors instantiates one executor per deployment.
	StartExecutors(ctx context.Context, username, experimentID string, deployments []core.Deployment) map[string]core.Result

	// StopExecutors stops the named executors, keyed by executor id.
	StopExecutors(ctx context.Context, username string, requests []StopExecutorRequest) map[string]core.Result

	// Cleanup removes per-experiment artifacts. Must be idempotent.
	Cleanup(ctx context.Context, experimentID string, deployments []core.Deployment) error
}
