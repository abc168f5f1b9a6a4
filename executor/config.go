// ABOUTME: Executor configuration read from the environment injected by the owning connector.
// ABOUTME: Missing required variables terminate the agent immediately with a descriptive error.
package executor

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variable names the connector injects.
const (
	EnvGatewayEndpoint  = "NETUNICORN_GATEWAY_ENDPOINT"
	EnvExperimentID     = "NETUNICORN_EXPERIMENT_ID"
	EnvExecutorID       = "NETUNICORN_EXECUTOR_ID"
	EnvHeartbeat        = "NETUNICORN_HEARTBEAT"
	EnvHeartbeatSeconds = "NETUNICORN_EXECUTOR_HEARTBEAT_SECONDS"
)

// DefaultHeartbeatInterval between liveness posts.
const DefaultHeartbeatInterval = 30 * time.Second

// Config is the executor agent's runtime configuration.
type Config struct {
	GatewayEndpoint   string
	ExperimentID      string
	ExecutorID        string
	HeartbeatEnabled  bool
	HeartbeatInterval time.Duration
}

// ConfigFromEnv reads the connector-injected environment. The gateway
// endpoint, experiment id, and executor id are required.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		HeartbeatEnabled:  true,
		HeartbeatInterval: DefaultHeartbeatInterval,
	}

	cfg.GatewayEndpoint = os.Getenv(EnvGatewayEndpoint)
	if cfg.GatewayEndpoint == "" {
		return Config{}, fmt.Errorf("%s is not set: the executor cannot reach its gateway", EnvGatewayEndpoint)
	}
	cfg.ExperimentID = os.Getenv(EnvExperimentID)
	if cfg.ExperimentID == "" {
		return Config{}, fmt.Errorf("%s is not set: the executor does not know its experiment", EnvExperimentID)
	}
	cfg.ExecutorID = os.Getenv(EnvExecutorID)
	if cfg.ExecutorID == "" {
		return Config{}, fmt.Errorf("%s is not set: the executor does not know its identity", EnvExecutorID)
	}

	if raw := os.Getenv(EnvHeartbeat); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%s=%q is not a boolean", EnvHeartbeat, raw)
		}
		cfg.HeartbeatEnabled = enabled
	}
	if raw := os.Getenv(EnvHeartbeatSeconds); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("%s=%q is not a positive integer", EnvHeartbeatSeconds, raw)
		}
		cfg.HeartbeatInterval = time.Duration(seconds) * time.Second
	}
	return cfg, nil
}
