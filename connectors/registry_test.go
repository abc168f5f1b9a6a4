// ABOUTME: Tests for the connector registry: driver lookup, skip/quarantine behavior, dummy driver fan-out.
// ABOUTME: Failing drivers and unknown names must never produce a half-built registry.
package connectors

import (
	"context"
	"errors"
	"testing"

	"github.com/2389-research/unicorn/core"
)

func boolPtr(b bool) *bool { return &b }

func dummyRegistryConfig(name string, nodes ...string) map[string]ConnectorConfig {
	nodeList := make([]any, 0, len(nodes))
	for _, n := range nodes {
		nodeList = append(nodeList, map[string]any{
			"name":       n,
			"properties": map[string]any{"architecture": core.ArchLinuxAMD64},
		})
	}
	return map[string]ConnectorConfig{
		name: {
			Driver:  "dummy",
			Options: map[string]any{"nodes": nodeList},
		},
	}
}

func TestNewRegistryUnknownDriverIsFatal(t *testing.T) {
	_, err := NewRegistry(context.Background(), map[string]ConnectorConfig{
		"bad": {Driver: "does-not-exist"},
	})
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestNewRegistrySkipsDisabled(t *testing.T) {
	cfg := dummyRegistryConfig("lab", "node-1")
	entry := cfg["lab"]
	entry.Enabled = boolPtr(false)
	cfg["lab"] = entry

	r, err := NewRegistry(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if len(r.Names()) != 0 {
		t.Fatalf("disabled connector registered: %v", r.Names())
	}
}

func TestRegistryGetAndQuarantine(t *testing.T) {
	r, err := NewRegistry(context.Background(), dummyRegistryConfig("lab", "node-1", "node-2"))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	c, ok := r.Get("lab")
	if !ok {
		t.Fatal("connector not registered")
	}
	nodes, err := c.ListNodes(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list nodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("nodes = %v", nodes)
	}
	if nodes[0].Connector != "lab" {
		t.Errorf("node connector = %q, want lab", nodes[0].Connector)
	}

	r.Quarantine("lab", errors.New("backend unreachable"))
	if _, ok := r.Get("lab"); ok {
		t.Fatal("quarantined connector still routable")
	}
	// Quarantining twice is a no-op.
	r.Quarantine("lab", errors.New("again"))
}

func TestDummyConnectorDeployRecordsCalls(t *testing.T) {
	r, err := NewRegistry(context.Background(), dummyRegistryConfig("lab", "node-1"))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	c, _ := r.Get("lab")
	dummy := c.(*DummyConnector)

	deployments := []core.Deployment{
		{Node: core.Node{Name: "node-1", Connector: "lab"}, ExecutorID: "e1"},
		{Node: core.Node{Name: "ghost", Connector: "lab"}, ExecutorID: "e2"},
	}
	results := dummy.Deploy(context.Background(), "alice", "exp-1", deployments)
	if !results["e1"].Successful() {
		t.Errorf("known node failed: %v", results["e1"])
	}
	if results["e2"].Successful() {
		t.Errorf("unknown node succeeded")
	}

	calls := dummy.Calls()
	if len(calls) != 1 || calls[0].Op != "deploy" || calls[0].ExperimentID != "exp-1" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestDummyConnectorStopExecutors(t *testing.T) {
	c := newDummyConnector("lab", dummyOptions{Nodes: []dummyNode{{Name: "node-1"}}})

	results := c.StopExecutors(context.Background(), "alice", []StopExecutorRequest{
		{ExecutorID: "e1", NodeName: "node-1"},
	})
	if !results["e1"].Successful() {
		t.Fatalf("stop failed: %v", results["e1"])
	}
}
