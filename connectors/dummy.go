// ABOUTME: Dummy connector: a static node inventory that succeeds at everything.
// ABOUTME: Records every call so tests and dry runs can assert the director's fan-out behavior.
package connectors

import (
	"context"
	"fmt"
	"sync"

	"github.com/2389-research/unicorn/core"
)

func init() {
	RegisterDriver("dummy", func(name string, options map[string]any) (Connector, error) {
		var opts dummyOptions
		if err := DecodeOptions(options, &opts); err != nil {
			return nil, err
		}
		return newDummyConnector(name, opts), nil
	})
}

type dummyOptions struct {
	Nodes []dummyNode `yaml:"nodes"`
}

type dummyNode struct {
	Name       string            `yaml:"name"`
	Properties map[string]string `yaml:"properties"`
}

// DummyCall is one recorded operation against the dummy connector.
type DummyCall struct {
	Op           string
	ExperimentID string
	ExecutorIDs  []string
}

// DummyConnector serves a fixed node list and acknowledges every
// operation. Useful for integration tests and config dry runs.
type DummyConnector struct {
	name  string
	nodes []core.Node

	mu    sync.Mutex
	calls []DummyCall
}

func newDummyConnector(name string, opts dummyOptions) *DummyConnector {
	d := &DummyConnector{name: name}
	for _, n := range opts.Nodes {
		d.nodes = append(d.nodes, core.Node{
			Name:       n.Name,
			Connector:  name,
			Properties: n.Properties,
		})
	}
	return d
}

func (d *DummyConnector) Name() string { return d.name }

func (d *DummyConnector) Initialize(context.Context) error { return nil }

func (d *DummyConnector) Health(context.Context) error { return nil }

func (d *DummyConnector) Shutdown(context.Context) error { return nil }

func (d *DummyConnector) ListNodes(_ context.Context, _ string) ([]core.Node, error) {
	out := make([]core.Node, len(d.nodes))
	copy(out, d.nodes)
	return out, nil
}

func (d *DummyConnector) Deploy(_ context.Context, _, experimentID string, deployments []core.Deployment) map[string]core.Result {
	return d.acknowledge("deploy", experimentID, deployments)
}

func (d *DummyConnector) StartExecutors(_ context.Context, _, experimentID string, deployments []core.Deployment) map[string]core.Result {
	return d.acknowledge("start_executors", experimentID, deployments)
}

func (d *DummyConnector) StopExecutors(_ context.Context, _ string, requests []StopExecutorRequest) map[string]core.Result {
	ids := make([]string, 0, len(requests))
	out := make(map[string]core.Result, len(requests))
	for _, req := range requests {
		ids = append(ids, req.ExecutorID)
		out[req.ExecutorID] = core.Ok("stopped")
	}
	d.record(DummyCall{Op: "stop_executors", ExecutorIDs: ids})
	return out
}

func (d *DummyConnector) Cleanup(_ context.Context, experimentID string, _ []core.Deployment) error {
	d.record(DummyCall{Op: "cleanup", ExperimentID: experimentID})
	return nil
}

func (d *DummyConnector) acknowledge(op, experimentID string, deployments []core.Deployment) map[string]core.Result {
	known := make(map[string]bool, len(d.nodes))
	for _, n := range d.nodes {
		known[n.Name] = true
	}
	ids := make([]string, 0, len(deployments))
	out := make(map[string]core.Result, len(deployments))
	for _, dep := range deployments {
		ids = append(ids, dep.ExecutorID)
		if !known[dep.Node.Name] {
			out[dep.ExecutorID] = core.Errf("unknown node %q", dep.Node.Name)
			continue
		}
		out[dep.ExecutorID] = core.Ok(fmt.Sprintf("%s acknowledged", op))
	}
	d.record(DummyCall{Op: op, ExperimentID: experimentID, ExecutorIDs: ids})
	return out
}

func (d *DummyConnector) record(call DummyCall) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
}

// Calls returns a copy of the recorded operations, in order.
func (d *DummyConnector) Calls() []DummyCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DummyCall, len(d.calls))
	copy(out, d.calls)
	return out
}
