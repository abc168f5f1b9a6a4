// ABOUTME: Task capability interface plus the kind registry used for JSON wire polymorphism.
// ABOUTME: Tasks are carried on the wire as {kind, name, config} and instantiated via registered factories.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// PriorResults is an immutable snapshot of all results produced before a
// task runs, keyed by task name. Each name maps to the history of that
// name's results across the run (a name may appear in several stages).
type PriorResults map[string][]Result

// Clone returns a deep copy so a task cannot mutate the shared history.
func (p PriorResults) Clone() PriorResults {
	out := make(PriorResults, len(p))
	for name, history := range p {
		out[name] = append([]Result(nil), history...)
	}
	return out
}

// Task is the smallest unit of work in a pipeline. Prerequisites are
// shell commands contributed to the execution environment; two
// instances of the same task kind contribute independently, no
// deduplication is performed.
type Task interface {
	Name() string
	Prerequisites() []string
	Run(ctx context.Context, prior PriorResults) Result
}

// TaskSpec is the wire form of a task: a registered kind, a unique
// name, and an opaque kind-specific configuration payload.
type TaskSpec struct {
	Kind   string          `json:"kind"`
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config,omitempty"`
}

// TaskFactory instantiates a task of one kind from its wire form.
type TaskFactory func(name string, config json.RawMessage) (Task, error)

var (
	taskRegistryMu sync.RWMutex
	taskRegistry   = map[string]TaskFactory{}
)

// RegisterTask registers a factory for a task kind. Registering the
// same kind twice panics: the wire contract requires exactly one
// decoder per kind across client, compiler, and executor.
func RegisterTask(kind string, factory TaskFactory) {
	taskRegistryMu.Lock()
	defer taskRegistryMu.Unlock()
	if _, exists := taskRegistry[kind]; exists {
		panic(fmt.Sprintf("task kind %q registered twice", kind))
	}
	taskRegistry[kind] = factory
}

// InstantiateTask builds a task from its wire form using the registry.
func InstantiateTask(spec TaskSpec) (Task, error) {
	if spec.Kind == "" {
		return nil, fmt.Errorf("task %q has no kind", spec.Name)
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("task of kind %q has no name", spec.Kind)
	}
	taskRegistryMu.RLock()
	factory, ok := taskRegistry[spec.Kind]
	taskRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown task kind %q (task %q)", spec.Kind, spec.Name)
	}
	task, err := factory(spec.Name, spec.Config)
	if err != nil {
		return nil, fmt.Errorf("instantiate task %q (kind %q): %w", spec.Name, spec.Kind, err)
	}
	return task, nil
}

// RegisteredTaskKinds returns the sorted list of known kinds.
func RegisteredTaskKinds() []string {
	taskRegistryMu.RLock()
	defer taskRegistryMu.RUnlock()
	kinds := make([]string, 0, len(taskRegistry))
	for k := range taskRegistry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
