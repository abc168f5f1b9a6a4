// ABOUTME: Pipeline model: ordered stages of unordered task bags, plus the opaque wire codec.
// ABOUTME: A serialized pipeline is carried as a byte blob end-to-end and decoded only by the executor.
package core

import (
	"encoding/json"
	"fmt"
)

// Stage is an unordered bag of tasks that run concurrently. All tasks
// of a stage settle before the next stage begins.
type Stage []TaskSpec

// Pipeline is an ordered sequence of stages bound to one environment
// definition. The zero KeepAliveTimeoutMinutes means no outer wall-clock
// envelope beyond the platform default.
type Pipeline struct {
	ID                      string                `json:"id"`
	Stages                  []Stage               `json:"stages"`
	Environment             EnvironmentDefinition `json:"environment"`
	ReportResults           bool                  `json:"report_results"`
	KeepAliveTimeoutMinutes int                   `json:"keep_alive_timeout_minutes,omitempty"`
}

// NewPipeline returns an empty pipeline with result reporting enabled,
// running in a shell-execution environment by default.
func NewPipeline(id string) *Pipeline {
	return &Pipeline{
		ID:            id,
		Environment:   ShellExecution(),
		ReportResults: true,
	}
}

// Then appends a new stage containing the given tasks.
func (p *Pipeline) Then(tasks ...TaskSpec) *Pipeline {
	p.Stages = append(p.Stages, Stage(tasks))
	return p
}

// Validate checks the pipeline structure and that every task kind is
// known to the registry, without running anything.
func (p *Pipeline) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pipeline has no id")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline %q has no stages", p.ID)
	}
	if err := p.Environment.Validate(); err != nil {
		return fmt.Errorf("pipeline %q: %w", p.ID, err)
	}
	for i, stage := range p.Stages {
		if len(stage) == 0 {
			return fmt.Errorf("pipeline %q stage %d is empty", p.ID, i)
		}
		for _, spec := range stage {
			if _, err := InstantiateTask(spec); err != nil {
				return fmt.Errorf("pipeline %q stage %d: %w", p.ID, i, err)
			}
		}
	}
	return nil
}

// Prerequisites instantiates every task in stage order and collects
// their environment prerequisite commands. Duplicates are kept: each
// task instance contributes independently.
func (p *Pipeline) Prerequisites() ([]string, error) {
	var commands []string
	for i, stage := range p.Stages {
		for _, spec := range stage {
			task, err := InstantiateTask(spec)
			if err != nil {
				return nil, fmt.Errorf("pipeline %q stage %d: %w", p.ID, i, err)
			}
			commands = append(commands, task.Prerequisites()...)
		}
	}
	return commands, nil
}

// Marshal encodes the pipeline into its opaque wire blob.
func (p *Pipeline) Marshal() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline %q: %w", p.ID, err)
	}
	return data, nil
}

// UnmarshalPipeline decodes a pipeline wire blob.
func UnmarshalPipeline(blob []byte) (*Pipeline, error) {
	var p Pipeline
	if err := json.Unmarshal(blob, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline: %w", err)
	}
	return &p, nil
}
