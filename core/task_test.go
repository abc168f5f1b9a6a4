package core

import (
	"context"
	"encoding/json"
	"testing"
)

func TestInstantiateUnknownKind(t *testing.T) {
	_, err := InstantiateTask(TaskSpec{Kind: "no-such-kind", Name: "x"})
	if err == nil {
		t.Fatal("expected error for unknown task kind")
	}
}

func TestInstantiateMissingFields(t *testing.T) {
	if _, err := InstantiateTask(TaskSpec{Name: "x"}); err == nil {
		t.Fatal("expected error for missing kind")
	}
	if _, err := InstantiateTask(TaskSpec{Kind: "noop"}); err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestBuiltinShellTask(t *testing.T) {
	spec := TaskSpec{
		Kind:   "shell",
		Name:   "echo",
		Config: json.RawMessage(`{"command":"echo hello"}`),
	}
	task, err := InstantiateTask(spec)
	if err != nil {
		t.Fatalf("instantiate shell task: %v", err)
	}
	r := task.Run(context.Background(), nil)
	if !r.Successful() {
		t.Fatalf("expected Ok, got %v", r)
	}
	var out string
	if err := json.Unmarshal(r.Value, &out); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if out != "hello" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestShellTaskFailureIsErr(t *testing.T) {
	spec := TaskSpec{
		Kind:   "shell",
		Name:   "boom",
		Config: json.RawMessage(`{"command":"exit 3"}`),
	}
	task, err := InstantiateTask(spec)
	if err != nil {
		t.Fatalf("instantiate shell task: %v", err)
	}
	r := task.Run(context.Background(), nil)
	if r.Successful() {
		t.Fatal("expected Err for failing command")
	}
}

func TestShellTaskPrerequisitesNotDeduplicated(t *testing.T) {
	p := NewPipeline("prereqs")
	spec := TaskSpec{
		Kind:   "shell",
		Name:   "a",
		Config: json.RawMessage(`{"command":"true","prerequisites":["apt-get install -y tcpdump"]}`),
	}
	spec2 := spec
	spec2.Name = "b"
	p.Then(spec).Then(spec2)

	commands, err := p.Prerequisites()
	if err != nil {
		t.Fatalf("prerequisites: %v", err)
	}
	if len(commands) != 2 {
		t.Fatalf("expected 2 prerequisite commands (no dedup), got %d", len(commands))
	}
}

func TestPriorResultsClone(t *testing.T) {
	prior := PriorResults{"a": {Ok(1)}}
	clone := prior.Clone()
	clone["a"] = append(clone["a"], Err("mutated"))
	if len(prior["a"]) != 1 {
		t.Fatal("clone mutation leaked into original")
	}
}
