// ABOUTME: Tagged Ok/Err result type used as the canonical failure channel for task execution.
// ABOUTME: Carries an opaque JSON value on success and a textual description on failure.
package core

import (
	"encoding/json"
	"fmt"
)

// Result is the tagged union produced by every task run: Ok with an
// arbitrary JSON-encodable value, or Err with a textual description.
// The zero value is an Err with an empty description.
type Result struct {
	Ok    bool            `json:"ok"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Ok builds a successful result from any JSON-encodable value.
// A value that cannot be encoded degrades into an Err describing the
// encoding failure, so a task can never silently lose its outcome.
func Ok(v any) Result {
	if v == nil {
		return Result{Ok: true}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Err(fmt.Sprintf("result value not encodable: %v", err))
	}
	return Result{Ok: true, Value: data}
}

// OkRaw builds a successful result from an already-encoded JSON value,
// preserving the bytes exactly.
func OkRaw(raw json.RawMessage) Result {
	return Result{Ok: true, Value: raw}
}

// Err builds a failed result with the given description.
func Err(description string) Result {
	return Result{Ok: false, Error: description}
}

// Errf builds a failed result with a formatted description.
func Errf(format string, args ...any) Result {
	return Result{Ok: false, Error: fmt.Sprintf(format, args...)}
}

// Successful reports whether the result is an Ok.
func (r Result) Successful() bool {
	return r.Ok
}

func (r Result) String() string {
	if r.Ok {
		return fmt.Sprintf("Ok(%s)", string(r.Value))
	}
	return fmt.Sprintf("Err(%s)", r.Error)
}
