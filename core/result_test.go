package core

import (
	"encoding/json"
	"testing"
)

func TestOkPreservesValueBytes(t *testing.T) {
	raw := json.RawMessage(`{"speed_mbps":94.2,"server":"lax"}`)
	r := OkRaw(raw)

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	var back Result
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !back.Ok {
		t.Fatal("expected Ok after round trip")
	}
	if string(back.Value) != string(raw) {
		t.Fatalf("value changed in transit: %s != %s", back.Value, raw)
	}
}

func TestOkWithUnencodableValueDegradesToErr(t *testing.T) {
	r := Ok(make(chan int))
	if r.Ok {
		t.Fatal("expected Err for unencodable value")
	}
	if r.Error == "" {
		t.Fatal("expected a description on the Err")
	}
}

func TestErrf(t *testing.T) {
	r := Errf("task %s failed with code %d", "upload", 3)
	if r.Ok {
		t.Fatal("expected Err")
	}
	if r.Error != "task upload failed with code 3" {
		t.Fatalf("unexpected description: %q", r.Error)
	}
}

func TestZeroValueIsErr(t *testing.T) {
	var r Result
	if r.Successful() {
		t.Fatal("zero value must not be a success")
	}
}
