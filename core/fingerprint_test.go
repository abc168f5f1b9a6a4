package core

import "testing"

func TestCompilationIDSharedForEqualInputs(t *testing.T) {
	env := DockerImage("ubuntu:24.04", "apt-get update")
	blob := []byte(`{"id":"p1"}`)

	a := CompilationID(env, blob, ArchLinuxAMD64)
	b := CompilationID(env, blob, ArchLinuxAMD64)
	if a != b {
		t.Fatalf("equal inputs produced different ids: %s vs %s", a, b)
	}
}

func TestCompilationIDVariesPerInput(t *testing.T) {
	env := DockerImage("ubuntu:24.04")
	blob := []byte(`{"id":"p1"}`)
	base := CompilationID(env, blob, ArchLinuxAMD64)

	if CompilationID(env, blob, ArchLinuxARM64) == base {
		t.Fatal("architecture change must change the id")
	}
	if CompilationID(env, []byte(`{"id":"p2"}`), ArchLinuxAMD64) == base {
		t.Fatal("pipeline change must change the id")
	}
	if CompilationID(DockerImage("debian:12"), blob, ArchLinuxAMD64) == base {
		t.Fatal("environment change must change the id")
	}
}

func TestCompilationIDCommandFramingUnambiguous(t *testing.T) {
	a := CompilationID(ShellExecution("ab", "c"), nil, ArchLinuxAMD64)
	b := CompilationID(ShellExecution("a", "bc"), nil, ArchLinuxAMD64)
	if a == b {
		t.Fatal("command boundaries must affect the fingerprint")
	}
}
