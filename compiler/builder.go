// ABOUTME: Image builders: the docker driver shells out to buildx, the fake driver serves tests.
// ABOUTME: A builder gets a prepared context directory and must produce the tagged image or a build log.
package compiler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// BuildRequest describes one image build: a context directory already
// holding Dockerfile, pipeline, and executor binary.
type BuildRequest struct {
	ContextDir   string
	Tag          string
	Architecture string
}

// Builder turns a prepared build context into a pushed image. The
// returned log is surfaced to the user on both success and failure.
type Builder interface {
	Build(ctx context.Context, req BuildRequest) (log string, err error)
}

// DockerBuilder builds and pushes via docker buildx.
type DockerBuilder struct {
	// Push controls whether the image is pushed after building.
	Push bool
}

func (b *DockerBuilder) Build(ctx context.Context, req BuildRequest) (string, error) {
	args := []string{"buildx", "build", "--platform", req.Architecture, "-t", req.Tag}
	if b.Push {
		args = append(args, "--push")
	} else {
		args = append(args, "--load")
	}
	args = append(args, req.ContextDir)

	cmd := exec.CommandContext(ctx, "docker", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("docker buildx build: %w", err)
	}
	return out.String(), nil
}

// FakeBuilder records requests and returns scripted outcomes. Used in
// tests and config dry runs.
type FakeBuilder struct {
	// Fail makes every build report failure.
	Fail bool

	Requests []BuildRequest
}

func (b *FakeBuilder) Build(_ context.Context, req BuildRequest) (string, error) {
	b.Requests = append(b.Requests, req)
	if b.Fail {
		return "fake build failed", fmt.Errorf("scripted failure")
	}
	return "fake build ok", nil
}
