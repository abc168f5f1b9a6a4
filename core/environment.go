// ABOUTME: Environment definitions describing how a deployment's execution environment is built.
// ABOUTME: Either a container image (optionally with build commands) or a bare list of shell commands.
package core

import "fmt"

// Environment definition types.
const (
	EnvDocker = "docker"
	EnvShell  = "shell"
)

// EnvironmentDefinition describes how to create the environment a
// pipeline runs in: a container image reference (with optional build
// commands layered on top), or a set of shell commands executed
// directly on the node.
type EnvironmentDefinition struct {
	Type     string   `json:"type"`
	Image    string   `json:"image,omitempty"`
	Commands []string `json:"commands,omitempty"`
}

// DockerImage returns an environment built from a base container image.
func DockerImage(image string, commands ...string) EnvironmentDefinition {
	return EnvironmentDefinition{Type: EnvDocker, Image: image, Commands: commands}
}

// ShellExecution returns an environment created by running commands in
// the node's shell, without a container.
func ShellExecution(commands ...string) EnvironmentDefinition {
	return EnvironmentDefinition{Type: EnvShell, Commands: commands}
}

// Validate checks structural requirements of the definition.
func (e EnvironmentDefinition) Validate() error {
	switch e.Type {
	case EnvDocker:
		if e.Image == "" {
			return fmt.Errorf("docker environment definition has no image")
		}
	case EnvShell:
	default:
		return fmt.Errorf("unknown environment definition type %q", e.Type)
	}
	return nil
}

// WithCommands returns a copy with extra commands appended, preserving
// order. Used to fold task prerequisites into a deployment environment.
func (e EnvironmentDefinition) WithCommands(commands []string) EnvironmentDefinition {
	out := e
	out.Commands = append(append([]string(nil), e.Commands...), commands...)
	return out
}
