// ABOUTME: Dockerfile rendering for compiled execution environments.
// ABOUTME: Environment commands become RUN lines with any sudo prefix stripped; the pipeline blob is baked in.
package compiler

import (
	"fmt"
	"strings"

	"github.com/2389-research/unicorn/core"
)

// DefaultBaseImage is used when a docker environment definition names
// no image. Matches the executor's runtime needs: a plain glibc Linux.
const DefaultBaseImage = "ubuntu:22.04"

// PipelineFileName is the path inside the image where the pipeline blob
// lands; the executor checks it before asking the gateway.
const PipelineFileName = "unicorn.pipeline"

// ImageTag returns the registry tag for a compiled environment.
func ImageTag(registry, experimentID, compilationID, architecture string) string {
	arch := strings.ReplaceAll(architecture, "/", "-")
	return fmt.Sprintf("%s/%s-%s:%s", strings.TrimSuffix(registry, "/"), experimentID, compilationID, arch)
}

// RenderDockerfile produces the build file for one compilation. Build
// context layout: the pipeline blob at "pipeline" and the executor
// binary at "unicorn-executor" next to the Dockerfile.
func RenderDockerfile(env core.EnvironmentDefinition) string {
	image := env.Image
	if image == "" {
		image = DefaultBaseImage
	}

	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", image)
	for _, cmd := range env.Commands {
		// Commands run as root inside the build; a sudo prefix would
		// only fail on images without sudo installed.
		fmt.Fprintf(&b, "RUN %s\n", strings.TrimPrefix(cmd, "sudo "))
	}
	fmt.Fprintf(&b, "COPY pipeline /%s\n", PipelineFileName)
	b.WriteString("COPY unicorn-executor /usr/local/bin/unicorn-executor\n")
	b.WriteString("WORKDIR /\n")
	b.WriteString(`ENTRYPOINT ["/usr/local/bin/unicorn-executor"]` + "\n")
	return b.String()
}
