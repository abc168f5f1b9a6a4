// ABOUTME: Compilation id derivation: a blake3 fingerprint of environment, pipeline blob, and architecture.
// ABOUTME: Deployments with identical inputs share one compilation row and one build artifact.
package core

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// CompilationID fingerprints the inputs that determine a build. Two
// deployments with the same environment definition, pipeline blob, and
// architecture share one compilation.
func CompilationID(env EnvironmentDefinition, pipeline []byte, architecture string) string {
	h := blake3.New()
	// Length-prefix free framing: a 0 byte cannot appear inside the
	// JSON-safe fields, so it is an unambiguous separator.
	write := func(s string) {
		_, _ = h.WriteString(s)
		_, _ = h.Write([]byte{0})
	}
	write(env.Type)
	write(env.Image)
	for _, cmd := range env.Commands {
		write(cmd)
	}
	write(architecture)
	_, _ = h.Write(pipeline)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
