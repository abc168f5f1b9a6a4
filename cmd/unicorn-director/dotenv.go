// ABOUTME: Optional .env support for local development runs of the director.
// ABOUTME: Variables already present in the environment always win over the file.
package main

import (
	"os"
	"strings"
)

// loadDotEnv applies KEY=VALUE pairs from path to the process
// environment without clobbering variables that are already set. A
// missing file is fine; the director runs from the real environment.
func loadDotEnv(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(raw), "\n") {
		key, value, ok := parseEnvLine(line)
		if !ok {
			continue
		}
		if _, set := os.LookupEnv(key); set {
			continue
		}
		os.Setenv(key, value)
	}
}

// parseEnvLine handles comments, an optional "export " prefix, and
// single or double quotes around the value. Values may contain '='.
func parseEnvLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")

	key, value, ok = strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)

	for _, q := range []byte{'"', '\''} {
		if len(value) >= 2 && value[0] == q && value[len(value)-1] == q {
			value = value[1 : len(value)-1]
			break
		}
	}
	return key, value, true
}
