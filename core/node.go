// ABOUTME: Node handles returned by connectors, with property-based architecture and access-tag dispatch.
// ABOUTME: Visibility rules: untagged nodes are global, tagged nodes require a tag intersection with the user.
package core

import (
	"fmt"
	"strings"
)

// Well-known node property keys.
const (
	PropArchitecture = "architecture"
	PropAccessTags   = "access_tags"
)

// Architectures the platform can compile for.
const (
	ArchLinuxAMD64 = "linux/amd64"
	ArchLinuxARM64 = "linux/arm64"
)

// Node is a handle to a worker returned by a connector: a unique name,
// the owning connector, and a free-form properties dictionary carrying
// architecture, access tags, and connector-specific deploy hints.
type Node struct {
	Name       string            `json:"name"`
	Connector  string            `json:"connector"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Architecture returns the node's build architecture property. A
// missing or unsupported architecture is an explicit error, surfaced at
// prepare time rather than silently defaulted.
func (n Node) Architecture() (string, error) {
	arch := n.Properties[PropArchitecture]
	if arch == "" {
		return "", fmt.Errorf("node %q has no %s property", n.Name, PropArchitecture)
	}
	switch arch {
	case ArchLinuxAMD64, ArchLinuxARM64:
		return arch, nil
	}
	return "", fmt.Errorf("node %q has unsupported architecture %q", n.Name, arch)
}

// AccessTags returns the node's comma-separated access tags, trimmed.
func (n Node) AccessTags() []string {
	raw := n.Properties[PropAccessTags]
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// VisibleTo reports whether a user with the given access tags may see
// this node. A node with no tags is globally visible; a user with no
// tags sees all nodes; otherwise the tag sets must intersect.
func (n Node) VisibleTo(userTags []string) bool {
	nodeTags := n.AccessTags()
	if len(nodeTags) == 0 || len(userTags) == 0 {
		return true
	}
	for _, ut := range userTags {
		for _, nt := range nodeTags {
			if ut == nt {
				return true
			}
		}
	}
	return false
}
