// Package naming provides the naming conventions kiln applies to hypervisor
// resources and build agents: clone names, per-clone volume names and the
// agent name derived from an instance's network identity.
//
// Volume ownership is decided purely by name: every volume kiln creates for
// a clone is prefixed with "{vmName}_", so teardown can tell a clone's own
// disks from shared ones (installer ISOs, base images).
package naming

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// DefaultInstancePrefix prefixes every generated clone name.
	DefaultInstancePrefix = "buildagent-"

	// DefaultAgentPrefix prefixes the agent name built from a network identity.
	DefaultAgentPrefix = "buildagent_"
)

var prefixPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidatePrefix checks that prefix is usable as the start of a domain name.
func ValidatePrefix(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("prefix is required")
	}
	if !prefixPattern.MatchString(prefix) {
		return fmt.Errorf("prefix %q must start with an alphanumeric character and contain only alphanumerics, '.', '_' or '-'", prefix)
	}
	return nil
}

// InstanceName returns a fresh, unique clone name.
// Format: {prefix}{uuid}
//
// Example: buildagent-3f0c2a1e-5b7d-4a43-9d0e-8c1b2f6a9e10
func InstanceName(prefix string) string {
	if prefix == "" {
		prefix = DefaultInstancePrefix
	}
	return prefix + uuid.NewString()
}

// AgentName returns the build agent name expected for a network identity.
// Format: {prefix}{identity}
//
// Example: buildagent_10.0.0.12
func AgentName(prefix, identity string) string {
	if prefix == "" {
		prefix = DefaultAgentPrefix
	}
	return prefix + identity
}

// ReportedAgentName extracts the agent name from an agent's self-description,
// which is the name optionally followed by free-form details separated by
// whitespace.
func ReportedAgentName(description string) string {
	fields := strings.Fields(description)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// VolumeNameClone returns the name of the volume cloned from a template disk.
// The source volume's extension is kept so the format stays recognisable.
// Format: {vmName}_{target}{ext} (e.g., "buildagent-…_xvda.qcow2")
func VolumeNameClone(vmName, target, sourceName string) string {
	return fmt.Sprintf("%s_%s%s", vmName, target, filepath.Ext(sourceName))
}

// VolumeNameConfigDrive returns the volume name for a clone's agent
// configuration drive.
// Format: {vmName}_agentcfg.iso
func VolumeNameConfigDrive(vmName string) string {
	return fmt.Sprintf("%s_agentcfg.iso", vmName)
}

// OwnsVolume reports whether a volume (name or path) was created for vmName.
func OwnsVolume(vmName, volume string) bool {
	if vmName == "" || volume == "" {
		return false
	}
	return strings.HasPrefix(filepath.Base(volume), vmName+"_")
}
