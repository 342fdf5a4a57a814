// Package agentconfig builds the configuration drive handed to a build-agent
// clone. The drive is a small ISO9660 image holding the agent properties as
// DriveFile; the agent's boot scripts merge it into buildAgent.properties.
package agentconfig

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf16"
)

const (
	// PropertiesFile is the agent configuration file the drive's content is
	// merged into.
	PropertiesFile = "buildAgent.properties"

	// TerminateAfterBuildKey makes the agent shut itself down after one build.
	TerminateAfterBuildKey = "system.cloud.agent.terminate.after.build"

	// ServerURLKey carries the CI server the agent connects to.
	ServerURLKey = "serverUrl"

	// InstanceIDKey and ImageIDKey let the agent report where it runs.
	InstanceIDKey = "system.cloud.kiln.instance.name"
	ImageIDKey    = "system.cloud.kiln.image.id"
)

// UserData is the per-instance agent configuration supplied by the
// orchestrator when it starts an instance.
type UserData struct {
	// ServerURL is the CI server URL written as serverUrl.
	ServerURL string
	// Parameters are extra agent configuration parameters.
	Parameters map[string]string
}

// IsEmpty reports whether there is nothing to write.
func (u UserData) IsEmpty() bool {
	return u.ServerURL == "" && len(u.Parameters) == 0
}

// WithParameter returns a copy of u with key set to value.
func (u UserData) WithParameter(key, value string) UserData {
	params := make(map[string]string, len(u.Parameters)+1)
	for k, v := range u.Parameters {
		params[k] = v
	}
	params[key] = value
	u.Parameters = params
	return u
}

// Properties renders the drive's properties file for the named instance.
// The terminate-after-build flag is always set. Keys are sorted so the
// output is reproducible.
func (u UserData) Properties(instanceName, imageID string) ([]byte, error) {
	props := make(map[string]string, len(u.Parameters)+4)
	for k, v := range u.Parameters {
		if strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("agent parameter with empty key")
		}
		props[k] = v
	}
	props[TerminateAfterBuildKey] = "true"
	if u.ServerURL != "" {
		props[ServerURLKey] = u.ServerURL
	}
	if instanceName != "" {
		props[InstanceIDKey] = instanceName
	}
	if imageID != "" {
		props[ImageIDKey] = imageID
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("# generated by kiln\n")
	for _, k := range keys {
		b.WriteString(escape(k, true))
		b.WriteByte('=')
		b.WriteString(escape(props[k], false))
		b.WriteByte('\n')
	}
	return []byte(b.String()), nil
}

// escape applies java.util.Properties escaping. Spaces are escaped
// everywhere in keys and only in leading position in values. Characters
// outside printable ASCII become \uXXXX escapes since the agent reads the
// file as ISO-8859-1.
func escape(s string, key bool) string {
	var b strings.Builder
	for i, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '=', ':', '#', '!':
			b.WriteByte('\\')
			b.WriteRune(r)
		case ' ':
			if key || i == 0 {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		default:
			if r < 0x20 || r > 0x7e {
				for _, u := range utf16.Encode([]rune{r}) {
					fmt.Fprintf(&b, `\u%04X`, u)
				}
				continue
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}
