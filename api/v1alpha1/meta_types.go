// Package v1alpha1 contains the resource types kiln exposes to the CI
// orchestrator and prints from the CLI: Image, Instance and
// TerminationReport under kiln.cofront.xyz/v1alpha1.
//
// The types follow Kubernetes API conventions (kind/apiVersion header,
// camelCase fields) without depending on k8s.io/apimachinery.
package v1alpha1

import (
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"
)

// TypeMeta describes an individual object's type and API version.
type TypeMeta struct {
	// Kind is the resource kind in CamelCase.
	// +optional
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`

	// APIVersion is the versioned schema of this representation.
	// +optional
	APIVersion string `json:"apiVersion,omitempty" yaml:"apiVersion,omitempty"`
}

// Time is a wrapper around time.Time for RFC3339 JSON/YAML serialization.
type Time struct {
	time.Time `json:"-" yaml:"-"`
}

// Now returns the current time truncated to seconds, the precision kept on
// the wire.
func Now() Time {
	return Time{Time: time.Now().UTC().Truncate(time.Second)}
}

// MarshalJSON implements the json.Marshaler interface.
// Zero values are written as null.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339))
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (t *Time) UnmarshalJSON(b []byte) error {
	if string(b) == "null" || string(b) == `""` {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface.
func (t Time) MarshalYAML() (interface{}, error) {
	if t.IsZero() {
		return nil, nil
	}
	return t.Time.Format(time.RFC3339), nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (t *Time) UnmarshalYAML(node *yaml.Node) error {
	if node.Value == "" || node.Value == "null" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, node.Value)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}
