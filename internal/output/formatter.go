// Package output provides formatters for displaying kiln resources
// in various formats (table, YAML, JSON).
package output

import (
	"fmt"

	"github.com/jbweber/kiln/api/v1alpha1"
)

// Format represents an output format type.
type Format string

const (
	// FormatTable is a human-readable table format.
	FormatTable Format = "table"
	// FormatYAML is a YAML format.
	FormatYAML Format = "yaml"
	// FormatJSON is a JSON format for machine consumption.
	FormatJSON Format = "json"
)

// Formatter formats kiln resources for output.
type Formatter interface {
	// FormatImages formats a list of Images.
	FormatImages(images []v1alpha1.Image) (string, error)

	// FormatInstances formats a list of Instances.
	FormatInstances(instances []v1alpha1.Instance) (string, error)

	// FormatReport formats the outcome of a termination.
	FormatReport(report *v1alpha1.TerminationReport) (string, error)

	// FormatEvent formats one lifecycle event. Repeated calls produce a
	// stream, so implementations keep one event per line or document.
	FormatEvent(event v1alpha1.InstanceEvent) (string, error)
}

// Options contains options for formatting output.
type Options struct {
	// Format specifies the output format.
	Format Format
	// NoHeaders omits headers in table format.
	NoHeaders bool
}

// NewFormatter creates a new Formatter based on the specified format.
func NewFormatter(opts Options) (Formatter, error) {
	switch opts.Format {
	case FormatTable:
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, yaml, json)", opts.Format)
	}
}

// ValidateFormat checks if a format string is valid.
func ValidateFormat(format string) error {
	f := Format(format)
	switch f {
	case FormatTable, FormatYAML, FormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid format: %s (valid formats: table, yaml, json)", format)
	}
}

// imagesWithDefaults returns copies with apiVersion and kind filled in.
func imagesWithDefaults(images []v1alpha1.Image) []v1alpha1.Image {
	out := make([]v1alpha1.Image, len(images))
	for i, img := range images {
		v1alpha1.SetDefaultAPIVersion(&img.TypeMeta, v1alpha1.ImageKind)
		out[i] = img
	}
	return out
}

func instancesWithDefaults(instances []v1alpha1.Instance) []v1alpha1.Instance {
	out := make([]v1alpha1.Instance, len(instances))
	for i, inst := range instances {
		v1alpha1.SetDefaultAPIVersion(&inst.TypeMeta, v1alpha1.InstanceKind)
		out[i] = inst
	}
	return out
}
