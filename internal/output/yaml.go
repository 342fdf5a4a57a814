package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/kiln/api/v1alpha1"
)

// YAMLFormatter formats resources as YAML.
type YAMLFormatter struct{}

// stream writes each item as its own YAML document, separated by ---.
func stream[T any](items []T, name func(T) string) (string, error) {
	var buf bytes.Buffer

	for i, item := range items {
		data, err := yaml.Marshal(item)
		if err != nil {
			return "", fmt.Errorf("failed to marshal %s to YAML: %w", name(item), err)
		}

		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(data)
	}

	return buf.String(), nil
}

// FormatImages formats Images as a YAML stream.
func (f *YAMLFormatter) FormatImages(images []v1alpha1.Image) (string, error) {
	return stream(imagesWithDefaults(images), func(i v1alpha1.Image) string { return "image " + i.ID })
}

// FormatInstances formats Instances as a YAML stream.
func (f *YAMLFormatter) FormatInstances(instances []v1alpha1.Instance) (string, error) {
	return stream(instancesWithDefaults(instances), func(i v1alpha1.Instance) string { return "instance " + i.ID })
}

// FormatReport formats a TerminationReport as a YAML document.
func (f *YAMLFormatter) FormatReport(report *v1alpha1.TerminationReport) (string, error) {
	v1alpha1.SetDefaultAPIVersion(&report.TypeMeta, v1alpha1.TerminationReportKind)

	data, err := yaml.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("failed to marshal termination report to YAML: %w", err)
	}
	return string(data), nil
}

// FormatEvent formats an event as one YAML document, prefixed with --- so
// that successive events form a stream.
func (f *YAMLFormatter) FormatEvent(event v1alpha1.InstanceEvent) (string, error) {
	v1alpha1.SetDefaultAPIVersion(&event.TypeMeta, v1alpha1.InstanceEventKind)

	data, err := yaml.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event to YAML: %w", err)
	}
	return "---\n" + string(data), nil
}
