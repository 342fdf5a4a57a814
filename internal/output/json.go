package output

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jbweber/kiln/api/v1alpha1"
)

// JSONFormatter formats resources as JSON.
type JSONFormatter struct{}

func marshalJSON(v any, what string) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s to JSON: %w", what, err)
	}
	return string(data) + "\n", nil
}

// FormatImages formats Images as a JSON array.
func (f *JSONFormatter) FormatImages(images []v1alpha1.Image) (string, error) {
	if len(images) == 0 {
		return "[]\n", nil
	}
	return marshalJSON(imagesWithDefaults(images), "images")
}

// FormatInstances formats Instances as a JSON array.
func (f *JSONFormatter) FormatInstances(instances []v1alpha1.Instance) (string, error) {
	if len(instances) == 0 {
		return "[]\n", nil
	}
	return marshalJSON(instancesWithDefaults(instances), "instances")
}

// FormatReport formats a TerminationReport as a JSON object.
func (f *JSONFormatter) FormatReport(report *v1alpha1.TerminationReport) (string, error) {
	v1alpha1.SetDefaultAPIVersion(&report.TypeMeta, v1alpha1.TerminationReportKind)
	return marshalJSON(report, "termination report")
}

// FormatEvent formats an event as a single JSON line.
func (f *JSONFormatter) FormatEvent(event v1alpha1.InstanceEvent) (string, error) {
	v1alpha1.SetDefaultAPIVersion(&event.TypeMeta, v1alpha1.InstanceEventKind)

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(event); err != nil {
		return "", fmt.Errorf("failed to marshal event to JSON: %w", err)
	}
	return buf.String(), nil
}

// FormatInstancesAsItems formats Instances as a JSON object with an items
// array:
//
//	{
//	  "apiVersion": "kiln.cofront.xyz/v1alpha1",
//	  "kind": "InstanceList",
//	  "items": [...]
//	}
func (f *JSONFormatter) FormatInstancesAsItems(instances []v1alpha1.Instance) (string, error) {
	wrapper := map[string]interface{}{
		"apiVersion": v1alpha1.GroupName + "/" + v1alpha1.Version,
		"kind":       v1alpha1.InstanceKind + "List",
		"items":      instancesWithDefaults(instances),
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(wrapper); err != nil {
		return "", fmt.Errorf("failed to marshal instance list to JSON: %w", err)
	}

	return buf.String(), nil
}
