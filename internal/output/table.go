package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/jbweber/kiln/api/v1alpha1"
)

// TableFormatter formats resources as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// table writes rows through a tabwriter, with an optional header.
func (f *TableFormatter) table(header string, rows func(w *tabwriter.Writer)) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, header)
	}
	rows(w)

	_ = w.Flush()
	return buf.String()
}

// FormatImages formats Images as a table.
func (f *TableFormatter) FormatImages(images []v1alpha1.Image) (string, error) {
	if len(images) == 0 {
		return "No images found\n", nil
	}

	return f.table("ID\tNAME", func(w *tabwriter.Writer) {
		for _, img := range images {
			_, _ = fmt.Fprintf(w, "%s\t%s\n", img.ID, orDash(img.Name))
		}
	}), nil
}

// FormatInstances formats Instances as a table.
func (f *TableFormatter) FormatInstances(instances []v1alpha1.Instance) (string, error) {
	if len(instances) == 0 {
		return "No instances found\n", nil
	}

	return f.table("ID\tNAME\tIMAGE\tSTATUS\tIDENTITY", func(w *tabwriter.Writer) {
		for _, inst := range instances {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				inst.ID, orDash(inst.Name), orDash(inst.ImageID), orDash(string(inst.Status)), orDash(inst.NetworkIdentity))
		}
	}), nil
}

// FormatReport formats a TerminationReport as one row per step followed by
// a summary line.
func (f *TableFormatter) FormatReport(report *v1alpha1.TerminationReport) (string, error) {
	var out string
	if len(report.Steps) == 0 {
		out = "No teardown steps (instance already gone)\n"
	} else {
		out = f.table("ACTION\tTARGET\tRESULT\tERROR", func(w *tabwriter.Writer) {
			for _, s := range report.Steps {
				result := "ok"
				switch {
				case s.Skipped:
					result = "skipped"
				case s.Error != "":
					result = "failed"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Action, orDash(s.Target), result, orDash(s.Error))
			}
		})
	}

	summary := fmt.Sprintf("Terminated %s: %d steps, %d failed", report.InstanceID, len(report.Steps), len(report.Failed()))
	if !report.StartedAt.IsZero() && !report.FinishedAt.IsZero() {
		summary += " in " + formatAge(report.FinishedAt.Sub(report.StartedAt.Time))
	}
	return out + summary + "\n", nil
}

// FormatEvent formats an event as a single line.
func (f *TableFormatter) FormatEvent(event v1alpha1.InstanceEvent) (string, error) {
	ts := "-"
	if !event.Time.IsZero() {
		ts = event.Time.Format(time.RFC3339)
	}
	line := fmt.Sprintf("%s  %-20s  %s  %s", ts, event.Type, event.InstanceID, orDash(event.Name))
	if event.Error != "" {
		line += "  error: " + event.Error
	}
	return line + "\n", nil
}

// formatAge formats a duration as a human-readable age string.
// Examples: "5s", "2m", "3h", "4d", "2w", "1y"
func formatAge(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}

	seconds := int(d.Seconds())
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}

	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%dh", hours)
	}

	days := hours / 24
	if days < 7 {
		return fmt.Sprintf("%dd", days)
	}

	weeks := days / 7
	if weeks < 8 {
		return fmt.Sprintf("%dw", weeks)
	}

	years := days / 365
	if years > 0 {
		return fmt.Sprintf("%dy", years)
	}

	return fmt.Sprintf("%dd", days)
}
