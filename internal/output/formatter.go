// Package output handles formatting and rendering of install results.
package output

import (
	"fmt"
	"io"
	"time"

	"github.com/whiskeyjimb/pinstall/internal/install"
)

// Formatter renders install results and cache listings to a writer.
type Formatter interface {
	// Format writes a batch result in the formatter's format.
	Format(w io.Writer, result *install.BatchResult) error

	// FormatEntries writes a cache listing in the formatter's format.
	FormatEntries(w io.Writer, entries []install.Entry) error
}

// NewFormatter returns a Formatter for the given format name.
// Supported formats: "json", "table", "yaml", "quiet".
func NewFormatter(format string) (Formatter, error) {
	switch format {
	case "json":
		return &JSONFormatter{}, nil
	case "table":
		return &TableFormatter{}, nil
	case "yaml":
		return &YAMLFormatter{}, nil
	case "quiet":
		return &QuietFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %q (supported: json, table, yaml, quiet)", format)
	}
}

// QuietFormatter produces no output. The exit code conveys the result.
// Exit 0 for success, exit 1 for failure/error.
type QuietFormatter struct{}

func (f *QuietFormatter) Format(io.Writer, *install.BatchResult) error { return nil }

func (f *QuietFormatter) FormatEntries(io.Writer, []install.Entry) error { return nil }

// Report is the serialized form of a BatchResult.
type Report struct {
	JobID       string         `json:"job_id" yaml:"job_id"`
	HadFailures bool           `json:"had_failures" yaml:"had_failures"`
	Duration    string         `json:"duration" yaml:"duration"`
	Plugins     []PluginReport `json:"plugins" yaml:"plugins"`
}

// PluginReport is one plugin's outcome within a Report.
type PluginReport struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
	Status  string `json:"status" yaml:"status"`
	Origin  string `json:"origin,omitempty" yaml:"origin,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
	Class   string `json:"class,omitempty" yaml:"class,omitempty"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewReport flattens r, keeping outcome order.
func NewReport(r *install.BatchResult) Report {
	rep := Report{
		JobID:       r.JobID,
		HadFailures: r.HadFailures,
		Duration:    r.Duration.Round(time.Millisecond).String(),
		Plugins:     make([]PluginReport, 0, len(r.Outcomes)),
	}
	for _, o := range r.Outcomes {
		p := PluginReport{
			Name:    o.Descriptor.Name,
			Version: o.Descriptor.Version,
			Status:  o.Status.String(),
			Path:    o.Path,
		}
		if o.Status == install.StatusInstalled {
			p.Origin = o.Origin.String()
		}
		if o.Err != nil {
			p.Class = install.Classify(o.Err)
			p.Error = o.Err.Error()
		}
		rep.Plugins = append(rep.Plugins, p)
	}
	return rep
}

// EntryReport is the serialized form of a cache entry.
type EntryReport struct {
	Name     string    `json:"name" yaml:"name"`
	Version  string    `json:"version" yaml:"version"`
	Status   string    `json:"status" yaml:"status"`
	Path     string    `json:"path" yaml:"path"`
	Modified time.Time `json:"modified" yaml:"modified"`
}

// NewEntryReports converts cache entries for output.
func NewEntryReports(entries []install.Entry) []EntryReport {
	out := make([]EntryReport, 0, len(entries))
	for _, e := range entries {
		name, version := e.Key.Split()
		out = append(out, EntryReport{
			Name:     name,
			Version:  version,
			Status:   e.Status.String(),
			Path:     e.Path,
			Modified: e.ModTime,
		})
	}
	return out
}
