package output

import (
	"io"

	"github.com/whiskeyjimb/pinstall/internal/install"
	"gopkg.in/yaml.v3"
)

// YAMLFormatter outputs results as YAML.
type YAMLFormatter struct{}

// Format writes the batch report as YAML.
func (f *YAMLFormatter) Format(w io.Writer, result *install.BatchResult) error {
	return encodeYAML(w, NewReport(result))
}

func (f *YAMLFormatter) FormatEntries(w io.Writer, entries []install.Entry) error {
	return encodeYAML(w, NewEntryReports(entries))
}

func encodeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer func() { _ = enc.Close() }()
	return enc.Encode(v)
}
