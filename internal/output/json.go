package output

import (
	"encoding/json"
	"io"

	"github.com/whiskeyjimb/pinstall/internal/install"
)

// JSONFormatter outputs results as pretty-printed JSON.
type JSONFormatter struct{}

// Format writes the batch report as indented JSON for piping to jq.
func (f *JSONFormatter) Format(w io.Writer, result *install.BatchResult) error {
	return encodeJSON(w, NewReport(result))
}

func (f *JSONFormatter) FormatEntries(w io.Writer, entries []install.Entry) error {
	return encodeJSON(w, NewEntryReports(entries))
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
