package output

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/whiskeyjimb/pinstall/internal/install"
)

// TableFormatter outputs results as a human-readable table.
type TableFormatter struct{}

// Format renders one row per plugin in input order, then a summary line.
func (f *TableFormatter) Format(w io.Writer, result *install.BatchResult) error {
	rep := NewReport(result)
	if len(rep.Plugins) == 0 {
		_, _ = fmt.Fprintln(w, "(no plugins)")
		return nil
	}

	table := newTable(w)
	table.Header("Plugin", "Version", "Status", "Source", "Detail")
	for _, p := range rep.Plugins {
		detail := p.Path
		if p.Error != "" {
			detail = fmt.Sprintf("[%s] %s", p.Class, p.Error)
		}
		if err := table.Append(p.Name, p.Version, p.Status, p.Origin, detail); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	failed := len(result.Failed())
	_, _ = fmt.Fprintf(w, "Job %s: %d installed, %d failed in %s\n",
		rep.JobID, len(rep.Plugins)-failed, failed, rep.Duration)
	return nil
}

// FormatEntries renders the cache listing.
func (f *TableFormatter) FormatEntries(w io.Writer, entries []install.Entry) error {
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(w, "No packages in the cache.")
		return nil
	}

	table := newTable(w)
	table.Header("Name", "Version", "Status", "Modified")
	for _, e := range NewEntryReports(entries) {
		if err := table.Append(e.Name, e.Version, e.Status, e.Modified.Format("2006-01-02 15:04")); err != nil {
			return err
		}
	}
	return table.Render()
}

func newTable(w io.Writer) *tablewriter.Table {
	return tablewriter.NewTable(w,
		tablewriter.WithHeaderAutoFormat(tw.Off),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.Border{Top: tw.On, Bottom: tw.On, Left: tw.On, Right: tw.On},
		}),
	)
}
