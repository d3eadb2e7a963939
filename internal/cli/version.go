package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/whiskeyjimb/pinstall/internal/meta"
)

// Version is set at build time via ldflags.
// go build -ldflags "-X github.com/whiskeyjimb/pinstall/internal/cli.Version=1.0.0"
var Version = "dev"

// Commit is set at build time via ldflags.
var Commit = "unknown"

// BuildTime is set at build time via ldflags.
var BuildTime = "unknown"

// newVersionCommand creates the "version" command.
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "%s version %s\n", meta.AppName, Version)
			_, _ = fmt.Fprintf(out, "  commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  build time: %s\n", BuildTime)
			_, _ = fmt.Fprintf(out, "  go:         %s\n", runtime.Version())
			_, _ = fmt.Fprintf(out, "  os/arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
