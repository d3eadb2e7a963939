// Package cli implements the command-line interface for pinstall.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/whiskeyjimb/pinstall/internal/config"
	"github.com/whiskeyjimb/pinstall/internal/install"
	"github.com/whiskeyjimb/pinstall/internal/meta"
	"github.com/whiskeyjimb/pinstall/internal/output"
)

// Factory builds the install manager once flags are parsed.
type Factory func(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*install.Manager, error)

// state is shared by all commands of one invocation.
type state struct {
	cfg     *config.Config
	factory Factory

	outputFormat string
	verbose      bool
	quiet        bool
	metricsFile  string

	logger   *slog.Logger
	registry *prometheus.Registry
	mgr      *install.Manager
}

// NewRootCommand creates the top-level CLI command. A nil factory means
// DefaultFactory.
func NewRootCommand(cfg *config.Config, factory Factory) *cobra.Command {
	if factory == nil {
		factory = DefaultFactory
	}
	st := &state{cfg: cfg, factory: factory}

	root := &cobra.Command{
		Use:   meta.AppName,
		Short: "Install plugin packages for code generation jobs",
		Long: `pinstall makes versioned plugin packages available to code generation
jobs. Packages are downloaded once into a shared cache and linked into a
separate module directory per job; concurrent jobs needing the same
package share a single download.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Flags with defaults from config
	st.outputFormat = cfg.Output
	root.PersistentFlags().VarP((*formatFlag)(&st.outputFormat), "output", "o", "Output format: table, json, yaml")
	root.PersistentFlags().BoolVarP(&st.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&st.quiet, "quiet", cfg.Quiet, "Suppress output; exit code indicates result")
	root.PersistentFlags().StringVar(&st.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file when the command finishes")

	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		// When quiet mode is enabled, override output format
		if st.quiet {
			st.outputFormat = "quiet"
		}
		st.logger = newLogger(cmd.ErrOrStderr(), st.verbose)
	}

	root.AddCommand(
		newInstallCommand(st),
		newReleaseCommand(st),
		newCacheCommand(st),
		newSetsCommand(cfg),
		newCompletionCommand(),
		newVersionCommand(),
	)

	registerOutputFormatCompletion(root)

	return root
}

// formatFlag rejects unknown output formats while flags are parsed.
type formatFlag string

var _ pflag.Value = (*formatFlag)(nil)

func (f *formatFlag) String() string { return string(*f) }

func (f *formatFlag) Set(v string) error {
	if _, err := output.NewFormatter(v); err != nil {
		return err
	}
	*f = formatFlag(v)
	return nil
}

func (f *formatFlag) Type() string { return "format" }

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// manager builds the install manager on first use so that commands such as
// version and completion never touch the cache.
func (st *state) manager() (*install.Manager, error) {
	if st.mgr != nil {
		return st.mgr, nil
	}
	if st.logger == nil {
		st.logger = slog.Default()
	}
	st.registry = prometheus.NewRegistry()
	mgr, err := st.factory(st.cfg, st.logger, st.registry)
	if err != nil {
		return nil, fmt.Errorf("initializing installer: %w", err)
	}
	st.mgr = mgr
	return mgr, nil
}

func (st *state) formatter() (output.Formatter, error) {
	return output.NewFormatter(st.outputFormat)
}

// writeMetrics dumps the registry in the node-exporter textfile format.
func (st *state) writeMetrics() {
	if st.metricsFile == "" || st.registry == nil {
		return
	}
	if err := prometheus.WriteToTextfile(st.metricsFile, st.registry); err != nil {
		st.logger.Warn("writing metrics file", "path", st.metricsFile, "error", err)
	}
}

// observer returns the event observers for an install: the log, plus NATS
// when configured. The returned func releases the connection.
func (st *state) observer() (install.Observer, func()) {
	obs := install.Observers{install.LogObserver{Logger: st.logger}}
	if st.cfg.NATSURL == "" {
		return obs, func() {}
	}
	pub, closeFn, err := connectEvents(st.cfg)
	if err != nil {
		st.logger.Warn("event publishing disabled", "url", st.cfg.NATSURL, "error", err)
		return obs, func() {}
	}
	return append(obs, pub), closeFn
}
