package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/whiskeyjimb/pinstall/internal/config"
	"github.com/whiskeyjimb/pinstall/internal/install"
	"github.com/whiskeyjimb/pinstall/internal/source"
)

// newInstallCommand creates the "install" command.
func newInstallCommand(st *state) *cobra.Command {
	var (
		jobID        string
		sets         []string
		file         string
		concurrency  int
		timeout      time.Duration
		allowPartial bool
	)

	cmd := &cobra.Command{
		Use:   "install [name@version...]",
		Short: "Install plugins into a job's module directory",
		Long: `Install exact plugin versions for one generation job.

Every plugin is installed independently: one failure does not stop the
others. The command exits non-zero if any plugin failed, unless
--allow-partial is given.

Examples:
  pinstall install @amplication/plugin-auth-jwt@2.1.3 foo@1.0.0
  pinstall install --job build-17 --set auth
  pinstall install --file plugins.yaml --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			descriptors, err := collectDescriptors(st.cfg, args, sets, file)
			if err != nil {
				return err
			}
			if len(descriptors) == 0 {
				return fmt.Errorf("nothing to install: pass name@version arguments, --set or --file")
			}

			if cmd.Flags().Changed("concurrency") {
				st.cfg.Concurrency = concurrency
			}
			batchTimeout, err := st.cfg.BatchTimeout()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("timeout") {
				batchTimeout = timeout
			}

			f, err := st.formatter()
			if err != nil {
				return err
			}
			mgr, err := st.manager()
			if err != nil {
				return err
			}
			defer st.writeMetrics()

			obs, closeEvents := st.observer()
			defer closeEvents()

			if jobID == "" {
				jobID = uuid.NewString()
			}

			ctx := cmd.Context()
			if batchTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, batchTimeout)
				defer cancel()
			}

			result, err := mgr.Install(ctx, jobID, descriptors, obs)
			if err != nil {
				return err
			}
			if c, ok := mgr.Source().(*source.Counting); ok {
				st.logger.Debug("batch finished", "job", jobID, "plugins", len(result.Outcomes),
					"downloads", c.Calls(), "duration", result.Duration)
			}
			if err := f.Format(cmd.OutOrStdout(), result); err != nil {
				return err
			}

			if result.HadFailures && !allowPartial {
				return fmt.Errorf("%d of %d plugins failed to install", len(result.Failed()), len(result.Outcomes))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "Job ID owning the module directory (default: random)")
	cmd.Flags().StringSliceVar(&sets, "set", nil, "Install a plugin set from the config (repeatable)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file listing plugins to install")
	cmd.Flags().IntVar(&concurrency, "concurrency", st.cfg.Concurrency, "Plugins installed in parallel")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Deadline for the whole batch (default from config)")
	cmd.Flags().BoolVar(&allowPartial, "allow-partial", false, "Exit 0 even if some plugins failed")

	registerSetCompletion(cmd, st.cfg)
	return cmd
}

// batchFile is the --file format:
//
//	plugins:
//	  - name: "@amplication/plugin-auth-jwt"
//	    version: 2.1.3
type batchFile struct {
	Plugins []install.Descriptor `yaml:"plugins"`
}

// collectDescriptors gathers the batch from arguments, plugin sets and a
// file, in that order. Exact duplicates are dropped.
func collectDescriptors(cfg *config.Config, args, sets []string, file string) ([]install.Descriptor, error) {
	var out []install.Descriptor
	seen := make(map[install.Key]bool)
	add := func(d install.Descriptor) {
		if seen[d.Key()] {
			return
		}
		seen[d.Key()] = true
		out = append(out, d)
	}

	for _, arg := range args {
		d, err := install.ParseDescriptor(arg)
		if err != nil {
			return nil, err
		}
		add(d)
	}

	for _, name := range sets {
		set, ok := cfg.PluginSets[name]
		if !ok {
			return nil, fmt.Errorf("plugin set %q is not configured", name)
		}
		ds, err := set.Descriptors()
		if err != nil {
			return nil, fmt.Errorf("plugin set %q: %w", name, err)
		}
		for _, d := range ds {
			add(d)
		}
	}

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading plugin file: %w", err)
		}
		var bf batchFile
		if err := yaml.Unmarshal(data, &bf); err != nil {
			return nil, fmt.Errorf("parsing plugin file %s: %w", file, err)
		}
		for _, d := range bf.Plugins {
			add(d)
		}
	}

	return out, nil
}

// newReleaseCommand creates the "release" command.
func newReleaseCommand(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "release <job-id>...",
		Short: "Remove a finished job's module directory",
		Long: `Remove the module directories of finished jobs. Cached packages stay
and become eligible for "cache prune".`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := st.manager()
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := mgr.Release(id); err != nil {
					return err
				}
				if st.outputFormat != "quiet" {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Released job %q\n", id)
				}
			}
			return nil
		},
	}
}
