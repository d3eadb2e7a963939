package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/whiskeyjimb/pinstall/internal/install"
)

// newCacheCommand creates the "cache" management command group.
func newCacheCommand(st *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the shared package cache",
	}

	cmd.AddCommand(
		newCacheListCommand(st),
		newCacheRemoveCommand(st),
		newCachePruneCommand(st),
	)

	return cmd
}

func (st *state) evictor() (install.Evictor, error) {
	mgr, err := st.manager()
	if err != nil {
		return nil, err
	}
	ev, ok := mgr.Cache().(install.Evictor)
	if !ok {
		return nil, errors.New("the configured cache cannot be listed")
	}
	return ev, nil
}

// newCacheListCommand creates the "cache list" command.
func newCacheListCommand(st *state) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List cached packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := st.formatter()
			if err != nil {
				return err
			}
			ev, err := st.evictor()
			if err != nil {
				return err
			}
			entries, err := ev.List()
			if err != nil {
				return err
			}
			return f.FormatEntries(cmd.OutOrStdout(), entries)
		},
	}
}

// newCacheRemoveCommand creates the "cache remove" command.
func newCacheRemoveCommand(st *state) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "remove <name@version>...",
		Aliases: []string{"rm"},
		Short:   "Remove packages from the cache",
		Long: `Remove packages from the cache. A package still linked by a job
directory is refused; release the job first, or pass --force to leave the
job with a dangling link.`,
		Args: cobra.MinimumNArgs(1),

		ValidArgsFunction: st.completeCachedKeys,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := st.manager()
			if err != nil {
				return err
			}
			remove := mgr.Remove
			if force {
				ev, err := st.evictor()
				if err != nil {
					return err
				}
				remove = ev.Remove
			}

			for _, arg := range args {
				d, err := install.ParseDescriptor(arg)
				if err != nil {
					return err
				}
				if err := remove(d.Key()); err != nil {
					switch {
					case errors.Is(err, install.ErrNotFound):
						return fmt.Errorf("%s is not cached", d)
					case errors.Is(err, install.ErrInUse):
						return fmt.Errorf("%s is linked by a job; release the job or pass --force", d)
					}
					return err
				}
				if st.outputFormat != "quiet" {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", d)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Remove packages even if a job still links them")
	return cmd
}

// newCachePruneCommand creates the "cache prune" command.
func newCachePruneCommand(st *state) *cobra.Command {
	var keepVersions int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old package versions from the cache",
		Long: `Remove all but the newest --keep versions of every cached package.
Versions still linked by a job directory are never removed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := st.manager()
			if err != nil {
				return err
			}
			defer st.writeMetrics()

			removed, err := mgr.Prune(cmd.Context(), keepVersions)
			if err != nil {
				return err
			}
			if st.outputFormat == "quiet" {
				return nil
			}
			out := cmd.OutOrStdout()
			for _, k := range removed {
				_, _ = fmt.Fprintf(out, "Removed %s\n", k)
			}
			_, _ = fmt.Fprintf(out, "Pruned %d packages (keeping %d versions per plugin)\n", len(removed), keepVersions)
			return nil
		},
	}

	cmd.Flags().IntVar(&keepVersions, "keep", 3, "Number of versions to keep per plugin")
	return cmd
}
