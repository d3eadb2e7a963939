package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/whiskeyjimb/pinstall/internal/config"
)

// newSetsCommand creates the "sets" command listing configured plugin sets.
func newSetsCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sets",
		Short: "List plugin sets from the config",
		Long: `List the named plugin sets defined under plugin_sets in the config file.
Install a set with "pinstall install --set <name>".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if len(cfg.PluginSets) == 0 {
				_, _ = fmt.Fprintln(out, "No plugin sets configured.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "SET\tDESCRIPTION\tPLUGINS")
			for _, name := range cfg.PluginSetNames() {
				set := cfg.PluginSets[name]
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", name, set.Description, strings.Join(set.Plugins, ", "))
			}
			return w.Flush()
		},
	}
}

// registerSetCompletion completes --set with the configured set names.
func registerSetCompletion(cmd *cobra.Command, cfg *config.Config) {
	_ = cmd.RegisterFlagCompletionFunc("set", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		var names []string
		for _, name := range cfg.PluginSetNames() {
			if desc := cfg.PluginSets[name].Description; desc != "" {
				name += "\t" + desc
			}
			names = append(names, name)
		}
		return names, cobra.ShellCompDirectiveNoFileComp
	})
}
