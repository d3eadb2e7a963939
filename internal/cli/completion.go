package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

// newCompletionCommand creates the "completion" command.
func newCompletionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate a completion script for pinstall and write it to stdout.

  $ source <(pinstall completion bash)
  $ pinstall completion zsh > "${fpath[1]}/_pinstall"
  $ pinstall completion fish > ~/.config/fish/completions/pinstall.fish
  PS> pinstall completion powershell | Out-String | Invoke-Expression

Completions cover plugin set names for --set and cached packages for
"cache remove".`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, out := cmd.Root(), cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return root.GenBashCompletionV2(out, true)
			case "zsh":
				return root.GenZshCompletion(out)
			case "fish":
				return root.GenFishCompletion(out, true)
			default:
				return root.GenPowerShellCompletionWithDesc(out)
			}
		},
	}
}

// registerOutputFormatCompletion completes the root --output flag.
func registerOutputFormatCompletion(cmd *cobra.Command) {
	_ = cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{
			"table\tHuman-readable table (default)",
			"json\tJSON output for scripting",
			"yaml\tYAML output",
			"quiet\tNo output; exit code only",
		}, cobra.ShellCompDirectiveNoFileComp
	})
}

// completeCachedKeys offers the name@version of every cached package not
// already on the command line.
func (st *state) completeCachedKeys(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	ev, err := st.evictor()
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	entries, err := ev.List()
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}

	given := make(map[string]bool, len(args))
	for _, a := range args {
		given[a] = true
	}
	var keys []string
	for _, e := range entries {
		k := string(e.Key)
		if !given[k] && strings.HasPrefix(k, toComplete) {
			keys = append(keys, k)
		}
	}
	return keys, cobra.ShellCompDirectiveNoFileComp
}
