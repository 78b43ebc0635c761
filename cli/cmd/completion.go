package cmd

import (
	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion <bash|zsh|fish>",
	Short: "Generate a shell completion script",
	Long: `Print a completion script for sealkv. Keys are never completed; only
commands and flags are.

  bash:  source <(sealkv completion bash)
  zsh:   sealkv completion zsh > "${fpath[1]}/_sealkv"
  fish:  sealkv completion fish > ~/.config/fish/completions/sealkv.fish

Start a new shell afterwards.`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "zsh":
			return cmd.Root().GenZshCompletion(out)
		case "fish":
			return cmd.Root().GenFishCompletion(out, true)
		default:
			return cmd.Root().GenBashCompletionV2(out, true)
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
