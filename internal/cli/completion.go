package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for conclave.

To load completions:

Bash:
  $ source <(conclave completion bash)
  # To load completions for each session, execute once:
  # Linux:
  $ conclave completion bash > /etc/bash_completion.d/conclave
  # macOS:
  $ conclave completion bash > $(brew --prefix)/etc/bash_completion.d/conclave

Zsh:
  $ source <(conclave completion zsh)
  # To load completions for each session, execute once:
  $ conclave completion zsh > "${fpath[1]}/_conclave"

Fish:
  $ conclave completion fish | source
  # To load completions for each session, execute once:
  $ conclave completion fish > ~/.config/fish/completions/conclave.fish

PowerShell:
  PS> conclave completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletion(os.Stdout)
		case "zsh":
			return rootCmd.GenZshCompletion(os.Stdout)
		case "fish":
			return rootCmd.GenFishCompletion(os.Stdout, true)
		case "powershell":
			return rootCmd.GenPowerShellCompletionWithDesc(os.Stdout)
		}
		return nil
	},
}
