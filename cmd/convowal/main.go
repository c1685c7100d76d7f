package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose    bool
	jsonOutput bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "convowal",
	Short: "Conversation history integrity tooling",
	Long: `convowal validates, repairs and checkpoints agent conversation
transcripts so a strict tool-pairing API never rejects them.

Core Commands:
  validate     Report structural defects in a transcript
  repair       Fix structural defects in a transcript
  checkpoints  Inspect and prune the checkpoint store
  watch        Revalidate a transcript whenever it changes`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of text")
}

func main() {
	Execute()
}
