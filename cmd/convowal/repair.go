package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"convowal/internal/repair"
	"convowal/internal/transcript"
)

var repairDryRun bool

var repairCmd = &cobra.Command{
	Use:   "repair <transcript.jsonl>",
	Short: "Fix structural defects in a transcript",
	Long: `Repair removes orphaned tool_results, incomplete tool_uses,
duplicate tool_use ids and messages left empty, in that order, and writes
the corrected transcript back in place. With --dry-run the fixes are
computed over a copy and reported without touching the file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		history, err := transcript.ReadFile(args[0])
		if err != nil {
			return err
		}

		var result repair.Result
		if repairDryRun {
			_, result = repair.ApplyCopy(history)
		} else {
			history, result = repair.Apply(history)
			if len(result.Steps) > 0 {
				if err := transcript.WriteFile(args[0], history); err != nil {
					return err
				}
			}
		}

		if jsonOutput {
			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(result.Steps) == 0 {
			fmt.Println("nothing to fix")
			return nil
		}
		fmt.Println(result.String())
		for _, s := range result.Steps {
			if s.ToolID != "" {
				fmt.Printf("  %s: message %d (tool id %s)\n", s.Action, s.MessageIndex, s.ToolID)
			} else {
				fmt.Printf("  %s: message %d\n", s.Action, s.MessageIndex)
			}
		}
		return nil
	},
}

func init() {
	repairCmd.Flags().BoolVar(&repairDryRun, "dry-run", false, "Report fixes without writing the file")
	rootCmd.AddCommand(repairCmd)
}
