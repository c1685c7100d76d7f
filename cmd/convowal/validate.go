package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"convowal/internal/transcript"
	"convowal/internal/validate"
)

var validateCmd = &cobra.Command{
	Use:   "validate <transcript.jsonl>",
	Short: "Report structural defects in a transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		history, err := transcript.ReadFile(args[0])
		if err != nil {
			return err
		}

		result := validate.Messages(history)
		if jsonOutput {
			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
		} else {
			printResult(result, len(history))
		}

		if !result.Valid {
			os.Exit(1)
		}
		return nil
	},
}

func printResult(result validate.Result, total int) {
	if result.Valid {
		fmt.Printf("valid: %d messages, no structural defects\n", total)
		return
	}
	fmt.Printf("invalid: %d defects in %d messages\n", len(result.Errors), total)
	for _, e := range result.Errors {
		if e.ToolID != "" {
			fmt.Printf("  [%s] message %d (tool id %s): %s\n", e.Kind, e.MessageIndex, e.ToolID, e.Detail)
		} else {
			fmt.Printf("  [%s] message %d: %s\n", e.Kind, e.MessageIndex, e.Detail)
		}
	}
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
