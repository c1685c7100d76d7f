package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"convowal/internal/checkpoint"
	"convowal/internal/config"
)

var checkpointsSession string

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and prune the checkpoint store",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints for a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		cps, err := store.List(context.Background(), checkpointsSession)
		if err != nil {
			return err
		}

		if jsonOutput {
			data, err := json.MarshalIndent(cps, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(cps) == 0 {
			fmt.Printf("no checkpoints for session %s\n", checkpointsSession)
			return nil
		}
		for _, cp := range cps {
			snapshot := "hash-only"
			if cp.Snapshot != nil {
				snapshot = fmt.Sprintf("snapshot(%d)", len(cp.Snapshot))
			}
			fmt.Printf("%s  %-11s %-10s index=%-4d %s  %s\n",
				cp.ID, cp.State, cp.Operation, cp.MessageIndex, snapshot,
				cp.Timestamp.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var checkpointsKeep int

var checkpointsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop old committed checkpoints beyond the retention count",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := checkpoint.OpenSQLite(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer store.Close()

		// The configured retention applies unless --keep overrides it
		keep := checkpointsKeep
		if !cmd.Flags().Changed("keep") {
			keep = cfg.Settings.CheckpointRetention
		}

		n, err := store.Prune(context.Background(), checkpointsSession, keep)
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d checkpoints\n", n)
		return nil
	},
}

func openStore() (*checkpoint.SQLiteStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return checkpoint.OpenSQLite(cfg.DatabasePath)
}

func init() {
	checkpointsCmd.PersistentFlags().StringVarP(&checkpointsSession, "session", "s", "", "Session id")
	checkpointsCmd.MarkPersistentFlagRequired("session")
	checkpointsPruneCmd.Flags().IntVar(&checkpointsKeep, "keep", 10, "Committed checkpoints to keep")
	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsPruneCmd)
	rootCmd.AddCommand(checkpointsCmd)
}
