package main

import (
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"convowal/internal/transcript"
	"convowal/internal/validate"
)

var watchDebounce time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch <transcript.jsonl>",
	Short: "Revalidate a transcript whenever it changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		defer watcher.Close()

		// Watch the directory: editors replace files by rename, which
		// drops a watch on the file itself.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			return err
		}

		checkOnce(logger, path)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

		var timer *time.Timer
		pending := make(chan struct{}, 1)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				logger.Debug("transcript changed", "event", event.Op.String())
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, func() {
					select {
					case pending <- struct{}{}:
					default:
					}
				})
			case <-pending:
				checkOnce(logger, path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				logger.Error("watch error", "error", err)
			case <-sig:
				return nil
			}
		}
	},
}

func checkOnce(logger *slog.Logger, path string) {
	history, err := transcript.ReadFile(path)
	if err != nil {
		logger.Error("read transcript failed", "path", path, "error", err)
		return
	}
	result := validate.Messages(history)
	if result.Valid {
		logger.Info("transcript valid", "messages", len(history))
		return
	}
	logger.Warn("transcript invalid",
		"messages", len(history),
		"defects", len(result.Errors),
		"orphaned", result.OrphanedIDs,
		"incomplete", result.IncompleteIDs)
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 300*time.Millisecond, "Delay before revalidating after a change")
	rootCmd.AddCommand(watchCmd)
}
