// Package cli implements the postpilot command line.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"postpilot/internal/app"
	"postpilot/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	EnvFile    string
}

func openApp(path string) (*app.App, error) {
	return app.New(config.NewConfigManager(path))
}

// NewRootCommand creates the postpilot root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	cmd := &cobra.Command{
		Use:   "postpilot",
		Short: "Scheduling and publishing engine for social content",
		Long: `postpilot schedules approved content, checks posting rules, and
publishes due items with retries. "serve" runs the dispatch loop and the
HTTP API; the other commands run one operation against the configured store.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(opts.EnvFile)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "./postpilot.yaml", "path to config (json or yaml)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "dotenv file to load (default: ./.env when present)")

	cmd.AddCommand(
		newServeCommand(opts),
		newTickCommand(opts),
		newQueueCommand(opts),
		newCheckRulesCommand(opts),
		newAddCommand(opts),
		newScheduleCommand(opts),
		newPublishCommand(opts),
		newCancelCommand(opts),
		newBatchScheduleCommand(opts),
		newBatchPublishCommand(opts),
		newHistoryCommand(opts),
	)
	return cmd
}

// loadEnv loads a dotenv file without overriding variables already set.
func loadEnv(path string) error {
	if strings.TrimSpace(path) != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// withApp opens the app for a one-shot command and closes it afterwards.
func withApp(opts *RootOptions, fn func(a *app.App) error) error {
	a, err := openApp(opts.ConfigPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseTime accepts RFC3339 or "now"; empty yields the zero time.
func parseTime(flag, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "":
		return time.Time{}, nil
	case "now":
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: want RFC3339 (2026-01-02T15:04:05Z), got %q", flag, raw)
	}
	return t.UTC(), nil
}

func requireUser(user string) error {
	if strings.TrimSpace(user) == "" {
		return errors.New("--user is required")
	}
	return nil
}
