package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"postpilot/internal/app"
	"postpilot/internal/content"
)

const stopTimeout = 15 * time.Second

func newServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch loop, HTTP API and event forwarding",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.ConfigPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.Start(ctx); err != nil {
				a.Close()
				return err
			}
			select {
			case <-ctx.Done():
			case <-a.Done():
			}
			fatal := a.Err()
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			stopErr := a.Stop(stopCtx)
			if fatal != nil {
				return fatal
			}
			if errors.Is(stopErr, context.DeadlineExceeded) {
				return stopErr
			}
			return nil
		},
	}
}

func newTickCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one dispatch tick and print its counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app.App) error {
				stats, err := a.Service().RunDispatchTick(cmd.Context(), limit)
				if werr := writeJSON(cmd.OutOrStdout(), stats); werr != nil {
					return werr
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max items to dispatch (0 = configured limit)")
	return cmd
}

func newQueueCommand(opts *RootOptions) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Print the queue snapshot (all users when --user is empty)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app.App) error {
				snap, err := a.Service().QueueInfo(cmd.Context(), user)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), snap)
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id")
	return cmd
}

func newCheckRulesCommand(opts *RootOptions) *cobra.Command {
	var user, at, typ, text string
	cmd := &cobra.Command{
		Use:   "check-rules",
		Short: "Evaluate posting rules for a proposed time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(user); err != nil {
				return err
			}
			when, err := parseTime("at", at)
			if err != nil {
				return err
			}
			ct, err := content.ParseType(typ)
			if err != nil {
				return err
			}
			return withApp(opts, func(a *app.App) error {
				dec, err := a.Service().CheckRules(cmd.Context(), user, when, ct, text)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), dec)
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id")
	cmd.Flags().StringVar(&at, "at", "", "proposed time, RFC3339 (default now)")
	cmd.Flags().StringVar(&typ, "type", "post", "content type")
	cmd.Flags().StringVar(&text, "text", "", "content text for duplicate checks")
	return cmd
}

func newAddCommand(opts *RootOptions) *cobra.Command {
	var (
		user, text, typ, platform string
		priority                  int
		pending                   bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store a new approved content item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(user); err != nil {
				return err
			}
			ct, err := content.ParseType(typ)
			if err != nil {
				return err
			}
			it := content.Item{Text: text, Type: ct, Platform: platform, Priority: priority}
			if pending {
				it.Status = content.StatusPendingReview
			}
			return withApp(opts, func(a *app.App) error {
				created, err := a.Service().AddContent(cmd.Context(), user, it)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), created)
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id")
	cmd.Flags().StringVar(&text, "text", "", "content text")
	cmd.Flags().StringVar(&typ, "type", "post", "content type")
	cmd.Flags().StringVar(&platform, "platform", "", "target platform")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority 1..10 (default 5)")
	cmd.Flags().BoolVar(&pending, "pending", false, "store as pending_review instead of approved")
	return cmd
}

func newScheduleCommand(opts *RootOptions) *cobra.Command {
	var (
		user, at    string
		noRuleCheck bool
	)
	cmd := &cobra.Command{
		Use:   "schedule <content-id>",
		Short: "Schedule an approved item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(user); err != nil {
				return err
			}
			when, err := parseTime("at", at)
			if err != nil {
				return err
			}
			return withApp(opts, func(a *app.App) error {
				res, err := a.Service().Schedule(cmd.Context(), user, args[0], when, !noRuleCheck)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id")
	cmd.Flags().StringVar(&at, "at", "", "publish time, RFC3339 or now")
	cmd.Flags().BoolVar(&noRuleCheck, "no-rule-check", false, "skip posting rules now and at dispatch")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func newPublishCommand(opts *RootOptions) *cobra.Command {
	var (
		user, message string
		force         bool
	)
	cmd := &cobra.Command{
		Use:   "publish <content-id>",
		Short: "Publish an approved or scheduled item now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(user); err != nil {
				return err
			}
			return withApp(opts, func(a *app.App) error {
				res, err := a.Service().PublishNow(cmd.Context(), user, args[0], force, message)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id")
	cmd.Flags().BoolVar(&force, "force", false, "ignore posting rules")
	cmd.Flags().StringVar(&message, "message", "", "publish this text instead of the stored one")
	return cmd
}

func newCancelCommand(opts *RootOptions) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "cancel <content-id>",
		Short: "Cancel an approved or scheduled item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(user); err != nil {
				return err
			}
			return withApp(opts, func(a *app.App) error {
				ok, err := a.Service().Cancel(cmd.Context(), user, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"item_id": args[0], "success": ok})
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id")
	return cmd
}

func newBatchScheduleCommand(opts *RootOptions) *cobra.Command {
	var (
		user, start string
		stagger     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "batch-schedule <content-id>...",
		Short: "Schedule items at start, start+stagger, ...",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(user); err != nil {
				return err
			}
			when, err := parseTime("start", start)
			if err != nil {
				return err
			}
			return withApp(opts, func(a *app.App) error {
				res, err := a.Service().BatchSchedule(cmd.Context(), user, args, when, stagger)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id")
	cmd.Flags().StringVar(&start, "start", "", "first publish time, RFC3339 (default now)")
	cmd.Flags().DurationVar(&stagger, "stagger", 0, "gap between consecutive items")
	return cmd
}

func newBatchPublishCommand(opts *RootOptions) *cobra.Command {
	var (
		user, message string
		force         bool
	)
	cmd := &cobra.Command{
		Use:   "batch-publish <content-id>...",
		Short: "Publish items now, one after another",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(user); err != nil {
				return err
			}
			return withApp(opts, func(a *app.App) error {
				res, err := a.Service().BatchPublish(cmd.Context(), user, args, force, message)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id")
	cmd.Flags().BoolVar(&force, "force", false, "ignore posting rules")
	cmd.Flags().StringVar(&message, "message", "", "publish this text for every item")
	return cmd
}

func newHistoryCommand(opts *RootOptions) *cobra.Command {
	var (
		user  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently posted and failed items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(user); err != nil {
				return err
			}
			return withApp(opts, func(a *app.App) error {
				items, err := a.Service().History(cmd.Context(), user, limit)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), items)
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id")
	cmd.Flags().IntVar(&limit, "limit", 0, "max items (default 50)")
	return cmd
}
