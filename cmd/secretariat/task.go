package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"secretariat/internal/app"
	"secretariat/internal/control"
	"secretariat/internal/recurrence"
	"secretariat/internal/task"
	logx "secretariat/pkg/logx"
)

const commandTimeout = 30 * time.Second

// withAdmin opens the configured store for one command.
func withAdmin(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, adm *app.Admin) error) error {
	level := "warn"
	if opts.Verbose {
		level = "debug"
	}
	adm, err := app.OpenAdmin(opts.ConfigPath, logx.NewConsole(level))
	if err != nil {
		return err
	}
	defer adm.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return fn(ctx, adm)
}

func newTaskCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create and manage reminders in the configured store",
	}
	cmd.AddCommand(
		newTaskCreateCommand(opts),
		newTaskListCommand(opts),
		newTaskShowCommand(opts),
		newTaskStatusCommand(opts, "pause", "Pause a reminder", (*control.Service).Pause),
		newTaskStatusCommand(opts, "resume", "Resume a paused or failed reminder", (*control.Service).Resume),
		newTaskStatusCommand(opts, "cancel", "Cancel a reminder for good", (*control.Service).Cancel),
		newTaskPreviewCommand(opts),
	)
	return cmd
}

type createOptions struct {
	Owner       string
	Description string
	Channel     string
	Interactive bool
	Rule        string
	RuleFile    string
}

func newTaskCreateCommand(opts *rootOptions) *cobra.Command {
	co := &createOptions{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a reminder from a recurrence rule",
		Long: `Create a reminder. The rule is JSON, inline or from a file:

  secretariat task create --owner telegram:-1001 --channel telegram:-1001 \
    --description "bins out" \
    --rule '{"unit":"week","interval":2,"anchor":{"weekdays":[4]},
             "time_of_day":"19:00","timezone":"Pacific/Auckland",
             "start_at":"2025-09-15T09:00:00+12:00"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readRule(co.Rule, co.RuleFile)
			if err != nil {
				return err
			}
			rule, err := recurrence.ParseJSON(raw)
			if err != nil {
				return err
			}
			return withAdmin(cmd, opts, func(ctx context.Context, adm *app.Admin) error {
				t, err := adm.Control.Create(ctx, control.Request{
					OwnerRef:    co.Owner,
					Description: co.Description,
					Rule:        rule,
					ChannelRef:  co.Channel,
					Interactive: co.Interactive,
				})
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts, t, func() string { return control.FormatTask(t, adm.Location) })
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&co.Owner, "owner", "", "owner (conversation) reference")
	f.StringVarP(&co.Description, "description", "d", "", "reminder text")
	f.StringVar(&co.Channel, "channel", "", "delivery channel, scheme:target (e.g. telegram:-1001, web:alice, log:dev)")
	f.BoolVar(&co.Interactive, "interactive", false, "notify loudly")
	f.StringVar(&co.Rule, "rule", "", "recurrence rule as JSON")
	f.StringVar(&co.RuleFile, "rule-file", "", "read the rule JSON from a file")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("description")
	_ = cmd.MarkFlagRequired("channel")
	cmd.MarkFlagsMutuallyExclusive("rule", "rule-file")
	cmd.MarkFlagsOneRequired("rule", "rule-file")
	return cmd
}

func readRule(inline, file string) ([]byte, error) {
	if strings.TrimSpace(file) == "" {
		return []byte(inline), nil
	}
	return os.ReadFile(file)
}

func newTaskListCommand(opts *rootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the active reminders of an owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, opts, func(ctx context.Context, adm *app.Admin) error {
				tasks, err := adm.Control.ListActive(ctx, owner)
				if err != nil {
					return err
				}
				if tasks == nil {
					tasks = []*task.Task{}
				}
				return emit(cmd.OutOrStdout(), opts, tasks, func() string { return control.FormatList(tasks, adm.Location) })
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner reference")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newTaskShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one reminder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, opts, func(ctx context.Context, adm *app.Admin) error {
				t, err := adm.Control.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts, t, func() string { return control.FormatTask(t, adm.Location) })
			})
		},
	}
}

func newTaskStatusCommand(opts *rootOptions, use, short string, fn func(*control.Service, context.Context, string) (*task.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, opts, func(ctx context.Context, adm *app.Admin) error {
				t, err := fn(adm.Control, ctx, args[0])
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts, t, func() string { return control.FormatTask(t, adm.Location) })
			})
		},
	}
}

func newTaskPreviewCommand(opts *rootOptions) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "preview <id>",
		Short: "Show the next fire times of a reminder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, opts, func(ctx context.Context, adm *app.Admin) error {
				times, err := adm.Control.Preview(ctx, args[0], n)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts, times, func() string { return formatTimes(times, adm.Location) })
			})
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 5, "number of occurrences")
	return cmd
}

func formatTimes(times []time.Time, loc *time.Location) string {
	if len(times) == 0 {
		return "no upcoming occurrences"
	}
	lines := make([]string, len(times))
	for i, t := range times {
		lines[i] = t.In(loc).Format(control.TimeLayout)
	}
	return strings.Join(lines, "\n")
}

// newRuleCommand checks a rule without touching the store.
func newRuleCommand(opts *rootOptions) *cobra.Command {
	var (
		ruleJSON, ruleFile string
		n                  int
	)
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Validate a recurrence rule and print its first occurrences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readRule(ruleJSON, ruleFile)
			if err != nil {
				return err
			}
			rule, err := recurrence.ParseJSON(raw)
			if err != nil {
				return err
			}
			var times []time.Time
			if first, ok := recurrence.First(rule); ok && n > 0 {
				times = append([]time.Time{first}, recurrence.Preview(rule, first, 1, n-1)...)
			}
			loc, _ := time.LoadLocation(rule.Timezone)
			out := struct {
				Describe string      `json:"describe"`
				Next     []time.Time `json:"next"`
			}{rule.Describe(), times}
			return emit(cmd.OutOrStdout(), opts, out, func() string {
				return fmt.Sprintf("%s\n%s", out.Describe, formatTimes(times, loc))
			})
		},
	}
	cmd.Flags().StringVar(&ruleJSON, "rule", "", "recurrence rule as JSON")
	cmd.Flags().StringVar(&ruleFile, "rule-file", "", "read the rule JSON from a file")
	cmd.Flags().IntVarP(&n, "count", "n", 5, "number of occurrences")
	cmd.MarkFlagsMutuallyExclusive("rule", "rule-file")
	cmd.MarkFlagsOneRequired("rule", "rule-file")
	return cmd
}
