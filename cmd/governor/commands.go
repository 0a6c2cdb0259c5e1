package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"governor/internal/config"
	"governor/internal/domain"
	"governor/internal/engine"
	"governor/internal/governance"
	"governor/internal/repo"
	"governor/internal/server"
)

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage scheduled tasks"}
	t.AddCommand(taskAddCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskToggleCmd("enable", true))
	t.AddCommand(taskToggleCmd("disable", false))
	return t
}

func taskAddCmd() *cobra.Command {
	var (
		opts          engine.TaskCreateOptions
		payload       string
		runAt         string
		priority      int
		startDisabled bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a task (cron with --cron, otherwise one-shot)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if payload != "" {
				opts.Payload = json.RawMessage(payload)
			}
			if runAt != "" {
				at, err := time.Parse(time.RFC3339, runAt)
				if err != nil {
					return fmt.Errorf("--run-at: %w", err)
				}
				opts.RunAt = at
			}
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			opts.Inactive = startDisabled
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (default uuid)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "task name")
	cmd.Flags().StringVar(&opts.Channel, "channel", governance.DefaultChannel, "command channel")
	cmd.Flags().StringVar(&opts.Command, "command", "", "command to emit")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON object payload")
	cmd.Flags().StringVar(&opts.CronExpression, "cron", "", "cron expression (5 or 6 fields)")
	cmd.Flags().StringVar(&runAt, "run-at", "", "RFC3339 time for a one-shot task (default now)")
	cmd.Flags().IntVar(&priority, "priority", governance.DefaultPriority, "command priority")
	cmd.Flags().BoolVar(&startDisabled, "disabled", false, "create the task inactive")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("command")
	return cmd
}

func taskListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Command", "Schedule", "Next Run", "Active"})
				for _, t := range tasks {
					schedule := "once"
					if !t.OneShot() {
						schedule = *t.CronExpression
					}
					tw.AppendRow(table.Row{t.ID, t.Name, t.Channel + "/" + t.Command, schedule, formatTimePtr(t.NextRunAt), t.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active tasks")
	return cmd
}

func taskToggleCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetTaskActive(ctx, args[0], active, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func playbookCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "playbook",
		Short: "Manage playbooks",
		Long: `A playbook fires its steps when its trigger holds and it is not cooling down.
Trigger specs: {"kind":"metric","name":"global_drawdown_pct","op":">=","value":0.05}
               {"kind":"agent_errors","agent":"momentum","op":">","value":3}`,
	}
	p.AddCommand(playbookCreateCmd())
	p.AddCommand(playbookListCmd())
	p.AddCommand(playbookToggleCmd())
	p.AddCommand(playbookTestCmd())
	return p
}

func playbookCreateCmd() *cobra.Command {
	var (
		opts     engine.PlaybookCreateOptions
		trigger  string
		steps    string
		disabled bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a playbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Trigger = json.RawMessage(trigger)
			if err := json.Unmarshal([]byte(steps), &opts.Steps); err != nil {
				return fmt.Errorf("--steps must be a JSON array: %w", err)
			}
			opts.Inactive = disabled
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreatePlaybook(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "playbook id (default uuid)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "playbook name")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger spec JSON")
	cmd.Flags().StringVar(&steps, "steps", "", `steps JSON, e.g. [{"command":"set-risk","payload":{"leverage":0.5}}]`)
	cmd.Flags().IntVar(&opts.CooldownSeconds, "cooldown", 0, "cooldown in seconds")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the playbook inactive")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("trigger")
	_ = cmd.MarkFlagRequired("steps")
	return cmd
}

func playbookListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List playbooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPlaybooks(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				now := time.Now()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Trigger", "Steps", "Cooldown", "State", "Last Fired", "Active"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, string(p.TriggerSpec), len(p.Steps), fmt.Sprintf("%ds", p.CooldownSeconds), governance.StateAt(p, now), formatTimePtr(p.LastTriggeredAt), p.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active playbooks")
	return cmd
}

func playbookToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <playbook-id> <on|off>",
		Short: "Enable or disable a playbook",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			active, err := parseOnOff(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.TogglePlaybook(ctx, args[0], active, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func playbookTestCmd() *cobra.Command {
	var trigger string
	cmd := &cobra.Command{
		Use:   "test [playbook-id]",
		Short: "Evaluate a playbook trigger (or --trigger) without firing",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && trigger == "" {
				return fmt.Errorf("playbook id or --trigger required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					res engine.TriggerResult
					err error
				)
				if len(args) == 1 {
					res, err = e.TestPlaybookTrigger(ctx, args[0])
				} else {
					res, err = e.TestTrigger(ctx, json.RawMessage(trigger))
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", "", "ad-hoc trigger spec JSON")
	return cmd
}

func outboxCmd() *cobra.Command {
	o := &cobra.Command{Use: "outbox", Short: "Inspect the command outbox"}
	o.AddCommand(outboxTailCmd())
	return o
}

func outboxTailCmd() *cobra.Command {
	var (
		f       repo.CommandFilter
		channel string
		follow  bool
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "List outbox commands in insertion order",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Channels = splitCSV(channel)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				for {
					cmds, err := e.Repo.ListCommands(ctx, f)
					if err != nil {
						return err
					}
					if err := printCommands(cmds); err != nil {
						return err
					}
					if len(cmds) > 0 {
						f.AfterID = cmds[len(cmds)-1].ID
					}
					if !follow {
						return nil
					}
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(time.Second):
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "queued|dispatched|failed")
	cmd.Flags().StringVar(&channel, "channel", "", "comma separated channels")
	cmd.Flags().StringVar(&f.IssuedBy, "issued-by", "", "issuer filter")
	cmd.Flags().Int64Var(&f.AfterID, "after-id", 0, "only commands with id greater than this")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 50, "max rows per page")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new commands")
	return cmd
}

func printCommands(cmds []domain.Command) error {
	if viper.GetBool("json") {
		enc := json.NewEncoder(os.Stdout)
		for _, c := range cmds {
			if err := enc.Encode(c); err != nil {
				return err
			}
		}
		return nil
	}
	if len(cmds) == 0 {
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Created", "Channel", "Command", "Priority", "Issued By", "Status", "Payload"})
	for _, c := range cmds {
		tw.AppendRow(table.Row{c.ID, c.CreatedAt.Format(time.RFC3339), c.Channel, c.Command, c.Priority, c.IssuedBy, c.Status, string(c.Payload)})
	}
	tw.Render()
	return nil
}

func kpiCmd() *cobra.Command {
	k := &cobra.Command{Use: "kpi", Short: "Daily learning KPIs"}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent daily KPIs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.RecentKPIs(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Day", "Win Rate", "R:R", "Trades", "PnL", "Notes"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.Day.Format(time.DateOnly), k.WinRate, k.RRRatio, k.TradesCount, k.PnLDaily, k.Notes})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 5, "number of days")
	k.AddCommand(list)
	return k
}

func metricCmd() *cobra.Command {
	m := &cobra.Command{Use: "metric", Short: "Record metric readings"}

	var reading domain.PortfolioReading
	dd := &cobra.Command{
		Use:   "drawdown <pct>",
		Short: "Record a portfolio drawdown reading as a fraction (0.05 = 5%)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("drawdown: %w", err)
			}
			reading.GlobalDrawdownPct = v
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				saved, err := e.RecordDrawdown(ctx, reading)
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	dd.Flags().Float64Var(&reading.PnL1h, "pnl-1h", 0, "one hour pnl")
	dd.Flags().Float64Var(&reading.PnL24h, "pnl-24h", 0, "24 hour pnl")

	agentErrs := &cobra.Command{
		Use:   "agent-errors <agent> <count>",
		Short: "Set an agent's rolling one-hour error count",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("count: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				saved, err := e.RecordAgentErrors(ctx, args[0], n)
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	m.AddCommand(dd, agentErrs)
	return m
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage admin API keys"}
	var name, role string
	create := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Create an API key; the key is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plain, key, err := e.CreateAPIKey(ctx, args[0], name, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "role": key.Role, "key": plain})
				}
				fmt.Printf("api key for %s (%s): %s\n", key.ActorID, key.Role, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label")
	create.Flags().StringVar(&role, "role", "operator", "role from rbac.roles")

	list := &cobra.Command{
		Use:   "list [actor-id]",
		Short: "List API keys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := ""
			if len(args) == 1 {
				actor = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Role", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.Role, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	k.AddCommand(create, list)
	return k
}

func tokenCmd() *cobra.Command {
	var (
		roles []string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <actor-id>",
		Short: "Mint a bearer token signed with GOVERNOR_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), args[0], roles, nil, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", []string{"viewer"}, "roles to embed")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 = no expiry)")
	return cmd
}

func eventsCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the admin event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				for _, evt := range events {
					fmt.Printf("%s %-22s %s/%s by %s %s\n", evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID, evt.Payload)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "limit", "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Workspace configuration (governor.yml)"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default governor.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate governor.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	c.AddCommand(initCmd, show, validate)
	return c
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "enable", "1":
		return true, nil
	case "off", "false", "disable", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Local().Format(time.RFC3339)
}
