package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentboard/internal/app"
	"agentboard/internal/bus"
	"agentboard/internal/config"
	"agentboard/internal/db"
	"agentboard/internal/delivery"
	"agentboard/internal/domain"
	"agentboard/internal/events"
	"agentboard/internal/repo"
	"agentboard/internal/router"
	"agentboard/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ab",
	Short: "Agentboard CLI",
	Long: `Agentboard coordinates a fleet of autonomous agents working on one project.
- Workspace: the .agentboard directory holding the SQLite database; agentboard.yml next to it holds the config.
- Tasks: work items routed to agents by keyword scoring; statuses go todo -> in_progress -> done (blocked is the parking lot).
- Agents: registered workers with a type (Backend, Frontend, ...), capacity, and success counters.
- Webhooks: per-agent push endpoints with HMAC-signed payloads and persisted retries.
- Messages: the agent-to-agent bus; pushed when the recipient subscribes, queued for polling otherwise.
- Capacity: utilization per agent type, bottleneck detection, spawn recommendations, and alerts.
- Event log: diary of everything that happened, view with 'ab log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AGENTBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(msgCmd())
	rootCmd.AddCommand(capacityCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage the workspace project"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectListCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	var id string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace config and project",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.EnsureProject(ctx); err != nil {
					return err
				}
				p, err := a.Repo.GetProject(ctx, a.Config.Project.ID)
				if err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
				return printJSONOrIndent(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the project and its config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Repo.GetProject(ctx, a.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{"project": p, "config": a.Config})
			})
		},
	}
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every project in the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projects, err := a.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(projects)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Created"})
				for _, p := range projects {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "The scoreboard: task counts by status, agent headcount, and total cost so far.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID := a.Config.Project.ID
				counts, err := a.Repo.CountTasksByStatus(ctx, projectID)
				if err != nil {
					return err
				}
				agents, err := a.Repo.ListAgents(ctx, repo.AgentFilters{ProjectID: projectID})
				if err != nil {
					return err
				}
				cost, err := a.Repo.ProjectCostTotal(ctx, projectID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"project_id":  projectID,
					"task_counts": counts,
					"agent_count": len(agents),
					"total_cost":  cost,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s\n", projectID)
				fmt.Printf("Agents: %d\n", len(agents))
				fmt.Printf("Total cost: $%.2f\n", cost)
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are the work items. Create them, let the router pick an agent by keyword score, and sweep the ones that got stuck.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskSweepCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var title, description, prompt string
	var priority int
	var assign bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if priority < 1 || priority > 5 {
				return fmt.Errorf("--priority must be between 1 and 5")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				now := repo.FormatTime(time.Now())
				t := domain.Task{
					ID:          uuid.NewString(),
					ProjectID:   a.Config.Project.ID,
					Title:       title,
					Description: description,
					Prompt:      prompt,
					AssignedTo:  domain.Unassigned,
					Priority:    priority,
					Status:      domain.TaskStatusTodo,
					CreatedAt:   now,
					UpdatedAt:   now,
				}
				if err := a.Repo.InsertTask(ctx, t); err != nil {
					return err
				}
				_ = a.Events.Append(ctx, nil, "task.created", t.ProjectID, "task", t.ID, "cli",
					events.EventPayload{"title": t.Title})
				if assign {
					if assigned, _, err := a.Router.Assign(ctx, t.ID, router.AssignOptions{}); err == nil {
						t = assigned
					} else if refreshed, gerr := a.Repo.GetTask(ctx, t.ID); gerr == nil {
						t = refreshed
					}
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt handed to the assigned agent")
	cmd.Flags().IntVar(&priority, "priority", 3, "priority 1-5 (lower is more urgent)")
	cmd.Flags().BoolVar(&assign, "assign", false, "route to an agent immediately")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f.ProjectID = a.Config.Project.ID
				tasks, err := a.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assigned To", "Type", "Pri"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.AssignedTo, t.AssignedType, t.Priority})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssignedTo, "assigned-to", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Repo.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var forceType, exclude string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Route a task to an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, agent, err := a.Router.Assign(ctx, id, router.AssignOptions{
					ForceType:    forceType,
					ExcludeAgent: exclude,
				})
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{"task": t, "agent": agent})
			})
		},
	}
	cmd.Flags().StringVar(&forceType, "type", "", "override the scored agent type")
	cmd.Flags().StringVar(&exclude, "exclude-agent", "", "never pick this agent")
	return cmd
}

func taskSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reassign or block stuck in-progress tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				results, err := a.Router.SweepStuckTasks(ctx, a.Config.Project.ID)
				if err != nil {
					return err
				}
				if len(results) == 0 && !viper.GetBool("json") {
					fmt.Println("no stuck tasks")
					return nil
				}
				return printJSONOrIndent(results)
			})
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
		Long:  "Agents are the registered workers. Each has a type from the config profile table, a capacity, and success counters that feed routing.",
	}
	agent.AddCommand(agentRegisterCmd())
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentShowCmd())
	agent.AddCommand(agentStatusCmd())
	return agent
}

func agentRegisterCmd() *cobra.Command {
	var name, agentType string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent and issue its API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var profile *domain.TypeProfile
				for _, p := range a.Config.ProfileTable() {
					if p.Type == agentType {
						prof := p
						profile = &prof
						break
					}
				}
				if profile == nil {
					return fmt.Errorf("unknown agent type %q (see agentboard.yml profiles)", agentType)
				}
				now := repo.FormatTime(time.Now())
				agent := domain.Agent{
					ID:           uuid.NewString(),
					ProjectID:    a.Config.Project.ID,
					Name:         name,
					Type:         agentType,
					Status:       domain.AgentStatusIdle,
					Capabilities: profile.Capabilities,
					CreatedAt:    now,
				}
				if err := a.Repo.InsertAgent(ctx, agent); err != nil {
					return err
				}
				rawKey := newRawAPIKey()
				if err := a.Repo.InsertAPIKey(ctx, domain.APIKey{
					ID:        uuid.NewString(),
					AgentID:   agent.ID,
					Name:      agent.Name,
					KeyHash:   repo.HashAPIKey(rawKey),
					CreatedAt: now,
				}); err != nil {
					return err
				}
				_ = a.Events.Append(ctx, nil, "agent.registered", agent.ProjectID, "agent", agent.ID, "cli",
					events.EventPayload{"type": agent.Type, "name": agent.Name})
				// The raw key is shown once; only its hash is stored.
				return printJSONOrIndent(map[string]any{"agent": agent, "api_key": rawKey})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&agentType, "type", "", "agent type (must match a config profile)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func agentListCmd() *cobra.Command {
	var f repo.AgentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f.ProjectID = a.Config.Project.ID
				agents, err := a.Repo.ListAgents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Status", "Active", "Done", "Failed"})
				for _, ag := range agents {
					tw.AppendRow(table.Row{ag.ID, ag.Name, ag.Type, ag.Status, ag.TasksInProgress, ag.TasksCompleted, ag.TasksFailed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func agentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ag, err := a.Repo.GetAgent(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrIndent(ag)
			})
		},
	}
	return cmd
}

func agentStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Update agent availability",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			switch status {
			case domain.AgentStatusIdle, domain.AgentStatusActive, domain.AgentStatusOffline:
			default:
				return fmt.Errorf("--status must be idle, active or offline")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Repo.UpdateAgentStatus(ctx, id, status); err != nil {
					return err
				}
				ag, err := a.Repo.GetAgent(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrIndent(ag)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (idle, active, offline)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func webhookCmd() *cobra.Command {
	wh := &cobra.Command{
		Use:   "webhook",
		Short: "Manage agent webhooks",
		Long:  "Webhooks push task assignments and subscribed events to an agent's endpoint. Payloads are HMAC-signed; failed deliveries retry with backoff.",
	}
	wh.AddCommand(webhookSetCmd())
	wh.AddCommand(webhookListCmd())
	wh.AddCommand(webhookShowCmd())
	wh.AddCommand(webhookDeleteCmd())
	wh.AddCommand(webhookDeliveriesCmd())
	return wh
}

func webhookSetCmd() *cobra.Command {
	var in delivery.SetWebhookInput
	var enabled bool
	var headers []string
	cmd := &cobra.Command{
		Use:   "set <agent-id>",
		Short: "Create or update an agent's webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.AgentID = args[0]
			if cmd.Flags().Changed("enabled") {
				in.Enabled = &enabled
			}
			if len(headers) > 0 {
				in.Headers = map[string]string{}
				for _, h := range headers {
					k, v, ok := strings.Cut(h, "=")
					if !ok {
						return fmt.Errorf("--header wants key=value, got %q", h)
					}
					in.Headers[k] = v
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg, secret, err := a.Delivery.SetWebhook(ctx, in)
				if err != nil {
					return err
				}
				out := map[string]any{"webhook": cfg}
				if secret != "" {
					// Shown once; store it with the agent.
					out["secret"] = secret
				}
				return printJSONOrIndent(out)
			})
		},
	}
	cmd.Flags().StringVar(&in.URL, "url", "", "endpoint URL")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "enable or disable deliveries")
	cmd.Flags().StringArrayVar(&in.Events, "event", []string{}, "subscribed event (repeatable, empty means all)")
	cmd.Flags().IntVar(&in.MaxAttempts, "max-attempts", 0, "delivery attempts before giving up")
	cmd.Flags().Float64Var(&in.BackoffMultiplier, "backoff-multiplier", 0, "retry delay multiplier")
	cmd.Flags().IntVar(&in.InitialDelayMS, "initial-delay-ms", 0, "first retry delay in milliseconds")
	cmd.Flags().IntVar(&in.TimeoutSeconds, "timeout-seconds", 0, "per-request timeout")
	cmd.Flags().StringArrayVar(&headers, "header", []string{}, "extra header key=value (repeatable)")
	cmd.Flags().BoolVar(&in.RotateSecret, "rotate-secret", false, "generate a fresh signing secret")
	return cmd
}

func webhookListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every webhook configured in the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				configs, err := a.Repo.ListWebhookConfigs(ctx, a.Config.Project.ID)
				if err != nil {
					return err
				}
				for i := range configs {
					configs[i].Secret = ""
				}
				if viper.GetBool("json") {
					return printJSON(configs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Agent", "URL", "Enabled", "Events", "Max Attempts"})
				for _, c := range configs {
					tw.AppendRow(table.Row{c.AgentID, c.URL, c.Enabled, strings.Join(c.Events, ","), c.MaxAttempts})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func webhookShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show an agent's webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg, err := a.Delivery.GetWebhook(ctx, id)
				if err != nil {
					return err
				}
				cfg.Secret = ""
				return printJSONOrIndent(cfg)
			})
		},
	}
	return cmd
}

func webhookDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <agent-id>",
		Short: "Delete an agent's webhook and cancel pending deliveries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Delivery.DeleteWebhook(ctx, id)
			})
		},
	}
	return cmd
}

func webhookDeliveriesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "deliveries <agent-id>",
		Short: "List recent delivery attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				attempts, err := a.Repo.ListDeliveryAttempts(ctx, id, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(attempts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Event", "Status", "Attempt", "Next Retry", "Last Error"})
				for _, at := range attempts {
					tw.AppendRow(table.Row{at.ID, at.Event, at.Status, at.Attempt, at.NextRetryAt, at.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func msgCmd() *cobra.Command {
	msg := &cobra.Command{
		Use:   "msg",
		Short: "Agent-to-agent messages",
		Long:  "Messages ride the bus: pushed through the recipient's webhook when it subscribes, queued for polling otherwise. Queued messages expire after the configured TTL.",
	}
	msg.AddCommand(msgSendCmd())
	msg.AddCommand(msgBroadcastCmd())
	msg.AddCommand(msgPollCmd())
	return msg
}

func msgSendCmd() *cobra.Command {
	var in bus.SendInput
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to one agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in.ProjectID = a.Config.Project.ID
				res, err := a.Bus.Send(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrIndent(res)
			})
		},
	}
	cmd.Flags().StringVar(&in.From, "from", "", "sender agent id")
	cmd.Flags().StringVar(&in.To, "to", "", "recipient agent id")
	cmd.Flags().StringVar(&in.Type, "type", "", "message type")
	cmd.Flags().StringVar(&in.Payload, "payload", "", "payload")
	cmd.Flags().StringVar(&in.Priority, "priority", "", "priority label")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func msgBroadcastCmd() *cobra.Command {
	var in bus.BroadcastInput
	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Send a message to every other agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in.ProjectID = a.Config.Project.ID
				results, err := a.Bus.Broadcast(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrIndent(results)
			})
		},
	}
	cmd.Flags().StringVar(&in.From, "from", "", "sender agent id")
	cmd.Flags().StringVar(&in.Type, "type", "", "message type")
	cmd.Flags().StringVar(&in.Payload, "payload", "", "payload")
	cmd.Flags().StringVar(&in.Priority, "priority", "", "priority label")
	cmd.Flags().StringVar(&in.AgentType, "agent-type", "", "narrow to one agent type")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func msgPollCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "poll <agent-id>",
		Short: "Drain an agent's message queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				msgs, err := a.Bus.Poll(ctx, a.Config.Project.ID, id, limit)
				if err != nil {
					return err
				}
				return printJSONOrIndent(msgs)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max messages (default 100)")
	return cmd
}

func capacityCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "capacity",
		Short: "Capacity and health",
		Long:  "Per-type utilization, bottlenecks (busy types with queued work and nobody idle), spawn recommendations, and alerts.",
	}
	c.AddCommand(capacityStatusCmd())
	c.AddCommand(capacityBottlenecksCmd())
	c.AddCommand(capacityRecommendCmd())
	c.AddCommand(capacityAlertsCmd())
	return c
}

func capacityStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-type utilization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stats, err := a.Monitor.Snapshot(ctx, a.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "Agents", "Idle", "Active", "Queued", "Utilization"})
				for _, s := range stats {
					tw.AppendRow(table.Row{s.Type, s.TotalAgents, s.IdleAgents, s.InProgress, s.Queued, fmt.Sprintf("%.0f%%", s.Utilization*100)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func capacityBottlenecksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bottlenecks",
		Short: "List bottlenecked agent types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Monitor.DetectBottlenecks(ctx, a.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(items)
			})
		},
	}
	return cmd
}

func capacityRecommendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recommendations",
		Short: "Recommend agents to spawn",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Monitor.SpawnRecommendations(ctx, a.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(items)
			})
		},
	}
	return cmd
}

func capacityAlertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Show current alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				alerts, err := a.Monitor.GenerateAlerts(ctx, a.Config.Project.ID)
				if err != nil {
					return err
				}
				critical := false
				for _, al := range alerts {
					if al.Severity == domain.SeverityCritical {
						critical = true
					}
				}
				return printJSONOrIndent(map[string]any{"alerts": alerts, "critical": critical})
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: tasks, assignments, deliveries, messages, alerts.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var items []domain.Event
				var err error
				if after > 0 {
					items, err = a.Repo.EventsAfter(ctx, a.Config.Project.ID, after, n)
				} else {
					items, err = a.Repo.LatestEvents(ctx, a.Config.Project.ID, n)
				}
				if err != nil {
					return err
				}
				return printJSONOrIndent(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "events after this id, oldest first")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.New(workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.EnsureProject(cmd.Context()); err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("AGENTBOARD_JWT_SECRET"),
				Disabled:  noAuth,
			}
			if !authCfg.Disabled && authCfg.JWTSecret == "" {
				return fmt.Errorf("AGENTBOARD_JWT_SECRET is required (or pass --no-auth for local use)")
			}
			handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			a.Start(ctx)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Agentboard API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "disable authentication (local single-user only)")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	a, err := app.New(workspace)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newRawAPIKey() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random api key: %v", err))
	}
	return "ab_" + hex.EncodeToString(buf)
}

func printJSONOrIndent(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
