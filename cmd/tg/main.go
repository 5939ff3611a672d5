package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"timegate/internal/config"
	"timegate/internal/db"
	"timegate/internal/domain"
	"timegate/internal/engine"
	"timegate/internal/migrate"
	"timegate/internal/notify"
	"timegate/internal/registry"
	"timegate/internal/repo"
	"timegate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tg",
	Short: "Timegate CLI",
	Long: `Timegate tracks work items through development, approval and QA, with
session-based time accounting.
- Workspace: the .timegate directory holding the database; timegate.yml
  configures limits and role defaults.
- Work items: tasks and bugs flow todo -> in_progress -> done, then through
  team lead approval, QA testing and a final verdict.
- Sessions: start/pause/resume/finish record the time actually spent; only
  closed segments count and the total never shrinks.
- Active-work limit: a developer can hold a few items at once (3 by default);
  team leads can grant the unlimited permission when someone needs more.
- Event log: every transition is recorded, view with 'tg log tail'.`,
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
	viper.SetEnvPrefix("TIMEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(sessionCmds()...)
	rootCmd.AddCommand(leadCmds()...)
	rootCmd.AddCommand(qaCmd())
	rootCmd.AddCommand(finalCmds()...)
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return fmt.Errorf("--project required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
					return err
				}
			}
			fmt.Printf("Initialized workspace for project %s (config at %s)\n", projectID, cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	return cmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Manage work items",
		Long:  "Work items are the tasks and bugs being tracked. Each carries its own work, approval and QA status plus the accumulated developer time.",
	}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	var kind string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Kind = domain.Kind(kind)
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				w, err := e.CreateWorkItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "work item id (generated when empty)")
	cmd.Flags().StringVar(&kind, "kind", "task", "kind (task, bug)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee", "", "developer actor id")
	cmd.Flags().StringVar(&opts.ApproverID, "approver", "", "team lead actor id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f repo.WorkItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				items, err := e.Store.ListWorkItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Work", "Approval", "QA", "Verdict", "Assignee", "Time"})
				for _, w := range items {
					assignee := ""
					if w.AssigneeID != nil {
						assignee = *w.AssigneeID
					}
					tw.AppendRow(table.Row{w.ID, w.Title, w.WorkStatus, w.ApprovalStatus, w.QAStatus, w.FinalVerdict, assignee, formatDuration(w.TotalTimeSeconds)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter (task, bug)")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&f.WorkStatus, "work-status", "", "work status filter")
	cmd.Flags().StringVar(&f.QAStatus, "qa-status", "", "QA status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max items")
	return cmd
}

func itemShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item with its sessions and notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				w, err := e.Store.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				sessions, err := e.Store.ListSessions(ctx, w.ID)
				if err != nil {
					return err
				}
				notes, err := e.Store.ListNotes(ctx, w.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"work_item": w,
					"sessions": sessions,
					"notes":    notes,
				})
			})
		},
	}
	return cmd
}

// transitionCmd builds a one-argument command around an engine transition.
func transitionCmd(use, short string, fn func(*engine.Engine) func(context.Context, string, string) (domain.WorkItem, []notify.Notification, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <item-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				w, notifications, err := fn(e)(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				emitAll(ctx, notifications)
				return printJSONOrTable(w)
			})
		},
	}
}

// notedTransitionCmd is transitionCmd for verdicts that require a note.
func notedTransitionCmd(use, short, noteFlag string, fn func(*engine.Engine) func(context.Context, string, string, string) (domain.WorkItem, []notify.Notification, error)) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   use + " <item-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				w, notifications, err := fn(e)(ctx, args[0], viper.GetString("actor-id"), note)
				if err != nil {
					return err
				}
				emitAll(ctx, notifications)
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&note, noteFlag, "", short+" note")
	_ = cmd.MarkFlagRequired(noteFlag)
	return cmd
}

func sessionCmds() []*cobra.Command {
	return []*cobra.Command{
		transitionCmd("start", "Start working on an item", func(e *engine.Engine) func(context.Context, string, string) (domain.WorkItem, []notify.Notification, error) {
			return e.StartWork
		}),
		transitionCmd("pause", "Pause the running session", func(e *engine.Engine) func(context.Context, string, string) (domain.WorkItem, []notify.Notification, error) {
			return e.PauseWork
		}),
		transitionCmd("resume", "Resume a paused session", func(e *engine.Engine) func(context.Context, string, string) (domain.WorkItem, []notify.Notification, error) {
			return e.ResumeWork
		}),
		transitionCmd("finish", "Finish work and hand over for approval", func(e *engine.Engine) func(context.Context, string, string) (domain.WorkItem, []notify.Notification, error) {
			return e.FinishWork
		}),
	}
}

func leadCmds() []*cobra.Command {
	return []*cobra.Command{
		transitionCmd("approve", "Approve finished work for QA", func(e *engine.Engine) func(context.Context, string, string) (domain.WorkItem, []notify.Notification, error) {
			return e.Approve
		}),
		notedTransitionCmd("request-changes", "Send finished work back to its developer", "note", func(e *engine.Engine) func(context.Context, string, string, string) (domain.WorkItem, []notify.Notification, error) {
			return e.RequestChanges
		}),
	}
}

func qaCmd() *cobra.Command {
	qa := &cobra.Command{
		Use:   "qa",
		Short: "QA testing commands",
		Long:  "Claim a ready-for-test item, run a timed testing session on it, then record the pass or fail verdict.",
	}
	qa.AddCommand(transitionCmd("claim", "Claim an item for testing", func(e *engine.Engine) func(context.Context, string, string) (domain.WorkItem, []notify.Notification, error) {
		return e.ClaimQA
	}))
	qa.AddCommand(transitionCmd("start", "Start a testing session", func(e *engine.Engine) func(context.Context, string, string) (domain.WorkItem, []notify.Notification, error) {
		return e.StartTesting
	}))
	qa.AddCommand(transitionCmd("pause", "Pause the testing session", func(e *engine.Engine) func(context.Context, string, string) (domain.WorkItem, []notify.Notification, error) {
		return e.PauseTesting
	}))
	qa.AddCommand(transitionCmd("resume", "Resume the testing session", func(e *engine.Engine) func(context.Context, string, string) (domain.WorkItem, []notify.Notification, error) {
		return e.ResumeTesting
	}))
	qa.AddCommand(transitionCmd("finish", "Finish the testing session", func(e *engine.Engine) func(context.Context, string, string) (domain.WorkItem, []notify.Notification, error) {
		return e.FinishTesting
	}))
	qa.AddCommand(notedTransitionCmd("approve", "Record a QA pass verdict", "note", func(e *engine.Engine) func(context.Context, string, string, string) (domain.WorkItem, []notify.Notification, error) {
		return e.ApproveQA
	}))
	qa.AddCommand(notedTransitionCmd("reject", "Record a QA fail verdict", "reason", func(e *engine.Engine) func(context.Context, string, string, string) (domain.WorkItem, []notify.Notification, error) {
		return e.RejectQA
	}))
	return qa
}

func finalCmds() []*cobra.Command {
	return []*cobra.Command{
		transitionCmd("final-approve", "Give the closing approval", func(e *engine.Engine) func(context.Context, string, string) (domain.WorkItem, []notify.Notification, error) {
			return e.FinalApprove
		}),
		notedTransitionCmd("final-request-changes", "Send a QA-approved item back for rework", "note", func(e *engine.Engine) func(context.Context, string, string, string) (domain.WorkItem, []notify.Notification, error) {
			return e.RequestChangesAfterQA
		}),
	}
}

func actorCmd() *cobra.Command {
	actor := &cobra.Command{Use: "actor", Short: "Manage actors and permissions"}
	actor.AddCommand(actorAddCmd())
	actor.AddCommand(actorShowCmd())
	actor.AddCommand(actorGrantCmd())
	actor.AddCommand(actorRevokeCmd())
	return actor
}

func actorAddCmd() *cobra.Command {
	var id, name, role string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || role == "" {
				return fmt.Errorf("--id and --role required")
			}
			return withStore(cmd.Context(), func(ctx context.Context, st repo.Store) error {
				a := domain.Actor{
					ID:          id,
					DisplayName: name,
					Role:        domain.Role(role),
					CreatedAt:   time.Now().UTC().Format(time.RFC3339),
				}
				if err := st.UpsertActor(ctx, a); err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "", "role (developer, team_lead, qa, admin)")
	return cmd
}

func actorShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an actor and their grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st repo.Store) error {
				a, err := st.GetActor(ctx, args[0])
				if err != nil {
					return err
				}
				grants, err := st.ListGrants(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"actor": a, "grants": grants})
			})
		},
	}
	return cmd
}

func actorGrantCmd() *cobra.Command {
	var key, scope, reason, expires string
	cmd := &cobra.Command{
		Use:   "grant <actor-id>",
		Short: "Grant a permission to an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				opts := registry.GrantOptions{
					ActorID:   args[0],
					Key:       key,
					Scope:     domain.GrantScope(scope),
					Reason:    reason,
					GrantedBy: viper.GetString("actor-id"),
				}
				if expires != "" {
					opts.ExpiresAt = &expires
				}
				g, err := e.Registry.Grant(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", domain.PermUnlimitedActiveWork, "permission key")
	cmd.Flags().StringVar(&scope, "scope", "permanent", "scope (permanent, temporary)")
	cmd.Flags().StringVar(&reason, "reason", "", "why the permission is granted")
	cmd.Flags().StringVar(&expires, "expires-at", "", "RFC3339 expiry (required for temporary)")
	return cmd
}

func actorRevokeCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "revoke <actor-id>",
		Short: "Revoke a permission from an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Registry.Revoke(ctx, args[0], key, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", domain.PermUnlimitedActiveWork, "permission key")
	return cmd
}

func reportCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Time spent per work item for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withStore(cmd.Context(), func(ctx context.Context, st repo.Store) error {
				totals, err := st.ActorTimeTotals(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(totals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Work item", "Time"})
				var sum int64
				for id, secs := range totals {
					tw.AppendRow(table.Row{id, formatDuration(secs)})
					sum += secs
				}
				tw.AppendFooter(table.Row{"total", formatDuration(sum)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				evts, err := e.Store.LatestEvents(ctx, n, e.Config.Project.ID, evtType, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(evts)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("TIMEGATE_JWT_SECRET"),
				AllowLegacyActorHeader: os.Getenv("TIMEGATE_ALLOW_ACTOR_HEADER") != "",
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("TIMEGATE_JWT_SECRET is required for bearer auth (or set TIMEGATE_ALLOW_ACTOR_HEADER for local use)")
			}
			notify.StartWebhooks(e.Store, cfg)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Timegate API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withStore(ctx context.Context, fn func(context.Context, repo.Store) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Store{DB: conn})
}

func emitAll(ctx context.Context, notifications []notify.Notification) {
	sink := notify.LogNotifier{}
	for _, n := range notifications {
		sink.Emit(ctx, n)
	}
}

func printJSONOrTable(v any) error {
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

func formatDuration(secs int64) string {
	d := time.Duration(secs) * time.Second
	return d.String()
}
