package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskpulse/internal/app"
	"taskpulse/internal/balance"
	"taskpulse/internal/config"
	"taskpulse/internal/db"
	"taskpulse/internal/domain"
	"taskpulse/internal/engine"
	"taskpulse/internal/logging"
	"taskpulse/internal/metrics"
	"taskpulse/internal/migrate"
	"taskpulse/internal/notify"
	"taskpulse/internal/repo"
	"taskpulse/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tp",
	Short: "taskpulse CLI",
	Long: `taskpulse keeps work evenly spread across a team.
- Workload: a person's active estimated hours over their weekly capacity, as a percentage.
- Recommend: for an item held by someone overloaded, rank lighter-loaded teammates by skill, load and role.
- Rebalance: move one item off every overloaded person to an idle teammate who shares a skill.
- Hierarchy: stories and tasks hold subtasks; a parent's status follows its children.
- Event log: every change is recorded, view it with 'tp log tail'.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: .env:", err)
	}
	viper.SetEnvPrefix("TASKPULSE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting person id")
	rootCmd.PersistentFlags().String("project", "", "project id (defaults to the only project)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for API tokens")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "log-level", "jwt-secret"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(iterationCmd())
	rootCmd.AddCommand(personCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(reassignCmd())
	rootCmd.AddCommand(workloadCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectListCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a project and seed its config",
		Long:  "Creates the project and stores its config, read from taskpulse.yml in the workspace when present, defaults otherwise.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetProject(ctx, id); err == nil {
					return fmt.Errorf("project %s already exists", id)
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				if name == "" {
					name = id
				}
				p, err := e.InitProject(ctx, id, name, desc, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if _, _, err := app.ResolveProjectAndConfig(ctx, viper.GetString("workspace"), p.ID, viper.GetString("actor-id"), e); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Status", "Created")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect project config",
		Long:  "Config is stored per project in the DB: workload thresholds, scoring weights, confirmation and role rules, notification targets. Import it from a YAML file.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default taskpulse.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			projectID := projectOverride()
			if projectID == "" {
				projectID = "default"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the project config stored in the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, cfg *config.Config) error {
				if viper.GetBool("json") {
					return printJSON(cfg)
				}
				out, err := cfg.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			imported, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, cfg *config.Config) error {
				if imported.Project.ID == "" {
					imported.Project.ID = cfg.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, imported.Project.ID, imported); err != nil {
					return err
				}
				return printJSONOrTable(imported)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	var filePath string
	var local bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a YAML file, the workspace config file, or the stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			switch {
			case filePath != "":
				_, err = config.FromFile(filePath)
			case local:
				_, err = config.Load(viper.GetString("workspace"))
			default:
				err = withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, cfg *config.Config) error {
					return cfg.Validate()
				})
			}
			if viper.GetBool("json") {
				msg := ""
				if err != nil {
					msg = err.Error()
				}
				return printJSON(map[string]any{"ok": err == nil, "error": msg})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "YAML file to validate instead of the stored config")
	cmd.Flags().BoolVar(&local, "local", false, "validate the workspace config file")
	return cmd
}

func iterationCmd() *cobra.Command {
	iter := &cobra.Command{
		Use:   "iteration",
		Short: "Manage iterations",
		Long:  "Iterations (sprints) scope workload: with --iteration, only items in that iteration count.",
	}
	iter.AddCommand(iterationCreateCmd())
	iter.AddCommand(iterationListCmd())
	iter.AddCommand(iterationStatusCmd())
	return iter
}

func iterationCreateCmd() *cobra.Command {
	var it domain.Iteration
	var starts, ends string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create iteration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, cfg *config.Config) error {
				it.ProjectID = cfg.Project.ID
				it.StartsAt = optionalString(starts)
				it.EndsAt = optionalString(ends)
				res, err := e.CreateIteration(ctx, it, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&it.ID, "id", "", "iteration id")
	cmd.Flags().StringVar(&it.Name, "name", "", "name")
	cmd.Flags().StringVar(&it.Status, "status", "planned", "planned, active or closed")
	cmd.Flags().StringVar(&starts, "starts-at", "", "start (RFC3339)")
	cmd.Flags().StringVar(&ends, "ends-at", "", "end (RFC3339)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func iterationListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List iterations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, cfg *config.Config) error {
				items, err := e.Repo.ListIterations(ctx, cfg.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Status", "Starts", "Ends")
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Name, it.Status, deref(it.StartsAt), deref(it.EndsAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func iterationStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Update iteration status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch status {
			case "planned", "active", "closed":
			default:
				return fmt.Errorf("invalid iteration status %q", status)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.UpdateIterationStatus(ctx, args[0], status); err != nil {
					return fmt.Errorf("iteration %s: %w", args[0], err)
				}
				it, err := e.Repo.GetIteration(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func personCmd() *cobra.Command {
	p := &cobra.Command{Use: "person", Short: "Manage people"}
	p.AddCommand(personCreateCmd())
	p.AddCommand(personListCmd())
	p.AddCommand(personShowCmd())
	p.AddCommand(personUpdateCmd())
	return p
}

func personCreateCmd() *cobra.Command {
	var opts engine.PersonCreateOptions
	var capacity float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a person",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if cmd.Flags().Changed("capacity") {
					opts.CapacityHours = &capacity
				}
				opts.ActorID = viper.GetString("actor-id")
				p, err := e.CreatePerson(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "person id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email")
	cmd.Flags().StringVar(&opts.Role, "role", domain.RoleDeveloper, "role")
	cmd.Flags().StringVar(&opts.TeamID, "team", "", "team id")
	cmd.Flags().StringSliceVar(&opts.Skills, "skill", nil, "skill (repeatable)")
	cmd.Flags().Float64Var(&capacity, "capacity", 0, "weekly capacity hours")
	cmd.Flags().BoolVar(&opts.OnLeave, "on-leave", false, "person is on leave")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func personListCmd() *cobra.Command {
	var f repo.PeopleFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List people",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				people, err := e.Repo.ListPeople(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(people)
				}
				tw := newTable("ID", "Name", "Role", "Team", "Skills", "Capacity", "State")
				for _, p := range people {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Role, deref(p.TeamID), strings.Join(p.Skills, ","), formatHours(p.CapacityHours), personState(p)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TeamID, "team", "", "team filter")
	cmd.Flags().StringVar(&f.Role, "role", "", "role filter")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "active people only")
	cmd.Flags().BoolVar(&f.Available, "available", false, "active people not on leave")
	return cmd
}

func personShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a person",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetPerson(ctx, args[0])
				if err != nil {
					return fmt.Errorf("person %s: %w", args[0], err)
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func personUpdateCmd() *cobra.Command {
	var name, email, role, team string
	var skills []string
	var capacity float64
	var active, onLeave bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a person; only the flags given change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.PersonUpdateOptions{ID: args[0], ActorID: viper.GetString("actor-id")}
			flags := cmd.Flags()
			if flags.Changed("name") {
				opts.Name = &name
			}
			if flags.Changed("email") {
				opts.Email = &email
			}
			if flags.Changed("role") {
				opts.Role = &role
			}
			if flags.Changed("team") {
				opts.TeamID = &team
			}
			if flags.Changed("skill") {
				opts.Skills = &skills
			}
			if flags.Changed("capacity") {
				opts.CapacityHours = &capacity
			}
			if flags.Changed("active") {
				opts.Active = &active
			}
			if flags.Changed("on-leave") {
				opts.OnLeave = &onLeave
			}
			return withRepo(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpdatePerson(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&role, "role", "", "role")
	cmd.Flags().StringVar(&team, "team", "", "team id (empty clears)")
	cmd.Flags().StringSliceVar(&skills, "skill", nil, "replace skills (repeatable)")
	cmd.Flags().Float64Var(&capacity, "capacity", 0, "weekly capacity hours")
	cmd.Flags().BoolVar(&active, "active", true, "active flag")
	cmd.Flags().BoolVar(&onLeave, "on-leave", false, "on-leave flag")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that changed: items, people, reassignments and rebalance passes.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, cfg *config.Config) error {
				f.ProjectID = cfg.Project.ID
				events, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "Time", "Type", "Entity", "Actor", "Description")
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID, ev.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	k.AddCommand(apiKeyRevokeCmd())
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var personID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetPerson(ctx, personID); err != nil {
					return fmt.Errorf("person %s: %w", personID, err)
				}
				key := "tp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				rec := domain.APIKey{ID: uuid.NewString(), PersonID: personID, Name: name, KeyHash: repo.HashAPIKey(key)}
				if err := e.Repo.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": rec.ID, "person_id": personID, "key": key})
			})
		},
	}
	cmd.Flags().StringVar(&personID, "person", "", "person the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("person")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var personID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, personID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Person", "Name", "Created")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.PersonID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&personID, "person", "", "person filter")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var personID string
	var roles []string
	var ttl time.Duration
	var save bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		Long:  "Signs an HS256 token with TASKPULSE_JWT_SECRET. Roles are added to the person's stored role when authorizing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if personID == "" {
				personID = viper.GetString("actor-id")
			}
			token, err := server.SignToken(viper.GetString("jwt-secret"), personID, roles, ttl)
			if err != nil {
				return err
			}
			if save {
				if err := setEnvValue(".env", "TASKPULSE_TOKEN", token); err != nil {
					return err
				}
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&personID, "person", "", "person id (defaults to --actor-id)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "extra role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	cmd.Flags().BoolVar(&save, "save", false, "store as TASKPULSE_TOKEN in .env")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowPersonHeader, withMetrics bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			e := engine.New(conn)
			e.Logger = logger

			cfg, err := serveConfig(cmd.Context(), workspace, e, logger)
			if err != nil {
				return err
			}
			if url := viper.GetString("nats_url"); url != "" {
				cfg.Notifications.NATSURL = url
			}
			pub, closeNotify, err := notify.FromConfig(cfg, logger)
			if err != nil {
				return fmt.Errorf("notifications: %w", err)
			}
			defer closeNotify()

			srvCfg := server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:         viper.GetString("jwt-secret"),
					AllowPersonHeader: allowPersonHeader,
				},
				Logger: logger,
				Notify: pub,
				Claims: balance.NewClaims(),
			}
			if srvCfg.Auth.JWTSecret == "" && !allowPersonHeader {
				return fmt.Errorf("TASKPULSE_JWT_SECRET is required for bearer auth")
			}
			if withMetrics {
				prom := metrics.NewPrometheus("taskpulse")
				srvCfg.Metrics = prom
				srvCfg.Engine.Metrics = prom
			}
			handler, err := server.New(srvCfg)
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving taskpulse api", "addr", addr, "base_path", basePath)
			fmt.Printf("Serving taskpulse API on http://%s%s (OpenAPI at /openapi.json, docs at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowPersonHeader, "allow-person-header", false, "trust X-Person-Id without credentials (local use only)")
	cmd.Flags().BoolVar(&withMetrics, "metrics", true, "expose Prometheus metrics at <base-path>/metrics")
	return cmd
}

// serveConfig picks the config whose notification targets the server uses.
// A workspace without any project still serves, on defaults.
func serveConfig(ctx context.Context, workspace string, e engine.Engine, logger logging.Logger) (*config.Config, error) {
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, projectOverride(), viper.GetString("actor-id"), e)
	if err == nil {
		return cfg, nil
	}
	if projectOverride() != "" {
		return nil, err
	}
	logger.Warn("no default project; notifications use workspace config", "error", err)
	cfg, err = config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("")
	}
	return cfg, nil
}

// --- helpers ---

// projectOverride is --project, then TASKPULSE_DEFAULT_PROJECT.
func projectOverride() string {
	if p := viper.GetString("project"); p != "" {
		return p
	}
	return viper.GetString("default_project")
}

func newLogger() logging.Logger {
	return logging.NewText(viper.GetString("log-level"))
}

func openEngine(ctx context.Context) (engine.Engine, func(), error) {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn)
	e.Logger = newLogger()
	return e, func() { conn.Close() }, nil
}

// withEngine resolves the active project and its config before running fn.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, *config.Config) error) error {
	e, closeFn, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	_, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("workspace"), projectOverride(), viper.GetString("actor-id"), e)
	if err != nil {
		return err
	}
	return fn(ctx, e, cfg)
}

// withRepo runs fn for commands that do not need a project.
func withRepo(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, closeFn, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, e)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
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

// setEnvValue sets key in the dotenv file at path, keeping other entries.
func setEnvValue(path, key, value string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		env = map[string]string{}
	}
	env[key] = value
	return godotenv.Write(env, path)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatHours(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%gh", *v)
}

func personState(p domain.Person) string {
	switch {
	case !p.Active:
		return "inactive"
	case p.OnLeave:
		return "on leave"
	}
	return "active"
}
