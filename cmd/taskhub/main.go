package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskhub/internal/app"
	"taskhub/internal/config"
	"taskhub/internal/domain"
	"taskhub/internal/engine/auth"
	"taskhub/internal/logging"
	"taskhub/internal/migrate"
	"taskhub/internal/repo"
	"taskhub/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "taskhub",
	Short: "taskhub task API",
	Long: `taskhub serves a task management API with dependencies between tasks.
- Managers create tasks, assign them and edit every field.
- Users see the tasks assigned to them and move their status.
- A task can only be completed once every task it depends on is completed.
- Completed tasks are frozen.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("TASKHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", config.FileName, "config file")
	flags.String("db", "", "sqlite database path (overrides config)")
	flags.String("cache", "", "cache backend: none, memory or redis (overrides config)")
	flags.String("log-level", "", "log level (overrides config)")
	flags.Bool("json", false, "output JSON")
	for _, name := range []string{"config", "db", "cache", "log-level", "json"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
	// Env-only overrides.
	for _, key := range []string{"jwt-secret", "redis-addr", "redis-password"} {
		_ = viper.BindEnv(key)
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(configCmd())
}

// loadConfig reads the config file, if any, then applies flag and env overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("db"); v != "" {
		cfg.Database.Path = v
	}
	if v := viper.GetString("cache"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := viper.GetString("redis-addr"); v != "" {
		cfg.Cache.Redis.Addr = v
	}
	if v := viper.GetString("redis-password"); v != "" {
		cfg.Cache.Redis.Password = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if viper.IsSet("debug") {
				cfg.Server.Debug = viper.GetBool("debug")
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			log, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			a, err := app.Open(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				Engine:        a.Engine,
				Auth:          a.Auth,
				Cache:         a.Cache,
				BasePath:      cfg.Server.BasePath,
				Debug:         cfg.Server.Debug,
				AuthRateLimit: cfg.Server.AuthRateLimit,
				Log:           log,
			})
			if err != nil {
				a.Close()
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			serveErr := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
			}()
			log.WithFields(logrus.Fields{
				"addr":      cfg.Server.Addr,
				"base_path": cfg.Server.BasePath,
				"cache":     cfg.Cache.Backend,
			}).Info("serving taskhub API (OpenAPI at " + cfg.Server.BasePath + "/openapi.json, Swagger UI at /docs)")

			wait := gfshutdown.GracefulShutdown(context.Background(), cfg.Server.ShutdownTimeout, map[string]gfshutdown.Operation{
				"http": func(ctx context.Context) error {
					log.Info("shutting down")
					if err := srv.Shutdown(ctx); err != nil {
						return err
					}
					return a.Close()
				},
			})
			select {
			case err := <-serveErr:
				a.Close()
				return err
			case code := <-wait:
				if code != 0 {
					return fmt.Errorf("shutdown finished with code %d", code)
				}
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().Bool("debug", false, "return error details in 500 responses")
	_ = viper.BindPFlag("debug", cmd.Flags().Lookup("debug"))
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			// app.Open migrates.
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := migrate.Version(ctx, a.DB)
				if err != nil {
					return err
				}
				fmt.Printf("database %s at schema version %d\n", a.Config.Database.Path, v)
				return nil
			})
		},
	}
}

func seedCmd() *cobra.Command {
	var n int
	var seed int64
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create demo users and tasks",
		Long:  "Creates a manager and two users (password \"" + app.SeedPassword + "\") and n random tasks with dependencies.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var rng *rand.Rand
				if cmd.Flags().Changed("seed") {
					rng = rand.New(rand.NewSource(seed))
				}
				res, err := a.Seed(ctx, n, rng)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printUsers(res.Users)
				fmt.Printf("created %d tasks\n", len(res.Tasks))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 10, "number of tasks")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed")
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userCreateCmd())
	user.AddCommand(userListCmd())
	return user
}

func userCreateCmd() *cobra.Command {
	var in auth.RegisterInput
	var role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Role = domain.Role(role)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Auth.CreateUser(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(u)
				}
				printUsers([]domain.User{u})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "display name")
	cmd.Flags().StringVar(&in.Email, "email", "", "email")
	cmd.Flags().StringVar(&in.Password, "password", "", "password")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleUser), "manager or user")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func userListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				users, err := a.Engine.Repo.ListUsers(ctx, domain.Role(role))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				printUsers(users)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	task.AddCommand(taskListCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var c domain.Criteria
	var status string
	var as int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Long:  "Lists tasks through the same rules as the API. --as picks the acting user; it defaults to the first manager.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c.Status = domain.Status(status)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, err := actingUser(ctx, a, as)
				if err != nil {
					return err
				}
				page, err := a.Engine.FilterTasks(ctx, actor.Actor(), c)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Due", "Assignee", "Depends on"})
				for _, t := range page.Items {
					assignee := ""
					if t.Assignee != nil {
						assignee = t.Assignee.Name
					}
					deps := make([]string, 0, len(t.Dependencies))
					for _, d := range t.Dependencies {
						deps = append(deps, fmt.Sprintf("%d (%s)", d.ID, d.Status))
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.DueDate, assignee, strings.Join(deps, ", ")})
				}
				tw.AppendFooter(table.Row{"", "", "", "", "page", fmt.Sprintf("%d/%d of %d", page.CurrentPage, page.LastPage, page.Total)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().Int64Var(&c.AssigneeID, "assignee", 0, "assignee id filter")
	cmd.Flags().StringVar(&c.DueFrom, "due-from", "", "due on or after (YYYY-MM-DD)")
	cmd.Flags().StringVar(&c.DueTo, "due-to", "", "due on or before (YYYY-MM-DD)")
	cmd.Flags().IntVar(&c.Page, "page", 1, "page")
	cmd.Flags().Int64Var(&as, "as", 0, "acting user id")
	return cmd
}

func eventsCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, entityRef(e.EntityKind, e.EntityID), optionalID(e.ActorID), e.PayloadJSON})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().Int64Var(&f.EntityID, "entity-id", 0, "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage taskhub.yml"}
	var write, force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Print the default config, or write it with --write",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !write {
				fmt.Print(config.GenerateDefault())
				return nil
			}
			path := viper.GetString("config")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&write, "write", false, "write to the --config path")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if c.Auth.JWTSecret != "" {
				c.Auth.JWTSecret = "********"
			}
			return printJSON(c)
		},
	}
	cfg.AddCommand(initCmd, showCmd)
	return cfg
}

// --- helpers ---

func actingUser(ctx context.Context, a *app.App, id int64) (domain.User, error) {
	if id != 0 {
		u, err := a.Engine.Repo.GetUser(ctx, nil, id)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, fmt.Errorf("user %d not found", id)
		}
		return u, err
	}
	managers, err := a.Engine.Repo.ListUsers(ctx, domain.RoleManager)
	if err != nil {
		return domain.User{}, err
	}
	if len(managers) == 0 {
		return domain.User{}, errors.New("no manager exists; run `taskhub seed` or `taskhub user create --role manager`")
	}
	return managers[0], nil
}

func printUsers(users []domain.User) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Email", "Role"})
	for _, u := range users {
		tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.Role})
	}
	tw.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func entityRef(kind string, id *int64) string {
	if id == nil {
		return kind
	}
	return fmt.Sprintf("%s/%d", kind, *id)
}

func optionalID(id *int64) string {
	if id == nil {
		return ""
	}
	return fmt.Sprint(*id)
}
