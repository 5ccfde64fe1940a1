package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"tributary/internal/app"
	"tributary/internal/config"
	"tributary/internal/db"
	"tributary/internal/engine"
	"tributary/internal/logging"
	"tributary/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "trib",
	Short: "Tributary CLI",
	Long: `Tributary schedules downstream tasks when upstream tables land.
Core concepts:
- Table: a dataset with partitions (date, region, ...) and dependencies on other tables.
- Execution: one recorded run of a table, bound to partition values.
- Cascade: recording an execution re-checks every dependent table; a dependent whose
  dependencies all have compatible executions is ready.
- Task: a table's downstream action (Step Functions, SQS, Batch, Lambda, EventBridge, HTTP)
  with a payload template and a debounce window.
- Schedule: one pending run of a task. Repeated upstream runs postpone it instead of
  piling up. Tables that require approval hold schedules until a reviewer approves.
- Event log: every change, view with 'trib events'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return config.LoadDotEnv(workspace)
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRIBUTARY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	for _, key := range config.Keys {
		_ = viper.BindEnv(key)
	}
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("db-driver", "", "database driver (sqlite, postgres)")
	flags.String("db-dsn", "", "database DSN")
	_ = viper.BindPFlag("workspace", flags.Lookup("workspace"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))
	_ = viper.BindPFlag("actor-id", flags.Lookup("actor-id"))
	_ = viper.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("database.driver", flags.Lookup("db-driver"))
	_ = viper.BindPFlag("database.dsn", flags.Lookup("db-dsn"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tableCmd())
	rootCmd.AddCommand(executionCmd())
	rootCmd.AddCommand(executorCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(schedulerCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorID() string { return viper.GetString("actor-id") }

func loadConfig() (*config.Config, error) {
	return config.Resolve(viper.GetString("workspace"), viper.GetViper())
}

// withApp builds the application for the workspace and closes it afterwards.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	defer logger.Sync()
	a, err := app.Build(ctx, viper.GetString("workspace"), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default tributary.yml into the workspace",
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
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret != "" {
				cfg.Server.JWTSecret = "********"
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			return yaml.NewEncoder(os.Stdout).Encode(cfg)
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate tributary.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfgCmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the HTTP API. With the local scheduler backend the same process runs
the fire loop; configured webhooks receive audit events.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				if cfg.Server.JWTSecret == "" {
					a.Logger.Warn("server.jwt_secret is empty; only API keys can authenticate")
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: cfg.Server.BasePath,
					Auth:     server.AuthConfig{JWTSecret: cfg.Server.JWTSecret, Keys: a.Auth},
					Logger:   a.Logger.Named("http"),
				})
				if err != nil {
					return err
				}
				if a.Runner != nil {
					go a.Runner.Run(ctx)
				}
				notifier := server.NewWebhookNotifier(a.Engine.Repo, cfg.Webhooks, a.Logger.Named("webhooks"))
				go notifier.Run(ctx)

				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving tributary API",
					zap.String("addr", cfg.Server.Addr),
					zap.String("base_path", cfg.Server.BasePath),
					zap.String("scheduler", cfg.Scheduler.Backend))
				fmt.Printf("Serving Tributary API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
					cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("base-path", "", "API base path (overrides server.base_path)")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("server.base_path", cmd.Flags().Lookup("base-path"))
	return cmd
}

func schedulerCmd() *cobra.Command {
	sch := &cobra.Command{Use: "scheduler", Short: "Run the local fire loop"}
	sch.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Fire due schedules until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Runner == nil {
					return fmt.Errorf("scheduler backend %q fires through its own target; nothing to run locally", a.Config.Scheduler.Backend)
				}
				a.Logger.Info("local scheduler started", zap.Duration("interval", a.Config.Scheduler.PollInterval))
				return a.Runner.Run(ctx)
			})
		},
	})
	sch.AddCommand(&cobra.Command{
		Use:   "tick",
		Short: "Fire every schedule due now, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Runner == nil {
					return fmt.Errorf("scheduler backend %q has no local timers", a.Config.Scheduler.Backend)
				}
				n, err := a.Runner.Tick(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("fired %d schedule(s)\n", n)
				return nil
			})
		},
	})
	return sch
}

func tokenCmd() *cobra.Command {
	var perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token SUBJECT",
		Short: "Sign a bearer token with server.jwt_secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret is not configured (set TRIBUTARY_SERVER_JWT_SECRET)")
			}
			token, err := server.SignTokenWithTTL(cfg.Server.JWTSecret, args[0], perms, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&perms, "perm", []string{"read"}, "permission to grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime; 0 for no expiry")
	return cmd
}

// readSpecFile decodes a YAML or JSON document into v through JSON so that
// json struct tags apply to both formats.
func readSpecFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".json" {
		return json.Unmarshal(data, v)
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return json.Unmarshal(raw, v)
}
