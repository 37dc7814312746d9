package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reportline/internal/async"
	"reportline/internal/config"
	"reportline/internal/db"
	"reportline/internal/domain"
	"reportline/internal/engine"
	"reportline/internal/guard"
	"reportline/internal/idempotency"
	"reportline/internal/metrics"
	"reportline/internal/repo"
	"reportline/internal/server"
	reportlinesdk "reportline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Reportline CLI",
	Long: `Reportline is a report store built around a mutation-safety pipeline.
Every write runs through an ordered rule chain, an optimistic-concurrency
guard, and an idempotency cache; side effects (webhooks) run asynchronously
with retries, a circuit breaker, and a dead-letter queue.
- Workspace: the .reportline directory holding the SQLite database.
- Reports: versioned documents; each successful mutation bumps the version.
- Rules: lifecycle, quota, collaboration, retention, role_floor — first
  deny wins; administrators override where a rule says so.
- Dead letters: side effects that exhausted every retry, kept for inspection
  with 'rl deadletters list'.`,
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
	viper.SetEnvPrefix("REPORTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "admin", "actor role (reader, editor, admin)")
	rootCmd.PersistentFlags().String("tier", "premium", "actor tier (free, standard, premium)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("tier", rootCmd.PersistentFlags().Lookup("tier"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(deadLettersCmd())
	rootCmd.AddCommand(breakersCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var serviceID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config %s already exists", cfgPath)
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(serviceID)), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			admin := domain.Actor{
				ID:        viper.GetString("actor-id"),
				Role:      domain.RoleAdmin,
				Tier:      domain.TierPremium,
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			if err := (repo.Repo{DB: conn}).EnsureActor(cmd.Context(), admin); err != nil {
				return err
			}
			fmt.Printf("Initialized workspace: %s and %s (admin actor %q)\n", cfgPath, db.Path(workspace), admin.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&serviceID, "service-id", "reportline", "service identifier")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"), "reportline")
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	return cfg
}

func reportCmd() *cobra.Command {
	report := &cobra.Command{
		Use:   "report",
		Short: "Manage reports",
		Long:  "Reports flow draft -> active -> archived; delete is a terminal soft delete. Updates require passing the rule chain and, when --expected-version is set, matching the stored version.",
	}
	report.AddCommand(reportCreateCmd())
	report.AddCommand(reportListCmd())
	report.AddCommand(reportShowCmd())
	report.AddCommand(reportUpdateCmd())
	report.AddCommand(reportArchiveCmd())
	report.AddCommand(reportDeleteCmd())
	report.AddCommand(reportUploadCmd())
	report.AddCommand(reportClaimCmd())
	report.AddCommand(reportReleaseCmd())
	return report
}

func reportCreateCmd() *cobra.Command {
	var id, title, body, status string
	var collaborators []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliActor(ctx, e)
				if err != nil {
					return err
				}
				rep, err := e.CreateReport(ctx, engine.CreateReportOptions{
					ID:            id,
					Title:         title,
					Body:          body,
					Status:        status,
					Collaborators: collaborators,
					Actor:         actor,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "report id (optional, random UUID if omitted)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&body, "body", "", "body text")
	cmd.Flags().StringVar(&status, "status", "draft", "initial status (draft, active)")
	cmd.Flags().StringArrayVar(&collaborators, "collaborator", []string{}, "collaborator actor id (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func reportListCmd() *cobra.Command {
	var f repo.ListFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliActor(ctx, e)
				if err != nil {
					return err
				}
				items, err := e.ListReports(ctx, f, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Version", "Owner", "Size"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Title, r.Status, r.Version, r.OwnerID, r.SizeBytes})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func reportShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliActor(ctx, e)
				if err != nil {
					return err
				}
				rep, err := e.GetReport(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	return cmd
}

func reportUpdateCmd() *cobra.Command {
	var title, body, status string
	var collaborators []string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var changes guard.Changes
			if cmd.Flags().Changed("title") {
				changes.Title = &title
			}
			if cmd.Flags().Changed("body") {
				changes.Body = &body
			}
			if cmd.Flags().Changed("status") {
				changes.Status = &status
			}
			if cmd.Flags().Changed("collaborator") {
				changes.Collaborators = &collaborators
			}
			var versionPtr *int64
			if cmd.Flags().Changed("expected-version") {
				versionPtr = &expectedVersion
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliActor(ctx, e)
				if err != nil {
					return err
				}
				rep, err := e.UpdateReport(ctx, engine.UpdateReportOptions{
					ID:              args[0],
					Changes:         changes,
					ExpectedVersion: versionPtr,
					Actor:           actor,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&body, "body", "", "body text")
	cmd.Flags().StringVar(&status, "status", "", "status (draft, active, archived)")
	cmd.Flags().StringArrayVar(&collaborators, "collaborator", []string{}, "collaborator actor id (repeatable, replaces the set)")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "fail unless the stored version matches")
	return cmd
}

func reportArchiveCmd() *cobra.Command {
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var versionPtr *int64
			if cmd.Flags().Changed("expected-version") {
				versionPtr = &expectedVersion
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliActor(ctx, e)
				if err != nil {
					return err
				}
				rep, err := e.ArchiveReport(ctx, args[0], versionPtr, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "fail unless the stored version matches")
	return cmd
}

func reportDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft-delete a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliActor(ctx, e)
				if err != nil {
					return err
				}
				return e.DeleteReport(ctx, args[0], actor)
			})
		},
	}
	return cmd
}

func reportUploadCmd() *cobra.Command {
	var size int64
	cmd := &cobra.Command{
		Use:   "upload <id>",
		Short: "Account an artifact upload against the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliActor(ctx, e)
				if err != nil {
					return err
				}
				rep, err := e.UploadArtifact(ctx, args[0], size, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	cmd.Flags().Int64Var(&size, "size", 0, "artifact size in bytes")
	_ = cmd.MarkFlagRequired("size")
	return cmd
}

func reportClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a concurrent editor slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliActor(ctx, e)
				if err != nil {
					return err
				}
				rep, err := e.ClaimEditorSlot(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	return cmd
}

func reportReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <id>",
		Short: "Release a concurrent editor slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliActor(ctx, e)
				if err != nil {
					return err
				}
				rep, err := e.ReleaseEditorSlot(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	return cmd
}

func auditCmd() *cobra.Command {
	audit := &cobra.Command{Use: "audit", Short: "Inspect the audit log"}
	var resourceType, resourceID string
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Audit.List(ctx, resourceType, resourceID, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	tail.Flags().StringVar(&resourceType, "resource-type", "", "resource type filter")
	tail.Flags().StringVar(&resourceID, "resource-id", "", "resource id filter")
	tail.Flags().IntVar(&limit, "n", 20, "number of entries")
	audit.AddCommand(tail)
	return audit
}

func deadLettersCmd() *cobra.Command {
	dl := &cobra.Command{Use: "deadletters", Short: "Inspect dead-lettered side effects"}
	var kind string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				letters, err := r.ListDeadLetters(ctx, kind, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(letters)
			})
		},
	}
	list.Flags().StringVar(&kind, "kind", "", "operation kind filter")
	list.Flags().IntVar(&limit, "limit", 50, "max results")
	dl.AddCommand(list)

	var olderThanDays int
	trim := &cobra.Command{
		Use:   "trim",
		Short: "Delete dead letters older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays).Format(time.RFC3339)
				n, err := r.TrimDeadLetters(ctx, cutoff)
				if err != nil {
					return err
				}
				fmt.Printf("Trimmed %d dead letters\n", n)
				return nil
			})
		},
	}
	trim.Flags().IntVar(&olderThanDays, "older-than-days", 30, "age cutoff in days")
	dl.AddCommand(trim)
	return dl
}

// breakersCmd talks to a running server: breaker state lives in the serving
// process, not the database.
func breakersCmd() *cobra.Command {
	breakers := &cobra.Command{Use: "breakers", Short: "Inspect circuit breakers on a running server"}
	var serverURL, token, apiKey string
	addConn := func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "server base URL")
		cmd.Flags().StringVar(&token, "token", os.Getenv("REPORTLINE_TOKEN"), "admin bearer token")
		cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("REPORTLINE_API_KEY"), "admin API key")
	}
	newClient := func() *reportlinesdk.Client {
		c := reportlinesdk.New(serverURL)
		c.BearerToken = token
		c.APIKey = apiKey
		return c
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show breaker states",
		RunE: func(cmd *cobra.Command, args []string) error {
			states, err := newClient().Breakers(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(states)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Kind", "State", "Failures", "Last Failure"})
			for _, b := range states {
				tw.AppendRow(table.Row{b.Kind, b.State, b.FailureCount, b.LastFailureAt})
			}
			tw.Render()
			return nil
		},
	}
	addConn(status)
	breakers.AddCommand(status)

	var kind string
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Reset breakers (one kind, or all when --kind is empty)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().ResetBreakers(cmd.Context(), kind); err != nil {
				return err
			}
			if kind == "" {
				fmt.Println("All circuit breakers reset")
			} else {
				fmt.Printf("Circuit breaker %q reset\n", kind)
			}
			return nil
		},
	}
	reset.Flags().StringVar(&kind, "kind", "", "operation kind")
	addConn(reset)
	breakers.AddCommand(reset)
	return breakers
}

func tokenCmd() *cobra.Command {
	token := &cobra.Command{Use: "token", Short: "Mint development tokens"}
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint an HS256 bearer token for the configured actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("REPORTLINE_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("REPORTLINE_JWT_SECRET is required to mint tokens")
			}
			signed, err := server.MintToken(secret,
				viper.GetString("actor-id"),
				domain.Role(viper.GetString("role")),
				domain.Tier(viper.GetString("tier")),
				ttl)
			if err != nil {
				return err
			}
			fmt.Println(signed)
			return nil
		},
	}
	mint.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	token.AddCommand(mint)
	return token
}

func apiKeyCmd() *cobra.Command {
	apikey := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actorID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the raw key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.ResolveActor(ctx, actorID,
					domain.Role(viper.GetString("role")),
					domain.Tier(viper.GetString("tier"))); err != nil {
					return err
				}
				raw := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("API key for %s (store it now, it is not shown again):\n%s\n", actorID, raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "key label")
	apikey.AddCommand(create)
	return apikey
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace, "reportline")
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			registry := prometheus.NewRegistry()
			m := metrics.New(registry)

			exec := async.NewExecutor(async.Config{
				Defaults: async.Options{
					MaxRetries:       cfg.Executor.MaxRetries,
					BaseBackoff:      time.Duration(cfg.Executor.BaseBackoffMs) * time.Millisecond,
					Jitter:           cfg.Executor.Jitter == nil || *cfg.Executor.Jitter,
					BreakerThreshold: cfg.Executor.CircuitBreakerThreshold,
					BreakerReset:     time.Duration(cfg.Executor.CircuitBreakerResetMs) * time.Millisecond,
				},
				Sink:      async.StoreSink{Repo: repo.Repo{DB: conn}},
				Logger:    logger,
				Metrics:   m,
				QueueSize: cfg.Executor.QueueSize,
				Workers:   cfg.Executor.Workers,
			})
			exec.Start()
			defer exec.Close()

			e := engine.New(conn, cfg, logger, exec)

			cache, err := idempotency.New(cfg.Idempotency.MaxEntries, cfg.IdempotencyTTL())
			if err != nil {
				return err
			}

			janitor := cron.New()
			_, err = janitor.AddFunc("@hourly", func() {
				pruned := cache.PruneExpired()
				cutoff := time.Now().UTC().AddDate(0, 0, -30).Format(time.RFC3339)
				trimmed, terr := e.Repo.TrimDeadLetters(context.Background(), cutoff)
				if terr != nil {
					logger.Warn("dead letter trim failed", "error", terr)
				}
				logger.Info("janitor pass", "idempotency_pruned", pruned, "dead_letters_trimmed", trimmed)
			})
			if err != nil {
				return err
			}
			janitor.Start()
			defer janitor.Stop()

			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("REPORTLINE_JWT_SECRET"),
				AllowLegacyActorHeader: viper.GetBool("allow-legacy-actor-header"),
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("REPORTLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:      e,
				BasePath:    basePath,
				Auth:        authCfg,
				Idempotency: cache,
				Metrics:     m,
				Registry:    registry,
			})
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
			fmt.Printf("Serving Reportline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().Bool("allow-legacy-actor-header", false, "accept unauthenticated X-Actor-Id (dev only)")
	_ = viper.BindPFlag("allow-legacy-actor-header", cmd.Flags().Lookup("allow-legacy-actor-header"))
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	cfg, err := config.LoadOptional(workspace, "reportline")
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	e := engine.New(conn, cfg, logger, nil)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func cliActor(ctx context.Context, e engine.Engine) (domain.Actor, error) {
	return e.ResolveActor(ctx,
		viper.GetString("actor-id"),
		domain.Role(viper.GetString("role")),
		domain.Tier(viper.GetString("tier")))
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
