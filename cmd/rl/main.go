package main

import (
	"bufio"
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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/KayMas2808/RuralLend/internal/app"
	"github.com/KayMas2808/RuralLend/internal/config"
	"github.com/KayMas2808/RuralLend/internal/db"
	"github.com/KayMas2808/RuralLend/internal/logger"
	"github.com/KayMas2808/RuralLend/internal/migrate"
	"github.com/KayMas2808/RuralLend/internal/queue"
	"github.com/KayMas2808/RuralLend/internal/repo"
	"github.com/KayMas2808/RuralLend/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "RuralLend intake CLI",
	Long: `RuralLend runs the loan application intake flow on a field device.
- Flow: language -> home -> voice or manual intake -> KYC -> consent -> underwriting -> decision -> disbursal -> account.
- Upload queue: captured KYC photos leave the device in FIFO order and retry with backoff; a failed upload blocks the rest until retried or skipped.
- Workspace: the .rurallend directory holds the database; rurallend.yml holds the config.
- Event log: every transition, upload and loan change, view with 'rl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	// .env never overrides variables already set in the environment
	_ = godotenv.Load(filepath.Join(viper.GetString("workspace"), ".env"))
	viper.SetEnvPrefix("RURALLEND")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/rurallend.yml)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level for CLI commands (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(flowCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(prefsCmd())
	rootCmd.AddCommand(loansCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var jwtSecret string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace, database and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", path)
			} else if err != nil {
				return err
			}
			if jwtSecret != "" {
				if err := setEnvValue(filepath.Join(workspace, ".env"), "RURALLEND_JWT_SECRET", jwtSecret); err != nil {
					return err
				}
			}
			fmt.Println("workspace ready:", db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&jwtSecret, "jwt-secret", "", "store RURALLEND_JWT_SECRET in the workspace .env")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect rurallend.yml",
		Long:  "Config holds the upload retry policy, service timeouts, simulated service behaviour, offer pricing, logging, server and webhooks.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
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
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and unblock the upload queue",
	}
	q.AddCommand(queueStatusCmd())
	q.AddCommand(queueRetryCmd())
	q.AddCommand(queueSkipCmd())
	q.AddCommand(queueDrainCmd())
	return q
}

func queueStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List queued uploads in queue order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Queue.Snapshot(ctx)
				if err != nil {
					return err
				}
				return printQueue(items)
			})
		},
	}
}

func queueRetryCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "retry <artifact-id>",
		Short: "Requeue a failed upload with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Queue.Retry(ctx, args[0]); err != nil {
					return err
				}
				return drainAndShow(ctx, rt, wait)
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", time.Minute, "how long to wait for the queue to drain")
	return cmd
}

func queueSkipCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "skip <artifact-id>",
		Short: "Move a failed upload behind the rest of the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Queue.Skip(ctx, args[0]); err != nil {
					return err
				}
				return drainAndShow(ctx, rt, wait)
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", time.Minute, "how long to wait for the queue to drain")
	return cmd
}

func queueDrainCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Upload pending entries until the queue is empty or halted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rt.Queue.StartDrain()
				return drainAndShow(ctx, rt, wait)
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", time.Minute, "how long to wait for the queue to drain")
	return cmd
}

func drainAndShow(ctx context.Context, rt *app.Runtime, wait time.Duration) error {
	if err := waitUntil(ctx, wait, func() bool { return !rt.Queue.Draining() }); err != nil {
		return fmt.Errorf("queue still draining: %w", err)
	}
	items, err := rt.Queue.Snapshot(ctx)
	if err != nil {
		return err
	}
	return printQueue(items)
}

func printQueue(items []queue.EntryStatus) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	if len(items) == 0 {
		fmt.Println("upload queue is empty")
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Artifact", "Kind", "Record", "Status", "Attempts", "Progress", "Last error"})
	for i, e := range items {
		tw.AppendRow(table.Row{i + 1, e.ArtifactID, e.Kind, e.OwnerRecordID, e.Status, e.Attempts, fmt.Sprintf("%d%%", e.Progress), e.LastError})
	}
	tw.Render()
	return nil
}

func prefsCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "prefs",
		Short: "Upload preferences",
	}
	p.AddCommand(prefsShowCmd())
	p.AddCommand(prefsSetCmd())
	return p
}

func prefsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show upload preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetPreferences(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func prefsSetCmd() *cobra.Command {
	var trustedOnly bool
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change upload preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("trusted-only") {
				return fmt.Errorf("--trusted-only required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Queue.SetTrustedNetworkOnly(ctx, trustedOnly); err != nil {
					return err
				}
				p, err := rt.Queue.Preferences(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().BoolVar(&trustedOnly, "trusted-only", false, "only upload on trusted networks")
	return cmd
}

func loansCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "loans",
		Short: "Disbursed loans and repayments",
	}
	l.AddCommand(loansListCmd())
	l.AddCommand(loansPayCmd())
	return l
}

func loansListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				accts, err := rt.Loans.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(accts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Loan", "Amount", "EMI", "Paid", "Next due", "Remaining", "Status"})
				for _, a := range accts {
					l := a.Loan
					tw.AppendRow(table.Row{
						l.ID, l.Amount.StringFixed(0), l.EMI.StringFixed(0),
						fmt.Sprintf("%d/%d (%d%%)", l.PaidInstallments, l.TenureMonths, a.Summary.ProgressPct),
						l.NextDueDate, a.Summary.Remaining.StringFixed(0), l.Status,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func loansPayCmd() *cobra.Command {
	var amount, method string
	cmd := &cobra.Command{
		Use:   "pay <loan-id>",
		Short: "Record a repayment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				loan, pay, err := rt.Loans.RecordRepayment(ctx, args[0], amt, method)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"loan": loan, "repayment": pay})
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "amount in rupees")
	cmd.Flags().StringVar(&method, "method", "UPI", "payment method")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that happened: flow transitions, uploads and loan changes.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var recordID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, recordID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&recordID, "record-id", "", "application id")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind (flow, artifact, loan)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			log := logger.NewStructured(cfg.Logging.Level, cfg.Logging.Format)
			rt, err := app.Start(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg, Logger: log})
			if err != nil {
				return err
			}
			defer rt.Close()
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt_secret")}
			if authCfg.JWTSecret == "" {
				log.Warn("RURALLEND_JWT_SECRET not set; API accepts unauthenticated requests", nil)
			}
			handler, err := server.New(server.Config{Runtime: rt, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhooks(ctx, repo.Repo{DB: rt.DB}, cfg.Webhooks, log)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving RuralLend API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.NewStructured(viper.GetString("log-level"), cfg.Logging.Format)
	rt, err := app.Start(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg, Logger: log})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// waitUntil polls cond until it holds, ctx ends or d passes.
func waitUntil(ctx context.Context, d time.Duration, cond func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
