package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"quoteline/internal/app"
	"quoteline/internal/config"
	"quoteline/internal/db"
	"quoteline/internal/domain"
	"quoteline/internal/repo"
	"quoteline/internal/server"
	"quoteline/internal/status"
	"quoteline/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "ql",
	Short: "Quoteline CLI",
	Long: `Quoteline runs procurement quotations from draft to delivery.
- Quotation: a request for prices sent to one supplier for a list of items.
- Workflow: draft -> sending -> sent -> replied -> analyzing -> quoted -> confirming -> confirmed -> delivering -> delivered.
  Quotations can also end up cancelled, expired or in error; RETRY and RESET bring them back to draft.
- Events: every transition is an event (SEND, RECEIVE_REPLY, CONFIRM, ...) recorded in the quotation history.
- Mailbox: when enabled, RFQs go out through Gmail and supplier replies are matched back by sender ('ql poll').
- Workspace: the .quoteline directory with the SQLite database and quoteline.yml next to it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		setupLogger()
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
		os.Exit(1)
	}
}

func initConfig() {
	// .env in the workspace, then the working directory; real env wins.
	_ = godotenv.Load(filepath.Join(viper.GetString("workspace"), ".env"))
	_ = godotenv.Load()
	viper.SetEnvPrefix("QUOTELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/quoteline.yml)")
	rootCmd.PersistentFlags().String("dsn", "", "storage DSN (overrides storage.dsn)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("dsn", rootCmd.PersistentFlags().Lookup("dsn"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(quoteCmd())
	rootCmd.AddCommand(pollCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(tokenCmd())
}

func setupLogger() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func quoteCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "quote",
		Short: "Manage quotations",
		Long:  "A quotation asks one supplier for prices on a list of items and tracks the answer through the workflow.",
	}
	q.AddCommand(quoteCreateCmd())
	q.AddCommand(quoteListCmd())
	q.AddCommand(quoteShowCmd())
	q.AddCommand(quoteHistoryCmd())
	q.AddCommand(quoteEventCmd())
	q.AddCommand(quoteImportCmd())
	return q
}

func quoteCreateCmd() *cobra.Command {
	var supplierName, supplierEmail string
	var items []string
	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Create a draft quotation",
		Example: `  ql quote create --supplier-email sales@acme.com --item i1:Bolts:10:pc --item i2:Nuts:4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if supplierEmail == "" {
				return fmt.Errorf("--supplier-email required")
			}
			parsed, err := parseItems(items)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q, err := a.Engine.Create(ctx, domain.Supplier{Name: supplierName, Email: supplierEmail}, parsed)
				if err != nil {
					return err
				}
				return printQuotation(q)
			})
		},
	}
	cmd.Flags().StringVar(&supplierName, "supplier-name", "", "supplier display name")
	cmd.Flags().StringVar(&supplierEmail, "supplier-email", "", "supplier email")
	cmd.Flags().StringArrayVar(&items, "item", nil, "item as id:name:quantity[:unit] (repeatable)")
	return cmd
}

func quoteListCmd() *cobra.Command {
	var state, supplier, pending string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List quotations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f := repo.Filter{SupplierEmail: supplier, Limit: limit}
				if state != "" {
					s := a.Engine.Machine.Normalizer.Normalize(state)
					if !s.Valid() {
						return fmt.Errorf("unknown state %q", state)
					}
					f.State = s
				}
				if pending != "" {
					p, err := strconv.ParseBool(pending)
					if err != nil {
						return fmt.Errorf("--pending: %w", err)
					}
					f.Pending = &p
				}
				list, err := a.Engine.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "State", "Supplier", "Items", "Total", "Retries", "Updated"})
				for _, q := range list {
					st := string(q.State)
					if q.Pending {
						st += "*"
					}
					tw.AppendRow(table.Row{q.ID, st, q.Supplier.Email, len(q.Items), q.QuotedTotal.StringFixed(2), q.RetryCount, q.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter (canonical name or alias)")
	cmd.Flags().StringVar(&supplier, "supplier", "", "supplier email filter")
	cmd.Flags().StringVar(&pending, "pending", "", "only pending (true) or settled (false)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func quoteShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a quotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q, err := a.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printQuotation(q)
			})
		},
	}
}

func quoteHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the transition history of a quotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Engine.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Event", "From", "To", "At"})
				for _, h := range entries {
					tw.AppendRow(table.Row{h.Seq, h.Event, h.PreviousState, h.State, h.Timestamp.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func quoteEventCmd() *cobra.Command {
	var (
		messageID, replyBody, replyFrom   string
		invoice, notes, reason            string
		errCode, errMessage, analysisPath string
		errRetryable                      bool
	)
	cmd := &cobra.Command{
		Use:   "event <id> <type>",
		Short: "Dispatch a workflow event",
		Long:  "Sends one event (SEND, RECEIVE_REPLY, ANALYZE, CONFIRM, DELIVER, CANCEL, RETRY, RESET, ...) to a quotation. Events the current state does not accept are rejected without side effects.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, ok := domain.ParseEventType(args[1])
			if !ok {
				return fmt.Errorf("unknown event type %q", args[1])
			}
			evt := domain.Event{
				Type:          t,
				MessageID:     messageID,
				ReplyBody:     replyBody,
				ReplyFrom:     replyFrom,
				InvoiceNumber: invoice,
				Notes:         notes,
				Reason:        reason,
			}
			if errCode != "" || errMessage != "" {
				evt.Error = &domain.QuotationError{Code: errCode, Message: errMessage, Retryable: errRetryable}
			}
			if analysisPath != "" {
				data, err := os.ReadFile(analysisPath)
				if err != nil {
					return err
				}
				var an domain.Analysis
				if err := json.Unmarshal(data, &an); err != nil {
					return fmt.Errorf("parse analysis: %w", err)
				}
				evt.Analysis = &an
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q, err := a.Engine.Dispatch(ctx, args[0], evt)
				if err != nil {
					return err
				}
				return printQuotation(q)
			})
		},
	}
	cmd.Flags().StringVar(&messageID, "message-id", "", "sent message id (SEND_SUCCESS)")
	cmd.Flags().StringVar(&replyBody, "reply-body", "", "reply text (RECEIVE_REPLY)")
	cmd.Flags().StringVar(&replyFrom, "reply-from", "", "reply sender (RECEIVE_REPLY)")
	cmd.Flags().StringVar(&analysisPath, "analysis-file", "", "JSON analysis (ANALYSIS_SUCCESS)")
	cmd.Flags().StringVar(&invoice, "invoice", "", "invoice number (DELIVER_SUCCESS)")
	cmd.Flags().StringVar(&notes, "notes", "", "delivery notes (DELIVER_SUCCESS)")
	cmd.Flags().StringVar(&reason, "reason", "", "cancel reason (CANCEL)")
	cmd.Flags().StringVar(&errCode, "error-code", "", "error code (*_ERROR)")
	cmd.Flags().StringVar(&errMessage, "error-message", "", "error message (*_ERROR)")
	cmd.Flags().BoolVar(&errRetryable, "error-retryable", false, "error is transient (*_ERROR)")
	return cmd
}

type importRecord struct {
	domain.Quotation
	Status string `json:"status"`
}

func quoteImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import quotations from a JSON file",
		Long:  "Reads a JSON array of quotations whose \"status\" may use any known alias (e.g. \"Aguardando Resposta\", \"rfq_sent\"). Records are stored in the canonical state without history.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var records []importRecord
			if err := json.Unmarshal(data, &records); err != nil {
				return fmt.Errorf("parse %s: %w", filePath, err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var imported []domain.Quotation
				for i, rec := range records {
					raw := rec.Status
					if raw == "" {
						raw = string(rec.State)
					}
					q, err := a.Engine.Import(ctx, rec.Quotation, raw)
					if err != nil {
						return fmt.Errorf("record %d: %w", i, err)
					}
					imported = append(imported, q)
				}
				if viper.GetBool("json") {
					return printJSON(imported)
				}
				fmt.Printf("imported %d quotations\n", len(imported))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func pollCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Match supplier replies in the mailbox",
		Long:  "Runs one correlation cycle: expires overdue quotations, searches the mailbox for replies from pending suppliers and records them. With --watch it keeps polling on mailbox.poll_interval.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Correlator == nil {
					return fmt.Errorf("mailbox is disabled; set mailbox.enabled in %s", config.Path(viper.GetString("workspace")))
				}
				if watch {
					fmt.Printf("Polling every %s (Ctrl-C to stop)\n", a.Config.Mailbox.PollInterval)
					a.Poller().Run(ctx)
					return nil
				}
				rep, err := a.Correlator.Cycle(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				if rep.Skipped {
					fmt.Println("mailbox unavailable; cycle skipped")
					return nil
				}
				fmt.Printf("messages: %d, matched: %d, unmatched: %d, already seen: %d, expired: %d\n",
					rep.Messages, len(rep.Matched), rep.Unmatched, rep.Seen, len(rep.Expired))
				for _, m := range rep.Matched {
					fmt.Printf("  %s <- %s (%s)\n", m.QuotationID, m.From, m.MessageID)
				}
				for _, e := range rep.Errors {
					fmt.Println("  error:", e)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep polling until interrupted")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the HTTP API, runs the mailbox poller when the mailbox is enabled and delivers configured webhooks. Set QUOTELINE_JWT_SECRET to require bearer tokens.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := slog.Default()
			shutdown, err := telemetry.InitTracer(cfg.Telemetry.Enabled, cfg.Telemetry.ServiceName, os.Stderr, logger)
			if err != nil {
				return err
			}
			defer shutdown(context.Background())

			a, err := app.Open(ctx, cfg, app.Options{Workspace: viper.GetString("workspace"), DSN: viper.GetString("dsn"), Logger: logger})
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt_secret")}
			if authCfg.JWTSecret == "" {
				logger.Warn("QUOTELINE_JWT_SECRET not set; API is unauthenticated")
			}
			scfg := server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg, Logger: logger}
			if a.Correlator != nil {
				scfg.Correlator = a.Correlator
			}
			handler, err := server.New(scfg)
			if err != nil {
				return err
			}
			if p := a.Poller(); p != nil {
				p.Start(ctx)
				defer p.Stop()
			}
			server.StartWebhooks(ctx, a.Engine, cfg.Webhooks, logger)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			fmt.Printf("Serving Quoteline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect quoteline.yml",
		Long:  "The config file holds workflow thresholds (expiry, cancel window, retries), sync retry settings, the mailbox and analyzer endpoints, status aliases, storage, server and webhooks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default quoteline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
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
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
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

func statusCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "status",
		Short: "Status token helpers",
	}
	s.AddCommand(&cobra.Command{
		Use:   "normalize <token>...",
		Short: "Map raw status tokens to canonical states",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			n := status.NewNormalizer(cfg.Status.Aliases)
			type row struct {
				Raw   string `json:"raw"`
				State string `json:"state"`
				Known bool   `json:"known"`
			}
			var rows []row
			for _, raw := range args {
				st := n.Normalize(raw)
				rows = append(rows, row{Raw: raw, State: string(st), Known: st.Valid()})
			}
			if viper.GetBool("json") {
				return printJSON(rows)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Raw", "State", "Known"})
			for _, r := range rows {
				tw.AppendRow(table.Row{r.Raw, r.State, r.Known})
			}
			tw.Render()
			return nil
		},
	})
	return s
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the API",
		Long:  "Signs an HS256 token with QUOTELINE_JWT_SECRET for use as 'Authorization: Bearer <token>'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt_secret")
			if secret == "" {
				return fmt.Errorf("QUOTELINE_JWT_SECRET is required")
			}
			if subject == "" {
				return fmt.Errorf("--subject required")
			}
			token, err := server.SignToken(secret, subject, roles...)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg, app.Options{
		Workspace: viper.GetString("workspace"),
		DSN:       viper.GetString("dsn"),
		Logger:    slog.Default(),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// parseItems reads id:name:quantity[:unit] specs.
func parseItems(specs []string) ([]domain.Item, error) {
	var items []domain.Item
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) < 3 || len(parts) > 4 {
			return nil, fmt.Errorf("invalid --item %q; want id:name:quantity[:unit]", spec)
		}
		qty, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid quantity in --item %q: %w", spec, err)
		}
		it := domain.Item{ID: parts[0], Name: parts[1], QuantityToOrder: qty}
		if len(parts) == 4 {
			it.Unit = parts[3]
		}
		items = append(items, it)
	}
	return items, nil
}

func printQuotation(q domain.Quotation) error {
	if viper.GetBool("json") {
		return printJSON(q)
	}
	fmt.Printf("Quotation %s (v%d)\n", q.ID, q.Version)
	st := string(q.State)
	if q.Pending {
		st += " (pending, was " + string(q.PreviousState) + ")"
	}
	fmt.Printf("State:    %s\n", st)
	fmt.Printf("Supplier: %s <%s>\n", q.Supplier.Name, q.Supplier.Email)
	if q.Error != nil {
		fmt.Printf("Error:    %s: %s (retries %d)\n", q.Error.Code, q.Error.Message, q.RetryCount)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Item", "Name", "Qty", "Unit"})
	for _, it := range q.Items {
		tw.AppendRow(table.Row{it.ID, it.Name, it.QuantityToOrder, it.Unit})
	}
	tw.Render()
	if len(q.QuotedItems) > 0 {
		qt := table.NewWriter()
		qt.SetOutputMirror(os.Stdout)
		qt.AppendHeader(table.Row{"Item", "Unit price", "Total"})
		for _, it := range q.QuotedItems {
			qt.AppendRow(table.Row{it.ID, it.UnitPrice.StringFixed(2), it.TotalPrice.StringFixed(2)})
		}
		qt.AppendFooter(table.Row{"", "Total", q.QuotedTotal.StringFixed(2)})
		qt.Render()
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
