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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"traceline/internal/config"
	"traceline/internal/db"
	"traceline/internal/domain"
	"traceline/internal/engine"
	"traceline/internal/migrate"
	"traceline/internal/repo"
	"traceline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Traceline CLI",
	Long: `Traceline is a tamper-evident custody ledger for commodity batches.
Core concepts:
- Workspace: your .traceline directory with the ledger database; traceline.yml holds the catalogs.
- Batch: a registered lot of produce with a custodian and a status (registered -> in_transit -> delivered -> closed).
- Custody events: an append-only hash chain per batch; each event carries the digest of its predecessor.
- Transfer: the current custodian hands a batch to the next actor; the receiver acknowledges on arrival.
- Verification: 'tl verify' recomputes the chain and reports the first broken link, if any.
- Trace: consumers resolve a batch id or scanned QR payload into the full history, no login needed.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("TRACELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(transferCmd())
	rootCmd.AddCommand(ackCmd())
	rootCmd.AddCommand(closeCmd())
	rootCmd.AddCommand(testCmd())
	rootCmd.AddCommand(traceCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(qrCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !viper.GetBool("force") {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Ledger summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.CountBatchesByStatus(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(counts)
			})
		},
	}
	return cmd
}

func batchCmd() *cobra.Command {
	batch := &cobra.Command{Use: "batch", Short: "Manage batches"}
	batch.AddCommand(batchRegisterCmd())
	batch.AddCommand(batchShowCmd())
	batch.AddCommand(batchListCmd())
	batch.AddCommand(batchHistoryCmd())
	return batch
}

func batchRegisterCmd() *cobra.Command {
	var id, commodity, variety, unit, origin, harvestDate, notes string
	var quantity float64
	var certifications []string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			if commodity == "" {
				return fmt.Errorf("--commodity required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.RegisterBatch(ctx, engine.RegisterOptions{
					IDHint:         id,
					Commodity:      commodity,
					Variety:        variety,
					Quantity:       quantity,
					Unit:           unit,
					Origin:         origin,
					HarvestDate:    harvestDate,
					Notes:          notes,
					Certifications: certifications,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "batch id (generated when omitted)")
	cmd.Flags().StringVar(&commodity, "commodity", "", "commodity name")
	cmd.Flags().StringVar(&variety, "variety", "", "variety")
	cmd.Flags().Float64Var(&quantity, "quantity", 0, "quantity")
	cmd.Flags().StringVar(&unit, "unit", "", "unit (default kg)")
	cmd.Flags().StringVar(&origin, "origin", "", "origin location")
	cmd.Flags().StringVar(&harvestDate, "harvest-date", "", "harvest date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringSliceVar(&certifications, "certification", nil, "certification tag (repeatable)")
	_ = cmd.MarkFlagRequired("commodity")
	return cmd
}

func batchShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.GetBatch(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func batchListCmd() *cobra.Command {
	var status, custodian, commodity string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				batches, err := r.ListBatches(ctx, repo.BatchFilters{
					Status:    status,
					Custodian: custodian,
					Commodity: commodity,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(batches)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Commodity", "Quantity", "Status", "Custodian", "Origin"})
				for _, b := range batches {
					tw.AppendRow(table.Row{b.ID, b.Commodity, fmt.Sprintf("%g %s", b.Quantity, b.Unit), b.Status, b.Custodian, b.Origin})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&custodian, "custodian", "", "custodian filter")
	cmd.Flags().StringVar(&commodity, "commodity", "", "commodity filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func batchHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show custody history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Kind", "Actor", "Location", "TS", "Digest"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.Seq, ev.Kind, ev.ActorID, ev.Location, ev.TS, shortDigest(ev.Digest)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func transferCmd() *cobra.Command {
	var to, destination, destinationType, temperature, expectedDelivery, notes string
	cmd := &cobra.Command{
		Use:   "transfer <batch-id>",
		Short: "Transfer custody to another actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return fmt.Errorf("--to required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.Transfer(ctx, args[0], viper.GetString("actor-id"), to, engine.TransferConditions{
					Destination:      destination,
					DestinationType:  destinationType,
					TemperatureC:     optionalString(temperature),
					ExpectedDelivery: expectedDelivery,
					Notes:            notes,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "receiving actor id")
	cmd.Flags().StringVar(&destination, "destination", "", "destination location")
	cmd.Flags().StringVar(&destinationType, "destination-type", "", "distributor|processor|wholesaler|retailer")
	cmd.Flags().StringVar(&temperature, "temperature", "", "transport temperature, e.g. 2-8")
	cmd.Flags().StringVar(&expectedDelivery, "expected-delivery", "", "expected delivery date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&notes, "notes", "", "handling notes")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func ackCmd() *cobra.Command {
	var location string
	cmd := &cobra.Command{
		Use:   "ack <batch-id>",
		Short: "Acknowledge receipt of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.Acknowledge(ctx, args[0], viper.GetString("actor-id"), location)
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "receiving location")
	return cmd
}

func closeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <batch-id>",
		Short: "Close a delivered batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.Close(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	return cmd
}

func testCmd() *cobra.Command {
	var location, resultsJSON string
	cmd := &cobra.Command{
		Use:   "test <batch-id>",
		Short: "Record test results for a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var results map[string]any
			if resultsJSON != "" {
				if err := json.Unmarshal([]byte(resultsJSON), &results); err != nil {
					return fmt.Errorf("invalid --results JSON: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.RecordTest(ctx, args[0], viper.GetString("actor-id"), location, results)
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "test location")
	cmd.Flags().StringVar(&resultsJSON, "results", "", `test results as JSON, e.g. '{"pesticide":"pass"}'`)
	return cmd
}

func traceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace <ref>",
		Short: "Resolve a batch id or QR payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.Resolve(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
	return cmd
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <batch-id>",
		Short: "Recompute and check a batch hash chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Verify(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printJSONOrTable(res); err != nil {
					return err
				}
				if !res.Valid {
					return fmt.Errorf("chain invalid at seq %d: %s", *res.FailedSeq, res.Reason)
				}
				return nil
			})
		},
	}
	return cmd
}

func qrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qr <batch-id>",
		Short: "Print the QR payload for a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.GetBatch(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println(e.TracePayload(args[0]))
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Custody event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var batchID, kind, actorID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail recent custody events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, batchID, kind, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&batchID, "batch", "", "batch id filter")
	cmd.Flags().StringVar(&kind, "kind", "", "event kind filter")
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			secret := "tl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			key := domain.APIKey{
				ID:        uuid.NewString(),
				ActorID:   actor,
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				// The secret is shown once; only its hash is stored.
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
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
			cfg, err := loadConfig(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("TRACELINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" && !allowLegacyHeader {
				return fmt.Errorf("TRACELINE_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Traceline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (local use only)")
	return cmd
}

// --- helpers ---

func loadConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := loadConfig(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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

func shortDigest(d string) string {
	if len(d) <= 12 {
		return d
	}
	return d[:12]
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
