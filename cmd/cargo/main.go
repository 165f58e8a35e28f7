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

	"cargosure/internal/config"
	"cargosure/internal/db"
	"cargosure/internal/domain"
	"cargosure/internal/engine"
	"cargosure/internal/ledger"
	"cargosure/internal/migrate"
	"cargosure/internal/repo"
	"cargosure/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cargo",
	Short: "CargoSure CLI",
	Long: `CargoSure settles parametric cargo-insurance claims against sensor telemetry.
A shipment is created together with a ledger-side conditional payment (escrow);
its monitoring device streams shock/temperature/humidity readings; an evaluation
pass compares the readings against the escrow's condition code and either
releases the payout, cancels the escrow, or keeps monitoring.`,
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
	viper.SetEnvPrefix("CARGOSURE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("ledger", "rpc", "ledger backend (rpc, memory)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("ledger", rootCmd.PersistentFlags().Lookup("ledger"))
}

func registerCommands() {
	rootCmd.AddCommand(shipmentCmd())
	rootCmd.AddCommand(telemetryCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func shipmentCmd() *cobra.Command {
	sh := &cobra.Command{
		Use:   "shipment",
		Short: "Manage shipments and their escrows",
	}
	sh.AddCommand(shipmentCreateCmd())
	sh.AddCommand(shipmentListCmd())
	sh.AddCommand(shipmentShowCmd())
	return sh
}

func shipmentCreateCmd() *cobra.Command {
	var opts engine.CreateShipmentOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a shipment with its escrow-backed policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.OwnerID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateShipment(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "shipment name")
	cmd.Flags().StringVar(&opts.DeviceID, "device-id", "", "monitoring device id")
	cmd.Flags().Float64Var(&opts.Premium, "premium", 0, "premium amount")
	cmd.Flags().Float64Var(&opts.Payout, "payout", 0, "payout amount")
	cmd.Flags().IntVar(&opts.Condition, "condition", 0, "condition code (0 none, 1 shock, 2 temp, 3 humidity, 4 any)")
	cmd.Flags().StringVar(&opts.Destination, "destination", "", "payout destination account")
	cmd.Flags().StringVar(&opts.ReturnAccount, "return-address", "", "refund account")
	cmd.Flags().StringVar(&opts.CustomerSeed, "customer-seed", "", "customer signing seed")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("device-id")
	return cmd
}

func shipmentListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List shipments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				shipments, err := e.Repo.ListShipments(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(shipments)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Device", "Claim Status", "Sequence", "Created"})
				for _, s := range shipments {
					esc, err := e.Repo.GetEscrow(ctx, s.ID)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{s.ID, s.Name, s.DeviceID, s.ClaimStatus, esc.Sequence, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner id")
	return cmd
}

func shipmentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a shipment with its escrow and latest reading",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetShipment(ctx, args[0])
				if err != nil {
					return err
				}
				esc, err := e.Repo.GetEscrow(ctx, s.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"shipment": s,
					"escrow":   esc,
				}
				latest, err := e.Telemetry.Latest(ctx, s.ID)
				switch {
				case err == nil:
					out["latest_reading"] = latest
				case errors.Is(err, repo.ErrNotFound):
				default:
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func telemetryCmd() *cobra.Command {
	tel := &cobra.Command{
		Use:   "telemetry",
		Short: "Manage sensor telemetry",
	}
	tel.AddCommand(telemetryAppendCmd())
	tel.AddCommand(telemetryListCmd())
	return tel
}

func telemetryAppendCmd() *cobra.Command {
	var r domain.TelemetryReading
	cmd := &cobra.Command{
		Use:   "append <shipment-id>",
		Short: "Append a sensor reading",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r.ShipmentID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Telemetry.Append(ctx, r); err != nil {
					return err
				}
				latest, err := e.Telemetry.Latest(ctx, r.ShipmentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(latest)
			})
		},
	}
	cmd.Flags().StringVar(&r.Timestamp, "timestamp", "", "reading timestamp (RFC3339, defaults to now)")
	cmd.Flags().Float64Var(&r.Shock, "shock", 0, "shock magnitude (0-4)")
	cmd.Flags().Float64Var(&r.Temp, "temp", 0, "temperature deviation (0-4)")
	cmd.Flags().Float64Var(&r.Humidity, "hum", 0, "humidity indicator (0-4)")
	cmd.Flags().Float64Var(&r.Lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&r.Lng, "lng", 0, "longitude")
	return cmd
}

func telemetryListCmd() *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "list <shipment-id>",
		Short: "List readings for a shipment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				readings, err := e.Telemetry.ReadingsSince(ctx, args[0], since)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(readings)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Timestamp", "Shock", "Temp", "Hum", "Lat", "Lng"})
				for _, r := range readings {
					tw.AppendRow(table.Row{r.Timestamp, r.Shock, r.Temp, r.Humidity, r.Lat, r.Lng})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "only readings at or after this RFC3339 timestamp")
	return cmd
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate <shipment-id>",
		Short: "Run one claim evaluation pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.EvaluateClaim(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "key",
		Short: "Manage device gateway API keys",
	}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyDeleteCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var deviceID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a device gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plaintext, err := e.CreateAPIKey(ctx, deviceID, name)
				if err != nil {
					return err
				}
				// The plaintext is shown once and never stored.
				return printJSONOrTable(map[string]any{
					"id":        key.ID,
					"device_id": key.DeviceID,
					"name":      key.Name,
					"api_key":   plaintext,
				})
			})
		},
	}
	cmd.Flags().StringVar(&deviceID, "device-id", "", "device the key authenticates")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("device-id")
	return cmd
}

func keyListCmd() *cobra.Command {
	var deviceID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, deviceID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Device", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.DeviceID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&deviceID, "device-id", "", "filter by device id")
	return cmd
}

func keyDeleteCmd() *cobra.Command {
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

func userCmd() *cobra.Command {
	usr := &cobra.Command{
		Use:   "user",
		Short: "Manage owner account defaults",
	}
	usr.AddCommand(userInitCmd())
	usr.AddCommand(userShowCmd())
	return usr
}

func userInitCmd() *cobra.Command {
	var account, returnAddress string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Bootstrap ledger account defaults for the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.InitUserDefaults(ctx, viper.GetString("actor-id"), account, returnAddress)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "ledger account (generated when omitted)")
	cmd.Flags().StringVar(&returnAddress, "return-address", "", "refund account (defaults to account)")
	return cmd
}

func userShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the actor's account defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u, err := r.GetUser(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(config.Path(viper.GetString("workspace")))
			return nil
		},
	})
	return cfg
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Inspect the audit event log",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, shipmentID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, shipmentID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&shipmentID, "shipment", "", "shipment id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
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
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			led, err := newLedger(cfg)
			if err != nil {
				return err
			}
			e := engine.New(conn, led, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CARGOSURE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CARGOSURE_JWT_SECRET is required for bearer auth")
			}
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
			fmt.Printf("Serving CargoSure API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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

func newLedger(cfg *config.Config) (ledger.Ledger, error) {
	switch viper.GetString("ledger") {
	case "memory":
		return ledger.NewMemory(cfg.Ledger.PlatformAccount), nil
	case "rpc", "":
		if cfg.Ledger.PlatformSeed == "" {
			cfg.Ledger.PlatformSeed = os.Getenv("CARGOSURE_PLATFORM_SEED")
		}
		return &ledger.Client{
			NodeURL:         cfg.Ledger.NodeURL,
			PlatformAccount: cfg.Ledger.PlatformAccount,
			PlatformSeed:    cfg.Ledger.PlatformSeed,
			Preimage:        cfg.Ledger.Preimage,
			Timeout:         cfg.Ledger.Timeout,
		}, nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", viper.GetString("ledger"))
	}
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
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	led, err := newLedger(cfg)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, led, cfg))
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
