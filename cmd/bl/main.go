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
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"boostline/internal/config"
	"boostline/internal/db"
	"boostline/internal/engine"
	"boostline/internal/migrate"
	"boostline/internal/repo"
	"boostline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Boostline CLI",
	Long: `Boostline runs an engagement task marketplace: task givers place paid
orders for social actions, task doers reserve a slot, perform the action
within a time window, and get paid exactly once after review.

Flow: order create -> (admin) order approve -> claim -> submit -> review.
Money moves through an append-only ledger: escrow on order create, refund
on order reject, payout on execution approve.`,
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
	viper.SetEnvPrefix("BOOSTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "acting user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(executionCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var marketplaceID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
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
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("config %s already exists\n", path)
				return nil
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(marketplaceID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("initialized workspace: db at %s, config at %s\n", db.Path(workspace), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&marketplaceID, "id", "boostline", "marketplace identifier")
	return cmd
}

func orderCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "order", Short: "Manage orders"}
	cmd.AddCommand(orderCreateCmd())
	cmd.AddCommand(orderListCmd())
	cmd.AddCommand(orderShowCmd())
	cmd.AddCommand(orderApproveCmd())
	cmd.AddCommand(orderRejectCmd())
	return cmd
}

func orderCreateCmd() *cobra.Command {
	var kind, target, rate string
	var quantity int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Place an order (escrows rate x quantity)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := decimal.NewFromString(rate)
				if err != nil {
					return fmt.Errorf("invalid --rate %q: %w", rate, err)
				}
				o, err := e.CreateOrder(ctx, engine.OrderCreateOptions{
					CreatorID: viper.GetString("user-id"),
					Kind:      kind,
					Target:    target,
					Rate:      r,
					Quantity:  quantity,
				})
				if err != nil {
					return err
				}
				return printJSON(o)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "action kind (like, follow, view, ...)")
	cmd.Flags().StringVar(&target, "target", "", "target URL or handle")
	cmd.Flags().StringVar(&rate, "rate", "", "payout per completed action")
	cmd.Flags().IntVar(&quantity, "quantity", 0, "number of actions wanted")
	return cmd
}

func orderListCmd() *cobra.Command {
	var f repo.OrderFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				orders, err := e.Repo.ListOrders(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(orders)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Creator", "Kind", "Target", "Rate", "Done/Qty", "Status"})
				for _, o := range orders {
					tw.AppendRow(table.Row{o.ID, o.CreatorID, o.Kind, o.Target, o.Rate.String(),
						fmt.Sprintf("%d/%d", o.CompletedCount, o.Quantity), o.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.CreatorID, "creator-id", "", "creator filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func orderShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <order_id>",
		Short: "Show an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.Repo.GetOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(o)
			})
		},
	}
	return cmd
}

func orderApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <order_id>",
		Short: "Approve an order, creating its task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ApproveOrder(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	return cmd
}

func orderRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <order_id>",
		Short: "Reject an order and refund its escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RejectOrder(ctx, args[0], viper.GetString("user-id"), reason); err != nil {
					return err
				}
				fmt.Println("order rejected, escrow refunded")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Browse claimable tasks"}
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Target", "Rate", "Slots", "Done/Qty", "Status"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Kind, t.Target, t.Rate.String(), t.RemainingSlots,
						fmt.Sprintf("%d/%d", t.CompletedCount, t.Quantity), t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "action kind filter")
	cmd.Flags().StringVar(&f.OrderID, "order-id", "", "order filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task_id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	return cmd
}

func claimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <task_id>",
		Short: "Reserve a slot on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ex, err := e.Claim(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				fmt.Printf("reserved until %s\n", ex.Deadline)
				return printJSON(ex)
			})
		},
	}
	return cmd
}

func submitCmd() *cobra.Command {
	var proof string
	cmd := &cobra.Command{
		Use:   "submit <execution_id>",
		Short: "Submit proof for a reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ex, err := e.Submit(ctx, args[0], viper.GetString("user-id"), proof)
				if err != nil {
					return err
				}
				return printJSON(ex)
			})
		},
	}
	cmd.Flags().StringVar(&proof, "proof", "", "proof of completion (URL or note)")
	return cmd
}

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "review", Short: "Review submitted executions"}
	cmd.AddCommand(reviewApproveCmd())
	cmd.AddCommand(reviewRejectCmd())
	return cmd
}

func reviewApproveCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "approve <execution_id>",
		Short: "Approve a submission and credit the worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reward, err := e.Approve(ctx, args[0], viper.GetString("user-id"), notes)
				if err != nil {
					return err
				}
				fmt.Printf("approved, paid %s\n", reward)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "review notes")
	return cmd
}

func reviewRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <execution_id>",
		Short: "Reject a submission and free its slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Reject(ctx, args[0], viper.GetString("user-id"), reason); err != nil {
					return err
				}
				fmt.Println("rejected, slot returned to pool")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func executionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "execution", Short: "Inspect executions"}
	cmd.AddCommand(executionListCmd())
	cmd.AddCommand(executionShowCmd())
	return cmd
}

func executionListCmd() *cobra.Command {
	var f repo.ExecutionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListExecutions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "User", "Status", "Deadline", "Reward"})
				for _, ex := range items {
					reward := ""
					if ex.Reward != nil {
						reward = ex.Reward.String()
					}
					tw.AppendRow(table.Row{ex.ID, ex.TaskID, ex.UserID, ex.Status, ex.Deadline, reward})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TaskID, "task-id", "", "task filter")
	cmd.Flags().StringVar(&f.UserID, "user-id-filter", "", "user filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func executionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <execution_id>",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ex, err := e.Repo.GetExecution(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(ex)
			})
		},
	}
	return cmd
}

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "account", Short: "Accounts and ledger"}
	cmd.AddCommand(accountShowCmd())
	cmd.AddCommand(accountDepositCmd())
	cmd.AddCommand(accountWithdrawCmd())
	cmd.AddCommand(accountLedgerCmd())
	return cmd
}

func accountShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <account_id>",
		Short: "Show an account balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAccount(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	return cmd
}

func accountDepositCmd() *cobra.Command {
	var amount string
	cmd := &cobra.Command{
		Use:   "deposit <account_id>",
		Short: "Credit an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				amt, err := decimal.NewFromString(amount)
				if err != nil {
					return fmt.Errorf("invalid --amount %q: %w", amount, err)
				}
				entry, err := e.Deposit(ctx, args[0], amt, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSON(entry)
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "amount to credit")
	return cmd
}

func accountWithdrawCmd() *cobra.Command {
	var amount string
	cmd := &cobra.Command{
		Use:   "withdraw <account_id>",
		Short: "Debit an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				amt, err := decimal.NewFromString(amount)
				if err != nil {
					return fmt.Errorf("invalid --amount %q: %w", amount, err)
				}
				entry, err := e.Withdraw(ctx, args[0], amt, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSON(entry)
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "amount to debit")
	return cmd
}

func accountLedgerCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "ledger <account_id>",
		Short: "List ledger entries for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.ListLedgerEntries(ctx, repo.LedgerFilters{AccountID: args[0], Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Amount", "Reason", "Before", "After", "By"})
				for _, en := range entries {
					tw.AppendRow(table.Row{en.CreatedAt, en.Amount.String(), en.Reason,
						en.BalanceBefore.String(), en.BalanceAfter.String(), en.ProcessedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue reservations once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ExpireDue(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("expired %d overdue reservations\n", n)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Audit log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var limit int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, limit, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor", "Payload"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.EntityKind + "/" + ev.EntityID, ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if actorID == "" {
					actorID = viper.GetString("user-id")
				}
				raw, key, err := e.Repo.NewAPIKey(ctx, actorID, name, e.Now().UTC().Format(time.RFC3339))
				if err != nil {
					return err
				}
				fmt.Printf("api key created for %s (shown once): %s\n", key.ActorID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor-id", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actorID)
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
	cmd.Flags().StringVar(&actorID, "actor-id", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key_id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withSweeper bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("BOOSTLINE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("BOOSTLINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				if withSweeper {
					sw := engine.NewSweeper(e)
					sw.Start()
					defer sw.Stop()
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Boostline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&withSweeper, "sweeper", true, "run the expiry sweeper in the background")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
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
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default("boostline")
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
