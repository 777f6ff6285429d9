package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"leadflow/internal/app"
	"leadflow/internal/config"
	"leadflow/internal/domain"
	"leadflow/internal/quota"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "leadflow",
	Short: "Outbound campaign engine",
	Long: `leadflow runs multi-step SMS, email and voice sequences for enrolled leads
and processes quota-bounded enrichment jobs one batch at a time.

Configuration comes from leadflow.yml, LEADFLOW_* environment variables
(a .env file is loaded first when present) and the flags below.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(viper.GetViper(), viper.GetString("config"))
		if err != nil {
			return err
		}
		return app.SetupLogging(cfg.Log.Level, cfg.Log.Format)
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
	_ = godotenv.Load()
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default ./leadflow.yml)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path")
	rootCmd.PersistentFlags().String("log-level", "", "log level")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(enrollCmd())
	rootCmd.AddCommand(unenrollCmd())
	rootCmd.AddCommand(sendsCmd())
	rootCmd.AddCommand(sequenceCmd())
	rootCmd.AddCommand(leadCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(quotaCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Addr = addr
			}
			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.RecoverStale(ctx)

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.Scheduler.Start(ctx)
			}()

			srv := &http.Server{Addr: cfg.Addr, Handler: a.Handler()}
			go func() {
				<-ctx.Done()
				log.Info().Msg("shutting down")
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(sctx)
			}()

			log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
			err = srv.ListenAndServe()
			stop()
			wg.Wait()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func processCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one pass over due enrollments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Executor.ProcessDueEnrollments(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := newTable("Enrollment", "Lead", "Step", "Status", "Channels", "Note")
				for _, r := range res.Results {
					var chans []string
					for _, o := range r.Outcomes {
						chans = append(chans, fmt.Sprintf("%s:%s", o.Channel, o.Status))
					}
					tw.AppendRow(table.Row{r.EnrollmentID, r.LeadID, r.Step, r.Status, strings.Join(chans, " "), r.Warning})
				}
				tw.AppendFooter(table.Row{"selected", res.Selected, "succeeded", res.Succeeded, "failed", res.Failed})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum enrollments to process")
	return cmd
}

func enrollCmd() *cobra.Command {
	var tenant, startAt string
	cmd := &cobra.Command{
		Use:   "enroll <sequence-id> <lead-id>",
		Short: "Enroll a lead into a sequence",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parseTime(startAt)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Executor.EnrollLead(ctx, args[0], args[1], tenant, start)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				state := "created"
				if !res.Created {
					state = "already enrolled"
				}
				fmt.Printf("%s %s, next step at %s\n", res.EnrollmentID, state, res.NextStepAt.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (defaults to the sequence's tenant)")
	cmd.Flags().StringVar(&startAt, "start-at", "", "RFC3339 start time (defaults to now)")
	return cmd
}

func unenrollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unenroll <sequence-id> <lead-id>",
		Short: "Cancel a lead's active enrollment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Executor.UnenrollLead(ctx, args[0], args[1])
			})
		},
	}
}

func sendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sends <enrollment-id>",
		Short: "List the channel sends recorded for an enrollment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sends, err := a.Executor.Sends(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sends)
				}
				tw := newTable("Step", "Channel", "Status", "Provider ID", "Error", "Sent")
				for _, s := range sends {
					tw.AppendRow(table.Row{s.StepIndex, s.Channel, s.Status, s.ProviderID, s.Error, s.CreatedAt.Format("2006-01-02 15:04:05")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sequenceCmd() *cobra.Command {
	seq := &cobra.Command{Use: "sequence", Short: "Manage sequences"}
	seq.AddCommand(&cobra.Command{
		Use:   "list <tenant-id>",
		Short: "List a tenant's sequences",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Store.ListSequences(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Status", "Steps", "Updated")
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Status, len(s.Steps), s.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	})
	seq.AddCommand(&cobra.Command{
		Use:   "apply <id> <file.json>",
		Short: "Create or replace a sequence from a JSON document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s domain.Sequence
			if err := readJSON(args[1], &s); err != nil {
				return err
			}
			s.ID = args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				saved, err := a.Store.PutSequence(ctx, s)
				if err != nil {
					return err
				}
				return printJSON(saved)
			})
		},
	})
	return seq
}

func leadCmd() *cobra.Command {
	lead := &cobra.Command{Use: "lead", Short: "Manage leads and the opt-out list"}
	lead.AddCommand(&cobra.Command{
		Use:   "import <file.json>",
		Short: "Upsert leads from a JSON array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var leads []domain.Lead
			if err := readJSON(args[0], &leads); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				for _, l := range leads {
					if err := a.Store.PutLead(ctx, l); err != nil {
						return fmt.Errorf("lead %s: %w", l.ID, err)
					}
				}
				fmt.Printf("imported %d leads\n", len(leads))
				return nil
			})
		},
	})
	var reason string
	suppress := &cobra.Command{
		Use:   "suppress <phone>",
		Short: "Add a phone number to the opt-out list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Store.Suppress(ctx, args[0], reason)
			})
		},
	}
	suppress.Flags().StringVar(&reason, "reason", "manual", "opt-out reason")
	lead.AddCommand(suppress)
	return lead
}

func quotaCmd() *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "quota <tenant-id>",
		Short: "Show a tenant's daily usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if day == "" {
				day = quota.Day(time.Now())
			} else if _, err := time.Parse("2006-01-02", day); err != nil {
				return fmt.Errorf("--day must be YYYY-MM-DD")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				used, err := a.Ledger.Usage(ctx, args[0], day)
				if err != nil {
					return err
				}
				out := map[string]any{
					"tenant_id": args[0],
					"day":       day,
					"used":      used,
					"limit":     cfg.Quota.DailyCap,
					"remaining": quota.Remaining(cfg.Quota.DailyCap, used),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				tw := newTable("Tenant", "Day", "Used", "Limit", "Remaining")
				tw.AppendRow(table.Row{args[0], day, used, cfg.Quota.DailyCap, out["remaining"]})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "UTC day, YYYY-MM-DD (default today)")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration and the next scheduled ticks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			b, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(string(b))
			ticks := app.ScheduleConfig(cfg).Upcoming(time.Now())
			if len(ticks) == 0 {
				return nil
			}
			fmt.Println()
			tw := newTable("Tick", "Schedule", "Next run")
			for _, t := range ticks {
				tw.AppendRow(table.Row{t.Name, t.Spec, t.Next.Format(time.RFC3339)})
			}
			tw.Render()
			return nil
		},
	})
	return c
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(headers))
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q: want RFC3339", s)
	}
	return &t, nil
}
