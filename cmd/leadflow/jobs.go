package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"leadflow/internal/app"
	"leadflow/internal/batch"
)

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Manage batch jobs"}
	job.AddCommand(jobCreateCmd())
	job.AddCommand(jobRunCmd())
	job.AddCommand(jobStatusCmd())
	job.AddCommand(jobResultsCmd())
	job.AddCommand(jobCancelCmd())
	return job
}

func jobCreateCmd() *cobra.Command {
	var (
		opts         batch.CreateOptions
		ids          []string
		file         string
		scheduledFor string
		capAware     bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a batch job over a list of lead ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				fromFile, err := readIDs(file)
				if err != nil {
					return err
				}
				ids = append(ids, fromFile...)
			}
			opts.IDs = ids
			opts.DailyCapAware = &capAware
			at, err := parseTime(scheduledFor)
			if err != nil {
				return err
			}
			opts.ScheduledFor = at
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Runner.CreateJob(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := newTable("Job", "Accepted", "Rejected", "Daily usage", "Daily cap")
				tw.AppendRow(table.Row{res.JobID, res.AcceptedCount, res.RejectedCount, res.DailyUsage, res.DailyCap})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&opts.Type, "type", batch.DefaultType, "job type")
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "comma-separated lead ids")
	cmd.Flags().StringVar(&file, "file", "", "file with one lead id per line")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "ids per batch (default from config)")
	cmd.Flags().BoolVar(&capAware, "cap-aware", true, "clamp the job to today's remaining quota")
	cmd.Flags().StringVar(&scheduledFor, "scheduled-for", "", "RFC3339 time before which no batch runs")
	cmd.Flags().StringVar(&opts.ForwardSequenceID, "forward-sequence", "", "enroll enriched leads into this sequence")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func jobRunCmd() *cobra.Command {
	var all bool
	var limit int
	cmd := &cobra.Command{
		Use:   "run [job-id]",
		Short: "Run the next batch of one job, or of every runnable job with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("pass a job id or --all")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var outcomes []batch.BatchOutcome
				if all {
					var err error
					if outcomes, err = a.Runner.RunDue(ctx, limit); err != nil {
						return err
					}
				} else {
					out, err := a.Runner.RunNextBatch(ctx, args[0])
					if err != nil {
						return err
					}
					outcomes = append(outcomes, out)
				}
				if viper.GetBool("json") {
					return printJSON(outcomes)
				}
				tw := newTable("Job", "Status", "Batch", "Processed", "OK", "Failed", "Phones", "Emails", "Forwarded", "Note")
				for _, o := range outcomes {
					tw.AppendRow(table.Row{o.JobID, o.Status, o.Batch, o.Processed, o.Successful, o.Failed, o.PhonesFound, o.EmailsFound, o.Forwarded, outcomeNote(o)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "run one batch of every runnable job")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs with --all")
	return cmd
}

func jobStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show job progress and its batch history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap, err := a.Runner.GetJobStatus(ctx, args[0])
				if err != nil {
					return err
				}
				runs, err := a.Runner.Runs(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"job": snap, "runs": runs})
				}
				fmt.Printf("Job %s (%s) tenant=%s status=%s\n", snap.ID, snap.Type, snap.TenantID, snap.Status)
				fmt.Printf("Progress %.1f%%: %d/%d processed, batch %d of %d\n", snap.Progress, snap.Processed, snap.Total, snap.Cursor, snap.TotalBatches)
				if snap.LastError != "" {
					fmt.Printf("Last error: %s\n", snap.LastError)
				}
				tw := newTable("Batch", "Size", "OK", "Failed", "Finished", "Error")
				for _, r := range runs {
					tw.AppendRow(table.Row{r.Cursor, r.Size, r.Successful, r.Failed, r.FinishedAt.Format("2006-01-02 15:04:05"), r.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func jobResultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "results <job-id>",
		Short: "List per-id results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				results, err := a.Runner.Results(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				tw := newTable("ID", "Batch", "Success", "Phone", "Email", "Error")
				for _, r := range results {
					tw.AppendRow(table.Row{r.ID, r.Batch, r.Success, r.Phone, r.Email, r.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func jobCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job; completed batches are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Runner.CancelJob(ctx, args[0]); err != nil {
					return err
				}
				snap, err := a.Runner.GetJobStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(snap)
			})
		},
	}
}

func outcomeNote(o batch.BatchOutcome) string {
	switch {
	case o.Error != "":
		return o.Error
	case o.Deferred:
		return "scheduled for later"
	case o.Discarded:
		return "cancelled mid-batch, progress discarded"
	}
	return ""
}

func readIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if id := strings.TrimSpace(sc.Text()); id != "" && !strings.HasPrefix(id, "#") {
			ids = append(ids, id)
		}
	}
	return ids, sc.Err()
}
