// ============================================================================
// digestd CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running and operating the digest scheduler
//
// Command Structure:
//   digestd                        # Root command
//   ├── run                        # Start scheduler, admin API, metrics
//   ├── tick                       # Run one tick against the store and exit
//   ├── enqueue                    # Queue digest jobs through the admin API
//   │   └── --file, -f            # JSON array of jobs
//   ├── status                     # Read the status file (or --admin live)
//   ├── import                     # Upsert subscriptions from JSON
//   │   └── --file, -f
//   ├── list                       # Print stored subscriptions
//   └── --config, -c              # Config file (default configs/default.yaml)
//
// Signal Handling:
//   run captures SIGINT and SIGTERM, stops the loop, waits for the running
//   tick, then shuts the servers down.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/digest-scheduler/internal/config"
	"github.com/ChuLiYu/digest-scheduler/internal/logging"
	"github.com/ChuLiYu/digest-scheduler/internal/schedule"
	"github.com/ChuLiYu/digest-scheduler/internal/server"
	"github.com/ChuLiYu/digest-scheduler/internal/snapshot"
	"github.com/ChuLiYu/digest-scheduler/internal/store"
	"github.com/ChuLiYu/digest-scheduler/pkg/types"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "digestd",
		Short: "digestd: saved-search digest scheduler",
		Long: `digestd periodically finds due saved-search subscriptions, queues a
digest job for each, runs the search and advances the schedule.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildTickCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildImportCommand())
	rootCmd.AddCommand(buildListCommand())

	return rootCmd
}

// loadConfig reads the config and builds the process logger from it.
func loadConfig(path string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	log := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Out: os.Stderr})
	return cfg, log, nil
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the digest scheduler",
		Long:  "Start the scheduler loop together with the admin API, metrics and status file writer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx)
		},
	}
}

func runDaemon(ctx context.Context) error {
	cfg, log, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	log.Info().Str("config", configFile).Str("store", cfg.Store.Driver).Msg("starting digestd")

	app, err := NewApp(ctx, cfg, configFile, log)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("digestd stopped")
	return nil
}

func buildTickCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run a single scheduler tick and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := NewApp(ctx, cfg, "", log)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.Scheduler.RunTick(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func buildEnqueueCommand() *cobra.Command {
	var (
		filePath string
		admin    string
		req      server.EnqueueRequest
		reason   string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue digest jobs on a running digestd",
		Long:  "Queue one job from flags, or a JSON array of jobs from --file, through the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobs []server.EnqueueRequest
			if filePath != "" {
				data, err := os.ReadFile(filePath)
				if err != nil {
					return fmt.Errorf("failed to read job file: %w", err)
				}
				if err := json.Unmarshal(data, &jobs); err != nil {
					return fmt.Errorf("failed to parse job file: %w", err)
				}
			} else {
				req.Reason = types.Reason(reason)
				jobs = append(jobs, req)
			}
			if admin == "" {
				cfg, _, err := loadConfig(configFile)
				if err != nil {
					return err
				}
				admin = adminURL(cfg.Admin.Addr)
			}
			return enqueueRemote(cmd.OutOrStdout(), newAdminClient(admin), jobs)
		},
	}

	cmd.Flags().StringVarP(&filePath, "file", "f", "", "JSON file with an array of jobs")
	cmd.Flags().StringVar(&admin, "admin", "", "admin API base URL (default derived from config)")
	cmd.Flags().Int64Var(&req.SubscriptionID, "subscription", 0, "subscription id")
	cmd.Flags().Int64Var(&req.UserID, "user", 0, "user id")
	cmd.Flags().StringVar(&reason, "reason", string(types.ReasonManual), "enqueue reason")

	return cmd
}

func enqueueRemote(out io.Writer, client *resty.Client, jobs []server.EnqueueRequest) error {
	failed := 0
	for _, job := range jobs {
		var (
			queued types.SubscriptionJob
			apiErr struct {
				Error string `json:"error"`
			}
		)
		resp, err := client.R().
			SetBody(job).
			SetResult(&queued).
			SetError(&apiErr).
			Post("/queue/jobs")
		if err != nil {
			return fmt.Errorf("admin API unreachable: %w", err)
		}
		if resp.IsError() {
			failed++
			fmt.Fprintf(out, "✗ subscription %d: %s (%d)\n", job.SubscriptionID, apiErr.Error, resp.StatusCode())
			continue
		}
		fmt.Fprintf(out, "✓ subscription %d queued as %s\n", queued.SubscriptionID, queued.ID)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs were rejected", failed, len(jobs))
	}
	return nil
}

func buildStatusCommand() *cobra.Command {
	var admin string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show scheduler status",
		Long:  "Display the last status written by digestd, or query a running instance with --admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if admin != "" {
				var st server.StatusResponse
				resp, err := newAdminClient(admin).R().SetResult(&st).Get("/status")
				if err != nil {
					return fmt.Errorf("admin API unreachable: %w", err)
				}
				if resp.IsError() {
					return fmt.Errorf("admin API returned %d", resp.StatusCode())
				}
				printStatus(out, "live "+admin, st.Worker, st.Quarantined)
				return nil
			}

			cfg, _, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			mgr := snapshot.NewManager(cfg.Status.Path)
			if !mgr.Exists() {
				fmt.Fprintf(out, "no status file at %s (run 'digestd run' to start)\n", mgr.GetPath())
				return nil
			}
			doc, err := mgr.Load()
			if err != nil {
				return err
			}
			printStatus(out, fmt.Sprintf("%s (pid %d, written %s)", mgr.GetPath(), doc.PID, doc.WrittenAt.Format(time.RFC3339)), doc.Worker, doc.Quarantined)
			return nil
		},
	}
	cmd.Flags().StringVar(&admin, "admin", "", "query a running instance at this admin API URL")
	return cmd
}

func printStatus(out io.Writer, source string, st types.WorkerStatus, quarantined []int64) {
	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║                 digestd Scheduler Status                  ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintf(out, "  Source:          %s\n", source)

	state := "stopped"
	if st.Running {
		state = "running"
	}
	fmt.Fprintf(out, "  Worker:          %s (interval %s)\n", state, st.Interval)
	fmt.Fprintf(out, "  Tick running:    %t\n", st.TickInProgress)
	fmt.Fprintf(out, "  Last run:        %s\n", formatTime(st.LastRunAt))
	fmt.Fprintf(out, "  Queue:           %d / %d\n", st.PendingJobs, st.MaxQueueSize)
	fmt.Fprintf(out, "  ├─ Oldest job:   %s\n", formatTime(st.OldestJobAt))
	fmt.Fprintf(out, "  └─ Newest job:   %s\n", formatTime(st.NewestJobAt))
	fmt.Fprintf(out, "  Quarantined:     %d\n", st.Quarantined)
	if len(quarantined) > 0 {
		ids := make([]string, len(quarantined))
		for i, id := range quarantined {
			ids[i] = fmt.Sprint(id)
		}
		fmt.Fprintf(out, "  └─ IDs:          %s\n", strings.Join(ids, ", "))
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func buildImportCommand() *cobra.Command {
	var filePath string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Upsert subscriptions from a JSON file",
		Long:  "Read a JSON array of subscriptions and upsert them into the configured store. Subscriptions without next_run_at are due immediately.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return fmt.Errorf("failed to read subscription file: %w", err)
			}
			var subs []types.Subscription
			if err := json.Unmarshal(data, &subs); err != nil {
				return fmt.Errorf("failed to parse subscription file: %w", err)
			}

			cfg, log, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), storeConfig(cfg), log)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := importSubscriptions(cmd.Context(), st, subs, time.Now())
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d subscriptions\n", n, len(subs))
			return err
		},
	}
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "JSON file with an array of subscriptions")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func importSubscriptions(ctx context.Context, st store.Store, subs []types.Subscription, now time.Time) (int, error) {
	for i, sub := range subs {
		sub.Frequency = schedule.ParseFrequency(string(sub.Frequency))
		sub.Category = types.Category(strings.ToLower(strings.TrimSpace(string(sub.Category))))
		if sub.NextRunAt == nil {
			at := now
			sub.NextRunAt = &at
		}
		if _, err := st.Upsert(ctx, sub); err != nil {
			return i, fmt.Errorf("subscription %d: %w", sub.ID, err)
		}
	}
	return len(subs), nil
}

func buildListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), storeConfig(cfg), log)
			if err != nil {
				return err
			}
			defer st.Close()

			subs, err := st.List(cmd.Context())
			if err != nil {
				return err
			}
			printSubscriptions(cmd.OutOrStdout(), subs)
			return nil
		},
	}
}

func printSubscriptions(out io.Writer, subs []types.Subscription) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tCATEGORY\tFREQUENCY\tNEXT RUN\tLAST TRIGGERED\tQUERY")
	for _, s := range subs {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.UserID, s.Category, s.Frequency, formatTime(s.NextRunAt), formatTime(s.LastTriggeredAt), s.Query)
	}
	_ = tw.Flush()
}

func newAdminClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json")
}

// adminURL turns a listen address such as ":8090" into a client URL.
func adminURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
