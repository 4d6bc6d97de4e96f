package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/datallboy/godlm/internal/bench"
	"github.com/datallboy/godlm/internal/budget"
	"github.com/datallboy/godlm/internal/checksum"
	"github.com/datallboy/godlm/internal/config"
	"github.com/datallboy/godlm/internal/control"
	"github.com/datallboy/godlm/internal/domain"
	"github.com/datallboy/godlm/internal/har"
	"github.com/datallboy/godlm/internal/logger"
	"github.com/datallboy/godlm/internal/progress"
	"github.com/datallboy/godlm/internal/scheduler"
	"github.com/datallboy/godlm/internal/store"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "godlm",
	Short: "godlm is a high-throughput segmented HTTP/HTTPS download manager",
	Long:  `A concurrent, resumable segmented downloader with adaptive per-host tuning.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the config file (created with defaults if missing)")
	rootCmd.AddCommand(addCmd, runCmd, statusCmd, pauseCmd, resumeCmd, removeCmd, importHarCmd, benchCmd, checksumCmd)
}

func loadEnv() (*config.Config, *logger.Logger, *store.Store, error) {
	cfg, err := config.LoadOrInit(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open log: %w", err)
	}
	st, err := store.Open(cfg.Store.SQLitePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open job store: %w", err)
	}
	return cfg, log, st, nil
}

var addCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Add a new download job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, st, err := loadEnv()
		if err != nil {
			return err
		}
		defer st.Close()

		id, err := st.Add(cmd.Context(), args[0], domain.Settings{})
		if err != nil {
			return fmt.Errorf("add job: %w", err)
		}
		fmt.Printf("Added job %d for URL: %s\n", id, args[0])
		return nil
	},
}

var (
	runForceRestart bool
	runOverwrite    bool
	runJobs         int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler to process queued jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, st, err := loadEnv()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigChan
			fmt.Println("\ninterrupt received, shutting down gracefully...")
			cancel()
		}()

		registry := control.NewRegistry()
		go func() {
			if err := control.ListenAndServe(ctx, cfg.Control.SocketPath, registry, log); err != nil && ctx.Err() == nil {
				log.Warn("control socket stopped: %v", err)
			}
		}()

		sched := scheduler.New(st, cfg, registry, log, budget.New(uint64(cfg.Download.MaxTotalConnections)))
		if err := sched.LoadHostPolicySnapshot(); err != nil {
			log.Warn("could not load host policy snapshot: %v", err)
		}
		sched.OnProgress = func(jobID int64, stats progress.Stats) {
			fmt.Printf("\rjob %d: %s", jobID, stats.String())
		}

		recovered, err := sched.RecoverStrandedJobs(ctx)
		if err != nil {
			log.Warn("recover stranded jobs: %v", err)
		} else if recovered > 0 {
			log.Info("recovered %d job(s) from previous run", recovered)
		}

		maxConcurrent := runJobs
		if maxConcurrent <= 0 {
			maxConcurrent = cfg.Download.MaxConcurrentJobs
		}
		ran, runErr := sched.RunParallel(ctx, maxConcurrent, scheduler.RunOptions{ForceRestart: runForceRestart, Overwrite: runOverwrite || cfg.Download.Overwrite})

		if saveErr := sched.SaveHostPolicySnapshot(); saveErr != nil {
			log.Warn("could not save host policy snapshot: %v", saveErr)
		}

		if ran == 0 {
			fmt.Println("No queued jobs.")
		} else {
			fmt.Printf("\nran %d job(s)\n", ran)
		}
		return runErr
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show status of all jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, st, err := loadEnv()
		if err != nil {
			return err
		}
		defer st.Close()

		jobs, err := st.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs in database.")
			return nil
		}
		fmt.Printf("%-6s %-10s %-10s %s\n", "ID", "STATE", "SIZE", "URL")
		for _, j := range jobs {
			size := "-"
			if j.TotalSize != nil {
				size = fmt.Sprintf("%d", *j.TotalSize)
			}
			fmt.Printf("%-6d %-10s %-10s %s\n", j.ID, j.State, size, j.URL)
		}
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause a running or queued job by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, st, err := loadEnv()
		if err != nil {
			return err
		}
		defer st.Close()

		id, err := parseJobID(args[0])
		if err != nil {
			return err
		}
		if err := control.SendCommand(cfg.Control.SocketPath, "pause", id); err != nil {
			return fmt.Errorf("signal running process: %w", err)
		}
		if err := st.SetState(cmd.Context(), id, domain.StatePaused); err != nil {
			return fmt.Errorf("set job %d paused: %w", id, err)
		}
		fmt.Printf("Paused job %d\n", id)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused job by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, st, err := loadEnv()
		if err != nil {
			return err
		}
		defer st.Close()

		id, err := parseJobID(args[0])
		if err != nil {
			return err
		}
		if err := st.SetState(cmd.Context(), id, domain.StateQueued); err != nil {
			return fmt.Errorf("set job %d queued: %w", id, err)
		}
		fmt.Printf("Resumed job %d\n", id)
		return nil
	},
}

var removeDeleteFiles bool

var removeCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a job by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, st, err := loadEnv()
		if err != nil {
			return err
		}
		defer st.Close()

		id, err := parseJobID(args[0])
		if err != nil {
			return err
		}
		if removeDeleteFiles {
			job, getErr := st.Get(cmd.Context(), id)
			if getErr == nil {
				removeJobFiles(cfg, job)
			}
		}
		if err := st.Remove(cmd.Context(), id); err != nil {
			return fmt.Errorf("remove job %d: %w", id, err)
		}
		fmt.Printf("Removed job %d\n", id)
		return nil
	},
}

var importHarAllowCookies bool

var importHarCmd = &cobra.Command{
	Use:   "import-har <path>",
	Short: "Create a download job by resolving a HAR capture's redirect chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, st, err := loadEnv()
		if err != nil {
			return err
		}
		defer st.Close()

		spec, err := har.Resolve(args[0], importHarAllowCookies)
		if err != nil {
			return fmt.Errorf("resolve HAR file: %w", err)
		}
		settings := domain.Settings{}
		if len(spec.Headers) > 0 {
			settings.CustomHeaders = spec.Headers
		}
		id, err := st.Add(cmd.Context(), spec.URL, settings)
		if err != nil {
			return fmt.Errorf("add job: %w", err)
		}
		fmt.Printf("Added job %d for URL: %s\n", id, spec.URL)
		if importHarAllowCookies && len(settings.CustomHeaders) > 0 {
			fmt.Println("  (cookies included; stored with job)")
		}
		return nil
	},
}

var benchCmd = &cobra.Command{
	Use:   "bench <url>",
	Short: "Benchmark segment counts for a given URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadOrInit(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		results, err := bench.Run(cmd.Context(), args[0], nil, cfg, 0)
		if err != nil {
			return fmt.Errorf("bench: %w", err)
		}
		fmt.Printf("  %6s  %10s  %8s  %8s  %8s  %8s\n", "Segs", "Bytes", "Time(s)", "MiB/s", "Throttle", "Errors")
		fmt.Printf("  %s  %s  %s  %s  %s  %s\n", "------", "----------", "--------", "--------", "--------", "------")
		for _, r := range results {
			fmt.Printf("  %6d  %10d  %8.2f  %8.2f  %8d  %8d\n",
				r.SegmentCount, r.BytesDownloaded, r.ElapsedSecs, r.ThroughputMiBs, r.ThrottleEvents, r.ErrorEvents)
		}
		if rec, ok := bench.Recommend(results); ok {
			fmt.Printf("Recommended segment count: %d\n", rec)
		}
		return nil
	},
}

var checksumCmd = &cobra.Command{
	Use:   "checksum <path>",
	Short: "Compute the SHA-256 checksum of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		digest, err := checksum.SHA256File(args[0])
		if err != nil {
			return fmt.Errorf("checksum: %w", err)
		}
		fmt.Printf("%s  %s\n", digest, args[0])
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runForceRestart, "force-restart", false, "Discard progress and re-download if the remote file changed")
	runCmd.Flags().BoolVar(&runOverwrite, "overwrite", false, "Allow overwriting an existing final file")
	runCmd.Flags().IntVar(&runJobs, "jobs", 0, "Maximum number of jobs to run concurrently (default: config's max_concurrent_jobs)")
	removeCmd.Flags().BoolVar(&removeDeleteFiles, "delete-files", false, "Also delete the job's downloaded/partial files")
	importHarCmd.Flags().BoolVar(&importHarAllowCookies, "allow-cookies", false, "Persist cookies extracted from the HAR capture with the job")
}

func removeJobFiles(cfg *config.Config, job *domain.Job) {
	dir := cfg.Download.OutDir
	if job.Settings.DownloadDir != "" {
		dir = job.Settings.DownloadDir
	}
	if job.TempFilename != nil {
		_ = os.Remove(filepath.Join(dir, *job.TempFilename))
	}
	if job.FinalFilename != nil {
		_ = os.Remove(filepath.Join(dir, *job.FinalFilename))
	}
}

func parseJobID(raw string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid job id %q: %w", raw, err)
	}
	return id, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
