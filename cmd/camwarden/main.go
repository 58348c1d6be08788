package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/camwarden/internal/config"
	"github.com/loykin/camwarden/internal/diskguard"
	"github.com/loykin/camwarden/internal/supervisor"
)

// Exit codes
const (
	exitOK       = 0
	exitFailure  = 1
	exitCritical = 2
	exitConfig   = 3
)

func main() {
	root := buildRoot()
	err := root.Execute()
	if err != nil && !isSilent(err) {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode(err))
}

// exitError carries an exit code without an error message, for commands
// whose result itself is the exit status (disk check).
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func isSilent(err error) bool {
	var ee *exitError
	return errors.As(err, &ee)
}

func exitCode(err error) int {
	var ee *exitError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &ee):
		return ee.code
	case config.IsValidationError(err):
		return exitConfig
	case errors.Is(err, diskguard.ErrResourceExhausted), errors.Is(err, supervisor.ErrFatal):
		return exitCritical
	}
	return exitFailure
}

// buildRoot creates the root command and every verb.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{global: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createStartCommand(c, &StartFlags{}),
		createStopCommand(c, &StopFlags{}),
		createRestartCommand(c, &StartFlags{}, &StopFlags{}),
		createStatusCommand(c, &StatusFlags{}),
		createCaptureCommand(c, &CaptureFlags{}),
		createDiskCommand(c),
		createUploadCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "camwarden",
		Short: "Unattended camera capture controller",
		Long: `camwarden supervises time-windowed capture and processing workloads,
records RTSP cameras into fixed-length segments, keeps the disk from filling
and delivers finished segments to remote storage.

Examples:
  camwarden start --config camwarden.toml
  camwarden status -o json
  camwarden disk check --cleanup --dry-run
  camwarden upload sync`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "camwarden.toml", "path to TOML config file")
	return root
}

func createStartCommand(c command, f *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon",
		Long: `Start the supervisor. Without --foreground the daemon detaches into
its own session and logs to the configured log directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(*f)
		},
	}
	cmd.Flags().BoolVar(&f.Foreground, "foreground", false, "run in the foreground and log to stderr")
	cmd.Flags().DurationVar(&f.Wait, "wait", 5*time.Second, "how long to wait for a detached daemon to come up")
	return cmd
}

func createStopCommand(c command, f *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(*f)
		},
	}
	cmd.Flags().DurationVar(&f.Timeout, "timeout", time.Minute, "how long to wait for the daemon to exit")
	return cmd
}

func createRestartCommand(c command, sf *StartFlags, stf *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop the daemon if running, then start it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.Stop(*stf); err != nil {
				return err
			}
			return c.Start(*sf)
		},
	}
	cmd.Flags().BoolVar(&sf.Foreground, "foreground", false, "run in the foreground after restart")
	cmd.Flags().DurationVar(&sf.Wait, "wait", 5*time.Second, "how long to wait for a detached daemon to come up")
	cmd.Flags().DurationVar(&stf.Timeout, "timeout", time.Minute, "how long to wait for the old daemon to exit")
	return cmd
}

func createStatusCommand(c command, f *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workload, disk and upload status",
		Long: `Show the running daemon's status. When the daemon API is unreachable the
PID file and the local tracking store are read instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().StringVarP(&f.Output, "output", "o", "text", "output format: text|json|yaml")
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon API URL (default from [server].listen)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 5*time.Second, "request timeout")
	return cmd
}

func createCaptureCommand(c command, f *CaptureFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Record cameras in the foreground",
		Long: `Record every enabled camera (or one with --camera) until interrupted or
until --until passes. The supervisor runs this verb as the capture workload.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Capture(*f)
		},
	}
	cmd.Flags().StringVar(&f.Camera, "camera", "", "record only this camera id")
	cmd.Flags().StringVar(&f.Until, "until", "", "stop at this RFC3339 time")
	return cmd
}

func createDiskCommand(c command) *cobra.Command {
	disk := &cobra.Command{
		Use:   "disk",
		Short: "Inspect and reclaim capture disk space",
	}
	cf := &DiskCheckFlags{}
	check := &cobra.Command{
		Use:   "check",
		Short: "Classify free space as HEALTHY, LOW or CRITICAL",
		Long: `Exit status is 0 for HEALTHY, 1 for LOW and 2 for CRITICAL. With
--cleanup a LOW or CRITICAL volume is cleaned toward the minimum first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cf.MinFreeSet = cmd.Flags().Changed("min-free-gb")
			return c.DiskCheck(cmd.OutOrStdout(), *cf)
		},
	}
	check.Flags().BoolVar(&cf.Cleanup, "cleanup", false, "delete old data when space is low")
	check.Flags().BoolVar(&cf.DryRun, "dry-run", false, "report what cleanup would delete")
	check.Flags().Float64Var(&cf.MinFreeGB, "min-free-gb", 0, "minimum free space (default from [disk].min_free_gb)")
	check.Flags().StringVarP(&cf.Output, "output", "o", "text", "output format: text|json|yaml")

	kf := &DiskCleanupFlags{}
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete the oldest unprotected days until the target is free",
		RunE: func(cmd *cobra.Command, args []string) error {
			kf.TargetSet = cmd.Flags().Changed("target-gb")
			return c.DiskCleanup(cmd.OutOrStdout(), *kf)
		},
	}
	cleanup.Flags().Float64Var(&kf.TargetGB, "target-gb", 0, "free space target (default from [disk].min_free_gb)")
	cleanup.Flags().BoolVar(&kf.DryRun, "dry-run", false, "report what would be deleted")
	disk.AddCommand(check, cleanup)
	return disk
}

func createUploadCommand(c command) *cobra.Command {
	up := &cobra.Command{
		Use:   "upload",
		Short: "Manage the durable upload queue",
	}
	sf := &UploadFlags{}
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Run one retry pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.UploadSync(cmd.OutOrStdout(), *sf)
		},
	}
	sync.Flags().StringVar(&sf.APIUrl, "api-url", "", "daemon API URL (default from [server].listen)")
	sync.Flags().DurationVar(&sf.APITimeout, "api-timeout", 10*time.Minute, "request timeout")
	sync.Flags().BoolVar(&sf.Local, "local", false, "run the pass in this process even if the daemon is up")

	of := &UploadFlags{}
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print artifact counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.UploadStats(cmd.OutOrStdout(), *of)
		},
	}
	stats.Flags().StringVarP(&of.Output, "output", "o", "text", "output format: text|json|yaml")

	resync := &cobra.Command{
		Use:   "resync",
		Short: "Return FAILED_PERMANENT artifacts to PENDING",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.UploadResync(cmd.OutOrStdout())
		},
	}
	backfill := &cobra.Command{
		Use:   "backfill",
		Short: "Queue finalized segments on disk that have no tracking row",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.UploadBackfill(cmd.OutOrStdout())
		},
	}

	pf := &UploadFlags{}
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Drop tracking rows of artifacts delivered more than --days ago",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.UploadPrune(cmd.OutOrStdout(), *pf)
		},
	}
	prune.Flags().IntVar(&pf.Days, "days", 0, "age in days (default from [upload].prune_success_days)")
	up.AddCommand(sync, stats, resync, backfill, prune)
	return up
}
