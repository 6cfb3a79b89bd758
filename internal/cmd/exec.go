package cmd

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/willfong/workload-generator/internal/execjob"
	"github.com/willfong/workload-generator/internal/ui"
)

var execDuration time.Duration

// execCmd represents the exec command
var execCmd = &cobra.Command{
	Use:   "exec [flags] -- command [args...]",
	Short: "Run an external command as a supervised job",
	Long: `Run an external load tool as a job with the same lifecycle as a run.

The command's output is forwarded to the log line by line. When the
duration elapses or Ctrl+C is pressed the command receives SIGTERM and,
after exec.kill_grace, SIGKILL. The job succeeds only if the command exits
with status 0 on its own.

Example:
  workgen exec -- ./bench.sh --clients 50
  workgen exec --duration 5m -- sysbench oltp_read_write run`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	rootCmd.AddCommand(execCmd)

	execCmd.Flags().DurationVar(&execDuration, "duration", 0, "terminate the command after this long (0 = no limit)")
	execCmd.Flags().String("dir", "", "working directory for the command")
	bindFlag("exec.dir", execCmd.Flags().Lookup("dir"))
}

func runExec(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("duration") {
		cfg.Run.Duration = execDuration
	}
	if err := cfg.ValidateExec(); err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	u := newUI()

	fmt.Println(u.Header("Workload Job"))
	fmt.Println()
	fmt.Println(u.KeyValue("Command", strings.Join(args, " ")))
	fmt.Println(u.KeyValue("Duration", describeDuration(cfg.Run.Duration)))
	fmt.Println()

	job, err := execjob.New(cfg.ExecJob(args), log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := job.Run(ctx)
	if err != nil {
		fmt.Println(u.Error(err.Error()))
		return err
	}

	status := "success"
	switch {
	case res.Terminated:
		status = "stopped after " + res.Elapsed.Round(time.Millisecond).String()
	case res.Status == execjob.StatusExitedFailure:
		status = fmt.Sprintf("failed (exit %d)", res.ExitCode)
	}
	fmt.Println(u.SummaryBox("Job Complete", []ui.KV{
		{Key: "Status", Value: status},
		{Key: "Exit code", Value: fmt.Sprintf("%d", res.ExitCode)},
		{Key: "Elapsed", Value: res.Elapsed.Round(time.Millisecond).String()},
	}))

	if res.Status != execjob.StatusExitedSuccess && !res.Terminated {
		return fmt.Errorf("command exited with status %d", res.ExitCode)
	}
	return nil
}
