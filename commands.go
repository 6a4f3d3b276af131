package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"slack-monthly-archiver/internal/archive"
	"slack-monthly-archiver/internal/checkpoint"
)

// monthProcessor is satisfied by *archive.Job and *archive.Runner.
type monthProcessor interface {
	ProcessNextMonth(ctx context.Context) (archive.Outcome, error)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Archive the next pending month",
	Long: `Fetches the month named by the checkpoint, writes it to its sheet and
advances the checkpoint. When every month up to the current one is done
the run is a no-op. A failed month is logged and leaves the checkpoint
untouched so the next run retries it; the command still exits 0. Only
configuration errors exit non-zero.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, logger, _, err := loadConfig()
		if logger != nil {
			defer logger.Sync() //nolint:errcheck
		}
		if err != nil {
			return err
		}

		a, err := buildApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		return runOnce(ctx, cmd.OutOrStdout(), a.job)
	},
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Create the checkpoint with default settings",
	Long: `Writes INCLUDE_THREAD_REPLIES=true and a watermark of 2024/4 for every
setting that is missing. Settings that already exist are left alone, so
running it again is harmless.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, logger, _, err := loadConfig()
		if logger != nil {
			defer logger.Sync() //nolint:errcheck
		}
		if err != nil {
			return err
		}

		a, err := buildApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		written, err := a.store.Bootstrap(ctx, checkpoint.DefaultSettings)
		if err != nil {
			return err
		}
		if len(written) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "checkpoint already initialized")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", strings.Join(written, ", "))
		return nil
	},
}

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Move the checkpoint back to 2024/4",
	Long: `Overwrites the watermark so that the next run starts again from
2024年4月. Sheets already written are not touched and will be rewritten
as the months come round again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := confirmReset(cmd.InOrStdin(), cmd.OutOrStdout(), term.IsTerminal(int(os.Stdin.Fd())), resetYes)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "aborted")
			return nil
		}

		ctx := cmd.Context()
		cfg, logger, _, err := loadConfig()
		if logger != nil {
			defer logger.Sync() //nolint:errcheck
		}
		if err != nil {
			return err
		}

		a, err := buildApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.job.ResetProcessedMonth(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "checkpoint reset to %s\n", archive.SheetName(checkpoint.DefaultWatermark))
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "reset without asking for confirmation")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(resetCmd)
}

// confirmReset asks on out and reads the answer from in. Without a
// terminal the reset only proceeds when yes is set.
func confirmReset(in io.Reader, out io.Writer, interactive, yes bool) (bool, error) {
	if yes {
		return true, nil
	}
	if !interactive {
		return false, errors.New("refusing to reset without --yes when stdin is not a terminal")
	}

	fmt.Fprintf(out, "Reset checkpoint to %s? [y/N]: ", archive.SheetName(checkpoint.DefaultWatermark))
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func describeOutcome(out archive.Outcome) string {
	switch out.Status {
	case archive.StatusSkipped:
		return fmt.Sprintf("nothing to do: next month %s is in the future", archive.SheetName(out.Month))
	case archive.StatusFailed:
		return fmt.Sprintf("%s failed: %v", archive.SheetName(out.Month), out.Err)
	default:
		s := fmt.Sprintf("%s written: %d threads, %d replies", archive.SheetName(out.Month), out.Threads, out.Replies)
		if out.Partial {
			s += " (partial)"
		}
		return s
	}
}

// runOnce processes one month and reports it on w. Only configuration
// errors are returned; a failed month has already been logged by the job.
func runOnce(ctx context.Context, w io.Writer, p monthProcessor) error {
	out, err := p.ProcessNextMonth(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, describeOutcome(out))
	return nil
}

// runLogged adapts a processor for the scheduler. A failed month is a
// normal return so the schedule keeps firing.
func runLogged(p monthProcessor, logger *zap.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		out, err := p.ProcessNextMonth(ctx)
		if err != nil {
			return err
		}
		fields := []zap.Field{zap.String("status", string(out.Status)), zap.Stringer("month", out.Month)}
		if out.Err != nil {
			fields = append(fields, zap.Error(out.Err))
		}
		logger.Info("scheduled run finished", fields...)
		return nil
	}
}
