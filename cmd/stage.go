package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/gazette-cli/internal/model"
	"github.com/sells-group/gazette-cli/internal/stage"
)

// stageGate is the coordinator surface commands use.
type stageGate interface {
	TryStart(ctx context.Context, stage, runDate string) (stage.Decision, error)
	Complete(ctx context.Context, runID int64, summary map[string]any) error
	Fail(ctx context.Context, runID int64, errs []string) error
	Today() string
}

// runGated runs fn as name on runDate when the coordinator lets it start,
// recording the outcome on the stage run. It reports whether fn ran.
func runGated(ctx context.Context, gate stageGate, name, runDate string, fn func(context.Context) (map[string]any, error)) (bool, error) {
	if runDate == "" {
		runDate = gate.Today()
	}
	d, err := gate.TryStart(ctx, name, runDate)
	if err != nil {
		return false, err
	}
	if !d.CanProceed {
		zap.L().Info("stage not started",
			zap.String("stage", name),
			zap.String("run_date", runDate),
			zap.String("reason", d.Reason),
		)
		return false, nil
	}

	// The run row must leave running even when ctx was cancelled or fn
	// panicked; a running row is never reopened.
	fctx := context.WithoutCancel(ctx)
	fail := func(msg string) {
		if err := gate.Fail(fctx, d.RunID, []string{msg}); err != nil {
			zap.L().Error("record stage failure", zap.Int64("run_id", d.RunID), zap.Error(err))
		}
	}
	defer func() {
		if p := recover(); p != nil {
			fail(fmt.Sprintf("panic: %v", p))
			panic(p)
		}
	}()

	summary, runErr := fn(ctx)
	if runErr != nil {
		fail(runErr.Error())
		return true, runErr
	}
	return true, gate.Complete(fctx, d.RunID, summary)
}

var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Coordinate daily pipeline stages",
	Long:  "Scheduler interface to the stage coordinator: gate a stage on its dependencies, then record its outcome.",
}

var stageStartCmd = &cobra.Command{
	Use:   "start <stage>",
	Short: "Ask whether a stage may start, and claim it if so",
	Long:  "Prints the decision as JSON. Exits non-zero when the stage may not start.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initPipeline(cmd.Context(), "stage")
		if err != nil {
			return err
		}
		defer env.Close()

		runDate, _ := cmd.Flags().GetString("date")
		if runDate == "" {
			runDate = env.Stages.Today()
		}
		d, err := env.Stages.TryStart(cmd.Context(), args[0], runDate)
		if err != nil {
			return eris.Wrap(err, "stage start")
		}
		if err := writeJSON(os.Stdout, d); err != nil {
			return err
		}
		if !d.CanProceed {
			return eris.Errorf("stage %s refused for %s: %s", args[0], runDate, d.Reason)
		}
		return nil
	},
}

var stageCompleteCmd = &cobra.Command{
	Use:   "complete <run-id>",
	Short: "Mark a running stage completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRunID(args[0])
		if err != nil {
			return err
		}
		raw, _ := cmd.Flags().GetString("summary")
		summary, err := parseSummary(raw)
		if err != nil {
			return err
		}

		env, err := initPipeline(cmd.Context(), "stage")
		if err != nil {
			return err
		}
		defer env.Close()

		return eris.Wrap(env.Stages.Complete(cmd.Context(), id, summary), "stage complete")
	},
}

var stageFailCmd = &cobra.Command{
	Use:   "fail <run-id>",
	Short: "Mark a running stage failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRunID(args[0])
		if err != nil {
			return err
		}
		errs, _ := cmd.Flags().GetStringArray("error")
		if len(errs) == 0 {
			return eris.New("stage fail: at least one --error is required")
		}

		env, err := initPipeline(cmd.Context(), "stage")
		if err != nil {
			return err
		}
		defer env.Close()

		return eris.Wrap(env.Stages.Fail(cmd.Context(), id, errs), "stage fail")
	},
}

var stageStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List stage runs for a run date",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initPipeline(cmd.Context(), "stage")
		if err != nil {
			return err
		}
		defer env.Close()

		runDate, _ := cmd.Flags().GetString("date")
		if runDate == "" {
			runDate = env.Stages.Today()
		}
		runs, err := env.Stages.Status(cmd.Context(), runDate)
		if err != nil {
			return eris.Wrap(err, "stage status")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(os.Stdout, runs)
		}
		if len(runs) == 0 {
			fmt.Fprintf(os.Stderr, "No stage runs for %s.\n", runDate)
			return nil
		}
		formatStageRuns(os.Stdout, runs)
		return nil
	},
}

func init() {
	stageStartCmd.Flags().String("date", "", "run date YYYY-MM-DD (default: today in the coordinator time zone)")
	stageCompleteCmd.Flags().String("summary", "", "run summary as a JSON object")
	stageFailCmd.Flags().StringArray("error", nil, "error message (repeatable)")
	stageStatusCmd.Flags().String("date", "", "run date YYYY-MM-DD (default: today in the coordinator time zone)")
	stageStatusCmd.Flags().Bool("json", false, "print runs as JSON")

	stageCmd.AddCommand(stageStartCmd, stageCompleteCmd, stageFailCmd, stageStatusCmd)
	rootCmd.AddCommand(stageCmd)
}

func parseRunID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, eris.Errorf("invalid run id %q", s)
	}
	return id, nil
}

func parseSummary(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var summary map[string]any
	if err := json.Unmarshal([]byte(raw), &summary); err != nil {
		return nil, eris.Wrap(err, "parse --summary")
	}
	return summary, nil
}

// formatStageRuns writes a tabular view of stage runs to w.
func formatStageRuns(w io.Writer, runs []model.StageRun) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTAGE\tSTATUS\tSTARTED\tDURATION\tERRORS")
	for _, r := range runs {
		duration := "-"
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n",
			r.ID, r.Stage, r.Status,
			r.StartedAt.UTC().Format(time.RFC3339),
			duration, len(r.Errors),
		)
	}
	tw.Flush()
}
