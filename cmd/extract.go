package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/gazette-cli/internal/extract"
	"github.com/sells-group/gazette-cli/internal/planner"
	"github.com/sells-group/gazette-cli/internal/resilience"
	"github.com/sells-group/gazette-cli/internal/stage"
)

// extractStage is the stage run an extraction records when --stage is set.
var extractStage = stage.Qualified(stage.Extraction.Name, "extract")

var extractCmd = &cobra.Command{
	Use:   "extract <file>",
	Short: "Parse, plan and extract facts from a gazette document",
	Long: "Parses the document, stores its provisions and extraction jobs, then runs every job " +
		"that has no facts yet through the provision extractor. Failed jobs are dead-lettered.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		doc, res, err := parseDocument(cmd, args[0])
		if err != nil {
			return err
		}
		plan, err := planner.New(cfg.Planner).Plan(doc.ID, res)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		var summary *extract.Summary
		run := func(ctx context.Context) (map[string]any, error) {
			if _, err := env.Store.SaveProvisions(ctx, doc.ID, res); err != nil {
				return nil, err
			}
			if _, err := env.Store.SaveJobs(ctx, plan.Jobs); err != nil {
				return nil, err
			}
			summary, err = env.Extract.RunDocument(ctx, plan)
			if err != nil {
				return nil, err
			}
			return summary.Map(), nil
		}

		if gated, _ := cmd.Flags().GetBool("stage"); gated {
			runDate, _ := cmd.Flags().GetString("date")
			ran, err := runGated(ctx, env.Stages, extractStage, runDate, run)
			if err != nil {
				return eris.Wrap(err, "extract")
			}
			if !ran {
				return nil
			}
		} else if _, err := run(ctx); err != nil {
			return eris.Wrap(err, "extract")
		}

		formatExtractSummary(os.Stdout, summary)
		return nil
	},
}

var extractRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry dead-lettered extraction jobs that are due",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		documentID, _ := cmd.Flags().GetString("document-id")
		errorType, _ := cmd.Flags().GetString("error-type")
		limit, _ := cmd.Flags().GetInt("limit")

		summary, err := env.Extract.RetryDeadLetters(ctx, resilience.DLQFilter{
			DocumentID: documentID,
			ErrorType:  errorType,
			Limit:      limit,
		})
		if err != nil {
			return eris.Wrap(err, "extract retry")
		}

		remaining, err := env.Store.CountDLQ(ctx)
		if err != nil {
			zap.L().Warn("count dead letters", zap.Error(err))
		}
		formatExtractSummary(os.Stdout, summary)
		fmt.Fprintf(os.Stdout, "Queued:        %d\n", remaining)
		return nil
	},
}

func init() {
	addDocumentFlags(extractCmd)
	extractCmd.Flags().Bool("stage", false, "gate on and record the extraction.extract stage run")
	extractCmd.Flags().String("date", "", "stage run date YYYY-MM-DD (default: today)")

	extractRetryCmd.Flags().String("document-id", "", "only retry jobs of this document")
	extractRetryCmd.Flags().String("error-type", "", "only retry jobs with this error type (transient or permanent)")
	extractRetryCmd.Flags().Int("limit", 100, "maximum number of jobs to retry")

	extractCmd.AddCommand(extractRetryCmd)
	rootCmd.AddCommand(extractCmd)
}

// formatExtractSummary writes the counters of an extraction run to w.
func formatExtractSummary(w io.Writer, s *extract.Summary) {
	if s == nil {
		return
	}
	if s.DocumentID != "" {
		fmt.Fprintf(w, "Document:      %s\n", s.DocumentID)
	}
	fmt.Fprintf(w, "Jobs:          %d\n", s.Jobs)
	fmt.Fprintf(w, "Skipped:       %d\n", s.Skipped)
	fmt.Fprintf(w, "Succeeded:     %d\n", s.Succeeded)
	fmt.Fprintf(w, "Invalid:       %d\n", s.InvalidOutput)
	fmt.Fprintf(w, "Failed:        %d\n", s.Failed)
	fmt.Fprintf(w, "Dead-lettered: %d\n", s.DeadLettered)
	fmt.Fprintf(w, "Facts:         %d\n", s.Facts)
	fmt.Fprintf(w, "Tokens:        %d in / %d out\n", s.InputTokens, s.OutputTokens)
}
