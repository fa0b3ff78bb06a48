package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/gazette-cli/internal/model"
	"github.com/sells-group/gazette-cli/internal/reasoning"
	"github.com/sells-group/gazette-cli/internal/sink"
)

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Answer a legal question with cited sources",
	Long: "Runs the reasoning pipeline for one question. With --format sse the event stream is " +
		"written to stdout as Server-Sent Events; otherwise only the answer and its citations are printed.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		format, _ := cmd.Flags().GetString("format")
		if format != "text" && format != "sse" {
			return eris.Errorf("unknown format %q (want text or sse)", format)
		}
		var asOf time.Time
		if s, _ := cmd.Flags().GetString("as-of"); s != "" {
			t, err := time.Parse(time.DateOnly, s)
			if err != nil {
				return eris.Wrap(err, "parse --as-of")
			}
			asOf = t
		}

		env, err := initPipeline(ctx, "query")
		if err != nil {
			return err
		}
		defer env.Close()

		requestID, _ := cmd.Flags().GetString("request-id")
		stream := env.Reasoning.Start(ctx, reasoning.Request{
			RequestID: requestID,
			Query:     args[0],
			Surface:   reasoning.SurfaceCLI,
			AsOf:      asOf,
		})

		log := zap.L().With(zap.String("request_id", stream.RequestID))
		sinks := []sink.Sink{sink.NewLogSink(log)}
		if format == "sse" {
			sinks = append(sinks, sink.NewSSESink(os.Stdout, stream.RequestID, 0))
		}
		if audit, _ := cmd.Flags().GetBool("audit"); audit {
			sinks = append(sinks, sink.NewAuditSink(env.Store, 0))
		}

		term, err := sink.NewDispatcher(0).Deliver(ctx, stream, sinks...)
		if err != nil {
			log.Error("query delivery failed", zap.Error(err))
		}
		if format == "text" {
			formatTerminal(os.Stdout, term)
		}
		return terminalError(term, err)
	},
}

// terminalError maps the run's terminal payload to the command's error.
// Delivery failures only surface when the run itself answered.
func terminalError(term model.Terminal, deliverErr error) error {
	e, ok := term.(*model.ErrorPayload)
	switch {
	case !ok:
		return deliverErr
	case e.Code == model.ErrCancelled:
		return eris.New("query cancelled")
	default:
		return eris.Errorf("query failed: %s", e.Code)
	}
}

func init() {
	queryCmd.Flags().String("format", "text", "output format: text or sse")
	queryCmd.Flags().String("as-of", "", "answer as of this date YYYY-MM-DD (default: date in the query, else today)")
	queryCmd.Flags().String("request-id", "", "request id (default: generated)")
	queryCmd.Flags().Bool("audit", false, "record the run in the audit log")
	rootCmd.AddCommand(queryCmd)
}

// formatTerminal writes an answer with numbered citations, or the error.
func formatTerminal(w io.Writer, t model.Terminal) {
	switch p := t.(type) {
	case *model.AnswerPayload:
		fmt.Fprintln(w, p.AnswerText)
		if len(p.Citations) == 0 {
			return
		}
		fmt.Fprintln(w)
		for i, c := range p.Citations {
			ref := c.Reference
			if ref == "" {
				ref = c.ID
			}
			line := fmt.Sprintf("[%d] %s, %s (%s)", i+1, c.Title, ref, c.Authority)
			if c.EffectiveFrom != nil {
				line += ", effective " + c.EffectiveFrom.Format(time.DateOnly)
			}
			fmt.Fprintln(w, line)
		}
	case *model.ErrorPayload:
		retry := ""
		if p.Retriable {
			retry = " (retriable)"
		}
		fmt.Fprintf(w, "Error %s%s: %s\n", p.Code, retry, p.Message)
	}
}
