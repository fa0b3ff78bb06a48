package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/gazette-cli/internal/model"
	"github.com/sells-group/gazette-cli/internal/parser"
	"github.com/sells-group/gazette-cli/internal/planner"
)

// document is one gazette file read from disk.
type document struct {
	ID    string
	Raw   []byte
	Class parser.ContentClass
}

// readDocument loads path. An empty class is inferred from the extension and
// an empty id from the file name.
func readDocument(path, id, class string) (*document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read document %s", path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	cc := parser.ContentClass(class)
	switch cc {
	case parser.ClassText, parser.ClassHTML:
	case "":
		cc = parser.ClassText
		if ext == ".html" || ext == ".htm" {
			cc = parser.ClassHTML
		}
	default:
		return nil, eris.Errorf("unknown content class %q (want text or html)", class)
	}

	return &document{ID: id, Raw: raw, Class: cc}, nil
}

func documentFlags(cmd *cobra.Command) (id, class string) {
	id, _ = cmd.Flags().GetString("document-id")
	class, _ = cmd.Flags().GetString("class")
	return id, class
}

func addDocumentFlags(cmd *cobra.Command) {
	cmd.Flags().String("document-id", "", "document id (default: file name without extension)")
	cmd.Flags().String("class", "", "content class: text or html (default: from extension)")
}

// parseDocument reads and parses path with the configured parser.
func parseDocument(cmd *cobra.Command, path string) (*document, *parser.Result, error) {
	id, class := documentFlags(cmd)
	doc, err := readDocument(path, id, class)
	if err != nil {
		return nil, nil, err
	}

	p, err := parser.New(cfg.Parser)
	if err != nil {
		return nil, nil, err
	}
	res, err := p.Parse(doc.Raw, doc.Class)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "parse %s", doc.ID)
	}
	return doc, res, nil
}

var parseCmd = &cobra.Command{
	Use:   "parse <file>",
	Short: "Parse a gazette document into its provision tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("parse"); err != nil {
			return err
		}
		doc, res, err := parseDocument(cmd, args[0])
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(os.Stdout, res)
		}
		formatParseResult(os.Stdout, doc.ID, res)
		return nil
	},
}

var planCmd = &cobra.Command{
	Use:   "plan <file>",
	Short: "Plan extraction jobs for a gazette document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("plan"); err != nil {
			return err
		}
		doc, res, err := parseDocument(cmd, args[0])
		if err != nil {
			return err
		}
		plan, err := planner.New(cfg.Planner).Plan(doc.ID, res)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(os.Stdout, plan)
		}
		formatPlan(os.Stdout, plan)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{parseCmd, planCmd} {
		addDocumentFlags(c)
		c.Flags().Bool("json", false, "print the full result as JSON")
		rootCmd.AddCommand(c)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode json")
}

// formatParseResult writes the parser identity, per-level counts and the
// top-level outline.
func formatParseResult(w io.Writer, documentID string, res *parser.Result) {
	fmt.Fprintf(w, "Document:  %s\n", documentID)
	fmt.Fprintf(w, "Parser:    %s %s (config %s)\n", res.Identity.ParserID, res.Identity.ParserVersion, res.Identity.ConfigHash)
	stats := res.Stats()
	fmt.Fprintf(w, "Nodes:     %d articles, %d paragraphs, %d points\n",
		stats[model.LevelArticle], stats[model.LevelParagraph], stats[model.LevelPoint])
	if len(res.Nodes) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tLABEL\tOFFSETS\tCHILDREN")
	for _, n := range res.Nodes {
		fmt.Fprintf(tw, "%s\t%s\t%d-%d\t%d\n", n.Path, n.Label, n.StartOffset, n.EndOffset, len(n.Children))
	}
	tw.Flush()
}

// formatPlan writes the job list and size histogram of a plan.
func formatPlan(w io.Writer, plan *planner.Plan) {
	s := plan.Summary
	fmt.Fprintf(w, "Document:  %s\n", plan.DocumentID)
	fmt.Fprintf(w, "Jobs:      %d (%d bytes total, largest %d)\n", s.JobCount, s.TotalBytes, s.MaxBytes)
	if len(plan.Jobs) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tPATH\tLEVEL\tBYTES")
	for _, j := range plan.Jobs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", j.Ordinal, j.NodePath, j.Level, j.SizeBytes)
	}
	tw.Flush()

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SIZE\tJOBS")
	for _, b := range s.Histogram {
		bound := fmt.Sprintf("<= %d", b.UpperBound)
		if b.UpperBound == 0 {
			bound = "larger"
		}
		fmt.Fprintf(tw, "%s\t%d\n", bound, b.Count)
	}
	tw.Flush()
}
