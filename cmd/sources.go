package main

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/gazette-cli/internal/model"
)

// sourceFile is the YAML layout of a source card bundle.
type sourceFile struct {
	Jurisdiction string        `yaml:"jurisdiction"`
	Sources      []sourceEntry `yaml:"sources"`
}

type sourceEntry struct {
	ID            string  `yaml:"id"`
	Authority     string  `yaml:"authority"`
	Title         string  `yaml:"title"`
	Reference     string  `yaml:"reference"`
	EffectiveFrom string  `yaml:"effective_from"`
	Confidence    float64 `yaml:"confidence"`
	Excerpt       string  `yaml:"excerpt"`
}

// loadSourceFile reads and validates a bundle. An empty jurisdiction falls
// back to def.
func loadSourceFile(path, def string) (string, []model.SourceCard, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, eris.Wrapf(err, "read sources %s", path)
	}
	var f sourceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return "", nil, eris.Wrapf(err, "parse sources %s", path)
	}
	if f.Jurisdiction == "" {
		f.Jurisdiction = def
	}

	seen := make(map[string]bool, len(f.Sources))
	cards := make([]model.SourceCard, 0, len(f.Sources))
	for i, e := range f.Sources {
		if e.ID == "" {
			return "", nil, eris.Errorf("sources[%d]: id is required", i)
		}
		if seen[e.ID] {
			return "", nil, eris.Errorf("sources[%d]: duplicate id %q", i, e.ID)
		}
		seen[e.ID] = true
		if e.Confidence < 0 || e.Confidence > 1 {
			return "", nil, eris.Errorf("sources[%d] %s: confidence must be between 0 and 1", i, e.ID)
		}

		card := model.SourceCard{
			ID:         e.ID,
			Authority:  model.Authority(e.Authority),
			Title:      e.Title,
			Reference:  e.Reference,
			Confidence: e.Confidence,
			Excerpt:    e.Excerpt,
		}
		if e.EffectiveFrom != "" {
			t, err := time.Parse(time.DateOnly, e.EffectiveFrom)
			if err != nil {
				return "", nil, eris.Wrapf(err, "sources[%d] %s: effective_from", i, e.ID)
			}
			card.EffectiveFrom = &t
		}
		if card.Authority.Rank() == model.Authority("").Rank() {
			zap.L().Warn("source authority not recognized, it will rank last",
				zap.String("id", e.ID), zap.String("authority", e.Authority))
		}
		cards = append(cards, card)
	}
	return f.Jurisdiction, cards, nil
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage the source cards queries cite",
}

var sourcesLoadCmd = &cobra.Command{
	Use:   "load <file.yaml>",
	Short: "Upsert source cards from a YAML bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jurisdiction, cards, err := loadSourceFile(args[0], cfg.Reasoning.Jurisdiction)
		if err != nil {
			return err
		}

		env, err := initPipeline(cmd.Context(), "sources")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Store.SaveSources(cmd.Context(), jurisdiction, cards)
		if err != nil {
			return err
		}
		zap.L().Info("sources loaded",
			zap.String("jurisdiction", jurisdiction),
			zap.Int("cards", len(cards)),
			zap.Int64("upserted", n),
		)
		return nil
	},
}

func init() {
	sourcesCmd.AddCommand(sourcesLoadCmd)
	rootCmd.AddCommand(sourcesCmd)
}
