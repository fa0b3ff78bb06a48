package store

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/gazette-cli/internal/db"
	"github.com/sells-group/gazette-cli/internal/model"
	"github.com/sells-group/gazette-cli/internal/reasoning"
)

// minTermRunes drops particles and single letters from the full-text query.
const minTermRunes = 3

const searchSources = `SELECT id, authority, title, reference, effective_from, confidence::float8, excerpt
	FROM gazette.source_cards
	WHERE jurisdiction = $1
	  AND (effective_from IS NULL OR effective_from <= $2::date)
	  AND (($3 <> '' AND search @@ to_tsquery('simple', $3)) OR reference ILIKE ANY ($4::text[]))
	ORDER BY CASE WHEN reference ILIKE ANY ($4::text[]) THEN 0 ELSE 1 END,
	         ts_rank(search, to_tsquery('simple', $3)) DESC,
	         confidence DESC, id
	LIMIT $5`

// SearchSources returns candidate source cards for a reasoning query. Cards
// whose reference matches an explicit citation in the query sort first.
func (s *PostgresStore) SearchSources(ctx context.Context, q reasoning.SourceQuery) ([]model.SourceCard, error) {
	terms := tsQuery(q.Text)
	patterns := make([]string, 0, len(q.References))
	for _, ref := range q.References {
		patterns = append(patterns, "%"+ref+"%")
	}
	if terms == "" && len(patterns) == 0 {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 32
	}

	rows, err := s.pool.Query(ctx, searchSources, q.Jurisdiction, q.AsOf, terms, patterns, limit)
	if err != nil {
		return nil, eris.Wrap(err, "store: search sources")
	}
	defer rows.Close()

	var cards []model.SourceCard
	for rows.Next() {
		card, err := scanSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan source card")
		}
		cards = append(cards, card)
	}
	return cards, eris.Wrap(rows.Err(), "store: search sources iterate")
}

func scanSource(row scannable) (model.SourceCard, error) {
	var (
		card      model.SourceCard
		authority string
		effective *time.Time
	)
	if err := row.Scan(&card.ID, &authority, &card.Title, &card.Reference, &effective, &card.Confidence, &card.Excerpt); err != nil {
		return card, err
	}
	card.Authority = model.Authority(authority)
	card.EffectiveFrom = effective
	return card, nil
}

// tsQuery turns free text into an OR-joined tsquery over its words.
func tsQuery(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(words))
	terms := make([]string, 0, len(words))
	for _, w := range words {
		if utf8.RuneCountInString(w) < minTermRunes || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return strings.Join(terms, " | ")
}

var sourceConfig = db.UpsertConfig{
	Table:        "gazette.source_cards",
	Columns:      []string{"id", "jurisdiction", "authority", "title", "reference", "effective_from", "confidence", "excerpt"},
	ConflictKeys: []string{"id"},
}

// SaveSources upserts source cards for one jurisdiction.
func (s *PostgresStore) SaveSources(ctx context.Context, jurisdiction string, cards []model.SourceCard) (int64, error) {
	if jurisdiction == "" {
		return 0, eris.New("store: save sources: jurisdiction is required")
	}
	rows := make([][]any, 0, len(cards))
	for _, c := range cards {
		rows = append(rows, []any{c.ID, jurisdiction, string(c.Authority), c.Title, c.Reference, c.EffectiveFrom, c.Confidence, c.Excerpt})
	}
	n, err := db.BulkUpsert(ctx, s.pool, sourceConfig, rows)
	return n, eris.Wrapf(err, "store: save %s sources", jurisdiction)
}
