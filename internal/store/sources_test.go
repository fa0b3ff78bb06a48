package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/gazette-cli/internal/model"
	"github.com/sells-group/gazette-cli/internal/reasoning"
)

func TestPostgresStore_SearchSources(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	asOf := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	eff := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM gazette.source_cards\s+WHERE jurisdiction = \$1`).
		WithArgs("HR", asOf, "stopa | pdv | ugostiteljske | usluge", []string{"%čl. 38%"}, 32).
		WillReturnRows(pgxmock.NewRows([]string{"id", "authority", "title", "reference", "effective_from", "confidence", "excerpt"}).
			AddRow("l1", "LAW", "Zakon o PDV-u", "NN 73/13, čl. 38", &eff, 0.5, "Stopa iznosi 25%.").
			AddRow("g1", "GUIDANCE", "Mišljenje", "", (*time.Time)(nil), 0.9, ""))

	cards, err := s.SearchSources(context.Background(), reasoning.SourceQuery{
		Text:         "Stopa PDV za ugostiteljske usluge, čl. 38?",
		Jurisdiction: "HR",
		AsOf:         asOf,
		References:   []string{"čl. 38"},
	})
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.Equal(t, model.AuthorityLaw, cards[0].Authority)
	assert.Equal(t, eff, *cards[0].EffectiveFrom)
	assert.Nil(t, cards[1].EffectiveFrom)
	assert.Equal(t, 0.9, cards[1].Confidence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SearchSources_NothingToSearch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cards, err := s.SearchSources(context.Background(), reasoning.SourceQuery{Text: "i u ?", Jurisdiction: "HR"})
	require.NoError(t, err)
	assert.Empty(t, cards)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SearchSources_QueryError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM gazette.source_cards`).WillReturnError(errors.New("timeout"))

	_, err := s.SearchSources(context.Background(), reasoning.SourceQuery{Text: "porez na dobit", Limit: 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store: search sources")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTSQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Stopa PDV-a za 2025.", "stopa | pdv | 2025"},
		{"porez porez POREZ", "porez"},
		{"Koji je rok za prijavu poreza na dohodak?", "koji | rok | prijavu | poreza | dohodak"},
		{"", ""},
		{"a i u", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, tsQuery(tt.in))
		})
	}
}

func TestPostgresStore_SaveSources(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	from := time.Date(2013, 7, 1, 0, 0, 0, 0, time.UTC)
	cards := []model.SourceCard{
		{ID: "zor-5", Authority: model.AuthorityLaw, Title: "Zakon o radu", Reference: "NN 93/14, čl. 5", EffectiveFrom: &from, Confidence: 0.9},
		{ID: "uputa-1", Authority: model.AuthorityGuidance, Title: "Uputa", Confidence: 0.6},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_gazette_source_cards"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_gazette_source_cards"}, sourceConfig.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "gazette"."source_cards" .* ON CONFLICT \("id"\) DO UPDATE`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.SaveSources(context.Background(), "HR", cards)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveSources_RequiresJurisdiction(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	_, err := s.SaveSources(context.Background(), "", []model.SourceCard{{ID: "x"}})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
