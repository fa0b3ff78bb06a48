package store

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/gazette-cli/internal/db"
	"github.com/sells-group/gazette-cli/internal/model"
)

// AppendEvents records reasoning events in one transaction. Replayed events
// (same request and seq) are ignored.
func (s *PostgresStore) AppendEvents(ctx context.Context, events []model.ReasoningEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "store: append events: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return eris.Wrapf(err, "store: marshal event %s:%d", ev.RequestID, ev.Seq)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO gazette.reasoning_events (id, request_id, seq, stage, status, severity, payload, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
			 ON CONFLICT (request_id, seq) DO NOTHING`,
			ev.ID, ev.RequestID, ev.Seq, string(ev.Stage), string(ev.Status), string(ev.Severity), payload, ev.Timestamp,
		); err != nil {
			return eris.Wrapf(err, "store: insert event %s:%d", ev.RequestID, ev.Seq)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "store: append events: commit")
}

// RecordTerminal stores the single terminal payload of a request. A second
// terminal for the same request is ignored.
func (s *PostgresStore) RecordTerminal(ctx context.Context, requestID string, t model.Terminal) error {
	if t == nil {
		return eris.Errorf("store: nil terminal for %s", requestID)
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return eris.Wrapf(err, "store: marshal terminal %s", requestID)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO gazette.reasoning_results (request_id, outcome, payload)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (request_id) DO NOTHING`,
		requestID, string(t.Outcome()), payload,
	)
	return eris.Wrapf(err, "store: record terminal %s", requestID)
}

// GetTerminal returns the stored terminal payload for a request, or nil when
// the request never finished.
func (s *PostgresStore) GetTerminal(ctx context.Context, requestID string) (model.Terminal, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM gazette.reasoning_results WHERE request_id = $1`,
		requestID,
	).Scan(&payload)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "store: get terminal %s", requestID)
	}
	t, err := model.DecodeTerminal(payload)
	return t, eris.Wrapf(err, "store: decode terminal %s", requestID)
}

// ListEvents returns the recorded events of a request in seq order.
func (s *PostgresStore) ListEvents(ctx context.Context, requestID string) ([]model.ReasoningEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM gazette.reasoning_events WHERE request_id = $1 ORDER BY seq`,
		requestID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "store: list events %s", requestID)
	}
	defer rows.Close()

	var events []model.ReasoningEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "store: scan event")
		}
		var ev model.ReasoningEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, eris.Wrap(err, "store: decode event")
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "store: list events iterate")
}
