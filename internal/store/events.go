package store

import (
	"context"
	"encoding/json"

	"github.com/reviewly/dispatch/internal/core"
)

func insertEvent(ctx context.Context, q querier, ev core.Event) error {
	meta := ev.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
		INSERT INTO events(business_id, review_request_id, type, source, description, metadata)
		VALUES($1,$2,$3,$4,$5,$6)
	`, ev.BusinessID, ev.ReviewRequestID, ev.Type, ev.Source, ev.Description, raw)
	return err
}

// AppendEvent writes a standalone audit record outside any status transition
// (e.g. an unmatched webhook or a business-level error).
func (s *Store) AppendEvent(ctx context.Context, ev core.Event) error {
	return insertEvent(ctx, s.DB, ev)
}

func (s *Store) ListEventsForRequest(ctx context.Context, requestID string) ([]core.Event, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, business_id, review_request_id, type, source, description, metadata, created_at
		FROM events WHERE review_request_id=$1 ORDER BY created_at
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Event
	for rows.Next() {
		var ev core.Event
		var raw []byte
		if err := rows.Scan(&ev.ID, &ev.BusinessID, &ev.ReviewRequestID, &ev.Type, &ev.Source, &ev.Description, &raw, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &ev.Metadata)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
