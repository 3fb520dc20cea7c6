package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/reviewly/dispatch/internal/core"
)

// CheckSuppression reports whether any entry blocks (businessID, contact,
// channel). One active match is enough; entries are append-only and never
// deleted, so the most recent reason is returned.
func (s *Store) CheckSuppression(ctx context.Context, businessID, contact string, ch core.Channel) (bool, core.SuppressionReason, error) {
	var reason core.SuppressionReason
	err := s.DB.QueryRow(ctx, `
		SELECT reason FROM suppressions
		WHERE business_id=$1 AND contact=$2 AND channel=$3
		ORDER BY created_at DESC LIMIT 1
	`, businessID, contact, ch).Scan(&reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, "", nil
		}
		return false, "", err
	}
	return true, reason, nil
}

func (s *Store) AddSuppression(ctx context.Context, e core.SuppressionEntry) error {
	return addSuppression(ctx, s.DB, e)
}

func addSuppression(ctx context.Context, q querier, e core.SuppressionEntry) error {
	_, err := q.Exec(ctx, `
		INSERT INTO suppressions(business_id, contact, channel, reason, source, notes)
		VALUES($1,$2,$3,$4,$5,$6)
	`, e.BusinessID, e.Contact, e.Channel, e.Reason, e.Source, e.Notes)
	return err
}

func (s *Store) ListSuppressions(ctx context.Context, businessID string, limit, offset int) ([]core.SuppressionEntry, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, business_id, contact, channel, reason, source, notes, created_at
		FROM suppressions WHERE business_id=$1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, businessID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.SuppressionEntry
	for rows.Next() {
		var e core.SuppressionEntry
		if err := rows.Scan(&e.ID, &e.BusinessID, &e.Contact, &e.Channel, &e.Reason, &e.Source, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
