package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/reviewly/dispatch/internal/core"
)

type NewBusiness struct {
	Name              string
	FromEmail         string
	ReviewURL         string
	SMSCreditsLimit   int
	EmailCreditsLimit int
}

func (s *Store) CreateBusiness(ctx context.Context, nb NewBusiness) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
		INSERT INTO businesses(name, from_email, review_url, sms_credits_limit, email_credits_limit)
		VALUES($1,$2,$3,$4,$5)
		RETURNING id
	`, nb.Name, nb.FromEmail, nb.ReviewURL, nb.SMSCreditsLimit, nb.EmailCreditsLimit).Scan(&id)
	return id, err
}

func (s *Store) GetBusiness(ctx context.Context, id string) (core.Business, error) {
	var b core.Business
	err := s.DB.QueryRow(ctx, `
		SELECT id, name, active, from_email, review_url,
		       sms_credits_used, sms_credits_limit, email_credits_used, email_credits_limit, created_at
		FROM businesses WHERE id=$1
	`, id).Scan(&b.ID, &b.Name, &b.Active, &b.FromEmail, &b.ReviewURL,
		&b.SMSCreditsUsed, &b.SMSCreditsLimit, &b.EmailCreditsUsed, &b.EmailCreditsLimit, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Business{}, core.ErrNotFound
	}
	return b, err
}

// ListActiveBusinessIDs feeds the monitor sweep scheduler.
func (s *Store) ListActiveBusinessIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.Query(ctx, `SELECT id FROM businesses WHERE active`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) SetBusinessActive(ctx context.Context, id string, active bool) error {
	_, err := s.DB.Exec(ctx, `UPDATE businesses SET active=$2 WHERE id=$1`, id, active)
	return err
}

// consumeCredit increments the channel's used counter, guarded so the ledger
// can never exceed its limit even under concurrent senders. Returns false when
// the guard rejected the increment.
func consumeCredit(ctx context.Context, q querier, businessID string, ch core.Channel) (bool, error) {
	var sql string
	switch ch {
	case core.ChannelSMS:
		sql = `UPDATE businesses SET sms_credits_used = sms_credits_used + 1
		       WHERE id=$1 AND sms_credits_used < sms_credits_limit`
	case core.ChannelEmail:
		sql = `UPDATE businesses SET email_credits_used = email_credits_used + 1
		       WHERE id=$1 AND email_credits_used < email_credits_limit`
	default:
		return false, fmt.Errorf("unknown channel %q", ch)
	}
	tag, err := q.Exec(ctx, sql, businessID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
