package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/reviewly/dispatch/internal/core"
)

const requestColumns = `id, business_id, customer_id, tracking_uuid, channel, subject,
	message_content, review_url, status, external_id, retry_count, error_message,
	created_at, scheduled_for, sent_at, delivered_at, clicked_at, completed_at, followup_sent_at`

func scanRequest(row pgx.Row) (core.ReviewRequest, error) {
	var r core.ReviewRequest
	err := row.Scan(&r.ID, &r.BusinessID, &r.CustomerID, &r.TrackingUUID, &r.Channel, &r.Subject,
		&r.MessageContent, &r.ReviewURL, &r.Status, &r.ExternalID, &r.RetryCount, &r.ErrorMessage,
		&r.CreatedAt, &r.ScheduledFor, &r.SentAt, &r.DeliveredAt, &r.ClickedAt, &r.CompletedAt, &r.FollowupSentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ReviewRequest{}, core.ErrNotFound
	}
	return r, err
}

type NewRequest struct {
	BusinessID     string
	CustomerID     string
	Channel        core.Channel
	Subject        *string
	MessageContent string
	ReviewURL      string
	ScheduledFor   *time.Time // nil means now
}

// CreateRequest inserts a QUEUED request with a fresh tracking UUID and writes
// the REQUEST_CREATED audit row in the same transaction. This is the single
// creation path used by the API and by the follow-up worker.
func (s *Store) CreateRequest(ctx context.Context, nr NewRequest) (core.ReviewRequest, error) {
	var req core.ReviewRequest
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tracking := uuid.NewString()
		row := tx.QueryRow(ctx, `
			INSERT INTO review_requests(business_id, customer_id, tracking_uuid, channel, subject,
				message_content, review_url, scheduled_for)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8)
			RETURNING `+requestColumns,
			nr.BusinessID, nr.CustomerID, tracking, nr.Channel, nr.Subject,
			nr.MessageContent, nr.ReviewURL, nr.ScheduledFor)
		var err error
		req, err = scanRequest(row)
		if err != nil {
			return err
		}
		return insertEvent(ctx, tx, core.Event{
			BusinessID:      req.BusinessID,
			ReviewRequestID: &req.ID,
			Type:            core.EventRequestCreated,
			Source:          "store",
			Description:     fmt.Sprintf("review request created on %s", req.Channel),
		})
	})
	return req, err
}

func (s *Store) GetRequest(ctx context.Context, id string) (core.ReviewRequest, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+requestColumns+` FROM review_requests WHERE id=$1`, id)
	return scanRequest(row)
}

// FindByExternalID matches a provider callback to a request by the provider
// message id recorded at send time.
func (s *Store) FindByExternalID(ctx context.Context, externalID string) (core.ReviewRequest, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+requestColumns+` FROM review_requests WHERE external_id=$1`, externalID)
	return scanRequest(row)
}

// FindLatestSMSByPhone locates the most recent SMS request for a phone number.
// Used to attribute inbound replies (STOP) that carry no provider message id.
func (s *Store) FindLatestSMSByPhone(ctx context.Context, phone string) (core.ReviewRequest, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+requestColumnsPrefixed("r")+`
		FROM review_requests r
		JOIN customers c ON c.id = r.customer_id
		WHERE c.phone=$1 AND r.channel='SMS'
		ORDER BY r.created_at DESC LIMIT 1
	`, phone)
	return scanRequest(row)
}

// FindRecentByEmail is the best-effort fallback for email provider events that
// carry no exact message id match: latest SENT/DELIVERED request to this email
// whose external id starts with the given prefix. Under concurrent campaigns
// to the same customer it can mis-attribute; callers log the match.
func (s *Store) FindRecentByEmail(ctx context.Context, email, externalIDPrefix string) (core.ReviewRequest, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+requestColumnsPrefixed("r")+`
		FROM review_requests r
		JOIN customers c ON c.id = r.customer_id
		WHERE c.email=$1 AND r.channel='EMAIL'
		  AND r.status IN ('SENT','DELIVERED')
		  AND ($2 = '' OR r.external_id LIKE $2 || '%')
		ORDER BY r.created_at DESC LIMIT 1
	`, email, externalIDPrefix)
	return scanRequest(row)
}

func requestColumnsPrefixed(alias string) string {
	return alias + `.id, ` + alias + `.business_id, ` + alias + `.customer_id, ` + alias + `.tracking_uuid, ` +
		alias + `.channel, ` + alias + `.subject, ` + alias + `.message_content, ` + alias + `.review_url, ` +
		alias + `.status, ` + alias + `.external_id, ` + alias + `.retry_count, ` + alias + `.error_message, ` +
		alias + `.created_at, ` + alias + `.scheduled_for, ` + alias + `.sent_at, ` + alias + `.delivered_at, ` +
		alias + `.clicked_at, ` + alias + `.completed_at, ` + alias + `.followup_sent_at`
}

// stampColumn maps a target status to the timestamp it sets. Timestamps are
// set once via COALESCE and never cleared.
func stampColumn(to core.Status) string {
	switch to {
	case core.StatusSent:
		return "sent_at"
	case core.StatusDelivered:
		return "delivered_at"
	case core.StatusClicked:
		return "clicked_at"
	case core.StatusCompleted:
		return "completed_at"
	case core.StatusFollowupSent:
		return "followup_sent_at"
	}
	return ""
}

// Advance moves a request forward in its state machine and writes the paired
// Event atomically. The UPDATE is guarded on the caller-observed status, so a
// concurrent writer that got there first makes this a no-op (applied=false)
// rather than a regression.
func (s *Store) Advance(ctx context.Context, req core.ReviewRequest, to core.Status, ev core.Event) (applied bool, err error) {
	if !core.CanTransition(req.Status, to) {
		return false, nil
	}
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		set := `status=$3`
		if col := stampColumn(to); col != "" {
			set += `, ` + col + `=COALESCE(` + col + `, now())`
		}
		tag, err := tx.Exec(ctx,
			`UPDATE review_requests SET `+set+` WHERE id=$1 AND status=$2`,
			req.ID, req.Status, to)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil // lost the race; skip the event too
		}
		applied = true
		ev.BusinessID = req.BusinessID
		ev.ReviewRequestID = &req.ID
		return insertEvent(ctx, tx, ev)
	})
	return applied, err
}

// AdvanceWithSuppression is Advance plus an appended suppression entry in the
// same transaction. Used by the webhook reconciler for opt-outs and bounces.
func (s *Store) AdvanceWithSuppression(ctx context.Context, req core.ReviewRequest, to core.Status, ev core.Event, sup core.SuppressionEntry) (applied bool, err error) {
	if !core.CanTransition(req.Status, to) {
		// The request already reached a terminal state, but the suppression
		// signal still stands on its own.
		return false, s.withTx(ctx, func(tx pgx.Tx) error {
			return addSuppression(ctx, tx, sup)
		})
	}
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		set := `status=$3`
		if col := stampColumn(to); col != "" {
			set += `, ` + col + `=COALESCE(` + col + `, now())`
		}
		tag, err := tx.Exec(ctx,
			`UPDATE review_requests SET `+set+` WHERE id=$1 AND status=$2`,
			req.ID, req.Status, to)
		if err != nil {
			return err
		}
		if err := addSuppression(ctx, tx, sup); err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		applied = true
		ev.BusinessID = req.BusinessID
		ev.ReviewRequestID = &req.ID
		return insertEvent(ctx, tx, ev)
	})
	return applied, err
}

// MarkSent records a successful gateway send: SENT status, provider message
// id, the credit ledger increment, and the REQUEST_SENT event as one atomic
// unit. The increment is guarded at the limit; if a concurrent sender took the
// last credit the whole transaction rolls back with ErrCreditLimitExceeded.
func (s *Store) MarkSent(ctx context.Context, req core.ReviewRequest, externalID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE review_requests
			SET status='SENT', external_id=$2, sent_at=COALESCE(sent_at, now()), error_message=NULL
			WHERE id=$1 AND status IN ('QUEUED','FAILED')
		`, req.ID, externalID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("request %s no longer sendable", req.ID)
		}
		consumed, err := consumeCredit(ctx, tx, req.BusinessID, req.Channel)
		if err != nil {
			return err
		}
		if !consumed {
			// Rolls back the SENT write: a request is only SENT if its credit
			// was taken. The caller's job error makes the queue retry once
			// credits free up, at the cost of a possible duplicate provider
			// send after this point.
			return fmt.Errorf("%w: %s", core.ErrCreditLimitExceeded, req.Channel)
		}
		return insertEvent(ctx, tx, core.Event{
			BusinessID:      req.BusinessID,
			ReviewRequestID: &req.ID,
			Type:            core.EventRequestSent,
			Source:          "send-worker",
			Description:     fmt.Sprintf("%s sent to provider", req.Channel),
			Metadata:        map[string]any{"external_id": externalID},
		})
	})
}

// MarkFailed records a send failure with its error message and ERROR_OCCURRED
// event. retry_count tracks how many delivery attempts the request has burned.
func (s *Store) MarkFailed(ctx context.Context, req core.ReviewRequest, errMsg string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE review_requests
			SET status='FAILED', error_message=$2, retry_count=retry_count+1
			WHERE id=$1 AND status IN ('QUEUED','FAILED')
		`, req.ID, errMsg)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		return insertEvent(ctx, tx, core.Event{
			BusinessID:      req.BusinessID,
			ReviewRequestID: &req.ID,
			Type:            core.EventErrorOccurred,
			Source:          "send-worker",
			Description:     errMsg,
		})
	})
}

// MarkFollowupSent stamps the original request after its follow-up was
// created. Guarded on followup_sent_at IS NULL so duplicate follow-up jobs
// cannot fire twice.
func (s *Store) MarkFollowupSent(ctx context.Context, req core.ReviewRequest, newRequestID, followupType string) (applied bool, err error) {
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE review_requests
			SET status='FOLLOWUP_SENT', followup_sent_at=now()
			WHERE id=$1 AND followup_sent_at IS NULL
			  AND status NOT IN ('COMPLETED','OPTED_OUT','BOUNCED')
		`, req.ID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		applied = true
		return insertEvent(ctx, tx, core.Event{
			BusinessID:      req.BusinessID,
			ReviewRequestID: &req.ID,
			Type:            core.EventFollowupSent,
			Source:          "followup-worker",
			Description:     fmt.Sprintf("%s follow-up created", followupType),
			Metadata:        map[string]any{"followup_request_id": newRequestID, "followup_type": followupType},
		})
	})
	return applied, err
}

// RequeueForRetry resets a permanently FAILED request to QUEUED so a fresh
// send job can pick it up. Manual remediation path.
func (s *Store) RequeueForRetry(ctx context.Context, id string) (core.ReviewRequest, error) {
	row := s.DB.QueryRow(ctx, `
		UPDATE review_requests SET status='QUEUED', error_message=NULL
		WHERE id=$1 AND status='FAILED'
		RETURNING `+requestColumns, id)
	return scanRequest(row)
}

// ListClickedBefore returns CLICKED requests whose click is older than the
// cutoff, oldest first, capped for batch processing by the monitor worker.
func (s *Store) ListClickedBefore(ctx context.Context, businessID string, cutoff time.Time, limit int) ([]core.ReviewRequest, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+requestColumns+` FROM review_requests
		WHERE business_id=$1 AND status='CLICKED' AND clicked_at <= $2
		ORDER BY clicked_at ASC LIMIT $3
	`, businessID, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (s *Store) ListRequests(ctx context.Context, businessID string, status *core.Status, limit, offset int) ([]core.ReviewRequest, error) {
	q := `SELECT ` + requestColumns + ` FROM review_requests WHERE business_id=$1`
	args := []any{businessID}
	if status != nil {
		q += ` AND status=$2`
		args = append(args, *status)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

func collectRequests(rows pgx.Rows) ([]core.ReviewRequest, error) {
	var out []core.ReviewRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
