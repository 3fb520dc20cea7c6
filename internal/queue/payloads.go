package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Typed payloads, one per queue. Handlers decode exactly one shape instead of
// trusting an untyped map.

type SendRequestPayload struct {
	RequestID  string `json:"request_id"`
	RetryCount int    `json:"retry_count"`
}

type FollowupType string

const (
	FollowupFirst  FollowupType = "first"
	FollowupSecond FollowupType = "second"
	FollowupFinal  FollowupType = "final"
)

type FollowupPayload struct {
	RequestID    string       `json:"request_id"`
	FollowupType FollowupType `json:"followup_type"`
}

type MonitorPayload struct {
	BusinessID string `json:"business_id"`
}

// WebhookSource tags which provider produced a webhook payload.
type WebhookSource string

const (
	SourceTwilio   WebhookSource = "twilio"
	SourceSendGrid WebhookSource = "sendgrid"
)

// TwilioWebhook is a deserialized Twilio status callback or inbound reply.
type TwilioWebhook struct {
	MessageSID    string `json:"message_sid"`
	MessageStatus string `json:"message_status"`
	ErrorCode     string `json:"error_code,omitempty"`
	From          string `json:"from"`
	To            string `json:"to"`
	Body          string `json:"body,omitempty"`
}

// SendGridEvent is one entry of a SendGrid event-webhook batch.
type SendGridEvent struct {
	Email       string `json:"email"`
	Event       string `json:"event"`
	SGMessageID string `json:"sg_message_id"`
	URL         string `json:"url,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// WebhookPayload is the process-webhook envelope: exactly one of Twilio or
// SendGrid is set, selected by Source.
type WebhookPayload struct {
	Source     WebhookSource   `json:"source"`
	ReceivedAt time.Time       `json:"received_at"`
	Twilio     *TwilioWebhook  `json:"twilio,omitempty"`
	SendGrid   []SendGridEvent `json:"sendgrid,omitempty"`
}

// Validate rejects envelopes whose tag and body disagree.
func (p WebhookPayload) Validate() error {
	switch p.Source {
	case SourceTwilio:
		if p.Twilio == nil {
			return fmt.Errorf("twilio webhook payload missing body")
		}
	case SourceSendGrid:
		if len(p.SendGrid) == 0 {
			return fmt.Errorf("sendgrid webhook payload missing events")
		}
	default:
		return fmt.Errorf("unknown webhook source %q", p.Source)
	}
	return nil
}

// DecodePayload unmarshals raw into the payload type for the given queue.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}
