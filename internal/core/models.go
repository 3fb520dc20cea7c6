package core

import (
	"time"
)

// Channel is the delivery medium for a review request.
type Channel string

const (
	ChannelSMS   Channel = "SMS"
	ChannelEmail Channel = "EMAIL"
)

// Status is the lifecycle state of a ReviewRequest.
type Status string

const (
	StatusQueued       Status = "QUEUED"
	StatusSent         Status = "SENT"
	StatusDelivered    Status = "DELIVERED"
	StatusClicked      Status = "CLICKED"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusBounced      Status = "BOUNCED"
	StatusOptedOut     Status = "OPTED_OUT"
	StatusFollowupSent Status = "FOLLOWUP_SENT"
)

// SuppressionReason enumerates why a contact was suppressed.
type SuppressionReason string

const (
	ReasonSMSStop            SuppressionReason = "SMS_STOP"
	ReasonEmailUnsubscribe   SuppressionReason = "EMAIL_UNSUBSCRIBE"
	ReasonEmailBounce        SuppressionReason = "EMAIL_BOUNCE"
	ReasonEmailSpamComplaint SuppressionReason = "EMAIL_SPAM_COMPLAINT"
	ReasonUserRequest        SuppressionReason = "USER_REQUEST"
)

// EventType enumerates audit event kinds.
type EventType string

const (
	EventRequestCreated   EventType = "REQUEST_CREATED"
	EventRequestSent      EventType = "REQUEST_SENT"
	EventRequestOptedOut  EventType = "REQUEST_OPTED_OUT"
	EventWebhookReceived  EventType = "WEBHOOK_RECEIVED"
	EventFollowupSent     EventType = "FOLLOWUP_SENT"
	EventRequestCompleted EventType = "REQUEST_COMPLETED"
	EventErrorOccurred    EventType = "ERROR_OCCURRED"
)

// ReviewRequest is one send attempt toward a customer.
type ReviewRequest struct {
	ID             string     `json:"id"`
	BusinessID     string     `json:"business_id"`
	CustomerID     string     `json:"customer_id"`
	TrackingUUID   string     `json:"tracking_uuid"`
	Channel        Channel    `json:"channel"`
	Subject        *string    `json:"subject,omitempty"`
	MessageContent string     `json:"message_content"`
	ReviewURL      string     `json:"review_url"`
	Status         Status     `json:"status"`
	ExternalID     *string    `json:"external_id,omitempty"`
	RetryCount     int        `json:"retry_count"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ScheduledFor   *time.Time `json:"scheduled_for,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	ClickedAt      *time.Time `json:"clicked_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	FollowupSentAt *time.Time `json:"followup_sent_at,omitempty"`
}

// Business carries the per-tenant send-credit ledger.
type Business struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Active            bool      `json:"active"`
	FromEmail         string    `json:"from_email"`
	ReviewURL         string    `json:"review_url"`
	SMSCreditsUsed    int       `json:"sms_credits_used"`
	SMSCreditsLimit   int       `json:"sms_credits_limit"`
	EmailCreditsUsed  int       `json:"email_credits_used"`
	EmailCreditsLimit int       `json:"email_credits_limit"`
	CreatedAt         time.Time `json:"created_at"`
}

// CreditsFor returns the ledger counters for the given channel.
func (b Business) CreditsFor(ch Channel) (used, limit int) {
	if ch == ChannelSMS {
		return b.SMSCreditsUsed, b.SMSCreditsLimit
	}
	return b.EmailCreditsUsed, b.EmailCreditsLimit
}

type Customer struct {
	ID         string    `json:"id"`
	BusinessID string    `json:"business_id"`
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	Phone      *string   `json:"phone,omitempty"`
	Email      *string   `json:"email,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Contact returns the customer's address for the given channel, or "" when absent.
func (c Customer) Contact(ch Channel) string {
	if ch == ChannelSMS {
		if c.Phone != nil {
			return *c.Phone
		}
		return ""
	}
	if c.Email != nil {
		return *c.Email
	}
	return ""
}

// SuppressionEntry is an append-only block on a (contact, channel) pair.
type SuppressionEntry struct {
	ID         string            `json:"id"`
	BusinessID string            `json:"business_id"`
	Contact    string            `json:"contact"`
	Channel    Channel           `json:"channel"`
	Reason     SuppressionReason `json:"reason"`
	Source     string            `json:"source"`
	Notes      *string           `json:"notes,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Event is an immutable audit record. Exactly one Event is written per status
// transition, in the same transaction as the transition itself.
type Event struct {
	ID              string         `json:"id"`
	BusinessID      string         `json:"business_id"`
	ReviewRequestID *string        `json:"review_request_id,omitempty"`
	Type            EventType      `json:"type"`
	Source          string         `json:"source"`
	Description     string         `json:"description"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}
