// Package gateway abstracts the SMS and Email provider send operations behind
// narrow interfaces. Provider wire formats and authentication live in the
// concrete implementations; the dispatch pipeline only sees these contracts.
package gateway

import (
	"context"
)

// SMSGateway sends one SMS and returns the provider message id used later to
// match delivery callbacks.
type SMSGateway interface {
	SendSMS(ctx context.Context, to, body string) (externalID string, err error)
}

// EmailGateway sends one email. The returned external id is the provider's
// message id (may be a prefix of the ids reported in engagement events).
type EmailGateway interface {
	SendEmail(ctx context.Context, to, from, subject, htmlBody, textBody string) (externalID string, err error)
}
