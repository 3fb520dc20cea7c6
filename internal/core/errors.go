package core

import "errors"

// Failure taxonomy for the dispatch pipeline. Handlers translate these into
// request status updates and decide whether the job error propagates to the
// queue's retry policy.
var (
	// ErrBusinessInactive means the owning business is deactivated; the send
	// is abandoned, not retried.
	ErrBusinessInactive = errors.New("business_inactive")

	// ErrCreditLimitExceeded means the channel's send credits are exhausted.
	// The request stays QUEUED and the job fails so queue retries apply.
	ErrCreditLimitExceeded = errors.New("credit_limit_exceeded")

	// ErrMissingContact means the customer has no address for the channel.
	ErrMissingContact = errors.New("missing_contact")

	// ErrRenderFailure means the message template could not be rendered.
	ErrRenderFailure = errors.New("render_failure")

	// ErrGatewaySend wraps provider send failures.
	ErrGatewaySend = errors.New("gateway_send_failure")

	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not_found")
)
