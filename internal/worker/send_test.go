package worker_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reviewly/dispatch/internal/core"
	"github.com/reviewly/dispatch/internal/queue"
	"github.com/reviewly/dispatch/internal/store"
	"github.com/reviewly/dispatch/internal/worker"
)

func TestSendHappyPathSMS(t *testing.T) {
	f := newFixture(t)
	sms := &fakeSMS{id: "SM-123"}
	sender := worker.NewSender(f.store, sms, &fakeEmail{}, testLogger())
	req := f.newRequest(t, core.ChannelSMS)

	err := sender.Handle(context.Background(), makeJob(t, queue.SendRequest, queue.SendRequestPayload{RequestID: req.ID}))
	require.NoError(t, err)
	require.Equal(t, []string{"+4915512345"}, sms.sent)

	got := f.reload(t, req.ID)
	require.Equal(t, core.StatusSent, got.Status)
	require.NotNil(t, got.ExternalID)
	require.Equal(t, "SM-123", *got.ExternalID)
	require.NotNil(t, got.SentAt)

	types := f.eventTypes(t, req.ID)
	require.Contains(t, types, core.EventRequestSent)

	biz, err := f.store.GetBusiness(context.Background(), f.business)
	require.NoError(t, err)
	require.Equal(t, 1, biz.SMSCreditsUsed)
	require.Equal(t, 0, biz.EmailCreditsUsed)
}

func TestSendEmailRendersTrackingLink(t *testing.T) {
	f := newFixture(t)
	email := &fakeEmail{}
	sender := worker.NewSender(f.store, &fakeSMS{}, email, testLogger())
	req := f.newRequest(t, core.ChannelEmail)

	err := sender.Handle(context.Background(), makeJob(t, queue.SendRequest, queue.SendRequestPayload{RequestID: req.ID}))
	require.NoError(t, err)
	require.Equal(t, []string{"ada@example.test"}, email.sent)
	require.Contains(t, email.bodies[0], "https://rv.ly/r/"+req.TrackingUUID)
	require.Contains(t, email.bodies[0], "Hi Ada")
	require.NotContains(t, email.bodies[0], "{first_name}")
	require.Equal(t, "Corner Cafe would love your feedback", email.subjects[0])
}

func TestSendCreditLimitLeavesRequestUntouched(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.DB.Exec(context.Background(),
		`UPDATE businesses SET sms_credits_used = sms_credits_limit WHERE id=$1`, f.business)
	require.NoError(t, err)

	sms := &fakeSMS{}
	sender := worker.NewSender(f.store, sms, &fakeEmail{}, testLogger())
	req := f.newRequest(t, core.ChannelSMS)

	err = sender.Handle(context.Background(), makeJob(t, queue.SendRequest, queue.SendRequestPayload{RequestID: req.ID}))
	require.ErrorIs(t, err, core.ErrCreditLimitExceeded)
	require.Empty(t, sms.sent)

	// Nothing moved: the job will be retried once credits free up.
	got := f.reload(t, req.ID)
	require.Equal(t, core.StatusQueued, got.Status)
	require.Nil(t, got.SentAt)
	require.NotContains(t, f.eventTypes(t, req.ID), core.EventRequestSent)
}

func TestSendSuppressedContactOptsOut(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.AddSuppression(context.Background(), core.SuppressionEntry{
		BusinessID: f.business, Contact: "+4915512345", Channel: core.ChannelSMS,
		Reason: core.ReasonSMSStop, Source: "test",
	}))

	sms := &fakeSMS{}
	sender := worker.NewSender(f.store, sms, &fakeEmail{}, testLogger())
	req := f.newRequest(t, core.ChannelSMS)

	err := sender.Handle(context.Background(), makeJob(t, queue.SendRequest, queue.SendRequestPayload{RequestID: req.ID}))
	require.NoError(t, err)
	require.Empty(t, sms.sent)

	got := f.reload(t, req.ID)
	require.Equal(t, core.StatusOptedOut, got.Status)
	require.Contains(t, f.eventTypes(t, req.ID), core.EventRequestOptedOut)

	// No credit burned for a suppressed send.
	biz, err := f.store.GetBusiness(context.Background(), f.business)
	require.NoError(t, err)
	require.Equal(t, 0, biz.SMSCreditsUsed)
}

func TestSendInactiveBusinessFails(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetBusinessActive(context.Background(), f.business, false))

	sender := worker.NewSender(f.store, &fakeSMS{}, &fakeEmail{}, testLogger())
	req := f.newRequest(t, core.ChannelSMS)

	err := sender.Handle(context.Background(), makeJob(t, queue.SendRequest, queue.SendRequestPayload{RequestID: req.ID}))
	require.NoError(t, err)

	got := f.reload(t, req.ID)
	require.Equal(t, core.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	require.Equal(t, "business_inactive", *got.ErrorMessage)
}

func TestSendMissingContactFails(t *testing.T) {
	f := newFixture(t)
	email := "only-email@example.test"
	cust, err := f.store.CreateCustomer(context.Background(), store.NewCustomer{
		BusinessID: f.business, FirstName: "Eve", LastName: "Noyes", Email: &email,
	})
	require.NoError(t, err)
	req, err := f.store.CreateRequest(context.Background(), store.NewRequest{
		BusinessID: f.business, CustomerID: cust, Channel: core.ChannelSMS,
		MessageContent: "Hi {first_name}: {review_url}", ReviewURL: "https://rv.ly",
	})
	require.NoError(t, err)

	sender := worker.NewSender(f.store, &fakeSMS{}, &fakeEmail{}, testLogger())
	err = sender.Handle(context.Background(), makeJob(t, queue.SendRequest, queue.SendRequestPayload{RequestID: req.ID}))
	require.NoError(t, err)

	got := f.reload(t, req.ID)
	require.Equal(t, core.StatusFailed, got.Status)
	require.Equal(t, "missing_contact", *got.ErrorMessage)
}

func TestSendGatewayFailureMarksFailedAndRetries(t *testing.T) {
	f := newFixture(t)
	sms := &fakeSMS{err: errProviderDown}
	sender := worker.NewSender(f.store, sms, &fakeEmail{}, testLogger())
	req := f.newRequest(t, core.ChannelSMS)
	job := makeJob(t, queue.SendRequest, queue.SendRequestPayload{RequestID: req.ID})

	err := sender.Handle(context.Background(), job)
	require.ErrorIs(t, err, core.ErrGatewaySend)

	got := f.reload(t, req.ID)
	require.Equal(t, core.StatusFailed, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Contains(t, f.eventTypes(t, req.ID), core.EventErrorOccurred)

	// Redelivery after the provider recovers completes the send.
	sms.err = nil
	require.NoError(t, sender.Handle(context.Background(), job))
	require.Equal(t, core.StatusSent, f.reload(t, req.ID).Status)
}

func TestSendIsIdempotentOnRedelivery(t *testing.T) {
	f := newFixture(t)
	sms := &fakeSMS{}
	sender := worker.NewSender(f.store, sms, &fakeEmail{}, testLogger())
	req := f.newRequest(t, core.ChannelSMS)
	job := makeJob(t, queue.SendRequest, queue.SendRequestPayload{RequestID: req.ID})

	require.NoError(t, sender.Handle(context.Background(), job))
	require.NoError(t, sender.Handle(context.Background(), job))

	require.Len(t, sms.sent, 1)
	biz, err := f.store.GetBusiness(context.Background(), f.business)
	require.NoError(t, err)
	require.Equal(t, 1, biz.SMSCreditsUsed)
}

func TestSendUnknownRequestIsDropped(t *testing.T) {
	f := newFixture(t)
	sender := worker.NewSender(f.store, &fakeSMS{}, &fakeEmail{}, testLogger())
	job := makeJob(t, queue.SendRequest, queue.SendRequestPayload{RequestID: "00000000-0000-0000-0000-000000000000"})
	require.NoError(t, sender.Handle(context.Background(), job))
}
