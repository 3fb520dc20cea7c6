package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/reviewly/dispatch/internal/core"
	"github.com/reviewly/dispatch/internal/queue"
	"github.com/reviewly/dispatch/internal/store"
)

// fakeSMS records sends and can be told to fail.
type fakeSMS struct {
	sent []string // recipient numbers
	err  error
	id   string
}

func (f *fakeSMS) SendSMS(ctx context.Context, to, body string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, to)
	if f.id == "" {
		return "SM-fake-1", nil
	}
	return f.id, nil
}

type fakeEmail struct {
	sent     []string // recipient addresses
	subjects []string
	bodies   []string
	err      error
	id       string
}

func (f *fakeEmail) SendEmail(ctx context.Context, to, from, subject, htmlBody, textBody string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, to)
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, htmlBody)
	if f.id == "" {
		return "em-fake-1", nil
	}
	return f.id, nil
}

var errProviderDown = errors.New("provider_temporary_error")

type fixture struct {
	store    *store.Store
	business string
	customer string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := store.StartTestPostgres(t)
	biz, err := s.CreateBusiness(context.Background(), store.NewBusiness{
		Name: "Corner Cafe", FromEmail: "hello@cornercafe.test", ReviewURL: "https://rv.ly",
		SMSCreditsLimit: 10, EmailCreditsLimit: 10,
	})
	require.NoError(t, err)
	phone, email := "+4915512345", "ada@example.test"
	cust, err := s.CreateCustomer(context.Background(), store.NewCustomer{
		BusinessID: biz, FirstName: "Ada", LastName: "Lovelace", Phone: &phone, Email: &email,
	})
	require.NoError(t, err)
	return fixture{store: s, business: biz, customer: cust}
}

func (f fixture) newRequest(t *testing.T, ch core.Channel) core.ReviewRequest {
	t.Helper()
	req, err := f.store.CreateRequest(context.Background(), store.NewRequest{
		BusinessID: f.business, CustomerID: f.customer, Channel: ch,
		MessageContent: "Hi {first_name}, how was {business_name}? {review_url}",
		ReviewURL:      "https://rv.ly",
	})
	require.NoError(t, err)
	return req
}

// markSent walks a request to SENT the way the send worker would, with a
// known provider id for webhook matching.
func (f fixture) markSent(t *testing.T, req core.ReviewRequest, externalID string) core.ReviewRequest {
	t.Helper()
	require.NoError(t, f.store.MarkSent(context.Background(), req, externalID))
	got, err := f.store.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	return got
}

func (f fixture) reload(t *testing.T, id string) core.ReviewRequest {
	t.Helper()
	got, err := f.store.GetRequest(context.Background(), id)
	require.NoError(t, err)
	return got
}

func (f fixture) eventTypes(t *testing.T, requestID string) []core.EventType {
	t.Helper()
	events, err := f.store.ListEventsForRequest(context.Background(), requestID)
	require.NoError(t, err)
	types := make([]core.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func makeJob(t *testing.T, name queue.Name, payload any) queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return queue.Job{ID: "job-test", Queue: name, Payload: raw, Attempts: 1, MaxAttempts: 5}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// backdateClick shifts clicked_at so completion policies see an old click.
func (f fixture) backdateClick(t *testing.T, requestID string, age time.Duration) {
	t.Helper()
	_, err := f.store.DB.Exec(context.Background(),
		`UPDATE review_requests SET clicked_at = now() - $2::interval WHERE id=$1`,
		requestID, age.String())
	require.NoError(t, err)
}
