package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/reviewly/dispatch/internal/httpapi"
	"github.com/reviewly/dispatch/internal/queue"
	"github.com/reviewly/dispatch/internal/store"
)

type env struct {
	store  *store.Store
	queue  *queue.Queue
	server *httptest.Server
}

func newEnv(t *testing.T) env {
	s := store.StartTestPostgres(t)
	q := queue.New(s.DB, nil)
	srv := httptest.NewServer(httpapi.NewServer(s, q, zerolog.Nop()).Router())
	t.Cleanup(srv.Close)
	return env{store: s, queue: q, server: srv}
}

func (e env) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func (e env) seed(t *testing.T) (businessID, customerID string) {
	t.Helper()
	resp, body := e.do(t, "POST", "/businesses", map[string]any{
		"name": "Corner Cafe", "from_email": "hello@cornercafe.test",
		"review_url": "https://rv.ly", "sms_credits_limit": 10, "email_credits_limit": 10,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	businessID = body["id"].(string)

	resp, body = e.do(t, "POST", "/customers", map[string]any{
		"business_id": businessID, "first_name": "Ada", "last_name": "Lovelace",
		"phone": "+4915512345", "email": "ada@example.test",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	customerID = body["id"].(string)
	return businessID, customerID
}

func TestCreateRequestEnqueuesSendJob(t *testing.T) {
	e := newEnv(t)
	biz, cust := e.seed(t)

	resp, body := e.do(t, "POST", "/requests", map[string]any{
		"business_id": biz, "customer_id": cust, "channel": "SMS",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "QUEUED", body["status"])
	// Defaults filled from the business.
	require.Equal(t, "https://rv.ly", body["review_url"])
	require.NotEmpty(t, body["message_content"])
	require.NotEmpty(t, body["tracking_uuid"])

	jobs, err := e.queue.Claim(context.Background(), queue.SendRequest, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	p, err := queue.DecodePayload[queue.SendRequestPayload](jobs[0].Payload)
	require.NoError(t, err)
	require.Equal(t, body["id"], p.RequestID)
}

func TestCreateRequestValidation(t *testing.T) {
	e := newEnv(t)
	biz, cust := e.seed(t)

	resp, _ := e.do(t, "POST", "/requests", map[string]any{
		"business_id": biz, "customer_id": cust, "channel": "FAX",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, "POST", "/requests", map[string]any{"channel": "SMS"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRequestAndEvents(t *testing.T) {
	e := newEnv(t)
	biz, cust := e.seed(t)
	_, created := e.do(t, "POST", "/requests", map[string]any{
		"business_id": biz, "customer_id": cust, "channel": "EMAIL",
	})
	id := created["id"].(string)

	resp, body := e.do(t, "GET", "/requests/"+id, nil)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, id, body["id"])

	resp, body = e.do(t, "GET", "/requests/"+id+"/events", nil)
	require.Equal(t, 200, resp.StatusCode)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	require.Equal(t, "REQUEST_CREATED", items[0].(map[string]any)["type"])

	resp, _ = e.do(t, "GET", "/requests/00000000-0000-0000-0000-000000000000", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListRequestsFiltersByStatus(t *testing.T) {
	e := newEnv(t)
	biz, cust := e.seed(t)
	for i := 0; i < 3; i++ {
		e.do(t, "POST", "/requests", map[string]any{
			"business_id": biz, "customer_id": cust, "channel": "SMS",
		})
	}

	resp, body := e.do(t, "GET", fmt.Sprintf("/requests?business_id=%s&status=QUEUED", biz), nil)
	require.Equal(t, 200, resp.StatusCode)
	require.Len(t, body["items"].([]any), 3)

	resp, body = e.do(t, "GET", fmt.Sprintf("/requests?business_id=%s&status=SENT", biz), nil)
	require.Equal(t, 200, resp.StatusCode)
	require.Empty(t, body["items"])
}

func TestRetryEndpointOnlyAcceptsFailed(t *testing.T) {
	e := newEnv(t)
	biz, cust := e.seed(t)
	_, created := e.do(t, "POST", "/requests", map[string]any{
		"business_id": biz, "customer_id": cust, "channel": "SMS",
	})
	id := created["id"].(string)

	// QUEUED is not retryable.
	resp, _ := e.do(t, "POST", "/requests/"+id+"/retry", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	req, err := e.store.GetRequest(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, e.store.MarkFailed(context.Background(), req, "gateway_send_failure"))

	resp, body := e.do(t, "POST", "/requests/"+id+"/retry", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "QUEUED", body["status"])
}

func TestSuppressionEndpoints(t *testing.T) {
	e := newEnv(t)
	biz, _ := e.seed(t)

	resp, _ := e.do(t, "POST", "/suppressions", map[string]any{
		"business_id": biz, "contact": "+4915512345", "channel": "SMS",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := e.do(t, "GET", "/suppressions?business_id="+biz, nil)
	require.Equal(t, 200, resp.StatusCode)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	require.Equal(t, "USER_REQUEST", items[0].(map[string]any)["reason"])
}

func TestWebhookEndpointsEnqueueJobs(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, "POST", "/webhooks/twilio", map[string]any{
		"message_sid": "SM-abc", "message_status": "delivered",
	})
	require.Equal(t, 200, resp.StatusCode)
	require.NotEmpty(t, body["job_id"])

	resp, body = e.do(t, "POST", "/webhooks/sendgrid", []map[string]any{
		{"email": "ada@example.test", "event": "delivered", "sg_message_id": "em-1"},
	})
	require.Equal(t, 200, resp.StatusCode)
	require.NotEmpty(t, body["job_id"])

	jobs, err := e.queue.Claim(context.Background(), queue.ProcessWebhook, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
}

func TestDeadJobLifecycleOverAPI(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	id, err := e.queue.Enqueue(ctx, queue.SendRequest, queue.SendRequestPayload{RequestID: "r-1"}, queue.Options{})
	require.NoError(t, err)
	job := queue.Job{ID: id, Queue: queue.SendRequest, Attempts: 5, MaxAttempts: 5}
	require.NoError(t, e.queue.Fail(ctx, job, fmt.Errorf("provider_temporary_error")))

	resp, body := e.do(t, "GET", "/queues/send-request/dead", nil)
	require.Equal(t, 200, resp.StatusCode)
	require.Len(t, body["items"].([]any), 1)

	resp, _ = e.do(t, "POST", "/queues/dead/"+id+"/requeue", nil)
	require.Equal(t, 200, resp.StatusCode)

	resp, body = e.do(t, "GET", "/queues/send-request/dead", nil)
	require.Equal(t, 200, resp.StatusCode)
	require.Empty(t, body["items"])
}
