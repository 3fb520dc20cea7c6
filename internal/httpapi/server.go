package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/reviewly/dispatch/internal/core"
	"github.com/reviewly/dispatch/internal/queue"
	"github.com/reviewly/dispatch/internal/store"
)

const defaultTemplate = "Hi {first_name}, thanks for visiting {business_name}! We'd love your feedback: {review_url}"

type Server struct {
	Store *store.Store
	Queue *queue.Queue
	Log   zerolog.Logger
}

func NewServer(st *store.Store, q *queue.Queue, log zerolog.Logger) *Server {
	return &Server{Store: st, Queue: q, Log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(s.accessLog)
	r.Use(instrument)

	s.mountHealth(r)
	s.mountMetrics(r)

	r.Post("/businesses", s.createBusiness)
	r.Post("/customers", s.createCustomer)

	r.Post("/requests", s.createRequest)
	r.Get("/requests", s.listRequests)
	r.Get("/requests/{id}", s.getRequest)
	r.Get("/requests/{id}/events", s.listRequestEvents)
	r.Post("/requests/{id}/retry", s.retryRequest)

	r.Get("/suppressions", s.listSuppressions)
	r.Post("/suppressions", s.addSuppression)

	r.Post("/webhooks/twilio", s.twilioWebhook)
	r.Post("/webhooks/sendgrid", s.sendgridWebhook)

	r.Get("/queues/{name}/dead", s.listDeadJobs)
	r.Post("/queues/dead/{id}/requeue", s.requeueDeadJob)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) createBusiness(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name              string `json:"name"`
		FromEmail         string `json:"from_email"`
		ReviewURL         string `json:"review_url"`
		SMSCreditsLimit   int    `json:"sms_credits_limit"`
		EmailCreditsLimit int    `json:"email_credits_limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	id, err := s.Store.CreateBusiness(r.Context(), store.NewBusiness{
		Name: in.Name, FromEmail: in.FromEmail, ReviewURL: in.ReviewURL,
		SMSCreditsLimit: in.SMSCreditsLimit, EmailCreditsLimit: in.EmailCreditsLimit,
	})
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) createCustomer(w http.ResponseWriter, r *http.Request) {
	var in struct {
		BusinessID string  `json:"business_id"`
		FirstName  string  `json:"first_name"`
		LastName   string  `json:"last_name"`
		Phone      *string `json:"phone"`
		Email      *string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.BusinessID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	id, err := s.Store.CreateCustomer(r.Context(), store.NewCustomer{
		BusinessID: in.BusinessID, FirstName: in.FirstName, LastName: in.LastName,
		Phone: in.Phone, Email: in.Email,
	})
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// createRequest inserts a QUEUED review request and enqueues its send job.
// The message content is stored as a template; the send worker renders it.
func (s *Server) createRequest(w http.ResponseWriter, r *http.Request) {
	var in struct {
		BusinessID     string     `json:"business_id"`
		CustomerID     string     `json:"customer_id"`
		Channel        string     `json:"channel"`
		Subject        *string    `json:"subject"`
		MessageContent string     `json:"message_content"`
		ReviewURL      string     `json:"review_url"`
		ScheduledFor   *time.Time `json:"scheduled_for"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.BusinessID == "" || in.CustomerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	ch := core.Channel(in.Channel)
	if ch != core.ChannelSMS && ch != core.ChannelEmail {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_channel"})
		return
	}
	if in.MessageContent == "" {
		in.MessageContent = defaultTemplate
	}
	if in.ReviewURL == "" {
		biz, err := s.Store.GetBusiness(r.Context(), in.BusinessID)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "business_not_found"})
			return
		}
		in.ReviewURL = biz.ReviewURL
	}

	req, err := s.Store.CreateRequest(r.Context(), store.NewRequest{
		BusinessID: in.BusinessID, CustomerID: in.CustomerID, Channel: ch,
		Subject: in.Subject, MessageContent: in.MessageContent,
		ReviewURL: in.ReviewURL, ScheduledFor: in.ScheduledFor,
	})
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}

	var delay time.Duration
	if in.ScheduledFor != nil {
		delay = time.Until(*in.ScheduledFor)
		if delay < 0 {
			delay = 0
		}
	}
	if _, err := s.Queue.Enqueue(r.Context(), queue.SendRequest,
		queue.SendRequestPayload{RequestID: req.ID},
		queue.Options{Delay: delay, DedupeKey: "send-" + req.ID}); err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	businessID := r.URL.Query().Get("business_id")
	if businessID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "business_id_required"})
		return
	}
	var status *core.Status
	if v := r.URL.Query().Get("status"); v != "" {
		st := core.Status(v)
		status = &st
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	items, err := s.Store.ListRequests(r.Context(), businessID, status, limit, offset)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Store.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "request_not_found"})
			return
		}
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, req)
}

func (s *Server) listRequestEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.Store.ListEventsForRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]any{"items": events})
}

// retryRequest resets a FAILED request to QUEUED and enqueues a fresh send
// job. Manual remediation for requests that exhausted queue retries.
func (s *Server) retryRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := s.Store.RequeueForRetry(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "not_retryable"})
			return
		}
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	if _, err := s.Queue.Enqueue(r.Context(), queue.SendRequest,
		queue.SendRequestPayload{RequestID: req.ID, RetryCount: req.RetryCount},
		queue.Options{}); err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) listSuppressions(w http.ResponseWriter, r *http.Request) {
	businessID := r.URL.Query().Get("business_id")
	if businessID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "business_id_required"})
		return
	}
	items, err := s.Store.ListSuppressions(r.Context(), businessID, 100, 0)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]any{"items": items})
}

func (s *Server) addSuppression(w http.ResponseWriter, r *http.Request) {
	var in struct {
		BusinessID string  `json:"business_id"`
		Contact    string  `json:"contact"`
		Channel    string  `json:"channel"`
		Notes      *string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.BusinessID == "" || in.Contact == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	err := s.Store.AddSuppression(r.Context(), core.SuppressionEntry{
		BusinessID: in.BusinessID,
		Contact:    in.Contact,
		Channel:    core.Channel(in.Channel),
		Reason:     core.ReasonUserRequest,
		Source:     "api",
		Notes:      in.Notes,
	})
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
}

func (s *Server) listDeadJobs(w http.ResponseWriter, r *http.Request) {
	name := queue.Name(chi.URLParam(r, "name"))
	jobs, err := s.Queue.DeadJobs(r.Context(), name, 100)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, map[string]any{
			"id": j.ID, "queue": j.Queue, "attempts": j.Attempts,
			"last_error": j.LastError, "payload": json.RawMessage(j.Payload),
		})
	}
	writeJSON(w, 200, map[string]any{"items": out})
}

func (s *Server) requeueDeadJob(w http.ResponseWriter, r *http.Request) {
	if err := s.Queue.RequeueDead(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true})
}
