package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/reviewly/dispatch/internal/queue"
)

// Webhook ingress: decode the provider payload and enqueue a process-webhook
// job immediately. Providers retry on anything but a fast 2xx, so no
// reconciliation work happens on the request path.

func (s *Server) twilioWebhook(w http.ResponseWriter, r *http.Request) {
	var in queue.TwilioWebhook
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	s.enqueueWebhook(w, r, queue.WebhookPayload{
		Source:     queue.SourceTwilio,
		ReceivedAt: time.Now().UTC(),
		Twilio:     &in,
	})
}

func (s *Server) sendgridWebhook(w http.ResponseWriter, r *http.Request) {
	var in []queue.SendGridEvent
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || len(in) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	s.enqueueWebhook(w, r, queue.WebhookPayload{
		Source:     queue.SourceSendGrid,
		ReceivedAt: time.Now().UTC(),
		SendGrid:   in,
	})
}

func (s *Server) enqueueWebhook(w http.ResponseWriter, r *http.Request, p queue.WebhookPayload) {
	id, err := s.Queue.Enqueue(r.Context(), queue.ProcessWebhook, p, queue.Options{})
	if err != nil {
		s.Log.Error().Err(err).Str("source", string(p.Source)).Msg("webhook enqueue failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueue_failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id})
}
