package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/flakeguard/flakeguard/internal/apperrors"
	"github.com/flakeguard/flakeguard/internal/config"
	"github.com/flakeguard/flakeguard/internal/metrics"
	"github.com/flakeguard/flakeguard/internal/queue"
	"github.com/flakeguard/flakeguard/internal/worker"
	"github.com/rs/zerolog/log"
)

// maxBodyBytes caps webhook payloads well above GitHub's own limit.
const maxBodyBytes = 5 * 1024 * 1024

// Handler terminates webhook HTTP traffic.
type Handler struct {
	cfg     *config.Config
	queue   *queue.Queue
	metrics *metrics.Metrics
}

// NewHandler creates a webhook handler.
func NewHandler(cfg *config.Config, q *queue.Queue, m *metrics.Metrics) *Handler {
	return &Handler{cfg: cfg, queue: q, metrics: m}
}

// ackResponse is the fixed 202 body.
type ackResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	DeliveryID string `json:"deliveryId"`
}

// HandleGitHub accepts a GitHub webhook delivery: verify, enqueue, ack.
// The heavy lifting happens on the events queue so the 202 goes out fast.
func (h *Handler) HandleGitHub(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.metrics.WebhooksReceived.WithLabelValues(event, "rejected").Inc()
		apperrors.WriteBadRequest(w, r, "request body unreadable or too large")
		return
	}

	if !VerifySignature(h.cfg.WebhookSecret, r.Header.Get("X-Hub-Signature-256"), body) {
		h.metrics.WebhooksReceived.WithLabelValues(event, "unauthorized").Inc()
		log.Warn().Str("delivery_id", deliveryID).Str("event", event).
			Msg("Webhook signature verification failed")
		apperrors.WriteUnauthorized(w, r, "invalid webhook signature")
		return
	}

	if event == "" || deliveryID == "" {
		h.metrics.WebhooksReceived.WithLabelValues(event, "rejected").Inc()
		apperrors.WriteBadRequest(w, r, "missing event or delivery id header")
		return
	}

	if !h.cfg.EventAllowed(event) {
		// Acknowledged and dropped.
		h.metrics.WebhooksReceived.WithLabelValues(event, "dropped").Inc()
		h.ack(w, deliveryID, "event type not processed")
		return
	}

	_, err = h.queue.Enqueue(r.Context(), queue.QueueEvents, deliveryID, worker.EventPayload{
		DeliveryID: deliveryID,
		Event:      event,
		Body:       json.RawMessage(body),
	})
	if err != nil {
		h.metrics.WebhooksReceived.WithLabelValues(event, "error").Inc()
		log.Error().Err(err).Str("delivery_id", deliveryID).Msg("Failed to enqueue webhook event")
		apperrors.WriteInternalError(w, r, "failed to accept event")
		return
	}

	h.metrics.WebhooksReceived.WithLabelValues(event, "accepted").Inc()
	h.ack(w, deliveryID, "event accepted")
}

// HandleSlack verifies a Slack-signed request. Nothing beyond verification
// is implemented; valid requests get an empty 200.
func (h *Handler) HandleSlack(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		apperrors.WriteBadRequest(w, r, "request body unreadable or too large")
		return
	}

	ok := VerifySlackSignature(
		h.cfg.SlackSigningSecret,
		r.Header.Get("X-Slack-Request-Timestamp"),
		r.Header.Get("X-Slack-Signature"),
		body,
		time.Now(),
	)
	if !ok {
		apperrors.WriteUnauthorized(w, r, "invalid Slack signature")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) ack(w http.ResponseWriter, deliveryID, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(ackResponse{
		Success:    true,
		Message:    message,
		DeliveryID: deliveryID,
	}); err != nil {
		log.Error().Err(err).Msg("Failed to write webhook ack")
	}
}
