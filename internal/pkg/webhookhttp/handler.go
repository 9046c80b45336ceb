package webhookhttp

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/subsync/subsync/app/models"
	"github.com/subsync/subsync/internal/pkg/pipeline"
)

// Handler is the thin HTTP boundary in front of the pipeline. It verifies
// signatures, records every delivery, and maps pipeline failures to non-2xx
// responses so the provider redelivers.
type Handler struct {
	pipeline *pipeline.Pipeline
	repo     pipeline.Repository
	secret   string
	now      func() time.Time
}

// NewHandler creates a webhook handler with the given signing secret.
func NewHandler(p *pipeline.Pipeline, repo pipeline.Repository, secret string) *Handler {
	return &Handler{
		pipeline: p,
		repo:     repo,
		secret:   secret,
		now:      time.Now,
	}
}

// Register mounts the webhook and operational routes.
func (h *Handler) Register(app *fiber.App) {
	app.Post("/webhook/stripe", h.HandleWebhook)
	app.Get("/stats", h.HandleStats)
	app.Post("/admin/retry-failed", h.HandleRetryFailed)
}

// HandleWebhook ingests one provider delivery.
func (h *Handler) HandleWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.Body()...)
	signature := c.Get("Stripe-Signature")

	signatureValid := VerifyWebhookSignature(rawBody, signature, h.secret, h.now())

	ev, parseErr := ParseEvent(rawBody)
	providerEventID := ""
	eventType := ""
	if ev != nil {
		providerEventID = ev.ID
		eventType = ev.Type
	}

	// Recorded before handling so the payload survives even when processing
	// fails.
	_, stored, err := h.repo.RecordWebhookEvent(&models.WebhookEvent{
		Provider:        models.ProviderStripe,
		ProviderEventID: providerEventID,
		EventType:       eventType,
		PayloadJSON:     string(rawBody),
		SignatureValid:  signatureValid,
	})
	if err != nil {
		log.Errorf("[Webhook] Failed to record delivery: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"received": false})
	}

	if !signatureValid {
		h.markProcessed(stored.ID, errors.New("invalid webhook signature"))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"received": false, "error": "invalid signature"})
	}
	if parseErr != nil {
		h.markProcessed(stored.ID, parseErr)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"received": false, "error": "unparseable payload"})
	}

	result, procErr := h.pipeline.ProcessEvent(c.Context(), ev)
	if procErr != nil {
		h.markProcessed(stored.ID, procErr)
		return c.Status(statusForError(procErr)).JSON(fiber.Map{"received": false, "error": procErr.Error()})
	}

	h.markProcessed(stored.ID, nil)
	return c.JSON(fiber.Map{"received": true, "status": result.Reason})
}

// HandleStats reports the pipeline's operational snapshot.
func (h *Handler) HandleStats(c *fiber.Ctx) error {
	stats, err := h.pipeline.GetStats(c.Context())
	if err != nil {
		log.Errorf("[Webhook] Failed to collect stats: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats unavailable"})
	}
	return c.JSON(stats)
}

// HandleRetryFailed replays stored failed events on operator request.
func (h *Handler) HandleRetryFailed(c *fiber.Ctx) error {
	maxBatch := c.QueryInt("max", 10)

	processed, succeeded, err := h.pipeline.RetryFailed(c.Context(), maxBatch)
	if err != nil {
		log.Errorf("[Webhook] Retry run failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "retry run failed"})
	}
	return c.JSON(fiber.Map{"processed": processed, "succeeded": succeeded})
}

func (h *Handler) markProcessed(id uint, processingErr error) {
	msg := ""
	if processingErr != nil {
		msg = processingErr.Error()
	}
	if err := h.repo.MarkWebhookProcessed(id, msg); err != nil {
		log.Errorf("[Webhook] Failed to mark delivery %d: %v", id, err)
	}
}

// statusForError maps pipeline failures to response codes. Every failure is
// non-2xx; the code only hints at why.
func statusForError(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrBreakerOpen):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, pipeline.ErrLockContention):
		return fiber.StatusConflict
	case pipeline.IsPermanent(err):
		return fiber.StatusUnprocessableEntity
	case strings.Contains(err.Error(), "timeout"):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}
