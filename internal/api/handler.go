package api

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/georgeshao/prompt-relay/internal/callback"
	"github.com/georgeshao/prompt-relay/internal/dispatcher"
	"github.com/georgeshao/prompt-relay/internal/metrics"
	"github.com/georgeshao/prompt-relay/internal/secure"
	"github.com/georgeshao/prompt-relay/internal/storage"
	"github.com/georgeshao/prompt-relay/internal/submission"
	"github.com/georgeshao/prompt-relay/pkg/types"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = metrics.HistorySize
)

// Deps wires the handlers. Receiver is optional; without it the node does
// not expose the callback endpoint.
type Deps struct {
	Store          storage.Store
	Submissions    *submission.Service
	Scheduler      *dispatcher.Scheduler
	Batch          *dispatcher.BatchProcessor
	Collector      metrics.Collector
	Receiver       *callback.Receiver
	CallbackSecret string
	Logger         zerolog.Logger
}

type Handler struct {
	store          storage.Store
	submissions    *submission.Service
	scheduler      *dispatcher.Scheduler
	batch          *dispatcher.BatchProcessor
	collector      metrics.Collector
	receiver       *callback.Receiver
	callbackSecret string
	logger         zerolog.Logger
}

func NewHandler(deps Deps) *Handler {
	return &Handler{
		store:          deps.Store,
		submissions:    deps.Submissions,
		scheduler:      deps.Scheduler,
		batch:          deps.Batch,
		collector:      deps.Collector,
		receiver:       deps.Receiver,
		callbackSecret: deps.CallbackSecret,
		logger:         deps.Logger,
	}
}

func errorJSON(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(types.NewErrorResponse(message))
}

func (h *Handler) Execute(c *fiber.Ctx) error {
	var req types.ExecuteRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid request body")
	}

	out, err := h.submissions.Submit(c.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, submission.ErrInvalidSubmission):
			h.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("submission rejected")
			return errorJSON(c, fiber.StatusBadRequest, err.Error())
		case errors.Is(err, secure.ErrMissingKey):
			h.logger.Error().Err(err).Msg("encryption key not configured")
			return errorJSON(c, fiber.StatusInternalServerError, "Encryption key not configured")
		default:
			h.logger.Error().Err(err).Str("request_id", req.RequestID).Msg("submission failed")
			return errorJSON(c, fiber.StatusInternalServerError, "Failed to accept request")
		}
	}

	return c.JSON(out.Response())
}

func (h *Handler) ReceiveCallback(c *fiber.Ctx) error {
	body := c.Body()
	if h.callbackSecret != "" && !callback.VerifySignature(h.callbackSecret, body, c.Get(callback.SignatureHeader)) {
		h.logger.Warn().Str("ip", c.IP()).Msg("callback signature mismatch")
		return errorJSON(c, fiber.StatusUnauthorized, "Invalid callback signature")
	}

	var msg types.CallbackMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid request body")
	}

	resp, err := h.receiver.Receive(c.Context(), msg)
	if err != nil {
		if errors.Is(err, callback.ErrInvalidCallback) {
			return errorJSON(c, fiber.StatusBadRequest, err.Error())
		}
		h.logger.Error().Err(err).Str("data_id", msg.DataID).Msg("callback handling failed")
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to process callback")
	}
	return c.JSON(resp)
}

func (h *Handler) StartScheduler(c *fiber.Ctx) error {
	resp, err := h.scheduler.Start(c.Context())
	if err != nil {
		return h.schedulerError(c, err)
	}
	return c.JSON(resp)
}

func (h *Handler) StopScheduler(c *fiber.Ctx) error {
	resp, err := h.scheduler.Stop(c.Context())
	if err != nil {
		return h.schedulerError(c, err)
	}
	return c.JSON(resp)
}

func (h *Handler) SchedulerStatus(c *fiber.Ctx) error {
	status, err := h.scheduler.Status(c.Context())
	if err != nil {
		return h.schedulerError(c, err)
	}
	return c.JSON(status)
}

func (h *Handler) schedulerError(c *fiber.Ctx, err error) error {
	if errors.Is(err, dispatcher.ErrSchedulerStopped) {
		return errorJSON(c, fiber.StatusServiceUnavailable, "Scheduler is shutting down")
	}
	h.logger.Error().Err(err).Msg("scheduler command failed")
	return errorJSON(c, fiber.StatusInternalServerError, "Scheduler command failed")
}

func (h *Handler) ResetBatchStats(c *fiber.Ctx) error {
	h.batch.ResetStats()
	return c.JSON(fiber.Map{"status": "success", "message": "batch statistics reset"})
}

func (h *Handler) LLMStats(c *fiber.Ctx) error {
	stats := h.collector.Snapshot()
	analysis := metrics.Analyze(stats, h.collector.History(metrics.HistorySize))

	return c.JSON(types.LLMStatsResponse{
		Status:   "success",
		Stats:    statsToResponse(stats),
		Analysis: analysisToResponse(analysis),
	})
}

func (h *Handler) ResetLLMStats(c *fiber.Ctx) error {
	h.collector.Reset()
	return c.JSON(fiber.Map{"status": "success", "message": "LLM statistics reset"})
}

func (h *Handler) LLMCallHistory(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	calls := callsToResponse(h.collector.History(limit))
	return c.JSON(types.LLMCallHistoryResponse{
		Status: "success",
		Count:  len(calls),
		Calls:  calls,
	})
}

func (h *Handler) GetRecord(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return errorJSON(c, fiber.StatusBadRequest, "ID is required")
	}

	record, err := h.store.Get(c.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("request_id", id).Msg("record lookup failed")
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to get record")
	}
	if record == nil {
		return errorJSON(c, fiber.StatusNotFound, "Record not found")
	}

	return c.JSON(recordToView(record))
}

func (h *Handler) ResetRecord(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return errorJSON(c, fiber.StatusBadRequest, "ID is required")
	}

	record, err := h.store.Reset(c.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorJSON(c, fiber.StatusNotFound, "Record not found")
		}
		h.logger.Error().Err(err).Str("request_id", id).Msg("record reset failed")
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to reset record")
	}

	h.logger.Info().Str("request_id", id).Msg("record reset to RECEIVED")
	return c.JSON(recordToView(record))
}
