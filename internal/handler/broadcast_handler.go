package handler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/broadcast-engine/internal/domain"
	"github.com/kursadbilgin/broadcast-engine/internal/gateway"
	"github.com/kursadbilgin/broadcast-engine/internal/observability"
	"github.com/kursadbilgin/broadcast-engine/internal/service"
)

type BroadcastService interface {
	CreateJob(ctx context.Context, text, audience string) (*domain.Job, error)
	Start(ctx context.Context, id string) (*service.JobStatusReport, error)
	Pause(ctx context.Context, id string) (*service.JobStatusReport, error)
	GetStatus(ctx context.Context, id string, limit int) (*service.JobStatusReport, error)
	SendTest(ctx context.Context, target, text string) (*gateway.Receipt, error)
}

type BroadcastHandler struct {
	service BroadcastService
}

func NewBroadcastHandler(service BroadcastService) (*BroadcastHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("broadcast service is required")
	}
	return &BroadcastHandler{service: service}, nil
}

func RegisterBroadcastRoutes(router fiber.Router, service BroadcastService) error {
	h, err := NewBroadcastHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/broadcasts", h.CreateBroadcast)
	v1.Post("/broadcasts/test", h.SendTest)
	v1.Post("/broadcasts/:id/start", h.StartBroadcast)
	v1.Post("/broadcasts/:id/pause", h.PauseBroadcast)
	v1.Get("/broadcasts/:id/status", h.GetBroadcastStatus)

	return nil
}

type createBroadcastRequest struct {
	Text     string `json:"text"`
	Audience string `json:"audience"`
}

type createBroadcastResponse struct {
	JobID  string `json:"jobId"`
	Total  int    `json:"total"`
	Status string `json:"status"`
}

type sendTestRequest struct {
	Target string `json:"target"`
	Text   string `json:"text"`
}

type sendTestResponse struct {
	Target     string `json:"target"`
	StatusCode int    `json:"statusCode"`
	MessageID  string `json:"messageId,omitempty"`
}

type countersResponse struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	Total   int    `json:"total"`
	Sent    int    `json:"sent"`
	Failed  int    `json:"failed"`
	Pending int    `json:"pending"`
	Sending int    `json:"sending"`
}

type jobResponse struct {
	ID         string     `json:"id"`
	Audience   string     `json:"audience"`
	Text       string     `json:"text"`
	Status     string     `json:"status"`
	LastError  *string    `json:"lastError,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

type recipientErrorResponse struct {
	RecipientID int64     `json:"recipientId"`
	Target      string    `json:"target"`
	Error       string    `json:"error"`
	Attempts    int       `json:"attempts"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type statusResponse struct {
	countersResponse
	Job        jobResponse              `json:"job"`
	LastErrors []recipientErrorResponse `json:"lastErrors"`
}

func (h *BroadcastHandler) CreateBroadcast(c *fiber.Ctx) error {
	var req createBroadcastRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	job, err := h.service.CreateJob(requestContext(c), req.Text, req.Audience)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(createBroadcastResponse{
		JobID:  job.ID,
		Total:  job.Total,
		Status: job.Status.String(),
	})
}

func (h *BroadcastHandler) StartBroadcast(c *fiber.Ctx) error {
	report, err := h.service.Start(requestContext(c), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toCountersResponse(report))
}

func (h *BroadcastHandler) PauseBroadcast(c *fiber.Ctx) error {
	report, err := h.service.Pause(requestContext(c), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toCountersResponse(report))
}

func (h *BroadcastHandler) GetBroadcastStatus(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return toHTTPError(fmt.Errorf("%w: limit must be >= 0", domain.ErrValidation))
	}

	report, err := h.service.GetStatus(requestContext(c), strings.TrimSpace(c.Params("id")), limit)
	if err != nil {
		return toHTTPError(err)
	}

	errorsOut := make([]recipientErrorResponse, 0, len(report.LastErrors))
	for _, r := range report.LastErrors {
		item := recipientErrorResponse{
			RecipientID: r.ID,
			Target:      r.Target,
			Attempts:    r.Attempts,
			UpdatedAt:   r.UpdatedAt,
		}
		if r.Error != nil {
			item.Error = *r.Error
		}
		errorsOut = append(errorsOut, item)
	}

	return c.Status(fiber.StatusOK).JSON(statusResponse{
		countersResponse: toCountersResponse(report),
		Job:              toJobResponse(report.Job),
		LastErrors:       errorsOut,
	})
}

func (h *BroadcastHandler) SendTest(c *fiber.Ctx) error {
	var req sendTestRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	receipt, err := h.service.SendTest(requestContext(c), req.Target, req.Text)
	if err != nil {
		if throttled, ok := gateway.AsThrottled(err); ok {
			retryAfter := int(math.Ceil(throttled.RetryAfter.Seconds()))
			if retryAfter > 0 {
				c.Set(fiber.HeaderRetryAfter, fmt.Sprintf("%d", retryAfter))
			}
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":             err.Error(),
				"retryAfterSeconds": retryAfter,
			})
		}
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(sendTestResponse{
		Target:     strings.TrimSpace(req.Target),
		StatusCode: receipt.StatusCode,
		MessageID:  receipt.MessageID,
	})
}

// requestContext carries the request id into service logs.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if id := requestCorrelationID(c); id != "" {
		ctx = observability.WithCorrelationID(ctx, id)
	}
	return ctx
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toCountersResponse(report *service.JobStatusReport) countersResponse {
	if report == nil || report.Job == nil {
		return countersResponse{}
	}
	return countersResponse{
		JobID:   report.Job.ID,
		Status:  report.Job.Status.String(),
		Total:   report.Counters.Total,
		Sent:    report.Counters.Sent,
		Failed:  report.Counters.Failed,
		Pending: report.Counters.Remaining(),
		Sending: report.Counters.Sending,
	}
}

func toJobResponse(job *domain.Job) jobResponse {
	if job == nil {
		return jobResponse{}
	}
	return jobResponse{
		ID:         job.ID,
		Audience:   job.Audience,
		Text:       job.Text,
		Status:     job.Status.String(),
		LastError:  job.LastError,
		CreatedAt:  job.CreatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
		UpdatedAt:  job.UpdatedAt,
	}
}

func toHTTPError(err error) error {
	var gatewayErr *gateway.GatewayError
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.As(err, &gatewayErr), errors.Is(err, domain.ErrGatewayUnavailable), errors.Is(err, context.DeadlineExceeded):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	default:
		return err
	}
}
