package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/medalert/alert-engine/internal/auth"
	"github.com/medalert/alert-engine/internal/domain"
	"github.com/medalert/alert-engine/internal/repository"
	"github.com/medalert/alert-engine/internal/service"
)

const (
	defaultPage      = 1
	defaultPageSize  = 50
	maxPageSize      = 100
	defaultStatsDays = 7
	maxStatsDays     = 90
)

type AlertService interface {
	Create(ctx context.Context, alert *domain.Alert) (*domain.Alert, error)
	Acknowledge(ctx context.Context, id, actor string) (*domain.Alert, error)
	Close(ctx context.Context, id, actor, reason string) (*domain.Alert, error)
	GetByID(ctx context.Context, id string) (*domain.Alert, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.Alert, int64, error)
	ListAttempts(ctx context.Context, alertID string) ([]domain.DeliveryAttempt, error)
}

type StatsService interface {
	StatsForDays(ctx context.Context, days int) (*service.StatsSummary, error)
}

type AlertHandler struct {
	service AlertService
	stats   StatsService
}

func NewAlertHandler(alertService AlertService, statsService StatsService) (*AlertHandler, error) {
	if alertService == nil {
		return nil, fmt.Errorf("alert service is required")
	}
	if statsService == nil {
		return nil, fmt.Errorf("stats service is required")
	}
	return &AlertHandler{service: alertService, stats: statsService}, nil
}

func RegisterAlertRoutes(router fiber.Router, alertService AlertService, statsService StatsService) error {
	h, err := NewAlertHandler(alertService, statsService)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/alerts", auth.RequireRole(auth.RoleSender), h.CreateAlert)
	v1.Get("/alerts", h.ListAlerts)
	v1.Get("/alerts/pending", auth.RequireRole(auth.RoleReceiver), h.ListPendingAlerts)
	v1.Get("/alerts/stats", auth.RequireRole(auth.RoleAdmin), h.GetStats)
	v1.Get("/alerts/:id", h.GetAlert)
	v1.Post("/alerts/:id/ack", auth.RequireRole(auth.RoleReceiver), h.AcknowledgeAlert)
	v1.Put("/alerts/:id/close", auth.RequireRole(auth.RoleReceiver), h.CloseAlert)

	return nil
}

type createAlertRequest struct {
	FileNumber string `json:"fileNumber"`
	TestName   string `json:"testName"`
	Value      string `json:"value"`
	Severity   string `json:"severity"`
}

type closeAlertRequest struct {
	Reason string `json:"reason"`
}

type alertResponse struct {
	ID          string     `json:"id"`
	FileNumber  string     `json:"fileNumber"`
	TestName    string     `json:"testName"`
	Value       string     `json:"value"`
	Severity    string     `json:"severity"`
	State       string     `json:"state"`
	CreatedBy   string     `json:"createdBy"`
	AckedBy     *string    `json:"ackedBy,omitempty"`
	AckedAt     *time.Time `json:"ackedAt,omitempty"`
	ClosedBy    *string    `json:"closedBy,omitempty"`
	ClosedAt    *time.Time `json:"closedAt,omitempty"`
	CloseReason *string    `json:"closeReason,omitempty"`
	NotifyRound int        `json:"notifyRound"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type attemptResponse struct {
	ID                string     `json:"id"`
	RecipientID       string     `json:"recipientId"`
	Channel           string     `json:"channel"`
	AttemptNumber     int        `json:"attemptNumber"`
	Round             int        `json:"round"`
	Outcome           string     `json:"outcome"`
	Error             *string    `json:"error,omitempty"`
	ProviderMessageID *string    `json:"providerMessageId,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
}

type alertDetailResponse struct {
	alertResponse
	Attempts []attemptResponse `json:"attempts"`
}

type listAlertsResponse struct {
	Data []alertResponse `json:"data"`
	Meta listMeta        `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

type statsResponse struct {
	From             string         `json:"from"`
	To               string         `json:"to"`
	TotalAlerts      int            `json:"totalAlerts"`
	CountsByState    map[string]int `json:"countsByState"`
	CountsBySeverity map[string]int `json:"countsBySeverity"`

	MeanTimeToAcknowledgeSeconds float64 `json:"meanTimeToAcknowledgeSeconds"`
	P95TimeToAcknowledgeSeconds  float64 `json:"p95TimeToAcknowledgeSeconds"`
	MeanTimeToCloseSeconds       float64 `json:"meanTimeToCloseSeconds"`
	P95TimeToCloseSeconds        float64 `json:"p95TimeToCloseSeconds"`

	Channels []channelStatsItem `json:"channels"`
}

type channelStatsItem struct {
	Channel     string  `json:"channel"`
	Sent        int     `json:"sent"`
	Failed      int     `json:"failed"`
	Expired     int     `json:"expired"`
	SuccessRate float64 `json:"successRate"`
}

func (h *AlertHandler) CreateAlert(c *fiber.Ctx) error {
	var req createAlertRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	severity, err := domain.ParseSeverityFromString(req.Severity)
	if err != nil {
		return toHTTPError(err)
	}

	alert := domain.Alert{
		FileNumber: strings.TrimSpace(req.FileNumber),
		TestName:   strings.TrimSpace(req.TestName),
		Value:      strings.TrimSpace(req.Value),
		Severity:   severity,
		CreatedBy:  auth.ActorFromContext(c),
	}

	created, err := h.service.Create(c.Context(), &alert)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(toAlertResponse(created))
}

func (h *AlertHandler) GetAlert(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))

	alert, err := h.service.GetByID(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	attempts, err := h.service.ListAttempts(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(alertDetailResponse{
		alertResponse: toAlertResponse(alert),
		Attempts:      toAttemptResponses(attempts),
	})
}

func (h *AlertHandler) AcknowledgeAlert(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))

	alert, err := h.service.Acknowledge(c.Context(), id, auth.ActorFromContext(c))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toAlertResponse(alert))
}

func (h *AlertHandler) CloseAlert(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))

	var req closeAlertRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	alert, err := h.service.Close(c.Context(), id, auth.ActorFromContext(c), req.Reason)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toAlertResponse(alert))
}

func (h *AlertHandler) ListAlerts(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	alerts, total, err := h.service.List(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(listAlertsResponse{
		Data: toAlertResponses(alerts),
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func (h *AlertHandler) ListPendingAlerts(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}
	pending := domain.StatePending
	params.State = &pending

	alerts, total, err := h.service.List(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(listAlertsResponse{
		Data: toAlertResponses(alerts),
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func (h *AlertHandler) GetStats(c *fiber.Ctx) error {
	days := c.QueryInt("days", defaultStatsDays)
	if days < 1 || days > maxStatsDays {
		return toHTTPError(fmt.Errorf("%w: days must be between 1 and %d", domain.ErrValidation, maxStatsDays))
	}

	summary, err := h.stats.StatsForDays(c.Context(), days)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toStatsResponse(summary))
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawState := strings.TrimSpace(c.Query("state")); rawState != "" {
		state, err := domain.ParseAlertStateFromString(rawState)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.State = &state
	}

	if rawSeverity := strings.TrimSpace(c.Query("severity")); rawSeverity != "" {
		severity, err := domain.ParseSeverityFromString(rawSeverity)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Severity = &severity
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func toAlertResponses(alerts []domain.Alert) []alertResponse {
	responses := make([]alertResponse, 0, len(alerts))
	for i := range alerts {
		responses = append(responses, toAlertResponse(&alerts[i]))
	}
	return responses
}

func toAlertResponse(a *domain.Alert) alertResponse {
	if a == nil {
		return alertResponse{}
	}

	return alertResponse{
		ID:          a.ID,
		FileNumber:  a.FileNumber,
		TestName:    a.TestName,
		Value:       a.Value,
		Severity:    a.Severity.String(),
		State:       a.State.String(),
		CreatedBy:   a.CreatedBy,
		AckedBy:     a.AckedBy,
		AckedAt:     a.AckedAt,
		ClosedBy:    a.ClosedBy,
		ClosedAt:    a.ClosedAt,
		CloseReason: a.CloseReason,
		NotifyRound: a.NotifyRound,
		CreatedAt:   a.CreatedAt,
	}
}

func toAttemptResponses(attempts []domain.DeliveryAttempt) []attemptResponse {
	responses := make([]attemptResponse, 0, len(attempts))
	for i := range attempts {
		a := &attempts[i]
		responses = append(responses, attemptResponse{
			ID:                a.ID,
			RecipientID:       a.RecipientID,
			Channel:           a.Channel.String(),
			AttemptNumber:     a.AttemptNumber,
			Round:             a.Round,
			Outcome:           a.Outcome.String(),
			Error:             a.Error,
			ProviderMessageID: a.ProviderMessageID,
			CreatedAt:         a.CreatedAt,
			CompletedAt:       a.CompletedAt,
		})
	}
	return responses
}

func toStatsResponse(s *service.StatsSummary) statsResponse {
	if s == nil {
		return statsResponse{}
	}

	countsByState := make(map[string]int, len(s.CountsByState))
	for state, count := range s.CountsByState {
		countsByState[state.String()] = count
	}
	countsBySeverity := make(map[string]int, len(s.CountsBySeverity))
	for severity, count := range s.CountsBySeverity {
		countsBySeverity[severity.String()] = count
	}

	channels := make([]channelStatsItem, 0, len(s.Channels))
	for _, ch := range s.Channels {
		channels = append(channels, channelStatsItem{
			Channel:     ch.Channel.String(),
			Sent:        ch.Sent,
			Failed:      ch.Failed,
			Expired:     ch.Expired,
			SuccessRate: ch.SuccessRate,
		})
	}

	return statsResponse{
		From:             s.From.Format(time.RFC3339),
		To:               s.To.Format(time.RFC3339),
		TotalAlerts:      s.TotalAlerts,
		CountsByState:    countsByState,
		CountsBySeverity: countsBySeverity,

		MeanTimeToAcknowledgeSeconds: s.MeanTimeToAcknowledge.Seconds(),
		P95TimeToAcknowledgeSeconds:  s.P95TimeToAcknowledge.Seconds(),
		MeanTimeToCloseSeconds:       s.MeanTimeToClose.Seconds(),
		P95TimeToCloseSeconds:        s.P95TimeToClose.Seconds(),

		Channels: channels,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
