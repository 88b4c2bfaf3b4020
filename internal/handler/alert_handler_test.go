package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/medalert/alert-engine/internal/auth"
	"github.com/medalert/alert-engine/internal/domain"
	"github.com/medalert/alert-engine/internal/repository"
	"github.com/medalert/alert-engine/internal/service"
	"github.com/medalert/alert-engine/internal/transport"
	"go.uber.org/zap"
)

const testJWTSecret = "handler-test-secret"

type stubAlertService struct {
	createFn       func(ctx context.Context, alert *domain.Alert) (*domain.Alert, error)
	acknowledgeFn  func(ctx context.Context, id, actor string) (*domain.Alert, error)
	closeFn        func(ctx context.Context, id, actor, reason string) (*domain.Alert, error)
	getByIDFn      func(ctx context.Context, id string) (*domain.Alert, error)
	listFn         func(ctx context.Context, params repository.ListParams) ([]domain.Alert, int64, error)
	listAttemptsFn func(ctx context.Context, alertID string) ([]domain.DeliveryAttempt, error)
}

func (s *stubAlertService) Create(ctx context.Context, alert *domain.Alert) (*domain.Alert, error) {
	if s.createFn != nil {
		return s.createFn(ctx, alert)
	}
	return alert, nil
}

func (s *stubAlertService) Acknowledge(ctx context.Context, id, actor string) (*domain.Alert, error) {
	if s.acknowledgeFn != nil {
		return s.acknowledgeFn(ctx, id, actor)
	}
	return nil, domain.ErrNotFound
}

func (s *stubAlertService) Close(ctx context.Context, id, actor, reason string) (*domain.Alert, error) {
	if s.closeFn != nil {
		return s.closeFn(ctx, id, actor, reason)
	}
	return nil, domain.ErrNotFound
}

func (s *stubAlertService) GetByID(ctx context.Context, id string) (*domain.Alert, error) {
	if s.getByIDFn != nil {
		return s.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubAlertService) List(ctx context.Context, params repository.ListParams) ([]domain.Alert, int64, error) {
	if s.listFn != nil {
		return s.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (s *stubAlertService) ListAttempts(ctx context.Context, alertID string) ([]domain.DeliveryAttempt, error) {
	if s.listAttemptsFn != nil {
		return s.listAttemptsFn(ctx, alertID)
	}
	return nil, nil
}

type stubStatsService struct {
	statsForDaysFn func(ctx context.Context, days int) (*service.StatsSummary, error)
}

func (s *stubStatsService) StatsForDays(ctx context.Context, days int) (*service.StatsSummary, error) {
	if s.statsForDaysFn != nil {
		return s.statsForDaysFn(ctx, days)
	}
	return &service.StatsSummary{}, nil
}

func newAlertTestApp(t *testing.T, svc AlertService, stats StatsService) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})
	app.Use(auth.Middleware(testJWTSecret))

	if err := RegisterAlertRoutes(app, svc, stats); err != nil {
		t.Fatalf("RegisterAlertRoutes() error = %v", err)
	}

	return app
}

func performRequest(t *testing.T, app *fiber.App, method, path, body, actor, role string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if actor != "" {
		token, err := auth.SignToken(testJWTSecret, actor, role)
		if err != nil {
			t.Fatalf("SignToken() error = %v", err)
		}
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}

func TestCreateAlertAsSender(t *testing.T) {
	t.Parallel()

	svc := &stubAlertService{
		createFn: func(ctx context.Context, alert *domain.Alert) (*domain.Alert, error) {
			if alert.CreatedBy != "lab-1" {
				t.Fatalf("createdBy = %s, want lab-1", alert.CreatedBy)
			}
			alert.ID = "a-created"
			alert.State = domain.StatePending
			alert.CreatedAt = time.Now().UTC()
			return alert, nil
		},
	}

	app := newAlertTestApp(t, svc, &stubStatsService{})

	body := `{"fileNumber":"F-1042","testName":"Potassium","value":"6.8 mmol/L","severity":"high"}`
	resp, respBody := performRequest(t, app, http.MethodPost, "/v1/alerts", body, "lab-1", auth.RoleSender)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", resp.StatusCode, string(respBody))
	}

	var parsed map[string]any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["id"] != "a-created" {
		t.Fatalf("id = %v, want a-created", parsed["id"])
	}
	if parsed["state"] != domain.StatePending.String() {
		t.Fatalf("state = %v, want PENDING", parsed["state"])
	}
}

func TestCreateAlertInvalidSeverity(t *testing.T) {
	t.Parallel()

	app := newAlertTestApp(t, &stubAlertService{}, &stubStatsService{})

	body := `{"fileNumber":"F-1","testName":"K","value":"6.8","severity":"urgent"}`
	resp, _ := performRequest(t, app, http.MethodPost, "/v1/alerts", body, "lab-1", auth.RoleSender)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateAlertForbiddenForReceiver(t *testing.T) {
	t.Parallel()

	app := newAlertTestApp(t, &stubAlertService{}, &stubStatsService{})

	body := `{"fileNumber":"F-1","testName":"K","value":"6.8","severity":"high"}`
	resp, _ := performRequest(t, app, http.MethodPost, "/v1/alerts", body, "dr-a", auth.RoleReceiver)
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestAlertRoutesRequireToken(t *testing.T) {
	t.Parallel()

	app := newAlertTestApp(t, &stubAlertService{}, &stubStatsService{})

	resp, _ := performRequest(t, app, http.MethodGet, "/v1/alerts", "", "", "")
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAcknowledgeClosedAlertConflicts(t *testing.T) {
	t.Parallel()

	svc := &stubAlertService{
		acknowledgeFn: func(ctx context.Context, id, actor string) (*domain.Alert, error) {
			return nil, fmt.Errorf("%w: cannot acknowledge a closed alert", domain.ErrInvalidTransition)
		},
	}

	app := newAlertTestApp(t, svc, &stubStatsService{})

	resp, _ := performRequest(t, app, http.MethodPost, "/v1/alerts/a-1/ack", "", "dr-a", auth.RoleReceiver)
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestGetAlertNotFound(t *testing.T) {
	t.Parallel()

	app := newAlertTestApp(t, &stubAlertService{}, &stubStatsService{})

	resp, _ := performRequest(t, app, http.MethodGet, "/v1/alerts/missing", "", "dr-a", auth.RoleReceiver)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetAlertIncludesAttemptLedger(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc := &stubAlertService{
		getByIDFn: func(ctx context.Context, id string) (*domain.Alert, error) {
			return &domain.Alert{
				ID:         id,
				FileNumber: "F-1",
				TestName:   "Potassium",
				Value:      "6.8",
				Severity:   domain.SeverityHigh,
				State:      domain.StatePending,
				CreatedAt:  created,
			}, nil
		},
		listAttemptsFn: func(ctx context.Context, alertID string) ([]domain.DeliveryAttempt, error) {
			return []domain.DeliveryAttempt{
				{ID: "att-1", AlertID: alertID, RecipientID: "r-1", Channel: domain.ChannelPush, AttemptNumber: 1, Round: 1, Outcome: domain.OutcomeSent, CreatedAt: created},
			}, nil
		},
	}

	app := newAlertTestApp(t, svc, &stubStatsService{})

	resp, body := performRequest(t, app, http.MethodGet, "/v1/alerts/a-1", "", "dr-a", auth.RoleReceiver)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Attempts []map[string]any `json:"attempts"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if len(parsed.Attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(parsed.Attempts))
	}
	if parsed.Attempts[0]["outcome"] != domain.OutcomeSent.String() {
		t.Fatalf("outcome = %v, want SENT", parsed.Attempts[0]["outcome"])
	}
}

func TestListPendingAlertsForcesStateFilter(t *testing.T) {
	t.Parallel()

	svc := &stubAlertService{
		listFn: func(ctx context.Context, params repository.ListParams) ([]domain.Alert, int64, error) {
			if params.State == nil || *params.State != domain.StatePending {
				t.Fatalf("state filter = %v, want PENDING", params.State)
			}
			return nil, 0, nil
		},
	}

	app := newAlertTestApp(t, svc, &stubStatsService{})

	resp, _ := performRequest(t, app, http.MethodGet, "/v1/alerts/pending", "", "dr-a", auth.RoleReceiver)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStatsAdminOnly(t *testing.T) {
	t.Parallel()

	stats := &stubStatsService{
		statsForDaysFn: func(ctx context.Context, days int) (*service.StatsSummary, error) {
			if days != 30 {
				t.Fatalf("days = %d, want 30", days)
			}
			return &service.StatsSummary{TotalAlerts: 12}, nil
		},
	}

	app := newAlertTestApp(t, &stubAlertService{}, stats)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/alerts/stats?days=30", "", "ops-1", auth.RoleAdmin)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["totalAlerts"] != float64(12) {
		t.Fatalf("totalAlerts = %v, want 12", parsed["totalAlerts"])
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/alerts/stats", "", "dr-a", auth.RoleReceiver)
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("status = %d, want 403 for non-admin", resp.StatusCode)
	}
}

func TestStatsDaysValidation(t *testing.T) {
	t.Parallel()

	app := newAlertTestApp(t, &stubAlertService{}, &stubStatsService{})

	resp, _ := performRequest(t, app, http.MethodGet, "/v1/alerts/stats?days=0", "", "ops-1", auth.RoleAdmin)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
