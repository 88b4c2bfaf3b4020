package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/medalert/alert-engine/internal/auth"
	"github.com/medalert/alert-engine/internal/domain"
	"github.com/medalert/alert-engine/internal/provider"
	"github.com/medalert/alert-engine/internal/transport"
	"go.uber.org/zap"
)

type stubTokenResolver struct {
	tokenForFn func(ctx context.Context, userID string) (string, error)
}

func (s *stubTokenResolver) TokenFor(ctx context.Context, userID string) (string, error) {
	if s.tokenForFn != nil {
		return s.tokenForFn(ctx, userID)
	}
	return "", domain.ErrNotFound
}

type stubPushProvider struct {
	sendFn func(ctx context.Context, address string, msg provider.Message) (*provider.Response, error)
}

func (s *stubPushProvider) Send(ctx context.Context, address string, msg provider.Message) (*provider.Response, error) {
	if s.sendFn != nil {
		return s.sendFn(ctx, address, msg)
	}
	return &provider.Response{StatusCode: 200}, nil
}

func newTestNotificationApp(t *testing.T, devices TokenResolver, push provider.Provider) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})
	app.Use(auth.Middleware(testJWTSecret))

	if err := RegisterTestNotificationRoutes(app, devices, push); err != nil {
		t.Fatalf("RegisterTestNotificationRoutes() error = %v", err)
	}

	return app
}

func TestSendTestNotificationToCallerDevice(t *testing.T) {
	t.Parallel()

	devices := &stubTokenResolver{
		tokenForFn: func(ctx context.Context, userID string) (string, error) {
			if userID != "dr-a" {
				t.Fatalf("userId = %s, want dr-a", userID)
			}
			return "device-token-1", nil
		},
	}
	var sentTo string
	push := &stubPushProvider{
		sendFn: func(ctx context.Context, address string, msg provider.Message) (*provider.Response, error) {
			sentTo = address
			return &provider.Response{StatusCode: 200, MessageID: "fcm-1"}, nil
		},
	}

	app := newTestNotificationApp(t, devices, push)

	resp, body := performRequest(t, app, http.MethodPost, "/v1/notifications/test", "", "dr-a", auth.RoleReceiver)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	if sentTo != "device-token-1" {
		t.Fatalf("sent to = %s, want device-token-1", sentTo)
	}
}

func TestSendTestNotificationWithoutRegisteredDevice(t *testing.T) {
	t.Parallel()

	app := newTestNotificationApp(t, &stubTokenResolver{}, &stubPushProvider{})

	resp, _ := performRequest(t, app, http.MethodPost, "/v1/notifications/test", "", "dr-a", auth.RoleReceiver)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSendTestNotificationProviderFailure(t *testing.T) {
	t.Parallel()

	devices := &stubTokenResolver{
		tokenForFn: func(ctx context.Context, userID string) (string, error) {
			return "device-token-1", nil
		},
	}
	push := &stubPushProvider{
		sendFn: func(ctx context.Context, address string, msg provider.Message) (*provider.Response, error) {
			return nil, &provider.ProviderError{StatusCode: 503, Message: "unavailable", Retryable: true}
		},
	}

	app := newTestNotificationApp(t, devices, push)

	resp, _ := performRequest(t, app, http.MethodPost, "/v1/notifications/test", "", "dr-a", auth.RoleReceiver)
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

func TestSendTestNotificationWithoutPushConfigured(t *testing.T) {
	t.Parallel()

	app := newTestNotificationApp(t, &stubTokenResolver{}, nil)

	resp, _ := performRequest(t, app, http.MethodPost, "/v1/notifications/test", "", "dr-a", auth.RoleReceiver)
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}
