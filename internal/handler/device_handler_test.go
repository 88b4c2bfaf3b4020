package handler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/medalert/alert-engine/internal/auth"
	"github.com/medalert/alert-engine/internal/transport"
	"go.uber.org/zap"
)

type stubDeviceRegistry struct {
	registerFn   func(ctx context.Context, userID, token string, at time.Time) error
	unregisterFn func(ctx context.Context, userID string) error
}

func (s *stubDeviceRegistry) Register(ctx context.Context, userID, token string, at time.Time) error {
	if s.registerFn != nil {
		return s.registerFn(ctx, userID, token, at)
	}
	return nil
}

func (s *stubDeviceRegistry) Unregister(ctx context.Context, userID string) error {
	if s.unregisterFn != nil {
		return s.unregisterFn(ctx, userID)
	}
	return nil
}

func newDeviceTestApp(t *testing.T, devices DeviceRegistry) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})
	app.Use(auth.Middleware(testJWTSecret))

	if err := RegisterDeviceRoutes(app, devices); err != nil {
		t.Fatalf("RegisterDeviceRoutes() error = %v", err)
	}

	return app
}

func TestRegisterDeviceBindsTokenToActor(t *testing.T) {
	t.Parallel()

	var gotUser, gotToken string
	devices := &stubDeviceRegistry{
		registerFn: func(ctx context.Context, userID, token string, at time.Time) error {
			gotUser = userID
			gotToken = token
			return nil
		},
	}

	app := newDeviceTestApp(t, devices)

	body := `{"token":"fcm-device-token"}`
	resp, respBody := performRequest(t, app, http.MethodPost, "/v1/devices", body, "dr-a", auth.RoleReceiver)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(respBody))
	}
	if gotUser != "dr-a" {
		t.Fatalf("userId = %s, want dr-a", gotUser)
	}
	if gotToken != "fcm-device-token" {
		t.Fatalf("token = %s, want fcm-device-token", gotToken)
	}
}

func TestRegisterDeviceRequiresToken(t *testing.T) {
	t.Parallel()

	app := newDeviceTestApp(t, &stubDeviceRegistry{})

	resp, _ := performRequest(t, app, http.MethodPost, "/v1/devices", `{"token":""}`, "dr-a", auth.RoleReceiver)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUnregisterDevice(t *testing.T) {
	t.Parallel()

	unregistered := false
	devices := &stubDeviceRegistry{
		unregisterFn: func(ctx context.Context, userID string) error {
			if userID != "dr-a" {
				t.Fatalf("userId = %s, want dr-a", userID)
			}
			unregistered = true
			return nil
		},
	}

	app := newDeviceTestApp(t, devices)

	resp, _ := performRequest(t, app, http.MethodDelete, "/v1/devices", "", "dr-a", auth.RoleReceiver)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !unregistered {
		t.Fatal("expected unregister to be called")
	}
}
