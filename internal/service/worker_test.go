package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/medalert/alert-engine/internal/domain"
	"github.com/medalert/alert-engine/internal/provider"
	"github.com/medalert/alert-engine/internal/queue"
)

type workerFixture struct {
	worker    *DeliveryWorker
	tracker   *DeliveryTracker
	attempts  *memAttemptStore
	publisher *fakePublisher
	alert     *domain.Alert
	push      *fakeProvider
	whatsapp  *fakeProvider
	devices   *fakeDeviceRepo
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()

	alert := pendingAlert("alert-1")
	alerts := &fakeAlertRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Alert, error) {
			if id != alert.ID {
				return nil, domain.ErrNotFound
			}
			copied := *alert
			return &copied, nil
		},
	}

	recipient := testRecipient()
	recipients := &fakeRecipientRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Recipient, error) {
			if id != recipient.ID {
				return nil, domain.ErrNotFound
			}
			copied := recipient
			return &copied, nil
		},
	}

	devices := &fakeDeviceRepo{
		tokenForFn: func(ctx context.Context, userID string) (string, error) {
			return "device-token-1", nil
		},
	}

	attempts := newMemAttemptStore()
	publisher := &fakePublisher{}

	tracker, err := NewDeliveryTracker(alerts, attempts, recipients, publisher, testPolicies(), nil)
	if err != nil {
		t.Fatalf("NewDeliveryTracker() error = %v", err)
	}
	clock := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return clock }
	tracker.randIntn = func(n int) int { return 0 }

	push := &fakeProvider{}
	whatsapp := &fakeProvider{}
	providers := map[domain.Channel]provider.Provider{
		domain.ChannelPush:     push,
		domain.ChannelWhatsApp: whatsapp,
	}

	worker, err := NewDeliveryWorker(
		alerts, recipients, devices,
		&fakeConsumer{}, providers, &fakeRateLimiter{},
		tracker, 1, time.Second, nil,
	)
	if err != nil {
		t.Fatalf("NewDeliveryWorker() error = %v", err)
	}

	return &workerFixture{
		worker:    worker,
		tracker:   tracker,
		attempts:  attempts,
		publisher: publisher,
		alert:     alert,
		push:      push,
		whatsapp:  whatsapp,
		devices:   devices,
	}
}

func (fx *workerFixture) openAttempt(t *testing.T) queue.DeliveryMessage {
	t.Helper()
	if err := fx.tracker.StartDelivery(context.Background(), *fx.alert, []domain.Recipient{testRecipient()}, 1); err != nil {
		t.Fatalf("StartDelivery() error = %v", err)
	}
	published := fx.publisher.all()
	return published[len(published)-1].Msg
}

func TestWorkerSendsPushWithResolvedToken(t *testing.T) {
	t.Parallel()

	fx := newWorkerFixture(t)
	msg := fx.openAttempt(t)

	var sentTo string
	fx.push.sendFn = func(ctx context.Context, address string, m provider.Message) (*provider.Response, error) {
		sentTo = address
		if m.TestName != "Potassium" {
			t.Fatalf("message test name = %s, want Potassium", m.TestName)
		}
		return &provider.Response{StatusCode: 200, MessageID: "fcm-1"}, nil
	}

	if err := fx.worker.processMessage(context.Background(), msg); err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}

	if sentTo != "device-token-1" {
		t.Fatalf("push address = %s, want device-token-1", sentTo)
	}
	row, _ := fx.attempts.GetByID(context.Background(), msg.AttemptID)
	if row.Outcome != domain.OutcomeSent {
		t.Fatalf("outcome = %s, want SENT", row.Outcome)
	}
}

func TestWorkerExpiresAttemptForClosedAlertWithoutSending(t *testing.T) {
	t.Parallel()

	fx := newWorkerFixture(t)
	msg := fx.openAttempt(t)

	fx.alert.State = domain.StateClosed
	providerCalled := false
	fx.push.sendFn = func(ctx context.Context, address string, m provider.Message) (*provider.Response, error) {
		providerCalled = true
		return &provider.Response{StatusCode: 200}, nil
	}

	if err := fx.worker.processMessage(context.Background(), msg); err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}

	if providerCalled {
		t.Fatal("provider must not be called for a closed alert")
	}
	row, _ := fx.attempts.GetByID(context.Background(), msg.AttemptID)
	if row.Outcome != domain.OutcomeExpired {
		t.Fatalf("outcome = %s, want EXPIRED", row.Outcome)
	}
}

func TestWorkerMissingDeviceTokenFailsPermanently(t *testing.T) {
	t.Parallel()

	fx := newWorkerFixture(t)
	msg := fx.openAttempt(t)

	fx.devices.tokenForFn = func(ctx context.Context, userID string) (string, error) {
		return "", domain.ErrNotFound
	}
	providerCalled := false
	fx.push.sendFn = func(ctx context.Context, address string, m provider.Message) (*provider.Response, error) {
		providerCalled = true
		return nil, nil
	}

	if err := fx.worker.processMessage(context.Background(), msg); err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}

	if providerCalled {
		t.Fatal("provider must not be called without an address")
	}

	row, _ := fx.attempts.GetByID(context.Background(), msg.AttemptID)
	if row.Outcome != domain.OutcomeFailed {
		t.Fatalf("outcome = %s, want FAILED", row.Outcome)
	}

	// Permanent failure falls back to WhatsApp immediately.
	published := fx.publisher.all()
	last := published[len(published)-1]
	if last.Queue != "whatsapp" {
		t.Fatalf("fallback queue = %s, want whatsapp", last.Queue)
	}
}

func TestWorkerResolvesWhatsAppAddress(t *testing.T) {
	t.Parallel()

	fx := newWorkerFixture(t)

	if err := fx.tracker.beginAttempt(
		context.Background(),
		fx.alert.ID, fx.alert.Severity,
		"rcpt-1", domain.ChannelWhatsApp, 1,
	); err != nil {
		t.Fatalf("beginAttempt() error = %v", err)
	}
	published := fx.publisher.all()
	msg := published[len(published)-1].Msg

	var sentTo string
	fx.whatsapp.sendFn = func(ctx context.Context, address string, m provider.Message) (*provider.Response, error) {
		sentTo = address
		return &provider.Response{StatusCode: 201, MessageID: "wa-1"}, nil
	}

	if err := fx.worker.processMessage(context.Background(), msg); err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}

	if sentTo != "+905551112233" {
		t.Fatalf("whatsapp address = %s, want +905551112233", sentTo)
	}
}

func TestWorkerTransientProviderErrorFeedsRetryPath(t *testing.T) {
	t.Parallel()

	fx := newWorkerFixture(t)
	msg := fx.openAttempt(t)

	fx.push.sendFn = func(ctx context.Context, address string, m provider.Message) (*provider.Response, error) {
		return &provider.Response{StatusCode: 503, Body: "try later"}, transientSendErr()
	}

	if err := fx.worker.processMessage(context.Background(), msg); err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}

	row, _ := fx.attempts.GetByID(context.Background(), msg.AttemptID)
	if row.Outcome != domain.OutcomeFailed {
		t.Fatalf("outcome = %s, want FAILED", row.Outcome)
	}
	if row.Error == nil {
		t.Fatal("failed attempt should record the error detail")
	}
}

func TestWorkerStoreErrorLeavesAttemptOpenForRedelivery(t *testing.T) {
	t.Parallel()

	fx := newWorkerFixture(t)
	msg := fx.openAttempt(t)

	fx.devices.tokenForFn = func(ctx context.Context, userID string) (string, error) {
		return "", errors.New("connection refused")
	}
	providerCalled := false
	fx.push.sendFn = func(ctx context.Context, address string, m provider.Message) (*provider.Response, error) {
		providerCalled = true
		return nil, nil
	}

	err := fx.worker.processMessage(context.Background(), msg)
	if err == nil {
		t.Fatal("processMessage() error = nil, want store error for redelivery")
	}

	if providerCalled {
		t.Fatal("provider must not be called without an address")
	}

	// The attempt is not a delivery outcome yet; it stays PENDING and no
	// fallback opens.
	row, _ := fx.attempts.GetByID(context.Background(), msg.AttemptID)
	if row.Outcome != domain.OutcomePending {
		t.Fatalf("outcome = %s, want PENDING", row.Outcome)
	}
	if got := len(fx.publisher.all()); got != 1 {
		t.Fatalf("published = %d, want 1 (no fallback on store error)", got)
	}
}
