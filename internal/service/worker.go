package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medalert/alert-engine/internal/domain"
	"github.com/medalert/alert-engine/internal/observability"
	"github.com/medalert/alert-engine/internal/provider"
	"github.com/medalert/alert-engine/internal/queue"
	"github.com/medalert/alert-engine/internal/ratelimit"
	"github.com/medalert/alert-engine/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minWorkerConcurrency   = 1
	defaultProviderTimeout = 10 * time.Second
)

// DeliveryWorker consumes delivery jobs from the channel queues, resolves the
// recipient's address, calls the provider, and hands the outcome back to the
// tracker. It never sends for a closed alert: the alert state is re-checked
// immediately before the provider call.
type DeliveryWorker struct {
	alerts      repository.AlertRepository
	recipients  repository.RecipientRepository
	devices     repository.DeviceRepository
	consumer    queue.Consumer
	providers   map[domain.Channel]provider.Provider
	rateLimiter ratelimit.RateLimiter
	tracker     *DeliveryTracker
	logger      *zap.Logger
	metrics     *observability.Metrics
	concurrency int
	sendTimeout time.Duration
	now         func() time.Time
}

func NewDeliveryWorker(
	alerts repository.AlertRepository,
	recipients repository.RecipientRepository,
	devices repository.DeviceRepository,
	consumer queue.Consumer,
	providers map[domain.Channel]provider.Provider,
	rateLimiter ratelimit.RateLimiter,
	tracker *DeliveryTracker,
	concurrency int,
	sendTimeout time.Duration,
	logger *zap.Logger,
) (*DeliveryWorker, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("delivery tracker is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if sendTimeout <= 0 {
		sendTimeout = defaultProviderTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeliveryWorker{
		alerts:      alerts,
		recipients:  recipients,
		devices:     devices,
		consumer:    consumer,
		providers:   providers,
		rateLimiter: rateLimiter,
		tracker:     tracker,
		logger:      logger,
		concurrency: concurrency,
		sendTimeout: sendTimeout,
		now:         time.Now,
	}, nil
}

func (w *DeliveryWorker) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

// Start consumes the channel work queues until context cancellation.
func (w *DeliveryWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	queueNames := queue.WorkQueueNames()
	if len(queueNames) == 0 {
		return fmt.Errorf("no work queues configured")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		queueName := queueNames[i%len(queueNames)]
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("delivery worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			err := w.consumer.Consume(groupCtx, queueName, w.processMessage)
			if err != nil {
				w.logger.Error("delivery worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("delivery worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)
			return nil
		})
	}

	return g.Wait()
}

func (w *DeliveryWorker) processMessage(ctx context.Context, msg queue.DeliveryMessage) error {
	ctx = observability.WithAlertID(ctx, msg.AlertID)
	logger := observability.WithContextLogger(w.logger, ctx)

	alert, err := w.alerts.GetByID(ctx, msg.AlertID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("alert not found for delivery job, expiring attempt",
				zap.String("attemptId", msg.AttemptID),
			)
			return w.tracker.MarkExpired(ctx, msg.AttemptID)
		}
		return fmt.Errorf("failed to load alert: %w", err)
	}

	if alert.State == domain.StateClosed {
		logger.Info("alert closed before send, expiring attempt",
			zap.String("attemptId", msg.AttemptID),
		)
		return w.tracker.MarkExpired(ctx, msg.AttemptID)
	}

	channelProvider, ok := w.providers[msg.Channel]
	if !ok {
		sendErr := &provider.ProviderError{
			Message:   fmt.Sprintf("no provider configured for channel %s", msg.Channel),
			Retryable: false,
		}
		return w.tracker.RecordOutcome(ctx, msg, nil, sendErr)
	}

	address, addrErr := w.resolveAddress(ctx, msg)
	if addrErr != nil {
		var provErr *provider.ProviderError
		if errors.As(addrErr, &provErr) {
			return w.tracker.RecordOutcome(ctx, msg, nil, addrErr)
		}
		// A store error is not a delivery outcome. Leave the attempt open
		// and fail the handler so the broker redelivers the job.
		return fmt.Errorf("failed to resolve delivery address: %w", addrErr)
	}

	channelName := strings.ToLower(msg.Channel.String())
	if w.metrics != nil {
		w.metrics.IncWorkerInFlight(channelName)
		defer w.metrics.DecWorkerInFlight(channelName)
	}

	if w.rateLimiter != nil {
		if err := w.rateLimiter.Wait(ctx, channelName); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}

	message := provider.Message{
		AlertID:    alert.ID,
		FileNumber: alert.FileNumber,
		TestName:   alert.TestName,
		Value:      alert.Value,
		Severity:   alert.Severity,
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	sendStart := w.now()
	resp, sendErr := channelProvider.Send(sendCtx, address, message)
	cancel()
	if w.metrics != nil {
		w.metrics.ObserveNotificationSendDuration(channelName, w.now().Sub(sendStart))
	}

	if err := w.tracker.RecordOutcome(ctx, msg, resp, sendErr); err != nil {
		return fmt.Errorf("failed to record delivery outcome: %w", err)
	}
	return nil
}

// resolveAddress looks up the recipient's address for the job's channel. A
// missing address is a permanent failure: retrying cannot fix it, so the
// tracker falls back to the next channel immediately.
func (w *DeliveryWorker) resolveAddress(ctx context.Context, msg queue.DeliveryMessage) (string, error) {
	switch msg.Channel {
	case domain.ChannelPush:
		token, err := w.devices.TokenFor(ctx, msg.RecipientID)
		if errors.Is(err, domain.ErrNotFound) {
			return "", &provider.ProviderError{
				Message:   "no device token registered for recipient",
				Retryable: false,
			}
		}
		if err != nil {
			return "", fmt.Errorf("failed to resolve device token: %w", err)
		}
		return token, nil

	case domain.ChannelWhatsApp:
		recipient, err := w.recipients.GetByID(ctx, msg.RecipientID)
		if errors.Is(err, domain.ErrNotFound) {
			return "", &provider.ProviderError{
				Message:   "recipient not found",
				Retryable: false,
			}
		}
		if err != nil {
			return "", fmt.Errorf("failed to load recipient: %w", err)
		}
		if strings.TrimSpace(recipient.WhatsAppTo) == "" {
			return "", &provider.ProviderError{
				Message:   "recipient has no whatsapp number",
				Retryable: false,
			}
		}
		return recipient.WhatsAppTo, nil
	}

	return "", &provider.ProviderError{
		Message:   fmt.Sprintf("unsupported channel %s", msg.Channel),
		Retryable: false,
	}
}
