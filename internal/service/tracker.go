package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medalert/alert-engine/internal/domain"
	"github.com/medalert/alert-engine/internal/observability"
	"github.com/medalert/alert-engine/internal/provider"
	"github.com/medalert/alert-engine/internal/queue"
	"github.com/medalert/alert-engine/internal/repository"
	"go.uber.org/zap"
)

const maxRetryJitterMillis = 500

// tripleKey identifies one (alert, recipient, channel) delivery stream.
type tripleKey struct {
	alertID     string
	recipientID string
	channel     domain.Channel
}

// tripleState tracks attempt numbering and the per-round retry budget for one
// triple. Attempt numbers never reset; the budget resets when a new
// escalation round opens the triple again.
type tripleState struct {
	lastAttempt     int
	attemptsInRound int
	round           int
}

// DeliveryTracker owns the delivery ledger: it opens attempts, records their
// outcomes, schedules retries with exponential backoff, falls back to the next
// policy channel when a channel's budget is spent, and cancels everything when
// the alert closes.
type DeliveryTracker struct {
	alerts     repository.AlertRepository
	attempts   repository.AttemptRepository
	recipients repository.RecipientRepository
	publisher  queue.Publisher
	policies   domain.PolicySet
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
	randIntn   func(n int) int

	mu      sync.Mutex
	triples map[tripleKey]*tripleState
	timers  *timerQueue
	wake    chan struct{}
}

func NewDeliveryTracker(
	alerts repository.AlertRepository,
	attempts repository.AttemptRepository,
	recipients repository.RecipientRepository,
	publisher queue.Publisher,
	policies domain.PolicySet,
	logger *zap.Logger,
) (*DeliveryTracker, error) {
	if alerts == nil {
		return nil, fmt.Errorf("alert repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if recipients == nil {
		return nil, fmt.Errorf("recipient repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if err := policies.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeliveryTracker{
		alerts:     alerts,
		attempts:   attempts,
		recipients: recipients,
		publisher:  publisher,
		policies:   policies,
		logger:     logger,
		now:        time.Now,
		randIntn:   rand.Intn,
		triples:    make(map[tripleKey]*tripleState),
		timers:     newTimerQueue(),
		wake:       make(chan struct{}, 1),
	}, nil
}

func (t *DeliveryTracker) SetMetrics(metrics *observability.Metrics) {
	if t == nil {
		return
	}
	t.metrics = metrics
}

// StartDelivery opens one attempt per recipient on the first policy channel
// the recipient has enabled. Round 1 is the initial fan-out; higher rounds are
// escalations and reset each triple's retry budget.
func (t *DeliveryTracker) StartDelivery(ctx context.Context, alert domain.Alert, recipients []domain.Recipient, round int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if round < 1 {
		round = 1
	}

	policy := t.policies.For(alert.Severity)
	opened := 0
	for i := range recipients {
		recipient := recipients[i]
		channel, ok := firstUsableChannel(policy, &recipient)
		if !ok {
			t.logger.Warn("recipient has no usable channel",
				zap.String("alertId", alert.ID),
				zap.String("recipientId", recipient.ID),
			)
			continue
		}

		if err := t.beginAttempt(ctx, alert.ID, alert.Severity, recipient.ID, channel, round); err != nil {
			t.logger.Error("failed to open delivery attempt",
				zap.String("alertId", alert.ID),
				zap.String("recipientId", recipient.ID),
				zap.String("channel", channel.String()),
				zap.Error(err),
			)
			continue
		}
		opened++
	}

	if opened == 0 && len(recipients) > 0 {
		return fmt.Errorf("no delivery attempt could be opened for alert %s", alert.ID)
	}
	return nil
}

// RecordOutcome finalizes the attempt a worker just executed and decides what
// happens next: nothing on success, a backoff retry while the channel budget
// lasts, fallback to the next policy channel once it is spent, and delivery
// exhaustion when no channel remains.
func (t *DeliveryTracker) RecordOutcome(ctx context.Context, msg queue.DeliveryMessage, resp *provider.Response, sendErr error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	now := t.now().UTC()
	channelName := strings.ToLower(msg.Channel.String())

	if sendErr == nil {
		var providerMsgID *string
		if resp != nil && strings.TrimSpace(resp.MessageID) != "" {
			providerMsgID = &resp.MessageID
		}

		finalized, err := t.attempts.Finalize(ctx, msg.AttemptID, domain.OutcomeSent, nil, providerMsgID, now)
		if err != nil {
			return fmt.Errorf("failed to finalize attempt as sent: %w", err)
		}
		if !finalized {
			// Already expired by a concurrent close; the send raced the
			// cancellation and its result is discarded.
			t.logger.Warn("sent outcome discarded, attempt already finalized",
				zap.String("attemptId", msg.AttemptID),
				zap.String("alertId", msg.AlertID),
			)
			return nil
		}

		if t.metrics != nil {
			t.metrics.IncNotificationSent(channelName)
		}
		t.logger.Info("notification sent",
			zap.String("alertId", msg.AlertID),
			zap.String("recipientId", msg.RecipientID),
			zap.String("channel", channelName),
			zap.Int("attemptNumber", msg.AttemptNumber),
		)
		return nil
	}

	errDetail := sendErr.Error()
	finalized, err := t.attempts.Finalize(ctx, msg.AttemptID, domain.OutcomeFailed, &errDetail, nil, now)
	if err != nil {
		return fmt.Errorf("failed to finalize attempt as failed: %w", err)
	}
	if !finalized {
		return nil
	}

	policy := t.policies.For(msg.Severity)
	retryable := provider.IsRetryable(sendErr)

	if retryable && t.retryBudgetLeft(msg, policy) {
		delay := t.computeRetryDelay(msg.AttemptNumber, policy)
		t.scheduleRetry(msg, now.Add(delay))
		if t.metrics != nil {
			t.metrics.IncRetryScheduled(channelName)
		}
		t.logger.Info("retry scheduled",
			zap.String("alertId", msg.AlertID),
			zap.String("recipientId", msg.RecipientID),
			zap.String("channel", channelName),
			zap.Int("attemptNumber", msg.AttemptNumber),
			zap.Duration("delay", delay),
		)
		return nil
	}

	if t.metrics != nil {
		reason := "permanent_error"
		if retryable {
			reason = "retry_exhausted"
		}
		t.metrics.IncNotificationFailed(channelName, reason)
	}

	return t.fallbackOrExhaust(ctx, msg, policy)
}

// MarkExpired finalizes an attempt as EXPIRED without a provider send. Workers
// call it when the alert closed before the job reached the provider.
func (t *DeliveryTracker) MarkExpired(ctx context.Context, attemptID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := t.attempts.Finalize(ctx, attemptID, domain.OutcomeExpired, nil, nil, t.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to expire attempt: %w", err)
	}
	return nil
}

// CancelAlert stops all delivery work for a closed alert: scheduled retries
// are dropped and every still-pending attempt row is expired.
func (t *DeliveryTracker) CancelAlert(ctx context.Context, alertID string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	t.mu.Lock()
	removed := t.timers.removeAlert(alertID)
	for key := range t.triples {
		if key.alertID == alertID {
			delete(t.triples, key)
		}
	}
	t.mu.Unlock()

	expired, err := t.attempts.ExpirePendingForAlert(ctx, alertID, t.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to expire pending attempts: %w", err)
	}

	t.logger.Info("alert delivery cancelled",
		zap.String("alertId", alertID),
		zap.Int("timersRemoved", removed),
		zap.Int64("attemptsExpired", expired),
	)
	return nil
}

// Run drives the retry timer queue until context cancellation.
func (t *DeliveryTracker) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		t.processDue(ctx)

		wait := time.Hour
		t.mu.Lock()
		if next, ok := t.timers.peek(); ok {
			wait = next.dueAt.Sub(t.now())
			if wait < 0 {
				wait = 0
			}
		}
		t.mu.Unlock()

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return nil
		case <-t.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
	}
}

// processDue fires every timer that is due now. Exposed to the run loop and to
// tests driving an injected clock.
func (t *DeliveryTracker) processDue(ctx context.Context) {
	for {
		t.mu.Lock()
		item, ok := t.timers.popDue(t.now())
		t.mu.Unlock()
		if !ok {
			return
		}
		t.fireRetry(ctx, item)
	}
}

func (t *DeliveryTracker) fireRetry(ctx context.Context, item *retryTimer) {
	alert, err := t.alerts.GetByID(ctx, item.alertID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return
		}
		t.logger.Error("failed to load alert for retry",
			zap.String("alertId", item.alertID),
			zap.Error(err),
		)
		return
	}
	if alert.State == domain.StateClosed {
		return
	}

	if err := t.beginAttempt(ctx, item.alertID, item.severity, item.recipientID, item.channel, item.round); err != nil {
		t.logger.Error("failed to open retry attempt",
			zap.String("alertId", item.alertID),
			zap.String("recipientId", item.recipientID),
			zap.String("channel", item.channel.String()),
			zap.Error(err),
		)
	}
}

// beginAttempt creates a PENDING ledger row and publishes the matching job.
// The row exists before the job, so workers only execute ledgered work.
func (t *DeliveryTracker) beginAttempt(
	ctx context.Context,
	alertID string,
	severity domain.Severity,
	recipientID string,
	channel domain.Channel,
	round int,
) error {
	key := tripleKey{alertID: alertID, recipientID: recipientID, channel: channel}

	// A triple the tracker has not seen this process lifetime may already
	// have ledger rows from before a restart. Seed numbering from the ledger
	// so new rows keep the unique (triple, attempt_number) constraint.
	t.mu.Lock()
	_, known := t.triples[key]
	t.mu.Unlock()

	seed := 0
	if !known {
		n, err := t.attempts.MaxAttemptNumber(ctx, alertID, recipientID, channel)
		if err != nil {
			return fmt.Errorf("failed to seed attempt numbering: %w", err)
		}
		seed = n
	}

	t.mu.Lock()
	state, ok := t.triples[key]
	if !ok {
		state = &tripleState{round: round, lastAttempt: seed}
		t.triples[key] = state
	}
	if state.round != round {
		state.round = round
		state.attemptsInRound = 0
	}
	state.lastAttempt++
	state.attemptsInRound++
	attemptNumber := state.lastAttempt
	t.mu.Unlock()

	attempt := &domain.DeliveryAttempt{
		ID:            uuid.NewString(),
		AlertID:       alertID,
		RecipientID:   recipientID,
		Channel:       channel,
		AttemptNumber: attemptNumber,
		Round:         round,
		Outcome:       domain.OutcomePending,
		CreatedAt:     t.now().UTC(),
	}
	if err := t.attempts.Create(ctx, attempt); err != nil {
		return fmt.Errorf("failed to create attempt row: %w", err)
	}

	msg := queue.DeliveryMessage{
		AttemptID:     attempt.ID,
		AlertID:       alertID,
		RecipientID:   recipientID,
		Channel:       channel,
		AttemptNumber: attemptNumber,
		Round:         round,
		Severity:      severity,
	}
	if err := t.publisher.Publish(ctx, queue.QueueName(channel), msg); err != nil {
		// The row stays ledgered; fail it and run the normal failure path so
		// the attempt is retried or falls back like a transient send error.
		errDetail := fmt.Sprintf("publish failed: %v", err)
		if _, finalizeErr := t.attempts.Finalize(ctx, attempt.ID, domain.OutcomeFailed, &errDetail, nil, t.now().UTC()); finalizeErr != nil {
			t.logger.Error("failed to finalize attempt after publish error",
				zap.String("attemptId", attempt.ID),
				zap.Error(finalizeErr),
			)
		}

		policy := t.policies.For(severity)
		if t.retryBudgetLeft(msg, policy) {
			t.scheduleRetry(msg, t.now().UTC().Add(t.computeRetryDelay(attemptNumber, policy)))
			return nil
		}
		return fmt.Errorf("failed to publish delivery job: %w", err)
	}

	return nil
}

func (t *DeliveryTracker) fallbackOrExhaust(ctx context.Context, msg queue.DeliveryMessage, policy domain.Policy) error {
	fallback, ok := policy.Fallback(msg.Channel)
	if ok {
		recipient, err := t.recipients.GetByID(ctx, msg.RecipientID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("failed to load recipient for fallback: %w", err)
		}
		if recipient != nil && recipient.HasChannel(fallback) {
			t.logger.Info("falling back to next channel",
				zap.String("alertId", msg.AlertID),
				zap.String("recipientId", msg.RecipientID),
				zap.String("from", msg.Channel.String()),
				zap.String("to", fallback.String()),
			)
			return t.beginAttempt(ctx, msg.AlertID, msg.Severity, msg.RecipientID, fallback, msg.Round)
		}
	}

	if t.metrics != nil {
		t.metrics.IncDeliveryExhausted("recipient")
	}
	t.logger.Error("delivery exhausted for recipient",
		zap.String("alertId", msg.AlertID),
		zap.String("recipientId", msg.RecipientID),
		zap.String("channel", msg.Channel.String()),
		zap.Error(domain.ErrDeliveryExhausted),
	)
	return nil
}

// retryBudgetLeft reports whether the triple may try its current channel again
// in this round.
func (t *DeliveryTracker) retryBudgetLeft(msg queue.DeliveryMessage, policy domain.Policy) bool {
	key := tripleKey{alertID: msg.AlertID, recipientID: msg.RecipientID, channel: msg.Channel}

	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.triples[key]
	if !ok {
		// Unknown triple (e.g. after restart); fall back to the message's
		// attempt number as the budget spent so far.
		return msg.AttemptNumber < policy.MaxRetriesFor(msg.Channel)
	}
	return state.attemptsInRound < policy.MaxRetriesFor(msg.Channel)
}

func (t *DeliveryTracker) scheduleRetry(msg queue.DeliveryMessage, dueAt time.Time) {
	t.mu.Lock()
	t.timers.schedule(&retryTimer{
		dueAt:       dueAt,
		alertID:     msg.AlertID,
		recipientID: msg.RecipientID,
		channel:     msg.Channel,
		round:       msg.Round,
		severity:    msg.Severity,
	})
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *DeliveryTracker) computeRetryDelay(attemptNumber int, policy domain.Policy) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	base := policy.RetryBaseDelay
	if base <= 0 {
		base = domain.DefaultRetryBaseDelay
	}
	maxDelay := policy.RetryMaxDelay
	if maxDelay < base {
		maxDelay = domain.DefaultRetryMaxDelay
	}

	delay := base
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	jitterMillis := 0
	if t.randIntn != nil {
		jitterMillis = t.randIntn(maxRetryJitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}

func firstUsableChannel(policy domain.Policy, recipient *domain.Recipient) (domain.Channel, bool) {
	for _, channel := range policy.Channels {
		if recipient.HasChannel(channel) {
			return channel, true
		}
	}
	return "", false
}
