package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/medalert/alert-engine/internal/domain"
	"github.com/medalert/alert-engine/internal/provider"
	"github.com/medalert/alert-engine/internal/queue"
	"github.com/medalert/alert-engine/internal/repository"
)

type fakeAlertRepo struct {
	createFn                  func(ctx context.Context, a *domain.Alert) error
	getByIDFn                 func(ctx context.Context, id string) (*domain.Alert, error)
	listFn                    func(ctx context.Context, params repository.ListParams) ([]domain.Alert, int64, error)
	markAcknowledgedFn        func(ctx context.Context, id, actor string, at time.Time) (bool, error)
	markClosedFn              func(ctx context.Context, id, actor, reason string, at time.Time) (bool, error)
	markNotifiedFn            func(ctx context.Context, id string, round int, at time.Time) error
	markEscalationExhaustedFn func(ctx context.Context, id string) error
	listEscalationDueFn       func(ctx context.Context, severity domain.Severity, before time.Time, limit int) ([]domain.Alert, error)
	listCreatedBetweenFn      func(ctx context.Context, from, to time.Time) ([]domain.Alert, error)
}

func (f *fakeAlertRepo) Create(ctx context.Context, a *domain.Alert) error {
	if f.createFn != nil {
		return f.createFn(ctx, a)
	}
	return nil
}

func (f *fakeAlertRepo) GetByID(ctx context.Context, id string) (*domain.Alert, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeAlertRepo) List(ctx context.Context, params repository.ListParams) ([]domain.Alert, int64, error) {
	if f.listFn != nil {
		return f.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (f *fakeAlertRepo) MarkAcknowledged(ctx context.Context, id, actor string, at time.Time) (bool, error) {
	if f.markAcknowledgedFn != nil {
		return f.markAcknowledgedFn(ctx, id, actor, at)
	}
	return false, nil
}

func (f *fakeAlertRepo) MarkClosed(ctx context.Context, id, actor, reason string, at time.Time) (bool, error) {
	if f.markClosedFn != nil {
		return f.markClosedFn(ctx, id, actor, reason, at)
	}
	return false, nil
}

func (f *fakeAlertRepo) MarkNotified(ctx context.Context, id string, round int, at time.Time) error {
	if f.markNotifiedFn != nil {
		return f.markNotifiedFn(ctx, id, round, at)
	}
	return nil
}

func (f *fakeAlertRepo) MarkEscalationExhausted(ctx context.Context, id string) error {
	if f.markEscalationExhaustedFn != nil {
		return f.markEscalationExhaustedFn(ctx, id)
	}
	return nil
}

func (f *fakeAlertRepo) ListEscalationDue(ctx context.Context, severity domain.Severity, before time.Time, limit int) ([]domain.Alert, error) {
	if f.listEscalationDueFn != nil {
		return f.listEscalationDueFn(ctx, severity, before, limit)
	}
	return nil, nil
}

func (f *fakeAlertRepo) ListCreatedBetween(ctx context.Context, from, to time.Time) ([]domain.Alert, error) {
	if f.listCreatedBetweenFn != nil {
		return f.listCreatedBetweenFn(ctx, from, to)
	}
	return nil, nil
}

type fakeRecipientRepo struct {
	listActiveFn func(ctx context.Context) ([]domain.Recipient, error)
	getByIDFn    func(ctx context.Context, id string) (*domain.Recipient, error)
	upsertFn     func(ctx context.Context, r *domain.Recipient) error
}

func (f *fakeRecipientRepo) ListActive(ctx context.Context) ([]domain.Recipient, error) {
	if f.listActiveFn != nil {
		return f.listActiveFn(ctx)
	}
	return nil, nil
}

func (f *fakeRecipientRepo) GetByID(ctx context.Context, id string) (*domain.Recipient, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeRecipientRepo) Upsert(ctx context.Context, r *domain.Recipient) error {
	if f.upsertFn != nil {
		return f.upsertFn(ctx, r)
	}
	return nil
}

type fakeDeviceRepo struct {
	registerFn   func(ctx context.Context, userID, token string, at time.Time) error
	unregisterFn func(ctx context.Context, userID string) error
	tokenForFn   func(ctx context.Context, userID string) (string, error)
}

func (f *fakeDeviceRepo) Register(ctx context.Context, userID, token string, at time.Time) error {
	if f.registerFn != nil {
		return f.registerFn(ctx, userID, token, at)
	}
	return nil
}

func (f *fakeDeviceRepo) Unregister(ctx context.Context, userID string) error {
	if f.unregisterFn != nil {
		return f.unregisterFn(ctx, userID)
	}
	return nil
}

func (f *fakeDeviceRepo) TokenFor(ctx context.Context, userID string) (string, error) {
	if f.tokenForFn != nil {
		return f.tokenForFn(ctx, userID)
	}
	return "", domain.ErrNotFound
}

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedMessage
	publishFn func(ctx context.Context, queueName string, msg queue.DeliveryMessage) error
}

type publishedMessage struct {
	Queue string
	Msg   queue.DeliveryMessage
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.DeliveryMessage) error {
	if f.publishFn != nil {
		if err := f.publishFn(ctx, queueName, msg); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.published = append(f.published, publishedMessage{Queue: queueName, Msg: msg})
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) all() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedMessage, len(f.published))
	copy(out, f.published)
	return out
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

type fakeProvider struct {
	sendFn func(ctx context.Context, address string, msg provider.Message) (*provider.Response, error)
}

func (f *fakeProvider) Send(ctx context.Context, address string, msg provider.Message) (*provider.Response, error) {
	if f.sendFn != nil {
		return f.sendFn(ctx, address, msg)
	}
	return &provider.Response{StatusCode: 200, MessageID: "msg-1"}, nil
}

type fakeRateLimiter struct {
	waitFn func(ctx context.Context, channel string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, channel string) (bool, error) { return true, nil }

func (f *fakeRateLimiter) Wait(ctx context.Context, channel string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, channel)
	}
	return nil
}

type fakeResolver struct {
	resolveFn func(ctx context.Context, alert domain.Alert) ([]domain.Recipient, error)
}

func (f *fakeResolver) Resolve(ctx context.Context, alert domain.Alert) ([]domain.Recipient, error) {
	if f.resolveFn != nil {
		return f.resolveFn(ctx, alert)
	}
	return nil, nil
}

// memAttemptStore is an in-memory AttemptRepository with the same
// finalize-once semantics as the gorm implementation. Scenario tests assert
// against its ledger directly.
type memAttemptStore struct {
	mu    sync.Mutex
	rows  map[string]*domain.DeliveryAttempt
	order []string
}

func newMemAttemptStore() *memAttemptStore {
	return &memAttemptStore{rows: make(map[string]*domain.DeliveryAttempt)}
}

func (s *memAttemptStore) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[a.ID]; exists {
		return fmt.Errorf("duplicate attempt id %s", a.ID)
	}
	row := *a
	s.rows[a.ID] = &row
	s.order = append(s.order, a.ID)
	return nil
}

func (s *memAttemptStore) GetByID(ctx context.Context, id string) (*domain.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *row
	return &copied, nil
}

func (s *memAttemptStore) ListByAlert(ctx context.Context, alertID string) ([]domain.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DeliveryAttempt
	for _, id := range s.order {
		if s.rows[id].AlertID == alertID {
			out = append(out, *s.rows[id])
		}
	}
	return out, nil
}

func (s *memAttemptStore) Finalize(ctx context.Context, id string, outcome domain.Outcome, errDetail, providerMsgID *string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || row.Outcome != domain.OutcomePending {
		return false, nil
	}
	row.Outcome = outcome
	row.CompletedAt = &at
	if errDetail != nil {
		row.Error = errDetail
	}
	if providerMsgID != nil {
		row.ProviderMessageID = providerMsgID
	}
	return true, nil
}

func (s *memAttemptStore) ExpirePendingForAlert(ctx context.Context, alertID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired int64
	for _, row := range s.rows {
		if row.AlertID == alertID && row.Outcome == domain.OutcomePending {
			row.Outcome = domain.OutcomeExpired
			row.CompletedAt = &at
			expired++
		}
	}
	return expired, nil
}

func (s *memAttemptStore) MaxAttemptNumber(ctx context.Context, alertID, recipientID string, channel domain.Channel) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, row := range s.rows {
		if row.AlertID == alertID && row.RecipientID == recipientID && row.Channel == channel && row.AttemptNumber > max {
			max = row.AttemptNumber
		}
	}
	return max, nil
}

func (s *memAttemptStore) CountByChannelOutcome(ctx context.Context, from, to time.Time) ([]repository.ChannelOutcomeCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type key struct {
		channel domain.Channel
		outcome domain.Outcome
	}
	counts := make(map[key]int)
	for _, row := range s.rows {
		counts[key{row.Channel, row.Outcome}]++
	}
	out := make([]repository.ChannelOutcomeCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, repository.ChannelOutcomeCount{Channel: k.channel, Outcome: k.outcome, Count: n})
	}
	return out, nil
}

// byOutcome partitions the ledger of one alert for assertions.
func (s *memAttemptStore) byOutcome(alertID string, outcome domain.Outcome) []domain.DeliveryAttempt {
	rows, _ := s.ListByAlert(context.Background(), alertID)
	var out []domain.DeliveryAttempt
	for _, row := range rows {
		if row.Outcome == outcome {
			out = append(out, row)
		}
	}
	return out
}

var (
	_ repository.AlertRepository     = (*fakeAlertRepo)(nil)
	_ repository.AttemptRepository   = (*memAttemptStore)(nil)
	_ repository.RecipientRepository = (*fakeRecipientRepo)(nil)
	_ repository.DeviceRepository    = (*fakeDeviceRepo)(nil)
	_ queue.Publisher                = (*fakePublisher)(nil)
	_ queue.Consumer                 = (*fakeConsumer)(nil)
	_ provider.Provider              = (*fakeProvider)(nil)
	_ RecipientResolver              = (*fakeResolver)(nil)
)
