package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/medalert/alert-engine/internal/domain"
	"github.com/medalert/alert-engine/internal/repository"
	"go.uber.org/zap"
)

// StatsSummary aggregates alert lifecycle and delivery outcomes over one time
// window. Latencies cover only alerts that completed the transition inside
// the window's alert set.
type StatsSummary struct {
	From             time.Time
	To               time.Time
	TotalAlerts      int
	CountsByState    map[domain.AlertState]int
	CountsBySeverity map[domain.Severity]int

	MeanTimeToAcknowledge time.Duration
	P95TimeToAcknowledge  time.Duration
	MeanTimeToClose       time.Duration
	P95TimeToClose        time.Duration

	Channels []ChannelStats
}

// ChannelStats is the per-channel delivery rollup. SuccessRate is
// sent/(sent+failed); expired attempts are cancellations, not failures.
type ChannelStats struct {
	Channel     domain.Channel
	Sent        int
	Failed      int
	Expired     int
	SuccessRate float64
}

type StatsService struct {
	alerts   repository.AlertRepository
	attempts repository.AttemptRepository
	logger   *zap.Logger
	now      func() time.Time
}

func NewStatsService(
	alerts repository.AlertRepository,
	attempts repository.AttemptRepository,
	logger *zap.Logger,
) (*StatsService, error) {
	if alerts == nil {
		return nil, fmt.Errorf("alert repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StatsService{
		alerts:   alerts,
		attempts: attempts,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// StatsForDays aggregates over the trailing N days ending now.
func (s *StatsService) StatsForDays(ctx context.Context, days int) (*StatsSummary, error) {
	if days < 1 {
		return nil, fmt.Errorf("%w: days must be >= 1", domain.ErrValidation)
	}
	to := s.now().UTC()
	from := to.AddDate(0, 0, -days)
	return s.Stats(ctx, from, to)
}

func (s *StatsService) Stats(ctx context.Context, from, to time.Time) (*StatsSummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !to.After(from) {
		return nil, fmt.Errorf("%w: stats window end must be after start", domain.ErrValidation)
	}

	alerts, err := s.alerts.ListCreatedBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts for stats: %w", err)
	}

	summary := &StatsSummary{
		From:             from,
		To:               to,
		TotalAlerts:      len(alerts),
		CountsByState:    make(map[domain.AlertState]int),
		CountsBySeverity: make(map[domain.Severity]int),
	}

	var ackLatencies, closeLatencies []time.Duration
	for i := range alerts {
		alert := &alerts[i]
		summary.CountsByState[alert.State]++
		summary.CountsBySeverity[alert.Severity]++

		if latency, ok := alert.TimeToAcknowledge(); ok {
			ackLatencies = append(ackLatencies, latency)
		}
		if latency, ok := alert.TimeToClose(); ok {
			closeLatencies = append(closeLatencies, latency)
		}
	}

	summary.MeanTimeToAcknowledge = meanDuration(ackLatencies)
	summary.P95TimeToAcknowledge = percentileDuration(ackLatencies, 0.95)
	summary.MeanTimeToClose = meanDuration(closeLatencies)
	summary.P95TimeToClose = percentileDuration(closeLatencies, 0.95)

	counts, err := s.attempts.CountByChannelOutcome(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to roll up delivery outcomes: %w", err)
	}
	summary.Channels = channelStatsFromCounts(counts)

	return summary, nil
}

func channelStatsFromCounts(counts []repository.ChannelOutcomeCount) []ChannelStats {
	byChannel := make(map[domain.Channel]*ChannelStats)
	for _, row := range counts {
		stats, ok := byChannel[row.Channel]
		if !ok {
			stats = &ChannelStats{Channel: row.Channel}
			byChannel[row.Channel] = stats
		}
		switch row.Outcome {
		case domain.OutcomeSent:
			stats.Sent += row.Count
		case domain.OutcomeFailed:
			stats.Failed += row.Count
		case domain.OutcomeExpired:
			stats.Expired += row.Count
		}
	}

	result := make([]ChannelStats, 0, len(byChannel))
	for _, stats := range byChannel {
		if total := stats.Sent + stats.Failed; total > 0 {
			stats.SuccessRate = float64(stats.Sent) / float64(total)
		}
		result = append(result, *stats)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Channel < result[j].Channel
	})
	return result
}

func meanDuration(values []time.Duration) time.Duration {
	if len(values) == 0 {
		return 0
	}
	var total time.Duration
	for _, v := range values {
		total += v
	}
	return total / time.Duration(len(values))
}

// percentileDuration uses the nearest-rank method on a sorted copy.
func percentileDuration(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
