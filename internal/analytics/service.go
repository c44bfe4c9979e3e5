package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/finsecure/payrisk/internal/queue"
	"github.com/finsecure/payrisk/internal/repositories"
)

// summaryCacheTTL keeps dashboard queries off the hot tables.
const summaryCacheTTL = 60 * time.Second

// Service answers aggregate questions about recent assessments for
// operator dashboards.
type Service struct {
	events *repositories.RiskEventRepository
	cache  *queue.CacheClient
}

// NewService creates a new analytics service
func NewService(events *repositories.RiskEventRepository, cache *queue.CacheClient) *Service {
	return &Service{events: events, cache: cache}
}

// ActionSummary is the per-action assessment count over a window.
type ActionSummary struct {
	Days         int              `json:"days"`
	Total        int64            `json:"total"`
	Distribution map[string]int64 `json:"distribution"`
}

// GetActionDistribution returns how assessments resolved over the last N
// days.
func (s *Service) GetActionDistribution(ctx context.Context, days int) (*ActionSummary, error) {
	key := fmt.Sprintf("analytics:actions:%d", days)

	var cached ActionSummary
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	}

	dist, err := s.events.ActionDistribution(ctx, time.Now().AddDate(0, 0, -days))
	if err != nil {
		return nil, err
	}

	summary := &ActionSummary{Days: days, Distribution: dist}
	for _, count := range dist {
		summary.Total += count
	}

	if err := s.cache.Set(ctx, key, summary, summaryCacheTTL); err != nil {
		log.Debug().Err(err).Msg("Failed to cache action distribution")
	}

	return summary, nil
}

// TopFlagsSummary lists the most frequently triggered rule flags.
type TopFlagsSummary struct {
	Days  int                      `json:"days"`
	Flags []repositories.FlagCount `json:"flags"`
}

// GetTopFlags returns the most-triggered flags over the last N days.
func (s *Service) GetTopFlags(ctx context.Context, days, limit int) (*TopFlagsSummary, error) {
	key := fmt.Sprintf("analytics:flags:%d:%d", days, limit)

	var cached TopFlagsSummary
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	}

	flags, err := s.events.TopFlags(ctx, time.Now().AddDate(0, 0, -days), limit)
	if err != nil {
		return nil, err
	}

	summary := &TopFlagsSummary{Days: days, Flags: flags}
	if err := s.cache.Set(ctx, key, summary, summaryCacheTTL); err != nil {
		log.Debug().Err(err).Msg("Failed to cache top flags")
	}

	return summary, nil
}
