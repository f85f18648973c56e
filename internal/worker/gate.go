package worker

import (
	"context"
	"fmt"
	"time"

	"outreach-scheduler/internal/models"
	"outreach-scheduler/internal/telemetry"
)

const (
	manualBaseDelay   = 2 * time.Minute
	manualJitterRange = time.Minute
)

// checkGate decides whether the campaign may send at all right now. It returns the
// refusal reason, or "" when a send is allowed.
func (s *Scheduler) checkGate(ctx context.Context, c models.Campaign, now time.Time) (string, error) {
	if c.Config.DailyLimit > 0 {
		sent, err := s.store.CountSentSince(ctx, c.ID, startOfDay(now, s.location))
		if err != nil {
			return "", fmt.Errorf("count today's sends: %w", err)
		}
		if sent >= c.Config.DailyLimit {
			return telemetry.RefusalDailyCap, nil
		}
	}

	last, err := s.store.LastSentAt(ctx, c.ID)
	if err != nil {
		return "", fmt.Errorf("load last send time: %w", err)
	}
	if last != nil && now.Sub(*last) < s.requiredDelay(c.Config) {
		return telemetry.RefusalDelay, nil
	}
	return "", nil
}

// requiredDelay is the minimum spacing since the campaign's previous send. Manual
// campaigns wait 2 minutes plus a fresh random 0-1 minute on every check.
func (s *Scheduler) requiredDelay(cfg models.CampaignConfig) time.Duration {
	if cfg.IsManual {
		return manualBaseDelay + time.Duration(s.random()*float64(manualJitterRange))
	}
	if cfg.MinDelayMinutes <= 0 {
		return 0
	}
	return time.Duration(cfg.MinDelayMinutes) * time.Minute
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
