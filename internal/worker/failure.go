package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"outreach-scheduler/internal/models"
	"outreach-scheduler/internal/telemetry"
)

// retryBackoff is the wait before the given retry: 1h, then 4h, then 24h.
func retryBackoff(retry int) time.Duration {
	switch {
	case retry <= 1:
		return time.Hour
	case retry == 2:
		return 4 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// handleSendFailure records a transient failure and schedules a retry, or abandons the
// enrollment once MaxRetries consecutive failures are reached.
func (s *Scheduler) handleSendFailure(ctx context.Context, c models.Campaign, e models.CampaignLead, cause error, now time.Time, log *slog.Logger) error {
	retries := e.RetryCount + 1
	reason := cause.Error()
	upd := models.EnrollmentUpdate{
		Status:      models.EnrollmentFailed,
		CurrentStep: e.CurrentStep,
		SentAt:      e.SentAt,
		RetryCount:  retries,
		Error:       &reason,
	}

	telemetry.SendFailures.Inc()
	action, detail := "campaign_send_retry_scheduled", ""
	if retries < models.MaxRetries {
		next := now.Add(retryBackoff(retries))
		upd.NextActionAt = &next
		detail = fmt.Sprintf("campaign=%s lead=%s attempts=%d next=%s", c.ID, e.LeadID, retries, next.UTC().Format(time.RFC3339))
		log.Warn("send failed, retry scheduled", "error", cause, "retry_count", retries, "next_action_at", next)
	} else {
		telemetry.AbandonedTotal.Inc()
		action = "campaign_send_abandoned"
		detail = fmt.Sprintf("campaign=%s lead=%s attempts=%d error=%s", c.ID, e.LeadID, retries, reason)
		log.Error("send failed, retries exhausted", "error", cause, "retry_count", retries)
	}

	if err := s.store.TransitionEnrollment(ctx, e.ID, e.Version(), upd); err != nil {
		return fmt.Errorf("record send failure: %w", err)
	}
	if err := s.store.AppendAudit(ctx, models.AuditEntry{OwnerID: c.OwnerID, Action: action, Detail: detail, Recorded: now}); err != nil {
		log.Warn("append audit failed", "error", err)
	}
	return nil
}

// failPermanently marks a data problem that retrying cannot fix. retryCount is left as is
// and no next action is scheduled.
func (s *Scheduler) failPermanently(ctx context.Context, e models.CampaignLead, cause error, log *slog.Logger) error {
	reason := cause.Error()
	upd := models.EnrollmentUpdate{
		Status:      models.EnrollmentFailed,
		CurrentStep: e.CurrentStep,
		SentAt:      e.SentAt,
		RetryCount:  e.RetryCount,
		Error:       &reason,
	}
	if err := s.store.TransitionEnrollment(ctx, e.ID, e.Version(), upd); err != nil {
		return fmt.Errorf("record permanent failure: %w", err)
	}
	telemetry.AbandonedTotal.Inc()
	log.Warn("enrollment failed permanently", "error", cause)
	return nil
}
