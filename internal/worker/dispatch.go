package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"outreach-scheduler/internal/models"
	"outreach-scheduler/internal/store"
	"outreach-scheduler/internal/telemetry"
)

var (
	// ErrNoAddress marks a lead without an email address. It is never retried.
	ErrNoAddress = errors.New("lead has no email address")
	// ErrLeadMissing marks an enrollment whose lead row no longer exists.
	ErrLeadMissing = errors.New("lead not found")
)

const skippedContacted = "Skipped - already contacted"

// advance takes the selected enrollment through dedup, reply check, content
// resolution and dispatch.
func (s *Scheduler) advance(ctx context.Context, c models.Campaign, e models.CampaignLead, now time.Time) error {
	log := s.logger.With("campaign_id", c.ID, "enrollment_id", e.ID, "lead_id", e.LeadID)

	if e.CurrentStep == 0 {
		contacted, err := s.store.HasPriorOutreach(ctx, c.OwnerID, e.LeadID)
		if err != nil {
			return fmt.Errorf("check prior outreach: %w", err)
		}
		if contacted {
			return s.skipContacted(ctx, e, now, log)
		}
	}

	lead, err := s.store.GetLead(ctx, e.LeadID)
	if errors.Is(err, store.ErrNotFound) {
		return s.failPermanently(ctx, e, ErrLeadMissing, log)
	}
	if err != nil {
		return fmt.Errorf("load lead: %w", err)
	}

	if e.CurrentStep > 0 && e.SentAt != nil {
		replied, err := s.store.HasInboundSince(ctx, e.LeadID, *e.SentAt)
		if err != nil {
			return fmt.Errorf("check replies: %w", err)
		}
		if replied {
			return s.markReplied(ctx, e, log)
		}
	}

	if strings.TrimSpace(lead.Email) == "" {
		return s.failPermanently(ctx, e, ErrNoAddress, log)
	}

	msg, err := s.resolveContent(ctx, c, e, lead, log)
	if errors.Is(err, ErrMissingFollowup) {
		log.Error("template inconsistent with enrollment step, leaving enrollment untouched", "error", err)
		return nil
	}
	if err != nil {
		return s.handleSendFailure(ctx, c, e, err, now, log)
	}

	return s.dispatch(ctx, c, e, lead, msg, now, log)
}

func (s *Scheduler) skipContacted(ctx context.Context, e models.CampaignLead, now time.Time, log *slog.Logger) error {
	reason := skippedContacted
	upd := models.EnrollmentUpdate{
		Status:      models.EnrollmentSent,
		CurrentStep: 1,
		SentAt:      &now,
		RetryCount:  e.RetryCount,
		Error:       &reason,
	}
	if err := s.store.TransitionEnrollment(ctx, e.ID, e.Version(), upd); err != nil {
		return fmt.Errorf("mark enrollment skipped: %w", err)
	}
	telemetry.DedupSkips.Inc()
	log.Info("lead already contacted by another campaign, skipping first send")
	return nil
}

func (s *Scheduler) markReplied(ctx context.Context, e models.CampaignLead, log *slog.Logger) error {
	upd := models.EnrollmentUpdate{
		Status:      models.EnrollmentReplied,
		CurrentStep: e.CurrentStep,
		SentAt:      e.SentAt,
		RetryCount:  e.RetryCount,
		Error:       e.Error,
	}
	if err := s.store.TransitionEnrollment(ctx, e.ID, e.Version(), upd); err != nil {
		return fmt.Errorf("mark enrollment replied: %w", err)
	}
	if err := s.store.MarkLeadReplied(ctx, e.LeadID); err != nil {
		log.Warn("update lead status failed", "error", err)
	}
	telemetry.RepliesTotal.Inc()
	log.Info("reply detected, sequence halted")
	return nil
}

// dispatch sends the message and records the outcome. Once the transport accepted the
// message nothing is treated as a send failure any more: the enrollment is advanced
// first and the remaining bookkeeping errors are only logged.
func (s *Scheduler) dispatch(ctx context.Context, c models.Campaign, e models.CampaignLead, lead models.Lead, msg models.Content, now time.Time, log *slog.Logger) error {
	trackingID := s.trackID()
	err := s.sender.Send(ctx, models.OutboundEmail{
		OwnerID:    c.OwnerID,
		To:         lead.Email,
		Subject:    msg.Subject,
		Body:       msg.Body,
		TrackingID: trackingID,
	})
	if err != nil {
		return s.handleSendFailure(ctx, c, e, err, now, log)
	}
	telemetry.SendsTotal.Inc()

	step := e.CurrentStep
	next := step + 1
	upd := models.EnrollmentUpdate{
		Status:       models.EnrollmentSent,
		CurrentStep:  next,
		NextActionAt: nextActionAt(c.Template.Followups, next, now),
		SentAt:       &now,
		RetryCount:   e.RetryCount,
	}
	if err := s.store.TransitionEnrollment(ctx, e.ID, e.Version(), upd); err != nil {
		log.Error("advance enrollment after send failed", "error", err, "tracking_id", trackingID)
	}

	s.record(ctx, c, e, msg, trackingID, step, now, log)
	log.Info("message sent", "step", step, "to", telemetry.RedactEmail(lead.Email), "tracking_id", trackingID)
	return nil
}

// record appends the send to the conversation log and campaign ledger and fans out
// the side effects of a successful dispatch.
func (s *Scheduler) record(ctx context.Context, c models.Campaign, e models.CampaignLead, msg models.Content, trackingID string, step int, now time.Time, log *slog.Logger) {
	if err := s.store.InsertMessage(ctx, models.Message{
		OwnerID:    c.OwnerID,
		LeadID:     e.LeadID,
		Direction:  models.DirectionOutbound,
		Channel:    models.ChannelEmail,
		Subject:    msg.Subject,
		Body:       msg.Body,
		TrackingID: trackingID,
		Metadata:   map[string]any{"campaignId": c.ID, "step": step},
		CreatedAt:  now,
	}); err != nil {
		log.Error("insert conversation message failed", "error", err, "tracking_id", trackingID)
	}

	if err := s.store.InsertSendRecord(ctx, models.SendRecord{
		CampaignID: c.ID,
		LeadID:     e.LeadID,
		MessageID:  trackingID,
		Subject:    msg.Subject,
		Body:       msg.Body,
		Status:     models.EnrollmentSent,
		Step:       step,
		SentAt:     now,
	}); err != nil {
		log.Error("insert send record failed", "error", err, "tracking_id", trackingID)
	}

	if s.notifier != nil {
		ev := models.Event{Type: models.EventActivityUpdated, OwnerID: c.OwnerID, CampaignID: c.ID, LeadID: e.LeadID, At: now}
		if err := s.notifier.Notify(ctx, c.OwnerID, ev); err != nil {
			log.Warn("notify failed", "error", err)
		}
	}

	if err := s.store.AppendAudit(ctx, models.AuditEntry{
		OwnerID:  c.OwnerID,
		Action:   "campaign_email_sent",
		Detail:   fmt.Sprintf("campaign %q step %d sent to lead %s", c.Name, step, e.LeadID),
		Recorded: now,
	}); err != nil {
		log.Warn("append audit failed", "error", err)
	}

	if err := s.store.IncrementCampaignStat(ctx, c.ID, models.StatSent, 1); err != nil {
		log.Error("increment sent stat failed", "error", err)
	}

	if s.archiver != nil {
		if _, err := s.archiver.Put(ctx, models.ArchivedMessage{
			TrackingID: trackingID,
			OwnerID:    c.OwnerID,
			CampaignID: c.ID,
			LeadID:     e.LeadID,
			Step:       step,
			Subject:    msg.Subject,
			Body:       msg.Body,
			SentAt:     now,
		}); err != nil {
			log.Warn("archive message failed", "error", err)
		}
	}
}

// nextActionAt schedules step `next` if the template defines it, nil otherwise.
func nextActionAt(followups []models.Followup, next int, now time.Time) *time.Time {
	if next > len(followups) {
		return nil
	}
	at := now.Add(time.Duration(followups[next-1].DelayDays) * 24 * time.Hour)
	return &at
}
