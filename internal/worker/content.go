package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"outreach-scheduler/internal/content"
	"outreach-scheduler/internal/models"
	"outreach-scheduler/internal/telemetry"
)

// ErrMissingFollowup means the enrollment points at a follow-up step the template does not define.
var ErrMissingFollowup = errors.New("follow-up step not defined in template")

// resolveContent builds the rendered subject and body for the enrollment's current step.
func (s *Scheduler) resolveContent(ctx context.Context, c models.Campaign, e models.CampaignLead, lead models.Lead, log *slog.Logger) (models.Content, error) {
	tpl := c.Template
	msg := models.Content{Subject: tpl.Subject, Body: tpl.Body}

	if e.CurrentStep > 0 {
		idx := e.CurrentStep - 1
		if idx >= len(tpl.Followups) {
			return models.Content{}, fmt.Errorf("step %d of %d: %w", e.CurrentStep, len(tpl.Followups), ErrMissingFollowup)
		}
		msg.Body = tpl.Followups[idx].Body
		msg.Subject = replySubject(tpl.Subject)
	}

	if !c.Config.IsManual && s.generator != nil {
		generated, err := s.generator.Generate(ctx, lead, c.OwnerID)
		switch {
		case err != nil:
			telemetry.AIFallbacks.Inc()
			log.Debug("ai generation failed, using template", "error", err)
		case strings.TrimSpace(generated.Subject) == "" || strings.TrimSpace(generated.Body) == "":
			telemetry.AIFallbacks.Inc()
			log.Debug("ai generation incomplete, using template")
		default:
			msg = generated
		}
	}

	return s.renderer.Render(msg, content.VarsFor(lead, tpl.Subject)), nil
}

func replySubject(subject string) string {
	if strings.HasPrefix(subject, "Re: ") {
		return subject
	}
	return "Re: " + subject
}
