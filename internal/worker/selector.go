package worker

import (
	"sort"
	"time"

	"outreach-scheduler/internal/models"
)

// Tie-break order between candidates that are due at the same instant.
const (
	rankRetry = iota
	rankFollowup
	rankPending
)

type candidate struct {
	e    models.CampaignLead
	due  time.Time
	rank int
}

// classify reports whether e may be advanced at now, with its effective due time
// and category rank.
func classify(e models.CampaignLead, followups int, now time.Time) (candidate, bool) {
	switch e.Status {
	case models.EnrollmentPending:
		due := e.CreatedAt
		if e.NextActionAt != nil {
			due = *e.NextActionAt
		}
		return candidate{e: e, due: due, rank: rankPending}, true
	case models.EnrollmentFailed:
		if e.RetryCount < models.MaxRetries && isDue(e.NextActionAt, now) && e.CurrentStep <= followups {
			return candidate{e: e, due: *e.NextActionAt, rank: rankRetry}, true
		}
	case models.EnrollmentSent:
		if isDue(e.NextActionAt, now) && e.CurrentStep <= followups {
			return candidate{e: e, due: *e.NextActionAt, rank: rankFollowup}, true
		}
	}
	return candidate{}, false
}

func isDue(at *time.Time, now time.Time) bool {
	return at != nil && !at.After(now)
}

// SelectNext picks the single enrollment to advance this tick: earliest effective due
// time first, then due retries before due follow-ups before new enrollments, then id.
func SelectNext(enrollments []models.CampaignLead, followups int, now time.Time) (models.CampaignLead, bool) {
	eligible := make([]candidate, 0, len(enrollments))
	for _, e := range enrollments {
		if c, ok := classify(e, followups, now); ok {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return models.CampaignLead{}, false
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if !a.due.Equal(b.due) {
			return a.due.Before(b.due)
		}
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		return a.e.ID < b.e.ID
	})
	return eligible[0].e, true
}
