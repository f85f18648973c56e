package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach-scheduler/internal/models"
)

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type harness struct {
	store  *fakeStore
	sender *fakeSender
	sched  *Scheduler

	mu  sync.Mutex
	now time.Time
	ids int
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{store: newFakeStore(), sender: &fakeSender{}, now: t0}
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithLocation(time.UTC),
		WithClock(h.clock),
		WithRandom(func() float64 { return 0.5 }),
		WithTrackingIDs(func() string {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.ids++
			return fmt.Sprintf("trk-%d", h.ids)
		}),
	}
	h.sched = New(h.store, h.sender, append(base, opts...)...)
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) set(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = t
}

func (h *harness) runOnce(t *testing.T) {
	t.Helper()
	require.NoError(t, h.sched.RunOnce(context.Background()))
}

func ptr(t time.Time) *time.Time { return &t }

func seedLeads(h *harness, campaignID string, n int) {
	for i := 1; i <= n; i++ {
		leadID := fmt.Sprintf("%s-lead-%d", campaignID, i)
		h.store.addLead(models.Lead{ID: leadID, OwnerID: "owner-1", Name: fmt.Sprintf("Lead %d", i), Email: fmt.Sprintf("lead%d@example.com", i)})
		h.store.enroll(models.CampaignLead{
			ID:         fmt.Sprintf("%s-e%d", campaignID, i),
			CampaignID: campaignID,
			LeadID:     leadID,
			CreatedAt:  t0.Add(-time.Duration(n-i+1) * time.Hour),
		})
	}
}

func TestDailyCapStopsFurtherSends(t *testing.T) {
	h := newHarness(t)
	h.store.addCampaign(models.Campaign{
		ID: "c1", OwnerID: "owner-1", Name: "Launch",
		Config:   models.CampaignConfig{DailyLimit: 1},
		Template: models.Template{Subject: "Hello", Body: "Hi {{firstName}}"},
	})
	seedLeads(h, "c1", 3)

	h.runOnce(t)
	require.Equal(t, 1, h.sender.sentCount())
	assert.Equal(t, models.EnrollmentSent, h.store.enrollment("c1-e1").Status)

	for _, later := range []time.Duration{time.Minute, time.Hour, 10 * time.Hour} {
		h.set(t0.Add(later))
		h.runOnce(t)
	}
	assert.Equal(t, 1, h.sender.sentCount(), "cap holds for the rest of the day")
	assert.Equal(t, models.EnrollmentPending, h.store.enrollment("c1-e2").Status)

	h.set(t0.Add(24 * time.Hour))
	h.runOnce(t)
	assert.Equal(t, 2, h.sender.sentCount(), "a new day reopens the gate")
	assert.Equal(t, models.EnrollmentSent, h.store.enrollment("c1-e2").Status)
}

func TestSingleSendPerTick(t *testing.T) {
	h := newHarness(t)
	h.store.addCampaign(models.Campaign{ID: "c1", OwnerID: "owner-1", Template: models.Template{Subject: "S", Body: "B"}})
	seedLeads(h, "c1", 5)

	h.runOnce(t)
	assert.Equal(t, 1, h.sender.sentCount())

	h.set(t0.Add(time.Minute))
	h.runOnce(t)
	assert.Equal(t, 2, h.sender.sentCount())
}

func TestSuccessfulSendRecordsEverything(t *testing.T) {
	notifier := &fakeNotifier{}
	archiver := &fakeArchiver{}
	h := newHarness(t, WithNotifier(notifier), WithArchiver(archiver))
	h.store.addCampaign(models.Campaign{
		ID: "c1", OwnerID: "owner-1", Name: "Launch",
		Template: models.Template{
			Subject:   "Hello {{company}}",
			Body:      "Hi {{firstName}}, about {{subject}}",
			Followups: []models.Followup{{DelayDays: 3, Body: "Bump"}},
		},
	})
	h.store.addLead(models.Lead{ID: "l1", OwnerID: "owner-1", Name: "Ada Lovelace", Company: "Analytical", Email: "ada@example.com"})
	h.store.enroll(models.CampaignLead{ID: "e1", CampaignID: "c1", LeadID: "l1", CreatedAt: t0.Add(-time.Hour)})

	h.runOnce(t)

	require.Len(t, h.sender.sent, 1)
	sent := h.sender.sent[0]
	assert.Equal(t, "ada@example.com", sent.To)
	assert.Equal(t, "Hello Analytical", sent.Subject)
	assert.Equal(t, "Hi Ada, about Hello {{company}}", sent.Body)
	assert.Equal(t, "trk-1", sent.TrackingID)

	e := h.store.enrollment("e1")
	assert.Equal(t, models.EnrollmentSent, e.Status)
	assert.Equal(t, 1, e.CurrentStep)
	assert.Equal(t, t0, *e.SentAt)
	require.NotNil(t, e.NextActionAt)
	assert.Equal(t, t0.Add(72*time.Hour), *e.NextActionAt)
	assert.Nil(t, e.Error)

	require.Len(t, h.store.messages, 1)
	assert.Equal(t, models.DirectionOutbound, h.store.messages[0].Direction)
	assert.Equal(t, "trk-1", h.store.messages[0].TrackingID)
	assert.Equal(t, map[string]any{"campaignId": "c1", "step": 0}, h.store.messages[0].Metadata)

	require.Len(t, h.store.ledger, 1)
	assert.Equal(t, "trk-1", h.store.ledger[0].MessageID)
	assert.Equal(t, 0, h.store.ledger[0].Step)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, models.EventActivityUpdated, notifier.events[0].Type)
	require.Len(t, h.store.audits, 1)
	assert.Equal(t, "campaign_email_sent", h.store.audits[0].Action)
	assert.Equal(t, 1, h.store.campaign("c1").Stats[models.StatSent])

	require.Len(t, archiver.puts, 1)
	assert.Equal(t, "trk-1", archiver.puts[0].TrackingID)
}

func TestNotifierFailureDoesNotFailDispatch(t *testing.T) {
	h := newHarness(t, WithNotifier(&fakeNotifier{err: fmt.Errorf("redis down")}))
	h.store.addCampaign(models.Campaign{ID: "c1", OwnerID: "owner-1", Template: models.Template{Subject: "S", Body: "B"}})
	seedLeads(h, "c1", 1)

	h.runOnce(t)
	e := h.store.enrollment("c1-e1")
	assert.Equal(t, models.EnrollmentSent, e.Status)
	assert.Equal(t, 0, e.RetryCount)
}

func TestFollowupSentWhenDue(t *testing.T) {
	h := newHarness(t)
	h.store.addCampaign(models.Campaign{
		ID: "c1", OwnerID: "owner-1",
		Template: models.Template{
			Subject:   "Hello",
			Body:      "First",
			Followups: []models.Followup{{DelayDays: 3, Body: "Just following up, {{firstName}}"}},
		},
	})
	h.store.addLead(models.Lead{ID: "l1", Name: "Grace Hopper", Email: "grace@example.com"})
	h.store.enroll(models.CampaignLead{
		ID: "e1", CampaignID: "c1", LeadID: "l1",
		Status: models.EnrollmentSent, CurrentStep: 1,
		SentAt: ptr(t0), NextActionAt: ptr(t0.Add(72 * time.Hour)),
	})

	h.set(t0.Add(71 * time.Hour))
	h.runOnce(t)
	assert.Equal(t, 0, h.sender.sentCount(), "not due yet")

	h.set(t0.Add(72 * time.Hour))
	h.runOnce(t)
	require.Equal(t, 1, h.sender.sentCount())
	assert.Equal(t, "Re: Hello", h.sender.sent[0].Subject)
	assert.Equal(t, "Just following up, Grace", h.sender.sent[0].Body)

	e := h.store.enrollment("e1")
	assert.Equal(t, 2, e.CurrentStep)
	assert.Equal(t, models.EnrollmentSent, e.Status)
	assert.Nil(t, e.NextActionAt, "sequence exhausted")

	h.set(t0.Add(200 * time.Hour))
	h.runOnce(t)
	assert.Equal(t, 1, h.sender.sentCount(), "nothing left to send")
}

func TestReplyHaltsSequence(t *testing.T) {
	h := newHarness(t)
	h.store.addCampaign(models.Campaign{
		ID: "c1", OwnerID: "owner-1",
		Template: models.Template{Subject: "Hello", Body: "First", Followups: []models.Followup{{DelayDays: 3, Body: "Bump"}}},
	})
	h.store.addLead(models.Lead{ID: "l1", Name: "Ada", Email: "ada@example.com"})
	h.store.enroll(models.CampaignLead{
		ID: "e1", CampaignID: "c1", LeadID: "l1",
		Status: models.EnrollmentSent, CurrentStep: 1,
		SentAt: ptr(t0), NextActionAt: ptr(t0.Add(72 * time.Hour)),
	})
	h.store.inbound = append(h.store.inbound, models.Message{LeadID: "l1", Direction: models.DirectionInbound, CreatedAt: t0.Add(24 * time.Hour)})

	h.set(t0.Add(72 * time.Hour))
	h.runOnce(t)

	assert.Equal(t, 0, h.sender.sentCount())
	e := h.store.enrollment("e1")
	assert.Equal(t, models.EnrollmentReplied, e.Status)
	assert.Nil(t, e.NextActionAt)
	assert.Equal(t, []string{"l1"}, h.store.replied)

	h.set(t0.Add(96 * time.Hour))
	h.runOnce(t)
	assert.Equal(t, 0, h.sender.sentCount())
}

func TestInboundBeforeSendDoesNotHalt(t *testing.T) {
	h := newHarness(t)
	h.store.addCampaign(models.Campaign{
		ID: "c1", OwnerID: "owner-1",
		Template: models.Template{Subject: "Hello", Body: "First", Followups: []models.Followup{{DelayDays: 1, Body: "Bump"}}},
	})
	h.store.addLead(models.Lead{ID: "l1", Name: "Ada", Email: "ada@example.com"})
	h.store.enroll(models.CampaignLead{
		ID: "e1", CampaignID: "c1", LeadID: "l1",
		Status: models.EnrollmentSent, CurrentStep: 1,
		SentAt: ptr(t0), NextActionAt: ptr(t0.Add(24 * time.Hour)),
	})
	h.store.inbound = append(h.store.inbound, models.Message{LeadID: "l1", CreatedAt: t0.Add(-time.Hour)})

	h.set(t0.Add(24 * time.Hour))
	h.runOnce(t)
	assert.Equal(t, 1, h.sender.sentCount())
}

func TestRetryAfterFailureKeepsRetryCount(t *testing.T) {
	h := newHarness(t)
	h.sender.fail = func(call int) error {
		if call == 1 {
			return errTransport
		}
		return nil
	}
	h.store.addCampaign(models.Campaign{ID: "c1", OwnerID: "owner-1", Template: models.Template{Subject: "S", Body: "B"}})
	seedLeads(h, "c1", 1)

	h.runOnce(t)
	e := h.store.enrollment("c1-e1")
	assert.Equal(t, models.EnrollmentFailed, e.Status)
	assert.Equal(t, 1, e.RetryCount)
	require.NotNil(t, e.NextActionAt)
	assert.Equal(t, t0.Add(time.Hour), *e.NextActionAt)
	require.NotNil(t, e.Error)
	assert.Contains(t, *e.Error, "connection reset")

	h.set(t0.Add(30 * time.Minute))
	h.runOnce(t)
	assert.Equal(t, 1, h.sender.callCount(), "retry not due yet")

	h.set(t0.Add(time.Hour))
	h.runOnce(t)
	e = h.store.enrollment("c1-e1")
	assert.Equal(t, models.EnrollmentSent, e.Status)
	assert.Equal(t, 1, e.CurrentStep)
	assert.Equal(t, 1, e.RetryCount, "retry count is not reset by a later success")
	assert.Nil(t, e.Error)
}

func TestRetryBackoffAndAbandon(t *testing.T) {
	h := newHarness(t)
	h.sender.fail = func(int) error { return errTransport }
	h.store.addCampaign(models.Campaign{ID: "c1", OwnerID: "owner-1", Template: models.Template{Subject: "S", Body: "B"}})
	seedLeads(h, "c1", 1)

	h.runOnce(t)
	e := h.store.enrollment("c1-e1")
	require.Equal(t, 1, e.RetryCount)
	assert.Equal(t, t0.Add(time.Hour), *e.NextActionAt)

	h.set(t0.Add(time.Hour))
	h.runOnce(t)
	e = h.store.enrollment("c1-e1")
	require.Equal(t, 2, e.RetryCount)
	assert.Equal(t, t0.Add(5*time.Hour), *e.NextActionAt)

	h.set(t0.Add(5 * time.Hour))
	h.runOnce(t)
	e = h.store.enrollment("c1-e1")
	assert.Equal(t, 3, e.RetryCount)
	assert.Equal(t, models.EnrollmentFailed, e.Status)
	assert.Nil(t, e.NextActionAt, "abandoned after the third failure")

	h.set(t0.Add(72 * time.Hour))
	h.runOnce(t)
	assert.Equal(t, 3, h.sender.callCount())
}

func TestRetryBackoffSchedule(t *testing.T) {
	assert.Equal(t, time.Hour, retryBackoff(1))
	assert.Equal(t, 4*time.Hour, retryBackoff(2))
	assert.Equal(t, 24*time.Hour, retryBackoff(3))
	assert.Equal(t, 24*time.Hour, retryBackoff(7))
}

func TestMissingAddressFailsPermanently(t *testing.T) {
	h := newHarness(t)
	h.store.addCampaign(models.Campaign{ID: "c1", OwnerID: "owner-1", Template: models.Template{Subject: "S", Body: "B"}})
	h.store.addLead(models.Lead{ID: "l1", Name: "No Mail"})
	h.store.enroll(models.CampaignLead{ID: "e1", CampaignID: "c1", LeadID: "l1"})

	h.runOnce(t)

	assert.Equal(t, 0, h.sender.callCount())
	e := h.store.enrollment("e1")
	assert.Equal(t, models.EnrollmentFailed, e.Status)
	assert.Equal(t, 0, e.RetryCount)
	assert.Nil(t, e.NextActionAt)
	require.NotNil(t, e.Error)
	assert.Equal(t, ErrNoAddress.Error(), *e.Error)

	h.set(t0.Add(48 * time.Hour))
	h.runOnce(t)
	assert.Equal(t, 0, h.sender.callCount())
}

func TestMissingLeadFailsPermanently(t *testing.T) {
	h := newHarness(t)
	h.store.addCampaign(models.Campaign{ID: "c1", OwnerID: "owner-1", Template: models.Template{Subject: "S", Body: "B"}})
	h.store.enroll(models.CampaignLead{ID: "e1", CampaignID: "c1", LeadID: "ghost"})

	h.runOnce(t)
	e := h.store.enrollment("e1")
	assert.Equal(t, models.EnrollmentFailed, e.Status)
	assert.Nil(t, e.NextActionAt)
}

func TestCrossCampaignDedup(t *testing.T) {
	h := newHarness(t)
	h.store.addCampaign(models.Campaign{ID: "a", OwnerID: "owner-1", Status: models.CampaignCompleted})
	h.store.addCampaign(models.Campaign{ID: "b", OwnerID: "owner-1", Template: models.Template{Subject: "S", Body: "B"}})
	h.store.addLead(models.Lead{ID: "l1", Name: "Ada", Email: "ada@example.com"})
	h.store.ledger = append(h.store.ledger, models.SendRecord{CampaignID: "a", LeadID: "l1", SentAt: t0.Add(-48 * time.Hour)})
	h.store.enroll(models.CampaignLead{ID: "e1", CampaignID: "b", LeadID: "l1"})

	h.runOnce(t)

	assert.Equal(t, 0, h.sender.callCount())
	e := h.store.enrollment("e1")
	assert.Equal(t, models.EnrollmentSent, e.Status)
	assert.Equal(t, 1, e.CurrentStep)
	assert.Equal(t, t0, *e.SentAt)
	require.NotNil(t, e.Error)
	assert.Equal(t, "Skipped - already contacted", *e.Error)
}

func TestDedupIgnoresOtherOwners(t *testing.T) {
	h := newHarness(t)
	h.store.addCampaign(models.Campaign{ID: "a", OwnerID: "owner-2", Status: models.CampaignCompleted})
	h.store.addCampaign(models.Campaign{ID: "b", OwnerID: "owner-1", Template: models.Template{Subject: "S", Body: "B"}})
	h.store.addLead(models.Lead{ID: "l1", Name: "Ada", Email: "ada@example.com"})
	h.store.ledger = append(h.store.ledger, models.SendRecord{CampaignID: "a", LeadID: "l1"})
	h.store.enroll(models.CampaignLead{ID: "e1", CampaignID: "b", LeadID: "l1"})

	h.runOnce(t)
	assert.Equal(t, 1, h.sender.sentCount())
}

func TestMinDelayBetweenSends(t *testing.T) {
	h := newHarness(t)
	h.store.addCampaign(models.Campaign{
		ID: "c1", OwnerID: "owner-1",
		Config:   models.CampaignConfig{MinDelayMinutes: 10},
		Template: models.Template{Subject: "S", Body: "B"},
	})
	seedLeads(h, "c1", 2)

	h.runOnce(t)
	require.Equal(t, 1, h.sender.sentCount())

	h.set(t0.Add(9*time.Minute + 59*time.Second))
	h.runOnce(t)
	assert.Equal(t, 1, h.sender.sentCount())

	h.set(t0.Add(10 * time.Minute))
	h.runOnce(t)
	assert.Equal(t, 2, h.sender.sentCount())
}

func TestManualCampaignJitter(t *testing.T) {
	h := newHarness(t, WithRandom(func() float64 { return 0.5 }))
	c := models.Campaign{ID: "c1", OwnerID: "owner-1", Config: models.CampaignConfig{IsManual: true}}
	h.store.addCampaign(c)
	h.store.enroll(models.CampaignLead{ID: "e0", CampaignID: "c1", LeadID: "l0", Status: models.EnrollmentSent, CurrentStep: 1, SentAt: ptr(t0)})

	reason, err := h.sched.checkGate(context.Background(), c, t0.Add(2*time.Minute+29*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "delay", reason)

	reason, err = h.sched.checkGate(context.Background(), c, t0.Add(2*time.Minute+30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "", reason)
}

func TestManualDelayBounds(t *testing.T) {
	for _, r := range []float64{0, 0.25, 0.999999} {
		s := New(newFakeStore(), &fakeSender{}, WithRandom(func() float64 { return r }))
		d := s.requiredDelay(models.CampaignConfig{IsManual: true, MinDelayMinutes: 30})
		assert.GreaterOrEqual(t, d, 2*time.Minute)
		assert.Less(t, d, 3*time.Minute)
	}
	s := New(newFakeStore(), &fakeSender{})
	assert.Equal(t, time.Duration(0), s.requiredDelay(models.CampaignConfig{}))
	assert.Equal(t, 7*time.Minute, s.requiredDelay(models.CampaignConfig{MinDelayMinutes: 7}))
}

func TestStartOfDayUsesLocation(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	at := time.Date(2024, 3, 4, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), startOfDay(at, time.UTC))
	assert.True(t, startOfDay(at, ny).Equal(time.Date(2024, 3, 3, 0, 0, 0, 0, ny)))
}

func TestAIContentOverridesTemplate(t *testing.T) {
	gen := &fakeGenerator{out: models.Content{Subject: "Idea for {{company}}", Body: "Hi {{firstName}}, personal note"}}
	h := newHarness(t, WithGenerator(gen))
	h.store.addCampaign(models.Campaign{ID: "c1", OwnerID: "owner-1", Template: models.Template{Subject: "Template", Body: "Template body"}})
	h.store.addLead(models.Lead{ID: "l1", Name: "Ada Lovelace", Company: "Analytical", Email: "ada@example.com"})
	h.store.enroll(models.CampaignLead{ID: "e1", CampaignID: "c1", LeadID: "l1"})

	h.runOnce(t)
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, "Idea for Analytical", h.sender.sent[0].Subject)
	assert.Equal(t, "Hi Ada, personal note", h.sender.sent[0].Body)
}

func TestAIFailureFallsBackSilently(t *testing.T) {
	for name, gen := range map[string]*fakeGenerator{
		"error":      {err: fmt.Errorf("model timeout")},
		"incomplete": {out: models.Content{Subject: "only subject"}},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, WithGenerator(gen))
			h.store.addCampaign(models.Campaign{ID: "c1", OwnerID: "owner-1", Template: models.Template{Subject: "Template", Body: "Hi {{firstName}}"}})
			h.store.addLead(models.Lead{ID: "l1", Email: "x@example.com"})
			h.store.enroll(models.CampaignLead{ID: "e1", CampaignID: "c1", LeadID: "l1"})

			h.runOnce(t)
			require.Len(t, h.sender.sent, 1)
			assert.Equal(t, "Template", h.sender.sent[0].Subject)
			assert.Equal(t, "Hi there", h.sender.sent[0].Body)
			e := h.store.enrollment("e1")
			assert.Equal(t, models.EnrollmentSent, e.Status)
			assert.Equal(t, 0, e.RetryCount)
		})
	}
}

func TestManualCampaignSkipsAI(t *testing.T) {
	gen := &fakeGenerator{out: models.Content{Subject: "AI", Body: "AI"}}
	h := newHarness(t, WithGenerator(gen))
	h.store.addCampaign(models.Campaign{
		ID: "c1", OwnerID: "owner-1",
		Config:   models.CampaignConfig{IsManual: true},
		Template: models.Template{Subject: "Hand written", Body: "Body"},
	})
	seedLeads(h, "c1", 1)

	h.runOnce(t)
	assert.Equal(t, 0, gen.calls)
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, "Hand written", h.sender.sent[0].Subject)
}

func TestMissingFollowupLeavesEnrollmentUntouched(t *testing.T) {
	h := newHarness(t)
	c := models.Campaign{ID: "c1", OwnerID: "owner-1", Template: models.Template{Subject: "S", Body: "B"}}
	h.store.addCampaign(c)
	h.store.addLead(models.Lead{ID: "l1", Name: "Ada", Email: "ada@example.com"})
	e := models.CampaignLead{ID: "e1", CampaignID: "c1", LeadID: "l1", Status: models.EnrollmentSent, CurrentStep: 1, SentAt: ptr(t0), NextActionAt: ptr(t0)}
	h.store.enroll(e)

	require.NoError(t, h.sched.advance(context.Background(), c, e, t0.Add(time.Hour)))
	assert.Equal(t, 0, h.sender.callCount())
	assert.Equal(t, e, h.store.enrollment("e1"))
}

func TestResolveContentFollowupSubject(t *testing.T) {
	s := New(newFakeStore(), &fakeSender{})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := models.Campaign{Template: models.Template{Subject: "Re: Intro", Followups: []models.Followup{{Body: "Second"}}}}
	got, err := s.resolveContent(context.Background(), c, models.CampaignLead{CurrentStep: 1}, models.Lead{}, log)
	require.NoError(t, err)
	assert.Equal(t, "Re: Intro", got.Subject)
	assert.Equal(t, "Second", got.Body)

	_, err = s.resolveContent(context.Background(), c, models.CampaignLead{CurrentStep: 2}, models.Lead{}, log)
	assert.ErrorIs(t, err, ErrMissingFollowup)
}

func TestCampaignErrorsAreIsolated(t *testing.T) {
	h := newHarness(t)
	h.store.addCampaign(models.Campaign{ID: "broken", OwnerID: "owner-1", Template: models.Template{Subject: "S", Body: "B"}})
	h.store.addCampaign(models.Campaign{ID: "panics", OwnerID: "owner-1", Template: models.Template{Subject: "S", Body: "B"}})
	h.store.addCampaign(models.Campaign{ID: "healthy", OwnerID: "owner-1", Template: models.Template{Subject: "S", Body: "B"}})
	h.store.gateErr["broken"] = fmt.Errorf("db timeout")
	seedLeads(h, "broken", 1)
	h.store.addLead(models.Lead{ID: "boom", Email: "boom@example.com"})
	h.store.enroll(models.CampaignLead{ID: "p1", CampaignID: "panics", LeadID: "boom"})
	h.sender.panicTo = "boom@example.com"
	seedLeads(h, "healthy", 1)

	h.runOnce(t)

	require.Equal(t, 1, h.sender.sentCount())
	assert.Equal(t, "lead1@example.com", h.sender.sent[0].To)
	assert.Equal(t, models.EnrollmentSent, h.store.enrollment("healthy-e1").Status)
}

func TestLeaseHeldElsewhereSkipsCampaign(t *testing.T) {
	h := newHarness(t, WithLocker(denyLocker{}))
	h.store.addCampaign(models.Campaign{ID: "c1", OwnerID: "owner-1", Template: models.Template{Subject: "S", Body: "B"}})
	seedLeads(h, "c1", 1)

	h.runOnce(t)
	assert.Equal(t, 0, h.sender.callCount())
}

func TestInactiveCampaignsAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.store.addCampaign(models.Campaign{ID: "c1", OwnerID: "owner-1", Status: models.CampaignPaused, Template: models.Template{Subject: "S", Body: "B"}})
	seedLeads(h, "c1", 1)

	h.runOnce(t)
	assert.Equal(t, 0, h.sender.callCount())
}

func TestOverlappingPassIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.sched.running.Lock()
	defer h.sched.running.Unlock()
	assert.ErrorIs(t, h.sched.RunOnce(context.Background()), ErrPassInProgress)
}

func TestRunPassesImmediatelyAndStopsOnCancel(t *testing.T) {
	h := newHarness(t, WithInterval(time.Hour))
	h.store.addCampaign(models.Campaign{ID: "c1", OwnerID: "owner-1", Template: models.Template{Subject: "S", Body: "B"}})
	seedLeads(h, "c1", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	require.Eventually(t, func() bool { return h.sender.sentCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRunTicksOnInterval(t *testing.T) {
	h := newHarness(t, WithInterval(20*time.Millisecond))
	h.store.addCampaign(models.Campaign{ID: "c1", OwnerID: "owner-1", Template: models.Template{Subject: "S", Body: "B"}})
	seedLeads(h, "c1", 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.sched.Run(ctx) }()

	require.Eventually(t, func() bool { return h.sender.sentCount() == 3 }, 2*time.Second, 10*time.Millisecond)
}
