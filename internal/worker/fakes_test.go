package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"outreach-scheduler/internal/lease"
	"outreach-scheduler/internal/models"
	"outreach-scheduler/internal/store"
)

type fakeStore struct {
	mu sync.Mutex

	campaigns   []*models.Campaign
	leads       map[string]models.Lead
	enrollments []*models.CampaignLead
	inbound     []models.Message

	messages []models.Message
	ledger   []models.SendRecord
	audits   []models.AuditEntry
	replied  []string

	gateErr map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{leads: map[string]models.Lead{}, gateErr: map[string]error{}}
}

func (f *fakeStore) addCampaign(c models.Campaign) *models.Campaign {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.Status == "" {
		c.Status = models.CampaignActive
	}
	if c.Stats == nil {
		c.Stats = map[string]int{}
	}
	f.campaigns = append(f.campaigns, &c)
	return &c
}

func (f *fakeStore) addLead(l models.Lead) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leads[l.ID] = l
}

func (f *fakeStore) enroll(e models.CampaignLead) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.Status == "" {
		e.Status = models.EnrollmentPending
	}
	f.enrollments = append(f.enrollments, &e)
}

func (f *fakeStore) enrollment(id string) models.CampaignLead {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.enrollments {
		if e.ID == id {
			return *e
		}
	}
	panic("unknown enrollment " + id)
}

func (f *fakeStore) campaign(id string) models.Campaign {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.campaigns {
		if c.ID == id {
			return *c
		}
	}
	panic("unknown campaign " + id)
}

func (f *fakeStore) ActiveCampaigns(context.Context) ([]models.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Campaign
	for _, c := range f.campaigns {
		if c.Status == models.CampaignActive {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeStore) CountSentSince(_ context.Context, campaignID string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gateErr[campaignID]; err != nil {
		return 0, err
	}
	n := 0
	for _, e := range f.enrollments {
		if e.CampaignID == campaignID && e.Status == models.EnrollmentSent && e.SentAt != nil && !e.SentAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) LastSentAt(_ context.Context, campaignID string) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gateErr[campaignID]; err != nil {
		return nil, err
	}
	var last *time.Time
	for _, e := range f.enrollments {
		if e.CampaignID == campaignID && e.SentAt != nil && (last == nil || e.SentAt.After(*last)) {
			t := *e.SentAt
			last = &t
		}
	}
	return last, nil
}

func (f *fakeStore) CandidateEnrollments(_ context.Context, campaignID string, _ int, _ time.Time, limit int) ([]models.CampaignLead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.CampaignLead
	for _, e := range f.enrollments {
		if e.CampaignID == campaignID {
			out = append(out, *e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) GetLead(_ context.Context, id string) (models.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leads[id]
	if !ok {
		return models.Lead{}, fmt.Errorf("lead %s: %w", id, store.ErrNotFound)
	}
	return l, nil
}

func (f *fakeStore) HasPriorOutreach(_ context.Context, ownerID, leadID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owners := map[string]string{}
	for _, c := range f.campaigns {
		owners[c.ID] = c.OwnerID
	}
	for _, r := range f.ledger {
		if r.LeadID == leadID && owners[r.CampaignID] == ownerID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) HasInboundSince(_ context.Context, leadID string, since time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.inbound {
		if m.LeadID == leadID && m.CreatedAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) TransitionEnrollment(_ context.Context, id string, expect models.Version, upd models.EnrollmentUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.enrollments {
		if e.ID != id {
			continue
		}
		if e.Version() != expect {
			return fmt.Errorf("enrollment %s: %w", id, store.ErrStaleEnrollment)
		}
		e.Status = upd.Status
		e.CurrentStep = upd.CurrentStep
		e.NextActionAt = upd.NextActionAt
		e.SentAt = upd.SentAt
		e.RetryCount = upd.RetryCount
		e.Error = upd.Error
		return nil
	}
	return fmt.Errorf("enrollment %s: %w", id, store.ErrNotFound)
}

func (f *fakeStore) MarkLeadReplied(_ context.Context, leadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replied = append(f.replied, leadID)
	return nil
}

func (f *fakeStore) IncrementCampaignStat(_ context.Context, campaignID, key string, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.campaigns {
		if c.ID == campaignID {
			c.Stats[key] += delta
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) InsertMessage(_ context.Context, m models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
	return nil
}

func (f *fakeStore) InsertSendRecord(_ context.Context, r models.SendRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ledger = append(f.ledger, r)
	return nil
}

func (f *fakeStore) AppendAudit(_ context.Context, e models.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, e)
	return nil
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []models.OutboundEmail
	calls   int
	fail    func(call int) error
	panicTo string
}

func (f *fakeSender) Send(_ context.Context, msg models.OutboundEmail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panicTo != "" && msg.To == f.panicTo {
		panic("transport exploded")
	}
	if f.fail != nil {
		if err := f.fail(f.calls); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGenerator struct {
	out   models.Content
	err   error
	calls int
}

func (f *fakeGenerator) Generate(context.Context, models.Lead, string) (models.Content, error) {
	f.calls++
	return f.out, f.err
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (f *fakeNotifier) Notify(_ context.Context, _ string, ev models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.err
}

type fakeArchiver struct {
	puts []models.ArchivedMessage
}

func (f *fakeArchiver) Put(_ context.Context, m models.ArchivedMessage) (string, error) {
	f.puts = append(f.puts, m)
	return "mem://" + m.TrackingID, nil
}

type denyLocker struct{}

func (denyLocker) TryAcquire(context.Context, string) (lease.ReleaseFunc, bool, error) {
	return nil, false, nil
}

var errTransport = errors.New("connection reset by peer")
