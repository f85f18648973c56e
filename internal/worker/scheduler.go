package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"outreach-scheduler/internal/content"
	"outreach-scheduler/internal/lease"
	"outreach-scheduler/internal/models"
	"outreach-scheduler/internal/telemetry"
)

// Store is the persistence the scheduler reads campaign state from and records outcomes to.
type Store interface {
	ActiveCampaigns(ctx context.Context) ([]models.Campaign, error)
	CountSentSince(ctx context.Context, campaignID string, since time.Time) (int, error)
	LastSentAt(ctx context.Context, campaignID string) (*time.Time, error)
	CandidateEnrollments(ctx context.Context, campaignID string, maxStep int, now time.Time, limit int) ([]models.CampaignLead, error)
	GetLead(ctx context.Context, id string) (models.Lead, error)
	HasPriorOutreach(ctx context.Context, ownerID, leadID string) (bool, error)
	HasInboundSince(ctx context.Context, leadID string, since time.Time) (bool, error)
	TransitionEnrollment(ctx context.Context, id string, expect models.Version, upd models.EnrollmentUpdate) error
	MarkLeadReplied(ctx context.Context, leadID string) error
	IncrementCampaignStat(ctx context.Context, campaignID, key string, delta int) error
	InsertMessage(ctx context.Context, m models.Message) error
	InsertSendRecord(ctx context.Context, r models.SendRecord) error
	AppendAudit(ctx context.Context, e models.AuditEntry) error
}

// Sender delivers one email. Any error is treated as a transient failure.
type Sender interface {
	Send(ctx context.Context, msg models.OutboundEmail) error
}

// Generator produces personalized content for a lead.
type Generator interface {
	Generate(ctx context.Context, lead models.Lead, ownerID string) (models.Content, error)
}

// Notifier pushes real-time events to the owner's dashboard.
type Notifier interface {
	Notify(ctx context.Context, ownerID string, ev models.Event) error
}

// Archiver keeps a durable copy of dispatched messages.
type Archiver interface {
	Put(ctx context.Context, m models.ArchivedMessage) (string, error)
}

// Locker grants per-campaign exclusivity across scheduler instances.
type Locker interface {
	TryAcquire(ctx context.Context, name string) (lease.ReleaseFunc, bool, error)
}

// Scheduler evaluates every active campaign once per interval and advances at most
// one enrollment per campaign per pass.
type Scheduler struct {
	store     Store
	sender    Sender
	generator Generator
	notifier  Notifier
	archiver  Archiver
	locker    Locker
	renderer  *content.Renderer
	logger    *slog.Logger

	interval        time.Duration
	location        *time.Location
	batchSize       int
	campaignTimeout time.Duration

	now     func() time.Time
	random  func() float64
	trackID func() string

	running sync.Mutex
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

func WithGenerator(g Generator) Option { return func(s *Scheduler) { s.generator = g } }
func WithNotifier(n Notifier) Option   { return func(s *Scheduler) { s.notifier = n } }
func WithArchiver(a Archiver) Option   { return func(s *Scheduler) { s.archiver = a } }
func WithLocker(l Locker) Option       { return func(s *Scheduler) { s.locker = l } }
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithInterval sets the tick period.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLocation sets the time zone whose midnight starts a new daily-cap day.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithBatchSize bounds how many candidate enrollments are read per campaign per tick.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithCampaignTimeout bounds the store and collaborator work for one campaign.
func WithCampaignTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.campaignTimeout = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithRandom replaces the [0,1) source used for manual-campaign jitter.
func WithRandom(r func() float64) Option { return func(s *Scheduler) { s.random = r } }

// WithTrackingIDs replaces the tracking id generator.
func WithTrackingIDs(f func() string) Option { return func(s *Scheduler) { s.trackID = f } }

func New(st Store, sender Sender, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:           st,
		sender:          sender,
		renderer:        content.NewRenderer(),
		interval:        time.Minute,
		location:        time.Local,
		batchSize:       50,
		campaignTimeout: 2 * time.Minute,
		now:             time.Now,
		random:          rand.Float64,
		trackID:         func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.locker == nil {
		s.locker = lease.NoopLocker{}
	}
	return s
}

// Run evaluates campaigns immediately and then on every tick until ctx is cancelled.
// A campaign already being processed when ctx is cancelled is finished first.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.interval.String())
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("scheduler pass failed", "error", err)
	}
}

// ErrPassInProgress is returned by RunOnce when another pass has not finished yet.
var ErrPassInProgress = errors.New("scheduler pass already in progress")

// RunOnce performs a single evaluation pass over all active campaigns, sequentially.
// Per-campaign errors are logged and do not stop the pass.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if !s.running.TryLock() {
		s.logger.Warn("previous scheduler pass still running, skipping tick")
		return ErrPassInProgress
	}
	defer s.running.Unlock()

	timer := prometheus.NewTimer(telemetry.TickDuration)
	defer timer.ObserveDuration()

	// Store writes run detached from cancellation so that a send already handed to
	// the transport is always recorded.
	work := context.WithoutCancel(ctx)

	listCtx, cancel := context.WithTimeout(work, s.campaignTimeout)
	campaigns, err := s.store.ActiveCampaigns(listCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("list active campaigns: %w", err)
	}
	telemetry.ActiveCampaigns.Set(float64(len(campaigns)))

	for _, c := range campaigns {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.runCampaign(work, c); err != nil {
			s.logger.Error("campaign processing failed", "campaign_id", c.ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) runCampaign(ctx context.Context, c models.Campaign) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.campaignTimeout)
	defer cancel()

	release, ok, err := s.locker.TryAcquire(ctx, "campaign:"+c.ID)
	if err != nil {
		return fmt.Errorf("acquire campaign lease: %w", err)
	}
	if !ok {
		telemetry.GateRefusals.WithLabelValues(telemetry.RefusalLease).Inc()
		s.logger.Debug("campaign leased elsewhere", "campaign_id", c.ID)
		return nil
	}
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			s.logger.Warn("release campaign lease", "campaign_id", c.ID, "error", rerr)
		}
	}()

	return s.processCampaign(ctx, c)
}

// processCampaign runs gate, selection and dispatch for one campaign.
func (s *Scheduler) processCampaign(ctx context.Context, c models.Campaign) error {
	now := s.now()

	reason, err := s.checkGate(ctx, c, now)
	if err != nil {
		return err
	}
	if reason != "" {
		telemetry.GateRefusals.WithLabelValues(reason).Inc()
		s.logger.Debug("send gate closed", "campaign_id", c.ID, "reason", reason)
		return nil
	}

	candidates, err := s.store.CandidateEnrollments(ctx, c.ID, len(c.Template.Followups), now, s.batchSize)
	if err != nil {
		return fmt.Errorf("load candidate enrollments: %w", err)
	}
	e, ok := SelectNext(candidates, len(c.Template.Followups), now)
	if !ok {
		return nil
	}
	return s.advance(ctx, c, e, now)
}
