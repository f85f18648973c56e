package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"outreach-scheduler/internal/models"
)

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleEnrollment is returned when a conditional enrollment update matched no row
	// because another writer moved the enrollment first.
	ErrStaleEnrollment = errors.New("enrollment changed since it was read")
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const campaignColumns = `id, owner_id, name, status, config, template, stats, created_at, updated_at`

func scanCampaign(row pgx.Row) (models.Campaign, error) {
	var c models.Campaign
	var cfgJSON, tplJSON, statsJSON []byte
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Status, &cfgJSON, &tplJSON, &statsJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return models.Campaign{}, err
	}
	if err := json.Unmarshal(cfgJSON, &c.Config); err != nil {
		return models.Campaign{}, fmt.Errorf("unmarshal config for campaign %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(tplJSON, &c.Template); err != nil {
		return models.Campaign{}, fmt.Errorf("unmarshal template for campaign %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(statsJSON, &c.Stats); err != nil {
		return models.Campaign{}, fmt.Errorf("unmarshal stats for campaign %s: %w", c.ID, err)
	}
	if c.Stats == nil {
		c.Stats = map[string]int{}
	}
	return c, nil
}

// ActiveCampaigns returns every campaign the scheduler should evaluate.
func (s *Store) ActiveCampaigns(ctx context.Context) ([]models.Campaign, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns WHERE status = $1
		ORDER BY created_at, id
	`, models.CampaignActive)
	if err != nil {
		return nil, fmt.Errorf("query active campaigns: %w", err)
	}
	defer rows.Close()

	var out []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCampaign fetches a campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id string) (models.Campaign, error) {
	c, err := scanCampaign(s.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Campaign{}, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Campaign{}, fmt.Errorf("scan campaign: %w", err)
	}
	return c, nil
}

// SetCampaignStatus moves a campaign from one status to another. It returns ErrNotFound
// if the campaign no longer exists in status `from`.
func (s *Store) SetCampaignStatus(ctx context.Context, id, from, to string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("campaign %s in status %s: %w", id, from, ErrNotFound)
	}
	return nil
}

// CountSentSince counts enrollments of a campaign currently in sent state whose
// last send happened at or after `since`.
func (s *Store) CountSentSince(ctx context.Context, campaignID string, since time.Time) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM campaign_leads
		WHERE campaign_id = $1 AND status = $2 AND sent_at >= $3
	`, campaignID, models.EnrollmentSent, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sent enrollments: %w", err)
	}
	return n, nil
}

// LastSentAt returns the most recent send time across a campaign's enrollments, or nil.
func (s *Store) LastSentAt(ctx context.Context, campaignID string) (*time.Time, error) {
	var last pgtype.Timestamptz
	if err := s.pool.QueryRow(ctx, `
		SELECT MAX(sent_at) FROM campaign_leads WHERE campaign_id = $1
	`, campaignID).Scan(&last); err != nil {
		return nil, fmt.Errorf("query last sent_at: %w", err)
	}
	if !last.Valid {
		return nil, nil
	}
	t := last.Time
	return &t, nil
}

const enrollmentColumns = `id, campaign_id, lead_id, status, current_step, next_action_at, sent_at, retry_count, error, created_at, updated_at`

func scanEnrollment(row pgx.Row) (models.CampaignLead, error) {
	var e models.CampaignLead
	var lastErr pgtype.Text
	if err := row.Scan(&e.ID, &e.CampaignID, &e.LeadID, &e.Status, &e.CurrentStep, &e.NextActionAt, &e.SentAt, &e.RetryCount, &lastErr, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return models.CampaignLead{}, err
	}
	e.Error = textPtr(lastErr)
	return e, nil
}

func collectEnrollments(rows pgx.Rows) ([]models.CampaignLead, error) {
	defer rows.Close()
	var out []models.CampaignLead
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CandidateEnrollments pre-filters enrollments that may be advanced now: never contacted,
// due retries, and due follow-ups, with retries and follow-ups limited to defined steps
// (current_step <= maxStep). Rows come back in selection order (due time, retry before
// follow-up before pending, id) so the batch always holds the row SelectNext would pick.
func (s *Store) CandidateEnrollments(ctx context.Context, campaignID string, maxStep int, now time.Time, limit int) ([]models.CampaignLead, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+enrollmentColumns+`
		FROM campaign_leads
		WHERE campaign_id = $1 AND (
			status = $2
			OR (status = $3 AND retry_count < $4 AND next_action_at <= $5 AND current_step <= $7)
			OR (status = $6 AND next_action_at <= $5 AND current_step <= $7)
		)
		ORDER BY COALESCE(next_action_at, created_at),
			CASE status WHEN $3 THEN 0 WHEN $6 THEN 1 ELSE 2 END,
			id
		LIMIT $8
	`, campaignID, models.EnrollmentPending, models.EnrollmentFailed, models.MaxRetries, now,
		models.EnrollmentSent, maxStep, limit)
	if err != nil {
		return nil, fmt.Errorf("query candidate enrollments: %w", err)
	}
	return collectEnrollments(rows)
}

// ListEnrollments returns every enrollment of a campaign for dashboard display.
func (s *Store) ListEnrollments(ctx context.Context, campaignID string) ([]models.CampaignLead, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+enrollmentColumns+`
		FROM campaign_leads WHERE campaign_id = $1
		ORDER BY created_at, id
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query enrollments: %w", err)
	}
	return collectEnrollments(rows)
}

// TransitionEnrollment writes an enrollment transition only if the row is still in the
// state it was read in. A lost race returns ErrStaleEnrollment.
func (s *Store) TransitionEnrollment(ctx context.Context, id string, expect models.Version, upd models.EnrollmentUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaign_leads
		SET status = $5, current_step = $6, next_action_at = $7, sent_at = $8,
		    retry_count = $9, error = $10, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND current_step = $3 AND retry_count = $4
	`, id, expect.Status, expect.CurrentStep, expect.RetryCount,
		upd.Status, upd.CurrentStep, upd.NextActionAt, upd.SentAt, upd.RetryCount, upd.Error)
	if err != nil {
		return fmt.Errorf("update enrollment %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("enrollment %s: %w", id, ErrStaleEnrollment)
	}
	return nil
}

// GetLead fetches a lead by id.
func (s *Store) GetLead(ctx context.Context, id string) (models.Lead, error) {
	var l models.Lead
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, email, company, status, created_at FROM leads WHERE id = $1
	`, id).Scan(&l.ID, &l.OwnerID, &l.Name, &l.Email, &l.Company, &l.Status, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Lead{}, fmt.Errorf("lead %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Lead{}, fmt.Errorf("scan lead: %w", err)
	}
	return l, nil
}

// MarkLeadReplied reflects a detected reply on the lead record.
func (s *Store) MarkLeadReplied(ctx context.Context, leadID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE leads SET status = $2 WHERE id = $1`, leadID, models.LeadReplied)
	return err
}

// HasPriorOutreach reports whether any campaign of the owner has already sent to the lead.
func (s *Store) HasPriorOutreach(ctx context.Context, ownerID, leadID string) (bool, error) {
	var found bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM campaign_emails ce
			JOIN campaigns c ON c.id = ce.campaign_id
			WHERE ce.lead_id = $1 AND c.owner_id = $2
		)
	`, leadID, ownerID).Scan(&found); err != nil {
		return false, fmt.Errorf("query prior outreach: %w", err)
	}
	return found, nil
}

// HasInboundSince reports whether the lead has written to us after `since`.
func (s *Store) HasInboundSince(ctx context.Context, leadID string, since time.Time) (bool, error) {
	var found bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM messages
			WHERE lead_id = $1 AND direction = $2 AND created_at > $3
		)
	`, leadID, models.DirectionInbound, since).Scan(&found); err != nil {
		return false, fmt.Errorf("query inbound messages: %w", err)
	}
	return found, nil
}

// IncrementCampaignStat adds delta to one counter inside campaigns.stats. The row is locked
// for the read-modify-write so concurrent increments are never lost.
func (s *Store) IncrementCampaignStat(ctx context.Context, campaignID, key string, delta int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin stats tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT stats FROM campaigns WHERE id = $1 FOR UPDATE`, campaignID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("campaign %s: %w", campaignID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock campaign stats: %w", err)
	}

	stats := map[string]int{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &stats); err != nil {
			return fmt.Errorf("unmarshal stats: %w", err)
		}
	}
	stats[key] += delta
	out, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE campaigns SET stats = $2, updated_at = NOW() WHERE id = $1`, campaignID, out); err != nil {
		return fmt.Errorf("update stats: %w", err)
	}
	return tx.Commit(ctx)
}

// InsertMessage appends to the unified conversation log.
func (s *Store) InsertMessage(ctx context.Context, m models.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (id, owner_id, lead_id, direction, channel, subject, body, tracking_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, m.ID, m.OwnerID, m.LeadID, m.Direction, m.Channel, m.Subject, m.Body, emptyToNil(m.TrackingID), metaJSON, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// InsertSendRecord appends to the campaign send ledger.
func (s *Store) InsertSendRecord(ctx context.Context, r models.SendRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO campaign_emails (campaign_id, lead_id, message_id, subject, body, status, step, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.CampaignID, r.LeadID, r.MessageID, r.Subject, r.Body, r.Status, r.Step, r.SentAt)
	if err != nil {
		return fmt.Errorf("insert send record: %w", err)
	}
	return nil
}

// AppendAudit adds an audit row to the owner's activity feed.
func (s *Store) AppendAudit(ctx context.Context, e models.AuditEntry) error {
	at := e.Recorded
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (owner_id, action, detail, created_at)
		VALUES ($1, $2, $3, $4)
	`, e.OwnerID, e.Action, e.Detail, at)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
