package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"outreach-scheduler/internal/models"
	"outreach-scheduler/internal/ratelimit"
	"outreach-scheduler/internal/store"
	"outreach-scheduler/internal/telemetry"
)

// Store is the persistence the operator API needs.
type Store interface {
	Ping(ctx context.Context) error
	GetCampaign(ctx context.Context, id string) (models.Campaign, error)
	SetCampaignStatus(ctx context.Context, id, from, to string) error
	ListEnrollments(ctx context.Context, campaignID string) ([]models.CampaignLead, error)
	GetLead(ctx context.Context, id string) (models.Lead, error)
	InsertMessage(ctx context.Context, m models.Message) error
	AppendAudit(ctx context.Context, e models.AuditEntry) error
}

// Limiter throttles inbound webhook calls per tenant.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Subscriber streams an owner's real-time events.
type Subscriber interface {
	Subscribe(ctx context.Context, ownerID string) (<-chan models.Event, error)
}

// Server wires HTTP handlers for the operator and dashboard API.
type Server struct {
	store   Store
	limiter Limiter
	events  Subscriber
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs the API server. limiter and events may be nil when Redis is not configured.
func New(st Store, limiter Limiter, events Subscriber, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:   st,
		limiter: limiter,
		events:  events,
		logger:  logger,
		now:     time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "postgres": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/campaigns/{id}", s.handleGetCampaign)
	r.Post("/campaigns/{id}/status", s.handleSetStatus)
	r.Get("/campaigns/{id}/enrollments", s.handleListEnrollments)
	r.Post("/inbound", s.handleInbound)
	r.Get("/events", s.handleEvents)
	return r
}

// campaignForTenant loads a campaign and hides it from other tenants.
func (s *Server) campaignForTenant(w http.ResponseWriter, r *http.Request) (models.Campaign, bool) {
	id := chi.URLParam(r, "id")
	c, err := s.store.GetCampaign(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && c.OwnerID != tenantFromRequest(r)) {
		http.Error(w, "campaign not found", http.StatusNotFound)
		return models.Campaign{}, false
	}
	if err != nil {
		s.logger.Error("load campaign", "campaign_id", id, "error", err)
		http.Error(w, "failed to load campaign", http.StatusInternalServerError)
		return models.Campaign{}, false
	}
	return c, true
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.campaignForTenant(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	c, ok := s.campaignForTenant(w, r)
	if !ok {
		return
	}
	if !models.CanTransition(c.Status, req.Status) {
		http.Error(w, fmt.Sprintf("cannot move campaign from %s to %s", c.Status, req.Status), http.StatusConflict)
		return
	}
	if err := s.store.SetCampaignStatus(r.Context(), c.ID, c.Status, req.Status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "campaign status changed concurrently", http.StatusConflict)
			return
		}
		s.logger.Error("update campaign status", "campaign_id", c.ID, "error", err)
		http.Error(w, "failed to update campaign", http.StatusInternalServerError)
		return
	}
	if err := s.store.AppendAudit(r.Context(), models.AuditEntry{
		OwnerID:  c.OwnerID,
		Action:   "campaign_status_changed",
		Detail:   fmt.Sprintf("campaign %q %s -> %s", c.Name, c.Status, req.Status),
		Recorded: s.now(),
	}); err != nil {
		s.logger.Warn("append audit failed", "campaign_id", c.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": c.ID, "status": req.Status})
}

func (s *Server) handleListEnrollments(w http.ResponseWriter, r *http.Request) {
	c, ok := s.campaignForTenant(w, r)
	if !ok {
		return
	}
	items, err := s.store.ListEnrollments(r.Context(), c.ID)
	if err != nil {
		s.logger.Error("list enrollments", "campaign_id", c.ID, "error", err)
		http.Error(w, "failed to list enrollments", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []models.CampaignLead{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type inboundRequest struct {
	LeadID     string     `json:"leadId"`
	Channel    string     `json:"channel"`
	Subject    string     `json:"subject"`
	Body       string     `json:"body"`
	ReceivedAt *time.Time `json:"receivedAt"`
}

// handleInbound records a reply from a lead. The scheduler's reply check reads it
// before the next follow-up.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), tenant)
		if err != nil {
			s.logger.Error("rate limiter", "tenant", tenant, "error", err)
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !d.Allowed {
			telemetry.InboundRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	var req inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.LeadID) == "" {
		http.Error(w, "leadId is required", http.StatusBadRequest)
		return
	}
	lead, err := s.store.GetLead(r.Context(), req.LeadID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && lead.OwnerID != tenant) {
		http.Error(w, "lead not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("load lead", "lead_id", req.LeadID, "error", err)
		http.Error(w, "failed to load lead", http.StatusInternalServerError)
		return
	}

	received := s.now().UTC()
	if req.ReceivedAt != nil {
		received = req.ReceivedAt.UTC()
	}
	channel := req.Channel
	if channel == "" {
		channel = models.ChannelEmail
	}
	msg := models.Message{
		OwnerID:   tenant,
		LeadID:    lead.ID,
		Direction: models.DirectionInbound,
		Channel:   channel,
		Subject:   req.Subject,
		Body:      req.Body,
		CreatedAt: received,
	}
	if err := s.store.InsertMessage(r.Context(), msg); err != nil {
		s.logger.Error("insert inbound message", "lead_id", lead.ID, "error", err)
		http.Error(w, "failed to record message", http.StatusInternalServerError)
		return
	}
	if err := s.store.AppendAudit(r.Context(), models.AuditEntry{
		OwnerID:  tenant,
		Action:   "inbound_message",
		Detail:   fmt.Sprintf("reply from lead %s via %s", lead.ID, channel),
		Recorded: received,
	}); err != nil {
		s.logger.Warn("append audit failed", "lead_id", lead.ID, "error", err)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

// handleEvents streams the tenant's notifications as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	tenant := tenantFromRequest(r)
	events, err := s.events.Subscribe(r.Context(), tenant)
	if err != nil {
		s.logger.Error("subscribe events", "tenant", tenant, "error", err)
		http.Error(w, "failed to subscribe", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
