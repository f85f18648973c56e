package models

import (
	"time"
)

// Campaign lifecycle states. Only active campaigns are evaluated by the scheduler.
const (
	CampaignDraft     = "draft"
	CampaignActive    = "active"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
)

// Stats keys maintained on Campaign.Stats.
const (
	StatTotal = "total"
	StatSent  = "sent"
)

// Campaign is a multi-step outreach sequence owned by one tenant.
type Campaign struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"ownerId"`
	Name      string         `json:"name"`
	Status    string         `json:"status"`
	Config    CampaignConfig `json:"config"`
	Template  Template       `json:"template"`
	Stats     map[string]int `json:"stats"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// CampaignConfig is the per-campaign send policy.
type CampaignConfig struct {
	// DailyLimit caps sends per calendar day. Zero means unlimited.
	DailyLimit      int  `json:"dailyLimit,omitempty"`
	MinDelayMinutes int  `json:"minDelayMinutes,omitempty"`
	IsManual        bool `json:"isManual,omitempty"`
}

// Template is the message content contract: step 0 plus ordered follow-ups.
type Template struct {
	Subject   string     `json:"subject"`
	Body      string     `json:"body"`
	Followups []Followup `json:"followups,omitempty"`
}

// Followup is one follow-up step, sent DelayDays after the previous send.
type Followup struct {
	DelayDays int    `json:"delayDays"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
}

// CanTransition reports whether a campaign may move from one status to another.
func CanTransition(from, to string) bool {
	switch from {
	case CampaignDraft:
		return to == CampaignActive
	case CampaignActive:
		return to == CampaignPaused || to == CampaignCompleted
	case CampaignPaused:
		return to == CampaignActive || to == CampaignCompleted
	}
	return false
}
