package models

import (
	"time"
)

// Enrollment states persisted on campaign_leads.
const (
	EnrollmentPending = "pending"
	EnrollmentSent    = "sent"
	EnrollmentFailed  = "failed"
	EnrollmentReplied = "replied"
)

// MaxRetries is the number of consecutive failures after which an enrollment is abandoned.
const MaxRetries = 3

// CampaignLead is the enrollment of one lead in one campaign.
type CampaignLead struct {
	ID           string     `json:"id"`
	CampaignID   string     `json:"campaignId"`
	LeadID       string     `json:"leadId"`
	Status       string     `json:"status"`
	CurrentStep  int        `json:"currentStep"`
	NextActionAt *time.Time `json:"nextActionAt,omitempty"`
	SentAt       *time.Time `json:"sentAt,omitempty"`
	RetryCount   int        `json:"retryCount"`
	Error        *string    `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Version is the part of an enrollment a conditional update is checked against.
type Version struct {
	Status      string
	CurrentStep int
	RetryCount  int
}

// Version returns the state the enrollment was read in.
func (e CampaignLead) Version() Version {
	return Version{Status: e.Status, CurrentStep: e.CurrentStep, RetryCount: e.RetryCount}
}

// EnrollmentUpdate is the full set of mutable fields written by one transition.
// Nil pointers are written as NULL.
type EnrollmentUpdate struct {
	Status       string
	CurrentStep  int
	NextActionAt *time.Time
	SentAt       *time.Time
	RetryCount   int
	Error        *string
}

// Lead is a contact that can be enrolled in campaigns.
type Lead struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Company   string    `json:"company"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// LeadReplied is the lead status set when a reply halts a sequence.
const LeadReplied = "replied"
