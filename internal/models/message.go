package models

import (
	"time"
)

// Message directions in the conversation log.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// ChannelEmail is the only channel the scheduler dispatches on.
const ChannelEmail = "email"

// Message is one entry of the unified conversation log.
type Message struct {
	ID         string         `json:"id"`
	OwnerID    string         `json:"ownerId"`
	LeadID     string         `json:"leadId"`
	Direction  string         `json:"direction"`
	Channel    string         `json:"channel"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body"`
	TrackingID string         `json:"trackingId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// SendRecord is a row of the campaign send ledger.
type SendRecord struct {
	CampaignID string    `json:"campaignId"`
	LeadID     string    `json:"leadId"`
	MessageID  string    `json:"messageId"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	Status     string    `json:"status"`
	Step       int       `json:"step"`
	SentAt     time.Time `json:"sentAt"`
}

// AuditEntry is an owner-facing activity feed row.
type AuditEntry struct {
	OwnerID  string    `json:"ownerId"`
	Action   string    `json:"action"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recordedAt"`
}

// Content is a resolved subject/body pair.
type Content struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Event is a real-time notification fanned out to an owner's connected clients.
type Event struct {
	Type       string    `json:"type"`
	OwnerID    string    `json:"ownerId"`
	CampaignID string    `json:"campaignId,omitempty"`
	LeadID     string    `json:"leadId,omitempty"`
	At         time.Time `json:"at"`
}

// EventActivityUpdated is emitted after every successful dispatch.
const EventActivityUpdated = "activity_updated"

// OutboundEmail is what the send transport receives for one dispatch.
type OutboundEmail struct {
	OwnerID    string
	To         string
	Subject    string
	Body       string
	TrackingID string
}

// ArchivedMessage is the durable copy of a dispatched message.
type ArchivedMessage struct {
	TrackingID string    `json:"trackingId"`
	OwnerID    string    `json:"ownerId"`
	CampaignID string    `json:"campaignId"`
	LeadID     string    `json:"leadId"`
	Step       int       `json:"step"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	SentAt     time.Time `json:"sentAt"`
}
