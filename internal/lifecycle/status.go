package lifecycle

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a document.
type Status string

const (
	StatusInTransit Status = "in_transit"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
	StatusArchived  Status = "archived"
)

// Statuses lists every status a document may hold.
var Statuses = []Status{
	StatusInTransit,
	StatusDelivered,
	StatusCancelled,
	StatusRejected,
	StatusArchived,
}

func (s Status) Valid() bool {
	switch s {
	case StatusInTransit, StatusDelivered, StatusCancelled, StatusRejected, StatusArchived:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// ParseStatus trims user input. Matching is exact, so "Delivered" is not a
// status. The returned status may be invalid; callers decide whether that
// is an error.
func ParseStatus(raw string) Status {
	return Status(strings.TrimSpace(raw))
}

type EventType string

const (
	EventCreated       EventType = "created"
	EventStatusChanged EventType = "status_changed"
)

// Actor is an authenticated office acting on a document.
type Actor struct {
	ID      string
	IsAdmin bool
}

// Document is the durable record of a tracked item.
type Document struct {
	FileKey        string     `json:"fileId"`
	Name           string     `json:"documentName"`
	ReferringTo    *string    `json:"referringTo"`
	DocumentType   string     `json:"documentType"`
	SourceOffice   string     `json:"sourceOffice"`
	ReceiverOffice string     `json:"receiverOffice"`
	CreatedAt      time.Time  `json:"createdAt"`
	DeliveredAt    *time.Time `json:"deliveredAt"`
	Status         Status     `json:"status"`
}

// IsParty reports whether the office is the source or the receiver.
func (d Document) IsParty(office string) bool {
	return office != "" && (d.SourceOffice == office || d.ReceiverOffice == office)
}

// Event is one append-only entry of a document's history. A nil FromStatus
// marks the creation event.
type Event struct {
	Seq           int64     `json:"seq"`
	FileKey       string    `json:"fileId"`
	Type          EventType `json:"type"`
	Actor         string    `json:"actor"`
	Note          *string   `json:"note"`
	FromStatus    *Status   `json:"fromStatus"`
	ToStatus      *Status   `json:"toStatus"`
	AdminOverride bool      `json:"adminOverride"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Tracking is a document together with its history, oldest event first.
type Tracking struct {
	Document Document `json:"document"`
	Events   []Event  `json:"events"`
}

func statusPtr(s Status) *Status { return &s }

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
