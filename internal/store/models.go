package store

import (
	"time"

	"doctrack/api/internal/lifecycle"
)

const (
	DefaultOfficeDocumentLimit = 300
	DefaultOfficeActivityLimit = 120
	DefaultAdminActivityLimit  = 200
	DefaultAdminDocumentLimit  = 500
	DefaultExportLimit         = 5000
	DefaultOfficeStatsLimit    = 500
	DefaultOfficeListLimit     = 500
)

// DocumentFilter selects documents for listings. Zero fields match all.
type DocumentFilter struct {
	// Text matches the file key or document name, case-insensitively.
	Text   string
	Office string
	Status lifecycle.Status
	// CreatedFrom is inclusive, CreatedBefore exclusive.
	CreatedFrom   *time.Time
	CreatedBefore *time.Time
	Limit         int
}

// EventFilter selects events for activity feeds.
type EventFilter struct {
	// Office restricts to events on documents the office sent or receives,
	// plus events the office performed.
	Office string
	Limit  int
}

// ActivityItem is an event joined with the name of its document.
type ActivityItem struct {
	lifecycle.Event
	DocumentName string `json:"documentName"`
}

type Office struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}

// OfficeStat counts documents per office. Totals include every status.
type OfficeStat struct {
	Username      string `json:"username"`
	SentTotal     int    `json:"sentTotal"`
	SentDelivered int    `json:"sentDelivered"`
	SentInTransit int    `json:"sentInTransit"`
	RecvTotal     int    `json:"recvTotal"`
	RecvDelivered int    `json:"recvDelivered"`
	RecvInTransit int    `json:"recvInTransit"`
}

func limitOr(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return limit
}
