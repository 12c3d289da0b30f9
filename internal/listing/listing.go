// Package listing serves the read side of document tracking: office
// dashboards, activity feeds, the admin document listing, statistics and
// CSV exports. It never writes.
package listing

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"doctrack/api/internal/lifecycle"
	"doctrack/api/internal/logger"
	"doctrack/api/internal/rbac"
	"doctrack/api/internal/store"
)

// Reader is the subset of the store the read paths need.
type Reader interface {
	ListDocumentsForOffice(ctx context.Context, office string, limit int) ([]lifecycle.Document, error)
	ListDocuments(ctx context.Context, filter store.DocumentFilter) ([]lifecycle.Document, error)
	ListRecentEvents(ctx context.Context, filter store.EventFilter) ([]store.ActivityItem, error)
	ListOffices(ctx context.Context, limit int) ([]store.Office, error)
	OfficeStats(ctx context.Context, limit int) ([]store.OfficeStat, error)
}

// Archiver stores export files and returns a URL they can be fetched from.
type Archiver interface {
	Put(ctx context.Context, key, contentType string, body []byte) (string, error)
}

// ErrArchiveUnavailable is returned by archive operations when no object
// storage is configured.
var ErrArchiveUnavailable = errors.New("export archive not configured")

type Service struct {
	reader   Reader
	archiver Archiver
	logger   *logger.Logger
	now      func() time.Time
}

type Option func(*Service)

// WithArchiver enables ArchiveDocumentsCSV. A nil archiver is ignored.
func WithArchiver(a Archiver) Option {
	return func(s *Service) {
		if a != nil {
			s.archiver = a
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(reader Reader, opts ...Option) *Service {
	s := &Service{reader: reader, logger: logger.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DashboardStats summarises an office's inbox and outbox.
type DashboardStats struct {
	InboxTotal      int `json:"inboxTotal"`
	OutboxTotal     int `json:"outboxTotal"`
	InboxDelivered  int `json:"inboxDelivered"`
	OutboxDelivered int `json:"outboxDelivered"`
}

// Dashboard is what an office sees on its landing page. A document an
// office sends to itself appears in both lists.
type Dashboard struct {
	Stats  DashboardStats       `json:"stats"`
	Inbox  []lifecycle.Document `json:"inbox"`
	Outbox []lifecycle.Document `json:"outbox"`
}

// OfficeEntry is an office as listed to other offices.
type OfficeEntry struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
	IsMe     bool   `json:"isMe"`
}

func (s *Service) Dashboard(ctx context.Context, actor lifecycle.Actor) (Dashboard, error) {
	docs, err := s.reader.ListDocumentsForOffice(ctx, actor.ID, store.DefaultOfficeDocumentLimit)
	if err != nil {
		return Dashboard{}, readError("list office documents", err)
	}

	inbox := lo.Filter(docs, func(d lifecycle.Document, _ int) bool { return d.ReceiverOffice == actor.ID })
	outbox := lo.Filter(docs, func(d lifecycle.Document, _ int) bool { return d.SourceOffice == actor.ID })
	delivered := func(d lifecycle.Document) bool { return d.Status == lifecycle.StatusDelivered }

	return Dashboard{
		Stats: DashboardStats{
			InboxTotal:      len(inbox),
			OutboxTotal:     len(outbox),
			InboxDelivered:  lo.CountBy(inbox, delivered),
			OutboxDelivered: lo.CountBy(outbox, delivered),
		},
		Inbox:  inbox,
		Outbox: outbox,
	}, nil
}

// Activity returns recent events touching the actor's office, newest first.
func (s *Service) Activity(ctx context.Context, actor lifecycle.Actor) ([]store.ActivityItem, error) {
	items, err := s.reader.ListRecentEvents(ctx, store.EventFilter{Office: actor.ID, Limit: store.DefaultOfficeActivityLimit})
	if err != nil {
		return nil, readError("list office activity", err)
	}
	return items, nil
}

// RecentActivity returns the newest events across all documents.
func (s *Service) RecentActivity(ctx context.Context, actor lifecycle.Actor) ([]store.ActivityItem, error) {
	if err := authorize(actor, rbac.ActionListAll); err != nil {
		return nil, err
	}
	items, err := s.reader.ListRecentEvents(ctx, store.EventFilter{Limit: store.DefaultAdminActivityLimit})
	if err != nil {
		return nil, readError("list activity", err)
	}
	return items, nil
}

// Documents lists documents matching filter for an admin.
func (s *Service) Documents(ctx context.Context, actor lifecycle.Actor, filter store.DocumentFilter) ([]lifecycle.Document, error) {
	if err := authorize(actor, rbac.ActionListAll); err != nil {
		return nil, err
	}
	filter.Limit = store.DefaultAdminDocumentLimit
	docs, err := s.reader.ListDocuments(ctx, filter)
	if err != nil {
		return nil, readError("list documents", err)
	}
	return docs, nil
}

func (s *Service) OfficeStats(ctx context.Context, actor lifecycle.Actor) ([]store.OfficeStat, error) {
	if err := authorize(actor, rbac.ActionViewStats); err != nil {
		return nil, err
	}
	stats, err := s.reader.OfficeStats(ctx, store.DefaultOfficeStatsLimit)
	if err != nil {
		return nil, readError("office stats", err)
	}
	return stats, nil
}

// Offices lists every office account, marking the caller's own.
func (s *Service) Offices(ctx context.Context, actor lifecycle.Actor) ([]OfficeEntry, error) {
	offices, err := s.reader.ListOffices(ctx, store.DefaultOfficeListLimit)
	if err != nil {
		return nil, readError("list offices", err)
	}
	return lo.Map(offices, func(o store.Office, _ int) OfficeEntry {
		return OfficeEntry{Username: o.Username, IsAdmin: o.IsAdmin, IsMe: o.Username == actor.ID}
	}), nil
}

// authorize checks the actor's role. Every action guarded here is
// admin-only, hence the hint.
func authorize(actor lifecycle.Actor, action rbac.Action) error {
	if rbac.Can(rbac.For(actor.IsAdmin), action) {
		return nil
	}
	return errors.Mark(
		errors.WithHint(errors.Newf("office %q may not %s", actor.ID, action), "Admin access required."),
		lifecycle.ErrForbidden,
	)
}

func readError(op string, err error) error {
	return errors.Mark(errors.Wrap(err, op), lifecycle.ErrStoreUnavailable)
}
