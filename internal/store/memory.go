package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"doctrack/api/internal/lifecycle"
)

// MemoryStore keeps documents and events in process. Transactions are
// serialized by one lock and undone on error. It backs tests and local
// runs without a database.
type MemoryStore struct {
	mu      sync.Mutex
	offices map[string]Office
	docs    map[string]lifecycle.Document
	events  []lifecycle.Event
	nextSeq int64
}

func NewMemoryStore(offices ...Office) *MemoryStore {
	s := &MemoryStore{
		offices: make(map[string]Office),
		docs:    make(map[string]lifecycle.Document),
	}
	for _, o := range offices {
		s.offices[o.Username] = o
	}
	return s
}

// AddOffice registers an office account.
func (s *MemoryStore) AddOffice(o Office) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offices[o.Username] = o
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) MissingTables(context.Context) ([]string, error) { return []string{}, nil }

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(lifecycle.Store) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transaction aborted: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{s: s, touched: make(map[string]*lifecycle.Document), eventMark: len(s.events), seqMark: s.nextSeq}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) InsertDocument(ctx context.Context, doc lifecycle.Document) error {
	return s.RunInTx(ctx, func(st lifecycle.Store) error { return st.InsertDocument(ctx, doc) })
}

func (s *MemoryStore) GetDocument(_ context.Context, fileKey string) (lifecycle.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(fileKey)
}

func (s *MemoryStore) CompareAndSetStatus(ctx context.Context, change lifecycle.StatusChange) (bool, error) {
	var ok bool
	err := s.RunInTx(ctx, func(st lifecycle.Store) error {
		var err error
		ok, err = st.CompareAndSetStatus(ctx, change)
		return err
	})
	return ok, err
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event lifecycle.Event) (int64, error) {
	var seq int64
	err := s.RunInTx(ctx, func(st lifecycle.Store) error {
		var err error
		seq, err = st.AppendEvent(ctx, event)
		return err
	})
	return seq, err
}

func (s *MemoryStore) ListEvents(_ context.Context, fileKey string, limit int) ([]lifecycle.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listEventsLocked(fileKey, limitOr(limit, lifecycle.TrackingEventLimit)), nil
}

func (s *MemoryStore) ListRecentEvents(_ context.Context, filter EventFilter) ([]ActivityItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := limitOr(filter.Limit, DefaultAdminActivityLimit)
	items := make([]ActivityItem, 0)
	ordered := make([]lifecycle.Event, len(s.events))
	copy(ordered, s.events)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.After(ordered[j].CreatedAt)
		}
		return ordered[i].Seq > ordered[j].Seq
	})
	for _, e := range ordered {
		doc := s.docs[e.FileKey]
		if filter.Office != "" && !doc.IsParty(filter.Office) && e.Actor != filter.Office {
			continue
		}
		items = append(items, ActivityItem{Event: e, DocumentName: doc.Name})
		if len(items) == limit {
			break
		}
	}
	return items, nil
}

func (s *MemoryStore) ListDocumentsForOffice(ctx context.Context, office string, limit int) ([]lifecycle.Document, error) {
	return s.ListDocuments(ctx, DocumentFilter{Office: office, Limit: limitOr(limit, DefaultOfficeDocumentLimit)})
}

func (s *MemoryStore) ListDocuments(_ context.Context, filter DocumentFilter) ([]lifecycle.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	text := strings.ToLower(strings.TrimSpace(filter.Text))
	docs := make([]lifecycle.Document, 0)
	for _, d := range s.docs {
		if text != "" && !strings.Contains(strings.ToLower(d.FileKey), text) && !strings.Contains(strings.ToLower(d.Name), text) {
			continue
		}
		if filter.Office != "" && !d.IsParty(filter.Office) {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.CreatedFrom != nil && d.CreatedAt.Before(*filter.CreatedFrom) {
			continue
		}
		if filter.CreatedBefore != nil && !d.CreatedAt.Before(*filter.CreatedBefore) {
			continue
		}
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.After(docs[j].CreatedAt)
		}
		return docs[i].FileKey < docs[j].FileKey
	})
	if limit := limitOr(filter.Limit, DefaultAdminDocumentLimit); len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (s *MemoryStore) OfficeExists(_ context.Context, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.offices[username]
	return ok, nil
}

func (s *MemoryStore) ListOffices(_ context.Context, limit int) ([]Office, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offices := make([]Office, 0, len(s.offices))
	for _, o := range s.offices {
		offices = append(offices, o)
	}
	sort.Slice(offices, func(i, j int) bool { return offices[i].Username < offices[j].Username })
	if limit = limitOr(limit, DefaultOfficeListLimit); len(offices) > limit {
		offices = offices[:limit]
	}
	return offices, nil
}

func (s *MemoryStore) OfficeStats(ctx context.Context, limit int) ([]OfficeStat, error) {
	offices, err := s.ListOffices(ctx, limitOr(limit, DefaultOfficeStatsLimit))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	byOffice := make(map[string]*OfficeStat, len(offices))
	stats := make([]OfficeStat, len(offices))
	for i, o := range offices {
		stats[i].Username = o.Username
		byOffice[o.Username] = &stats[i]
	}
	for _, d := range s.docs {
		if st, ok := byOffice[d.SourceOffice]; ok {
			st.SentTotal++
			switch d.Status {
			case lifecycle.StatusDelivered:
				st.SentDelivered++
			case lifecycle.StatusInTransit:
				st.SentInTransit++
			}
		}
		if st, ok := byOffice[d.ReceiverOffice]; ok {
			st.RecvTotal++
			switch d.Status {
			case lifecycle.StatusDelivered:
				st.RecvDelivered++
			case lifecycle.StatusInTransit:
				st.RecvInTransit++
			}
		}
	}
	return stats, nil
}

func (s *MemoryStore) getLocked(fileKey string) (lifecycle.Document, error) {
	doc, ok := s.docs[fileKey]
	if !ok {
		return lifecycle.Document{}, fmt.Errorf("get document %s: %w", fileKey, lifecycle.ErrNotFound)
	}
	return doc, nil
}

func (s *MemoryStore) listEventsLocked(fileKey string, limit int) []lifecycle.Event {
	events := make([]lifecycle.Event, 0)
	for _, e := range s.events {
		if e.FileKey == fileKey {
			events = append(events, e)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].Seq < events[j].Seq
	})
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events
}

// memoryTx runs with MemoryStore.mu held.
type memoryTx struct {
	s *MemoryStore
	// touched holds the pre-transaction value of each changed document;
	// nil means the document did not exist.
	touched   map[string]*lifecycle.Document
	eventMark int
	seqMark   int64
}

func (t *memoryTx) remember(fileKey string) {
	if _, seen := t.touched[fileKey]; seen {
		return
	}
	if doc, ok := t.s.docs[fileKey]; ok {
		t.touched[fileKey] = &doc
		return
	}
	t.touched[fileKey] = nil
}

func (t *memoryTx) rollback() {
	for key, prev := range t.touched {
		if prev == nil {
			delete(t.s.docs, key)
			continue
		}
		t.s.docs[key] = *prev
	}
	t.s.events = t.s.events[:t.eventMark]
	t.s.nextSeq = t.seqMark
}

func (t *memoryTx) InsertDocument(_ context.Context, doc lifecycle.Document) error {
	if _, exists := t.s.docs[doc.FileKey]; exists {
		return fmt.Errorf("insert document: %w", lifecycle.ErrDuplicateKey)
	}
	if _, ok := t.s.offices[doc.ReceiverOffice]; !ok {
		return fmt.Errorf("insert document: %w", lifecycle.ErrReceiverNotFound)
	}
	if _, ok := t.s.offices[doc.SourceOffice]; !ok {
		return fmt.Errorf("insert document: source office %s: %w", doc.SourceOffice, lifecycle.ErrNotFound)
	}
	t.remember(doc.FileKey)
	t.s.docs[doc.FileKey] = doc
	return nil
}

func (t *memoryTx) GetDocument(_ context.Context, fileKey string) (lifecycle.Document, error) {
	return t.s.getLocked(fileKey)
}

func (t *memoryTx) CompareAndSetStatus(_ context.Context, change lifecycle.StatusChange) (bool, error) {
	doc, ok := t.s.docs[change.FileKey]
	if !ok || doc.Status != change.Expected {
		return false, nil
	}
	t.remember(change.FileKey)
	doc.Status = change.Next
	if change.MarkDelivered && doc.DeliveredAt == nil {
		at := change.At
		doc.DeliveredAt = &at
	}
	t.s.docs[change.FileKey] = doc
	return true, nil
}

func (t *memoryTx) AppendEvent(_ context.Context, event lifecycle.Event) (int64, error) {
	if _, ok := t.s.docs[event.FileKey]; !ok {
		return 0, fmt.Errorf("append event: %w", lifecycle.ErrNotFound)
	}
	t.s.nextSeq++
	event.Seq = t.s.nextSeq
	t.s.events = append(t.s.events, event)
	return event.Seq, nil
}

func (t *memoryTx) ListEvents(_ context.Context, fileKey string, limit int) ([]lifecycle.Event, error) {
	return t.s.listEventsLocked(fileKey, limitOr(limit, lifecycle.TrackingEventLimit)), nil
}
