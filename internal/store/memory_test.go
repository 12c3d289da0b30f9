package store

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doctrack/api/internal/lifecycle"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func seedDoc(key, source, receiver string, created time.Time) lifecycle.Document {
	return lifecycle.Document{
		FileKey:        key,
		Name:           "Memo " + key,
		DocumentType:   "memo",
		SourceOffice:   source,
		ReceiverOffice: receiver,
		CreatedAt:      created,
		Status:         lifecycle.StatusInTransit,
	}
}

func newSeededMemory(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(
		Office{Username: "registrar"},
		Office{Username: "accounting"},
		Office{Username: "admin", IsAdmin: true},
	)
	ctx := context.Background()
	require.NoError(t, s.InsertDocument(ctx, seedDoc("BULSU-AAAAAAAAAA", "registrar", "accounting", t0)))
	require.NoError(t, s.InsertDocument(ctx, seedDoc("BULSU-BBBBBBBBBB", "accounting", "registrar", t0.Add(time.Hour))))
	require.NoError(t, s.InsertDocument(ctx, seedDoc("BULSU-CCCCCCCCCC", "accounting", "admin", t0.Add(48*time.Hour))))
	return s
}

func TestMemoryInsertRejectsDuplicateKey(t *testing.T) {
	s := newSeededMemory(t)
	err := s.InsertDocument(context.Background(), seedDoc("BULSU-AAAAAAAAAA", "registrar", "accounting", t0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, lifecycle.ErrDuplicateKey))
}

func TestMemoryInsertRequiresReceiver(t *testing.T) {
	s := newSeededMemory(t)
	err := s.InsertDocument(context.Background(), seedDoc("BULSU-DDDDDDDDDD", "registrar", "nobody", t0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, lifecycle.ErrReceiverNotFound))
}

func TestMemoryCompareAndSetStatus(t *testing.T) {
	s := newSeededMemory(t)
	ctx := context.Background()
	at := t0.Add(2 * time.Hour)

	ok, err := s.CompareAndSetStatus(ctx, lifecycle.StatusChange{
		FileKey: "BULSU-AAAAAAAAAA", Expected: lifecycle.StatusInTransit, Next: lifecycle.StatusDelivered,
		MarkDelivered: true, At: at,
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CompareAndSetStatus(ctx, lifecycle.StatusChange{
		FileKey: "BULSU-AAAAAAAAAA", Expected: lifecycle.StatusInTransit, Next: lifecycle.StatusCancelled,
	})
	require.NoError(t, err)
	assert.False(t, ok, "stale expected status must not match")

	// moving away and back never rewrites the delivery timestamp
	_, err = s.CompareAndSetStatus(ctx, lifecycle.StatusChange{
		FileKey: "BULSU-AAAAAAAAAA", Expected: lifecycle.StatusDelivered, Next: lifecycle.StatusArchived,
	})
	require.NoError(t, err)
	_, err = s.CompareAndSetStatus(ctx, lifecycle.StatusChange{
		FileKey: "BULSU-AAAAAAAAAA", Expected: lifecycle.StatusArchived, Next: lifecycle.StatusDelivered,
		MarkDelivered: true, At: at.Add(time.Hour),
	})
	require.NoError(t, err)

	doc, err := s.GetDocument(ctx, "BULSU-AAAAAAAAAA")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusDelivered, doc.Status)
	require.NotNil(t, doc.DeliveredAt)
	assert.True(t, doc.DeliveredAt.Equal(at))
}

func TestMemoryRunInTxRollsBackOnError(t *testing.T) {
	s := newSeededMemory(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunInTx(ctx, func(st lifecycle.Store) error {
		if _, err := st.CompareAndSetStatus(ctx, lifecycle.StatusChange{
			FileKey: "BULSU-BBBBBBBBBB", Expected: lifecycle.StatusInTransit, Next: lifecycle.StatusRejected,
		}); err != nil {
			return err
		}
		if _, err := st.AppendEvent(ctx, lifecycle.Event{FileKey: "BULSU-BBBBBBBBBB", Type: lifecycle.EventStatusChanged, CreatedAt: t0}); err != nil {
			return err
		}
		if err := st.InsertDocument(ctx, seedDoc("BULSU-EEEEEEEEEE", "registrar", "accounting", t0)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	doc, err := s.GetDocument(ctx, "BULSU-BBBBBBBBBB")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusInTransit, doc.Status)

	_, err = s.GetDocument(ctx, "BULSU-EEEEEEEEEE")
	assert.True(t, errors.Is(err, lifecycle.ErrNotFound))

	events, err := s.ListEvents(ctx, "BULSU-BBBBBBBBBB", 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	seq, err := s.AppendEvent(ctx, lifecycle.Event{FileKey: "BULSU-BBBBBBBBBB", Type: lifecycle.EventCreated, CreatedAt: t0})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq, "sequence numbers from a rolled back transaction are reused")
}

func TestMemoryEventOrdering(t *testing.T) {
	s := newSeededMemory(t)
	ctx := context.Background()
	key := "BULSU-AAAAAAAAAA"

	for _, e := range []lifecycle.Event{
		{FileKey: key, Type: lifecycle.EventCreated, Actor: "registrar", CreatedAt: t0},
		{FileKey: key, Type: lifecycle.EventStatusChanged, Actor: "accounting", CreatedAt: t0.Add(time.Minute)},
		{FileKey: key, Type: lifecycle.EventStatusChanged, Actor: "admin", CreatedAt: t0.Add(time.Minute)},
	} {
		_, err := s.AppendEvent(ctx, e)
		require.NoError(t, err)
	}

	events, err := s.ListEvents(ctx, key, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []string{"registrar", "accounting", "admin"}, []string{events[0].Actor, events[1].Actor, events[2].Actor})

	recent, err := s.ListRecentEvents(ctx, EventFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "admin", recent[0].Actor, "equal timestamps break ties by sequence")
	assert.Equal(t, "accounting", recent[1].Actor)
	assert.Equal(t, "Memo "+key, recent[0].DocumentName)
}

func TestMemoryListEventsKeepsNewestWhenLimited(t *testing.T) {
	s := newSeededMemory(t)
	ctx := context.Background()
	key := "BULSU-AAAAAAAAAA"

	for i := 0; i < 5; i++ {
		_, err := s.AppendEvent(ctx, lifecycle.Event{
			FileKey: key, Type: lifecycle.EventStatusChanged, Actor: "registrar", CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	events, err := s.ListEvents(ctx, key, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{events[0].Seq, events[1].Seq, events[2].Seq})
}

func TestMemoryRecentEventsOfficeFilter(t *testing.T) {
	s := newSeededMemory(t)
	ctx := context.Background()
	_, err := s.AppendEvent(ctx, lifecycle.Event{FileKey: "BULSU-AAAAAAAAAA", Type: lifecycle.EventCreated, Actor: "registrar", CreatedAt: t0})
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, lifecycle.Event{FileKey: "BULSU-CCCCCCCCCC", Type: lifecycle.EventCreated, Actor: "accounting", CreatedAt: t0})
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, lifecycle.Event{FileKey: "BULSU-CCCCCCCCCC", Type: lifecycle.EventStatusChanged, Actor: "registrar", CreatedAt: t0.Add(time.Hour)})
	require.NoError(t, err)

	items, err := s.ListRecentEvents(ctx, EventFilter{Office: "registrar"})
	require.NoError(t, err)
	require.Len(t, items, 2, "party events plus events the office performed")
	assert.Equal(t, "BULSU-CCCCCCCCCC", items[0].FileKey)
	assert.Equal(t, "BULSU-AAAAAAAAAA", items[1].FileKey)
}

func TestMemoryListDocumentsFilter(t *testing.T) {
	s := newSeededMemory(t)
	ctx := context.Background()

	docs, err := s.ListDocumentsForOffice(ctx, "registrar", 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "BULSU-BBBBBBBBBB", docs[0].FileKey, "newest first")

	from := t0.Add(30 * time.Minute)
	before := t0.Add(24 * time.Hour)
	docs, err = s.ListDocuments(ctx, DocumentFilter{CreatedFrom: &from, CreatedBefore: &before})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "BULSU-BBBBBBBBBB", docs[0].FileKey)

	docs, err = s.ListDocuments(ctx, DocumentFilter{Text: "cccc"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "BULSU-CCCCCCCCCC", docs[0].FileKey)

	docs, err = s.ListDocuments(ctx, DocumentFilter{Status: lifecycle.StatusDelivered})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestMemoryOfficeStats(t *testing.T) {
	s := newSeededMemory(t)
	ctx := context.Background()
	_, err := s.CompareAndSetStatus(ctx, lifecycle.StatusChange{
		FileKey: "BULSU-AAAAAAAAAA", Expected: lifecycle.StatusInTransit, Next: lifecycle.StatusDelivered,
		MarkDelivered: true, At: t0,
	})
	require.NoError(t, err)

	stats, err := s.OfficeStats(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stats, 3)

	byName := map[string]OfficeStat{}
	for _, st := range stats {
		byName[st.Username] = st
	}
	assert.Equal(t, OfficeStat{Username: "accounting", SentTotal: 2, SentInTransit: 2, RecvTotal: 1, RecvDelivered: 1}, byName["accounting"])
	assert.Equal(t, OfficeStat{Username: "registrar", SentTotal: 1, SentDelivered: 1, RecvTotal: 1, RecvInTransit: 1}, byName["registrar"])
	assert.Equal(t, OfficeStat{Username: "admin", RecvTotal: 1, RecvInTransit: 1}, byName["admin"])
}
