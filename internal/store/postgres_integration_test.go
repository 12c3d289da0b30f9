//go:build integration

package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"doctrack/api/db"
	"doctrack/api/internal/lifecycle"
)

type PostgresStoreSuite struct {
	suite.Suite
	container *tcpostgres.PostgresContainer
	db        *sql.DB
	store     *PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("doctrack"),
		tcpostgres.WithUsername("doctrack"),
		tcpostgres.WithPassword("doctrack"),
		tcpostgres.BasicWaitStrategies(),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	s.db, err = Open(ctx, dsn)
	s.Require().NoError(err)
	s.store = NewPostgresStore(s.db)
}

func (s *PostgresStoreSuite) TearDownSuite() {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
}

func (s *PostgresStoreSuite) SetupTest() {
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	s.Require().NoError(err)
	s.Require().NoError(ApplyMigrations(ctx, s.db, db.Migrations()))
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO office_accounts (username, is_admin)
		VALUES ('registrar', FALSE), ('accounting', FALSE), ('admin', TRUE)
	`)
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) insert(key, source, receiver string, created time.Time) {
	s.Require().NoError(s.store.InsertDocument(context.Background(), lifecycle.Document{
		FileKey:        key,
		Name:           "Memo " + key,
		DocumentType:   "memo",
		SourceOffice:   source,
		ReceiverOffice: receiver,
		CreatedAt:      created,
		Status:         lifecycle.StatusInTransit,
	}))
}

func (s *PostgresStoreSuite) TestReadyTablesPresent() {
	missing, err := s.store.MissingTables(context.Background())
	s.Require().NoError(err)
	s.Empty(missing)
}

func (s *PostgresStoreSuite) TestMigrationsAreIdempotent() {
	s.Require().NoError(ApplyMigrations(context.Background(), s.db, db.Migrations()))
}

func (s *PostgresStoreSuite) TestMigrationsRoundTrip() {
	ctx := context.Background()
	migrations := db.Migrations()
	entries, err := fs.ReadDir(migrations, ".")
	s.Require().NoError(err)

	var downs []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".down.sql") {
			downs = append(downs, entry.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(downs)))
	for _, name := range downs {
		contents, err := fs.ReadFile(migrations, name)
		s.Require().NoError(err)
		_, err = s.db.ExecContext(ctx, string(contents))
		s.Require().NoErrorf(err, "apply %s", name)
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM schema_migrations`)
	s.Require().NoError(err)
	s.Require().NoError(ApplyMigrations(ctx, s.db, migrations))
}

func (s *PostgresStoreSuite) TestDuplicateKeyIsClassified() {
	now := time.Now().UTC()
	s.insert("BULSU-AAAAAAAAAA", "registrar", "accounting", now)
	err := s.store.InsertDocument(context.Background(), lifecycle.Document{
		FileKey: "BULSU-AAAAAAAAAA", Name: "Other", DocumentType: "memo",
		SourceOffice: "accounting", ReceiverOffice: "registrar", CreatedAt: now, Status: lifecycle.StatusInTransit,
	})
	s.Require().Error(err)
	s.True(errors.Is(err, lifecycle.ErrDuplicateKey))
}

func (s *PostgresStoreSuite) TestUnknownReceiverIsClassified() {
	err := s.store.InsertDocument(context.Background(), lifecycle.Document{
		FileKey: "BULSU-ZZZZZZZZZZ", Name: "Memo", DocumentType: "memo",
		SourceOffice: "registrar", ReceiverOffice: "nobody", CreatedAt: time.Now(), Status: lifecycle.StatusInTransit,
	})
	s.Require().Error(err)
	s.True(errors.Is(err, lifecycle.ErrReceiverNotFound))
}

func (s *PostgresStoreSuite) TestGetMissingDocument() {
	_, err := s.store.GetDocument(context.Background(), "BULSU-NOPE")
	s.True(errors.Is(err, lifecycle.ErrNotFound))
}

func (s *PostgresStoreSuite) TestCompareAndSetStatusSetsDeliveredOnce() {
	ctx := context.Background()
	s.insert("BULSU-AAAAAAAAAA", "registrar", "accounting", time.Now().UTC())
	first := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	ok, err := s.store.CompareAndSetStatus(ctx, lifecycle.StatusChange{
		FileKey: "BULSU-AAAAAAAAAA", Expected: lifecycle.StatusInTransit, Next: lifecycle.StatusDelivered,
		MarkDelivered: true, At: first,
	})
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.store.CompareAndSetStatus(ctx, lifecycle.StatusChange{
		FileKey: "BULSU-AAAAAAAAAA", Expected: lifecycle.StatusInTransit, Next: lifecycle.StatusRejected,
	})
	s.Require().NoError(err)
	s.False(ok)

	for _, step := range []lifecycle.StatusChange{
		{Expected: lifecycle.StatusDelivered, Next: lifecycle.StatusArchived},
		{Expected: lifecycle.StatusArchived, Next: lifecycle.StatusDelivered, MarkDelivered: true, At: first.Add(time.Hour)},
	} {
		step.FileKey = "BULSU-AAAAAAAAAA"
		ok, err := s.store.CompareAndSetStatus(ctx, step)
		s.Require().NoError(err)
		s.Require().True(ok)
	}

	doc, err := s.store.GetDocument(ctx, "BULSU-AAAAAAAAAA")
	s.Require().NoError(err)
	s.Equal(lifecycle.StatusDelivered, doc.Status)
	s.Require().NotNil(doc.DeliveredAt)
	s.True(doc.DeliveredAt.Equal(first))
}

func (s *PostgresStoreSuite) TestDeliveredAtCannotBeRewritten() {
	ctx := context.Background()
	s.insert("BULSU-AAAAAAAAAA", "registrar", "accounting", time.Now().UTC())
	_, err := s.store.CompareAndSetStatus(ctx, lifecycle.StatusChange{
		FileKey: "BULSU-AAAAAAAAAA", Expected: lifecycle.StatusInTransit, Next: lifecycle.StatusDelivered,
		MarkDelivered: true, At: time.Now().UTC(),
	})
	s.Require().NoError(err)

	_, err = s.db.ExecContext(ctx, `UPDATE documents SET delivered_at = NULL WHERE file_key = 'BULSU-AAAAAAAAAA'`)
	s.requireImmutable(err)
}

func (s *PostgresStoreSuite) TestEventLogIsImmutable() {
	ctx := context.Background()
	s.insert("BULSU-AAAAAAAAAA", "registrar", "accounting", time.Now().UTC())
	to := lifecycle.StatusInTransit
	_, err := s.store.AppendEvent(ctx, lifecycle.Event{
		FileKey: "BULSU-AAAAAAAAAA", Type: lifecycle.EventCreated, Actor: "registrar", ToStatus: &to, CreatedAt: time.Now().UTC(),
	})
	s.Require().NoError(err)

	_, err = s.db.ExecContext(ctx, `UPDATE document_events SET note = 'changed'`)
	s.requireImmutable(err)

	_, err = s.db.ExecContext(ctx, `DELETE FROM document_events`)
	s.requireImmutable(err)

	_, err = s.db.ExecContext(ctx, `DELETE FROM documents`)
	s.requireImmutable(err)
}

func (s *PostgresStoreSuite) TestRunInTxRollsBack() {
	ctx := context.Background()
	s.insert("BULSU-AAAAAAAAAA", "registrar", "accounting", time.Now().UTC())
	boom := errors.New("boom")

	err := s.store.RunInTx(ctx, func(st lifecycle.Store) error {
		if _, err := st.CompareAndSetStatus(ctx, lifecycle.StatusChange{
			FileKey: "BULSU-AAAAAAAAAA", Expected: lifecycle.StatusInTransit, Next: lifecycle.StatusCancelled,
		}); err != nil {
			return err
		}
		if _, err := st.AppendEvent(ctx, lifecycle.Event{FileKey: "BULSU-AAAAAAAAAA", Type: lifecycle.EventStatusChanged, Actor: "registrar", CreatedAt: time.Now()}); err != nil {
			return err
		}
		return boom
	})
	s.Require().ErrorIs(err, boom)

	doc, err := s.store.GetDocument(ctx, "BULSU-AAAAAAAAAA")
	s.Require().NoError(err)
	s.Equal(lifecycle.StatusInTransit, doc.Status)
	events, err := s.store.ListEvents(ctx, "BULSU-AAAAAAAAAA", 0)
	s.Require().NoError(err)
	s.Empty(events)
}

func (s *PostgresStoreSuite) TestListingsAndStats() {
	ctx := context.Background()
	base := time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)
	s.insert("BULSU-AAAAAAAAAA", "registrar", "accounting", base)
	s.insert("BULSU-BBBBBBBBBB", "accounting", "registrar", base.Add(time.Hour))
	s.insert("BULSU-CCCCCCCCCC", "accounting", "admin", base.Add(48*time.Hour))

	docs, err := s.store.ListDocumentsForOffice(ctx, "registrar", 0)
	s.Require().NoError(err)
	s.Require().Len(docs, 2)
	s.Equal("BULSU-BBBBBBBBBB", docs[0].FileKey)

	from, before := base.Add(30*time.Minute), base.Add(24*time.Hour)
	docs, err = s.store.ListDocuments(ctx, DocumentFilter{CreatedFrom: &from, CreatedBefore: &before, Text: "bbbb"})
	s.Require().NoError(err)
	s.Require().Len(docs, 1)
	s.Equal("BULSU-BBBBBBBBBB", docs[0].FileKey)

	docs, err = s.store.ListDocuments(ctx, DocumentFilter{Text: "100%_"})
	s.Require().NoError(err)
	s.Empty(docs, "LIKE wildcards in user input are literal")

	stats, err := s.store.OfficeStats(ctx, 0)
	s.Require().NoError(err)
	s.Require().Len(stats, 3)
	s.Equal(OfficeStat{Username: "accounting", SentTotal: 2, SentInTransit: 2, RecvTotal: 1, RecvInTransit: 1}, stats[0])

	offices, err := s.store.ListOffices(ctx, 0)
	s.Require().NoError(err)
	s.Equal([]Office{{Username: "accounting"}, {Username: "admin", IsAdmin: true}, {Username: "registrar"}}, offices)
}

func (s *PostgresStoreSuite) TestRecentEventsNewestFirst() {
	ctx := context.Background()
	base := time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)
	s.insert("BULSU-AAAAAAAAAA", "registrar", "accounting", base)
	for i, actor := range []string{"registrar", "accounting", "admin"} {
		_, err := s.store.AppendEvent(ctx, lifecycle.Event{
			FileKey: "BULSU-AAAAAAAAAA", Type: lifecycle.EventStatusChanged, Actor: actor,
			CreatedAt: base.Add(time.Duration(i/2) * time.Minute),
		})
		s.Require().NoError(err)
	}

	items, err := s.store.ListRecentEvents(ctx, EventFilter{})
	s.Require().NoError(err)
	s.Require().Len(items, 3)
	s.Equal("admin", items[0].Actor)
	s.Equal("accounting", items[1].Actor)
	s.Equal("registrar", items[2].Actor)
	s.Equal("Memo BULSU-AAAAAAAAAA", items[0].DocumentName)

	history, err := s.store.ListEvents(ctx, "BULSU-AAAAAAAAAA", 0)
	s.Require().NoError(err)
	s.Equal("registrar", history[0].Actor)
	s.Less(history[0].Seq, history[1].Seq)
}

func (s *PostgresStoreSuite) TestConcurrentCompareAndSetHasOneWinner() {
	ctx := context.Background()
	base := time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

	for round := 0; round < 10; round++ {
		key := fmt.Sprintf("BULSU-RACE%06d", round)
		s.insert(key, "registrar", "accounting", base)

		var wg sync.WaitGroup
		results := make(chan bool, 2)
		errs := make(chan error, 2)
		for _, next := range []lifecycle.Status{lifecycle.StatusDelivered, lifecycle.StatusCancelled} {
			wg.Add(1)
			go func(next lifecycle.Status) {
				defer wg.Done()
				ok, err := s.store.CompareAndSetStatus(ctx, lifecycle.StatusChange{
					FileKey:       key,
					Expected:      lifecycle.StatusInTransit,
					Next:          next,
					MarkDelivered: next == lifecycle.StatusDelivered,
					At:            base.Add(time.Minute),
				})
				results <- ok
				errs <- err
			}(next)
		}
		wg.Wait()
		close(results)
		close(errs)

		for err := range errs {
			s.Require().NoError(err)
		}
		wins := 0
		for ok := range results {
			if ok {
				wins++
			}
		}
		s.Equal(1, wins, "round %d: exactly one update may apply", round)

		doc, err := s.store.GetDocument(ctx, key)
		s.Require().NoError(err)
		s.NotEqual(lifecycle.StatusInTransit, doc.Status)
		s.Equal(doc.Status == lifecycle.StatusDelivered, doc.DeliveredAt != nil)
	}
}

func (s *PostgresStoreSuite) TestListEventsKeepsNewestWhenLimited() {
	ctx := context.Background()
	base := time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)
	s.insert("BULSU-AAAAAAAAAA", "registrar", "accounting", base)
	var seqs []int64
	for i := 0; i < 5; i++ {
		seq, err := s.store.AppendEvent(ctx, lifecycle.Event{
			FileKey: "BULSU-AAAAAAAAAA", Type: lifecycle.EventStatusChanged, Actor: "registrar",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		s.Require().NoError(err)
		seqs = append(seqs, seq)
	}

	events, err := s.store.ListEvents(ctx, "BULSU-AAAAAAAAAA", 3)
	s.Require().NoError(err)
	s.Require().Len(events, 3)
	s.Equal(seqs[2:], []int64{events[0].Seq, events[1].Seq, events[2].Seq})
}

func (s *PostgresStoreSuite) requireImmutable(err error) {
	s.T().Helper()
	s.Require().Error(err)
	var pgErr *pgconn.PgError
	s.Require().True(errors.As(err, &pgErr), "expected PostgreSQL error, got %v", err)
	assert.Equal(s.T(), "55000", pgErr.SQLState())
}
