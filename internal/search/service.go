// Package search finds documents by key, name or reference. Meilisearch is
// used when it is reachable; otherwise queries fall back to the database.
package search

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"doctrack/api/internal/lifecycle"
	"doctrack/api/internal/logger"
	"doctrack/api/internal/store"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
	reindexLimit = store.DefaultExportLimit
	queueSize    = 256
)

// Service is the facade that tries the engine first and falls back to the
// database.
type Service struct {
	engine   Engine
	fallback Fallback
	logger   *logger.Logger

	// one worker drains queue so a document's updates reach the engine in
	// commit order
	queue     chan DocumentRecord
	stop      chan struct{}
	stopOnce  sync.Once
	indexDone sync.WaitGroup
}

// NewService creates a search service. engine may be nil when Meilisearch
// is not configured. Call Close to stop the indexing worker.
func NewService(engine Engine, fallback Fallback, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Service{
		engine:   engine,
		fallback: fallback,
		logger:   log.With("component", "search"),
		queue:    make(chan DocumentRecord, queueSize),
		stop:     make(chan struct{}),
	}
	if engine != nil {
		s.indexDone.Add(1)
		go s.indexLoop()
	}
	return s
}

func (s *Service) indexLoop() {
	defer s.indexDone.Done()
	for {
		select {
		case <-s.stop:
			return
		case rec := <-s.queue:
			if err := s.engine.IndexDocument(rec); err != nil {
				s.logger.Warnw("index document", "file_key", rec.ID, "error", err)
			}
		}
	}
}

// Close stops the indexing worker. Changes queued but not yet indexed are
// picked up by the next ReindexAll.
func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.indexDone.Wait()
}

// Search runs text for actor. Offices only see documents they are a party
// to; admins see everything.
func (s *Service) Search(ctx context.Context, actor lifecycle.Actor, text string, limit int) (Response, error) {
	q := Query{Text: strings.TrimSpace(text), Limit: clampLimit(limit)}
	if !actor.IsAdmin {
		q.Office = actor.ID
	}
	if q.Text == "" {
		return Response{Results: []Result{}, Query: q.Text, Source: "database"}, nil
	}

	if s.engine != nil && s.engine.Healthy() {
		results, total, err := s.engine.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "meilisearch"}, nil
		}
		s.logger.Warnw("meilisearch error, falling back to database", "error", err)
	}

	docs, err := s.fallback.ListDocuments(ctx, store.DocumentFilter{Text: q.Text, Office: q.Office, Limit: q.Limit})
	if err != nil {
		return Response{}, errors.Mark(errors.Wrap(err, "search documents"), lifecycle.ErrStoreUnavailable)
	}
	results := make([]Result, 0, len(docs))
	for _, d := range docs {
		results = append(results, resultFor(d))
	}
	return Response{Results: results, Total: len(results), Query: q.Text, Source: "database"}, nil
}

// DocumentChanged queues the document for indexing without blocking the
// caller. When the queue is full the change is dropped and logged.
func (s *Service) DocumentChanged(_ context.Context, doc lifecycle.Document) {
	if s.engine == nil || !s.engine.Healthy() {
		return
	}
	select {
	case <-s.stop:
		return
	default:
	}
	rec := recordFor(doc)
	select {
	case s.queue <- rec:
	default:
		s.logger.Warnw("search index queue full, dropping change", "file_key", rec.ID)
	}
}

// ReindexAll loads documents from the database and pushes them to the
// engine. Called at startup so the index catches up with writes made while
// it was down.
func (s *Service) ReindexAll(ctx context.Context) error {
	if s.engine == nil || !s.engine.Healthy() {
		return nil
	}
	docs, err := s.fallback.ListDocuments(ctx, store.DocumentFilter{Limit: reindexLimit})
	if err != nil {
		return errors.Wrap(err, "load documents for reindex")
	}
	records := make([]DocumentRecord, 0, len(docs))
	for _, d := range docs {
		records = append(records, recordFor(d))
	}
	if err := s.engine.IndexDocuments(records); err != nil {
		return errors.Wrap(err, "reindex documents")
	}
	s.logger.Infow("search index rebuilt", "documents", len(records))
	return nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
