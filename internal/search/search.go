package search

import (
	"context"

	"doctrack/api/internal/lifecycle"
	"doctrack/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	FileKey        string           `json:"fileId"`
	Name           string           `json:"documentName"`
	DocumentType   string           `json:"documentType"`
	SourceOffice   string           `json:"sourceOffice"`
	ReceiverOffice string           `json:"receiverOffice"`
	Status         lifecycle.Status `json:"status"`
	Highlight      string           `json:"highlight,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text string
	// Office restricts hits to documents the office sent or receives.
	// Empty means every document.
	Office string
	Limit  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	// Source is "meilisearch" or "database".
	Source string `json:"source"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Engine is a search backend that also accepts index updates.
type Engine interface {
	Searcher
	IndexDocument(doc DocumentRecord) error
	IndexDocuments(docs []DocumentRecord) error
}

// Fallback answers searches from the database when the engine is down.
type Fallback interface {
	ListDocuments(ctx context.Context, filter store.DocumentFilter) ([]lifecycle.Document, error)
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID             string `json:"id"`
	Name           string `json:"documentName"`
	ReferringTo    string `json:"referringTo"`
	DocumentType   string `json:"documentType"`
	SourceOffice   string `json:"sourceOffice"`
	ReceiverOffice string `json:"receiverOffice"`
	Status         string `json:"status"`
	CreatedAt      int64  `json:"createdAt"`
}

func recordFor(doc lifecycle.Document) DocumentRecord {
	rec := DocumentRecord{
		ID:             doc.FileKey,
		Name:           doc.Name,
		DocumentType:   doc.DocumentType,
		SourceOffice:   doc.SourceOffice,
		ReceiverOffice: doc.ReceiverOffice,
		Status:         string(doc.Status),
		CreatedAt:      doc.CreatedAt.Unix(),
	}
	if doc.ReferringTo != nil {
		rec.ReferringTo = *doc.ReferringTo
	}
	return rec
}

func resultFor(doc lifecycle.Document) Result {
	return Result{
		FileKey:        doc.FileKey,
		Name:           doc.Name,
		DocumentType:   doc.DocumentType,
		SourceOffice:   doc.SourceOffice,
		ReceiverOffice: doc.ReceiverOffice,
		Status:         doc.Status,
	}
}
