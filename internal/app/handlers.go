package app

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"doctrack/api/internal/lifecycle"
	"doctrack/api/internal/listing"
)

type createDocumentRequest struct {
	ReceiverOffice string `json:"receiverOffice"`
	Name           string `json:"documentName"`
	DocumentType   string `json:"documentType"`
	ReferringTo    string `json:"referringTo"`
	FileKey        string `json:"fileId"`
}

type changeStatusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var body createDocumentRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	actor := actorFrom(r.Context())
	doc, err := s.Lifecycle.CreateDocument(r.Context(), lifecycle.CreateInput{
		SourceOffice:   actor.ID,
		ReceiverOffice: body.ReceiverOffice,
		Name:           body.Name,
		DocumentType:   body.DocumentType,
		ReferringTo:    body.ReferringTo,
		FileKey:        body.FileKey,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":       true,
		"fileId":   doc.FileKey,
		"document": doc,
	})
}

func (s *HTTPServer) handleTrackDocument(w http.ResponseWriter, r *http.Request) {
	fileKey := chi.URLParam(r, "fileId")
	actor := actorFrom(r.Context())

	var (
		tracking lifecycle.Tracking
		err      error
	)
	if s.Cache != nil {
		tracking, err = s.Cache.Track(r.Context(), s.Lifecycle, fileKey, actor)
	} else {
		tracking, err = s.Lifecycle.TrackDocument(r.Context(), fileKey, actor)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tracking)
}

func (s *HTTPServer) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	var body changeStatusRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	res, err := s.Lifecycle.ChangeStatus(r.Context(), lifecycle.ChangeRequest{
		FileKey: chi.URLParam(r, "fileId"),
		Actor:   actorFrom(r.Context()),
		Status:  lifecycle.ParseStatus(body.Status),
		Note:    body.Note,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleReceiveDocument(w http.ResponseWriter, r *http.Request) {
	res, err := s.Lifecycle.ReceiveDocument(r.Context(), chi.URLParam(r, "fileId"), actorFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleMyDocuments(w http.ResponseWriter, r *http.Request) {
	dashboard, err := s.Listing.Dashboard(r.Context(), actorFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dashboard)
}

func (s *HTTPServer) handleMyActivity(w http.ResponseWriter, r *http.Request) {
	items, err := s.Listing.Activity(r.Context(), actorFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleOffices(w http.ResponseWriter, r *http.Request) {
	offices, err := s.Listing.Offices(r.Context(), actorFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offices": offices})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	resp, err := s.Search.Search(r.Context(), actorFrom(r.Context()), r.URL.Query().Get("q"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleAdminActivity(w http.ResponseWriter, r *http.Request) {
	items, err := s.Listing.RecentActivity(r.Context(), actorFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleAdminDocuments(w http.ResponseWriter, r *http.Request) {
	filter, err := listing.ParseFilter(filterParams(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	docs, err := s.Listing.Documents(r.Context(), actorFrom(r.Context()), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// CSV is rendered into a buffer first so a failure can still be reported
// as a JSON error.
func (s *HTTPServer) handleAdminDocumentsCSV(w http.ResponseWriter, r *http.Request) {
	filter, err := listing.ParseFilter(filterParams(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var buf bytes.Buffer
	if _, err := s.Listing.ExportDocumentsCSV(r.Context(), actorFrom(r.Context()), filter, &buf); err != nil {
		s.fail(w, r, err)
		return
	}
	writeCSV(w, "documents.csv", buf.Bytes())
}

func (s *HTTPServer) handleAdminExport(w http.ResponseWriter, r *http.Request) {
	filter, err := listing.ParseFilter(filterParams(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	archive, err := s.Listing.ArchiveDocumentsCSV(r.Context(), actorFrom(r.Context()), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, archive)
}

func (s *HTTPServer) handleOfficeStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Listing.OfficeStats(r.Context(), actorFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offices": stats})
}

func (s *HTTPServer) handleOfficeStatsCSV(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.Listing.ExportOfficeStatsCSV(r.Context(), actorFrom(r.Context()), &buf); err != nil {
		s.fail(w, r, err)
		return
	}
	writeCSV(w, "office-stats.csv", buf.Bytes())
}

func filterParams(r *http.Request) listing.FilterParams {
	q := r.URL.Query()
	return listing.FilterParams{
		Query:    q.Get("q"),
		Username: q.Get("username"),
		Status:   q.Get("status"),
		FromDate: q.Get("fromDate"),
		ToDate:   q.Get("toDate"),
	}
}

func writeCSV(w http.ResponseWriter, filename string, body []byte) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", strings.TrimSpace(filename)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
