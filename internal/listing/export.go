package listing

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oklog/ulid/v2"

	"doctrack/api/internal/lifecycle"
	"doctrack/api/internal/rbac"
	"doctrack/api/internal/store"
)

const (
	csvContentType = "text/csv; charset=utf-8"
	csvTimeLayout  = time.DateTime
)

var (
	documentColumns = []string{"fileId", "documentName", "referringTo", "documentType", "sourceOffice", "receiverOffice", "createdAt", "deliveredAt", "status"}
	officeColumns   = []string{"office", "sentTotal", "sentDelivered", "sentInTransit", "recvTotal", "recvDelivered", "recvInTransit"}
)

// Archive describes a stored export.
type Archive struct {
	Key  string `json:"key"`
	URL  string `json:"url"`
	Rows int    `json:"rows"`
}

// ExportDocumentsCSV writes the documents matching filter to w, newest
// first, with a header row.
func (s *Service) ExportDocumentsCSV(ctx context.Context, actor lifecycle.Actor, filter store.DocumentFilter, w io.Writer) (int, error) {
	if err := authorize(actor, rbac.ActionExport); err != nil {
		return 0, err
	}
	filter.Limit = store.DefaultExportLimit
	docs, err := s.reader.ListDocuments(ctx, filter)
	if err != nil {
		return 0, readError("export documents", err)
	}

	cw := newCSVWriter(w)
	if err := cw.Write(documentColumns); err != nil {
		return 0, fmt.Errorf("write csv header: %w", err)
	}
	for _, d := range docs {
		if err := cw.Write(documentRow(d)); err != nil {
			return 0, fmt.Errorf("write csv row %s: %w", d.FileKey, err)
		}
	}
	cw.Flush()
	return len(docs), cw.Error()
}

// ExportOfficeStatsCSV writes per-office counts to w.
func (s *Service) ExportOfficeStatsCSV(ctx context.Context, actor lifecycle.Actor, w io.Writer) error {
	stats, err := s.OfficeStats(ctx, actor)
	if err != nil {
		return err
	}

	cw := newCSVWriter(w)
	if err := cw.Write(officeColumns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, st := range stats {
		row := []string{
			st.Username,
			strconv.Itoa(st.SentTotal),
			strconv.Itoa(st.SentDelivered),
			strconv.Itoa(st.SentInTransit),
			strconv.Itoa(st.RecvTotal),
			strconv.Itoa(st.RecvDelivered),
			strconv.Itoa(st.RecvInTransit),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %s: %w", st.Username, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ArchiveDocumentsCSV renders the document export and stores it under
// exports/<date>/<ulid>.csv.
func (s *Service) ArchiveDocumentsCSV(ctx context.Context, actor lifecycle.Actor, filter store.DocumentFilter) (Archive, error) {
	if err := authorize(actor, rbac.ActionExport); err != nil {
		return Archive{}, err
	}
	if s.archiver == nil {
		return Archive{}, errors.WithHint(ErrArchiveUnavailable, "Export archiving is not enabled.")
	}

	var buf bytes.Buffer
	rows, err := s.ExportDocumentsCSV(ctx, actor, filter, &buf)
	if err != nil {
		return Archive{}, err
	}

	now := s.now().UTC()
	key := fmt.Sprintf("exports/%s/%s.csv", now.Format(DateLayout), ulid.Make().String())
	url, err := s.archiver.Put(ctx, key, csvContentType, buf.Bytes())
	if err != nil {
		return Archive{}, errors.Wrapf(err, "archive export %s", key)
	}
	s.logger.Infow("export archived", "key", key, "rows", rows, "actor", actor.ID)
	return Archive{Key: key, URL: url, Rows: rows}, nil
}

func newCSVWriter(w io.Writer) *csv.Writer {
	cw := csv.NewWriter(w)
	cw.UseCRLF = true
	return cw
}

func documentRow(d lifecycle.Document) []string {
	referring, delivered := "", ""
	if d.ReferringTo != nil {
		referring = *d.ReferringTo
	}
	if d.DeliveredAt != nil {
		delivered = d.DeliveredAt.UTC().Format(csvTimeLayout)
	}
	return []string{
		d.FileKey,
		d.Name,
		referring,
		d.DocumentType,
		d.SourceOffice,
		d.ReceiverOffice,
		d.CreatedAt.UTC().Format(csvTimeLayout),
		delivered,
		string(d.Status),
	}
}
