package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"doctrack/api/internal/lifecycle"
)

const defaultTxTimeout = 5 * time.Second

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements the document store, the event log and the
// office lookup on one database.
type PostgresStore struct {
	db *sql.DB
	q  querier
	// inTx is set on the store handed to RunInTx callbacks.
	inTx bool
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// MissingTables reports which of RequiredTables are absent.
func (s *PostgresStore) MissingTables(ctx context.Context) ([]string, error) {
	return MissingTables(ctx, s.db, RequiredTables)
}

// RunInTx runs fn in a transaction. Without a caller deadline the
// transaction is bounded by a default timeout.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(lifecycle.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transaction aborted: %w", err)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTxTimeout)
		defer cancel()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&PostgresStore{db: s.db, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const documentColumns = `file_key, document_name, referring_to, document_type, source_office, receiver_office, status, created_at, delivered_at`

func (s *PostgresStore) InsertDocument(ctx context.Context, doc lifecycle.Document) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, doc.FileKey, doc.Name, doc.ReferringTo, doc.DocumentType, doc.SourceOffice, doc.ReceiverOffice,
		string(doc.Status), doc.CreatedAt, doc.DeliveredAt)
	if err != nil {
		return classifyWriteError("insert document", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, fileKey string) (lifecycle.Document, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE file_key = $1`, fileKey)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return lifecycle.Document{}, fmt.Errorf("get document %s: %w", fileKey, lifecycle.ErrNotFound)
	}
	if err != nil {
		return lifecycle.Document{}, fmt.Errorf("get document %s: %w", fileKey, err)
	}
	return doc, nil
}

// CompareAndSetStatus updates the status only while it still equals the
// expected one. delivered_at is filled at most once.
func (s *PostgresStore) CompareAndSetStatus(ctx context.Context, change lifecycle.StatusChange) (bool, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE documents
		SET status = $3,
			delivered_at = CASE WHEN $4 THEN COALESCE(delivered_at, $5) ELSE delivered_at END
		WHERE file_key = $1 AND status = $2
	`, change.FileKey, string(change.Expected), string(change.Next), change.MarkDelivered, change.At)
	if err != nil {
		return false, fmt.Errorf("update document status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update document status rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, event lifecycle.Event) (int64, error) {
	var id int64
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO document_events (file_key, event_type, actor, note, from_status, to_status, admin_override, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, event.FileKey, string(event.Type), event.Actor, event.Note,
		nullableStatus(event.FromStatus), nullableStatus(event.ToStatus), event.AdminOverride, event.CreatedAt).Scan(&id)
	if err != nil {
		return 0, classifyWriteError("append event", err)
	}
	return id, nil
}

const eventColumns = `e.id, e.file_key, e.event_type, e.actor, e.note, e.from_status, e.to_status, e.admin_override, e.created_at`

func (s *PostgresStore) ListEvents(ctx context.Context, fileKey string, limit int) ([]lifecycle.Event, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+eventColumns+`
			FROM document_events e
			WHERE e.file_key = $1
			ORDER BY e.created_at DESC, e.id DESC
			LIMIT $2
		) newest
		ORDER BY newest.created_at ASC, newest.id ASC
	`, fileKey, limitOr(limit, lifecycle.TrackingEventLimit))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]lifecycle.Event, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// ListRecentEvents returns events newest first.
func (s *PostgresStore) ListRecentEvents(ctx context.Context, filter EventFilter) ([]ActivityItem, error) {
	query := `
		SELECT ` + eventColumns + `, d.document_name
		FROM document_events e
		JOIN documents d ON d.file_key = e.file_key`
	args := []any{}
	if filter.Office != "" {
		args = append(args, filter.Office)
		query += ` WHERE d.source_office = $1 OR d.receiver_office = $1 OR e.actor = $1`
	}
	args = append(args, limitOr(filter.Limit, DefaultAdminActivityLimit))
	query += fmt.Sprintf(` ORDER BY e.created_at DESC, e.id DESC LIMIT $%d`, len(args))

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	defer rows.Close()

	items := make([]ActivityItem, 0)
	for rows.Next() {
		var item ActivityItem
		event, err := scanEvent(rows, &item.DocumentName)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		item.Event = event
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListDocumentsForOffice returns documents the office sent or receives,
// newest first.
func (s *PostgresStore) ListDocumentsForOffice(ctx context.Context, office string, limit int) ([]lifecycle.Document, error) {
	return s.ListDocuments(ctx, DocumentFilter{Office: office, Limit: limitOr(limit, DefaultOfficeDocumentLimit)})
}

// ListDocuments applies filter and returns documents newest first.
func (s *PostgresStore) ListDocuments(ctx context.Context, filter DocumentFilter) ([]lifecycle.Document, error) {
	var (
		conditions []string
		args       []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if text := strings.TrimSpace(filter.Text); text != "" {
		p := arg("%" + escapeLike(text) + "%")
		conditions = append(conditions, fmt.Sprintf("(file_key ILIKE %s OR document_name ILIKE %s)", p, p))
	}
	if filter.Office != "" {
		p := arg(filter.Office)
		conditions = append(conditions, fmt.Sprintf("(source_office = %s OR receiver_office = %s)", p, p))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = "+arg(string(filter.Status)))
	}
	if filter.CreatedFrom != nil {
		conditions = append(conditions, "created_at >= "+arg(*filter.CreatedFrom))
	}
	if filter.CreatedBefore != nil {
		conditions = append(conditions, "created_at < "+arg(*filter.CreatedBefore))
	}

	query := `SELECT ` + documentColumns + ` FROM documents`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY created_at DESC, file_key ASC LIMIT ` + arg(limitOr(filter.Limit, DefaultAdminDocumentLimit))

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]lifecycle.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) OfficeExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM office_accounts WHERE username = $1)`, username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check office %s: %w", username, err)
	}
	return exists, nil
}

func (s *PostgresStore) ListOffices(ctx context.Context, limit int) ([]Office, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT username, is_admin
		FROM office_accounts
		ORDER BY username ASC
		LIMIT $1
	`, limitOr(limit, DefaultOfficeListLimit))
	if err != nil {
		return nil, fmt.Errorf("list offices: %w", err)
	}
	defer rows.Close()

	offices := make([]Office, 0)
	for rows.Next() {
		var o Office
		if err := rows.Scan(&o.Username, &o.IsAdmin); err != nil {
			return nil, fmt.Errorf("scan office: %w", err)
		}
		offices = append(offices, o)
	}
	return offices, rows.Err()
}

func (s *PostgresStore) OfficeStats(ctx context.Context, limit int) ([]OfficeStat, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT
			oa.username,
			COALESCE(s.total, 0), COALESCE(s.delivered, 0), COALESCE(s.in_transit, 0),
			COALESCE(r.total, 0), COALESCE(r.delivered, 0), COALESCE(r.in_transit, 0)
		FROM office_accounts oa
		LEFT JOIN (
			SELECT source_office AS username,
				COUNT(*) AS total,
				COUNT(*) FILTER (WHERE status = 'delivered') AS delivered,
				COUNT(*) FILTER (WHERE status = 'in_transit') AS in_transit
			FROM documents
			GROUP BY source_office
		) s ON s.username = oa.username
		LEFT JOIN (
			SELECT receiver_office AS username,
				COUNT(*) AS total,
				COUNT(*) FILTER (WHERE status = 'delivered') AS delivered,
				COUNT(*) FILTER (WHERE status = 'in_transit') AS in_transit
			FROM documents
			GROUP BY receiver_office
		) r ON r.username = oa.username
		ORDER BY oa.username ASC
		LIMIT $1
	`, limitOr(limit, DefaultOfficeStatsLimit))
	if err != nil {
		return nil, fmt.Errorf("office stats: %w", err)
	}
	defer rows.Close()

	stats := make([]OfficeStat, 0)
	for rows.Next() {
		var st OfficeStat
		if err := rows.Scan(&st.Username,
			&st.SentTotal, &st.SentDelivered, &st.SentInTransit,
			&st.RecvTotal, &st.RecvDelivered, &st.RecvInTransit,
		); err != nil {
			return nil, fmt.Errorf("scan office stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (lifecycle.Document, error) {
	var (
		doc         lifecycle.Document
		referringTo sql.NullString
		status      string
		deliveredAt sql.NullTime
	)
	if err := row.Scan(&doc.FileKey, &doc.Name, &referringTo, &doc.DocumentType,
		&doc.SourceOffice, &doc.ReceiverOffice, &status, &doc.CreatedAt, &deliveredAt); err != nil {
		return lifecycle.Document{}, err
	}
	doc.Status = lifecycle.Status(status)
	if referringTo.Valid {
		doc.ReferringTo = &referringTo.String
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time.UTC()
		doc.DeliveredAt = &t
	}
	doc.CreatedAt = doc.CreatedAt.UTC()
	return doc, nil
}

func scanEvent(row rowScanner, extra ...any) (lifecycle.Event, error) {
	var (
		event     lifecycle.Event
		eventType string
		note      sql.NullString
		from      sql.NullString
		to        sql.NullString
	)
	dest := []any{&event.Seq, &event.FileKey, &eventType, &event.Actor, &note, &from, &to, &event.AdminOverride, &event.CreatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return lifecycle.Event{}, err
	}
	event.Type = lifecycle.EventType(eventType)
	if note.Valid {
		event.Note = &note.String
	}
	if from.Valid {
		s := lifecycle.Status(from.String)
		event.FromStatus = &s
	}
	if to.Valid {
		s := lifecycle.Status(to.String)
		event.ToStatus = &s
	}
	event.CreatedAt = event.CreatedAt.UTC()
	return event, nil
}

func nullableStatus(s *lifecycle.Status) any {
	if s == nil {
		return nil
	}
	return string(*s)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// classifyWriteError maps constraint violations onto lifecycle errors.
func classifyWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w", op, lifecycle.ErrDuplicateKey)
		case "23503":
			if strings.Contains(pgErr.ConstraintName, "receiver_office") {
				return fmt.Errorf("%s: %w", op, lifecycle.ErrReceiverNotFound)
			}
			return fmt.Errorf("%s: %w: %s", op, lifecycle.ErrNotFound, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
