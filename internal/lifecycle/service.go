// Package lifecycle owns the document state machine: who may move a
// document between statuses, and the audit trail every move leaves behind.
package lifecycle

import (
	"context"
	"reflect"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"doctrack/api/internal/logger"
	"doctrack/api/internal/metrics"
)

const (
	// TrackingEventLimit caps the history returned by TrackDocument.
	TrackingEventLimit = 200
	tracerName         = "doctrack/api/internal/lifecycle"
)

// CreateInput describes a document being sent. FileKey is optional.
type CreateInput struct {
	SourceOffice   string `json:"sourceOffice" validate:"required,max=64"`
	ReceiverOffice string `json:"receiverOffice" validate:"required,max=64"`
	Name           string `json:"documentName" validate:"required,max=255"`
	DocumentType   string `json:"documentType" validate:"required,max=100"`
	ReferringTo    string `json:"referringTo" validate:"max=255"`
	FileKey        string `json:"fileId" validate:"omitempty,max=64"`
}

// ChangeRequest asks for a document to move to Status.
type ChangeRequest struct {
	FileKey string
	Actor   Actor
	Status  Status
	Note    string
}

// ChangeResult reports whether a transition was applied. A request for the
// current status returns Applied=false and leaves no trace. Offices that may
// not track the document get Applied alone.
type ChangeResult struct {
	Applied  bool      `json:"applied"`
	From     Status    `json:"fromStatus,omitempty"`
	To       Status    `json:"toStatus,omitempty"`
	Document *Document `json:"document,omitempty"`
}

type Service struct {
	repo      Repository
	offices   OfficeDirectory
	observers []DocumentObserver
	metrics   *metrics.Metrics
	logger    *logger.Logger
	tracer    trace.Tracer
	validate  *validator.Validate
	newKey    func() (string, error)
	now       func() time.Time
}

type Option func(*Service)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver registers o to hear about committed changes.
func WithObserver(o DocumentObserver) Option {
	return func(s *Service) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

func WithKeyGenerator(fn func() (string, error)) Option {
	return func(s *Service) { s.newKey = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(repo Repository, offices OfficeDirectory, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		offices:  offices,
		logger:   logger.NewNop(),
		tracer:   otel.Tracer(tracerName),
		validate: newValidator(),
		newKey:   NewFileKey,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateDocument records a new document in transit and its creation event.
// When no key is supplied, or the supplied one is taken, a key is generated;
// collisions are retried a bounded number of times.
func (s *Service) CreateDocument(ctx context.Context, in CreateInput) (doc Document, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "lifecycle.CreateDocument")
	defer func() {
		endSpan(span, err)
		s.metrics.ObserveDuration("create", start)
	}()

	in = normalizeCreate(in)
	if err := s.validateCreate(in); err != nil {
		return Document{}, err
	}

	exists, err := s.offices.OfficeExists(ctx, in.ReceiverOffice)
	if err != nil {
		return Document{}, storeError("check receiver office", err)
	}
	if !exists {
		return Document{}, errors.Mark(
			errors.WithHint(errors.Wrapf(ErrReceiverNotFound, "receiver %q", in.ReceiverOffice), "Receiver office not found."),
			ErrNotFound,
		)
	}

	attempt := 0
	insert := func() error {
		attempt++
		key := in.FileKey
		if attempt > 1 || key == "" {
			generated, err := s.newKey()
			if err != nil {
				return backoff.Permanent(errors.Wrap(err, "generate document key"))
			}
			key = generated
		}

		candidate := Document{
			FileKey:        key,
			Name:           in.Name,
			ReferringTo:    optionalString(in.ReferringTo),
			DocumentType:   in.DocumentType,
			SourceOffice:   in.SourceOffice,
			ReceiverOffice: in.ReceiverOffice,
			CreatedAt:      s.now().UTC(),
			Status:         StatusInTransit,
		}
		txErr := s.repo.RunInTx(ctx, func(st Store) error {
			if err := st.InsertDocument(ctx, candidate); err != nil {
				return err
			}
			_, err := st.AppendEvent(ctx, Event{
				FileKey:   candidate.FileKey,
				Type:      EventCreated,
				Actor:     candidate.SourceOffice,
				ToStatus:  statusPtr(StatusInTransit),
				CreatedAt: candidate.CreatedAt,
			})
			return err
		})
		if errors.Is(txErr, ErrDuplicateKey) {
			s.metrics.IncrementKeyCollisions()
			s.logger.Debugw("document key collision", "file_key", key, "attempt", attempt)
			return txErr
		}
		if txErr != nil {
			return backoff.Permanent(txErr)
		}
		doc = candidate
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxKeyAttempts-1), ctx)
	if err := backoff.Retry(insert, policy); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return Document{}, errors.Mark(
				errors.WithHint(errors.Wrapf(err, "after %d attempts", attempt), "Failed to generate a unique document key."),
				ErrKeyGenerationExhausted,
			)
		}
		return Document{}, storeError("create document", err)
	}

	span.SetAttributes(attribute.String("document.key", doc.FileKey))
	s.metrics.IncrementCreated()
	s.logger.Infow("document created",
		"file_key", doc.FileKey,
		"source_office", doc.SourceOffice,
		"receiver_office", doc.ReceiverOffice,
	)
	s.notify(ctx, doc)
	return doc, nil
}

// ChangeStatus moves a document to a new status if the actor may do so.
// The status update and the event are committed together; losing a race
// against another update yields ErrConflict.
func (s *Service) ChangeStatus(ctx context.Context, req ChangeRequest) (res ChangeResult, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "lifecycle.ChangeStatus", trace.WithAttributes(
		attribute.String("document.key", req.FileKey),
		attribute.String("status.requested", string(req.Status)),
		attribute.Bool("actor.admin", req.Actor.IsAdmin),
	))
	defer func() {
		endSpan(span, err)
		s.metrics.ObserveDuration("change_status", start)
	}()

	req.FileKey = strings.TrimSpace(req.FileKey)
	if req.FileKey == "" {
		return ChangeResult{}, validationError("fileId is required.")
	}

	doc, err := s.repo.GetDocument(ctx, req.FileKey)
	if err != nil {
		return ChangeResult{}, storeError("load document", err)
	}

	// offices that may not track the document learn nothing about it
	visible := req.Actor.IsAdmin || doc.IsParty(req.Actor.ID)
	decision := Decide(req.Actor, doc, req.Status)
	if !decision.Allowed {
		s.metrics.ObserveDenial(string(decision.Reason))
		return ChangeResult{}, deniedError(decision, doc.Status, req.Status, visible)
	}
	if decision.Noop {
		if !visible {
			return ChangeResult{Applied: false}, nil
		}
		return ChangeResult{Applied: false, From: doc.Status, To: doc.Status, Document: &doc}, nil
	}

	from, to := doc.Status, decision.Result
	at := s.now().UTC()
	change := StatusChange{
		FileKey:       doc.FileKey,
		Expected:      from,
		Next:          to,
		MarkDelivered: to == StatusDelivered,
		At:            at,
	}
	err = s.repo.RunInTx(ctx, func(st Store) error {
		ok, err := st.CompareAndSetStatus(ctx, change)
		if err != nil {
			return err
		}
		if !ok {
			return errors.WithHint(errors.Wrapf(ErrConflict, "document %s left %s", doc.FileKey, from), "Document was updated by someone else. Reload and try again.")
		}
		_, err = st.AppendEvent(ctx, Event{
			FileKey:       doc.FileKey,
			Type:          EventStatusChanged,
			Actor:         req.Actor.ID,
			Note:          optionalString(req.Note),
			FromStatus:    statusPtr(from),
			ToStatus:      statusPtr(to),
			AdminOverride: decision.Override,
			CreatedAt:     at,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			s.metrics.IncrementConflicts()
		}
		return ChangeResult{}, storeError("apply status change", err)
	}

	doc.Status = to
	if change.MarkDelivered && doc.DeliveredAt == nil {
		doc.DeliveredAt = &at
	}

	s.metrics.ObserveTransition(string(from), string(to), decision.Override)
	s.logger.Infow("document status changed",
		"file_key", doc.FileKey,
		"actor", req.Actor.ID,
		"from", from,
		"to", to,
		"admin_override", decision.Override,
	)
	s.notify(ctx, doc)
	return ChangeResult{Applied: true, From: from, To: to, Document: &doc}, nil
}

// ReceiveDocument marks a document delivered on behalf of its receiver.
func (s *Service) ReceiveDocument(ctx context.Context, fileKey string, actor Actor) (ChangeResult, error) {
	return s.ChangeStatus(ctx, ChangeRequest{FileKey: fileKey, Actor: actor, Status: StatusDelivered})
}

// TrackDocument returns a document and its history. Admins may track any
// document; other offices only those they sent or receive.
func (s *Service) TrackDocument(ctx context.Context, fileKey string, actor Actor) (tr Tracking, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "lifecycle.TrackDocument", trace.WithAttributes(
		attribute.String("document.key", fileKey),
	))
	defer func() {
		endSpan(span, err)
		s.metrics.ObserveDuration("track", start)
	}()

	fileKey = strings.TrimSpace(fileKey)
	if fileKey == "" {
		return Tracking{}, validationError("fileId is required.")
	}

	doc, err := s.repo.GetDocument(ctx, fileKey)
	if err != nil {
		return Tracking{}, storeError("load document", err)
	}
	if !actor.IsAdmin && !doc.IsParty(actor.ID) {
		return Tracking{}, errors.Mark(
			errors.WithHint(errors.Newf("office %q is not a party to %s", actor.ID, fileKey), "Not allowed to view this document."),
			ErrForbidden,
		)
	}

	events, err := s.repo.ListEvents(ctx, fileKey, TrackingEventLimit)
	if err != nil {
		return Tracking{}, storeError("list events", err)
	}
	if events == nil {
		events = []Event{}
	}
	return Tracking{Document: doc, Events: events}, nil
}

func (s *Service) notify(ctx context.Context, doc Document) {
	for _, o := range s.observers {
		o.DocumentChanged(ctx, doc)
	}
}

func (s *Service) validateCreate(in CreateInput) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return validationError("Invalid document.")
	}
	first := fieldErrs[0]
	if first.Tag() == "required" {
		return validationError(first.Field() + " is required.")
	}
	return validationError(first.Field() + " is too long.")
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

func normalizeCreate(in CreateInput) CreateInput {
	in.SourceOffice = strings.TrimSpace(in.SourceOffice)
	in.ReceiverOffice = strings.TrimSpace(in.ReceiverOffice)
	in.Name = strings.TrimSpace(in.Name)
	in.DocumentType = strings.TrimSpace(in.DocumentType)
	in.ReferringTo = strings.TrimSpace(in.ReferringTo)
	in.FileKey = strings.TrimSpace(in.FileKey)
	return in
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
