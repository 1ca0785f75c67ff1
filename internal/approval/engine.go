package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shepherd-ops/shepherd/internal/audit"
	"github.com/shepherd-ops/shepherd/internal/shared"
)

const tracerName = "github.com/shepherd-ops/shepherd/internal/approval"

// Authorizer checks that an actor holds at least one of perms.
type Authorizer interface {
	Authorize(ctx context.Context, actor shared.Actor, perms ...string) error
}

// TransitionRecorder counts committed transitions.
type TransitionRecorder interface {
	RecordTransition(kind, action string, n int)
}

// Engine enforces the approval state machine for one record kind. Every
// operation authorises before it mutates, and writes its audit rows in the
// same transaction as the state change.
type Engine[T Entity] struct {
	kind     Kind
	store    Store[T]
	authz    Authorizer
	writer   *audit.Writer
	now      func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
	recorder TransitionRecorder
}

// Option customises an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	now      func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
	recorder TransitionRecorder
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *engineOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithRecorder attaches transition metrics.
func WithRecorder(r TransitionRecorder) Option {
	return func(o *engineOptions) { o.recorder = r }
}

// NewEngine constructs an engine for kind.
func NewEngine[T Entity](kind Kind, store Store[T], authz Authorizer, writer *audit.Writer, opts ...Option) *Engine[T] {
	o := engineOptions{
		now:    time.Now,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine[T]{
		kind:     kind,
		store:    store,
		authz:    authz,
		writer:   writer,
		now:      o.now,
		logger:   o.logger.With(slog.String("kind", kind.Name)),
		tracer:   o.tracer,
		recorder: o.recorder,
	}
}

// Kind returns the record kind served by the engine.
func (e *Engine[T]) Kind() Kind {
	return e.kind
}

func (e *Engine[T]) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("approval.kind", e.kind.Name))
	return e.tracer.Start(ctx, "approval."+op, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, shared.Category(err))
	}
	span.End()
}

func (e *Engine[T]) record(action string, n int) {
	if e.recorder != nil && n > 0 {
		e.recorder.RecordTransition(e.kind.Name, action, n)
	}
}

// Submit validates entity and stores it in the kind's initial status with the
// actor as submitter.
func (e *Engine[T]) Submit(ctx context.Context, actor shared.Actor, entity T) (_ T, err error) {
	ctx, span := e.start(ctx, "submit")
	defer func() { finish(span, err) }()

	var zero T
	if actor.IsSystem() {
		return zero, fmt.Errorf("approval: submit requires a user: %w", shared.ErrForbidden)
	}
	if err := validate(entity); err != nil {
		return zero, err
	}
	*entity.ApprovalState() = State{
		Status:      e.kind.InitialStatus(),
		SubmittedBy: actor.UserID,
		SubmittedAt: e.now().UTC(),
	}

	var out T
	err = e.store.WithTx(ctx, func(ctx context.Context, tx Tx[T]) error {
		created, err := tx.Insert(ctx, entity)
		if err != nil {
			return err
		}
		if _, err := e.writer.Bind(tx).LogCreate(ctx, actor, e.kind.Name, entityID(created), snapshot(created)); err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		return zero, err
	}
	e.record("submit", 1)
	return out, nil
}

// Get loads one record. Actors without a read permission only see records
// they submitted.
func (e *Engine[T]) Get(ctx context.Context, actor shared.Actor, id int64) (T, error) {
	var zero T
	authzErr := e.authz.Authorize(ctx, actor, e.kind.readPermissions()...)
	if authzErr != nil && !errors.Is(authzErr, shared.ErrForbidden) {
		return zero, authzErr
	}
	entity, err := e.store.Get(ctx, id)
	if err != nil {
		if authzErr != nil {
			return zero, authzErr
		}
		return zero, err
	}
	if authzErr != nil && (actor.IsSystem() || entity.ApprovalState().SubmittedBy != actor.UserID) {
		return zero, authzErr
	}
	return entity, nil
}

// List returns records matching filter. Actors without a read permission must
// restrict the filter to their own submissions.
func (e *Engine[T]) List(ctx context.Context, actor shared.Actor, filter ListFilter) ([]T, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, shared.NewValidationError("status", "is not a known status")
	}
	if err := e.authz.Authorize(ctx, actor, e.kind.readPermissions()...); err != nil {
		if !errors.Is(err, shared.ErrForbidden) || actor.IsSystem() || filter.SubmittedBy != actor.UserID {
			return nil, err
		}
	}
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return e.store.List(ctx, filter)
}

// Approve moves a record to approved.
func (e *Engine[T]) Approve(ctx context.Context, actor shared.Actor, id int64) (_ T, err error) {
	ctx, span := e.start(ctx, "approve", attribute.Int64("approval.id", id))
	defer func() { finish(span, err) }()

	var zero T
	if err := e.authz.Authorize(ctx, actor, e.kind.ApprovePermission); err != nil {
		return zero, err
	}
	out, err := e.decide(ctx, actor, id, StatusApproved, "")
	if err != nil {
		return zero, err
	}
	e.record("approve", 1)
	return out, nil
}

// Reject moves a record to rejected. reason must not be blank.
func (e *Engine[T]) Reject(ctx context.Context, actor shared.Actor, id int64, reason string) (_ T, err error) {
	ctx, span := e.start(ctx, "reject", attribute.Int64("approval.id", id))
	defer func() { finish(span, err) }()

	var zero T
	reason, err = requireReason(reason)
	if err != nil {
		return zero, err
	}
	if err := e.authz.Authorize(ctx, actor, e.kind.rejectPermissions()...); err != nil {
		return zero, err
	}
	out, err := e.decide(ctx, actor, id, StatusRejected, reason)
	if err != nil {
		return zero, err
	}
	e.record("reject", 1)
	return out, nil
}

func (e *Engine[T]) decide(ctx context.Context, actor shared.Actor, id int64, to Status, reason string) (T, error) {
	var out T
	err := e.store.WithTx(ctx, func(ctx context.Context, tx Tx[T]) error {
		entity, err := tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		state := entity.ApprovalState()
		from := state.Status
		if from.Terminal() {
			return ErrAlreadyProcessed
		}
		if from == StatusPendingReview && e.kind.Reviewed() {
			if err := e.authz.Authorize(ctx, actor, e.kind.ReviewPermission); err != nil {
				return err
			}
		}

		next := e.decision(*state, actor, to, reason)
		ok, err := tx.Transition(ctx, id, []Status{from}, next)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyProcessed
		}
		if err := e.logDecision(ctx, tx, actor, id, from, next); err != nil {
			return err
		}
		*state = next
		out = entity
		return nil
	})
	return out, err
}

func (e *Engine[T]) decision(current State, actor shared.Actor, to Status, reason string) State {
	now := e.now().UTC()
	by := actor.UserID
	next := current
	next.Status = to
	next.ApprovedBy = &by
	next.ApprovedAt = &now
	next.RejectionReason = nil
	if to == StatusRejected {
		next.RejectionReason = &reason
	}
	return next
}

func (e *Engine[T]) logDecision(ctx context.Context, tx Tx[T], actor shared.Actor, id int64, from Status, next State) error {
	w := e.writer.Bind(tx)
	key := strconv.FormatInt(id, 10)
	var err error
	switch {
	case next.Status == StatusApproved && from == StatusPending:
		_, err = w.LogApprove(ctx, actor, e.kind.Name, key)
	case next.Status == StatusRejected && from == StatusPending:
		_, err = w.LogReject(ctx, actor, e.kind.Name, key, *next.RejectionReason)
	case next.Status == StatusApproved:
		_, err = w.LogStatusChange(ctx, actor, audit.ActionApprove, e.kind.Name, key, string(from), string(next.Status), nil)
	default:
		_, err = w.LogStatusChange(ctx, actor, audit.ActionReject, e.kind.Name, key, string(from), string(next.Status),
			audit.Snapshot{"rejection_reason": *next.RejectionReason})
	}
	return err
}

// Review moves a record from pending_review to reviewed.
func (e *Engine[T]) Review(ctx context.Context, actor shared.Actor, id int64) (_ T, err error) {
	ctx, span := e.start(ctx, "review", attribute.Int64("approval.id", id))
	defer func() { finish(span, err) }()

	var zero T
	if !e.kind.Reviewed() {
		return zero, shared.NewValidationError("status", e.kind.Name+" has no review step")
	}
	if err := e.authz.Authorize(ctx, actor, e.kind.ReviewPermission); err != nil {
		return zero, err
	}
	var out T
	err = e.store.WithTx(ctx, func(ctx context.Context, tx Tx[T]) error {
		entity, err := tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		state := entity.ApprovalState()
		if state.Status != StatusPendingReview {
			return ErrAlreadyProcessed
		}
		next := *state
		next.Status = StatusReviewed
		ok, err := tx.Transition(ctx, id, []Status{StatusPendingReview}, next)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyProcessed
		}
		if _, err := e.writer.Bind(tx).LogStatusChange(ctx, actor, audit.ActionReview, e.kind.Name,
			strconv.FormatInt(id, 10), string(StatusPendingReview), string(StatusReviewed), nil); err != nil {
			return err
		}
		*state = next
		out = entity
		return nil
	})
	if err != nil {
		return zero, err
	}
	e.record("review", 1)
	return out, nil
}

// BulkApprove approves every listed record still in a bulk source status.
// Records already decided are skipped.
func (e *Engine[T]) BulkApprove(ctx context.Context, actor shared.Actor, ids []int64) (BulkResult, error) {
	return e.bulk(ctx, actor, ids, StatusApproved, "")
}

// BulkReject rejects every listed record still in a bulk source status.
func (e *Engine[T]) BulkReject(ctx context.Context, actor shared.Actor, ids []int64, reason string) (BulkResult, error) {
	reason, err := requireReason(reason)
	if err != nil {
		return BulkResult{}, err
	}
	return e.bulk(ctx, actor, ids, StatusRejected, reason)
}

func (e *Engine[T]) bulk(ctx context.Context, actor shared.Actor, ids []int64, to Status, reason string) (_ BulkResult, err error) {
	action := "bulk_approve"
	perms := []string{e.kind.ApprovePermission}
	if to == StatusRejected {
		action = "bulk_reject"
		perms = e.kind.rejectPermissions()
	}
	ctx, span := e.start(ctx, action, attribute.Int("approval.requested", len(ids)))
	defer func() { finish(span, err) }()

	ids, err = normalizeIDs(ids)
	if err != nil {
		return BulkResult{}, err
	}
	if err := e.authz.Authorize(ctx, actor, perms...); err != nil {
		return BulkResult{}, err
	}

	next := e.decision(State{}, actor, to, reason)
	var rows []Transitioned
	err = e.store.WithTx(ctx, func(ctx context.Context, tx Tx[T]) error {
		var err error
		rows, err = tx.BulkTransition(ctx, ids, e.kind.BulkSources(), next)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := e.logDecision(ctx, tx, actor, row.ID, row.From, next); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return BulkResult{}, err
	}

	changed := make([]int64, len(rows))
	for i, row := range rows {
		changed[i] = row.ID
	}
	slices.Sort(changed)
	res := BulkResult{Requested: len(ids), Changed: len(rows), Skipped: len(ids) - len(rows), ChangedIDs: changed}
	span.SetAttributes(attribute.Int("approval.changed", res.Changed))
	e.logger.Info("bulk transition",
		slog.String("action", action),
		slog.Int64("actor", actor.UserID),
		slog.Int("requested", res.Requested),
		slog.Int("changed", res.Changed))
	e.record(strings.TrimPrefix(action, "bulk_"), res.Changed)
	return res, nil
}

// Edit applies mutate to an open record. Only the submitter or an actor with
// the kind's edit permission may edit.
func (e *Engine[T]) Edit(ctx context.Context, actor shared.Actor, id int64, mutate func(T) error) (_ T, err error) {
	ctx, span := e.start(ctx, "edit", attribute.Int64("approval.id", id))
	defer func() { finish(span, err) }()

	var out T
	err = e.store.WithTx(ctx, func(ctx context.Context, tx Tx[T]) error {
		entity, err := e.lockEditable(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		before := snapshot(entity)
		state := *entity.ApprovalState()
		if err := mutate(entity); err != nil {
			return err
		}
		*entity.ApprovalState() = state
		if entity.ApprovalID() != id {
			return shared.NewValidationError("id", "cannot be changed")
		}
		if err := validate(entity); err != nil {
			return err
		}
		if err := tx.Update(ctx, entity); err != nil {
			return err
		}
		if _, err := e.writer.Bind(tx).LogUpdate(ctx, actor, e.kind.Name, entityID(entity), before, snapshot(entity)); err != nil {
			return err
		}
		out = entity
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Delete removes an open record under the same rules as Edit.
func (e *Engine[T]) Delete(ctx context.Context, actor shared.Actor, id int64) (err error) {
	ctx, span := e.start(ctx, "delete", attribute.Int64("approval.id", id))
	defer func() { finish(span, err) }()

	return e.store.WithTx(ctx, func(ctx context.Context, tx Tx[T]) error {
		entity, err := e.lockEditable(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		if err := tx.Delete(ctx, id); err != nil {
			return err
		}
		_, err = e.writer.Bind(tx).LogDelete(ctx, actor, e.kind.Name, entityID(entity), snapshot(entity))
		return err
	})
}

func (e *Engine[T]) lockEditable(ctx context.Context, tx Tx[T], actor shared.Actor, id int64) (T, error) {
	var zero T
	if actor.IsSystem() {
		return zero, fmt.Errorf("approval: edit requires a user: %w", shared.ErrForbidden)
	}
	entity, err := tx.Lock(ctx, id)
	if err != nil {
		return zero, err
	}
	state := entity.ApprovalState()
	if state.SubmittedBy != actor.UserID {
		if e.kind.EditPermission == "" {
			return zero, fmt.Errorf("approval: only the submitter may change this record: %w", shared.ErrForbidden)
		}
		if err := e.authz.Authorize(ctx, actor, e.kind.EditPermission); err != nil {
			return zero, err
		}
	}
	if !state.Status.Open() {
		return zero, ErrNotEditable
	}
	return entity, nil
}

func requireReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", shared.NewValidationError("reason", "is required")
	}
	return reason, nil
}

func normalizeIDs(ids []int64) ([]int64, error) {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return nil, shared.NewValidationError("ids", "must contain positive integers")
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, shared.NewValidationError("ids", "is required")
	}
	if len(out) > MaxBulkSize {
		return nil, shared.NewValidationError("ids", fmt.Sprintf("accepts at most %d ids", MaxBulkSize))
	}
	slices.Sort(out)
	return out, nil
}

func validate(entity Entity) error {
	if err := shared.ValidateStruct(entity); err != nil {
		return err
	}
	if v, ok := entity.(Validator); ok {
		return v.Validate()
	}
	return nil
}

func snapshot(entity Entity) audit.Snapshot {
	snap := entity.AuditSnapshot()
	if snap == nil {
		snap = audit.Snapshot{}
	}
	state := entity.ApprovalState()
	snap["status"] = string(state.Status)
	snap["submitted_by"] = state.SubmittedBy
	return snap
}

func entityID(entity Entity) string {
	return strconv.FormatInt(entity.ApprovalID(), 10)
}
