package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shepherd-ops/shepherd/internal/shared"
)

// Input carries the arguments of a single audit write.
type Input struct {
	Actor      shared.Actor
	Action     Action
	EntityType string
	EntityID   string
	Before     Snapshot
	After      Snapshot
}

// Writer builds immutable audit entries and hands them to an Appender.
type Writer struct {
	appender Appender
	masker   Masker
	now      func() time.Time
	logger   *slog.Logger
}

// Option customises a Writer.
type Option func(*Writer)

// WithMasker overrides the sensitive field masker.
func WithMasker(m Masker) Option {
	return func(w *Writer) { w.masker = m }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// WithLogger sets the logger used for append failures.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWriter returns a Writer appending to appender.
func NewWriter(appender Appender, opts ...Option) *Writer {
	w := &Writer{
		appender: appender,
		masker:   NewMasker(),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Bind returns a copy of w that appends to appender, typically a transaction.
func (w *Writer) Bind(appender Appender) *Writer {
	if w == nil {
		return NewWriter(appender)
	}
	clone := *w
	clone.appender = appender
	return &clone
}

// Masker exposes the configured masker.
func (w *Writer) Masker() Masker {
	if w == nil {
		return NewMasker()
	}
	return w.masker
}

// Log masks and appends one entry.
func (w *Writer) Log(ctx context.Context, in Input) (Entry, error) {
	if w == nil || w.appender == nil {
		return Entry{}, errors.New("audit writer not initialised")
	}
	if in.Action == "" || strings.TrimSpace(in.EntityType) == "" || strings.TrimSpace(in.EntityID) == "" {
		return Entry{}, errors.New("audit log requires action/entity_type/entity_id")
	}
	entry := Entry{
		UserID:     in.Actor.UserIDPtr(),
		Action:     in.Action,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		Changes:    w.masker.MaskChanges(Changes{Before: in.Before, After: in.After}),
		IPAddress:  in.Actor.IPAddress,
		UserAgent:  in.Actor.UserAgent,
		CreatedAt:  w.now().UTC(),
	}
	if err := w.appender.AppendAudit(ctx, entry); err != nil {
		w.logger.Error("append audit log",
			slog.String("action", string(in.Action)),
			slog.String("entity_type", in.EntityType),
			slog.String("entity_id", in.EntityID),
			slog.Any("error", err))
		return Entry{}, fmt.Errorf("audit: append: %w", err)
	}
	return entry, nil
}

// LogCreate records a creation; there is no before snapshot.
func (w *Writer) LogCreate(ctx context.Context, actor shared.Actor, entityType, entityID string, after Snapshot) (Entry, error) {
	return w.Log(ctx, Input{Actor: actor, Action: ActionCreate, EntityType: entityType, EntityID: entityID, After: after})
}

// LogUpdate records an edit with both snapshots.
func (w *Writer) LogUpdate(ctx context.Context, actor shared.Actor, entityType, entityID string, before, after Snapshot) (Entry, error) {
	return w.Log(ctx, Input{Actor: actor, Action: ActionUpdate, EntityType: entityType, EntityID: entityID, Before: before, After: after})
}

// LogDelete records a deletion; there is no after snapshot.
func (w *Writer) LogDelete(ctx context.Context, actor shared.Actor, entityType, entityID string, before Snapshot) (Entry, error) {
	return w.Log(ctx, Input{Actor: actor, Action: ActionDelete, EntityType: entityType, EntityID: entityID, Before: before})
}

// LogApprove records pending -> approved.
func (w *Writer) LogApprove(ctx context.Context, actor shared.Actor, entityType, entityID string) (Entry, error) {
	return w.LogStatusChange(ctx, actor, ActionApprove, entityType, entityID, "pending", "approved", nil)
}

// LogReject records pending -> rejected together with the reason.
func (w *Writer) LogReject(ctx context.Context, actor shared.Actor, entityType, entityID, reason string) (Entry, error) {
	return w.LogStatusChange(ctx, actor, ActionReject, entityType, entityID, "pending", "rejected", Snapshot{"rejection_reason": reason})
}

// LogStatusChange records a status transition from -> to. Extra fields are
// merged into the after snapshot.
func (w *Writer) LogStatusChange(ctx context.Context, actor shared.Actor, action Action, entityType, entityID, from, to string, extra Snapshot) (Entry, error) {
	after := Snapshot{"status": to}
	for k, v := range extra {
		after[k] = v
	}
	return w.Log(ctx, Input{
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Before:     Snapshot{"status": from},
		After:      after,
	})
}
