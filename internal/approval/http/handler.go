// Package approvalhttp exposes an approval engine over JSON.
package approvalhttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shepherd-ops/shepherd/internal/approval"
	"github.com/shepherd-ops/shepherd/internal/platform/httpx"
	"github.com/shepherd-ops/shepherd/internal/shared"
)

// Engine is the subset of *approval.Engine used by the handler.
type Engine[T approval.Entity] interface {
	Kind() approval.Kind
	Submit(ctx context.Context, actor shared.Actor, entity T) (T, error)
	Get(ctx context.Context, actor shared.Actor, id int64) (T, error)
	List(ctx context.Context, actor shared.Actor, filter approval.ListFilter) ([]T, error)
	Edit(ctx context.Context, actor shared.Actor, id int64, mutate func(T) error) (T, error)
	Delete(ctx context.Context, actor shared.Actor, id int64) error
	Approve(ctx context.Context, actor shared.Actor, id int64) (T, error)
	Reject(ctx context.Context, actor shared.Actor, id int64, reason string) (T, error)
	Review(ctx context.Context, actor shared.Actor, id int64) (T, error)
	BulkApprove(ctx context.Context, actor shared.Actor, ids []int64) (approval.BulkResult, error)
	BulkReject(ctx context.Context, actor shared.Actor, ids []int64, reason string) (approval.BulkResult, error)
}

// Payload is a request body that copies its fields onto a record.
type Payload[I any, T approval.Entity] interface {
	*I
	Apply(T)
}

// Handler serves one record kind. I is the request body type.
type Handler[T approval.Entity, I any, P Payload[I, T]] struct {
	engine    Engine[T]
	newEntity func() T
	logger    *slog.Logger
}

// NewHandler builds a handler. newEntity allocates an empty record for submit.
func NewHandler[T approval.Entity, I any, P Payload[I, T]](engine Engine[T], newEntity func() T, logger *slog.Logger) *Handler[T, I, P] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler[T, I, P]{engine: engine, newEntity: newEntity, logger: logger}
}

// MountRoutes registers the record routes. Per-action permissions, reads
// included, are enforced by the engine.
func (h *Handler[T, I, P]) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.submit)
	r.Post("/approvals/bulk-approve", h.bulkApprove)
	r.Post("/approvals/bulk-reject", h.bulkReject)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Put("/", h.edit)
		r.Delete("/", h.remove)
		r.Post("/approve", h.approve)
		r.Post("/reject", h.reject)
		if h.engine.Kind().Reviewed() {
			r.Post("/review", h.review)
		}
	})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type bulkRequest struct {
	IDs    []int64 `json:"ids" validate:"required,min=1"`
	Reason string  `json:"reason"`
}

func (h *Handler[T, I, P]) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := approval.ListFilter{Status: approval.Status(q.Get("status"))}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	actor := actorFrom(r)
	if mine := q.Get("mine"); mine == "1" || mine == "true" {
		filter.SubmittedBy = actor.UserID
	}
	rows, err := h.engine.List(r.Context(), actor, filter)
	if err != nil {
		h.fail(w, "list", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": rows})
}

func (h *Handler[T, I, P]) get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entity, err := h.engine.Get(r.Context(), actorFrom(r), id)
	if err != nil {
		h.fail(w, "get", err)
		return
	}
	httpx.JSON(w, http.StatusOK, entity)
}

func (h *Handler[T, I, P]) submit(w http.ResponseWriter, r *http.Request) {
	var in I
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	entity := h.newEntity()
	P(&in).Apply(entity)
	created, err := h.engine.Submit(r.Context(), actorFrom(r), entity)
	if err != nil {
		h.fail(w, "submit", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler[T, I, P]) edit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in I
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	updated, err := h.engine.Edit(r.Context(), actorFrom(r), id, func(entity T) error {
		P(&in).Apply(entity)
		return nil
	})
	if err != nil {
		h.fail(w, "edit", err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

func (h *Handler[T, I, P]) remove(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.engine.Delete(r.Context(), actorFrom(r), id); err != nil {
		h.fail(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler[T, I, P]) approve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entity, err := h.engine.Approve(r.Context(), actorFrom(r), id)
	if err != nil {
		h.fail(w, "approve", err)
		return
	}
	httpx.JSON(w, http.StatusOK, entity)
}

func (h *Handler[T, I, P]) reject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req rejectRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	entity, err := h.engine.Reject(r.Context(), actorFrom(r), id, req.Reason)
	if err != nil {
		h.fail(w, "reject", err)
		return
	}
	httpx.JSON(w, http.StatusOK, entity)
}

func (h *Handler[T, I, P]) review(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entity, err := h.engine.Review(r.Context(), actorFrom(r), id)
	if err != nil {
		h.fail(w, "review", err)
		return
	}
	httpx.JSON(w, http.StatusOK, entity)
}

func (h *Handler[T, I, P]) bulkApprove(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeBulk(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.engine.BulkApprove(r.Context(), actorFrom(r), req.IDs)
	if err != nil {
		h.fail(w, "bulk approve", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler[T, I, P]) bulkReject(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeBulk(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.engine.BulkReject(r.Context(), actorFrom(r), req.IDs, req.Reason)
	if err != nil {
		h.fail(w, "bulk reject", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func decodeBulk(r *http.Request, req *bulkRequest) error {
	if err := httpx.DecodeJSON(r, req); err != nil {
		return err
	}
	return shared.ValidateStruct(req)
}

func (h *Handler[T, I, P]) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error("approval "+op,
			slog.String("kind", h.engine.Kind().Name),
			slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func actorFrom(r *http.Request) shared.Actor {
	actor, _ := shared.ActorFromContext(r.Context())
	return actor
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, shared.NewValidationError("id", "must be a positive integer")
	}
	return id, nil
}
