package approvalhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-ops/shepherd/internal/approval"
	"github.com/shepherd-ops/shepherd/internal/audit"
	"github.com/shepherd-ops/shepherd/internal/shared"
	_ "github.com/shepherd-ops/shepherd/testing"
)

type note struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
	approval.State
}

func (n *note) ApprovalID() int64              { return n.ID }
func (n *note) AuditSnapshot() audit.Snapshot { return audit.Snapshot{"body": n.Body} }

type noteInput struct {
	Body string `json:"body"`
}

func (in *noteInput) Apply(n *note) { n.Body = in.Body }

type stubEngine struct {
	kind      approval.Kind
	submitted *note
	bulkIDs   []int64
	actor     shared.Actor
	filter    approval.ListFilter
}

func (s *stubEngine) Kind() approval.Kind { return s.kind }

func (s *stubEngine) Submit(ctx context.Context, actor shared.Actor, n *note) (*note, error) {
	s.actor = actor
	n.ID = 1
	n.Status = approval.StatusPending
	s.submitted = n
	return n, nil
}

func (s *stubEngine) Get(ctx context.Context, actor shared.Actor, id int64) (*note, error) {
	s.actor = actor
	if id == 3 {
		return nil, shared.ErrForbidden
	}
	if id != 1 {
		return nil, approval.ErrNotFound
	}
	return &note{ID: 1, Body: "hello"}, nil
}

func (s *stubEngine) List(ctx context.Context, actor shared.Actor, f approval.ListFilter) ([]*note, error) {
	s.actor = actor
	s.filter = f
	return []*note{{ID: 1}}, nil
}

func (s *stubEngine) Edit(ctx context.Context, actor shared.Actor, id int64, mutate func(*note) error) (*note, error) {
	n := &note{ID: id}
	if err := mutate(n); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *stubEngine) Delete(ctx context.Context, actor shared.Actor, id int64) error {
	return approval.ErrNotEditable
}

func (s *stubEngine) Approve(ctx context.Context, actor shared.Actor, id int64) (*note, error) {
	return nil, shared.ErrForbidden
}

func (s *stubEngine) Reject(ctx context.Context, actor shared.Actor, id int64, reason string) (*note, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, shared.NewValidationError("reason", "is required")
	}
	return &note{ID: id}, nil
}

func (s *stubEngine) Review(ctx context.Context, actor shared.Actor, id int64) (*note, error) {
	return &note{ID: id}, nil
}

func (s *stubEngine) BulkApprove(ctx context.Context, actor shared.Actor, ids []int64) (approval.BulkResult, error) {
	s.bulkIDs = ids
	return approval.BulkResult{Requested: len(ids), Changed: len(ids) - 1, Skipped: 1}, nil
}

func (s *stubEngine) BulkReject(ctx context.Context, actor shared.Actor, ids []int64, reason string) (approval.BulkResult, error) {
	return approval.BulkResult{}, nil
}

func newTestRouter(engine *stubEngine) http.Handler {
	h := NewHandler[*note, noteInput](engine, func() *note { return &note{} }, nil)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := shared.ContextWithActor(req.Context(), shared.Actor{UserID: 3, IPAddress: "192.0.2.1"})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Route("/notes", h.MountRoutes)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAppliesPayloadAndActor(t *testing.T) {
	engine := &stubEngine{kind: approval.Kind{Name: "note"}}
	rec := do(t, newTestRouter(engine), http.MethodPost, "/notes", `{"body":"hi"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "hi", engine.submitted.Body)
	require.EqualValues(t, 3, engine.actor.UserID)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "pending", out["status"])
}

func TestSubmitRejectsUnknownFields(t *testing.T) {
	engine := &stubEngine{kind: approval.Kind{Name: "note"}}
	rec := do(t, newTestRouter(engine), http.MethodPost, "/notes", `{"body":"hi","status":"approved"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Nil(t, engine.submitted)
}

func TestErrorCategoriesMapToStatus(t *testing.T) {
	h := newTestRouter(&stubEngine{kind: approval.Kind{Name: "note"}})

	cases := []struct {
		method, path, body string
		status             int
	}{
		{http.MethodGet, "/notes/1", "", http.StatusOK},
		{http.MethodGet, "/notes/2", "", http.StatusNotFound},
		{http.MethodGet, "/notes/3", "", http.StatusForbidden},
		{http.MethodGet, "/notes/abc", "", http.StatusUnprocessableEntity},
		{http.MethodPost, "/notes/1/approve", "", http.StatusForbidden},
		{http.MethodPost, "/notes/1/reject", `{"reason":""}`, http.StatusUnprocessableEntity},
		{http.MethodPost, "/notes/1/reject", `{"reason":"dup"}`, http.StatusOK},
		{http.MethodDelete, "/notes/1", "", http.StatusConflict},
		{http.MethodPost, "/notes/1/review", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := do(t, h, tc.method, tc.path, tc.body)
		require.Equal(t, tc.status, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestReviewRouteForReviewedKinds(t *testing.T) {
	h := newTestRouter(&stubEngine{kind: approval.Kind{Name: "note", ReviewPermission: "notes.review"}})
	rec := do(t, h, http.MethodPost, "/notes/1/review", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBulkApprove(t *testing.T) {
	engine := &stubEngine{kind: approval.Kind{Name: "note"}}
	h := newTestRouter(engine)

	rec := do(t, h, http.MethodPost, "/notes/approvals/bulk-approve", `{"ids":[4,5,6]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []int64{4, 5, 6}, engine.bulkIDs)

	var res approval.BulkResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, 2, res.Changed)
	require.Equal(t, 1, res.Skipped)

	rec = do(t, h, http.MethodPost, "/notes/approvals/bulk-approve", `{"ids":[]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestReadsPassActorToEngine(t *testing.T) {
	engine := &stubEngine{kind: approval.Kind{Name: "note"}}
	h := newTestRouter(engine)

	rec := do(t, h, http.MethodGet, "/notes?mine=1&status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 3, engine.actor.UserID)
	require.EqualValues(t, 3, engine.filter.SubmittedBy)
	require.Equal(t, approval.StatusPending, engine.filter.Status)

	engine.actor = shared.Actor{}
	rec = do(t, h, http.MethodGet, "/notes/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 3, engine.actor.UserID)
}
