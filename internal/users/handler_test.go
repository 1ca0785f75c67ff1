package users

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-ops/shepherd/internal/rbac"
	"github.com/shepherd-ops/shepherd/internal/shared"
	_ "github.com/shepherd-ops/shepherd/testing"
)

type stubRepo struct {
	users      []User
	lastFilter ListFilter
}

func (s *stubRepo) ListUsers(_ context.Context, filter ListFilter) ([]User, error) {
	s.lastFilter = filter
	return s.users, nil
}

func (s *stubRepo) GetUser(_ context.Context, id int64) (User, error) {
	for _, u := range s.users {
		if u.ID == id {
			return u, nil
		}
	}
	return User{}, shared.ErrNotFound
}

type stubResolver map[int64][]string

func (s stubResolver) ResolveRoles(_ context.Context, userID int64) ([]string, error) {
	return s[userID], nil
}

type allowAll struct{}

func (allowAll) Authorize(context.Context, shared.Actor, ...string) error    { return nil }
func (allowAll) AuthorizeAll(context.Context, shared.Actor, ...string) error { return nil }

func newRouter(repo *stubRepo) http.Handler {
	h := NewHandler(nil, NewService(repo, stubResolver{1: {"admin", "pastor"}}), rbac.Middleware{Authorizer: allowAll{}})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), shared.Actor{UserID: 1})))
		})
	})
	r.Route("/users", h.MountRoutes)
	return r
}

func TestListUsersClampsLimit(t *testing.T) {
	repo := &stubRepo{users: []User{{ID: 1, Email: "a@example.org", IsActive: true, CreatedAt: time.Now()}}}
	router := newRouter(repo)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/users/?limit=1000", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, maxLimit, repo.lastFilter.Limit)

	var body struct {
		Users []User `json:"users"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.Len(t, body.Users, 1)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/users/?limit=abc", nil))
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestGetUserIncludesResolvedRoles(t *testing.T) {
	repo := &stubRepo{users: []User{{ID: 1, Email: "a@example.org"}, {ID: 2, Email: "b@example.org"}}}
	router := newRouter(repo)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/users/1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var detail Detail
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&detail))
	require.Equal(t, []string{"admin", "pastor"}, detail.Roles)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/users/2", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"roles":[]`)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/users/9", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}
