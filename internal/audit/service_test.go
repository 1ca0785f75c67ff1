package audit

import (
	"context"
	"testing"
	"time"
)

type stubTimelineRepo struct {
	rows     []Entry
	lastCall Query
}

func (s *stubTimelineRepo) ListEntries(ctx context.Context, q Query) ([]Entry, error) {
	s.lastCall = q
	if len(s.rows) > q.Limit {
		return s.rows[:q.Limit], nil
	}
	return s.rows, nil
}

func mockEntry(at string, action Action, entity, id string, changes Changes) Entry {
	ts, _ := time.Parse(time.RFC3339, at)
	return Entry{Action: action, EntityType: entity, EntityID: id, Changes: changes, CreatedAt: ts}
}

func TestServiceTimelinePaging(t *testing.T) {
	repo := &stubTimelineRepo{
		rows: []Entry{
			mockEntry("2024-03-10T10:00:00Z", ActionApprove, "expense", "1", Changes{}),
			mockEntry("2024-03-09T09:00:00Z", ActionUpdate, "role", "2", Changes{}),
			mockEntry("2024-03-08T08:00:00Z", ActionCreate, "attendance", "3", Changes{}),
		},
	}
	svc := NewService(repo, NewMasker())
	result, err := svc.Timeline(context.Background(), TimelineFilters{
		From:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		To:       time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
		Page:     1,
		PageSize: 2,
	})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(result.Rows))
	}
	if !result.Paging.HasNext {
		t.Fatalf("expected hasNext true")
	}
	if result.Paging.NextPage != 2 {
		t.Fatalf("expected next page 2, got %d", result.Paging.NextPage)
	}
	if repo.lastCall.Limit != 3 {
		t.Fatalf("expected limit 3, got %d", repo.lastCall.Limit)
	}
	if repo.lastCall.Offset != 0 {
		t.Fatalf("expected offset 0, got %d", repo.lastCall.Offset)
	}
}

func TestServiceTimelineClampsPageSize(t *testing.T) {
	repo := &stubTimelineRepo{}
	svc := NewService(repo, NewMasker())
	result, err := svc.Timeline(context.Background(), TimelineFilters{Page: 3, PageSize: 500})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if repo.lastCall.Limit != maxPageSize+1 {
		t.Fatalf("expected limit %d, got %d", maxPageSize+1, repo.lastCall.Limit)
	}
	if repo.lastCall.Offset != 2*maxPageSize {
		t.Fatalf("expected offset %d, got %d", 2*maxPageSize, repo.lastCall.Offset)
	}
	if result.Paging.PrevPage != 2 {
		t.Fatalf("expected prev page 2, got %d", result.Paging.PrevPage)
	}
	if result.Rows == nil {
		t.Fatalf("expected empty slice, got nil")
	}
}

func TestServiceTimelineMasksOutput(t *testing.T) {
	repo := &stubTimelineRepo{
		rows: []Entry{
			mockEntry("2024-03-10T10:00:00Z", ActionUpdate, "user", "1", Changes{
				Before: Snapshot{"secret": "legacy-unmasked"},
				After:  Snapshot{"name": "Ruth"},
			}),
		},
	}
	result, err := NewService(repo, NewMasker()).Timeline(context.Background(), TimelineFilters{})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if got := result.Rows[0].Changes.Before["secret"]; got != MaskToken {
		t.Fatalf("expected masked secret, got %v", got)
	}
	if got := result.Rows[0].Changes.After["name"]; got != "Ruth" {
		t.Fatalf("expected name untouched, got %v", got)
	}
}
