package audit

import (
	"context"
	"fmt"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
)

// Reader is the read contract of the audit store.
type Reader interface {
	ListEntries(ctx context.Context, q Query) ([]Entry, error)
}

// Service coordinates audit timeline reads.
type Service struct {
	repo   Reader
	masker Masker
}

// NewService builds a timeline service. Rows are masked with masker before
// they leave the service.
func NewService(repo Reader, masker Masker) *Service {
	return &Service{repo: repo, masker: masker}
}

// Timeline returns one page of audit rows.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	rows, err := s.repo.ListEntries(ctx, Query{
		From:       filters.From,
		To:         filters.To,
		UserID:     filters.UserID,
		EntityType: filters.EntityType,
		EntityID:   filters.EntityID,
		Action:     filters.Action,
		Limit:      pageSize + 1,
		Offset:     (page - 1) * pageSize,
	})
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	for i := range rows {
		rows[i].Changes = s.masker.MaskChanges(rows[i].Changes)
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	if rows == nil {
		rows = []Entry{}
	}
	return Result{Rows: rows, Paging: paging}, nil
}
