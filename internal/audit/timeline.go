package audit

import "time"

// TimelineFilters holds the filters accepted by the audit timeline.
type TimelineFilters struct {
	From       time.Time
	To         time.Time
	UserID     *int64
	EntityType string
	EntityID   string
	Action     string
	Page       int
	PageSize   int
}

// Query is the repository-level form of TimelineFilters.
type Query struct {
	From       time.Time
	To         time.Time
	UserID     *int64
	EntityType string
	EntityID   string
	Action     string
	Limit      int
	Offset     int
}

// PagingInfo stores simple pagination metadata.
type PagingInfo struct {
	Page     int  `json:"page"`
	HasNext  bool `json:"has_next"`
	PageSize int  `json:"page_size"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result wraps timeline rows with paging information.
type Result struct {
	Rows   []Entry    `json:"rows"`
	Paging PagingInfo `json:"paging"`
}
