package users

import "time"

// User represents a user account for management.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Detail is a user with its effective role names.
type Detail struct {
	User
	Roles []string `json:"roles"`
}

// ListFilter pages the user listing.
type ListFilter struct {
	Limit  int
	Offset int
}
