package domain

import "time"

// Note is the free text a user submitted. Questions are derived from it.
type Note struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"userId"`
	Content     string    `json:"content"`
	ContentHash string    `json:"-"`
	SourceID    *int64    `json:"sourceId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Source is a local directory or git repository that notes are imported from.
type Source struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"userId"`
	Path        string     `json:"path"`
	Type        SourceType `json:"type"`
	LastScanned *time.Time `json:"lastScanned"`
}

// SourceType tells sync how to fetch a source.
type SourceType string

const (
	SourceLocal SourceType = "local"
	SourceGit   SourceType = "git"
)
