package storage

import (
	"errors"
	"time"

	"github.com/kalambet/datedocs/internal/bucket"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ContentItem is one entry of the live content store.
type ContentItem struct {
	ID          string
	Type        string
	Status      string
	Title       string
	URL         string
	PublishedAt time.Time
	ModifiedAt  time.Time
	Bucket      bucket.Key // derived from PublishedAt on write
}

// DocumentInfo describes a stored bucket document without its body.
type DocumentInfo struct {
	Bucket    bucket.Key `json:"bucket"`
	ItemCount int        `json:"item_count"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Document is the derived artifact for one bucket.
type Document struct {
	DocumentInfo
	Body []byte `json:"-"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed", "cancelled"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
	UniqueKey   string // at most one pending or running job per (Type, UniqueKey)
}
