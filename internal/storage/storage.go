// Package storage defines the persistent episode history model.
package storage

import (
	"context"
	"time"
)

// DriverSQLite names the only supported backend.
const DriverSQLite = "sqlite"

// Episode is the persisted record of one agent run.
type Episode struct {
	ID        string `gorm:"primaryKey;size:36"`
	Task      string `gorm:"not null"`
	State     string `gorm:"size:32;index"`
	Steps     int
	Summary   string
	Error     string

	// Pipeline outcome. Graded distinguishes "not graded" from all-false.
	Graded      bool
	InstallOK   bool
	BuildOK     bool
	ServeOK     bool
	OverallPass bool `gorm:"index"`

	// Rubric outcome, zero when no judge ran.
	Score    float64
	MaxScore float64

	InputTokens  int
	OutputTokens int

	EpisodeDir string
	StartedAt  time.Time
	DurationMS int64
	CreatedAt  time.Time
}

// Store persists and lists episodes.
type Store interface {
	SaveEpisode(ctx context.Context, e *Episode) error
	GetEpisode(ctx context.Context, id string) (*Episode, error)
	ListEpisodes(ctx context.Context, limit int) ([]*Episode, error)
	Close() error
}
