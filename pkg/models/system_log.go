package models

import (
	"time"

	"github.com/google/uuid"
)

// SystemLog is an audit row written by scheduled operations.
type SystemLog struct {
	ID        uuid.UUID      `db:"id"         json:"id"`
	Level     string         `db:"level"      json:"level"`
	Source    string         `db:"source"     json:"source"`
	Message   string         `db:"message"    json:"message"`
	Details   map[string]any `db:"details"    json:"details,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}
