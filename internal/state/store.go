// Package state is the local load/save store for pipelines: a SQLite
// database holding each pipeline's canvas and config documents, the SQL
// generated for its output views, and a revision log.
package state

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned for unknown pipeline ids.
var ErrNotFound = errors.New("pipeline not found")

// SaveRequest stores a pipeline. An empty ID creates a new pipeline.
type SaveRequest struct {
	ID        string
	Name      string
	Canvas    json.RawMessage
	Config    json.RawMessage
	QueryText string
}

// SaveResult reports a stored pipeline. Unchanged is set when the documents
// matched the stored ones, in which case no new version was written.
type SaveResult struct {
	ID                 string `json:"id"`
	GeneratedQueryText string `json:"generated_query_text"`
	Version            int    `json:"version"`
	Unchanged          bool   `json:"unchanged,omitempty"`
}

// Summary describes a stored pipeline without its documents.
type Summary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Nodes     int       `json:"nodes"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Bundle is a stored pipeline with its documents.
type Bundle struct {
	Summary
	Canvas    json.RawMessage `json:"canvas"`
	Config    json.RawMessage `json:"config"`
	QueryText string          `json:"query_text"`
}

// Revision is one entry of a pipeline's save history.
type Revision struct {
	Version int       `json:"version"`
	Hash    string    `json:"hash"`
	Nodes   int       `json:"nodes"`
	SavedAt time.Time `json:"saved_at"`
}
