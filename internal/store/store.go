// Package store persists extracted events and pipeline runs.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/attendry/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for events and runs.
type Store interface {
	// Events
	UpsertEvents(ctx context.Context, events []model.EventDTO) error
	ListEvents(ctx context.Context, filter model.EventFilter) ([]model.StoredEvent, error)
	ListEventURLs(ctx context.Context, filter model.EventFilter) ([]string, error)

	// Runs
	CreateRun(ctx context.Context, req model.SearchRequest) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	UpdateRunResult(ctx context.Context, runID string, result *model.RunResult) error
	FailRun(ctx context.Context, runID string, msg string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = eris.New("not found")

const defaultListLimit = 100

// sourceURL returns the page ev was extracted from, falling back to the
// event's own URL.
func sourceURL(ev model.EventDTO) string {
	if ev.SourceURL != "" {
		return ev.SourceURL
	}
	return ev.URL
}

// eventKey returns the upsert key of ev: its source page plus its title and
// start date, so a listing page that yields several events stores each one.
func eventKey(ev model.EventDTO) string {
	return sourceURL(ev) + "|" + ev.Identity()
}

// startDate returns the YYYY-MM-DD prefix of an event date, which sorts
// lexically in both backends.
func startDate(s string) string {
	if len(s) >= 10 {
		return s[:10]
	}
	return s
}

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
