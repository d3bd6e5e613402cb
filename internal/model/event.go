package model

import (
	"strings"
	"time"
)

// EventDTO is a single schema-valid event extracted from a page.
type EventDTO struct {
	Title     string       `json:"title" validate:"required,min=3"`
	StartsAt  string       `json:"starts_at" validate:"required,isodate"`
	EndsAt    string       `json:"ends_at,omitempty" validate:"omitempty,isodate"`
	City      string       `json:"city,omitempty"`
	Country   string       `json:"country,omitempty" validate:"omitempty,len=2"`
	Venue     string       `json:"venue,omitempty"`
	Organizer string       `json:"organizer,omitempty"`
	URL       string       `json:"url" validate:"required,url"`
	Topics    []string     `json:"topics,omitempty"`
	Speakers  []SpeakerDTO `json:"speakers,omitempty" validate:"-"`

	// SourceURL is the page the event was extracted from. It is not part of
	// the LLM schema.
	SourceURL string `json:"source_url,omitempty" validate:"-"`
}

// Identity returns the case-folded, whitespace-collapsed title joined with
// the YYYY-MM-DD start date. Two entries with the same identity describe
// the same event.
func (e EventDTO) Identity() string {
	title := strings.ToLower(strings.Join(strings.Fields(e.Title), " "))
	return title + "|" + e.StartsAt[:min(len(e.StartsAt), 10)]
}

// SpeakerDTO is a person speaking at an event.
type SpeakerDTO struct {
	Name string `json:"name" validate:"required,min=3"`
	Role string `json:"role,omitempty"`
	Org  string `json:"org,omitempty"`
	URL  string `json:"url,omitempty"`
}

// RawSpeaker is a speaker entry as the model returned it, before the
// person filter runs.
type RawSpeaker struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
	Org  string `json:"org,omitempty"`
	URL  string `json:"url,omitempty"`
}

// StoredEvent is an EventDTO as persisted in the event store.
type StoredEvent struct {
	ID        string    `json:"id"`
	Event     EventDTO  `json:"event"`
	Country   string    `json:"country,omitempty"`
	StartsAt  string    `json:"starts_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventFilter narrows stored events when they are re-surfaced as search
// results. Zero fields do not filter.
type EventFilter struct {
	Country  string
	DateFrom *time.Time
	DateTo   *time.Time
	Limit    int
}
