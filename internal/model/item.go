// Package model defines the persisted entities the pipeline drives:
// requests, items, and the structured payloads they accumulate.
package model

import (
	"fmt"
	"time"
)

// Status is an item's position in the pipeline state machine.
type Status string

// The closed enumeration of item statuses (spec §4.1).
const (
	StatusPending     Status = "pending"
	StatusSearching   Status = "searching"
	StatusFound       Status = "found"
	StatusDiscovered  Status = "discovered"
	StatusDownloading Status = "downloading"
	StatusDownloaded  Status = "downloaded"
	StatusEncoding    Status = "encoding"
	StatusEncoded     Status = "encoded"
	StatusDelivering  Status = "delivering"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether a status accepts no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Kind distinguishes a movie item from a TV episode item.
type Kind string

const (
	KindMovie   Kind = "movie"
	KindEpisode Kind = "episode"
)

// ErrorHistoryEntry is one bounded record in an item's error trail.
type ErrorHistoryEntry struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"errorType"`
	Message string    `json:"message"`
	Attempt int       `json:"attempt"`
}

// MaxErrorHistory bounds the length of errorHistory kept on an item (§4.3).
const MaxErrorHistory = 20

// Item is the atomic unit the pipeline advances: one per movie, one per
// requested TV episode.
type Item struct {
	ID        string `json:"id"`
	RequestID string `json:"requestId"`
	Kind      Kind   `json:"kind"`
	CatalogID int64  `json:"catalogId"`
	Title     string `json:"title"`
	Year      int    `json:"year,omitempty"`
	Season    int    `json:"season,omitempty"`
	Episode   int    `json:"episode,omitempty"`

	Status      Status      `json:"status"`
	CurrentStep string      `json:"currentStep,omitempty"`
	StepContext StepContext `json:"stepContext"`
	Checkpoint  Checkpoint  `json:"checkpoint"`

	Attempts      int                 `json:"attempts"`
	MaxAttempts   int                 `json:"maxAttempts"`
	LastError     string              `json:"lastError,omitempty"`
	ErrorHistory  []ErrorHistoryEntry `json:"errorHistory,omitempty"`
	NextRetryAt   *time.Time          `json:"nextRetryAt,omitempty"`
	SkipUntil     *time.Time          `json:"skipUntil,omitempty"`
	CooldownEndsAt *time.Time         `json:"cooldownEndsAt,omitempty"`

	DownloadID    *string `json:"downloadId,omitempty"`
	EncodingJobID *string `json:"encodingJobId,omitempty"`

	Progress           int        `json:"progress"`
	LastProgressUpdate *time.Time `json:"lastProgressUpdate,omitempty"`
	LastProgressValue  int        `json:"lastProgressValue"`

	DownloadedAt *time.Time `json:"downloadedAt,omitempty"`
	EncodedAt    *time.Time `json:"encodedAt,omitempty"`
	DeliveredAt  *time.Time `json:"deliveredAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Eligible reports whether both retry gates have elapsed as of now (§4.4).
func (it *Item) Eligible(now time.Time) bool {
	if it.NextRetryAt != nil && now.Before(*it.NextRetryAt) {
		return false
	}
	if it.SkipUntil != nil && now.Before(*it.SkipUntil) {
		return false
	}
	return true
}

// AppendErrorHistory records a classified error, truncating to the last
// MaxErrorHistory entries (§4.3).
func (it *Item) AppendErrorHistory(entry ErrorHistoryEntry) {
	it.ErrorHistory = append(it.ErrorHistory, entry)
	if len(it.ErrorHistory) > MaxErrorHistory {
		it.ErrorHistory = it.ErrorHistory[len(it.ErrorHistory)-MaxErrorHistory:]
	}
}

// EpisodeLabel renders the SxxEyy label for a TV episode item, or "" for movies.
func (it *Item) EpisodeLabel() string {
	if it.Kind != KindEpisode {
		return ""
	}
	return seasonEpisodeLabel(it.Season, it.Episode)
}

func seasonEpisodeLabel(season, episode int) string {
	return fmt.Sprintf("S%02dE%02d", season, episode)
}
