// Package repository implements persistent CRUD and query access over
// requests and items (spec §4.4), plus request-level aggregate recompute.
package repository

import (
	"context"
	"time"

	"github.com/reelforge/core/internal/model"
)

// CreateItemParams is the input to CreateItem.
type CreateItemParams struct {
	RequestID   string
	Kind        model.Kind
	CatalogID   int64
	Title       string
	Year        int
	Season      int
	Episode     int
	MaxAttempts int
}

// StatusPatch is the set of fields updateStatus may write atomically
// alongside a status change (spec §4.4).
type StatusPatch struct {
	CurrentStep   *string
	StepContext   *model.StepContext
	Progress      *int
	LastError     *string
	DownloadID    *string
	EncodingJobID *string
}

// ProgressPatch is the input to UpdateProgress.
type ProgressPatch struct {
	LastProgressUpdate time.Time
	LastProgressValue  int
}

// Repository is the persistence interface the orchestrator and workers
// consume. Implementations: Postgres (production) and Memory (tests).
type Repository interface {
	CreateRequest(ctx context.Context, req *model.Request) error
	CreateItem(ctx context.Context, params CreateItemParams) (*model.Item, error)

	FindByID(ctx context.Context, id string) (*model.Item, error)
	FindByRequestID(ctx context.Context, requestID string) ([]*model.Item, error)
	// FindByStatus returns items in the given status whose retry gates
	// have elapsed as of now (spec §4.4 query shape).
	FindByStatus(ctx context.Context, status model.Status, now time.Time) ([]*model.Item, error)
	// FindAllByStatus returns every item in the given status regardless of
	// retry gates, used by the recovery worker (§4.8) which must examine
	// gated items too.
	FindAllByStatus(ctx context.Context, status model.Status) ([]*model.Item, error)

	UpdateStatus(ctx context.Context, id string, to model.Status, patch StatusPatch) (*model.Item, error)
	UpdateProgress(ctx context.Context, id string, pct int, patch ProgressPatch) (*model.Item, error)
	UpdateStepContext(ctx context.Context, id string, ctxPatch model.StepContext) (*model.Item, error)
	UpdateCheckpoint(ctx context.Context, id string, checkpoint model.Checkpoint) (*model.Item, error)
	IncrementAttempts(ctx context.Context, id string, nextRetryAt *time.Time) (*model.Item, error)
	SetRetryGates(ctx context.Context, id string, nextRetryAt, skipUntil *time.Time, lastError string) (*model.Item, error)
	// ResetAttempts zeroes an item's attempt counter, used by retry() on a
	// failed item (spec §4.5).
	ResetAttempts(ctx context.Context, id string) error

	GetRequest(ctx context.Context, id string) (*model.Request, error)
	DeleteRequest(ctx context.Context, id string) error
	UpdateRequestAggregates(ctx context.Context, requestID string) (*model.Aggregates, error)

	GetTargetServer(ctx context.Context, id string) (*model.TargetServer, error)
	ListTargetServers(ctx context.Context, ids []string) ([]*model.TargetServer, error)
}

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "repository: not found" }
