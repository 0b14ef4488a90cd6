// Package orchestrator is the sole component allowed to mutate item status
// (spec §4.5). It composes the state machine, validation framework, retry
// policy, and repository into createRequest/transitionStatus/handleError/
// cancel/retry/getItemsForProcessing/updateProgress/updateContext.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reelforge/core/internal/cache"
	"github.com/reelforge/core/internal/model"
	"github.com/reelforge/core/internal/pipelineerr"
	"github.com/reelforge/core/internal/repository"
	"github.com/reelforge/core/internal/retrypolicy"
	"github.com/reelforge/core/internal/statemachine"
	"github.com/reelforge/core/internal/validation"
)

// Orchestrator owns every status write against the item repository.
type Orchestrator struct {
	repo   repository.Repository
	retry  *retrypolicy.Policy
	cache  *cache.RequestCache // optional, may be nil
	log    *logrus.Logger
	nowFn  func() time.Time
}

// New builds an Orchestrator. cache may be nil to disable aggregate caching.
func New(repo repository.Repository, retry *retrypolicy.Policy, requestCache *cache.RequestCache, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		repo:  repo,
		retry: retry,
		cache: requestCache,
		log:   log,
		nowFn: time.Now,
	}
}

// CreateRequestResult is the output of CreateRequest.
type CreateRequestResult struct {
	RequestID string
	Items     []*model.Item
}

// CreateRequestItem is one unit of work to create alongside the request:
// a single movie, or one per TV episode requested.
type CreateRequestItem struct {
	Kind      model.Kind
	CatalogID int64
	Title     string
	Year      int
	Season    int
	Episode   int
}

const defaultMaxAttempts = 5

// CreateRequest persists req and one item per entry in items, rolling back
// the request if any item creation fails (spec §4.5).
func (o *Orchestrator) CreateRequest(ctx context.Context, req *model.Request, items []CreateRequestItem) (*CreateRequestResult, error) {
	if err := o.repo.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("orchestrator: create request: %w", err)
	}

	created := make([]*model.Item, 0, len(items))
	for _, spec := range items {
		it, err := o.repo.CreateItem(ctx, repository.CreateItemParams{
			RequestID:   req.ID,
			Kind:        spec.Kind,
			CatalogID:   spec.CatalogID,
			Title:       spec.Title,
			Year:        spec.Year,
			Season:      spec.Season,
			Episode:     spec.Episode,
			MaxAttempts: defaultMaxAttempts,
		})
		if err != nil {
			if delErr := o.repo.DeleteRequest(ctx, req.ID); delErr != nil {
				o.log.WithError(delErr).WithField("requestId", req.ID).Error("failed to roll back request after item creation failure")
			}
			return nil, fmt.Errorf("orchestrator: create item: %w", err)
		}
		created = append(created, it)
	}

	return &CreateRequestResult{RequestID: req.ID, Items: created}, nil
}

// TransitionParams is the optional payload accompanying a status change.
type TransitionParams struct {
	CurrentStep   *string
	StepContext   *model.StepContext
	Progress      *int
	DownloadID    *string
	EncodingJobID *string
}

// TransitionStatus loads the item, validates the transition against the
// state machine (C1) and content rules (C2) against the hypothetical
// merged item, writes via the repository (C3), and recomputes the
// request's aggregates.
func (o *Orchestrator) TransitionStatus(ctx context.Context, itemID string, to model.Status, params TransitionParams) (*model.Item, error) {
	item, err := o.repo.FindByID(ctx, itemID)
	if err != nil {
		return nil, err
	}

	if !statemachine.IsValid(item.Status, to) {
		return nil, &pipelineerr.InvalidTransitionError{From: item.Status, To: to}
	}

	patch := validation.Patch{StepContext: params.StepContext}
	result := validation.Transition(item, to, patch)
	if !result.Valid {
		if !validation.ValidateExit(item, patch).Valid {
			return nil, result.AsError(pipelineerr.PhaseExit, item.Status)
		}
		return nil, result.AsError(pipelineerr.PhaseEntry, to)
	}

	statusPatch := repository.StatusPatch{
		CurrentStep:   params.CurrentStep,
		StepContext:   params.StepContext,
		Progress:      params.Progress,
		DownloadID:    params.DownloadID,
		EncodingJobID: params.EncodingJobID,
	}
	updated, err := o.repo.UpdateStatus(ctx, itemID, to, statusPatch)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: update status: %w", err)
	}

	o.recomputeAggregates(ctx, updated.RequestID)
	return updated, nil
}

// HandleError classifies err via the retry policy and either re-gates the
// item for retry, preserving its status so the same worker re-polls it on
// the next tick, or transitions it to failed (spec §4.5).
//
// The one exception is searching: no worker ever re-polls that status
// (search only polls pending), so an item left there on error would be
// stranded forever. It is reset to pending instead — the only status for
// which that reset is both a legal state-machine edge and a status some
// worker actually re-polls.
func (o *Orchestrator) HandleError(ctx context.Context, itemID string, cause error) (*model.Item, error) {
	item, err := o.repo.FindByID(ctx, itemID)
	if err != nil {
		return nil, err
	}

	decision := o.retry.Decide(item, cause)

	if decision.Mode == retrypolicy.ModeTerminal {
		return o.failItem(ctx, item, cause, decision.Reason)
	}

	if decision.Mode == retrypolicy.ModeNextRetryAt && retrypolicy.AttemptsExhausted(item) {
		return o.failItem(ctx, item, cause, "attempts exhausted")
	}

	kind := classifyKind(cause)
	item.AppendErrorHistory(model.ErrorHistoryEntry{
		Time:    o.nowFn(),
		Kind:    kind,
		Message: cause.Error(),
		Attempt: item.Attempts,
	})

	var nextRetryAt, skipUntil *time.Time
	switch decision.Mode {
	case retrypolicy.ModeNextRetryAt:
		at := decision.At
		nextRetryAt = &at
	case retrypolicy.ModeSkipUntil:
		at := decision.At
		skipUntil = &at
	}

	if decision.Mode == retrypolicy.ModeNextRetryAt {
		if _, err := o.repo.IncrementAttempts(ctx, itemID, nextRetryAt); err != nil {
			return nil, fmt.Errorf("orchestrator: increment attempts: %w", err)
		}
	}

	updated, err := o.repo.SetRetryGates(ctx, itemID, nextRetryAt, skipUntil, cause.Error())
	if err != nil {
		return nil, fmt.Errorf("orchestrator: set retry gates: %w", err)
	}

	if statemachine.IsValid(item.Status, model.StatusPending) {
		resetProgress := 0
		updated, err = o.repo.UpdateStatus(ctx, itemID, model.StatusPending, repository.StatusPatch{Progress: &resetProgress})
		if err != nil {
			return nil, fmt.Errorf("orchestrator: reset to pending: %w", err)
		}
	}

	o.recomputeAggregates(ctx, updated.RequestID)
	return updated, nil
}

func (o *Orchestrator) failItem(ctx context.Context, item *model.Item, cause error, reason string) (*model.Item, error) {
	lastErr := cause.Error()
	updated, err := o.repo.UpdateStatus(ctx, item.ID, model.StatusFailed, repository.StatusPatch{LastError: &lastErr})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: fail item: %w", err)
	}
	o.log.WithFields(logrus.Fields{"itemId": item.ID, "reason": reason}).Warn("item failed terminally")
	o.recomputeAggregates(ctx, updated.RequestID)
	return updated, nil
}

func classifyKind(err error) string {
	var ce *pipelineerr.ClassifiedError
	if e, ok := err.(*pipelineerr.ClassifiedError); ok {
		ce = e
	}
	if ce != nil {
		return string(ce.Kind)
	}
	return string(pipelineerr.KindUnknown)
}

// Cancel transitions itemID to cancelled, refusing if the item is already
// terminal (spec §4.5).
func (o *Orchestrator) Cancel(ctx context.Context, itemID string) (*model.Item, error) {
	item, err := o.repo.FindByID(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status.Terminal() {
		return nil, &pipelineerr.InvalidTransitionError{From: item.Status, To: model.StatusCancelled}
	}
	updated, err := o.repo.UpdateStatus(ctx, itemID, model.StatusCancelled, repository.StatusPatch{})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: cancel: %w", err)
	}
	o.recomputeAggregates(ctx, updated.RequestID)
	return updated, nil
}

// Retry resets a failed item back to pending with a clean slate (spec §4.5).
func (o *Orchestrator) Retry(ctx context.Context, itemID string) (*model.Item, error) {
	item, err := o.repo.FindByID(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status != model.StatusFailed {
		return nil, &pipelineerr.InvalidTransitionError{From: item.Status, To: model.StatusPending}
	}

	emptyErr := ""
	zeroProgress := 0
	if _, err := o.repo.SetRetryGates(ctx, itemID, nil, nil, emptyErr); err != nil {
		return nil, fmt.Errorf("orchestrator: clear retry gates: %w", err)
	}
	if err := o.repo.ResetAttempts(ctx, itemID); err != nil {
		return nil, fmt.Errorf("orchestrator: reset attempts: %w", err)
	}
	updated, err := o.repo.UpdateStatus(ctx, itemID, model.StatusPending, repository.StatusPatch{Progress: &zeroProgress})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: retry: %w", err)
	}
	o.recomputeAggregates(ctx, updated.RequestID)
	return updated, nil
}

// GetItemsForProcessing returns items in status with elapsed retry gates,
// the query shape workers poll on (spec §4.4, §4.5).
func (o *Orchestrator) GetItemsForProcessing(ctx context.Context, status model.Status) ([]*model.Item, error) {
	return o.repo.FindByStatus(ctx, status, o.nowFn())
}

// UpdateProgress writes pct for itemID, debouncing sub-1%-delta writes is
// the caller's responsibility (workers only call this on a ≥1pt change,
// spec §4.6.2 step 3).
func (o *Orchestrator) UpdateProgress(ctx context.Context, itemID string, pct int) (*model.Item, error) {
	updated, err := o.repo.UpdateProgress(ctx, itemID, pct, repository.ProgressPatch{
		LastProgressUpdate: o.nowFn(),
		LastProgressValue:  pct,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: update progress: %w", err)
	}
	return updated, nil
}

// UpdateContext shallow-merges ctxPatch into the item's step context.
func (o *Orchestrator) UpdateContext(ctx context.Context, itemID string, ctxPatch model.StepContext) (*model.Item, error) {
	updated, err := o.repo.UpdateStepContext(ctx, itemID, ctxPatch)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: update context: %w", err)
	}
	return updated, nil
}

// recomputeAggregates refreshes a request's rollup fields and writes
// through the aggregate cache. Best-effort: failures are logged, not
// propagated, matching the eventual-consistency guarantee of spec §5.
func (o *Orchestrator) recomputeAggregates(ctx context.Context, requestID string) {
	agg, err := o.repo.UpdateRequestAggregates(ctx, requestID)
	if err != nil {
		o.log.WithError(err).WithField("requestId", requestID).Warn("failed to recompute request aggregates")
		return
	}
	if o.cache == nil {
		return
	}
	if err := o.cache.Set(ctx, requestID, agg); err != nil {
		o.log.WithError(err).WithField("requestId", requestID).Warn("failed to write through aggregate cache")
	}
}
