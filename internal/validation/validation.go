// Package validation enforces entry/exit preconditions on item content at
// each transition (spec §4.2). Both checks run against a hypothetical
// merged item: the current item with the caller's proposed patch applied,
// so a transition and its payload are validated together rather than in
// two passes that could disagree.
package validation

import (
	"github.com/reelforge/core/internal/model"
	"github.com/reelforge/core/internal/pipelineerr"
)

// Result is the outcome of running entry or exit validation.
type Result struct {
	Valid  bool
	Errors []string
}

// Patch is the subset of item fields a transition may write, used to build
// the hypothetical merged item before validating it.
type Patch struct {
	StepContext *model.StepContext
	Checkpoint  *model.Checkpoint
}

// merge returns a copy of item with patch fields overlaid, never mutating
// the caller's item.
func merge(item *model.Item, patch Patch) model.Item {
	merged := *item
	if patch.StepContext != nil {
		merged.StepContext = mergeStepContext(item.StepContext, *patch.StepContext)
	}
	if patch.Checkpoint != nil {
		merged.Checkpoint = *patch.Checkpoint
	}
	return merged
}

// mergeStepContext shallow-merges well-known keys: a patch that only sets
// Encode leaves Search and Download from the existing item untouched
// (spec §4.4 updateStepContext, "shallow-merge well-known keys").
func mergeStepContext(existing model.StepContext, patch model.StepContext) model.StepContext {
	out := existing
	if patch.Search != nil {
		out.Search = patch.Search
	}
	if patch.Download != nil {
		out.Download = patch.Download
	}
	if patch.Encode != nil {
		out.Encode = patch.Encode
	}
	if patch.DeliveryResults != nil {
		out.DeliveryResults = patch.DeliveryResults
	}
	return out
}

// ValidateEntry checks the minimum payload required to legitimately hold
// the target status (spec §4.2).
func ValidateEntry(item *model.Item, to model.Status, patch Patch) Result {
	merged := merge(item, patch)
	switch to {
	case model.StatusSearching:
		return requireAll(
			requireTrue(merged.CatalogID > 0, "catalogId must be positive"),
			requireTrue(merged.Title != "", "title must be non-empty"),
		)
	case model.StatusFound:
		return requireAny(hasSearchSelection(&merged), "search selection (selectedRelease, selectedPacks, existingDownload, or alternativeReleases) required for found state")
	case model.StatusDiscovered:
		r := requireAny(hasSearchSelection(&merged), "search selection required for discovered state")
		if merged.CooldownEndsAt == nil {
			r.Valid = false
			r.Errors = append(r.Errors, "cooldownEndsAt must be set for discovered state")
		}
		return r
	case model.StatusDownloading:
		return Result{Valid: true}
	case model.StatusDownloaded:
		return requireAny(merged.StepContext.Download.NonEmpty(), "download source path or episode files required for downloaded state")
	case model.StatusEncoding:
		return requireAny(merged.StepContext.Download.NonEmpty(), "download source required before encoding")
	case model.StatusEncoded:
		return requireAny(merged.StepContext.Encode.NonEmpty(), "Encoded file path required for encoded state")
	case model.StatusDelivering:
		return requireAny(merged.StepContext.Encode.NonEmpty(), "encoded artifact required before delivering")
	case model.StatusCompleted:
		return requireAny(merged.StepContext.DeliveryResults != nil && len(merged.StepContext.DeliveryResults.DeliveredServers) > 0, "deliveryResults required for completed state")
	case model.StatusFailed, model.StatusCancelled:
		return Result{Valid: true}
	default:
		return Result{Valid: false, Errors: []string{"unknown target status: " + string(to)}}
	}
}

// ValidateExit checks the minimum payload that must already have been
// produced by the status being left. Skipped entirely when the target is
// failed or cancelled (terminal escape, §4.2).
func ValidateExit(item *model.Item, patch Patch) Result {
	merged := merge(item, patch)
	switch item.Status {
	case model.StatusSearching:
		return requireAny(hasSearchSelection(&merged), "a search selection must exist before leaving searching")
	case model.StatusDownloading:
		d := merged.StepContext.Download
		return requireAny(d != nil && (d.IsComplete || d.NonEmpty()), "download must be marked complete, or a source already present, before leaving downloading")
	case model.StatusEncoding:
		return requireAny(merged.StepContext.Encode.NonEmpty(), "an encoded artifact must exist before leaving encoding")
	case model.StatusDelivering:
		return Result{Valid: true} // partial delivery is a valid exit point (self-loop or completed both checked elsewhere)
	default:
		return Result{Valid: true}
	}
}

// Transition runs ValidateExit(from item.Status) then ValidateEntry(to),
// skipping both when to is a terminal escape (failed/cancelled).
func Transition(item *model.Item, to model.Status, patch Patch) Result {
	if to == model.StatusFailed || to == model.StatusCancelled {
		return Result{Valid: true}
	}
	exit := ValidateExit(item, patch)
	entry := ValidateEntry(item, to, patch)
	errs := append(append([]string{}, exit.Errors...), entry.Errors...)
	return Result{Valid: exit.Valid && entry.Valid, Errors: errs}
}

// AsError converts a failing Result into a *pipelineerr.ValidationError, or
// nil when valid.
func (r Result) AsError(phase pipelineerr.ValidationPhase, status model.Status) error {
	if r.Valid {
		return nil
	}
	return &pipelineerr.ValidationError{Phase: phase, Status: status, Errors: r.Errors}
}

func hasSearchSelection(item *model.Item) bool {
	s := item.StepContext.Search
	if s == nil {
		return false
	}
	return s.SelectedRelease != nil ||
		len(s.SelectedPacks) > 0 ||
		s.ExistingDownload != nil ||
		len(s.AlternativeReleases) > 0
}

func requireTrue(cond bool, msg string) Result {
	if cond {
		return Result{Valid: true}
	}
	return Result{Valid: false, Errors: []string{msg}}
}

func requireAny(cond bool, msg string) Result {
	return requireTrue(cond, msg)
}

func requireAll(results ...Result) Result {
	out := Result{Valid: true}
	for _, r := range results {
		if !r.Valid {
			out.Valid = false
			out.Errors = append(out.Errors, r.Errors...)
		}
	}
	return out
}
