// Package statemachine enumerates the legal transitions between item
// statuses (spec §4.1). It is deliberately small: structural legality
// only. Payload preconditions are the validation package's job.
package statemachine

import "github.com/reelforge/core/internal/model"

// validTransitions defines which status transitions are structurally
// allowed. failed and cancelled are reachable from any non-terminal status
// and are added programmatically in init rather than repeated per row.
var validTransitions = map[model.Status][]model.Status{
	model.StatusPending: {
		model.StatusSearching,
	},
	model.StatusSearching: {
		model.StatusFound,
		model.StatusDiscovered,
		model.StatusPending,
	},
	model.StatusDiscovered: {
		model.StatusSearching,
	},
	model.StatusFound: {
		model.StatusDownloading,
	},
	model.StatusDownloading: {
		model.StatusDownloaded,
		model.StatusDownloading, // progress self-loop
	},
	model.StatusDownloaded: {
		model.StatusEncoding,
	},
	model.StatusEncoding: {
		model.StatusEncoded,
		model.StatusEncoding, // progress self-loop
	},
	model.StatusEncoded: {
		model.StatusDelivering,
	},
	model.StatusDelivering: {
		model.StatusCompleted,
		model.StatusDelivering, // partial-progress self-loop
	},
	model.StatusCompleted: {},
	model.StatusFailed:    {},
	model.StatusCancelled: {},
}

func init() {
	// failed and cancelled are reachable from any non-terminal status (§4.1).
	for from, tos := range validTransitions {
		if from.Terminal() {
			continue
		}
		validTransitions[from] = append(tos, model.StatusFailed, model.StatusCancelled)
	}
}

// IsValid reports whether the from -> to edge exists in the state machine.
func IsValid(from, to model.Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedFrom returns a copy of the edges allowed out of the given status,
// primarily for diagnostics and tests.
func AllowedFrom(from model.Status) []model.Status {
	allowed := validTransitions[from]
	out := make([]model.Status, len(allowed))
	copy(out, allowed)
	return out
}
