package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/reelforge/core/internal/model"
)

func baseItem() *model.Item {
	return &model.Item{
		ID:        "item-1",
		RequestID: "req-1",
		Kind:      model.KindMovie,
		CatalogID: 42,
		Title:     "Arrival",
		Status:    model.StatusPending,
	}
}

func TestValidateEntry_Searching(t *testing.T) {
	it := baseItem()
	r := ValidateEntry(it, model.StatusSearching, Patch{})
	assert.True(t, r.Valid)

	it.CatalogID = 0
	r = ValidateEntry(it, model.StatusSearching, Patch{})
	assert.False(t, r.Valid)
	assert.Contains(t, r.Errors, "catalogId must be positive")
}

func TestValidateEntry_Found_RequiresSearchSelection(t *testing.T) {
	it := baseItem()
	r := ValidateEntry(it, model.StatusFound, Patch{})
	assert.False(t, r.Valid)

	patch := Patch{StepContext: &model.StepContext{Search: &model.SearchContext{
		SelectedRelease: &model.Release{Title: "Arrival.2016.1080p"},
	}}}
	r = ValidateEntry(it, model.StatusFound, patch)
	assert.True(t, r.Valid)
}

func TestValidateEntry_Found_AcceptsAlternativeReleasesOnly(t *testing.T) {
	it := baseItem()
	patch := Patch{StepContext: &model.StepContext{Search: &model.SearchContext{
		AlternativeReleases: []model.Release{{Title: "Arrival.2016.720p"}},
	}}}
	r := ValidateEntry(it, model.StatusFound, patch)
	assert.True(t, r.Valid)
}

func TestValidateEntry_Discovered_RequiresCooldown(t *testing.T) {
	it := baseItem()
	patch := Patch{StepContext: &model.StepContext{Search: &model.SearchContext{
		ExistingDownload: &model.ExistingDownload{TorrentHash: "abc"},
	}}}
	r := ValidateEntry(it, model.StatusDiscovered, patch)
	assert.False(t, r.Valid)
	assert.Contains(t, r.Errors, "cooldownEndsAt must be set for discovered state")

	future := time.Now().Add(time.Hour)
	it.CooldownEndsAt = &future
	r = ValidateEntry(it, model.StatusDiscovered, patch)
	assert.True(t, r.Valid)
}

func TestValidateEntry_Downloaded_RequiresSourceOrEpisodes(t *testing.T) {
	it := baseItem()
	r := ValidateEntry(it, model.StatusDownloaded, Patch{})
	assert.False(t, r.Valid)

	patch := Patch{StepContext: &model.StepContext{Download: &model.DownloadContext{
		SourceFilePath: "/data/arrival.mkv",
	}}}
	r = ValidateEntry(it, model.StatusDownloaded, patch)
	assert.True(t, r.Valid)
}

func TestValidateEntry_Encoded_RequiresEncodedFileWithPath(t *testing.T) {
	it := baseItem()
	patch := Patch{StepContext: &model.StepContext{Encode: &model.EncodeContext{
		EncodedFiles: []model.EncodedFile{{}},
	}}}
	r := ValidateEntry(it, model.StatusEncoded, patch)
	assert.False(t, r.Valid, "an encoded file entry with an empty path should not satisfy entry")

	patch = Patch{StepContext: &model.StepContext{Encode: &model.EncodeContext{
		EncodedFiles: []model.EncodedFile{{Path: "/out/arrival.mkv"}},
	}}}
	r = ValidateEntry(it, model.StatusEncoded, patch)
	assert.True(t, r.Valid)
}

func TestValidateEntry_Completed_RequiresDeliveryResults(t *testing.T) {
	it := baseItem()
	r := ValidateEntry(it, model.StatusCompleted, Patch{})
	assert.False(t, r.Valid)

	patch := Patch{StepContext: &model.StepContext{DeliveryResults: &model.DeliveryResults{
		DeliveredServers: []string{"server-1"}, AllDeliveriesComplete: true,
	}}}
	r = ValidateEntry(it, model.StatusCompleted, patch)
	assert.True(t, r.Valid)
}

func TestValidateEntry_UnknownStatus(t *testing.T) {
	it := baseItem()
	r := ValidateEntry(it, model.Status("bogus"), Patch{})
	assert.False(t, r.Valid)
}

func TestValidateExit_Downloading_RequiresCompleteFlag(t *testing.T) {
	it := baseItem()
	it.Status = model.StatusDownloading
	it.StepContext.Download = &model.DownloadContext{TorrentHash: "abc", IsComplete: false}

	r := ValidateExit(it, Patch{})
	assert.False(t, r.Valid, "incomplete download with no source must not pass exit validation")

	it.StepContext.Download.IsComplete = true
	r = ValidateExit(it, Patch{})
	assert.True(t, r.Valid)

	it.StepContext.Download = &model.DownloadContext{SourceFilePath: "/data/x.mkv", IsComplete: false}
	r = ValidateExit(it, Patch{})
	assert.True(t, r.Valid, "a source already present satisfies exit validation")
}

func TestValidateExit_Delivering_AlwaysValid(t *testing.T) {
	it := baseItem()
	it.Status = model.StatusDelivering
	r := ValidateExit(it, Patch{})
	assert.True(t, r.Valid)
}

func TestTransition_SkipsBothChecksForTerminalEscape(t *testing.T) {
	it := baseItem()
	it.Status = model.StatusDownloading // would fail exit (no completed download)
	r := Transition(it, model.StatusFailed, Patch{})
	assert.True(t, r.Valid)

	r = Transition(it, model.StatusCancelled, Patch{})
	assert.True(t, r.Valid)
}

func TestTransition_ComposesExitAndEntry(t *testing.T) {
	it := baseItem()
	it.Status = model.StatusSearching
	it.StepContext.Search = &model.SearchContext{SelectedRelease: &model.Release{Title: "x"}}

	r := Transition(it, model.StatusFound, Patch{})
	assert.True(t, r.Valid)
}

func TestTransition_ReportsBothExitAndEntryErrors(t *testing.T) {
	it := baseItem()
	it.Status = model.StatusDownloading
	it.StepContext.Download = &model.DownloadContext{IsComplete: false}

	r := Transition(it, model.StatusDownloaded, Patch{})
	assert.False(t, r.Valid)
	assert.NotEmpty(t, r.Errors)
}

func TestMergeStepContext_ShallowMergePreservesUntouchedKeys(t *testing.T) {
	it := baseItem()
	it.StepContext.Search = &model.SearchContext{SelectedRelease: &model.Release{Title: "existing"}}

	patch := Patch{StepContext: &model.StepContext{Encode: &model.EncodeContext{
		EncodedFiles: []model.EncodedFile{{Path: "/out/x.mkv"}},
	}}}
	merged := merge(it, patch)

	assert.NotNil(t, merged.StepContext.Search, "search context must survive an encode-only patch")
	assert.Equal(t, "existing", merged.StepContext.Search.SelectedRelease.Title)
	assert.NotNil(t, merged.StepContext.Encode)
}

func TestAsError_NilWhenValid(t *testing.T) {
	r := Result{Valid: true}
	assert.Nil(t, r.AsError("entry", model.StatusFound))
}

func TestAsError_WrapsErrorsWhenInvalid(t *testing.T) {
	r := Result{Valid: false, Errors: []string{"boom"}}
	err := r.AsError("entry", model.StatusFound)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
