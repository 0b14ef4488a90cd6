package workers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/core/internal/collaborators"
	"github.com/reelforge/core/internal/config"
	"github.com/reelforge/core/internal/model"
	"github.com/reelforge/core/internal/orchestrator"
	"github.com/reelforge/core/internal/repository"
	"github.com/reelforge/core/internal/retrypolicy"
)

func newTestOrchestrator() (*orchestrator.Orchestrator, *repository.Memory) {
	repo := repository.NewMemory()
	orch := orchestrator.New(repo, retrypolicy.New(), nil, testLogger())
	return orch, repo
}

func seedPendingMovie(t *testing.T, orch *orchestrator.Orchestrator, title string, year int, targets []model.Target) *model.Item {
	t.Helper()
	result, err := orch.CreateRequest(context.Background(), &model.Request{
		Type:      model.MediaMovie,
		CatalogID: 100,
		Title:     title,
		Year:      year,
		Targets:   targets,
	}, []orchestrator.CreateRequestItem{
		{Kind: model.KindMovie, CatalogID: 100, Title: title, Year: year},
	})
	require.NoError(t, err)
	return result.Items[0]
}

func seedPendingEpisode(t *testing.T, orch *orchestrator.Orchestrator, title string, season, episode int, targets []model.Target) *model.Item {
	t.Helper()
	result, err := orch.CreateRequest(context.Background(), &model.Request{
		Type:      model.MediaTV,
		CatalogID: 200,
		Title:     title,
		Targets:   targets,
	}, []orchestrator.CreateRequestItem{
		{Kind: model.KindEpisode, CatalogID: 200, Title: title, Season: season, Episode: episode},
	})
	require.NoError(t, err)
	return result.Items[0]
}

func defaultPipeline() config.PipelineTemplate {
	return config.PipelineTemplate{
		"default": {Resolution: "1080p", Codec: "h264"},
	}
}

func TestSearch_DownloadIDShortCircuit_TransitionsDirectlyToFound(t *testing.T) {
	orch, repo := newTestOrchestrator()
	item := seedPendingMovie(t, orch, "Arrival", 2016, nil)

	downloadID := "abc123"
	_, err := repo.UpdateStatus(context.Background(), item.ID, model.StatusPending, repository.StatusPatch{DownloadID: &downloadID})
	require.NoError(t, err)

	idx := &fakeIndexer{}
	torrents := &fakeTorrentClient{}
	s := NewSearch(orch, repo, idx, torrents, defaultPipeline(), testLogger(), 1)

	require.NoError(t, s.Tick(context.Background()))

	updated, err := repo.FindByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFound, updated.Status)
	assert.True(t, updated.StepContext.Search.SkippedSearch)
	assert.Empty(t, idx.movieCalls, "indexer must not be queried on the shortcut path")
}

func TestSearch_MovieExistingDownloadAdoption_SkipsIndexerAndMovesToFound(t *testing.T) {
	orch, repo := newTestOrchestrator()
	item := seedPendingMovie(t, orch, "Arrival", 2016, []model.Target{{ServerID: "s1"}})

	torrents := &fakeTorrentClient{
		hashes: []string{"hash1"},
		files:  map[string][]collaborators.TorrentFile{"hash1": {{Name: "Arrival.2016.1080p.mkv", Size: 2 << 30}}},
		mainVideo: map[string]collaborators.TorrentFile{
			"hash1": {Name: "Arrival.2016.1080p.mkv", Size: 2 << 30},
		},
		progress: map[string]*collaborators.TorrentProgress{
			"hash1": {IsComplete: true, Progress: 100},
		},
	}
	idx := &fakeIndexer{}
	s := NewSearch(orch, repo, idx, torrents, defaultPipeline(), testLogger(), 1)

	require.NoError(t, s.Tick(context.Background()))

	updated, err := repo.FindByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFound, updated.Status)
	require.NotNil(t, updated.StepContext.Search.ExistingDownload)
	assert.Equal(t, "hash1", updated.StepContext.Search.ExistingDownload.TorrentHash)
	assert.True(t, updated.StepContext.Search.ExistingDownload.IsComplete)
	assert.Empty(t, idx.movieCalls, "an adopted existing download must short-circuit the indexer query")
}

func TestSearch_MovieNoExistingDownload_QueriesIndexerAndSelectsBest(t *testing.T) {
	orch, repo := newTestOrchestrator()
	item := seedPendingMovie(t, orch, "Arrival", 2016, []model.Target{{ServerID: "s1"}})

	torrents := &fakeTorrentClient{} // no torrents at all
	idx := &fakeIndexer{
		movieResult: collaborators.SearchResult{
			Releases: []model.Release{
				{Title: "Arrival.2016.720p.WEB", Resolution: "720p", Seeders: 10, Size: 2 << 30},
				{Title: "Arrival.2016.1080p.WEB", Resolution: "1080p", Seeders: 50, Size: 4 << 30},
			},
		},
	}
	s := NewSearch(orch, repo, idx, torrents, defaultPipeline(), testLogger(), 1)

	require.NoError(t, s.Tick(context.Background()))

	updated, err := repo.FindByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFound, updated.Status)
	require.NotNil(t, updated.StepContext.Search.SelectedRelease)
	assert.Equal(t, "1080p", updated.StepContext.Search.SelectedRelease.Resolution)
	assert.Empty(t, updated.StepContext.Search.AlternativeReleases, "the 720p release falls below threshold and is excluded entirely, not carried as an alternative")
	require.Len(t, idx.movieCalls, 1)
	assert.Equal(t, int64(100), idx.movieCalls[0].CatalogID)
}

func TestSearch_QualityBelowThreshold_RecordsAlternativesWithoutTransitioning(t *testing.T) {
	orch, repo := newTestOrchestrator()
	item := seedPendingMovie(t, orch, "Arrival", 2016, []model.Target{{ServerID: "s1", Profile: "4k"}})

	idx := &fakeIndexer{
		movieResult: collaborators.SearchResult{
			Releases: []model.Release{
				{Title: "Arrival.2016.720p.WEB", Resolution: "720p", Seeders: 10, Size: 2 << 30},
			},
		},
	}
	pipeline := config.PipelineTemplate{"4k": {Resolution: "2160p", Codec: "h265"}}
	s := NewSearch(orch, repo, idx, &fakeTorrentClient{}, pipeline, testLogger(), 1)

	require.NoError(t, s.Tick(context.Background()))

	updated, err := repo.FindByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSearching, updated.Status, "item must remain in searching, not transition, when quality is unmet")
	require.NotNil(t, updated.StepContext.Search.QualityMet)
	assert.False(t, *updated.StepContext.Search.QualityMet)
	assert.Len(t, updated.StepContext.Search.AlternativeReleases, 1)
}

func TestSearch_NoCandidatesAtAll_ReturnsNotFoundErrorAndStaysGated(t *testing.T) {
	orch, repo := newTestOrchestrator()
	item := seedPendingMovie(t, orch, "Arrival", 2016, nil)

	idx := &fakeIndexer{movieResult: collaborators.SearchResult{}}
	s := NewSearch(orch, repo, idx, &fakeTorrentClient{}, defaultPipeline(), testLogger(), 1)

	require.NoError(t, s.Tick(context.Background())) // processItem error routed through HandleError, not propagated

	updated, err := repo.FindByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSearching, updated.Status, "a processing-status item keeps its status on retryable error (orchestrator HandleError)")
	assert.NotEmpty(t, updated.LastError)
}

func TestSearch_TVSeasonPack_PrefersPacksOverLooseEpisodes(t *testing.T) {
	orch, repo := newTestOrchestrator()
	item := seedPendingEpisode(t, orch, "Some Show", 1, 2, []model.Target{{ServerID: "s1"}})

	idx := &fakeIndexer{
		seasonResult: collaborators.SearchResult{
			Releases: []model.Release{
				{Title: "Some.Show.S01E02.1080p", Resolution: "1080p", Seeders: 5, Size: 1 << 30},
				{Title: "Some.Show.S01.Complete.1080p", Resolution: "1080p", Seeders: 20, Size: 8 << 30},
			},
		},
	}
	s := NewSearch(orch, repo, idx, &fakeTorrentClient{}, defaultPipeline(), testLogger(), 1)

	require.NoError(t, s.Tick(context.Background()))

	updated, err := repo.FindByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFound, updated.Status)
	require.Len(t, updated.StepContext.Search.SelectedPacks, 1)
	assert.Nil(t, updated.StepContext.Search.SelectedRelease)
	assert.Contains(t, updated.StepContext.Search.SelectedPacks[0].Title, "Complete")
	require.Len(t, idx.seasonCalls, 1)
	assert.Equal(t, 1, idx.seasonCalls[0].Season)
}

func TestSearch_IndexerError_IsClassifiedAsServiceUnavailable(t *testing.T) {
	orch, repo := newTestOrchestrator()
	item := seedPendingMovie(t, orch, "Arrival", 2016, nil)

	idx := &fakeIndexer{movieErr: assertAnError{}}
	s := NewSearch(orch, repo, idx, &fakeTorrentClient{}, defaultPipeline(), testLogger(), 1)

	require.NoError(t, s.Tick(context.Background()))

	updated, err := repo.FindByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, updated.LastError)
}

func TestSearch_RequiredResolution_PicksMaxAcrossTargets(t *testing.T) {
	s := &Search{pipeline: config.PipelineTemplate{
		"default": {Resolution: "720p"},
		"4k":      {Resolution: "2160p"},
	}}
	got := s.requiredResolution([]model.Target{{ServerID: "a"}, {ServerID: "b", Profile: "4k"}})
	assert.Equal(t, "2160p", got)
}

func TestSearch_RequiredResolution_NoTargetsDefaultsTo720p(t *testing.T) {
	s := &Search{pipeline: config.PipelineTemplate{}}
	got := s.requiredResolution(nil)
	assert.Equal(t, "720p", got)
}

// assertAnError is a minimal non-classified error, distinct from
// pipelineerr.ClassifiedError, to exercise the indexer-error wrapping path.
type assertAnError struct{}

func (assertAnError) Error() string { return "indexer unavailable" }
