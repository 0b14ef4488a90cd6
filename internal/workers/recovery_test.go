package workers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/core/internal/collaborators"
	"github.com/reelforge/core/internal/model"
	"github.com/reelforge/core/internal/repository"
)

func downloadingEpisodeItem(t *testing.T, repo *repository.Memory, downloadID *string) *model.Item {
	t.Helper()
	req := &model.Request{Type: model.MediaTV, CatalogID: 5, Title: "Some Show"}
	require.NoError(t, repo.CreateRequest(context.Background(), req))
	it, err := repo.CreateItem(context.Background(), repository.CreateItemParams{
		RequestID: req.ID, Kind: model.KindEpisode, CatalogID: 5, Title: "Some Show", Season: 1, Episode: 4, MaxAttempts: 5,
	})
	require.NoError(t, err)
	updated, err := repo.UpdateStatus(context.Background(), it.ID, model.StatusDownloading, repository.StatusPatch{DownloadID: downloadID})
	require.NoError(t, err)
	return updated
}

func TestRecovery_HasValidJob_KnownHashStaysUntouched(t *testing.T) {
	orch, repo := newTestOrchestrator()
	hash := "hash-known"
	item := downloadingEpisodeItem(t, repo, &hash)

	torrents := &fakeTorrentClient{hashes: []string{"hash-known", "hash-other"}}
	r := NewRecovery(orch, repo, torrents, testLogger())

	require.NoError(t, r.Tick(context.Background()))

	updated, err := repo.FindByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDownloading, updated.Status)
	assert.Equal(t, hash, *updated.DownloadID)
}

func TestRecovery_MissingJob_MatchesAndAdoptsCompleteTorrent(t *testing.T) {
	orch, repo := newTestOrchestrator()
	lostHash := "hash-lost"
	item := downloadingEpisodeItem(t, repo, &lostHash)

	torrents := &fakeTorrentClient{
		hashes: []string{"hash-new"},
		mainVideo: map[string]collaborators.TorrentFile{
			"hash-new": {Name: "Some.Show.S01E04.mkv", Size: 2 << 30},
		},
		files: map[string][]collaborators.TorrentFile{
			"hash-new": {{Name: "Some.Show.S01E04.mkv", Size: 2 << 30}},
		},
		progress: map[string]*collaborators.TorrentProgress{
			"hash-new": {IsComplete: true, ContentPath: "/downloads/show"},
		},
	}
	r := NewRecovery(orch, repo, torrents, testLogger())

	require.NoError(t, r.Tick(context.Background()))

	updated, err := repo.FindByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDownloaded, updated.Status)
	require.Len(t, updated.StepContext.Download.EpisodeFiles, 1)
	assert.Equal(t, "/downloads/show/Some.Show.S01E04.mkv", updated.StepContext.Download.EpisodeFiles[0].Path)
	assert.Equal(t, "hash-new", *updated.DownloadID)
}

func TestRecovery_MissingJob_IncompleteMatchLeftInDownloading(t *testing.T) {
	orch, repo := newTestOrchestrator()
	lostHash := "hash-lost"
	item := downloadingEpisodeItem(t, repo, &lostHash)

	torrents := &fakeTorrentClient{
		hashes: []string{"hash-new"},
		mainVideo: map[string]collaborators.TorrentFile{
			"hash-new": {Name: "Some.Show.S01E04.mkv", Size: 2 << 30},
		},
		progress: map[string]*collaborators.TorrentProgress{
			"hash-new": {IsComplete: false, ContentPath: "/downloads/show"},
		},
	}
	r := NewRecovery(orch, repo, torrents, testLogger())

	require.NoError(t, r.Tick(context.Background()))

	updated, err := repo.FindByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDownloading, updated.Status)
	assert.Equal(t, lostHash, *updated.DownloadID, "an incomplete match must not overwrite the item's downloadId")
}

func TestRecovery_MissingJob_NoTitleMatch_LeavesItemUntouched(t *testing.T) {
	orch, repo := newTestOrchestrator()
	lostHash := "hash-lost"
	item := downloadingEpisodeItem(t, repo, &lostHash)

	torrents := &fakeTorrentClient{
		hashes: []string{"hash-unrelated"},
		mainVideo: map[string]collaborators.TorrentFile{
			"hash-unrelated": {Name: "Completely.Different.Movie.2020.mkv", Size: 2 << 30},
		},
	}
	r := NewRecovery(orch, repo, torrents, testLogger())

	require.NoError(t, r.Tick(context.Background()))

	updated, err := repo.FindByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDownloading, updated.Status)
	assert.Equal(t, lostHash, *updated.DownloadID)
}

func TestRecovery_TorrentListUnavailable_NoOpWithoutError(t *testing.T) {
	orch, repo := newTestOrchestrator()
	lostHash := "hash-lost"
	downloadingEpisodeItem(t, repo, &lostHash)

	torrents := &fakeTorrentClient{hashesErr: assertAnError{}}
	r := NewRecovery(orch, repo, torrents, testLogger())

	assert.NoError(t, r.Tick(context.Background()))
}
