package workers

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/reelforge/core/internal/collaborators"
	"github.com/reelforge/core/internal/model"
	"github.com/reelforge/core/internal/orchestrator"
	"github.com/reelforge/core/internal/release"
	"github.com/reelforge/core/internal/repository"
)

// Recovery reattaches `downloading` items that have lost their torrent
// client job (e.g. after a client restart) by matching candidate torrents
// on title similarity (spec §4.8).
type Recovery struct {
	orch     *orchestrator.Orchestrator
	repo     repository.Repository
	torrents collaborators.TorrentClient
	log      *logrus.Logger
}

// NewRecovery builds the recovery worker.
func NewRecovery(orch *orchestrator.Orchestrator, repo repository.Repository, torrents collaborators.TorrentClient, log *logrus.Logger) *Recovery {
	return &Recovery{orch: orch, repo: repo, torrents: torrents, log: log}
}

// Tick runs one pass over every downloading item, regardless of retry
// gates (spec §4.8: "Finds items in downloading without a valid/matching
// job"), since gated items may have lost their job precisely because of a
// prior failure.
func (r *Recovery) Tick(ctx context.Context) error {
	items, err := r.repo.FindAllByStatus(ctx, model.StatusDownloading)
	if err != nil {
		return err
	}

	hashes, err := r.torrents.GetAllTorrents(ctx)
	if err != nil {
		r.log.WithError(err).Warn("recovery: failed to list torrents")
		return nil
	}

	for _, item := range items {
		if r.hasValidJob(ctx, item, hashes) {
			continue
		}
		r.recoverItem(ctx, item, hashes)
	}
	return nil
}

// hasValidJob reports whether item's downloadId still names a torrent the
// client knows about.
func (r *Recovery) hasValidJob(ctx context.Context, item *model.Item, hashes []string) bool {
	if item.DownloadID == nil || *item.DownloadID == "" {
		return false
	}
	for _, h := range hashes {
		if h == *item.DownloadID {
			return true
		}
	}
	return false
}

func (r *Recovery) recoverItem(ctx context.Context, item *model.Item, hashes []string) {
	releaseName := item.Title
	if item.Kind == model.KindEpisode {
		releaseName = item.EpisodeLabel() + " " + item.Title
	}

	for _, hash := range hashes {
		main, err := r.torrents.GetMainVideoFile(ctx, hash)
		if err != nil {
			continue
		}
		if !release.MatchesRecoveryThreshold(releaseName, main.Name) {
			continue
		}

		progress, err := r.torrents.GetProgress(ctx, hash)
		if err != nil || progress == nil {
			continue
		}
		if !progress.IsComplete {
			// Step 4: incomplete, leave in downloading for the normal worker.
			return
		}

		r.adopt(ctx, item, hash, progress)
		return
	}
}

func (r *Recovery) adopt(ctx context.Context, item *model.Item, hash string, progress *collaborators.TorrentProgress) {
	files, err := r.torrents.GetTorrentFiles(ctx, hash)
	if err != nil {
		r.log.WithError(err).WithField("itemId", item.ID).Warn("recovery: failed to list torrent files")
		return
	}

	ctxPatch := model.StepContext{Download: &model.DownloadContext{TorrentHash: hash, IsComplete: true}}

	if item.Kind == model.KindEpisode {
		found := false
		for _, f := range files {
			if release.MatchesEpisode(f.Name, item.Season, item.Episode) {
				ctxPatch.Download.EpisodeFiles = []model.EpisodeFile{{
					Season:  item.Season,
					Episode: item.Episode,
					Path:    progress.ContentPath + "/" + f.Name,
					Size:    f.Size,
				}}
				found = true
				break
			}
		}
		if !found {
			return
		}
	} else {
		main, err := r.torrents.GetMainVideoFile(ctx, hash)
		if err != nil {
			return
		}
		ctxPatch.Download.SourceFilePath = progress.ContentPath + "/" + main.Name
	}

	step := "recovered"
	_, err = r.orch.TransitionStatus(ctx, item.ID, model.StatusDownloaded, orchestrator.TransitionParams{
		CurrentStep: &step,
		StepContext: &ctxPatch,
		DownloadID:  &hash,
	})
	if err != nil {
		r.log.WithError(err).WithField("itemId", item.ID).Warn("recovery: failed to transition recovered item")
	}
}
