package workers

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reelforge/core/internal/collaborators"
	"github.com/reelforge/core/internal/config"
	"github.com/reelforge/core/internal/model"
	"github.com/reelforge/core/internal/orchestrator"
	"github.com/reelforge/core/internal/pipelineerr"
	"github.com/reelforge/core/internal/release"
)

// minMainVideoSize is the smallest file size considered a "main video
// file" rather than a sample or extra (spec §4.6.2 step 4: 100 MiB).
const minMainVideoSize = 100 * 1024 * 1024

// Download drives items from found to downloaded (spec §4.6.2).
type Download struct {
	base
	torrents collaborators.TorrentClient
	archive  collaborators.Archive
	cfg      *config.Config
}

// NewDownload builds the download worker.
func NewDownload(orch *orchestrator.Orchestrator, torrents collaborators.TorrentClient, archive collaborators.Archive, cfg *config.Config, log *logrus.Logger, concurrency int) *Download {
	return &Download{
		base:     newBase(orch, log, concurrency),
		torrents: torrents,
		archive:  archive,
		cfg:      cfg,
	}
}

// Tick runs one batch over items currently found or downloading.
// Downloading items are polled before found items are submitted, so an
// item moved into downloading during this tick is first polled on the next.
func (d *Download) Tick(ctx context.Context) error {
	if err := d.base.processBatch(ctx, model.StatusDownloading, d.processDownloading); err != nil {
		return err
	}
	return d.base.processBatch(ctx, model.StatusFound, d.processFound)
}

func (d *Download) processFound(ctx context.Context, item *model.Item) error {
	if item.StepContext.Search == nil {
		return pipelineerr.New(pipelineerr.KindValidation, fmt.Errorf("download: item %s has no search context", item.ID))
	}

	// Step 1: adopt an existing download.
	if existing := item.StepContext.Search.ExistingDownload; existing != nil {
		hash := existing.TorrentHash
		step := "downloading"
		downloadID := hash
		_, err := d.orch.TransitionStatus(ctx, item.ID, model.StatusDownloading, orchestrator.TransitionParams{
			CurrentStep: &step,
			DownloadID:  &downloadID,
		})
		if err != nil || !existing.IsComplete {
			return err
		}
		// The state machine has no found->downloaded edge, so a complete
		// torrent steps through downloading and finishes in the same pass.
		return d.completeFromHash(ctx, item, hash)
	}

	// Step 2: submit the selected release.
	selected := item.StepContext.Search.SelectedRelease
	if selected == nil && len(item.StepContext.Search.SelectedPacks) > 0 {
		selected = &item.StepContext.Search.SelectedPacks[0]
	}
	if selected == nil {
		return pipelineerr.New(pipelineerr.KindValidation, fmt.Errorf("download: item %s has no selected release", item.ID))
	}

	added, err := d.torrents.Add(ctx, *selected)
	if err != nil {
		return pipelineerr.New(pipelineerr.KindServiceUnavailable, err)
	}

	step := "downloading"
	_, err = d.orch.TransitionStatus(ctx, item.ID, model.StatusDownloading, orchestrator.TransitionParams{
		CurrentStep: &step,
		DownloadID:  &added.Hash,
	})
	return err
}

func (d *Download) processDownloading(ctx context.Context, item *model.Item) error {
	if item.DownloadID == nil || *item.DownloadID == "" {
		return pipelineerr.New(pipelineerr.KindValidation, fmt.Errorf("download: item %s is downloading with no downloadId", item.ID))
	}
	hash := *item.DownloadID

	// Step 6: stall detection, checked before polling again.
	if item.LastProgressUpdate != nil {
		if time.Since(*item.LastProgressUpdate) > d.cfg.DownloadStallTimeout {
			return pipelineerr.New(pipelineerr.KindDownloadStalled, fmt.Errorf("download: item %s stalled, no progress since %s", item.ID, item.LastProgressUpdate))
		}
	}
	if time.Since(item.CreatedAt) > d.cfg.DownloadWallTimeout {
		return pipelineerr.New(pipelineerr.KindDownloadStalled, fmt.Errorf("download: item %s exceeded wall timeout", item.ID))
	}

	progress, err := d.torrents.GetProgress(ctx, hash)
	if err != nil {
		return pipelineerr.New(pipelineerr.KindServiceUnavailable, err)
	}
	if progress == nil {
		return pipelineerr.New(pipelineerr.KindNotFound, fmt.Errorf("download: torrent %s not found", hash))
	}

	// Step 3: debounced progress update.
	if progress.Progress != item.LastProgressValue {
		if _, err := d.orch.UpdateProgress(ctx, item.ID, progress.Progress); err != nil {
			return err
		}
	}

	if !progress.IsComplete {
		return nil
	}

	return d.completeFromHash(ctx, item, hash)
}

// completeFromHash runs steps 4-5: extract, select the main video file(s),
// write download context, transition to downloaded.
func (d *Download) completeFromHash(ctx context.Context, item *model.Item, hash string) error {
	files, err := d.torrents.GetTorrentFiles(ctx, hash)
	if err != nil {
		return pipelineerr.New(pipelineerr.KindServiceUnavailable, err)
	}

	contentPath := ""
	if progress, err := d.torrents.GetProgress(ctx, hash); err == nil && progress != nil {
		contentPath = progress.ContentPath
	}

	if isRar, err := d.archive.DetectRarArchive(contentPath); err == nil && isRar {
		if err := d.archive.ExtractRar(ctx, contentPath, contentPath); err != nil {
			return pipelineerr.New(pipelineerr.KindServiceUnavailable, err)
		}
	}

	ctxPatch := model.StepContext{Download: &model.DownloadContext{TorrentHash: hash, IsComplete: true}}

	if item.Kind == model.KindEpisode {
		file, ok := d.findEpisodeFile(files, item.Season, item.Episode)
		if !ok {
			return pipelineerr.New(pipelineerr.KindNotFound, fmt.Errorf("download: no file matching S%02dE%02d in torrent %s", item.Season, item.Episode, hash))
		}
		ctxPatch.Download.EpisodeFiles = []model.EpisodeFile{{
			Season:  item.Season,
			Episode: item.Episode,
			Path:    path.Join(contentPath, file.Name),
			Size:    file.Size,
		}}
	} else {
		main, ok := d.mainVideoFile(files)
		if !ok {
			return pipelineerr.New(pipelineerr.KindNotFound, fmt.Errorf("download: no main video file in torrent %s", hash))
		}
		ctxPatch.Download.SourceFilePath = path.Join(contentPath, main.Name)
	}

	step := "downloaded"
	downloadID := hash
	_, err = d.orch.TransitionStatus(ctx, item.ID, model.StatusDownloaded, orchestrator.TransitionParams{
		CurrentStep: &step,
		StepContext: &ctxPatch,
		DownloadID:  &downloadID,
	})
	return err
}

// mainVideoFile picks the largest video file at least minMainVideoSize,
// excluding samples (spec §4.6.2 step 4).
func (d *Download) mainVideoFile(files []collaborators.TorrentFile) (collaborators.TorrentFile, bool) {
	var best collaborators.TorrentFile
	found := false
	for _, f := range files {
		if !release.IsVideoFile(f.Name) || f.Size < minMainVideoSize {
			continue
		}
		if d.archive.IsSampleFile(f.Name) {
			continue
		}
		if !found || f.Size > best.Size {
			best = f
			found = true
		}
	}
	return best, found
}

// findEpisodeFile locates the file within files whose name embeds the
// SxxEyy marker for season/episode, tolerant of separator style.
func (d *Download) findEpisodeFile(files []collaborators.TorrentFile, season, episode int) (collaborators.TorrentFile, bool) {
	for _, f := range files {
		if !release.IsVideoFile(f.Name) {
			continue
		}
		if release.MatchesEpisode(f.Name, season, episode) {
			return f, true
		}
	}
	return collaborators.TorrentFile{}, false
}
