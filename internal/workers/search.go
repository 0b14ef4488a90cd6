package workers

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/reelforge/core/internal/collaborators"
	"github.com/reelforge/core/internal/config"
	"github.com/reelforge/core/internal/model"
	"github.com/reelforge/core/internal/orchestrator"
	"github.com/reelforge/core/internal/pipelineerr"
	"github.com/reelforge/core/internal/release"
	"github.com/reelforge/core/internal/repository"
)

// Search drives items from pending to found (spec §4.6.1).
type Search struct {
	base
	repo     repository.Repository
	indexer  collaborators.Indexer
	torrents collaborators.TorrentClient
	pipeline config.PipelineTemplate
}

// NewSearch builds the search worker.
func NewSearch(orch *orchestrator.Orchestrator, repo repository.Repository, indexer collaborators.Indexer, torrents collaborators.TorrentClient, pipeline config.PipelineTemplate, log *logrus.Logger, concurrency int) *Search {
	return &Search{
		base:     newBase(orch, log, concurrency),
		repo:     repo,
		indexer:  indexer,
		torrents: torrents,
		pipeline: pipeline,
	}
}

// Tick runs one batch over items currently pending.
func (s *Search) Tick(ctx context.Context) error {
	return s.processBatch(ctx, model.StatusPending, s.processItem)
}

func (s *Search) processItem(ctx context.Context, item *model.Item) error {
	// Step 1: downloadId short-circuit.
	if item.DownloadID != nil && *item.DownloadID != "" {
		step := "search_skipped"
		ctxPatch := model.StepContext{Search: &model.SearchContext{SkippedSearch: true}}
		_, err := s.orch.TransitionStatus(ctx, item.ID, model.StatusFound, orchestrator.TransitionParams{
			CurrentStep: &step,
			StepContext: &ctxPatch,
		})
		return err
	}

	// Step 2: transition to searching.
	searchingStep := "searching"
	if _, err := s.orch.TransitionStatus(ctx, item.ID, model.StatusSearching, orchestrator.TransitionParams{CurrentStep: &searchingStep}); err != nil {
		return err
	}

	req, err := s.repo.GetRequest(ctx, item.RequestID)
	if err != nil {
		return fmt.Errorf("search: load request: %w", err)
	}

	// Step 3: derive required resolution from targets.
	minResolution := s.requiredResolution(req.Targets)

	// Step 4: movie existing-download adoption.
	if item.Kind == model.KindMovie {
		if existing, ok := s.checkExisting(ctx, item, minResolution); ok {
			ctxPatch := model.StepContext{Search: &model.SearchContext{ExistingDownload: existing}}
			_, err := s.orch.UpdateContext(ctx, item.ID, ctxPatch)
			if err != nil {
				return err
			}
			step := "existing_download_adopted"
			_, err = s.orch.TransitionStatus(ctx, item.ID, model.StatusFound, orchestrator.TransitionParams{CurrentStep: &step})
			return err
		}
	}

	// Step 5: query the indexer.
	var result collaborators.SearchResult
	if item.Kind == model.KindEpisode {
		result, err = s.indexer.SearchTVSeason(ctx, collaborators.SearchTVSeasonParams{
			SearchMovieParams: collaborators.SearchMovieParams{CatalogID: item.CatalogID, Title: item.Title, Year: item.Year},
			Season:            item.Season,
		})
	} else {
		result, err = s.indexer.SearchMovie(ctx, collaborators.SearchMovieParams{CatalogID: item.CatalogID, Title: item.Title, Year: item.Year})
	}
	if err != nil {
		return pipelineerr.New(pipelineerr.KindServiceUnavailable, err)
	}

	candidates := result.Releases

	// Step 6: TV season-pack classification.
	var packs, episodes []model.Release
	if item.Kind == model.KindEpisode {
		for _, r := range candidates {
			if release.IsSeasonPack(r.Title) {
				r.IsSeasonPack = true
				packs = append(packs, r)
			} else {
				episodes = append(episodes, r)
			}
		}
		if len(packs) > 0 {
			candidates = packs
		} else {
			candidates = episodes
		}
	}

	// Step 7: quality filter.
	matching, belowThreshold := release.QualityPartition(candidates, minResolution)

	// Step 8: quality unavailable, terminate successfully without transition.
	if len(matching) == 0 && len(belowThreshold) > 0 {
		qualityMet := false
		ctxPatch := model.StepContext{Search: &model.SearchContext{
			QualityMet:          &qualityMet,
			AlternativeReleases: belowThreshold,
		}}
		_, err := s.orch.UpdateContext(ctx, item.ID, ctxPatch)
		return err
	}
	if len(matching) == 0 {
		return pipelineerr.New(pipelineerr.KindNotFound, fmt.Errorf("no releases found for %q", item.Title))
	}

	// Step 9: rank and select.
	ranked := release.RankReleases(matching)
	best := ranked[0]
	alternatives := ranked[1:]
	qualityMet := true

	// Step 10: write selection and transition to found.
	searchCtx := &model.SearchContext{
		AlternativeReleases: alternatives,
		QualityMet:          &qualityMet,
	}
	if item.Kind == model.KindEpisode && best.IsSeasonPack {
		searchCtx.SelectedPacks = []model.Release{best}
	} else {
		searchCtx.SelectedRelease = &best
	}

	ctxPatch := model.StepContext{Search: searchCtx}
	step := "selected"
	_, err = s.orch.TransitionStatus(ctx, item.ID, model.StatusFound, orchestrator.TransitionParams{
		CurrentStep: &step,
		StepContext: &ctxPatch,
	})
	return err
}

// requiredResolution is the most demanding resolution among a request's
// targets' resolved encoding profiles, so the release downloaded is good
// enough to satisfy every target via downscaling (spec §4.6.1 step 3).
func (s *Search) requiredResolution(targets []model.Target) string {
	best := ""
	bestRank := -1
	for _, t := range targets {
		profile := s.pipeline.Resolve(string(t.Profile))
		if rank, ok := release.ResolutionRank(profile.Resolution); ok && rank > bestRank {
			bestRank = rank
			best = profile.Resolution
		}
	}
	if best == "" {
		return "720p"
	}
	return best
}

// checkExisting asks the torrent client whether a torrent matching item's
// normalized title/year is already present, via its file listing since the
// client has no metadata lookup of its own, and that its resolution meets
// minResolution (spec §4.6.1 step 4).
func (s *Search) checkExisting(ctx context.Context, item *model.Item, minResolution string) (*model.ExistingDownload, bool) {
	hashes, err := s.torrents.GetAllTorrents(ctx)
	if err != nil {
		return nil, false
	}

	wantRank, _ := release.ResolutionRank(minResolution)
	normalizedTitle := fmt.Sprintf("%s %d", item.Title, item.Year)

	for _, hash := range hashes {
		files, err := s.torrents.GetTorrentFiles(ctx, hash)
		if err != nil || len(files) == 0 {
			continue
		}
		main, err := s.torrents.GetMainVideoFile(ctx, hash)
		if err != nil {
			continue
		}
		if !release.MatchesRecoveryThreshold(normalizedTitle, main.Name) {
			continue
		}
		parsed := release.ParseFilename(main.Name)
		rank, ok := release.ResolutionRank(parsed.Quality)
		if !ok || rank < wantRank {
			continue
		}
		progress, err := s.torrents.GetProgress(ctx, hash)
		if err != nil || progress == nil {
			continue
		}
		return &model.ExistingDownload{TorrentHash: hash, IsComplete: progress.IsComplete}, true
	}
	return nil, false
}
