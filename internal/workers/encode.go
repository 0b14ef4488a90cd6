package workers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reelforge/core/internal/collaborators"
	"github.com/reelforge/core/internal/config"
	"github.com/reelforge/core/internal/model"
	"github.com/reelforge/core/internal/orchestrator"
	"github.com/reelforge/core/internal/pipelineerr"
	"github.com/reelforge/core/internal/repository"
)

// Encode drives items from downloaded to encoded (spec §4.6.3).
type Encode struct {
	base
	repo      repository.Repository
	dispatch  collaborators.EncoderDispatcher
	cfg       *config.Config
	outputDir string
}

// NewEncode builds the encode worker. outputDir is the directory
// deterministic output paths are rooted under.
func NewEncode(orch *orchestrator.Orchestrator, repo repository.Repository, dispatch collaborators.EncoderDispatcher, cfg *config.Config, outputDir string, log *logrus.Logger, concurrency int) *Encode {
	return &Encode{
		base:      newBase(orch, log, concurrency),
		repo:      repo,
		dispatch:  dispatch,
		cfg:       cfg,
		outputDir: outputDir,
	}
}

// Tick runs one batch over items downloaded or encoding. Encoding items are
// polled before downloaded items are queued, so a job queued during this
// tick is first polled on the next.
func (e *Encode) Tick(ctx context.Context) error {
	if err := e.base.processBatch(ctx, model.StatusEncoding, e.processEncoding); err != nil {
		return err
	}
	return e.base.processBatch(ctx, model.StatusDownloaded, e.processDownloaded)
}

// outputPath is the deterministic final artifact path for itemID, so
// retries never orphan partial encodes (spec §4.6.3 determinism note).
func (e *Encode) outputPath(itemID string) string {
	return filepath.Join(e.outputDir, fmt.Sprintf("encoded_%s.mkv", itemID))
}

func (e *Encode) tempPath(itemID string) string {
	return filepath.Join(e.outputDir, fmt.Sprintf("encoded_%s.tmp.mkv", itemID))
}

func (e *Encode) processDownloaded(ctx context.Context, item *model.Item) error {
	// Early exit #1: already-completed assignment. The state machine has no
	// downloaded->encoded edge, so step through encoding first.
	if item.EncodingJobID != nil && *item.EncodingJobID != "" {
		assignment, err := e.dispatch.GetAssignment(ctx, *item.EncodingJobID)
		if err == nil && assignment != nil && assignment.Status == collaborators.AssignmentCompleted {
			if err := e.enterEncoding(ctx, item); err != nil {
				return err
			}
			return e.promoteCompleted(ctx, item, *assignment)
		}
	}

	// Early exit #2: deterministic output already on disk.
	finalPath := e.outputPath(item.ID)
	if info, err := os.Stat(finalPath); err == nil && !info.IsDir() {
		if err := e.enterEncoding(ctx, item); err != nil {
			return err
		}
		return e.promoteExisting(ctx, item, finalPath, info.Size())
	}

	// Step 3: encoder availability.
	count, err := e.dispatch.GetEncoderCount(ctx)
	if err != nil {
		return pipelineerr.New(pipelineerr.KindServiceUnavailable, err)
	}
	if count == 0 {
		return pipelineerr.New(pipelineerr.KindEncoderUnavailable, fmt.Errorf("encode: no encoders available"))
	}

	// Step 4: resolve profile from the request's target(s).
	req, err := e.repo.GetRequest(ctx, item.RequestID)
	if err != nil {
		return fmt.Errorf("encode: load request: %w", err)
	}
	profileName := "default"
	if len(req.Targets) > 0 {
		profileName = string(req.Targets[0].Profile)
	}
	profile := e.cfg.Pipeline.Resolve(profileName)

	// Step 5: clean stale temp output.
	tmp := e.tempPath(item.ID)
	_ = os.Remove(tmp)

	// Step 6: submit job.
	inputPath := item.StepContext.Download.SourceFilePath
	if inputPath == "" && len(item.StepContext.Download.EpisodeFiles) > 0 {
		inputPath = item.StepContext.Download.EpisodeFiles[0].Path
	}

	assignment, err := e.dispatch.QueueEncodingJob(ctx, item.ID, inputPath, tmp, collaborators.EncodeConfig{
		Profile:    model.EncodingProfileRef(profileName),
		Resolution: profile.Resolution,
		Codec:      profile.Codec,
	})
	if err != nil {
		return pipelineerr.New(pipelineerr.KindServiceUnavailable, err)
	}

	step := "encoding"
	zero := 0
	_, err = e.orch.TransitionStatus(ctx, item.ID, model.StatusEncoding, orchestrator.TransitionParams{
		CurrentStep:   &step,
		Progress:      &zero,
		EncodingJobID: &assignment.AssignmentID,
	})
	return err
}

// enterEncoding transitions a downloaded item into encoding with its
// existing job id carried over, the required hop since the state machine
// has no direct downloaded->encoded edge (spec §4.1).
func (e *Encode) enterEncoding(ctx context.Context, item *model.Item) error {
	step := "encoding"
	jobID := item.EncodingJobID
	if jobID == nil {
		empty := ""
		jobID = &empty
	}
	_, err := e.orch.TransitionStatus(ctx, item.ID, model.StatusEncoding, orchestrator.TransitionParams{
		CurrentStep:   &step,
		EncodingJobID: jobID,
	})
	return err
}

func (e *Encode) processEncoding(ctx context.Context, item *model.Item) error {
	if item.EncodingJobID == nil || *item.EncodingJobID == "" {
		return pipelineerr.New(pipelineerr.KindValidation, fmt.Errorf("encode: item %s is encoding with no encodingJobId", item.ID))
	}

	assignment, err := e.dispatch.GetAssignment(ctx, *item.EncodingJobID)
	if err != nil {
		return pipelineerr.New(pipelineerr.KindServiceUnavailable, err)
	}
	if assignment == nil {
		return pipelineerr.New(pipelineerr.KindNotFound, fmt.Errorf("encode: assignment %s not found", *item.EncodingJobID))
	}

	switch assignment.Status {
	case collaborators.AssignmentFailed:
		return pipelineerr.New(pipelineerr.KindServiceUnavailable, fmt.Errorf("encode: assignment failed: %s", assignment.Error))
	case collaborators.AssignmentCancelled:
		return pipelineerr.New(pipelineerr.KindValidation, fmt.Errorf("encode: assignment cancelled"))
	case collaborators.AssignmentCompleted:
		return e.promoteCompleted(ctx, item, *assignment)
	}

	// Step 7: debounced progress, stall detection.
	if assignment.Progress != item.LastProgressValue {
		if _, err := e.orch.UpdateProgress(ctx, item.ID, assignment.Progress); err != nil {
			return err
		}
		return nil
	}
	if item.LastProgressUpdate != nil && time.Since(*item.LastProgressUpdate) > e.cfg.EncodeStallTimeout {
		return pipelineerr.New(pipelineerr.KindEncodingStalled, fmt.Errorf("encode: item %s stalled at %d%%", item.ID, assignment.Progress))
	}
	return nil
}

// promoteCompleted finalizes step 8: atomic rename from temp to
// deterministic path, write encode context, transition to encoded.
func (e *Encode) promoteCompleted(ctx context.Context, item *model.Item, assignment collaborators.EncodingAssignment) error {
	finalPath := e.outputPath(item.ID)
	outPath := assignment.OutputPath
	if outPath != "" && outPath != finalPath {
		if err := os.Rename(outPath, finalPath); err != nil {
			return fmt.Errorf("encode: rename output: %w", err)
		}
	}
	return e.finishEncode(ctx, item, finalPath, assignment.OutputSize, assignment.CompressionRatio)
}

func (e *Encode) promoteExisting(ctx context.Context, item *model.Item, finalPath string, size int64) error {
	return e.finishEncode(ctx, item, finalPath, size, 0)
}

func (e *Encode) finishEncode(ctx context.Context, item *model.Item, finalPath string, size int64, ratio float64) error {
	req, err := e.repo.GetRequest(ctx, item.RequestID)
	if err != nil {
		return fmt.Errorf("encode: load request: %w", err)
	}
	profileName := "default"
	if len(req.Targets) > 0 {
		profileName = string(req.Targets[0].Profile)
	}
	profile := e.cfg.Pipeline.Resolve(profileName)

	encoded := model.EncodedFile{
		Path:             finalPath,
		Resolution:       profile.Resolution,
		Codec:            profile.Codec,
		TargetServerIDs:  req.TargetServerIDs(),
		Season:           item.Season,
		Episode:          item.Episode,
		Size:             size,
		CompressionRatio: ratio,
	}
	ctxPatch := model.StepContext{Encode: &model.EncodeContext{EncodedFiles: []model.EncodedFile{encoded}}}
	if item.EncodingJobID != nil {
		ctxPatch.Encode.JobID = *item.EncodingJobID
	}

	step := "encoded"
	_, err = e.orch.TransitionStatus(ctx, item.ID, model.StatusEncoded, orchestrator.TransitionParams{
		CurrentStep: &step,
		StepContext: &ctxPatch,
	})
	return err
}
