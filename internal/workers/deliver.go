package workers

import (
	"context"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reelforge/core/internal/collaborators"
	"github.com/reelforge/core/internal/model"
	"github.com/reelforge/core/internal/orchestrator"
	"github.com/reelforge/core/internal/repository"
)

// activeDelivery tracks one in-flight (item, server) delivery, grounded on
// the teacher's stream_gateway ConcurrencyTracker index-map idiom.
type activeDelivery struct {
	serverID   string
	serverName string
	startedAt  time.Time
	settled    bool
	err        error
}

// Deliver drives items from encoded/delivering to completed by fanning
// each item's encoded artifact out to every target server it still owes a
// delivery to (spec §4.6.4). It diverges from the common worker contract:
// a single item may be partially delivered, independently rate-limited
// per destination server.
type Deliver struct {
	orch      *orchestrator.Orchestrator
	repo      repository.Repository
	transports map[model.TransportKind]collaborators.DeliveryTransport
	library   collaborators.LibraryIndex
	log       *logrus.Logger
	cleanup   bool

	mu       sync.Mutex
	active   map[string]*activeDelivery // key: "<itemId>:<serverId>"
	perServer map[string]int            // serverId -> active count
}

// NewDeliver builds the deliver worker. transports maps each target
// server's transport kind to the concrete adapter that handles it.
func NewDeliver(orch *orchestrator.Orchestrator, repo repository.Repository, transports map[model.TransportKind]collaborators.DeliveryTransport, library collaborators.LibraryIndex, cleanupAfterDelivery bool, log *logrus.Logger) *Deliver {
	return &Deliver{
		orch:      orch,
		repo:      repo,
		transports: transports,
		library:   library,
		log:       log,
		cleanup:   cleanupAfterDelivery,
		active:    make(map[string]*activeDelivery),
		perServer: make(map[string]int),
	}
}

func deliveryKey(itemID, serverID string) string {
	return itemID + ":" + serverID
}

// Tick runs one pass: GC settled entries, then enumerate encoded/delivering
// items and begin any eligible (item, server) deliveries.
func (d *Deliver) Tick(ctx context.Context) error {
	d.gc()

	for _, status := range []model.Status{model.StatusEncoded, model.StatusDelivering} {
		items, err := d.orch.GetItemsForProcessing(ctx, status)
		if err != nil {
			return err
		}
		for _, item := range items {
			d.scheduleItem(ctx, item)
		}
	}
	return nil
}

// gc removes settled delivery entries and decrements their server's active
// count (spec §4.6.4 step 1).
func (d *Deliver) gc() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, ad := range d.active {
		if ad.settled {
			d.perServer[ad.serverID]--
			delete(d.active, key)
		}
	}
}

func (d *Deliver) scheduleItem(ctx context.Context, item *model.Item) {
	if item.StepContext.Encode == nil || !item.StepContext.Encode.NonEmpty() {
		return
	}
	encoded := item.StepContext.Encode.EncodedFiles[0]

	for _, serverID := range encoded.TargetServerIDs {
		if item.Checkpoint.HasDelivered(serverID) {
			continue
		}

		server, err := d.repo.GetTargetServer(ctx, serverID)
		if err != nil || server == nil {
			continue
		}

		key := deliveryKey(item.ID, serverID)
		d.mu.Lock()
		_, inFlight := d.active[key]
		atCapacity := d.perServer[serverID] >= server.Concurrency()
		if inFlight || atCapacity {
			d.mu.Unlock()
			continue
		}
		d.active[key] = &activeDelivery{serverID: serverID, serverName: server.Name, startedAt: time.Now()}
		d.perServer[serverID]++
		d.mu.Unlock()

		go d.deliverOne(ctx, item.ID, encoded, server)
	}
}

// deliverOne runs steps 3 for a single (item, server) pair, asynchronously
// from the scheduling tick.
func (d *Deliver) deliverOne(ctx context.Context, itemID string, encoded model.EncodedFile, server *model.TargetServer) {
	key := deliveryKey(itemID, server.ID)

	item, err := d.repo.FindByID(ctx, itemID)
	if err != nil {
		d.settle(key, err)
		return
	}

	if item.Status != model.StatusDelivering {
		step := "delivering"
		if _, err := d.orch.TransitionStatus(ctx, itemID, model.StatusDelivering, orchestrator.TransitionParams{CurrentStep: &step}); err != nil {
			d.settle(key, err)
			return
		}
	}

	dstPath := destinationPath(item, encoded)
	transport, ok := d.transports[server.TransportKind]
	if !ok {
		d.settle(key, fmt.Errorf("deliver: no transport for kind %q", server.TransportKind))
		d.recordFailed(ctx, itemID, server, fmt.Sprintf("no transport for kind %q", server.TransportKind))
		return
	}

	result, err := transport.Deliver(ctx, server, encoded.Path, dstPath, collaborators.DeliveryOptions{
		OnProgress: func(transferred, total int64) {
			step := fmt.Sprintf("delivering to %s (%d/%d bytes)", server.Name, transferred, total)
			_, _ = d.orch.TransitionStatus(ctx, itemID, model.StatusDelivering, orchestrator.TransitionParams{CurrentStep: &step})
		},
	})
	if err != nil || !result.Success {
		msg := result.Error
		if msg == "" && err != nil {
			msg = err.Error()
		}
		d.recordFailed(ctx, itemID, server, msg)
		d.settle(key, err)
		return
	}

	d.recordDelivered(ctx, itemID, server, dstPath, encoded)
	d.settle(key, nil)
}

func (d *Deliver) recordDelivered(ctx context.Context, itemID string, server *model.TargetServer, dstPath string, encoded model.EncodedFile) {
	item, err := d.repo.FindByID(ctx, itemID)
	if err != nil {
		return
	}
	checkpoint := item.Checkpoint
	checkpoint.RecordDelivered(server.ID, server.Name, time.Now())
	updated, err := d.repo.UpdateCheckpoint(ctx, itemID, checkpoint)
	if err != nil {
		d.log.WithError(err).WithField("itemId", itemID).Error("deliver: failed to record checkpoint")
		return
	}

	mediaType := model.MediaMovie
	if item.Kind == model.KindEpisode {
		mediaType = model.MediaTV
	}
	if err := d.library.Upsert(ctx, collaborators.LibraryEntryParams{
		CatalogID:  item.CatalogID,
		MediaType:  mediaType,
		ServerID:   server.ID,
		Season:     item.Season,
		Episode:    item.Episode,
		Path:       dstPath,
		Resolution: encoded.Resolution,
	}); err != nil {
		d.log.WithError(err).WithField("itemId", itemID).Warn("deliver: library index upsert failed")
	}

	// Step 4: completion check.
	if updated.Checkpoint.CoversAll(encoded.TargetServerIDs) {
		d.finishDelivery(ctx, updated, encoded)
	}
}

func (d *Deliver) recordFailed(ctx context.Context, itemID string, server *model.TargetServer, errMsg string) {
	item, err := d.repo.FindByID(ctx, itemID)
	if err != nil {
		return
	}
	checkpoint := item.Checkpoint
	checkpoint.RecordFailed(server.ID, server.Name, errMsg)
	if _, err := d.repo.UpdateCheckpoint(ctx, itemID, checkpoint); err != nil {
		d.log.WithError(err).WithField("itemId", itemID).Error("deliver: failed to record failed checkpoint")
	}
}

// finishDelivery writes the terminal stepContext.deliveryResults, optionally
// cleans up the encoded source, and transitions the item to completed.
func (d *Deliver) finishDelivery(ctx context.Context, item *model.Item, encoded model.EncodedFile) {
	delivered := make([]string, 0, len(item.Checkpoint.DeliveredServers))
	for _, s := range item.Checkpoint.DeliveredServers {
		delivered = append(delivered, s.ServerID)
	}
	failed := make([]string, 0, len(item.Checkpoint.FailedServers))
	for _, s := range item.Checkpoint.FailedServers {
		failed = append(failed, s.ServerID)
	}

	ctxPatch := model.StepContext{DeliveryResults: &model.DeliveryResults{
		DeliveredServers:      delivered,
		FailedServers:         failed,
		AllDeliveriesComplete: true,
	}}

	step := "completed"
	if _, err := d.orch.TransitionStatus(ctx, item.ID, model.StatusCompleted, orchestrator.TransitionParams{
		CurrentStep: &step,
		StepContext: &ctxPatch,
	}); err != nil {
		d.log.WithError(err).WithField("itemId", item.ID).Error("deliver: failed to transition to completed")
		return
	}

	if d.cleanup {
		if err := os.Remove(encoded.Path); err != nil && !os.IsNotExist(err) {
			d.log.WithError(err).WithField("itemId", item.ID).Warn("deliver: failed to clean up encoded source")
		}
	}
}

func (d *Deliver) settle(key string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ad, ok := d.active[key]; ok {
		ad.settled = true
		ad.err = err
	}
}

// destinationPath implements spec §4.6.4's naming convention: movies land
// at "<Title> (Year)/<Title> (Year)<ext>", TV at
// "<Series>/Season NN/<Series> - SxxEyy<ext>"; nothing follows the episode
// marker in the file name.
func destinationPath(item *model.Item, encoded model.EncodedFile) string {
	ext := path.Ext(encoded.Path)
	if ext == "" {
		ext = ".mkv"
	}
	if item.Kind == model.KindEpisode {
		return path.Join(
			item.Title,
			fmt.Sprintf("Season %02d", item.Season),
			fmt.Sprintf("%s - S%02dE%02d%s", item.Title, item.Season, item.Episode, ext),
		)
	}
	dirName := item.Title
	if item.Year > 0 {
		dirName = fmt.Sprintf("%s (%d)", item.Title, item.Year)
	}
	return path.Join(dirName, fmt.Sprintf("%s%s", dirName, ext))
}
