package workers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/core/internal/collaborators"
	"github.com/reelforge/core/internal/model"
	"github.com/reelforge/core/internal/repository"
)

const fakeTransportKind model.TransportKind = "fake"

func encodedMovieItem(t *testing.T, repo *repository.Memory, serverIDs []string) *model.Item {
	t.Helper()
	req := &model.Request{Type: model.MediaMovie, CatalogID: 1, Title: "Arrival", Year: 2016}
	require.NoError(t, repo.CreateRequest(context.Background(), req))
	it, err := repo.CreateItem(context.Background(), repository.CreateItemParams{
		RequestID: req.ID, Kind: model.KindMovie, CatalogID: 1, Title: "Arrival", Year: 2016, MaxAttempts: 5,
	})
	require.NoError(t, err)

	encoded := model.EncodedFile{Path: "/encoded/arrival.mkv", TargetServerIDs: serverIDs, Resolution: "1080p"}
	ctxPatch := model.StepContext{Encode: &model.EncodeContext{EncodedFiles: []model.EncodedFile{encoded}}}
	updated, err := repo.UpdateStatus(context.Background(), it.ID, model.StatusEncoded, repository.StatusPatch{StepContext: &ctxPatch})
	require.NoError(t, err)
	return updated
}

func TestDeliver_SchedulesAndCompletesSingleServerDelivery(t *testing.T) {
	orch, repo := newTestOrchestrator()

	repo.SeedTargetServer(&model.TargetServer{ID: "srv-1", Name: "primary", TransportKind: fakeTransportKind, ConcurrencyPerServer: 3})
	item := encodedMovieItem(t, repo, []string{"srv-1"})

	library := &fakeLibraryIndex{}
	transports := map[model.TransportKind]collaborators.DeliveryTransport{
		fakeTransportKind: &fakeDeliveryTransport{},
	}
	d := NewDeliver(orch, repo, transports, library, false, testLogger())

	require.NoError(t, d.Tick(context.Background()))

	assert.Eventually(t, func() bool {
		updated, err := repo.FindByID(context.Background(), item.ID)
		return err == nil && updated.Status == model.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	updated, err := repo.FindByID(context.Background(), item.ID)
	require.NoError(t, err)
	require.True(t, updated.Checkpoint.HasDelivered("srv-1"))
	require.NotNil(t, updated.StepContext.DeliveryResults)
	assert.True(t, updated.StepContext.DeliveryResults.AllDeliveriesComplete)
	require.Len(t, library.calls, 1)
	assert.Equal(t, "srv-1", library.calls[0].ServerID)
}

func TestDeliver_SkipsServerAlreadyMarkedDelivered(t *testing.T) {
	orch, repo := newTestOrchestrator()
	repo.SeedTargetServer(&model.TargetServer{ID: "srv-1", Name: "primary", TransportKind: fakeTransportKind})
	item := encodedMovieItem(t, repo, []string{"srv-1"})

	checkpoint := item.Checkpoint
	checkpoint.RecordDelivered("srv-1", "primary", time.Now())
	_, err := repo.UpdateCheckpoint(context.Background(), item.ID, checkpoint)
	require.NoError(t, err)

	called := false
	transports := map[model.TransportKind]collaborators.DeliveryTransport{
		fakeTransportKind: &fakeDeliveryTransport{result: func(ctx context.Context, server *model.TargetServer, srcPath, dstPath string, opts collaborators.DeliveryOptions) (collaborators.DeliveryResult, error) {
			called = true
			return collaborators.DeliveryResult{Success: true}, nil
		}},
	}
	d := NewDeliver(orch, repo, transports, &fakeLibraryIndex{}, false, testLogger())

	require.NoError(t, d.Tick(context.Background()))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, called, "a server already recorded as delivered must not be redelivered")
}

func TestDeliver_FailedUpload_RecordsFailedServerWithoutCompleting(t *testing.T) {
	orch, repo := newTestOrchestrator()
	repo.SeedTargetServer(&model.TargetServer{ID: "srv-1", Name: "primary", TransportKind: fakeTransportKind})
	item := encodedMovieItem(t, repo, []string{"srv-1"})

	transports := map[model.TransportKind]collaborators.DeliveryTransport{
		fakeTransportKind: &fakeDeliveryTransport{result: func(ctx context.Context, server *model.TargetServer, srcPath, dstPath string, opts collaborators.DeliveryOptions) (collaborators.DeliveryResult, error) {
			return collaborators.DeliveryResult{Success: false, Error: "connection reset"}, nil
		}},
	}
	d := NewDeliver(orch, repo, transports, &fakeLibraryIndex{}, false, testLogger())

	require.NoError(t, d.Tick(context.Background()))

	assert.Eventually(t, func() bool {
		updated, err := repo.FindByID(context.Background(), item.ID)
		return err == nil && len(updated.Checkpoint.FailedServers) == 1
	}, time.Second, 5*time.Millisecond)

	updated, err := repo.FindByID(context.Background(), item.ID)
	require.NoError(t, err)
	assert.NotEqual(t, model.StatusCompleted, updated.Status)
	assert.Equal(t, "connection reset", updated.Checkpoint.FailedServers[0].Error)
}

func TestDeliver_NoTransportRegisteredForKind_RecordsFailure(t *testing.T) {
	orch, repo := newTestOrchestrator()
	repo.SeedTargetServer(&model.TargetServer{ID: "srv-1", Name: "primary", TransportKind: "unregistered"})
	item := encodedMovieItem(t, repo, []string{"srv-1"})

	d := NewDeliver(orch, repo, map[model.TransportKind]collaborators.DeliveryTransport{}, &fakeLibraryIndex{}, false, testLogger())

	require.NoError(t, d.Tick(context.Background()))

	assert.Eventually(t, func() bool {
		updated, err := repo.FindByID(context.Background(), item.ID)
		return err == nil && len(updated.Checkpoint.FailedServers) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDeliver_AtCapacity_DoesNotScheduleAdditionalDelivery(t *testing.T) {
	orch, repo := newTestOrchestrator()
	repo.SeedTargetServer(&model.TargetServer{ID: "srv-1", Name: "primary", TransportKind: fakeTransportKind, ConcurrencyPerServer: 1})
	item := encodedMovieItem(t, repo, []string{"srv-1"})

	d := NewDeliver(orch, repo, map[model.TransportKind]collaborators.DeliveryTransport{fakeTransportKind: &fakeDeliveryTransport{}}, &fakeLibraryIndex{}, false, testLogger())
	d.perServer["srv-1"] = 1 // simulate one in-flight delivery already at capacity

	d.scheduleItem(context.Background(), item)

	d.mu.Lock()
	_, scheduled := d.active[deliveryKey(item.ID, "srv-1")]
	d.mu.Unlock()
	assert.False(t, scheduled, "a server already at its concurrency cap must not accept another delivery")
}

func TestDestinationPath_Movie(t *testing.T) {
	item := &model.Item{Kind: model.KindMovie, Title: "Arrival", Year: 2016}
	encoded := model.EncodedFile{Path: "/tmp/x.mkv"}
	assert.Equal(t, "Arrival (2016)/Arrival (2016).mkv", destinationPath(item, encoded))
}

func TestDestinationPath_Episode(t *testing.T) {
	item := &model.Item{Kind: model.KindEpisode, Title: "Some Show", Season: 2, Episode: 5}
	encoded := model.EncodedFile{Path: "/tmp/x.mkv"}
	assert.Equal(t, "Some Show/Season 02/Some Show - S02E05.mkv", destinationPath(item, encoded))
}

func TestDestinationPath_DefaultsExtensionWhenEncodedPathHasNone(t *testing.T) {
	item := &model.Item{Kind: model.KindMovie, Title: "Arrival"}
	encoded := model.EncodedFile{Path: "/tmp/noext"}
	assert.Equal(t, "Arrival/Arrival.mkv", destinationPath(item, encoded))
}
