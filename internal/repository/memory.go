package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reelforge/core/internal/model"
)

// Memory is an in-memory Repository implementation, following the
// teacher's map+sync.RWMutex idiom (coordinator.Coordinator,
// scheduler.Scheduler). Used by unit tests and as the reference
// implementation of the query semantics the Postgres implementation must
// match.
type Memory struct {
	mu            sync.RWMutex
	requests      map[string]*model.Request
	items         map[string]*model.Item
	itemsByReq    map[string][]string // requestID -> item ids, insertion order
	targetServers map[string]*model.TargetServer

	now func() time.Time
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		requests:      make(map[string]*model.Request),
		items:         make(map[string]*model.Item),
		itemsByReq:    make(map[string][]string),
		targetServers: make(map[string]*model.TargetServer),
		now:           time.Now,
	}
}

// SeedTargetServer registers a target server record for tests/bootstrap.
func (m *Memory) SeedTargetServer(ts *model.TargetServer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targetServers[ts.ID] = ts
}

func (m *Memory) CreateRequest(_ context.Context, req *model.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	now := m.now()
	req.CreatedAt, req.UpdatedAt = now, now
	if req.Status == "" {
		req.Status = model.StatusPending
	}
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *Memory) CreateItem(_ context.Context, p CreateItemParams) (*model.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	item := &model.Item{
		ID:          uuid.New().String(),
		RequestID:   p.RequestID,
		Kind:        p.Kind,
		CatalogID:   p.CatalogID,
		Title:       p.Title,
		Year:        p.Year,
		Season:      p.Season,
		Episode:     p.Episode,
		Status:      model.StatusPending,
		MaxAttempts: p.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.items[item.ID] = item
	m.itemsByReq[p.RequestID] = append(m.itemsByReq[p.RequestID], item.ID)
	cp := *item
	return &cp, nil
}

func (m *Memory) FindByID(_ context.Context, id string) (*model.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *it
	return &cp, nil
}

func (m *Memory) FindByRequestID(_ context.Context, requestID string) ([]*model.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.itemsByReq[requestID]
	out := make([]*model.Item, 0, len(ids))
	for _, id := range ids {
		cp := *m.items[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) FindByStatus(_ context.Context, status model.Status, now time.Time) ([]*model.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Item
	for _, it := range m.items {
		if it.Status != status {
			continue
		}
		if !it.Eligible(now) {
			continue
		}
		cp := *it
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) FindAllByStatus(_ context.Context, status model.Status) ([]*model.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Item
	for _, it := range m.items {
		if it.Status == status {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, to model.Status, patch StatusPatch) (*model.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	it.Status = to
	applyStatusPatch(it, patch)
	it.UpdatedAt = m.now()
	stampTransitionTimes(it, to, m.now())
	cp := *it
	return &cp, nil
}

func applyStatusPatch(it *model.Item, patch StatusPatch) {
	if patch.CurrentStep != nil {
		it.CurrentStep = *patch.CurrentStep
	}
	if patch.StepContext != nil {
		it.StepContext = mergeStepContext(it.StepContext, *patch.StepContext)
	}
	if patch.Progress != nil {
		it.Progress = *patch.Progress
	}
	if patch.LastError != nil {
		it.LastError = *patch.LastError
	}
	if patch.DownloadID != nil {
		it.DownloadID = patch.DownloadID
	}
	if patch.EncodingJobID != nil {
		it.EncodingJobID = patch.EncodingJobID
	}
}

// mergeStepContext shallow-merges well-known keys, matching
// validation.mergeStepContext (spec §4.4 updateStepContext).
func mergeStepContext(existing model.StepContext, patch model.StepContext) model.StepContext {
	out := existing
	if patch.Search != nil {
		out.Search = patch.Search
	}
	if patch.Download != nil {
		out.Download = patch.Download
	}
	if patch.Encode != nil {
		out.Encode = patch.Encode
	}
	if patch.DeliveryResults != nil {
		out.DeliveryResults = patch.DeliveryResults
	}
	return out
}

func stampTransitionTimes(it *model.Item, to model.Status, now time.Time) {
	switch to {
	case model.StatusDownloaded:
		it.DownloadedAt = &now
	case model.StatusEncoded:
		it.EncodedAt = &now
	case model.StatusCompleted:
		it.DeliveredAt = &now
		it.CompletedAt = &now
	}
}

func (m *Memory) UpdateProgress(_ context.Context, id string, pct int, patch ProgressPatch) (*model.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	// Progress must never decrease (spec §8 property 6); debounce
	// no-op writes of an unchanged value.
	if pct > it.Progress {
		it.Progress = pct
	}
	it.LastProgressValue = patch.LastProgressValue
	it.LastProgressUpdate = &patch.LastProgressUpdate
	it.UpdatedAt = m.now()
	cp := *it
	return &cp, nil
}

func (m *Memory) UpdateStepContext(_ context.Context, id string, ctxPatch model.StepContext) (*model.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	it.StepContext = mergeStepContext(it.StepContext, ctxPatch)
	it.UpdatedAt = m.now()
	cp := *it
	return &cp, nil
}

func (m *Memory) UpdateCheckpoint(_ context.Context, id string, checkpoint model.Checkpoint) (*model.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	it.Checkpoint = checkpoint
	it.UpdatedAt = m.now()
	cp := *it
	return &cp, nil
}

func (m *Memory) IncrementAttempts(_ context.Context, id string, nextRetryAt *time.Time) (*model.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	it.Attempts++
	it.NextRetryAt = nextRetryAt
	it.UpdatedAt = m.now()
	cp := *it
	return &cp, nil
}

func (m *Memory) ResetAttempts(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	it.Attempts = 0
	it.UpdatedAt = m.now()
	return nil
}

func (m *Memory) SetRetryGates(_ context.Context, id string, nextRetryAt, skipUntil *time.Time, lastError string) (*model.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	it.NextRetryAt = nextRetryAt
	it.SkipUntil = skipUntil
	it.LastError = lastError
	it.UpdatedAt = m.now()
	cp := *it
	return &cp, nil
}

func (m *Memory) GetRequest(_ context.Context, id string) (*model.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (m *Memory) DeleteRequest(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, itemID := range m.itemsByReq[id] {
		delete(m.items, itemID)
	}
	delete(m.itemsByReq, id)
	delete(m.requests, id)
	return nil
}

func (m *Memory) UpdateRequestAggregates(_ context.Context, requestID string) (*model.Aggregates, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	ids := m.itemsByReq[requestID]
	items := make([]*model.Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, m.items[id])
	}
	agg := computeAggregates(items)
	req.Status = agg.Status
	req.Progress = agg.Progress
	req.Error = agg.Error
	req.UpdatedAt = m.now()
	return &agg, nil
}

func (m *Memory) GetTargetServer(_ context.Context, id string) (*model.TargetServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.targetServers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ts
	return &cp, nil
}

func (m *Memory) ListTargetServers(_ context.Context, ids []string) ([]*model.TargetServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.TargetServer, 0, len(ids))
	for _, id := range ids {
		if ts, ok := m.targetServers[id]; ok {
			cp := *ts
			out = append(out, &cp)
		}
	}
	return out, nil
}

// computeAggregates derives a request's rollup status/progress/error from
// its items (spec §4.4 updateRequestAggregates). A request is completed
// (progress 100) only when every item is completed; otherwise failed if any
// item is failed, even while others are still in flight, carrying the last
// failed item's error; cancelled if any item is cancelled and every item is
// terminal; otherwise downloading with averaged item progress.
func computeAggregates(items []*model.Item) model.Aggregates {
	if len(items) == 0 {
		return model.Aggregates{Status: model.StatusPending}
	}

	var (
		sumProgress  int
		allCompleted = true
		anyFailed    bool
		anyCancelled bool
		lastErr      string
	)

	for _, it := range items {
		sumProgress += it.Progress
		if it.Status != model.StatusCompleted {
			allCompleted = false
		}
		if it.Status == model.StatusFailed {
			anyFailed = true
			lastErr = it.LastError
		}
		if it.Status == model.StatusCancelled {
			anyCancelled = true
		}
	}

	progress := sumProgress / len(items)

	switch {
	case allCompleted:
		return model.Aggregates{Status: model.StatusCompleted, Progress: 100}
	case anyFailed:
		return model.Aggregates{Status: model.StatusFailed, Progress: progress, Error: lastErr}
	case anyCancelled && allNonActive(items):
		return model.Aggregates{Status: model.StatusCancelled, Progress: progress}
	default:
		return model.Aggregates{Status: model.StatusDownloading, Progress: progress}
	}
}

func allNonActive(items []*model.Item) bool {
	for _, it := range items {
		if !it.Status.Terminal() {
			return false
		}
	}
	return true
}
