// Package workers implements the C6 stage workers (search, download,
// encode, deliver) and the C8 recovery worker. Every worker shares the
// base contract of spec §4.6: one input status, one success status, a
// poll interval, and a per-tick concurrency cap, driving item mutation
// exclusively through the orchestrator.
package workers

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/reelforge/core/internal/model"
	"github.com/reelforge/core/internal/orchestrator"
)

// DefaultPollInterval is the worker tick cadence absent a config override.
const DefaultPollInterval = 5

// DefaultConcurrency is the per-worker parallel-item cap absent a config
// override (spec §5).
const DefaultConcurrency = 3

// base holds the fields every stage worker composes: the shared
// orchestrator, logger, and concurrency limiting for one tick's batch.
type base struct {
	orch        *orchestrator.Orchestrator
	log         *logrus.Logger
	concurrency int
}

func newBase(orch *orchestrator.Orchestrator, log *logrus.Logger, concurrency int) base {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return base{orch: orch, log: log, concurrency: concurrency}
}

// processBatch loads every item eligible for status, then dispatches each
// to processItem under the worker's concurrency cap (spec §4.6 common
// contract). Errors from processItem are routed through
// Orchestrator.HandleError rather than propagated.
func (b *base) processBatch(ctx context.Context, status model.Status, processItem func(context.Context, *model.Item) error) error {
	items, err := b.orch.GetItemsForProcessing(ctx, status)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	sem := make(chan struct{}, b.concurrency)
	var wg sync.WaitGroup
	for _, item := range items {
		item := item
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if err := processItem(ctx, item); err != nil {
				if _, hErr := b.orch.HandleError(ctx, item.ID, err); hErr != nil {
					b.log.WithError(hErr).WithField("itemId", item.ID).Error("failed to record item error")
				}
			}
		}()
	}
	wg.Wait()
	return nil
}
