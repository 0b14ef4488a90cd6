// Package scheduler runs the stage workers on independent tickers,
// suppressing overlapping runs of the same worker and exposing status for
// operational introspection.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// WorkerFunc is one tick of a registered worker. It receives the tick's
// context, which is cancelled if the scheduler is stopped mid-run.
type WorkerFunc func(ctx context.Context) error

// Registration describes a worker's schedule.
type Registration struct {
	TaskID   string
	Label    string
	Interval time.Duration
	Fn       WorkerFunc
}

// WorkerStatus is a point-in-time snapshot of a registered worker.
type WorkerStatus struct {
	TaskID      string
	Label       string
	Interval    time.Duration
	Running     bool
	LastStarted time.Time
	LastFinished time.Time
	LastError   error
	NextFireAt  time.Time
	RunCount    int64
	SkippedTicks int64
}

type worker struct {
	mu     sync.Mutex
	reg    Registration
	ticker *time.Ticker
	inFlight bool
	status WorkerStatus
}

// Scheduler is a single process-wide ticker registry, one goroutine per
// registered worker.
type Scheduler struct {
	mu      sync.RWMutex
	workers map[string]*worker
	log     *logrus.Logger
	cancel  context.CancelFunc
	ctx     context.Context
	wg      sync.WaitGroup
	started bool
}

// New creates an idle Scheduler. Call Register for each worker, then Start.
func New(log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.New()
	}
	return &Scheduler{
		workers: make(map[string]*worker),
		log:     log,
	}
}

// Register adds a worker to the schedule. Must be called before Start.
func (s *Scheduler) Register(reg Registration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[reg.TaskID] = &worker{
		reg: reg,
		status: WorkerStatus{
			TaskID:   reg.TaskID,
			Label:    reg.Label,
			Interval: reg.Interval,
		},
	}
}

// Start launches one ticker goroutine per registered worker. It is a no-op
// if already started.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, w := range s.workers {
		w := w
		w.ticker = time.NewTicker(w.reg.Interval)
		w.mu.Lock()
		w.status.NextFireAt = time.Now().Add(w.reg.Interval)
		w.mu.Unlock()

		s.wg.Add(1)
		go s.run(w)
	}
}

// Stop cancels the scheduling context and waits for in-flight ticks to
// observe cancellation and return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workers {
		if w.ticker != nil {
			w.ticker.Stop()
		}
	}
}

// run fires one goroutine per tick rather than calling tick inline, so a
// worker whose Fn outruns its own interval can genuinely overlap itself —
// otherwise the ticker loop blocks on Fn and the next tick can never be
// observed in flight, making tick's overlap guard unreachable.
func (s *Scheduler) run(w *worker) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-w.ticker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.tick(w)
			}()
		}
	}
}

// tick fires one run of w, dropping the tick entirely if the previous run
// of the same worker is still in flight (never overlaps a worker with
// itself).
func (s *Scheduler) tick(w *worker) {
	w.mu.Lock()
	if w.inFlight {
		w.status.SkippedTicks++
		w.mu.Unlock()
		s.log.WithFields(logrus.Fields{
			"worker": w.reg.Label,
		}).Warn("scheduler: tick skipped, previous run still in flight")
		return
	}
	w.inFlight = true
	w.status.Running = true
	w.status.LastStarted = time.Now()
	w.mu.Unlock()

	err := w.reg.Fn(s.ctx)

	w.mu.Lock()
	w.inFlight = false
	w.status.Running = false
	w.status.LastFinished = time.Now()
	w.status.LastError = err
	w.status.RunCount++
	w.status.NextFireAt = w.status.LastFinished.Add(w.reg.Interval)
	w.mu.Unlock()

	if err != nil {
		s.log.WithFields(logrus.Fields{
			"worker": w.reg.Label,
			"error":  err,
		}).Error("scheduler: worker tick failed")
	}
}

// Status returns a snapshot of every registered worker, keyed by task ID.
func (s *Scheduler) Status() map[string]WorkerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]WorkerStatus, len(s.workers))
	for id, w := range s.workers {
		w.mu.Lock()
		out[id] = w.status
		w.mu.Unlock()
	}
	return out
}
