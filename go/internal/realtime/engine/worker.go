package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Run drives every session until ctx is done. Each session has its own
// ticker; ticks are executed by a fixed pool of workers and a session never
// has two ticks in flight.
func (e *Engine) Run(ctx context.Context) error {
	log.Info().
		Str("instance", e.instanceID).
		Int("workers", e.cfg.Workers).
		Strs("types", e.Types()).
		Msg("session engine started")

	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go e.worker(workerCtx, &wg, i)
	}

	// The archiver outlives ctx so final snapshots taken during shutdown
	// are still persisted.
	var archiveWG sync.WaitGroup
	archiveCtx, cancelArchive := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelArchive()
	stopArchive := make(chan struct{})
	if e.cfg.Archive != nil {
		archiveWG.Add(1)
		go e.archiver(archiveCtx, stopArchive, &archiveWG)
	}

	e.mu.Lock()
	e.running = true
	for id, ent := range e.sessions {
		e.startLocked(id, ent)
	}
	e.mu.Unlock()

	sweep := e.cfg.Clock.NewTicker(e.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("instance", e.instanceID).Msg("engine shutdown requested")
			e.shutdown()
			close(stopArchive)
			archiveWG.Wait()
			cancelWorkers()
			wg.Wait()
			log.Info().Str("instance", e.instanceID).Msg("all workers shut down")
			return nil
		case <-sweep.Chan():
			e.sweep(e.cfg.Clock.Now())
		}
	}
}

// startLocked starts a session's ticker and dispatcher. e.mu must be held.
// The dispatcher outlives the run context so its queue can drain on stop.
func (e *Engine) startLocked(id uuid.UUID, ent *entry) {
	if ent.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ent.cancel = cancel
	ent.ticker = e.cfg.Clock.NewTicker(ent.session.Type().TickDuration())
	ent.running = true

	go ent.session.Dispatcher().Run(ctx)
	go func(t clockwork.Ticker) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.Chan():
				e.schedule(id)
			}
		}
	}(ent.ticker)
}

// schedule hands a session's tick to the pool unless one is already in
// flight, in which case the tick is skipped.
func (e *Engine) schedule(id uuid.UUID) {
	e.inFlightMu.Lock()
	if e.inFlight[id] {
		e.inFlightMu.Unlock()
		e.skipped(id, "tick still running")
		return
	}
	e.inFlight[id] = true
	e.inFlightMu.Unlock()

	select {
	case e.workCh <- id:
	default:
		e.done(id)
		e.skipped(id, "work channel full")
	}
}

func (e *Engine) skipped(id uuid.UUID, reason string) {
	e.mu.RLock()
	ent, ok := e.sessions[id]
	e.mu.RUnlock()
	if !ok {
		return
	}
	e.cfg.Metrics.RecordTickSkipped(ent.session.Type().Name)
	log.Debug().Str("session_id", id.String()).Str("reason", reason).Msg("tick skipped")
}

func (e *Engine) done(id uuid.UUID) {
	e.inFlightMu.Lock()
	delete(e.inFlight, id)
	e.inFlightMu.Unlock()
}

// worker runs scheduled ticks from the work channel.
func (e *Engine) worker(ctx context.Context, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			log.Debug().
				Str("instance", e.instanceID).
				Int("worker_id", workerID).
				Msg("worker shutting down")
			return
		case id := <-e.workCh:
			e.step(ctx, id)
		}
	}
}

func (e *Engine) step(ctx context.Context, id uuid.UUID) {
	defer e.done(id)
	e.mu.RLock()
	ent, ok := e.sessions[id]
	e.mu.RUnlock()
	if !ok {
		return
	}
	res := ent.session.Step(ctx, e.cfg.Clock.Now())
	if res.OverBudget {
		log.Warn().
			Str("session_id", id.String()).
			Uint64("tick", res.Tick).
			Msg("tick exceeded its budget")
	}
	if res.Finished {
		e.stop(id)
	}
}

// stop ends a finished session's ticker and drains its queue.
func (e *Engine) stop(id uuid.UUID) {
	e.mu.Lock()
	ent, ok := e.sessions[id]
	if !ok || !ent.running {
		e.mu.Unlock()
		return
	}
	ent.running = false
	ent.ticker.Stop()
	cancel := ent.cancel
	e.mu.Unlock()

	go func() {
		ctx, done := context.WithTimeout(context.Background(), e.cfg.DrainTimeout)
		defer done()
		if err := ent.session.Dispatcher().Close(ctx); err != nil {
			log.Warn().Err(err).Str("session_id", id.String()).Msg("finished session did not drain")
		}
		cancel()
	}()
}

// sweep removes finished sessions whose retention elapsed.
func (e *Engine) sweep(now time.Time) {
	var removed []uuid.UUID
	e.mu.Lock()
	for id, ent := range e.sessions {
		at, ok := ent.session.FinishedAt()
		if !ok || now.Sub(at) < ent.session.Type().FinishedRetention {
			continue
		}
		if ent.running {
			ent.ticker.Stop()
			ent.cancel()
		}
		delete(e.sessions, id)
		removed = append(removed, id)
	}
	count := len(e.sessions)
	e.mu.Unlock()

	for _, id := range removed {
		log.Info().Str("session_id", id.String()).Msg("removed finished session")
	}
	if len(removed) > 0 {
		e.cfg.Metrics.RecordSessions(count)
	}
}

// shutdown stops every ticker, tears the running sessions down so their
// final snapshots are captured, and gives dispatchers a bounded time to drain.
func (e *Engine) shutdown() {
	e.mu.Lock()
	entries := make([]*entry, 0, len(e.sessions))
	for _, ent := range e.sessions {
		if ent.running {
			ent.ticker.Stop()
			ent.running = false
			entries = append(entries, ent)
		}
	}
	e.running = false
	e.mu.Unlock()

	now := e.cfg.Clock.Now()
	for _, ent := range entries {
		if ent.session.Stop(now) {
			log.Info().Str("session_id", ent.session.ID().String()).Msg("session stopped on shutdown")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DrainTimeout)
	defer cancel()
	for _, ent := range entries {
		if err := ent.session.Dispatcher().Close(ctx); err != nil {
			log.Warn().Err(err).Str("session_id", ent.session.ID().String()).Msg("dispatcher did not drain")
		}
		ent.cancel()
	}
}

// archiver persists captured snapshots off the tick path. Once stop is
// closed it saves what is still buffered, bounded by the drain timeout.
func (e *Engine) archiver(ctx context.Context, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-e.archiveCh:
			e.save(ctx, a)
		case <-stop:
			drainCtx, cancel := context.WithTimeout(ctx, e.cfg.DrainTimeout)
			defer cancel()
			for {
				select {
				case a := <-e.archiveCh:
					e.save(drainCtx, a)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) save(ctx context.Context, a archived) {
	if err := e.cfg.Archive.SaveSnapshot(ctx, a.sessionType, a.snap); err != nil {
		log.Error().
			Err(err).
			Str("session_id", a.snap.SessionID.String()).
			Uint64("seq", a.snap.Seq).
			Msg("failed to archive snapshot")
	}
}
