// Package runs polls the test-generation backend for dispatched run
// states. One watcher per run id; every observed state is handed to the
// caller, which persists it through the history store.
package runs

import (
	"context"
	"sync"
	"time"

	"github.com/ldi/sprintdeck/pkg/models"
)

const defaultInterval = 5 * time.Second

// StatusFunc fetches the current state of a run.
type StatusFunc func(ctx context.Context, runID string) (*models.RunPayload, error)

// UpdateFunc receives each observed state. err is non-nil only for the
// final callback when polling stopped because the fetch failed.
type UpdateFunc func(payload *models.RunPayload, err error)

type Poller struct {
	fetch    StatusFunc
	interval time.Duration

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func New(fetch StatusFunc, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Poller{
		fetch:    fetch,
		interval: interval,
		active:   make(map[string]context.CancelFunc),
	}
}

// Watch starts polling a run until it reaches a terminal state, the fetch
// fails, or the watch is stopped. Returns false when the run is already
// being watched.
func (p *Poller) Watch(ctx context.Context, runID string, onUpdate UpdateFunc) bool {
	p.mu.Lock()
	if _, ok := p.active[runID]; ok {
		p.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	p.active[runID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.remove(runID)
		defer cancel()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			payload, err := p.fetch(ctx, runID)
			if err != nil {
				if ctx.Err() == nil {
					onUpdate(nil, err)
				}
				return
			}

			onUpdate(payload, nil)
			if payload.Terminal() {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return true
}

// Watching reports whether a run currently has a watcher.
func (p *Poller) Watching(runID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[runID]
	return ok
}

// Stop cancels the watcher for one run, if any.
func (p *Poller) Stop(runID string) {
	p.mu.Lock()
	cancel, ok := p.active[runID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// StopAll cancels every watcher and waits for them to exit.
func (p *Poller) StopAll() {
	p.mu.Lock()
	for _, cancel := range p.active {
		cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Poller) remove(runID string) {
	p.mu.Lock()
	delete(p.active, runID)
	p.mu.Unlock()
}
