package reaper

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"proctor/internal/registry"
)

// Reaper periodically drops connections that have gone quiet. It works
// purely on the in-memory registry: an idle drop is a disconnect, not an
// abandonment, so the user's assessment stays resumable and nothing is
// written to the database.
type Reaper struct {
	registry *registry.Registry
	interval time.Duration
	maxIdle  time.Duration

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	mu      sync.Mutex
}

func NewReaper(reg *registry.Registry, interval, maxIdle time.Duration) *Reaper {
	return &Reaper{
		registry: reg,
		interval: interval,
		maxIdle:  maxIdle,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. Returns an error if already started.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("reaper already started")
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	go r.run(ctx)
	return nil
}

// Stop halts the sweep loop and waits for it to exit.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return
	}
	r.cancel()
	<-r.done
	r.started = false
	r.done = make(chan struct{})
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(time.Now())
		case <-ctx.Done():
			log.Println("Idle reaper shutting down")
			return
		}
	}
}

// Sweep removes every connection idle past the cutoff and returns how many
// were dropped. Exported so operators can trigger it from the API.
func (r *Reaper) Sweep(now time.Time) int {
	idle := r.registry.IdleConnections(r.maxIdle, now)
	for _, rec := range idle {
		log.Printf("Dropping idle connection %s (user %s, last activity %s)",
			rec.ConnectionID, rec.UserID, rec.LastActivity().UTC().Format(time.RFC3339))
		r.registry.Remove(rec.ConnectionID)
	}
	return len(idle)
}
