package offlinecache

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
)

// Registration routes requests through whichever worker version currently
// controls the clients. A new version only takes control once it installed
// successfully; a failed install leaves the previous version in place.
type Registration struct {
	// Network serves requests while no worker is in control.
	Network http.RoundTripper

	logger *slog.Logger

	mu      sync.RWMutex
	active  *Worker
	retired []*Worker
}

// NewRegistration returns an empty registration. A nil network means
// http.DefaultTransport and a nil logger discards.
func NewRegistration(network http.RoundTripper, logger *slog.Logger) *Registration {
	if network == nil {
		network = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Registration{Network: network, logger: logger}
}

// Register installs w and, when that succeeds, activates it right away so it
// takes over from the active version. The active version is retired before
// the stale buckets are deleted, so requests it still serves cannot write
// them back.
func (reg *Registration) Register(ctx context.Context, w *Worker) error {
	if err := w.Install(ctx); err != nil {
		reg.logger.WarnContext(ctx, "worker discarded, keeping active version",
			"generation", w.c.GenerationTag, "error", err)
		return err
	}

	if prev := reg.Active(); prev != nil && prev != w {
		prev.retire()
	}

	_, err := w.Activate(ctx, reg)
	return err
}

// Claim implements Clients.
func (reg *Registration) Claim(ctx context.Context, w *Worker) error {
	reg.mu.Lock()
	prev := reg.active
	reg.active = w
	if prev != nil && prev != w {
		reg.retired = append(reg.retired, prev)
	}
	reg.pruneLocked()
	reg.mu.Unlock()

	reg.logger.InfoContext(ctx, "clients claimed", "generation", w.c.GenerationTag)
	return nil
}

// Active returns the worker in control, or nil.
func (reg *Registration) Active() *Worker {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	return reg.active
}

// RoundTrip implements http.RoundTripper.
func (reg *Registration) RoundTrip(r *http.Request) (*http.Response, error) {
	w := reg.Active()
	if w == nil {
		return reg.Network.RoundTrip(r)
	}

	return w.RoundTrip(r)
}

// Wait blocks until the pending stores of the active version and of the
// retired versions still tracked have settled.
func (reg *Registration) Wait() {
	reg.mu.RLock()
	workers := append([]*Worker{reg.active}, reg.retired...)
	reg.mu.RUnlock()

	for _, w := range workers {
		if w != nil {
			w.Wait()
		}
	}

	reg.mu.Lock()
	reg.pruneLocked()
	reg.mu.Unlock()
}

// Retired returns the replaced versions that still have stores pending.
func (reg *Registration) Retired() []*Worker {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.pruneLocked()
	return slices.Clone(reg.retired)
}

// pruneLocked forgets retired versions with nothing left to store. Stores a
// retired worker starts later are dropped without touching the storage.
func (reg *Registration) pruneLocked() {
	reg.retired = slices.DeleteFunc(reg.retired, func(w *Worker) bool {
		return w.Pending() == 0
	})
}
