package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dgduncan/go-offline-cache/caches"
)

var (
	// ErrInstallFailed is returned when the install step could not precache every
	// static asset. The worker is redundant afterwards.
	ErrInstallFailed = errors.New("install failed")

	// ErrAssetStatus is wrapped when a static asset answered with a non-2xx status.
	ErrAssetStatus = errors.New("unexpected asset status")

	// ErrInvalidState is returned when a lifecycle step is run out of order.
	ErrInvalidState = errors.New("invalid worker state")

	// ErrRedundant is returned when a discarded worker is asked to install or activate.
	ErrRedundant = errors.New("worker is redundant")

	// ErrRetired is reported for write-through stores dropped because a newer
	// version took over the clients.
	ErrRetired = errors.New("worker was retired")
)

// State is the lifecycle position of a Worker.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Clients hands control of the open pages to a worker.
type Clients interface {
	Claim(ctx context.Context, w *Worker) error
}

// ActivateResult lists the stale buckets the activation step tried to remove.
type ActivateResult struct {
	Deleted []string
	Failed  []string
}

// Worker is one deployed version of the offline cache proxy. It implements
// http.RoundTripper; the wrapped RoundTripper is the network.
type Worker struct {
	Wrapped http.RoundTripper

	storage Storage
	logger  *slog.Logger
	now     func() time.Time

	c      Config
	assets []*url.URL

	mu    sync.Mutex
	state State

	// handle is the generation bucket, opened once and kept
	bucketMu sync.Mutex
	handle   Bucket

	// writeMu is held for reading by every store, retire takes it for writing
	writeMu sync.RWMutex
	retired bool

	pending  sync.WaitGroup
	inflight atomic.Int64
}

// Config returns the configuration the worker was built with.
func (w *Worker) Config() Config {
	return w.c
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state = s
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateRedundant {
		return ErrRedundant
	}
	if w.state != from {
		return fmt.Errorf("%w: %s, want %s", ErrInvalidState, w.state, from)
	}

	w.state = to
	return nil
}

// Install runs the installation step. Without static assets it only marks the
// worker installed. With static assets every one of them is fetched and stored
// in the generation bucket, or none is: a single failure makes the worker
// redundant and the error wraps ErrInstallFailed.
//
// An installed worker never waits for older versions to release their pages;
// it is ready for Activate right away.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return err
	}

	if len(w.assets) > 0 {
		if err := w.precache(ctx); err != nil {
			w.setState(StateRedundant)
			w.logger.WarnContext(ctx, "install failed", "bucket", w.c.GenerationTag, "error", err)
			return errors.Join(ErrInstallFailed, err)
		}
	}

	w.setState(StateInstalled)
	w.logger.InfoContext(ctx, "installed",
		"bucket", w.c.GenerationTag,
		"policy", w.c.Policy.String(),
		"assets", len(w.assets))

	return nil
}

func (w *Worker) precache(ctx context.Context) error {
	bucket, err := w.bucket(ctx, true)
	if err != nil {
		return err
	}

	return w.addAll(ctx, bucket, w.assets)
}

// Activate deletes every bucket whose name differs from the generation tag and
// then claims the open clients. Deletions run concurrently and are best effort:
// failures are logged and reported in the result without stopping the others
// or the claim. The returned error covers listing the buckets and claiming.
func (w *Worker) Activate(ctx context.Context, clients Clients) (ActivateResult, error) {
	var res ActivateResult

	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return res, err
	}

	names, listErr := w.storage.Keys(ctx)
	if listErr != nil {
		w.logger.WarnContext(ctx, "listing buckets failed", "error", listErr)
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, name := range names {
		if name == w.c.GenerationTag {
			continue
		}

		g.Go(func() error {
			_, err := w.storage.Delete(ctx, name)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				w.logger.WarnContext(ctx, "deleting stale bucket failed", "bucket", name, "error", err)
				res.Failed = append(res.Failed, name)
				return nil
			}

			w.logger.InfoContext(ctx, "deleted stale bucket", "bucket", name)
			res.Deleted = append(res.Deleted, name)
			return nil
		})
	}
	_ = g.Wait()

	var claimErr error
	if clients != nil {
		claimErr = clients.Claim(ctx, w)
	}

	w.setState(StateActivated)
	w.logger.InfoContext(ctx, "activated",
		"bucket", w.c.GenerationTag,
		"deleted", len(res.Deleted),
		"failed", len(res.Failed))

	return res, errors.Join(listErr, claimErr)
}

// bucket returns the generation bucket, opening it on first use. Without create
// a bucket that does not exist yet is reported as caches.ErrNoBucket and
// nothing is created.
func (w *Worker) bucket(ctx context.Context, create bool) (Bucket, error) {
	w.bucketMu.Lock()
	defer w.bucketMu.Unlock()

	if w.handle != nil {
		return w.handle, nil
	}

	if !create {
		names, err := w.storage.Keys(ctx)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(names, w.c.GenerationTag) {
			return nil, caches.ErrNoBucket
		}
	}

	b, err := w.storage.Open(ctx, w.c.GenerationTag)
	if err != nil {
		return nil, err
	}

	w.handle = b
	return b, nil
}

// retire stops all further write-through stores. It returns once the stores
// already writing have finished, so a cleanup that follows sees their entries.
func (w *Worker) retire() {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.retired = true
}

// Wait blocks until every pending write-through store has settled.
func (w *Worker) Wait() {
	w.pending.Wait()
}

// Pending returns the number of write-through stores that have not settled.
func (w *Worker) Pending() int {
	return int(w.inflight.Load())
}

// New validates the configuration and returns a function that builds a Worker
// around the network RoundTripper it is given.
//
// If the 'now' function is nil, time.Now is used. If the 'logger' is nil, a
// logger writing to io.Discard is used. A nil opts means DefaultConfig.
func New(
	storage Storage,
	opts *Config,
	now func() time.Time,
	logger *slog.Logger,
) (func(http.RoundTripper) *Worker, error) {
	if storage == nil {
		return nil, caches.ValidationError{Reason: "nil storage"}
	}

	nowFunc := now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := Config{}
	if opts == nil {
		c = DefaultConfig()
	} else {
		c = *opts
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	assets, err := c.assetURLs()
	if err != nil {
		return nil, err
	}

	return func(rt http.RoundTripper) *Worker {
		if rt == nil {
			rt = http.DefaultTransport
		}

		return &Worker{
			Wrapped: rt,
			storage: storage,
			logger:  logger.With("generation", c.GenerationTag),
			now:     nowFunc,
			c:       c,
			assets:  assets,
		}
	}, nil
}
