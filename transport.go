package offlinecache

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httputil"

	"github.com/dgduncan/go-offline-cache/caches"
)

// RoundTrip implements http.RoundTripper and intercepts the request according to
// the configured policy.
//
// Network-first:
// 1. Sends the request to the network and returns any response it gets
// 2. On a network error, serves the match from the generation bucket
// 3. Returns the network error when the bucket has no match.
//
// Cache-first:
// 1. Serves the match from the generation bucket without touching the network
// 2. On a miss, sends the request to the network and returns its error, if any
// 3. Stores a copy of GET responses in the background.
func (w *Worker) RoundTrip(r *http.Request) (*http.Response, error) {
	if w.c.Policy == PolicyCacheFirst {
		return w.cacheFirst(r)
	}

	return w.networkFirst(r)
}

func (w *Worker) networkFirst(r *http.Request) (*http.Response, error) {
	ctx := r.Context()

	resp, transportError := w.Wrapped.RoundTrip(r)
	if transportError == nil {
		return resp, nil
	}

	w.logger.DebugContext(ctx, "network failed, trying cache", "url", r.URL.String(), "error", transportError)

	cached, err := w.match(ctx, r)
	if err != nil {
		if !isMiss(err) {
			w.logger.WarnContext(ctx, "cache lookup failed", "url", r.URL.String(), "error", err)
		}
		return nil, transportError
	}

	w.logger.DebugContext(ctx, "served from cache", "url", r.URL.String())
	return cached, nil
}

func (w *Worker) cacheFirst(r *http.Request) (*http.Response, error) {
	ctx := r.Context()

	cached, err := w.match(ctx, r)
	if err == nil { // cache hit
		w.logger.DebugContext(ctx, "cache item found", "url", r.URL.String())
		return cached, nil
	}

	if isMiss(err) {
		w.logger.DebugContext(ctx, "cache item not found", "url", r.URL.String())
	} else {
		w.logger.WarnContext(ctx, "cache lookup failed, using network", "url", r.URL.String(), "error", err)
	}

	resp, transportError := w.Wrapped.RoundTrip(r)
	if transportError != nil {
		return nil, transportError
	}

	if r.Method != http.MethodGet {
		return resp, nil
	}

	// DumpResponse reads the body and puts an equivalent one back, which gives one
	// copy for the caller and one for the bucket. The status is not checked: error
	// responses are stored like any other.
	resBytes, err := httputil.DumpResponse(resp, true)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}

	w.store(ctx, caches.Key(*r), resBytes)

	return resp, nil
}

// isMiss reports whether a lookup failed only because nothing was stored.
func isMiss(err error) bool {
	return errors.Is(err, caches.ErrNoCacheItem) || errors.Is(err, caches.ErrNoBucket)
}

// match replays the response stored for r in the generation bucket. It never
// creates the bucket.
func (w *Worker) match(ctx context.Context, r *http.Request) (*http.Response, error) {
	bucket, err := w.bucket(ctx, false)
	if err != nil {
		return nil, err
	}

	item, err := bucket.Match(ctx, caches.Key(*r))
	if err != nil {
		return nil, err
	}

	nr := bufio.NewReader(bytes.NewReader(item.Response))
	return http.ReadResponse(nr, r)
}

// store writes the response to the generation bucket on a detached goroutine.
// The caller's response does not wait for it and its failure is only logged.
func (w *Worker) store(ctx context.Context, key string, response []byte) {
	item := &CacheItem{Response: response, StoredAt: w.now().UTC()}
	ctx = context.WithoutCancel(ctx)

	w.pending.Add(1)
	w.inflight.Add(1)
	go func() {
		defer w.pending.Done()
		defer w.inflight.Add(-1)

		err := w.put(ctx, key, item)
		if err != nil {
			w.logger.WarnContext(ctx, "error caching response", "key", key, "error", err)
		} else {
			w.logger.DebugContext(ctx, "caching response", "key", key)
		}

		if w.c.OnStored != nil {
			w.c.OnStored(key, err)
		}
	}()
}

// put writes through the kept bucket handle. Once the bucket is evicted the
// handle reports caches.ErrNoBucket instead of bringing it back.
func (w *Worker) put(ctx context.Context, key string, item *CacheItem) error {
	w.writeMu.RLock()
	defer w.writeMu.RUnlock()

	if w.retired {
		return ErrRetired
	}

	bucket, err := w.bucket(ctx, true)
	if err != nil {
		return err
	}

	return bucket.Put(ctx, key, item)
}
