package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/dgduncan/go-offline-cache/caches"
)

// addAll fetches every url concurrently and only writes to the bucket once all
// of them answered with a 2xx status.
func (w *Worker) addAll(ctx context.Context, bucket Bucket, assets []*url.URL) error {
	keys := make([]string, len(assets))
	items := make([]*CacheItem, len(assets))

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range assets {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return err
			}

			resp, err := w.Wrapped.RoundTrip(req)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", u, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return fmt.Errorf("fetching %s: %w %d", u, ErrAssetStatus, resp.StatusCode)
			}

			b, err := httputil.DumpResponse(resp, true)
			if err != nil {
				return fmt.Errorf("reading %s: %w", u, err)
			}

			keys[i] = caches.Key(*req)
			items[i] = &CacheItem{Response: b, StoredAt: w.now().UTC()}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for i, k := range keys {
		if err := bucket.Put(ctx, k, items[i]); err != nil {
			return fmt.Errorf("storing %s: %w", assets[i], err)
		}
		w.logger.DebugContext(ctx, "precached asset", "key", k)
	}

	return nil
}
