package offlinecache_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches/local"
)

var errOffline = errors.New("network is offline")

func testTime() time.Time {
	return time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// network wraps http.DefaultTransport, counts the requests it lets through and
// can be switched offline.
type network struct {
	calls   atomic.Int32
	offline atomic.Bool
}

func (n *network) RoundTrip(r *http.Request) (*http.Response, error) {
	if n.offline.Load() {
		return nil, errOffline
	}
	n.calls.Add(1)
	return http.DefaultTransport.RoundTrip(r)
}

// origin is a test server answering every path with "<method> <path>" and a 200,
// except for the paths listed in status.
func origin(t *testing.T, status map[string]int) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		code := http.StatusOK
		if s, ok := status[r.URL.Path]; ok {
			code = s
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(r.Method + " " + r.URL.Path))
	}))
	t.Cleanup(server.Close)

	return server, &hits
}

func newWorker(t *testing.T, storage offlinecache.Storage, cfg offlinecache.Config, rt http.RoundTripper) *offlinecache.Worker {
	t.Helper()

	build, err := offlinecache.New(storage, &cfg, testTime, discardLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	return build(rt)
}

func get(t *testing.T, rt http.RoundTripper, url string) (string, int, error) {
	t.Helper()
	return do(t, rt, http.MethodGet, url)
}

func do(t *testing.T, rt http.RoundTripper, method, url string) (string, int, error) {
	t.Helper()

	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := rt.RoundTrip(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}

	return string(body), resp.StatusCode, nil
}

// clients records every claim.
type clients struct {
	mu      sync.Mutex
	claimed []*offlinecache.Worker
}

func (c *clients) Claim(_ context.Context, w *offlinecache.Worker) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.claimed = append(c.claimed, w)
	return nil
}

// flakyStorage wraps a BasicCache and fails the operations it is told to.
type flakyStorage struct {
	*local.BasicCache

	failDelete map[string]bool
	failPut    bool
}

func (f *flakyStorage) Open(ctx context.Context, name string) (offlinecache.Bucket, error) {
	b, err := f.BasicCache.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &flakyBucket{Bucket: b, failPut: f.failPut}, nil
}

func (f *flakyStorage) Delete(ctx context.Context, name string) (bool, error) {
	if f.failDelete[name] {
		return false, errors.New("delete failed")
	}
	return f.BasicCache.Delete(ctx, name)
}

type flakyBucket struct {
	offlinecache.Bucket

	failPut bool
}

func (b *flakyBucket) Put(ctx context.Context, k string, v *offlinecache.CacheItem) error {
	if b.failPut {
		return errors.New("put failed")
	}
	return b.Bucket.Put(ctx, k, v)
}

// gate holds requests for one path until it is opened. arrived receives once a
// held request is waiting.
type gate struct {
	next    http.RoundTripper
	path    string
	arrived chan struct{}
	open    chan struct{}
}

func newGate(next http.RoundTripper, path string) *gate {
	return &gate{
		next:    next,
		path:    path,
		arrived: make(chan struct{}, 1),
		open:    make(chan struct{}),
	}
}

func (g *gate) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.URL.Path == g.path {
		select {
		case g.arrived <- struct{}{}:
		default:
		}
		<-g.open
	}
	return g.next.RoundTrip(r)
}

type roundTripResult struct {
	resp *http.Response
	err  error
}

// roundTripAsync sends req on its own goroutine.
func roundTripAsync(rt http.RoundTripper, req *http.Request) <-chan roundTripResult {
	done := make(chan roundTripResult, 1)
	go func() {
		resp, err := rt.RoundTrip(req)
		done <- roundTripResult{resp: resp, err: err}
	}()
	return done
}
