package offlinecache_test

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches/local"
)

func TestRegistrationWithoutWorkerUsesNetwork(t *testing.T) {
	t.Parallel()

	server, hits := origin(t, nil)
	reg := offlinecache.NewRegistration(&network{}, discardLogger())

	assert.Nil(t, reg.Active())

	body, _, err := get(t, reg, server.URL+"/a")
	require.NoError(t, err)
	assert.Equal(t, "GET /a", body)
	assert.EqualValues(t, 1, hits.Load())
}

func TestRegistrationVersionBump(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	server, hits := origin(t, map[string]int{"/missing": 404})
	storage := local.NewBasicCache()
	net := &network{}
	reg := offlinecache.NewRegistration(net, discardLogger())

	v1cfg := cacheFirst("app-cache-v1")
	v1cfg.BaseURL = server.URL
	v1cfg.StaticAssets = []string{"/a"}
	v1 := newWorker(t, storage, v1cfg, net)

	require.NoError(t, reg.Register(ctx, v1))
	assert.Same(t, v1, reg.Active())
	assert.EqualValues(t, 1, hits.Load())

	// a version whose precache fails never takes control
	badCfg := cacheFirst("app-cache-v2")
	badCfg.BaseURL = server.URL
	badCfg.StaticAssets = []string{"/a", "/missing"}
	bad := newWorker(t, storage, badCfg, net)

	err := reg.Register(ctx, bad)
	assert.ErrorIs(t, err, offlinecache.ErrInstallFailed)
	assert.Same(t, v1, reg.Active())

	keys, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Contains(t, keys, "app-cache-v1")

	before := hits.Load()
	body, _, err := get(t, reg, server.URL+"/a")
	require.NoError(t, err)
	assert.Equal(t, "GET /a", body)
	assert.Equal(t, before, hits.Load())

	// a good version takes over and evicts the old generation
	v3cfg := cacheFirst("app-cache-v3")
	v3cfg.BaseURL = server.URL
	v3cfg.StaticAssets = []string{"/a"}
	v3 := newWorker(t, storage, v3cfg, net)

	require.NoError(t, reg.Register(ctx, v3))
	assert.Same(t, v3, reg.Active())

	keys, err = storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"app-cache-v3"}, keys)

	reg.Wait()
}

func TestRegistrationTakeoverDuringWriteThrough(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	server, _ := origin(t, nil)
	storage := local.NewBasicCache()
	net := &network{}
	slow := newGate(net, "/slow")
	reg := offlinecache.NewRegistration(net, discardLogger())

	stored := make(chan error, 2)
	v1cfg := cacheFirst("app-cache-v1")
	v1cfg.OnStored = func(_ string, err error) { stored <- err }
	v1 := newWorker(t, storage, v1cfg, slow)
	require.NoError(t, reg.Register(ctx, v1))

	_, _, err := get(t, reg, server.URL+"/a")
	require.NoError(t, err)
	require.NoError(t, <-stored)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/slow", nil)
	require.NoError(t, err)
	done := roundTripAsync(reg, req)
	<-slow.arrived

	v2 := newWorker(t, storage, cacheFirst("app-cache-v2"), net)
	require.NoError(t, reg.Register(ctx, v2))
	assert.Same(t, v2, reg.Active())

	// the old version answers its request, but may not write its bucket back
	close(slow.open)
	res := <-done
	require.NoError(t, res.err)
	body, err := io.ReadAll(res.resp.Body)
	res.resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "GET /slow", string(body))

	reg.Wait()
	assert.ErrorIs(t, <-stored, offlinecache.ErrRetired)

	keys, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.NotContains(t, keys, "app-cache-v1")
	assert.Empty(t, reg.Retired())
}

func TestRegistrationTakeoverDuringOfflineFallback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	server, _ := origin(t, nil)
	storage := local.NewBasicCache()
	net := &network{}
	slow := newGate(net, "/page")
	reg := offlinecache.NewRegistration(net, discardLogger())

	v1cfg := networkFirst("app-cache-v1")
	v1cfg.BaseURL = server.URL
	v1cfg.StaticAssets = []string{"/page"}
	v1 := newWorker(t, storage, v1cfg, net)
	require.NoError(t, reg.Register(ctx, v1))

	// a second v1 worker without a bucket handle, as after a restart
	fresh := newWorker(t, storage, networkFirst("app-cache-v1"), slow)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/page", nil)
	require.NoError(t, err)
	done := roundTripAsync(fresh, req)
	<-slow.arrived

	v2 := newWorker(t, storage, networkFirst("app-cache-v2"), net)
	require.NoError(t, reg.Register(ctx, v2))

	net.offline.Store(true)
	close(slow.open)
	res := <-done
	assert.ErrorIs(t, res.err, errOffline)

	// the evicted generation is a miss for the old version too
	_, _, err = get(t, v1, server.URL+"/page")
	assert.ErrorIs(t, err, errOffline)

	reg.Wait()
	keys, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRegistrationForgetsSettledVersions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	server, _ := origin(t, nil)
	storage := local.NewBasicCache()
	net := &network{}
	reg := offlinecache.NewRegistration(net, discardLogger())

	for _, tag := range []string{"v1", "v2", "v3", "v4"} {
		w := newWorker(t, storage, cacheFirst(tag), net)
		require.NoError(t, reg.Register(ctx, w))

		_, _, err := get(t, reg, server.URL+"/"+tag)
		require.NoError(t, err)
	}

	reg.Wait()
	assert.Empty(t, reg.Retired())

	keys, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v4"}, keys)
}
