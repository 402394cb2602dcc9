package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches/local"
)

func fetch(t *testing.T, u string) (int, string) {
	t.Helper()

	resp, err := http.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(b)
}

func TestProxyOffline(t *testing.T) {
	tests := []struct {
		name       string
		policy     string
		assets     []string
		warm       []string
		wantStatus map[string]int
	}{
		{
			name:   "network-first falls back to precached assets only",
			policy: "network-first",
			assets: []string{"/static/style.css"},
			warm:   []string{"/"},
			wantStatus: map[string]int{
				"/":                 http.StatusBadGateway,
				"/static/style.css": http.StatusOK,
				"/entry":            http.StatusBadGateway,
			},
		},
		{
			name:   "cache-first serves precached and visited pages",
			policy: "cache-first",
			assets: []string{"/static/style.css"},
			warm:   []string{"/"},
			wantStatus: map[string]int{
				"/":                 http.StatusOK,
				"/static/style.css": http.StatusOK,
				"/entry":            http.StatusBadGateway,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			originSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("page " + r.URL.Path))
			}))

			cfg := Config{}
			cfg.Server.Origin = originSrv.URL
			cfg.Worker.Generation = "brajwasi-v2"
			cfg.Worker.Policy = tt.policy
			cfg.Worker.Assets = tt.assets

			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			reg := offlinecache.NewRegistration(http.DefaultTransport, logger)
			require.NoError(t, deploy(context.Background(), reg, local.NewBasicCache(), cfg, logger))

			origin, err := url.Parse(originSrv.URL)
			require.NoError(t, err)

			proxy := httptest.NewServer(newProxy(origin, reg, logger))
			defer proxy.Close()

			for _, p := range tt.warm {
				status, body := fetch(t, proxy.URL+p)
				assert.Equal(t, http.StatusOK, status)
				assert.Equal(t, "page "+p, body)
			}
			reg.Wait()

			originSrv.Close()

			for p, want := range tt.wantStatus {
				status, body := fetch(t, proxy.URL+p)
				assert.Equal(t, want, status, p)
				if want == http.StatusOK {
					assert.Equal(t, "page "+p, body)
				}
			}
		})
	}
}

func TestReloadBumpsVersion(t *testing.T) {
	ctx := context.Background()

	originSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("page " + r.URL.Path))
	}))
	defer originSrv.Close()

	path := filepath.Join(t.TempDir(), "offlinecache.yaml")
	writeConfig := func(generation string) {
		t.Helper()
		yaml := "server:\n  origin: " + originSrv.URL + "\n" +
			"worker:\n  generation: " + generation + "\n  policy: cache-first\n" +
			"  assets:\n    - /static/style.css\n"
		require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	storage := local.NewBasicCache()
	reg := offlinecache.NewRegistration(http.DefaultTransport, logger)

	writeConfig("app-cache-v1")
	require.NoError(t, reload(ctx, reg, storage, path, logger))
	require.NotNil(t, reg.Active())
	assert.Equal(t, "app-cache-v1", reg.Active().Config().GenerationTag)

	writeConfig("app-cache-v2")
	require.NoError(t, reload(ctx, reg, storage, path, logger))
	assert.Equal(t, "app-cache-v2", reg.Active().Config().GenerationTag)

	reg.Wait()
	keys, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"app-cache-v2"}, keys)

	// a broken file keeps the running version
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o600))
	assert.Error(t, reload(ctx, reg, storage, path, logger))
	assert.Equal(t, "app-cache-v2", reg.Active().Config().GenerationTag)
}
