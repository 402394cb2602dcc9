package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/dgduncan/go-offline-cache"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("OFFLINE_CACHE_CONFIG", "/offlinecache.yaml"), "path to offlinecache.yaml")
	flag.Parse()

	cfg, err := LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storage, closer, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer closer.Close()

	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		log.Fatalf("server.origin: %v", err)
	}

	reg := offlinecache.NewRegistration(http.DefaultTransport, logger)
	if err := deploy(ctx, reg, storage, cfg, logger); err != nil {
		log.Fatalf("deploy worker: %v", err)
	}

	go reloadOnHangup(ctx, reg, storage, configPath, logger)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen %s: %v", addr, err)
	}

	srv := &http.Server{
		Handler:           newProxy(origin, reg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("offlinecache listening", "addr", addr, "origin", cfg.Server.Origin)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	reg.Wait()
}

// deploy builds a worker for the configured version and registers it.
func deploy(ctx context.Context, reg *offlinecache.Registration, storage offlinecache.Storage, cfg Config, logger *slog.Logger) error {
	wc, err := cfg.workerConfig()
	if err != nil {
		return err
	}

	build, err := offlinecache.New(storage, &wc, nil, logger)
	if err != nil {
		return err
	}

	return reg.Register(ctx, build(reg.Network))
}

// reloadOnHangup registers a new worker version from the config file on every
// SIGHUP. A version that fails to install leaves the running one in control.
func reloadOnHangup(ctx context.Context, reg *offlinecache.Registration, storage offlinecache.Storage, path string, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := reload(ctx, reg, storage, path, logger); err != nil {
				logger.Error("reload", "error", err)
			}
		}
	}
}

// reload reads the config file again and deploys the worker version it names.
func reload(ctx context.Context, reg *offlinecache.Registration, storage offlinecache.Storage, path string, logger *slog.Logger) error {
	cfg, err := LoadConfig(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := deploy(ctx, reg, storage, cfg, logger); err != nil {
		return fmt.Errorf("deploy worker: %w", err)
	}

	logger.InfoContext(ctx, "reloaded", "generation", cfg.Worker.Generation)
	return nil
}

// newProxy forwards every request to origin through the registration. A fetch
// that neither the network nor the cache can answer becomes a 502.
func newProxy(origin *url.URL, rt http.RoundTripper, logger *slog.Logger) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(origin)
			r.Out.Host = origin.Host
		},
		Transport: rt,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.WarnContext(r.Context(), "fetch failed", "url", r.URL.String(), "error", err)
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
