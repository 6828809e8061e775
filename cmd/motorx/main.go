// Command motorx is the proxy entrypoint, grounded on the teacher's
// cmd/server/main.go (godotenv.Load, config.Load, wire pipeline, start
// server) and cmd/server/tls.go (TLS mode dispatch), generalized from the
// teacher's single target+cache+queue pipeline to motorx's rule/cache/
// pool/auth engine, and supplemented with os/signal-driven graceful
// shutdown (absent from both the teacher and
// original_source/motorx-core/src/lib.rs's Server, which simply runs until
// the process is killed).
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"motorx/internal/auth"
	"motorx/internal/cache"
	"motorx/internal/config"
	"motorx/internal/proxyhttp"
	"motorx/internal/server"
	"motorx/internal/tlsprovider"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: could not load .env file (%v), using system environment", err)
	}

	path := "motorx.json"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("load config %q: %v", path, err)
	}

	registry := buildRegistry(cfg)
	engine := &proxyhttp.Engine{
		Config: cfg,
		Cache:  cache.New(cfg.CacheRuleCount()),
		Auth:   &auth.Gate{Config: cfg, Pools: registry},
		Pools:  registry,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", engine)

	handler := http.Handler(mux)
	srv := &server.Server{Addr: cfg.Addr, Handler: handler, MaxConnections: cfg.MaxConnections}

	if cfg.TLS.Mode != config.TLSNone {
		provider, err := tlsprovider.For(cfg.TLS)
		if err != nil {
			log.Fatalf("configure tls: %v", err)
		}
		tlsCfg, err := provider.TLSConfig()
		if err != nil {
			log.Fatalf("build tls config: %v", err)
		}
		srv.TLSConfig = tlsCfg
		if acme, ok := provider.(*tlsprovider.AcmeCertProvider); ok {
			srv.Handler = acme.HTTPHandler(handler)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("motorx listening on %s (tls=%v, upstreams=%d)", cfg.Addr, srv.TLSConfig != nil, len(cfg.UpstreamOrder))
		errCh <- srv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	case <-ctx.Done():
		log.Printf("shutdown signal received, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}

func buildRegistry(cfg *config.Config) *server.Registry {
	addrs := make([]string, len(cfg.UpstreamOrder))
	maxConns := make([]int, len(cfg.UpstreamOrder))
	for i, name := range cfg.UpstreamOrder {
		up := cfg.Upstreams[name]
		addrs[i] = up.Address
		maxConns[i] = up.MaxConnections
	}
	return server.NewRegistry(addrs, maxConns)
}
