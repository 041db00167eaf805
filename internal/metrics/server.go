package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skiff-io/skiff/internal/logging"
)

// Serve exposes /metrics on addr for Prometheus scraping and returns the
// bound address together with a shutdown func. A nil gatherer serves the
// default registry; a nil logger falls back to the global one. A client
// process embedding several handles calls this once.
func Serve(addr string, gatherer prometheus.Gatherer, log *logging.Logger) (string, func() error, error) {
	if log == nil {
		log = logging.Global()
	}

	handler := promhttp.Handler()
	if gatherer != nil {
		handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}
	bound := ln.Addr().String()

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics listener failed", map[string]any{
				"addr":  bound,
				"error": err.Error(),
			})
		}
	}()
	log.Infof("serving metrics", map[string]any{"addr": bound})

	shutdown := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
	return bound, shutdown, nil
}
