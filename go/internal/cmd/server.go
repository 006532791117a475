package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mcdev12/statesync/go/internal/realtime/gateway"
	"github.com/mcdev12/statesync/go/internal/realtime/metrics"
	"github.com/mcdev12/statesync/go/internal/realtime/rpc"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func setupServer(cfg Config, services *Services) *http.Server {
	mux := http.NewServeMux()

	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	// Register services
	registerServices(mux, services)

	// Add health check endpoints
	setupHealthCheck(mux, services)

	// Wrap with CORS
	handler := c.Handler(mux)

	// Setup HTTP/2 server. No write timeout: WebSocket streams are long lived.
	return &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func registerServices(mux *http.ServeMux, services *Services) {
	// WebSocket stream and REST session API
	gateway.NewHandler(services.Engine, services.Connections).RegisterRoutes(mux)

	// Connect RPC
	rpcPath, rpcHandler := rpc.NewHandler(rpc.NewService(services.Engine, services.Clock))
	mux.Handle(rpcPath, rpcHandler)

	// Prometheus
	mux.Handle("GET /metrics", metrics.Handler(services.Registry))
}

func setupHealthCheck(mux *http.ServeMux, services *Services) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Warn().Err(err).Msg("failed to write health check response")
		}
	})
	mux.Handle("GET /healthz", services.Health)
}
