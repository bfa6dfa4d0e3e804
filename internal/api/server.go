// Package api is the read-only query service: candles, snapshots, movers,
// news, fundamentals, and corporate actions behind an api-key header.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/nkgotcode/vietmarket/internal/warehouse"
)

// Server holds the handlers' dependencies.
type Server struct {
	DB     *warehouse.Warehouse
	APIKey string
}

// Router builds the full route table. /healthz and /metrics are open;
// everything else requires the api key.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestID, accessLog)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	data := r.NewRoute().Subrouter()
	data.Use(auth(s.APIKey))

	data.HandleFunc("/candles", s.handleCandles).Methods(http.MethodGet)
	data.HandleFunc("/latest", s.handleLatest).Methods(http.MethodGet)
	data.HandleFunc("/top-movers", s.handleTopMovers).Methods(http.MethodGet)
	data.HandleFunc("/news/latest", s.handleNewsLatest).Methods(http.MethodGet)
	data.HandleFunc("/news/by-ticker", s.handleNewsByTicker).Methods(http.MethodGet)
	data.HandleFunc("/fundamentals/latest", s.handleFundamentals).Methods(http.MethodGet)
	data.HandleFunc("/screener", s.handleScreener).Methods(http.MethodGet)
	data.HandleFunc("/corporate-actions/latest", s.handleCorporateActions).Methods(http.MethodGet)
	data.HandleFunc("/corporate-actions/by-ticker", s.handleCorporateActions).Methods(http.MethodGet)

	data.HandleFunc("/v1/analytics/overview", s.handleOverview).Methods(http.MethodGet)
	data.HandleFunc("/v1/context/{ticker}", s.handleContext).Methods(http.MethodGet)
	data.HandleFunc("/v1/overall/health", s.handleOverallHealth).Methods(http.MethodGet)

	return r
}

// ListenAndServe runs until ctx is cancelled, then drains with a 10s grace.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("query service listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
