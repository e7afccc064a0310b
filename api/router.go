// Package api exposes the credit ledger over HTTP.
package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/idempotency"
)

// Dependencies are the collaborators the HTTP layer calls into.
type Dependencies struct {
	Logger      *slog.Logger
	Store       creditledger.LedgerStore
	Engine      *creditledger.AllocationEngine
	Broker      *creditledger.GenerationBroker
	Audit       *creditledger.AuditLog
	Idempotency idempotency.Store

	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer     prometheus.Gatherer
	MaxBodyBytes int64
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil || deps.Engine == nil || deps.Broker == nil || deps.Audit == nil {
		return nil, fmt.Errorf("creditledger/api: store, engine, broker and audit are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	h := &Handler{
		store:  deps.Store,
		engine: deps.Engine,
		broker: deps.Broker,
		audit:  deps.Audit,
		logger: deps.Logger,
	}

	r := mux.NewRouter()
	r.Use(CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(Metrics)
	r.Use(BodySizeLimit(deps.MaxBodyBytes))
	r.Use(Idempotency(deps.Idempotency, deps.Logger))

	r.HandleFunc("/healthz", h.HealthCheck).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	accounts := r.PathPrefix("/accounts").Subrouter()
	accounts.HandleFunc("", h.CreateAccount).Methods(http.MethodPost)
	accounts.HandleFunc("", h.ListAccounts).Methods(http.MethodGet)
	accounts.HandleFunc("/{id}", h.GetAccount).Methods(http.MethodGet)
	accounts.HandleFunc("/{id}/balance", h.GetBalance).Methods(http.MethodGet)
	accounts.HandleFunc("/{id}/transactions", h.ListTransactions).Methods(http.MethodGet)
	accounts.HandleFunc("/{id}/quota", h.GetQuota).Methods(http.MethodGet)
	accounts.HandleFunc("/{id}/reconcile", h.Reconcile).Methods(http.MethodGet)
	accounts.HandleFunc("/{id}/conservation", h.Conservation).Methods(http.MethodGet)
	accounts.HandleFunc("/{id}/topup", h.TopUp).Methods(http.MethodPost)
	accounts.HandleFunc("/{id}/allocate", h.Allocate).Methods(http.MethodPost)
	accounts.HandleFunc("/{id}/reclaim", h.Reclaim).Methods(http.MethodPost)
	accounts.HandleFunc("/{id}/adjust", h.Adjust).Methods(http.MethodPost)
	accounts.HandleFunc("/{id}/reassign", h.Reassign).Methods(http.MethodPost)
	accounts.HandleFunc("/{id}/deactivate", h.Deactivate).Methods(http.MethodPost)
	accounts.HandleFunc("/{id}/activate", h.Activate).Methods(http.MethodPost)

	generations := r.PathPrefix("/generations").Subrouter()
	generations.HandleFunc("", h.Generate).Methods(http.MethodPost)
	generations.HandleFunc("/reserve", h.Reserve).Methods(http.MethodPost)
	generations.HandleFunc("/{id}/commit", h.Commit).Methods(http.MethodPost)
	generations.HandleFunc("/{id}/release", h.Release).Methods(http.MethodPost)

	r.HandleFunc("/reservations/{id}", h.GetReservation).Methods(http.MethodGet)

	return r, nil
}
