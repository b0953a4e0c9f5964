// Package httpapi exposes the service's HTTP surface: the websocket connect
// handshake, the send entry point, the administrative registry CRUD, and the
// operational endpoints.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pulserelay/pulse/internal/analytics"
	"github.com/pulserelay/pulse/internal/config"
	"github.com/pulserelay/pulse/internal/observability"
	"github.com/pulserelay/pulse/internal/opencloud"
	"github.com/pulserelay/pulse/internal/relay"
	"github.com/pulserelay/pulse/internal/store"
)

// Deps collects the collaborators the API serves.
type Deps struct {
	Config    *config.Config
	Store     store.Store
	Publisher opencloud.Publisher
	Recorder  analytics.Recorder
	Relay     *relay.Handler
	Host      *Host
	Metrics   *observability.Metrics
	// MetricsHandler serves the scrape endpoint.
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

// API is the HTTP handler set for the service.
type API struct {
	cfg       *config.Config
	store     store.Store
	publisher opencloud.Publisher
	recorder  analytics.Recorder
	relay     *relay.Handler
	host      *Host
	metrics   *observability.Metrics
	metricsH  http.Handler
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

// New creates the API from its collaborators.
//
// Precondition: every Deps field must be populated.
func New(d Deps) *API {
	return &API{
		cfg:       d.Config,
		store:     d.Store,
		publisher: d.Publisher,
		recorder:  d.Recorder,
		relay:     d.Relay,
		host:      d.Host,
		metrics:   d.Metrics,
		metricsH:  d.MetricsHandler,
		logger:    d.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the route table.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(a.logRequests)

	r.HandleFunc("/universe/registry/add", a.withSession(a.handleRegistryAdd)).Methods(http.MethodPost)
	r.HandleFunc("/universe/registry/remove", a.withSession(a.handleRegistryRemove)).Methods(http.MethodPost)
	r.HandleFunc("/universe/registry/update", a.withSession(a.handleRegistryUpdate)).Methods(http.MethodPost)
	r.HandleFunc("/universe/registry/list", a.withSession(a.handleRegistryList)).Methods(http.MethodGet)

	r.HandleFunc("/universe/{id:[0-9]+}/connect", a.handleConnect).Methods(http.MethodGet)
	r.HandleFunc("/universe/{id:[0-9]+}/send", a.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/universe/{id:[0-9]+}/clients", a.withSession(a.handleClients)).Methods(http.MethodGet)

	r.HandleFunc("/ui/login", a.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/ui/session", a.handleSession).Methods(http.MethodGet)

	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", a.metricsH).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Invalid path")
	})
	return r
}

func (a *API) withSession(h http.HandlerFunc) http.HandlerFunc {
	return a.requireSession(h).ServeHTTP
}

// handleHealthz reports backing store reachability.
func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Health(r.Context(), 5*time.Second); err != nil {
		a.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
