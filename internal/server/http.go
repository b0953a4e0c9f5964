package server

import (
	"net/http"

	"github.com/pulserelay/pulse/internal/config"
)

// NewHTTPServer builds an http.Server from configuration.
func NewHTTPServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
