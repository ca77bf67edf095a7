// Package server wires HTTP handlers into a router for the admin surface.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes returns the admin router: health check, WebSocket gateway,
// test page and Prometheus metrics.
func SetupRoutes(gw *Gateway, metrics *Metrics) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", HealthHandler)
	r.HandleFunc("/ws", gw.WebSocketHandler)
	r.HandleFunc("/test", TestPageHandler).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}
