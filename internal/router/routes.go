package router

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "github.com/tinoosan/mirrord/api/v1"
	"github.com/tinoosan/mirrord/internal/auth"
	"github.com/tinoosan/mirrord/internal/service"
)

// New sets up the application routes and required middleware. status serves
// the websocket status stream; token guards everything under /v1.
func New(logger *slog.Logger, svc service.Tasks, status http.Handler, token string) *mux.Router {
	r := mux.NewRouter()
	r.Use(v1.RequestID)
	r.Use(v1.Log(logger))

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Error("write healthz response", "err", err)
		}
	}).Methods("GET")
	r.HandleFunc("/readyz", readyz(logger, svc)).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	h := v1.NewTaskHandler(logger, svc)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(auth.Middleware(token))

	// GETs
	get := api.Methods("GET").Subrouter()
	get.HandleFunc("/tasks", h.ListTasks)
	get.HandleFunc("/tasks/{mid}", h.GetTask)
	get.Handle("/status", status)

	// POSTs
	post := api.Methods("POST").Subrouter()
	post.HandleFunc("/tasks", h.SubmitTask)
	post.HandleFunc("/tasks/stop", h.StopAll)

	// DELETEs
	del := api.Methods("DELETE").Subrouter()
	del.HandleFunc("/tasks/{mid}", h.CancelTask)

	return r
}

// readyz pings every backend and reports 503 when any of them fails.
func readyz(logger *slog.Logger, svc service.Tasks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := http.StatusOK
		out := map[string]string{}
		for kind, err := range svc.Ping(r.Context()) {
			if err != nil {
				code = http.StatusServiceUnavailable
				out[string(kind)] = err.Error()
				continue
			}
			out[string(kind)] = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(out); err != nil {
			logger.Error("write readyz response", "err", err)
		}
	}
}
