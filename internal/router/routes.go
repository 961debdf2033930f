package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	v1 "github.com/tinoosan/titan/api/v1"
	"github.com/tinoosan/titan/internal/auth"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// New sets up the application routes and required middleware. An empty
// token leaves the API open.
func New(logger *slog.Logger, svc v1.TaskService, ready Pinger, token string) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Error("write healthz response", "err", err)
		}
	}).Methods("GET")

	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if ready != nil {
			if err := ready.Ping(ctx); err != nil {
				logger.Warn("readiness check failed", "err", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}).Methods("GET")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	h := v1.NewTaskHandler(logger, svc)

	r.Use(v1.RequestID)
	r.Use(h.Log)
	r.Use(auth.Middleware(token))

	api := r.PathPrefix("/v1").Subrouter()

	// GETs
	get := api.Methods("GET").Subrouter()
	get.HandleFunc("/tasks", h.ListTasks)
	get.HandleFunc("/tasks/{id:[0-9]+}", h.GetTask)
	get.HandleFunc("/tasks/uid/{uid}", h.GetTaskByUID)
	get.HandleFunc("/config", h.GetConfig)
	get.HandleFunc("/stream", h.Stream)

	// POSTs
	post := api.Methods("POST").Subrouter()
	post.Handle("/tasks", v1.MiddlewareEnqueueValidation(http.HandlerFunc(h.EnqueueTasks)))
	post.HandleFunc("/tasks/{action:pause|resume|cancel|delete}", h.BatchAction)

	// PATCHes
	patch := api.Methods("PATCH").Subrouter()
	patch.Handle("/tasks/{id:[0-9]+}", v1.MiddlewarePatchDesired(http.HandlerFunc(h.PatchTask)))
	patch.HandleFunc("/config", h.PatchConfig)

	// DELETEs
	del := api.Methods("DELETE").Subrouter()
	del.HandleFunc("/tasks/{id:[0-9]+}", h.DeleteTask)

	return r
}
