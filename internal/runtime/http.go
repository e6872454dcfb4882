package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

func (r *Runtime) routes() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", r.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/readyz", r.handleReady).Methods(http.MethodGet)
	router.HandleFunc("/status", r.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/listen", r.handleListen).Methods(http.MethodPost)
	router.HandleFunc("/listen/stop", r.handleListenStop).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{id}/events", r.handleSessionEvents).Methods(http.MethodGet)
	if r.metrics != nil {
		router.Handle("/metrics", r.metrics).Methods(http.MethodGet)
	}
	return router
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load() && r.bus.Healthy()
	if ready && r.router != nil {
		ready = r.router.Healthy()
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.listener.Status())
}

func (r *Runtime) handleListen(w http.ResponseWriter, req *http.Request) {
	if err := r.listener.Start(req.Context()); err != nil {
		r.logger.Warn("listen request failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, r.listener.Status())
}

func (r *Runtime) handleListenStop(w http.ResponseWriter, _ *http.Request) {
	r.listener.Stop()
	writeJSON(w, http.StatusAccepted, r.listener.Status())
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	limit := 100
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	events, err := r.store.ListSessionEvents(req.Context(), id, limit)
	if err != nil {
		r.logger.Warn("listing session events failed", slog.String("session_id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list events"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": events})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
