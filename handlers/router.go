package handlers

import "github.com/gorilla/mux"

// NewRouter registers the conversion API routes.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/conversions/upload", h.Upload).Methods("POST")
	r.HandleFunc("/api/conversions/status/{job_id}", h.Status).Methods("GET")
	r.HandleFunc("/api/conversions/progress/{job_id}", h.Progress).Methods("POST")
	r.HandleFunc("/api/conversions/download/{job_id}", h.Download).Methods("GET")
	r.HandleFunc("/api/conversions/guest-status", h.Quota).Methods("GET")
	r.HandleFunc("/api/conversions/supported", h.Supported).Methods("GET")
	r.HandleFunc("/api/conversions/presets", h.Presets).Methods("GET")
	r.HandleFunc("/api/health", h.Health).Methods("GET")
	return r
}
