package v1

import (
	"errors"
	"net/http"
)

type configView struct {
	MaxConcurrentDownloads int `json:"maxConcurrentDownloads"`
	RunningDownloads       int `json:"runningDownloads"`
}

type configPatch struct {
	MaxConcurrentDownloads *int `json:"maxConcurrentDownloads"`
}

func (h *TaskHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, configView{
		MaxConcurrentDownloads: h.svc.MaxConcurrent(),
		RunningDownloads:       h.svc.RunningCount(),
	})
}

// PatchConfig changes the concurrency limit of the running dispatcher.
func (h *TaskHandler) PatchConfig(w http.ResponseWriter, r *http.Request) {
	var body configPatch
	if err := decodeJSONStrict(w, r, &body); err != nil {
		if !errors.Is(err, ErrContentType) {
			markErr(w, err)
			http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		writeError(w, err)
		return
	}
	if body.MaxConcurrentDownloads == nil {
		writeError(w, ErrMaxConcurrent)
		return
	}
	if err := h.svc.UpdateConfig(*body.MaxConcurrentDownloads); err != nil {
		writeError(w, err)
		return
	}
	h.l.Info("config updated", "max_concurrent", *body.MaxConcurrentDownloads)
	h.GetConfig(w, r)
}
