package v1

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/tinoosan/titan/internal/broadcast"
	"github.com/tinoosan/titan/internal/data"
)

// TaskService is the dispatcher surface the HTTP API drives.
type TaskService interface {
	Enqueue(ctx context.Context, reqs ...data.Request) ([]int64, error)
	Get(ctx context.Context, id int64) (*data.Task, error)
	GetByUID(ctx context.Context, uid string) (*data.Task, error)
	List(ctx context.Context, q data.Query) (data.Tasks, error)
	Pause(ctx context.Context, ids ...int64) error
	Resume(ctx context.Context, ids ...int64) error
	Cancel(ctx context.Context, ids ...int64) error
	Delete(ctx context.Context, deleteFile bool, ids ...int64) error
	WatchTask(ctx context.Context, id int64) (<-chan *data.Task, error)
	Subscribe(buffer int) *broadcast.Subscription
	UpdateConfig(maxConcurrent int) error
	MaxConcurrent() int
	RunningCount() int
}

type TaskHandler struct {
	l   *slog.Logger
	svc TaskService
}

func NewTaskHandler(l *slog.Logger, svc TaskService) *TaskHandler {
	return &TaskHandler{l: l, svc: svc}
}

type batchBody struct {
	IDs        []int64 `json:"ids"`
	DeleteFile bool    `json:"deleteFile"`
}

func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ts, err := h.svc.List(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	if ts == nil {
		ts = data.Tasks{}
	}
	writeJSON(w, http.StatusOK, ts)
}

func parseQuery(r *http.Request) (data.Query, error) {
	v := r.URL.Query()
	scope, err := data.ParseScope(v.Get("scope"))
	if err != nil {
		return data.Query{}, err
	}
	order, err := data.ParseOrder(v.Get("order"))
	if err != nil {
		return data.Query{}, err
	}
	q := data.Query{Scope: scope, Order: order}
	if q.Offset, err = intParam(v.Get("offset")); err != nil {
		return data.Query{}, err
	}
	if q.Limit, err = intParam(v.Get("limit")); err != nil {
		return data.Query{}, err
	}
	return q, nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, data.ErrInvalidRequest
	}
	return n, nil
}

func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := data.ParseID(mux.Vars(r)["id"])
	if err != nil {
		markErr(w, err)
		http.Error(w, "Unable to convert ID", http.StatusBadRequest)
		return
	}
	t, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *TaskHandler) GetTaskByUID(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.GetByUID(r.Context(), mux.Vars(r)["uid"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *TaskHandler) EnqueueTasks(w http.ResponseWriter, r *http.Request) {
	reqs, ok := r.Context().Value(ctxKeyRequests{}).([]data.Request)
	if !ok || len(reqs) == 0 {
		markErr(w, ErrRequestsCtx)
		http.Error(w, ErrRequestsCtx.Error(), http.StatusInternalServerError)
		return
	}
	ids, err := h.svc.Enqueue(r.Context(), reqs...)
	if err != nil {
		writeError(w, err)
		return
	}
	created := make(data.Tasks, 0, len(ids))
	for _, id := range ids {
		t, err := h.svc.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		created = append(created, t)
	}
	writeJSON(w, http.StatusCreated, created)
}

// PatchTask moves a task toward its desired status: PAUSED pauses,
// RUNNING resumes and CANCELED cancels. Asking for the status a task
// already has is a no-op.
func (h *TaskHandler) PatchTask(w http.ResponseWriter, r *http.Request) {
	id, err := data.ParseID(mux.Vars(r)["id"])
	if err != nil {
		markErr(w, err)
		http.Error(w, "Unable to convert ID", http.StatusBadRequest)
		return
	}
	body, ok := r.Context().Value(ctxKeyPatch{}).(patchBody)
	if !ok || body.DesiredStatus == "" {
		markErr(w, ErrDesiredStatus)
		http.Error(w, ErrDesiredStatus.Error(), http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	t, err := h.svc.Get(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.applyDesired(ctx, t, strings.ToUpper(body.DesiredStatus)); err != nil {
		writeError(w, err)
		return
	}
	updated, err := h.svc.Get(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *TaskHandler) applyDesired(ctx context.Context, t *data.Task, desired string) error {
	switch data.Status(desired) {
	case data.StatusPaused:
		if t.Status == data.StatusPaused {
			return nil
		}
		if !t.Status.CanPause() {
			return ErrConflict
		}
		return h.svc.Pause(ctx, t.ID)
	case data.StatusRunning:
		if t.Status.CanResume() {
			return h.svc.Resume(ctx, t.ID)
		}
		if t.Status == data.StatusCompleted {
			return ErrConflict
		}
		return nil
	case data.StatusCanceled:
		if t.Status == data.StatusCanceled {
			return nil
		}
		if !t.Status.CanCancel() {
			return ErrConflict
		}
		return h.svc.Cancel(ctx, t.ID)
	}
	return ErrBadDesiredStatus
}

func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := data.ParseID(mux.Vars(r)["id"])
	if err != nil {
		markErr(w, err)
		http.Error(w, "Unable to convert ID", http.StatusBadRequest)
		return
	}
	deleteFile := false
	if s := r.URL.Query().Get("deleteFile"); s != "" {
		if deleteFile, err = strconv.ParseBool(s); err != nil {
			writeError(w, data.ErrInvalidRequest)
			return
		}
	}
	if _, err := h.svc.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.Delete(r.Context(), deleteFile, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BatchAction applies pause, resume, cancel or delete to a list of ids.
// Ids that are unknown or in the wrong status are skipped.
func (h *TaskHandler) BatchAction(w http.ResponseWriter, r *http.Request) {
	var body batchBody
	if err := decodeJSONStrict(w, r, &body); err != nil {
		if !errors.Is(err, ErrContentType) {
			err = fmt.Errorf("%w: %v", data.ErrInvalidRequest, err)
		}
		writeError(w, err)
		return
	}
	if len(body.IDs) == 0 {
		writeError(w, ErrNoIDs)
		return
	}

	ctx := r.Context()
	var err error
	switch action := mux.Vars(r)["action"]; action {
	case "pause":
		err = h.svc.Pause(ctx, body.IDs...)
	case "resume":
		err = h.svc.Resume(ctx, body.IDs...)
	case "cancel":
		err = h.svc.Cancel(ctx, body.IDs...)
	case "delete":
		if err = h.svc.Delete(ctx, body.DeleteFile, body.IDs...); err == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	default:
		err = ErrBadAction
	}
	if err != nil {
		writeError(w, err)
		return
	}

	out := make(data.Tasks, 0, len(body.IDs))
	for _, id := range body.IDs {
		if t, err := h.svc.Get(ctx, id); err == nil {
			out = append(out, t)
		}
	}
	writeJSON(w, http.StatusOK, out)
}
