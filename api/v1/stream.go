package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/tinoosan/titan/internal/broadcast"
	"github.com/tinoosan/titan/internal/data"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 10 * time.Second
)

// streamEvent is one message on the task stream. The first message of an
// unfiltered stream is a snapshot of every task.
type streamEvent struct {
	Kind  string     `json:"kind"`
	Task  *data.Task `json:"task,omitempty"`
	Tasks data.Tasks `json:"tasks,omitempty"`
}

const kindSnapshot = "snapshot"

// Stream upgrades to a WebSocket and pushes task updates until the client
// goes away. With ?id= only that task is streamed.
func (h *TaskHandler) Stream(w http.ResponseWriter, r *http.Request) {
	var id int64
	if s := r.URL.Query().Get("id"); s != "" {
		var err error
		if id, err = data.ParseID(s); err != nil {
			markErr(w, err)
			http.Error(w, "Unable to convert ID", http.StatusBadRequest)
			return
		}
		if _, err := h.svc.Get(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		markErr(w, err)
		return
	}
	status, reason := websocket.StatusNormalClosure, "done"
	defer func() { _ = conn.Close(status, reason) }()

	// Clients only listen; CloseRead handles their close frame. The request
	// context ends when the server shuts down.
	ctx := conn.CloseRead(r.Context())
	if id != 0 {
		err = h.streamTask(ctx, conn, id)
	} else {
		err = h.streamAll(ctx, conn)
	}
	switch {
	case err != nil && ctx.Err() == nil:
		h.l.Warn("stream ended", "err", err)
		status, reason = websocket.StatusInternalError, "stream failed"
	case r.Context().Err() != nil:
		status, reason = websocket.StatusGoingAway, "server shutting down"
	}
}

func (h *TaskHandler) streamTask(ctx context.Context, conn *websocket.Conn, id int64) error {
	updates, err := h.svc.WatchTask(ctx, id)
	if err != nil {
		return err
	}
	for t := range updates {
		if err := write(ctx, conn, streamEvent{Kind: string(broadcast.KindStatus), Task: t}); err != nil {
			return err
		}
	}
	return nil
}

func (h *TaskHandler) streamAll(ctx context.Context, conn *websocket.Conn) error {
	sub := h.svc.Subscribe(streamBuffer)
	defer sub.Close()

	ts, err := h.svc.List(ctx, data.Query{Scope: data.ScopeAll, Order: data.OrderAsc})
	if err != nil {
		return err
	}
	if err := write(ctx, conn, streamEvent{Kind: kindSnapshot, Tasks: ts}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-sub.C:
			if !ok {
				return nil
			}
			t := u.Task
			if err := write(ctx, conn, streamEvent{Kind: string(u.Kind), Task: &t}); err != nil {
				return err
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, ev streamEvent) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
