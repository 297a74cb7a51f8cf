package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brunobiangulo/storyline/bus"
	"github.com/brunobiangulo/storyline/orchestrator"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are restricted by the CORS and auth middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

var errRunFinished = errors.New("run finished")

// GET /runs/{id}/stream
// Upgrades to a WebSocket, replays the run's log and then forwards live
// envelopes in sequence order. The server closes the connection once the
// run completes or fails.
func (h *handler) handleStream(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if !bus.ValidRunID(runID) {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "run", runID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// gorilla/websocket allows one concurrent writer.
	var mu sync.Mutex
	write := func(messageType int, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(messageType, data)
	}

	// Reads only serve pong handling and close detection.
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	slog.Info("stream opened", "run", runID, "remote", r.RemoteAddr)
	err = h.engine.Bus().Follow(ctx, runID, func(env bus.Envelope) error {
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := write(websocket.TextMessage, data); err != nil {
			return err
		}
		if runFinished(env) {
			return errRunFinished
		}
		return nil
	})

	switch {
	case errors.Is(err, errRunFinished):
		write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
	case err != nil && !errors.Is(err, context.Canceled):
		slog.Warn("stream ended", "run", runID, "error", err)
	}
}

// runFinished reports whether env is the last status of a run.
func runFinished(env bus.Envelope) bool {
	msg, ok := env.Message()
	if !ok {
		return false
	}
	st, ok := msg.(bus.Status)
	if !ok {
		return false
	}
	switch st.Tag {
	case bus.TagCompleted:
		return true
	case bus.TagError:
		var data struct {
			State orchestrator.State `json:"state"`
		}
		return json.Unmarshal(st.Data, &data) == nil && data.State == orchestrator.StateFailed
	}
	return false
}
