// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/notify"
)

var upgrader = websocket.Upgrader{
	// The API binds to localhost; the viewer front-end is a local app.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// WSMessage is one push to a connected viewer.
type WSMessage struct {
	Action     string         `json:"action"`
	SessionID  string         `json:"session_id,omitempty"`
	TargetPath string         `json:"target_path,omitempty"`
	PanelID    string         `json:"panel_id,omitempty"`
	NodeType   string         `json:"node_type,omitempty"`
	Content    map[string]any `json:"content,omitempty"`
	Status     any            `json:"status,omitempty"`
}

// HandleStatusWebSocket upgrades the connection and pushes broadcast
// events (data-changed, open-panel) plus workflow status snapshots to
// the viewer until it disconnects. One writer goroutine serializes all
// pushes; the read loop exists to notice the disconnect and to answer
// explicit status requests.
func HandleStatusWebSocket(orc *tasknode.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		sessionID := uuid.New().String()
		slog.Info("viewer websocket connected", "session_id", sessionID)

		// out is never closed: the bus delivers callbacks from a
		// snapshot taken outside its lock, so a broadcast can land
		// after release(). Teardown is signalled through quit instead,
		// and late broadcasts are simply dropped.
		out := make(chan WSMessage, 32)
		quit := make(chan struct{})
		done := make(chan struct{})

		release := orc.Bus.Subscribe("ws:"+sessionID, func(ev notify.Event) {
			msg := WSMessage{
				Action:     string(ev.Kind),
				TargetPath: ev.TargetPath,
				PanelID:    ev.PanelID,
				NodeType:   ev.NodeType,
				Content:    ev.Content,
			}
			select {
			case <-quit:
				// Connection is tearing down.
			case out <- msg:
			default:
				// A viewer that stopped draining loses pushes rather
				// than stalling the bus.
				slog.Warn("dropping websocket push, client not draining", "session_id", sessionID)
			}
		})
		defer release()

		go func() {
			defer close(done)
			for {
				select {
				case <-quit:
					return
				case msg := <-out:
					if err := ws.WriteJSON(msg); err != nil {
						slog.Debug("websocket write failed", "session_id", sessionID, "error", err)
						return
					}
				}
			}
		}()

		out <- WSMessage{Action: "session_created", SessionID: sessionID}
		out <- statusMessage(orc)

		for {
			var req struct {
				Action string `json:"action"`
			}
			if err := ws.ReadJSON(&req); err != nil {
				slog.Info("viewer websocket disconnected", "session_id", sessionID)
				break
			}
			if req.Action == "status" {
				select {
				case out <- statusMessage(orc):
				case <-done:
				}
			}
		}
		close(quit)
		<-done
	}
}

func statusMessage(orc *tasknode.Orchestrator) WSMessage {
	status := gin.H{
		"phase":   string(orc.Workflow.Phase()),
		"running": orc.Workflow.IsRunning(),
	}
	if run := orc.Workflow.CurrentRun(); run != nil {
		status["run"] = run
	}
	return WSMessage{Action: "workflow_status", Status: status}
}
