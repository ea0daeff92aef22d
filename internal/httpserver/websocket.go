package httpserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tinytelemetry/sift/internal/apperr"
)

const (
	wsWriteWait = 10 * time.Second

	// wsCancelCommand is the text frame that cancels the bound run.
	wsCancelCommand = "cancel"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsError struct {
	Type  string      `json:"type"`
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind"`
}

// handleAnalyzeSocket binds one run to one WebSocket. Parameters come from
// the query string. With a source_id the run starts on connect; otherwise
// the first text frame is the JSON run request. Events are sent as JSON
// frames and the socket is closed after the terminal event. Disconnecting
// does not cancel the run.
func (s *Server) handleAnalyzeSocket(c *gin.Context) {
	params, err := paramsFrom(c.Query)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("httpserver: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	body := params
	if body.SourceID == "" {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			closeWithError(conn, apperr.Errorf(apperr.KindInvalid, "analyze socket", "first frame must be a JSON run request"))
			return
		}
		if err := json.Unmarshal(data, &body); err != nil {
			closeWithError(conn, apperr.New(apperr.KindInvalid, "analyze socket", err))
			return
		}
	}
	req, err := body.request()
	if err != nil {
		closeWithError(conn, apperr.New(apperr.KindInvalid, "analyze socket", err))
		return
	}
	runID, err := s.ctrl.StartRun(ctx, req)
	if err != nil {
		closeWithError(conn, err)
		return
	}
	events, err := s.ctrl.Subscribe(ctx, runID)
	if err != nil {
		closeWithError(conn, err)
		return
	}

	// Read pump: cancel commands, and disconnect detection.
	go func() {
		defer cancel()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.TextMessage && strings.TrimSpace(string(data)) == wsCancelCommand {
				if err := s.ctrl.Cancel(runID); err != nil {
					log.Printf("httpserver: cancel run %s: %v", runID, err)
				}
			}
		}
	}()

	// Write pump.
	for ev := range events {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			log.Printf("httpserver: websocket write failed: %v", err)
			return
		}
		if ev.Type.Terminal() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(ev.Type))
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
			return
		}
	}
}

func closeWithError(conn *websocket.Conn, err error) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	conn.WriteJSON(wsError{Type: "error", Error: err.Error(), Kind: apperr.KindOf(err)})
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(apperr.KindOf(err)))
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
