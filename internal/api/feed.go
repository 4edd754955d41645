package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smazurov/camfeed/internal/camera"
	"github.com/smazurov/camfeed/internal/session"
)

const closeWait = time.Second

// streamEnded is the last text message sent for a feed.
type streamEnded struct {
	Type  string `json:"type"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

func endOf(feed *session.Feed) streamEnded {
	msg := streamEnded{Type: "stream_ended"}
	if err := feed.Err(); err != nil {
		msg.Code = camera.CodeOf(err)
		msg.Error = err.Error()
	}
	return msg
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) writeFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) closeNormal(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
}

// drainReads consumes client messages until the connection fails, then
// calls cancel. Control frames (ping, close) are handled by gorilla while
// reading.
func drainReads(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// pumpFrames writes every frame of feed as one binary message until the
// stream ends, ctx is done or a write fails.
func pumpFrames(ctx context.Context, c *wsConn, feed *session.Feed) (int, error) {
	sent := 0
	for {
		p, err := feed.Next(ctx)
		if err != nil {
			return sent, err
		}
		if err := c.writeFrame(p.Data); err != nil {
			return sent, err
		}
		sent++
	}
}

// handleFeed serves a session's frame feed over WebSocket: one binary message
// per encoded frame, then a stream_ended text message when the stream stops.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")

	// claim before upgrading so failures are plain HTTP errors
	feed, err := s.sessions.FrameFeed(id)
	if err != nil {
		code := camera.CodeOf(err)
		writeJSONError(w, statusForCode(code), err.Error(), code)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "session_id", id, "error", err)
		return
	}
	defer conn.Close()
	defer s.trackConn(conn)()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go drainReads(conn, cancel)

	c := &wsConn{conn: conn}
	s.logger.Info("Frame feed opened", "session_id", id, "remote_addr", r.RemoteAddr)

	sent, err := pumpFrames(ctx, c, feed)
	if errors.Is(err, camera.ErrDispatcherClosed) {
		end := endOf(feed)
		if werr := c.writeJSON(end); werr == nil {
			c.closeNormal(end.Code)
		}
	}
	s.logger.Info("Frame feed closed", "session_id", id, "frames", sent, "reason", err)
}
