package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/smazurov/camfeed/internal/camera"
	"github.com/smazurov/camfeed/internal/session"
)

// controlCommand is one JSON text message on /ws. "parameter" and "name" are
// both accepted for setValue.
type controlCommand struct {
	Command   string `json:"command"`
	Index     int    `json:"index"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Parameter string `json:"parameter"`
	Name      string `json:"name"`
	Value     any    `json:"value"`
}

type deviceEntry struct {
	Index     int    `json:"index"`
	Model     string `json:"model"`
	Serial    string `json:"serial"`
	Interface string `json:"interface"`
}

type message struct {
	Message string `json:"message"`
}

type failure struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func failureOf(err error) failure {
	return failure{Error: err.Error(), Code: camera.CodeOf(err)}
}

// controlConn is the state of one /ws client: at most one session and at
// most one running frame pump.
type controlConn struct {
	srv  *Server
	conn *wsConn
	ctx  context.Context

	sessionID string
	model     string

	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
	stopping   atomic.Bool
}

// handleControl serves the /ws control channel: JSON text commands in, JSON
// text replies and binary frames out on the same connection.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "path", r.URL.Path, "error", err)
		return
	}
	defer conn.Close()
	defer s.trackConn(conn)()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &controlConn{srv: s, conn: &wsConn{conn: conn}, ctx: ctx}
	defer c.release()

	s.logger.Info("Control client connected", "remote_addr", r.RemoteAddr)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("Control client disconnected", "remote_addr", r.RemoteAddr, "reason", err)
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		reply := c.handle(data)
		if reply == nil {
			continue
		}
		if err := c.conn.writeJSON(reply); err != nil {
			return
		}
	}
}

func (c *controlConn) handle(data []byte) any {
	var cmd controlCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return failure{Error: err.Error()}
	}

	switch cmd.Command {
	case "get_devices":
		return c.devices()
	case "connect":
		return c.connect(cmd.Index)
	case "disconnect":
		if c.sessionID == "" {
			return failure{Error: "No camera connected"}
		}
		if err := c.release(); err != nil {
			return failureOf(err)
		}
		return message{Message: "Disconnected from camera"}
	case "start_stream":
		return c.startStream(cmd)
	case "stop_stream":
		return c.stopStream()
	case "getMax", "getMin":
		if c.sessionID == "" {
			return failure{Error: "No camera connected"}
		}
		mins, maxs, err := c.srv.sessions.Bounds(c.sessionID)
		if err != nil {
			return failureOf(err)
		}
		if cmd.Command == "getMax" {
			return map[string]any{"max": maxs}
		}
		return map[string]any{"min": mins}
	case "getCurrent":
		if c.sessionID == "" {
			return failure{Error: "No camera connected"}
		}
		current, err := c.srv.sessions.CurrentParameters(c.sessionID)
		if err != nil {
			return failureOf(err)
		}
		return map[string]any{"current": current}
	case "setValue":
		return c.setValue(cmd)
	default:
		return failure{Error: "Unknown command"}
	}
}

func (c *controlConn) devices() any {
	devices, err := c.srv.sessions.ListDevices(c.ctx)
	if err != nil {
		return failureOf(err)
	}
	out := make([]deviceEntry, len(devices))
	for i, d := range devices {
		out[i] = deviceEntry{Index: d.Index, Model: d.Model, Serial: d.SerialNumber, Interface: d.Interface}
	}
	return map[string]any{"devices": out}
}

func (c *controlConn) connect(index int) any {
	if c.sessionID != "" {
		if err := c.release(); err != nil {
			return failureOf(err)
		}
	}
	sess, err := c.srv.sessions.Connect(c.ctx, index)
	if err != nil {
		return failureOf(err)
	}
	c.sessionID = sess.ID()
	c.model = sess.Device().Model
	return message{Message: "Connected to " + c.model}
}

func (c *controlConn) startStream(cmd controlCommand) any {
	if c.pumpDone != nil {
		select {
		case <-c.pumpDone:
			c.waitPump()
		default:
			return failure{Error: "Stream already running"}
		}
	}
	if c.sessionID == "" {
		if reply, ok := c.connect(cmd.Index).(failure); ok {
			return reply
		}
	}

	if err := c.srv.sessions.StartStream(c.sessionID, cmd.Width, cmd.Height); err != nil {
		return failureOf(err)
	}
	feed, err := c.srv.sessions.FrameFeed(c.sessionID)
	if err != nil {
		_ = c.srv.sessions.StopStream(c.sessionID)
		return failureOf(err)
	}

	// the acknowledgement goes out before the first frame
	if err := c.conn.writeJSON(message{Message: "Stream started"}); err != nil {
		_ = c.srv.sessions.StopStream(c.sessionID)
		return failureOf(err)
	}
	c.startPump(feed)
	return nil
}

func (c *controlConn) startPump(feed *session.Feed) {
	ctx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	c.pumpCancel, c.pumpDone = cancel, done
	c.stopping.Store(false)

	go func() {
		defer close(done)
		sent, err := pumpFrames(ctx, c.conn, feed)
		if err != nil && !c.stopping.Load() && ctx.Err() == nil {
			_ = c.conn.writeJSON(endOf(feed))
		}
		c.srv.logger.Debug("Control frame pump ended", "session_id", c.sessionID, "frames", sent, "reason", err)
	}()
}

func (c *controlConn) stopStream() any {
	if c.sessionID == "" || c.pumpDone == nil {
		return failure{Error: "No active stream"}
	}
	c.stopping.Store(true)
	err := c.srv.sessions.StopStream(c.sessionID)
	c.waitPump()
	if err != nil {
		return failureOf(err)
	}
	return message{Message: "Stream stopped"}
}

func (c *controlConn) setValue(cmd controlCommand) any {
	if c.sessionID == "" {
		return failure{Error: "No camera connected"}
	}
	name := cmd.Parameter
	if name == "" {
		name = cmd.Name
	}
	if name == "" || cmd.Value == nil {
		return failure{Error: "Missing parameter or value"}
	}
	applied, err := c.srv.sessions.SetParameter(c.sessionID, name, cmd.Value)
	if err != nil {
		return failureOf(err)
	}
	return map[string]any{"success": true, "applied": applied}
}

func (c *controlConn) waitPump() {
	if c.pumpDone == nil {
		return
	}
	<-c.pumpDone
	c.pumpCancel()
	c.pumpCancel, c.pumpDone = nil, nil
}

// release stops the pump and disconnects the session, if any.
func (c *controlConn) release() error {
	if c.pumpCancel != nil {
		c.stopping.Store(true)
		c.pumpCancel()
		c.waitPump()
	}
	if c.sessionID == "" {
		return nil
	}
	id := c.sessionID
	c.sessionID, c.model = "", ""
	if err := c.srv.sessions.Disconnect(id); err != nil && !errors.Is(err, camera.ErrSessionNotFound) {
		return err
	}
	return nil
}
