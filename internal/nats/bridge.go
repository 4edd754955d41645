package nats

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/smazurov/camfeed/internal/camera"
	"github.com/smazurov/camfeed/internal/version"
)

// StreamStopper stops a session's stream.
type StreamStopper interface {
	StopStream(sessionID string) error
}

// Bridge subscribes to control subjects and applies them to the sessions.
type Bridge struct {
	url      string
	sessions StreamStopper
	conn     *nats.Conn
	subs     []*nats.Subscription
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewBridge creates a new NATS-to-session control bridge.
func NewBridge(url string, sessions StreamStopper, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bridge{
		url:      url,
		sessions: sessions,
		logger:   logger.With("component", "nats-bridge"),
	}
}

// Start connects to NATS and subscribes to the control subjects.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := nats.Connect(b.url,
		nats.Name(version.ClientName("control")),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("NATS bridge disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			b.logger.Info("NATS bridge reconnected")
		}),
	)
	if err != nil {
		return err
	}

	b.conn = conn

	// Subscribe to stop commands of every session using wildcard
	stopSub, err := conn.Subscribe(SubjectControlPrefix+".*."+ActionStop, b.handleStop)
	if err != nil {
		b.cleanup()
		return err
	}
	b.subs = append(b.subs, stopSub)

	// the subscription must reach the server before Start returns
	if err := conn.Flush(); err != nil {
		b.cleanup()
		return err
	}

	b.logger.Info("NATS bridge subscribed to control subjects", "url", b.url)
	return nil
}

// handleStop stops the stream named by the subject. Requests get a
// ControlReply; plain publishes are fire-and-forget.
func (b *Bridge) handleStop(msg *nats.Msg) {
	id := sessionFromSubject(msg.Subject)
	reason := ""
	if len(msg.Data) > 0 {
		ctrl, err := UnmarshalControl(msg.Data)
		if err != nil {
			b.logger.Warn("Failed to unmarshal control message", "error", err, "subject", msg.Subject)
			b.respond(msg, ControlReply{Code: camera.ErrCodeInvalidValue, Error: err.Error()})
			return
		}
		reason = ctrl.Reason
	}

	b.logger.Info("Received control command", "action", ActionStop, "session_id", id, "reason", reason)

	reply := ControlReply{OK: true}
	if err := b.sessions.StopStream(id); err != nil {
		b.logger.Warn("Control stop failed", "session_id", id, "error", err)
		reply = ControlReply{Code: camera.CodeOf(err), Error: err.Error()}
	}
	b.respond(msg, reply)
}

func (b *Bridge) respond(msg *nats.Msg, reply ControlReply) {
	if msg.Reply == "" {
		return
	}
	data, err := reply.Marshal()
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		b.logger.Warn("Failed to answer control request", "subject", msg.Subject, "error", err)
	}
}

// sessionFromSubject extracts <id> from camfeed.control.<id>.<action>.
func sessionFromSubject(subject string) string {
	rest := strings.TrimPrefix(subject, SubjectControlPrefix+".")
	id, _, _ := strings.Cut(rest, ".")
	return id
}

// cleanup unsubscribes and closes connection.
func (b *Bridge) cleanup() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil

	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

// Stop closes the bridge connection.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cleanup()
	b.logger.Info("NATS bridge stopped")
}

// IsConnected returns true if the bridge is connected to NATS.
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && b.conn.IsConnected()
}

// ControlPublisher sends control commands to a camfeed server.
type ControlPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewControlPublisher creates a publisher for control commands.
func NewControlPublisher(url string, logger *slog.Logger) (*ControlPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(url,
		nats.Name(version.ClientName("control-client")),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(5),
	)
	if err != nil {
		return nil, err
	}

	return &ControlPublisher{
		conn:   conn,
		logger: logger.With("component", "nats-control"),
	}, nil
}

// Stop asks the server to stop a session's stream and waits for the answer.
// A refusal is returned as a *camera.Error carrying the server's code.
func (p *ControlPublisher) Stop(ctx context.Context, sessionID, reason string) error {
	msg := ControlMessage{
		Action:    ActionStop,
		SessionID: sessionID,
		Timestamp: time.Now().Format(time.RFC3339),
		Reason:    reason,
	}

	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	resp, err := p.conn.RequestWithContext(ctx, SubjectControlStop(sessionID), data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return errors.New("no camfeed server is listening for control commands")
		}
		return err
	}
	reply, err := UnmarshalControlReply(resp.Data)
	if err != nil {
		return err
	}
	if !reply.OK {
		return camera.NewError(reply.Code, reply.Error, nil)
	}

	p.logger.Info("Sent stop command", "session_id", sessionID, "reason", reason)
	return nil
}

// Close closes the control publisher connection.
func (p *ControlPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
