package nats

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/smazurov/camfeed/internal/dispatch"
	"github.com/smazurov/camfeed/internal/events"
	"github.com/smazurov/camfeed/internal/version"
)

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	URL string
	// PublishFrames enables the frames subject. Frames are large; leave it
	// off unless a subscriber needs them.
	PublishFrames bool
	Logger        *slog.Logger
}

// Publisher forwards session events, and optionally encoded frames, to NATS.
// Gracefully degrades when NATS is unavailable.
type Publisher struct {
	url       string
	frames    bool
	conn      *nats.Conn
	unsub     func()
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool
}

type marshaler interface {
	Marshal() ([]byte, error)
}

// NewPublisher creates a publisher.
func NewPublisher(opts PublisherOptions) *Publisher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		url:    opts.URL,
		frames: opts.PublishFrames,
		logger: logger.With("component", "nats-publisher"),
	}
}

// Connect establishes a connection to the NATS server. On failure the
// publisher stays usable and every publish is a no-op.
func (p *Publisher) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, err := nats.Connect(p.url,
		nats.Name(version.ClientName("publisher")),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1), // Infinite reconnects
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			p.mu.Lock()
			p.connected = false
			p.mu.Unlock()
			if err != nil {
				p.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			p.mu.Lock()
			p.connected = true
			p.mu.Unlock()
			p.logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		p.logger.Warn("Failed to connect to NATS, events will not be published", "error", err)
		return err
	}

	p.conn = conn
	p.connected = true
	p.logger.Info("Connected to NATS", "url", p.url, "frames", p.frames)
	return nil
}

// Attach forwards every session event of bus until Close.
func (p *Publisher) Attach(bus *events.Bus) {
	unsub := bus.SubscribeSession(p.handleEvent)
	p.mu.Lock()
	if p.unsub != nil {
		p.unsub()
	}
	p.unsub = unsub
	p.mu.Unlock()
}

func (p *Publisher) handleEvent(ev events.SessionEvent) {
	id := ev.GetSessionID()
	switch e := ev.(type) {
	case events.SessionConnectedEvent:
		p.publish(SubjectSessionLifecycle(id), LifecycleMessage{
			SessionID:    id,
			Timestamp:    e.Timestamp,
			Event:        "connected",
			DeviceSerial: e.DeviceSerial,
			Model:        e.Model,
		})
	case events.SessionDisconnectedEvent:
		p.publish(SubjectSessionLifecycle(id), LifecycleMessage{
			SessionID:    id,
			Timestamp:    e.Timestamp,
			Event:        "disconnected",
			DeviceSerial: e.DeviceSerial,
		})
	case events.StreamStateChangedEvent:
		p.publish(SubjectSessionState(id), StateMessage{
			SessionID:    id,
			Timestamp:    e.Timestamp,
			DeviceSerial: e.DeviceSerial,
			State:        e.State,
			Error:        e.Error,
		})
	case events.StreamFailedEvent:
		p.publish(SubjectSessionFailed(id), FailedMessage{
			SessionID:    id,
			Timestamp:    e.Timestamp,
			DeviceSerial: e.DeviceSerial,
			Code:         e.Code,
			Error:        e.Error,
		})
	case events.ParameterChangedEvent:
		p.publish(SubjectSessionParams(id), ParamMessage{
			SessionID: id,
			Timestamp: e.Timestamp,
			Name:      e.Name,
			Value:     e.Value,
		})
	}
}

// PublishFrame publishes one encoded frame with its metadata in headers. It
// matches session.FrameHook and is a no-op unless frames are enabled.
func (p *Publisher) PublishFrame(sessionID string, f dispatch.Payload) {
	if !p.frames {
		return
	}
	conn := p.activeConn()
	if conn == nil {
		return
	}

	msg := nats.NewMsg(SubjectSessionFrames(sessionID))
	msg.Header.Set(HeaderFrameSeq, strconv.FormatUint(f.Seq, 10))
	msg.Header.Set(HeaderFrameWidth, strconv.Itoa(f.Width))
	msg.Header.Set(HeaderFrameHeight, strconv.Itoa(f.Height))
	msg.Header.Set(HeaderCapturedAt, f.CapturedAt.UTC().Format(time.RFC3339Nano))
	msg.Data = f.Data
	if err := conn.PublishMsg(msg); err != nil {
		p.logger.Debug("Failed to publish frame", "session_id", sessionID, "seq", f.Seq, "error", err)
	}
}

func (p *Publisher) publish(subject string, m marshaler) {
	conn := p.activeConn()
	if conn == nil {
		return
	}

	data, err := m.Marshal()
	if err != nil {
		p.logger.Warn("Failed to marshal message", "subject", subject, "error", err)
		return
	}
	if err := conn.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish message", "subject", subject, "error", err)
	}
}

func (p *Publisher) activeConn() *nats.Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.conn == nil || !p.connected {
		return nil
	}
	return p.conn
}

// IsConnected returns true if connected to NATS.
func (p *Publisher) IsConnected() bool {
	return p.activeConn() != nil
}

// Close detaches from the bus and closes the connection after flushing
// pending messages.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.unsub != nil {
		p.unsub()
		p.unsub = nil
	}
	if p.conn != nil {
		_ = p.conn.FlushTimeout(time.Second)
		p.conn.Close()
		p.conn = nil
	}
	p.connected = false
	p.logger.Debug("NATS publisher closed")
}
