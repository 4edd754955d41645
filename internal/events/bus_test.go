package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/smazurov/camfeed/internal/metrics"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := New()
	received := make(chan StreamFailedEvent, 1)

	unsub := bus.Subscribe(func(e StreamFailedEvent) {
		received <- e
	})
	defer unsub()

	event := StreamFailedEvent{
		SessionID:    "s1",
		DeviceSerial: "SIM0001",
		Code:         "ACQUISITION_STALLED",
		Timestamp:    "2026-01-27T10:30:00Z",
	}
	bus.Publish(event)

	got := <-received
	if got.Code != event.Code || got.SessionID != event.SessionID {
		t.Errorf("Expected %+v, got %+v", event, got)
	}
}

func TestBus_MultipleSubscribers(_ *testing.T) {
	bus := New()
	received1 := make(chan SessionConnectedEvent, 1)
	received2 := make(chan SessionConnectedEvent, 1)

	unsub1 := bus.Subscribe(func(e SessionConnectedEvent) {
		received1 <- e
	})
	defer unsub1()

	unsub2 := bus.Subscribe(func(e SessionConnectedEvent) {
		received2 <- e
	})
	defer unsub2()

	bus.Publish(SessionConnectedEvent{SessionID: "s1"})

	<-received1
	<-received2
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New()
	received := make(chan ParameterChangedEvent, 1)

	unsub := bus.Subscribe(func(e ParameterChangedEvent) {
		received <- e
	})

	bus.Publish(ParameterChangedEvent{Name: "Gain", Value: 2.0})
	<-received

	unsub()

	bus.Publish(ParameterChangedEvent{Name: "Gain", Value: 3.0})
	select {
	case <-received:
		t.Fatal("Should not have received event after unsubscribe")
	case <-time.After(10 * time.Millisecond):
		// Expected - no event
	}
}

func TestBus_TypeSafety(t *testing.T) {
	bus := New()

	failedReceived := make(chan bool, 1)
	stateReceived := make(chan bool, 1)

	unsub1 := bus.Subscribe(func(_ StreamFailedEvent) {
		failedReceived <- true
	})
	defer unsub1()

	unsub2 := bus.Subscribe(func(_ StreamStateChangedEvent) {
		stateReceived <- true
	})
	defer unsub2()

	bus.Publish(StreamFailedEvent{SessionID: "s1"})
	<-failedReceived

	select {
	case <-stateReceived:
		t.Fatal("State subscriber should NOT have received StreamFailedEvent")
	case <-time.After(10 * time.Millisecond):
		// Expected
	}

	bus.Publish(StreamStateChangedEvent{SessionID: "s1", State: StreamStateIdle})
	<-stateReceived

	select {
	case <-failedReceived:
		t.Fatal("Failure subscriber should NOT have received StreamStateChangedEvent")
	case <-time.After(10 * time.Millisecond):
		// Expected
	}
}

func TestBus_ThreadSafety(_ *testing.T) {
	bus := New()
	var wg sync.WaitGroup
	numGoroutines := 10
	eventsPerGoroutine := 100
	expected := numGoroutines * eventsPerGoroutine

	receivedCh := make(chan bool, expected)

	unsub := bus.Subscribe(func(_ ParameterChangedEvent) {
		receivedCh <- true
	})
	defer unsub()

	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range eventsPerGoroutine {
				bus.Publish(ParameterChangedEvent{
					Name:      "ExposureTime",
					Timestamp: time.Now().Format(time.RFC3339),
				})
			}
		}()
	}

	wg.Wait()

	for range expected {
		<-receivedCh
	}
}

func TestBus_AllEventTypes(t *testing.T) {
	bus := New()

	tests := []struct {
		name  string
		event Event
	}{
		{"SessionConnected", SessionConnectedEvent{SessionID: "s1"}},
		{"SessionDisconnected", SessionDisconnectedEvent{SessionID: "s1"}},
		{"StreamStateChanged", StreamStateChangedEvent{SessionID: "s1", State: StreamStateStreaming}},
		{"StreamFailed", StreamFailedEvent{SessionID: "s1"}},
		{"ParameterChanged", ParameterChangedEvent{SessionID: "s1", Name: "Gain"}},
		{"PresetsReloaded", PresetsReloadedEvent{Path: "presets.toml"}},
		{"LogEntry", LogEntryEvent{Message: "hello"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(_ *testing.T) {
			received := make(chan Event, 1)

			var unsub func()
			switch tt.event.(type) {
			case SessionConnectedEvent:
				unsub = bus.Subscribe(func(e SessionConnectedEvent) { received <- e })
			case SessionDisconnectedEvent:
				unsub = bus.Subscribe(func(e SessionDisconnectedEvent) { received <- e })
			case StreamStateChangedEvent:
				unsub = bus.Subscribe(func(e StreamStateChangedEvent) { received <- e })
			case StreamFailedEvent:
				unsub = bus.Subscribe(func(e StreamFailedEvent) { received <- e })
			case ParameterChangedEvent:
				unsub = bus.Subscribe(func(e ParameterChangedEvent) { received <- e })
			case PresetsReloadedEvent:
				unsub = bus.Subscribe(func(e PresetsReloadedEvent) { received <- e })
			case LogEntryEvent:
				unsub = bus.Subscribe(func(e LogEntryEvent) { received <- e })
			}
			defer unsub()

			bus.Publish(tt.event)
			<-received
		})
	}
}

func TestBus_SubscribeSession(t *testing.T) {
	bus := New()
	received := make(chan SessionEvent, 8)

	unsub := bus.SubscribeSession(func(e SessionEvent) {
		received <- e
	})
	defer unsub()

	bus.Publish(SessionConnectedEvent{SessionID: "a"})
	bus.Publish(StreamFailedEvent{SessionID: "a"})
	bus.Publish(PresetsReloadedEvent{Path: "ignored"})

	seen := map[uint32]bool{}
	for range 2 {
		select {
		case e := <-received:
			if e.GetSessionID() != "a" {
				t.Errorf("session id = %q", e.GetSessionID())
			}
			seen[e.Type()] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for session events")
		}
	}
	if !seen[TypeSessionConnected] || !seen[TypeStreamFailed] {
		t.Errorf("seen = %v", seen)
	}
}

func TestEventJSONSerialization(t *testing.T) {
	tests := []struct {
		name  string
		event any
		key   string
	}{
		{
			"StreamStateChangedEvent",
			StreamStateChangedEvent{SessionID: "s1", State: StreamStateFailed, Error: "stalled"},
			"state",
		},
		{
			"ParameterChangedEvent",
			ParameterChangedEvent{SessionID: "s1", Name: "Gain", Value: 2.5},
			"value",
		},
		{
			"StreamFailedEvent",
			StreamFailedEvent{SessionID: "s1", Code: "HARDWARE_ERROR"},
			"code",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("Failed to marshal: %v", err)
			}

			var result map[string]any
			if unmarshalErr := json.Unmarshal(data, &result); unmarshalErr != nil {
				t.Fatalf("Failed to unmarshal: %v", unmarshalErr)
			}

			if _, ok := result[tt.key]; !ok {
				t.Errorf("missing %q in %s", tt.key, data)
			}
		})
	}
}

func TestStreamStateChangedEvent_IsStreaming(t *testing.T) {
	if !(StreamStateChangedEvent{State: StreamStateStreaming}).IsStreaming() {
		t.Error("expected streaming")
	}
	if (StreamStateChangedEvent{State: StreamStateFailed}).IsStreaming() {
		t.Error("failed state reported as streaming")
	}
}

func TestEventStreamDeliversSessionEvents(t *testing.T) {
	bus := New()
	s := bus.OpenEventStream(10)
	defer s.Close()

	bus.Publish(StreamStateChangedEvent{SessionID: "s1", State: StreamStateStreaming})
	bus.Publish(LogEntryEvent{Message: "not part of the event stream"})
	bus.Publish(PresetsReloadedEvent{Path: "presets.toml"})

	// each event type has its own subscriber, so arrival order is not fixed
	got := map[string]bool{}
	for range 2 {
		select {
		case e := <-s.C():
			got[typeName(e)] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out, received %v", got)
		}
	}
	if !got["StreamStateChangedEvent"] || !got["PresetsReloadedEvent"] {
		t.Errorf("received %v", got)
	}
	select {
	case extra := <-s.C():
		t.Errorf("unexpected event %T", extra)
	default:
	}
}

func TestStreamCountsDrops(t *testing.T) {
	bus := New()
	s := bus.OpenLogStream(2)
	before := testutil.ToFloat64(metrics.EventDrops("logs"))

	done := make(chan struct{})
	go func() {
		for i := range 5 {
			bus.Publish(LogEntryEvent{Seq: uint64(i + 1)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publishing blocked on a full stream")
	}

	deadline := time.Now().Add(time.Second)
	for s.Dropped() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := s.Dropped(); got != 3 {
		t.Errorf("Dropped = %d, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.EventDrops("logs")) - before; got != 3 {
		t.Errorf("drop counter grew by %v, want 3", got)
	}
	if first := (<-s.C()).(LogEntryEvent); first.Seq != 1 {
		t.Errorf("first buffered entry seq = %d, want 1", first.Seq)
	}

	s.Close()
	bus.Publish(LogEntryEvent{Seq: 99})
	time.Sleep(10 * time.Millisecond)
	if got := s.Dropped(); got != 3 {
		t.Errorf("closed stream still counting: %d", got)
	}
}

func typeName(v any) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", v), "events.")
}
