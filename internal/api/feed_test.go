package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smazurov/camfeed/internal/api/models"
	"github.com/smazurov/camfeed/internal/camera"
)

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", path, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) (int, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return kind, data
}

// readText skips binary frames until the next text message.
func readText(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	for {
		kind, data := read(t, conn)
		if kind != websocket.TextMessage {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("text message %q: %v", data, err)
		}
		return msg
	}
}

func expectJPEG(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	kind, data := read(t, conn)
	if kind != websocket.BinaryMessage {
		t.Fatalf("got message type %d (%s), want a binary frame", kind, data)
	}
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Fatalf("frame is not a JPEG (%d bytes)", len(data))
	}
}

func TestFeedRejectsUnclaimableSessions(t *testing.T) {
	env := newTestEnv(t, Options{})
	info := env.createSession(t, 0)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"unknown session", "/api/sessions/nope/feed", http.StatusNotFound},
		{"idle session", "/api/sessions/" + info.ID + "/feed", http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "ws" + strings.TrimPrefix(env.http.URL, "http") + tt.path
			_, resp, err := websocket.DefaultDialer.Dial(url, nil)
			if err == nil {
				t.Fatal("dial succeeded")
			}
			if resp == nil || resp.StatusCode != tt.status {
				t.Fatalf("response = %v, want status %d", resp, tt.status)
			}
		})
	}
}

func TestFeedStreamsFramesUntilStop(t *testing.T) {
	env := newTestEnv(t, Options{})
	info := env.createSession(t, 0)
	base := "/api/sessions/" + info.ID

	if resp := env.do(t, http.MethodPost, base+"/stream", models.StreamRequestData{Width: 32}); resp.StatusCode != http.StatusOK {
		t.Fatalf("start stream status = %d", resp.StatusCode)
	}
	conn := env.dial(t, base+"/feed")
	for range 3 {
		expectJPEG(t, conn)
	}

	// the feed of a stream is handed out once
	expectProblem(t, env.do(t, http.MethodGet, base+"/feed", nil), http.StatusConflict, camera.ErrCodeFeedClaimed)

	env.do(t, http.MethodDelete, base+"/stream", nil)
	end := readText(t, conn)
	if end["type"] != "stream_ended" {
		t.Fatalf("end message = %v", end)
	}
	if _, ok := end["code"]; ok {
		t.Errorf("clean stop reported a code: %v", end)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("after stream end: %v, want a normal close", err)
	}
}

func TestControlChannel(t *testing.T) {
	env := newTestEnv(t, Options{}, fastDevice("SIM0001"), fastDevice("SIM0002"))
	conn := env.dial(t, "/ws")

	send := func(cmd map[string]any) map[string]any {
		t.Helper()
		if err := conn.WriteJSON(cmd); err != nil {
			t.Fatal(err)
		}
		return readText(t, conn)
	}

	tests := []struct {
		name string
		cmd  map[string]any
		want string
	}{
		{"unknown command", map[string]any{"command": "dance"}, "Unknown command"},
		{"params before connect", map[string]any{"command": "getCurrent"}, "No camera connected"},
		{"set before connect", map[string]any{"command": "setValue", "parameter": "Gain", "value": 2}, "No camera connected"},
		{"stop without stream", map[string]any{"command": "stop_stream"}, "No active stream"},
		{"disconnect before connect", map[string]any{"command": "disconnect"}, "No camera connected"},
	}
	for _, tt := range tests {
		if got := send(tt.cmd); got["error"] != tt.want {
			t.Errorf("%s: reply %v, want error %q", tt.name, got, tt.want)
		}
	}

	devices := send(map[string]any{"command": "get_devices"})
	list, _ := devices["devices"].([]any)
	if len(list) != 2 {
		t.Fatalf("devices reply = %v", devices)
	}
	if first := list[0].(map[string]any); first["serial"] != "SIM0001" || first["index"] != 0.0 {
		t.Errorf("first device = %v", first)
	}

	reply := send(map[string]any{"command": "connect", "index": 1})
	if msg, _ := reply["message"].(string); !strings.HasPrefix(msg, "Connected to ") {
		t.Fatalf("connect reply = %v", reply)
	}
	if n := len(env.sessions.List()); n != 1 {
		t.Errorf("%d sessions after connect, want 1", n)
	}

	current := send(map[string]any{"command": "getCurrent"})
	if _, ok := current["current"].(map[string]any)["ExposureTime"]; !ok {
		t.Errorf("getCurrent reply = %v", current)
	}
	if reply := send(map[string]any{"command": "getMax"}); reply["max"].(map[string]any)["Gain"] != 10.0 {
		t.Errorf("getMax reply = %v", reply)
	}
	if reply := send(map[string]any{"command": "getMin"}); reply["min"].(map[string]any)["ExposureTime"] != 20.0 {
		t.Errorf("getMin reply = %v", reply)
	}

	if reply := send(map[string]any{"command": "setValue", "parameter": "Gain"}); reply["error"] != "Missing parameter or value" {
		t.Errorf("setValue without value = %v", reply)
	}
	reply = send(map[string]any{"command": "setValue", "name": "ExposureTime", "value": 5})
	if reply["success"] != true || reply["applied"] != 20.0 {
		t.Errorf("setValue reply = %v", reply)
	}

	if reply := send(map[string]any{"command": "start_stream", "width": 100000, "height": 100000}); reply["code"] != "INVALID_VALUE" {
		t.Errorf("oversized start_stream = %v", reply)
	}
	if reply := send(map[string]any{"command": "start_stream", "width": 32, "height": 24}); reply["message"] != "Stream started" {
		t.Fatalf("start_stream reply = %v", reply)
	}
	for range 3 {
		expectJPEG(t, conn)
	}
	if reply := send(map[string]any{"command": "start_stream"}); reply["error"] != "Stream already running" {
		t.Errorf("second start_stream = %v", reply)
	}
	if reply := send(map[string]any{"command": "stop_stream"}); reply["message"] != "Stream stopped" {
		t.Errorf("stop_stream reply = %v", reply)
	}

	if reply := send(map[string]any{"command": "disconnect"}); reply["message"] != "Disconnected from camera" {
		t.Errorf("disconnect reply = %v", reply)
	}
	if n := len(env.sessions.List()); n != 0 {
		t.Errorf("%d sessions after disconnect, want 0", n)
	}
}

func TestControlStartConnectsAndCloseReleases(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial(t, "/ws")

	if err := conn.WriteJSON(map[string]any{"command": "start_stream", "index": 0}); err != nil {
		t.Fatal(err)
	}
	if reply := readText(t, conn); reply["message"] != "Stream started" {
		t.Fatalf("start_stream reply = %v", reply)
	}
	expectJPEG(t, conn)
	if n := len(env.sessions.List()); n != 1 {
		t.Fatalf("%d sessions, want 1", n)
	}

	conn.Close()
	waitFor(t, "session release", func() bool { return len(env.sessions.List()) == 0 })
}

func TestWebSocketOriginFollowsCORS(t *testing.T) {
	tests := []struct {
		name   string
		cors   string
		origin string
		status int
	}{
		{"any origin by default", "", "http://elsewhere.example", http.StatusSwitchingProtocols},
		{"wildcard", "*", "http://elsewhere.example", http.StatusSwitchingProtocols},
		{"matching origin", "http://hmi.local", "http://HMI.local", http.StatusSwitchingProtocols},
		{"no origin header", "http://hmi.local", "", http.StatusSwitchingProtocols},
		{"foreign origin", "http://hmi.local", "http://elsewhere.example", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{CORSOrigin: tt.cors})
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
			conn, resp, err := websocket.DefaultDialer.Dial(url, header)
			if conn != nil {
				conn.Close()
			}
			if resp == nil {
				t.Fatalf("no response: %v", err)
			}
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d (err %v)", resp.StatusCode, tt.status, err)
			}
		})
	}
}
