// Package nats publishes session activity on NATS and accepts control
// commands from it.
//
// # Architecture
//
//   - Server: optional embedded NATS server (camfeed --nats-embedded)
//   - Publisher: forwards session events from the event bus and, when
//     enabled, every encoded frame
//   - Bridge: subscribes to control subjects and applies them to sessions
//   - ControlPublisher: client side of the control subjects
//
// # Subject Hierarchy
//
//	camfeed.sessions.{session_id}.lifecycle # connected / disconnected
//	camfeed.sessions.{session_id}.state     # streaming, idle, failed
//	camfeed.sessions.{session_id}.params    # applied parameter values
//	camfeed.sessions.{session_id}.failed    # fault that ended a stream
//	camfeed.sessions.{session_id}.frames    # JPEG payload, metadata in headers
//	camfeed.control.{session_id}.stop       # stop command (request/reply)
//
// Events use core NATS fire-and-forget publishing (no JetStream). The
// publisher degrades to a no-op when NATS is unavailable.
//
// # Debugging with nats CLI
//
// Monitor every session message:
//
//	nats sub "camfeed.sessions.>"
//
// Stop a stream and print the reply:
//
//	nats req "camfeed.control.<session_id>.stop" '{"action":"stop","reason":"manual_debug"}'
//
// Frame messages carry Camfeed-Frame-Seq, Camfeed-Frame-Width,
// Camfeed-Frame-Height and Camfeed-Captured-At headers; the body is the JPEG.
//
// # Message Formats
//
// StateMessage (camfeed.sessions.{id}.state):
//
//	{
//	  "session_id": "6f1c2a9e-4d2b-4c36-9a57-0b1de3f0c2aa",
//	  "timestamp": "2026-01-27T10:30:00Z",
//	  "device_serial": "SIM0001",
//	  "state": "failed",
//	  "error": "ACQUISITION_STALLED: 5 consecutive fetch timeouts"
//	}
//
// ControlReply (reply to camfeed.control.{id}.stop):
//
//	{"ok": false, "code": "SESSION_NOT_FOUND", "error": "..."}
package nats
