// Package logging provides structured logging with per-module levels.
//
// Every logger shares one output chain: stdout (text or JSON), the systemd
// journal when journald is reachable, and an in-memory ring buffer served by
// the HTTP API. Levels are filtered per module before records reach the
// chain, through a slog.LevelVar, so loggers obtained before Initialize pick
// up the configured level and format.
//
//	logging.Initialize(logging.Config{
//		Level:   "info",
//		Format:  "text",
//		Modules: map[string]string{"acquisition": "debug"},
//	})
//
//	logger := logging.GetLogger("session")
//	logger.Info("Session connected", "session_id", id)
//
// Journal entries carry SYSLOG_IDENTIFIER=camfeed and one upper-cased field
// per attribute:
//
//	journalctl -t camfeed MODULE=acquisition -p warning
package logging
