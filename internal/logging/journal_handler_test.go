package logging

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
)

type journalEntry struct {
	message  string
	priority journal.Priority
	fields   map[string]string
}

func captureJournal(level slog.Level) (*JournalHandler, *[]journalEntry) {
	var sent []journalEntry
	h := NewJournalHandler(level)
	h.send = func(message string, priority journal.Priority, fields map[string]string) error {
		sent = append(sent, journalEntry{message, priority, fields})
		return nil
	}
	return h, &sent
}

func TestJournalFields(t *testing.T) {
	h, sent := captureJournal(slog.LevelDebug)
	logger := slog.New(h).With("module", "acquisition", "session_id", "6f1c2a9e")

	logger.WithGroup("frame").Warn("buffer wait timed out",
		"consecutive", 2,
		"wait", 40*time.Millisecond,
		"message", "clobber attempt",
		slog.Group("pool", "filled", 1, "announced", 4),
	)

	if len(*sent) != 1 {
		t.Fatalf("sent %d entries", len(*sent))
	}
	e := (*sent)[0]
	if e.message != "buffer wait timed out" || e.priority != journal.PriWarning {
		t.Errorf("message %q priority %d", e.message, e.priority)
	}
	want := map[string]string{
		"SYSLOG_IDENTIFIER":    SyslogIdentifier,
		"MODULE":               "acquisition",
		"SESSION_ID":           "6f1c2a9e",
		"FRAME_CONSECUTIVE":    "2",
		"FRAME_WAIT":           "40ms",
		"FRAME_MESSAGE":        "clobber attempt",
		"FRAME_POOL_FILLED":    "1",
		"FRAME_POOL_ANNOUNCED": "4",
	}
	for k, v := range want {
		if e.fields[k] != v {
			t.Errorf("%s = %q, want %q", k, e.fields[k], v)
		}
	}
	if _, ok := e.fields["PRIORITY"]; ok {
		t.Error("PRIORITY duplicated in fields")
	}
}

func TestJournalReservedAndInvalidNames(t *testing.T) {
	h, sent := captureJournal(slog.LevelInfo)
	slog.New(h).Info("started", "message", "override", "_pid", 1, "http.status-code", 200, "9lives", true)

	fields := (*sent)[0].fields
	for k, v := range map[string]string{
		"ATTR_MESSAGE":     "override",
		"PID":              "1",
		"HTTP_STATUS_CODE": "200",
		"F_9LIVES":         "true",
	} {
		if fields[k] != v {
			t.Errorf("%s = %q, want %q (fields %v)", k, fields[k], v, fields)
		}
	}
	if _, ok := fields["MESSAGE"]; ok {
		t.Error("attribute overwrote MESSAGE")
	}
}

func TestJournalFieldName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"session_id", "SESSION_ID"},
		{"__", ""},
		{"é", ""},
		{"a-b.c", "A_B_C"},
		{"x", "X"},
	}
	for _, tt := range tests {
		if got := journalFieldName(tt.in); got != tt.want {
			t.Errorf("journalFieldName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	long := journalFieldName(strings.Repeat("x", 100))
	if len(long) != maxFieldName {
		t.Errorf("long name has %d bytes", len(long))
	}
}

func TestJournalLevel(t *testing.T) {
	h, sent := captureJournal(slog.LevelWarn)
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info enabled on a warn handler")
	}
	slog.New(h).Error("stream failed")
	if len(*sent) != 1 || (*sent)[0].priority != journal.PriErr {
		t.Errorf("sent = %+v", *sent)
	}
}
