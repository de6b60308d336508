package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestWriteEmitsStructuredEvent(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	Write(log, Entry{
		SessionID:  "sess-1",
		Action:     "session.request",
		ClientAddr: "@alice",
		DaemonAddr: "@bob",
		Device:     "office",
		Status:     StatusSuccess,
		Detail:     map[string]any{"mode": "direct"},
	})

	var parsed map[string]any
	if err := json.Unmarshal(buf.Bytes(), &parsed); err != nil {
		t.Fatalf("expected valid JSON log line: %v (raw: %s)", err, buf.String())
	}
	if parsed["sessionId"] != "sess-1" {
		t.Errorf("sessionId = %v, want sess-1", parsed["sessionId"])
	}
	if parsed["action"] != "session.request" {
		t.Errorf("action = %v, want session.request", parsed["action"])
	}
	if parsed["mode"] != "direct" {
		t.Errorf("mode = %v, want direct", parsed["mode"])
	}
}

func TestWriteSkipsInvalidStatus(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	Write(log, Entry{SessionID: "sess-1", Action: "session.request", Status: "bogus"})

	if !strings.Contains(buf.String(), "invalid status") {
		t.Errorf("expected a warning about invalid status, got: %s", buf.String())
	}
	if strings.Contains(buf.String(), "session audit event") {
		t.Errorf("expected the audit event itself to be skipped, got: %s", buf.String())
	}
}
