package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestToPromLabels(t *testing.T) {
	got := toPromLabels("dir=sent,opcode=text")
	want := "dir=\"sent\",opcode=\"text\""
	if got != want {
		t.Fatalf("toPromLabels=%q want %q", got, want)
	}
}

func TestHandler_DisabledReturnsServiceUnavailable(t *testing.T) {
	mu.Lock()
	wasEnabled := state.enabled
	state.enabled = false
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		state.enabled = wasEnabled
		mu.Unlock()
	})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != 503 {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestRecordFrameAndHandler(t *testing.T) {
	Enable()
	RecordFrame("sent", "text", 11)
	RecordClose(1000, false)
	SetQueueDepth(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `wspulsar_ws_frames_total{dir="sent",opcode="text"} `) {
		t.Fatalf("missing frame counter in body:\n%s", body)
	}
	if !strings.Contains(body, "wspulsar_pulsar_queue_depth 3") {
		t.Fatalf("missing queue depth in body:\n%s", body)
	}
}
