package apicompat

import (
	"net/http"
	"os"
	"testing"
	"time"
)

func TestRecordingStatus(t *testing.T) {
	client := newAPIClient(t)
	resp, body := client.get(t, "/api/recording/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/recording/status status = %d", resp.StatusCode)
	}
	if _, ok := decodeJSONMap(t, body)["recording"].(bool); !ok {
		t.Fatalf("recording is not a bool: %s", body)
	}
}

// Recording writes files on the server, so it only runs on request.
func TestRecordingStartStop(t *testing.T) {
	if os.Getenv("SPEC_RECORDING") == "" {
		t.Skip("set SPEC_RECORDING=1 to enable the recording test")
	}
	client := newAPIClient(t)

	resp, body := client.do(t, http.MethodPost, "/api/recording/start")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /api/recording/start status = %d: %s", resp.StatusCode, body)
	}
	started := decodeJSONMap(t, body)
	if started["status"] != "recording" {
		t.Fatalf("start = %v", started)
	}
	requireString(t, started["file"], "file")

	time.Sleep(500 * time.Millisecond)

	resp, body = client.do(t, http.MethodPost, "/api/recording/stop")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /api/recording/stop status = %d: %s", resp.StatusCode, body)
	}
	stopped := decodeJSONMap(t, body)
	if stopped["status"] != "stopped" {
		t.Fatalf("stop = %v", stopped)
	}
	requireNumber(t, requireMap(t, stopped["stats"], "stats")["frame_count"], "stats.frame_count")
}
