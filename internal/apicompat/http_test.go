package apicompat

import (
	"net/http"
	"strings"
	"testing"
)

func TestMetricsEndpoint(t *testing.T) {
	client := newAPIClient(t)
	client.metrics(t)
}

func TestIndexEndpoint(t *testing.T) {
	client := newAPIClient(t)
	resp, body := client.get(t, "/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET / status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "/video_feed") {
		t.Fatalf("index does not reference /video_feed")
	}
}

func TestHealthEndpoint(t *testing.T) {
	client := newAPIClient(t)
	resp, body := client.get(t, "/health")
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("GET /health status = %d", resp.StatusCode)
	}
	status := requireString(t, decodeJSONMap(t, body)["status"], "status")
	if status != "ok" && status != "not_ready" {
		t.Fatalf("health status = %q", status)
	}
}

func TestStatusEndpoint(t *testing.T) {
	client := newAPIClient(t)
	resp, body := client.get(t, "/api/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/status status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	pipeline := requireMap(t, payload["pipeline"], "pipeline")
	requireString(t, pipeline["state"], "pipeline.state")
	if _, ok := pipeline["ready"].(bool); !ok {
		t.Fatalf("pipeline.ready is not a bool: %v", pipeline["ready"])
	}
	assertTelemetryPayload(t, requireMap(t, payload["telemetry"], "telemetry"))
}

func TestUpdateModelRequiresPost(t *testing.T) {
	client := newAPIClient(t)
	resp, _ := client.get(t, "/update-model?model_path=x")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /update-model status = %d", resp.StatusCode)
	}
}
