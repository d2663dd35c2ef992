// Package apicompat holds black-box tests of the HTTP contract. They run
// against a live server at $SPEC_BASE_URL and skip when it is unreachable.
package apicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"
)

const (
	defaultBaseURL        = "http://localhost:8000"
	defaultRequestTimeout = 5 * time.Second
)

type apiClient struct {
	baseURL string
	client  *http.Client
}

func newAPIClient(t *testing.T) *apiClient {
	t.Helper()
	baseURL := os.Getenv("SPEC_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	client := &http.Client{Timeout: defaultRequestTimeout}

	if !isReachable(client, baseURL+"/metrics") {
		t.Skipf("server not reachable at %s (set SPEC_BASE_URL to run)", baseURL)
	}

	return &apiClient{
		baseURL: baseURL,
		client:  client,
	}
}

func isReachable(client *http.Client, url string) bool {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

func (c *apiClient) do(t *testing.T, method, path string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

func (c *apiClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	return c.do(t, http.MethodGet, path)
}

func (c *apiClient) metrics(t *testing.T) map[string]any {
	t.Helper()
	resp, body := c.get(t, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	assertTelemetryPayload(t, payload)
	return payload
}

func (c *apiClient) updateModel(t *testing.T, modelPath string) map[string]any {
	t.Helper()
	// A swap waits for the old loop and loads a model, which can take a while.
	slow := &http.Client{Timeout: 60 * time.Second}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/update-model?model_path="+url.QueryEscape(modelPath), nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := slow.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /update-model status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	payload := decodeJSONMap(t, body)
	requireString(t, payload["status"], "status")
	requireString(t, payload["message"], "message")
	return payload
}

func readSSEEvent(url string, timeout time.Duration) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 256)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
				return string(buf[:idx]), resp.Header, nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
	}
}

func parseSSEData(t *testing.T, event string) map[string]any {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			payload = strings.TrimSpace(payload)
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return decodeJSONMap(t, []byte(payload))
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return nil
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func assertTelemetryPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	if fps := requireNumber(t, payload["fps"], "fps"); fps < 0 {
		t.Fatalf("fps = %v", fps)
	}
	if lat := requireNumber(t, payload["latency_ms"], "latency_ms"); lat < 0 {
		t.Fatalf("latency_ms = %v", lat)
	}
	requireString(t, payload["model_version"], "model_version")
	if n := requireNumber(t, payload["objects_detected"], "objects_detected"); n < 0 || n != float64(int(n)) {
		t.Fatalf("objects_detected = %v", n)
	}
}
