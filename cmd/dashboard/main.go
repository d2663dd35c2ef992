// Command dashboard prints live telemetry of a running inference server and
// can trigger a model swap.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/telemetry"
)

var (
	baseURL  = flag.String("url", "http://localhost:8000", "Inference server base URL")
	poll     = flag.Bool("poll", false, "Poll /metrics instead of using the WebSocket feed")
	interval = flag.Duration("interval", 500*time.Millisecond, "Polling interval")
	update   = flag.String("update", "", "Model path to swap to; prints the reply and exits")
)

func main() {
	flag.Parse()

	client := &http.Client{Timeout: 60 * time.Second}

	if *update != "" {
		reply, err := sendUpdate(client, *baseURL, *update)
		if err != nil {
			log.Fatalf("Update failed: %v", err)
		}
		fmt.Printf("Device reply: %s\n", reply)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("--- EDGE VISION DASHBOARD ---")

	show := func(s telemetry.Snapshot) {
		fmt.Printf("\r%s   ", formatStatus(s))
	}

	if !*poll {
		err := watchWebSocket(ctx, *baseURL, show)
		if err == nil || ctx.Err() != nil {
			fmt.Println()
			return
		}
		fmt.Fprintf(os.Stderr, "\nWebSocket feed unavailable (%v), polling instead\n", err)
	}

	pollMetrics(ctx, client, *baseURL, *interval, show)
	fmt.Println()
}

func formatStatus(s telemetry.Snapshot) string {
	version := s.ModelVersion
	if version == "" {
		version = "unknown"
	}
	return fmt.Sprintf("[DEVICE STATUS] Model: %s | FPS: %.2f | Latency: %.0fms | Objects: %d",
		version, s.FPS, s.LatencyMs, s.ObjectsDetected)
}

func fetchMetrics(client *http.Client, base string) (telemetry.Snapshot, error) {
	var snap telemetry.Snapshot
	resp, err := client.Get(strings.TrimRight(base, "/") + "/metrics")
	if err != nil {
		return snap, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snap, fmt.Errorf("unexpected status %s", resp.Status)
	}
	err = json.NewDecoder(resp.Body).Decode(&snap)
	return snap, err
}

func pollMetrics(ctx context.Context, client *http.Client, base string, every time.Duration, fn func(telemetry.Snapshot)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if snap, err := fetchMetrics(client, base); err == nil {
			fn(snap)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func wsURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws/telemetry"
	return u.String(), nil
}

// watchWebSocket feeds every pushed snapshot to fn until ctx ends (nil) or
// the connection fails.
func watchWebSocket(ctx context.Context, base string, fn func(telemetry.Snapshot)) error {
	target, err := wsURL(base)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var snap telemetry.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			continue
		}
		fn(snap)
	}
}

// sendUpdate posts a swap request and returns the raw JSON reply.
func sendUpdate(client *http.Client, base, modelPath string) (string, error) {
	target := strings.TrimRight(base, "/") + "/update-model?model_path=" + url.QueryEscape(modelPath)
	resp, err := client.Post(target, "application/json", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}
