package apicompat

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestUpdateModelMissingFile(t *testing.T) {
	client := newAPIClient(t)
	before := client.metrics(t)["model_version"]
	statusBefore := decodeJSONMap(t, mustGet(t, client, "/api/status"))["pipeline"].(map[string]any)["state"]

	reply := client.updateModel(t, "models/does-not-exist.onnx")
	if reply["status"] != "error" {
		t.Fatalf("reply = %v", reply)
	}

	if after := client.metrics(t)["model_version"]; after != before {
		t.Fatalf("model_version changed from %v to %v", before, after)
	}
	statusAfter := decodeJSONMap(t, mustGet(t, client, "/api/status"))["pipeline"].(map[string]any)["state"]
	if statusAfter != statusBefore {
		t.Fatalf("pipeline state changed from %v to %v", statusBefore, statusAfter)
	}
}

// Set SPEC_SWAP_MODEL to a model path valid on the server to run.
func TestUpdateModelSwap(t *testing.T) {
	target := os.Getenv("SPEC_SWAP_MODEL")
	if target == "" {
		t.Skip("set SPEC_SWAP_MODEL to enable the swap test")
	}
	client := newAPIClient(t)

	reply := client.updateModel(t, target)
	if reply["status"] != "success" {
		t.Fatalf("reply = %v", reply)
	}

	want := filepath.Base(target)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if client.metrics(t)["model_version"] == want {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("model_version never became %q", want)
}
