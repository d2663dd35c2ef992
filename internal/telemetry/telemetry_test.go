package telemetry

import (
	"sync"
	"testing"
)

func TestRecordFrameDerivesFPS(t *testing.T) {
	s := New("model_int8.onnx")

	snap := s.RecordFrame(20, 3)
	if snap.FPS != 50 {
		t.Fatalf("fps = %v, want 50", snap.FPS)
	}
	if snap.ObjectsDetected != 3 || snap.LatencyMs != 20 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.ModelVersion != "model_int8.onnx" {
		t.Fatalf("model_version = %q", snap.ModelVersion)
	}

	// Zero latency keeps the previous fps.
	snap = s.RecordFrame(0, 1)
	if snap.FPS != 50 {
		t.Fatalf("fps after zero latency = %v, want 50", snap.FPS)
	}
	if got := s.Read(); got != snap {
		t.Fatalf("Read() = %+v, want %+v", got, snap)
	}
}

func TestSetModelVersionKeepsCounters(t *testing.T) {
	s := New("a.onnx")
	s.RecordFrame(10, 2)
	before := s.Version()

	s.SetModelVersion("b.onnx")
	got := s.Read()
	if got.ModelVersion != "b.onnx" || got.ObjectsDetected != 2 || got.FPS != 100 {
		t.Fatalf("snapshot = %+v", got)
	}
	if s.Version() <= before {
		t.Fatalf("version did not advance")
	}
}

func TestWriteReplacesSnapshot(t *testing.T) {
	s := New("a.onnx")
	s.RecordFrame(10, 2)
	s.Write(Snapshot{ModelVersion: "c.onnx"})
	if got := s.Read(); got != (Snapshot{ModelVersion: "c.onnx"}) {
		t.Fatalf("Read() = %+v", got)
	}
}

func TestReadersSeeConsistentSnapshots(t *testing.T) {
	s := New("m")
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 2000; i++ {
			s.Write(Snapshot{LatencyMs: float64(i), ObjectsDetected: i, FPS: 1000 / float64(i), ModelVersion: "m"})
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := s.Read()
				if snap.LatencyMs > 0 && (snap.FPS != 1000/snap.LatencyMs || float64(snap.ObjectsDetected) != snap.LatencyMs) {
					t.Errorf("torn snapshot %+v", snap)
					return
				}
			}
		}()
	}
	wg.Wait()
}
