// Command benchmark measures a model's inference latency through the
// detector adapter and writes a JSON report.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/nfnt/resize"

	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/detector"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/logger"
)

const warmupRuns = 10

var (
	modelPath  = flag.String("model", "models/model_int8.onnx", "Model to benchmark")
	outputPath = flag.String("output", "", "Report path (required)")
	device     = flag.String("device", "CPU", "Device label recorded in the report")
	frames     = flag.Int("frames", 100, "Timed inference runs")
	width      = flag.Int("width", 640, "Synthetic frame width")
	height     = flag.Int("height", 480, "Synthetic frame height")
	ortLib     = flag.String("ort-lib", "", "Path to the onnxruntime shared library")
	inputSize  = flag.Int("input-size", 300, "Fallback size for dynamic input dimensions")
	logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
)

// Report is the benchmark result written to -output.
type Report struct {
	Device        string  `json:"device"`
	Precision     string  `json:"precision"`
	InputEncoding string  `json:"input_encoding"`
	Architecture  string  `json:"architecture"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	FPS           float64 `json:"fps"`
	ModelSizeMB   float64 `json:"model_size_mb"`
	PeakMemoryMB  float64 `json:"peak_memory_mb"`
	TotalFrames   int     `json:"total_frames"`
}

func main() {
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, false)
	defer logger.Sync()

	if *outputPath == "" {
		log.Fatalf("-output is required")
	}
	if *frames <= 0 {
		log.Fatalf("-frames must be positive")
	}

	report, err := run()
	if err != nil {
		log.Fatalf("Benchmark failed: %v", err)
	}

	if err := writeReport(*outputPath, report); err != nil {
		log.Fatalf("Failed to write report: %v", err)
	}
	logger.Info("Benchmark", "Results saved to %s", *outputPath)
}

func run() (Report, error) {
	info, err := os.Stat(*modelPath)
	if err != nil {
		return Report{}, fmt.Errorf("model not found: %w", err)
	}

	logger.Info("Benchmark", "Loading %s (%s) on %s/%s", *modelPath, humanize.Bytes(uint64(info.Size())), *device, runtime.GOARCH)

	loader := detector.ONNXLoader(detector.ONNXOptions{
		LibraryPath:      *ortLib,
		DefaultInputSize: *inputSize,
	})
	adapter, err := detector.Load(*modelPath, loader, detector.Options{
		DefaultInputSize: *inputSize,
		Interpolation:    resize.Bilinear,
	})
	if err != nil {
		return Report{}, err
	}
	defer adapter.Close()
	defer func() { _ = detector.ShutdownRuntime() }()

	w, h := adapter.InputSize()
	logger.Info("Benchmark", "Model expects %dx%d %s input", w, h, adapter.InputEncoding())

	frame := syntheticFrame(*width, *height)

	for range warmupRuns {
		if _, _, err := adapter.Infer(frame); err != nil {
			return Report{}, fmt.Errorf("warm-up: %w", err)
		}
	}

	peak := peakMemoryMB()
	var total float64
	for range *frames {
		_, latency, err := adapter.Infer(frame)
		if err != nil {
			return Report{}, err
		}
		total += latency
		peak = max(peak, peakMemoryMB())
	}

	avg := total / float64(*frames)
	report := Report{
		Device:        *device,
		Precision:     precisionOf(adapter.InputEncoding()),
		InputEncoding: adapter.InputEncoding().String(),
		Architecture:  runtime.GOARCH,
		AvgLatencyMs:  round2(avg),
		ModelSizeMB:   round2(float64(info.Size()) / (1024 * 1024)),
		PeakMemoryMB:  round2(peak),
		TotalFrames:   *frames,
	}
	if total > 0 {
		report.FPS = round2(float64(*frames) * 1000 / total)
	}

	logger.Info("Benchmark", "Benchmark complete: %.1f FPS, %.2f ms latency", report.FPS, report.AvgLatencyMs)
	return report, nil
}

func precisionOf(enc detector.InputEncoding) string {
	if enc == detector.InputScaledUint8 {
		return "int8"
	}
	return "fp32"
}

// syntheticFrame is random noise, so timing does not depend on content.
func syntheticFrame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		if i%4 == 3 {
			img.Pix[i] = 255
			continue
		}
		img.Pix[i] = uint8(rand.IntN(256))
	}
	return img
}

// peakMemoryMB reads the resident set high-water mark on Linux and falls
// back to the Go runtime's view elsewhere.
func peakMemoryMB() float64 {
	if f, err := os.Open("/proc/self/status"); err == nil {
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			rest, ok := strings.CutPrefix(sc.Text(), "VmHWM:")
			if !ok {
				continue
			}
			fields := strings.Fields(rest)
			if len(fields) > 0 {
				if kb, err := strconv.ParseFloat(fields[0], 64); err == nil {
					return kb / 1024
				}
			}
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.Sys) / (1024 * 1024)
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func writeReport(path string, r Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
