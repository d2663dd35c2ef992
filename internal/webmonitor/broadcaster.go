package webmonitor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/logger"
	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/internal/telemetry"
)

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // Pre-serialized structpb.Struct, base64 encoded for SSE
}

// snapshotProto encodes a snapshot as a structpb.Struct in wire format.
func snapshotProto(snap telemetry.Snapshot) ([]byte, error) {
	st, err := structpb.NewStruct(snap.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry struct: %w", err)
	}
	return proto.Marshal(st)
}

func serializeSnapshot(snap telemetry.Snapshot) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("JSON marshal error: %w", err)
	}
	pbData, err := snapshotProto(snap)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal error: %w", err)
	}
	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// TelemetryBroadcaster manages fanout of telemetry snapshots to SSE and
// WebSocket clients. Each tick is serialized once for all of them.
type TelemetryBroadcaster struct {
	mu       sync.Mutex
	clients  map[int]chan *SerializedEvent
	nextID   int
	source   TelemetryReader
	stop     chan struct{}
	stopped  bool
	interval time.Duration
}

// NewTelemetryBroadcaster creates a broadcaster reading from source.
func NewTelemetryBroadcaster(source TelemetryReader, interval time.Duration) *TelemetryBroadcaster {
	if interval <= 0 {
		interval = DefaultConfig().StatusInterval
	}
	return &TelemetryBroadcaster{
		clients:  make(map[int]chan *SerializedEvent),
		source:   source,
		stop:     make(chan struct{}),
		interval: interval,
	}
}

// Subscribe adds a new client and returns a channel for receiving events.
// The current snapshot is queued immediately so clients do not wait a tick.
func (tb *TelemetryBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	id := tb.nextID
	tb.nextID++
	ch := make(chan *SerializedEvent, 2) // Buffer 2 events to avoid blocking
	if event, err := serializeSnapshot(tb.source.Read()); err == nil {
		ch <- event
	}
	tb.clients[id] = ch

	logger.Debug("TelemetryBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(tb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (tb *TelemetryBroadcaster) Unsubscribe(id int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if ch, ok := tb.clients[id]; ok {
		close(ch)
		delete(tb.clients, id)
		logger.Debug("TelemetryBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(tb.clients))
	}
}

// ClientCount returns the number of subscribed clients.
func (tb *TelemetryBroadcaster) ClientCount() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.clients)
}

// Start begins the broadcast loop.
func (tb *TelemetryBroadcaster) Start() {
	go tb.run()
}

// Stop halts the broadcaster.
func (tb *TelemetryBroadcaster) Stop() {
	tb.mu.Lock()
	if !tb.stopped {
		close(tb.stop)
		tb.stopped = true
	}
	tb.mu.Unlock()
}

func (tb *TelemetryBroadcaster) run() {
	logger.Info("TelemetryBroadcaster", "Starting telemetry broadcaster (interval=%v)", tb.interval)
	ticker := time.NewTicker(tb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-tb.stop:
			return
		case <-ticker.C:
			if tb.ClientCount() == 0 {
				continue
			}
			event, err := serializeSnapshot(tb.source.Read())
			if err != nil {
				logger.Error("TelemetryBroadcaster", "%v", err)
				continue
			}
			tb.broadcast(event)
		}
	}
}

func (tb *TelemetryBroadcaster) broadcast(event *SerializedEvent) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	for _, ch := range tb.clients {
		select {
		case ch <- event:
		default:
			// Client too slow, skip this event for this client
		}
	}
}
