package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/visor-run/visor/outputs"
)

// Event stream types emitted during a run.
const (
	EventCheckStart    = "check:start"
	EventCheckSuccess  = "check:success"
	EventCheckFail     = "check:fail"
	EventRoutingAction = "routing:action"
	EventRoutingLoop   = "routing:loop"
	EventLog           = "log"
	EventDone          = "done"
)

// Event is one engine event.
type Event struct {
	Type  string         `json:"type"`
	Check string         `json:"check,omitempty"`
	Scope outputs.Scope  `json:"scope,omitempty"`
	Time  time.Time      `json:"time"`
	Data  map[string]any `json:"data,omitempty"`
}

// Emitter fans engine events out to in-process subscribers, an optional
// NATS subject, and an optional NDJSON telemetry file (one JSON object per
// line, append-only).
type Emitter struct {
	mu          sync.Mutex
	subscribers []func(Event)
	nc          *nats.Conn
	subject     string
	telemetry   *os.File
	logger      *slog.Logger
}

// NewEmitter creates an emitter with no sinks.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{logger: logger}
}

// Subscribe registers an in-process listener. Listeners run synchronously
// on the emitting goroutine and must not block.
func (e *Emitter) Subscribe(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, fn)
}

// ConnectNATS bridges events to a NATS subject.
func (e *Emitter) ConnectNATS(url, subject string) error {
	nc, err := nats.Connect(url, nats.Name("visor-events"))
	if err != nil {
		return fmt.Errorf("connect events NATS: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nc = nc
	e.subject = subject
	if e.subject == "" {
		e.subject = "visor.events"
	}
	return nil
}

// OpenTelemetryFile enables the NDJSON fallback sink.
func (e *Emitter) OpenTelemetryFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open telemetry file: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.telemetry = f
	return nil
}

// Close releases external sinks.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.nc != nil {
		e.nc.Close()
		e.nc = nil
	}
	if e.telemetry != nil {
		_ = e.telemetry.Close()
		e.telemetry = nil
	}
}

// Emit delivers an event to every sink. Sink failures are logged, never
// propagated; observability must not fail the run.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.mu.Lock()
	subs := e.subscribers
	nc, subject, telemetry := e.nc, e.subject, e.telemetry
	e.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
	if nc == nil && telemetry == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger.Warn("encode event", "type", ev.Type, "error", err)
		return
	}
	if nc != nil {
		if err := nc.Publish(subject+"."+ev.Type, payload); err != nil {
			e.logger.Warn("publish event", "type", ev.Type, "error", err)
		}
	}
	if telemetry != nil {
		e.mu.Lock()
		_, werr := telemetry.Write(append(payload, '\n'))
		e.mu.Unlock()
		if werr != nil {
			e.logger.Warn("write telemetry", "error", werr)
		}
	}
}
