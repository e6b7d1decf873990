package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Event is one structured progress event (spec §4.8: "stage, collection,
// shard, count, bytes"). RunID ties every event from one RunCollection
// call together for UI consumers following a single invocation.
type Event struct {
	Time       time.Time  `json:"time"`
	RunID      string     `json:"run_id"`
	Stage      ShardState `json:"stage"`
	Collection string     `json:"collection"`
	Shard      string     `json:"shard,omitempty"`
	Count      int64      `json:"count,omitempty"`
	Bytes      int64      `json:"bytes,omitempty"`
	Err        string     `json:"err,omitempty"`
}

// EventLog is an append-only JSON-lines sink for Events. There is no
// ecosystem library in the example pack for a single-purpose append-only
// structured event feed distinct from general logging (zerolog covers
// free-form logs; this is a queryable-by-UI-consumers record), so it is
// built directly on encoding/json and os.File append mode.
type EventLog struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// OpenEventLog opens (creating if necessary) an append-only event log at
// path.
func OpenEventLog(path string) (*EventLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error opening event log %q: %w", path, err)
	}

	return &EventLog{f: f, enc: json.NewEncoder(f)}, nil
}

// Emit appends ev as one JSON line, flushing immediately so a crash does
// not lose already-emitted events.
func (l *EventLog) Emit(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.enc.Encode(ev); err != nil {
		return fmt.Errorf("error writing event log entry: %w", err)
	}

	return l.f.Sync()
}

// Close closes the underlying file.
func (l *EventLog) Close() error {
	return l.f.Close()
}
