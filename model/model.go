package model

import (
	"fmt"
	"strings"
	"time"
)

// Sensor is a loaded virtual sensor. Identity is the pointer: reloading a
// sensor with the same name yields a different *Sensor and listeners of
// the old instance never match the new one.
type Sensor struct {
	Name string
	// PartitionField names the field grouping records for independent
	// ordering checks. Empty means the whole sensor is one partition.
	PartitionField string
	// AllowDuplicateTimestamps accepts a record whose timestamp equals the
	// last accepted one for its partition.
	AllowDuplicateTimestamps bool
	// WindowSize bounds the in-memory window kept for model queries.
	WindowSize int
}

func (s *Sensor) String() string {
	if s == nil {
		return "<nil>"
	}
	return s.Name
}

// PartitionKeyOf derives the ordering partition of a reading.
func (s *Sensor) PartitionKeyOf(fields map[string]any) string {
	if s == nil || s.PartitionField == "" {
		return GlobalPartition
	}
	v, ok := fields[s.PartitionField]
	if !ok || v == nil {
		return GlobalPartition
	}
	return fmt.Sprint(v)
}

// GlobalPartition is the key of unpartitioned sensors.
const GlobalPartition = ""

// StreamElement is one reading produced by a sensor.
type StreamElement struct {
	// Timestamp in unix milliseconds.
	Timestamp int64 `json:"timed" msgpack:"timed"`
	// Position is the strictly increasing surrogate key assigned by the
	// store, used to break timestamp ties.
	Position     int64          `json:"pk" msgpack:"pk"`
	PartitionKey string         `json:"partitionKey,omitempty" msgpack:"partitionKey,omitempty"`
	Fields       map[string]any `json:"fields" msgpack:"fields"`
}

func (e *StreamElement) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// After reports whether the element is strictly after the (time, position) anchor.
func (e *StreamElement) After(startTime, lastSeenPosition int64) bool {
	if e.Timestamp != startTime {
		return e.Timestamp > startTime
	}
	return e.Position > lastSeenPosition
}

func (e *StreamElement) Clone() *StreamElement {
	if e == nil {
		return nil
	}
	fields := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}
	return &StreamElement{
		Timestamp:    e.Timestamp,
		Position:     e.Position,
		PartitionKey: e.PartitionKey,
		Fields:       fields,
	}
}

func (e *StreamElement) String() string {
	return fmt.Sprintf("{timed: %d, pk: %d, partition: %q}", e.Timestamp, e.Position, e.PartitionKey)
}

// Query is the filter text of a listener. The fetcher owning the data
// decides its grammar; empty selects everything.
type Query string

func (q Query) IsEmpty() bool {
	return strings.TrimSpace(string(q)) == ""
}
