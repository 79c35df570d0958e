package models

import (
	"encoding/json"
	"time"
)

// Direction tells which side of the conversation produced a logged message.
type Direction string

const (
	DirectionClient Direction = "client"
	DirectionAgent  Direction = "agent"
)

// TimestampedMessage is the unit of the message log: one line of a .jsonl
// file. Payload is the original typed message value, kept as raw JSON.
type TimestampedMessage struct {
	Timestamp time.Time       `json:"timestamp"`
	Direction Direction       `json:"direction"`
	Payload   json.RawMessage `json:"payload"`
}

// MessageLogger is the per-project log contract. Appends are serialized by
// the implementation; reads may run concurrently with appends and never
// block them.
type MessageLogger interface {
	// Append writes one message. Failures are reported but callers treat
	// the write as best-effort and continue.
	Append(msg TimestampedMessage) error

	// MessagesSince returns all messages with a timestamp at or after t,
	// across file boundaries, in chronological order.
	MessagesSince(t time.Time) ([]TimestampedMessage, error)

	// CloseIdle releases the current file handle when no append has
	// happened for at least idle. The next append reopens it.
	CloseIdle(idle time.Duration)

	// Close releases the current file handle. The log remains usable;
	// a later append reopens it.
	Close() error
}
