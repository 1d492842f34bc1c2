package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidMessage is returned when a payload read from the transport does
// not decode into a well-formed Message.
var ErrInvalidMessage = errors.New("invalid message")

// MessageType identifies the kind of message.
type MessageType string

const (
	TypeTask      MessageType = "TASK"
	TypeResult    MessageType = "RESULT"
	TypeBroadcast MessageType = "BROADCAST"
	TypeStatus    MessageType = "STATUS"
	TypeHeartbeat MessageType = "HEARTBEAT"
	TypeError     MessageType = "ERROR"
)

// Priority is advisory; transports do not reorder on it.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ResultStatus is the outcome a worker reports for a task.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusPartial ResultStatus = "partial"
	StatusFailed  ResultStatus = "failed"
)

// Wire TTLs in milliseconds.
const (
	DefaultTTLMillis   int64 = 300000
	BroadcastTTLMillis int64 = 60000
)

// Metadata travels with every message.
type Metadata struct {
	Priority Priority `json:"priority"`
	TTL      int64    `json:"ttl"`
}

// Payload is implemented by exactly one struct per MessageType.
type Payload interface {
	Type() MessageType
	validate() error
}

// TaskPayload asks a worker to carry out an instruction.
type TaskPayload struct {
	Instruction string `json:"instruction"`
	Strategy    string `json:"strategy,omitempty"`
	Stage       *int   `json:"stage,omitempty"`
	Chunk       *int   `json:"chunk,omitempty"`
}

func (*TaskPayload) Type() MessageType { return TypeTask }

func (p *TaskPayload) validate() error {
	if p.Instruction == "" {
		return errors.New("task without instruction")
	}
	return nil
}

// ResultPayload carries a worker's answer. Result is opaque to the bus.
type ResultPayload struct {
	Status ResultStatus   `json:"status"`
	Result map[string]any `json:"result"`
}

func (*ResultPayload) Type() MessageType { return TypeResult }

func (p *ResultPayload) validate() error {
	switch p.Status {
	case StatusSuccess, StatusPartial, StatusFailed:
		return nil
	default:
		return fmt.Errorf("unknown result status %q", p.Status)
	}
}

// BroadcastPayload is a control action addressed to every worker.
type BroadcastPayload struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

func (*BroadcastPayload) Type() MessageType { return TypeBroadcast }

func (p *BroadcastPayload) validate() error {
	if p.Action == "" {
		return errors.New("broadcast without action")
	}
	return nil
}

// StatusPayload is a worker self-description.
type StatusPayload struct {
	AgentID     string `json:"agent_id"`
	AgentType   string `json:"type"`
	Running     bool   `json:"running"`
	CurrentTask string `json:"current_task,omitempty"`
}

func (*StatusPayload) Type() MessageType { return TypeStatus }
func (*StatusPayload) validate() error   { return nil }

// HeartbeatPayload marks a liveness beat sent as a message.
type HeartbeatPayload struct {
	At float64 `json:"at"`
}

func (*HeartbeatPayload) Type() MessageType { return TypeHeartbeat }
func (*HeartbeatPayload) validate() error   { return nil }

// ErrorPayload reports a protocol-level error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*ErrorPayload) Type() MessageType { return TypeError }

func (p *ErrorPayload) validate() error {
	if p.Message == "" {
		return errors.New("error without message")
	}
	return nil
}

// Message is the unit exchanged on the bus.
type Message struct {
	Type      MessageType
	ID        string
	Timestamp time.Time
	From      string
	To        string
	Payload   Payload
	Metadata  Metadata
}

type wireMessage struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  Metadata        `json:"metadata"`
}

// NewMessage builds a message with a fresh id and the current UTC time.
func NewMessage(from, to string, payload Payload, priority Priority) *Message {
	if priority == "" {
		priority = PriorityMedium
	}
	return &Message{
		Type:      payload.Type(),
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		From:      from,
		To:        to,
		Payload:   payload,
		Metadata:  Metadata{Priority: priority, TTL: DefaultTTLMillis},
	}
}

// Task returns the task payload, if this is a TASK.
func (m *Message) Task() (*TaskPayload, bool) {
	p, ok := m.Payload.(*TaskPayload)
	return p, ok
}

// Result returns the result payload, if this is a RESULT.
func (m *Message) Result() (*ResultPayload, bool) {
	p, ok := m.Payload.(*ResultPayload)
	return p, ok
}

// Broadcast returns the broadcast payload, if this is a BROADCAST.
func (m *Message) Broadcast() (*BroadcastPayload, bool) {
	p, ok := m.Payload.(*BroadcastPayload)
	return p, ok
}

// MarshalJSON encodes the wire form.
func (m *Message) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("%w: message %s has no payload", ErrInvalidMessage, m.ID)
	}
	if m.Payload.Type() != m.Type {
		return nil, fmt.Errorf("%w: %s message with %s payload", ErrInvalidMessage, m.Type, m.Payload.Type())
	}
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(wireMessage{
		Type:      m.Type,
		ID:        m.ID,
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
		From:      m.From,
		To:        m.To,
		Payload:   payload,
		Metadata:  m.Metadata,
	})
}

// UnmarshalJSON decodes and validates the wire form.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if w.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}

	payload, err := newPayload(w.Type)
	if err != nil {
		return err
	}
	if len(w.Payload) > 0 && string(w.Payload) != "null" {
		if err := json.Unmarshal(w.Payload, payload); err != nil {
			return fmt.Errorf("%w: %s payload: %v", ErrInvalidMessage, w.Type, err)
		}
	}
	if err := payload.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: timestamp %q", ErrInvalidMessage, w.Timestamp)
	}

	*m = Message{
		Type:      w.Type,
		ID:        w.ID,
		Timestamp: ts,
		From:      w.From,
		To:        w.To,
		Payload:   payload,
		Metadata:  w.Metadata,
	}
	return nil
}

// DecodePayload builds and validates the payload of type t from raw JSON.
func DecodePayload(t MessageType, raw json.RawMessage) (Payload, error) {
	payload, err := newPayload(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrInvalidMessage, t, err)
	}
	if err := payload.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return payload, nil
}

func newPayload(t MessageType) (Payload, error) {
	switch t {
	case TypeTask:
		return &TaskPayload{}, nil
	case TypeResult:
		return &ResultPayload{}, nil
	case TypeBroadcast:
		return &BroadcastPayload{}, nil
	case TypeStatus:
		return &StatusPayload{}, nil
	case TypeHeartbeat:
		return &HeartbeatPayload{}, nil
	case TypeError:
		return &ErrorPayload{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, t)
	}
}

// Encode returns the wire string for m.
func Encode(m *Message) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode parses a wire string.
func Decode(s string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		if errors.Is(err, ErrInvalidMessage) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &m, nil
}
