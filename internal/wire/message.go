// Package wire defines the duplex event-stream protocol spoken with the
// station service. Field names on the wire are underscore-separated and are
// normalized into Go types here, before anything reaches the reconciler.
package wire

import (
	"encoding/json"
	"fmt"
)

// MessageType tags a server-to-client message.
type MessageType string

const (
	TypeStatus           MessageType = "status"
	TypeStepStart        MessageType = "step_start"
	TypeStepComplete     MessageType = "step_complete"
	TypeSequenceComplete MessageType = "sequence_complete"
	TypeLog              MessageType = "log"
	TypeError            MessageType = "error"
	TypeSubscribed       MessageType = "subscribed"
	TypeUnsubscribed     MessageType = "unsubscribed"
	TypeBatchCreated     MessageType = "batch_created"
	TypeBatchDeleted     MessageType = "batch_deleted"
	TypeHeartbeat        MessageType = "heartbeat"
)

// Message is the server-to-client envelope. Data holds the type-specific
// payload and is decoded lazily so a malformed payload for one type cannot
// break dispatch of others.
type Message struct {
	Type    MessageType     `json:"type"`
	BatchID string          `json:"batch_id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Request is the client-to-server envelope used for subscription control.
type Request struct {
	Type string   `json:"type"` // "subscribe" or "unsubscribe"
	IDs  []string `json:"ids"`
}

// SubscribeRequest builds a subscribe request for the given batch ids.
func SubscribeRequest(ids []string) Request {
	return Request{Type: "subscribe", IDs: ids}
}

// UnsubscribeRequest builds an unsubscribe request for the given batch ids.
func UnsubscribeRequest(ids []string) Request {
	return Request{Type: "unsubscribe", IDs: ids}
}

// StatusData is the payload of a status update. Initial marks an
// authoritative push sent right after a subscribe acknowledgment; it bypasses
// the reconciler's regression guards.
type StatusData struct {
	Status        string  `json:"status"`
	Progress      float64 `json:"progress"`
	ExecutionID   string  `json:"execution_id,omitempty"`
	CurrentStep   string  `json:"current_step,omitempty"`
	StepIndex     int     `json:"step_index,omitempty"`
	TotalSteps    int     `json:"total_steps,omitempty"`
	LastRunPassed *bool   `json:"last_run_passed,omitempty"`
	Initial       bool    `json:"initial,omitempty"`
}

// StepStartData announces a step beginning inside an execution.
type StepStartData struct {
	ExecutionID string `json:"execution_id"`
	Step        string `json:"step"`
	StepIndex   int    `json:"step_index"`
	TotalSteps  int    `json:"total_steps"`
}

// StepCompleteData carries the result of a finished step.
type StepCompleteData struct {
	ExecutionID string          `json:"execution_id"`
	Step        string          `json:"step"`
	StepIndex   int             `json:"step_index"`
	Passed      bool            `json:"passed"`
	DurationS   float64         `json:"duration_s"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// SequenceStepData is one entry of the authoritative step array sent with a
// sequence_complete event.
type SequenceStepData struct {
	Step      string          `json:"step"`
	StepIndex int             `json:"step_index"`
	Status    string          `json:"status"`
	Passed    bool            `json:"passed"`
	DurationS float64         `json:"duration_s"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// SequenceCompleteData ends an execution with its final outcome.
type SequenceCompleteData struct {
	ExecutionID string             `json:"execution_id"`
	Passed      bool               `json:"passed"`
	ElapsedS    float64            `json:"elapsed_s"`
	Steps       []SequenceStepData `json:"steps,omitempty"`
}

// LogData is a server-side log line attached to a batch.
type LogData struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// ErrorData reports a server-side error condition for a batch. It never
// changes batch status by itself; status changes arrive as status events.
type ErrorData struct {
	Message string `json:"message"`
}

// AckData is the payload of subscribed/unsubscribed acknowledgments.
type AckData struct {
	IDs []string `json:"ids"`
}

// Parse decodes a raw frame into a Message envelope. The payload stays raw.
func Parse(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decode message envelope: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("message missing type")
	}
	return m, nil
}

// DecodeData unmarshals the payload of m into v.
func (m Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}
