// Package buildprotocol defines the JSON events published while builds run.
// The same envelopes are sent over Server-Sent Events and WebSocket streams.
package buildprotocol

import (
	"encoding/json"
	"fmt"
)

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Decode unmarshals an envelope and its payload into the matching message type
func Decode(data []byte) (string, interface{}, error) {
	var raw EnvelopeRaw
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", nil, err
	}
	var msg interface{}
	switch raw.Type {
	case TypeJob:
		msg = &JobMessage{}
	case TypeAttemptStart:
		msg = &AttemptStartMessage{}
	case TypeProgress:
		msg = &ProgressMessage{}
	case TypeAttempt:
		msg = &AttemptMessage{}
	case TypeComplete:
		msg = &CompleteMessage{}
	case TypeExecution:
		msg = &ExecutionMessage{}
	case TypePing, TypePong:
		return raw.Type, nil, nil
	default:
		return raw.Type, nil, fmt.Errorf("unknown message type %q", raw.Type)
	}
	if len(raw.Payload) > 0 {
		if err := json.Unmarshal(raw.Payload, msg); err != nil {
			return raw.Type, nil, fmt.Errorf("decoding %s payload: %w", raw.Type, err)
		}
	}
	return raw.Type, msg, nil
}

// JobMessage announces a job whose workspace has been allocated
type JobMessage struct {
	JobID     string `json:"job_id"`
	Platform  string `json:"platform"`
	Extension string `json:"extension"`
	CreatedAt string `json:"created_at"`
}

// AttemptStartMessage is sent before a strategy runs
type AttemptStartMessage struct {
	JobID    string `json:"job_id"`
	Index    int    `json:"index"`
	Strategy string `json:"strategy"`
}

// ProgressMessage carries one compiler output line and the progress estimate
type ProgressMessage struct {
	JobID    string  `json:"job_id"`
	Strategy string  `json:"strategy"`
	Line     string  `json:"line,omitempty"`
	Lines    int     `json:"lines"`
	Progress float64 `json:"progress"`
	Done     bool    `json:"done,omitempty"`
}

// AttemptMessage reports the outcome of one strategy attempt
type AttemptMessage struct {
	JobID        string `json:"job_id"`
	Index        int    `json:"index"`
	Strategy     string `json:"strategy"`
	ExitCode     int    `json:"exit_code"`
	Failure      string `json:"failure,omitempty"`
	ArtifactPath string `json:"artifact_path,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
}

// CompleteMessage is sent once when a build finishes
type CompleteMessage struct {
	JobID          string `json:"job_id"`
	Success        bool   `json:"success"`
	InstallSummary string `json:"install_summary,omitempty"`
	ArtifactPath   string `json:"artifact_path,omitempty"`
	FileType       string `json:"file_type,omitempty"`
	Size           int64  `json:"size,omitempty"`
	DurationMs     int64  `json:"duration_ms"`
	Error          string `json:"error,omitempty"`
}

// LineMessage is one tagged sandbox output line
type LineMessage struct {
	Stream string `json:"stream"` // "stdout" or "stderr"
	Text   string `json:"text"`
}

// ExecutionMessage reports a finished sandbox run
type ExecutionMessage struct {
	JobID      string        `json:"job_id"`
	Success    bool          `json:"success"`
	Reason     string        `json:"reason"`
	ExitCode   int           `json:"exit_code"`
	Message    string        `json:"message,omitempty"`
	Transcript []LineMessage `json:"transcript,omitempty"`
	DurationMs int64         `json:"duration_ms"`
}

// Message type constants
const (
	TypeJob          = "job"
	TypeAttemptStart = "attempt_start"
	TypeProgress     = "progress"
	TypeAttempt      = "attempt"
	TypeComplete     = "complete"
	TypeExecution    = "execution"
	TypePing         = "ping"
	TypePong         = "pong"
)
