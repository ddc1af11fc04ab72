package transport

import (
	"encoding/json"
	"fmt"
)

// Wire event names.
const (
	EventStartRecording = "start-recording"
	EventAudioChunk     = "audio-chunk"
	EventAudioEnd       = "audio-end"
	EventTranslation    = "translation"
	EventError          = "error"
)

// Envelope is the JSON text frame exchanged with the backend. Audio chunks
// travel as binary frames and have no envelope.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeEnvelope marshals event with data (which may be nil).
func EncodeEnvelope(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("transport: encode %s: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses one inbound text frame.
func DecodeEnvelope(msg []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return Envelope{}, fmt.Errorf("transport: decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("transport: decode envelope: missing event name")
	}
	return env, nil
}

// ErrorMessage extracts the human-readable message of an error event. The
// data may be {"message": "..."} or a bare JSON string; anything else is
// returned verbatim.
func ErrorMessage(data json.RawMessage) string {
	if len(data) == 0 {
		return "unknown backend error"
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil && s != "" {
		return s
	}
	return string(data)
}
