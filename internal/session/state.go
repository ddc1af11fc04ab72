package session

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a [Controller].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateRecording
	StateFinalizing
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Service is a recognition service type as understood by the backend.
type Service string

const (
	// StreamingASR streams partial and final sentences (payload format A).
	StreamingASR Service = "RTASR"

	// DictationASR sends sequenced dictation segments with dynamic
	// correction (payload format B).
	DictationASR Service = "IFLYTEK_STT"
)

// IsValid reports whether s is a known service.
func (s Service) IsValid() bool {
	return s == StreamingASR || s == DictationASR
}

// Label returns the human-readable service name.
func (s Service) Label() string {
	switch s {
	case StreamingASR:
		return "Real-time transcription"
	case DictationASR:
		return "Dictation"
	default:
		return string(s)
	}
}

// DefaultLanguages maps the language codes offered by default to their labels.
var DefaultLanguages = map[string]string{
	"zh_cn": "Chinese (Mandarin)",
	"en_us": "English (US)",
	"ja_jp": "Japanese",
	"ko_kr": "Korean",
}

// Snapshot is a consistent view of the controller for consumers.
type Snapshot struct {
	SessionID  string `json:"session_id,omitempty"`
	Transcript string `json:"transcript"`
	Committed  string `json:"committed"`
	Pending    string `json:"pending"`

	State      State `json:"state"`
	Recording  bool  `json:"recording"`
	Connected  bool  `json:"connected"`
	Processing bool  `json:"processing"`

	LastError *Error `json:"last_error,omitempty"`

	Service       Service `json:"service"`
	Language      string  `json:"language"`
	ServiceLabel  string  `json:"service_label"`
	LanguageLabel string  `json:"language_label"`

	Elapsed     time.Duration `json:"elapsed_ns"`
	ElapsedText string        `json:"elapsed"`
}

// FormatElapsed renders d as MM:SS. Minutes are not capped at 59.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
