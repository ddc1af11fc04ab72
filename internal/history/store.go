// Package history defines persistent storage for committed utterances.
//
// A committed utterance is text the recogniser has finalised: a final
// streaming chunk or a terminal dictation window. Stores keep them in arrival
// order so the HTTP API can list recent transcripts across sessions.
//
// Implementations live in the sqlite and postgres subpackages. All
// implementations must be safe for concurrent use.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidLimit is returned by [Store.Recent] for a non-positive limit.
var ErrInvalidLimit = errors.New("history: limit must be positive")

// MaxRecent caps the number of utterances one Recent call may return.
const MaxRecent = 1000

// Utterance is one committed piece of transcript.
type Utterance struct {
	// SessionID identifies the recording session that produced the text.
	SessionID string `json:"session_id"`

	// Service is the recognition service type, e.g. "RTASR".
	Service string `json:"service"`

	// Language is the recognition language code, e.g. "zh_cn".
	Language string `json:"language"`

	// Text is the committed transcript text.
	Text string `json:"text"`

	// At is when the text was committed.
	At time.Time `json:"at"`
}

// Validate reports whether u can be stored.
func (u Utterance) Validate() error {
	var errs []error
	if u.SessionID == "" {
		errs = append(errs, errors.New("session id must not be empty"))
	}
	if u.Text == "" {
		errs = append(errs, errors.New("text must not be empty"))
	}
	if u.At.IsZero() {
		errs = append(errs, errors.New("timestamp must be set"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("history: invalid utterance: %w", err)
	}
	return nil
}

// Store persists utterances.
type Store interface {
	// Append stores u. It returns an error if u fails [Utterance.Validate].
	Append(ctx context.Context, u Utterance) error

	// Recent returns up to limit utterances, newest first. Limits above
	// [MaxRecent] are clamped; a non-positive limit returns [ErrInvalidLimit].
	Recent(ctx context.Context, limit int) ([]Utterance, error)

	// Close releases the underlying connection.
	Close() error
}

// ClampLimit validates limit for [Store.Recent] implementations.
func ClampLimit(limit int) (int, error) {
	if limit <= 0 {
		return 0, ErrInvalidLimit
	}
	return min(limit, MaxRecent), nil
}
