// Package reconcile turns a stream of partial, overlapping and retroactively
// corrected recognition payloads into one coherent transcript.
//
// Two payload formats are supported. Continuous streaming results
// ([StreamingResult]) carry one chunk at a time: provisional chunks overwrite a
// single provisional slot and a final chunk makes that slot permanent.
// Sequenced dictation results ([DictationResult]) carry a sequence number, an
// optional replace range and a terminal status; they are merged into a
// [SegmentSet] that is rendered in sequence order.
//
// The transcript is the committed text followed by the rendered window of
// retained segments. A terminal marker folds the window into the committed
// text.
package reconcile

import (
	"fmt"
	"strings"
)

// BackendError reports a dictation payload with a non-zero code.
type BackendError struct {
	Code    int64
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("reconcile: backend error %d: %s", e.Code, e.Message)
}

// Format names the payload format an [Outcome] came from.
type Format string

const (
	FormatStreaming Format = "streaming"
	FormatDictation Format = "dictation"
)

// Outcome describes the effect of one applied payload.
type Outcome struct {
	Format Format

	// Changed is true when the transcript text changed.
	Changed bool

	// Final is true when the payload ended an utterance: a final streaming
	// chunk or a terminal dictation payload.
	Final bool

	// Utterance holds the text made permanent by this payload, if any.
	Utterance string

	// Evicted counts segments removed by a replace range.
	Evicted int
}

// Reconciler owns the segment window and committed text of one controller.
// It is not safe for concurrent use; callers serialise access.
type Reconciler struct {
	committed string
	window    SegmentSet

	// slot is the key of the provisional streaming slot: one past the highest
	// finalised streaming key.
	slot int
}

// New returns an empty Reconciler.
func New() *Reconciler {
	return &Reconciler{}
}

// Apply parses payload and merges it. It returns [ErrMalformed] (wrapped) for
// unusable payloads and a *[BackendError] for dictation errors; in both cases
// no state changes.
func (r *Reconciler) Apply(payload []byte) (Outcome, error) {
	res, err := Parse(payload)
	if err != nil {
		return Outcome{}, err
	}
	return r.ApplyResult(res)
}

// ApplyResult merges an already parsed result.
func (r *Reconciler) ApplyResult(res Result) (Outcome, error) {
	switch v := res.(type) {
	case StreamingResult:
		return r.applyStreaming(v), nil
	case DictationResult:
		if v.Code != 0 {
			return Outcome{}, &BackendError{Code: v.Code, Message: v.Message}
		}
		return r.applyDictation(v), nil
	default:
		return Outcome{}, fmt.Errorf("%w: unsupported result type %T", ErrMalformed, res)
	}
}

func (r *Reconciler) applyStreaming(v StreamingResult) Outcome {
	if v.Text == "" {
		return Outcome{Format: FormatStreaming}
	}
	prev, ok := r.window.Get(r.slot)
	r.window.Upsert(r.slot, v.Text)
	out := Outcome{Format: FormatStreaming, Changed: !ok || prev != v.Text}
	if v.Final {
		r.slot++
		out.Final = true
		out.Utterance = v.Text
	}
	return out
}

func (r *Reconciler) applyDictation(v DictationResult) Outcome {
	before := r.window.Render()

	out := Outcome{Format: FormatDictation}
	if v.Replace != nil {
		out.Evicted = r.window.EvictRange(*v.Replace)
	}
	r.window.Upsert(v.Seq, v.Text)

	after := r.window.Render()
	out.Changed = after != before

	if v.Status == StatusTerminal {
		out.Final = true
		out.Utterance = after
		r.fold()
	}
	return out
}

// Flush folds any open window into the committed text. Call it when a new
// backend session starts so reused low sequence numbers cannot overwrite an
// earlier utterance. It returns the folded text that no earlier [Outcome]
// reported as an utterance.
func (r *Reconciler) Flush() string {
	var sb strings.Builder
	for _, seg := range r.window.Segments() {
		if seg.Seq >= r.slot {
			sb.WriteString(seg.Text)
		}
	}
	r.fold()
	return sb.String()
}

func (r *Reconciler) fold() {
	r.committed += r.window.Render()
	r.window.Clear()
	r.slot = 0
}

// Clear drops the committed text and the window.
func (r *Reconciler) Clear() {
	r.committed = ""
	r.window.Clear()
	r.slot = 0
}

// Committed returns the folded text.
func (r *Reconciler) Committed() string { return r.committed }

// Pending returns the rendered window of retained segments.
func (r *Reconciler) Pending() string { return r.window.Render() }

// Transcript returns committed text followed by the rendered window.
func (r *Reconciler) Transcript() string { return r.committed + r.window.Render() }

// Segments returns the retained window in sequence order.
func (r *Reconciler) Segments() []Segment { return r.window.Segments() }
