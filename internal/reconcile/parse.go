package reconcile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrMalformed is returned for payloads that match neither result format or
// lack the fields needed to apply them.
var ErrMalformed = errors.New("reconcile: malformed result")

// Result is a parsed recognition payload: either a [StreamingResult] or a
// [DictationResult].
type Result interface {
	isResult()
}

// StreamingResult is a continuous-streaming chunk. Provisional chunks are
// superseded by the next chunk; a final chunk is permanent.
type StreamingResult struct {
	Text  string
	Final bool
}

// DictationResult is one sequenced dictation payload.
type DictationResult struct {
	// Code is the backend status code; non-zero means the payload reports an
	// error and carries no result.
	Code    int64
	Message string

	// Status 2 marks the terminal payload of an utterance.
	Status int

	Seq  int
	Text string

	// Last mirrors the backend "ls" flag. It does not end the utterance on its
	// own; only Status 2 does.
	Last bool

	// Replace, when non-nil, names the range this payload supersedes.
	Replace *ReplaceRange
}

func (StreamingResult) isResult() {}
func (DictationResult) isResult() {}

// StatusTerminal is the dictation status value that ends an utterance.
const StatusTerminal = 2

// Parse decodes a raw translation payload into a [Result]. The payload may be
// wrapped in an "original" field, either as an object or as a JSON string.
//
// Recognised shapes, probed in order:
//
//   - {"code": n, ...} with n != 0: a dictation error.
//   - {"data": {"status": s, "result": {"sn": n, "ws": [...], ...}}}: dictation.
//   - {"data": {"result": {"text": t, "isEnd": b}}}: streaming.
//   - {"data": "<json>"} whose document has cn.st.rt: raw streaming.
func Parse(payload []byte) (Result, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	root := gjson.ParseBytes(payload)
	if orig := root.Get("original"); orig.Exists() {
		root = unwrap(orig)
	}
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformed)
	}

	if code := root.Get("code"); code.Exists() && code.Int() != 0 {
		return DictationResult{Code: code.Int(), Message: root.Get("message").String()}, nil
	}

	data := unwrap(root.Get("data"))
	result := data.Get("result")
	switch {
	case result.Get("sn").Exists() || result.Get("ws").Exists():
		return parseDictation(data)
	case result.Get("text").Exists():
		return StreamingResult{
			Text:  result.Get("text").String(),
			Final: result.Get("isEnd").Bool(),
		}, nil
	case data.Get("cn.st").Exists():
		return parseRealtime(data), nil
	case root.Get("code").Exists():
		return parseDictation(data)
	case !data.Exists():
		return nil, fmt.Errorf("%w: missing data", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unrecognised result shape", ErrMalformed)
	}
}

// unwrap returns the document inside a JSON string value, or v unchanged.
func unwrap(v gjson.Result) gjson.Result {
	if v.Type == gjson.String {
		inner := strings.TrimSpace(v.Str)
		if strings.HasPrefix(inner, "{") && gjson.Valid(inner) {
			return gjson.Parse(inner)
		}
	}
	return v
}

func parseDictation(data gjson.Result) (Result, error) {
	if !data.IsObject() {
		return nil, fmt.Errorf("%w: missing data", ErrMalformed)
	}
	result := data.Get("result")
	if !result.IsObject() {
		return nil, fmt.Errorf("%w: missing result", ErrMalformed)
	}
	sn := result.Get("sn")
	if !sn.Exists() {
		return nil, fmt.Errorf("%w: missing sn", ErrMalformed)
	}

	var sb strings.Builder
	result.Get("ws").ForEach(func(_, ws gjson.Result) bool {
		ws.Get("cw").ForEach(func(_, cw gjson.Result) bool {
			sb.WriteString(cw.Get("w").String())
			return true
		})
		return true
	})

	d := DictationResult{
		Status: int(data.Get("status").Int()),
		Seq:    int(sn.Int()),
		Text:   sb.String(),
		Last:   result.Get("ls").Bool(),
	}
	if result.Get("pgs").String() == "rpl" {
		if rg := result.Get("rg").Array(); len(rg) == 2 {
			d.Replace = &ReplaceRange{Start: int(rg[0].Int()), End: int(rg[1].Int())}
		}
	}
	return d, nil
}

// parseRealtime flattens cn.st.rt[].ws[].cw[0].w; cn.st.type "0" is final.
func parseRealtime(doc gjson.Result) StreamingResult {
	var sb strings.Builder
	doc.Get("cn.st.rt").ForEach(func(_, rt gjson.Result) bool {
		rt.Get("ws").ForEach(func(_, ws gjson.Result) bool {
			sb.WriteString(ws.Get("cw.0.w").String())
			return true
		})
		return true
	})
	return StreamingResult{
		Text:  sb.String(),
		Final: doc.Get("cn.st.type").String() == "0",
	}
}
