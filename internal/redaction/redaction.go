// Package redaction scrubs sensitive values from captured payloads before
// they are buffered.
//
// Matching is best-effort: a map key is sensitive when its lowercase form
// contains one of the configured fragments. Values nested deeper than
// MaxDepth are returned unchanged, so a deeply nested secret survives.
// The cutoff bounds the cost of a walk; it is not a security guarantee.
// Opaque (non-JSON) text cannot be redacted and is only truncated.
package redaction

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"strings"

	"github.com/vincentbai/domspy-agent/internal/models"
)

const (
	Marker               = models.RedactedMarker
	SanitizeError        = "[SANITIZE_ERROR]"
	MaxDepth             = 5
	DefaultPreviewLength = 500
)

// DefaultKeys is used when no fragments are configured.
var DefaultKeys = []string{
	"password", "passwd", "pwd", "token", "authorization", "auth",
	"cc", "card", "cvc", "cvv", "ssn", "email", "phone", "dob",
}

// Redactor is immutable after construction and safe for concurrent use.
type Redactor struct {
	fragments []string
}

func New(fragments []string) *Redactor {
	if len(fragments) == 0 {
		fragments = DefaultKeys
	}
	r := &Redactor{fragments: make([]string, 0, len(fragments))}
	for _, f := range fragments {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			r.fragments = append(r.fragments, f)
		}
	}
	return r
}

// Fragments returns the normalised key fragments.
func (r *Redactor) Fragments() []string {
	return append([]string(nil), r.fragments...)
}

// Sensitive reports whether values under key must be redacted.
func (r *Redactor) Sensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, f := range r.fragments {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}

// Redact returns a sanitised copy of v. It never panics; a failure while
// walking yields SanitizeError for the affected subtree.
func (r *Redactor) Redact(v any) (out any) {
	defer func() {
		if recover() != nil {
			out = SanitizeError
		}
	}()
	return r.walk(v, 0)
}

func (r *Redactor) walk(v any, depth int) (out any) {
	defer func() {
		if recover() != nil {
			out = SanitizeError
		}
	}()

	if depth > MaxDepth {
		return v
	}

	switch t := v.(type) {
	case nil, string, bool, float64, json.Number:
		return v
	case map[string]any:
		res := make(map[string]any, len(t))
		for k, val := range t {
			if r.Sensitive(k) {
				res[k] = Marker
				continue
			}
			res[k] = r.walk(val, depth+1)
		}
		return res
	case map[string]string:
		res := make(map[string]any, len(t))
		for k, val := range t {
			if r.Sensitive(k) {
				res[k] = Marker
				continue
			}
			res[k] = val
		}
		return res
	case []any:
		res := make([]any, len(t))
		for i, e := range t {
			res[i] = r.walk(e, depth+1)
		}
		return res
	case []string:
		return append([]string(nil), t...)
	case []byte:
		return r.SafeValue(t, 0)
	}

	if isScalar(v) {
		return v
	}

	normalized, err := normalize(v)
	if err != nil {
		return SanitizeError
	}
	return r.walk(normalized, depth)
}

func isScalar(v any) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String:
		return true
	}
	return false
}

// normalize converts structs, typed maps and typed slices into the
// generic JSON shape the walker understands.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

var errTrailing = errors.New("redaction: trailing data after JSON value")

func decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var parsed any
	if err := dec.Decode(&parsed); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errTrailing
	}
	return parsed, nil
}

func encode(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// SafePreview parses raw as JSON, redacts it and re-serialises it,
// truncated to maxLen runes. Text that does not parse is truncated
// verbatim.
func (r *Redactor) SafePreview(raw string, maxLen int) string {
	if raw == "" {
		return ""
	}
	if maxLen <= 0 {
		maxLen = DefaultPreviewLength
	}
	parsed, err := decode([]byte(raw))
	if err != nil {
		return Truncate(raw, maxLen)
	}
	out, err := encode(r.Redact(parsed))
	if err != nil {
		return Truncate(raw, maxLen)
	}
	return Truncate(out, maxLen)
}

// SafeValue returns the redacted structured value of raw when it parses as
// JSON, otherwise the truncated text. Empty input yields nil.
func (r *Redactor) SafeValue(raw []byte, maxLen int) any {
	if len(raw) == 0 {
		return nil
	}
	if maxLen <= 0 {
		maxLen = DefaultPreviewLength
	}
	parsed, err := decode(raw)
	if err != nil {
		return Truncate(string(raw), maxLen)
	}
	return r.Redact(parsed)
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
