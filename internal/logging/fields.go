package logging

import "log/slog"

// Common field names for consistent logging across packages.
const (
	FieldComponent = "component"
	FieldBuffer    = "buffer"
	FieldStage     = "stage"
	FieldSource    = "source"
	FieldTraceID   = "trace_id"
	FieldSelector  = "selector"
	FieldURL       = "url"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
)

func Component(name string) slog.Attr {
	return slog.String(FieldComponent, name)
}

func Buffer(name string) slog.Attr {
	return slog.String(FieldBuffer, name)
}

// Stage names an analysis stage (correlate, schemas, bugs, plugins).
func Stage(name string) slog.Attr {
	return slog.String(FieldStage, name)
}

// Source names the interceptor a record came from.
func Source(name string) slog.Attr {
	return slog.String(FieldSource, name)
}

func TraceID(id string) slog.Attr {
	return slog.String(FieldTraceID, id)
}

func Selector(sel string) slog.Attr {
	return slog.String(FieldSelector, sel)
}

func URL(u string) slog.Attr {
	return slog.String(FieldURL, u)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error. A nil error logs as "".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
